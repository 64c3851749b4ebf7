package endpoints

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"tubecast/internal/metrics"
)

// DepthReporter reports the queue depth by status.
type DepthReporter interface {
	Depth(ctx context.Context) (pending, inProgress, retrying int64, err error)
}

// StatsResponse is the operational snapshot served at /api/stats.
type StatsResponse struct {
	DownloadsStarted   int64            `json:"downloads_started"`
	DownloadsCompleted int64            `json:"downloads_completed"`
	DownloadsFailed    int64            `json:"downloads_failed"`
	BytesFetched       int64            `json:"bytes_fetched"`
	Transcodes         map[string]int64 `json:"transcodes"`
	Errors             map[string]int64 `json:"errors"`
	QueuePending       int64            `json:"queue_pending"`
	QueueInProgress    int64            `json:"queue_in_progress"`
	QueueRetrying      int64            `json:"queue_retrying"`
	GeneratedAt        time.Time        `json:"generated_at"`
}

// HandleGetStats returns a handler serving a JSON snapshot of the service
// counters and the live queue depth.
func HandleGetStats(m *metrics.Metrics, depths DepthReporter) gin.HandlerFunc {
	return func(c *gin.Context) {
		pending, inProgress, retrying, err := depths.Depth(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read queue depth"})
			return
		}

		snap := m.Snapshot()
		transcodes := make(map[string]int64, len(snap.Transcodes))
		for format, stat := range snap.Transcodes {
			transcodes[format] = stat.Count
		}

		c.JSON(http.StatusOK, StatsResponse{
			DownloadsStarted:   snap.DownloadsStarted,
			DownloadsCompleted: snap.DownloadsCompleted,
			DownloadsFailed:    snap.DownloadsFailed,
			BytesFetched:       snap.BytesFetched,
			Transcodes:         transcodes,
			Errors:             snap.Errors,
			QueuePending:       pending,
			QueueInProgress:    inProgress,
			QueueRetrying:      retrying,
			GeneratedAt:        time.Now().UTC(),
		})
	}
}
