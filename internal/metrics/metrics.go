// Package metrics is the service-wide sink for counters and gauges. Values
// are kept in atomics (with a narrow lock for multi-word pairs) so Snapshot
// is cheap; the same values are mirrored into Prometheus collectors for the
// /metrics endpoint.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// TranscodeStat is the count and cumulative wall time for one output format.
type TranscodeStat struct {
	Count   int64
	Elapsed time.Duration
}

// Average returns the mean transcode duration for the format.
func (t TranscodeStat) Average() time.Duration {
	if t.Count == 0 {
		return 0
	}
	return t.Elapsed / time.Duration(t.Count)
}

// Snapshot is a consistent copy of all metric values at one instant.
type Snapshot struct {
	DownloadsStarted   int64
	DownloadsCompleted int64
	DownloadsFailed    int64
	BytesFetched       int64
	Transcodes         map[string]TranscodeStat
	Errors             map[string]int64
	QueuePending       int64
	QueueInProgress    int64
	QueueRetrying      int64
}

// Metrics is the thread-safe sink.
type Metrics struct {
	downloadsStarted   atomic.Int64
	downloadsCompleted atomic.Int64
	downloadsFailed    atomic.Int64
	bytesFetched       atomic.Int64

	mu         sync.Mutex
	transcodes map[string]*TranscodeStat
	errors     map[string]int64

	queuePending    atomic.Int64
	queueInProgress atomic.Int64
	queueRetrying   atomic.Int64

	promDownloadsStarted   prometheus.Counter
	promDownloadsCompleted prometheus.Counter
	promDownloadsFailed    prometheus.Counter
	promBytesFetched       prometheus.Counter
	promTranscodes         *prometheus.CounterVec
	promTranscodeSeconds   *prometheus.CounterVec
	promErrors             *prometheus.CounterVec
	promQueueDepth         *prometheus.GaugeVec
}

// New creates a metrics sink and registers its collectors with reg. Pass a
// fresh registry in tests to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transcodes: make(map[string]*TranscodeStat),
		errors:     make(map[string]int64),
		promDownloadsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tubecast", Name: "downloads_started_total",
			Help: "Total downloads started.",
		}),
		promDownloadsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tubecast", Name: "downloads_completed_total",
			Help: "Total downloads completed.",
		}),
		promDownloadsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tubecast", Name: "downloads_failed_total",
			Help: "Total downloads failed.",
		}),
		promBytesFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tubecast", Name: "bytes_fetched_total",
			Help: "Total bytes fetched from remote sources.",
		}),
		promTranscodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tubecast", Name: "transcodes_total",
			Help: "Total transcodes by output format.",
		}, []string{"format"}),
		promTranscodeSeconds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tubecast", Name: "transcode_seconds_total",
			Help: "Cumulative transcode wall time by output format.",
		}, []string{"format"}),
		promErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tubecast", Name: "errors_total",
			Help: "Total errors by category.",
		}, []string{"category"}),
		promQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tubecast", Name: "queue_depth",
			Help: "Download queue depth by status.",
		}, []string{"status"}),
	}

	if reg != nil {
		reg.MustRegister(m.promDownloadsStarted, m.promDownloadsCompleted,
			m.promDownloadsFailed, m.promBytesFetched, m.promTranscodes,
			m.promTranscodeSeconds, m.promErrors, m.promQueueDepth)
	}
	return m
}

// DownloadStarted records a download starting.
func (m *Metrics) DownloadStarted() {
	m.downloadsStarted.Add(1)
	m.promDownloadsStarted.Inc()
}

// DownloadCompleted records a finished download of the given size.
func (m *Metrics) DownloadCompleted(bytes int64) {
	m.downloadsCompleted.Add(1)
	m.promDownloadsCompleted.Inc()
	if bytes > 0 {
		m.bytesFetched.Add(bytes)
		m.promBytesFetched.Add(float64(bytes))
	}
}

// DownloadFailed records a failed download.
func (m *Metrics) DownloadFailed() {
	m.downloadsFailed.Add(1)
	m.promDownloadsFailed.Inc()
}

// TranscodeDone records one transcode for the format with its wall time.
func (m *Metrics) TranscodeDone(format string, elapsed time.Duration) {
	m.mu.Lock()
	stat, ok := m.transcodes[format]
	if !ok {
		stat = &TranscodeStat{}
		m.transcodes[format] = stat
	}
	stat.Count++
	stat.Elapsed += elapsed
	m.mu.Unlock()

	m.promTranscodes.WithLabelValues(format).Inc()
	m.promTranscodeSeconds.WithLabelValues(format).Add(elapsed.Seconds())
}

// Error records one error in the given category.
func (m *Metrics) Error(category string) {
	m.mu.Lock()
	m.errors[category]++
	m.mu.Unlock()

	m.promErrors.WithLabelValues(category).Inc()
}

// SetQueueDepth updates the queue depth gauges.
func (m *Metrics) SetQueueDepth(pending, inProgress, retrying int64) {
	m.queuePending.Store(pending)
	m.queueInProgress.Store(inProgress)
	m.queueRetrying.Store(retrying)

	m.promQueueDepth.WithLabelValues("pending").Set(float64(pending))
	m.promQueueDepth.WithLabelValues("in_progress").Set(float64(inProgress))
	m.promQueueDepth.WithLabelValues("retrying").Set(float64(retrying))
}

// Snapshot returns a consistent copy of all values.
func (m *Metrics) Snapshot() Snapshot {
	snap := Snapshot{
		DownloadsStarted:   m.downloadsStarted.Load(),
		DownloadsCompleted: m.downloadsCompleted.Load(),
		DownloadsFailed:    m.downloadsFailed.Load(),
		BytesFetched:       m.bytesFetched.Load(),
		QueuePending:       m.queuePending.Load(),
		QueueInProgress:    m.queueInProgress.Load(),
		QueueRetrying:      m.queueRetrying.Load(),
		Transcodes:         make(map[string]TranscodeStat),
		Errors:             make(map[string]int64),
	}

	m.mu.Lock()
	for format, stat := range m.transcodes {
		snap.Transcodes[format] = *stat
	}
	for category, n := range m.errors {
		snap.Errors[category] = n
	}
	m.mu.Unlock()

	return snap
}
