package endpoints

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tubecast/internal/feedcache"
	"tubecast/internal/metrics"
)

// Deps carries everything the routes need.
type Deps struct {
	Channels ChannelStore
	Feeds    FeedSource
	Cache    *feedcache.Cache
	Queue    DepthReporter
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry

	DownloadDir         string
	FeedPath            string
	DefaultEpisodeCount int
}

// SetupRoutes configures all routes: feed documents, static media, the
// channel admin API, and observability endpoints.
func SetupRoutes(r *gin.Engine, deps Deps) {
	// Feed documents and the media files they reference
	r.GET("/feed/:channelID/:kind", HandleGetFeed(deps.Feeds, deps.Cache))
	if deps.FeedPath != "" && deps.DownloadDir != "" {
		r.Static(deps.FeedPath, deps.DownloadDir)
	}

	// Prometheus scrape endpoint
	if deps.Registry != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api")
	{
		api.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"status":  "healthy",
				"service": "tubecast",
			})
		})

		api.GET("/stats", HandleGetStats(deps.Metrics, deps.Queue))

		channels := api.Group("/channels")
		{
			channels.POST("", HandleCreateChannel(deps.Channels, deps.DefaultEpisodeCount))
			channels.GET("", HandleListChannels(deps.Channels))
			channels.GET("/:id", HandleGetChannel(deps.Channels))
			channels.PUT("/:id", HandleUpdateChannel(deps.Channels))
			channels.DELETE("/:id", HandleDisableChannel(deps.Channels))
			channels.GET("/:id/items", HandleListChannelItems(deps.Channels))
		}
	}
}
