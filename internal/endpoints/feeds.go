package endpoints

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"tubecast/internal/feed"
	"tubecast/internal/feedcache"
	"tubecast/internal/store"
)

// FeedSource builds feed documents on demand.
type FeedSource interface {
	ChannelRSS(ctx context.Context, channelID string, ft store.FeedType) (*feed.Artifact, error)
	ChannelAtom(ctx context.Context, channelID string, ft store.FeedType, feedURL string) (*feed.Artifact, error)
	CombinedRSS(ctx context.Context, ft store.FeedType) (*feed.Artifact, error)
}

// HandleGetFeed returns a handler serving RSS and Atom documents for one
// channel, or the combined feed under the synthetic channel id. RSS
// responses go through the cache; Atom is rendered per request.
func HandleGetFeed(feeds FeedSource, cache *feedcache.Cache) gin.HandlerFunc {
	return func(c *gin.Context) {
		channelID := c.Param("channelID")
		kind := c.Param("kind")
		if kind != "audio" && kind != "video" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "feed kind must be audio or video"})
			return
		}
		ft := store.FeedType(kind)
		ctx := c.Request.Context()

		if c.Query("format") == "atom" {
			if channelID == feed.CombinedChannelID {
				c.JSON(http.StatusBadRequest, gin.H{"error": "combined feed is RSS only"})
				return
			}
			feedURL := requestURL(c)
			art, err := feeds.ChannelAtom(ctx, channelID, ft, feedURL)
			if err != nil {
				feedError(c, err)
				return
			}
			serveFeed(c, art, "application/atom+xml; charset=utf-8")
			return
		}

		art, err := cache.GetOrCreate(ctx, feedcache.Key(channelID, kind), func(ctx context.Context) (*feed.Artifact, error) {
			if channelID == feed.CombinedChannelID {
				return feeds.CombinedRSS(ctx, ft)
			}
			return feeds.ChannelRSS(ctx, channelID, ft)
		})
		if err != nil {
			feedError(c, err)
			return
		}
		serveFeed(c, art, "application/rss+xml; charset=utf-8")
	}
}

func serveFeed(c *gin.Context, art *feed.Artifact, contentType string) {
	etag := `"` + art.ETag + `"`
	c.Header("ETag", etag)
	c.Header("Cache-Control", "public, max-age=300")

	if match := c.GetHeader("If-None-Match"); match != "" && match == etag {
		c.Status(http.StatusNotModified)
		return
	}
	c.Data(http.StatusOK, contentType, art.XML)
}

func feedError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Channel not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to build feed"})
}

func requestURL(c *gin.Context) string {
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + c.Request.Host + c.Request.URL.RequestURI()
}
