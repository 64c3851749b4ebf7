package endpoints

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"tubecast/internal/store"
)

// ChannelStore defines the store operations the channel endpoints need.
type ChannelStore interface {
	CreateChannel(ctx context.Context, ch *store.Channel) error
	GetChannel(ctx context.Context, id string) (*store.Channel, error)
	ListChannels(ctx context.Context, enabledOnly bool) ([]*store.Channel, error)
	UpdateChannel(ctx context.Context, ch *store.Channel) error
	ListCompletedByChannel(ctx context.Context, channelID string, limit int) ([]*store.Item, error)
}

// CreateChannelRequest is the payload for channel registration.
type CreateChannelRequest struct {
	URL          string `json:"url" binding:"required"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	FeedType     string `json:"feed_type"`
	EpisodeCount int    `json:"episode_count"`
}

// ListChannelsResponse wraps the channel listing.
type ListChannelsResponse struct {
	Channels []*store.Channel `json:"channels"`
}

// ListItemsResponse wraps a channel's completed items.
type ListItemsResponse struct {
	Items []*store.Item `json:"items"`
}

var validFeedTypes = map[store.FeedType]bool{
	store.FeedTypeAudio: true,
	store.FeedTypeVideo: true,
	store.FeedTypeBoth:  true,
}

// HandleCreateChannel returns a handler that registers a channel.
// Defaults: feed type audio, episode count per the service default.
func HandleCreateChannel(channels ChannelStore, defaultEpisodeCount int) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateChannelRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "url is required"})
			return
		}

		ch := &store.Channel{
			URL:          strings.TrimSpace(req.URL),
			Title:        req.Title,
			Description:  req.Description,
			Enabled:      true,
			FeedType:     store.FeedType(req.FeedType),
			EpisodeCount: req.EpisodeCount,
		}
		if ch.FeedType == "" {
			ch.FeedType = store.FeedTypeAudio
		}
		if !validFeedTypes[ch.FeedType] {
			c.JSON(http.StatusBadRequest, gin.H{"error": "feed_type must be audio, video or both"})
			return
		}
		if ch.EpisodeCount <= 0 {
			ch.EpisodeCount = defaultEpisodeCount
		}
		if ch.Title == "" {
			ch.Title = ch.URL
		}

		if err := channels.CreateChannel(c.Request.Context(), ch); err != nil {
			if isUniqueViolation(err) {
				c.JSON(http.StatusConflict, gin.H{"error": "An enabled channel with this URL already exists"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create channel"})
			return
		}
		c.JSON(http.StatusCreated, ch)
	}
}

// HandleListChannels returns a handler that lists channels, all of them by
// default, enabled only with ?enabled=true.
func HandleListChannels(channels ChannelStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		enabledOnly := c.Query("enabled") == "true"
		list, err := channels.ListChannels(c.Request.Context(), enabledOnly)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list channels"})
			return
		}
		c.JSON(http.StatusOK, ListChannelsResponse{Channels: list})
	}
}

// HandleGetChannel returns a handler that fetches one channel by id.
func HandleGetChannel(channels ChannelStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		ch, err := channels.GetChannel(c.Request.Context(), c.Param("id"))
		if err != nil {
			channelError(c, err)
			return
		}
		c.JSON(http.StatusOK, ch)
	}
}

// UpdateChannelRequest carries the mutable channel fields. Pointers
// distinguish absent fields from zero values.
type UpdateChannelRequest struct {
	Title        *string `json:"title"`
	Description  *string `json:"description"`
	Enabled      *bool   `json:"enabled"`
	FeedType     *string `json:"feed_type"`
	EpisodeCount *int    `json:"episode_count"`
}

// HandleUpdateChannel returns a handler that patches a channel.
func HandleUpdateChannel(channels ChannelStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		ch, err := channels.GetChannel(ctx, c.Param("id"))
		if err != nil {
			channelError(c, err)
			return
		}

		var req UpdateChannelRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}

		if req.Title != nil {
			ch.Title = *req.Title
		}
		if req.Description != nil {
			ch.Description = *req.Description
		}
		if req.Enabled != nil {
			ch.Enabled = *req.Enabled
		}
		if req.FeedType != nil {
			ft := store.FeedType(*req.FeedType)
			if !validFeedTypes[ft] {
				c.JSON(http.StatusBadRequest, gin.H{"error": "feed_type must be audio, video or both"})
				return
			}
			ch.FeedType = ft
		}
		if req.EpisodeCount != nil {
			ch.EpisodeCount = *req.EpisodeCount
		}

		if err := channels.UpdateChannel(ctx, ch); err != nil {
			if isUniqueViolation(err) {
				c.JSON(http.StatusConflict, gin.H{"error": "An enabled channel with this URL already exists"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update channel"})
			return
		}
		c.JSON(http.StatusOK, ch)
	}
}

// HandleDisableChannel returns a handler that disables a channel. The
// channel and its items survive; refresh just stops picking it up.
func HandleDisableChannel(channels ChannelStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		ch, err := channels.GetChannel(ctx, c.Param("id"))
		if err != nil {
			channelError(c, err)
			return
		}
		ch.Enabled = false
		if err := channels.UpdateChannel(ctx, ch); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to disable channel"})
			return
		}
		c.JSON(http.StatusOK, ch)
	}
}

// HandleListChannelItems returns a handler listing a channel's completed
// items, newest first.
func HandleListChannelItems(channels ChannelStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		ch, err := channels.GetChannel(ctx, c.Param("id"))
		if err != nil {
			channelError(c, err)
			return
		}
		items, err := channels.ListCompletedByChannel(ctx, ch.ID, 0)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list items"})
			return
		}
		c.JSON(http.StatusOK, ListItemsResponse{Items: items})
	}
}

func channelError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Channel not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load channel"})
}

// isUniqueViolation matches the SQLite unique constraint error without
// depending on driver error codes.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique")
}
