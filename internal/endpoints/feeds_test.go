package endpoints

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"tubecast/internal/feed"
	"tubecast/internal/feedcache"
	"tubecast/internal/store"
)

// MockFeedSource is a mock implementation of FeedSource
type MockFeedSource struct {
	mock.Mock
}

func (m *MockFeedSource) ChannelRSS(ctx context.Context, channelID string, ft store.FeedType) (*feed.Artifact, error) {
	args := m.Called(ctx, channelID, ft)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*feed.Artifact), args.Error(1)
}

func (m *MockFeedSource) ChannelAtom(ctx context.Context, channelID string, ft store.FeedType, feedURL string) (*feed.Artifact, error) {
	args := m.Called(ctx, channelID, ft, feedURL)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*feed.Artifact), args.Error(1)
}

func (m *MockFeedSource) CombinedRSS(ctx context.Context, ft store.FeedType) (*feed.Artifact, error) {
	args := m.Called(ctx, ft)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*feed.Artifact), args.Error(1)
}

func newFeedRouter(feeds FeedSource, cache *feedcache.Cache) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/feed/:channelID/:kind", HandleGetFeed(feeds, cache))
	return router
}

func rssArtifact(tag string) *feed.Artifact {
	return &feed.Artifact{XML: []byte(`<?xml version="1.0"?><rss/>`), ETag: tag, LastModified: time.Now()}
}

func TestHandleGetFeed(t *testing.T) {
	t.Run("RSS", func(t *testing.T) {
		feeds := new(MockFeedSource)
		feeds.On("ChannelRSS", mock.Anything, "ch1", store.FeedTypeAudio).Return(rssArtifact("abc123"), nil)
		router := newFeedRouter(feeds, feedcache.New(time.Minute))

		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/feed/ch1/audio", nil)
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, `"abc123"`, w.Header().Get("ETag"))
		assert.Contains(t, w.Header().Get("Content-Type"), "application/rss+xml")
		assert.Contains(t, w.Body.String(), "<rss/>")
		feeds.AssertExpectations(t)
	})

	t.Run("Cached second request", func(t *testing.T) {
		feeds := new(MockFeedSource)
		feeds.On("ChannelRSS", mock.Anything, "ch1", store.FeedTypeAudio).Return(rssArtifact("abc123"), nil).Once()
		router := newFeedRouter(feeds, feedcache.New(time.Minute))

		for i := 0; i < 2; i++ {
			w := httptest.NewRecorder()
			req, _ := http.NewRequest("GET", "/feed/ch1/audio", nil)
			router.ServeHTTP(w, req)
			assert.Equal(t, http.StatusOK, w.Code)
		}
		feeds.AssertExpectations(t)
	})

	t.Run("Not modified", func(t *testing.T) {
		feeds := new(MockFeedSource)
		feeds.On("ChannelRSS", mock.Anything, "ch1", store.FeedTypeAudio).Return(rssArtifact("abc123"), nil)
		router := newFeedRouter(feeds, feedcache.New(time.Minute))

		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/feed/ch1/audio", nil)
		req.Header.Set("If-None-Match", `"abc123"`)
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusNotModified, w.Code)
		assert.Empty(t, w.Body.String())
	})

	t.Run("Combined", func(t *testing.T) {
		feeds := new(MockFeedSource)
		feeds.On("CombinedRSS", mock.Anything, store.FeedTypeVideo).Return(rssArtifact("combined"), nil)
		router := newFeedRouter(feeds, feedcache.New(time.Minute))

		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/feed/combined/video", nil)
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		feeds.AssertExpectations(t)
	})

	t.Run("Atom bypasses cache", func(t *testing.T) {
		feeds := new(MockFeedSource)
		feeds.On("ChannelAtom", mock.Anything, "ch1", store.FeedTypeAudio, mock.Anything).
			Return(rssArtifact("atomtag"), nil).Twice()
		router := newFeedRouter(feeds, feedcache.New(time.Minute))

		for i := 0; i < 2; i++ {
			w := httptest.NewRecorder()
			req, _ := http.NewRequest("GET", "/feed/ch1/audio?format=atom", nil)
			router.ServeHTTP(w, req)
			assert.Equal(t, http.StatusOK, w.Code)
			assert.Contains(t, w.Header().Get("Content-Type"), "application/atom+xml")
		}
		feeds.AssertExpectations(t)
	})

	t.Run("Combined atom rejected", func(t *testing.T) {
		router := newFeedRouter(new(MockFeedSource), feedcache.New(time.Minute))

		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/feed/combined/audio?format=atom", nil)
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Unknown channel", func(t *testing.T) {
		feeds := new(MockFeedSource)
		feeds.On("ChannelRSS", mock.Anything, "nope", store.FeedTypeAudio).Return(nil, store.ErrNotFound)
		router := newFeedRouter(feeds, feedcache.New(time.Minute))

		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/feed/nope/audio", nil)
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("Bad kind", func(t *testing.T) {
		router := newFeedRouter(new(MockFeedSource), feedcache.New(time.Minute))

		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/feed/ch1/flac", nil)
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}
