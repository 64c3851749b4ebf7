package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"tubecast/internal/bus"
	"tubecast/internal/fetcher"
	"tubecast/internal/metrics"
	"tubecast/internal/store"
	"tubecast/internal/transcoder"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) GetItem(ctx context.Context, id string) (*store.Item, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.Item), args.Error(1)
}

func (m *mockStore) GetChannel(ctx context.Context, id string) (*store.Channel, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.Channel), args.Error(1)
}

func (m *mockStore) UpdateItem(ctx context.Context, it *store.Item) error {
	return m.Called(ctx, it).Error(0)
}

func (m *mockStore) SetItemStatus(ctx context.Context, id string, status store.ItemStatus, lastError string) error {
	return m.Called(ctx, id, status, lastError).Error(0)
}

type mockDownloader struct {
	mock.Mock
}

func (m *mockDownloader) Fetch(ctx context.Context, itemURL, outputPath string, sink fetcher.ProgressSink) (string, error) {
	args := m.Called(ctx, itemURL, outputPath, sink)
	return args.String(0), args.Error(1)
}

type mockTranscoder struct {
	mock.Mock
}

func (m *mockTranscoder) TranscodeAudio(ctx context.Context, in, out string, sink transcoder.ProgressSink) (*transcoder.Result, error) {
	args := m.Called(ctx, in, out, sink)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*transcoder.Result), args.Error(1)
}

func (m *mockTranscoder) TranscodeVideo(ctx context.Context, in, out string, sink transcoder.ProgressSink) (*transcoder.Result, error) {
	args := m.Called(ctx, in, out, sink)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*transcoder.Result), args.Error(1)
}

func (m *mockTranscoder) AudioExt() string { return "mp3" }
func (m *mockTranscoder) VideoExt() string { return "mp4" }

func testItem() *store.Item {
	return &store.Item{ID: "item-1", ChannelID: "ch-1", VideoID: "vid123", Title: "An Episode", Status: store.ItemPending}
}

func testChannel(ft store.FeedType) *store.Channel {
	return &store.Channel{ID: "ch-1", Title: "A Channel", FeedType: ft, Enabled: true}
}

func isTempDownload(path string) bool {
	return strings.HasSuffix(filepath.Base(path), ".download")
}

func newTestPipeline(t *testing.T, st ItemStore, dl Downloader, tc Transcoder) (*Pipeline, *bus.Bus, <-chan bus.Event) {
	t.Helper()
	b := bus.New()
	t.Cleanup(b.Close)
	events := b.Subscribe(8)
	m := metrics.New(nil)
	p := New(st, dl, tc, b, m, Options{DownloadDir: t.TempDir(), TempDir: t.TempDir()})
	return p, b, events
}

func TestProcessAudioSuccess(t *testing.T) {
	st := new(mockStore)
	dl := new(mockDownloader)
	tc := new(mockTranscoder)
	p, _, events := newTestPipeline(t, st, dl, tc)

	it := testItem()
	st.On("GetItem", mock.Anything, "item-1").Return(it, nil)
	st.On("GetChannel", mock.Anything, "ch-1").Return(testChannel(store.FeedTypeAudio), nil)
	st.On("SetItemStatus", mock.Anything, "item-1", store.ItemDownloading, "").Return(nil)
	st.On("SetItemStatus", mock.Anything, "item-1", store.ItemProcessing, "").Return(nil)

	dl.On("Fetch", mock.Anything, "https://www.youtube.com/watch?v=vid123", mock.MatchedBy(isTempDownload), nil).
		Return("", nil)

	wantRel := filepath.Join("ch-1", "audio", "vid123.mp3")
	tc.On("TranscodeAudio", mock.Anything, mock.MatchedBy(isTempDownload), mock.MatchedBy(func(out string) bool {
		return filepath.Base(out) == "vid123.mp3"
	}), nil).Return(&transcoder.Result{Success: true, OutputFileSize: 4096, Elapsed: time.Second}, nil)

	st.On("UpdateItem", mock.Anything, mock.MatchedBy(func(got *store.Item) bool {
		return got.Status == store.ItemCompleted &&
			got.FilePathAudio != nil && *got.FilePathAudio == wantRel &&
			got.FileSizeAudio != nil && *got.FileSizeAudio == 4096 &&
			got.DownloadedAt != nil && got.FilePathVideo == nil
	})).Return(nil)

	require.NoError(t, p.Process(context.Background(), "item-1", nil))

	select {
	case ev := <-events:
		assert.Equal(t, bus.ItemCompleted, ev.Type)
		assert.Equal(t, "ch-1", ev.ChannelID)
		assert.Equal(t, "item-1", ev.ItemID)
	case <-time.After(time.Second):
		t.Fatal("no completion event published")
	}

	st.AssertExpectations(t)
	dl.AssertExpectations(t)
	tc.AssertExpectations(t)
}

func TestProcessBothTranscodesBothSides(t *testing.T) {
	st := new(mockStore)
	dl := new(mockDownloader)
	tc := new(mockTranscoder)
	p, _, _ := newTestPipeline(t, st, dl, tc)

	st.On("GetItem", mock.Anything, "item-1").Return(testItem(), nil)
	st.On("GetChannel", mock.Anything, "ch-1").Return(testChannel(store.FeedTypeBoth), nil)
	st.On("SetItemStatus", mock.Anything, "item-1", mock.Anything, "").Return(nil)
	dl.On("Fetch", mock.Anything, mock.Anything, mock.Anything, nil).Return("", nil)
	tc.On("TranscodeAudio", mock.Anything, mock.Anything, mock.Anything, nil).
		Return(&transcoder.Result{Success: true, OutputFileSize: 100}, nil)
	tc.On("TranscodeVideo", mock.Anything, mock.Anything, mock.Anything, nil).
		Return(&transcoder.Result{Success: true, OutputFileSize: 200}, nil)
	st.On("UpdateItem", mock.Anything, mock.MatchedBy(func(got *store.Item) bool {
		return got.HasAudio() && got.HasVideo() && *got.FileSizeVideo == 200
	})).Return(nil)

	require.NoError(t, p.Process(context.Background(), "item-1", nil))
	tc.AssertExpectations(t)
}

func TestProcessDownloadFailure(t *testing.T) {
	st := new(mockStore)
	dl := new(mockDownloader)
	tc := new(mockTranscoder)
	p, _, events := newTestPipeline(t, st, dl, tc)

	st.On("GetItem", mock.Anything, "item-1").Return(testItem(), nil)
	st.On("GetChannel", mock.Anything, "ch-1").Return(testChannel(store.FeedTypeAudio), nil)
	st.On("SetItemStatus", mock.Anything, "item-1", store.ItemDownloading, "").Return(nil)

	boom := errors.New("yt-dlp exploded")
	dl.On("Fetch", mock.Anything, mock.Anything, mock.Anything, nil).Return("", boom)

	st.On("SetItemStatus", mock.Anything, "item-1", store.ItemFailed, mock.MatchedBy(func(msg string) bool {
		return msg != "" && msg != "Pipeline cancelled"
	})).Return(nil)

	err := p.Process(context.Background(), "item-1", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrCancelled)

	select {
	case ev := <-events:
		assert.Equal(t, bus.ItemFailed, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("no failure event published")
	}
	st.AssertExpectations(t)
}

func TestProcessDownloadFailureRemovesTempFile(t *testing.T) {
	st := new(mockStore)
	dl := new(mockDownloader)
	tc := new(mockTranscoder)

	tempDir := t.TempDir()
	b := bus.New()
	t.Cleanup(b.Close)
	p := New(st, dl, tc, b, metrics.New(nil), Options{DownloadDir: t.TempDir(), TempDir: tempDir})

	st.On("GetItem", mock.Anything, "item-1").Return(testItem(), nil)
	st.On("GetChannel", mock.Anything, "ch-1").Return(testChannel(store.FeedTypeAudio), nil)
	st.On("SetItemStatus", mock.Anything, "item-1", store.ItemDownloading, "").Return(nil)
	st.On("SetItemStatus", mock.Anything, "item-1", store.ItemFailed, mock.Anything).Return(nil)

	// a fetch that writes a partial file before failing
	dl.On("Fetch", mock.Anything, mock.Anything, mock.Anything, nil).
		Run(func(args mock.Arguments) {
			path := args.String(2)
			require.NoError(t, os.WriteFile(path, []byte("partial"), 0o644))
		}).
		Return("", errors.New("connection reset"))

	err := p.Process(context.Background(), "item-1", nil)
	require.Error(t, err)

	left, err := os.ReadDir(tempDir)
	require.NoError(t, err)
	assert.Empty(t, left, "partial download must not outlive the run")
}

func TestProcessMissingChannelMarksItemFailed(t *testing.T) {
	st := new(mockStore)
	dl := new(mockDownloader)
	tc := new(mockTranscoder)
	p, _, events := newTestPipeline(t, st, dl, tc)

	st.On("GetItem", mock.Anything, "item-1").Return(testItem(), nil)
	st.On("GetChannel", mock.Anything, "ch-1").Return(nil, store.ErrNotFound)
	st.On("SetItemStatus", mock.Anything, "item-1", store.ItemFailed, "Channel not found").Return(nil)

	err := p.Process(context.Background(), "item-1", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrNotFound)

	select {
	case ev := <-events:
		assert.Equal(t, bus.ItemFailed, ev.Type)
		assert.Equal(t, "ch-1", ev.ChannelID)
	case <-time.After(time.Second):
		t.Fatal("no failure event published")
	}
	st.AssertExpectations(t)
	dl.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessForwardsProgress(t *testing.T) {
	st := new(mockStore)
	dl := new(mockDownloader)
	tc := new(mockTranscoder)
	p, _, _ := newTestPipeline(t, st, dl, tc)

	st.On("GetItem", mock.Anything, "item-1").Return(testItem(), nil)
	st.On("GetChannel", mock.Anything, "ch-1").Return(testChannel(store.FeedTypeAudio), nil)
	st.On("SetItemStatus", mock.Anything, "item-1", mock.Anything, "").Return(nil)
	st.On("UpdateItem", mock.Anything, mock.Anything).Return(nil)

	dl.On("Fetch", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			args.Get(3).(fetcher.ProgressSink).OnProgress(fetcher.Progress{Percent: 42})
		}).
		Return("", nil)
	tc.On("TranscodeAudio", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			args.Get(3).(transcoder.ProgressSink).OnProgress(transcoder.Progress{Percent: 80})
		}).
		Return(&transcoder.Result{Success: true, OutputFileSize: 100}, nil)

	type event struct {
		stage   Stage
		percent float64
	}
	var got []event
	sink := ProgressFunc(func(stage Stage, percent float64) {
		got = append(got, event{stage, percent})
	})

	require.NoError(t, p.Process(context.Background(), "item-1", sink))

	require.Len(t, got, 2)
	assert.Equal(t, event{StageDownload, 42}, got[0])
	assert.Equal(t, event{StageTranscode, 80}, got[1])
}

func TestProcessCancellation(t *testing.T) {
	st := new(mockStore)
	dl := new(mockDownloader)
	tc := new(mockTranscoder)
	p, _, _ := newTestPipeline(t, st, dl, tc)

	ctx, cancel := context.WithCancel(context.Background())

	st.On("GetItem", mock.Anything, "item-1").Return(testItem(), nil)
	st.On("GetChannel", mock.Anything, "ch-1").Return(testChannel(store.FeedTypeAudio), nil)
	st.On("SetItemStatus", mock.Anything, "item-1", store.ItemDownloading, "").Return(nil)
	dl.On("Fetch", mock.Anything, mock.Anything, mock.Anything, nil).
		Run(func(mock.Arguments) { cancel() }).
		Return("", context.Canceled)
	st.On("SetItemStatus", mock.Anything, "item-1", store.ItemFailed, "Pipeline cancelled").Return(nil)

	err := p.Process(ctx, "item-1", nil)
	assert.ErrorIs(t, err, ErrCancelled)
	st.AssertExpectations(t)
}

func TestProcessUnknownItem(t *testing.T) {
	st := new(mockStore)
	p, _, _ := newTestPipeline(t, st, new(mockDownloader), new(mockTranscoder))

	st.On("GetItem", mock.Anything, "missing").Return(nil, store.ErrNotFound)

	err := p.Process(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
