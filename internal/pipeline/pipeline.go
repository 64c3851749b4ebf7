// Package pipeline runs one queued item through download, transcode, and
// commit, and drives the worker loop that feeds it from the queue.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"tubecast/internal/bus"
	"tubecast/internal/fetcher"
	"tubecast/internal/metrics"
	"tubecast/internal/store"
	"tubecast/internal/transcoder"
)

// ErrCancelled reports that the pipeline was interrupted by context
// cancellation rather than a processing failure.
var ErrCancelled = errors.New("pipeline cancelled")

// Stage labels which phase of the pipeline a progress event came from.
type Stage string

const (
	StageDownload  Stage = "download"
	StageTranscode Stage = "transcode"
)

// ProgressSink receives download and transcode progress for one item.
type ProgressSink interface {
	OnProgress(stage Stage, percent float64)
}

// ProgressFunc adapts a function to ProgressSink.
type ProgressFunc func(stage Stage, percent float64)

func (f ProgressFunc) OnProgress(stage Stage, percent float64) { f(stage, percent) }

// ItemStore is the slice of the store the pipeline reads and writes.
type ItemStore interface {
	GetItem(ctx context.Context, id string) (*store.Item, error)
	GetChannel(ctx context.Context, id string) (*store.Channel, error)
	UpdateItem(ctx context.Context, it *store.Item) error
	SetItemStatus(ctx context.Context, id string, status store.ItemStatus, lastError string) error
}

// Downloader fetches a remote item to a local file.
type Downloader interface {
	Fetch(ctx context.Context, itemURL, outputPath string, sink fetcher.ProgressSink) (string, error)
}

// Transcoder converts a downloaded file into the final artifacts.
type Transcoder interface {
	TranscodeAudio(ctx context.Context, inputPath, outputPath string, sink transcoder.ProgressSink) (*transcoder.Result, error)
	TranscodeVideo(ctx context.Context, inputPath, outputPath string, sink transcoder.ProgressSink) (*transcoder.Result, error)
	AudioExt() string
	VideoExt() string
}

// Options configures a Pipeline.
type Options struct {
	DownloadDir string
	TempDir     string
}

// Pipeline processes single items end to end.
type Pipeline struct {
	store      ItemStore
	downloader Downloader
	transcoder Transcoder
	bus        *bus.Bus
	metrics    *metrics.Metrics
	opts       Options
	now        func() time.Time
}

// New creates a pipeline. TempDir defaults to the system temp directory.
func New(st ItemStore, dl Downloader, tc Transcoder, b *bus.Bus, m *metrics.Metrics, opts Options) *Pipeline {
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	return &Pipeline{
		store:      st,
		downloader: dl,
		transcoder: tc,
		bus:        b,
		metrics:    m,
		opts:       opts,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Process runs the item through the full pipeline, forwarding download and
// transcode progress to sink when one is given. On success the item is
// Completed with its artifacts recorded and an ItemCompleted event is
// published. A context cancellation marks the item Failed and returns
// ErrCancelled; any other error marks it Failed with the error message. When
// the item's channel is gone the item is marked Failed and the returned
// error wraps store.ErrNotFound so the caller can stop retrying.
func (p *Pipeline) Process(ctx context.Context, itemID string, sink ProgressSink) error {
	it, err := p.store.GetItem(ctx, itemID)
	if err != nil {
		return fmt.Errorf("failed to load item %s: %w", itemID, err)
	}

	log := slog.With("item_id", it.ID, "video_id", it.VideoID, "channel_id", it.ChannelID)

	ch, err := p.store.GetChannel(ctx, it.ChannelID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Error("Item failed", "error", "Channel not found")
			p.metrics.Error("pipeline")
			p.markFailed(it, log, "Channel not found")
		}
		return fmt.Errorf("failed to load channel %s: %w", it.ChannelID, err)
	}

	log.Info("Processing item", "title", it.Title, "feed_type", ch.FeedType)

	// The temp file is removed on every exit path, including a fetch that
	// errors after a partial write.
	tempPath := filepath.Join(p.opts.TempDir, fmt.Sprintf("%s-%s.download", it.VideoID, uuid.NewString()[:8]))
	defer func() {
		if rmErr := os.Remove(tempPath); rmErr != nil && !os.IsNotExist(rmErr) {
			log.Warn("Failed to remove temp file", "path", tempPath, "error", rmErr)
		}
	}()

	if err := p.download(ctx, it, tempPath, sink); err != nil {
		return p.fail(ctx, it, log, err)
	}

	if err := p.transcode(ctx, it, ch, tempPath, sink); err != nil {
		return p.fail(ctx, it, log, err)
	}

	now := p.now()
	it.Status = store.ItemCompleted
	it.DownloadedAt = &now
	it.LastError = ""
	if err := p.store.UpdateItem(ctx, it); err != nil {
		return p.fail(ctx, it, log, fmt.Errorf("failed to commit item: %w", err))
	}

	p.bus.Publish(bus.Event{
		Type:      bus.ItemCompleted,
		ChannelID: ch.ID,
		ItemID:    it.ID,
		At:        now,
	})
	log.Info("Item completed")
	return nil
}

func (p *Pipeline) download(ctx context.Context, it *store.Item, tempPath string, sink ProgressSink) error {
	if err := p.store.SetItemStatus(ctx, it.ID, store.ItemDownloading, ""); err != nil {
		return fmt.Errorf("failed to mark item downloading: %w", err)
	}
	p.metrics.DownloadStarted()

	var fsink fetcher.ProgressSink
	if sink != nil {
		fsink = fetcher.ProgressFunc(func(pr fetcher.Progress) {
			sink.OnProgress(StageDownload, pr.Percent)
		})
	}

	url := "https://www.youtube.com/watch?v=" + it.VideoID
	path, err := p.downloader.Fetch(ctx, url, tempPath, fsink)
	if err != nil {
		p.metrics.DownloadFailed()
		return fmt.Errorf("download failed: %w", err)
	}
	if info, statErr := os.Stat(path); statErr == nil {
		p.metrics.DownloadCompleted(info.Size())
	} else {
		p.metrics.DownloadCompleted(0)
	}
	return nil
}

func (p *Pipeline) transcode(ctx context.Context, it *store.Item, ch *store.Channel, tempPath string, sink ProgressSink) error {
	if err := p.store.SetItemStatus(ctx, it.ID, store.ItemProcessing, ""); err != nil {
		return fmt.Errorf("failed to mark item processing: %w", err)
	}

	if ch.FeedType.WantsAudio() {
		rel := filepath.Join(ch.ID, "audio", it.VideoID+"."+p.transcoder.AudioExt())
		size, err := p.runTranscode(ctx, tempPath, rel, p.transcoder.TranscodeAudio, p.transcoder.AudioExt(), sink)
		if err != nil {
			return fmt.Errorf("audio transcode failed: %w", err)
		}
		it.FilePathAudio = &rel
		it.FileSizeAudio = &size
	}

	if ch.FeedType.WantsVideo() {
		rel := filepath.Join(ch.ID, "video", it.VideoID+"."+p.transcoder.VideoExt())
		size, err := p.runTranscode(ctx, tempPath, rel, p.transcoder.TranscodeVideo, p.transcoder.VideoExt(), sink)
		if err != nil {
			return fmt.Errorf("video transcode failed: %w", err)
		}
		it.FilePathVideo = &rel
		it.FileSizeVideo = &size
	}
	return nil
}

type transcodeFn func(ctx context.Context, inputPath, outputPath string, sink transcoder.ProgressSink) (*transcoder.Result, error)

func (p *Pipeline) runTranscode(ctx context.Context, inputPath, rel string, fn transcodeFn, format string, sink ProgressSink) (int64, error) {
	outPath := filepath.Join(p.opts.DownloadDir, rel)
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create output directory: %w", err)
	}

	var tsink transcoder.ProgressSink
	if sink != nil {
		tsink = transcoder.ProgressFunc(func(pr transcoder.Progress) {
			sink.OnProgress(StageTranscode, pr.Percent)
		})
	}

	res, err := fn(ctx, inputPath, outPath, tsink)
	if err != nil {
		return 0, err
	}
	p.metrics.TranscodeDone(format, res.Elapsed)
	return res.OutputFileSize, nil
}

// fail records the failure on the item. Cancellations get a fixed message
// and map to ErrCancelled.
func (p *Pipeline) fail(ctx context.Context, it *store.Item, log *slog.Logger, cause error) error {
	msg := cause.Error()
	ret := cause
	if ctx.Err() != nil {
		msg = "Pipeline cancelled"
		ret = ErrCancelled
		log.Info("Item cancelled")
	} else {
		log.Error("Item failed", "error", cause)
		p.metrics.Error("pipeline")
	}
	p.markFailed(it, log, msg)
	return ret
}

// markFailed writes the Failed status and publishes ItemFailed. Bookkeeping
// uses a fresh context so it lands even when the worker is shutting down.
func (p *Pipeline) markFailed(it *store.Item, log *slog.Logger, msg string) {
	writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.store.SetItemStatus(writeCtx, it.ID, store.ItemFailed, msg); err != nil {
		log.Error("Failed to record item failure", "error", err)
	}

	p.bus.Publish(bus.Event{
		Type:      bus.ItemFailed,
		ChannelID: it.ChannelID,
		ItemID:    it.ID,
		At:        p.now(),
	})
}
