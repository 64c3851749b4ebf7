// Package refresher periodically enumerates enabled channels and enqueues
// newly discovered items for ingestion.
package refresher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"tubecast/internal/fetcher"
	"tubecast/internal/queue"
	"tubecast/internal/store"
)

// DefaultPriority is assigned to entries enqueued by channel refresh.
const DefaultPriority = 5

// Enumerator lists the items currently visible on a channel.
type Enumerator interface {
	Enumerate(ctx context.Context, channelURL string) ([]fetcher.Metadata, error)
}

// ChannelStore is the slice of the store the refresher uses.
type ChannelStore interface {
	ListChannels(ctx context.Context, enabledOnly bool) ([]*store.Channel, error)
	GetItemByVideoID(ctx context.Context, videoID string) (*store.Item, error)
	CreateItem(ctx context.Context, it *store.Item) error
	TouchChannelRefreshed(ctx context.Context, channelID string, at time.Time) error
}

// Enqueuer schedules an item for download.
type Enqueuer interface {
	Enqueue(ctx context.Context, itemID string, priority int) (*queue.Entry, error)
}

// Refresher drives the periodic channel refresh loop. Ticks never overlap:
// a tick that fires while the previous one is still running is skipped.
type Refresher struct {
	store      ChannelStore
	enumerator Enumerator
	enqueuer   Enqueuer
	interval   time.Duration

	running atomic.Bool // a refresh pass is executing
	started atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a refresher. A non-positive interval falls back to one hour.
func New(st ChannelStore, en Enumerator, eq Enqueuer, interval time.Duration) *Refresher {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Refresher{store: st, enumerator: en, enqueuer: eq, interval: interval}
}

// Start launches the refresh loop: one immediate pass, then one per
// interval. Calling Start again is a no-op.
func (r *Refresher) Start(ctx context.Context) {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		slog.Info("Refresher started", "interval", r.interval)

		r.tick(ctx)

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				slog.Info("Refresher stopped")
				return
			case <-ticker.C:
				r.tick(ctx)
			}
		}
	}()
}

// Stop cancels the loop and waits for an in-flight pass to finish.
func (r *Refresher) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Refresher) tick(ctx context.Context) {
	if !r.running.CompareAndSwap(false, true) {
		slog.Warn("Skipping refresh tick, previous pass still running")
		return
	}
	defer r.running.Store(false)

	if err := r.RefreshAll(ctx); err != nil && ctx.Err() == nil {
		slog.Error("Refresh pass failed", "error", err)
	}
}

// RefreshAll refreshes every enabled channel once. A failing channel is
// logged and skipped; the pass continues with the rest.
func (r *Refresher) RefreshAll(ctx context.Context) error {
	channels, err := r.store.ListChannels(ctx, true)
	if err != nil {
		return fmt.Errorf("failed to list channels: %w", err)
	}

	for _, ch := range channels {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := r.RefreshChannel(ctx, ch); err != nil {
			slog.Error("Channel refresh failed", "channel_id", ch.ID, "url", ch.URL, "error", err)
		}
	}
	return nil
}

// RefreshChannel enumerates one channel, creates items for unseen videos,
// and enqueues them. The channel's refresh timestamp is stamped even when
// enumeration fails, so a broken channel does not get hammered.
func (r *Refresher) RefreshChannel(ctx context.Context, ch *store.Channel) error {
	log := slog.With("channel_id", ch.ID, "title", ch.Title)

	defer func() {
		if err := r.store.TouchChannelRefreshed(context.WithoutCancel(ctx), ch.ID, time.Now().UTC()); err != nil {
			log.Error("Failed to stamp channel refresh", "error", err)
		}
	}()

	entries, err := r.enumerator.Enumerate(ctx, ch.URL)
	if err != nil {
		return fmt.Errorf("failed to enumerate channel: %w", err)
	}

	sortByTimestamp(entries)
	if ch.EpisodeCount >= 0 && len(entries) > ch.EpisodeCount {
		entries = entries[:ch.EpisodeCount]
	}

	created := 0
	for _, md := range entries {
		if md.ID == "" {
			continue
		}
		ok, err := r.ingest(ctx, ch, md)
		if err != nil {
			log.Error("Failed to ingest item", "video_id", md.ID, "error", err)
			continue
		}
		if ok {
			created++
		}
	}

	log.Info("Channel refreshed", "enumerated", len(entries), "created", created)
	return nil
}

// ingest creates and enqueues one discovered item. Returns false when the
// video is already known under any status, including deleted.
func (r *Refresher) ingest(ctx context.Context, ch *store.Channel, md fetcher.Metadata) (bool, error) {
	_, err := r.store.GetItemByVideoID(ctx, md.ID)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return false, fmt.Errorf("failed to check for existing item: %w", err)
	}

	it := &store.Item{
		ChannelID:    ch.ID,
		VideoID:      md.ID,
		Title:        md.Title,
		Description:  md.Description,
		ThumbnailURL: md.Thumbnail,
		Duration:     md.Duration,
		PublishedAt:  md.Timestamp,
		Status:       store.ItemPending,
	}
	if err := r.store.CreateItem(ctx, it); err != nil {
		return false, fmt.Errorf("failed to create item: %w", err)
	}

	if _, err := r.enqueuer.Enqueue(ctx, it.ID, DefaultPriority); err != nil {
		if errors.Is(err, queue.ErrAlreadyQueued) {
			return true, nil
		}
		return false, fmt.Errorf("failed to enqueue item: %w", err)
	}
	return true, nil
}

// sortByTimestamp orders metadata newest first with unknown dates last,
// keeping the enumeration order within ties.
func sortByTimestamp(entries []fetcher.Metadata) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i].Timestamp, entries[j].Timestamp
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.After(*b)
		}
	})
}
