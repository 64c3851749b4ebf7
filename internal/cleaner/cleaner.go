// Package cleaner enforces the rolling retention window: completed items
// beyond a channel's episode count have their files removed and are marked
// deleted.
package cleaner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tubecast/internal/bus"
	"tubecast/internal/store"
)

// ItemStore is the slice of the store the cleaner uses.
type ItemStore interface {
	ListChannels(ctx context.Context, enabledOnly bool) ([]*store.Channel, error)
	ListCompletedByChannel(ctx context.Context, channelID string, limit int) ([]*store.Item, error)
	SetItemStatus(ctx context.Context, id string, status store.ItemStatus, lastError string) error
}

// Cleaner prunes items that have fallen out of the retention window.
type Cleaner struct {
	store       ItemStore
	bus         *bus.Bus
	downloadDir string
	now         func() time.Time
}

// New creates a cleaner rooted at the download directory.
func New(st ItemStore, b *bus.Bus, downloadDir string) *Cleaner {
	return &Cleaner{
		store:       st,
		bus:         b,
		downloadDir: downloadDir,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Run prunes every channel once, disabled ones included so a disabled
// channel still ages out. A failing channel is logged and skipped.
func (c *Cleaner) Run(ctx context.Context) error {
	channels, err := c.store.ListChannels(ctx, false)
	if err != nil {
		return fmt.Errorf("failed to list channels: %w", err)
	}

	for _, ch := range channels {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, _, err := c.CleanChannel(ctx, ch); err != nil {
			slog.Error("Channel cleanup failed", "channel_id", ch.ID, "error", err)
		}
	}
	return nil
}

// CleanChannel prunes one channel and reports how many items were removed
// and how many bytes their recorded artifacts freed. Items are marked
// deleted even when removing a file fails, so a broken file system entry
// cannot pin an item forever.
func (c *Cleaner) CleanChannel(ctx context.Context, ch *store.Channel) (pruned int, freed int64, err error) {
	items, err := c.store.ListCompletedByChannel(ctx, ch.ID, 0)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list completed items: %w", err)
	}

	keep := ch.EpisodeCount
	if keep < 0 {
		keep = 0
	}
	if len(items) <= keep {
		return 0, 0, nil
	}

	log := slog.With("channel_id", ch.ID, "title", ch.Title)
	for _, it := range items[keep:] {
		freed += c.removeFiles(log, it)
		if err := c.store.SetItemStatus(ctx, it.ID, store.ItemDeleted, ""); err != nil {
			log.Error("Failed to mark item deleted", "item_id", it.ID, "error", err)
			continue
		}
		pruned++
	}

	if pruned > 0 {
		c.bus.Publish(bus.Event{
			Type:       bus.ItemsPruned,
			ChannelID:  ch.ID,
			FreedBytes: freed,
			At:         c.now(),
		})
		log.Info("Pruned items", "pruned", pruned, "freed_bytes", freed)
	}
	return pruned, freed, nil
}

// removeFiles deletes the item's artifacts and returns the bytes freed
// according to the recorded sizes. Remote thumbnails are left alone.
func (c *Cleaner) removeFiles(log *slog.Logger, it *store.Item) int64 {
	var freed int64
	if it.FilePathAudio != nil {
		if c.remove(log, *it.FilePathAudio) && it.FileSizeAudio != nil {
			freed += *it.FileSizeAudio
		}
	}
	if it.FilePathVideo != nil {
		if c.remove(log, *it.FilePathVideo) && it.FileSizeVideo != nil {
			freed += *it.FileSizeVideo
		}
	}
	if it.ThumbnailURL != "" && !isRemote(it.ThumbnailURL) {
		c.remove(log, it.ThumbnailURL)
	}
	return freed
}

// remove deletes one relative path under the download directory. A missing
// file counts as removed.
func (c *Cleaner) remove(log *slog.Logger, rel string) bool {
	path := filepath.Join(c.downloadDir, rel)
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		log.Warn("Failed to remove file", "path", path, "error", err)
		return false
	}
	return true
}

func isRemote(p string) bool {
	return strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://")
}
