// Package feed builds podcast RSS 2.0 and Atom 1.0 documents from completed
// items, with content-addressed entity tags.
package feed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"tubecast/internal/store"
)

// CombinedChannelID is the synthetic channel id for the aggregated feed.
const CombinedChannelID = "combined"

// combinedLimit caps the aggregated feed size.
const combinedLimit = 100

// Artifact is one rendered feed document.
type Artifact struct {
	XML          []byte
	ETag         string
	LastModified time.Time
}

// ItemSource is the slice of the store the generator reads.
type ItemSource interface {
	GetChannel(ctx context.Context, id string) (*store.Channel, error)
	ListChannels(ctx context.Context, enabledOnly bool) ([]*store.Channel, error)
	ListCompletedByChannel(ctx context.Context, channelID string, limit int) ([]*store.Item, error)
}

// Generator builds feed documents.
type Generator struct {
	src  ItemSource
	base string // base URL, trailing slash stripped
	feed string // feed path, slashes trimmed; may be empty
	now  func() time.Time
}

// New creates a generator. baseURL defaults to http://localhost when empty.
func New(src ItemSource, baseURL, feedPath string) *Generator {
	if baseURL == "" {
		baseURL = "http://localhost"
	}
	return &Generator{
		src:  src,
		base: strings.TrimRight(baseURL, "/"),
		feed: strings.Trim(feedPath, "/"),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// ChannelRSS builds the RSS document for one channel. Returns
// store.ErrNotFound when the channel does not exist.
func (g *Generator) ChannelRSS(ctx context.Context, channelID string, ft store.FeedType) (*Artifact, error) {
	ch, items, err := g.channelItems(ctx, channelID, ft)
	if err != nil {
		return nil, err
	}
	out, err := g.buildRSS(ch, items, ft)
	if err != nil {
		return nil, err
	}
	return g.artifact(out), nil
}

// ChannelAtom builds the Atom document for one channel.
func (g *Generator) ChannelAtom(ctx context.Context, channelID string, ft store.FeedType, feedURL string) (*Artifact, error) {
	ch, items, err := g.channelItems(ctx, channelID, ft)
	if err != nil {
		return nil, err
	}
	out, err := g.buildAtom(ch, items, ft, feedURL)
	if err != nil {
		return nil, err
	}
	return g.artifact(out), nil
}

// CombinedRSS aggregates up to 100 items across all enabled channels into
// one feed under a synthetic channel.
func (g *Generator) CombinedRSS(ctx context.Context, ft store.FeedType) (*Artifact, error) {
	channels, err := g.src.ListChannels(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}

	var items []*store.Item
	for _, ch := range channels {
		chItems, err := g.src.ListCompletedByChannel(ctx, ch.ID, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to load items for channel %s: %w", ch.ID, err)
		}
		chItems = filterByFeedType(chItems, ft)
		if len(chItems) > combinedLimit {
			chItems = chItems[:combinedLimit]
		}
		items = append(items, chItems...)
	}

	sortByPublished(items)
	if len(items) > combinedLimit {
		items = items[:combinedLimit]
	}

	synthetic := &store.Channel{
		ID:          CombinedChannelID,
		URL:         g.base,
		Title:       "All Channels",
		Description: "Combined feed from all channels",
		UpdatedAt:   g.now(),
	}
	out, err := g.buildRSS(synthetic, items, ft)
	if err != nil {
		return nil, err
	}
	return g.artifact(out), nil
}

func (g *Generator) channelItems(ctx context.Context, channelID string, ft store.FeedType) (*store.Channel, []*store.Item, error) {
	ch, err := g.src.GetChannel(ctx, channelID)
	if err != nil {
		return nil, nil, err
	}

	limit := ch.EpisodeCount
	if limit <= 0 {
		limit = 50
	}

	items, err := g.src.ListCompletedByChannel(ctx, ch.ID, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load items: %w", err)
	}
	items = filterByFeedType(items, ft)
	if len(items) > limit {
		items = items[:limit]
	}
	return ch, items, nil
}

func (g *Generator) artifact(xmlBytes []byte) *Artifact {
	sum := sha256.Sum256(xmlBytes)
	return &Artifact{
		XML:          xmlBytes,
		ETag:         hex.EncodeToString(sum[:]),
		LastModified: g.now(),
	}
}

// filterByFeedType keeps items whose artifacts satisfy the feed type: audio
// needs both audio fields, video both video fields, both needs either side
// complete.
func filterByFeedType(items []*store.Item, ft store.FeedType) []*store.Item {
	var out []*store.Item
	for _, it := range items {
		switch ft {
		case store.FeedTypeAudio:
			if it.HasAudio() {
				out = append(out, it)
			}
		case store.FeedTypeVideo:
			if it.HasVideo() {
				out = append(out, it)
			}
		case store.FeedTypeBoth:
			if it.HasAudio() || it.HasVideo() {
				out = append(out, it)
			}
		}
	}
	return out
}

// enclosureFor selects the artifact backing the enclosure. Feed type both
// prefers audio.
func (g *Generator) enclosureFor(it *store.Item, ft store.FeedType) (rel string, size int64, mime string, ok bool) {
	switch {
	case ft == store.FeedTypeVideo && it.HasVideo():
		rel, size = *it.FilePathVideo, *it.FileSizeVideo
	case (ft == store.FeedTypeAudio || ft == store.FeedTypeBoth) && it.HasAudio():
		rel, size = *it.FilePathAudio, *it.FileSizeAudio
	case ft == store.FeedTypeBoth && it.HasVideo():
		rel, size = *it.FilePathVideo, *it.FileSizeVideo
	default:
		return "", 0, "", false
	}
	return rel, size, MIMEType(rel), true
}

// mediaBase joins the base URL and feed path for enclosure URLs.
func (g *Generator) mediaBase() string {
	if g.feed == "" {
		return g.base
	}
	return g.base + "/" + g.feed
}

func (g *Generator) fileURL(rel string) string {
	return g.mediaBase() + "/" + strings.TrimLeft(rel, "/")
}

// MIMEType maps a file extension to its enclosure media type.
func MIMEType(p string) string {
	switch strings.ToLower(path.Ext(p)) {
	case ".mp3":
		return "audio/mpeg"
	case ".m4a":
		return "audio/mp4"
	case ".aac":
		return "audio/aac"
	case ".ogg":
		return "audio/ogg"
	case ".mp4", ".m4v":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	default:
		return "application/octet-stream"
	}
}

// sortByPublished orders items by published_at descending with null dates
// last; ties keep their existing relative order.
func sortByPublished(items []*store.Item) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i].PublishedAt, items[j].PublishedAt
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
