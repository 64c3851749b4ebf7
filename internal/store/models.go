package store

import "time"

// FeedType selects which artifacts a channel produces and which enclosures
// appear in its feed.
type FeedType string

const (
	FeedTypeAudio FeedType = "audio"
	FeedTypeVideo FeedType = "video"
	FeedTypeBoth  FeedType = "both"
)

// WantsAudio reports whether the feed type requires an audio artifact.
func (f FeedType) WantsAudio() bool { return f == FeedTypeAudio || f == FeedTypeBoth }

// WantsVideo reports whether the feed type requires a video artifact.
func (f FeedType) WantsVideo() bool { return f == FeedTypeVideo || f == FeedTypeBoth }

// ItemStatus tracks an item through the ingestion pipeline. Transitions are
// monotone except Deleted, which is terminal.
type ItemStatus string

const (
	ItemPending     ItemStatus = "pending"
	ItemDownloading ItemStatus = "downloading"
	ItemProcessing  ItemStatus = "processing"
	ItemCompleted   ItemStatus = "completed"
	ItemFailed      ItemStatus = "failed"
	ItemDeleted     ItemStatus = "deleted"
)

// Channel is a remote source of items identified by URL.
type Channel struct {
	ID            string     `json:"id"`
	URL           string     `json:"url"`
	Title         string     `json:"title"`
	Description   string     `json:"description,omitempty"`
	ThumbnailURL  string     `json:"thumbnail_url,omitempty"`
	Enabled       bool       `json:"enabled"`
	FeedType      FeedType   `json:"feed_type"`
	EpisodeCount  int        `json:"episode_count"`
	LastRefreshAt *time.Time `json:"last_refresh_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Item is a single episode discovered inside a channel. File paths are
// relative to the configured download directory.
type Item struct {
	ID            string     `json:"id"`
	ChannelID     string     `json:"channel_id"`
	VideoID       string     `json:"video_id"`
	Title         string     `json:"title"`
	Description   string     `json:"description,omitempty"`
	ThumbnailURL  string     `json:"thumbnail_url,omitempty"`
	Duration      *int       `json:"duration,omitempty"` // seconds
	PublishedAt   *time.Time `json:"published_at,omitempty"`
	Status        ItemStatus `json:"status"`
	FilePathAudio *string    `json:"file_path_audio,omitempty"`
	FileSizeAudio *int64     `json:"file_size_audio,omitempty"`
	FilePathVideo *string    `json:"file_path_video,omitempty"`
	FileSizeVideo *int64     `json:"file_size_video,omitempty"`
	DownloadedAt  *time.Time `json:"downloaded_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// HasAudio reports whether the audio artifact is fully recorded.
func (i *Item) HasAudio() bool { return i.FilePathAudio != nil && i.FileSizeAudio != nil }

// HasVideo reports whether the video artifact is fully recorded.
func (i *Item) HasVideo() bool { return i.FilePathVideo != nil && i.FileSizeVideo != nil }
