package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const channelColumns = `id, url, title, description, thumbnail_url, enabled, feed_type,
	episode_count, last_refresh_at, created_at, updated_at`

// CreateChannel inserts a new channel, assigning an ID and timestamps when
// unset.
func (s *Store) CreateChannel(ctx context.Context, ch *Channel) error {
	if ch.ID == "" {
		ch.ID = uuid.New().String()
	}
	if ch.FeedType == "" {
		ch.FeedType = FeedTypeAudio
	}
	now := time.Now().UTC()
	ch.CreatedAt = now
	ch.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channels (`+channelColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ch.ID, ch.URL, ch.Title, ch.Description, ch.ThumbnailURL, ch.Enabled,
		string(ch.FeedType), ch.EpisodeCount, ch.LastRefreshAt, ch.CreatedAt, ch.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert channel: %w", err)
	}
	return nil
}

// GetChannel loads one channel by id.
func (s *Store) GetChannel(ctx context.Context, id string) (*Channel, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM channels WHERE id = ?`, id)
	return scanChannel(row)
}

// ListChannels returns all channels; with enabledOnly set, only enabled ones.
func (s *Store) ListChannels(ctx context.Context, enabledOnly bool) ([]*Channel, error) {
	query := `SELECT ` + channelColumns + ` FROM channels`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	defer rows.Close()

	var channels []*Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

// UpdateChannel persists the channel's mutable fields.
func (s *Store) UpdateChannel(ctx context.Context, ch *Channel) error {
	ch.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE channels SET url = ?, title = ?, description = ?, thumbnail_url = ?,
			enabled = ?, feed_type = ?, episode_count = ?, last_refresh_at = ?, updated_at = ?
		WHERE id = ?`,
		ch.URL, ch.Title, ch.Description, ch.ThumbnailURL, ch.Enabled,
		string(ch.FeedType), ch.EpisodeCount, ch.LastRefreshAt, ch.UpdatedAt, ch.ID)
	if err != nil {
		return fmt.Errorf("failed to update channel: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchChannelRefreshed records a completed refresh tick for the channel.
func (s *Store) TouchChannelRefreshed(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE channels SET last_refresh_at = ?, updated_at = ? WHERE id = ?`,
		at.UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to touch channel: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChannel(row rowScanner) (*Channel, error) {
	var ch Channel
	var feedType string
	var lastRefresh sql.NullTime
	err := row.Scan(&ch.ID, &ch.URL, &ch.Title, &ch.Description, &ch.ThumbnailURL,
		&ch.Enabled, &feedType, &ch.EpisodeCount, &lastRefresh, &ch.CreatedAt, &ch.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan channel: %w", err)
	}
	ch.FeedType = FeedType(feedType)
	if lastRefresh.Valid {
		t := lastRefresh.Time.UTC()
		ch.LastRefreshAt = &t
	}
	return &ch, nil
}
