package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const itemColumns = `id, channel_id, video_id, title, description, thumbnail_url, duration,
	published_at, status, file_path_audio, file_size_audio, file_path_video, file_size_video,
	downloaded_at, last_error, created_at, updated_at`

// CreateItem inserts a new item, assigning an ID and timestamps when unset.
// The unique index on video_id rejects duplicates across all channels.
func (s *Store) CreateItem(ctx context.Context, it *Item) error {
	if it.ID == "" {
		it.ID = uuid.New().String()
	}
	if it.Status == "" {
		it.Status = ItemPending
	}
	now := time.Now().UTC()
	it.CreatedAt = now
	it.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO items (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.ID, it.ChannelID, it.VideoID, it.Title, it.Description, it.ThumbnailURL,
		it.Duration, it.PublishedAt, string(it.Status),
		it.FilePathAudio, it.FileSizeAudio, it.FilePathVideo, it.FileSizeVideo,
		it.DownloadedAt, it.LastError, it.CreatedAt, it.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert item: %w", err)
	}
	return nil
}

// GetItem loads one item by id.
func (s *Store) GetItem(ctx context.Context, id string) (*Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ?`, id)
	return scanItem(row)
}

// GetItemByVideoID looks an item up by its external identifier, in any
// status including deleted.
func (s *Store) GetItemByVideoID(ctx context.Context, videoID string) (*Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE video_id = ?`, videoID)
	return scanItem(row)
}

// UpdateItem persists the item's mutable fields.
func (s *Store) UpdateItem(ctx context.Context, it *Item) error {
	it.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE items SET title = ?, description = ?, thumbnail_url = ?, duration = ?,
			published_at = ?, status = ?, file_path_audio = ?, file_size_audio = ?,
			file_path_video = ?, file_size_video = ?, downloaded_at = ?, last_error = ?,
			updated_at = ?
		WHERE id = ?`,
		it.Title, it.Description, it.ThumbnailURL, it.Duration, it.PublishedAt,
		string(it.Status), it.FilePathAudio, it.FileSizeAudio, it.FilePathVideo,
		it.FileSizeVideo, it.DownloadedAt, it.LastError, it.UpdatedAt, it.ID)
	if err != nil {
		return fmt.Errorf("failed to update item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetItemStatus updates just the status and last error of an item.
func (s *Store) SetItemStatus(ctx context.Context, id string, status ItemStatus, lastError string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE items SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(status), lastError, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set item status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListCompletedByChannel returns completed items for a channel ordered by
// published_at descending with null dates last, ties broken by created_at.
// limit <= 0 means no limit.
func (s *Store) ListCompletedByChannel(ctx context.Context, channelID string, limit int) ([]*Item, error) {
	query := `SELECT ` + itemColumns + ` FROM items
		WHERE channel_id = ? AND status = 'completed'
		ORDER BY published_at IS NULL, published_at DESC, created_at DESC`
	args := []any{channelID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list completed items: %w", err)
	}
	defer rows.Close()
	return collectItems(rows)
}

// CountItemsByStatus returns the number of items per status for one channel.
func (s *Store) CountItemsByStatus(ctx context.Context, channelID string) (map[ItemStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM items WHERE channel_id = ? GROUP BY status`, channelID)
	if err != nil {
		return nil, fmt.Errorf("failed to count items: %w", err)
	}
	defer rows.Close()

	counts := make(map[ItemStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[ItemStatus(status)] = n
	}
	return counts, rows.Err()
}

func collectItems(rows *sql.Rows) ([]*Item, error) {
	var items []*Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func scanItem(row rowScanner) (*Item, error) {
	var it Item
	var status string
	var duration sql.NullInt64
	var published, downloaded sql.NullTime
	var pathAudio, pathVideo sql.NullString
	var sizeAudio, sizeVideo sql.NullInt64

	err := row.Scan(&it.ID, &it.ChannelID, &it.VideoID, &it.Title, &it.Description,
		&it.ThumbnailURL, &duration, &published, &status, &pathAudio, &sizeAudio,
		&pathVideo, &sizeVideo, &downloaded, &it.LastError, &it.CreatedAt, &it.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan item: %w", err)
	}

	it.Status = ItemStatus(status)
	if duration.Valid {
		d := int(duration.Int64)
		it.Duration = &d
	}
	if published.Valid {
		t := published.Time.UTC()
		it.PublishedAt = &t
	}
	if downloaded.Valid {
		t := downloaded.Time.UTC()
		it.DownloadedAt = &t
	}
	if pathAudio.Valid {
		it.FilePathAudio = &pathAudio.String
	}
	if sizeAudio.Valid {
		it.FileSizeAudio = &sizeAudio.Int64
	}
	if pathVideo.Valid {
		it.FilePathVideo = &pathVideo.String
	}
	if sizeVideo.Valid {
		it.FileSizeVideo = &sizeVideo.Int64
	}
	return &it, nil
}
