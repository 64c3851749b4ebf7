package fetcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTool writes a shell script standing in for yt-dlp.
func fakeTool(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "yt-dlp")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755))
	return path
}

func TestParseEntriesSkipsMalformedLines(t *testing.T) {
	out := []byte(`{"id":"abc123","title":"First","duration":61.0,"timestamp":1700000000,"channel_id":"ch1"}
not json at all
{"title":"missing id"}
{"id":"def456","title":"Second"}
`)

	entries, err := parseEntries(out)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	first := entries[0]
	assert.Equal(t, "abc123", first.ID)
	assert.Equal(t, "First", first.Title)
	require.NotNil(t, first.Duration)
	assert.Equal(t, 61, *first.Duration)
	require.NotNil(t, first.Timestamp)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), *first.Timestamp)
	assert.Equal(t, "ch1", first.ChannelID)

	second := entries[1]
	assert.Nil(t, second.Duration)
	assert.Nil(t, second.Timestamp)
}

func TestParseEntriesAllMalformed(t *testing.T) {
	_, err := parseEntries([]byte("garbage\nmore garbage\n"))
	assert.ErrorIs(t, err, ErrParse)
}

func TestParseEntriesEmpty(t *testing.T) {
	entries, err := parseEntries(nil)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestParseProgressLine(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		ok      bool
		percent float64
		rate    float64
		eta     time.Duration
	}{
		{
			name:    "full line",
			line:    "[download]  42.1% of 10.00MiB at 1.00MiB/s ETA 00:05",
			ok:      true,
			percent: 42.1,
			rate:    1 << 20,
			eta:     5 * time.Second,
		},
		{
			name:    "estimate size",
			line:    "[download]   5.0% of ~300.12KiB at 512.00KiB/s ETA 01:10",
			ok:      true,
			percent: 5.0,
			rate:    512 * (1 << 10),
			eta:     70 * time.Second,
		},
		{
			name:    "no rate or eta",
			line:    "[download] 100.0%",
			ok:      true,
			percent: 100.0,
		},
		{
			name: "unrelated line",
			line: "[info] Writing video metadata",
			ok:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, ok := parseProgressLine(tt.line)
			require.Equal(t, tt.ok, ok)
			if !ok {
				return
			}
			assert.InDelta(t, tt.percent, p.Percent, 0.01)
			assert.InDelta(t, tt.rate, p.BytesPerSecond, 0.01)
			assert.Equal(t, tt.eta, p.ETA)
			assert.Equal(t, "downloading", p.Status)
		})
	}
}

func TestProbeSingleItem(t *testing.T) {
	bin := fakeTool(t, `echo '{"id":"vid123","title":"An Episode","description":"about things","duration":125.0,"timestamp":1700000000,"channel":"A Channel","channel_id":"ch1"}'`)
	f := New(Options{BinPath: bin})

	md, err := f.Probe(context.Background(), "https://www.youtube.com/watch?v=vid123")
	require.NoError(t, err)
	assert.Equal(t, "vid123", md.ID)
	assert.Equal(t, "An Episode", md.Title)
	assert.Equal(t, "about things", md.Description)
	require.NotNil(t, md.Duration)
	assert.Equal(t, 125, *md.Duration)
	require.NotNil(t, md.Timestamp)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), *md.Timestamp)
	assert.Equal(t, "A Channel", md.Channel)
	assert.Equal(t, "ch1", md.ChannelID)
}

func TestProbeNoOutput(t *testing.T) {
	bin := fakeTool(t, "exit 0")
	f := New(Options{BinPath: bin})

	_, err := f.Probe(context.Background(), "https://www.youtube.com/watch?v=missing")
	assert.ErrorIs(t, err, ErrParse)
}

func TestProbeToolFailure(t *testing.T) {
	bin := fakeTool(t, `echo "ERROR: video unavailable" >&2; exit 1`)
	f := New(Options{BinPath: bin})

	_, err := f.Probe(context.Background(), "https://www.youtube.com/watch?v=gone")
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 1, exitErr.Code)
	assert.Contains(t, exitErr.Stderr, "video unavailable")
}

func TestNewDefaultsBinary(t *testing.T) {
	f := New(Options{})
	assert.Equal(t, "yt-dlp", f.bin)
	assert.Nil(t, f.limiter)

	limited := New(Options{SpawnsPerSecond: 2})
	assert.NotNil(t, limited.limiter)
}
