package feed

import (
	"context"
	"encoding/xml"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tubecast/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func createChannel(t *testing.T, s *store.Store, title string, episodeCount int) *store.Channel {
	t.Helper()
	ch := &store.Channel{
		URL:          "https://www.youtube.com/@" + strings.ReplaceAll(title, " ", ""),
		Title:        title,
		Description:  title + " description",
		Enabled:      true,
		FeedType:     store.FeedTypeAudio,
		EpisodeCount: episodeCount,
	}
	require.NoError(t, s.CreateChannel(context.Background(), ch))
	return ch
}

func createCompletedAudio(t *testing.T, s *store.Store, ch *store.Channel, videoID, relPath string, size int64, published *time.Time) *store.Item {
	t.Helper()
	it := &store.Item{
		ChannelID:     ch.ID,
		VideoID:       videoID,
		Title:         "Episode " + videoID,
		Description:   "About " + videoID,
		PublishedAt:   published,
		Status:        store.ItemCompleted,
		FilePathAudio: &relPath,
		FileSizeAudio: &size,
	}
	require.NoError(t, s.CreateItem(context.Background(), it))
	return it
}

func ts(s string) *time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	t = t.UTC()
	return &t
}

func TestChannelRSSEnclosures(t *testing.T) {
	s := newTestStore(t)
	ch := createChannel(t, s, "My Show", 10)
	createCompletedAudio(t, s, ch, "v1", "a/1.mp3", 1000, ts("2026-02-01T10:00:00Z"))
	createCompletedAudio(t, s, ch, "v2", "a/2.mp3", 2000, ts("2026-02-02T10:00:00Z"))

	g := New(s, "http://localhost:8080", "/feeds")
	art, err := g.ChannelRSS(context.Background(), ch.ID, store.FeedTypeAudio)
	require.NoError(t, err)

	body := string(art.XML)
	assert.Contains(t, body, `<enclosure url="http://localhost:8080/feeds/a/1.mp3" length="1000" type="audio/mpeg">`)
	assert.Contains(t, body, `<enclosure url="http://localhost:8080/feeds/a/2.mp3" length="2000" type="audio/mpeg">`)

	// newest first
	assert.Less(t, strings.Index(body, "a/2.mp3"), strings.Index(body, "a/1.mp3"))

	// required channel fields
	assert.Contains(t, body, "<title>My Show</title>")
	assert.Contains(t, body, "<language>en-us</language>")
	assert.Contains(t, body, "<itunes:type>episodic</itunes:type>")
	assert.Contains(t, body, "<itunes:email>myshow@podcast.example.com</itunes:email>")
	assert.Contains(t, body, `<guid isPermaLink="false">yt:v1</guid>`)
	assert.Contains(t, body, "https://www.youtube.com/watch?v=v1")
	assert.Contains(t, body, "<![CDATA[About v1]]>")

	// RFC 1123 dates with the named GMT zone, not a numeric offset
	assert.Contains(t, body, "<pubDate>Sun, 01 Feb 2026 10:00:00 GMT</pubDate>")
	assert.NotContains(t, body, "+0000")
}

func TestChannelRSSNotFound(t *testing.T) {
	s := newTestStore(t)
	g := New(s, "", "")

	_, err := g.ChannelRSS(context.Background(), "missing", store.FeedTypeAudio)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestChannelRSSEmptyIsWellFormed(t *testing.T) {
	s := newTestStore(t)
	ch := createChannel(t, s, "Empty Show", 10)

	g := New(s, "", "")
	art, err := g.ChannelRSS(context.Background(), ch.ID, store.FeedTypeAudio)
	require.NoError(t, err)

	var doc rssDoc
	require.NoError(t, xml.Unmarshal(art.XML, &doc))
	assert.Empty(t, doc.Channel.Items)
	assert.True(t, strings.HasPrefix(string(art.XML), "<?xml"))
	assert.NotContains(t, string(art.XML), "\uFEFF")
}

func TestETagDeterminism(t *testing.T) {
	s := newTestStore(t)
	ch := createChannel(t, s, "Show", 10)
	createCompletedAudio(t, s, ch, "v1", "a/1.mp3", 1000, ts("2026-02-01T10:00:00Z"))

	g := New(s, "http://localhost", "/feeds")
	ctx := context.Background()

	a, err := g.ChannelRSS(ctx, ch.ID, store.FeedTypeAudio)
	require.NoError(t, err)
	b, err := g.ChannelRSS(ctx, ch.ID, store.FeedTypeAudio)
	require.NoError(t, err)
	assert.Equal(t, a.ETag, b.ETag, "identical bytes produce identical tags")
	assert.Len(t, a.ETag, 64)
	assert.Equal(t, strings.ToLower(a.ETag), a.ETag)

	// any content change produces a different tag
	it, err := s.GetItemByVideoID(ctx, "v1")
	require.NoError(t, err)
	it.Title = "Episode v1!"
	require.NoError(t, s.UpdateItem(ctx, it))

	c, err := g.ChannelRSS(ctx, ch.ID, store.FeedTypeAudio)
	require.NoError(t, err)
	assert.NotEqual(t, a.ETag, c.ETag)
}

func TestOrderingNullsLast(t *testing.T) {
	s := newTestStore(t)
	ch := createChannel(t, s, "Show", 10)
	createCompletedAudio(t, s, ch, "dated", "a/dated.mp3", 10, ts("2026-02-01T10:00:00Z"))
	createCompletedAudio(t, s, ch, "undated", "a/undated.mp3", 10, nil)
	createCompletedAudio(t, s, ch, "newest", "a/newest.mp3", 10, ts("2026-02-03T10:00:00Z"))

	g := New(s, "", "")
	art, err := g.ChannelRSS(context.Background(), ch.ID, store.FeedTypeAudio)
	require.NoError(t, err)

	var doc rssDoc
	require.NoError(t, xml.Unmarshal(art.XML, &doc))
	require.Len(t, doc.Channel.Items, 3)
	assert.Contains(t, doc.Channel.Items[0].GUID.Value, "newest")
	assert.Contains(t, doc.Channel.Items[1].GUID.Value, "dated")
	assert.Contains(t, doc.Channel.Items[2].GUID.Value, "undated")
}

func TestEpisodeCountCoercion(t *testing.T) {
	s := newTestStore(t)
	ch := createChannel(t, s, "Show", 0) // coerced to 50 in feed generation
	for i := 0; i < 60; i++ {
		createCompletedAudio(t, s, ch, fmt.Sprintf("v%02d", i), fmt.Sprintf("a/%02d.mp3", i), 10,
			ts(fmt.Sprintf("2026-01-%02dT10:00:00Z", i%27+1)))
	}

	g := New(s, "", "")
	art, err := g.ChannelRSS(context.Background(), ch.ID, store.FeedTypeAudio)
	require.NoError(t, err)

	var doc rssDoc
	require.NoError(t, xml.Unmarshal(art.XML, &doc))
	assert.Len(t, doc.Channel.Items, 50)
}

func TestFeedTypeFiltering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ch := createChannel(t, s, "Show", 10)

	audioOnly := createCompletedAudio(t, s, ch, "audio-only", "a/a.mp3", 10, ts("2026-02-01T10:00:00Z"))
	_ = audioOnly

	videoPath := "v/v.mp4"
	videoSize := int64(99)
	videoOnly := &store.Item{
		ChannelID: ch.ID, VideoID: "video-only", Title: "video",
		Status: store.ItemCompleted, FilePathVideo: &videoPath, FileSizeVideo: &videoSize,
		PublishedAt: ts("2026-02-02T10:00:00Z"),
	}
	require.NoError(t, s.CreateItem(ctx, videoOnly))

	g := New(s, "http://localhost", "/feeds")

	audio, err := g.ChannelRSS(ctx, ch.ID, store.FeedTypeAudio)
	require.NoError(t, err)
	assert.Contains(t, string(audio.XML), "audio-only")
	assert.NotContains(t, string(audio.XML), "video-only")

	video, err := g.ChannelRSS(ctx, ch.ID, store.FeedTypeVideo)
	require.NoError(t, err)
	assert.NotContains(t, string(video.XML), "audio-only")
	assert.Contains(t, string(video.XML), `type="video/mp4"`)

	both, err := g.ChannelRSS(ctx, ch.ID, store.FeedTypeBoth)
	require.NoError(t, err)
	assert.Contains(t, string(both.XML), "audio-only")
	assert.Contains(t, string(both.XML), "video-only")
}

func TestCombinedRSS(t *testing.T) {
	s := newTestStore(t)
	chA := createChannel(t, s, "Alpha", 10)
	chB := createChannel(t, s, "Beta", 10)
	createCompletedAudio(t, s, chA, "a1", "a/a1.mp3", 10, ts("2026-02-01T10:00:00Z"))
	createCompletedAudio(t, s, chB, "b1", "b/b1.mp3", 10, ts("2026-02-02T10:00:00Z"))

	disabled := &store.Channel{URL: "https://example.com/off", Title: "Off", Enabled: false}
	require.NoError(t, s.CreateChannel(context.Background(), disabled))
	createCompletedAudio(t, s, disabled, "off1", "o/off1.mp3", 10, ts("2026-02-03T10:00:00Z"))

	g := New(s, "", "")
	art, err := g.CombinedRSS(context.Background(), store.FeedTypeAudio)
	require.NoError(t, err)

	var doc rssDoc
	require.NoError(t, xml.Unmarshal(art.XML, &doc))
	assert.Equal(t, "All Channels", doc.Channel.Title)
	assert.Equal(t, "Combined feed from all channels", doc.Channel.Description)
	require.Len(t, doc.Channel.Items, 2, "disabled channels are excluded")
	assert.Contains(t, doc.Channel.Items[0].GUID.Value, "b1", "aggregated items re-sorted newest first")
}

func TestChannelAtom(t *testing.T) {
	s := newTestStore(t)
	ch := createChannel(t, s, "Show", 10)
	createCompletedAudio(t, s, ch, "v1", "a/1.mp3", 1000, ts("2026-02-01T10:00:00Z"))

	g := New(s, "http://localhost:8080", "/feeds")
	art, err := g.ChannelAtom(context.Background(), ch.ID, store.FeedTypeAudio, "http://localhost:8080/feed/"+ch.ID+"/audio?format=atom")
	require.NoError(t, err)

	body := string(art.XML)
	assert.Contains(t, body, `<feed xmlns="http://www.w3.org/2005/Atom">`)
	assert.Contains(t, body, `rel="self"`)
	assert.Contains(t, body, "<id>yt:v1</id>")
	assert.Contains(t, body, `rel="enclosure"`)
	assert.Contains(t, body, `title="Audio Download"`)
	assert.Contains(t, body, `length="1000"`)
	assert.Contains(t, body, "<published>2026-02-01T10:00:00Z</published>")
}

func TestDurationFormatting(t *testing.T) {
	assert.Equal(t, "0:00", formatDuration(-5))
	assert.Equal(t, "0:42", formatDuration(42))
	assert.Equal(t, "5:07", formatDuration(307))
	assert.Equal(t, "1:00:01", formatDuration(3601))
	assert.Equal(t, "2:30:00", formatDuration(9000))
}

func TestMIMETypeMap(t *testing.T) {
	cases := map[string]string{
		"a/1.mp3":  "audio/mpeg",
		"a/1.m4a":  "audio/mp4",
		"a/1.aac":  "audio/aac",
		"a/1.ogg":  "audio/ogg",
		"v/1.mp4":  "video/mp4",
		"v/1.m4v":  "video/mp4",
		"v/1.webm": "video/webm",
		"x/1.mkv":  "application/octet-stream",
		"noext":    "application/octet-stream",
	}
	for p, want := range cases {
		assert.Equal(t, want, MIMEType(p), p)
	}
}

func TestMediaBaseConstruction(t *testing.T) {
	cases := []struct {
		base, feedPath, rel, want string
	}{
		{"http://localhost:8080", "/feeds", "a/1.mp3", "http://localhost:8080/feeds/a/1.mp3"},
		{"http://localhost:8080/", "feeds/", "/a/1.mp3", "http://localhost:8080/feeds/a/1.mp3"},
		{"http://localhost:8080", "", "a/1.mp3", "http://localhost:8080/a/1.mp3"},
		{"", "/feeds", "a/1.mp3", "http://localhost/feeds/a/1.mp3"},
	}
	for _, c := range cases {
		g := New(nil, c.base, c.feedPath)
		assert.Equal(t, c.want, g.fileURL(c.rel))
	}
}

func TestXMLEscaping(t *testing.T) {
	s := newTestStore(t)
	ch := createChannel(t, s, "Show", 10)
	it := createCompletedAudio(t, s, ch, "v1", "a/1.mp3", 10, ts("2026-02-01T10:00:00Z"))
	it.Title = "Q&A <live>"
	require.NoError(t, s.UpdateItem(context.Background(), it))

	g := New(s, "", "")
	art, err := g.ChannelRSS(context.Background(), ch.ID, store.FeedTypeAudio)
	require.NoError(t, err)

	assert.Contains(t, string(art.XML), "Q&amp;A &lt;live&gt;")

	var doc rssDoc
	require.NoError(t, xml.Unmarshal(art.XML, &doc))
	assert.Equal(t, "Q&A <live>", doc.Channel.Items[0].Title)
}
