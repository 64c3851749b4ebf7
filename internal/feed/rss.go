package feed

import (
	"encoding/xml"
	"fmt"
	"net/http"
	"strings"

	"tubecast/internal/store"
)

const (
	itunesNS  = "http://www.itunes.com/dtds/podcast-1.0.dtd"
	contentNS = "http://purl.org/rss/1.0/modules/content/"
)

// rssDoc is the RSS 2.0 root element with the iTunes-podcast and
// RSS-content namespaces bound.
type rssDoc struct {
	XMLName   xml.Name   `xml:"rss"`
	Version   string     `xml:"version,attr"`
	ITunesNS  string     `xml:"xmlns:itunes,attr"`
	ContentNS string     `xml:"xmlns:content,attr"`
	Channel   rssChannel `xml:"channel"`
}

type rssChannel struct {
	Title       string     `xml:"title"`
	Link        string     `xml:"link"`
	Description string     `xml:"description"`
	Language    string     `xml:"language"`
	ITunesType  string     `xml:"itunes:type"`
	Author      string     `xml:"itunes:author"`
	Summary     string     `xml:"itunes:summary"`
	Explicit    string     `xml:"itunes:explicit"`
	Owner       rssOwner   `xml:"itunes:owner"`
	Image       *rssImage  `xml:"itunes:image,omitempty"`
	Items       []rssItem  `xml:"item"`
}

type rssOwner struct {
	Name  string `xml:"itunes:name"`
	Email string `xml:"itunes:email"`
}

type rssImage struct {
	Href string `xml:"href,attr"`
}

type rssGUID struct {
	IsPermaLink string `xml:"isPermaLink,attr"`
	Value       string `xml:",chardata"`
}

type rssEnclosure struct {
	URL    string `xml:"url,attr"`
	Length int64  `xml:"length,attr"`
	Type   string `xml:"type,attr"`
}

type rssItem struct {
	Title          string        `xml:"title"`
	Link           string        `xml:"link"`
	Description    string        `xml:"description"`
	GUID           rssGUID       `xml:"guid"`
	PubDate        string        `xml:"pubDate,omitempty"`
	Enclosure      *rssEnclosure `xml:"enclosure,omitempty"`
	ITunesTitle    string        `xml:"itunes:title"`
	ITunesExplicit string        `xml:"itunes:explicit"`
	EpisodeType    string        `xml:"itunes:episodeType"`
	Duration       string        `xml:"itunes:duration,omitempty"`
	Image          *rssImage     `xml:"itunes:image,omitempty"`
	Content        *cdata        `xml:"content:encoded,omitempty"`
}

type cdata struct {
	Value string `xml:",cdata"`
}

// buildRSS renders the channel and its already-filtered, already-ordered
// items as an RSS 2.0 document.
func (g *Generator) buildRSS(ch *store.Channel, items []*store.Item, ft store.FeedType) ([]byte, error) {
	doc := rssDoc{
		Version:   "2.0",
		ITunesNS:  itunesNS,
		ContentNS: contentNS,
		Channel: rssChannel{
			Title:       ch.Title,
			Link:        ch.URL,
			Description: ch.Description,
			Language:    "en-us",
			ITunesType:  "episodic",
			Author:      ch.Title,
			Summary:     ch.Description,
			Explicit:    "false",
			Owner:       rssOwner{Name: ch.Title, Email: ownerEmail(ch.Title)},
		},
	}
	if ch.ThumbnailURL != "" {
		doc.Channel.Image = &rssImage{Href: ch.ThumbnailURL}
	}

	for _, it := range items {
		doc.Channel.Items = append(doc.Channel.Items, g.buildRSSItem(it, ft))
	}

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal RSS: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}

func (g *Generator) buildRSSItem(it *store.Item, ft store.FeedType) rssItem {
	item := rssItem{
		Title:          it.Title,
		Link:           watchURL(it.VideoID),
		Description:    it.Description,
		GUID:           rssGUID{IsPermaLink: "false", Value: "yt:" + it.VideoID},
		ITunesTitle:    it.Title,
		ITunesExplicit: "false",
		EpisodeType:    "full",
	}
	if it.PublishedAt != nil {
		// RFC 1123 with the named GMT zone, per podcast client convention.
		item.PubDate = it.PublishedAt.UTC().Format(http.TimeFormat)
	}
	if rel, size, mime, ok := g.enclosureFor(it, ft); ok {
		item.Enclosure = &rssEnclosure{URL: g.fileURL(rel), Length: size, Type: mime}
	}
	if it.Duration != nil {
		item.Duration = formatDuration(*it.Duration)
	}
	if it.ThumbnailURL != "" {
		item.Image = &rssImage{Href: it.ThumbnailURL}
	}
	if it.Description != "" {
		item.Content = &cdata{Value: it.Description}
	}
	return item
}

func watchURL(videoID string) string {
	return "https://www.youtube.com/watch?v=" + videoID
}

// formatDuration renders seconds as H:MM:SS at one hour or more, M:SS
// below, guarding negatives to 0:00.
func formatDuration(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	h := seconds / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

// ownerEmail synthesizes the iTunes owner address from the channel title.
// Lossy; two similarly named channels may share an address.
func ownerEmail(title string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(title) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	name := b.String()
	if name == "" {
		name = "podcast"
	}
	return name + "@podcast.example.com"
}
