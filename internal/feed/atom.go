package feed

import (
	"encoding/xml"
	"fmt"
	"time"

	"tubecast/internal/store"
)

const atomNS = "http://www.w3.org/2005/Atom"

type atomFeed struct {
	XMLName  xml.Name    `xml:"feed"`
	NS       string      `xml:"xmlns,attr"`
	ID       string      `xml:"id"`
	Title    string      `xml:"title"`
	Subtitle string      `xml:"subtitle,omitempty"`
	Author   atomAuthor  `xml:"author"`
	Links    []atomLink  `xml:"link"`
	Updated  string      `xml:"updated"`
	Entries  []atomEntry `xml:"entry"`
}

type atomAuthor struct {
	Name string `xml:"name"`
}

type atomLink struct {
	Rel    string `xml:"rel,attr,omitempty"`
	Href   string `xml:"href,attr"`
	Type   string `xml:"type,attr,omitempty"`
	Length int64  `xml:"length,attr,omitempty"`
	Title  string `xml:"title,attr,omitempty"`
}

type atomContent struct {
	Type  string `xml:"type,attr"`
	Value string `xml:",cdata"`
}

type atomEntry struct {
	ID        string       `xml:"id"`
	Title     string       `xml:"title"`
	Links     []atomLink   `xml:"link"`
	Summary   string       `xml:"summary,omitempty"`
	Content   *atomContent `xml:"content,omitempty"`
	Published string       `xml:"published,omitempty"`
	Updated   string       `xml:"updated"`
}

// buildAtom renders the channel and its items as an Atom 1.0 document.
// feedURL becomes the feed id and self link; when empty a default
// referencing the channel id is generated.
func (g *Generator) buildAtom(ch *store.Channel, items []*store.Item, ft store.FeedType, feedURL string) ([]byte, error) {
	if feedURL == "" {
		feedURL = fmt.Sprintf("%s/feed/%s", g.base, ch.ID)
	}

	doc := atomFeed{
		NS:       atomNS,
		ID:       feedURL,
		Title:    ch.Title,
		Subtitle: ch.Description,
		Author:   atomAuthor{Name: ch.Title},
		Links: []atomLink{
			{Rel: "self", Href: feedURL},
			{Rel: "alternate", Href: ch.URL},
		},
		Updated: ch.UpdatedAt.UTC().Format(time.RFC3339),
	}

	for _, it := range items {
		doc.Entries = append(doc.Entries, g.buildAtomEntry(it, ft))
	}

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal Atom: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}

func (g *Generator) buildAtomEntry(it *store.Item, ft store.FeedType) atomEntry {
	entry := atomEntry{
		ID:      "yt:" + it.VideoID,
		Title:   it.Title,
		Summary: it.Description,
		Links: []atomLink{
			{Rel: "alternate", Href: watchURL(it.VideoID)},
		},
	}
	if it.Description != "" {
		entry.Content = &atomContent{Type: "html", Value: it.Description}
	}

	updated := it.UpdatedAt
	if it.PublishedAt != nil {
		entry.Published = it.PublishedAt.UTC().Format(time.RFC3339)
		if it.PublishedAt.After(updated) {
			updated = *it.PublishedAt
		}
	}
	entry.Updated = updated.UTC().Format(time.RFC3339)

	if rel, size, mime, ok := g.enclosureFor(it, ft); ok {
		entry.Links = append(entry.Links, atomLink{
			Rel:    "enclosure",
			Href:   g.fileURL(rel),
			Type:   mime,
			Length: size,
			Title:  "Audio Download",
		})
	}
	return entry
}
