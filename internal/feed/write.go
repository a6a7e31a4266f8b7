package feed

import (
	"encoding/xml"
	"fmt"
	"time"
)

// Channel describes an RSS 2.0 feed to render.
type Channel struct {
	Title       string
	Link        string
	Description string
	Items       []Item
}

// Item is one entry of a rendered feed.
type Item struct {
	Title       string
	Link        string
	GUID        string
	Description string
	Published   time.Time
	Categories  []string
}

type rssOut struct {
	XMLName xml.Name      `xml:"rss"`
	Version string        `xml:"version,attr"`
	Channel rssChannelOut `xml:"channel"`
}

type rssChannelOut struct {
	Title       string       `xml:"title"`
	Link        string       `xml:"link"`
	Description string       `xml:"description"`
	Items       []rssItemOut `xml:"item"`
}

type rssItemOut struct {
	Title       string   `xml:"title"`
	Link        string   `xml:"link"`
	GUID        string   `xml:"guid,omitempty"`
	Description string   `xml:"description,omitempty"`
	PubDate     string   `xml:"pubDate,omitempty"`
	Categories  []string `xml:"category,omitempty"`
}

// RenderRSS serializes ch as an RSS 2.0 document with XML header.
func RenderRSS(ch Channel) ([]byte, error) {
	out := rssOut{
		Version: "2.0",
		Channel: rssChannelOut{
			Title:       ch.Title,
			Link:        ch.Link,
			Description: ch.Description,
			Items:       make([]rssItemOut, 0, len(ch.Items)),
		},
	}
	for _, item := range ch.Items {
		o := rssItemOut{
			Title:       item.Title,
			Link:        item.Link,
			GUID:        item.GUID,
			Description: item.Description,
			Categories:  item.Categories,
		}
		if !item.Published.IsZero() {
			o.PubDate = item.Published.UTC().Format(time.RFC1123Z)
		}
		out.Channel.Items = append(out.Channel.Items, o)
	}

	body, err := xml.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("feed: render rss: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}
