package feeds

import (
	"encoding/xml"
	"fmt"
	"strings"
)

// Feed is a parsed syndication feed, reduced to what the bridge announces.
type Feed struct {
	Title   string
	Entries []Entry
}

// Entry is one feed item.
type Entry struct {
	GUID  string
	Title string
	Link  string
}

type rssDoc struct {
	XMLName xml.Name `xml:"rss"`
	Channel struct {
		Title string `xml:"title"`
		Items []struct {
			GUID  string `xml:"guid"`
			Title string `xml:"title"`
			Link  string `xml:"link"`
		} `xml:"item"`
	} `xml:"channel"`
}

type atomDoc struct {
	XMLName xml.Name `xml:"feed"`
	Title   string   `xml:"title"`
	Entries []struct {
		ID    string `xml:"id"`
		Title string `xml:"title"`
		Links []struct {
			Rel  string `xml:"rel,attr"`
			Href string `xml:"href,attr"`
		} `xml:"link"`
	} `xml:"entry"`
}

// Parse decodes an RSS 2.0 or Atom document. Entries keep document order.
// An entry with no guid falls back to its link, then its title, so every
// entry has a stable identity for new-item detection.
func Parse(data []byte) (*Feed, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, fmt.Errorf("feeds: empty document")
	}

	var rss rssDoc
	if err := xml.Unmarshal(data, &rss); err == nil && rss.XMLName.Local == "rss" {
		feed := &Feed{Title: rss.Channel.Title}
		for _, item := range rss.Channel.Items {
			feed.Entries = append(feed.Entries, Entry{
				GUID:  firstNonEmpty(item.GUID, item.Link, item.Title),
				Title: item.Title,
				Link:  item.Link,
			})
		}
		return feed, nil
	}

	var atom atomDoc
	if err := xml.Unmarshal(data, &atom); err == nil && atom.XMLName.Local == "feed" {
		feed := &Feed{Title: atom.Title}
		for _, entry := range atom.Entries {
			link := ""
			for _, l := range entry.Links {
				if l.Rel == "" || l.Rel == "alternate" {
					link = l.Href
					break
				}
			}
			if link == "" && len(entry.Links) > 0 {
				link = entry.Links[0].Href
			}
			feed.Entries = append(feed.Entries, Entry{
				GUID:  firstNonEmpty(entry.ID, link, entry.Title),
				Title: entry.Title,
				Link:  link,
			})
		}
		return feed, nil
	}

	return nil, fmt.Errorf("feeds: not an RSS or Atom document")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
