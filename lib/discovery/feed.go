package discovery

import (
	"encoding/xml"
	"strings"
)

// Minimal Atom/RSS envelope: enough to read link rels, titles and entry
// authorship. Anything else in the document is ignored.
type feedDoc struct {
	XMLName xml.Name
	Title   string      `xml:"title"`
	Links   []feedLink  `xml:"link"`
	Author  feedAuthor  `xml:"author"`
	Entries []feedItem  `xml:"entry"`
	Channel feedChannel `xml:"channel"`
}

type feedChannel struct {
	Title string     `xml:"title"`
	Links []feedLink `xml:"link"`
	Items []feedItem `xml:"item"`
}

type feedLink struct {
	Rel  string `xml:"rel,attr"`
	Type string `xml:"type,attr"`
	Href string `xml:"href,attr"`
}

type feedAuthor struct {
	Name string `xml:"name"`
	URI  string `xml:"uri"`
}

type feedItem struct {
	ID      string     `xml:"id"`
	Title   string     `xml:"title"`
	Author  feedAuthor `xml:"author"`
	Content string     `xml:"content"`
	Summary string     `xml:"summary"`
}

// Entry is one accepted feed item, as handed to the content sink.
type Entry struct {
	ID        string
	Title     string
	AuthorURI string
	Content   string
}

// ParseFeed reads link rels and entries out of an Atom or RSS payload.
func ParseFeed(payload []byte) (*Result, []Entry, error) {
	var doc feedDoc
	if err := xml.Unmarshal(payload, &doc); err != nil {
		return nil, nil, err
	}

	res := &Result{Title: doc.Title}
	if res.Title == "" {
		res.Title = doc.Channel.Title
	}
	res.AuthorURI = doc.Author.URI

	links := append(doc.Links, doc.Channel.Links...)
	for _, link := range links {
		switch strings.ToLower(link.Rel) {
		case "self":
			if res.TopicURI == "" {
				res.TopicURI = link.Href
			}
		case "hub":
			if res.HubURI == "" {
				res.HubURI = link.Href
			}
		case "salmon":
			if res.SalmonURI == "" {
				res.SalmonURI = link.Href
			}
		}
	}

	items := append(doc.Entries, doc.Channel.Items...)
	entries := make([]Entry, 0, len(items))
	for _, item := range items {
		content := item.Content
		if content == "" {
			content = item.Summary
		}
		authorURI := item.Author.URI
		if authorURI == "" {
			authorURI = doc.Author.URI
		}
		entries = append(entries, Entry{
			ID:        item.ID,
			Title:     item.Title,
			AuthorURI: authorURI,
			Content:   content,
		})
	}

	return res, entries, nil
}

// looksLikeFeed sniffs for an XML feed envelope without a full parse.
func looksLikeFeed(body string) bool {
	head := body
	if len(head) > 512 {
		head = head[:512]
	}
	return strings.Contains(head, "<feed") || strings.Contains(head, "<rss") || strings.Contains(head, "<rdf:RDF")
}
