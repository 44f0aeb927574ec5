package discovery

import (
	"regexp"
	"strings"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

var (
	whitespace = regexp.MustCompile(`\s+`)
)

func extractFromHTML(doc *html.Node) *Result {
	return &Result{
		TopicURI:  linkHref(doc, "//link[@rel='alternate' and (@type='application/atom+xml' or @type='application/rss+xml')]"),
		HubURI:    linkHref(doc, "//link[@rel='hub']"),
		SalmonURI: linkHref(doc, "//link[@rel='salmon']"),
		Title:     selectText(doc, "/html/head/title"),
		AvatarURL: extractImageURL(doc),
	}
}

func linkHref(n *html.Node, xpath string) string {
	return attrValue(htmlquery.FindOne(n, xpath), "href")
}

func extractImageURL(n *html.Node) string {
	if url := attrValue(htmlquery.FindOne(n, "//meta[@property = 'og:image']"), "content"); url != "" {
		return url
	}
	if url := attrValue(htmlquery.FindOne(n, "//meta[@name = 'twitter:image']"), "content"); url != "" {
		return url
	}
	return ""
}

func attrValue(elem *html.Node, key string) string {
	if elem == nil {
		return ""
	}
	for _, attr := range elem.Attr {
		if attr.Key == key {
			return attr.Val
		}
	}
	return ""
}

func selectText(n *html.Node, xpath string) string {
	node := htmlquery.FindOne(n, xpath)
	if node == nil {
		return ""
	}
	return compactWhitespace(htmlquery.InnerText(node))
}

func compactWhitespace(s string) string {
	s = whitespace.ReplaceAllString(s, " ")
	s = strings.Trim(s, " ")
	return s
}
