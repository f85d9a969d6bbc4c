package main

import (
	"fmt"
	"net/url"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
)

const markdownExt = ".md"

// Elements Confluence puts into body.view that carry no readable content
var strippedSelectors = []string{
	"script",
	"style",
	".expand-control",
	".aui-icon",
}

// MarkdownConverter turns a page's rendered HTML into Markdown
type MarkdownConverter struct {
	converter *md.Converter
	base      *url.URL
}

// NewMarkdownConverter creates a converter; relative links and images are
// resolved against baseURL
func NewMarkdownConverter(baseURL string) *MarkdownConverter {
	c := &MarkdownConverter{converter: md.NewConverter("", true, nil)}
	if u, err := url.Parse(strings.TrimSuffix(baseURL, "/") + "/"); err == nil && u.Host != "" {
		c.base = u
	}
	return c
}

// Convert returns Markdown for body with the title as a top level heading
func (c *MarkdownConverter) Convert(title, body string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("parsing page body: %w", err)
	}
	for _, sel := range strippedSelectors {
		doc.Find(sel).Remove()
	}
	c.absolutize(doc, "a", "href")
	c.absolutize(doc, "img", "src")

	text := strings.TrimSpace(c.converter.Convert(doc.Find("body")))

	var sb strings.Builder
	sb.WriteString("# ")
	sb.WriteString(title)
	sb.WriteString("\n")
	if text != "" {
		sb.WriteString("\n")
		sb.WriteString(text)
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

func (c *MarkdownConverter) absolutize(doc *goquery.Document, tag, attr string) {
	if c.base == nil {
		return
	}
	doc.Find(tag + "[" + attr + "]").Each(func(_ int, s *goquery.Selection) {
		ref, _ := s.Attr(attr)
		if strings.HasPrefix(ref, "#") || strings.HasPrefix(ref, "data:") {
			return
		}
		u, err := url.Parse(ref)
		if err != nil {
			return
		}
		s.SetAttr(attr, c.base.ResolveReference(u).String())
	})
}
