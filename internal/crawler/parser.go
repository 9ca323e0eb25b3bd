package crawler

import (
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"keyscout/internal"
	"keyscout/pkg/models"
)

// Elements whose text never shows up on the rendered page.
var hiddenText = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"template": true,
}

type Parser struct {
	Filter URLFilter
}

func NewParser(filter URLFilter) *Parser {
	return &Parser{Filter: filter}
}

// Extract parses rendered HTML once and pulls out the title, the visible text
// and the outbound links. Links are resolved against baseURL, normalized, and
// kept only if the parser's filter accepts them.
func (p *Parser) Extract(r io.Reader, baseURL string) (models.PageData, error) {
	data := models.PageData{URL: baseURL}

	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return data, err
	}

	// 1. Find Title
	data.Title = strings.TrimSpace(doc.Find("title").First().Text())

	// 2. Find Links
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		absoluteURL := internal.ResolveURL(baseURL, href)
		if absoluteURL == "" {
			return
		}
		normalized, err := internal.NormalizeURL(absoluteURL)
		if err != nil {
			return
		}
		if p.Filter != nil && !p.Filter.Filter(normalized) {
			return
		}
		data.OutboundLinks = append(data.OutboundLinks, normalized)
	})

	// 3. Extract Text (ignoring scripts/styles)
	var textBuilder strings.Builder
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.ElementNode && hiddenText[n.Data] {
			return
		}
		if n.Type == html.TextNode {
			text := strings.Join(strings.Fields(n.Data), " ")
			if len(text) > 0 {
				if textBuilder.Len() > 0 {
					textBuilder.WriteByte(' ')
				}
				textBuilder.WriteString(text)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	for _, n := range doc.Nodes {
		visit(n)
	}

	data.TextContent = textBuilder.String()
	return data, nil
}

// ExtractLinks returns the same-host http(s) links of a rendered page,
// resolved against the page's own URL. A page may list a link more than once.
func ExtractLinks(rawHTML, pageURL string, filter URLFilter) ([]string, error) {
	data, err := NewParser(filter).Extract(strings.NewReader(rawHTML), pageURL)
	if err != nil {
		return nil, err
	}
	return data.OutboundLinks, nil
}
