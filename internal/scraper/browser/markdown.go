package browser

import (
	"fmt"
	"html"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/PuerkitoBio/goquery"
)

// ToMarkdown renders page HTML as markdown. Links collapse to their text and
// images are dropped. With removeLists set, list markup and its content are
// dropped as well.
func ToMarkdown(page string, removeLists bool) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	return documentMarkdown(doc, removeLists)
}

// documentMarkdown strips non-content markup from doc, then converts what is
// left. It mutates doc.
func documentMarkdown(doc *goquery.Document, removeLists bool) (string, error) {
	doc.Find("head, script, style, noscript, template, img, svg, iframe").Remove()
	if removeLists {
		doc.Find("ul, ol, li").Remove()
	}
	doc.Find("a").Each(func(_ int, s *goquery.Selection) {
		s.ReplaceWithHtml(html.EscapeString(s.Text()))
	})

	root := doc.Find("body")
	if root.Length() == 0 {
		root = doc.Selection
	}
	body, err := root.Html()
	if err != nil {
		return "", fmt.Errorf("render cleaned html: %w", err)
	}
	md, err := htmltomarkdown.ConvertString(body)
	if err != nil {
		return "", fmt.Errorf("convert to markdown: %w", err)
	}
	return strings.TrimSpace(md), nil
}
