package browser

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

var (
	botPattern    = regexp.MustCompile(`(?is)(access|bot).+?(denied|blocked|detected)|verification(\s+is\s+|\s+)required`)
	acceptPattern = regexp.MustCompile(`(?i)accept\s+all`)
)

const (
	clickableSelector = "button, input, a"
	chromeErrorPrefix = "chrome-error://"
)

// humanVerificationFrame reports a press-and-hold challenge iframe.
func humanVerificationFrame(doc *goquery.Document) bool {
	found := false
	doc.Find("iframe").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		title, _ := s.Attr("title")
		if strings.Contains(strings.ToLower(title), "human verification challenge") {
			found = true
		}
		return !found
	})
	return found
}

// looksBlocked applies the bot heuristics to a rendered page: a block
// message in the text, a verification iframe, or too little text to be a
// real page.
func looksBlocked(page, markdown string, minLength int) (bool, error) {
	if len(markdown) <= minLength {
		return true, nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	if err != nil {
		return false, fmt.Errorf("parse html: %w", err)
	}
	if humanVerificationFrame(doc) {
		return true, nil
	}
	text, err := documentMarkdown(doc, true)
	if err != nil {
		return false, err
	}
	return botPattern.MatchString(text), nil
}

// Handler runs site-specific interactions after navigation.
type Handler func(ctx context.Context, page Session) error

// DefaultHandlers returns the built-in domain handlers keyed by host
// without the "www." prefix.
func DefaultHandlers(settle time.Duration) map[string][]Handler {
	accept := AcceptAllCookies(settle)
	return map[string][]Handler{
		"finance.yahoo.com": {accept},
		"consent.yahoo.com": {accept},
	}
}

// AcceptAllCookies clicks the first button, input or link labelled
// "accept all" and waits for the consent flow to settle.
func AcceptAllCookies(settle time.Duration) Handler {
	return func(ctx context.Context, page Session) error {
		content, err := page.HTML()
		if err != nil {
			return err
		}
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
		if err != nil {
			return fmt.Errorf("parse html: %w", err)
		}
		idx := acceptButtonIndex(doc)
		if idx < 0 {
			return nil
		}
		if err := page.Click(fmt.Sprintf("document.querySelectorAll(%q)[%d]", clickableSelector, idx)); err != nil {
			return fmt.Errorf("accept cookies: %w", err)
		}
		return sleepContext(ctx, settle)
	}
}

func acceptButtonIndex(doc *goquery.Document) int {
	idx := -1
	doc.Find(clickableSelector).EachWithBreak(func(i int, s *goquery.Selection) bool {
		text := strings.TrimSpace(s.Text())
		if text == "" {
			value, _ := s.Attr("value")
			text = strings.TrimSpace(value)
		}
		if acceptPattern.MatchString(text) {
			idx = i
			return false
		}
		return true
	})
	return idx
}

// domainOf returns the host of rawURL without a leading "www.".
func domainOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}
	return strings.TrimPrefix(strings.ToLower(u.Host), "www."), nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
