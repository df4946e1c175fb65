// Package static implements the scrape_html capability: a plain HTTP fetch
// through colly with optional CSS selection of fragments.
package static

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-task-engine/internal/logging"
	"github.com/JakeFAU/scrape-task-engine/internal/metrics"
	"github.com/JakeFAU/scrape-task-engine/internal/policy/ratelimit"
	"github.com/JakeFAU/scrape-task-engine/internal/scraper"
	"github.com/JakeFAU/scrape-task-engine/internal/tasks"
)

// Name is the registry name of this scraper.
const Name = "scrape_html"

// Config controls the collector.
type Config struct {
	UserAgent     string
	Timeout       time.Duration
	RespectRobots bool
	// Limiter paces requests per host; nil disables pacing.
	Limiter *ratelimit.Limiter
}

// Item is one scrape_html result entry. Without a selector there is one item
// holding the whole document.
type Item struct {
	URL         string `json:"url"`
	StatusCode  int    `json:"status_code"`
	Title       string `json:"title,omitempty"`
	HTML        string `json:"html"`
	SnapshotURI string `json:"snapshot_uri,omitempty"`
}

type input struct {
	URL      string `json:"url"`
	Selector string `json:"selector,omitempty"`
}

// Scraper fetches pages without a browser.
type Scraper struct {
	cfg           Config
	baseCollector *colly.Collector
	blobs         tasks.BlobStore
	logger        *zap.Logger
}

// New builds the scraper. blobs may be nil.
func New(cfg Config, blobs tasks.BlobStore, logger *zap.Logger) *Scraper {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(newHTTPTransport())
	return &Scraper{
		cfg:           cfg,
		baseCollector: c,
		blobs:         blobs,
		logger:        logging.OrNop(logger).Named(Name),
	}
}

// Name implements scraper.Scraper.
func (s *Scraper) Name() string { return Name }

type fetchResult struct {
	url    string
	status int
	body   []byte
}

// Run fetches the input URL once. Retries belong to the orchestrator.
func (s *Scraper) Run(ctx context.Context, in scraper.Input) (scraper.Result, error) {
	req, err := parseInput(in.Data)
	if err != nil {
		return nil, err
	}
	in.Beat()

	if err := s.cfg.Limiter.Wait(ctx, req.URL); err != nil {
		return nil, scraper.Other(req.URL, err)
	}
	res, err := s.fetch(ctx, req.URL)
	metrics.ObserveScrapeAttempt(req.URL, "static", outcome(err))
	if err != nil {
		return nil, err
	}
	in.Beat()

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(res.body))
	if err != nil {
		return nil, scraper.Other(req.URL, fmt.Errorf("parse html: %w", err))
	}
	title := strings.TrimSpace(doc.Find("title").First().Text())
	snapshot := s.snapshot(ctx, in.TaskID, res.body)

	if req.Selector == "" {
		return scraper.Result{Item{
			URL:         res.url,
			StatusCode:  res.status,
			Title:       title,
			HTML:        string(res.body),
			SnapshotURI: snapshot,
		}}, nil
	}

	out := scraper.Result{}
	var renderErr error
	doc.Find(req.Selector).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		fragment, err := goquery.OuterHtml(sel)
		if err != nil {
			renderErr = err
			return false
		}
		out = append(out, Item{
			URL:         res.url,
			StatusCode:  res.status,
			Title:       title,
			HTML:        fragment,
			SnapshotURI: snapshot,
		})
		return true
	})
	if renderErr != nil {
		return nil, scraper.Other(req.URL, fmt.Errorf("render selection: %w", renderErr))
	}
	return out, nil
}

func (s *Scraper) fetch(ctx context.Context, rawURL string) (fetchResult, error) {
	collector := s.baseCollector.Clone()
	if s.cfg.UserAgent != "" {
		collector.UserAgent = s.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !s.cfg.RespectRobots
	collector.SetRequestTimeout(s.cfg.Timeout)

	var (
		result   fetchResult
		fetchErr error
	)
	collector.OnResponse(func(r *colly.Response) {
		result = fetchResult{
			url:    r.Request.URL.String(),
			status: r.StatusCode,
			body:   append([]byte(nil), r.Body...),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		fetchErr = classify(rawURL, r, err)
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return fetchResult{}, scraper.Other(rawURL, fmt.Errorf("colly fetch canceled: %w", ctx.Err()))
	case err := <-done:
		if fetchErr != nil {
			return fetchResult{}, fetchErr
		}
		if err != nil {
			return fetchResult{}, scraper.Other(rawURL, fmt.Errorf("colly visit failed: %w", err))
		}
		return result, nil
	}
}

// classify maps HTTP failures onto scraper kinds: 401/403 are treated as a
// block, other 4xx as permanent, 429 and 5xx as retryable.
func classify(rawURL string, r *colly.Response, err error) error {
	status := 0
	if r != nil {
		status = r.StatusCode
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return scraper.BotDetected(rawURL)
	case status == http.StatusTooManyRequests || status >= 500:
		return scraper.Other(rawURL, fmt.Errorf("http %d: %w", status, err))
	case status >= 400:
		return &scraper.Error{Kind: scraper.KindOther, Retryable: false, URL: rawURL, Err: fmt.Errorf("http %d: %w", status, err)}
	default:
		return scraper.Other(rawURL, err)
	}
}

func (s *Scraper) snapshot(ctx context.Context, taskID int64, body []byte) string {
	if s.blobs == nil {
		return ""
	}
	uri, err := s.blobs.PutObject(ctx, fmt.Sprintf("%s/%d.html", Name, taskID), "text/html; charset=utf-8", bytes.NewReader(body))
	if err != nil {
		s.logger.Warn("store html snapshot", zap.Int64("task_id", taskID), zap.Error(err))
		return ""
	}
	return uri
}

func parseInput(data json.RawMessage) (input, error) {
	var req input
	if err := json.Unmarshal(data, &req); err != nil {
		return input{}, invalidInput(fmt.Errorf("decode input: %w", err))
	}
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		return input{}, invalidInput(errors.New("url is required"))
	}
	return req, nil
}

func invalidInput(err error) *scraper.Error {
	return &scraper.Error{Kind: scraper.KindOther, Retryable: false, Err: fmt.Errorf("%w: %w", tasks.ErrInvalidInput, err)}
}

func outcome(err error) string {
	if err == nil {
		return "success"
	}
	return string(scraper.KindOf(err))
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
