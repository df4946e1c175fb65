// Package browser implements the scrape_md capability: render a page in
// Chrome, run site handlers, and return its text as markdown.
package browser

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-task-engine/internal/logging"
	"github.com/JakeFAU/scrape-task-engine/internal/metrics"
	"github.com/JakeFAU/scrape-task-engine/internal/policy/ratelimit"
	"github.com/JakeFAU/scrape-task-engine/internal/scraper"
	"github.com/JakeFAU/scrape-task-engine/internal/tasks"
)

// Name is the registry name of this scraper.
const Name = "scrape_md"

// Config controls browser sessions and the attempt loop.
type Config struct {
	ProxyURL          string
	CDPURL            string
	UserAgent         string
	Headless          bool
	NavigationTimeout time.Duration
	// MaxRetry is the number of extra attempts after the first.
	MaxRetry         int
	RemoveLists      bool
	MinContentLength int
	// SettleDelay is the pause after a consent click.
	SettleDelay time.Duration
	MaxParallel int
	// Limiter paces attempts per host; nil disables pacing.
	Limiter *ratelimit.Limiter
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		Headless:          true,
		NavigationTimeout: 45 * time.Second,
		MaxRetry:          5,
		RemoveLists:       true,
		MinContentLength:  100,
		SettleDelay:       3 * time.Second,
	}
}

// Escalation selects how the next attempt reaches the site.
type Escalation struct {
	UseProxy bool
	UseCDP   bool
}

// Route labels the escalation for logs and metrics.
func (e Escalation) Route() string {
	switch {
	case e.UseCDP:
		return "cdp"
	case e.UseProxy:
		return "proxy"
	default:
		return "direct"
	}
}

// nextEscalation computes the escalation for the attempt after one that
// failed with err. Bot detection moves to the proxy, and bot detection while
// already proxied moves to the remote browser. Any other failure resets to a
// direct attempt.
func nextEscalation(prev Escalation, err error) Escalation {
	bot := scraper.KindOf(err) == scraper.KindBotDetected
	return Escalation{
		UseProxy: bot,
		UseCDP:   prev.UseProxy && bot,
	}
}

// Item is one scrape_md result entry.
type Item struct {
	URL         string `json:"url"`
	Markdown    string `json:"markdown"`
	SnapshotURI string `json:"snapshot_uri,omitempty"`
}

type input struct {
	URL      string `json:"url"`
	RemoveUL *bool  `json:"remove_ul,omitempty"`
}

// Scraper renders pages with chromedp.
type Scraper struct {
	cfg      Config
	launcher Launcher
	handlers map[string][]Handler
	blobs    tasks.BlobStore
	limiter  chan struct{}
	logger   *zap.Logger
}

// New builds the scraper. blobs may be nil, in which case no HTML snapshot
// is stored.
func New(cfg Config, blobs tasks.BlobStore, logger *zap.Logger) *Scraper {
	logger = logging.OrNop(logger).Named(Name)
	cfg = withDefaults(cfg)
	return newScraper(cfg, newChromeLauncher(cfg, logger), DefaultHandlers(cfg.SettleDelay), blobs, logger)
}

func newScraper(cfg Config, launcher Launcher, handlers map[string][]Handler, blobs tasks.BlobStore, logger *zap.Logger) *Scraper {
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}
	return &Scraper{
		cfg:      cfg,
		launcher: launcher,
		handlers: handlers,
		blobs:    blobs,
		limiter:  limiter,
		logger:   logging.OrNop(logger),
	}
}

func withDefaults(cfg Config) Config {
	def := DefaultConfig()
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = def.NavigationTimeout
	}
	if cfg.MaxRetry < 0 {
		cfg.MaxRetry = 0
	}
	if cfg.MinContentLength < 0 {
		cfg.MinContentLength = 0
	}
	return cfg
}

// Name implements scraper.Scraper.
func (s *Scraper) Name() string { return Name }

// Run scrapes the URL in the task input, retrying up to MaxRetry times with
// escalation between attempts. The last attempt's error is returned once
// attempts run out.
func (s *Scraper) Run(ctx context.Context, in scraper.Input) (scraper.Result, error) {
	req, err := parseInput(in.Data, s.cfg.RemoveLists)
	if err != nil {
		return nil, err
	}
	if err := s.acquire(ctx); err != nil {
		return nil, scraper.Other(req.URL, err)
	}
	defer s.release()

	log := s.logger.With(zap.Int64("task_id", in.TaskID), zap.String("url", req.URL))
	var (
		esc     Escalation
		lastErr error
	)
	for attempt := 0; attempt <= s.cfg.MaxRetry; attempt++ {
		item, html, err := s.attempt(ctx, in, req, esc)
		metrics.ObserveScrapeAttempt(req.URL, esc.Route(), outcome(err))
		if err == nil {
			item.SnapshotURI = s.snapshot(ctx, in.TaskID, html, log)
			in.Beat()
			log.Info("page scraped", zap.Int("attempt", attempt+1), zap.String("route", esc.Route()))
			return scraper.Result{item}, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, scraper.Other(req.URL, ctx.Err())
		}
		esc = nextEscalation(esc, err)
		log.Warn("scrape attempt failed",
			zap.Int("attempt", attempt+1),
			zap.String("next_route", esc.Route()),
			zap.Error(err),
		)
	}
	return nil, lastErr
}

func (s *Scraper) attempt(ctx context.Context, in scraper.Input, req input, esc Escalation) (Item, string, error) {
	in.Beat()
	domain, err := domainOf(req.URL)
	if err != nil {
		return Item{}, "", scraper.Other(req.URL, err)
	}

	if err := s.cfg.Limiter.Wait(ctx, req.URL); err != nil {
		return Item{}, "", scraper.Other(req.URL, err)
	}
	page, err := s.launcher.Launch(ctx, esc)
	if err != nil {
		return Item{}, "", scraper.Other(req.URL, err)
	}
	defer page.Close()

	finalURL, err := page.Navigate(req.URL)
	if err != nil {
		return Item{}, "", scraper.Other(req.URL, err)
	}
	in.Beat()

	if handlers := s.handlers[domain]; len(handlers) > 0 {
		for _, handle := range handlers {
			if err := handle(ctx, page); err != nil {
				return Item{}, "", scraper.Other(req.URL, err)
			}
		}
		if finalURL, err = page.Location(); err != nil {
			return Item{}, "", scraper.Other(req.URL, err)
		}
	}
	in.Beat()

	if strings.HasPrefix(finalURL, chromeErrorPrefix) {
		return Item{}, "", scraper.ChromeError(req.URL)
	}
	content, err := page.HTML()
	if err != nil {
		return Item{}, "", scraper.Other(req.URL, err)
	}
	markdown, err := ToMarkdown(content, req.removeLists())
	if err != nil {
		return Item{}, "", scraper.Other(req.URL, err)
	}
	blocked, err := looksBlocked(content, markdown, s.cfg.MinContentLength)
	if err != nil {
		return Item{}, "", scraper.Other(req.URL, err)
	}
	if blocked {
		return Item{}, "", scraper.BotDetected(req.URL)
	}
	return Item{URL: finalURL, Markdown: markdown}, content, nil
}

// snapshot stores the rendered HTML. A failed upload is logged and the item
// is returned without a snapshot URI.
func (s *Scraper) snapshot(ctx context.Context, taskID int64, html string, log *zap.Logger) string {
	if s.blobs == nil {
		return ""
	}
	path := fmt.Sprintf("%s/%d.html", Name, taskID)
	uri, err := s.blobs.PutObject(ctx, path, "text/html; charset=utf-8", bytes.NewBufferString(html))
	if err != nil {
		log.Warn("store html snapshot", zap.Error(err))
		return ""
	}
	return uri
}

func (s *Scraper) acquire(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	select {
	case s.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

func (s *Scraper) release() {
	if s.limiter == nil {
		return
	}
	<-s.limiter
}

func parseInput(data json.RawMessage, removeLists bool) (input, error) {
	var req input
	if err := json.Unmarshal(data, &req); err != nil {
		return input{}, invalidInput(fmt.Errorf("decode input: %w", err))
	}
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		return input{}, invalidInput(errors.New("url is required"))
	}
	if req.RemoveUL == nil {
		req.RemoveUL = &removeLists
	}
	return req, nil
}

func (r input) removeLists() bool {
	return r.RemoveUL == nil || *r.RemoveUL
}

// invalidInput fails the task without retries; the same input cannot succeed.
func invalidInput(err error) *scraper.Error {
	return &scraper.Error{Kind: scraper.KindOther, Retryable: false, Err: fmt.Errorf("%w: %w", tasks.ErrInvalidInput, err)}
}

func outcome(err error) string {
	if err == nil {
		return "success"
	}
	return string(scraper.KindOf(err))
}
