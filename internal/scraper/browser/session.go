package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// Session is one browser tab. Every call is bound to the context passed to
// Launcher.Launch.
type Session interface {
	// Navigate loads rawURL, waits for the DOM and returns the final location.
	Navigate(rawURL string) (string, error)
	Location() (string, error)
	HTML() (string, error)
	// Click clicks the element addressed by a JavaScript expression.
	Click(jsPath string) error
	Close()
}

// Launcher opens sessions for an escalation level.
type Launcher interface {
	Launch(ctx context.Context, esc Escalation) (Session, error)
}

type chromeLauncher struct {
	cfg    Config
	logger *zap.Logger
}

func newChromeLauncher(cfg Config, logger *zap.Logger) *chromeLauncher {
	return &chromeLauncher{cfg: cfg, logger: logger}
}

// Launch starts a fresh browser for each attempt. Escalation selects a remote
// CDP endpoint or a proxied local Chrome when those are configured.
func (l *chromeLauncher) Launch(ctx context.Context, esc Escalation) (Session, error) {
	var (
		allocCtx    context.Context
		allocCancel context.CancelFunc
	)
	switch {
	case esc.UseCDP && l.cfg.CDPURL != "":
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(ctx, l.cfg.CDPURL)
	default:
		if esc.UseCDP {
			l.logger.Warn("cdp escalation requested without cdp url, using local browser")
		}
		allocCtx, allocCancel = chromedp.NewExecAllocator(ctx, l.execOptions(esc)...)
	}

	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	s := &chromeSession{
		ctx:     taskCtx,
		timeout: l.cfg.NavigationTimeout,
		cancel: func() {
			taskCancel()
			allocCancel()
		},
	}
	if err := chromedp.Run(taskCtx, l.setupAction()); err != nil {
		s.Close()
		return nil, fmt.Errorf("start browser (%s): %w", esc.Route(), err)
	}
	return s, nil
}

func (l *chromeLauncher) execOptions(esc Escalation) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if !l.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if (esc.UseProxy || esc.UseCDP) && l.cfg.ProxyURL != "" {
		opts = append(opts, chromedp.ProxyServer(l.cfg.ProxyURL))
	}
	return opts
}

func (l *chromeLauncher) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if l.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(l.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

type chromeSession struct {
	ctx     context.Context
	timeout time.Duration
	cancel  func()
}

func (s *chromeSession) run(actions ...chromedp.Action) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()
	return chromedp.Run(ctx, actions...)
}

func (s *chromeSession) Navigate(rawURL string) (string, error) {
	var finalURL string
	err := s.run(
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Location(&finalURL),
	)
	if err != nil {
		return "", fmt.Errorf("navigate: %w", err)
	}
	return finalURL, nil
}

func (s *chromeSession) Location() (string, error) {
	var loc string
	if err := s.run(chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("read location: %w", err)
	}
	return loc, nil
}

func (s *chromeSession) HTML() (string, error) {
	var html string
	if err := s.run(chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read html: %w", err)
	}
	return html, nil
}

func (s *chromeSession) Click(jsPath string) error {
	if err := s.run(chromedp.Click(jsPath, chromedp.ByJSPath)); err != nil {
		return fmt.Errorf("click: %w", err)
	}
	return nil
}

func (s *chromeSession) Close() {
	s.cancel()
}
