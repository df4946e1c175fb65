package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrape-task-engine/internal/scraper"
	"github.com/JakeFAU/scrape-task-engine/internal/storage/memory"
	"github.com/JakeFAU/scrape-task-engine/internal/tasks"
)

var articleHTML = `<html><head><title>t</title></head><body>
<h1>Quarterly results</h1>
<p>` + strings.Repeat("Revenue grew across every segment this quarter. ", 4) + `</p>
<ul><li>menu item</li></ul>
</body></html>`

const blockedHTML = `<html><body><h1>Access denied</h1><p>` +
	`We have detected unusual traffic from your network and need to confirm that you are a person and not a script.` +
	`</p></body></html>`

type pageScript struct {
	html     string
	finalURL string
	navErr   error
}

type fakeLauncher struct {
	mu       sync.Mutex
	pages    []pageScript
	launches []Escalation
	clicks   []string
}

func (f *fakeLauncher) Launch(_ context.Context, esc Escalation) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := len(f.launches)
	f.launches = append(f.launches, esc)
	script := f.pages[len(f.pages)-1]
	if idx < len(f.pages) {
		script = f.pages[idx]
	}
	return &fakeSession{launcher: f, script: script}, nil
}

func (f *fakeLauncher) routes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.launches))
	for _, esc := range f.launches {
		out = append(out, esc.Route())
	}
	return out
}

type fakeSession struct {
	launcher *fakeLauncher
	script   pageScript
	closed   bool
}

func (s *fakeSession) Navigate(rawURL string) (string, error) {
	if s.script.navErr != nil {
		return "", s.script.navErr
	}
	if s.script.finalURL != "" {
		return s.script.finalURL, nil
	}
	return rawURL, nil
}

func (s *fakeSession) Location() (string, error) { return s.Navigate("https://finance.yahoo.com/") }

func (s *fakeSession) HTML() (string, error) { return s.script.html, nil }

func (s *fakeSession) Click(jsPath string) error {
	s.launcher.mu.Lock()
	defer s.launcher.mu.Unlock()
	s.launcher.clicks = append(s.launcher.clicks, jsPath)
	return nil
}

func (s *fakeSession) Close() { s.closed = true }

func testScraper(t *testing.T, launcher Launcher, maxRetry int) (*Scraper, *memory.BlobStore) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.MaxRetry = maxRetry
	blobs := memory.NewBlobStore()
	return newScraper(cfg, launcher, DefaultHandlers(0), blobs, nil), blobs
}

func runInput(id int64, url string) scraper.Input {
	return scraper.Input{TaskID: id, Data: json.RawMessage(fmt.Sprintf(`{"url":%q}`, url))}
}

func TestNextEscalation(t *testing.T) {
	t.Parallel()

	bot := scraper.BotDetected("https://example.com")
	other := scraper.Other("https://example.com", errors.New("timeout"))
	cases := []struct {
		name string
		prev Escalation
		err  error
		want Escalation
	}{
		{"bot on direct moves to proxy", Escalation{}, bot, Escalation{UseProxy: true}},
		{"bot on proxy moves to cdp", Escalation{UseProxy: true}, bot, Escalation{UseProxy: true, UseCDP: true}},
		{"bot on cdp stays on cdp", Escalation{UseProxy: true, UseCDP: true}, bot, Escalation{UseProxy: true, UseCDP: true}},
		{"other error resets", Escalation{UseProxy: true}, other, Escalation{}},
		{"chrome error resets", Escalation{UseProxy: true, UseCDP: true}, scraper.ChromeError("u"), Escalation{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, nextEscalation(tc.prev, tc.err))
		})
	}
}

func TestRun_Success(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{pages: []pageScript{{html: articleHTML, finalURL: "https://example.com/final"}}}
	s, blobs := testScraper(t, launcher, 5)

	beats := 0
	in := runInput(7, "https://example.com/a")
	in.Heartbeat = func() { beats++ }
	res, err := s.Run(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, res, 1)

	item := res[0].(Item)
	require.Equal(t, "https://example.com/final", item.URL)
	require.Contains(t, item.Markdown, "# Quarterly results")
	require.NotContains(t, item.Markdown, "menu item")
	require.Equal(t, "memory://scrape_md/7.html", item.SnapshotURI)
	require.GreaterOrEqual(t, beats, 4)

	stored, contentType, ok := blobs.Object("scrape_md/7.html")
	require.True(t, ok)
	require.Equal(t, articleHTML, string(stored))
	require.Contains(t, contentType, "text/html")
	require.Equal(t, []string{"direct"}, launcher.routes())
}

func TestRun_EscalatesOnBotDetection(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{pages: []pageScript{
		{html: blockedHTML},
		{html: blockedHTML},
		{html: articleHTML},
	}}
	s, _ := testScraper(t, launcher, 5)

	res, err := s.Run(context.Background(), runInput(1, "https://example.com"))
	require.NoError(t, err)
	require.Len(t, res, 1)
	require.Equal(t, []string{"direct", "proxy", "cdp"}, launcher.routes())
}

func TestRun_ExhaustsAttempts(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{pages: []pageScript{{html: blockedHTML}}}
	s, _ := testScraper(t, launcher, 2)

	_, err := s.Run(context.Background(), runInput(1, "https://example.com"))
	require.Error(t, err)
	require.Equal(t, scraper.KindBotDetected, scraper.KindOf(err))
	require.False(t, scraper.IsRetryable(err))
	require.Len(t, launcher.routes(), 3)
}

func TestRun_ChromeErrorIsRetryable(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{pages: []pageScript{{html: articleHTML, finalURL: "chrome-error://chromewebdata/"}}}
	s, _ := testScraper(t, launcher, 1)

	_, err := s.Run(context.Background(), runInput(1, "https://example.com"))
	require.Equal(t, scraper.KindChromeError, scraper.KindOf(err))
	require.True(t, scraper.IsRetryable(err))
	require.Equal(t, []string{"direct", "direct"}, launcher.routes())
}

func TestRun_NavigationErrorIsRetryable(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{pages: []pageScript{{navErr: errors.New("net::ERR_CONNECTION_RESET")}}}
	s, _ := testScraper(t, launcher, 0)

	_, err := s.Run(context.Background(), runInput(1, "https://example.com"))
	require.Equal(t, scraper.KindOther, scraper.KindOf(err))
	require.True(t, scraper.IsRetryable(err))
	require.Contains(t, err.Error(), "ERR_CONNECTION_RESET")
}

func TestRun_InvalidInputIsPermanent(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{pages: []pageScript{{html: articleHTML}}}
	s, _ := testScraper(t, launcher, 5)

	for _, data := range []string{`{}`, `not json`, `{"url":"   "}`} {
		_, err := s.Run(context.Background(), scraper.Input{TaskID: 1, Data: json.RawMessage(data)})
		require.ErrorIs(t, err, tasks.ErrInvalidInput, data)
		require.False(t, scraper.IsRetryable(err))
	}
	require.Empty(t, launcher.routes())
}

func TestRun_DomainHandlerAcceptsCookies(t *testing.T) {
	t.Parallel()

	consent := `<html><body><a href="/more">Manage settings</a><button>Reject all</button>` +
		`<input type="submit" value="Accept all"></body></html>`
	launcher := &fakeLauncher{pages: []pageScript{{html: consent}}}
	s, _ := testScraper(t, launcher, 0)

	_, err := s.Run(context.Background(), runInput(1, "https://www.finance.yahoo.com/quote/X"))
	require.Equal(t, scraper.KindBotDetected, scraper.KindOf(err))
	require.Equal(t, []string{`document.querySelectorAll("button, input, a")[2]`}, launcher.clicks)
}

func TestRun_KeepsListsWhenAsked(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{pages: []pageScript{{html: articleHTML}}}
	s, _ := testScraper(t, launcher, 0)

	res, err := s.Run(context.Background(), scraper.Input{
		TaskID: 3,
		Data:   json.RawMessage(`{"url":"https://example.com","remove_ul":false}`),
	})
	require.NoError(t, err)
	require.Contains(t, res[0].(Item).Markdown, "- menu item")
}

func TestRun_WithoutBlobStore(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{pages: []pageScript{{html: articleHTML}}}
	s := newScraper(DefaultConfig(), launcher, nil, nil, nil)

	res, err := s.Run(context.Background(), runInput(1, "https://example.com"))
	require.NoError(t, err)
	require.Empty(t, res[0].(Item).SnapshotURI)
}

func TestRun_CanceledContextStops(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{pages: []pageScript{{html: blockedHTML}}}
	s, _ := testScraper(t, launcher, 5)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Run(ctx, runInput(1, "https://example.com"))
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, launcher.routes(), 1)
}
