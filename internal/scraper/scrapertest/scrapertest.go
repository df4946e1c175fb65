// Package scrapertest provides scraper fakes for tests.
package scrapertest

import (
	"context"
	"sync"

	"github.com/JakeFAU/scrape-task-engine/internal/scraper"
)

// Func adapts a function into a scraper.Scraper and counts its calls.
type Func struct {
	ScraperName string
	Fn          func(ctx context.Context, in scraper.Input) (scraper.Result, error)

	mu    sync.Mutex
	calls map[int64]int
}

// New returns a Func scraper.
func New(name string, fn func(ctx context.Context, in scraper.Input) (scraper.Result, error)) *Func {
	return &Func{ScraperName: name, Fn: fn}
}

// Name returns the registered scraper name.
func (f *Func) Name() string { return f.ScraperName }

// Run records the call and delegates to Fn. A nil Fn returns one empty item.
func (f *Func) Run(ctx context.Context, in scraper.Input) (scraper.Result, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = map[int64]int{}
	}
	f.calls[in.TaskID]++
	f.mu.Unlock()

	in.Beat()
	if f.Fn == nil {
		return scraper.Result{map[string]any{}}, nil
	}
	return f.Fn(ctx, in)
}

// Calls returns how many times Run saw taskID.
func (f *Func) Calls(taskID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[taskID]
}

// TotalCalls returns the number of Run invocations.
func (f *Func) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}
