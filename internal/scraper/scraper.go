// Package scraper defines the capability interface the engine invokes and
// the registry that maps task scraper names onto capabilities.
package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/JakeFAU/scrape-task-engine/internal/tasks"
)

// Heartbeat signals liveness to the orchestration runtime. It must not block.
type Heartbeat func()

// Input is handed to a scraper for one task.
type Input struct {
	TaskID    int64
	Data      json.RawMessage
	Heartbeat Heartbeat
}

// Beat calls the heartbeat when one is configured.
func (in Input) Beat() {
	if in.Heartbeat != nil {
		in.Heartbeat()
	}
}

// Result is the list-shaped output of a scraper.
type Result []any

// Scraper is one registered capability.
type Scraper interface {
	Name() string
	Run(ctx context.Context, in Input) (Result, error)
}

// Registry is the closed set of scrapers built at startup.
type Registry struct {
	scrapers map[string]Scraper
}

// NewRegistry builds a registry. Duplicate names are rejected.
func NewRegistry(scrapers ...Scraper) (*Registry, error) {
	r := &Registry{scrapers: make(map[string]Scraper, len(scrapers))}
	for _, s := range scrapers {
		if s == nil {
			continue
		}
		name := s.Name()
		if name == "" {
			return nil, fmt.Errorf("scraper name is required")
		}
		if _, dup := r.scrapers[name]; dup {
			return nil, fmt.Errorf("scraper %q registered twice", name)
		}
		r.scrapers[name] = s
	}
	return r, nil
}

// Lookup returns the scraper registered under name.
func (r *Registry) Lookup(name string) (Scraper, error) {
	s, ok := r.scrapers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", tasks.ErrUnknownScraper, name)
	}
	return s, nil
}

// Validate checks every name, reporting the first unknown one.
func (r *Registry) Validate(names ...string) error {
	for _, name := range names {
		if _, err := r.Lookup(name); err != nil {
			return err
		}
	}
	return nil
}

// Names lists the registered scraper names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.scrapers))
	for name := range r.scrapers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
