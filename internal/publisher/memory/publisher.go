// Package memory records published task events in process memory.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/scrape-task-engine/internal/tasks"
)

// Publisher stores published payloads for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
}

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	Topic   string
	Payload any
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the message and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, PublishedMessage{Topic: topic, Payload: payload})
	return fmt.Sprintf("memory-%d", len(p.messages)), nil
}

// Messages returns the recorded publishes.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

// Events returns the task events published so far, skipping other payloads.
func (p *Publisher) Events() []tasks.Event {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []tasks.Event
	for _, m := range p.messages {
		if ev, ok := m.Payload.(tasks.Event); ok {
			out = append(out, ev)
		}
	}
	return out
}

// EventFor returns the last event published for taskID.
func (p *Publisher) EventFor(taskID int64) (tasks.Event, bool) {
	events := p.Events()
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].TaskID == taskID {
			return events[i], true
		}
	}
	return tasks.Event{}, false
}
