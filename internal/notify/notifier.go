// Package notify publishes archive-completion events.
package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Config selects the event publisher.
type Config struct {
	Provider  string `mapstructure:"provider"` // none | memory | pubsub
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Event describes one finished archive build.
type Event struct {
	RunID       string    `json:"run_id"`
	Source      string    `json:"source"`
	ArchiveURIs []string  `json:"archive_uris"`
	Succeeded   int       `json:"tiles_succeeded"`
	Exhausted   int       `json:"tiles_exhausted"`
	CompletedAt time.Time `json:"completed_at"`
}

// Publisher pushes completion events somewhere downstream.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// NoOp discards events.
type NoOp struct{}

// Publish does nothing.
func (NoOp) Publish(_ context.Context, _ Event) error { return nil }

// Close does nothing.
func (NoOp) Close() error { return nil }

// Memory records events in memory; used in tests and dry runs.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

// NewMemory creates an in-memory publisher.
func NewMemory() *Memory {
	return &Memory{}
}

// Publish appends the event.
func (m *Memory) Publish(_ context.Context, ev Event) error {
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
	return nil
}

// Events returns a copy of everything published so far.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Close does nothing.
func (m *Memory) Close() error { return nil }

func encode(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}
