// Package events provides an SSE event broadcaster for vault changes.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/kevinMEH/web-vault/internal/metrics"
	"github.com/kevinMEH/web-vault/internal/ops"
)

// Event represents a vault tree change.
type Event struct {
	Type        string `json:"type"`
	Vault       string `json:"vault"`
	Path        string `json:"path"`
	SourceVault string `json:"sourceVault,omitempty"`
	Source      string `json:"source,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

// concerns reports whether a subscriber of vault should see the event.
func (e Event) concerns(vault string) bool {
	return e.Vault == vault || (e.SourceVault != "" && e.SourceVault == vault)
}

// Broadcaster manages SSE subscribers and publishes events. Each
// subscriber only receives events touching its vault.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]string
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Event]string),
	}
}

// Subscribe adds a subscriber for one vault and returns its event channel.
// The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe(vault string) chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subscribers[ch] = vault
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(b.Count()))
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	close(ch)
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(b.Count()))
}

// Publish sends an event to interested subscribers. Non-blocking: drops
// events for slow consumers.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, vault := range b.subscribers {
		if !event.concerns(vault) {
			continue
		}
		select {
		case ch <- event:
		default:
			// Drop event for slow consumer
		}
	}
	metrics.RecordSSEEvent(event.Type)
}

// Notify publishes an engine change, making the broadcaster an
// ops.Notifier.
func (b *Broadcaster) Notify(c ops.Change) {
	b.Publish(Event{
		Type:        c.Op,
		Vault:       c.Vault,
		Path:        c.Path,
		SourceVault: c.SourceVault,
		Source:      c.Source,
	})
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// MarshalEvent serializes an event to JSON.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
