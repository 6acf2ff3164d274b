// Package relay forwards committed workflow events to an external sink.
// Delivery is at least once: the cursor only advances past an event after
// the sink accepted it.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"freeflow/internal/domain"
)

// Message is the wire form of an event on every sink.
type Message struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	ProjectID  string          `json:"project_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func NewMessage(evt domain.Event) Message {
	payload := json.RawMessage("{}")
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage(evt.Payload)
		} else {
			raw = evt.Payload
		}
	}
	return Message{
		ID:         evt.ID,
		Type:       evt.Type,
		ProjectID:  evt.ProjectID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
		PayloadRaw: raw,
	}
}

// Key groups messages about the same entity so brokers keep their order.
func (m Message) Key() string {
	if m.EntityID != "" {
		return m.EntityKind + ":" + m.EntityID
	}
	return m.Type
}

type Publisher interface {
	// Name identifies the sink; it keys the persisted cursor.
	Name() string
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// LogPublisher writes events to the logger. It backs the "log" sink.
type LogPublisher struct {
	Logger *slog.Logger
}

func (p LogPublisher) Name() string { return "log" }

func (p LogPublisher) Publish(ctx context.Context, msg Message) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "event", "id", msg.ID, "type", msg.Type, "entity", msg.Key(), "actor", msg.ActorID, "payload", string(msg.Payload))
	return nil
}

func (p LogPublisher) Close() error { return nil }

// Filter selects event types. Entries ending in ".*" match a type prefix;
// an empty filter matches everything.
type Filter struct {
	all      bool
	set      map[string]struct{}
	prefixes []string
}

func NewFilter(events []string) Filter {
	f := Filter{set: map[string]struct{}{}}
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		switch {
		case key == "":
		case key == "*":
			return Filter{all: true}
		case strings.HasSuffix(key, ".*"):
			f.prefixes = append(f.prefixes, strings.TrimSuffix(key, "*"))
		default:
			f.set[key] = struct{}{}
		}
	}
	if len(f.set) == 0 && len(f.prefixes) == 0 {
		return Filter{all: true}
	}
	return f
}

// Match reports whether evt passes the filter. The zero Filter matches
// every event, like NewFilter with no patterns.
func (f Filter) Match(evt string) bool {
	if f.all || (len(f.set) == 0 && len(f.prefixes) == 0) {
		return true
	}
	if _, ok := f.set[evt]; ok {
		return true
	}
	for _, p := range f.prefixes {
		if strings.HasPrefix(evt, p) {
			return true
		}
	}
	return false
}
