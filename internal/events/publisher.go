// Package events publishes duel and sandbox lifecycle events to NATS
// JetStream so other platform services (notifications, activity feeds)
// can react without polling.
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ctfarena/ctfarena/pkg/types"
)

const streamName = "ARENA_EVENTS"

// Event is the JSON payload published to NATS.
type Event struct {
	Type      string          `json:"type"`
	MatchID   int64           `json:"match_id,omitempty"`
	UserID    int64           `json:"user_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Publisher publishes arena events. A nil *Publisher is valid and drops
// everything, so callers never branch on whether NATS is configured.
type Publisher struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// NewPublisher connects to NATS and ensures the event stream exists.
func NewPublisher(natsURL string) (*Publisher, error) {
	nc, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:     streamName,
		Subjects: []string{"arena.>"},
		MaxAge:   7 * 24 * time.Hour,
	})
	if err != nil {
		// Stream may already exist, that's OK
		log.Printf("events: stream setup: %v", err)
	}

	return &Publisher{nc: nc, js: js}, nil
}

// Close drains the connection.
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	p.nc.Close()
}

func (p *Publisher) publish(subject string, ev Event) {
	if p == nil {
		return
	}
	ev.Timestamp = time.Now()
	data, _ := json.Marshal(ev)
	if _, err := p.js.Publish(subject, data); err != nil {
		log.Printf("events: publish %s: %v", subject, err)
	}
}

// MatchEvent publishes a match state change on arena.duels.<event>.
func (p *Publisher) MatchEvent(event string, m *types.Match) {
	payload, _ := json.Marshal(m)
	p.publish("arena.duels."+event, Event{
		Type:    event,
		MatchID: m.ID,
		Payload: payload,
	})
}

// SessionEvent publishes a terminal session lifecycle change.
func (p *Publisher) SessionEvent(event string, userID, matchID int64) {
	p.publish("arena.sessions."+event, Event{
		Type:    event,
		MatchID: matchID,
		UserID:  userID,
	})
}
