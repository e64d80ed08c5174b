// Package analytics forwards product events to Segment. Tracking is
// fire-and-forget and fully optional: a nil *Client drops everything.
package analytics

import (
	"log"
	"strconv"

	segment "github.com/segmentio/analytics-go/v3"
)

// Client wraps the Segment client.
type Client struct {
	seg segment.Client
}

// New returns a client, or nil when no write key is configured.
func New(writeKey string) *Client {
	if writeKey == "" {
		return nil
	}
	return &Client{seg: segment.New(writeKey)}
}

// Close flushes queued events.
func (c *Client) Close() {
	if c == nil {
		return
	}
	if err := c.seg.Close(); err != nil {
		log.Printf("analytics: close: %v", err)
	}
}

// Track enqueues a single event for the user.
func (c *Client) Track(userID int64, event string, props map[string]interface{}) {
	if c == nil {
		return
	}
	p := segment.NewProperties()
	for k, v := range props {
		p = p.Set(k, v)
	}
	err := c.seg.Enqueue(segment.Track{
		UserId:     strconv.FormatInt(userID, 10),
		Event:      event,
		Properties: p,
	})
	if err != nil {
		log.Printf("analytics: track %s: %v", event, err)
	}
}
