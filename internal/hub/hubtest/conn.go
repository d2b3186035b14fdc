// Package hubtest provides a recording hub.Conn for tests.
package hubtest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/jsherman999/crmrealtime/internal/hub"
)

var ErrClosed = errors.New("hubtest: connection closed")

// Message is the decoded outer envelope of one recorded frame.
type Message struct {
	EventType     string          `json:"eventType"`
	TenantID      string          `json:"tenantId"`
	OccurredAtUTC string          `json:"occurredAtUtc"`
	SchemaVersion int             `json:"schemaVersion"`
	CorrelationID string          `json:"correlationId"`
	Payload       json.RawMessage `json:"payload"`
}

// Conn records every frame sent to it.
type Conn struct {
	id       string
	identity hub.Identity

	mu     sync.Mutex
	frames [][]byte
	fail   error
}

func NewConn(id string, identity hub.Identity) *Conn {
	return &Conn{id: id, identity: identity}
}

// NewUserConn builds a connection for an authenticated tenant user.
func NewUserConn(id string, tenantID, userID uuid.UUID, name string) *Conn {
	return NewConn(id, hub.Identity{TenantID: tenantID, UserID: userID, DisplayName: name})
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Identity() hub.Identity { return c.identity }

func (c *Conn) Send(_ context.Context, frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.frames = append(c.frames, append([]byte(nil), frame...))
	return nil
}

// Fail makes every later Send return err; nil restores delivery.
func (c *Conn) Fail(err error) {
	c.mu.Lock()
	c.fail = err
	c.mu.Unlock()
}

func (c *Conn) Frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.frames))
	copy(out, c.frames)
	return out
}

func (c *Conn) Messages() []Message {
	var out []Message
	for _, f := range c.Frames() {
		var m Message
		if err := json.Unmarshal(f, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

// OfType returns the recorded messages with the given event type.
func (c *Conn) OfType(eventType string) []Message {
	var out []Message
	for _, m := range c.Messages() {
		if m.EventType == eventType {
			out = append(out, m)
		}
	}
	return out
}

func (c *Conn) Reset() {
	c.mu.Lock()
	c.frames = nil
	c.mu.Unlock()
}
