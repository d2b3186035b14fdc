package events

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is stamped on every envelope.
const SchemaVersion = 1

// Envelope is the outer structure of every server push. It is never persisted.
type Envelope struct {
	EventType     string    `json:"eventType"`
	TenantID      uuid.UUID `json:"tenantId"`
	OccurredAtUTC time.Time `json:"occurredAtUtc"`
	SchemaVersion int       `json:"schemaVersion"`
	CorrelationID string    `json:"correlationId"`
	Payload       any       `json:"payload"`
}

func NewEnvelope(tenantID uuid.UUID, eventType string, payload any, now time.Time) Envelope {
	return Envelope{
		EventType:     eventType,
		TenantID:      tenantID,
		OccurredAtUTC: now.UTC(),
		SchemaVersion: SchemaVersion,
		CorrelationID: newCorrelationID(),
		Payload:       payload,
	}
}

func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// 32 hex chars, no hyphens.
func newCorrelationID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
