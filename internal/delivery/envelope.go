// Package delivery turns outbox rows into envelopes and hands them to a
// transport. Concrete channel integrations (SMS, email, messengers) plug in
// as Transport implementations.
package delivery

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/example/booking-core/internal/persistence"
)

// Payload is the JSON document stored in an outbox row.
type Payload struct {
	Message    string          `json:"message"`
	Recipients []int64         `json:"recipients"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// Envelope is what a transport receives for one delivery attempt.
type Envelope struct {
	DedupKey       string    `cbor:"dedup_key" json:"dedupKey"`
	OutboxID       int64     `cbor:"outbox_id" json:"outboxId"`
	OrganizationID int64     `cbor:"organization_id" json:"organizationId"`
	EventType      string    `cbor:"event_type" json:"eventType"`
	AggregateType  string    `cbor:"aggregate_type" json:"aggregateType"`
	AggregateID    string    `cbor:"aggregate_id" json:"aggregateId"`
	Message        string    `cbor:"message" json:"message"`
	Recipients     []int64   `cbor:"recipients" json:"recipients"`
	Data           []byte    `cbor:"data,omitempty" json:"data,omitempty"`
	Attempt        int       `cbor:"attempt" json:"attempt"`
	CreatedAt      time.Time `cbor:"created_at" json:"createdAt"`
}

// DedupKey derives a stable key for an outbox row. Every attempt of the same
// row produces the same key, so downstream receivers can drop redeliveries.
func DedupKey(organizationID, outboxID int64) string {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(organizationID))
	binary.BigEndian.PutUint64(buf[8:], uint64(outboxID))
	sum := blake2b.Sum256(buf[:])
	return hex.EncodeToString(sum[:16])
}

// NewEnvelope decodes the outbox payload and builds the envelope for the
// current attempt.
func NewEnvelope(event persistence.OutboxEvent) (Envelope, error) {
	var payload Payload
	if len(event.Payload) > 0 {
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return Envelope{}, fmt.Errorf("delivery: decode payload of outbox event %d: %w", event.ID, err)
		}
	}
	return Envelope{
		DedupKey:       DedupKey(event.OrganizationID, event.ID),
		OutboxID:       event.ID,
		OrganizationID: event.OrganizationID,
		EventType:      event.EventType,
		AggregateType:  event.AggregateType,
		AggregateID:    event.AggregateID,
		Message:        payload.Message,
		Recipients:     payload.Recipients,
		Data:           []byte(payload.Data),
		Attempt:        event.RetryCount + 1,
		CreatedAt:      event.CreatedAt.UTC(),
	}, nil
}
