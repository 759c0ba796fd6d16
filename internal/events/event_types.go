package events

import (
	"time"

	"github.com/spec-kit/qr-token-service/internal/domain"
)

// EventType enumerates supported event identifiers.
type EventType string

const (
	EventTokenIssued           EventType = "token_issued"
	EventTokenConsumed         EventType = "token_consumed"
	EventTokenUpdated          EventType = "token_updated"
	EventTokenRefreshed        EventType = "token_refreshed"
	EventTokenDeactivated      EventType = "token_deactivated"
	EventTokensBulkDeactivated EventType = "tokens_bulk_deactivated"
)

// AllEventTypes lists every lifecycle event.
var AllEventTypes = []EventType{
	EventTokenIssued,
	EventTokenConsumed,
	EventTokenUpdated,
	EventTokenRefreshed,
	EventTokenDeactivated,
	EventTokensBulkDeactivated,
}

// Event represents a lifecycle change emitted by the token service.
type Event struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	TokenID   string      `json:"token_id,omitempty"`
	SubjectID *int64      `json:"subject_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// TokenIssuedPayload payload.
type TokenIssuedPayload struct {
	Kind       domain.TokenKind `json:"kind"`
	Department *string          `json:"department,omitempty"`
	ExpiresAt  time.Time        `json:"expires_at"`
	Rendered   bool             `json:"rendered"`
}

// TokenConsumedPayload payload.
type TokenConsumedPayload struct {
	Kind       domain.TokenKind `json:"kind"`
	ConsumedAt time.Time        `json:"consumed_at"`
}

// TokenUpdatedPayload payload.
type TokenUpdatedPayload struct {
	Active      *bool     `json:"active,omitempty"`
	ExtendHours *int      `json:"extend_hours,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// TokenRefreshedPayload payload.
type TokenRefreshedPayload struct {
	Hours            int       `json:"hours"`
	ExpiresAt        time.Time `json:"expires_at"`
	ConsumptionReset bool      `json:"consumption_reset"`
}

// BulkDeactivatedPayload payload.
type BulkDeactivatedPayload struct {
	Scope    string `json:"scope"`
	Affected int64  `json:"affected"`
}
