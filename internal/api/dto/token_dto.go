package dto

import (
	"time"

	"github.com/spec-kit/qr-token-service/internal/domain"
)

// GenerateTokenRequest payload.
type GenerateTokenRequest struct {
	SubjectID          int64   `json:"subject_id" validate:"gt=0"`
	Kind               string  `json:"kind" validate:"required"`
	DurationHours      int     `json:"duration_hours" validate:"gte=0"`
	Department         *string `json:"department" validate:"omitempty,max=100"`
	SpecialPermissions *string `json:"special_permissions" validate:"omitempty,max=255"`
	Description        *string `json:"description" validate:"omitempty,max=500"`
}

// UpdateTokenRequest payload for administrative updates.
type UpdateTokenRequest struct {
	Active      *bool `json:"active"`
	ExtendHours *int  `json:"extend_hours" validate:"omitempty,gt=0"`
}

// RefreshTokenRequest payload. A missing duration uses the kind default.
type RefreshTokenRequest struct {
	DurationHours int `json:"duration_hours" validate:"gte=0"`
}

// TokenResponse represents a token with its derived attributes.
type TokenResponse struct {
	ID                 string            `json:"id"`
	Token              string            `json:"token"`
	SubjectID          int64             `json:"subject_id"`
	Kind               domain.TokenKind  `json:"kind"`
	CreatedAt          time.Time         `json:"created_at"`
	ExpiresAt          time.Time         `json:"expires_at"`
	Consumed           bool              `json:"consumed"`
	ConsumedAt         *time.Time        `json:"consumed_at"`
	Active             bool              `json:"active"`
	QRCode             string            `json:"qr_code"`
	Department         *string           `json:"department"`
	SpecialPermissions *string           `json:"special_permissions"`
	Description        *string           `json:"description"`
	State              domain.TokenState `json:"state"`
	DaysRemaining      int               `json:"days_remaining"`
}

// TokenSnapshotResponse carries the validation snapshot.
type TokenSnapshotResponse struct {
	SubjectID          *int64           `json:"subject_id,omitempty"`
	Kind               domain.TokenKind `json:"kind,omitempty"`
	Department         *string          `json:"department,omitempty"`
	SpecialPermissions *string          `json:"special_permissions,omitempty"`
	ExpiresAt          *time.Time       `json:"expires_at,omitempty"`
	ConsumedAt         *time.Time       `json:"consumed_at,omitempty"`
	DaysRemaining      *int             `json:"days_remaining,omitempty"`
}

// ValidationResponse is returned by validate endpoints.
type ValidationResponse struct {
	Valid    bool                   `json:"valid"`
	Reason   string                 `json:"reason"`
	Message  string                 `json:"message"`
	Snapshot *TokenSnapshotResponse `json:"snapshot,omitempty"`
	Warnings []string               `json:"warnings"`
}

// ConsumeResponse is returned by use endpoints.
type ConsumeResponse struct {
	Success    bool             `json:"success"`
	Reason     string           `json:"reason"`
	Message    string           `json:"message"`
	SubjectID  *int64           `json:"subject_id,omitempty"`
	Kind       domain.TokenKind `json:"kind,omitempty"`
	Department *string          `json:"department,omitempty"`
	ConsumedAt *time.Time       `json:"consumed_at,omitempty"`
}

// TokenPageResponse is one page of the administrative listing.
type TokenPageResponse struct {
	Tokens        []TokenResponse `json:"tokens"`
	Total         int             `json:"total"`
	Limit         int             `json:"limit"`
	Offset        int             `json:"offset"`
	CountsByState map[string]int  `json:"counts_by_state"`
}

// BulkResult reports how many records an operation touched.
type BulkResult struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	Affected int64  `json:"affected"`
}

// InfoResponse aggregates service information and counts.
type InfoResponse struct {
	App         string            `json:"app"`
	Version     string            `json:"version"`
	Database    string            `json:"database"`
	QRAvailable bool              `json:"qr_available"`
	Stats       domain.TokenStats `json:"stats"`
	GeneratedAt time.Time         `json:"generated_at"`
}
