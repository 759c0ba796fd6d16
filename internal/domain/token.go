package domain

import (
	"fmt"
	"strings"
	"time"
)

// TokenKind enumerates the subject categories a token can be issued for.
type TokenKind string

const (
	TokenKindStaff      TokenKind = "staff"
	TokenKindSupervisor TokenKind = "supervisor"
	TokenKindTemporary  TokenKind = "temporary"
	TokenKindVisitor    TokenKind = "visitor"
)

// TokenKinds lists every supported kind in display order.
var TokenKinds = []TokenKind{TokenKindStaff, TokenKindSupervisor, TokenKindTemporary, TokenKindVisitor}

// ParseTokenKind normalizes raw input into a supported kind.
func ParseTokenKind(raw string) (TokenKind, error) {
	kind := TokenKind(strings.ToLower(strings.TrimSpace(raw)))
	if !kind.Valid() {
		return "", fmt.Errorf("unsupported token kind %q", raw)
	}
	return kind, nil
}

// Valid reports whether the kind is part of the supported set.
func (k TokenKind) Valid() bool {
	switch k {
	case TokenKindStaff, TokenKindSupervisor, TokenKindTemporary, TokenKindVisitor:
		return true
	}
	return false
}

// TokenState is computed on every read and never persisted.
type TokenState string

const (
	TokenStateActive      TokenState = "ACTIVE"
	TokenStateExpired     TokenState = "EXPIRED"
	TokenStateConsumed    TokenState = "CONSUMED"
	TokenStateDeactivated TokenState = "DEACTIVATED"
)

// TokenStates lists every derived state.
var TokenStates = []TokenState{TokenStateActive, TokenStateExpired, TokenStateConsumed, TokenStateDeactivated}

// ParseTokenState normalizes raw input into a derived state.
func ParseTokenState(raw string) (TokenState, error) {
	state := TokenState(strings.ToUpper(strings.TrimSpace(raw)))
	for _, s := range TokenStates {
		if s == state {
			return state, nil
		}
	}
	return "", fmt.Errorf("unsupported token state %q", raw)
}

// Token is a scannable credential bound to a staff member or supervisor.
type Token struct {
	ID                 string
	Value              string
	SubjectID          int64
	Kind               TokenKind
	CreatedAt          time.Time
	ExpiresAt          time.Time
	Consumed           bool
	ConsumedAt         *time.Time
	Active             bool
	RenderedCode       *string
	Department         *string
	SpecialPermissions *string
	Description        *string
}

// StateAt derives the token state at the given instant.
// Deactivation dominates consumption, which dominates expiry.
func (t *Token) StateAt(now time.Time) TokenState {
	switch {
	case !t.Active:
		return TokenStateDeactivated
	case t.Consumed:
		return TokenStateConsumed
	case now.After(t.ExpiresAt):
		return TokenStateExpired
	default:
		return TokenStateActive
	}
}

// DaysRemaining returns whole days left before expiry, floored at zero.
func (t *Token) DaysRemaining(now time.Time) int {
	left := t.ExpiresAt.Sub(now)
	if left <= 0 {
		return 0
	}
	return int(left / (24 * time.Hour))
}

// TokenStats aggregates counts over the token table. Kind counts cover
// records with the active flag set.
type TokenStats struct {
	Total            int64 `json:"total"`
	Active           int64 `json:"active"`
	ActiveUnused     int64 `json:"active_unused"`
	ActiveUsed       int64 `json:"active_used"`
	Expired          int64 `json:"expired"`
	StaffTokens      int64 `json:"staff_tokens"`
	SupervisorTokens int64 `json:"supervisor_tokens"`
	TemporaryTokens  int64 `json:"temporary_tokens"`
	VisitorTokens    int64 `json:"visitor_tokens"`
}
