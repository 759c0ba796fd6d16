package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/qr-token-service/internal/config"
	"github.com/spec-kit/qr-token-service/internal/domain"
	"github.com/spec-kit/qr-token-service/internal/events"
	"github.com/spec-kit/qr-token-service/internal/render"
	"github.com/spec-kit/qr-token-service/internal/repository"
	apperrors "github.com/spec-kit/qr-token-service/pkg/util/errorutil"
)

// Outcome explains the result of a validation or consumption attempt.
type Outcome string

const (
	OutcomeValid       Outcome = "valid"
	OutcomeConsumed    Outcome = "consumed"
	OutcomeNotFound    Outcome = "not found"
	OutcomeDeactivated Outcome = "deactivated"
	OutcomeAlreadyUsed Outcome = "already used"
	OutcomeExpired     Outcome = "expired"
)

var outcomeMessages = map[Outcome]string{
	OutcomeValid:       "token valid",
	OutcomeConsumed:    "token used successfully",
	OutcomeNotFound:    "token not found",
	OutcomeDeactivated: "token deactivated",
	OutcomeAlreadyUsed: "token already used",
	OutcomeExpired:     "token expired",
}

// Message returns the human readable text for the outcome.
func (o Outcome) Message() string {
	return outcomeMessages[o]
}

// Clock returns the current instant.
type Clock func() time.Time

// TokenService implements the token lifecycle: issue, validate, consume and
// administrative overrides.
type TokenService struct {
	tokens     repository.TokenRepository
	generator  ValueGenerator
	renderer   render.CodeRenderer
	dispatcher events.Dispatcher
	logger     *zap.Logger
	policy     config.TokenConfig
	now        Clock
}

// TokenDependencies bundles collaborators for the token service.
type TokenDependencies struct {
	TokenRepo  repository.TokenRepository
	Generator  ValueGenerator
	Renderer   render.CodeRenderer
	Dispatcher events.Dispatcher
	Logger     *zap.Logger
	Clock      Clock
}

// GenerateInput describes a token issuance request.
type GenerateInput struct {
	SubjectID          int64
	Kind               string
	DurationHours      int
	Department         *string
	SpecialPermissions *string
	Description        *string
}

// UpdateInput describes an administrative update.
type UpdateInput struct {
	Active      *bool
	ExtendHours *int
}

// TokenSnapshot is the subset of token data exposed by validation.
type TokenSnapshot struct {
	SubjectID          *int64
	Kind               domain.TokenKind
	Department         *string
	SpecialPermissions *string
	ExpiresAt          *time.Time
	ConsumedAt         *time.Time
	DaysRemaining      *int
}

// ValidationResult is the read-only verdict on a token.
type ValidationResult struct {
	Valid    bool
	Reason   Outcome
	Message  string
	Snapshot *TokenSnapshot
	Warnings []string
}

// ConsumeResult reports whether a consume call applied.
type ConsumeResult struct {
	Success bool
	Reason  Outcome
	Message string
	Token   *domain.Token
}

// NewTokenService constructs the service.
func NewTokenService(policy config.TokenConfig, deps TokenDependencies) *TokenService {
	svc := &TokenService{
		tokens:     deps.TokenRepo,
		generator:  deps.Generator,
		renderer:   deps.Renderer,
		dispatcher: deps.Dispatcher,
		logger:     deps.Logger,
		policy:     policy,
		now:        deps.Clock,
	}
	if svc.generator == nil {
		svc.generator = NewRandomValueGenerator(policy.Length)
	}
	if svc.renderer == nil {
		svc.renderer = render.Disabled()
	}
	if svc.logger == nil {
		svc.logger = zap.NewNop()
	}
	if svc.now == nil {
		svc.now = func() time.Time { return time.Now().UTC() }
	}
	return svc
}

// Generate issues a new token with a unique value.
func (s *TokenService) Generate(ctx context.Context, input GenerateInput) (*domain.Token, error) {
	kind, err := domain.ParseTokenKind(input.Kind)
	if err != nil {
		return nil, apperrors.NewValidationError("kind must be one of staff, supervisor, temporary, visitor", map[string]any{"kind": input.Kind})
	}
	if input.SubjectID <= 0 {
		return nil, apperrors.NewValidationError("subject_id must be positive", map[string]any{"subject_id": input.SubjectID})
	}
	department := trimmedOrNil(input.Department)
	if kind == domain.TokenKindSupervisor && department == nil {
		return nil, apperrors.NewValidationError("department is required for supervisor tokens", nil)
	}

	now := s.now()
	token := &domain.Token{
		SubjectID:   input.SubjectID,
		Kind:        kind,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.resolveDuration(kind, input.DurationHours)),
		Active:      true,
		Description: trimmedOrNil(input.Description),
	}
	if kind == domain.TokenKindSupervisor {
		token.Department = department
		token.SpecialPermissions = trimmedOrNil(input.SpecialPermissions)
	}

	attempts := s.policy.MaxGenerateAttempts
	for attempt := 1; attempt <= attempts; attempt++ {
		value, err := s.generator.Generate()
		if err != nil {
			return nil, apperrors.NewInternalError(fmt.Errorf("generate token value: %w", err))
		}
		exists, err := s.tokens.ExistsByValue(ctx, value)
		if err != nil {
			return nil, apperrors.NewInternalError(fmt.Errorf("check token value: %w", err))
		}
		if exists {
			s.logger.Debug("token value collision", zap.Int("attempt", attempt))
			continue
		}

		token.Value = value
		token.RenderedCode = s.renderCode(value)
		if err := s.tokens.Create(ctx, token); err != nil {
			if errors.Is(err, repository.ErrDuplicateValue) {
				s.logger.Debug("token value collision on insert", zap.Int("attempt", attempt))
				continue
			}
			return nil, apperrors.NewInternalError(fmt.Errorf("store token: %w", err))
		}

		s.publishEvent(ctx, events.Event{
			Type:      events.EventTokenIssued,
			TokenID:   token.ID,
			SubjectID: &token.SubjectID,
			Payload: events.TokenIssuedPayload{
				Kind:       token.Kind,
				Department: token.Department,
				ExpiresAt:  token.ExpiresAt,
				Rendered:   token.RenderedCode != nil,
			},
		})
		return token, nil
	}

	s.logger.Error("unable to generate unique token value",
		zap.Int("attempts", attempts),
		zap.Int("length", s.policy.Length),
		zap.String("kind", string(kind)))
	return nil, apperrors.NewStoreExhausted(attempts)
}

// Validate reports whether a token is usable now. It never mutates the token.
func (s *TokenService) Validate(ctx context.Context, value string) (*ValidationResult, error) {
	token, err := s.tokens.GetByValue(ctx, value)
	if errors.Is(err, repository.ErrTokenNotFound) {
		return invalid(OutcomeNotFound, nil), nil
	}
	if err != nil {
		return nil, apperrors.NewInternalError(fmt.Errorf("load token: %w", err))
	}

	now := s.now()
	switch token.StateAt(now) {
	case domain.TokenStateDeactivated:
		return invalid(OutcomeDeactivated, &TokenSnapshot{
			SubjectID: &token.SubjectID,
			Kind:      token.Kind,
		}), nil
	case domain.TokenStateConsumed:
		return invalid(OutcomeAlreadyUsed, &TokenSnapshot{
			Kind:       token.Kind,
			ConsumedAt: token.ConsumedAt,
		}), nil
	case domain.TokenStateExpired:
		expiresAt := token.ExpiresAt
		return invalid(OutcomeExpired, &TokenSnapshot{ExpiresAt: &expiresAt}), nil
	}

	days := token.DaysRemaining(now)
	expiresAt := token.ExpiresAt
	result := &ValidationResult{
		Valid:   true,
		Reason:  OutcomeValid,
		Message: OutcomeValid.Message(),
		Snapshot: &TokenSnapshot{
			SubjectID:          &token.SubjectID,
			Kind:               token.Kind,
			Department:         token.Department,
			SpecialPermissions: token.SpecialPermissions,
			ExpiresAt:          &expiresAt,
			DaysRemaining:      &days,
		},
		Warnings: []string{},
	}
	if days <= s.policy.ExpiryWarningDays {
		result.Warnings = append(result.Warnings, expiryWarning(days))
	}
	return result, nil
}

// Consume marks a token used. Exactly one of several concurrent calls succeeds;
// the others report the reason the token is no longer usable.
func (s *TokenService) Consume(ctx context.Context, value string) (*ConsumeResult, error) {
	now := s.now()
	token, applied, err := s.tokens.Consume(ctx, value, now)
	if errors.Is(err, repository.ErrTokenNotFound) {
		return consumeFailure(OutcomeNotFound, nil), nil
	}
	if err != nil {
		return nil, apperrors.NewInternalError(fmt.Errorf("consume token: %w", err))
	}

	if !applied {
		switch token.StateAt(now) {
		case domain.TokenStateDeactivated:
			return consumeFailure(OutcomeDeactivated, token), nil
		case domain.TokenStateConsumed:
			return consumeFailure(OutcomeAlreadyUsed, token), nil
		default:
			// The store treats expires_at == now as expired.
			return consumeFailure(OutcomeExpired, token), nil
		}
	}

	s.publishEvent(ctx, events.Event{
		Type:      events.EventTokenConsumed,
		TokenID:   token.ID,
		SubjectID: &token.SubjectID,
		Payload: events.TokenConsumedPayload{
			Kind:       token.Kind,
			ConsumedAt: *token.ConsumedAt,
		},
	})
	return &ConsumeResult{
		Success: true,
		Reason:  OutcomeConsumed,
		Message: OutcomeConsumed.Message(),
		Token:   token,
	}, nil
}

// Update toggles the active flag and/or extends expiry relative to the
// current expiry. It applies regardless of the token's state.
func (s *TokenService) Update(ctx context.Context, value string, input UpdateInput) (*domain.Token, error) {
	patch := repository.TokenPatch{Active: input.Active}
	if input.ExtendHours != nil {
		if *input.ExtendHours <= 0 {
			return nil, apperrors.NewValidationError("extend_hours must be positive", map[string]any{"extend_hours": *input.ExtendHours})
		}
		extendBy := time.Duration(*input.ExtendHours) * time.Hour
		patch.ExtendBy = &extendBy
	}

	token, err := s.tokens.Update(ctx, value, patch)
	if err != nil {
		return nil, tokenLookupError(err, value)
	}

	s.publishEvent(ctx, events.Event{
		Type:      events.EventTokenUpdated,
		TokenID:   token.ID,
		SubjectID: &token.SubjectID,
		Payload: events.TokenUpdatedPayload{
			Active:      input.Active,
			ExtendHours: input.ExtendHours,
			ExpiresAt:   token.ExpiresAt,
		},
	})
	return token, nil
}

// Refresh resets expiry to now+hours and reactivates the token. A
// non-positive hours value falls back to the kind's default lifetime.
func (s *TokenService) Refresh(ctx context.Context, value string, hours int) (*domain.Token, error) {
	if hours <= 0 {
		current, err := s.tokens.GetByValue(ctx, value)
		if err != nil {
			return nil, tokenLookupError(err, value)
		}
		hours = s.policy.DefaultHours[current.Kind]
	}

	expiresAt := s.now().Add(time.Duration(hours) * time.Hour)
	reset := s.policy.RefreshResetsConsumption
	token, err := s.tokens.Refresh(ctx, value, expiresAt, reset)
	if err != nil {
		return nil, tokenLookupError(err, value)
	}

	s.publishEvent(ctx, events.Event{
		Type:      events.EventTokenRefreshed,
		TokenID:   token.ID,
		SubjectID: &token.SubjectID,
		Payload: events.TokenRefreshedPayload{
			Hours:            hours,
			ExpiresAt:        token.ExpiresAt,
			ConsumptionReset: reset,
		},
	})
	return token, nil
}

// Deactivate soft-deletes a single token.
func (s *TokenService) Deactivate(ctx context.Context, value string) error {
	if err := s.tokens.Deactivate(ctx, value); err != nil {
		return tokenLookupError(err, value)
	}
	s.publishEvent(ctx, events.Event{
		Type:    events.EventTokenDeactivated,
		Payload: map[string]string{"value_prefix": valuePrefix(value)},
	})
	return nil
}

// DeactivateAll soft-deletes every token.
func (s *TokenService) DeactivateAll(ctx context.Context) (int64, error) {
	affected, err := s.tokens.DeactivateAll(ctx)
	if err != nil {
		return 0, apperrors.NewInternalError(fmt.Errorf("deactivate all tokens: %w", err))
	}
	s.publishBulk(ctx, "all", nil, affected)
	return affected, nil
}

// DeactivateSubject soft-deletes every active token of a subject.
func (s *TokenService) DeactivateSubject(ctx context.Context, subjectID int64) (int64, error) {
	if subjectID <= 0 {
		return 0, apperrors.NewValidationError("subject id must be positive", map[string]any{"subject_id": subjectID})
	}
	affected, err := s.tokens.DeactivateBySubject(ctx, subjectID)
	if err != nil {
		return 0, apperrors.NewInternalError(fmt.Errorf("deactivate subject tokens: %w", err))
	}
	s.publishBulk(ctx, "subject", &subjectID, affected)
	return affected, nil
}

// CleanupExpired deactivates active tokens whose expiry has passed.
func (s *TokenService) CleanupExpired(ctx context.Context) (int64, error) {
	affected, err := s.tokens.DeactivateExpired(ctx, s.now())
	if err != nil {
		return 0, apperrors.NewInternalError(fmt.Errorf("deactivate expired tokens: %w", err))
	}
	s.publishBulk(ctx, "expired", nil, affected)
	return affected, nil
}

// DefaultDurationHours exposes the configured lifetime for a kind.
func (s *TokenService) DefaultDurationHours(kind domain.TokenKind) int {
	return s.policy.DefaultHours[kind]
}

func (s *TokenService) resolveDuration(kind domain.TokenKind, requestedHours int) time.Duration {
	if requestedHours > 0 {
		return time.Duration(requestedHours) * time.Hour
	}
	return s.policy.DefaultDuration(kind)
}

func (s *TokenService) renderCode(value string) *string {
	code, err := s.renderer.Render(value)
	if err != nil {
		if !errors.Is(err, render.ErrRendererUnavailable) {
			s.logger.Warn("code rendering failed", zap.Error(err))
		}
		return nil
	}
	return &code
}

func (s *TokenService) publishBulk(ctx context.Context, scope string, subjectID *int64, affected int64) {
	if affected == 0 {
		return
	}
	s.publishEvent(ctx, events.Event{
		Type:      events.EventTokensBulkDeactivated,
		SubjectID: subjectID,
		Payload:   events.BulkDeactivatedPayload{Scope: scope, Affected: affected},
	})
}

func (s *TokenService) publishEvent(ctx context.Context, event events.Event) {
	if s.dispatcher == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}
	if err := s.dispatcher.Publish(ctx, event); err != nil {
		s.logger.Warn("event handler failed", zap.String("event_type", string(event.Type)), zap.Error(err))
	}
}

func invalid(reason Outcome, snapshot *TokenSnapshot) *ValidationResult {
	return &ValidationResult{
		Valid:    false,
		Reason:   reason,
		Message:  reason.Message(),
		Snapshot: snapshot,
		Warnings: []string{},
	}
}

func consumeFailure(reason Outcome, token *domain.Token) *ConsumeResult {
	return &ConsumeResult{
		Success: false,
		Reason:  reason,
		Message: reason.Message(),
		Token:   token,
	}
}

func expiryWarning(days int) string {
	switch days {
	case 0:
		return "token expires in less than a day"
	case 1:
		return "token expires in 1 day"
	default:
		return fmt.Sprintf("token expires in %d days", days)
	}
}

func tokenLookupError(err error, value string) error {
	if errors.Is(err, repository.ErrTokenNotFound) {
		return apperrors.NewNotFound("token", map[string]any{"token": value})
	}
	return apperrors.NewInternalError(err)
}

func trimmedOrNil(s *string) *string {
	if s == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*s)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func valuePrefix(value string) string {
	if len(value) <= 6 {
		return value
	}
	return value[:6]
}
