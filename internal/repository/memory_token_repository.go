package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/spec-kit/qr-token-service/internal/domain"
)

// memoryTokenRepository keeps tokens in process memory. It backs local runs
// without POSTGRES_DSN and the service tests.
type memoryTokenRepository struct {
	mu      sync.RWMutex
	byValue map[string]*domain.Token
	order   []string
}

// NewMemoryTokenRepository constructs an empty in-memory store.
func NewMemoryTokenRepository() TokenRepository {
	return &memoryTokenRepository{byValue: make(map[string]*domain.Token)}
}

func (r *memoryTokenRepository) Create(_ context.Context, token *domain.Token) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byValue[token.Value]; exists {
		return ErrDuplicateValue
	}
	token.ID = uuid.NewString()
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}
	stored := cloneToken(token)
	r.byValue[token.Value] = stored
	r.order = append(r.order, token.Value)
	return nil
}

func (r *memoryTokenRepository) ExistsByValue(_ context.Context, value string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.byValue[value]
	return exists, nil
}

func (r *memoryTokenRepository) GetByValue(_ context.Context, value string) (*domain.Token, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	token, ok := r.byValue[value]
	if !ok {
		return nil, ErrTokenNotFound
	}
	return cloneToken(token), nil
}

func (r *memoryTokenRepository) List(_ context.Context, filter TokenFilter) ([]domain.Token, error) {
	r.mu.RLock()
	matched := make([]domain.Token, 0, len(r.order))
	for _, value := range r.order {
		token := r.byValue[value]
		if filter.SubjectID != nil && token.SubjectID != *filter.SubjectID {
			continue
		}
		if filter.Kind != nil && token.Kind != *filter.Kind {
			continue
		}
		if filter.Department != nil && (token.Department == nil || *token.Department != *filter.Department) {
			continue
		}
		if filter.Active != nil && token.Active != *filter.Active {
			continue
		}
		matched = append(matched, *cloneToken(token))
	}
	r.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if filter.Limit <= 0 {
		return matched, nil
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(matched) {
		return []domain.Token{}, nil
	}
	end := offset + filter.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], nil
}

func (r *memoryTokenRepository) Consume(_ context.Context, value string, now time.Time) (*domain.Token, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	token, ok := r.byValue[value]
	if !ok {
		return nil, false, ErrTokenNotFound
	}
	if token.Consumed || !token.Active || !token.ExpiresAt.After(now) {
		return cloneToken(token), false, nil
	}
	consumedAt := now
	token.Consumed = true
	token.ConsumedAt = &consumedAt
	return cloneToken(token), true, nil
}

func (r *memoryTokenRepository) Update(_ context.Context, value string, patch TokenPatch) (*domain.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	token, ok := r.byValue[value]
	if !ok {
		return nil, ErrTokenNotFound
	}
	if patch.Active != nil {
		token.Active = *patch.Active
	}
	if patch.ExtendBy != nil {
		token.ExpiresAt = token.ExpiresAt.Add(*patch.ExtendBy)
	}
	return cloneToken(token), nil
}

func (r *memoryTokenRepository) Refresh(_ context.Context, value string, expiresAt time.Time, resetConsumption bool) (*domain.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	token, ok := r.byValue[value]
	if !ok {
		return nil, ErrTokenNotFound
	}
	token.ExpiresAt = expiresAt
	token.Active = true
	if resetConsumption {
		token.Consumed = false
		token.ConsumedAt = nil
	}
	return cloneToken(token), nil
}

func (r *memoryTokenRepository) Deactivate(_ context.Context, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	token, ok := r.byValue[value]
	if !ok {
		return ErrTokenNotFound
	}
	token.Active = false
	return nil
}

func (r *memoryTokenRepository) DeactivateBySubject(_ context.Context, subjectID int64) (int64, error) {
	return r.deactivateWhere(func(t *domain.Token) bool {
		return t.SubjectID == subjectID && t.Active
	}), nil
}

func (r *memoryTokenRepository) DeactivateExpired(_ context.Context, now time.Time) (int64, error) {
	return r.deactivateWhere(func(t *domain.Token) bool {
		return t.ExpiresAt.Before(now) && t.Active
	}), nil
}

func (r *memoryTokenRepository) DeactivateAll(_ context.Context) (int64, error) {
	return r.deactivateWhere(func(*domain.Token) bool { return true }), nil
}

func (r *memoryTokenRepository) Stats(_ context.Context, now time.Time) (*domain.TokenStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stats domain.TokenStats
	for _, token := range r.byValue {
		stats.Total++
		if !token.Active {
			continue
		}
		stats.Active++
		if token.Consumed {
			stats.ActiveUsed++
		} else {
			stats.ActiveUnused++
			if token.ExpiresAt.Before(now) {
				stats.Expired++
			}
		}
		switch token.Kind {
		case domain.TokenKindStaff:
			stats.StaffTokens++
		case domain.TokenKindSupervisor:
			stats.SupervisorTokens++
		case domain.TokenKindTemporary:
			stats.TemporaryTokens++
		case domain.TokenKindVisitor:
			stats.VisitorTokens++
		}
	}
	return &stats, nil
}

func (r *memoryTokenRepository) deactivateWhere(match func(*domain.Token) bool) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	var affected int64
	for _, token := range r.byValue {
		if match(token) {
			token.Active = false
			affected++
		}
	}
	return affected
}

func cloneToken(token *domain.Token) *domain.Token {
	clone := *token
	clone.ConsumedAt = cloneTime(token.ConsumedAt)
	clone.RenderedCode = cloneString(token.RenderedCode)
	clone.Department = cloneString(token.Department)
	clone.SpecialPermissions = cloneString(token.SpecialPermissions)
	clone.Description = cloneString(token.Description)
	return &clone
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
