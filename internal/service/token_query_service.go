package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/spec-kit/qr-token-service/internal/domain"
	"github.com/spec-kit/qr-token-service/internal/repository"
	apperrors "github.com/spec-kit/qr-token-service/pkg/util/errorutil"
)

// Page size bounds for administrative listings.
const (
	DefaultPageSize = 50
	MaxPageSize     = 500

	statsFlightTimeout = 30 * time.Second
)

// SummaryCache caches aggregate counts between lifecycle changes. Set must
// drop the write when Invalidate ran after gen was read.
type SummaryCache interface {
	Get(ctx context.Context) (*domain.TokenStats, error)
	Generation(ctx context.Context) (int64, error)
	Set(ctx context.Context, stats *domain.TokenStats, gen int64) error
	Invalidate(ctx context.Context) error
}

// TokenQueryService answers administrative listings and aggregate queries.
type TokenQueryService struct {
	tokens            repository.TokenRepository
	cache             SummaryCache
	logger            *zap.Logger
	now               Clock
	rendererAvailable bool
	statsGroup        singleflight.Group
}

// QueryDependencies bundles collaborators for the query service.
type QueryDependencies struct {
	TokenRepo         repository.TokenRepository
	Cache             SummaryCache
	Logger            *zap.Logger
	Clock             Clock
	RendererAvailable bool
}

// TokenView is a stored token plus its derived attributes at read time.
type TokenView struct {
	domain.Token
	State         domain.TokenState
	DaysRemaining int
}

// AdminListFilter narrows administrative listings. State is derived, the
// remaining fields are pushed to the store.
type AdminListFilter struct {
	SubjectID  *int64
	Kind       *domain.TokenKind
	Department *string
	State      *domain.TokenState
	Limit      int
	Offset     int
}

// TokenPage is one page of an administrative listing.
type TokenPage struct {
	Tokens        []TokenView
	Total         int
	Limit         int
	Offset        int
	CountsByState map[domain.TokenState]int
}

// SystemInfo aggregates counts for the info endpoint.
type SystemInfo struct {
	Stats             domain.TokenStats
	RendererAvailable bool
	GeneratedAt       time.Time
}

// NewTokenQueryService constructs the service.
func NewTokenQueryService(deps QueryDependencies) *TokenQueryService {
	svc := &TokenQueryService{
		tokens:            deps.TokenRepo,
		cache:             deps.Cache,
		logger:            deps.Logger,
		now:               deps.Clock,
		rendererAvailable: deps.RendererAvailable,
	}
	if svc.logger == nil {
		svc.logger = zap.NewNop()
	}
	if svc.now == nil {
		svc.now = func() time.Time { return time.Now().UTC() }
	}
	return svc
}

// ListTokens materializes the stored-field matches, derives state, counts
// states over that full set, then filters by state and paginates.
func (s *TokenQueryService) ListTokens(ctx context.Context, filter AdminListFilter) (*TokenPage, error) {
	stored, err := s.tokens.List(ctx, repository.TokenFilter{
		SubjectID:  filter.SubjectID,
		Kind:       filter.Kind,
		Department: filter.Department,
	})
	if err != nil {
		return nil, apperrors.NewInternalError(fmt.Errorf("list tokens: %w", err))
	}

	now := s.now()
	counts := make(map[domain.TokenState]int, len(domain.TokenStates))
	for _, state := range domain.TokenStates {
		counts[state] = 0
	}

	matched := make([]TokenView, 0, len(stored))
	for i := range stored {
		view := newTokenView(stored[i], now)
		counts[view.State]++
		if filter.State != nil && view.State != *filter.State {
			continue
		}
		matched = append(matched, view)
	}

	limit, offset := normalizePage(filter.Limit, filter.Offset)
	page := &TokenPage{
		Tokens:        paginate(matched, limit, offset),
		Total:         len(matched),
		Limit:         limit,
		Offset:        offset,
		CountsByState: counts,
	}
	return page, nil
}

// ListTokensSimple lists tokens by kind and active flag.
func (s *TokenQueryService) ListTokensSimple(ctx context.Context, kind *domain.TokenKind, active *bool) ([]TokenView, error) {
	return s.listViews(ctx, repository.TokenFilter{Kind: kind, Active: active})
}

// ListBySubject lists the active tokens of a subject with the given kind.
func (s *TokenQueryService) ListBySubject(ctx context.Context, subjectID int64, kind domain.TokenKind) ([]TokenView, error) {
	active := true
	return s.listViews(ctx, repository.TokenFilter{SubjectID: &subjectID, Kind: &kind, Active: &active})
}

// ListByDepartment lists the active supervisor tokens of a department.
func (s *TokenQueryService) ListByDepartment(ctx context.Context, department string) ([]TokenView, error) {
	active := true
	kind := domain.TokenKindSupervisor
	return s.listViews(ctx, repository.TokenFilter{Department: &department, Kind: &kind, Active: &active})
}

// Info returns aggregate counts, served from the summary cache when warm.
func (s *TokenQueryService) Info(ctx context.Context) (*SystemInfo, error) {
	now := s.now()
	if s.cache != nil {
		cached, err := s.cache.Get(ctx)
		if err != nil {
			s.logger.Warn("summary cache read failed", zap.Error(err))
		} else if cached != nil {
			return &SystemInfo{Stats: *cached, RendererAvailable: s.rendererAvailable, GeneratedAt: now}, nil
		}
	}

	gen, cacheable := s.summaryGeneration(ctx)
	key := "stats"
	if cacheable {
		key = fmt.Sprintf("stats:%d", gen)
	}

	// Concurrent misses within one generation share one store aggregation.
	// The flight outlives any single caller's cancellation.
	result, err, _ := s.statsGroup.Do(key, func() (any, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statsFlightTimeout)
		defer cancel()

		stats, err := s.tokens.Stats(flightCtx, now)
		if err != nil {
			return nil, err
		}
		if cacheable {
			if err := s.cache.Set(flightCtx, stats, gen); err != nil {
				s.logger.Warn("summary cache write failed", zap.Error(err))
			}
		}
		return stats, nil
	})
	if err != nil {
		return nil, apperrors.NewInternalError(fmt.Errorf("token stats: %w", err))
	}
	stats := result.(*domain.TokenStats)
	return &SystemInfo{Stats: *stats, RendererAvailable: s.rendererAvailable, GeneratedAt: now}, nil
}

func (s *TokenQueryService) summaryGeneration(ctx context.Context) (int64, bool) {
	if s.cache == nil {
		return 0, false
	}
	gen, err := s.cache.Generation(ctx)
	if err != nil {
		s.logger.Warn("summary cache generation read failed", zap.Error(err))
		return 0, false
	}
	return gen, true
}

// View derives the read-time attributes of a single token.
func (s *TokenQueryService) View(token domain.Token) TokenView {
	return newTokenView(token, s.now())
}

func (s *TokenQueryService) listViews(ctx context.Context, filter repository.TokenFilter) ([]TokenView, error) {
	stored, err := s.tokens.List(ctx, filter)
	if err != nil {
		return nil, apperrors.NewInternalError(fmt.Errorf("list tokens: %w", err))
	}
	now := s.now()
	views := make([]TokenView, 0, len(stored))
	for i := range stored {
		views = append(views, newTokenView(stored[i], now))
	}
	return views, nil
}

func newTokenView(token domain.Token, now time.Time) TokenView {
	return TokenView{
		Token:         token,
		State:         token.StateAt(now),
		DaysRemaining: token.DaysRemaining(now),
	}
}

func normalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func paginate(views []TokenView, limit, offset int) []TokenView {
	if offset >= len(views) {
		return []TokenView{}
	}
	end := offset + limit
	if end > len(views) {
		end = len(views)
	}
	return views[offset:end]
}
