package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/qr-token-service/internal/config"
	"github.com/spec-kit/qr-token-service/internal/domain"
	"github.com/spec-kit/qr-token-service/internal/events"
	"github.com/spec-kit/qr-token-service/internal/render"
	"github.com/spec-kit/qr-token-service/internal/repository"
	apperrors "github.com/spec-kit/qr-token-service/pkg/util/errorutil"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type sequenceGenerator struct {
	mu     sync.Mutex
	values []string
	calls  int
}

func (g *sequenceGenerator) Generate() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	value := g.values[g.calls%len(g.values)]
	g.calls++
	return value, nil
}

type failingRenderer struct{}

func (failingRenderer) Render(string) (string, error) { return "", errors.New("encoder exploded") }

func (failingRenderer) Available() bool { return true }

func testPolicy() config.TokenConfig {
	return config.TokenConfig{
		Length:              config.MinTokenLength,
		MaxGenerateAttempts: 5,
		DefaultHours: map[domain.TokenKind]int{
			domain.TokenKindStaff:      8760,
			domain.TokenKindSupervisor: 8760,
			domain.TokenKindTemporary:  24,
			domain.TokenKindVisitor:    8,
		},
		ExpiryWarningDays: 30,
	}
}

type serviceFixture struct {
	svc        *TokenService
	repo       repository.TokenRepository
	clock      *fakeClock
	dispatcher events.Dispatcher
}

func newServiceFixture(t *testing.T, policy config.TokenConfig, deps TokenDependencies) *serviceFixture {
	t.Helper()
	clock := newFakeClock()
	if deps.TokenRepo == nil {
		deps.TokenRepo = repository.NewMemoryTokenRepository()
	}
	if deps.Dispatcher == nil {
		deps.Dispatcher = events.NewInMemoryDispatcher()
	}
	deps.Clock = clock.Now
	return &serviceFixture{
		svc:        NewTokenService(policy, deps),
		repo:       deps.TokenRepo,
		clock:      clock,
		dispatcher: deps.Dispatcher,
	}
}

func ptr[T any](v T) *T { return &v }

func TestGenerate_AssignsDefaultsAndUniqueValues(t *testing.T) {
	f := newServiceFixture(t, testPolicy(), TokenDependencies{})
	ctx := context.Background()

	seen := make(map[string]struct{})
	for i := 0; i < 20; i++ {
		token, err := f.svc.Generate(ctx, GenerateInput{SubjectID: 42, Kind: "staff"})
		require.NoError(t, err)
		assert.Len(t, token.Value, config.MinTokenLength)
		assert.Regexp(t, `^[A-Za-z0-9]+$`, token.Value)
		assert.True(t, token.Active)
		assert.False(t, token.Consumed)
		assert.Equal(t, f.clock.Now().Add(8760*time.Hour), token.ExpiresAt)
		seen[token.Value] = struct{}{}
	}
	assert.Len(t, seen, 20)
}

func TestGenerate_RejectsInvalidInput(t *testing.T) {
	f := newServiceFixture(t, testPolicy(), TokenDependencies{})
	ctx := context.Background()

	tests := []struct {
		name  string
		input GenerateInput
	}{
		{name: "unknown kind", input: GenerateInput{SubjectID: 1, Kind: "admin"}},
		{name: "non positive subject", input: GenerateInput{SubjectID: 0, Kind: "staff"}},
		{name: "supervisor without department", input: GenerateInput{SubjectID: 1, Kind: "supervisor"}},
		{name: "supervisor with blank department", input: GenerateInput{SubjectID: 1, Kind: "supervisor", Department: ptr("  ")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Generate(ctx, tt.input)
			assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidArgument), "got %v", err)
		})
	}

	all, err := f.repo.List(ctx, repository.TokenFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestGenerate_DropsSupervisorFieldsForOtherKinds(t *testing.T) {
	f := newServiceFixture(t, testPolicy(), TokenDependencies{})

	token, err := f.svc.Generate(context.Background(), GenerateInput{
		SubjectID:          3,
		Kind:               "visitor",
		Department:         ptr("ops"),
		SpecialPermissions: ptr("all"),
		Description:        ptr("lobby pass"),
	})
	require.NoError(t, err)
	assert.Nil(t, token.Department)
	assert.Nil(t, token.SpecialPermissions)
	require.NotNil(t, token.Description)
	assert.Equal(t, "lobby pass", *token.Description)
	assert.Equal(t, f.clock.Now().Add(8*time.Hour), token.ExpiresAt)
}

func TestGenerate_RetriesOnCollision(t *testing.T) {
	gen := &sequenceGenerator{values: []string{"taken", "taken", "fresh"}}
	f := newServiceFixture(t, testPolicy(), TokenDependencies{Generator: gen})
	ctx := context.Background()

	first, err := f.svc.Generate(ctx, GenerateInput{SubjectID: 1, Kind: "staff"})
	require.NoError(t, err)
	assert.Equal(t, "taken", first.Value)

	second, err := f.svc.Generate(ctx, GenerateInput{SubjectID: 1, Kind: "staff"})
	require.NoError(t, err)
	assert.Equal(t, "fresh", second.Value)
	assert.Equal(t, 3, gen.calls)
}

func TestGenerate_StoreExhausted(t *testing.T) {
	gen := &sequenceGenerator{values: []string{"only"}}
	policy := testPolicy()
	policy.MaxGenerateAttempts = 3
	f := newServiceFixture(t, policy, TokenDependencies{Generator: gen})
	ctx := context.Background()

	_, err := f.svc.Generate(ctx, GenerateInput{SubjectID: 1, Kind: "staff"})
	require.NoError(t, err)

	_, err = f.svc.Generate(ctx, GenerateInput{SubjectID: 1, Kind: "staff"})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeStoreExhausted), "got %v", err)
	assert.Equal(t, 4, gen.calls)
}

func TestGenerate_RendererFailureStillIssues(t *testing.T) {
	f := newServiceFixture(t, testPolicy(), TokenDependencies{Renderer: failingRenderer{}})

	token, err := f.svc.Generate(context.Background(), GenerateInput{SubjectID: 1, Kind: "temporary"})
	require.NoError(t, err)
	assert.Nil(t, token.RenderedCode)
	assert.Equal(t, render.UnavailablePrefix+token.Value, render.DisplayCode(token.RenderedCode, token.Value))
}

func TestGenerate_StoresRendering(t *testing.T) {
	f := newServiceFixture(t, testPolicy(), TokenDependencies{Renderer: render.NewQRRenderer(64)})

	token, err := f.svc.Generate(context.Background(), GenerateInput{SubjectID: 1, Kind: "staff"})
	require.NoError(t, err)
	require.NotNil(t, token.RenderedCode)
	assert.NotEmpty(t, *token.RenderedCode)
}

func TestSupervisorLifecycle(t *testing.T) {
	f := newServiceFixture(t, testPolicy(), TokenDependencies{})
	ctx := context.Background()

	token, err := f.svc.Generate(ctx, GenerateInput{
		SubjectID:     9,
		Kind:          "supervisor",
		DurationHours: 1,
		Department:    ptr("ops"),
	})
	require.NoError(t, err)

	result, err := f.svc.Validate(ctx, token.Value)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, OutcomeValid, result.Reason)
	require.NotNil(t, result.Snapshot)
	assert.Equal(t, "ops", *result.Snapshot.Department)
	assert.Equal(t, 0, *result.Snapshot.DaysRemaining)
	assert.Equal(t, []string{"token expires in less than a day"}, result.Warnings)

	f.clock.Advance(2 * time.Hour)

	result, err = f.svc.Validate(ctx, token.Value)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, OutcomeExpired, result.Reason)
	require.NotNil(t, result.Snapshot)
	assert.Equal(t, token.ExpiresAt, *result.Snapshot.ExpiresAt)
	assert.Nil(t, result.Snapshot.SubjectID)
}

func TestValidate_NoWarningForLongLivedTokens(t *testing.T) {
	f := newServiceFixture(t, testPolicy(), TokenDependencies{})
	ctx := context.Background()

	token, err := f.svc.Generate(ctx, GenerateInput{SubjectID: 1, Kind: "staff"})
	require.NoError(t, err)

	result, err := f.svc.Validate(ctx, token.Value)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, 365, *result.Snapshot.DaysRemaining)
	assert.Empty(t, result.Warnings)
}

func TestValidate_ReportsEachState(t *testing.T) {
	f := newServiceFixture(t, testPolicy(), TokenDependencies{})
	ctx := context.Background()

	result, err := f.svc.Validate(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, OutcomeNotFound, result.Reason)
	assert.Nil(t, result.Snapshot)

	used, err := f.svc.Generate(ctx, GenerateInput{SubjectID: 1, Kind: "staff"})
	require.NoError(t, err)
	_, err = f.svc.Consume(ctx, used.Value)
	require.NoError(t, err)

	result, err = f.svc.Validate(ctx, used.Value)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyUsed, result.Reason)
	require.NotNil(t, result.Snapshot.ConsumedAt)

	off, err := f.svc.Generate(ctx, GenerateInput{SubjectID: 2, Kind: "staff"})
	require.NoError(t, err)
	require.NoError(t, f.svc.Deactivate(ctx, off.Value))

	result, err = f.svc.Validate(ctx, off.Value)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeactivated, result.Reason)
	assert.Equal(t, int64(2), *result.Snapshot.SubjectID)
}

func TestValidate_NeverMutates(t *testing.T) {
	f := newServiceFixture(t, testPolicy(), TokenDependencies{})
	ctx := context.Background()

	token, err := f.svc.Generate(ctx, GenerateInput{SubjectID: 1, Kind: "visitor"})
	require.NoError(t, err)
	before, err := f.repo.GetByValue(ctx, token.Value)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := f.svc.Validate(ctx, token.Value)
		require.NoError(t, err)
	}
	f.clock.Advance(24 * time.Hour)
	_, err = f.svc.Validate(ctx, token.Value)
	require.NoError(t, err)

	after, err := f.repo.GetByValue(ctx, token.Value)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestConsume_OnlyOnce(t *testing.T) {
	f := newServiceFixture(t, testPolicy(), TokenDependencies{})
	ctx := context.Background()

	token, err := f.svc.Generate(ctx, GenerateInput{SubjectID: 5, Kind: "temporary"})
	require.NoError(t, err)

	first, err := f.svc.Consume(ctx, token.Value)
	require.NoError(t, err)
	assert.True(t, first.Success)
	assert.Equal(t, OutcomeConsumed, first.Reason)
	require.NotNil(t, first.Token.ConsumedAt)
	assert.Equal(t, f.clock.Now(), *first.Token.ConsumedAt)

	second, err := f.svc.Consume(ctx, token.Value)
	require.NoError(t, err)
	assert.False(t, second.Success)
	assert.Equal(t, OutcomeAlreadyUsed, second.Reason)
	assert.Equal(t, "token already used", second.Message)
}

func TestConsume_FailureReasons(t *testing.T) {
	f := newServiceFixture(t, testPolicy(), TokenDependencies{})
	ctx := context.Background()

	result, err := f.svc.Consume(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotFound, result.Reason)

	off, err := f.svc.Generate(ctx, GenerateInput{SubjectID: 1, Kind: "staff"})
	require.NoError(t, err)
	require.NoError(t, f.svc.Deactivate(ctx, off.Value))
	result, err = f.svc.Consume(ctx, off.Value)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeactivated, result.Reason)

	short, err := f.svc.Generate(ctx, GenerateInput{SubjectID: 1, Kind: "staff", DurationHours: 1})
	require.NoError(t, err)
	f.clock.Advance(90 * time.Minute)
	result, err = f.svc.Consume(ctx, short.Value)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, OutcomeExpired, result.Reason)
}

func TestConsume_ConcurrentCallersSingleWinner(t *testing.T) {
	f := newServiceFixture(t, testPolicy(), TokenDependencies{})
	ctx := context.Background()

	token, err := f.svc.Generate(ctx, GenerateInput{SubjectID: 1, Kind: "staff"})
	require.NoError(t, err)

	var wins, alreadyUsed int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := f.svc.Consume(ctx, token.Value)
			if err != nil {
				return
			}
			if result.Success {
				atomic.AddInt32(&wins, 1)
			} else if result.Reason == OutcomeAlreadyUsed {
				atomic.AddInt32(&alreadyUsed, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
	assert.Equal(t, int32(49), alreadyUsed)
}

func TestUpdate_ExtendIsAdditiveRefreshIsAbsolute(t *testing.T) {
	f := newServiceFixture(t, testPolicy(), TokenDependencies{})
	ctx := context.Background()

	token, err := f.svc.Generate(ctx, GenerateInput{SubjectID: 1, Kind: "staff", DurationHours: 10})
	require.NoError(t, err)
	originalExpiry := token.ExpiresAt

	f.clock.Advance(5 * time.Hour)

	updated, err := f.svc.Update(ctx, token.Value, UpdateInput{ExtendHours: ptr(24)})
	require.NoError(t, err)
	assert.Equal(t, originalExpiry.Add(24*time.Hour), updated.ExpiresAt)

	refreshed, err := f.svc.Refresh(ctx, token.Value, 24)
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().Add(24*time.Hour), refreshed.ExpiresAt)
}

func TestUpdate_Validation(t *testing.T) {
	f := newServiceFixture(t, testPolicy(), TokenDependencies{})
	ctx := context.Background()

	token, err := f.svc.Generate(ctx, GenerateInput{SubjectID: 1, Kind: "staff"})
	require.NoError(t, err)

	_, err = f.svc.Update(ctx, token.Value, UpdateInput{ExtendHours: ptr(0)})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidArgument))

	_, err = f.svc.Update(ctx, "missing", UpdateInput{Active: ptr(false)})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNotFound))

	updated, err := f.svc.Update(ctx, token.Value, UpdateInput{Active: ptr(false)})
	require.NoError(t, err)
	assert.False(t, updated.Active)
	assert.Equal(t, token.ExpiresAt, updated.ExpiresAt)
}

func TestRefresh_ReactivatesAndKeepsConsumption(t *testing.T) {
	f := newServiceFixture(t, testPolicy(), TokenDependencies{})
	ctx := context.Background()

	token, err := f.svc.Generate(ctx, GenerateInput{SubjectID: 1, Kind: "visitor"})
	require.NoError(t, err)
	_, err = f.svc.Consume(ctx, token.Value)
	require.NoError(t, err)
	require.NoError(t, f.svc.Deactivate(ctx, token.Value))

	refreshed, err := f.svc.Refresh(ctx, token.Value, 0)
	require.NoError(t, err)
	assert.True(t, refreshed.Active)
	assert.True(t, refreshed.Consumed)
	assert.Equal(t, f.clock.Now().Add(8*time.Hour), refreshed.ExpiresAt)
	assert.Equal(t, domain.TokenStateConsumed, refreshed.StateAt(f.clock.Now()))

	_, err = f.svc.Refresh(ctx, "missing", 5)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNotFound))
}

func TestRefresh_ResetsConsumptionWhenConfigured(t *testing.T) {
	policy := testPolicy()
	policy.RefreshResetsConsumption = true
	f := newServiceFixture(t, policy, TokenDependencies{})
	ctx := context.Background()

	token, err := f.svc.Generate(ctx, GenerateInput{SubjectID: 1, Kind: "temporary"})
	require.NoError(t, err)
	_, err = f.svc.Consume(ctx, token.Value)
	require.NoError(t, err)

	refreshed, err := f.svc.Refresh(ctx, token.Value, 2)
	require.NoError(t, err)
	assert.False(t, refreshed.Consumed)
	assert.Nil(t, refreshed.ConsumedAt)

	result, err := f.svc.Consume(ctx, token.Value)
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestBulkDeactivation(t *testing.T) {
	f := newServiceFixture(t, testPolicy(), TokenDependencies{})
	ctx := context.Background()

	var bulkEvents int32
	f.dispatcher.Subscribe(events.EventTokensBulkDeactivated, func(context.Context, events.Event) error {
		atomic.AddInt32(&bulkEvents, 1)
		return nil
	})

	for _, hours := range []int{1, 1, 100} {
		_, err := f.svc.Generate(ctx, GenerateInput{SubjectID: 1, Kind: "staff", DurationHours: hours})
		require.NoError(t, err)
	}
	_, err := f.svc.Generate(ctx, GenerateInput{SubjectID: 2, Kind: "staff"})
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)

	affected, err := f.svc.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), affected)

	affected, err = f.svc.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), affected)

	affected, err = f.svc.DeactivateSubject(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)

	_, err = f.svc.DeactivateSubject(ctx, 0)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidArgument))

	affected, err = f.svc.DeactivateAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), affected)

	assert.Equal(t, int32(3), atomic.LoadInt32(&bulkEvents))
}

func TestDeactivate_NotFound(t *testing.T) {
	f := newServiceFixture(t, testPolicy(), TokenDependencies{})

	err := f.svc.Deactivate(context.Background(), "missing")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNotFound))
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestEventsPublishedForLifecycle(t *testing.T) {
	f := newServiceFixture(t, testPolicy(), TokenDependencies{})
	ctx := context.Background()

	var mu sync.Mutex
	var seen []events.EventType
	for _, eventType := range events.AllEventTypes {
		f.dispatcher.Subscribe(eventType, func(_ context.Context, e events.Event) error {
			mu.Lock()
			defer mu.Unlock()
			assert.NotEmpty(t, e.ID)
			assert.False(t, e.Timestamp.IsZero())
			seen = append(seen, e.Type)
			return nil
		})
	}

	token, err := f.svc.Generate(ctx, GenerateInput{SubjectID: 1, Kind: "staff"})
	require.NoError(t, err)
	_, err = f.svc.Consume(ctx, token.Value)
	require.NoError(t, err)
	_, err = f.svc.Update(ctx, token.Value, UpdateInput{ExtendHours: ptr(1)})
	require.NoError(t, err)
	_, err = f.svc.Refresh(ctx, token.Value, 1)
	require.NoError(t, err)
	require.NoError(t, f.svc.Deactivate(ctx, token.Value))

	assert.Equal(t, []events.EventType{
		events.EventTokenIssued,
		events.EventTokenConsumed,
		events.EventTokenUpdated,
		events.EventTokenRefreshed,
		events.EventTokenDeactivated,
	}, seen)
}

func TestEventHandlerFailureDoesNotFailOperation(t *testing.T) {
	f := newServiceFixture(t, testPolicy(), TokenDependencies{})
	f.dispatcher.Subscribe(events.EventTokenIssued, func(context.Context, events.Event) error {
		return errors.New("sink down")
	})

	_, err := f.svc.Generate(context.Background(), GenerateInput{SubjectID: 1, Kind: "staff"})
	assert.NoError(t, err)
}
