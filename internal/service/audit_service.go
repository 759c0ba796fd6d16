package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/spec-kit/qr-token-service/internal/events"
)

// AuditService records lifecycle events and keeps derived caches honest.
type AuditService struct {
	dispatcher events.Dispatcher
	logger     *zap.Logger
	cache      SummaryCache
}

// NewAuditService creates the service.
func NewAuditService(dispatcher events.Dispatcher, logger *zap.Logger, cache SummaryCache) *AuditService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditService{
		dispatcher: dispatcher,
		logger:     logger,
		cache:      cache,
	}
}

// RegisterHandlers subscribes to every lifecycle event.
func (a *AuditService) RegisterHandlers() {
	if a.dispatcher == nil {
		return
	}
	for _, eventType := range events.AllEventTypes {
		a.dispatcher.Subscribe(eventType, a.handleAudit)
		a.dispatcher.Subscribe(eventType, a.handleInvalidateSummary)
	}
}

func (a *AuditService) handleAudit(_ context.Context, event events.Event) error {
	fields := []zap.Field{
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.Time("timestamp", event.Timestamp),
		zap.Any("payload", event.Payload),
	}
	if event.TokenID != "" {
		fields = append(fields, zap.String("token_id", event.TokenID))
	}
	if event.SubjectID != nil {
		fields = append(fields, zap.Int64("subject_id", *event.SubjectID))
	}
	a.logger.Info("token lifecycle", fields...)
	return nil
}

func (a *AuditService) handleInvalidateSummary(ctx context.Context, _ events.Event) error {
	if a.cache == nil {
		return nil
	}
	return a.cache.Invalidate(ctx)
}
