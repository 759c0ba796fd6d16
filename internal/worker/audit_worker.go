package worker

import (
	"github.com/spec-kit/qr-token-service/internal/service"
)

// StartAuditWorker registers the lifecycle audit handlers.
func StartAuditWorker(auditService *service.AuditService) {
	if auditService == nil {
		return
	}
	auditService.RegisterHandlers()
}
