package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/qr-token-service/internal/api/dto"
	"github.com/spec-kit/qr-token-service/internal/domain"
	"github.com/spec-kit/qr-token-service/internal/render"
	"github.com/spec-kit/qr-token-service/internal/service"
	apperrors "github.com/spec-kit/qr-token-service/pkg/util/errorutil"
)

const legacyDurationHours = 1

// TokensHandler exposes issuance, validation and consumption endpoints.
type TokensHandler struct {
	tokens  *service.TokenService
	queries *service.TokenQueryService
}

// NewTokensHandler constructs handler.
func NewTokensHandler(tokens *service.TokenService, queries *service.TokenQueryService) *TokensHandler {
	return &TokensHandler{tokens: tokens, queries: queries}
}

// Generate handles POST /tokens/generate.
func (h *TokensHandler) Generate(c *fiber.Ctx) error {
	var req dto.GenerateTokenRequest
	if err := bindBody(c, &req); err != nil {
		return err
	}
	return h.generate(c, service.GenerateInput{
		SubjectID:          req.SubjectID,
		Kind:               req.Kind,
		DurationHours:      req.DurationHours,
		Department:         req.Department,
		SpecialPermissions: req.SpecialPermissions,
		Description:        req.Description,
	})
}

// GenerateStaff handles POST /staff/tokens/generate.
func (h *TokensHandler) GenerateStaff(c *fiber.Ctx) error {
	subjectID, err := requiredInt64Query(c, "subject_id")
	if err != nil {
		return err
	}
	return h.generate(c, service.GenerateInput{
		SubjectID:     subjectID,
		Kind:          string(domain.TokenKindStaff),
		DurationHours: c.QueryInt("duration_hours", 0),
	})
}

// GenerateSupervisor handles POST /supervisors/tokens/generate.
func (h *TokensHandler) GenerateSupervisor(c *fiber.Ctx) error {
	subjectID, err := requiredInt64Query(c, "subject_id")
	if err != nil {
		return err
	}
	return h.generate(c, service.GenerateInput{
		SubjectID:          subjectID,
		Kind:               string(domain.TokenKindSupervisor),
		DurationHours:      c.QueryInt("duration_hours", 0),
		Department:         optionalQuery(c, "department"),
		SpecialPermissions: optionalQuery(c, "special_permissions"),
	})
}

// GenerateLegacy handles GET /generate-qr-token.
func (h *TokensHandler) GenerateLegacy(c *fiber.Ctx) error {
	subjectID := int64(c.QueryInt("subject_id", 1))
	return h.generate(c, service.GenerateInput{
		SubjectID:     subjectID,
		Kind:          string(domain.TokenKindStaff),
		DurationHours: legacyDurationHours,
	})
}

// Validate handles GET /tokens/:value/validate.
func (h *TokensHandler) Validate(c *fiber.Ctx) error {
	result, err := h.tokens.Validate(c.UserContext(), c.Params("value"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": validationResponse(result)})
}

// Use handles POST /tokens/:value/use.
func (h *TokensHandler) Use(c *fiber.Ctx) error {
	result, err := h.tokens.Consume(c.UserContext(), c.Params("value"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": consumeResponse(result)})
}

// List handles GET /tokens.
func (h *TokensHandler) List(c *fiber.Ctx) error {
	kind, err := optionalKindQuery(c)
	if err != nil {
		return err
	}
	active := parseBoolQuery(c, "active", true)
	views, err := h.queries.ListTokensSimple(c.UserContext(), kind, &active)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": tokenResponses(views)})
}

// ListStaffTokens handles GET /staff/:id/tokens.
func (h *TokensHandler) ListStaffTokens(c *fiber.Ctx) error {
	return h.listBySubject(c, domain.TokenKindStaff)
}

// ListSupervisorTokens handles GET /supervisors/:id/tokens.
func (h *TokensHandler) ListSupervisorTokens(c *fiber.Ctx) error {
	return h.listBySubject(c, domain.TokenKindSupervisor)
}

// ListDepartmentTokens handles GET /supervisors/departments/:department/tokens.
func (h *TokensHandler) ListDepartmentTokens(c *fiber.Ctx) error {
	views, err := h.queries.ListByDepartment(c.UserContext(), c.Params("department"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": tokenResponses(views)})
}

// Delete handles DELETE /tokens/:value.
func (h *TokensHandler) Delete(c *fiber.Ctx) error {
	if err := h.tokens.Deactivate(c.UserContext(), c.Params("value")); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.BulkResult{Success: true, Message: "token deactivated", Affected: 1}})
}

// DeleteAll handles DELETE /tokens.
func (h *TokensHandler) DeleteAll(c *fiber.Ctx) error {
	affected, err := h.tokens.DeactivateAll(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.BulkResult{Success: true, Message: "all tokens deactivated", Affected: affected}})
}

func (h *TokensHandler) generate(c *fiber.Ctx, input service.GenerateInput) error {
	token, err := h.tokens.Generate(c.UserContext(), input)
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{"data": tokenResponse(h.queries.View(*token))})
}

func (h *TokensHandler) listBySubject(c *fiber.Ctx, kind domain.TokenKind) error {
	subjectID, err := int64Param(c, "id")
	if err != nil {
		return err
	}
	views, err := h.queries.ListBySubject(c.UserContext(), subjectID, kind)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": tokenResponses(views)})
}

func parseBoolQuery(c *fiber.Ctx, key string, defaultVal bool) bool {
	if val := c.Query(key); val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return defaultVal
}

func parseIntQuery(c *fiber.Ctx, key string, defaultVal int) int {
	if val := c.Query(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil && parsed > 0 {
			return parsed
		}
	}
	return defaultVal
}

func optionalQuery(c *fiber.Ctx, key string) *string {
	if val := strings.TrimSpace(c.Query(key)); val != "" {
		return &val
	}
	return nil
}

func optionalKindQuery(c *fiber.Ctx) (*domain.TokenKind, error) {
	raw := c.Query("kind")
	if raw == "" {
		return nil, nil
	}
	kind, err := domain.ParseTokenKind(raw)
	if err != nil {
		return nil, apperrors.NewValidationError("kind must be one of staff, supervisor, temporary, visitor", map[string]any{"kind": raw})
	}
	return &kind, nil
}

func requiredInt64Query(c *fiber.Ctx, key string) (int64, error) {
	raw := c.Query(key)
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, apperrors.NewValidationError(key+" must be an integer", map[string]any{key: raw})
	}
	return parsed, nil
}

func int64Param(c *fiber.Ctx, key string) (int64, error) {
	raw := c.Params(key)
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, apperrors.NewValidationError(key+" must be an integer", map[string]any{key: raw})
	}
	return parsed, nil
}

func tokenResponse(view service.TokenView) dto.TokenResponse {
	return dto.TokenResponse{
		ID:                 view.ID,
		Token:              view.Value,
		SubjectID:          view.SubjectID,
		Kind:               view.Kind,
		CreatedAt:          view.CreatedAt,
		ExpiresAt:          view.ExpiresAt,
		Consumed:           view.Consumed,
		ConsumedAt:         view.ConsumedAt,
		Active:             view.Active,
		QRCode:             render.DisplayCode(view.RenderedCode, view.Value),
		Department:         view.Department,
		SpecialPermissions: view.SpecialPermissions,
		Description:        view.Description,
		State:              view.State,
		DaysRemaining:      view.DaysRemaining,
	}
}

func tokenResponses(views []service.TokenView) []dto.TokenResponse {
	resp := make([]dto.TokenResponse, 0, len(views))
	for i := range views {
		resp = append(resp, tokenResponse(views[i]))
	}
	return resp
}

func validationResponse(result *service.ValidationResult) dto.ValidationResponse {
	resp := dto.ValidationResponse{
		Valid:    result.Valid,
		Reason:   string(result.Reason),
		Message:  result.Message,
		Warnings: result.Warnings,
	}
	if resp.Warnings == nil {
		resp.Warnings = []string{}
	}
	if snap := result.Snapshot; snap != nil {
		resp.Snapshot = &dto.TokenSnapshotResponse{
			SubjectID:          snap.SubjectID,
			Kind:               snap.Kind,
			Department:         snap.Department,
			SpecialPermissions: snap.SpecialPermissions,
			ExpiresAt:          snap.ExpiresAt,
			ConsumedAt:         snap.ConsumedAt,
			DaysRemaining:      snap.DaysRemaining,
		}
	}
	return resp
}

func consumeResponse(result *service.ConsumeResult) dto.ConsumeResponse {
	resp := dto.ConsumeResponse{
		Success: result.Success,
		Reason:  string(result.Reason),
		Message: result.Message,
	}
	if result.Success && result.Token != nil {
		subjectID := result.Token.SubjectID
		resp.SubjectID = &subjectID
		resp.Kind = result.Token.Kind
		resp.Department = result.Token.Department
		resp.ConsumedAt = result.Token.ConsumedAt
	}
	return resp
}
