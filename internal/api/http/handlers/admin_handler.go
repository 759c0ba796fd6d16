package handlers

import (
	"fmt"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/qr-token-service/internal/api/dto"
	"github.com/spec-kit/qr-token-service/internal/domain"
	"github.com/spec-kit/qr-token-service/internal/service"
	apperrors "github.com/spec-kit/qr-token-service/pkg/util/errorutil"
)

// maxAdminPage keeps page*page_size well inside int range.
const maxAdminPage = 1_000_000

// AdminHandler exposes administrative token endpoints.
type AdminHandler struct {
	tokens  *service.TokenService
	queries *service.TokenQueryService
}

// NewAdminHandler constructs handler.
func NewAdminHandler(tokens *service.TokenService, queries *service.TokenQueryService) *AdminHandler {
	return &AdminHandler{tokens: tokens, queries: queries}
}

// ListTokens handles GET /admin/tokens.
func (h *AdminHandler) ListTokens(c *fiber.Ctx) error {
	filter, err := parseAdminListFilter(c)
	if err != nil {
		return err
	}
	page, err := h.queries.ListTokens(c.UserContext(), filter)
	if err != nil {
		return err
	}
	counts := make(map[string]int, len(page.CountsByState))
	for state, n := range page.CountsByState {
		counts[string(state)] = n
	}
	return c.JSON(fiber.Map{"data": dto.TokenPageResponse{
		Tokens:        tokenResponses(page.Tokens),
		Total:         page.Total,
		Limit:         page.Limit,
		Offset:        page.Offset,
		CountsByState: counts,
	}})
}

// UpdateToken handles PUT /admin/tokens/:value/update.
func (h *AdminHandler) UpdateToken(c *fiber.Ctx) error {
	var req dto.UpdateTokenRequest
	if err := bindBody(c, &req); err != nil {
		return err
	}
	token, err := h.tokens.Update(c.UserContext(), c.Params("value"), service.UpdateInput{
		Active:      req.Active,
		ExtendHours: req.ExtendHours,
	})
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": tokenResponse(h.queries.View(*token))})
}

// RefreshToken handles POST /admin/tokens/:value/refresh.
func (h *AdminHandler) RefreshToken(c *fiber.Ctx) error {
	var req dto.RefreshTokenRequest
	if len(c.Body()) > 0 {
		if err := bindBody(c, &req); err != nil {
			return err
		}
	}
	if req.DurationHours <= 0 {
		req.DurationHours = parseIntQuery(c, "duration_hours", 0)
	}
	token, err := h.tokens.Refresh(c.UserContext(), c.Params("value"), req.DurationHours)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": tokenResponse(h.queries.View(*token))})
}

// DeactivateSubjectTokens handles POST /admin/subjects/:id/deactivate-tokens.
func (h *AdminHandler) DeactivateSubjectTokens(c *fiber.Ctx) error {
	subjectID, err := int64Param(c, "id")
	if err != nil {
		return err
	}
	affected, err := h.tokens.DeactivateSubject(c.UserContext(), subjectID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.BulkResult{
		Success:  true,
		Message:  fmt.Sprintf("%d tokens deactivated for subject %d", affected, subjectID),
		Affected: affected,
	}})
}

// CleanupExpired handles POST /admin/cleanup/expired.
func (h *AdminHandler) CleanupExpired(c *fiber.Ctx) error {
	affected, err := h.tokens.CleanupExpired(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.BulkResult{
		Success:  true,
		Message:  fmt.Sprintf("%d expired tokens deactivated", affected),
		Affected: affected,
	}})
}

func parseAdminListFilter(c *fiber.Ctx) (service.AdminListFilter, error) {
	var filter service.AdminListFilter
	if raw := c.Query("subject_id"); raw != "" {
		subjectID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return filter, apperrors.NewValidationError("subject_id must be an integer", map[string]any{"subject_id": raw})
		}
		filter.SubjectID = &subjectID
	}
	kind, err := optionalKindQuery(c)
	if err != nil {
		return filter, err
	}
	filter.Kind = kind
	if raw := c.Query("state"); raw != "" {
		state, err := domain.ParseTokenState(raw)
		if err != nil {
			return filter, apperrors.NewValidationError("state must be one of ACTIVE, EXPIRED, CONSUMED, DEACTIVATED", map[string]any{"state": raw})
		}
		filter.State = &state
	}
	filter.Department = optionalQuery(c, "department")

	pageSize := min(parseIntQuery(c, "page_size", service.DefaultPageSize), service.MaxPageSize)
	page := min(parseIntQuery(c, "page", 1), maxAdminPage)
	filter.Offset = (page - 1) * pageSize
	filter.Limit = pageSize
	return filter, nil
}
