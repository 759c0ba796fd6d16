package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/qr-token-service/internal/domain"
	apperrors "github.com/spec-kit/qr-token-service/pkg/util/errorutil"
)

// ErrTokenNotFound is returned when no token matches the requested value.
var ErrTokenNotFound = fmt.Errorf("token %w", apperrors.ErrNotFound)

// ErrDuplicateValue is returned by Create when the value is already stored.
var ErrDuplicateValue = errors.New("token value already exists")

const uniqueViolation = "23505"

// TokenRepository handles persistence for QR tokens. Every mutation is a single
// conditional statement so concurrent callers cannot interleave.
type TokenRepository interface {
	Create(ctx context.Context, token *domain.Token) error
	ExistsByValue(ctx context.Context, value string) (bool, error)
	GetByValue(ctx context.Context, value string) (*domain.Token, error)
	List(ctx context.Context, filter TokenFilter) ([]domain.Token, error)
	// Consume marks the token used when it is active, unused and unexpired at now.
	// The returned bool reports whether this call applied the transition; when it
	// did not, the current row is returned so the caller can explain why.
	Consume(ctx context.Context, value string, now time.Time) (*domain.Token, bool, error)
	Update(ctx context.Context, value string, patch TokenPatch) (*domain.Token, error)
	Refresh(ctx context.Context, value string, expiresAt time.Time, resetConsumption bool) (*domain.Token, error)
	Deactivate(ctx context.Context, value string) error
	DeactivateBySubject(ctx context.Context, subjectID int64) (int64, error)
	DeactivateExpired(ctx context.Context, now time.Time) (int64, error)
	DeactivateAll(ctx context.Context) (int64, error)
	Stats(ctx context.Context, now time.Time) (*domain.TokenStats, error)
}

// TokenFilter narrows listings on stored columns. A zero Limit means unbounded.
type TokenFilter struct {
	SubjectID  *int64
	Kind       *domain.TokenKind
	Department *string
	Active     *bool
	Limit      int
	Offset     int
}

// TokenPatch describes an administrative update.
type TokenPatch struct {
	Active   *bool
	ExtendBy *time.Duration
}

const tokenColumns = `id, value, subject_id, kind, created_at, expires_at, consumed, consumed_at,
               active, rendered_code, department, special_permissions, description`

type tokenRepository struct {
	pool *pgxpool.Pool
}

// NewTokenRepository instantiates the PostgreSQL repository.
func NewTokenRepository(pool *pgxpool.Pool) TokenRepository {
	return &tokenRepository{pool: pool}
}

func (r *tokenRepository) Create(ctx context.Context, token *domain.Token) error {
	const query = `
        INSERT INTO qr_tokens (value, subject_id, kind, created_at, expires_at, consumed, consumed_at,
                               active, rendered_code, department, special_permissions, description)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
        RETURNING id, created_at`

	err := r.pool.QueryRow(ctx, query,
		token.Value,
		token.SubjectID,
		token.Kind,
		token.CreatedAt,
		token.ExpiresAt,
		token.Consumed,
		token.ConsumedAt,
		token.Active,
		token.RenderedCode,
		token.Department,
		token.SpecialPermissions,
		token.Description,
	).Scan(&token.ID, &token.CreatedAt)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrDuplicateValue
	}
	return err
}

func (r *tokenRepository) ExistsByValue(ctx context.Context, value string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM qr_tokens WHERE value=$1)`
	var exists bool
	if err := r.pool.QueryRow(ctx, query, value).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (r *tokenRepository) GetByValue(ctx context.Context, value string) (*domain.Token, error) {
	query := `SELECT ` + tokenColumns + ` FROM qr_tokens WHERE value=$1`
	return r.fetchSingle(ctx, query, value)
}

func (r *tokenRepository) List(ctx context.Context, filter TokenFilter) ([]domain.Token, error) {
	query := `SELECT ` + tokenColumns + ` FROM qr_tokens`
	args := []any{}
	clauses := []string{}

	if filter.SubjectID != nil {
		args = append(args, *filter.SubjectID)
		clauses = append(clauses, fmt.Sprintf("subject_id=$%d", len(args)))
	}
	if filter.Kind != nil {
		args = append(args, *filter.Kind)
		clauses = append(clauses, fmt.Sprintf("kind=$%d", len(args)))
	}
	if filter.Department != nil {
		args = append(args, *filter.Department)
		clauses = append(clauses, fmt.Sprintf("department=$%d", len(args)))
	}
	if filter.Active != nil {
		args = append(args, *filter.Active)
		clauses = append(clauses, fmt.Sprintf("active=$%d", len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}

	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		offset := filter.Offset
		if offset < 0 {
			offset = 0
		}
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", filter.Limit, offset)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Token
	for rows.Next() {
		token, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *token)
	}
	return result, rows.Err()
}

func (r *tokenRepository) Consume(ctx context.Context, value string, now time.Time) (*domain.Token, bool, error) {
	query := `
        UPDATE qr_tokens SET consumed=TRUE, consumed_at=$2
        WHERE value=$1 AND consumed=FALSE AND active=TRUE AND expires_at > $2
        RETURNING ` + tokenColumns

	token, err := r.fetchSingle(ctx, query, value, now)
	if err == nil {
		return token, true, nil
	}
	if !errors.Is(err, ErrTokenNotFound) {
		return nil, false, err
	}

	current, err := r.GetByValue(ctx, value)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

func (r *tokenRepository) Update(ctx context.Context, value string, patch TokenPatch) (*domain.Token, error) {
	var extendHours *float64
	if patch.ExtendBy != nil {
		hours := patch.ExtendBy.Hours()
		extendHours = &hours
	}

	query := `
        UPDATE qr_tokens
        SET active=COALESCE($2::boolean, active),
            expires_at=expires_at + COALESCE($3::double precision, 0) * INTERVAL '1 hour'
        WHERE value=$1
        RETURNING ` + tokenColumns

	return r.fetchSingle(ctx, query, value, patch.Active, extendHours)
}

func (r *tokenRepository) Refresh(ctx context.Context, value string, expiresAt time.Time, resetConsumption bool) (*domain.Token, error) {
	query := `
        UPDATE qr_tokens
        SET expires_at=$2,
            active=TRUE,
            consumed=CASE WHEN $3::boolean THEN FALSE ELSE consumed END,
            consumed_at=CASE WHEN $3::boolean THEN NULL ELSE consumed_at END
        WHERE value=$1
        RETURNING ` + tokenColumns

	return r.fetchSingle(ctx, query, value, expiresAt, resetConsumption)
}

func (r *tokenRepository) Deactivate(ctx context.Context, value string) error {
	const query = `UPDATE qr_tokens SET active=FALSE WHERE value=$1`
	cmd, err := r.pool.Exec(ctx, query, value)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrTokenNotFound
	}
	return nil
}

func (r *tokenRepository) DeactivateBySubject(ctx context.Context, subjectID int64) (int64, error) {
	const query = `UPDATE qr_tokens SET active=FALSE WHERE subject_id=$1 AND active=TRUE`
	cmd, err := r.pool.Exec(ctx, query, subjectID)
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}

func (r *tokenRepository) DeactivateExpired(ctx context.Context, now time.Time) (int64, error) {
	const query = `UPDATE qr_tokens SET active=FALSE WHERE expires_at < $1 AND active=TRUE`
	cmd, err := r.pool.Exec(ctx, query, now)
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}

func (r *tokenRepository) DeactivateAll(ctx context.Context) (int64, error) {
	const query = `UPDATE qr_tokens SET active=FALSE`
	cmd, err := r.pool.Exec(ctx, query)
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}

func (r *tokenRepository) Stats(ctx context.Context, now time.Time) (*domain.TokenStats, error) {
	const query = `
        SELECT COUNT(*),
               COUNT(*) FILTER (WHERE active),
               COUNT(*) FILTER (WHERE active AND NOT consumed),
               COUNT(*) FILTER (WHERE active AND consumed),
               COUNT(*) FILTER (WHERE active AND NOT consumed AND expires_at < $1),
               COUNT(*) FILTER (WHERE active AND kind='staff'),
               COUNT(*) FILTER (WHERE active AND kind='supervisor'),
               COUNT(*) FILTER (WHERE active AND kind='temporary'),
               COUNT(*) FILTER (WHERE active AND kind='visitor')
        FROM qr_tokens`

	var stats domain.TokenStats
	if err := r.pool.QueryRow(ctx, query, now).Scan(
		&stats.Total,
		&stats.Active,
		&stats.ActiveUnused,
		&stats.ActiveUsed,
		&stats.Expired,
		&stats.StaffTokens,
		&stats.SupervisorTokens,
		&stats.TemporaryTokens,
		&stats.VisitorTokens,
	); err != nil {
		return nil, err
	}
	return &stats, nil
}

func (r *tokenRepository) fetchSingle(ctx context.Context, query string, args ...any) (*domain.Token, error) {
	token, err := scanToken(r.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTokenNotFound
		}
		return nil, err
	}
	return token, nil
}

func scanToken(row pgx.Row) (*domain.Token, error) {
	var token domain.Token
	if err := row.Scan(
		&token.ID,
		&token.Value,
		&token.SubjectID,
		&token.Kind,
		&token.CreatedAt,
		&token.ExpiresAt,
		&token.Consumed,
		&token.ConsumedAt,
		&token.Active,
		&token.RenderedCode,
		&token.Department,
		&token.SpecialPermissions,
		&token.Description,
	); err != nil {
		return nil, err
	}
	return &token, nil
}
