package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

const userColumns = `
	id, name, email, password_hash, role, status, email_verified,
	email_verification_token, password_reset_token, password_reset_expires_at,
	refresh_token_hash, refresh_token_expires_at, created_at, updated_at`

// canonicalExpiry matches values written by formatExpiry. Only these compare
// correctly as text, so cleanup ignores legacy shapes.
const canonicalExpiry = `'^[0-9]{4}-[0-9]{2}-[0-9]{2}T[0-9]{2}:[0-9]{2}:[0-9]{2}Z$'`

type Repository struct {
	db *sql.DB
}

type CleanupResult struct {
	ClearedRefreshTokens int64 `json:"cleared_refresh_tokens"`
	ClearedResetTokens   int64 `json:"cleared_reset_tokens"`
	SweptLimiterKeys     int   `json:"swept_limiter_keys"`
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (User, error) {
	var user User
	var role, status string
	var verification, resetToken, resetExpires, refreshHash, refreshExpires sql.NullString

	err := row.Scan(
		&user.ID, &user.Name, &user.Email, &user.PasswordHash, &role, &status, &user.EmailVerified,
		&verification, &resetToken, &resetExpires,
		&refreshHash, &refreshExpires, &user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return User{}, err
	}

	user.Role = Role(role)
	user.Status = Status(status)
	user.VerificationToken = stringPtr(verification)
	user.ResetToken = stringPtr(resetToken)
	user.ResetExpiresAt = stringPtr(resetExpires)
	user.RefreshTokenHash = stringPtr(refreshHash)
	user.RefreshExpiresAt = stringPtr(refreshExpires)
	user.CreatedAt = user.CreatedAt.UTC()
	user.UpdatedAt = user.UpdatedAt.UTC()

	return user, nil
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func (r *Repository) findOne(ctx context.Context, column string, value any) (User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE `+column+` = $1`, value)
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("query user by %s: %w", column, err)
	}
	return user, nil
}

func (r *Repository) FindByID(ctx context.Context, id int64) (User, error) {
	return r.findOne(ctx, "id", id)
}

func (r *Repository) FindByEmail(ctx context.Context, email string) (User, error) {
	return r.findOne(ctx, "email", email)
}

func (r *Repository) FindByVerificationToken(ctx context.Context, token string) (User, error) {
	return r.findOne(ctx, "email_verification_token", token)
}

func (r *Repository) FindByResetToken(ctx context.Context, token string) (User, error) {
	return r.findOne(ctx, "password_reset_token", token)
}

func (r *Repository) FindByRefreshHash(ctx context.Context, hash string) (User, error) {
	return r.findOne(ctx, "refresh_token_hash", hash)
}

// Update writes the set patches in one statement. Expect guards become extra
// WHERE terms, so a lost race shows up as zero rows affected.
func (r *Repository) Update(ctx context.Context, id int64, update UserUpdate) (bool, error) {
	if err := update.Validate(); err != nil {
		return false, err
	}
	if update.Empty() {
		return false, fmt.Errorf("update user: no fields set")
	}

	args := []any{id}
	sets := make([]string, 0, 11)
	set := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if update.Name.Set {
		set("name", nullableText(update.Name.Value))
	}
	if update.PasswordHash.Set {
		set("password_hash", nullableText(update.PasswordHash.Value))
	}
	if update.Role.Set {
		set("role", nullableText(update.Role.Value))
	}
	if update.Status.Set {
		set("status", nullableText(update.Status.Value))
	}
	if update.EmailVerified.Set {
		set("email_verified", nullableBool(update.EmailVerified.Value))
	}
	if update.VerificationToken.Set {
		set("email_verification_token", nullableText(update.VerificationToken.Value))
	}
	if update.ResetToken.Set {
		set("password_reset_token", nullableText(update.ResetToken.Value))
		set("password_reset_expires_at", nullableText(update.ResetExpiresAt.Value))
	}
	if update.RefreshTokenHash.Set {
		set("refresh_token_hash", nullableText(update.RefreshTokenHash.Value))
		set("refresh_token_expires_at", nullableText(update.RefreshExpiresAt.Value))
	}
	sets = append(sets, "updated_at = NOW()")

	where := []string{"id = $1"}
	guard := func(column string, expected *string) {
		if expected == nil {
			return
		}
		args = append(args, *expected)
		where = append(where, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	guard("password_hash", update.Expect.PasswordHash)
	guard("refresh_token_hash", update.Expect.RefreshTokenHash)
	guard("password_reset_token", update.Expect.ResetToken)
	guard("email_verification_token", update.Expect.VerificationToken)

	query := `UPDATE users SET ` + strings.Join(sets, ", ") + ` WHERE ` + strings.Join(where, " AND ")
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update user: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update user rows affected: %w", err)
	}

	return affected == 1, nil
}

func nullableText[T ~string](v *T) any {
	if v == nil {
		return nil
	}
	return string(*v)
}

func nullableBool(v *bool) any {
	if v == nil {
		return nil
	}
	return *v
}

func (r *Repository) Create(ctx context.Context, user NewUser) (User, error) {
	var verification any
	if user.VerificationToken != "" {
		verification = user.VerificationToken
	}

	row := r.db.QueryRowContext(ctx, `
		INSERT INTO users (name, email, password_hash, role, status, email_verified, email_verification_token)
		VALUES ($1, $2, $3, $4, $5, FALSE, $6)
		RETURNING `+userColumns,
		user.Name, user.Email, user.PasswordHash, string(user.Role), string(StatusActive), verification,
	)

	created, err := scanUser(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return User{}, ErrEmailTaken
		}
		return User{}, fmt.Errorf("insert user: %w", err)
	}

	return created, nil
}

func (r *Repository) HasRole(ctx context.Context, role Role) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE role = $1)`, string(role)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query role exists: %w", err)
	}
	return exists, nil
}

func (r *Repository) List(ctx context.Context, offset, limit int) ([]User, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY id ASC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	users := make([]User, 0, limit)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}

	return users, nil
}

func (r *Repository) Delete(ctx context.Context, id int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete user: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete user rows affected: %w", err)
	}

	return affected == 1, nil
}

// CleanupExpired clears refresh slots and reset tokens whose expiry is before
// now, at most batchSize rows of each per call.
func (r *Repository) CleanupExpired(ctx context.Context, now time.Time, batchSize int) (CleanupResult, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	cutoff := formatExpiry(now)

	clearedRefresh, err := r.clearExpired(ctx, "refresh_token_hash", "refresh_token_expires_at", cutoff, batchSize)
	if err != nil {
		return CleanupResult{}, fmt.Errorf("clear expired refresh tokens: %w", err)
	}

	clearedReset, err := r.clearExpired(ctx, "password_reset_token", "password_reset_expires_at", cutoff, batchSize)
	if err != nil {
		return CleanupResult{}, fmt.Errorf("clear expired reset tokens: %w", err)
	}

	return CleanupResult{
		ClearedRefreshTokens: clearedRefresh,
		ClearedResetTokens:   clearedReset,
	}, nil
}

func (r *Repository) clearExpired(ctx context.Context, tokenColumn, expiryColumn, cutoff string, batchSize int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT id
			FROM users
			WHERE `+expiryColumn+` ~ `+canonicalExpiry+`
			  AND `+expiryColumn+` < $1
			ORDER BY id ASC
			LIMIT $2
		)
		UPDATE users u
		SET `+tokenColumn+` = NULL, `+expiryColumn+` = NULL, updated_at = NOW()
		FROM stale
		WHERE u.id = stale.id
	`, cutoff, batchSize)
	if err != nil {
		return 0, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}

	return affected, nil
}
