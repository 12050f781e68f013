package auth

import (
	"context"
	"time"
)

// Store is the persistence the auth core needs. Lookups return
// ErrUserNotFound when nothing matches.
type Store interface {
	FindByID(ctx context.Context, id int64) (User, error)
	FindByEmail(ctx context.Context, email string) (User, error)
	FindByVerificationToken(ctx context.Context, token string) (User, error)
	FindByResetToken(ctx context.Context, token string) (User, error)
	FindByRefreshHash(ctx context.Context, hash string) (User, error)

	// Update applies the set patches. It reports false when the user is gone
	// or an Expect guard no longer matches.
	Update(ctx context.Context, id int64, update UserUpdate) (bool, error)

	Create(ctx context.Context, user NewUser) (User, error)
	HasRole(ctx context.Context, role Role) (bool, error)

	// List returns users ordered by id.
	List(ctx context.Context, offset, limit int) ([]User, error)
	// Delete reports false when no such user exists.
	Delete(ctx context.Context, id int64) (bool, error)
}

type Limiter interface {
	Allow(key string, now time.Time) (bool, time.Duration)
}

// Mailer delivers verification and reset tokens out of band.
type Mailer interface {
	SendVerification(ctx context.Context, to, name, token string) error
	SendPasswordReset(ctx context.Context, to, name, token string) error
}

type noopMailer struct{}

func (noopMailer) SendVerification(context.Context, string, string, string) error  { return nil }
func (noopMailer) SendPasswordReset(context.Context, string, string, string) error { return nil }
