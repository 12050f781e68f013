package auth

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

type Role string

const (
	RoleTeacher Role = "teacher"
	RoleParent  Role = "parent"
	RoleAdmin   Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleTeacher, RoleParent, RoleAdmin:
		return true
	}
	return false
}

type Status string

const (
	StatusActive   Status = "active"
	StatusDisabled Status = "disabled"
)

func (s Status) Valid() bool {
	return s == StatusActive || s == StatusDisabled
}

type User struct {
	ID                int64
	Name              string
	Email             string
	PasswordHash      string
	Role              Role
	Status            Status
	EmailVerified     bool
	VerificationToken *string
	ResetToken        *string
	ResetExpiresAt    *string
	RefreshTokenHash  *string
	RefreshExpiresAt  *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (u User) Active() bool {
	return u.Status == StatusActive
}

type NewUser struct {
	Name              string
	Email             string
	PasswordHash      string
	Role              Role
	VerificationToken string
}

// Patch describes one nullable column in a partial update. Set=false leaves
// the column untouched; Set=true with a nil Value writes NULL.
type Patch[T any] struct {
	Set   bool
	Value *T
}

func SetTo[T any](value T) Patch[T] {
	return Patch[T]{Set: true, Value: &value}
}

func Clear[T any]() Patch[T] {
	return Patch[T]{Set: true}
}

// Expect holds compare-and-swap guards for an update. A non-nil guard makes
// the update apply only while the stored column still equals it.
type Expect struct {
	PasswordHash      *string
	RefreshTokenHash  *string
	ResetToken        *string
	VerificationToken *string
}

type UserUpdate struct {
	Name              Patch[string]
	PasswordHash      Patch[string]
	Role              Patch[Role]
	Status            Patch[Status]
	EmailVerified     Patch[bool]
	VerificationToken Patch[string]
	ResetToken        Patch[string]
	ResetExpiresAt    Patch[string]
	RefreshTokenHash  Patch[string]
	RefreshExpiresAt  Patch[string]

	Expect Expect
}

var errUnpairedUpdate = errors.New("token and expiry must be updated together")

func (u UserUpdate) Validate() error {
	if u.ResetToken.Set != u.ResetExpiresAt.Set {
		return errUnpairedUpdate
	}
	if u.RefreshTokenHash.Set != u.RefreshExpiresAt.Set {
		return errUnpairedUpdate
	}
	return nil
}

func (u UserUpdate) Empty() bool {
	return !u.Name.Set && !u.PasswordHash.Set && !u.Role.Set && !u.Status.Set &&
		!u.EmailVerified.Set && !u.VerificationToken.Set && !u.ResetToken.Set &&
		!u.ResetExpiresAt.Set && !u.RefreshTokenHash.Set && !u.RefreshExpiresAt.Set
}

type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Delivery is returned by the flows that hand a token to the mailer. Token is
// only populated in development mode.
type Delivery struct {
	Token string
}

type Identity struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	Email         string `json:"email"`
	Role          Role   `json:"role"`
	Status        Status `json:"status"`
	EmailVerified bool   `json:"email_verified"`
}

func (u User) Identity() Identity {
	return Identity{
		ID:            u.ID,
		Name:          u.Name,
		Email:         u.Email,
		Role:          u.Role,
		Status:        u.Status,
		EmailVerified: u.EmailVerified,
	}
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

const expiryLayout = "2006-01-02T15:04:05Z"

func formatExpiry(t time.Time) string {
	return t.UTC().Format(expiryLayout)
}

// parseExpiry reads the stored expiry text. Besides the canonical layout it
// accepts RFC3339 with an offset, ISO-8601 without a zone (UTC) and unix
// seconds, which older rows were written with.
func parseExpiry(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{expiryLayout, time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	if secs, ok := parseUnixSeconds(raw); ok {
		return time.Unix(secs, 0).UTC(), true
	}
	return time.Time{}, false
}

func parseUnixSeconds(raw string) (int64, bool) {
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || secs <= 0 {
		return 0, false
	}
	return secs, true
}
