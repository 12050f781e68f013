package auth

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"
)

var (
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrAccountDisabled     = errors.New("account disabled")
	ErrInvalidToken        = errors.New("invalid token")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	ErrInvalidAccessToken  = errors.New("invalid or expired token")
	ErrForbidden           = errors.New("forbidden")

	ErrUserNotFound      = errors.New("user not found")
	ErrEmailTaken        = errors.New("email already registered")
	ErrInvalidEmail      = errors.New("invalid email")
	ErrInvalidName       = errors.New("name is required")
	ErrInvalidRole       = errors.New("invalid role")
	ErrInvalidStatus     = errors.New("invalid status")
	ErrAdminSignupClosed = errors.New("admin signup is not allowed")
)

// ErrTokenExpired is reported for reset tokens past their expiry. It matches
// ErrInvalidToken under errors.Is.
var ErrTokenExpired error = expiredTokenError{}

type expiredTokenError struct{}

func (expiredTokenError) Error() string { return "token expired" }

func (expiredTokenError) Is(target error) bool { return target == ErrInvalidToken }

type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("too many attempts, retry in %ds", e.RetryAfterSeconds())
}

func (e *RateLimitError) RetryAfterSeconds() int {
	secs := int(math.Ceil(e.RetryAfter.Seconds()))
	if secs < 0 {
		return 0
	}
	return secs
}

type PolicyError struct {
	Rule string
}

func (e *PolicyError) Error() string {
	return e.Rule
}

// httpStatus is the single place auth errors are turned into transport codes.
// ok is false for errors outside the taxonomy, which callers report as 500.
func httpStatus(err error) (status int, message string, ok bool) {
	var rateErr *RateLimitError
	var policyErr *PolicyError

	switch {
	case errors.As(err, &rateErr):
		return http.StatusTooManyRequests, rateErr.Error(), true
	case errors.As(err, &policyErr):
		return http.StatusUnprocessableEntity, policyErr.Rule, true
	case errors.Is(err, ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid credentials", true
	case errors.Is(err, ErrAccountDisabled):
		return http.StatusForbidden, "account disabled", true
	case errors.Is(err, ErrInvalidRefreshToken):
		return http.StatusUnauthorized, "invalid refresh token", true
	case errors.Is(err, ErrInvalidAccessToken):
		return http.StatusUnauthorized, "invalid or expired token", true
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, "forbidden", true
	case errors.Is(err, ErrTokenExpired):
		return http.StatusBadRequest, "token expired", true
	case errors.Is(err, ErrInvalidToken):
		return http.StatusBadRequest, "invalid token", true
	case errors.Is(err, ErrEmailTaken):
		return http.StatusConflict, "email already registered", true
	case errors.Is(err, ErrAdminSignupClosed):
		return http.StatusForbidden, "admin signup is not allowed", true
	case errors.Is(err, ErrUserNotFound):
		return http.StatusNotFound, "user not found", true
	case errors.Is(err, ErrInvalidEmail), errors.Is(err, ErrInvalidName), errors.Is(err, ErrInvalidRole),
		errors.Is(err, ErrInvalidStatus):
		return http.StatusBadRequest, err.Error(), true
	}

	return http.StatusInternalServerError, "internal error", false
}
