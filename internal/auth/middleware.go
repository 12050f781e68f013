package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"ptsmanager/internal/httpx"
	"ptsmanager/internal/observability"
)

type userContextKey struct{}

// Gate resolves bearer tokens to users and checks roles. Every request hits
// the store; nothing is cached.
type Gate struct {
	store  Store
	codec  *TokenCodec
	logger *observability.Logger
}

func NewGate(store Store, codec *TokenCodec, logger *observability.Logger) *Gate {
	if logger == nil {
		logger = observability.Discard()
	}
	return &Gate{store: store, codec: codec, logger: logger}
}

func (g *Gate) CurrentUser(ctx context.Context, bearer string) (User, error) {
	userID, err := g.codec.Verify(strings.TrimSpace(bearer))
	if err != nil {
		return User{}, ErrInvalidAccessToken
	}

	user, err := g.store.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return User{}, ErrInvalidAccessToken
		}
		return User{}, fmt.Errorf("find user by id: %w", err)
	}

	return user, nil
}

// Authorize lets admins through every role check.
func Authorize(user User, role Role) error {
	if user.Role == role || user.Role == RoleAdmin {
		return nil
	}
	return ErrForbidden
}

func (g *Gate) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			httpx.WriteError(w, http.StatusUnauthorized, "missing authorization token")
			return
		}

		user, err := g.CurrentUser(r.Context(), token)
		if err != nil {
			writeServiceError(w, r, g.logger, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userContextKey{}, user)))
	})
}

func (g *Gate) RequireRole(role Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return g.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, _ := UserFromContext(r.Context())
			if err := Authorize(user, role); err != nil {
				writeServiceError(w, r, g.logger, err)
				return
			}
			next.ServeHTTP(w, r)
		}))
	}
}

func UserFromContext(ctx context.Context) (User, bool) {
	user, ok := ctx.Value(userContextKey{}).(User)
	return user, ok
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", false
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}

	token := strings.TrimSpace(parts[1])
	return token, token != ""
}
