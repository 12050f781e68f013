package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"ptsmanager/internal/observability"
)

const (
	defaultRefreshTTL = 14 * 24 * time.Hour
	resetTokenTTL     = time.Hour

	refreshTokenBytes = 48
	emailTokenBytes   = 32
)

type Service struct {
	store          Store
	hasher         *Hasher
	codec          *TokenCodec
	limiter        Limiter
	mailer         Mailer
	logger         *observability.Logger
	now            func() time.Time
	newToken       func(size int) (string, error)
	refreshTTL     time.Duration
	devMode        bool
	allowedDomains map[string]struct{}
}

type Option func(*Service)

func WithRefreshTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
	}
}

// WithDevMode makes the verification and reset flows return their token to
// the caller. Never enable it in production.
func WithDevMode(enabled bool) Option {
	return func(s *Service) { s.devMode = enabled }
}

func WithMailer(mailer Mailer) Option {
	return func(s *Service) {
		if mailer != nil {
			s.mailer = mailer
		}
	}
}

func WithLogger(logger *observability.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithTokenSource(source func(size int) (string, error)) Option {
	return func(s *Service) {
		if source != nil {
			s.newToken = source
		}
	}
}

// WithAllowedEmailDomains restricts account creation to the given domains.
// An empty list allows any domain.
func WithAllowedEmailDomains(domains []string) Option {
	return func(s *Service) {
		for _, d := range domains {
			d = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(d), "@")))
			if d != "" {
				s.allowedDomains[d] = struct{}{}
			}
		}
	}
}

func NewService(store Store, hasher *Hasher, codec *TokenCodec, limiter Limiter, opts ...Option) *Service {
	s := &Service{
		store:          store,
		hasher:         hasher,
		codec:          codec,
		limiter:        limiter,
		mailer:         noopMailer{},
		logger:         observability.Discard(),
		now:            time.Now,
		newToken:       randomToken,
		refreshTTL:     defaultRefreshTTL,
		allowedDomains: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Login(ctx context.Context, clientAddr, email, password string) (Tokens, error) {
	if allowed, retryAfter := s.limiter.Allow(clientAddr, s.now().UTC()); !allowed {
		loginsTotal.WithLabelValues("rate_limited").Inc()
		return Tokens{}, &RateLimitError{RetryAfter: retryAfter}
	}

	user, err := s.store.FindByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			s.hasher.SimulateVerify(password)
			loginsTotal.WithLabelValues("invalid_credentials").Inc()
			return Tokens{}, ErrInvalidCredentials
		}
		return Tokens{}, fmt.Errorf("find user by email: %w", err)
	}

	if !s.hasher.Verify(password, user.PasswordHash) {
		loginsTotal.WithLabelValues("invalid_credentials").Inc()
		return Tokens{}, ErrInvalidCredentials
	}
	if !user.Active() {
		loginsTotal.WithLabelValues("disabled").Inc()
		return Tokens{}, ErrAccountDisabled
	}

	s.rehashIfNeeded(ctx, user, password)

	tokens, ok, err := s.issueTokens(ctx, user.ID, nil)
	if err != nil {
		return Tokens{}, err
	}
	if !ok {
		// the row vanished between lookup and write
		loginsTotal.WithLabelValues("invalid_credentials").Inc()
		return Tokens{}, ErrInvalidCredentials
	}

	loginsTotal.WithLabelValues("success").Inc()
	tokensIssuedTotal.WithLabelValues("password").Inc()
	return tokens, nil
}

func (s *Service) rehashIfNeeded(ctx context.Context, user User, password string) {
	if !s.hasher.NeedsRehash(user.PasswordHash) {
		return
	}

	digest, err := s.hasher.Hash(password)
	if err != nil {
		s.logger.Warn("password_rehash_failed", map[string]any{"user_id": user.ID, "error": err.Error()})
		return
	}

	current := user.PasswordHash
	_, err = s.store.Update(ctx, user.ID, UserUpdate{PasswordHash: SetTo(digest), Expect: Expect{PasswordHash: &current}})
	if err != nil {
		s.logger.Warn("password_rehash_failed", map[string]any{"user_id": user.ID, "error": err.Error()})
	}
}

// Refresh exchanges a refresh token for a new pair. The presented token is
// consumed; of two concurrent refreshes with the same token only one wins.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return Tokens{}, ErrInvalidRefreshToken
	}

	oldHash := hashToken(refreshToken)
	user, err := s.store.FindByRefreshHash(ctx, oldHash)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return Tokens{}, ErrInvalidRefreshToken
		}
		return Tokens{}, fmt.Errorf("find user by refresh hash: %w", err)
	}

	if !s.notExpired(user.RefreshExpiresAt) {
		return Tokens{}, ErrInvalidRefreshToken
	}

	tokens, ok, err := s.issueTokens(ctx, user.ID, &oldHash)
	if err != nil {
		return Tokens{}, err
	}
	if !ok {
		return Tokens{}, ErrInvalidRefreshToken
	}

	tokensIssuedTotal.WithLabelValues("refresh").Inc()
	return tokens, nil
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return ErrInvalidRefreshToken
	}

	hash := hashToken(refreshToken)
	user, err := s.store.FindByRefreshHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return ErrInvalidRefreshToken
		}
		return fmt.Errorf("find user by refresh hash: %w", err)
	}

	ok, err := s.store.Update(ctx, user.ID, UserUpdate{
		RefreshTokenHash: Clear[string](),
		RefreshExpiresAt: Clear[string](),
		Expect:           Expect{RefreshTokenHash: &hash},
	})
	if err != nil {
		return fmt.Errorf("clear refresh token: %w", err)
	}
	if !ok {
		return ErrInvalidRefreshToken
	}

	return nil
}

func (s *Service) issueTokens(ctx context.Context, userID int64, expectHash *string) (Tokens, bool, error) {
	access, expiresIn, err := s.codec.Issue(userID)
	if err != nil {
		return Tokens{}, false, err
	}

	refresh, err := s.newToken(refreshTokenBytes)
	if err != nil {
		return Tokens{}, false, fmt.Errorf("generate refresh token: %w", err)
	}

	ok, err := s.store.Update(ctx, userID, UserUpdate{
		RefreshTokenHash: SetTo(hashToken(refresh)),
		RefreshExpiresAt: SetTo(formatExpiry(s.now().Add(s.refreshTTL))),
		Expect:           Expect{RefreshTokenHash: expectHash},
	})
	if err != nil {
		return Tokens{}, false, fmt.Errorf("store refresh token: %w", err)
	}
	if !ok {
		return Tokens{}, false, nil
	}

	return Tokens{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    expiresIn,
	}, true, nil
}

// notExpired reports whether a stored expiry lies in the future. Missing or
// unreadable values count as expired.
func (s *Service) notExpired(raw *string) bool {
	if raw == nil {
		return false
	}
	expiresAt, ok := parseExpiry(*raw)
	if !ok {
		return false
	}
	return s.now().UTC().Before(expiresAt)
}

// RequestEmailVerification replaces the user's verification token and mails
// it. Unknown emails succeed silently.
func (s *Service) RequestEmailVerification(ctx context.Context, email string) (Delivery, error) {
	user, err := s.store.FindByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			tokenFlowsTotal.WithLabelValues("verification_request", "unknown_email").Inc()
			return Delivery{}, nil
		}
		return Delivery{}, fmt.Errorf("find user by email: %w", err)
	}

	token, err := s.newToken(emailTokenBytes)
	if err != nil {
		return Delivery{}, fmt.Errorf("generate verification token: %w", err)
	}

	ok, err := s.store.Update(ctx, user.ID, UserUpdate{
		VerificationToken: SetTo(token),
		EmailVerified:     SetTo(false),
	})
	if err != nil {
		return Delivery{}, fmt.Errorf("store verification token: %w", err)
	}
	if !ok {
		return Delivery{}, nil
	}

	if err := s.mailer.SendVerification(ctx, user.Email, user.Name, token); err != nil {
		s.logger.Warn("verification_mail_failed", map[string]any{"user_id": user.ID, "error": err.Error()})
	}

	tokenFlowsTotal.WithLabelValues("verification_request", "sent").Inc()
	return s.delivery(token), nil
}

func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrInvalidToken
	}

	user, err := s.store.FindByVerificationToken(ctx, token)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			tokenFlowsTotal.WithLabelValues("verify_email", "invalid").Inc()
			return ErrInvalidToken
		}
		return fmt.Errorf("find user by verification token: %w", err)
	}

	ok, err := s.store.Update(ctx, user.ID, UserUpdate{
		EmailVerified:     SetTo(true),
		VerificationToken: Clear[string](),
		Expect:            Expect{VerificationToken: &token},
	})
	if err != nil {
		return fmt.Errorf("mark email verified: %w", err)
	}
	if !ok {
		tokenFlowsTotal.WithLabelValues("verify_email", "invalid").Inc()
		return ErrInvalidToken
	}

	tokenFlowsTotal.WithLabelValues("verify_email", "success").Inc()
	return nil
}

// ForgotPassword issues a one hour reset token and mails it. Unknown emails
// succeed silently.
func (s *Service) ForgotPassword(ctx context.Context, email string) (Delivery, error) {
	user, err := s.store.FindByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			tokenFlowsTotal.WithLabelValues("forgot_password", "unknown_email").Inc()
			return Delivery{}, nil
		}
		return Delivery{}, fmt.Errorf("find user by email: %w", err)
	}

	token, err := s.newToken(emailTokenBytes)
	if err != nil {
		return Delivery{}, fmt.Errorf("generate reset token: %w", err)
	}

	ok, err := s.store.Update(ctx, user.ID, UserUpdate{
		ResetToken:     SetTo(token),
		ResetExpiresAt: SetTo(formatExpiry(s.now().Add(resetTokenTTL))),
	})
	if err != nil {
		return Delivery{}, fmt.Errorf("store reset token: %w", err)
	}
	if !ok {
		return Delivery{}, nil
	}

	if err := s.mailer.SendPasswordReset(ctx, user.Email, user.Name, token); err != nil {
		s.logger.Warn("reset_mail_failed", map[string]any{"user_id": user.ID, "error": err.Error()})
	}

	tokenFlowsTotal.WithLabelValues("forgot_password", "sent").Inc()
	return s.delivery(token), nil
}

// ResetPassword consumes a reset token. An expired token leaves the record
// as it is. A successful reset also ends the user's refresh session.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrInvalidToken
	}

	user, err := s.store.FindByResetToken(ctx, token)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			tokenFlowsTotal.WithLabelValues("reset_password", "invalid").Inc()
			return ErrInvalidToken
		}
		return fmt.Errorf("find user by reset token: %w", err)
	}

	if user.ResetExpiresAt == nil {
		return ErrTokenExpired
	}
	expiresAt, parsed := parseExpiry(*user.ResetExpiresAt)
	if !parsed {
		s.logger.Warn("reset_expiry_unparseable", map[string]any{"user_id": user.ID, "value": *user.ResetExpiresAt})
		tokenFlowsTotal.WithLabelValues("reset_password", "expired").Inc()
		return ErrTokenExpired
	}
	if !s.now().UTC().Before(expiresAt) {
		tokenFlowsTotal.WithLabelValues("reset_password", "expired").Inc()
		return ErrTokenExpired
	}

	if err := ValidatePassword(newPassword); err != nil {
		return err
	}

	digest, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}

	ok, err := s.store.Update(ctx, user.ID, UserUpdate{
		PasswordHash:     SetTo(digest),
		ResetToken:       Clear[string](),
		ResetExpiresAt:   Clear[string](),
		RefreshTokenHash: Clear[string](),
		RefreshExpiresAt: Clear[string](),
		Expect:           Expect{ResetToken: &token},
	})
	if err != nil {
		return fmt.Errorf("store new password: %w", err)
	}
	if !ok {
		tokenFlowsTotal.WithLabelValues("reset_password", "invalid").Inc()
		return ErrInvalidToken
	}

	tokenFlowsTotal.WithLabelValues("reset_password", "success").Inc()
	return nil
}

type RegisterInput struct {
	Name     string
	Email    string
	Password string
	Role     Role
}

// Register creates an active, unverified account and mails its verification
// token. Admin accounts can only be self-registered while none exists.
func (s *Service) Register(ctx context.Context, input RegisterInput) (User, Delivery, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return User{}, Delivery{}, ErrInvalidName
	}

	email, err := s.validateEmail(input.Email)
	if err != nil {
		return User{}, Delivery{}, err
	}

	if !input.Role.Valid() {
		return User{}, Delivery{}, ErrInvalidRole
	}
	if err := ValidatePassword(input.Password); err != nil {
		return User{}, Delivery{}, err
	}

	if input.Role == RoleAdmin {
		exists, err := s.store.HasRole(ctx, RoleAdmin)
		if err != nil {
			return User{}, Delivery{}, fmt.Errorf("check admin exists: %w", err)
		}
		if exists {
			return User{}, Delivery{}, ErrAdminSignupClosed
		}
	}

	if _, err := s.store.FindByEmail(ctx, email); err == nil {
		return User{}, Delivery{}, ErrEmailTaken
	} else if !errors.Is(err, ErrUserNotFound) {
		return User{}, Delivery{}, fmt.Errorf("find user by email: %w", err)
	}

	digest, err := s.hasher.Hash(input.Password)
	if err != nil {
		return User{}, Delivery{}, err
	}
	token, err := s.newToken(emailTokenBytes)
	if err != nil {
		return User{}, Delivery{}, fmt.Errorf("generate verification token: %w", err)
	}

	user, err := s.store.Create(ctx, NewUser{
		Name:              name,
		Email:             email,
		PasswordHash:      digest,
		Role:              input.Role,
		VerificationToken: token,
	})
	if err != nil {
		if errors.Is(err, ErrEmailTaken) {
			return User{}, Delivery{}, ErrEmailTaken
		}
		return User{}, Delivery{}, fmt.Errorf("create user: %w", err)
	}

	if err := s.mailer.SendVerification(ctx, user.Email, user.Name, token); err != nil {
		s.logger.Warn("verification_mail_failed", map[string]any{"user_id": user.ID, "error": err.Error()})
	}

	s.logger.Info("user_registered", map[string]any{"user_id": user.ID, "role": string(user.Role)})
	return user, s.delivery(token), nil
}

func (s *Service) validateEmail(raw string) (string, error) {
	email := NormalizeEmail(raw)
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", ErrInvalidEmail
	}

	if len(s.allowedDomains) > 0 {
		_, domain, _ := strings.Cut(email, "@")
		if _, ok := s.allowedDomains[domain]; !ok {
			return "", ErrInvalidEmail
		}
	}

	return email, nil
}

// BootstrapAdmin makes sure an active admin account with the given
// credentials exists. Empty email and password together is a no-op.
func (s *Service) BootstrapAdmin(ctx context.Context, email, password, name string) error {
	email = NormalizeEmail(email)
	if email == "" && password == "" {
		return nil
	}
	if email == "" || password == "" {
		return errors.New("ADMIN_EMAIL and ADMIN_PASSWORD are required together")
	}
	if err := ValidatePassword(password); err != nil {
		return fmt.Errorf("admin password: %w", err)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = "Administrator"
	}

	digest, err := s.hasher.Hash(password)
	if err != nil {
		return err
	}

	user, err := s.store.FindByEmail(ctx, email)
	switch {
	case errors.Is(err, ErrUserNotFound):
		user, err = s.store.Create(ctx, NewUser{Name: name, Email: email, PasswordHash: digest, Role: RoleAdmin})
		if err != nil {
			return fmt.Errorf("create admin user: %w", err)
		}
		if _, err := s.store.Update(ctx, user.ID, UserUpdate{EmailVerified: SetTo(true)}); err != nil {
			return fmt.Errorf("verify admin user: %w", err)
		}
		s.logger.Info("admin_bootstrapped", map[string]any{"user_id": user.ID, "created": true})
		return nil
	case err != nil:
		return fmt.Errorf("find admin user: %w", err)
	}

	if _, err := s.store.Update(ctx, user.ID, UserUpdate{
		PasswordHash:  SetTo(digest),
		Role:          SetTo(RoleAdmin),
		Status:        SetTo(StatusActive),
		EmailVerified: SetTo(true),
	}); err != nil {
		return fmt.Errorf("update admin user: %w", err)
	}

	s.logger.Info("admin_bootstrapped", map[string]any{"user_id": user.ID, "created": false})
	return nil
}

func (s *Service) delivery(token string) Delivery {
	if !s.devMode {
		return Delivery{}
	}
	return Delivery{Token: token}
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func randomToken(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
