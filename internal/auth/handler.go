package auth

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"ptsmanager/internal/httpx"
	"ptsmanager/internal/observability"
)

type Handler struct {
	service *Service
	gate    *Gate
	logger  *observability.Logger
}

func NewHandler(service *Service, gate *Gate, logger *observability.Logger) *Handler {
	if logger == nil {
		logger = observability.Discard()
	}
	return &Handler{service: service, gate: gate, logger: logger}
}

// Routes mounts the public auth endpoints and the account endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", h.Login)
		r.Post("/refresh", h.Refresh)
		r.Post("/logout", h.Logout)
		r.Post("/request-email-verification", h.RequestEmailVerification)
		r.Post("/verify-email", h.VerifyEmail)
		r.Post("/forgot-password", h.ForgotPassword)
		r.Post("/reset-password", h.ResetPassword)
	})

	r.Route("/users", func(r chi.Router) {
		r.Post("/", h.Register)
		r.With(h.gate.Authenticate).Get("/me", h.Me)

		r.Group(func(r chi.Router) {
			r.Use(h.gate.RequireRole(RoleAdmin))
			r.Get("/", h.ListUsers)
			r.Patch("/{userID}", h.UpdateUser)
			r.Delete("/{userID}", h.DeleteUser)
		})
	})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type emailRequest struct {
	Email string `json:"email"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

type resetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

type registerResponse struct {
	Identity
	VerificationToken string `json:"verification_token,omitempty"`
}

type registerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type updateUserRequest struct {
	Name   *string `json:"name"`
	Role   *string `json:"role"`
	Status *string `json:"status"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if !httpx.DecodeJSON(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Email) == "" || body.Password == "" {
		httpx.WriteError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	tokens, err := h.service.Login(r.Context(), observability.ClientIP(r), body.Email, body.Password)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, tokens)
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var body refreshRequest
	if !httpx.DecodeJSON(w, r, &body) {
		return
	}

	tokens, err := h.service.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, tokens)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	var body refreshRequest
	if !httpx.DecodeJSON(w, r, &body) {
		return
	}

	if err := h.service.Logout(r.Context(), body.RefreshToken); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// RequestEmailVerification answers the same way whether or not the email is
// known, including when the lookup itself fails.
func (h *Handler) RequestEmailVerification(w http.ResponseWriter, r *http.Request) {
	var body emailRequest
	if !httpx.DecodeJSON(w, r, &body) {
		return
	}

	delivery, err := h.service.RequestEmailVerification(r.Context(), body.Email)
	if err != nil {
		h.logger.Error("request_email_verification_failed", map[string]any{"error": err.Error()})
		observability.CaptureError(r.Context(), err)
	}

	resp := map[string]any{"sent": true}
	if delivery.Token != "" {
		resp["verification_token"] = delivery.Token
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var body tokenRequest
	if !httpx.DecodeJSON(w, r, &body) {
		return
	}

	if err := h.service.VerifyEmail(r.Context(), body.Token); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]bool{"verified": true})
}

func (h *Handler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var body emailRequest
	if !httpx.DecodeJSON(w, r, &body) {
		return
	}

	delivery, err := h.service.ForgotPassword(r.Context(), body.Email)
	if err != nil {
		h.logger.Error("forgot_password_failed", map[string]any{"error": err.Error()})
		observability.CaptureError(r.Context(), err)
	}

	resp := map[string]any{"sent": true}
	if delivery.Token != "" {
		resp["reset_token"] = delivery.Token
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var body resetPasswordRequest
	if !httpx.DecodeJSON(w, r, &body) {
		return
	}

	if err := h.service.ResetPassword(r.Context(), body.Token, body.NewPassword); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]bool{"reset": true})
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var body registerRequest
	if !httpx.DecodeJSON(w, r, &body) {
		return
	}

	user, delivery, err := h.service.Register(r.Context(), RegisterInput{
		Name:     body.Name,
		Email:    body.Email,
		Password: body.Password,
		Role:     Role(strings.ToLower(strings.TrimSpace(body.Role))),
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	httpx.WriteJSON(w, http.StatusCreated, registerResponse{
		Identity:          user.Identity(),
		VerificationToken: delivery.Token,
	})
}

func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	offset, ok := queryInt(r, "offset", 0)
	if !ok || offset < 0 {
		httpx.WriteError(w, http.StatusBadRequest, "invalid offset")
		return
	}
	limit, ok := queryInt(r, "limit", defaultUserPageSize)
	if !ok || limit < 1 || limit > maxUserPageSize {
		httpx.WriteError(w, http.StatusBadRequest, "invalid limit")
		return
	}

	users, err := h.service.ListUsers(r.Context(), offset, limit)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	identities := make([]Identity, 0, len(users))
	for _, u := range users {
		identities = append(identities, u.Identity())
	}
	httpx.WriteJSON(w, http.StatusOK, identities)
}

func (h *Handler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	id, ok := userIDParam(r)
	if !ok {
		httpx.WriteError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	var body updateUserRequest
	if !httpx.DecodeJSON(w, r, &body) {
		return
	}

	changes := UserChanges{Name: body.Name}
	if body.Role != nil {
		role := Role(strings.ToLower(strings.TrimSpace(*body.Role)))
		changes.Role = &role
	}
	if body.Status != nil {
		status := Status(strings.ToLower(strings.TrimSpace(*body.Status)))
		changes.Status = &status
	}

	user, err := h.service.UpdateUser(r.Context(), id, changes)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, user.Identity())
}

func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	id, ok := userIDParam(r)
	if !ok {
		httpx.WriteError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	if err := h.service.DeleteUser(r.Context(), id); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func userIDParam(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, name string, fallback int) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "invalid or expired token")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, user.Identity())
}

// writeServiceError maps err through httpStatus. Anything outside the auth
// taxonomy is logged and reported as a 500.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *observability.Logger, err error) {
	status, message, known := httpStatus(err)
	if !known {
		logger.Error("auth_request_failed", map[string]any{
			"path":       r.URL.Path,
			"error":      err.Error(),
			"request_id": observability.RequestIDFromContext(r.Context()),
		})
		observability.CaptureError(r.Context(), err)
	}

	var rateErr *RateLimitError
	if errors.As(err, &rateErr) {
		w.Header().Set("Retry-After", strconv.Itoa(rateErr.RetryAfterSeconds()))
	}

	httpx.WriteError(w, status, message)
}
