package maintenance

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"ptsmanager/internal/httpx"
	"ptsmanager/internal/observability"
)

type CleanupHandler struct {
	task       *Task
	logger     *observability.Logger
	cronSecret string
}

func NewCleanupHandler(task *Task, logger *observability.Logger, cronSecret string) *CleanupHandler {
	if logger == nil {
		logger = observability.Discard()
	}
	return &CleanupHandler{
		task:       task,
		logger:     logger,
		cronSecret: strings.TrimSpace(cronSecret),
	}
}

// Handle serves the scheduler-facing route. It is hidden unless CRON_SECRET is
// set and requires it as a bearer token.
func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		httpx.WriteError(w, http.StatusNotFound, "not found")
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") ||
		subtle.ConstantTimeCompare([]byte(strings.TrimSpace(parts[1])), []byte(h.cronSecret)) != 1 {
		httpx.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	h.run(w, r)
}

// HandleAdmin runs the same cleanup for an authenticated admin. Role checks
// happen in the router.
func (h *CleanupHandler) HandleAdmin(w http.ResponseWriter, r *http.Request) {
	h.run(w, r)
}

func (h *CleanupHandler) run(w http.ResponseWriter, r *http.Request) {
	result, err := h.task.Run(r.Context())
	if err != nil {
		observability.CaptureError(r.Context(), err)
		httpx.WriteError(w, http.StatusInternalServerError, "cleanup failed")
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"result": result,
	})
}
