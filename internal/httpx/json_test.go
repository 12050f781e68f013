package httpx

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, http.StatusConflict, "email already registered")

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error":"email already registered"}`, rec.Body.String())
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		Email string `json:"email"`
	}

	tests := []struct {
		name string
		body string
		ok   bool
	}{
		{name: "valid", body: `{"email":"a@example.com"}`, ok: true},
		{name: "unknown field", body: `{"email":"a@example.com","admin":true}`},
		{name: "malformed", body: `{"email":`},
		{name: "empty", body: ``},
		{name: "too large", body: `{"email":"` + strings.Repeat("a", MaxJSONBodyBytes) + `"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))

			var dst payload
			ok := DecodeJSON(rec, req, &dst)

			require.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, "a@example.com", dst.Email)
				return
			}
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}
