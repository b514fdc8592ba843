package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"centrex/internal/apperr"
	"centrex/internal/model"
)

func TestLimitParamDefaultsAndCaps(t *testing.T) {
	s := &Server{}

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	assert.Equal(t, 10, s.limitParam(req, 10, 25))

	req = httptest.NewRequest(http.MethodGet, "/x?limit=5", nil)
	assert.Equal(t, 5, s.limitParam(req, 10, 25))

	req = httptest.NewRequest(http.MethodGet, "/x?limit=100", nil)
	assert.Equal(t, 25, s.limitParam(req, 10, 25), "limit should be capped at max")

	req = httptest.NewRequest(http.MethodGet, "/x?limit=-1", nil)
	assert.Equal(t, 10, s.limitParam(req, 10, 25), "negative limit falls back to default")
}

func TestJSONAppErrMapsCodeToStatus(t *testing.T) {
	w := httptest.NewRecorder()
	jsonAppErr(w, apperr.New(apperr.NotFound, "order not found"))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestJSONAppErrFallsBackToInternalForPlainError(t *testing.T) {
	w := httptest.NewRecorder()
	jsonAppErr(w, context.DeadlineExceeded)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestAdminOnlyRejectsRegularUser(t *testing.T) {
	s := &Server{}
	called := false
	h := s.adminOnly(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	user := &model.User{ID: uuid.New(), Role: model.RoleUser}
	req := httptest.NewRequest(http.MethodPost, "/admin/x", nil)
	req = req.WithContext(context.WithValue(req.Context(), ctxUser, user))
	w := httptest.NewRecorder()

	h.ServeHTTP(w, req)

	assert.False(t, called, "handler should not run for a non-admin user")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAdminOnlyAllowsAdmin(t *testing.T) {
	s := &Server{}
	called := false
	h := s.adminOnly(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	user := &model.User{ID: uuid.New(), Role: model.RoleAdmin}
	req := httptest.NewRequest(http.MethodPost, "/admin/x", nil)
	req = req.WithContext(context.WithValue(req.Context(), ctxUser, user))
	w := httptest.NewRecorder()

	h.ServeHTTP(w, req)

	require.True(t, called, "handler should run for an admin user")
}

func TestAuthMiddlewareRejectsMalformedHeader(t *testing.T) {
	s := &Server{}
	h := s.authMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run without a valid Authorization header")
	}))

	req := httptest.NewRequest(http.MethodGet, "/balance", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthMiddlewareRejectsNonUUIDToken(t *testing.T) {
	s := &Server{}
	h := s.authMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run for a malformed key")
	}))

	req := httptest.NewRequest(http.MethodGet, "/balance", nil)
	req.Header.Set("Authorization", "TOKEN not-a-uuid")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCorsMiddlewareShortCircuitsOptions(t *testing.T) {
	called := false
	h := corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/order", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.False(t, called, "handler should not run for a preflight OPTIONS request")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
