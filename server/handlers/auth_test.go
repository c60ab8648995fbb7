package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/san-kum/helmet-detect/server/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newLoginRouter(t *testing.T) (*gin.Engine, *middleware.AuthMiddleware) {
	t.Helper()
	creds, err := middleware.NewCredentials("operator", "hunter2")
	require.NoError(t, err)
	auth := middleware.NewAuthMiddleware("test-secret", zap.NewNop())

	h := NewAuthHandler(creds, auth, time.Hour, zap.NewNop())
	h.now = func() time.Time { return time.Unix(1700000000, 0) }

	r := gin.New()
	r.POST("/login", h.Login)
	return r, auth
}

func TestLogin_IssuesAdminToken(t *testing.T) {
	r, auth := newLoginRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, jsonRequest(t, "/login", LoginRequest{Username: "operator", Password: "hunter2"}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp LoginResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(1700003600), resp.ExpiresAt)

	claims, err := auth.ValidateToken(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "operator", claims.Username)
	assert.Equal(t, "admin", claims.Role)
}

func TestLogin_Rejects(t *testing.T) {
	r, _ := newLoginRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, jsonRequest(t, "/login", LoginRequest{Username: "operator", Password: "nope"}))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Invalid credentials.", decodeDetail(t, w))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, jsonRequest(t, "/login", map[string]string{"username": "operator"}))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
