package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type CredentialVerifier interface {
	Verify(username, password string) error
}

type TokenIssuer interface {
	GenerateToken(username, role string, duration time.Duration) (string, error)
}

type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type LoginResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

type AuthHandler struct {
	credentials CredentialVerifier
	tokens      TokenIssuer
	ttl         time.Duration
	logger      *zap.Logger
	now         func() time.Time
}

func NewAuthHandler(credentials CredentialVerifier, tokens TokenIssuer, ttl time.Duration, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		credentials: credentials,
		tokens:      tokens,
		ttl:         ttl,
		logger:      logger,
		now:         time.Now,
	}
}

// Login exchanges the operator credentials for an admin token.
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortDetail(c, http.StatusBadRequest, "Username and password are required.")
		return
	}

	if err := h.credentials.Verify(req.Username, req.Password); err != nil {
		h.logger.Warn("Failed login", zap.String("username", req.Username), zap.String("client_ip", c.ClientIP()))
		abortDetail(c, http.StatusUnauthorized, "Invalid credentials.")
		return
	}

	expires := h.now().Add(h.ttl)
	token, err := h.tokens.GenerateToken(req.Username, "admin", h.ttl)
	if err != nil {
		h.logger.Error("Failed to sign token", zap.Error(err))
		abortDetail(c, http.StatusInternalServerError, "Could not issue token.")
		return
	}

	c.JSON(http.StatusOK, LoginResponse{Token: token, ExpiresAt: expires.Unix()})
}
