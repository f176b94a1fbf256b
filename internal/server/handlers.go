package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/destekhq/destek-server/internal/apierr"
	"github.com/destekhq/destek-server/internal/auth"
)

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	// CookieAuth asks for cookie-only delivery: tokens travel in the
	// HTTP-only cookies and are left out of the response body, so scripts
	// never see them.
	CookieAuth bool `json:"cookie_auth,omitempty"`
}

type tokenResponse struct {
	UserID           string    `json:"user_id,omitempty"`
	Username         string    `json:"username"`
	AccessToken      string    `json:"access_token,omitempty"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token,omitempty"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

func (s *Server) handleLogin(c *gin.Context) {
	var creds credentials
	if err := c.ShouldBindJSON(&creds); err != nil {
		apierr.AbortWithBadRequest(c, "invalid request body", nil)
		return
	}

	pair, err := s.auth.Login(c.Request.Context(), creds.Username, creds.Password, c.GetString("client_ip"))
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidInput):
			apierr.AbortWithBadRequest(c, err.Error(), nil)
		case errors.Is(err, auth.ErrLoginBlocked):
			apierr.AbortWithLocked(c, "too many failed attempts, try again later", nil)
		case errors.Is(err, auth.ErrInvalidCredentials):
			apierr.AbortWithUnauthorized(c, "invalid username or password", nil)
		default:
			s.logger.LogError(c.Request.Context(), err, "login failed")
			apierr.AbortWithInternal(c, "login failed", nil)
		}
		return
	}

	id, err := s.auth.Me(pair.AccessToken)
	if err != nil {
		apierr.AbortWithInternal(c, "login failed", nil)
		return
	}

	auth.SetAuthCookies(c, pair, s.cfg.IsProduction())
	resp := tokenResponse{
		UserID:           id.UserID,
		Username:         id.Username,
		AccessExpiresAt:  pair.AccessExpiresAt,
		RefreshExpiresAt: pair.RefreshExpiresAt,
	}
	if !creds.CookieAuth {
		resp.AccessToken = pair.AccessToken
		resp.RefreshToken = pair.RefreshToken
	}
	c.JSON(http.StatusOK, resp)
}

// refreshToken pulls the refresh token from the cookie or, for non-browser
// clients, the request body. fromCookie steers where the rotated tokens go
// back out: cookie clients get cookies only.
func refreshToken(c *gin.Context) (token string, fromCookie bool) {
	if cookie, err := c.Cookie(auth.RefreshCookieName); err == nil && cookie != "" {
		return cookie, true
	}
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.ShouldBindJSON(&body); err == nil {
		return body.RefreshToken, false
	}
	return "", false
}

func (s *Server) handleRefresh(c *gin.Context) {
	token, fromCookie := refreshToken(c)
	if token == "" {
		apierr.AbortWithUnauthorized(c, "refresh token required", nil)
		return
	}

	pair, err := s.auth.Refresh(c.Request.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidRefresh) {
			auth.ClearAuthCookies(c, s.cfg.IsProduction())
			apierr.AbortWithUnauthorized(c, "invalid refresh token", nil)
			return
		}
		s.logger.LogError(c.Request.Context(), err, "refresh failed")
		apierr.AbortWithInternal(c, "refresh failed", nil)
		return
	}

	id, err := s.auth.Me(pair.AccessToken)
	if err != nil {
		apierr.AbortWithInternal(c, "refresh failed", nil)
		return
	}

	auth.SetAuthCookies(c, pair, s.cfg.IsProduction())
	resp := tokenResponse{
		UserID:           id.UserID,
		Username:         id.Username,
		AccessExpiresAt:  pair.AccessExpiresAt,
		RefreshExpiresAt: pair.RefreshExpiresAt,
	}
	if !fromCookie {
		resp.AccessToken = pair.AccessToken
		resp.RefreshToken = pair.RefreshToken
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleLogout(c *gin.Context) {
	if token, _ := refreshToken(c); token != "" {
		if err := s.auth.Logout(c.Request.Context(), token); err != nil {
			s.logger.LogError(c.Request.Context(), err, "logout revocation failed")
		}
	}
	auth.ClearAuthCookies(c, s.cfg.IsProduction())
	c.Status(http.StatusNoContent)
}

func (s *Server) handleMe(c *gin.Context) {
	userID, _ := auth.GetUserID(c)
	username, _ := auth.GetUsername(c)
	c.JSON(http.StatusOK, auth.Identity{UserID: userID, Username: username})
}

// handleHistory returns the most recent turns of one of the caller's
// sessions, oldest first. The session may already be closed; history outlives
// the socket.
func (s *Server) handleHistory(c *gin.Context) {
	sessionID := c.Param("session_id")
	userID, _ := auth.GetUserID(c)

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 200 {
			apierr.AbortWithBadRequest(c, "limit must be between 1 and 200", nil)
			return
		}
		limit = parsed
	}

	messages, err := s.history.Recent(c.Request.Context(), sessionID, limit)
	if err != nil {
		s.logger.LogError(c.Request.Context(), err, "history lookup failed")
		apierr.AbortWithInternal(c, "history lookup failed", nil)
		return
	}
	for _, msg := range messages {
		if msg.UserID != userID {
			apierr.AbortWithUnauthorized(c, "cannot read another user's history", nil)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "messages": messages})
}

type healthCheck struct {
	Healthy   bool   `json:"healthy"`
	LatencyMS int64  `json:"latency_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

type healthResponse struct {
	Status   string                 `json:"status"`
	WorkerID string                 `json:"worker_id"`
	Checks   map[string]healthCheck `json:"checks"`
	Degraded []string               `json:"degraded,omitempty"`
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{
		Status:   "ok",
		WorkerID: s.hub.WorkerID(),
		Checks:   map[string]healthCheck{},
	}

	sess := s.sessions.HealthCheck(ctx)
	resp.Checks["sessions"] = healthCheck{Healthy: sess.Healthy, LatencyMS: sess.Latency.Milliseconds()}
	if !sess.Healthy {
		resp.Status = "unhealthy"
	}

	brokerCheck := healthCheck{Healthy: true}
	if err := s.broker.HealthCheck(ctx); err != nil {
		brokerCheck = healthCheck{Healthy: false, Error: err.Error()}
		resp.Status = "unhealthy"
	}
	resp.Checks["broker"] = brokerCheck

	if s.db != nil {
		dbCheck := healthCheck{Healthy: true}
		start := time.Now()
		if err := s.db.PingContext(ctx); err != nil {
			dbCheck = healthCheck{Healthy: false, Error: err.Error()}
			resp.Status = "unhealthy"
		} else {
			dbCheck.LatencyMS = time.Since(start).Milliseconds()
		}
		resp.Checks["database"] = dbCheck
	}

	if s.limiter.Degraded() {
		resp.Degraded = append(resp.Degraded, "ratelimit")
	}

	code := http.StatusOK
	if resp.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}

// handleWebSocket upgrades an authenticated client. The path user must be
// the authenticated principal; one client cannot attach to another user's
// stream.
func (s *Server) handleWebSocket(c *gin.Context) {
	pathUser := c.Param("user_id")
	authUser, ok := auth.GetUserID(c)
	if !ok || pathUser != authUser {
		apierr.AbortWithUnauthorized(c, "cannot attach to another user's stream", nil)
		return
	}

	if _, err := s.hub.Accept(c.Writer, c.Request, authUser, c.GetString("client_ip")); err != nil {
		s.logger.LogError(c.Request.Context(), err, "websocket accept failed")
		// The upgrade may have already hijacked the connection; nothing more
		// to write in that case.
	}
}
