package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/destekhq/destek-server/internal/auth"
	"github.com/destekhq/destek-server/internal/broker"
	"github.com/destekhq/destek-server/internal/config"
	"github.com/destekhq/destek-server/internal/history"
	"github.com/destekhq/destek-server/internal/hub"
	"github.com/destekhq/destek-server/internal/kv"
	"github.com/destekhq/destek-server/internal/logger"
	"github.com/destekhq/destek-server/internal/metrics"
	"github.com/destekhq/destek-server/internal/ratelimit"
	"github.com/destekhq/destek-server/internal/session"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: slog.LevelError, Format: "text"})
}

func newTestServer(t *testing.T) (*Server, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := kv.NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{
		Environment:        "test",
		WorkerID:           "worker-test",
		CORSAllowedOrigins: []string{"http://localhost:3000"},
	}

	hash, err := bcrypt.GenerateFromPassword([]byte("gizli-sifre-1"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	dir := auth.NewMemoryDirectory()
	dir.Add(&auth.User{ID: "u-1", Username: "aynur", PasswordHash: string(hash)})

	loginLimiter := ratelimit.New(store, ratelimit.Config{
		Window: 15 * time.Minute,
		Limits: map[ratelimit.Class]int{ratelimit.ClassLogin: 5},
	}, testLogger())

	minter := auth.NewLocalValidator("test-secret-0123456789abcdef0123456789", 15*time.Minute)
	authSvc := auth.NewService(auth.ServiceConfig{
		Store:        store,
		Directory:    dir,
		Validator:    minter,
		Minter:       minter,
		LoginLimiter: loginLimiter,
		RefreshTTL:   time.Hour,
		BlockTTL:     15 * time.Minute,
		Logger:       testLogger(),
	})

	sessions := session.NewMemoryStore(time.Hour)
	bus := broker.NewPubSubBroker(kv.NewMemoryPubSub(), testLogger())
	h := hub.New(hub.Config{
		WorkerID:      "worker-test",
		MaxFrameBytes: 65536,
		PingInterval:  30 * time.Second,
		PongTimeout:   10 * time.Second,
		SendQueueCap:  64,
		SessionTTL:    time.Hour,
	}, sessions, bus, func(context.Context, *session.Info, string) {}, metrics.New(), testLogger())

	generalLimiter := ratelimit.New(store, ratelimit.Config{
		Window: time.Minute,
		Limits: map[ratelimit.Class]int{ratelimit.ClassGeneral: 200},
	}, testLogger())

	chatStore := history.NewMemoryChatStore()
	srv := New(Dependencies{
		Config:   cfg,
		Auth:     authSvc,
		AuthMW:   auth.NewMiddleware(minter),
		Hub:      h,
		Sessions: sessions,
		Broker:   bus,
		Limiter:  generalLimiter,
		Metrics:  metrics.New(),
		History:  chatStore,
		Logger:   testLogger(),
	})
	return srv, srv.Router()
}

func postJSON(t *testing.T, router *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestLoginMeRefreshFlow(t *testing.T) {
	_, router := newTestServer(t)

	rec := postJSON(t, router, "/api/auth/login", credentials{Username: "aynur", Password: "gizli-sifre-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var tokens tokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &tokens); err != nil {
		t.Fatalf("undecodable login response: %v", err)
	}
	if tokens.AccessToken == "" || tokens.RefreshToken == "" {
		t.Fatal("expected both tokens in the response")
	}

	// Access with the bearer token.
	req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
	meRec := httptest.NewRecorder()
	router.ServeHTTP(meRec, req)
	if meRec.Code != http.StatusOK {
		t.Fatalf("me: expected 200, got %d", meRec.Code)
	}
	var id auth.Identity
	if err := json.Unmarshal(meRec.Body.Bytes(), &id); err != nil {
		t.Fatalf("undecodable me response: %v", err)
	}
	if id.Username != "aynur" {
		t.Errorf("unexpected identity %+v", id)
	}

	// Rotate.
	refreshRec := postJSON(t, router, "/api/auth/refresh", map[string]string{"refresh_token": tokens.RefreshToken})
	if refreshRec.Code != http.StatusOK {
		t.Fatalf("refresh: expected 200, got %d: %s", refreshRec.Code, refreshRec.Body.String())
	}

	// The consumed token is now rejected.
	reuseRec := postJSON(t, router, "/api/auth/refresh", map[string]string{"refresh_token": tokens.RefreshToken})
	if reuseRec.Code != http.StatusUnauthorized {
		t.Fatalf("reused refresh: expected 401, got %d", reuseRec.Code)
	}
}

func TestCookieAuthKeepsTokensOutOfBody(t *testing.T) {
	_, router := newTestServer(t)

	rec := postJSON(t, router, "/api/auth/login", credentials{Username: "aynur", Password: "gizli-sifre-1", CookieAuth: true})
	if rec.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var tokens tokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &tokens); err != nil {
		t.Fatalf("undecodable login response: %v", err)
	}
	if tokens.AccessToken != "" || tokens.RefreshToken != "" {
		t.Fatal("cookie_auth login must not echo tokens in the body")
	}

	var refreshCookie *http.Cookie
	for _, cookie := range rec.Result().Cookies() {
		if cookie.Name == auth.RefreshCookieName {
			refreshCookie = cookie
		}
	}
	if refreshCookie == nil || refreshCookie.Value == "" {
		t.Fatal("expected the refresh cookie to be set")
	}

	// Cookie-borne rotation keeps the new tokens out of the body too.
	req := httptest.NewRequest(http.MethodPost, "/api/auth/refresh", nil)
	req.AddCookie(refreshCookie)
	refreshRec := httptest.NewRecorder()
	router.ServeHTTP(refreshRec, req)
	if refreshRec.Code != http.StatusOK {
		t.Fatalf("refresh: expected 200, got %d: %s", refreshRec.Code, refreshRec.Body.String())
	}
	var rotated tokenResponse
	if err := json.Unmarshal(refreshRec.Body.Bytes(), &rotated); err != nil {
		t.Fatalf("undecodable refresh response: %v", err)
	}
	if rotated.AccessToken != "" || rotated.RefreshToken != "" {
		t.Fatal("cookie refresh must not echo tokens in the body")
	}

	var newRefresh string
	for _, cookie := range refreshRec.Result().Cookies() {
		if cookie.Name == auth.RefreshCookieName {
			newRefresh = cookie.Value
		}
	}
	if newRefresh == "" || newRefresh == refreshCookie.Value {
		t.Error("expected a rotated refresh cookie")
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	_, router := newTestServer(t)

	rec := postJSON(t, router, "/api/auth/login", credentials{Username: "aynur", Password: "yanlis-sifre"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestMeRequiresAuth(t *testing.T) {
	_, router := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	srv, router := newTestServer(t)
	ctx := context.Background()

	srv.history.Append(ctx, history.ChatMessage{SessionID: "s-1", UserID: "u-1", UserMessage: "merhaba", BotResponse: "Merhaba!", SourceTag: "static", CreatedAt: time.Now()})
	srv.history.Append(ctx, history.ChatMessage{SessionID: "s-1", UserID: "u-1", UserMessage: "mesai saatleri", BotResponse: "09:00-18:00 arası açığız.", SourceTag: "static", CreatedAt: time.Now()})
	srv.history.Append(ctx, history.ChatMessage{SessionID: "s-2", UserID: "u-2", UserMessage: "selam", BotResponse: "Merhaba!", SourceTag: "static", CreatedAt: time.Now()})

	rec := postJSON(t, router, "/api/auth/login", credentials{Username: "aynur", Password: "gizli-sifre-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d", rec.Code)
	}
	var tokens tokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &tokens); err != nil {
		t.Fatalf("undecodable login response: %v", err)
	}

	get := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	ownRec := get("/api/sessions/s-1/history")
	if ownRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", ownRec.Code, ownRec.Body.String())
	}
	var payload struct {
		SessionID string                `json:"session_id"`
		Messages  []history.ChatMessage `json:"messages"`
	}
	if err := json.Unmarshal(ownRec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("undecodable history response: %v", err)
	}
	if len(payload.Messages) != 2 || payload.Messages[0].UserMessage != "merhaba" {
		t.Errorf("unexpected history %+v", payload.Messages)
	}

	if rec := get("/api/sessions/s-2/history"); rec.Code != http.StatusUnauthorized {
		t.Errorf("foreign session: expected 401, got %d", rec.Code)
	}

	if rec := get("/api/sessions/s-1/history?limit=0"); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit: expected 400, got %d", rec.Code)
	}
}

func TestHealthReportsChecks(t *testing.T) {
	_, router := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var health healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("undecodable health response: %v", err)
	}
	if health.Status != "ok" || health.WorkerID != "worker-test" {
		t.Errorf("unexpected health %+v", health)
	}
	if _, ok := health.Checks["sessions"]; !ok {
		t.Error("expected a sessions check")
	}
}

func TestSecurityHeadersPresent(t *testing.T) {
	_, router := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	headers := rec.Header()
	if headers.Get("X-Frame-Options") != "DENY" {
		t.Error("missing X-Frame-Options")
	}
	if headers.Get("X-Content-Type-Options") != "nosniff" {
		t.Error("missing X-Content-Type-Options")
	}
	if headers.Get("Content-Security-Policy") == "" {
		t.Error("missing Content-Security-Policy")
	}
	if headers.Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}
}

func TestResolveClientIP(t *testing.T) {
	cases := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"peer address", nil, "192.0.2.10:1234", "192.0.2.10"},
		{"forwarded for", map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.1"}, "10.0.0.2:80", "203.0.113.7"},
		{"invalid forwarded falls through", map[string]string{"X-Forwarded-For": "not-an-ip", "X-Real-IP": "198.51.100.4"}, "10.0.0.2:80", "198.51.100.4"},
		{"cloudflare header", map[string]string{"CF-Connecting-IP": "198.51.100.9"}, "10.0.0.2:80", "198.51.100.9"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remote
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			if got := resolveClientIP(req); got != tc.want {
				t.Errorf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	_, router := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/auth/login", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Errorf("missing allow-origin header, got %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}
}
