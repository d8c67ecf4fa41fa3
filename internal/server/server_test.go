package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/jonboulle/clockwork"
	"github.com/pashagolub/pgxmock/v4"

	"github.com/awarelab/awarelab/internal/auth"
	"github.com/awarelab/awarelab/internal/catalog"
	"github.com/awarelab/awarelab/internal/certificate"
	"github.com/awarelab/awarelab/internal/notify"
	"github.com/awarelab/awarelab/internal/player"
	"github.com/awarelab/awarelab/internal/progress"
	"github.com/awarelab/awarelab/internal/ratelimit"
	"github.com/awarelab/awarelab/internal/server"
	"github.com/awarelab/awarelab/internal/watch"
)

const (
	testSecret = "test-secret"
	testUserID = "550e8400-e29b-41d4-a716-446655440000"
)

type mockPinger struct{ err error }

func (m *mockPinger) Ping(ctx context.Context) error { return m.err }

type remoteHost struct{ clock clockwork.Clock }

func (h remoteHost) Ready(context.Context) error { return nil }

func (h remoteHost) Embed(context.Context, string, string, player.Options) (player.Widget, error) {
	return player.NewRemoteWidget(h.clock, 0), nil
}

func newServerWithoutDB() *server.Server {
	return server.New(server.Config{})
}

func newServerWithSPA(webFS fstest.MapFS) *server.Server {
	return server.New(server.Config{WebFS: webFS})
}

func newFullServer(t *testing.T) (*server.Server, *player.Adapter) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgxmock pool: %v", err)
	}
	t.Cleanup(func() { mock.Close() })

	clock := clockwork.NewFakeClock()
	cat, err := catalog.Default()
	if err != nil {
		t.Fatal(err)
	}
	inbox := notify.NewInbox(notify.DefaultInboxSize, clock)
	manager := progress.NewManager(progress.NewPGStore(mock, cat, clock), cat, inbox)
	adapter := player.NewAdapter(remoteHost{clock: clock}, clock)
	players := watch.NewHandler(adapter, cat, inbox, clock)
	players.SetNotifierSources(manager)
	certs := certificate.NewService(mock, nil, manager, "https://learn.example.com")

	srv := server.New(server.Config{
		DB:           mock,
		Pinger:       &mockPinger{},
		JWTSecret:    testSecret,
		BaseURL:      "https://learn.example.com",
		EnableDocs:   true,
		Progress:     progress.NewHandler(manager, cat),
		Certificates: certificate.NewHandler(certs),
		Players:      players,
		Inbox:        inbox,
	})
	t.Cleanup(func() { adapter.DestroyAll() })
	return srv, adapter
}

func testWebFS() fstest.MapFS {
	return fstest.MapFS{
		"index.html":     {Data: []byte("<html>app</html>")},
		"assets/app.js":  {Data: []byte("console.log('app')")},
		"assets/app.css": {Data: []byte("body{}")},
	}
}

func executeRequest(srv http.Handler, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func executeAuthenticated(t *testing.T, srv http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	token, err := auth.GenerateAccessToken(testSecret, testUserID)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

// --- Health ---

func TestHealthEndpoint(t *testing.T) {
	tests := []struct {
		name   string
		pinger server.Pinger
		status int
		body   string
	}{
		{"no pinger", nil, http.StatusOK, `{"status":"ok"}`},
		{"ping ok", &mockPinger{}, http.StatusOK, `{"status":"ok"}`},
		{"ping fails", &mockPinger{err: errors.New("connection refused")}, http.StatusServiceUnavailable, `{"status":"unhealthy","error":"database unreachable"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := executeRequest(server.New(server.Config{Pinger: tt.pinger}), http.MethodGet, "/api/health")
			if rec.Code != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, rec.Code)
			}
			if rec.Body.String() != tt.body {
				t.Errorf("expected body %q, got %q", tt.body, rec.Body.String())
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("expected application/json, got %q", ct)
			}
		})
	}
}

func TestHealthEndpointWrongMethodReturnsMethodNotAllowed(t *testing.T) {
	rec := executeRequest(newServerWithoutDB(), http.MethodPost, "/api/health")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for POST /api/health, got %d", rec.Code)
	}
}

func TestLimitsEndpoint(t *testing.T) {
	rec := executeRequest(newServerWithoutDB(), http.MethodGet, "/api/limits")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var limits map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &limits); err != nil {
		t.Fatal(err)
	}
	if limits["containerId"] != 64 || limits["password"] != 72 {
		t.Errorf("unexpected limits: %v", limits)
	}
}

// --- Route registration ---

func TestNilDBRoutesNotRegistered(t *testing.T) {
	srv := newServerWithoutDB()
	for _, path := range []string{"/api/auth/login", "/api/players", "/api/certificates"} {
		rec := executeRequest(srv, http.MethodPost, path)
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404 for %s without DB, got %d", path, rec.Code)
		}
	}
}

func TestCatalogIsPublic(t *testing.T) {
	srv, _ := newFullServer(t)
	rec := executeRequest(srv, http.MethodGet, "/api/catalog")
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestDocsRegisteredWhenEnabled(t *testing.T) {
	srv, _ := newFullServer(t)
	if rec := executeRequest(srv, http.MethodGet, "/api/docs/openapi.yaml"); rec.Code != http.StatusOK {
		t.Errorf("expected openapi document, got %d", rec.Code)
	}
	if rec := executeRequest(newServerWithoutDB(), http.MethodGet, "/api/docs"); rec.Code != http.StatusNotFound {
		t.Errorf("expected docs to be off by default, got %d", rec.Code)
	}
}

func TestProtectedRoutesRequireAuth(t *testing.T) {
	srv, _ := newFullServer(t)
	routes := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/dashboard"},
		{http.MethodGet, "/api/profile"},
		{http.MethodGet, "/api/modules/phishing/progress"},
		{http.MethodPost, "/api/modules/phishing/quiz"},
		{http.MethodGet, "/api/notifications"},
		{http.MethodPost, "/api/players"},
		{http.MethodPost, "/api/players/modal-1/events"},
		{http.MethodDelete, "/api/players/modal-1"},
		{http.MethodPost, "/api/certificates"},
		{http.MethodGet, "/api/certificates"},
		{http.MethodGet, "/api/certificates/abc/download"},
	}
	for _, rt := range routes {
		rec := executeRequest(srv, rt.method, rt.path)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: expected 401, got %d", rt.method, rt.path, rec.Code)
		}
	}
}

func TestPlayerLifecycleThroughRouter(t *testing.T) {
	srv, adapter := newFullServer(t)

	rec := executeAuthenticated(t, srv, http.MethodPost, "/api/players", `{"containerId":"modal-1","videoId":"mfa-explained","moduleId":"passwords"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if adapter.Len() != 1 {
		t.Fatalf("expected one live player, got %d", adapter.Len())
	}

	rec = executeAuthenticated(t, srv, http.MethodPost, "/api/players/modal-1/events", `{"type":"ready"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = executeAuthenticated(t, srv, http.MethodGet, "/api/notifications", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = executeAuthenticated(t, srv, http.MethodDelete, "/api/players/modal-1", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if adapter.Len() != 0 {
		t.Errorf("expected player to be torn down, got %d", adapter.Len())
	}
}

func TestAuthRoutesRateLimited(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()
	srv := server.New(server.Config{
		DB:          mock,
		JWTSecret:   testSecret,
		AuthLimiter: ratelimit.NewLimiter(0.5, 2, ratelimit.WithClock(clockwork.NewFakeClock())),
	})

	var codes []int
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/register", strings.NewReader("{}"))
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusBadRequest || codes[2] != http.StatusTooManyRequests {
		t.Errorf("expected 400 then 429, got %v", codes)
	}
}

func TestSecurityHeadersApplied(t *testing.T) {
	rec := executeRequest(newServerWithoutDB(), http.MethodGet, "/api/health")
	if rec.Header().Get("Content-Security-Policy") == "" {
		t.Error("expected CSP header")
	}
	if rec.Header().Get("X-Frame-Options") != "SAMEORIGIN" {
		t.Errorf("expected X-Frame-Options SAMEORIGIN, got %q", rec.Header().Get("X-Frame-Options"))
	}
}

// --- SPA ---

func TestSPA(t *testing.T) {
	srv := newServerWithSPA(testWebFS())
	tests := []struct {
		name        string
		path        string
		body        string
		contentType string
	}{
		{"asset", "/assets/app.js", "console.log('app')", "text/javascript; charset=utf-8"},
		{"stylesheet", "/assets/app.css", "body{}", "text/css; charset=utf-8"},
		{"root", "/", "<html>app</html>", ""},
		{"client route", "/modules/phishing", "<html>app</html>", ""},
		{"nested client route", "/some/deeply/nested/route", "<html>app</html>", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := executeRequest(srv, http.MethodGet, tt.path)
			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rec.Code)
			}
			if rec.Body.String() != tt.body {
				t.Errorf("expected body %q, got %q", tt.body, rec.Body.String())
			}
			if tt.contentType != "" && rec.Header().Get("Content-Type") != tt.contentType {
				t.Errorf("expected Content-Type %q, got %q", tt.contentType, rec.Header().Get("Content-Type"))
			}
		})
	}
}

func TestSPADoesNotInterceptAPI(t *testing.T) {
	srv := newServerWithSPA(testWebFS())

	rec := executeRequest(srv, http.MethodGet, "/api/health")
	if rec.Body.String() != `{"status":"ok"}` {
		t.Errorf("expected health JSON, got %q", rec.Body.String())
	}

	rec = executeRequest(srv, http.MethodGet, "/api/unknown")
	if rec.Code != http.StatusNotFound || !strings.Contains(rec.Body.String(), `"error"`) {
		t.Errorf("expected JSON 404 for unknown API path, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestUnknownRouteReturns404WithoutSPA(t *testing.T) {
	rec := executeRequest(newServerWithoutDB(), http.MethodGet, "/unknown")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown route without SPA, got %d", rec.Code)
	}
}
