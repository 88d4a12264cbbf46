package routes

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/gujaehyung/s2b-extend/internal/config"
	"github.com/gujaehyung/s2b-extend/internal/crypto"
	"github.com/gujaehyung/s2b-extend/internal/database/migrations"
	"github.com/gujaehyung/s2b-extend/internal/http/mw"
	"github.com/gujaehyung/s2b-extend/internal/metrics"
	"github.com/gujaehyung/s2b-extend/internal/models"
	"github.com/gujaehyung/s2b-extend/internal/repository"
	"github.com/gujaehyung/s2b-extend/internal/scheduler"
	"github.com/gujaehyung/s2b-extend/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	db.SetMaxOpenConns(1)
	if err := migrations.Run(db, nil); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type stubSessions struct {
	mu      sync.RWMutex
	started int
	stopped int
}

func (s *stubSessions) Start(_ context.Context, userID string, cfg models.AccountConfig) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started++
	return "sess-" + cfg.AccountID, nil
}

func (s *stubSessions) Get(id string) (models.Snapshot, error) {
	return models.Snapshot{}, session.ErrSessionNotFound
}

func (s *stubSessions) ActiveForUser(string) (models.Snapshot, bool) { return models.Snapshot{}, false }
func (s *stubSessions) Cancel(string) bool                          { return false }

func (s *stubSessions) StopAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped++
	return 0
}

func (s *stubSessions) Subscribe(context.Context, string) (<-chan models.ProgressEvent, func(), error) {
	return nil, nil, session.ErrSessionNotFound
}

func (s *stubSessions) Running() int { return 0 }

type stubSchedules struct{}

func (stubSchedules) Enable(context.Context, string, string, []string) ([]*models.ScheduleEntry, error) {
	return nil, nil
}
func (stubSchedules) Disable(context.Context, string) (int, error) { return 0, nil }
func (stubSchedules) Status(context.Context, string, string) (*scheduler.Status, error) {
	return &scheduler.Status{}, nil
}
func (stubSchedules) RunNow(context.Context, string, string) (string, error) {
	return "", scheduler.ErrEntryNotFound
}

type stubUsage struct{}

func (stubUsage) Usage(_ context.Context, _, plan string) (models.UsageSummary, error) {
	return models.UsageSummary{Plan: plan, Limit: 10}, nil
}

func newTestRouter(t *testing.T) (http.Handler, *stubSessions) {
	t.Helper()
	enc, err := crypto.NewEncryptorFromSecret("test-secret")
	if err != nil {
		t.Fatalf("failed to create encryptor: %v", err)
	}
	cfg := &config.Config{
		CORSOrigins:            []string{"*"},
		StartRequestsPerMinute: 2,
		AdminUserIDs:           []string{"ops"},
	}
	sessions := &stubSessions{}
	auth := mw.NewAuthenticator(mw.AuthConfig{
		JWTSecret:            "jwt-secret",
		AllowUnauthenticated: true,
		IsAdmin:              cfg.IsAdmin,
		Logger:               testLogger(),
	})
	router := NewRouter(Deps{
		Config:    cfg,
		Auth:      auth,
		Sessions:  sessions,
		Schedules: stubSchedules{},
		Usage:     stubUsage{},
		Repos:     repository.NewRepositories(setupTestDB(t), enc),
		Metrics:   metrics.New().Handler(),
		Logger:    testLogger(),
	})
	return router, sessions
}

func do(h http.Handler, method, path, userID, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set(mw.HeaderDevUserID, userID)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRouter_Routes(t *testing.T) {
	router, _ := newTestRouter(t)

	tests := []struct {
		name   string
		method string
		path   string
		userID string
		body   string
		want   int
	}{
		{"health is public", http.MethodGet, "/health", "", "", http.StatusOK},
		{"metrics is public", http.MethodGet, "/metrics", "", "", http.StatusOK},
		{"openapi is public", http.MethodGet, "/openapi.json", "", "", http.StatusOK},
		{"usage requires auth", http.MethodGet, "/api/v1/usage", "", "", http.StatusUnauthorized},
		{"usage", http.MethodGet, "/api/v1/usage", "u1", "", http.StatusOK},
		{"clear activity requires auth", http.MethodDelete, "/api/v1/usage/activity", "", "", http.StatusUnauthorized},
		{"clear activity", http.MethodDelete, "/api/v1/usage/activity", "u1", "", http.StatusOK},
		{"stream requires auth", http.MethodGet, "/api/v1/automation/sessions/s1/stream", "", "", http.StatusUnauthorized},
		{"stream of unknown session", http.MethodGet, "/api/v1/automation/sessions/s1/stream", "u1", "", http.StatusNotFound},
		{"websocket requires auth", http.MethodGet, "/api/v1/automation/sessions/s1/ws", "", "", http.StatusUnauthorized},
		{"session not found", http.MethodGet, "/api/v1/automation/sessions/s1", "u1", "", http.StatusNotFound},
		{"schedule", http.MethodGet, "/api/v1/schedule", "u1", "", http.StatusOK},
		{"run unscheduled account", http.MethodPost, "/api/v1/schedule/a1/run", "u1", "", http.StatusNotFound},
		{"accounts", http.MethodGet, "/api/v1/accounts", "u1", "", http.StatusOK},
		{"put account", http.MethodPut, "/api/v1/accounts/a1", "u1", `{"loginId":"vendor1","password":"pw","priceIncreaseRate":5}`, http.StatusOK},
		{"delete missing account", http.MethodDelete, "/api/v1/accounts/missing", "u1", "", http.StatusNotFound},
		{"stop-all requires admin", http.MethodPost, "/api/v1/automation/stop-all", "u1", "", http.StatusForbidden},
		{"stop-all as admin", http.MethodPost, "/api/v1/automation/stop-all", "ops", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(router, tt.method, tt.path, tt.userID, tt.body)
			if w.Code != tt.want {
				t.Errorf("%s %s = %d, want %d: %s", tt.method, tt.path, w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestRouter_DeleteAccount(t *testing.T) {
	router, _ := newTestRouter(t)

	if w := do(router, http.MethodPut, "/api/v1/accounts/a1", "u1", `{"loginId":"vendor1","password":"pw","priceIncreaseRate":5}`); w.Code != http.StatusOK {
		t.Fatalf("put = %d: %s", w.Code, w.Body.String())
	}
	if w := do(router, http.MethodDelete, "/api/v1/accounts/a1", "u1", ""); w.Code != http.StatusNoContent {
		t.Errorf("delete = %d, want 204", w.Code)
	}
}

func TestRouter_StartRateLimitedPerUser(t *testing.T) {
	router, sessions := newTestRouter(t)
	body := `{"accountId":"a1","loginId":"vendor1","password":"pw","priceIncreaseRate":5}`

	for i := 0; i < 2; i++ {
		if w := do(router, http.MethodPost, "/api/v1/automation/start", "u1", body); w.Code != http.StatusOK {
			t.Fatalf("start %d = %d: %s", i, w.Code, w.Body.String())
		}
	}
	if w := do(router, http.MethodPost, "/api/v1/automation/start", "u1", body); w.Code != http.StatusTooManyRequests {
		t.Errorf("third start = %d, want 429", w.Code)
	}
	if w := do(router, http.MethodPost, "/api/v1/automation/start", "u2", body); w.Code != http.StatusOK {
		t.Errorf("other user start = %d, want 200", w.Code)
	}

	sessions.mu.RLock()
	defer sessions.mu.RUnlock()
	if sessions.started != 3 {
		t.Errorf("started = %d, want 3", sessions.started)
	}
}

func TestRouter_OpenAPIDocument(t *testing.T) {
	router, _ := newTestRouter(t)

	w := do(router, http.MethodGet, "/openapi.json", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("openapi = %d", w.Code)
	}
	body := w.Body.String()
	for _, path := range []string{
		"/api/v1/automation/sessions/{id}/stream",
		"/api/v1/automation/start",
		"/api/v1/schedule",
		"/api/v1/accounts/{id}",
		"/api/v1/usage/activity",
	} {
		if !strings.Contains(body, `"`+path+`"`) {
			t.Errorf("%s missing from OpenAPI document", path)
		}
	}
	if strings.Contains(body, "stop-all") {
		t.Error("hidden operator route leaked into OpenAPI document")
	}
}
