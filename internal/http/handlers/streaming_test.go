package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/gujaehyung/s2b-extend/internal/http/mw"
	"github.com/gujaehyung/s2b-extend/internal/models"
)

// streamRouter mounts the stream handlers behind a fixed-user middleware.
func streamRouter(h *StreamHandler, userID string) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if userID != "" {
				req = req.WithContext(mw.WithUserClaims(req.Context(), &mw.UserClaims{UserID: userID, Tier: "free"}))
			}
			next.ServeHTTP(w, req)
		})
	})
	r.Get("/sessions/{id}/stream", h.Stream)
	r.Get("/sessions/{id}/ws", h.WebSocket)
	return r
}

func sessionEvents() chan models.ProgressEvent {
	ch := make(chan models.ProgressEvent, 4)
	ch <- models.ProgressEvent{Type: models.EventSnapshot, SessionID: "s1", Status: models.StatusRunning}
	ch <- models.ProgressEvent{Type: models.EventProcessing, SessionID: "s1", Current: 1, Total: 2}
	ch <- models.ProgressEvent{Type: models.EventComplete, SessionID: "s1", Status: models.StatusCompleted}
	close(ch)
	return ch
}

func TestStreamEventName(t *testing.T) {
	tests := []struct {
		typ  models.EventType
		want string
	}{
		{models.EventSnapshot, StreamEventStatus},
		{models.EventStatus, StreamEventStatus},
		{models.EventProcessing, StreamEventProgress},
		{models.EventQuota, StreamEventProgress},
		{models.EventComplete, StreamEventComplete},
	}
	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			if got := streamEventName(models.ProgressEvent{Type: tt.typ}); got != tt.want {
				t.Errorf("streamEventName(%s) = %q, want %q", tt.typ, got, tt.want)
			}
		})
	}
}

func TestStream_SSE(t *testing.T) {
	sessions := newMockSessions()
	sessions.add(models.Snapshot{ID: "s1", UserID: "u1", Status: models.StatusRunning})
	sessions.events = sessionEvents()
	h := NewStreamHandler(sessions, StreamOptions{}, testLogger())

	w := httptest.NewRecorder()
	streamRouter(h, "u1").ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/sessions/s1/stream", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	body := w.Body.String()
	for _, want := range []string{"event: status\n", "event: progress\n", "event: complete\n", `"sessionId":"s1"`, `"totalItems":`} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q:\n%s", want, body)
		}
	}
	if strings.Index(body, "event: status") > strings.Index(body, "event: complete") {
		t.Error("events out of order")
	}
}

func TestStream_Ownership(t *testing.T) {
	sessions := newMockSessions()
	sessions.add(models.Snapshot{ID: "s1", UserID: "u1", Status: models.StatusRunning})
	sessions.events = sessionEvents()
	h := NewStreamHandler(sessions, StreamOptions{}, testLogger())

	tests := []struct {
		name   string
		userID string
		path   string
		want   int
	}{
		{"anonymous", "", "/sessions/s1/stream", http.StatusUnauthorized},
		{"other user", "u2", "/sessions/s1/stream", http.StatusNotFound},
		{"unknown session", "u1", "/sessions/nope/stream", http.StatusNotFound},
		{"other user websocket", "u2", "/sessions/s1/ws", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			streamRouter(h, tt.userID).ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestStream_IdleTimeout(t *testing.T) {
	sessions := newMockSessions()
	sessions.add(models.Snapshot{ID: "s1", UserID: "u1", Status: models.StatusRunning})
	sessions.events = make(chan models.ProgressEvent) // never delivers
	h := NewStreamHandler(sessions, StreamOptions{IdleTimeout: 50 * time.Millisecond}, testLogger())

	done := make(chan struct{})
	go func() {
		defer close(done)
		streamRouter(h, "u1").ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/sessions/s1/stream", nil))
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("idle stream was not closed")
	}
}

func TestStream_WebSocket(t *testing.T) {
	sessions := newMockSessions()
	sessions.add(models.Snapshot{ID: "s1", UserID: "u1", Status: models.StatusRunning})
	sessions.events = sessionEvents()
	h := NewStreamHandler(sessions, StreamOptions{}, testLogger())

	srv := httptest.NewServer(streamRouter(h, "u1"))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/sessions/s1/ws", nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer func() { _ = conn.CloseNow() }()

	var got []string
	for {
		var msg StreamMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				t.Fatalf("unexpected close: %v", err)
			}
			break
		}
		got = append(got, msg.Event)
	}

	want := []string{StreamEventStatus, StreamEventProgress, StreamEventComplete}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", got, want)
	}
}
