package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"
	"github.com/go-chi/chi/v5"

	"github.com/gujaehyung/s2b-extend/internal/constants"
	"github.com/gujaehyung/s2b-extend/internal/http/mw"
	"github.com/gujaehyung/s2b-extend/internal/logging"
	"github.com/gujaehyung/s2b-extend/internal/models"
)

// Stream event names. The snapshot and status transitions are "status",
// the terminal event is "complete" and everything else is "progress".
const (
	StreamEventStatus   = "status"
	StreamEventProgress = "progress"
	StreamEventComplete = "complete"
)

// streamEventName maps a progress event to its stream event name.
func streamEventName(ev models.ProgressEvent) string {
	switch ev.Type {
	case models.EventSnapshot, models.EventStatus:
		return StreamEventStatus
	case models.EventComplete:
		return StreamEventComplete
	default:
		return StreamEventProgress
	}
}

// StreamMessage is the WebSocket envelope of one event.
type StreamMessage struct {
	Event string               `json:"event"`
	Data  models.ProgressEvent `json:"data"`
}

// StreamOptions configures progress streams.
type StreamOptions struct {
	// Heartbeat defaults to constants.SSEHeartbeatInterval.
	Heartbeat time.Duration
	// IdleTimeout closes a stream that delivered no event for this long.
	// Zero keeps streams open until the session ends.
	IdleTimeout time.Duration
	// OriginPatterns are WebSocket origins accepted besides same-origin.
	OriginPatterns []string
}

// StreamHandler streams session progress over SSE and WebSocket.
type StreamHandler struct {
	sessions SessionService
	opts     StreamOptions
	logger   *slog.Logger
}

// NewStreamHandler creates a stream handler.
func NewStreamHandler(sessions SessionService, opts StreamOptions, logger *slog.Logger) *StreamHandler {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = constants.SSEHeartbeatInterval
	}
	return &StreamHandler{
		sessions: sessions,
		opts:     opts,
		logger:   logger.With("component", "stream_handler"),
	}
}

// idleTimer returns a channel firing after IdleTimeout and a reset func.
// The channel is nil when no idle timeout is configured.
func (h *StreamHandler) idleTimer() (<-chan time.Time, func(), func()) {
	if h.opts.IdleTimeout <= 0 {
		return nil, func() {}, func() {}
	}
	t := time.NewTimer(h.opts.IdleTimeout)
	reset := func() {
		if !t.Stop() {
			select {
			case <-t.C:
			default:
			}
		}
		t.Reset(h.opts.IdleTimeout)
	}
	return t.C, reset, func() { t.Stop() }
}

// subscribe resolves the caller and opens a subscription to a session they own.
func (h *StreamHandler) subscribe(w http.ResponseWriter, r *http.Request) (<-chan models.ProgressEvent, func(), bool) {
	claims := mw.GetUserClaims(r.Context())
	if claims == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return nil, nil, false
	}

	id := chi.URLParam(r, "id")
	snap, err := h.sessions.Get(id)
	if err != nil || snap.UserID != claims.UserID {
		http.Error(w, `{"error":"session not found"}`, http.StatusNotFound)
		return nil, nil, false
	}

	events, unsubscribe, err := h.sessions.Subscribe(r.Context(), id)
	if err != nil {
		http.Error(w, `{"error":"session not found"}`, http.StatusNotFound)
		return nil, nil, false
	}
	return events, unsubscribe, true
}

// Stream handles SSE streaming of session progress.
// This is a raw HTTP handler (not Huma) to support SSE.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error":"streaming not supported"}`, http.StatusInternalServerError)
		return
	}

	events, unsubscribe, ok := h.subscribe(w, r)
	if !ok {
		return
	}
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Sessions outlive the server write timeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(h.opts.Heartbeat)
	defer heartbeat.Stop()
	idle, resetIdle, stopIdle := h.idleTimer()
	defer stopIdle()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-idle:
			return
		case <-heartbeat.C:
			sendSSEHeartbeat(w, flusher)
		case ev, ok := <-events:
			if !ok {
				return
			}
			sendSSEEvent(w, flusher, streamEventName(ev), ev)
			resetIdle()
		}
	}
}

// sendSSEEvent sends a Server-Sent Event.
func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\n", event)
	_, _ = fmt.Fprintf(w, "data: %s\n\n", jsonData)
	flusher.Flush()
}

// sendSSEHeartbeat sends an SSE comment as a keepalive.
func sendSSEHeartbeat(w http.ResponseWriter, flusher http.Flusher) {
	_, _ = fmt.Fprintf(w, ": heartbeat\n\n")
	flusher.Flush()
}

// WebSocket mirrors the SSE stream over a WebSocket connection. Client
// messages are ignored; the connection closes when the stream ends.
func (h *StreamHandler) WebSocket(w http.ResponseWriter, r *http.Request) {
	events, unsubscribe, ok := h.subscribe(w, r)
	if !ok {
		return
	}
	defer unsubscribe()

	logger := logging.FromContext(r.Context(), h.logger)
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.opts.OriginPatterns,
	})
	if err != nil {
		logger.Debug("failed to accept websocket", "error", err)
		return
	}
	defer func() { _ = ws.CloseNow() }()

	// CloseRead discards client frames and cancels ctx when the peer goes away.
	ctx := ws.CloseRead(r.Context())

	heartbeat := time.NewTicker(h.opts.Heartbeat)
	defer heartbeat.Stop()
	idle, resetIdle, stopIdle := h.idleTimer()
	defer stopIdle()

	for {
		select {
		case <-ctx.Done():
			return
		case <-idle:
			_ = ws.Close(websocket.StatusNormalClosure, "idle")
			return
		case <-heartbeat.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := ws.Ping(pingCtx)
			cancel()
			if err != nil {
				logger.Debug("websocket ping failed", "error", err)
				return
			}
		case ev, ok := <-events:
			if !ok {
				_ = ws.Close(websocket.StatusNormalClosure, "stream ended")
				return
			}
			if err := wsjson.Write(ctx, ws, StreamMessage{Event: streamEventName(ev), Data: ev}); err != nil {
				if !errors.Is(err, context.Canceled) {
					logger.Debug("websocket write failed", "error", err)
				}
				return
			}
			resetIdle()
		}
	}
}

// Distinct event types for OpenAPI schema generation. All carry a
// models.ProgressEvent payload.
type (
	SSEStatusEvent   struct{ models.ProgressEvent }
	SSEProgressEvent struct{ models.ProgressEvent }
	SSECompleteEvent struct{ models.ProgressEvent }
)

// StreamInput selects the session to stream.
type StreamInput struct {
	ID string `path:"id" doc:"Session ID to stream"`
}

// RegisterRawEndpoints documents the raw stream endpoints in the OpenAPI
// document. The actual handlers are mounted on the chi router.
func (h *StreamHandler) RegisterRawEndpoints(api huma.API) {
	sse.Register(api, huma.Operation{
		OperationID: "streamSession",
		Method:      http.MethodGet,
		Path:        "/api/v1/automation/sessions/{id}/stream",
		Summary:     "Stream session progress via SSE",
		Description: `Server-Sent Events stream of a session.

Events sent:
- **status**: initial snapshot and state changes
- **progress**: per-page and per-item progress
- **complete**: final result; the stream closes afterwards

Every event carries both total and totalItems with the same value.

Heartbeat comments are sent every 15 seconds. The stream also closes after
30 seconds without an event; reconnect to receive a fresh snapshot.
The same events are available as JSON messages on /ws.`,
		Tags:     []string{"Automation"},
		Security: []map[string][]string{{mw.SecurityScheme: {}}},
	}, map[string]any{
		StreamEventStatus:   SSEStatusEvent{},
		StreamEventProgress: SSEProgressEvent{},
		StreamEventComplete: SSECompleteEvent{},
	}, func(ctx context.Context, input *StreamInput, send sse.Sender) {
		// Documentation only; the chi route serves the stream.
		<-ctx.Done()
	})
}
