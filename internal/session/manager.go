// Package session tracks automation sessions: at most one active session per
// user, a forward-only state machine, a bounded progress log, and live
// subscriptions for progress streaming.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/gujaehyung/s2b-extend/internal/constants"
	"github.com/gujaehyung/s2b-extend/internal/logging"
	"github.com/gujaehyung/s2b-extend/internal/metrics"
	"github.com/gujaehyung/s2b-extend/internal/models"
)

var (
	// ErrSessionNotFound is returned when a session doesn't exist or was purged.
	ErrSessionNotFound = errors.New("session not found")
	// ErrConflict is returned by Start when the user already has a non-terminal session.
	ErrConflict = errors.New("automation session already running")
	// ErrManagerClosed is returned by Start after shutdown began.
	ErrManagerClosed = errors.New("session manager is closed")
	// ErrInvalidTransition is returned for state changes the state machine forbids.
	ErrInvalidTransition = errors.New("invalid session state transition")
	// ErrResultAlreadySet is returned when a session's result is reported twice.
	ErrResultAlreadySet = errors.New("session result already set")
)

// QuotaChecker rejects a start when the user's plan allowance is exhausted.
type QuotaChecker interface {
	Check(ctx context.Context, userID, plan string) error
}

// Purger drops idempotency records older than a cutoff.
type Purger interface {
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// Reporter is the view of a session handed to a Runner.
type Reporter interface {
	ID() string
	UserID() string
	Config() models.AccountConfig
	// CancelRequested reports whether Cancel was called. Runners consult it
	// between items.
	CancelRequested() bool
	// Cancelled is closed when cancellation is requested, for interruptible waits.
	Cancelled() <-chan struct{}
	Report(ev models.ProgressEvent)
	SetState(status models.SessionStatus) error
}

// Runner executes one session to completion and returns its result.
// The manager applies the result as the terminal transition.
type Runner interface {
	Run(ctx context.Context, r Reporter) models.Result
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, r Reporter) models.Result

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, r Reporter) models.Result { return f(ctx, r) }

// Options configures a Manager. Zero values take the documented defaults.
type Options struct {
	Retention       time.Duration // terminal sessions are kept this long (1h)
	CleanupInterval time.Duration // purge loop period (1h)
	LogLimit        int           // log entries kept per session (200)
	IdleTimeout     time.Duration // subscriptions close after this long without an event (30s)

	// Purger and PurgeAfter optionally trim idempotency records on each cleanup.
	Purger     Purger
	PurgeAfter time.Duration

	// OnFinish, when set, receives the final snapshot of every session after
	// its terminal transition. It runs on the session's goroutine.
	OnFinish func(ctx context.Context, snap models.Snapshot)

	Metrics *metrics.Metrics
}

const subscriberBuffer = 64

type session struct {
	id        string
	userID    string
	cfg       models.AccountConfig
	status    models.SessionStatus
	progress  models.Progress
	result    *models.Result
	logs      []models.ProgressEvent
	createdAt time.Time
	started   *time.Time
	finished  *time.Time

	cancelRequested bool
	cancelCh        chan struct{}
	// interrupted is set when Shutdown found the session still running.
	interrupted bool

	subscribers map[int]chan models.ProgressEvent
}

func (s *session) snapshot() models.Snapshot {
	snap := models.Snapshot{
		ID:              s.id,
		UserID:          s.userID,
		AccountID:       s.cfg.AccountID,
		Plan:            s.cfg.Plan,
		PriceRate:       s.cfg.PriceRate,
		Trigger:         s.cfg.Trigger,
		Status:          s.status,
		Progress:        s.progress,
		Logs:            append([]models.ProgressEvent(nil), s.logs...),
		CancelRequested: s.cancelRequested,
		Interrupted:     s.interrupted,
		CreatedAt:       s.createdAt,
	}
	if s.result != nil {
		r := *s.result
		r.Errors = append([]string(nil), s.result.Errors...)
		snap.Result = &r
	}
	if s.started != nil {
		t := *s.started
		snap.StartedAt = &t
	}
	if s.finished != nil {
		t := *s.finished
		snap.FinishedAt = &t
	}
	return snap
}

// Manager is the in-memory session registry.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*session
	active   map[string]string // user id -> non-terminal session id
	nextSub  int
	closed   bool

	runner Runner
	quota  QuotaChecker
	opts   Options
	now    func() time.Time

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup

	logger *slog.Logger
}

// NewManager creates a manager that runs sessions with runner and rejects
// starts the quota checker refuses.
func NewManager(runner Runner, quota QuotaChecker, opts Options, logger *slog.Logger) *Manager {
	if opts.Retention <= 0 {
		opts.Retention = time.Hour
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = time.Hour
	}
	if opts.LogLimit <= 0 {
		opts.LogLimit = 200
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 30 * time.Second
	}
	runCtx, runCancel := context.WithCancel(context.Background())
	return &Manager{
		sessions:  make(map[string]*session),
		active:    make(map[string]string),
		runner:    runner,
		quota:     quota,
		opts:      opts,
		now:       time.Now,
		runCtx:    runCtx,
		runCancel: runCancel,
		logger:    logger.With("component", "session_manager"),
	}
}

// Start validates cfg, checks the user's quota and launches a new session.
// The one-active-session-per-user check and the registration are atomic.
func (m *Manager) Start(ctx context.Context, userID string, cfg models.AccountConfig) (string, error) {
	if err := cfg.Validate(constants.MinPriceRate, constants.MaxPriceRate); err != nil {
		return "", err
	}
	if cfg.Trigger == "" {
		cfg.Trigger = models.TriggerManual
	}
	cfg.Plan = constants.NormalizeTierName(cfg.Plan)
	if !constants.KnownTier(cfg.Plan) {
		cfg.Plan = constants.TierFree
	}

	id := ulid.Make().String()

	// Reserve the user's slot so concurrent starts fail fast while the quota
	// lookup runs outside the lock.
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrManagerClosed
	}
	if _, busy := m.active[userID]; busy {
		m.mu.Unlock()
		return "", ErrConflict
	}
	m.active[userID] = id
	m.mu.Unlock()

	if m.quota != nil {
		if err := m.quota.Check(ctx, userID, cfg.Plan); err != nil {
			m.mu.Lock()
			delete(m.active, userID)
			m.mu.Unlock()
			return "", err
		}
	}

	now := m.now()
	s := &session{
		id:          id,
		userID:      userID,
		cfg:         cfg,
		status:      models.StatusPending,
		createdAt:   now,
		cancelCh:    make(chan struct{}),
		subscribers: make(map[int]chan models.ProgressEvent),
	}

	m.mu.Lock()
	if m.closed {
		delete(m.active, userID)
		m.mu.Unlock()
		return "", ErrManagerClosed
	}
	m.sessions[id] = s
	m.appendLocked(s, models.ProgressEvent{
		Type:    models.EventStatus,
		Message: "Automation session created",
	})
	m.wg.Add(1)
	m.mu.Unlock()

	m.opts.Metrics.SessionStarted(string(cfg.Trigger))
	m.logger.Info("session started",
		"session_id", id,
		"account_id", cfg.AccountID,
		"plan", cfg.Plan,
		"trigger", cfg.Trigger,
	)

	go m.run(&handle{m: m, id: id, userID: userID, cfg: cfg, cancelCh: s.cancelCh})
	return id, nil
}

func (m *Manager) run(h *handle) {
	defer m.wg.Done()

	ctx := logging.WithSessionID(logging.WithUserID(m.runCtx, h.userID), h.id)

	var result models.Result
	func() {
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("session runner panicked", "session_id", h.id, "panic", r)
				result = models.Result{
					ErrorKind: models.ErrorKindInternal,
					Errors:    []string{fmt.Sprintf("internal error: %v", r)},
					Summary:   "The automation run stopped because of an internal error.",
				}
			}
		}()
		result = m.runner.Run(ctx, h)
	}()

	if err := m.ReportResult(h.id, result); err != nil && !errors.Is(err, ErrResultAlreadySet) {
		m.logger.Warn("failed to apply session result", "session_id", h.id, "error", err)
	}

	if m.opts.OnFinish != nil {
		if snap, err := m.Get(h.id); err == nil {
			m.opts.OnFinish(context.WithoutCancel(ctx), snap)
		}
	}
}

// Get returns a snapshot of the session.
func (m *Manager) Get(id string) (models.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return models.Snapshot{}, ErrSessionNotFound
	}
	return s.snapshot(), nil
}

// ActiveForUser returns the user's non-terminal session, if any.
func (m *Manager) ActiveForUser(userID string) (models.Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.active[userID]
	if !ok {
		return models.Snapshot{}, false
	}
	s, ok := m.sessions[id]
	if !ok {
		return models.Snapshot{}, false
	}
	return s.snapshot(), true
}

// Stats returns log-derived counters and throughput for the session.
func (m *Manager) Stats(id string) (models.SessionStats, error) {
	snap, err := m.Get(id)
	if err != nil {
		return models.SessionStats{}, err
	}
	return snap.Stats(m.now()), nil
}

// Running returns the number of non-terminal sessions.
func (m *Manager) Running() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// Cancel requests cooperative cancellation. It returns true while the session
// is running (including repeated requests) and false otherwise.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok || s.status != models.StatusRunning {
		return false
	}
	if s.cancelRequested {
		return true
	}
	m.requestCancelLocked(s)
	m.logger.Info("session cancellation requested", "session_id", id)
	return true
}

func (m *Manager) requestCancelLocked(s *session) {
	s.cancelRequested = true
	close(s.cancelCh)
	m.appendLocked(s, models.ProgressEvent{
		Type:    models.EventStatus,
		Message: "Cancellation requested; stopping after the current listing",
	})
}

// StopAll requests cancellation of every non-terminal session and returns
// how many were signalled.
func (m *Manager) StopAll() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, s := range m.sessions {
		if s.status.IsTerminal() || s.cancelRequested {
			continue
		}
		m.requestCancelLocked(s)
		n++
	}
	if n > 0 {
		m.logger.Info("stop-all requested", "sessions", n)
	}
	return n
}

// ReportProgress appends ev to the session log, updates progress counters
// and notifies subscribers. Events for terminal sessions are dropped.
func (m *Manager) ReportProgress(id string, ev models.ProgressEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if s.status.IsTerminal() {
		return ErrInvalidTransition
	}

	if ev.Total > 0 {
		s.progress.Total = ev.Total
	}
	if ev.Discovered > 0 {
		s.progress.Discovered = ev.Discovered
	}
	if ev.Current > s.progress.Attempted {
		s.progress.Attempted = ev.Current
	}
	if ev.ItemsProcessed > s.progress.Succeeded {
		s.progress.Succeeded = ev.ItemsProcessed
	}
	if ev.Type == models.EventError && ev.ItemID != "" {
		s.progress.Failed++
	}
	if ev.CurrentTask != "" {
		s.progress.CurrentTask = ev.CurrentTask
	}
	s.progress.Percentage = s.progress.Percent()

	m.appendLocked(s, ev)
	return nil
}

// SetState moves the session forward through the state machine.
func (m *Manager) SetState(id string, status models.SessionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	return m.transitionLocked(s, status, "")
}

// ReportResult stores the terminal result and applies the state it implies.
func (m *Manager) ReportResult(id string, result models.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if s.result != nil {
		return ErrResultAlreadySet
	}
	if result.Errors == nil {
		result.Errors = []string{}
	}
	s.result = &result

	if s.status.IsTerminal() {
		return nil
	}
	return m.transitionLocked(s, result.FinalStatus(), result.Summary)
}

func (m *Manager) transitionLocked(s *session, next models.SessionStatus, message string) error {
	if !s.status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.status, next)
	}
	now := m.now()
	s.status = next

	ev := models.ProgressEvent{Type: models.EventStatus, Message: message}
	switch {
	case next == models.StatusRunning:
		s.started = &now
		if ev.Message == "" {
			ev.Message = "Automation started"
		}
	case next.IsTerminal():
		s.finished = &now
		ev.Type = models.EventComplete
		if ev.Message == "" {
			ev.Message = "Automation " + string(next)
		}
	}
	m.appendLocked(s, ev)

	if next.IsTerminal() {
		m.finishLocked(s, now)
	}
	return nil
}

func (m *Manager) finishLocked(s *session, now time.Time) {
	if m.active[s.userID] == s.id {
		delete(m.active, s.userID)
	}
	for subID, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, subID)
	}

	started := s.createdAt
	if s.started != nil {
		started = *s.started
	}
	m.opts.Metrics.SessionFinished(string(s.status), now.Sub(started))
	m.logger.Info("session finished",
		"session_id", s.id,
		"status", s.status,
		"attempted", s.progress.Attempted,
		"succeeded", s.progress.Succeeded,
		"failed", s.progress.Failed,
	)
}

// appendLocked stamps ev, appends it to the bounded log and fans it out.
// Subscribers that cannot keep up lose their oldest queued events.
func (m *Manager) appendLocked(s *session, ev models.ProgressEvent) {
	ev.SessionID = s.id
	ev.Status = s.status
	if ev.Timestamp.IsZero() {
		ev.Timestamp = m.now()
	}
	if ev.Total == 0 {
		ev.Total = s.progress.Total
	}
	ev.TotalItems = ev.Total
	if ev.Current == 0 {
		ev.Current = s.progress.Attempted
	}
	if ev.ItemsProcessed == 0 {
		ev.ItemsProcessed = s.progress.Succeeded
	}
	ev.Percentage = s.progress.Percentage

	s.logs = append(s.logs, ev)
	if over := len(s.logs) - m.opts.LogLimit; over > 0 {
		s.logs = append(s.logs[:0:0], s.logs[over:]...)
	}

	for _, ch := range s.subscribers {
		sendDroppingOldest(ch, ev)
	}
}

// sendDroppingOldest queues ev, discarding the oldest queued event when a
// slow subscriber's buffer is full. appendLocked is the only sender, so one
// discard always makes room and the terminal event is never lost.
func sendDroppingOldest(ch chan models.ProgressEvent, ev models.ProgressEvent) {
	for {
		select {
		case ch <- ev:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Subscribe streams the session's progress. The first event is a snapshot of
// the current state; live events follow. The channel closes when the session
// ends, after IdleTimeout without an event, when ctx is done, or when the
// returned stop function is called. Unsubscribing never affects the session.
func (m *Manager) Subscribe(ctx context.Context, id string) (<-chan models.ProgressEvent, func(), error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return nil, nil, ErrSessionNotFound
	}
	first := models.ProgressEvent{
		Type:           models.EventSnapshot,
		SessionID:      s.id,
		Status:         s.status,
		Message:        "Current session state",
		Current:        s.progress.Attempted,
		Total:          s.progress.Total,
		TotalItems:     s.progress.Total,
		Discovered:     s.progress.Discovered,
		Percentage:     s.progress.Percentage,
		ItemsProcessed: s.progress.Succeeded,
		CurrentTask:    s.progress.CurrentTask,
		Timestamp:      m.now(),
	}
	terminal := s.status.IsTerminal()
	var in chan models.ProgressEvent
	subID := m.nextSub
	m.nextSub++
	if !terminal {
		in = make(chan models.ProgressEvent, subscriberBuffer)
		s.subscribers[subID] = in
	}
	m.mu.Unlock()

	ctx, stop := context.WithCancel(ctx)
	out := make(chan models.ProgressEvent, 1)

	go func() {
		defer close(out)
		defer m.unsubscribe(id, subID)

		if !deliver(ctx, out, first) || terminal {
			return
		}

		idle := time.NewTimer(m.opts.IdleTimeout)
		defer idle.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-idle.C:
				return
			case ev, ok := <-in:
				if !ok {
					return
				}
				if !deliver(ctx, out, ev) {
					return
				}
				if !idle.Stop() {
					select {
					case <-idle.C:
					default:
					}
				}
				idle.Reset(m.opts.IdleTimeout)
			}
		}
	}()

	return out, stop, nil
}

func deliver(ctx context.Context, out chan<- models.ProgressEvent, ev models.ProgressEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *Manager) unsubscribe(id string, subID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		delete(s.subscribers, subID)
	}
}

// StartCleanup purges expired sessions every CleanupInterval until ctx is done.
func (m *Manager) StartCleanup(ctx context.Context) {
	ticker := time.NewTicker(m.opts.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Cleanup(ctx)
		}
	}
}

// Cleanup removes sessions that have been terminal longer than the retention
// window and trims old idempotency records. It returns the sessions removed.
func (m *Manager) Cleanup(ctx context.Context) int {
	cutoff := m.now().Add(-m.opts.Retention)

	m.mu.Lock()
	removed := 0
	for id, s := range m.sessions {
		if s.finished != nil && s.finished.Before(cutoff) {
			delete(m.sessions, id)
			removed++
		}
	}
	remaining := len(m.sessions)
	m.mu.Unlock()

	if removed > 0 {
		m.logger.Info("purged finished sessions", "removed", removed, "remaining", remaining)
	}

	if m.opts.Purger != nil && m.opts.PurgeAfter > 0 {
		n, err := m.opts.Purger.Purge(ctx, m.now().Add(-m.opts.PurgeAfter))
		if err != nil {
			m.logger.Error("failed to purge idempotency records", "error", err)
		} else if n > 0 {
			m.logger.Info("purged idempotency records", "removed", n)
		}
	}
	return removed
}

// Shutdown stops accepting sessions, asks running ones to stop and waits for
// them until ctx is done. Runners still going at the deadline see their
// context cancelled.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	for _, s := range m.sessions {
		if !s.status.IsTerminal() {
			s.interrupted = true
		}
	}
	m.mu.Unlock()

	if n := m.StopAll(); n > 0 {
		m.logger.Info("waiting for sessions to stop", "sessions", n)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.runCancel()
		return nil
	case <-ctx.Done():
		m.runCancel()
		<-done
		return ctx.Err()
	}
}

// handle is the Reporter given to runners.
type handle struct {
	m        *Manager
	id       string
	userID   string
	cfg      models.AccountConfig
	cancelCh chan struct{}
}

func (h *handle) ID() string                   { return h.id }
func (h *handle) UserID() string               { return h.userID }
func (h *handle) Config() models.AccountConfig { return h.cfg }
func (h *handle) Cancelled() <-chan struct{}   { return h.cancelCh }

func (h *handle) CancelRequested() bool {
	select {
	case <-h.cancelCh:
		return true
	default:
		return false
	}
}

func (h *handle) Report(ev models.ProgressEvent) {
	if err := h.m.ReportProgress(h.id, ev); err != nil {
		h.m.logger.Debug("progress event dropped", "session_id", h.id, "error", err)
	}
}

func (h *handle) SetState(status models.SessionStatus) error {
	return h.m.SetState(h.id, status)
}
