package handlers

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/gujaehyung/s2b-extend/internal/archive"
	"github.com/gujaehyung/s2b-extend/internal/constants"
	"github.com/gujaehyung/s2b-extend/internal/models"
	"github.com/gujaehyung/s2b-extend/internal/quota"
	"github.com/gujaehyung/s2b-extend/internal/session"
)

type mockArchive struct {
	records map[string]*archive.Record
}

func (m *mockArchive) Load(_ context.Context, userID, sessionID string) (*archive.Record, error) {
	rec, ok := m.records[sessionID]
	if !ok || rec.UserID != userID {
		return nil, archive.ErrNotFound
	}
	return rec, nil
}

func ptr[T any](v T) *T { return &v }

func TestAutomation_StartFillsFromStoredAccount(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := userCtx("u1", "basic")
	if err := repos.Account.Upsert(context.Background(), &models.Account{
		ID: "acc1", UserID: "u1", Name: "main", LoginID: "vendor1", Password: "secret", PriceRate: 5,
	}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	tests := []struct {
		name      string
		loginID   string
		password  string
		rate      *float64
		wantLogin string
		wantPass  string
		wantRate  float64
	}{
		{"all from account", "", "", nil, "vendor1", "secret", 5},
		{"rate override", "", "", ptr(7.0), "vendor1", "secret", 7},
		{"explicit credentials", "other", "pw2", ptr(3.0), "other", "pw2", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sessions := newMockSessions()
			h := NewAutomationHandler(sessions, repos.Account, nil, testLogger())

			input := &StartSessionInput{}
			input.Body.AccountID = "acc1"
			input.Body.LoginID = tt.loginID
			input.Body.Password = tt.password
			input.Body.PriceIncreaseRate = tt.rate

			out, err := h.Start(ctx, input)
			if err != nil {
				t.Fatalf("Start() error = %v", err)
			}
			if out.Body.SessionID != "sess-acc1" || out.Body.Status != models.StatusPending {
				t.Errorf("output = %+v", out.Body)
			}
			cfg := sessions.started[0]
			if cfg.LoginID != tt.wantLogin || cfg.Password != tt.wantPass || cfg.PriceRate != tt.wantRate {
				t.Errorf("config = %+v", cfg)
			}
			if cfg.Plan != "basic" || cfg.Trigger != models.TriggerManual {
				t.Errorf("plan/trigger = %q/%q", cfg.Plan, cfg.Trigger)
			}
		})
	}
}

func TestAutomation_StartErrors(t *testing.T) {
	repos := setupTestRepos(t)

	tests := []struct {
		name       string
		startErr   error
		accountID  string
		wantStatus int
		wantMsg    string
	}{
		{"unknown account without credentials", nil, "missing", 400, ""},
		{"quota exceeded", &quota.ExceededError{Plan: "free", Limit: 10}, "acc1", 403, constants.QuotaExceededMessage("free")},
		{"active session", session.ErrConflict, "acc1", 409, constants.ActiveSessionMessage()},
		{"shutting down", session.ErrManagerClosed, "acc1", 503, ""},
		{"unexpected", errors.New("boom"), "acc1", 500, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sessions := newMockSessions()
			sessions.startErr = tt.startErr
			h := NewAutomationHandler(sessions, repos.Account, nil, testLogger())

			input := &StartSessionInput{}
			input.Body.AccountID = tt.accountID
			if tt.accountID == "acc1" {
				input.Body.LoginID = "vendor1"
				input.Body.Password = "secret"
				input.Body.PriceIncreaseRate = ptr(5.0)
			}

			_, err := h.Start(userCtx("u1", "free"), input)
			if got := statusOf(err); got != tt.wantStatus {
				t.Fatalf("status = %d, want %d (err %v)", got, tt.wantStatus, err)
			}
			if tt.wantMsg != "" && !containsMessage(err, tt.wantMsg) {
				t.Errorf("error %q does not carry %q", err.Error(), tt.wantMsg)
			}
		})
	}
}

func containsMessage(err error, msg string) bool {
	return err != nil && strings.Contains(err.Error(), msg)
}

func TestAutomation_GetSession(t *testing.T) {
	sessions := newMockSessions()
	var logs []models.ProgressEvent
	for i := 0; i < 15; i++ {
		logs = append(logs, models.ProgressEvent{Type: models.EventProcessing, Current: i})
	}
	sessions.add(models.Snapshot{ID: "s1", UserID: "u1", Status: models.StatusRunning, Logs: logs, CreatedAt: time.Now()})

	finished := time.Now()
	archived := &mockArchive{records: map[string]*archive.Record{
		"old": {
			UserID:  "u1",
			Session: models.Snapshot{ID: "old", UserID: "u1", Status: models.StatusCompleted, FinishedAt: &finished},
			Stats:   models.SessionStats{},
		},
	}}
	h := NewAutomationHandler(sessions, setupTestRepos(t).Account, archived, testLogger())

	t.Run("owner sees recent logs", func(t *testing.T) {
		out, err := h.GetSession(userCtx("u1", "free"), &SessionIDInput{ID: "s1"})
		if err != nil {
			t.Fatalf("GetSession() error = %v", err)
		}
		if len(out.Body.Logs) != constants.RecentLogEntries {
			t.Errorf("logs = %d, want %d", len(out.Body.Logs), constants.RecentLogEntries)
		}
		if out.Body.Logs[len(out.Body.Logs)-1].Current != 14 {
			t.Error("expected the most recent log entries")
		}
		if out.Body.Archived {
			t.Error("live session reported as archived")
		}
	})

	t.Run("other user gets 404", func(t *testing.T) {
		_, err := h.GetSession(userCtx("u2", "free"), &SessionIDInput{ID: "s1"})
		if statusOf(err) != 404 {
			t.Errorf("status = %d, want 404", statusOf(err))
		}
	})

	t.Run("archive fallback", func(t *testing.T) {
		out, err := h.GetSession(userCtx("u1", "free"), &SessionIDInput{ID: "old"})
		if err != nil {
			t.Fatalf("GetSession() error = %v", err)
		}
		if !out.Body.Archived || out.Body.Status != models.StatusCompleted {
			t.Errorf("body = %+v", out.Body)
		}
	})

	t.Run("unknown session", func(t *testing.T) {
		_, err := h.GetSession(userCtx("u1", "free"), &SessionIDInput{ID: "nope"})
		if statusOf(err) != 404 {
			t.Errorf("status = %d, want 404", statusOf(err))
		}
	})
}

func TestAutomation_CancelSession(t *testing.T) {
	sessions := newMockSessions()
	sessions.add(models.Snapshot{ID: "s1", UserID: "u1", Status: models.StatusRunning})
	sessions.add(models.Snapshot{ID: "s2", UserID: "u1", Status: models.StatusCompleted})
	h := NewAutomationHandler(sessions, setupTestRepos(t).Account, nil, testLogger())

	out, err := h.CancelSession(userCtx("u1", "free"), &SessionIDInput{ID: "s1"})
	if err != nil {
		t.Fatalf("CancelSession() error = %v", err)
	}
	if !out.Body.Cancelled {
		t.Error("expected running session to be cancelled")
	}

	out, err = h.CancelSession(userCtx("u1", "free"), &SessionIDInput{ID: "s2"})
	if err != nil {
		t.Fatalf("CancelSession() on finished session error = %v", err)
	}
	if out.Body.Cancelled || out.Body.Status != models.StatusCompleted {
		t.Errorf("finished session body = %+v", out.Body)
	}

	if _, err := h.CancelSession(userCtx("u2", "free"), &SessionIDInput{ID: "s1"}); statusOf(err) != 404 {
		t.Errorf("status = %d, want 404", statusOf(err))
	}
}

func TestAutomation_ActiveSession(t *testing.T) {
	sessions := newMockSessions()
	sessions.add(models.Snapshot{ID: "s1", UserID: "u1", Status: models.StatusRunning})
	h := NewAutomationHandler(sessions, setupTestRepos(t).Account, nil, testLogger())

	out, err := h.ActiveSession(userCtx("u1", "free"), nil)
	if err != nil {
		t.Fatalf("ActiveSession() error = %v", err)
	}
	if !out.Body.Active || out.Body.Session == nil || out.Body.Session.ID != "s1" {
		t.Errorf("body = %+v", out.Body)
	}

	out, err = h.ActiveSession(userCtx("u2", "free"), nil)
	if err != nil {
		t.Fatalf("ActiveSession() error = %v", err)
	}
	if out.Body.Active {
		t.Error("u2 has no active session")
	}
}

func TestAutomation_StopAll(t *testing.T) {
	sessions := newMockSessions()
	sessions.stopAll = 3
	h := NewAutomationHandler(sessions, setupTestRepos(t).Account, nil, testLogger())

	if _, err := h.StopAll(userCtx("u1", "premium"), nil); statusOf(err) != 403 {
		t.Errorf("status = %d, want 403", statusOf(err))
	}
	out, err := h.StopAll(adminCtx("ops"), nil)
	if err != nil {
		t.Fatalf("StopAll() error = %v", err)
	}
	if out.Body.Stopped != 3 {
		t.Errorf("Stopped = %d, want 3", out.Body.Stopped)
	}
}
