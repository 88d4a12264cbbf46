package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/gujaehyung/s2b-extend/internal/models"
)

func TestHistoryRepository_Completions(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()
	base := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		rec := &models.CompletionRecord{
			UserID:         "user-1",
			SessionID:      fmt.Sprintf("sess-%d", i),
			AccountID:      "acc-1",
			Trigger:        models.TriggerScheduled,
			Status:         models.StatusCompleted,
			ProcessedItems: i,
			StartedAt:      base.Add(time.Duration(i) * time.Hour),
			CompletedAt:    base.Add(time.Duration(i)*time.Hour + time.Minute),
		}
		if err := repos.History.AddCompletion(ctx, rec, 3); err != nil {
			t.Fatalf("AddCompletion() error = %v", err)
		}
	}

	list, err := repos.History.ListCompletions(ctx, "user-1", 10)
	if err != nil {
		t.Fatalf("ListCompletions() error = %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("len = %d, want 3 after trimming", len(list))
	}
	if list[0].SessionID != "sess-4" || list[2].SessionID != "sess-2" {
		t.Errorf("order = %s..%s, want sess-4..sess-2", list[0].SessionID, list[2].SessionID)
	}
	if list[0].Trigger != models.TriggerScheduled {
		t.Errorf("Trigger = %q", list[0].Trigger)
	}
}

func TestHistoryRepository_Activities(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i := 0; i < 12; i++ {
		a := &models.Activity{
			UserID:    "user-1",
			SessionID: "sess-1",
			ItemID:    fmt.Sprintf("L%d", i),
			Message:   "extended",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := repos.History.AddActivity(ctx, a, 10); err != nil {
			t.Fatalf("AddActivity() error = %v", err)
		}
	}

	list, err := repos.History.ListActivities(ctx, "user-1", 50)
	if err != nil {
		t.Fatalf("ListActivities() error = %v", err)
	}
	if len(list) != 10 {
		t.Fatalf("len = %d, want 10", len(list))
	}
	if list[0].ItemID != "L11" {
		t.Errorf("newest = %s, want L11", list[0].ItemID)
	}
}

func TestHistoryRepository_CompletionsSince(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()
	base := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		rec := &models.CompletionRecord{
			UserID:      "user-1",
			SessionID:   fmt.Sprintf("sess-%d", i),
			Status:      models.StatusCompleted,
			StartedAt:   base.AddDate(0, 0, i),
			CompletedAt: base.AddDate(0, 0, i).Add(time.Minute),
		}
		if err := repos.History.AddCompletion(ctx, rec, 0); err != nil {
			t.Fatalf("AddCompletion() error = %v", err)
		}
	}
	other := &models.CompletionRecord{UserID: "user-2", SessionID: "x", Status: models.StatusCompleted, CompletedAt: base.AddDate(0, 0, 3)}
	if err := repos.History.AddCompletion(ctx, other, 0); err != nil {
		t.Fatalf("AddCompletion() error = %v", err)
	}

	list, err := repos.History.ListCompletionsSince(ctx, "user-1", base.AddDate(0, 0, 2))
	if err != nil {
		t.Fatalf("ListCompletionsSince() error = %v", err)
	}
	if len(list) != 2 || list[0].SessionID != "sess-2" || list[1].SessionID != "sess-3" {
		t.Errorf("ListCompletionsSince() = %d records, want sess-2 then sess-3", len(list))
	}
}

func TestHistoryRepository_ClearActivities(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	for _, user := range []string{"user-1", "user-1", "user-2"} {
		if err := repos.History.AddActivity(ctx, &models.Activity{UserID: user, Message: "extended"}, 10); err != nil {
			t.Fatalf("AddActivity() error = %v", err)
		}
	}
	rec := &models.CompletionRecord{UserID: "user-1", SessionID: "s", Status: models.StatusCompleted}
	if err := repos.History.AddCompletion(ctx, rec, 0); err != nil {
		t.Fatalf("AddCompletion() error = %v", err)
	}

	n, err := repos.History.ClearActivities(ctx, "user-1")
	if err != nil {
		t.Fatalf("ClearActivities() error = %v", err)
	}
	if n != 2 {
		t.Errorf("cleared = %d, want 2", n)
	}
	if list, _ := repos.History.ListActivities(ctx, "user-1", 10); len(list) != 0 {
		t.Errorf("user-1 activities = %d, want 0", len(list))
	}
	if list, _ := repos.History.ListActivities(ctx, "user-2", 10); len(list) != 1 {
		t.Errorf("user-2 activities = %d, want 1", len(list))
	}
	if list, _ := repos.History.ListCompletions(ctx, "user-1", 10); len(list) != 1 {
		t.Errorf("completions = %d, want 1 kept", len(list))
	}
}

func TestCookieRepository(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	if _, _, err := repos.Cookie.Load(ctx, "user-1", "vendor01"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load() on empty error = %v, want ErrNotFound", err)
	}

	cookies := []models.PortalCookie{
		{Name: "JSESSIONID", Value: "abc", Domain: "www.s2b.kr", Path: "/", HTTPOnly: true},
		{Name: "WMONID", Value: "xyz", Domain: ".s2b.kr", Path: "/", Expires: 1893456000},
	}
	if err := repos.Cookie.Save(ctx, "user-1", "vendor01", cookies); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, capturedAt, err := repos.Cookie.Load(ctx, "user-1", "vendor01")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(got) != 2 || got[0].Value != "abc" || !got[0].HTTPOnly || got[1].Expires != 1893456000 {
		t.Errorf("Load() = %+v", got)
	}
	if time.Since(capturedAt) > time.Minute {
		t.Errorf("capturedAt = %v, want recent", capturedAt)
	}

	if err := repos.Cookie.Delete(ctx, "user-1", "vendor01"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, _, err := repos.Cookie.Load(ctx, "user-1", "vendor01"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load() after delete error = %v, want ErrNotFound", err)
	}
}
