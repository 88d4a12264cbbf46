package repository

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestQuotaRepository_Increment(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	if n, err := repos.Quota.Get(ctx, "user-1", "2026-10"); err != nil || n != 0 {
		t.Fatalf("Get() on empty = %d, %v; want 0, nil", n, err)
	}

	for i := 1; i <= 3; i++ {
		n, err := repos.Quota.Increment(ctx, "user-1", "2026-10")
		if err != nil {
			t.Fatalf("Increment() error = %v", err)
		}
		if n != i {
			t.Errorf("Increment() = %d, want %d", n, i)
		}
	}
	if _, err := repos.Quota.Increment(ctx, "user-1", "2026-11"); err != nil {
		t.Fatalf("Increment() error = %v", err)
	}

	if n, _ := repos.Quota.Get(ctx, "user-1", "2026-10"); n != 3 {
		t.Errorf("October = %d, want 3", n)
	}
	if n, _ := repos.Quota.Get(ctx, "user-1", "2026-11"); n != 1 {
		t.Errorf("November = %d, want 1", n)
	}
	if total, _ := repos.Quota.TotalProcessed(ctx, "user-1"); total != 4 {
		t.Errorf("TotalProcessed = %d, want 4", total)
	}
	if total, _ := repos.Quota.TotalProcessed(ctx, "user-2"); total != 0 {
		t.Errorf("TotalProcessed for unknown user = %d, want 0", total)
	}
}

func TestQuotaRepository_ConcurrentIncrement(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repos.Quota.Increment(ctx, "user-1", "lifetime"); err != nil {
				t.Errorf("Increment() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if n, _ := repos.Quota.Get(ctx, "user-1", "lifetime"); n != 20 {
		t.Errorf("count = %d, want 20", n)
	}
}

func TestProcessedItemRepository(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()
	now := time.Now()

	if err := repos.ProcessedItem.Insert(ctx, "user-1", "2026-10-16", "L1", now); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	// Duplicate insert is a no-op.
	if err := repos.ProcessedItem.Insert(ctx, "user-1", "2026-10-16", "L1", now); err != nil {
		t.Fatalf("duplicate Insert() error = %v", err)
	}
	_ = repos.ProcessedItem.Insert(ctx, "user-1", "2026-10-17", "L1", now)

	tests := []struct {
		user, day, id string
		want          bool
	}{
		{"user-1", "2026-10-16", "L1", true},
		{"user-1", "2026-10-17", "L1", true},
		{"user-1", "2026-10-16", "L2", false},
		{"user-2", "2026-10-16", "L1", false},
	}
	for _, tt := range tests {
		got, err := repos.ProcessedItem.Exists(ctx, tt.user, tt.day, tt.id)
		if err != nil {
			t.Fatalf("Exists() error = %v", err)
		}
		if got != tt.want {
			t.Errorf("Exists(%s, %s, %s) = %v, want %v", tt.user, tt.day, tt.id, got, tt.want)
		}
	}

	n, err := repos.ProcessedItem.DeleteBefore(ctx, "2026-10-17")
	if err != nil {
		t.Fatalf("DeleteBefore() error = %v", err)
	}
	if n != 1 {
		t.Errorf("DeleteBefore() removed %d, want 1", n)
	}
	if ok, _ := repos.ProcessedItem.Exists(ctx, "user-1", "2026-10-17", "L1"); !ok {
		t.Error("record for the kept day was removed")
	}
}
