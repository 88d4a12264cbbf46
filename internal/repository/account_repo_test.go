package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/gujaehyung/s2b-extend/internal/models"
)

func TestAccountRepository_UpsertAndGet(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	acc := &models.Account{UserID: "user-1", Name: "Main", LoginID: "vendor01", Password: "s3cret", PriceRate: 5}
	if err := repos.Account.Upsert(ctx, acc); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if acc.ID == "" {
		t.Fatal("expected ID to be generated")
	}

	got, err := repos.Account.Get(ctx, "user-1", acc.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Password != "s3cret" {
		t.Errorf("Password = %q, want decrypted %q", got.Password, "s3cret")
	}
	if got.LoginID != "vendor01" || got.PriceRate != 5 {
		t.Errorf("got %+v", got)
	}

	// Stored value must not be plaintext.
	var stored string
	db := repos.Account.(*SQLiteAccountRepository).db
	if err := db.QueryRow(`SELECT password_enc FROM accounts WHERE id = ?`, acc.ID).Scan(&stored); err != nil {
		t.Fatalf("raw select: %v", err)
	}
	if stored == "s3cret" {
		t.Error("password stored in plaintext")
	}

	t.Run("update", func(t *testing.T) {
		acc.PriceRate = 7
		if err := repos.Account.Upsert(ctx, acc); err != nil {
			t.Fatalf("Upsert() error = %v", err)
		}
		got, _ := repos.Account.Get(ctx, "user-1", acc.ID)
		if got.PriceRate != 7 {
			t.Errorf("PriceRate = %v, want 7", got.PriceRate)
		}
	})

	t.Run("other user cannot read", func(t *testing.T) {
		if _, err := repos.Account.Get(ctx, "user-2", acc.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get() error = %v, want ErrNotFound", err)
		}
	})
}

func TestAccountRepository_ListAndDelete(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	for _, login := range []string{"a", "b"} {
		if err := repos.Account.Upsert(ctx, &models.Account{UserID: "user-1", LoginID: login, Password: "pw", PriceRate: 3}); err != nil {
			t.Fatalf("Upsert() error = %v", err)
		}
	}
	_ = repos.Account.Upsert(ctx, &models.Account{UserID: "user-2", LoginID: "c", Password: "pw", PriceRate: 3})

	list, err := repos.Account.ListByUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("ListByUser() error = %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("len = %d, want 2", len(list))
	}

	if err := repos.Account.Delete(ctx, "user-1", list[0].ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := repos.Account.Delete(ctx, "user-1", list[0].ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete() error = %v, want ErrNotFound", err)
	}
}

func TestProfileRepository(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	plan, err := repos.Profile.GetPlan(ctx, "nobody")
	if err != nil {
		t.Fatalf("GetPlan() error = %v", err)
	}
	if plan != "free" {
		t.Errorf("default plan = %q, want free", plan)
	}

	if err := repos.Profile.Upsert(ctx, "user-1", "u:tier_v1_Premium"); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	plan, _ = repos.Profile.GetPlan(ctx, "user-1")
	if plan != "premium" {
		t.Errorf("plan = %q, want premium", plan)
	}
}
