package handlers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gujaehyung/s2b-extend/internal/models"
	"github.com/gujaehyung/s2b-extend/internal/repository"
)

func putInput(id, name, loginID, password string, rate float64) *PutAccountInput {
	in := &PutAccountInput{ID: id}
	in.Body.Name = name
	in.Body.LoginID = loginID
	in.Body.Password = password
	in.Body.PriceIncreaseRate = rate
	return in
}

func TestAccounts_PutAndList(t *testing.T) {
	repos := setupTestRepos(t)
	h := NewAccountHandler(repos.Account, repos.Cookie, repos.Schedule, testLogger())
	ctx := userCtx("u1", "basic")

	out, err := h.PutAccount(ctx, putInput("acc1", "", "vendor1", "secret", 5))
	if err != nil {
		t.Fatalf("PutAccount() error = %v", err)
	}
	if out.Body.Name != "vendor1" {
		t.Errorf("Name = %q, want login id as default", out.Body.Name)
	}

	// Empty password keeps the stored one.
	if _, err := h.PutAccount(ctx, putInput("acc1", "main", "vendor1", "", 8)); err != nil {
		t.Fatalf("PutAccount(update) error = %v", err)
	}
	stored, err := repos.Account.Get(context.Background(), "u1", "acc1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if stored.Password != "secret" || stored.PriceRate != 8 || stored.Name != "main" {
		t.Errorf("stored = %+v", stored)
	}

	list, err := h.ListAccounts(ctx, nil)
	if err != nil {
		t.Fatalf("ListAccounts() error = %v", err)
	}
	if len(list.Body.Accounts) != 1 {
		t.Errorf("accounts = %d, want 1", len(list.Body.Accounts))
	}

	other, err := h.ListAccounts(userCtx("u2", "free"), nil)
	if err != nil {
		t.Fatalf("ListAccounts(u2) error = %v", err)
	}
	if other.Body.Accounts == nil || len(other.Body.Accounts) != 0 {
		t.Errorf("u2 accounts = %v, want empty list", other.Body.Accounts)
	}
}

func TestAccounts_PutValidation(t *testing.T) {
	repos := setupTestRepos(t)
	h := NewAccountHandler(repos.Account, repos.Cookie, repos.Schedule, testLogger())

	tests := []struct {
		name  string
		input *PutAccountInput
	}{
		{"missing login", putInput("acc1", "", " ", "pw", 5)},
		{"rate too low", putInput("acc1", "", "vendor1", "pw", 0)},
		{"rate too high", putInput("acc1", "", "vendor1", "pw", 101)},
		{"new account without password", putInput("acc1", "", "vendor1", "", 5)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.PutAccount(userCtx("u1", "free"), tt.input)
			if statusOf(err) != 400 {
				t.Errorf("status = %d, want 400", statusOf(err))
			}
		})
	}
}

func TestAccounts_LoginChangeDropsCookies(t *testing.T) {
	repos := setupTestRepos(t)
	h := NewAccountHandler(repos.Account, repos.Cookie, repos.Schedule, testLogger())
	ctx := userCtx("u1", "basic")
	bg := context.Background()

	if _, err := h.PutAccount(ctx, putInput("acc1", "", "vendor1", "secret", 5)); err != nil {
		t.Fatalf("PutAccount() error = %v", err)
	}
	cookies := []models.PortalCookie{{Name: "JSESSIONID", Value: "abc", Domain: "www.s2b.kr", Path: "/"}}
	if err := repos.Cookie.Save(bg, "u1", "vendor1", cookies); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if _, err := h.PutAccount(ctx, putInput("acc1", "", "vendor2", "", 5)); err != nil {
		t.Fatalf("PutAccount(new login) error = %v", err)
	}

	got, _, err := repos.Cookie.Load(bg, "u1", "vendor1")
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("Load() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("cookies of the old login survived: %v", got)
	}
}

func TestAccounts_Delete(t *testing.T) {
	repos := setupTestRepos(t)
	h := NewAccountHandler(repos.Account, repos.Cookie, repos.Schedule, testLogger())
	ctx := userCtx("u1", "basic")
	bg := context.Background()

	if _, err := h.PutAccount(ctx, putInput("acc1", "", "vendor1", "secret", 5)); err != nil {
		t.Fatalf("PutAccount() error = %v", err)
	}
	if err := repos.Schedule.Upsert(bg, &models.ScheduleEntry{
		UserID: "u1", AccountID: "acc1", Active: true, NextRunAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("schedule Upsert() error = %v", err)
	}

	if _, err := h.DeleteAccount(userCtx("u2", "free"), &AccountIDInput{ID: "acc1"}); statusOf(err) != 404 {
		t.Errorf("other user delete status = %d, want 404", statusOf(err))
	}

	if _, err := h.DeleteAccount(ctx, &AccountIDInput{ID: "acc1"}); err != nil {
		t.Fatalf("DeleteAccount() error = %v", err)
	}
	if _, err := repos.Account.Get(bg, "u1", "acc1"); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("account still present: %v", err)
	}
	entry, err := repos.Schedule.Get(bg, "u1", "acc1")
	if err != nil {
		t.Fatalf("schedule Get() error = %v", err)
	}
	if entry.Active {
		t.Error("schedule entry still active after account deletion")
	}

	if _, err := h.DeleteAccount(ctx, &AccountIDInput{ID: "acc1"}); statusOf(err) != 404 {
		t.Errorf("second delete status = %d, want 404", statusOf(err))
	}
}
