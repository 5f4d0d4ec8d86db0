package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dukerupert/hapo/internal/apperr"
	"github.com/dukerupert/hapo/internal/database"
	"github.com/dukerupert/hapo/internal/model"
)

var testNow = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func createParent(t *testing.T, as *AccountStore, id, email string) *model.Account {
	t.Helper()
	a := &model.Account{
		ID: id, Role: model.RoleParent, FullName: "Pat Parent", Email: email,
		PasswordHash: "hash", MFAEnabled: true, Active: true,
		CreatedAt: testNow, UpdatedAt: testNow,
	}
	if err := as.CreateAccount(context.Background(), a); err != nil {
		t.Fatalf("create parent: %v", err)
	}
	return a
}

func createChild(t *testing.T, as *AccountStore, id, username, parentID string) *model.Account {
	t.Helper()
	a := &model.Account{
		ID: id, Role: model.RoleChild, FullName: "Kim Kid", Username: username,
		PasswordHash: "hash", EmailVerified: true, ParentID: &parentID,
		Balance: decimal.Zero, WeeklyLimit: decimal.NewFromInt(50), DailyLimit: decimal.NewFromInt(10),
		Active: true, CreatedAt: testNow, UpdatedAt: testNow,
	}
	if err := as.CreateAccount(context.Background(), a); err != nil {
		t.Fatalf("create child: %v", err)
	}
	return a
}

func TestAccountCreateAndGet(t *testing.T) {
	as := NewAccountStore(setupTestDB(t))
	ctx := context.Background()

	p := createParent(t, as, "p1", "Pat@Example.com")
	p.Profile = map[string]string{"phone": "555"}
	if err := as.UpdateAccount(ctx, p); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := as.GetAccount(ctx, "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("expected account, got nil")
	}
	if got.Email != "pat@example.com" {
		t.Errorf("email = %q, want lowercased", got.Email)
	}
	if got.Profile["phone"] != "555" {
		t.Errorf("profile = %v", got.Profile)
	}
	if !got.MFAEnabled || got.EmailVerified {
		t.Errorf("flags = mfa %v verified %v", got.MFAEnabled, got.EmailVerified)
	}
	if got.ParentID != nil {
		t.Errorf("parent_id = %v, want nil", *got.ParentID)
	}
}

func TestAccountGetNotFound(t *testing.T) {
	as := NewAccountStore(setupTestDB(t))
	got, err := as.GetAccount(context.Background(), "missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestAccountDuplicateEmail(t *testing.T) {
	as := NewAccountStore(setupTestDB(t))
	createParent(t, as, "p1", "a@b.com")

	dup := &model.Account{
		ID: "p2", Role: model.RoleParent, Email: "A@B.com", PasswordHash: "x",
		CreatedAt: testNow, UpdatedAt: testNow,
	}
	err := as.CreateAccount(context.Background(), dup)
	if !errors.Is(err, apperr.ErrDuplicateEmail) {
		t.Errorf("err = %v, want ErrDuplicateEmail", err)
	}
}

func TestAccountGetByIdentifier(t *testing.T) {
	as := NewAccountStore(setupTestDB(t))
	ctx := context.Background()
	createParent(t, as, "p1", "a@b.com")
	createChild(t, as, "c1", "kim@hapo.com", "p1")

	got, err := as.GetAccountByIdentifier(ctx, " A@B.COM ")
	if err != nil || got == nil || got.ID != "p1" {
		t.Fatalf("by email = %+v, %v", got, err)
	}
	got, err = as.GetAccountByIdentifier(ctx, "kim@hapo.com")
	if err != nil || got == nil || got.ID != "c1" {
		t.Fatalf("by username = %+v, %v", got, err)
	}
	if !got.IsChildOf("p1") {
		t.Error("expected child of p1")
	}
	if !got.WeeklyLimit.Equal(decimal.NewFromInt(50)) {
		t.Errorf("weekly_limit = %s, want 50", got.WeeklyLimit)
	}
}

func TestAccountIdentifierNamespaceShared(t *testing.T) {
	ctx := context.Background()

	t.Run("username after email", func(t *testing.T) {
		as := NewAccountStore(setupTestDB(t))
		createParent(t, as, "p1", "emma@hapo.com")
		pid := "p1"
		kid := &model.Account{
			ID: "c1", Role: model.RoleChild, Username: "Emma@Hapo.com", PasswordHash: "x",
			ParentID: &pid, CreatedAt: testNow, UpdatedAt: testNow,
		}
		if err := as.CreateAccount(ctx, kid); !errors.Is(err, apperr.ErrDuplicateEmail) {
			t.Errorf("err = %v, want ErrDuplicateEmail", err)
		}
	})

	t.Run("email after username", func(t *testing.T) {
		as := NewAccountStore(setupTestDB(t))
		createParent(t, as, "p1", "pat@example.com")
		createChild(t, as, "c1", "emma@hapo.com", "p1")
		dup := &model.Account{
			ID: "p2", Role: model.RoleParent, Email: "EMMA@hapo.com", PasswordHash: "x",
			CreatedAt: testNow, UpdatedAt: testNow,
		}
		if err := as.CreateAccount(ctx, dup); !errors.Is(err, apperr.ErrDuplicateEmail) {
			t.Errorf("err = %v, want ErrDuplicateEmail", err)
		}
		got, err := as.GetAccountByIdentifier(ctx, "emma@hapo.com")
		if err != nil || got == nil || got.ID != "c1" {
			t.Errorf("lookup = %+v, %v, want c1", got, err)
		}
	})
}

func TestListChildren(t *testing.T) {
	as := NewAccountStore(setupTestDB(t))
	createParent(t, as, "p1", "a@b.com")
	createParent(t, as, "p2", "c@d.com")
	createChild(t, as, "c1", "one@hapo.com", "p1")
	createChild(t, as, "c2", "two@hapo.com", "p1")
	createChild(t, as, "c3", "three@hapo.com", "p2")

	kids, err := as.ListChildren(context.Background(), "p1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(kids) != 2 {
		t.Fatalf("len = %d, want 2", len(kids))
	}
	if kids[0].ID != "c1" || kids[1].ID != "c2" {
		t.Errorf("order = %s, %s", kids[0].ID, kids[1].ID)
	}
}

func TestUpdateAccountLeavesBalance(t *testing.T) {
	db := setupTestDB(t)
	as := NewAccountStore(db)
	ctx := context.Background()
	createParent(t, as, "p1", "a@b.com")
	c := createChild(t, as, "c1", "kim@hapo.com", "p1")

	if _, err := db.Exec(`UPDATE accounts SET balance = '12.50', version = 3 WHERE id = 'c1'`); err != nil {
		t.Fatalf("seed balance: %v", err)
	}
	c.DailyLimit = decimal.NewFromInt(5)
	if err := as.UpdateAccount(ctx, c); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, _ := as.GetAccount(ctx, "c1")
	if !got.Balance.Equal(decimal.RequireFromString("12.50")) || got.Version != 3 {
		t.Errorf("balance = %s v%d, want 12.50 v3", got.Balance, got.Version)
	}
	if !got.DailyLimit.Equal(decimal.NewFromInt(5)) {
		t.Errorf("daily_limit = %s, want 5", got.DailyLimit)
	}

	missing := &model.Account{ID: "nope"}
	if err := as.UpdateAccount(ctx, missing); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
