package requests

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dukerupert/hapo/internal/apperr"
	"github.com/dukerupert/hapo/internal/database"
	"github.com/dukerupert/hapo/internal/feed"
	"github.com/dukerupert/hapo/internal/ledger"
	"github.com/dukerupert/hapo/internal/model"
	"github.com/dukerupert/hapo/internal/store"
)

var testNow = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

type env struct {
	wf     *Workflow
	ledger *ledger.Service
	repo   *store.RequestStore
	broker *feed.Broker
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seed(t *testing.T, as *store.AccountStore) {
	t.Helper()
	ctx := context.Background()
	for _, id := range []string{"p1", "p2"} {
		p := &model.Account{
			ID: id, Role: model.RoleParent, FullName: "Pat Parent", Email: id + "@example.com",
			PasswordHash: "hash", Active: true, CreatedAt: testNow, UpdatedAt: testNow,
		}
		if err := as.CreateAccount(ctx, p); err != nil {
			t.Fatalf("create parent: %v", err)
		}
	}
	parentID := "p1"
	c := &model.Account{
		ID: "c1", Role: model.RoleChild, FullName: "Kim Kid", Username: "kim@hapo.com",
		PasswordHash: "hash", EmailVerified: true, ParentID: &parentID,
		Balance: decimal.Zero, WeeklyLimit: decimal.NewFromInt(50), DailyLimit: decimal.NewFromInt(10),
		Active: true, CreatedAt: testNow, UpdatedAt: testNow,
	}
	if err := as.CreateAccount(ctx, c); err != nil {
		t.Fatalf("create child: %v", err)
	}
}

func setup(t *testing.T) *env {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	accounts := store.NewAccountStore(db)
	seed(t, accounts)

	clock := func() time.Time { return testNow }
	broker := feed.NewBroker(discard())
	led := ledger.NewService(store.NewLedgerStore(db), broker, discard(), ledger.WithClock(clock))
	repo := store.NewRequestStore(db)
	wf := NewWorkflow(repo, accounts, led, broker, discard(), WithClock(clock))
	return &env{wf: wf, ledger: led, repo: repo, broker: broker}
}

func amount(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestCreateAndApprove(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	sub := e.broker.Subscribe(feed.Filter{Table: feed.TableMoneyRequests, AccountID: "p1"})
	defer sub.Close()

	r, err := e.wf.Create(ctx, "c1", "p1", amount("15.00"), "field trip", model.RequestMoney)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if r.Status != model.RequestPending {
		t.Errorf("status = %q, want pending", r.Status)
	}
	if ev := <-sub.C; ev.Type != feed.TypeInsert || ev.EntityID != r.ID {
		t.Errorf("insert event = %+v", ev)
	}

	pending, err := e.wf.ListPending(ctx, "p1")
	if err != nil || len(pending) != 1 || pending[0].ID != r.ID {
		t.Fatalf("pending = %+v, %v", pending, err)
	}

	approved, err := e.wf.Approve(ctx, r.ID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != model.RequestApproved || approved.TransactionID == nil {
		t.Errorf("approved = %+v", approved)
	}
	if ev := <-sub.C; ev.Type != feed.TypeUpdate {
		t.Errorf("update event = %+v", ev)
	}

	stored, _ := e.wf.Get(ctx, r.ID)
	if stored.Status != model.RequestApproved || stored.TransactionID == nil || *stored.TransactionID != *approved.TransactionID {
		t.Errorf("stored = %+v", stored)
	}

	snap, _ := e.ledger.Balance(ctx, "c1")
	if !snap.Balance.Equal(amount("15")) {
		t.Errorf("balance = %s, want 15", snap.Balance)
	}
	txns, _ := e.ledger.ListTransactions(ctx, "c1", 0)
	if len(txns) != 1 || txns[0].IdempotencyKey != IdempotencyKey(r.ID) || txns[0].Type != model.TxnTransfer {
		t.Errorf("txns = %+v", txns)
	}

	pending, _ = e.wf.ListPending(ctx, "p1")
	if len(pending) != 0 {
		t.Errorf("pending after approve = %d, want 0", len(pending))
	}
	if _, err := e.wf.Approve(ctx, r.ID); !errors.Is(err, apperr.ErrNotPending) {
		t.Errorf("second approve err = %v, want ErrNotPending", err)
	}
	if _, err := e.wf.Decline(ctx, r.ID); !errors.Is(err, apperr.ErrNotPending) {
		t.Errorf("decline after approve err = %v, want ErrNotPending", err)
	}
}

func TestEmergencyApprovalTag(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	r, err := e.wf.Create(ctx, "c1", "p1", amount("20"), "", model.RequestEmergency)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := e.wf.Approve(ctx, r.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}
	txns, _ := e.ledger.ListTransactions(ctx, "c1", 0)
	if len(txns) != 1 || txns[0].Type != model.TxnEmergency {
		t.Errorf("txns = %+v, want one emergency credit", txns)
	}
}

func TestDecline(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	r, _ := e.wf.Create(ctx, "c1", "p1", amount("3"), "snacks", "")
	if r.Type != model.RequestMoney {
		t.Errorf("type = %q, want money", r.Type)
	}
	declined, err := e.wf.Decline(ctx, r.ID)
	if err != nil {
		t.Fatalf("decline: %v", err)
	}
	if declined.Status != model.RequestDeclined {
		t.Errorf("status = %q", declined.Status)
	}
	if _, err := e.wf.Decline(ctx, r.ID); !errors.Is(err, apperr.ErrNotPending) {
		t.Errorf("second decline err = %v, want ErrNotPending", err)
	}
	if _, err := e.wf.Approve(ctx, r.ID); !errors.Is(err, apperr.ErrNotPending) {
		t.Errorf("approve after decline err = %v, want ErrNotPending", err)
	}
	snap, _ := e.ledger.Balance(ctx, "c1")
	if !snap.Balance.IsZero() {
		t.Errorf("balance = %s, want 0", snap.Balance)
	}

	all, _ := e.wf.ListByParent(ctx, "p1", "")
	if len(all) != 1 {
		t.Errorf("all = %d, want 1", len(all))
	}
	if _, err := e.wf.ListByParent(ctx, "p1", "bogus"); !errors.Is(err, apperr.ErrValidationFailed) {
		t.Errorf("bad status err = %v", err)
	}
}

func TestMissingRequest(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	if _, err := e.wf.Approve(ctx, "nope"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("approve err = %v, want ErrNotFound", err)
	}
	if _, err := e.wf.Decline(ctx, "nope"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("decline err = %v, want ErrNotFound", err)
	}
}

func TestCreateValidation(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	if _, err := e.wf.Create(ctx, "c1", "p1", amount("0"), "", model.RequestMoney); !errors.Is(err, apperr.ErrInvalidAmount) {
		t.Errorf("zero err = %v, want ErrInvalidAmount", err)
	}
	if _, err := e.wf.Create(ctx, "c1", "p1", amount("1.234"), "", model.RequestMoney); !errors.Is(err, apperr.ErrInvalidAmount) {
		t.Errorf("fraction err = %v, want ErrInvalidAmount", err)
	}
	if _, err := e.wf.Create(ctx, "c1", "p1", amount("1"), "", "loan"); !errors.Is(err, apperr.ErrValidationFailed) {
		t.Errorf("type err = %v, want ErrValidationFailed", err)
	}
	if _, err := e.wf.Create(ctx, "c1", "p2", amount("1"), "", model.RequestMoney); !errors.Is(err, apperr.ErrStudentNotFound) {
		t.Errorf("foreign parent err = %v, want ErrStudentNotFound", err)
	}
}

func TestConcurrentApproveDecline(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		r, err := e.wf.Create(ctx, "c1", "p1", amount("1"), "", model.RequestMoney)
		if err != nil {
			t.Fatalf("create: %v", err)
		}

		var wg sync.WaitGroup
		errs := make([]error, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, errs[0] = e.wf.Approve(ctx, r.ID)
		}()
		go func() {
			defer wg.Done()
			_, errs[1] = e.wf.Decline(ctx, r.ID)
		}()
		wg.Wait()

		wins := 0
		for _, err := range errs {
			switch {
			case err == nil:
				wins++
			case !errors.Is(err, apperr.ErrNotPending):
				t.Errorf("unexpected err: %v", err)
			}
		}
		if wins != 1 {
			t.Fatalf("round %d: %d winners, want exactly 1 (%v)", i, wins, errs)
		}

		stored, _ := e.wf.Get(ctx, r.ID)
		if errs[0] == nil && stored.Status != model.RequestApproved {
			t.Errorf("approve won but status = %q", stored.Status)
		}
		if errs[1] == nil && stored.Status != model.RequestDeclined {
			t.Errorf("decline won but status = %q", stored.Status)
		}
	}
}

type failingCredits struct{}

func (failingCredits) Credit(ctx context.Context, in ledger.CreditInput) (*ledger.Result, error) {
	return nil, apperr.Wrap(apperr.ErrStorageUnavailable, errors.New("disk full"))
}

func TestApproveCompensatesFailedCredit(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	r, _ := e.wf.Create(ctx, "c1", "p1", amount("4"), "", model.RequestMoney)

	wf := NewWorkflow(e.repo, nil, failingCredits{}, nil, discard(), WithClock(func() time.Time { return testNow }))
	if _, err := wf.Approve(ctx, r.ID); !errors.Is(err, apperr.ErrStorageUnavailable) {
		t.Fatalf("err = %v, want ErrStorageUnavailable", err)
	}
	stored, _ := e.wf.Get(ctx, r.ID)
	if stored.Status != model.RequestPending {
		t.Errorf("status = %q, want pending after failed credit", stored.Status)
	}

	if _, err := e.wf.Approve(ctx, r.ID); err != nil {
		t.Errorf("approve after restore: %v", err)
	}
}

func TestListByStudent(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	first, _ := e.wf.Create(ctx, "c1", "p1", amount("1"), "a", model.RequestMoney)
	second, _ := e.wf.Create(ctx, "c1", "p1", amount("2"), "b", model.RequestMoney)

	reqs, err := e.wf.ListByStudent(ctx, "c1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(reqs) != 2 || reqs[0].ID != second.ID || reqs[1].ID != first.ID {
		t.Errorf("reqs = %+v, want newest first", reqs)
	}
	empty, _ := e.wf.ListByStudent(ctx, "nobody")
	if empty == nil || len(empty) != 0 {
		t.Errorf("empty = %#v", empty)
	}
}
