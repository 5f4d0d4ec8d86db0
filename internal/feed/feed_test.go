package feed

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func testBroker() *Broker {
	return NewBroker(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestFilterMatch(t *testing.T) {
	e := Event{Table: TableAccounts, Type: TypeUpdate, Audience: []string{"c1", "p1"}}

	cases := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"empty", Filter{}, true},
		{"table", Filter{Table: TableAccounts}, true},
		{"other table", Filter{Table: TableTransactions}, false},
		{"audience", Filter{AccountID: "p1"}, true},
		{"outsider", Filter{AccountID: "x"}, false},
		{"type", Filter{Types: []string{TypeInsert, TypeUpdate}}, true},
		{"other type", Filter{Types: []string{TypeInsert}}, false},
	}
	for _, tc := range cases {
		if got := tc.filter.Match(e); got != tc.want {
			t.Errorf("%s: match = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestPublishDeliversToMatchingSubscribers(t *testing.T) {
	b := testBroker()
	parent := b.Subscribe(Filter{AccountID: "p1"})
	other := b.Subscribe(Filter{AccountID: "p2"})
	defer parent.Close()
	defer other.Close()

	b.Publish(Event{Table: TableMoneyRequests, Type: TypeInsert, EntityID: "r1", Audience: []string{"p1", "c1"}})

	select {
	case e := <-parent.C:
		if e.EntityID != "r1" {
			t.Errorf("entity = %q, want r1", e.EntityID)
		}
		if e.At.IsZero() {
			t.Error("expected publish time to be set")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case e := <-other.C:
		t.Errorf("unexpected event for other parent: %+v", e)
	default:
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	b := testBroker()
	s := b.Subscribe(Filter{})
	defer s.Close()

	for i := 0; i < subscriptionBuffer+5; i++ {
		b.Publish(Event{Table: TableAccounts})
	}
	if got := b.Dropped(); got != 5 {
		t.Errorf("dropped = %d, want 5", got)
	}
	if len(s.C) != subscriptionBuffer {
		t.Errorf("buffered = %d, want %d", len(s.C), subscriptionBuffer)
	}
}

func TestCloseUnsubscribes(t *testing.T) {
	b := testBroker()
	s := b.Subscribe(Filter{})
	if b.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", b.SubscriberCount())
	}
	s.Close()
	s.Close()
	if b.SubscriberCount() != 0 {
		t.Errorf("count = %d, want 0", b.SubscriberCount())
	}
	if _, ok := <-s.C; ok {
		t.Error("expected closed channel")
	}
	// Publishing after close must not panic.
	b.Publish(Event{Table: TableAccounts})
}
