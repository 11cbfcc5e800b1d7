package pending

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"wa-linepool/internal/audit"
	"wa-linepool/internal/lines"
	"wa-linepool/pkg/utils"
)

func noSleep(context.Context, time.Duration) error { return nil }

type fixture struct {
	store *lines.MemoryStore
	queue *Queue
	audit *audit.MemoryRepo
}

func newFixture() fixture {
	s := lines.NewMemoryStore()
	t0 := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	n := 0
	var mu sync.Mutex
	s.Now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		n++
		return t0.Add(time.Duration(n) * time.Second)
	}
	repo := audit.NewMemoryRepo()
	q := NewQueue(s, audit.NewService(repo, nil), nil, Options{
		TxTimeout: time.Second,
		Retry:     utils.RetryPolicy{Attempts: 2, Sleep: noSleep},
	})
	return fixture{store: s, queue: q, audit: repo}
}

func (f fixture) statusOf(id string) lines.PendingMessage {
	for _, p := range f.store.Pending() {
		if p.ID == id {
			return p
		}
	}
	return lines.PendingMessage{}
}

func TestDrainFor_FIFOWithinSegment(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.store.PutLine(lines.Line{ID: "L1", Segment: "sales"})
	f.store.PutOperator(lines.Operator{ID: "op1", Segment: "sales", Status: lines.OperatorOnline})
	f.store.PutBinding(lines.Binding{LineID: "L1", OperatorID: "op1"})

	var ids []string
	for _, m := range []struct{ contact, seg string }{
		{"+1", "sales"},
		{"+2", "support"},
		{"+3", ""},
		{"+4", "sales"},
	} {
		p, err := f.queue.Enqueue(ctx, m.contact, "hi "+m.contact, m.seg, "Lx")
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		ids = append(ids, p.ID)
	}

	res, err := f.queue.DrainFor(ctx, "op1", "sales", 2)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if res.Claimed != 2 || res.Sent != 2 || res.LineID != "L1" {
		t.Fatalf("unexpected result: %+v", res)
	}
	convs := f.store.Conversations()
	if len(convs) != 2 || convs[0].ContactPhone != "+1" || convs[1].ContactPhone != "+3" {
		t.Fatalf("expected +1 then +3 replayed, got %+v", convs)
	}
	for _, c := range convs {
		if c.OperatorID != "op1" || c.LineID != "L1" || !c.Open() {
			t.Fatalf("unexpected conversation: %+v", c)
		}
	}
	if f.statusOf(ids[0]).Status != lines.PendingStatusSent || f.statusOf(ids[3]).Status != lines.PendingStatusPending {
		t.Fatalf("unexpected statuses: %+v", f.store.Pending())
	}
	if f.statusOf(ids[1]).Status != lines.PendingStatusPending {
		t.Fatalf("other segment must stay queued")
	}
}

func TestDrainFor_FailsAfterThreeAttempts(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.store.PutLine(lines.Line{ID: "L1"})
	// Offline operators cannot take replayed conversations.
	f.store.PutOperator(lines.Operator{ID: "op1", Status: lines.OperatorOffline})
	f.store.PutBinding(lines.Binding{LineID: "L1", OperatorID: "op1"})

	p, err := f.queue.Enqueue(ctx, "+1", "hello", "", "L1")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	for attempt := 1; attempt <= lines.MaxPendingAttempts; attempt++ {
		res, err := f.queue.DrainFor(ctx, "op1", "", 10)
		if err != nil {
			t.Fatalf("drain %d: %v", attempt, err)
		}
		got := f.statusOf(p.ID)
		if got.Attempts != attempt {
			t.Fatalf("attempt %d: expected count %d, got %d", attempt, attempt, got.Attempts)
		}
		if attempt < lines.MaxPendingAttempts {
			if got.Status != lines.PendingStatusPending || res.Requeued != 1 {
				t.Fatalf("attempt %d: expected requeue, got %+v / %+v", attempt, got, res)
			}
			continue
		}
		if got.Status != lines.PendingStatusFailed || res.Failed != 1 {
			t.Fatalf("expected terminal failure, got %+v / %+v", got, res)
		}
	}

	res, err := f.queue.DrainFor(ctx, "op1", "", 10)
	if err != nil || res.Claimed != 0 {
		t.Fatalf("failed items must not be claimed again, got %+v err=%v", res, err)
	}
	if n := len(f.audit.OfType(audit.EventPendingFailed)); n != 1 {
		t.Fatalf("expected one pending_failed event, got %d", n)
	}
	if len(f.store.Conversations()) != 0 {
		t.Fatalf("no conversation should be created")
	}
}

func TestDrainFor_RequiresLine(t *testing.T) {
	f := newFixture()
	f.store.PutOperator(lines.Operator{ID: "op1", Status: lines.OperatorOnline})
	_, _ = f.queue.Enqueue(context.Background(), "+1", "hello", "", "")

	_, err := f.queue.DrainFor(context.Background(), "op1", "", 10)
	if !errors.Is(err, ErrNoLine) {
		t.Fatalf("expected ErrNoLine, got %v", err)
	}
	if p := f.store.Pending()[0]; p.Status != lines.PendingStatusPending || p.Attempts != 0 {
		t.Fatalf("item must be untouched, got %+v", p)
	}
}

func TestDrainFor_ConcurrentDrainsNeverShareItems(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.store.PutLine(lines.Line{ID: "L1"})
	f.store.PutOperator(lines.Operator{ID: "a", Status: lines.OperatorOnline})
	f.store.PutOperator(lines.Operator{ID: "b", Status: lines.OperatorOnline})
	f.store.PutBinding(lines.Binding{LineID: "L1", OperatorID: "a"})
	f.store.PutBinding(lines.Binding{LineID: "L1", OperatorID: "b"})
	const n = 20
	for i := 0; i < n; i++ {
		if _, err := f.queue.Enqueue(ctx, "+1", "m", "", "L1"); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	var wg sync.WaitGroup
	for _, op := range []string{"a", "b"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := f.queue.DrainFor(ctx, id, "", n); err != nil {
				t.Errorf("drain %s: %v", id, err)
			}
		}(op)
	}
	wg.Wait()

	if got := len(f.store.Conversations()); got != n {
		t.Fatalf("expected %d conversations, got %d", n, got)
	}
}

func TestDrainFor_ReclaimsItemStrandedInProcessing(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.store.PutLine(lines.Line{ID: "L1"})
	f.store.PutOperator(lines.Operator{ID: "op1", Status: lines.OperatorOffline})
	f.store.PutBinding(lines.Binding{LineID: "L1", OperatorID: "op1"})

	p, err := f.queue.Enqueue(ctx, "+1", "hello", "", "L1")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// The claim reads the clock first and the failure record second; the
	// second read breaks the store so the failure is never written.
	now := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	calls := 0
	f.queue.Now = func() time.Time {
		calls++
		if calls == 2 {
			f.store.FailNext(errors.New("connection reset"))
		}
		return now
	}
	res, err := f.queue.DrainFor(ctx, "op1", "", 10)
	if err != nil {
		t.Fatalf("first drain: %v", err)
	}
	if res.Claimed != 1 || res.Sent+res.Requeued+res.Failed != 0 {
		t.Fatalf("unexpected first result: %+v", res)
	}
	if got := f.statusOf(p.ID); got.Status != lines.PendingStatusProcessing {
		t.Fatalf("expected item left in processing, got %+v", got)
	}

	f.queue.Now = func() time.Time { return now.Add(time.Minute) }
	f.store.PutOperator(lines.Operator{ID: "op1", Status: lines.OperatorOnline})
	res, err = f.queue.DrainFor(ctx, "op1", "", 10)
	if err != nil || res.Claimed != 0 {
		t.Fatalf("recent claims must not be taken back, got %+v err=%v", res, err)
	}

	f.queue.Now = func() time.Time { return now.Add(6 * time.Minute) }
	res, err = f.queue.DrainFor(ctx, "op1", "", 10)
	if err != nil {
		t.Fatalf("reclaim drain: %v", err)
	}
	if res.Claimed != 1 || res.Sent != 1 {
		t.Fatalf("expected the stranded item to be delivered, got %+v", res)
	}
	got := f.statusOf(p.ID)
	if got.Status != lines.PendingStatusSent || got.Attempts != 1 {
		t.Fatalf("unexpected item after reclaim: %+v", got)
	}
	if len(f.store.Conversations()) != 1 {
		t.Fatalf("expected one replayed conversation")
	}
}

func TestDrainFor_ReclaimCountsAsAttempt(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.store.PutLine(lines.Line{ID: "L1"})
	f.store.PutOperator(lines.Operator{ID: "op1", Status: lines.OperatorOnline})
	f.store.PutBinding(lines.Binding{LineID: "L1", OperatorID: "op1"})

	stuck := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	err := f.store.WithTx(ctx, lines.Serializable(time.Second), func(ctx context.Context, tx lines.Tx) error {
		return tx.InsertPending(ctx, lines.PendingMessage{
			ID:           "p1",
			ContactPhone: "+1",
			Status:       lines.PendingStatusProcessing,
			Attempts:     lines.MaxPendingAttempts - 1,
			UpdatedAt:    stuck,
		})
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	f.queue.Now = func() time.Time { return stuck.Add(time.Hour) }

	res, err := f.queue.DrainFor(ctx, "op1", "", 10)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if res.Claimed != 1 || res.Failed != 1 || res.Sent != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	got := f.statusOf("p1")
	if got.Status != lines.PendingStatusFailed || got.Attempts != lines.MaxPendingAttempts {
		t.Fatalf("expected terminal failure, got %+v", got)
	}
	if len(f.store.Conversations()) != 0 {
		t.Fatalf("exhausted items must not be delivered")
	}
	if n := len(f.audit.OfType(audit.EventPendingFailed)); n != 1 {
		t.Fatalf("expected one pending_failed event, got %d", n)
	}
}

func TestEnqueue_RequiresContact(t *testing.T) {
	f := newFixture()
	if _, err := f.queue.Enqueue(context.Background(), "", "x", "", ""); !errors.Is(err, lines.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}
