package assignment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"wa-linepool/internal/audit"
	"wa-linepool/internal/lines"
	"wa-linepool/pkg/utils"
)

func noSleep(context.Context, time.Duration) error { return nil }

func newService(s lines.Store) (*Service, *audit.MemoryRepo) {
	repo := audit.NewMemoryRepo()
	svc := NewService(s, audit.NewService(repo, nil), nil, Options{
		TxTimeout: time.Second,
		Retry:     utils.RetryPolicy{Attempts: 3, Sleep: noSleep},
	})
	return svc, repo
}

func boundTo(s *lines.MemoryStore, lineID string) []string {
	var out []string
	for _, b := range s.Bindings() {
		if b.LineID == lineID {
			out = append(out, b.OperatorID)
		}
	}
	return out
}

func TestBind_Errors(t *testing.T) {
	s := newStore()
	s.PutLine(lines.Line{ID: "Lbanned", Status: lines.LineStatusBanned})
	s.PutLine(lines.Line{ID: "L1", Segment: "sales"})
	s.PutOperator(lines.Operator{ID: "sup", Role: lines.RoleSupervisor})
	s.PutOperator(lines.Operator{ID: "op1"})
	svc, _ := newService(s)
	ctx := context.Background()

	if _, err := svc.Bind(ctx, "nope", "op1"); !errors.Is(err, lines.ErrNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if _, err := svc.Bind(ctx, "Lbanned", "op1"); !errors.Is(err, lines.ErrNotActive) {
		t.Fatalf("expected NotActive, got %v", err)
	}
	if _, err := svc.Bind(ctx, "L1", "ghost"); !errors.Is(err, lines.ErrNotFound) {
		t.Fatalf("expected NotFound for operator, got %v", err)
	}
	if _, err := svc.Bind(ctx, "L1", "sup"); !errors.Is(err, lines.ErrInvalidArgument) {
		t.Fatalf("expected supervisor rejected, got %v", err)
	}
}

func TestBind_SetsPrimaryAndIsIdempotent(t *testing.T) {
	s := newStore()
	s.PutLine(lines.Line{ID: "L1"})
	s.PutOperator(lines.Operator{ID: "op1"})
	svc, repo := newService(s)
	ctx := context.Background()

	res, err := svc.Bind(ctx, "L1", "op1")
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if !res.Primary || res.AlreadyBound {
		t.Fatalf("unexpected result: %+v", res)
	}
	if l, _ := s.Line("L1"); l.PrimaryOperatorID != "op1" {
		t.Fatalf("expected primary op1, got %q", l.PrimaryOperatorID)
	}

	res, err = svc.Bind(ctx, "L1", "op1")
	if err != nil || !res.AlreadyBound {
		t.Fatalf("expected idempotent success, got %+v err=%v", res, err)
	}
	if n := len(s.Bindings()); n != 1 {
		t.Fatalf("expected a single binding, got %d", n)
	}
	if n := len(repo.OfType(audit.EventBindingCreated)); n != 1 {
		t.Fatalf("expected one binding_created event, got %d", n)
	}
}

func TestBind_SegmentPurityAndCapacity(t *testing.T) {
	s := newStore()
	s.PutLine(lines.Line{ID: "L1"})
	s.PutOperator(lines.Operator{ID: "a", Segment: "sales"})
	s.PutOperator(lines.Operator{ID: "b", Segment: "support"})
	s.PutOperator(lines.Operator{ID: "c", Segment: "sales"})
	s.PutOperator(lines.Operator{ID: "d", Segment: "sales"})
	svc, _ := newService(s)
	ctx := context.Background()

	if _, err := svc.Bind(ctx, "L1", "a"); err != nil {
		t.Fatalf("bind a: %v", err)
	}
	if _, err := svc.Bind(ctx, "L1", "b"); !errors.Is(err, lines.ErrSegmentMismatch) {
		t.Fatalf("expected SegmentMismatch, got %v", err)
	}
	if _, err := svc.Bind(ctx, "L1", "c"); err != nil {
		t.Fatalf("bind c: %v", err)
	}
	if _, err := svc.Bind(ctx, "L1", "d"); !errors.Is(err, lines.ErrLineFull) {
		t.Fatalf("expected LineFull, got %v", err)
	}
	if _, err := svc.Bind(ctx, "L1", "b", WithMixedSegments()); !errors.Is(err, lines.ErrLineFull) {
		t.Fatalf("mixed segments must still respect capacity, got %v", err)
	}
}

func TestBind_MovesOperatorOffPreviousLine(t *testing.T) {
	s := newStore()
	s.PutLine(lines.Line{ID: "L1"})
	s.PutLine(lines.Line{ID: "L2"})
	s.PutOperator(lines.Operator{ID: "a"})
	s.PutOperator(lines.Operator{ID: "b"})
	svc, _ := newService(s)
	ctx := context.Background()

	for _, op := range []string{"a", "b"} {
		if _, err := svc.Bind(ctx, "L1", op); err != nil {
			t.Fatalf("bind %s: %v", op, err)
		}
	}
	res, err := svc.Bind(ctx, "L2", "a")
	if err != nil {
		t.Fatalf("rebind: %v", err)
	}
	if res.PreviousLineID != "L1" {
		t.Fatalf("expected previous L1, got %q", res.PreviousLineID)
	}
	if got := boundTo(s, "L1"); len(got) != 1 || got[0] != "b" {
		t.Fatalf("expected only b on L1, got %v", got)
	}
	if l, _ := s.Line("L1"); l.PrimaryOperatorID != "b" {
		t.Fatalf("expected b promoted to primary, got %q", l.PrimaryOperatorID)
	}
}

func TestUnbind_PromotesOrClearsPrimary(t *testing.T) {
	s := newStore()
	s.PutLine(lines.Line{ID: "L1"})
	s.PutOperator(lines.Operator{ID: "a"})
	s.PutOperator(lines.Operator{ID: "b"})
	svc, _ := newService(s)
	ctx := context.Background()

	_, _ = svc.Bind(ctx, "L1", "a")
	_, _ = svc.Bind(ctx, "L1", "b")

	if err := svc.Unbind(ctx, "L1", "a"); err != nil {
		t.Fatalf("unbind a: %v", err)
	}
	if l, _ := s.Line("L1"); l.PrimaryOperatorID != "b" {
		t.Fatalf("expected b promoted, got %q", l.PrimaryOperatorID)
	}
	if err := svc.Unbind(ctx, "L1", "b"); err != nil {
		t.Fatalf("unbind b: %v", err)
	}
	if l, _ := s.Line("L1"); l.PrimaryOperatorID != "" {
		t.Fatalf("expected primary cleared, got %q", l.PrimaryOperatorID)
	}

	// Missing binding and missing line are no-ops.
	if err := svc.Unbind(ctx, "L1", "a"); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
	if err := svc.Unbind(ctx, "nope", "a"); err != nil {
		t.Fatalf("expected no-op on missing line, got %v", err)
	}
}

func TestBind_RetriesTransient(t *testing.T) {
	s := newStore()
	s.PutLine(lines.Line{ID: "L1"})
	s.PutOperator(lines.Operator{ID: "a"})
	s.FailNext(lines.ErrTransient, fmt.Errorf("wrapped: %w", lines.ErrTransient))
	svc, _ := newService(s)

	if _, err := svc.Bind(context.Background(), "L1", "a"); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
}

func TestBind_ConcurrentLastSlot(t *testing.T) {
	s := newStore()
	s.PutLine(lines.Line{ID: "L1"})
	s.PutOperator(lines.Operator{ID: "holder"})
	const n = 8
	for i := 0; i < n; i++ {
		s.PutOperator(lines.Operator{ID: fmt.Sprintf("op%d", i)})
	}
	svc, _ := newService(s)
	ctx := context.Background()
	if _, err := svc.Bind(ctx, "L1", "holder"); err != nil {
		t.Fatalf("bind holder: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, full := 0, 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := svc.Bind(ctx, "L1", id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, lines.ErrLineFull):
				full++
			default:
				t.Errorf("unexpected err: %v", err)
			}
		}(fmt.Sprintf("op%d", i))
	}
	wg.Wait()

	if wins != 1 || full != n-1 {
		t.Fatalf("expected exactly one winner, got wins=%d full=%d", wins, full)
	}
	if got := boundTo(s, "L1"); len(got) != lines.MaxOperatorsPerLine {
		t.Fatalf("expected %d bindings, got %v", lines.MaxOperatorsPerLine, got)
	}
}

func TestBind_ConcurrentMixedSegmentsNeverShareLine(t *testing.T) {
	s := newStore()
	s.PutLine(lines.Line{ID: "L1"})
	s.PutOperator(lines.Operator{ID: "a", Segment: "sales"})
	s.PutOperator(lines.Operator{ID: "b", Segment: "support"})
	svc, _ := newService(s)

	var wg sync.WaitGroup
	for _, op := range []string{"a", "b"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, _ = svc.Bind(context.Background(), "L1", id)
		}(op)
	}
	wg.Wait()

	if got := boundTo(s, "L1"); len(got) != 1 {
		t.Fatalf("expected one segment to win, got %v", got)
	}
}

func TestAcquireFirst_SkipsRejectedCandidates(t *testing.T) {
	s := newStore()
	s.PutLine(lines.Line{ID: "L1"})
	s.PutLine(lines.Line{ID: "L2"})
	s.PutOperator(lines.Operator{ID: "x"})
	s.PutOperator(lines.Operator{ID: "y"})
	s.PutOperator(lines.Operator{ID: "me"})
	svc, _ := newService(s)
	ctx := context.Background()

	cs := candidates(t, s, NewResolver(""), Request{OperatorID: "me"})
	// L1 fills up between resolution and bind.
	_, _ = svc.Bind(ctx, "L1", "x")
	_, _ = svc.Bind(ctx, "L1", "y")

	c, _, ok, err := svc.AcquireFirst(ctx, "me", cs)
	if err != nil || !ok {
		t.Fatalf("expected a line, ok=%v err=%v", ok, err)
	}
	if c.Line.ID != "L2" {
		t.Fatalf("expected L2, got %s", c.Line.ID)
	}
}
