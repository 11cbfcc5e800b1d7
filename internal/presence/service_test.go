package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"wa-linepool/internal/assignment"
	"wa-linepool/internal/audit"
	"wa-linepool/internal/lines"
	"wa-linepool/internal/notify"
	"wa-linepool/internal/pending"
	"wa-linepool/pkg/utils"
)

func noSleep(context.Context, time.Duration) error { return nil }

func newPresence() (*Service, *lines.MemoryStore, *pending.Queue, *notify.MemoryNotifier) {
	s := lines.NewMemoryStore()
	t0 := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	n := 0
	tick := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		n++
		return t0.Add(time.Duration(n) * time.Second)
	}
	s.Now = tick
	auditSvc := audit.NewService(audit.NewMemoryRepo(), nil)
	retry := utils.RetryPolicy{Attempts: 3, Sleep: noSleep}
	bindings := assignment.NewService(s, auditSvc, nil, assignment.Options{Retry: retry})
	q := pending.NewQueue(s, auditSvc, nil, pending.Options{Retry: retry})
	q.Now = tick
	notes := &notify.MemoryNotifier{}
	svc := NewService(bindings, assignment.NewResolver("default"), q, notes, nil, Options{DrainLimit: 10})
	return svc, s, q, notes
}

func boundLine(s *lines.MemoryStore, operatorID string) string {
	for _, b := range s.Bindings() {
		if b.OperatorID == operatorID {
			return b.LineID
		}
	}
	return ""
}

func TestOperatorOnline_BindsAndDrains(t *testing.T) {
	svc, s, q, notes := newPresence()
	ctx := context.Background()
	s.PutLine(lines.Line{ID: "L7", Segment: "7"})
	s.PutOperator(lines.Operator{ID: "op", Segment: "7"})
	if _, err := q.Enqueue(ctx, "+5511", "hello", "7", "Lgone"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Enqueue(ctx, "+5512", "other segment", "9", "Lgone"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	res, err := svc.OperatorOnline(ctx, "op")
	if err != nil {
		t.Fatalf("online: %v", err)
	}
	if res.LineID != "L7" || res.Step != assignment.StepOwnSegment || res.Kept {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Drain.Sent != 1 {
		t.Fatalf("expected one replayed message, got %+v", res.Drain)
	}
	if op, _ := s.Operator("op"); op.Status != lines.OperatorOnline {
		t.Fatalf("expected operator online, got %s", op.Status)
	}
	convs := s.Conversations()
	if len(convs) != 1 || convs[0].LineID != "L7" || convs[0].OperatorID != "op" || convs[0].ContactPhone != "+5511" {
		t.Fatalf("unexpected conversations: %+v", convs)
	}
	if notes.Count("op", notify.EventLineAssigned) != 1 {
		t.Fatalf("expected line_assigned notification")
	}
}

func TestOperatorOnline_KeepsActiveLine(t *testing.T) {
	svc, s, _, notes := newPresence()
	s.PutLine(lines.Line{ID: "L1", Segment: "7"})
	s.PutLine(lines.Line{ID: "L2", Segment: "7"})
	s.PutOperator(lines.Operator{ID: "op", Segment: "7"})
	s.PutBinding(lines.Binding{LineID: "L2", OperatorID: "op"})

	res, err := svc.OperatorOnline(context.Background(), "op")
	if err != nil {
		t.Fatalf("online: %v", err)
	}
	if !res.Kept || res.LineID != "L2" || boundLine(s, "op") != "L2" {
		t.Fatalf("expected operator to keep L2, got %+v", res)
	}
	if len(notes.Sent()) != 0 {
		t.Fatalf("keeping a line must not notify")
	}
}

func TestOperatorOnline_NoLineLeavesOperatorUnbound(t *testing.T) {
	svc, s, _, notes := newPresence()
	s.PutLine(lines.Line{ID: "L9", Segment: "9"})
	s.PutOperator(lines.Operator{ID: "op", Segment: "7"})

	res, err := svc.OperatorOnline(context.Background(), "op")
	if err != nil {
		t.Fatalf("online: %v", err)
	}
	if !res.Unassigned || boundLine(s, "op") != "" {
		t.Fatalf("expected unassigned operator, got %+v", res)
	}
	if op, _ := s.Operator("op"); op.Status != lines.OperatorOnline {
		t.Fatalf("operator should still be online")
	}
	if notes.Count("op", notify.EventLineUnavailable) != 1 {
		t.Fatalf("expected line_unavailable notification")
	}
}

func TestOperatorOnline_SupervisorNotSeated(t *testing.T) {
	svc, s, _, _ := newPresence()
	s.PutLine(lines.Line{ID: "L1"})
	s.PutOperator(lines.Operator{ID: "sup", Role: lines.RoleSupervisor})

	if _, err := svc.OperatorOnline(context.Background(), "sup"); err != nil {
		t.Fatalf("online: %v", err)
	}
	if boundLine(s, "sup") != "" {
		t.Fatalf("supervisors must never be bound")
	}
}

func TestOperatorOnline_UnknownOperator(t *testing.T) {
	svc, _, _, _ := newPresence()
	if _, err := svc.OperatorOnline(context.Background(), "ghost"); !errors.Is(err, lines.ErrNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestOperatorOffline_UnbindsAndPromotes(t *testing.T) {
	svc, s, _, _ := newPresence()
	ctx := context.Background()
	s.PutLine(lines.Line{ID: "L1"})
	s.PutOperator(lines.Operator{ID: "a"})
	s.PutOperator(lines.Operator{ID: "b"})
	for _, id := range []string{"a", "b"} {
		if _, err := svc.OperatorOnline(ctx, id); err != nil {
			t.Fatalf("online %s: %v", id, err)
		}
	}
	if l, _ := s.Line("L1"); l.PrimaryOperatorID != "a" {
		t.Fatalf("expected a as primary, got %q", l.PrimaryOperatorID)
	}
	s.PutConversation(lines.Conversation{ID: "c1", LineID: "L1", OperatorID: "a", ContactPhone: "+1"})

	lineID, err := svc.OperatorOffline(ctx, "a")
	if err != nil || lineID != "L1" {
		t.Fatalf("offline: line=%q err=%v", lineID, err)
	}
	if boundLine(s, "a") != "" {
		t.Fatalf("operator a should be unbound")
	}
	if l, _ := s.Line("L1"); l.PrimaryOperatorID != "b" {
		t.Fatalf("expected b promoted to primary, got %q", l.PrimaryOperatorID)
	}
	if op, _ := s.Operator("a"); op.Status != lines.OperatorOffline {
		t.Fatalf("expected a offline")
	}
	if c := s.Conversations()[0]; !c.Open() || c.OperatorID != "a" {
		t.Fatalf("going offline must not touch conversations: %+v", c)
	}
}
