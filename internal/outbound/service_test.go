package outbound

import (
	"context"
	"errors"
	"testing"
	"time"

	"wa-linepool/internal/assignment"
	"wa-linepool/internal/audit"
	"wa-linepool/internal/lines"
	"wa-linepool/internal/provider"
	"wa-linepool/pkg/utils"
)

func noSleep(context.Context, time.Duration) error { return nil }

func newOutbound() (*Service, *lines.MemoryStore, *provider.Fake, *audit.MemoryRepo) {
	s := lines.NewMemoryStore()
	repo := audit.NewMemoryRepo()
	auditSvc := audit.NewService(repo, nil)
	retry := utils.RetryPolicy{Attempts: 3, Sleep: noSleep}
	bindings := assignment.NewService(s, auditSvc, nil, assignment.Options{Retry: retry})
	p := provider.NewFake()
	svc := NewService(bindings, assignment.NewResolver("default"), p, auditSvc, nil, Options{SendRetry: retry})
	return svc, s, p, repo
}

func seat(s *lines.MemoryStore, lineID, handle, segment string, ops ...string) {
	s.PutLine(lines.Line{ID: lineID, Handle: handle, Segment: segment})
	for _, id := range ops {
		s.PutOperator(lines.Operator{ID: id, Segment: segment, Status: lines.OperatorOnline})
		s.PutBinding(lines.Binding{LineID: lineID, OperatorID: id})
	}
}

func TestSend_UsesBoundLine(t *testing.T) {
	svc, s, p, _ := newOutbound()
	seat(s, "L1", "h1", "7", "op")

	res, err := svc.Send(context.Background(), SendRequest{OperatorID: "op", ContactPhone: "whatsapp:+55 11 9999", Text: "hi"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.LineID != "L1" || res.Rehomed {
		t.Fatalf("unexpected result: %+v", res)
	}
	sent := p.Sent()
	if len(sent) != 1 || sent[0].Handle != "h1" || sent[0].Phone != "+55119999" {
		t.Fatalf("unexpected provider traffic: %+v", sent)
	}
	convs := s.Conversations()
	if len(convs) != 1 || convs[0].Sender != lines.SenderOperator || convs[0].ID != res.ConversationID {
		t.Fatalf("expected an operator conversation row, got %+v", convs)
	}
}

func TestSend_ProviderDownRehomesOperator(t *testing.T) {
	svc, s, p, repo := newOutbound()
	seat(s, "L1", "h1", "7", "op")
	seat(s, "L2", "h2", "7")
	s.PutConversation(lines.Conversation{ID: "c1", LineID: "L1", OperatorID: "op", ContactPhone: "+1"})
	p.SetDown("h1", true)

	res, err := svc.Send(context.Background(), SendRequest{OperatorID: "op", ContactPhone: "+1", Text: "hi"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !res.Rehomed || res.LineID != "L2" || res.PreviousLineID != "L1" {
		t.Fatalf("unexpected result: %+v", res)
	}
	for _, b := range s.Bindings() {
		if b.OperatorID == "op" && b.LineID != "L2" {
			t.Fatalf("operator still bound to %s", b.LineID)
		}
	}
	for _, c := range s.Conversations() {
		if c.ID == "c1" && c.LineID != "L2" {
			t.Fatalf("open conversation not moved: %+v", c)
		}
	}
	if n := len(repo.OfType(audit.EventOutboundRehomed)); n != 1 {
		t.Fatalf("expected outbound_rehomed audit, got %d", n)
	}
}

func TestSend_ReallocatesAcrossSegmentsAsLastResort(t *testing.T) {
	svc, s, p, _ := newOutbound()
	seat(s, "L1", "h1", "7", "op")
	s.PutLine(lines.Line{ID: "L9", Handle: "h9", Segment: "9"})
	s.PutOperator(lines.Operator{ID: "other", Segment: "9", Status: lines.OperatorOnline})
	s.PutBinding(lines.Binding{LineID: "L9", OperatorID: "other"})
	p.SetDown("h1", true)

	res, err := svc.Send(context.Background(), SendRequest{OperatorID: "op", ContactPhone: "+1", Text: "hi"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.LineID != "L9" {
		t.Fatalf("expected mixed-segment fallback to L9, got %+v", res)
	}
}

func TestSend_NoReplacementFails(t *testing.T) {
	svc, s, p, repo := newOutbound()
	seat(s, "L1", "h1", "7", "op")
	p.SetDown("h1", true)

	_, err := svc.Send(context.Background(), SendRequest{OperatorID: "op", ContactPhone: "+1", Text: "hi"})
	if !errors.Is(err, lines.ErrProviderUnavailable) {
		t.Fatalf("expected ProviderUnavailable, got %v", err)
	}
	if n := len(repo.OfType(audit.EventOutboundFailed)); n != 1 {
		t.Fatalf("expected outbound_failed audit, got %d", n)
	}
	if len(s.Conversations()) != 0 {
		t.Fatalf("failed sends must not be recorded")
	}
}

func TestSend_RequiresLine(t *testing.T) {
	svc, s, _, _ := newOutbound()
	s.PutOperator(lines.Operator{ID: "op", Status: lines.OperatorOnline})

	if _, err := svc.Send(context.Background(), SendRequest{OperatorID: "op", ContactPhone: "+1", Text: "hi"}); !errors.Is(err, ErrNoLine) {
		t.Fatalf("expected ErrNoLine, got %v", err)
	}
	if _, err := svc.Send(context.Background(), SendRequest{OperatorID: "op", ContactPhone: "", Text: "hi"}); !errors.Is(err, lines.ErrInvalidArgument) {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}
