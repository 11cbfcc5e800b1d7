package reporting

import (
	"context"
	"testing"

	"wa-linepool/internal/lines"
)

func TestLineLoad_CountsDistinctOpenContacts(t *testing.T) {
	s := lines.NewMemoryStore()
	s.PutLine(lines.Line{ID: "L1", Segment: "7"})
	s.PutLine(lines.Line{ID: "L2", Status: lines.LineStatusBanned})
	s.PutOperator(lines.Operator{ID: "a", Segment: "7", Status: lines.OperatorOnline})
	s.PutOperator(lines.Operator{ID: "b", Segment: "7", Status: lines.OperatorOnline})
	s.PutBinding(lines.Binding{LineID: "L1", OperatorID: "a"})
	s.PutBinding(lines.Binding{LineID: "L1", OperatorID: "b"})
	s.PutConversation(lines.Conversation{ID: "1", LineID: "L1", OperatorID: "a", ContactPhone: "+1"})
	s.PutConversation(lines.Conversation{ID: "2", LineID: "L1", OperatorID: "a", ContactPhone: "+1"})
	s.PutConversation(lines.Conversation{ID: "3", LineID: "L1", OperatorID: "a", ContactPhone: "+2"})
	s.PutConversation(lines.Conversation{ID: "4", LineID: "L1", OperatorID: "b", ContactPhone: "+3", ClosingTag: "done"})

	loads, err := NewService(s, 0).LineLoad(context.Background())
	if err != nil {
		t.Fatalf("line load: %v", err)
	}
	if len(loads) != 2 || loads[0].LineID != "L1" || loads[1].LineID != "L2" {
		t.Fatalf("unexpected lines: %+v", loads)
	}
	l1 := loads[0]
	if l1.FreeSeats != 0 || len(l1.Operators) != 2 {
		t.Fatalf("unexpected L1 load: %+v", l1)
	}
	counts := map[string]int{}
	for _, o := range l1.Operators {
		counts[o.OperatorID] = o.OpenContacts
	}
	if counts["a"] != 2 || counts["b"] != 0 {
		t.Fatalf("unexpected open contact counts: %v", counts)
	}
}

func TestSummarize_FlagsUndrainedBannedLines(t *testing.T) {
	sum := Summarize([]LineLoad{
		{LineID: "L1", Status: lines.LineStatusActive, FreeSeats: 1, Operators: []OperatorLoad{{OperatorID: "a"}}},
		{LineID: "L2", Status: lines.LineStatusBanned},
		{LineID: "L3", Status: lines.LineStatusBanned, Operators: []OperatorLoad{{OperatorID: "b"}}},
	})
	if sum.Lines != 3 || sum.ByStatus[lines.LineStatusBanned] != 2 || sum.FreeSeats != 1 || sum.BoundOperators != 2 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if sum.DrainedBanned != 1 || len(sum.UndrainedBanned) != 1 || sum.UndrainedBanned[0] != "L3" {
		t.Fatalf("expected L3 undrained, got %+v", sum)
	}
}
