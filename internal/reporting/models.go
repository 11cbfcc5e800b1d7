package reporting

import "wa-linepool/internal/lines"

// OperatorLoad is one bound operator and how many distinct contacts it holds
// open on the line.
type OperatorLoad struct {
	OperatorID   string               `json:"operator_id"`
	Name         string               `json:"name,omitempty"`
	Status       lines.OperatorStatus `json:"status"`
	Segment      string               `json:"segment,omitempty"`
	OpenContacts int                  `json:"open_contacts"`
}

// LineLoad is a point-in-time view of one line.
type LineLoad struct {
	LineID            string           `json:"line_id"`
	Phone             string           `json:"phone,omitempty"`
	Status            lines.LineStatus `json:"status"`
	Segment           string           `json:"segment,omitempty"`
	PrimaryOperatorID string           `json:"primary_operator_id,omitempty"`
	Operators         []OperatorLoad   `json:"operators"`
	FreeSeats         int              `json:"free_seats"`
	OpenConversations int              `json:"open_conversations"`
}

// LoadSummary totals a LineLoad snapshot.
type LoadSummary struct {
	Lines           int                      `json:"lines"`
	ByStatus        map[lines.LineStatus]int `json:"by_status"`
	BoundOperators  int                      `json:"bound_operators"`
	FreeSeats       int                      `json:"free_seats"`
	DrainedBanned   int                      `json:"drained_banned"`
	UndrainedBanned []string                 `json:"undrained_banned,omitempty"`
}
