package lines

import (
	"sort"
	"time"
)

// MaxOperatorsPerLine is the hard capacity of a line.
const MaxOperatorsPerLine = 2

// ClosingTagLineUnavailable marks conversations closed because their line was
// banned and no replacement could be found for the owning operator.
const ClosingTagLineUnavailable = "line_unavailable"

// Line is a provider-side messaging identity (a WhatsApp number).
//
// Invariant: a banned line holds zero bindings once failover completes.
// PrimaryOperatorID is a denormalized legacy pointer maintained by the binding
// service; it is never the source of truth while the line has bindings.
type Line struct {
	ID     string     `json:"id" db:"id"`
	Phone  string     `json:"phone" db:"phone"`
	Status LineStatus `json:"status" db:"status"`

	// Segment is "" when the line is untagged.
	Segment string `json:"segment,omitempty" db:"segment"`

	// Handle identifies the provider connection (instance/session name).
	Handle string `json:"handle" db:"handle"`

	PrimaryOperatorID string `json:"primary_operator_id,omitempty" db:"primary_operator_id"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type LineStatus string

const (
	LineStatusActive   LineStatus = "active"
	LineStatusBanned   LineStatus = "banned"
	LineStatusInactive LineStatus = "inactive"
)

// Operator is a human agent. Only RoleOperator participates in binding.
type Operator struct {
	ID      string         `json:"id" db:"id"`
	Name    string         `json:"name" db:"name"`
	Status  OperatorStatus `json:"status" db:"status"`
	Segment string         `json:"segment,omitempty" db:"segment"`
	Role    Role           `json:"role" db:"role"`
}

type OperatorStatus string

const (
	OperatorOnline  OperatorStatus = "online"
	OperatorOffline OperatorStatus = "offline"
)

type Role string

const (
	RoleOperator   Role = "operator"
	RoleSupervisor Role = "supervisor"
	RoleAdmin      Role = "admin"
)

// Routable reports whether o can receive inbound traffic right now.
func (o Operator) Routable() bool {
	return o.Role == RoleOperator && o.Status == OperatorOnline
}

// Binding assigns one operator to one line.
// Unique per (line, operator); an operator holds at most one binding.
type Binding struct {
	LineID     string    `json:"line_id" db:"line_id"`
	OperatorID string    `json:"operator_id" db:"operator_id"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// Occupancy is a line together with the operators currently bound to it.
type Occupancy struct {
	Line      Line
	Operators []Operator
}

// Homogeneous reports whether an operator of the given segment may share the
// line with everyone already bound to it.
func (o Occupancy) Homogeneous(segment string) bool {
	for _, op := range o.Operators {
		if op.Segment != segment {
			return false
		}
	}
	return true
}

func (o Occupancy) HasCapacity() bool {
	return len(o.Operators) < MaxOperatorsPerLine
}

// Conversation is one message of a contact thread carried by a line.
//
// A contact's open conversation on a line is its most recent row with an empty
// ClosingTag; its OperatorID is the operator responsible for the thread.
type Conversation struct {
	ID           string `json:"id" db:"id"`
	ContactPhone string `json:"contact_phone" db:"contact_phone"`
	LineID       string `json:"line_id" db:"line_id"`

	// OperatorID is "" for unclaimed rows.
	OperatorID string `json:"operator_id,omitempty" db:"operator_id"`

	Sender Sender `json:"sender" db:"sender"`
	Body   string `json:"body,omitempty" db:"body"`

	ClosingTag string `json:"closing_tag,omitempty" db:"closing_tag"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

func (c Conversation) Open() bool { return c.ClosingTag == "" }

type Sender string

const (
	SenderContact  Sender = "contact"
	SenderOperator Sender = "operator"
)

// PendingMessage is an inbound message that could not be routed to an online
// operator. Status moves pending -> processing -> sent, or back to pending on a
// failed attempt, and to failed after MaxPendingAttempts.
type PendingMessage struct {
	ID           string `json:"id" db:"id"`
	ContactPhone string `json:"contact_phone" db:"contact_phone"`

	// LineID is where the message arrived. Informational; replay uses the
	// draining operator's current line.
	LineID string `json:"line_id,omitempty" db:"line_id"`

	Payload string        `json:"payload" db:"payload"`
	Segment string        `json:"segment,omitempty" db:"segment"`
	Status  PendingStatus `json:"status" db:"status"`

	Attempts  int    `json:"attempts" db:"attempts"`
	LastError string `json:"last_error,omitempty" db:"last_error"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type PendingStatus string

const (
	PendingStatusPending    PendingStatus = "pending"
	PendingStatusProcessing PendingStatus = "processing"
	PendingStatusSent       PendingStatus = "sent"
	PendingStatusFailed     PendingStatus = "failed"
)

// MaxPendingAttempts is the number of failed replays after which a pending
// message becomes terminally failed.
const MaxPendingAttempts = 3

func sortPendingFIFO(ps []PendingMessage) {
	sort.SliceStable(ps, func(i, j int) bool { return ps[i].CreatedAt.Before(ps[j].CreatedAt) })
}
