package audit

import "time"

// Event is an immutable, append-only audit log record.
//
// Invariants:
// - Events are never updated or deleted.
// - Audit is best-effort; engine operations never fail because an event could not be stored.
//
// Storage (Postgres): table audit_events, INSERT-only.
type Event struct {
	ID string `json:"id" db:"id"`

	// Type indicates the business category of the audit record.
	Type EventType `json:"type" db:"type"`

	Severity Severity `json:"severity" db:"severity"`

	// ActorID is the user or component causing the event.
	ActorID string `json:"actor_id,omitempty" db:"actor_id"`

	// Target identifiers (optional, depending on the event type).
	LineID     string `json:"line_id,omitempty" db:"line_id"`
	OperatorID string `json:"operator_id,omitempty" db:"operator_id"`

	// Payload is JSON with the full details.
	Payload string `json:"payload,omitempty" db:"payload"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventLineBanned        EventType = "line_banned"
	EventFailoverCompleted EventType = "failover_completed"
	EventBindingCreated    EventType = "binding_created"
	EventBindingRemoved    EventType = "binding_removed"
	EventPendingFailed     EventType = "pending_failed"
	EventRoutingFailed     EventType = "routing_failed"
	EventOutboundRehomed   EventType = "outbound_rehomed"
	EventOutboundFailed    EventType = "outbound_failed"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)
