package routing

// Decision is the outcome of routing one inbound message on a line.
//
// OperatorID is "" when nobody can take the message; the caller queues it.
type Decision struct {
	LineID       string `json:"line_id"`
	ContactPhone string `json:"contact_phone"`
	OperatorID   string `json:"operator_id,omitempty"`

	// Segment is the line's segment, used when the message has to be queued.
	Segment string `json:"segment,omitempty"`

	// Reason is intended for internal logs/metrics.
	Reason Reason `json:"reason"`

	// Backfilled is set when the legacy primary pointer was turned into a
	// binding while routing.
	Backfilled bool `json:"backfilled,omitempty"`
}

func (d Decision) Routed() bool { return d.OperatorID != "" }

type Reason string

const (
	ReasonContinuity    Reason = "continuity"
	ReasonLeastLoaded   Reason = "least_loaded"
	ReasonLegacyPrimary Reason = "legacy_primary"
	ReasonNoOperator    Reason = "no_operator"
	ReasonRoutingFailed Reason = "routing_failed"
)
