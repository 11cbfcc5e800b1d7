package routing

import (
	"context"
	"time"
)

// Engine accepts normalized inbound messages.
//
// Webhook adapters depend only on this contract, which keeps provider
// payload parsing free of routing rules.
type Engine interface {
	Deliver(ctx context.Context, msg InboundMessage) (Delivery, error)
}

// InboundMessage is a contact message that arrived on a line.
type InboundMessage struct {
	LineID       string    `json:"line_id"`
	ContactPhone string    `json:"contact_phone"`
	Body         string    `json:"body"`
	ReceivedAt   time.Time `json:"received_at"`
}

// Delivery reports where an inbound message ended up.
type Delivery struct {
	Decision

	// ConversationID is set when the message was attached to an operator.
	ConversationID string `json:"conversation_id,omitempty"`
	// PendingID is set when the message was queued.
	PendingID string `json:"pending_id,omitempty"`
}

func (d Delivery) Queued() bool { return d.PendingID != "" }
