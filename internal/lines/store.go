package lines

import (
	"context"
	"time"
)

// Store is the transactional relational store behind the engine.
//
// Every write to bindings or to the line registry runs inside WithTx with
// Serializable set; that is what orders bind/unbind on one line across
// processes. Implementations must roll back everything fn did when fn returns
// an error, panics, or the timeout expires.
type Store interface {
	WithTx(ctx context.Context, opts TxOptions, fn func(ctx context.Context, tx Tx) error) error
}

type TxOptions struct {
	Serializable bool
	ReadOnly     bool
	// Timeout bounds the whole unit of work. Zero means no extra bound.
	Timeout time.Duration
}

// Serializable is the option set used for every ledger/registry mutation.
func Serializable(timeout time.Duration) TxOptions {
	return TxOptions{Serializable: true, Timeout: timeout}
}

// ReadOnly is used for pure reads such as candidate resolution.
func ReadOnly(timeout time.Duration) TxOptions {
	return TxOptions{ReadOnly: true, Timeout: timeout}
}

// Tx is the set of reads and writes available inside one transaction.
type Tx interface {
	// Line registry.
	GetLine(ctx context.Context, lineID string) (Line, error)
	// LockLine reads the line and takes its row lock until the tx ends.
	LockLine(ctx context.Context, lineID string) (Line, error)
	// ListLines returns lines with the given status, oldest first.
	ListLines(ctx context.Context, status LineStatus) ([]Line, error)
	// ListOccupancy returns every line with the given status and its bound
	// operators, oldest line first.
	ListOccupancy(ctx context.Context, status LineStatus) ([]Occupancy, error)
	SetLineStatus(ctx context.Context, lineID string, status LineStatus) error
	// SetPrimaryOperator sets the legacy pointer; "" clears it.
	SetPrimaryOperator(ctx context.Context, lineID, operatorID string) error

	// Operator directory.
	GetOperator(ctx context.Context, operatorID string) (Operator, error)
	SetOperatorStatus(ctx context.Context, operatorID string, status OperatorStatus) error

	// Binding ledger.
	// ListBoundOperators returns operators bound to the line in binding order.
	ListBoundOperators(ctx context.Context, lineID string) ([]Operator, error)
	FindBindingByOperator(ctx context.Context, operatorID string) (Binding, bool, error)
	InsertBinding(ctx context.Context, b Binding) error
	DeleteBinding(ctx context.Context, lineID, operatorID string) (bool, error)
	// DeleteBindingsByLine removes every binding of the line and returns them.
	DeleteBindingsByLine(ctx context.Context, lineID string) ([]Binding, error)

	// Conversations.
	//
	// A contact's open conversation on a line is its latest row there without
	// a closing tag; that row's operator is responsible for the contact. Older
	// open rows of other operators are stale and carry no load.
	LatestOpenConversation(ctx context.Context, lineID, contactPhone string) (Conversation, bool, error)
	// CountOpenContacts counts contacts on lineID that operatorID is
	// responsible for.
	CountOpenContacts(ctx context.Context, lineID, operatorID string) (int, error)
	// ListOpenConversations returns the open conversation of every contact on
	// the line, oldest first.
	ListOpenConversations(ctx context.Context, lineID string) ([]Conversation, error)
	InsertConversation(ctx context.Context, c Conversation) error
	// RepointConversations moves the operator's open rows of the contacts it
	// is responsible for to another line without creating new rows.
	RepointConversations(ctx context.Context, fromLineID, operatorID, toLineID string) (int, error)
	// CloseConversations tags the operator's open rows of the contacts it is
	// responsible for.
	CloseConversations(ctx context.Context, lineID, operatorID, tag string) (int, error)
	// CloseStaleConversations tags open rows on the line that no operator is
	// responsible for: rows of a contact whose latest open row belongs to
	// someone else, and threads whose latest open row is unclaimed.
	CloseStaleConversations(ctx context.Context, lineID, tag string) (int, error)

	// Pending queue.
	InsertPending(ctx context.Context, p PendingMessage) error
	// ClaimPending moves up to limit pending messages of the segment (or
	// unsegmented ones) to processing, oldest first, skipping rows another
	// transaction holds. Rows left in processing since before staleBefore
	// were abandoned by their drain; they are claimed again with one more
	// attempt counted. A zero staleBefore reclaims nothing.
	ClaimPending(ctx context.Context, segment string, limit int, now, staleBefore time.Time) ([]PendingMessage, error)
	UpdatePending(ctx context.Context, p PendingMessage) error
}
