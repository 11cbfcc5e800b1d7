package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"wa-linepool/internal/assignment"
	"wa-linepool/internal/audit"
	"wa-linepool/internal/lines"
	"wa-linepool/internal/notify"
	"wa-linepool/internal/pending"
	"wa-linepool/pkg/utils"
)

// Router picks the operator responsible for an inbound message.
//
// Priority:
//  1. Continuity: the operator of the contact's open conversation on the line.
//  2. Least loaded: fewest open contacts on the line, ties by operator id.
//  3. Legacy primary pointer, only when the line has no bindings at all.
//
// Route has no side effects beyond the legacy backfill; Deliver persists the
// outcome in the same transaction as the routing read.
type Router struct {
	store    lines.Store
	notifier notify.Notifier
	audit    *audit.Service
	log      *slog.Logger
	opts     Options

	Now func() time.Time
}

type Options struct {
	TxTimeout time.Duration
	Retry     utils.RetryPolicy
}

var _ Engine = (*Router)(nil)

func NewRouter(store lines.Store, notifier notify.Notifier, auditSvc *audit.Service, log *slog.Logger, opts Options) *Router {
	if log == nil {
		log = slog.Default()
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if opts.TxTimeout <= 0 {
		opts.TxTimeout = 5 * time.Second
	}
	opts.Retry.Retryable = lines.IsTransient
	return &Router{store: store, notifier: notifier, audit: auditSvc, log: log, opts: opts, Now: time.Now}
}

// Route decides inside tx. It writes only when backfilling a binding from the
// legacy primary pointer.
func (r *Router) Route(ctx context.Context, tx lines.Tx, lineID, contactPhone string) (Decision, error) {
	d := Decision{LineID: lineID, ContactPhone: contactPhone, Reason: ReasonNoOperator}

	line, err := tx.GetLine(ctx, lineID)
	if err != nil {
		return Decision{}, err
	}
	d.Segment = line.Segment

	bound, err := tx.ListBoundOperators(ctx, lineID)
	if err != nil {
		return Decision{}, err
	}
	if len(bound) == 0 && line.PrimaryOperatorID != "" {
		return r.routeLegacy(ctx, tx, line, d)
	}

	var candidates []lines.Operator
	for _, op := range bound {
		if op.Routable() {
			candidates = append(candidates, op)
		}
	}
	if len(candidates) == 0 {
		return d, nil
	}

	conv, ok, err := tx.LatestOpenConversation(ctx, lineID, contactPhone)
	if err != nil {
		return Decision{}, err
	}
	if ok {
		for _, op := range candidates {
			if op.ID == conv.OperatorID {
				d.OperatorID, d.Reason = op.ID, ReasonContinuity
				return d, nil
			}
		}
	}

	best, bestLoad := "", -1
	for _, op := range candidates {
		n, err := tx.CountOpenContacts(ctx, lineID, op.ID)
		if err != nil {
			return Decision{}, err
		}
		if bestLoad < 0 || n < bestLoad || (n == bestLoad && op.ID < best) {
			best, bestLoad = op.ID, n
		}
	}
	d.OperatorID, d.Reason = best, ReasonLeastLoaded
	return d, nil
}

// routeLegacy treats the primary pointer as the only candidate and turns it
// into a real binding so later routing goes through the ledger.
func (r *Router) routeLegacy(ctx context.Context, tx lines.Tx, line lines.Line, d Decision) (Decision, error) {
	op, err := tx.GetOperator(ctx, line.PrimaryOperatorID)
	if errors.Is(err, lines.ErrNotFound) {
		return d, nil
	}
	if err != nil {
		return Decision{}, err
	}
	if !op.Routable() {
		return d, nil
	}
	// An operator seated elsewhere must not be pulled onto this line.
	if b, ok, err := tx.FindBindingByOperator(ctx, op.ID); err != nil {
		return Decision{}, err
	} else if ok && b.LineID != line.ID {
		return d, nil
	}

	if _, err := assignment.BindTx(ctx, tx, line.ID, op.ID); err != nil {
		if lines.IsCapacityOrPolicy(err) {
			return d, nil
		}
		return Decision{}, err
	}
	d.OperatorID, d.Reason, d.Backfilled = op.ID, ReasonLegacyPrimary, true
	return d, nil
}

// Deliver routes msg and persists the result in one serializable
// transaction: a Conversation row for the chosen operator, or a pending item
// with the line's segment. Transient failures are retried; once retries are
// spent the message is still queued on a best-effort basis.
func (r *Router) Deliver(ctx context.Context, msg InboundMessage) (Delivery, error) {
	if msg.LineID == "" || msg.ContactPhone == "" {
		return Delivery{}, fmt.Errorf("%w: line_id and contact_phone required", lines.ErrInvalidArgument)
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = r.Now()
	}
	start := time.Now()
	defer func() { deliverDuration.Observe(time.Since(start).Seconds()) }()

	var out Delivery
	err := utils.Retry(ctx, r.opts.Retry, func(ctx context.Context) error {
		return r.store.WithTx(ctx, lines.Serializable(r.opts.TxTimeout), func(ctx context.Context, tx lines.Tx) error {
			d, err := r.Route(ctx, tx, msg.LineID, msg.ContactPhone)
			if err != nil {
				return err
			}
			out = Delivery{Decision: d}

			if d.Routed() {
				c := lines.Conversation{
					ID:           uuid.NewString(),
					ContactPhone: msg.ContactPhone,
					LineID:       msg.LineID,
					OperatorID:   d.OperatorID,
					Sender:       lines.SenderContact,
					Body:         msg.Body,
					CreatedAt:    msg.ReceivedAt.UTC(),
				}
				out.ConversationID = c.ID
				return tx.InsertConversation(ctx, c)
			}

			p, err := pending.EnqueueTx(ctx, tx, lines.PendingMessage{
				ContactPhone: msg.ContactPhone,
				LineID:       msg.LineID,
				Payload:      msg.Body,
				Segment:      d.Segment,
				CreatedAt:    msg.ReceivedAt.UTC(),
			})
			if err != nil {
				return err
			}
			out.PendingID = p.ID
			return nil
		})
	})
	if err != nil {
		if !lines.IsTransient(err) {
			return Delivery{}, err
		}
		return r.fallbackEnqueue(ctx, msg, err)
	}

	decisionsTotal.WithLabelValues(string(out.Reason)).Inc()
	if out.Routed() {
		r.log.InfoContext(ctx, "message routed", "line_id", msg.LineID, "contact", msg.ContactPhone, "operator_id", out.OperatorID, "reason", out.Reason)
		if nerr := r.notifier.Notify(ctx, out.OperatorID, notify.EventNewMessage, map[string]any{
			"line_id":         msg.LineID,
			"contact_phone":   msg.ContactPhone,
			"conversation_id": out.ConversationID,
		}); nerr != nil {
			r.log.WarnContext(ctx, "notify failed", "operator_id", out.OperatorID, "err", nerr)
		}
	} else {
		r.log.InfoContext(ctx, "message queued", "line_id", msg.LineID, "contact", msg.ContactPhone, "pending_id", out.PendingID)
	}
	return out, nil
}

// fallbackEnqueue runs after routing exhausted its retries. It makes a single
// attempt to queue the message so it is never silently dropped.
func (r *Router) fallbackEnqueue(ctx context.Context, msg InboundMessage, cause error) (Delivery, error) {
	r.log.ErrorContext(ctx, "routing failed", "line_id", msg.LineID, "contact", msg.ContactPhone, "err", cause)
	r.audit.Log(ctx, audit.EventRoutingFailed, map[string]any{
		"line_id": msg.LineID,
		"contact": msg.ContactPhone,
		"error":   cause.Error(),
	}, "", audit.SeverityError)

	out := Delivery{Decision: Decision{LineID: msg.LineID, ContactPhone: msg.ContactPhone, Reason: ReasonRoutingFailed}}
	err := r.store.WithTx(ctx, lines.Serializable(r.opts.TxTimeout), func(ctx context.Context, tx lines.Tx) error {
		seg := ""
		if line, err := tx.GetLine(ctx, msg.LineID); err == nil {
			seg = line.Segment
		}
		p, err := pending.EnqueueTx(ctx, tx, lines.PendingMessage{
			ContactPhone: msg.ContactPhone,
			LineID:       msg.LineID,
			Payload:      msg.Body,
			Segment:      seg,
			CreatedAt:    msg.ReceivedAt.UTC(),
		})
		out.PendingID = p.ID
		out.Segment = seg
		return err
	})
	if err != nil {
		return Delivery{}, fmt.Errorf("routing failed and message not queued: %w", errors.Join(cause, err))
	}
	decisionsTotal.WithLabelValues(string(ReasonRoutingFailed)).Inc()
	return out, nil
}
