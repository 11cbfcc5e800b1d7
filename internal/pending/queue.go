package pending

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"wa-linepool/internal/audit"
	"wa-linepool/internal/lines"
	"wa-linepool/pkg/utils"
)

// ErrNoLine is returned by DrainFor when the operator holds no line to carry
// the replayed conversations.
var ErrNoLine = errors.New("pending: operator holds no line")

var errAbandoned = errors.New("pending: claimed too often without delivery")

// EnqueueTx stores an unroutable inbound message inside tx.
func EnqueueTx(ctx context.Context, tx lines.Tx, p lines.PendingMessage) (lines.PendingMessage, error) {
	if p.ContactPhone == "" {
		return lines.PendingMessage{}, fmt.Errorf("%w: contact phone required", lines.ErrInvalidArgument)
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.Status = lines.PendingStatusPending
	p.Attempts = 0
	if err := tx.InsertPending(ctx, p); err != nil {
		return lines.PendingMessage{}, err
	}
	return p, nil
}

type Options struct {
	TxTimeout time.Duration
	Retry     utils.RetryPolicy
	// ProcessingTimeout is how long a claimed item may sit in processing
	// before a later drain takes it back.
	ProcessingTimeout time.Duration
}

// Queue holds inbound messages nobody could take and replays them, oldest
// first, when an operator of the right segment comes online.
type Queue struct {
	store lines.Store
	audit *audit.Service
	log   *slog.Logger
	opts  Options

	Now func() time.Time
}

func NewQueue(store lines.Store, auditSvc *audit.Service, log *slog.Logger, opts Options) *Queue {
	if log == nil {
		log = slog.Default()
	}
	if opts.TxTimeout <= 0 {
		opts.TxTimeout = 5 * time.Second
	}
	if opts.ProcessingTimeout <= 0 {
		opts.ProcessingTimeout = 5 * time.Minute
	}
	opts.Retry.Retryable = lines.IsTransient
	return &Queue{store: store, audit: auditSvc, log: log, opts: opts, Now: time.Now}
}

func (q *Queue) inTx(ctx context.Context, fn func(ctx context.Context, tx lines.Tx) error) error {
	return utils.Retry(ctx, q.opts.Retry, func(ctx context.Context) error {
		return q.store.WithTx(ctx, lines.Serializable(q.opts.TxTimeout), fn)
	})
}

// Enqueue stores a message for later replay. lineID records where it arrived.
func (q *Queue) Enqueue(ctx context.Context, contactPhone, payload, segment, lineID string) (lines.PendingMessage, error) {
	var out lines.PendingMessage
	err := q.inTx(ctx, func(ctx context.Context, tx lines.Tx) error {
		var err error
		out, err = EnqueueTx(ctx, tx, lines.PendingMessage{
			ContactPhone: contactPhone,
			Payload:      payload,
			Segment:      segment,
			LineID:       lineID,
		})
		return err
	})
	if err != nil {
		return lines.PendingMessage{}, err
	}
	enqueuedTotal.WithLabelValues(segmentLabel(segment)).Inc()
	q.log.InfoContext(ctx, "message queued", "pending_id", out.ID, "contact", contactPhone, "segment", segment)
	return out, nil
}

// DrainResult summarizes one DrainFor call.
type DrainResult struct {
	Claimed  int `json:"claimed"`
	Sent     int `json:"sent"`
	Requeued int `json:"requeued"`
	Failed   int `json:"failed"`
	// LineID is the line the replayed conversations were attached to.
	LineID string `json:"line_id,omitempty"`
}

// DrainFor replays up to limit pending messages of segment (or unsegmented)
// to operatorID. Items are claimed atomically into processing before any is
// delivered, so concurrent drains never hand one item to two operators.
// Items stuck in processing longer than ProcessingTimeout are claimed again.
func (q *Queue) DrainFor(ctx context.Context, operatorID, segment string, limit int) (DrainResult, error) {
	var res DrainResult
	if limit <= 0 {
		return res, nil
	}

	var claimed []lines.PendingMessage
	err := q.inTx(ctx, func(ctx context.Context, tx lines.Tx) error {
		b, ok, err := tx.FindBindingByOperator(ctx, operatorID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNoLine
		}
		res.LineID = b.LineID
		now := q.Now().UTC()
		claimed, err = tx.ClaimPending(ctx, segment, limit, now, now.Add(-q.opts.ProcessingTimeout))
		return err
	})
	if err != nil {
		return res, err
	}
	res.Claimed = len(claimed)

	for _, p := range claimed {
		var failed bool
		var ferr error
		if p.Attempts >= lines.MaxPendingAttempts {
			// Reclaims alone used up its attempts.
			failed, ferr = q.settle(ctx, p, errAbandoned)
		} else {
			lineID, derr := q.deliver(ctx, operatorID, p)
			if derr == nil {
				res.Sent++
				res.LineID = lineID
				drainedTotal.WithLabelValues("sent").Inc()
				continue
			}
			p.Attempts++
			failed, ferr = q.settle(ctx, p, derr)
		}
		if ferr != nil {
			// Stays in processing until ProcessingTimeout lets a drain reclaim it.
			q.log.ErrorContext(ctx, "pending failure not recorded", "pending_id", p.ID, "err", ferr)
			continue
		}
		if failed {
			res.Failed++
			drainedTotal.WithLabelValues("failed").Inc()
		} else {
			res.Requeued++
			drainedTotal.WithLabelValues("requeued").Inc()
		}
	}
	return res, nil
}

func (q *Queue) deliver(ctx context.Context, operatorID string, p lines.PendingMessage) (string, error) {
	var lineID string
	err := q.inTx(ctx, func(ctx context.Context, tx lines.Tx) error {
		b, ok, err := tx.FindBindingByOperator(ctx, operatorID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNoLine
		}
		op, err := tx.GetOperator(ctx, operatorID)
		if err != nil {
			return err
		}
		if !op.Routable() {
			return fmt.Errorf("pending: operator %s not routable", operatorID)
		}
		if err := tx.InsertConversation(ctx, lines.Conversation{
			ID:           uuid.NewString(),
			ContactPhone: p.ContactPhone,
			LineID:       b.LineID,
			OperatorID:   operatorID,
			Sender:       lines.SenderContact,
			Body:         p.Payload,
			CreatedAt:    q.Now().UTC(),
		}); err != nil {
			return err
		}
		p.Status = lines.PendingStatusSent
		p.LastError = ""
		p.UpdatedAt = q.Now().UTC()
		lineID = b.LineID
		return tx.UpdatePending(ctx, p)
	})
	return lineID, err
}

// settle requeues the item, or marks it terminally failed once its attempts
// are spent.
func (q *Queue) settle(ctx context.Context, p lines.PendingMessage, cause error) (bool, error) {
	p.LastError = cause.Error()
	p.UpdatedAt = q.Now().UTC()
	p.Status = lines.PendingStatusPending
	if p.Attempts >= lines.MaxPendingAttempts {
		p.Status = lines.PendingStatusFailed
	}
	err := q.inTx(ctx, func(ctx context.Context, tx lines.Tx) error {
		return tx.UpdatePending(ctx, p)
	})
	if err != nil {
		return false, err
	}

	if p.Status == lines.PendingStatusFailed {
		q.log.WarnContext(ctx, "pending message failed", "pending_id", p.ID, "attempts", p.Attempts, "err", cause)
		q.audit.Log(ctx, audit.EventPendingFailed, map[string]any{
			"pending_id": p.ID,
			"contact":    p.ContactPhone,
			"segment":    p.Segment,
			"attempts":   p.Attempts,
			"last_error": p.LastError,
		}, "", audit.SeverityError)
		return true, nil
	}
	return false, nil
}

func segmentLabel(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
