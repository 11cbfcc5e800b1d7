package failover

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"wa-linepool/internal/assignment"
	"wa-linepool/internal/audit"
	"wa-linepool/internal/lines"
	"wa-linepool/internal/notify"
)

// Guard keeps two processes from sweeping the same line at once.
// utils.RedisGuard satisfies it.
type Guard interface {
	Acquire(ctx context.Context, name string) (bool, error)
	Release(ctx context.Context, name string) error
}

type Outcome string

const (
	// OutcomeRehomed: bound to a replacement line, conversations moved along.
	OutcomeRehomed Outcome = "rehomed"
	// OutcomeKept: already held another line; conversations moved there.
	OutcomeKept Outcome = "kept"
	// OutcomeRecovered: conversations were closed, but the follow-up sweep
	// found a line.
	OutcomeRecovered Outcome = "recovered"
	// OutcomeClosed: no line found; conversations closed as line_unavailable.
	OutcomeClosed Outcome = "closed"
	OutcomeError  Outcome = "error"
)

type OperatorOutcome struct {
	OperatorID string  `json:"operator_id"`
	Outcome    Outcome `json:"outcome"`
	NewLineID  string  `json:"new_line_id,omitempty"`
	Moved      int     `json:"moved,omitempty"`
	Closed     int     `json:"closed,omitempty"`
	Notified   bool    `json:"notified,omitempty"`
	Error      string  `json:"error,omitempty"`
}

type Report struct {
	LineID string `json:"line_id"`
	// Skipped is set when another sweep of the same line held the guard.
	Skipped bool `json:"skipped,omitempty"`
	// StaleClosed counts open rows closed because no operator was
	// responsible for them.
	StaleClosed int               `json:"stale_closed,omitempty"`
	Operators   []OperatorOutcome `json:"operators"`
}

type Options struct {
	// FollowupDelay is the wait before the single retry sweep for operators
	// left without a line.
	FollowupDelay time.Duration
	Sleep         func(ctx context.Context, d time.Duration) error
}

// Controller reacts to a line becoming banned: it detaches every operator,
// finds each a replacement line and moves their open conversations, or
// closes those conversations when no line can be found.
type Controller struct {
	bindings *assignment.Service
	resolver *assignment.Resolver
	notifier notify.Notifier
	audit    *audit.Service
	guard    Guard
	log      *slog.Logger
	opts     Options
}

func NewController(bindings *assignment.Service, resolver *assignment.Resolver, notifier notify.Notifier, auditSvc *audit.Service, guard Guard, log *slog.Logger, opts Options) *Controller {
	if log == nil {
		log = slog.Default()
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if opts.Sleep == nil {
		opts.Sleep = func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		}
	}
	return &Controller{
		bindings: bindings,
		resolver: resolver,
		notifier: notifier,
		audit:    auditSvc,
		guard:    guard,
		log:      log,
		opts:     opts,
	}
}

type affected struct {
	op    lines.Operator
	bound bool
}

// HandleLineBanned drives lineID from active to banned to drained. It is
// idempotent: a second call recomputes from whatever the ledger still holds.
// Per-operator failures are recorded in the report and do not abort the run.
func (c *Controller) HandleLineBanned(ctx context.Context, lineID string) (Report, error) {
	rep := Report{LineID: lineID}
	log := c.log.With("line_id", lineID)

	if c.guard != nil {
		ok, err := c.guard.Acquire(ctx, "failover:"+lineID)
		switch {
		case err != nil:
			log.WarnContext(ctx, "failover guard unavailable, continuing", "err", err)
		case !ok:
			log.InfoContext(ctx, "failover already running elsewhere")
			rep.Skipped = true
			runsTotal.WithLabelValues("skipped").Inc()
			return rep, nil
		default:
			defer func() {
				if err := c.guard.Release(context.WithoutCancel(ctx), "failover:"+lineID); err != nil {
					log.WarnContext(ctx, "failover guard release failed", "err", err)
				}
			}()
		}
	}

	// 1. Mark banned.
	err := c.bindings.InTx(ctx, func(ctx context.Context, tx lines.Tx) error {
		return tx.SetLineStatus(ctx, lineID, lines.LineStatusBanned)
	})
	if errors.Is(err, lines.ErrNotFound) {
		return rep, err
	}
	if err != nil {
		log.ErrorContext(ctx, "mark banned failed, continuing", "err", err)
	} else {
		c.audit.Log(ctx, audit.EventLineBanned, map[string]any{"line_id": lineID}, "failover", audit.SeverityWarning)
	}

	// 2+3. Snapshot who is affected and detach them, atomically.
	var aff []affected
	err = c.bindings.InTx(ctx, func(ctx context.Context, tx lines.Tx) error {
		aff = aff[:0]
		seen := map[string]bool{}
		bound, err := tx.ListBoundOperators(ctx, lineID)
		if err != nil {
			return err
		}
		for _, op := range bound {
			seen[op.ID] = true
			aff = append(aff, affected{op: op, bound: true})
		}
		rep.StaleClosed, err = tx.CloseStaleConversations(ctx, lineID, lines.ClosingTagLineUnavailable)
		if err != nil {
			return err
		}
		convs, err := tx.ListOpenConversations(ctx, lineID)
		if err != nil {
			return err
		}
		for _, cv := range convs {
			if cv.OperatorID == "" || seen[cv.OperatorID] {
				continue
			}
			seen[cv.OperatorID] = true
			op, err := tx.GetOperator(ctx, cv.OperatorID)
			if errors.Is(err, lines.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			aff = append(aff, affected{op: op})
		}
		if _, err := tx.DeleteBindingsByLine(ctx, lineID); err != nil {
			return err
		}
		return tx.SetPrimaryOperator(ctx, lineID, "")
	})
	if err != nil {
		runsTotal.WithLabelValues("error").Inc()
		log.ErrorContext(ctx, "failover detach failed", "err", err)
		return rep, err
	}

	// 4. Re-home each operator.
	var unplaced []int
	for _, a := range aff {
		out := c.placeOperator(ctx, lineID, a)
		rep.Operators = append(rep.Operators, out)
		if out.Outcome == OutcomeClosed && a.bound {
			unplaced = append(unplaced, len(rep.Operators)-1)
		}
	}

	// Single follow-up sweep before telling anyone their line is gone.
	if len(unplaced) > 0 {
		if c.opts.FollowupDelay > 0 {
			if err := c.opts.Sleep(ctx, c.opts.FollowupDelay); err != nil {
				log.WarnContext(ctx, "follow-up sweep interrupted", "err", err)
			}
		}
		for _, i := range unplaced {
			out := &rep.Operators[i]
			if newLine, ok := c.followUp(ctx, lineID, aff[i].op); ok {
				out.Outcome, out.NewLineID = OutcomeRecovered, newLine
				continue
			}
			if err := c.notifier.Notify(ctx, out.OperatorID, notify.EventLineUnavailable, map[string]any{
				"line_id": lineID,
				"closed":  out.Closed,
			}); err != nil {
				log.WarnContext(ctx, "notify failed", "operator_id", out.OperatorID, "err", err)
			} else {
				out.Notified = true
			}
		}
	}

	// 5. Audit.
	for _, o := range rep.Operators {
		operatorsTotal.WithLabelValues(string(o.Outcome)).Inc()
	}
	runsTotal.WithLabelValues("completed").Inc()
	c.audit.Log(ctx, audit.EventFailoverCompleted, map[string]any{
		"line_id":      lineID,
		"affected":     len(rep.Operators),
		"stale_closed": rep.StaleClosed,
		"operators":    rep.Operators,
	}, "failover", audit.SeverityWarning)
	log.InfoContext(ctx, "failover completed", "affected", len(rep.Operators))
	return rep, nil
}

func (c *Controller) placeOperator(ctx context.Context, bannedLineID string, a affected) OperatorOutcome {
	out := OperatorOutcome{OperatorID: a.op.ID}
	log := c.log.With("line_id", bannedLineID, "operator_id", a.op.ID)

	// Already seated elsewhere: just move the threads there.
	var current string
	err := c.bindings.InTx(ctx, func(ctx context.Context, tx lines.Tx) error {
		current = ""
		b, ok, err := tx.FindBindingByOperator(ctx, a.op.ID)
		if err != nil || !ok {
			return err
		}
		l, err := tx.GetLine(ctx, b.LineID)
		if err != nil || l.Status != lines.LineStatusActive {
			return err
		}
		current = l.ID
		out.Moved, err = tx.RepointConversations(ctx, bannedLineID, a.op.ID, l.ID)
		return err
	})
	if err != nil {
		log.ErrorContext(ctx, "failover lookup failed", "err", err)
		out.Outcome, out.Error = OutcomeError, err.Error()
		return out
	}
	if current != "" {
		out.Outcome, out.NewLineID = OutcomeKept, current
		return out
	}

	if a.bound && a.op.Role == lines.RoleOperator {
		newLine, moved, err := c.rehome(ctx, bannedLineID, a.op)
		if err != nil {
			log.ErrorContext(ctx, "rehome failed", "err", err)
			out.Error = err.Error()
		}
		if newLine != "" {
			out.Outcome, out.NewLineID, out.Moved = OutcomeRehomed, newLine, moved
			return out
		}
	}

	err = c.bindings.InTx(ctx, func(ctx context.Context, tx lines.Tx) error {
		var err error
		out.Closed, err = tx.CloseConversations(ctx, bannedLineID, a.op.ID, lines.ClosingTagLineUnavailable)
		return err
	})
	if err != nil {
		log.ErrorContext(ctx, "closing conversations failed", "err", err)
		out.Outcome, out.Error = OutcomeError, err.Error()
		return out
	}
	out.Outcome = OutcomeClosed
	return out
}

// rehome binds op to the best replacement line and moves its open
// conversations off the banned line in the same transaction.
func (c *Controller) rehome(ctx context.Context, bannedLineID string, op lines.Operator) (string, int, error) {
	cands, err := c.resolver.CandidatesIn(ctx, c.bindings.Store(), c.bindings.TxOptions(), assignment.Request{
		OperatorID:    op.ID,
		Segment:       op.Segment,
		ExcludeLineID: bannedLineID,
		Wide:          true,
	})
	if err != nil {
		return "", 0, err
	}
	for _, cand := range cands {
		var opts []assignment.BindOption
		if cand.MixedAllowed() {
			opts = append(opts, assignment.WithMixedSegments())
		}
		moved := 0
		err := c.bindings.InTx(ctx, func(ctx context.Context, tx lines.Tx) error {
			if _, err := assignment.BindTx(ctx, tx, cand.Line.ID, op.ID, opts...); err != nil {
				return err
			}
			var err error
			moved, err = tx.RepointConversations(ctx, bannedLineID, op.ID, cand.Line.ID)
			return err
		})
		if err == nil {
			c.audit.Log(ctx, audit.EventBindingCreated, map[string]any{
				"line_id":          cand.Line.ID,
				"operator_id":      op.ID,
				"previous_line_id": bannedLineID,
				"step":             cand.Step.String(),
			}, "failover", audit.SeverityInfo)
			return cand.Line.ID, moved, nil
		}
		if lines.IsCapacityOrPolicy(err) {
			continue
		}
		return "", 0, err
	}
	return "", 0, nil
}

func (c *Controller) followUp(ctx context.Context, bannedLineID string, op lines.Operator) (string, bool) {
	if op.Role != lines.RoleOperator {
		return "", false
	}
	newLine, _, err := c.rehome(ctx, bannedLineID, op)
	if err != nil {
		c.log.WarnContext(ctx, "follow-up rehome failed", "line_id", bannedLineID, "operator_id", op.ID, "err", err)
	}
	return newLine, newLine != ""
}
