// Package presence reacts to operators connecting and disconnecting: it seats
// an operator on a line when they come online, replays messages that waited
// for them, and frees the seat when they leave.
package presence

import (
	"context"
	"errors"
	"log/slog"

	"wa-linepool/internal/assignment"
	"wa-linepool/internal/lines"
	"wa-linepool/internal/notify"
	"wa-linepool/internal/pending"
)

type Options struct {
	// DrainLimit caps how many pending messages one connect replays.
	DrainLimit int
}

type Service struct {
	bindings *assignment.Service
	resolver *assignment.Resolver
	queue    *pending.Queue
	notifier notify.Notifier
	log      *slog.Logger
	opts     Options
}

func NewService(bindings *assignment.Service, resolver *assignment.Resolver, queue *pending.Queue, notifier notify.Notifier, log *slog.Logger, opts Options) *Service {
	if log == nil {
		log = slog.Default()
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if opts.DrainLimit <= 0 {
		opts.DrainLimit = 50
	}
	return &Service{bindings: bindings, resolver: resolver, queue: queue, notifier: notifier, log: log, opts: opts}
}

type OnlineResult struct {
	OperatorID string `json:"operator_id"`
	LineID     string `json:"line_id,omitempty"`
	// Step is the resolver step that produced a new seat; zero when the
	// operator kept its line or got none.
	Step assignment.Step `json:"step,omitempty"`
	// Kept is set when the operator already held an active line.
	Kept bool `json:"kept,omitempty"`
	// Unassigned is set when no line could take the operator.
	Unassigned bool               `json:"unassigned,omitempty"`
	Drain      pending.DrainResult `json:"drain"`
}

// OperatorOnline marks the operator online, seats it on a line and drains the
// pending queue for its segment. Only the operator role is seated; other roles
// are just marked online.
func (s *Service) OperatorOnline(ctx context.Context, operatorID string) (OnlineResult, error) {
	res := OnlineResult{OperatorID: operatorID}
	if operatorID == "" {
		return res, lines.ErrInvalidArgument
	}
	log := s.log.With("operator_id", operatorID)

	var op lines.Operator
	err := s.bindings.InTx(ctx, func(ctx context.Context, tx lines.Tx) error {
		var err error
		op, err = tx.GetOperator(ctx, operatorID)
		if err != nil {
			return err
		}
		if err := tx.SetOperatorStatus(ctx, operatorID, lines.OperatorOnline); err != nil {
			return err
		}
		res.LineID, res.Kept = "", false
		b, ok, err := tx.FindBindingByOperator(ctx, operatorID)
		if err != nil || !ok {
			return err
		}
		l, err := tx.GetLine(ctx, b.LineID)
		if err != nil {
			return err
		}
		if l.Status == lines.LineStatusActive {
			res.LineID, res.Kept = l.ID, true
		}
		return nil
	})
	if err != nil {
		return res, err
	}
	if op.Role != lines.RoleOperator {
		log.InfoContext(ctx, "non-operator online", "role", op.Role)
		return res, nil
	}

	if !res.Kept {
		cands, err := s.resolver.CandidatesIn(ctx, s.bindings.Store(), s.bindings.TxOptions(), assignment.Request{
			OperatorID: operatorID,
			Segment:    op.Segment,
		})
		if err != nil {
			return res, err
		}
		cand, bres, ok, err := s.bindings.AcquireFirst(ctx, operatorID, cands)
		if err != nil {
			return res, err
		}
		if !ok {
			res.Unassigned = true
			log.WarnContext(ctx, "no line available for operator", "segment", op.Segment)
			if err := s.notifier.Notify(ctx, operatorID, notify.EventLineUnavailable, map[string]any{
				"reason": "no_line_available",
			}); err != nil {
				log.WarnContext(ctx, "notify failed", "err", err)
			}
			return res, nil
		}
		res.LineID, res.Step = bres.LineID, cand.Step
		if err := s.notifier.Notify(ctx, operatorID, notify.EventLineAssigned, map[string]any{
			"line_id": bres.LineID,
			"step":    cand.Step.String(),
		}); err != nil {
			log.WarnContext(ctx, "notify failed", "err", err)
		}
	}

	res.Drain, err = s.queue.DrainFor(ctx, operatorID, op.Segment, s.opts.DrainLimit)
	switch {
	case errors.Is(err, pending.ErrNoLine):
		// Lost the seat between binding and draining (failover or offline).
		log.WarnContext(ctx, "operator lost its line before drain")
	case err != nil:
		// The operator is seated; the queue will be drained on the next connect.
		log.ErrorContext(ctx, "pending drain failed", "err", err)
	}
	log.InfoContext(ctx, "operator online", "line_id", res.LineID, "kept", res.Kept, "drained", res.Drain.Sent)
	return res, nil
}

// OperatorOffline marks the operator offline and releases its line. Open
// conversations stay with the operator. It returns the line that was freed.
func (s *Service) OperatorOffline(ctx context.Context, operatorID string) (string, error) {
	if operatorID == "" {
		return "", lines.ErrInvalidArgument
	}
	err := s.bindings.InTx(ctx, func(ctx context.Context, tx lines.Tx) error {
		return tx.SetOperatorStatus(ctx, operatorID, lines.OperatorOffline)
	})
	if err != nil {
		return "", err
	}
	lineID, err := s.bindings.UnbindOperator(ctx, operatorID)
	if err != nil {
		return "", err
	}
	s.log.InfoContext(ctx, "operator offline", "operator_id", operatorID, "released_line_id", lineID)
	return lineID, nil
}

