package assignment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"wa-linepool/internal/audit"
	"wa-linepool/internal/lines"
	"wa-linepool/pkg/utils"
)

// BindResult describes a successful bind.
type BindResult struct {
	LineID string `json:"line_id"`
	// AlreadyBound is set when the operator already held this line; nothing
	// was written.
	AlreadyBound bool `json:"already_bound"`
	// PreviousLineID is the line the operator was moved off, if any.
	PreviousLineID string `json:"previous_line_id,omitempty"`
	// Primary is set when the operator became the line's primary operator.
	Primary bool `json:"primary"`
}

type bindConfig struct {
	mixedSegments bool
}

type BindOption func(*bindConfig)

// WithMixedSegments skips the segment purity check. Capacity still applies.
func WithMixedSegments() BindOption {
	return func(c *bindConfig) { c.mixedSegments = true }
}

// BindTx binds operatorID to lineID inside tx. It is the only code path that
// inserts binding rows; callers that need more work in the same unit (moving
// conversations along with the operator) call it from their own transaction.
func BindTx(ctx context.Context, tx lines.Tx, lineID, operatorID string, opts ...BindOption) (BindResult, error) {
	var cfg bindConfig
	for _, o := range opts {
		o(&cfg)
	}
	if lineID == "" || operatorID == "" {
		return BindResult{}, lines.ErrInvalidArgument
	}

	line, err := tx.LockLine(ctx, lineID)
	if err != nil {
		return BindResult{}, err
	}
	if line.Status != lines.LineStatusActive {
		return BindResult{}, lines.ErrNotActive
	}
	op, err := tx.GetOperator(ctx, operatorID)
	if err != nil {
		return BindResult{}, err
	}
	if op.Role != lines.RoleOperator {
		return BindResult{}, fmt.Errorf("%w: role %q cannot hold a line", lines.ErrInvalidArgument, op.Role)
	}

	bound, err := tx.ListBoundOperators(ctx, lineID)
	if err != nil {
		return BindResult{}, err
	}
	for _, b := range bound {
		if b.ID == operatorID {
			return BindResult{LineID: lineID, AlreadyBound: true}, nil
		}
	}
	occ := lines.Occupancy{Line: line, Operators: bound}
	if !cfg.mixedSegments && !occ.Homogeneous(op.Segment) {
		return BindResult{}, lines.ErrSegmentMismatch
	}
	if !occ.HasCapacity() {
		return BindResult{}, lines.ErrLineFull
	}

	res := BindResult{LineID: lineID}
	prev, ok, err := tx.FindBindingByOperator(ctx, operatorID)
	if err != nil {
		return BindResult{}, err
	}
	if ok {
		if _, err := UnbindTx(ctx, tx, prev.LineID, operatorID); err != nil {
			return BindResult{}, err
		}
		res.PreviousLineID = prev.LineID
	}

	if err := tx.InsertBinding(ctx, lines.Binding{LineID: lineID, OperatorID: operatorID}); err != nil {
		return BindResult{}, err
	}
	if len(bound) == 0 || line.PrimaryOperatorID == "" {
		if err := tx.SetPrimaryOperator(ctx, lineID, operatorID); err != nil {
			return BindResult{}, err
		}
		res.Primary = true
	}
	return res, nil
}

// UnbindTx removes the binding and repairs the primary pointer. A missing
// line or binding is a no-op; the bool reports whether a row was removed.
func UnbindTx(ctx context.Context, tx lines.Tx, lineID, operatorID string) (bool, error) {
	line, err := tx.LockLine(ctx, lineID)
	if errors.Is(err, lines.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	removed, err := tx.DeleteBinding(ctx, lineID, operatorID)
	if err != nil {
		return false, err
	}
	if line.PrimaryOperatorID != operatorID {
		return removed, nil
	}

	next := ""
	rest, err := tx.ListBoundOperators(ctx, lineID)
	if err != nil {
		return false, err
	}
	if len(rest) > 0 {
		next = rest[0].ID
	}
	return removed, tx.SetPrimaryOperator(ctx, lineID, next)
}

// Options tunes Service.
type Options struct {
	TxTimeout time.Duration
	Retry     utils.RetryPolicy
}

// Service is the transactional mutator of the binding ledger.
type Service struct {
	store lines.Store
	audit *audit.Service
	log   *slog.Logger
	opts  Options
}

func NewService(store lines.Store, auditSvc *audit.Service, log *slog.Logger, opts Options) *Service {
	if log == nil {
		log = slog.Default()
	}
	if opts.TxTimeout <= 0 {
		opts.TxTimeout = 5 * time.Second
	}
	opts.Retry.Retryable = lines.IsTransient
	return &Service{store: store, audit: auditSvc, log: log, opts: opts}
}

// Store exposes the underlying store to collaborators that compose BindTx
// with their own writes.
func (s *Service) Store() lines.Store { return s.store }

// TxOptions returns the serializable option set used for ledger writes.
func (s *Service) TxOptions() lines.TxOptions { return lines.Serializable(s.opts.TxTimeout) }

// InTx runs fn in a serializable transaction, retrying transient failures.
func (s *Service) InTx(ctx context.Context, fn func(ctx context.Context, tx lines.Tx) error) error {
	return utils.Retry(ctx, s.opts.Retry, func(ctx context.Context) error {
		return s.store.WithTx(ctx, s.TxOptions(), fn)
	})
}

// Bind acquires lineID for operatorID. An operator already bound to the line
// gets a successful result with AlreadyBound set.
func (s *Service) Bind(ctx context.Context, lineID, operatorID string, opts ...BindOption) (BindResult, error) {
	var res BindResult
	err := s.InTx(ctx, func(ctx context.Context, tx lines.Tx) error {
		var err error
		res, err = BindTx(ctx, tx, lineID, operatorID, opts...)
		return err
	})
	if err != nil {
		return BindResult{}, err
	}
	if !res.AlreadyBound {
		s.log.InfoContext(ctx, "operator bound", "line_id", lineID, "operator_id", operatorID, "previous_line_id", res.PreviousLineID)
		s.audit.Log(ctx, audit.EventBindingCreated, map[string]any{
			"line_id":          lineID,
			"operator_id":      operatorID,
			"previous_line_id": res.PreviousLineID,
			"primary":          res.Primary,
		}, operatorID, audit.SeverityInfo)
	}
	return res, nil
}

// Unbind releases the operator's seat on the line. Missing rows are not an
// error.
func (s *Service) Unbind(ctx context.Context, lineID, operatorID string) error {
	var removed bool
	err := s.InTx(ctx, func(ctx context.Context, tx lines.Tx) error {
		var err error
		removed, err = UnbindTx(ctx, tx, lineID, operatorID)
		return err
	})
	if err != nil {
		return err
	}
	if removed {
		s.log.InfoContext(ctx, "operator unbound", "line_id", lineID, "operator_id", operatorID)
		s.audit.Log(ctx, audit.EventBindingRemoved, map[string]any{
			"line_id":     lineID,
			"operator_id": operatorID,
		}, operatorID, audit.SeverityInfo)
	}
	return nil
}

// UnbindOperator releases whatever line the operator holds.
func (s *Service) UnbindOperator(ctx context.Context, operatorID string) (string, error) {
	var lineID string
	err := s.InTx(ctx, func(ctx context.Context, tx lines.Tx) error {
		b, ok, err := tx.FindBindingByOperator(ctx, operatorID)
		if err != nil || !ok {
			lineID = ""
			return err
		}
		lineID = b.LineID
		_, err = UnbindTx(ctx, tx, b.LineID, operatorID)
		return err
	})
	if err != nil {
		return "", err
	}
	if lineID != "" {
		s.audit.Log(ctx, audit.EventBindingRemoved, map[string]any{
			"line_id":     lineID,
			"operator_id": operatorID,
		}, operatorID, audit.SeverityInfo)
	}
	return lineID, nil
}

// AcquireFirst walks candidates in order and binds to the first line that
// accepts. Capacity and policy rejections move on to the next candidate,
// since another binder may have taken the seat after resolution.
func (s *Service) AcquireFirst(ctx context.Context, operatorID string, candidates []Candidate) (Candidate, BindResult, bool, error) {
	for _, c := range candidates {
		var opts []BindOption
		if c.MixedAllowed() {
			opts = append(opts, WithMixedSegments())
		}
		res, err := s.Bind(ctx, c.Line.ID, operatorID, opts...)
		if err == nil {
			return c, res, true, nil
		}
		if lines.IsCapacityOrPolicy(err) {
			s.log.DebugContext(ctx, "candidate rejected", "line_id", c.Line.ID, "operator_id", operatorID, "err", err)
			continue
		}
		return Candidate{}, BindResult{}, false, err
	}
	return Candidate{}, BindResult{}, false, nil
}
