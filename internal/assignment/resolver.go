package assignment

import (
	"context"

	"wa-linepool/internal/lines"
)

// Step is the priority tier a candidate line came from. Lower wins.
type Step int

const (
	StepOwnSegment     Step = 1
	StepUnsegmented    Step = 2
	StepDefaultSegment Step = 3
	// StepAnyLine ignores segment purity. Only failover's final fallback and
	// the outbound re-homing path ask for it.
	StepAnyLine Step = 4
)

func (s Step) String() string {
	switch s {
	case StepOwnSegment:
		return "own_segment"
	case StepUnsegmented:
		return "unsegmented"
	case StepDefaultSegment:
		return "default_segment"
	case StepAnyLine:
		return "any_line"
	default:
		return "unknown"
	}
}

// Request asks for lines an operator could be bound to.
type Request struct {
	OperatorID string
	Segment    string
	// ExcludeLineID removes one line from consideration.
	ExcludeLineID string
	// Wide adds StepAnyLine after the three segment-aware steps.
	Wide bool
}

// Candidate is one acceptable line, in priority order.
type Candidate struct {
	Line  lines.Line
	Step  Step
	Bound int
}

// MixedAllowed reports whether binding to this candidate must skip the
// segment purity check.
func (c Candidate) MixedAllowed() bool { return c.Step == StepAnyLine }

// Resolver selects candidate lines for an operator. It never writes.
type Resolver struct {
	DefaultSegment string
}

func NewResolver(defaultSegment string) *Resolver {
	return &Resolver{DefaultSegment: defaultSegment}
}

type step struct {
	id           Step
	match        func(l lines.Line) bool
	ignorePurity bool
}

func (r *Resolver) steps(req Request) []step {
	var out []step
	if req.Segment != "" {
		seg := req.Segment
		out = append(out, step{id: StepOwnSegment, match: func(l lines.Line) bool { return l.Segment == seg }})
	}
	out = append(out, step{id: StepUnsegmented, match: func(l lines.Line) bool { return l.Segment == "" }})
	if r.DefaultSegment != "" {
		def := r.DefaultSegment
		out = append(out, step{id: StepDefaultSegment, match: func(l lines.Line) bool { return l.Segment == def }})
	}
	if req.Wide {
		out = append(out, step{id: StepAnyLine, match: func(lines.Line) bool { return true }, ignorePurity: true})
	}
	return out
}

// Candidates returns every acceptable line for req, best first: by step, then
// by line creation order. A line appears once, under its best step.
func (r *Resolver) Candidates(ctx context.Context, tx lines.Tx, req Request) ([]Candidate, error) {
	occ, err := tx.ListOccupancy(ctx, lines.LineStatusActive)
	if err != nil {
		return nil, err
	}

	// The requester's own seat never counts against a line.
	for i := range occ {
		ops := occ[i].Operators[:0:0]
		for _, op := range occ[i].Operators {
			if op.ID != req.OperatorID {
				ops = append(ops, op)
			}
		}
		occ[i].Operators = ops
	}

	seen := map[string]struct{}{}
	var out []Candidate
	for _, st := range r.steps(req) {
		for _, o := range occ {
			if o.Line.ID == req.ExcludeLineID {
				continue
			}
			if _, dup := seen[o.Line.ID]; dup {
				continue
			}
			if !st.match(o.Line) || !o.HasCapacity() {
				continue
			}
			if !st.ignorePurity && !o.Homogeneous(req.Segment) {
				continue
			}
			seen[o.Line.ID] = struct{}{}
			out = append(out, Candidate{Line: o.Line, Step: st.id, Bound: len(o.Operators)})
		}
	}
	return out, nil
}

// Resolve returns the first candidate, or false when no line qualifies.
func (r *Resolver) Resolve(ctx context.Context, tx lines.Tx, req Request) (Candidate, bool, error) {
	cs, err := r.Candidates(ctx, tx, req)
	if err != nil || len(cs) == 0 {
		return Candidate{}, false, err
	}
	return cs[0], true, nil
}

// CandidatesIn runs Candidates in its own read-only transaction.
func (r *Resolver) CandidatesIn(ctx context.Context, store lines.Store, opts lines.TxOptions, req Request) ([]Candidate, error) {
	var out []Candidate
	err := store.WithTx(ctx, opts, func(ctx context.Context, tx lines.Tx) error {
		var err error
		out, err = r.Candidates(ctx, tx, req)
		return err
	})
	return out, err
}
