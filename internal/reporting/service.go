package reporting

import (
	"context"
	"errors"
	"time"

	"wa-linepool/internal/lines"
)

var ErrNotConfigured = errors.New("reporting: store not configured")

// Service produces read-only load snapshots. It never writes.
type Service struct {
	store     lines.Store
	txTimeout time.Duration
}

func NewService(store lines.Store, txTimeout time.Duration) *Service {
	if txTimeout <= 0 {
		txTimeout = 5 * time.Second
	}
	return &Service{store: store, txTimeout: txTimeout}
}

var reportedStatuses = []lines.LineStatus{lines.LineStatusActive, lines.LineStatusBanned, lines.LineStatusInactive}

// LineLoad lists every line with its bound operators and their open contact
// counts. Active lines come first, each group oldest first.
func (s *Service) LineLoad(ctx context.Context) ([]LineLoad, error) {
	if s.store == nil {
		return nil, ErrNotConfigured
	}
	var out []LineLoad
	err := s.store.WithTx(ctx, lines.ReadOnly(s.txTimeout), func(ctx context.Context, tx lines.Tx) error {
		out = out[:0]
		for _, st := range reportedStatuses {
			occ, err := tx.ListOccupancy(ctx, st)
			if err != nil {
				return err
			}
			for _, o := range occ {
				ll, err := lineLoad(ctx, tx, o)
				if err != nil {
					return err
				}
				out = append(out, ll)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func lineLoad(ctx context.Context, tx lines.Tx, o lines.Occupancy) (LineLoad, error) {
	ll := LineLoad{
		LineID:            o.Line.ID,
		Phone:             o.Line.Phone,
		Status:            o.Line.Status,
		Segment:           o.Line.Segment,
		PrimaryOperatorID: o.Line.PrimaryOperatorID,
		Operators:         make([]OperatorLoad, 0, len(o.Operators)),
	}
	for _, op := range o.Operators {
		n, err := tx.CountOpenContacts(ctx, o.Line.ID, op.ID)
		if err != nil {
			return LineLoad{}, err
		}
		ll.Operators = append(ll.Operators, OperatorLoad{
			OperatorID:   op.ID,
			Name:         op.Name,
			Status:       op.Status,
			Segment:      op.Segment,
			OpenContacts: n,
		})
	}
	if o.Line.Status == lines.LineStatusActive {
		ll.FreeSeats = lines.MaxOperatorsPerLine - len(o.Operators)
		if ll.FreeSeats < 0 {
			ll.FreeSeats = 0
		}
	}
	open, err := tx.ListOpenConversations(ctx, o.Line.ID)
	if err != nil {
		return LineLoad{}, err
	}
	ll.OpenConversations = len(open)
	return ll, nil
}

// Summarize totals a snapshot. A banned line that still has bindings is
// listed as undrained.
func Summarize(loads []LineLoad) LoadSummary {
	sum := LoadSummary{ByStatus: map[lines.LineStatus]int{}}
	for _, l := range loads {
		sum.Lines++
		sum.ByStatus[l.Status]++
		sum.BoundOperators += len(l.Operators)
		sum.FreeSeats += l.FreeSeats
		if l.Status == lines.LineStatusBanned {
			if len(l.Operators) == 0 {
				sum.DrainedBanned++
			} else {
				sum.UndrainedBanned = append(sum.UndrainedBanned, l.LineID)
			}
		}
	}
	return sum
}
