package failover

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"wa-linepool/internal/lines"
	"wa-linepool/internal/provider"
)

// Handler is what the monitor calls when a line is judged banned.
type Handler interface {
	HandleLineBanned(ctx context.Context, lineID string) (Report, error)
}

type MonitorOptions struct {
	Interval time.Duration
	// ClosedThreshold is the number of consecutive closed probes that
	// trigger failover.
	ClosedThreshold int
	ProbeTimeout    time.Duration
	TxTimeout       time.Duration
}

// Monitor periodically probes the provider connection of every active line.
//
// Only an explicit closed state counts toward failover. Unknown states and
// probe errors are treated as connected and leave the counter untouched.
type Monitor struct {
	store    lines.Store
	provider provider.Provider
	handler  Handler
	log      *slog.Logger
	opts     MonitorOptions

	mu     sync.Mutex
	closed map[string]int
}

func NewMonitor(store lines.Store, p provider.Provider, h Handler, log *slog.Logger, opts MonitorOptions) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.ClosedThreshold <= 0 {
		opts.ClosedThreshold = 3
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	if opts.TxTimeout <= 0 {
		opts.TxTimeout = 5 * time.Second
	}
	return &Monitor{store: store, provider: p, handler: h, log: log, opts: opts, closed: map[string]int{}}
}

type SweepResult struct {
	Probed int
	Banned []string
}

// Sweep probes every active line once.
func (m *Monitor) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	var active []lines.Line
	err := m.store.WithTx(ctx, lines.ReadOnly(m.opts.TxTimeout), func(ctx context.Context, tx lines.Tx) error {
		var err error
		active, err = tx.ListLines(ctx, lines.LineStatusActive)
		return err
	})
	if err != nil {
		return res, err
	}

	m.prune(active)
	for _, l := range active {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Probed++
		if m.probe(ctx, l) {
			if _, err := m.handler.HandleLineBanned(ctx, l.ID); err != nil {
				m.log.ErrorContext(ctx, "failover failed", "line_id", l.ID, "err", err)
				continue
			}
			res.Banned = append(res.Banned, l.ID)
		}
	}
	return res, nil
}

// probe returns true when the line just reached the closed threshold.
func (m *Monitor) probe(ctx context.Context, l lines.Line) bool {
	pctx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	defer cancel()

	state, err := m.provider.ConnectionState(pctx, l.Handle)
	if err != nil {
		m.log.DebugContext(ctx, "line probe failed", "line_id", l.ID, "err", err)
		state = provider.StateUnknown
	}
	probesTotal.WithLabelValues(string(state)).Inc()

	m.mu.Lock()
	defer m.mu.Unlock()
	switch state {
	case provider.StateOpen:
		delete(m.closed, l.ID)
	case provider.StateClosed:
		m.closed[l.ID]++
		n := m.closed[l.ID]
		m.log.WarnContext(ctx, "line connection closed", "line_id", l.ID, "consecutive", n)
		if n >= m.opts.ClosedThreshold {
			delete(m.closed, l.ID)
			return true
		}
	}
	return false
}

func (m *Monitor) prune(active []lines.Line) {
	keep := make(map[string]struct{}, len(active))
	for _, l := range active {
		keep[l.ID] = struct{}{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.closed {
		if _, ok := keep[id]; !ok {
			delete(m.closed, id)
		}
	}
}

// Run sweeps every Interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	t := time.NewTicker(m.opts.Interval)
	defer t.Stop()
	m.log.InfoContext(ctx, "line health monitor started", "interval", m.opts.Interval, "threshold", m.opts.ClosedThreshold)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
				m.log.ErrorContext(ctx, "line health sweep failed", "err", err)
			}
		}
	}
}
