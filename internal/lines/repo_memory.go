package lines

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and local development.
//
// Transactions are serialized behind a single slot, so every transaction is
// trivially serializable. Each transaction works on a copy of the state that
// is swapped in only on commit.
type MemoryStore struct {
	slot  chan struct{}
	state memState

	faultMu sync.Mutex
	faults  []error

	Now func() time.Time
}

type memState struct {
	lines     map[string]Line
	operators map[string]Operator
	bindings  []Binding
	convs     []Conversation
	pending   []PendingMessage
}

func (s memState) clone() memState {
	out := memState{
		lines:     make(map[string]Line, len(s.lines)),
		operators: make(map[string]Operator, len(s.operators)),
		bindings:  append([]Binding(nil), s.bindings...),
		convs:     append([]Conversation(nil), s.convs...),
		pending:   append([]PendingMessage(nil), s.pending...),
	}
	for k, v := range s.lines {
		out.lines[k] = v
	}
	for k, v := range s.operators {
		out.operators[k] = v
	}
	return out
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		slot: make(chan struct{}, 1),
		state: memState{
			lines:     map[string]Line{},
			operators: map[string]Operator{},
		},
		Now: time.Now,
	}
}

// FailNext makes the next len(errs) transactions fail with the given errors
// before running their unit of work.
func (s *MemoryStore) FailNext(errs ...error) {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	s.faults = append(s.faults, errs...)
}

func (s *MemoryStore) nextFault() error {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	if len(s.faults) == 0 {
		return nil
	}
	err := s.faults[0]
	s.faults = s.faults[1:]
	return err
}

func (s *MemoryStore) WithTx(ctx context.Context, opts TxOptions, fn func(ctx context.Context, tx Tx) error) (err error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	if ferr := s.nextFault(); ferr != nil {
		return ferr
	}

	select {
	case s.slot <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrTransient, ctx.Err())
	}
	defer func() { <-s.slot }()

	working := s.state.clone()
	tx := &memTx{st: &working, now: s.now}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if cerr := ctx.Err(); cerr != nil {
		return fmt.Errorf("%w: %w", ErrTransient, cerr)
	}
	if !opts.ReadOnly {
		s.state = working
	}
	return nil
}

func (s *MemoryStore) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

func (s *MemoryStore) locked(fn func(st *memState)) {
	s.slot <- struct{}{}
	defer func() { <-s.slot }()
	fn(&s.state)
}

// PutLine inserts or replaces a line. CreatedAt defaults to now.
func (s *MemoryStore) PutLine(l Line) {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = s.now()
	}
	if l.Status == "" {
		l.Status = LineStatusActive
	}
	s.locked(func(st *memState) { st.lines[l.ID] = l })
}

// PutOperator inserts or replaces an operator.
func (s *MemoryStore) PutOperator(o Operator) {
	if o.Role == "" {
		o.Role = RoleOperator
	}
	if o.Status == "" {
		o.Status = OperatorOffline
	}
	s.locked(func(st *memState) { st.operators[o.ID] = o })
}

// PutBinding inserts a raw binding row, bypassing all invariants. Tests use it
// to model legacy or corrupted state.
func (s *MemoryStore) PutBinding(b Binding) {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = s.now()
	}
	s.locked(func(st *memState) { st.bindings = append(st.bindings, b) })
}

// PutConversation inserts a raw conversation row.
func (s *MemoryStore) PutConversation(c Conversation) {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	s.locked(func(st *memState) { st.convs = append(st.convs, c) })
}

func (s *MemoryStore) Line(id string) (Line, bool) {
	var l Line
	var ok bool
	s.locked(func(st *memState) { l, ok = st.lines[id] })
	return l, ok
}

func (s *MemoryStore) Operator(id string) (Operator, bool) {
	var o Operator
	var ok bool
	s.locked(func(st *memState) { o, ok = st.operators[id] })
	return o, ok
}

func (s *MemoryStore) Bindings() []Binding {
	var out []Binding
	s.locked(func(st *memState) { out = append(out, st.bindings...) })
	return out
}

func (s *MemoryStore) Conversations() []Conversation {
	var out []Conversation
	s.locked(func(st *memState) { out = append(out, st.convs...) })
	return out
}

func (s *MemoryStore) Pending() []PendingMessage {
	var out []PendingMessage
	s.locked(func(st *memState) { out = append(out, st.pending...) })
	return out
}

type memTx struct {
	st  *memState
	now func() time.Time
}

func (t *memTx) GetLine(ctx context.Context, lineID string) (Line, error) {
	l, ok := t.st.lines[lineID]
	if !ok {
		return Line{}, ErrNotFound
	}
	return l, nil
}

func (t *memTx) LockLine(ctx context.Context, lineID string) (Line, error) {
	return t.GetLine(ctx, lineID)
}

func (t *memTx) sortedLines(status LineStatus) []Line {
	out := make([]Line, 0, len(t.st.lines))
	for _, l := range t.st.lines {
		if l.Status == status {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (t *memTx) ListLines(ctx context.Context, status LineStatus) ([]Line, error) {
	return t.sortedLines(status), nil
}

func (t *memTx) ListOccupancy(ctx context.Context, status LineStatus) ([]Occupancy, error) {
	ls := t.sortedLines(status)
	out := make([]Occupancy, 0, len(ls))
	for _, l := range ls {
		ops, _ := t.ListBoundOperators(ctx, l.ID)
		out = append(out, Occupancy{Line: l, Operators: ops})
	}
	return out, nil
}

func (t *memTx) SetLineStatus(ctx context.Context, lineID string, status LineStatus) error {
	l, ok := t.st.lines[lineID]
	if !ok {
		return ErrNotFound
	}
	l.Status = status
	l.UpdatedAt = t.now()
	t.st.lines[lineID] = l
	return nil
}

func (t *memTx) SetPrimaryOperator(ctx context.Context, lineID, operatorID string) error {
	l, ok := t.st.lines[lineID]
	if !ok {
		return ErrNotFound
	}
	l.PrimaryOperatorID = operatorID
	l.UpdatedAt = t.now()
	t.st.lines[lineID] = l
	return nil
}

func (t *memTx) GetOperator(ctx context.Context, operatorID string) (Operator, error) {
	o, ok := t.st.operators[operatorID]
	if !ok {
		return Operator{}, ErrNotFound
	}
	return o, nil
}

func (t *memTx) SetOperatorStatus(ctx context.Context, operatorID string, status OperatorStatus) error {
	o, ok := t.st.operators[operatorID]
	if !ok {
		return ErrNotFound
	}
	o.Status = status
	t.st.operators[operatorID] = o
	return nil
}

func (t *memTx) ListBoundOperators(ctx context.Context, lineID string) ([]Operator, error) {
	var out []Operator
	for _, b := range t.st.bindings {
		if b.LineID != lineID {
			continue
		}
		if o, ok := t.st.operators[b.OperatorID]; ok {
			out = append(out, o)
		}
	}
	return out, nil
}

func (t *memTx) FindBindingByOperator(ctx context.Context, operatorID string) (Binding, bool, error) {
	for _, b := range t.st.bindings {
		if b.OperatorID == operatorID {
			return b, true, nil
		}
	}
	return Binding{}, false, nil
}

func (t *memTx) InsertBinding(ctx context.Context, b Binding) error {
	for _, existing := range t.st.bindings {
		if existing.LineID == b.LineID && existing.OperatorID == b.OperatorID {
			return fmt.Errorf("binding (%s,%s) exists", b.LineID, b.OperatorID)
		}
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = t.now()
	}
	t.st.bindings = append(t.st.bindings, b)
	return nil
}

func (t *memTx) DeleteBinding(ctx context.Context, lineID, operatorID string) (bool, error) {
	for i, b := range t.st.bindings {
		if b.LineID == lineID && b.OperatorID == operatorID {
			t.st.bindings = append(t.st.bindings[:i:i], t.st.bindings[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) DeleteBindingsByLine(ctx context.Context, lineID string) ([]Binding, error) {
	var removed []Binding
	kept := t.st.bindings[:0:0]
	for _, b := range t.st.bindings {
		if b.LineID == lineID {
			removed = append(removed, b)
			continue
		}
		kept = append(kept, b)
	}
	t.st.bindings = kept
	return removed, nil
}

// latestOpen maps each contact with an open row on the line to the index of
// its most recent open row. Later inserts win ties.
func (t *memTx) latestOpen(lineID string) map[string]int {
	latest := map[string]int{}
	for i, c := range t.st.convs {
		if c.LineID != lineID || !c.Open() {
			continue
		}
		j, ok := latest[c.ContactPhone]
		if !ok || !c.CreatedAt.Before(t.st.convs[j].CreatedAt) {
			latest[c.ContactPhone] = i
		}
	}
	return latest
}

// responsibleFor returns the contacts on the line whose latest open row is
// owned by operatorID.
func (t *memTx) responsibleFor(lineID, operatorID string) map[string]struct{} {
	out := map[string]struct{}{}
	for contact, i := range t.latestOpen(lineID) {
		if t.st.convs[i].OperatorID == operatorID {
			out[contact] = struct{}{}
		}
	}
	return out
}

func (t *memTx) LatestOpenConversation(ctx context.Context, lineID, contactPhone string) (Conversation, bool, error) {
	i, ok := t.latestOpen(lineID)[contactPhone]
	if !ok {
		return Conversation{}, false, nil
	}
	return t.st.convs[i], true, nil
}

func (t *memTx) CountOpenContacts(ctx context.Context, lineID, operatorID string) (int, error) {
	return len(t.responsibleFor(lineID, operatorID)), nil
}

func (t *memTx) ListOpenConversations(ctx context.Context, lineID string) ([]Conversation, error) {
	idx := make([]int, 0)
	for _, i := range t.latestOpen(lineID) {
		idx = append(idx, i)
	}
	sort.Slice(idx, func(a, b int) bool {
		ca, cb := t.st.convs[idx[a]].CreatedAt, t.st.convs[idx[b]].CreatedAt
		if !ca.Equal(cb) {
			return ca.Before(cb)
		}
		return idx[a] < idx[b]
	})
	out := make([]Conversation, 0, len(idx))
	for _, i := range idx {
		out = append(out, t.st.convs[i])
	}
	return out, nil
}

func (t *memTx) InsertConversation(ctx context.Context, c Conversation) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = t.now()
	}
	t.st.convs = append(t.st.convs, c)
	return nil
}

func (t *memTx) RepointConversations(ctx context.Context, fromLineID, operatorID, toLineID string) (int, error) {
	contacts := t.responsibleFor(fromLineID, operatorID)
	n := 0
	for i, c := range t.st.convs {
		if _, ok := contacts[c.ContactPhone]; ok && c.LineID == fromLineID && c.OperatorID == operatorID && c.Open() {
			t.st.convs[i].LineID = toLineID
			n++
		}
	}
	return n, nil
}

func (t *memTx) CloseConversations(ctx context.Context, lineID, operatorID, tag string) (int, error) {
	contacts := t.responsibleFor(lineID, operatorID)
	n := 0
	for i, c := range t.st.convs {
		if _, ok := contacts[c.ContactPhone]; ok && c.LineID == lineID && c.OperatorID == operatorID && c.Open() {
			t.st.convs[i].ClosingTag = tag
			n++
		}
	}
	return n, nil
}

func (t *memTx) CloseStaleConversations(ctx context.Context, lineID, tag string) (int, error) {
	latest := t.latestOpen(lineID)
	n := 0
	for i, c := range t.st.convs {
		if c.LineID != lineID || !c.Open() {
			continue
		}
		owner := t.st.convs[latest[c.ContactPhone]].OperatorID
		if owner != "" && c.OperatorID == owner {
			continue
		}
		t.st.convs[i].ClosingTag = tag
		n++
	}
	return n, nil
}

func (t *memTx) InsertPending(ctx context.Context, p PendingMessage) error {
	now := t.now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
	if p.Status == "" {
		p.Status = PendingStatusPending
	}
	t.st.pending = append(t.st.pending, p)
	return nil
}

func (t *memTx) ClaimPending(ctx context.Context, segment string, limit int, now, staleBefore time.Time) ([]PendingMessage, error) {
	if limit <= 0 {
		return nil, nil
	}
	idx := make([]int, 0)
	for i, p := range t.st.pending {
		abandoned := p.Status == PendingStatusProcessing && !staleBefore.IsZero() && p.UpdatedAt.Before(staleBefore)
		if p.Status != PendingStatusPending && !abandoned {
			continue
		}
		if p.Segment != segment && p.Segment != "" {
			continue
		}
		idx = append(idx, i)
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return t.st.pending[idx[a]].CreatedAt.Before(t.st.pending[idx[b]].CreatedAt)
	})
	if len(idx) > limit {
		idx = idx[:limit]
	}
	out := make([]PendingMessage, 0, len(idx))
	for _, i := range idx {
		if t.st.pending[i].Status == PendingStatusProcessing {
			t.st.pending[i].Attempts++
		}
		t.st.pending[i].Status = PendingStatusProcessing
		t.st.pending[i].UpdatedAt = now
		out = append(out, t.st.pending[i])
	}
	return out, nil
}

func (t *memTx) UpdatePending(ctx context.Context, p PendingMessage) error {
	for i, existing := range t.st.pending {
		if existing.ID == p.ID {
			if p.UpdatedAt.IsZero() {
				p.UpdatedAt = t.now()
			}
			t.st.pending[i] = p
			return nil
		}
	}
	return ErrNotFound
}
