package lines

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"wa-linepool/pkg/utils"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore is the production Store. It expects a database/sql handle
// opened with the pgx stdlib driver.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates missing tables and indexes. Safe to run on every boot.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) WithTx(ctx context.Context, opts TxOptions, fn func(ctx context.Context, tx Tx) error) error {
	iso := sql.LevelReadCommitted
	if opts.Serializable {
		iso = sql.LevelSerializable
	}
	err := utils.WithBoundedTx(ctx, s.db, &sql.TxOptions{Isolation: iso, ReadOnly: opts.ReadOnly}, opts.Timeout, func(ctx context.Context, tx *sql.Tx) error {
		return fn(ctx, &pgTx{tx: tx})
	})
	return mapStoreErr(err)
}

// mapStoreErr tags serialization failures, deadlocks, lock timeouts,
// statement cancellations and connection failures as ErrTransient.
func mapStoreErr(err error) error {
	if utils.IsRetryableTxError(err) {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return err
}

type pgTx struct {
	tx *sql.Tx
}

type rowScanner interface {
	Scan(dest ...any) error
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

const lineColumns = `id, phone, status, segment, handle, primary_operator_id, created_at, updated_at`

func scanLine(r rowScanner) (Line, error) {
	var l Line
	var segment, primary sql.NullString
	if err := r.Scan(&l.ID, &l.Phone, &l.Status, &segment, &l.Handle, &primary, &l.CreatedAt, &l.UpdatedAt); err != nil {
		return Line{}, err
	}
	l.Segment = segment.String
	l.PrimaryOperatorID = primary.String
	return l, nil
}

func (t *pgTx) GetLine(ctx context.Context, lineID string) (Line, error) {
	q := `SELECT ` + lineColumns + ` FROM lines WHERE id = $1`
	l, err := scanLine(t.tx.QueryRowContext(ctx, q, lineID))
	if errors.Is(err, sql.ErrNoRows) {
		return Line{}, ErrNotFound
	}
	return l, err
}

func (t *pgTx) LockLine(ctx context.Context, lineID string) (Line, error) {
	// Row lock serializes bind/unbind on the same line.
	q := `SELECT ` + lineColumns + ` FROM lines WHERE id = $1 FOR UPDATE`
	l, err := scanLine(t.tx.QueryRowContext(ctx, q, lineID))
	if errors.Is(err, sql.ErrNoRows) {
		return Line{}, ErrNotFound
	}
	return l, err
}

func (t *pgTx) ListLines(ctx context.Context, status LineStatus) ([]Line, error) {
	q := `SELECT ` + lineColumns + ` FROM lines WHERE status = $1 ORDER BY created_at ASC, id ASC`
	rows, err := t.tx.QueryContext(ctx, q, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Line
	for rows.Next() {
		l, err := scanLine(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (t *pgTx) ListOccupancy(ctx context.Context, status LineStatus) ([]Occupancy, error) {
	const q = `
SELECT l.id, l.phone, l.status, l.segment, l.handle, l.primary_operator_id, l.created_at, l.updated_at,
       o.id, o.name, o.status, o.segment, o.role
FROM lines l
LEFT JOIN line_bindings b ON b.line_id = l.id
LEFT JOIN operators o ON o.id = b.operator_id
WHERE l.status = $1
ORDER BY l.created_at ASC, l.id ASC, b.created_at ASC
`
	rows, err := t.tx.QueryContext(ctx, q, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Occupancy
	for rows.Next() {
		var l Line
		var lSeg, primary sql.NullString
		var oID, oName, oStatus, oSeg, oRole sql.NullString
		if err := rows.Scan(
			&l.ID, &l.Phone, &l.Status, &lSeg, &l.Handle, &primary, &l.CreatedAt, &l.UpdatedAt,
			&oID, &oName, &oStatus, &oSeg, &oRole,
		); err != nil {
			return nil, err
		}
		l.Segment = lSeg.String
		l.PrimaryOperatorID = primary.String

		if n := len(out); n == 0 || out[n-1].Line.ID != l.ID {
			out = append(out, Occupancy{Line: l})
		}
		if oID.Valid {
			last := &out[len(out)-1]
			last.Operators = append(last.Operators, Operator{
				ID:      oID.String,
				Name:    oName.String,
				Status:  OperatorStatus(oStatus.String),
				Segment: oSeg.String,
				Role:    Role(oRole.String),
			})
		}
	}
	return out, rows.Err()
}

func (t *pgTx) SetLineStatus(ctx context.Context, lineID string, status LineStatus) error {
	const q = `UPDATE lines SET status = $2, updated_at = now() WHERE id = $1`
	return t.execOne(ctx, q, lineID, status)
}

func (t *pgTx) SetPrimaryOperator(ctx context.Context, lineID, operatorID string) error {
	const q = `UPDATE lines SET primary_operator_id = $2, updated_at = now() WHERE id = $1`
	return t.execOne(ctx, q, lineID, nullable(operatorID))
}

func (t *pgTx) execOne(ctx context.Context, q string, args ...any) error {
	res, err := t.tx.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanOperator(r rowScanner) (Operator, error) {
	var o Operator
	var segment sql.NullString
	if err := r.Scan(&o.ID, &o.Name, &o.Status, &segment, &o.Role); err != nil {
		return Operator{}, err
	}
	o.Segment = segment.String
	return o, nil
}

func (t *pgTx) GetOperator(ctx context.Context, operatorID string) (Operator, error) {
	const q = `SELECT id, name, status, segment, role FROM operators WHERE id = $1`
	o, err := scanOperator(t.tx.QueryRowContext(ctx, q, operatorID))
	if errors.Is(err, sql.ErrNoRows) {
		return Operator{}, ErrNotFound
	}
	return o, err
}

func (t *pgTx) SetOperatorStatus(ctx context.Context, operatorID string, status OperatorStatus) error {
	const q = `UPDATE operators SET status = $2 WHERE id = $1`
	return t.execOne(ctx, q, operatorID, status)
}

func (t *pgTx) ListBoundOperators(ctx context.Context, lineID string) ([]Operator, error) {
	const q = `
SELECT o.id, o.name, o.status, o.segment, o.role
FROM line_bindings b
JOIN operators o ON o.id = b.operator_id
WHERE b.line_id = $1
ORDER BY b.created_at ASC
`
	rows, err := t.tx.QueryContext(ctx, q, lineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Operator
	for rows.Next() {
		o, err := scanOperator(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (t *pgTx) FindBindingByOperator(ctx context.Context, operatorID string) (Binding, bool, error) {
	const q = `SELECT line_id, operator_id, created_at FROM line_bindings WHERE operator_id = $1 LIMIT 1`
	var b Binding
	err := t.tx.QueryRowContext(ctx, q, operatorID).Scan(&b.LineID, &b.OperatorID, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Binding{}, false, nil
	}
	if err != nil {
		return Binding{}, false, err
	}
	return b, true, nil
}

func (t *pgTx) InsertBinding(ctx context.Context, b Binding) error {
	const q = `INSERT INTO line_bindings (line_id, operator_id, created_at) VALUES ($1, $2, $3)`
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	_, err := t.tx.ExecContext(ctx, q, b.LineID, b.OperatorID, b.CreatedAt)
	return err
}

func (t *pgTx) DeleteBinding(ctx context.Context, lineID, operatorID string) (bool, error) {
	const q = `DELETE FROM line_bindings WHERE line_id = $1 AND operator_id = $2`
	res, err := t.tx.ExecContext(ctx, q, lineID, operatorID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (t *pgTx) DeleteBindingsByLine(ctx context.Context, lineID string) ([]Binding, error) {
	const q = `DELETE FROM line_bindings WHERE line_id = $1 RETURNING line_id, operator_id, created_at`
	rows, err := t.tx.QueryContext(ctx, q, lineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Binding
	for rows.Next() {
		var b Binding
		if err := rows.Scan(&b.LineID, &b.OperatorID, &b.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

const conversationColumns = `id, contact_phone, line_id, operator_id, sender, body, closing_tag, created_at`

func scanConversation(r rowScanner) (Conversation, error) {
	var c Conversation
	var op, tag sql.NullString
	if err := r.Scan(&c.ID, &c.ContactPhone, &c.LineID, &op, &c.Sender, &c.Body, &tag, &c.CreatedAt); err != nil {
		return Conversation{}, err
	}
	c.OperatorID = op.String
	c.ClosingTag = tag.String
	return c, nil
}

// latestOpenSQL selects the open conversation of each contact on line $1.
const latestOpenSQL = `
SELECT DISTINCT ON (contact_phone) ` + conversationColumns + `
FROM conversations
WHERE line_id = $1 AND closing_tag IS NULL
ORDER BY contact_phone, created_at DESC, id DESC
`

func (t *pgTx) LatestOpenConversation(ctx context.Context, lineID, contactPhone string) (Conversation, bool, error) {
	q := `
SELECT ` + conversationColumns + `
FROM conversations
WHERE line_id = $1 AND contact_phone = $2 AND closing_tag IS NULL
ORDER BY created_at DESC, id DESC
LIMIT 1
`
	c, err := scanConversation(t.tx.QueryRowContext(ctx, q, lineID, contactPhone))
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, false, nil
	}
	if err != nil {
		return Conversation{}, false, err
	}
	return c, true, nil
}

func (t *pgTx) CountOpenContacts(ctx context.Context, lineID, operatorID string) (int, error) {
	q := `SELECT COUNT(*) FROM (` + latestOpenSQL + `) latest WHERE latest.operator_id = $2`
	var n int
	err := t.tx.QueryRowContext(ctx, q, lineID, operatorID).Scan(&n)
	return n, err
}

func (t *pgTx) ListOpenConversations(ctx context.Context, lineID string) ([]Conversation, error) {
	q := `SELECT ` + conversationColumns + ` FROM (` + latestOpenSQL + `) latest ORDER BY created_at ASC, id ASC`
	rows, err := t.tx.QueryContext(ctx, q, lineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertConversation(ctx context.Context, c Conversation) error {
	const q = `
INSERT INTO conversations (id, contact_phone, line_id, operator_id, sender, body, closing_tag, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
`
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := t.tx.ExecContext(ctx, q,
		c.ID, c.ContactPhone, c.LineID, nullable(c.OperatorID), c.Sender, c.Body, nullable(c.ClosingTag), c.CreatedAt,
	)
	return err
}

// responsibleSQL restricts an update on line $1 to operator $2's open rows of
// the contacts whose latest open row that operator owns.
const responsibleSQL = `
line_id = $1 AND operator_id = $2 AND closing_tag IS NULL
AND contact_phone IN (
  SELECT latest.contact_phone FROM (` + latestOpenSQL + `) latest WHERE latest.operator_id = $2
)
`

func (t *pgTx) RepointConversations(ctx context.Context, fromLineID, operatorID, toLineID string) (int, error) {
	q := `UPDATE conversations SET line_id = $3 WHERE ` + responsibleSQL
	return t.execCount(ctx, q, fromLineID, operatorID, toLineID)
}

func (t *pgTx) CloseConversations(ctx context.Context, lineID, operatorID, tag string) (int, error) {
	q := `UPDATE conversations SET closing_tag = $3 WHERE ` + responsibleSQL
	return t.execCount(ctx, q, lineID, operatorID, tag)
}

func (t *pgTx) CloseStaleConversations(ctx context.Context, lineID, tag string) (int, error) {
	q := `
UPDATE conversations c SET closing_tag = $2
FROM (` + latestOpenSQL + `) latest
WHERE c.line_id = $1 AND c.closing_tag IS NULL
  AND latest.contact_phone = c.contact_phone
  AND (latest.operator_id IS NULL OR c.operator_id IS DISTINCT FROM latest.operator_id)
`
	return t.execCount(ctx, q, lineID, tag)
}

func (t *pgTx) execCount(ctx context.Context, q string, args ...any) (int, error) {
	res, err := t.tx.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (t *pgTx) InsertPending(ctx context.Context, p PendingMessage) error {
	const q = `
INSERT INTO pending_messages (id, contact_phone, line_id, payload, segment, status, attempts, last_error, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
`
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
	if p.Status == "" {
		p.Status = PendingStatusPending
	}
	_, err := t.tx.ExecContext(ctx, q,
		p.ID, p.ContactPhone, nullable(p.LineID), p.Payload, nullable(p.Segment),
		p.Status, p.Attempts, nullable(p.LastError), p.CreatedAt, p.UpdatedAt,
	)
	return err
}

func (t *pgTx) ClaimPending(ctx context.Context, segment string, limit int, now, staleBefore time.Time) ([]PendingMessage, error) {
	if limit <= 0 {
		return nil, nil
	}
	const q = `
WITH claimable AS (
  SELECT id
  FROM pending_messages
  WHERE (status = $1 OR (status = $4 AND updated_at < $6))
    AND (segment = $2 OR segment IS NULL)
  ORDER BY created_at ASC
  LIMIT $3
  FOR UPDATE SKIP LOCKED
)
UPDATE pending_messages pm
SET status = $4,
    updated_at = $5,
    attempts = pm.attempts + CASE WHEN pm.status = $4 THEN 1 ELSE 0 END
FROM claimable c
WHERE pm.id = c.id
RETURNING pm.id, pm.contact_phone, pm.line_id, pm.payload, pm.segment, pm.status, pm.attempts, pm.last_error, pm.created_at, pm.updated_at
`
	// A zero cutoff must not match any row.
	cutoff := sql.NullTime{Time: staleBefore, Valid: !staleBefore.IsZero()}
	rows, err := t.tx.QueryContext(ctx, q, PendingStatusPending, segment, limit, PendingStatusProcessing, now, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PendingMessage
	for rows.Next() {
		var p PendingMessage
		var lineID, seg, lastErr sql.NullString
		if err := rows.Scan(
			&p.ID, &p.ContactPhone, &lineID, &p.Payload, &seg, &p.Status, &p.Attempts, &lastErr, &p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, err
		}
		p.LineID = lineID.String
		p.Segment = seg.String
		p.LastError = lastErr.String
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// RETURNING does not preserve the CTE order.
	sortPendingFIFO(out)
	return out, nil
}

func (t *pgTx) UpdatePending(ctx context.Context, p PendingMessage) error {
	const q = `
UPDATE pending_messages
SET status = $2, attempts = $3, last_error = $4, updated_at = now()
WHERE id = $1
`
	return t.execOne(ctx, q, p.ID, p.Status, p.Attempts, nullable(p.LastError))
}
