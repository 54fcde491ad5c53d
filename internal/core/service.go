package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct{ DB *pgxpool.Pool }

var ErrMessageNotFound = errors.New("message not found")

// stateRank mirrors ProcessingState.rank for in-database comparisons.
const stateRank = `CASE %s WHEN 'Pending' THEN 0 WHEN 'Processed' THEN 1 WHEN 'Sent' THEN 2 WHEN 'Delivered' THEN 3 ELSE 4 END`

const messageColumns = `id, seq, content_kind, content, source, priority,
	is_encrypted, skip_phone_validation, with_delivery_report,
	sim_number, valid_until, parts_count, state, created_at, processed_at`

// Enqueue inserts the message plus one Pending recipient row per phone
// number. Idempotent on message id: a duplicate is detected and left
// untouched, reported via inserted=false.
func (s *Store) Enqueue(ctx context.Context, m *MessageWithRecipients) (inserted bool, err error) {
	kind, raw, err := MarshalContent(m.Content)
	if err != nil {
		return false, err
	}

	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		INSERT INTO messages(id, content_kind, content, source, priority,
			is_encrypted, skip_phone_validation, with_delivery_report,
			sim_number, valid_until)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO NOTHING
	`, m.ID, kind, raw, m.Source, m.Priority,
		m.IsEncrypted, m.SkipPhoneValidation, m.WithDeliveryReport,
		m.SimNumber, m.ValidUntil)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, tx.Commit(ctx)
	}

	for _, r := range m.Recipients {
		_, err = tx.Exec(ctx, `
			INSERT INTO message_recipients(message_id, phone_number, state)
			VALUES($1,$2,'Pending')
			ON CONFLICT (message_id, phone_number) DO NOTHING
		`, m.ID, r.PhoneNumber)
		if err != nil {
			return false, err
		}
	}
	return true, tx.Commit(ctx)
}

// Get loads a message with its recipients. The returned aggregate state is
// derived fresh from recipient rows; a drifted persisted aggregate is
// corrected on the way out.
func (s *Store) Get(ctx context.Context, id string) (*MessageWithRecipients, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, id)
	m, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	out := &MessageWithRecipients{Message: *m}
	out.Recipients, err = s.loadRecipients(ctx, s.DB, id)
	if err != nil {
		return nil, err
	}

	derived := Aggregate(out.RecipientStates())
	if derived != out.State {
		if err := s.persistAggregate(ctx, s.DB, id, derived); err != nil {
			return nil, err
		}
		out.State = derived
	}
	return out, nil
}

// ClaimNextPending returns the next message eligible for dispatch, or nil
// when the queue is exhausted. Priority wins; order breaks ties on creation
// time. Rows whose persisted aggregate no longer matches their recipients
// are corrected and skipped, so a crash mid-dispatch never wedges the scan.
// Only messages that still owe at least one recipient a transport attempt
// are eligible; an all-Processed message is waiting on callbacks, not on us.
func (s *Store) ClaimNextPending(ctx context.Context, order ProcessingOrder) (*MessageWithRecipients, error) {
	dir := "ASC"
	if order == OrderLIFO {
		dir = "DESC"
	}
	q := `
		SELECT ` + messageColumns + ` FROM messages m
		WHERE m.state='Pending'
		  AND EXISTS (SELECT 1 FROM message_recipients r
		              WHERE r.message_id=m.id AND r.state='Pending')
		ORDER BY m.priority DESC, m.created_at ` + dir + `
		LIMIT 1`

	for {
		row := s.DB.QueryRow(ctx, q)
		m, err := scanMessage(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, nil
			}
			return nil, err
		}

		out := &MessageWithRecipients{Message: *m}
		out.Recipients, err = s.loadRecipients(ctx, s.DB, m.ID)
		if err != nil {
			return nil, err
		}

		derived := Aggregate(out.RecipientStates())
		if derived != StatePending {
			// Stale aggregate; fix it and keep scanning.
			if err := s.persistAggregate(ctx, s.DB, m.ID, derived); err != nil {
				return nil, err
			}
			continue
		}
		return out, nil
	}
}

// UpdateRecipientState transitions a single recipient row and re-derives the
// message aggregate in the same transaction. Transitions are monotonic:
// stale or out-of-order callbacks are dropped (changed=false).
func (s *Store) UpdateRecipientState(ctx context.Context, messageID, phoneNumber string, state ProcessingState, reason *string) (changed bool, err error) {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE message_recipients SET state=$3, error=$4
		WHERE message_id=$1 AND phone_number=$2
		  AND state <> 'Failed'
		  AND (($3 = 'Failed' AND state <> 'Delivered')
		    OR ($3 <> 'Failed' AND `+rankCmp()+`))
	`, messageID, phoneNumber, state, reason)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, tx.Commit(ctx)
	}
	if err := s.reaggregate(ctx, tx, messageID); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

// UpdateAllRecipientsState applies the same transition to every recipient
// row of a message, with the same monotonic guard per row.
func (s *Store) UpdateAllRecipientsState(ctx context.Context, messageID string, state ProcessingState, reason *string) (changed int, err error) {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE message_recipients SET state=$2, error=$3
		WHERE message_id=$1
		  AND state <> 'Failed'
		  AND (($2 = 'Failed' AND state <> 'Delivered')
		    OR ($2 <> 'Failed' AND `+rankCmp2()+`))
	`, messageID, state, reason)
	if err != nil {
		return 0, err
	}
	if tag.RowsAffected() == 0 {
		return 0, tx.Commit(ctx)
	}
	if err := s.reaggregate(ctx, tx, messageID); err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), tx.Commit(ctx)
}

func (s *Store) SetSimNumber(ctx context.Context, messageID string, simNumber int) error {
	_, err := s.DB.Exec(ctx, `UPDATE messages SET sim_number=$2 WHERE id=$1`, messageID, simNumber)
	return err
}

func (s *Store) SetPartsCount(ctx context.Context, messageID string, partsCount int) error {
	_, err := s.DB.Exec(ctx, `UPDATE messages SET parts_count=$2 WHERE id=$1`, messageID, partsCount)
	return err
}

// MarkDispatched stamps the instant a message reached the transport stage;
// the rate limiter counts against this timestamp.
func (s *Store) MarkDispatched(ctx context.Context, messageID string) error {
	_, err := s.DB.Exec(ctx, `UPDATE messages SET processed_at=now() WHERE id=$1 AND processed_at IS NULL`, messageID)
	return err
}

// CountProcessedSince reports how many messages reached the transport within
// the trailing window, and when the latest of them did. Failed messages do
// not count against the limit.
func (s *Store) CountProcessedSince(ctx context.Context, since time.Time) (int, time.Time, error) {
	var n int
	var last *time.Time
	err := s.DB.QueryRow(ctx, `
		SELECT COUNT(*), MAX(processed_at) FROM messages
		WHERE state <> 'Failed' AND processed_at >= $1
	`, since).Scan(&n, &last)
	if err != nil {
		return 0, time.Time{}, err
	}
	if last == nil {
		return n, time.Time{}, nil
	}
	return n, *last, nil
}

// CountFailedSince backs the health check.
func (s *Store) CountFailedSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.DB.QueryRow(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE state='Failed' AND COALESCE(processed_at, created_at) >= $1
	`, since).Scan(&n)
	return n, err
}

// CountPending reports the current dispatchable backlog.
func (s *Store) CountPending(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRow(ctx, `
		SELECT COUNT(*) FROM messages m
		WHERE m.state='Pending'
		  AND EXISTS (SELECT 1 FROM message_recipients r
		              WHERE r.message_id=m.id AND r.state='Pending')
	`).Scan(&n)
	return n, err
}

type MessageFilter struct {
	State  *ProcessingState
	From   *time.Time
	To     *time.Time
	Limit  int
	Offset int
}

// SelectMessages is the listing query behind GET /messages. Recipients are
// not joined in; the per-message endpoint returns the full view.
func (s *Store) SelectMessages(ctx context.Context, f MessageFilter) ([]Message, error) {
	q := `SELECT ` + messageColumns + ` FROM messages WHERE 1=1`
	args := []any{}
	idx := 1
	if f.State != nil {
		q += fmt.Sprintf(" AND state=$%d", idx)
		args = append(args, *f.State)
		idx++
	}
	if f.From != nil {
		q += fmt.Sprintf(" AND created_at >= $%d", idx)
		args = append(args, *f.From)
		idx++
	}
	if f.To != nil {
		q += fmt.Sprintf(" AND created_at < $%d", idx)
		args = append(args, *f.To)
		idx++
	}
	q += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, f.Limit, f.Offset)

	rows, err := s.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// Totals returns message counts per aggregate state.
func (s *Store) Totals(ctx context.Context) (map[ProcessingState]int, error) {
	rows, err := s.DB.Query(ctx, `SELECT state, COUNT(*) FROM messages GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[ProcessingState]int)
	for rows.Next() {
		var st ProcessingState
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[st] = n
	}
	return out, rows.Err()
}

// reaggregate recomputes the message aggregate from recipient rows inside
// the caller's transaction.
func (s *Store) reaggregate(ctx context.Context, tx pgx.Tx, messageID string) error {
	rows, err := tx.Query(ctx, `SELECT state FROM message_recipients WHERE message_id=$1`, messageID)
	if err != nil {
		return err
	}
	defer rows.Close()
	var states []ProcessingState
	for rows.Next() {
		var st ProcessingState
		if err := rows.Scan(&st); err != nil {
			return err
		}
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	_, err = tx.Exec(ctx, `
		UPDATE messages SET state=$2 WHERE id=$1 AND state <> 'Failed' AND state <> $2
	`, messageID, Aggregate(states))
	return err
}

type pgxQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *Store) loadRecipients(ctx context.Context, q pgxQuerier, messageID string) ([]Recipient, error) {
	rows, err := q.Query(ctx, `
		SELECT message_id, phone_number, state, error
		FROM message_recipients WHERE message_id=$1
		ORDER BY phone_number
	`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Recipient
	for rows.Next() {
		var r Recipient
		if err := rows.Scan(&r.MessageID, &r.PhoneNumber, &r.State, &r.Error); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) persistAggregate(ctx context.Context, db *pgxpool.Pool, messageID string, state ProcessingState) error {
	_, err := db.Exec(ctx, `
		UPDATE messages SET state=$2 WHERE id=$1 AND state <> 'Failed' AND state <> $2
	`, messageID, state)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var kind ContentKind
	var raw []byte
	err := row.Scan(&m.ID, &m.Seq, &kind, &raw, &m.Source, &m.Priority,
		&m.IsEncrypted, &m.SkipPhoneValidation, &m.WithDeliveryReport,
		&m.SimNumber, &m.ValidUntil, &m.PartsCount, &m.State, &m.CreatedAt, &m.ProcessedAt)
	if err != nil {
		return nil, err
	}
	m.Content, err = UnmarshalContent(kind, raw)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func rankCmp() string {
	return fmt.Sprintf(stateRank, "state") + " < " + fmt.Sprintf(stateRank, "$3")
}

func rankCmp2() string {
	return fmt.Sprintf(stateRank, "state") + " < " + fmt.Sprintf(stateRank, "$2")
}
