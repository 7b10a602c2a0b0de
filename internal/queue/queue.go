// Package queue stores requests and their responses in SQLite.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const maxErrorBytes = 64 * 1024

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type Queue struct {
	db *sql.DB
}

func New(db *sql.DB) *Queue {
	return &Queue{db: db}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, bool) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, s)
	}
	return t, err == nil
}

func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if req.Type == "" {
		return "", fmt.Errorf("type is empty")
	}
	if req.Creator == "" {
		return "", fmt.Errorf("creator is empty")
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	var data any
	if len(req.Data) > 0 {
		b, err := json.Marshal(req.Data)
		if err != nil {
			return "", fmt.Errorf("encode data: %w", err)
		}
		data = string(b)
	}
	var parent any
	if req.ParentID != "" {
		parent = req.ParentID
	}

	_, err := q.db.ExecContext(ctx, `
INSERT INTO request_queue(id, parent_id, creator, type, data, status, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?);
`, id, parent, req.Creator, req.Type, data, StatusQueued, formatTime(time.Now()))
	if err != nil {
		return "", fmt.Errorf("enqueue request: %w", err)
	}
	return id, nil
}

const entryColumns = `id, parent_id, creator, type, data, status, created_at, claimed_at, completed_at, last_error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		e            Entry
		parentID     sql.NullString
		data         sql.NullString
		statusS      string
		createdAtS   string
		claimedAtS   sql.NullString
		completedAtS sql.NullString
		lastError    sql.NullString
	)
	if err := row.Scan(&e.ID, &parentID, &e.Creator, &e.Type, &data, &statusS, &createdAtS, &claimedAtS, &completedAtS, &lastError); err != nil {
		return nil, err
	}

	e.Status = Status(statusS)
	e.ParentID = parentID.String
	if data.Valid && data.String != "" {
		if err := json.Unmarshal([]byte(data.String), &e.Data); err != nil {
			return nil, fmt.Errorf("decode data of %s: %w", e.ID, err)
		}
	}
	if t, ok := parseTime(createdAtS); ok {
		e.CreatedAt = t
	}
	if claimedAtS.Valid {
		if t, ok := parseTime(claimedAtS.String); ok {
			e.ClaimedAt = &t
		}
	}
	if completedAtS.Valid {
		if t, ok := parseTime(completedAtS.String); ok {
			e.CompletedAt = &t
		}
	}
	if lastError.Valid {
		e.LastError = &lastError.String
	}
	return &e, nil
}

// Dequeue claims the oldest queued request and marks it running. Returns
// (nil, nil) if the queue is empty.
func (q *Queue) Dequeue(ctx context.Context) (*Entry, error) {
	now := formatTime(time.Now())
	row := q.db.QueryRowContext(ctx, `
WITH next AS (
  SELECT id
  FROM request_queue
  WHERE status = ?
  ORDER BY created_at ASC, rowid ASC
  LIMIT 1
)
UPDATE request_queue
SET status = ?, claimed_at = ?
WHERE id IN (SELECT id FROM next)
RETURNING `+entryColumns+`;
`, StatusQueued, StatusRunning, now)

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue request: %w", err)
	}
	return e, nil
}

// Get loads one request row.
func (q *Queue) Get(ctx context.Context, id string) (*Entry, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM request_queue WHERE id = ?;`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get request: %w", err)
	}
	return e, nil
}

// AppendResponse logs a response and, when it is final, marks the request
// terminal in the same transaction.
func (q *Queue) AppendResponse(ctx context.Context, r AppendRequest) error {
	if r.RequestID == "" {
		return fmt.Errorf("request id is empty")
	}
	created := r.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM request_queue WHERE id = ?;`, r.RequestID).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("append response for %s: %w", r.RequestID, ErrRequestNotFound)
		}
		return fmt.Errorf("load request: %w", err)
	}

	var data any
	if len(r.Data) > 0 {
		data = string(r.Data)
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO response_log(request_id, state, is_final, data, created_at)
VALUES(?, ?, ?, ?, ?);
`, r.RequestID, r.State, r.IsFinal, data, formatTime(created))
	if err != nil {
		return fmt.Errorf("insert response_log: %w", err)
	}

	if r.IsFinal {
		final := StatusFinished
		var lastError any
		if r.Failed {
			final = StatusFailed
			msg := r.Error
			if len(msg) > maxErrorBytes {
				msg = msg[:maxErrorBytes]
			}
			lastError = msg
		}
		_, err = tx.ExecContext(ctx, `
UPDATE request_queue
SET status = ?, completed_at = ?, last_error = ?
WHERE id = ?;
`, final, formatTime(time.Now()), lastError, r.RequestID)
		if err != nil {
			return fmt.Errorf("update request completion: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Responses returns the logged responses of a request in arrival order.
func (q *Queue) Responses(ctx context.Context, requestID string) ([]ResponseEntry, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT seq, request_id, state, is_final, data, created_at
FROM response_log
WHERE request_id = ?
ORDER BY seq ASC;
`, requestID)
	if err != nil {
		return nil, fmt.Errorf("query responses: %w", err)
	}
	defer rows.Close()

	var out []ResponseEntry
	for rows.Next() {
		var (
			r        ResponseEntry
			data     sql.NullString
			createdS string
		)
		if err := rows.Scan(&r.Seq, &r.RequestID, &r.State, &r.IsFinal, &data, &createdS); err != nil {
			return nil, fmt.Errorf("scan response: %w", err)
		}
		if data.Valid {
			r.Data = json.RawMessage(data.String)
		}
		if t, ok := parseTime(createdS); ok {
			r.CreatedAt = t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Depth counts requests by status.
func (q *Queue) Depth(ctx context.Context) (map[Status]int, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM request_queue GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("query depth: %w", err)
	}
	defer rows.Close()

	out := make(map[Status]int)
	for rows.Next() {
		var (
			s Status
			n int
		)
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("scan depth: %w", err)
		}
		out[s] = n
	}
	return out, rows.Err()
}
