package connector

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mattjoyce/jobserver/internal/log"
	"github.com/mattjoyce/jobserver/internal/queue"
	"github.com/mattjoyce/jobserver/internal/request"
	"github.com/mattjoyce/jobserver/internal/storage"
)

// SQLite serves requests from the request_queue table and logs responses to
// response_log.
type SQLite struct {
	path   string
	logger *slog.Logger

	mu sync.Mutex
	db *sql.DB
	q  *queue.Queue
}

func NewSQLite(path string, logger *slog.Logger) *SQLite {
	if logger == nil {
		logger = log.WithComponent("connector")
	}
	return &SQLite{path: path, logger: logger.With("connector", "sqlite")}
}

func (*SQLite) Name() string { return "sqlite" }

// Initialize opens the database. Calling it again is a no-op.
func (s *SQLite) Initialize(ctx context.Context) error {
	_, err := s.queue(ctx)
	return err
}

func (s *SQLite) queue(ctx context.Context) (*queue.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.q != nil {
		return s.q, nil
	}
	db, err := storage.OpenSQLite(ctx, s.path)
	if err != nil {
		return nil, err
	}
	s.db = db
	s.q = queue.New(db)
	s.logger.Info("sqlite connector ready", "path", s.path)
	return s.q, nil
}

func (s *SQLite) current() (*queue.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.q == nil {
		return nil, ErrNotInitialized
	}
	return s.q, nil
}

func (s *SQLite) NextRequest(ctx context.Context) (*request.Request, error) {
	q, err := s.current()
	if err != nil {
		return nil, err
	}
	e, err := q.Dequeue(ctx)
	if err != nil || e == nil {
		return nil, err
	}
	return entryToRequest(e), nil
}

func (s *SQLite) Respond(ctx context.Context, resp *request.Response) error {
	q, err := s.current()
	if err != nil {
		return err
	}
	var data json.RawMessage
	if resp.Data != nil && resp.Data.Len() > 0 {
		if data, err = json.Marshal(resp.Data); err != nil {
			return fmt.Errorf("encode response data: %w", err)
		}
	}
	return q.AppendResponse(ctx, queue.AppendRequest{
		RequestID: resp.RequestID,
		State:     resp.State.String(),
		IsFinal:   resp.IsFinal,
		Failed:    resp.State == request.Failed,
		Error:     resp.ErrorMessage(),
		Data:      data,
		CreatedAt: resp.CreationTime,
	})
}

// Submit enqueues a request, opening the database if needed.
func (s *SQLite) Submit(ctx context.Context, sub Submission) (string, error) {
	if err := validateSubmission(sub); err != nil {
		return "", err
	}
	q, err := s.queue(ctx)
	if err != nil {
		return "", err
	}
	return q.Enqueue(ctx, queue.EnqueueRequest{
		ParentID: sub.ParentID,
		Creator:  creatorOr(sub, "api"),
		Type:     sub.Type,
		Data:     sub.Data,
	})
}

func (s *SQLite) Lookup(ctx context.Context, requestID string) (*Record, error) {
	q, err := s.queue(ctx)
	if err != nil {
		return nil, err
	}
	e, err := q.Get(ctx, requestID)
	if errors.Is(err, queue.ErrRequestNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	if err != nil {
		return nil, err
	}

	rows, err := q.Responses(ctx, requestID)
	if err != nil {
		return nil, err
	}
	rec := &Record{Request: entryToRequest(e), Status: string(e.Status)}
	for _, r := range rows {
		resp := &request.Response{RequestID: r.RequestID, IsFinal: r.IsFinal, CreationTime: r.CreatedAt}
		if st, err := request.ParseState(r.State); err == nil {
			resp.State = st
		}
		if len(r.Data) > 0 {
			d := request.NewData()
			if err := json.Unmarshal(r.Data, d); err != nil {
				s.logger.Warn("undecodable response data", "request_id", requestID, "seq", r.Seq, "error", err)
			} else {
				resp.Data = d
			}
		}
		rec.Responses = append(rec.Responses, resp)
	}
	return rec, nil
}

// Close releases the database.
func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db, s.q = nil, nil
	return err
}

func entryToRequest(e *queue.Entry) *request.Request {
	return &request.Request{
		ID:           e.ID,
		ParentID:     e.ParentID,
		Creator:      e.Creator,
		CreationTime: e.CreatedAt,
		Type:         e.Type,
		Data:         e.Data,
	}
}
