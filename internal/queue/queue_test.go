package queue

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/mattjoyce/jobserver/internal/storage"
)

func openQueue(t *testing.T) *Queue {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func TestQueueEnqueueDequeueFIFO(t *testing.T) {
	t.Parallel()
	q := openQueue(t)
	ctx := context.Background()

	id1, err := q.Enqueue(ctx, EnqueueRequest{Type: "echo", Creator: "cli", Data: map[string]string{"a": "1"}})
	if err != nil {
		t.Fatalf("Enqueue 1: %v", err)
	}
	id2, err := q.Enqueue(ctx, EnqueueRequest{Type: "sleep", Creator: "cli", ParentID: id1})
	if err != nil {
		t.Fatalf("Enqueue 2: %v", err)
	}

	e1, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue 1: %v", err)
	}
	if e1 == nil || e1.ID != id1 || e1.Status != StatusRunning || e1.ClaimedAt == nil {
		t.Fatalf("unexpected entry1: %#v", e1)
	}
	if e1.Data["a"] != "1" || e1.Type != "echo" || e1.Creator != "cli" {
		t.Fatalf("entry1 fields not round-tripped: %#v", e1)
	}

	e2, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue 2: %v", err)
	}
	if e2 == nil || e2.ID != id2 || e2.ParentID != id1 {
		t.Fatalf("unexpected entry2: %#v", e2)
	}

	e3, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue 3: %v", err)
	}
	if e3 != nil {
		t.Fatalf("expected empty queue, got %#v", e3)
	}
}

func TestQueueEnqueueValidation(t *testing.T) {
	t.Parallel()
	q := openQueue(t)

	if _, err := q.Enqueue(context.Background(), EnqueueRequest{Creator: "cli"}); err == nil {
		t.Fatal("expected error for empty type")
	}
	if _, err := q.Enqueue(context.Background(), EnqueueRequest{Type: "echo"}); err == nil {
		t.Fatal("expected error for empty creator")
	}
}

func TestQueueEnqueueWithExplicitID(t *testing.T) {
	t.Parallel()
	q := openQueue(t)

	id, err := q.Enqueue(context.Background(), EnqueueRequest{ID: "fixed", Type: "echo", Creator: "cli"})
	if err != nil || id != "fixed" {
		t.Fatalf("Enqueue: id=%q err=%v", id, err)
	}
	if _, err := q.Enqueue(context.Background(), EnqueueRequest{ID: "fixed", Type: "echo", Creator: "cli"}); err == nil {
		t.Fatal("expected duplicate id error")
	}
}

func TestQueueAppendResponseCompletes(t *testing.T) {
	t.Parallel()
	q := openQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, EnqueueRequest{Type: "echo", Creator: "cli"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}

	if err := q.AppendResponse(ctx, AppendRequest{RequestID: id, State: "pending"}); err != nil {
		t.Fatalf("append progress: %v", err)
	}
	e, _ := q.Get(ctx, id)
	if e.Status != StatusRunning {
		t.Fatalf("progress must not complete request, status=%s", e.Status)
	}

	final := AppendRequest{
		RequestID: id,
		State:     "failed",
		IsFinal:   true,
		Failed:    true,
		Error:     "boom",
		Data:      json.RawMessage(`{"Error":"boom"}`),
	}
	if err := q.AppendResponse(ctx, final); err != nil {
		t.Fatalf("append final: %v", err)
	}

	e, err = q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if e.Status != StatusFailed || e.CompletedAt == nil || e.LastError == nil || *e.LastError != "boom" {
		t.Fatalf("unexpected completed entry: %#v", e)
	}

	rs, err := q.Responses(ctx, id)
	if err != nil {
		t.Fatalf("Responses: %v", err)
	}
	if len(rs) != 2 || rs[0].State != "pending" || rs[1].State != "failed" || !rs[1].IsFinal {
		t.Fatalf("unexpected responses: %#v", rs)
	}
	if string(rs[1].Data) != `{"Error":"boom"}` {
		t.Fatalf("unexpected data: %s", rs[1].Data)
	}
}

func TestQueueAppendResponseUnknownRequest(t *testing.T) {
	t.Parallel()
	q := openQueue(t)

	err := q.AppendResponse(context.Background(), AppendRequest{RequestID: "missing", State: "finished", IsFinal: true})
	if !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("expected ErrRequestNotFound, got %v", err)
	}
	if _, err := q.Get(context.Background(), "missing"); !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("expected ErrRequestNotFound from Get, got %v", err)
	}
}

func TestQueueDepth(t *testing.T) {
	t.Parallel()
	q := openQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue(ctx, EnqueueRequest{Type: "echo", Creator: "cli"}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}

	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth[StatusQueued] != 2 || depth[StatusRunning] != 1 {
		t.Fatalf("unexpected depth: %v", depth)
	}
}
