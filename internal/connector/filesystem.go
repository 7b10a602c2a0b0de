package connector

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/mattjoyce/jobserver/internal/log"
	"github.com/mattjoyce/jobserver/internal/request"
	"github.com/mattjoyce/jobserver/internal/storage"
)

// Filesystem directory names under the connector root.
const (
	DirInbox    = "inbox"
	DirClaimed  = "claimed"
	DirDone     = "done"
	DirRejected = "rejected"
	DirOutbox   = "outbox"
)

// rescanInterval forces an inbox scan even without watcher events.
const rescanInterval = 30 * time.Second

// Filesystem reads request files (*.json) dropped into inbox/ and appends
// responses to outbox/<request id>.jsonl.
//
// A claimed file moves to claimed/ and, after its final response, to done/.
// Files that do not parse are moved to rejected/.
type Filesystem struct {
	root   string
	logger *slog.Logger

	dirty atomic.Bool

	mu        sync.Mutex
	ready     bool
	watcher   *fsnotify.Watcher
	stopWatch context.CancelFunc
	lastScan  time.Time
	pending   []string
	claimed   map[string]string // request ID -> file name
}

func NewFilesystem(root string, logger *slog.Logger) *Filesystem {
	if logger == nil {
		logger = log.WithComponent("connector")
	}
	return &Filesystem{
		root:    root,
		logger:  logger.With("connector", "filesystem"),
		claimed: make(map[string]string),
	}
}

func (*Filesystem) Name() string { return "filesystem" }

func (f *Filesystem) dir(name string) string { return filepath.Join(f.root, name) }

// Initialize creates the directory layout and starts watching the inbox.
// Without a watcher the inbox is scanned on every NextRequest.
func (f *Filesystem) Initialize(ctx context.Context) error {
	if err := f.ensureDirs(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeWatcherLocked()
	f.ready = true
	f.dirty.Store(true)

	if err := storage.RequireLocalFilesystem(f.root); err != nil {
		f.logger.Warn("inbox not watchable, scanning on every poll", "error", err)
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		f.logger.Warn("inbox watcher unavailable, scanning on every poll", "error", err)
		return nil
	}
	if err := w.Add(f.dir(DirInbox)); err != nil {
		_ = w.Close()
		f.logger.Warn("inbox watch failed, scanning on every poll", "error", err)
		return nil
	}
	wctx, cancel := context.WithCancel(ctx)
	f.watcher, f.stopWatch = w, cancel
	go f.watch(wctx, w)
	f.logger.Info("filesystem connector ready", "root", f.root)
	return nil
}

func (f *Filesystem) ensureDirs() error {
	for _, d := range []string{DirInbox, DirClaimed, DirDone, DirRejected, DirOutbox} {
		if err := os.MkdirAll(f.dir(d), 0o755); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}
	return nil
}

func (f *Filesystem) watch(ctx context.Context, w *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Write) {
				f.dirty.Store(true)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			f.logger.Warn("inbox watcher error", "error", err)
			f.dirty.Store(true)
		}
	}
}

func (f *Filesystem) closeWatcherLocked() {
	if f.stopWatch != nil {
		f.stopWatch()
		f.stopWatch = nil
	}
	if f.watcher != nil {
		_ = f.watcher.Close()
		f.watcher = nil
	}
}

// Close stops the inbox watcher.
func (f *Filesystem) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeWatcherLocked()
	f.ready = false
	return nil
}

func isRequestFile(name string) bool {
	return strings.HasSuffix(name, ".json") && !strings.HasPrefix(name, ".")
}

// scanLocked refreshes the pending list when the inbox may have changed.
func (f *Filesystem) scanLocked() error {
	needScan := f.watcher == nil || f.dirty.Load() || time.Since(f.lastScan) > rescanInterval
	if len(f.pending) > 0 || !needScan {
		return nil
	}
	f.dirty.Store(false)
	f.lastScan = time.Now()

	entries, err := os.ReadDir(f.dir(DirInbox))
	if err != nil {
		return fmt.Errorf("read inbox: %w", err)
	}
	for _, e := range entries {
		if e.Type().IsRegular() && isRequestFile(e.Name()) {
			f.pending = append(f.pending, e.Name())
		}
	}
	sort.Strings(f.pending)
	return nil
}

func (f *Filesystem) NextRequest(ctx context.Context) (*request.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ready {
		return nil, ErrNotInitialized
	}
	if err := f.scanLocked(); err != nil {
		return nil, err
	}

	for len(f.pending) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := f.pending[0]
		f.pending = f.pending[1:]

		claimedPath := filepath.Join(f.dir(DirClaimed), name)
		if err := os.Rename(filepath.Join(f.dir(DirInbox), name), claimedPath); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("claim %s: %w", name, err)
		}

		req, err := readRequestFile(claimedPath, name)
		if err != nil {
			if rerr := os.Rename(claimedPath, filepath.Join(f.dir(DirRejected), name)); rerr != nil {
				f.logger.Error("failed to move rejected file", "file", name, "error", rerr)
			}
			return nil, fmt.Errorf("reject %s: %w", name, err)
		}
		f.claimed[req.ID] = name
		return req, nil
	}
	return nil, nil
}

// readRequestFile decodes a request. A missing ID is taken from the file
// name; a missing creation time from the file's modification time.
func readRequestFile(path, name string) (*request.Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var req request.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	if strings.TrimSpace(req.Type) == "" {
		return nil, fmt.Errorf("request has no type")
	}
	if req.ID == "" {
		req.ID = idFromFileName(name)
	}
	if !validRequestID(req.ID) {
		return nil, fmt.Errorf("invalid request id %q", req.ID)
	}
	if req.CreationTime.IsZero() {
		if info, err := os.Stat(path); err == nil {
			req.CreationTime = info.ModTime().UTC()
		}
	}
	if req.Creator == "" {
		req.Creator = "filesystem"
	}
	return &req, nil
}

// validRequestID reports whether id is safe to use as a single file name
// under the connector root.
func validRequestID(id string) bool {
	return id != "" && id != "." && !strings.ContainsAny(id, `/\`) && !strings.Contains(id, "..")
}

// idFromFileName strips the ordering prefix written by Submit, if present.
func idFromFileName(name string) string {
	stem := strings.TrimSuffix(name, ".json")
	if i := strings.IndexByte(stem, '-'); i == 20 {
		return stem[i+1:]
	}
	return stem
}

func (f *Filesystem) Respond(_ context.Context, resp *request.Response) error {
	line, err := resp.Encode()
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}

	if !validRequestID(resp.RequestID) {
		return fmt.Errorf("respond: invalid request id %q", resp.RequestID)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ready {
		return ErrNotInitialized
	}

	out, err := os.OpenFile(filepath.Join(f.dir(DirOutbox), resp.RequestID+".jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open outbox: %w", err)
	}
	_, werr := out.Write(append(line, '\n'))
	cerr := out.Close()
	if werr != nil {
		return fmt.Errorf("write outbox: %w", werr)
	}
	if cerr != nil {
		return fmt.Errorf("close outbox: %w", cerr)
	}

	if resp.IsFinal {
		if name, ok := f.claimed[resp.RequestID]; ok {
			delete(f.claimed, resp.RequestID)
			if err := os.Rename(filepath.Join(f.dir(DirClaimed), name), filepath.Join(f.dir(DirDone), name)); err != nil {
				return fmt.Errorf("archive %s: %w", name, err)
			}
		}
	}
	return nil
}

// Submit writes a request file into the inbox atomically.
func (f *Filesystem) Submit(_ context.Context, sub Submission) (string, error) {
	if err := validateSubmission(sub); err != nil {
		return "", err
	}
	if err := f.ensureDirs(); err != nil {
		return "", err
	}

	now := time.Now().UTC()
	req := request.Request{
		ID:           uuid.NewString(),
		ParentID:     sub.ParentID,
		Creator:      creatorOr(sub, "api"),
		CreationTime: now,
		Type:         sub.Type,
		Data:         sub.Data,
	}
	data, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	name := fmt.Sprintf("%020d-%s.json", now.UnixNano(), req.ID)
	tmp := filepath.Join(f.dir(DirInbox), "."+name+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write request: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(f.dir(DirInbox), name)); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("publish request: %w", err)
	}
	f.dirty.Store(true)
	return req.ID, nil
}

// Lookup finds the request file by ID and reads its outbox log.
func (f *Filesystem) Lookup(_ context.Context, requestID string) (*Record, error) {
	if !validRequestID(requestID) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, requestID)
	}

	var rec *Record
	for _, loc := range []struct{ dir, status string }{
		{DirInbox, "queued"},
		{DirClaimed, "running"},
		{DirDone, "done"},
		{DirRejected, "rejected"},
	} {
		path, name, ok := f.findFile(loc.dir, requestID)
		if !ok {
			continue
		}
		req, err := readRequestFile(path, name)
		if err != nil {
			req = &request.Request{ID: requestID}
		}
		rec = &Record{Request: req, Status: loc.status}
		break
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}

	responses, err := f.readOutbox(requestID)
	if err != nil {
		return nil, err
	}
	rec.Responses = responses
	if n := len(responses); n > 0 && responses[n-1].IsFinal {
		rec.Status = responses[n-1].State.String()
	}
	return rec, nil
}

func (f *Filesystem) findFile(dir, requestID string) (path, name string, ok bool) {
	entries, err := os.ReadDir(f.dir(dir))
	if err != nil {
		return "", "", false
	}
	for _, e := range entries {
		n := e.Name()
		if !isRequestFile(n) {
			continue
		}
		if n == requestID+".json" || strings.HasSuffix(n, "-"+requestID+".json") {
			return filepath.Join(f.dir(dir), n), n, true
		}
	}
	return "", "", false
}

func (f *Filesystem) readOutbox(requestID string) ([]*request.Response, error) {
	fh, err := os.Open(filepath.Join(f.dir(DirOutbox), requestID+".jsonl"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}
	defer fh.Close()

	var out []*request.Response
	sc := bufio.NewScanner(fh)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var r request.Response
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			f.logger.Warn("skipping malformed outbox line", "request_id", requestID, "error", err)
			continue
		}
		out = append(out, &r)
	}
	return out, sc.Err()
}
