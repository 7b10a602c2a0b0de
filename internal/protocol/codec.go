package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/mattjoyce/jobserver/internal/request"
)

// MaxLineSize bounds a single stdout line.
const MaxLineSize = 1 << 20

// EncodeRequest serializes a Request to JSON and writes it to w.
func EncodeRequest(w io.Writer, req *Request) error {
	if req.Protocol != Version {
		return fmt.Errorf("unsupported protocol version: %d", req.Protocol)
	}
	if req.RequestID == "" {
		return errors.New("request missing required field: request_id")
	}

	if err := json.NewEncoder(w).Encode(req); err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	return nil
}

// DecodeLine parses and validates one stdout line.
func DecodeLine(b []byte) (*Line, error) {
	var l Line
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&l); err != nil {
		return nil, fmt.Errorf("failed to decode line: %w", err)
	}

	switch l.Kind {
	case KindProgress:
		if l.State != "" {
			st, err := request.ParseState(l.State)
			if err != nil {
				return nil, err
			}
			if st.Terminal() || st == request.Unknown {
				return nil, fmt.Errorf("invalid progress state: %q", l.State)
			}
		}
	case KindResult:
		if l.Status != StatusOK && l.Status != StatusError {
			return nil, fmt.Errorf("invalid status value: %q (must be 'ok' or 'error')", l.Status)
		}
		if l.Status == StatusError && l.Error == "" {
			return nil, errors.New("result has status=error but no error message")
		}
	case "":
		return nil, errors.New("line missing required field: kind")
	default:
		return nil, fmt.Errorf("invalid kind value: %q", l.Kind)
	}
	return &l, nil
}

// Reader reads lines from a plugin's stdout. Blank lines are skipped.
type Reader struct {
	sc *bufio.Scanner
}

func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), MaxLineSize)
	return &Reader{sc: sc}
}

// Next returns the next line, or io.EOF when the stream ends.
func (r *Reader) Next() (*Line, error) {
	for r.sc.Scan() {
		b := bytes.TrimSpace(r.sc.Bytes())
		if len(b) == 0 {
			continue
		}
		return DecodeLine(b)
	}
	if err := r.sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read plugin output: %w", err)
	}
	return nil, io.EOF
}
