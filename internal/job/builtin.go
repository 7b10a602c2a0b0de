package job

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mattjoyce/jobserver/internal/request"
)

// Built-in job types.
const (
	TypeEcho  = "echo"
	TypeSleep = "sleep"
	TypeFail  = "fail"
)

// Builtins returns the factories for the jobs shipped with the server.
func Builtins() map[string]Factory {
	return map[string]Factory{
		TypeEcho:  func() (Job, error) { return &Echo{}, nil },
		TypeSleep: func() (Job, error) { return &Sleep{}, nil },
		TypeFail:  func() (Job, error) { return &Fail{}, nil },
	}
}

// Echo returns the request data unchanged.
type Echo struct{ Base }

func (*Echo) Type() string { return TypeEcho }

func (e *Echo) Execute(ctx context.Context, _ chan<- *request.Response) (*request.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.Finished(request.DataFromMap(e.RequestData)), nil
}

// Sleep waits for "duration" split into "steps", reporting a Pending response per step.
type Sleep struct{ Base }

func (*Sleep) Type() string { return TypeSleep }

func (s *Sleep) Execute(ctx context.Context, progress chan<- *request.Response) (*request.Response, error) {
	d, err := time.ParseDuration(s.Param("duration", "1s"))
	if err != nil {
		return s.Failed("invalid duration: %v", err), nil
	}
	steps, err := strconv.Atoi(s.Param("steps", "1"))
	if err != nil || steps < 1 {
		return s.Failed("invalid steps %q", s.Param("steps", "1")), nil
	}

	step := d / time.Duration(steps)
	timer := time.NewTimer(step)
	defer timer.Stop()
	for i := 1; i <= steps; i++ {
		select {
		case <-ctx.Done():
			return s.Failed("cancelled after %d/%d steps", i-1, steps), nil
		case <-timer.C:
		}
		if i < steps {
			data := request.NewData()
			data.AddString("step", fmt.Sprintf("%d/%d", i, steps))
			s.Progress(ctx, progress, request.Pending, data)
			timer.Reset(step)
		}
	}

	data := request.NewData()
	data.AddString("slept", d.String())
	return s.Finished(data), nil
}

// Fail always fails: by error, or by panicking when data["panic"] is "true".
type Fail struct{ Base }

func (*Fail) Type() string { return TypeFail }

func (f *Fail) Execute(context.Context, chan<- *request.Response) (*request.Response, error) {
	msg := f.Param("message", "requested failure")
	if f.Param("panic", "") == "true" {
		panic(msg)
	}
	return nil, errors.New(msg)
}
