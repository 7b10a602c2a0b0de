package job

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/jobserver/internal/request"
)

func newJob(t *testing.T, typ string, data map[string]string) Job {
	t.Helper()
	f, ok := Builtins()[typ]
	require.True(t, ok, "builtin %q missing", typ)
	j, err := f()
	require.NoError(t, err)
	j.Bind("req-1", data)
	return j
}

func TestEchoCopiesData(t *testing.T) {
	j := newJob(t, TypeEcho, map[string]string{"hello": "world"})
	resp, err := j.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, request.Finished, resp.State)
	assert.True(t, resp.IsFinal)
	assert.Equal(t, "req-1", resp.RequestID)
	v, _ := resp.Data.String("hello")
	assert.Equal(t, "world", v)
}

func TestBindCopiesRequestData(t *testing.T) {
	data := map[string]string{"a": "b"}
	var b Base
	b.Bind("req-1", data)
	b.RequestData["injected"] = "yes"
	assert.Equal(t, map[string]string{"a": "b"}, data)

	b.Bind("req-2", nil)
	assert.Equal(t, "fallback", b.Param("missing", "fallback"))
}

func TestSleepReportsProgress(t *testing.T) {
	j := newJob(t, TypeSleep, map[string]string{"duration": "30ms", "steps": "3"})
	progress := make(chan *request.Response, 10)

	resp, err := j.Execute(context.Background(), progress)
	require.NoError(t, err)
	assert.Equal(t, request.Finished, resp.State)

	close(progress)
	var got []string
	for p := range progress {
		assert.False(t, p.IsFinal)
		assert.Equal(t, request.Pending, p.State)
		s, _ := p.Data.String("step")
		got = append(got, s)
	}
	assert.Equal(t, []string{"1/3", "2/3"}, got)
}

func TestSleepHonorsCancellation(t *testing.T) {
	j := newJob(t, TypeSleep, map[string]string{"duration": "1h"})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	resp, err := j.Execute(ctx, nil)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, request.Failed, resp.State)
	assert.Contains(t, resp.ErrorMessage(), "cancelled")
}

func TestSleepRejectsBadParams(t *testing.T) {
	j := newJob(t, TypeSleep, map[string]string{"duration": "soon"})
	resp, err := j.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, request.Failed, resp.State)

	j = newJob(t, TypeSleep, map[string]string{"steps": "0"})
	resp, err = j.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, request.Failed, resp.State)
}

func TestFail(t *testing.T) {
	j := newJob(t, TypeFail, map[string]string{"message": "nope"})
	_, err := j.Execute(context.Background(), nil)
	assert.EqualError(t, err, "nope")

	j = newJob(t, TypeFail, map[string]string{"panic": "true"})
	assert.Panics(t, func() { _, _ = j.Execute(context.Background(), nil) })
}

func TestBaseProgressGivesUpOnCancel(t *testing.T) {
	b := &Base{RequestID: "r"}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, b.Progress(ctx, make(chan *request.Response), request.Pending, nil))
	assert.False(t, b.Progress(context.Background(), nil, request.Pending, nil))
}
