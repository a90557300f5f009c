// Copyright (c) OpenMMLab. All rights reserved.

package runner

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"oamix/pkg/proc"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shProc(name, script, logFile string) proc.Proc {
	return proc.Proc{
		Name:    name,
		Prog:    "/bin/sh",
		Args:    []string{"-c", script},
		LogFile: logFile,
	}
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func TestRunAll_Success(t *testing.T) {
	dir := t.TempDir()
	var stdout, stderr syncBuffer
	var exits sync.Map

	err := RunAll(context.Background(), []proc.Proc{
		shProc("rank0", `echo hello; echo warn >&2`, filepath.Join(dir, "rank0.log")),
		shProc("rank1", `printf partial`, filepath.Join(dir, "rank1.log")),
	}, Options{
		Console: true,
		Stdout:  &stdout,
		Stderr:  &stderr,
		OnExit: func(p proc.Proc, err error, took time.Duration) {
			exits.Store(p.Name, err)
		},
	})

	require.NoError(t, err)
	assert.Contains(t, stdout.String(), "[rank0::stdout] hello\n")
	assert.Contains(t, stdout.String(), "[rank1::stdout] partial\n")
	assert.Contains(t, stderr.String(), "[rank0::stderr] warn\n")

	data, err := os.ReadFile(filepath.Join(dir, "rank0.log"))
	require.NoError(t, err)
	// stdout and stderr are copied concurrently, only membership is stable
	assert.Contains(t, string(data), "hello\n")
	assert.Contains(t, string(data), "warn\n")

	for _, name := range []string{"rank0", "rank1"} {
		v, ok := exits.Load(name)
		assert.True(t, ok, name)
		assert.Nil(t, v)
	}
}

func TestRunAll_FailureCancelsSiblings(t *testing.T) {
	start := time.Now()
	err := RunAll(context.Background(), []proc.Proc{
		shProc("rank0", "sleep 30", ""),
		shProc("rank1", "echo boom >&2; exit 3", ""),
	}, Options{GracePeriod: time.Second})

	require.Error(t, err)
	assert.Less(t, time.Since(start), 20*time.Second)

	var pe *ProcError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "rank1", pe.Name)
	assert.Equal(t, "boom", pe.Stderr)
	assert.Equal(t, 3, ExitCode(err))
}

func TestRunAll_ParentCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := RunAll(ctx, []proc.Proc{shProc("rank0", "sleep 30", "")}, Options{GracePeriod: time.Second})

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, 124, ExitCode(err))
}

func TestRunAll_StartFailure(t *testing.T) {
	err := RunAll(context.Background(), []proc.Proc{{Name: "rank0", Prog: "/nonexistent/python"}}, Options{})

	var pe *ProcError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "rank0", pe.Name)
	assert.Equal(t, 1, ExitCode(err))
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "nil", err: nil, want: 0},
		{name: "canceled", err: context.Canceled, want: 130},
		{name: "wrapped canceled", err: errors.Join(errors.New("x"), context.Canceled), want: 130},
		{name: "other", err: errors.New("x"), want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestPrefixWriter(t *testing.T) {
	var out bytes.Buffer
	w := newPrefixWriter("[r0] ", &out)

	_, _ = w.Write([]byte("a\nb"))
	_, _ = w.Write([]byte("c\n"))
	_, _ = w.Write([]byte("tail"))
	require.NoError(t, w.Flush())

	assert.Equal(t, "[r0] a\n[r0] bc\n[r0] tail\n", out.String())
}

func TestLazyFile(t *testing.T) {
	name := filepath.Join(t.TempDir(), "nested", "rank0.log")
	f := newLazyFile(name)

	_, err := os.Stat(name)
	assert.True(t, os.IsNotExist(err), "file must not exist before the first write")

	_, err = f.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	data, err := os.ReadFile(name)
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))
}

func TestTailBuffer(t *testing.T) {
	tb := &tailBuffer{max: 4}
	_, _ = tb.Write([]byte("abc"))
	_, _ = tb.Write([]byte("defg"))
	assert.Equal(t, "defg", tb.String())
}
