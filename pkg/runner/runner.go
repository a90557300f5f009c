// Copyright (c) OpenMMLab. All rights reserved.

package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"oamix/logger"
	"oamix/pkg/proc"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultGracePeriod = 30 * time.Second
	stderrTailBytes    = 4096
)

type Options struct {
	// Console mirrors the output of every process on the terminal, prefixed
	// with the process name.
	Console bool
	Color   bool
	Stdout  io.Writer
	Stderr  io.Writer
	// GracePeriod is how long a cancelled process may take to exit after
	// SIGTERM before it is killed.
	GracePeriod time.Duration
	OnStart     func(p proc.Proc)
	OnExit      func(p proc.Proc, err error, took time.Duration)
}

// ProcError reports the process that made the run fail.
type ProcError struct {
	Name   string
	Err    error
	Stderr string
}

func (e *ProcError) Error() string {
	return fmt.Sprintf("#<%s> exited with error: %v", e.Name, e.Err)
}

func (e *ProcError) Unwrap() error { return e.Err }

// RunAll starts every process and waits for all of them. The first failure
// cancels the remaining processes; the returned error names that process.
func RunAll(ctx context.Context, ps []proc.Proc, opts Options) error {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = defaultGracePeriod
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}

	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	var failed []string
	for i, p := range ps {
		i, p := i, p
		g.Go(func() error {
			start := time.Now()
			err := run(gctx, i, p, opts)
			took := time.Since(start)
			if opts.OnExit != nil {
				opts.OnExit(p, err, took)
			}
			if err != nil {
				mu.Lock()
				failed = append(failed, p.Name)
				mu.Unlock()
				logger.Logger.Error("process exited with error",
					zap.String("name", p.Name), zap.Error(err), zap.Duration("took", took))
				return err
			}
			logger.Logger.Debug("process finished successfully",
				zap.String("name", p.Name), zap.Duration("took", took))
			return nil
		})
	}
	err := g.Wait()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("run interrupted: %w", ctx.Err())
	}
	logger.Logger.Error("run failed", zap.Int("failed", len(failed)), zap.Int("total", len(ps)),
		zap.Strings("names", failed))
	return err
}

func run(ctx context.Context, i int, p proc.Proc, opts Options) error {
	cmd := p.Cmd(ctx, opts.GracePeriod)

	var stdouts, stderrs []io.Writer
	var flushers []*prefixWriter
	if opts.Console {
		name := p.Name
		errName := "stderr"
		if opts.Color {
			name = chooseColor(i).s(name)
			errName = magenta.s(errName)
		}
		out := newPrefixWriter(fmt.Sprintf("[%s::stdout] ", name), opts.Stdout)
		errw := newPrefixWriter(fmt.Sprintf("[%s::%s] ", name, errName), opts.Stderr)
		flushers = append(flushers, out, errw)
		stdouts = append(stdouts, out)
		stderrs = append(stderrs, errw)
	}
	if p.LogFile != "" {
		lf := newLazyFile(p.LogFile)
		defer lf.Close()
		stdouts = append(stdouts, lf)
		stderrs = append(stderrs, lf)
	}
	tail := &tailBuffer{max: stderrTailBytes}
	stderrs = append(stderrs, tail)

	cmd.Stdout = io.MultiWriter(stdouts...)
	cmd.Stderr = io.MultiWriter(stderrs...)

	if err := cmd.Start(); err != nil {
		return &ProcError{Name: p.Name, Err: err}
	}
	if opts.OnStart != nil {
		opts.OnStart(p)
	}
	logger.Logger.Debug("process started", zap.String("name", p.Name), zap.Int("pid", cmd.Process.Pid))

	err := cmd.Wait()
	for _, f := range flushers {
		f.Flush()
	}
	if err != nil {
		return &ProcError{Name: p.Name, Err: err, Stderr: strings.TrimSpace(tail.String())}
	}
	return nil
}

// ExitCode maps a RunAll error to the exit status of the launcher.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if errors.Is(err, context.Canceled) {
		return 130
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return 124
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code > 0 {
			return code
		}
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
	}
	return 1
}

// Trap cancels the run on SIGINT or SIGTERM. The returned func stops trapping.
func Trap(cancel func(os.Signal)) (stop func()) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case sig := <-c:
			cancel(sig)
		case <-done:
		}
	}()
	return func() {
		signal.Stop(c)
		close(done)
	}
}
