// Copyright (c) OpenMMLab. All rights reserved.

package proc

import (
	"context"
	"os"
	"os/exec"
	"sort"
	"strings"
	"syscall"
	"time"
)

// Envs holds environment overrides for a child process
type Envs map[string]string

func (e Envs) AddIfMissing(k, v string) {
	if _, ok := e[k]; !ok {
		e[k] = v
	}
}

// Keys returns the variable names in sorted order
func (e Envs) Keys() []string {
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Merge returns a new map with f overriding e
func Merge(e, f Envs) Envs {
	g := make(Envs, len(e)+len(f))
	for k, v := range e {
		g[k] = v
	}
	for k, v := range f {
		g[k] = v
	}
	return g
}

// Environ overlays e on top of base and returns KEY=VALUE pairs sorted by key.
func (e Envs) Environ(base []string) []string {
	merged := make(Envs, len(base)+len(e))
	for _, kv := range base {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		merged[k] = v
	}
	for k, v := range e {
		merged[k] = v
	}
	out := make([]string, 0, len(merged))
	for _, k := range merged.Keys() {
		out = append(out, k+"="+merged[k])
	}
	return out
}

// Proc represents one training process (a rank or the external launcher)
type Proc struct {
	Name    string
	Prog    string
	Args    []string
	Envs    Envs
	Dir     string
	LogFile string
}

// Cmd builds an exec.Cmd bound to ctx. On cancellation the child first gets
// SIGTERM so the trainer can flush, and is killed after waitDelay.
func (p Proc) Cmd(ctx context.Context, waitDelay time.Duration) *exec.Cmd {
	cmd := exec.CommandContext(ctx, p.Prog, p.Args...)
	cmd.Env = p.Envs.Environ(os.Environ())
	cmd.Dir = p.Dir
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = waitDelay
	return cmd
}
