// Copyright (c) OpenMMLab. All rights reserved.

// Package common holds what the oamix-run subcommands share: option lookup
// across command line, config file and defaults, and fan-out to nodes.
package common

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"oamix/pkg/launch"
	"oamix/pkg/utils"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	DefaultPort     = "50051"
	DefaultMaxLines = 30
	RequestTimeout  = 10 * time.Second // one call to one node
)

// Resolver looks an option up on the command line first, then in the config
// file, then falls back to a default. Every decision is reported on Out.
type Resolver struct {
	Cmd *cobra.Command
	Out io.Writer
}

func NewResolver(cmd *cobra.Command) *Resolver {
	return &Resolver{Cmd: cmd, Out: cmd.OutOrStdout()}
}

// changed returns the command line value of name when the user set it.
func (r *Resolver) changed(name string) (string, bool) {
	f := r.Cmd.Flag(name)
	if f == nil || !f.Changed {
		return "", false
	}
	return f.Value.String(), true
}

func (r *Resolver) String(name, def string) string {
	if v, ok := r.changed(name); ok {
		fmt.Fprintf(r.Out, "Using %s specified on command line: %s\n", name, v)
		return v
	}
	if v := viper.GetString(name); v != "" {
		fmt.Fprintf(r.Out, "Using %s specified in configuration file: %s\n", name, v)
		return v
	}
	if def != "" {
		fmt.Fprintf(r.Out, "No %s specified, using default value %s\n", name, def)
	}
	return def
}

func (r *Resolver) Int(name string, def int) int {
	if v, ok := r.changed(name); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			fmt.Fprintf(r.Out, "Using %s specified on command line: %d\n", name, n)
			return n
		}
	}
	if viper.IsSet(name) {
		n := viper.GetInt(name)
		fmt.Fprintf(r.Out, "Using %s specified in configuration file: %d\n", name, n)
		return n
	}
	fmt.Fprintf(r.Out, "No %s specified, using default value %d\n", name, def)
	return def
}

func (r *Resolver) Bool(name string, def bool) bool {
	if v, ok := r.changed(name); ok {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	if viper.IsSet(name) {
		return viper.GetBool(name)
	}
	return def
}

func (r *Resolver) Duration(name string, def time.Duration) time.Duration {
	if v, ok := r.changed(name); ok {
		d, err := time.ParseDuration(v)
		if err == nil {
			fmt.Fprintf(r.Out, "Using %s specified on command line: %s\n", name, d)
			return d
		}
	}
	if viper.IsSet(name) {
		d := viper.GetDuration(name)
		fmt.Fprintf(r.Out, "Using %s specified in configuration file: %s\n", name, d)
		return d
	}
	return def
}

func (r *Resolver) WorkDir() string {
	return r.String("work-dir", launch.DefaultWorkDir)
}

// Nodes reads the address list file. No file means the command works on the
// local node only and nil is returned.
func (r *Resolver) Nodes() ([]string, error) {
	path := r.String("address-list", "")
	if path == "" {
		return nil, nil
	}
	nodes, err := utils.ReadAddressListFromFile(path)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("address list %s is empty", path)
	}
	fmt.Fprintf(r.Out, "Obtained addresses: %v\n", nodes)
	return nodes, nil
}

// Result is the outcome of a call against one node.
type Result[T any] struct {
	Node  string
	Value T
	Err   error
}

// FanOut calls fn for every node in parallel, each call bounded by timeout.
// Results keep the order of nodes.
func FanOut[T any](ctx context.Context, nodes []Node, timeout time.Duration, fn func(ctx context.Context, node Node) (T, error)) []Result[T] {
	results := make([]Result[T], len(nodes))
	var wg sync.WaitGroup
	for i, node := range nodes {
		wg.Add(1)
		go func(i int, node Node) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			v, err := fn(ctx, node)
			results[i] = Result[T]{Node: node.Name(), Value: v, Err: err}
		}(i, node)
	}
	wg.Wait()
	return results
}

// SaveJSON appends v as indented JSON to dir/name and returns the encoding.
func SaveJSON(dir, name string, v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to convert to JSON: %w", err)
	}
	if err := utils.AppendWithTimestamp(dir, name, data); err != nil {
		return data, err
	}
	return data, nil
}
