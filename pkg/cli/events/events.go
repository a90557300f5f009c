// Copyright (c) OpenMMLab. All rights reserved.

package events

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"oamix/pkg/cli/common"
	"oamix/pkg/launch"
	"oamix/pkg/notify"
	"oamix/pkg/statusserver"
	"oamix/pkg/storage"

	"github.com/spf13/cobra"
)

// NodeEvents contains event information and processing results for a single node
type NodeEvents struct {
	Node   string
	Events []storage.EventEntry
	Err    error
}

// Source loads the events of one node.
type Source func(ctx context.Context, filter storage.EventFilter) ([]storage.EventEntry, error)

func NewCmdEvents() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Get launch and training events",
		Long: `Get the events recorded during training: launches, rank exits, training
alerts posted to the status server webhook and detected hangs.
Returned events are marked processed unless --peek is given.

Usage:
  oamix-run events [-a address_file] [--type <type>] [--min-severity <level>] [--unprocessed] [--run-id <id>] [--interval-alert <minutes>]

Severity levels: INFO, WARNING, ERROR, CRITICAL
Event types: launch, rank_exit, alert, hang

Examples:
  oamix-run events --type rank_exit --min-severity ERROR
  oamix-run events -a nodes.txt --unprocessed --interval-alert 2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			r := common.NewResolver(cmd)
			out := cmd.OutOrStdout()

			minSeverity, err := storage.ParseSeverity(r.String("min-severity", ""))
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Minimum severity level: %s\n", storage.SeverityName(minSeverity))
			peek, _ := cmd.Flags().GetBool("peek")
			unprocessed, _ := cmd.Flags().GetBool("unprocessed")
			limit, _ := cmd.Flags().GetInt("limit")
			filter := storage.EventFilter{
				Type:        r.String("type", ""),
				Source:      r.String("source", ""),
				RunID:       r.String("run-id", ""),
				MinSeverity: minSeverity,
				Unprocessed: unprocessed,
				Peek:        peek,
				Limit:       limit,
			}

			sources, err := resolveSources(r)
			if err != nil {
				return err
			}
			webhook := r.String("notify-webhook", "")

			interval := r.Int("interval-alert", 0)
			if interval < 0 {
				return fmt.Errorf("time interval cannot be negative")
			}
			ctx := cmd.Context()
			check := func() {
				results := Fetch(ctx, sources, filter)
				Print(out, results)
				for _, res := range results {
					if res.Err != nil || len(res.Events) == 0 || webhook == "" {
						continue
					}
					if err := notify.SendEvents(ctx, webhook, "Event Notification:", res.Node, res.Events); err != nil {
						fmt.Fprintf(out, "Failed to send Feishu alert: %v\n", err)
					}
				}
			}

			check()
			if interval == 0 {
				return nil
			}
			// later rounds only report what is new
			filter.Unprocessed = true
			filter.Peek = false
			ticker := time.NewTicker(time.Duration(interval) * time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					fmt.Fprintf(out, "==== Executing periodic check: %s ====\n", time.Now().Format("2006-01-02 15:04:05"))
					check()
				}
			}
		},
	}

	cmd.Flags().String("type", "", "Only events of this type")
	cmd.Flags().String("source", "", "Only events from this source: launcher, training or monitor")
	cmd.Flags().String("run-id", "", "Only events of this run")
	cmd.Flags().String("min-severity", "", "Minimum severity level (default INFO)")
	cmd.Flags().Bool("unprocessed", false, "Only events not returned before")
	cmd.Flags().Bool("peek", false, "Do not mark the returned events as processed")
	cmd.Flags().Int("limit", 0, "Return at most this many events per node, newest first")
	cmd.Flags().Int("interval-alert", 0, "Check again every N minutes, 0 means once")
	cmd.Flags().String("notify-webhook", "", "Feishu webhook receiving the events")

	return cmd
}

// resolveSources returns the local event log, or the status server of every
// listed node.
func resolveSources(r *common.Resolver) (map[string]Source, error) {
	addrs, err := r.Nodes()
	if err != nil {
		return nil, fmt.Errorf("failed to read address list file: %w", err)
	}
	if len(addrs) == 0 {
		nodeRank := 0
		if env, err := launch.LoadNodeEnv(); err == nil {
			nodeRank = env.NodeRank
		}
		store, err := storage.NewEventStorage(storage.Dir(r.WorkDir()), nodeRank, 0)
		if err != nil {
			return nil, err
		}
		return map[string]Source{common.LocalNodeName: LocalSource(store)}, nil
	}

	port := r.String("port", common.DefaultPort)
	sources := make(map[string]Source, len(addrs))
	for _, addr := range addrs {
		sources[addr] = statusserver.NewClient(addr, port).GetEvents
	}
	return sources, nil
}

func LocalSource(store *storage.EventStorage) Source {
	return func(ctx context.Context, filter storage.EventFilter) ([]storage.EventEntry, error) {
		return store.LoadEvents(filter)
	}
}

// Fetch queries every source in parallel. Results are ordered by node name.
func Fetch(ctx context.Context, sources map[string]Source, filter storage.EventFilter) []NodeEvents {
	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([]NodeEvents, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(ctx, common.RequestTimeout)
			defer cancel()
			events, err := sources[name](ctx, filter)
			results[i] = NodeEvents{Node: name, Events: events, Err: err}
		}(i, name)
	}
	wg.Wait()
	return results
}

// Print writes the events of every node and returns whether none was found.
func Print(w io.Writer, results []NodeEvents) bool {
	var errs []string
	none := true
	for _, res := range results {
		if res.Err != nil {
			errs = append(errs, fmt.Sprintf("Node %s: %v", res.Node, res.Err))
			continue
		}
		if len(res.Events) == 0 {
			fmt.Fprintf(w, "Node %s: no events\n", res.Node)
			continue
		}
		none = false
		fmt.Fprintf(w, "Node %s: %d events\n", res.Node, len(res.Events))
		for i, e := range res.Events {
			fmt.Fprintf(w, "%d. [%s] %s %s/%s run=%s\n   %s\n",
				i+1,
				time.UnixMilli(e.Timestamp).Local().Format("2006-01-02 15:04:05.000"),
				storage.SeverityName(e.Severity),
				e.Source,
				e.Type,
				e.RunID,
				e.Message,
			)
		}
	}
	if len(errs) > 0 {
		fmt.Fprintf(w, "Encountered %d errors during processing:\n", len(errs))
		for _, e := range errs {
			fmt.Fprintln(w, "-", e)
		}
	}
	return none
}
