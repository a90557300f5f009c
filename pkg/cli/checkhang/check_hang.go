// Copyright (c) OpenMMLab. All rights reserved.

package checkhang

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"oamix/logger"
	"oamix/pkg/cli/common"
	"oamix/pkg/launch"
	"oamix/pkg/logtail"
	"oamix/pkg/notify"
	"oamix/pkg/rules"
	"oamix/pkg/scripts"
	"oamix/pkg/stacktrace"
	"oamix/pkg/storage"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	defaultThreshold      = 120
	defaultSamples        = 5
	defaultSampleInterval = 5 * time.Second
	stackTimeout          = 2 * time.Minute
	timeLayout            = "2006-01-02 15:04:05"
)

// Config tunes one round of hang detection.
type Config struct {
	MaxLines int
	// Threshold is the number of seconds a rank log may stay silent before
	// the node is sampled.
	Threshold      int32
	Samples        int
	SampleInterval time.Duration
}

// SuspectRank is a log that stayed silent longer than the threshold.
type SuspectRank struct {
	Rank           string `json:"rank"`
	SuspendSeconds int32  `json:"suspend_seconds"`
}

// Report is the outcome of checking one node.
type Report struct {
	Node       string                   `json:"node"`
	Suspects   []SuspectRank            `json:"suspects,omitempty"`
	Snapshots  int                      `json:"snapshots"`
	Diffs      []rules.ProcessStackDiff `json:"diffs,omitempty"`
	Unchanged  []string                 `json:"unchanged_ranks,omitempty"`
	CheckedAt  time.Time                `json:"checked_at"`
	LogsFailed bool                     `json:"logs_failed,omitempty"`
}

// Hung reports whether some ranks kept the same stack in every sample while
// their logs were silent.
func (r *Report) Hung() bool {
	return len(r.Unchanged) > 0
}

// Checker detects hung ranks: silent logs first, then stacks that do not move.
type Checker struct {
	Config
	Out io.Writer
	// StackDir receives the stack snapshots, nothing is saved when empty.
	StackDir      string
	Events        *storage.EventStorage
	NotifyWebhook string
	Sleep         func(ctx context.Context, d time.Duration) error
}

func NewCmdCheckHang() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check-hang",
		Short: "Intelligent hang detection",
		Long: `Intelligently detect whether the training is in a hang state.
Rank logs silent for longer than the threshold make the node suspicious; its
training processes are then sampled several times and ranks whose python
stacks never change are reported as hung.

Usage:
  oamix-run check-hang [-a address_file] [--work-dir <working directory>] [--max-line <maximum lines>] [--threshold <seconds>] [--interval-hang <minutes>] [--port <server port>]

Examples:
  oamix-run check-hang --threshold 300
  oamix-run check-hang -a nodes.txt --threshold 100 --interval-hang 5 --port 50051`,
		RunE: func(cmd *cobra.Command, args []string) error {
			r := common.NewResolver(cmd)
			nodes, err := r.Targets()
			if err != nil {
				return fmt.Errorf("failed to read address list file: %w", err)
			}

			pollInterval := r.Int("interval-hang", 0)
			if pollInterval < 0 {
				return fmt.Errorf("please enter an appropriate time interval (minutes)")
			}
			c := &Checker{
				Config: Config{
					MaxLines:       r.Int("max-line", common.DefaultMaxLines),
					Threshold:      int32(r.Int("threshold", defaultThreshold)),
					Samples:        r.Int("samples", defaultSamples),
					SampleInterval: r.Duration("sample-interval", defaultSampleInterval),
				},
				Out:           cmd.OutOrStdout(),
				StackDir:      "checkStacks",
				Events:        openEvents(r.WorkDir()),
				NotifyWebhook: r.String("notify-webhook", ""),
			}

			ctx := cmd.Context()
			if pollInterval == 0 {
				fmt.Fprintln(c.Out, "Execute detection only once, no polling")
				c.Run(ctx, nodes)
				return nil
			}

			pollDuration := time.Duration(pollInterval) * time.Minute
			fmt.Fprintf(c.Out, "Starting intelligent detection, will automatically execute every %v...\n", pollDuration)
			fmt.Fprintln(c.Out, "Press Ctrl+C to stop detection")
			c.Run(ctx, nodes)

			ticker := time.NewTicker(pollDuration)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					c.Run(ctx, nodes)
				}
			}
		},
	}

	cmd.Flags().Int("max-line", 0, "Specify maximum log lines")
	cmd.Flags().Int("threshold", 0, "Seconds a rank log may stay silent before the node is sampled")
	cmd.Flags().IntP("interval-hang", "i", 0, "Automatic execution interval (minutes), 0 means execute only once")
	cmd.Flags().Int("samples", 0, "Number of stack snapshots taken of a suspicious node")
	cmd.Flags().Duration("sample-interval", 0, "Time between two stack snapshots")
	cmd.Flags().String("launcher-pattern", "", "Extended regular expression matching launcher command lines")
	cmd.Flags().String("notify-webhook", "", "Feishu webhook receiving hang alerts")

	return cmd
}

// openEvents opens the event log of the work dir, nil when unavailable.
func openEvents(workDir string) *storage.EventStorage {
	nodeRank := 0
	if env, err := launch.LoadNodeEnv(); err == nil {
		nodeRank = env.NodeRank
	}
	s, err := storage.NewEventStorage(storage.Dir(workDir), nodeRank, 0)
	if err != nil {
		logger.Logger.Warn("Hang events will not be recorded", zap.Error(err))
		return nil
	}
	return s
}

// Run checks every node in parallel and prints a summary.
func (c *Checker) Run(ctx context.Context, nodes []common.Node) []*Report {
	reports := make([]*Report, len(nodes))
	var wg sync.WaitGroup
	for i, node := range nodes {
		wg.Add(1)
		go func(i int, node common.Node) {
			defer wg.Done()
			reports[i] = c.CheckNode(ctx, node)
		}(i, node)
	}
	wg.Wait()

	var suspicious, hung []string
	for _, r := range reports {
		if len(r.Suspects) > 0 {
			suspicious = append(suspicious, r.Node)
		}
		if r.Hung() {
			hung = append(hung, r.Node)
		}
	}
	if len(suspicious) > 0 {
		fmt.Fprintf(c.Out, "Nodes with errors: %v\n", suspicious)
	} else {
		fmt.Fprintln(c.Out, "No suspicious nodes found")
	}
	if len(hung) > 0 {
		fmt.Fprintf(c.Out, "Nodes with hung ranks: %v\n", hung)
	}
	return reports
}

// CheckNode runs one detection round against node.
func (c *Checker) CheckNode(ctx context.Context, node common.Node) *Report {
	report := &Report{Node: node.Name(), CheckedAt: time.Now()}

	logCtx, cancel := context.WithTimeout(ctx, common.RequestTimeout)
	rankLogs, err := node.GetRecentLogs(logCtx, c.MaxLines)
	cancel()
	if err != nil {
		fmt.Fprintf(c.Out, "Failed to get logs from node %s: %v\n", node.Name(), err)
		report.LogsFailed = true
		return report
	}
	report.Suspects = suspects(rankLogs, c.Threshold)
	if len(report.Suspects) == 0 {
		return report
	}
	for _, s := range report.Suspects {
		fmt.Fprintf(c.Out, "Suspicious node %s found: %s suspendSeconds is %d (exceeds threshold %d)\n",
			node.Name(), s.Rank, s.SuspendSeconds, c.Threshold)
	}

	c.sampleStacks(ctx, node, report)
	if report.Hung() {
		c.recordHang(ctx, report)
	}
	return report
}

func suspects(rankLogs []*logtail.RankLog, threshold int32) []SuspectRank {
	var out []SuspectRank
	for _, rl := range rankLogs {
		if rl.SuspendSeconds > threshold {
			out = append(out, SuspectRank{Rank: rl.Rank, SuspendSeconds: rl.SuspendSeconds})
		}
	}
	return out
}

// sampleStacks compares consecutive stack snapshots of the trainers. Ranks
// that stayed unchanged across every comparison end up in report.Unchanged.
func (c *Checker) sampleStacks(ctx context.Context, node common.Node, report *Report) {
	var prev []*stacktrace.ProcessStack
	var prevTime time.Time
	var unchanged []string
	compared := false

	for i := 0; i < c.Samples; i++ {
		if i > 0 {
			if err := c.sleep(ctx, c.SampleInterval); err != nil {
				return
			}
		}
		stackCtx, cancel := context.WithTimeout(ctx, stackTimeout)
		cur, err := node.GetProcessStacks(stackCtx, stacktrace.Request{ProcessType: scripts.TypeTrainer})
		cancel()
		if err != nil {
			fmt.Fprintf(c.Out, "Failed to get stack information from node %s: %v\n", node.Name(), err)
			if len(cur) == 0 {
				continue
			}
		}
		now := time.Now()
		report.Snapshots++

		if prev == nil {
			c.saveSnapshot(node.Name(), now, "", cur)
			prev, prevTime = cur, now
			continue
		}

		fmt.Fprintln(c.Out, "Start comparing", node.Name(), "at", now.Format(timeLayout), "with",
			prevTime.Format(timeLayout), "training process stack information.")
		equal, diffs, err := rules.PstreeEqual(ctx, prevTime.Format(timeLayout), now.Format(timeLayout), prev, cur)
		fmt.Fprintln(c.Out, "Detection results:")
		suffix := "_noDiff"
		switch {
		case err != nil:
			fmt.Fprintln(c.Out, err)
			suffix = "_haveDiff"
		case !equal:
			for _, d := range diffs {
				fmt.Fprintln(c.Out, d.Diff)
				fmt.Fprintln(c.Out, "--------------------------------------------------")
			}
			report.Diffs = append(report.Diffs, diffs...)
			suffix = "_haveDiff"
		default:
			fmt.Fprintln(c.Out, "No anomalies detected")
		}
		c.saveSnapshot(node.Name(), now, suffix, cur)
		fmt.Fprintln(c.Out, "--------------------------------------------------")

		same := rules.UnchangedRanks(ctx, prev, cur)
		if !compared {
			unchanged, compared = same, true
		} else {
			unchanged = slices.DeleteFunc(unchanged, func(r string) bool {
				return !slices.Contains(same, r)
			})
		}
		prev, prevTime = cur, now
	}
	report.Unchanged = unchanged
}

func (c *Checker) sleep(ctx context.Context, d time.Duration) error {
	if c.Sleep != nil {
		return c.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Checker) saveSnapshot(node string, at time.Time, suffix string, processes []*stacktrace.ProcessStack) {
	if c.StackDir == "" {
		return
	}
	name := strings.NewReplacer("://", "_", "/", "_", ":", "_").Replace(node)
	fileName := fmt.Sprintf("node%s_processInfo_%s%s.json", name, at.Format("2006-01-02_15-04-05"), suffix)
	snapshot := struct {
		Processes  []*stacktrace.ProcessStack `json:"processes"`
		TotalCount int                        `json:"total_count"`
	}{processes, len(processes)}
	if _, err := common.SaveJSON(c.StackDir, fileName, snapshot); err != nil {
		fmt.Fprintln(c.Out, "Error:", err)
		return
	}
	fmt.Fprintf(c.Out, "Process data successfully saved to %s\n", fileName)
}

func (c *Checker) recordHang(ctx context.Context, report *Report) {
	var longest int32
	for _, s := range report.Suspects {
		longest = max(longest, s.SuspendSeconds)
	}
	msg := fmt.Sprintf("ranks %s on node %s look hung: logs silent for %ds and stacks unchanged over %d snapshots",
		strings.Join(report.Unchanged, ", "), report.Node, longest, report.Snapshots)
	fmt.Fprintln(c.Out, msg)
	logger.Logger.Warn("Hang detected", zap.String("node", report.Node), zap.Strings("ranks", report.Unchanged))

	if c.Events != nil {
		_, err := c.Events.StoreEvent(storage.EventEntry{
			Source:   storage.SourceMonitor,
			Type:     storage.TypeHang,
			Message:  msg,
			Severity: storage.SeverityCritical,
			Metadata: storage.Metadata{
				"node":            report.Node,
				"ranks":           report.Unchanged,
				"suspend_seconds": longest,
				"snapshots":       report.Snapshots,
			},
		})
		if err != nil {
			logger.Logger.Error("Failed to store hang event", zap.Error(err))
		}
	}
	if c.NotifyWebhook != "" {
		if err := notify.SendText(ctx, c.NotifyWebhook, "【oamix-run】Hang detected\n"+msg); err != nil {
			fmt.Fprintf(c.Out, "Failed to send Feishu alert: %v\n", err)
		}
	}
}
