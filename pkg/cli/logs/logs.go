// Copyright (c) OpenMMLab. All rights reserved.

package logs

import (
	"context"
	"fmt"
	"io"
	"time"

	"oamix/pkg/cli/common"
	"oamix/pkg/logtail"
	"oamix/pkg/utils"

	"github.com/spf13/cobra"
)

type CustomLogEntry struct {
	Timestamp string `json:"timestamp,omitempty"`
	Level     string `json:"level,omitempty"`
	Epoch     int32  `json:"epoch,omitempty"`
	Iter      int32  `json:"iter,omitempty"`
	Message   string `json:"message"`
}

type CustomRankLog struct {
	Node           string           `json:"node"`
	Rank           string           `json:"rank"`
	Entries        []CustomLogEntry `json:"entries"`
	SuspendSeconds int32            `json:"suspend_seconds"`
	TailTime       string           `json:"tail_time,omitempty"`
}

type CustomLogResponse struct {
	Ranklogs []CustomRankLog `json:"ranklogs"`
}

// NodeLogs is the log tail of one node.
type NodeLogs struct {
	Node     string
	RankLogs []*logtail.RankLog
}

func NewCmdLogs() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Get log information",
		Long: `Get the latest lines of every rank log of the current run.
Without an address list the work directory of this node is read, otherwise
every listed node is asked through its status server.

Usage:
  oamix-run logs [-a address_file] [--work-dir <working directory>] [--max-line <maximum lines>] [--rank <rank>] [--port <server port>]

Examples:
  oamix-run logs --work-dir work_dirs/oamix --max-line 50
  oamix-run logs -a nodes.txt --rank rank3 --port 50051`,
		RunE: func(cmd *cobra.Command, args []string) error {
			r := common.NewResolver(cmd)
			nodes, err := r.Targets()
			if err != nil {
				return fmt.Errorf("failed to read address list file: %w", err)
			}
			maxLines := r.Int("max-line", common.DefaultMaxLines)
			rank, _ := cmd.Flags().GetString("rank")

			results := FetchRankLogs(cmd.Context(), cmd.OutOrStdout(), nodes, maxLines)

			resp := Convert(results, rank)
			if len(resp.Ranklogs) == 0 {
				if rank != "" {
					return fmt.Errorf("no logs found for rank %s", rank)
				}
				return fmt.Errorf("no logs found")
			}
			if rank == "" {
				rank = "allrank"
			}
			fileName := utils.TimestampedName("logs_"+rank, time.Now())
			data, err := common.SaveJSON("checkLogs", fileName, resp)
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			if err != nil {
				fmt.Fprintln(cmd.OutOrStdout(), "Error:", err)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Log data successfully saved to %s\n", fileName)
			}
			return nil
		},
	}

	cmd.Flags().Int("max-line", 0, "Specify maximum log lines")
	cmd.Flags().String("rank", "", "Log name, e.g. rank3 or launcher; all ranks when empty")

	return cmd
}

// FetchRankLogs asks every node for its log tail. Failed nodes are reported
// on out and left out of the result.
func FetchRankLogs(ctx context.Context, out io.Writer, nodes []common.Node, maxLines int) []NodeLogs {
	results := common.FanOut(ctx, nodes, common.RequestTimeout, func(ctx context.Context, node common.Node) ([]*logtail.RankLog, error) {
		return node.GetRecentLogs(ctx, maxLines)
	})

	var logs []NodeLogs
	for _, res := range results {
		if res.Err != nil {
			fmt.Fprintf(out, "Failed to get logs from node %s: %v\n", res.Node, res.Err)
			continue
		}
		logs = append(logs, NodeLogs{Node: res.Node, RankLogs: res.Value})
	}
	return logs
}

// Convert flattens node logs into the saved report, keeping only rank when it
// is not empty.
func Convert(nodes []NodeLogs, rank string) CustomLogResponse {
	var resp CustomLogResponse
	for _, n := range nodes {
		for _, rl := range n.RankLogs {
			if rank != "" && rl.Rank != rank {
				continue
			}
			entries := make([]CustomLogEntry, 0, len(rl.Entries))
			for _, e := range rl.Entries {
				entries = append(entries, CustomLogEntry{
					Timestamp: utils.FormatTime(e.Timestamp),
					Level:     e.Level,
					Epoch:     e.Epoch,
					Iter:      e.Iter,
					Message:   utils.CleanUTF8(e.Message),
				})
			}
			resp.Ranklogs = append(resp.Ranklogs, CustomRankLog{
				Node:           n.Node,
				Rank:           rl.Rank,
				Entries:        entries,
				SuspendSeconds: rl.SuspendSeconds,
				TailTime:       utils.FormatTime(rl.TailTime),
			})
		}
	}
	return resp
}
