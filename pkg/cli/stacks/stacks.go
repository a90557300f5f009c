// Copyright (c) OpenMMLab. All rights reserved.

package stacks

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"oamix/pkg/cli/common"
	"oamix/pkg/scripts"
	"oamix/pkg/stacktrace"
	"oamix/pkg/utils"

	"github.com/spf13/cobra"
)

const stackTimeout = 2 * time.Minute

// NodeStacks is one stack snapshot of one node.
type NodeStacks struct {
	Node         string                     `json:"node"`
	SnapshotTime time.Time                  `json:"snapshot_time"`
	Processes    []*stacktrace.ProcessStack `json:"processes"`
}

func NewCmdStacks() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stacks",
		Short: "Get the python stacks of the training processes",
		Long: `Dump the python stack of every training process with pystack.
Without an address list the processes of this node are dumped, otherwise every
listed node is asked through its status server.

Usage:
  oamix-run stacks [-a address_file] [--rank <rank>] [--type trainer|dataloader] [--port <server port>]

Examples:
  oamix-run stacks --rank 3
  oamix-run stacks -a nodes.txt --type dataloader`,
		RunE: func(cmd *cobra.Command, args []string) error {
			r := common.NewResolver(cmd)
			rank, _ := cmd.Flags().GetString("rank")
			ptype, _ := cmd.Flags().GetString("type")
			req, err := NewRequest(ptype, rank)
			if err != nil {
				return err
			}
			nodes, err := r.Targets()
			if err != nil {
				return fmt.Errorf("failed to read address list file: %w", err)
			}

			out := cmd.OutOrStdout()
			snapshots := Collect(cmd.Context(), out, nodes, req)
			if len(snapshots) == 0 {
				return fmt.Errorf("no stacks obtained")
			}
			for _, snap := range snapshots {
				fileName := utils.TimestampedName(fmt.Sprintf("node%s_processInfo", sanitize(snap.Node)), snap.SnapshotTime)
				data, err := common.SaveJSON("checkStacks", fileName, snap)
				fmt.Fprintln(out, string(data))
				if err != nil {
					fmt.Fprintln(out, "Error:", err)
				} else {
					fmt.Fprintf(out, "Process data successfully saved to %s\n", fileName)
				}
			}
			return nil
		},
	}

	cmd.Flags().String("rank", "", "Global rank to dump, e.g. 3 or RANK3; all ranks when empty")
	cmd.Flags().String("type", "", "Process type to dump: trainer or dataloader; all when empty")
	cmd.Flags().String("launcher-pattern", "", "Extended regular expression matching launcher command lines")

	return cmd
}

// NewRequest validates the process type and normalizes rank to RANK<n>.
func NewRequest(ptype, rank string) (stacktrace.Request, error) {
	switch ptype {
	case "", scripts.TypeTrainer, scripts.TypeDataloader:
	default:
		return stacktrace.Request{}, fmt.Errorf("invalid process type %q, want %s or %s",
			ptype, scripts.TypeTrainer, scripts.TypeDataloader)
	}
	if rank != "" {
		n, err := strconv.Atoi(strings.TrimPrefix(strings.ToUpper(rank), "RANK"))
		if err != nil || n < 0 {
			return stacktrace.Request{}, fmt.Errorf("invalid rank %q", rank)
		}
		rank = stacktrace.RankName(n)
	}
	return stacktrace.Request{ProcessType: ptype, Rank: rank}, nil
}

// Collect takes one snapshot of every node. Nodes that failed completely are
// reported on out and left out.
func Collect(ctx context.Context, out io.Writer, nodes []common.Node, req stacktrace.Request) []NodeStacks {
	results := common.FanOut(ctx, nodes, stackTimeout, func(ctx context.Context, node common.Node) (NodeStacks, error) {
		processes, err := node.GetProcessStacks(ctx, req)
		return NodeStacks{Node: node.Name(), SnapshotTime: time.Now(), Processes: processes}, err
	})

	var snapshots []NodeStacks
	for _, res := range results {
		if res.Err != nil {
			fmt.Fprintf(out, "Failed to get stack information from node %s: %v\n", res.Node, res.Err)
			if len(res.Value.Processes) == 0 {
				continue
			}
		}
		snapshots = append(snapshots, res.Value)
	}
	return snapshots
}

// sanitize keeps node names usable in file names.
func sanitize(node string) string {
	return strings.NewReplacer("://", "_", "/", "_", ":", "_").Replace(node)
}
