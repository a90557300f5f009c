// Copyright (c) OpenMMLab. All rights reserved.

package ranks

import (
	"fmt"
	"io"
	"text/tabwriter"

	"oamix/pkg/cli/common"
	"oamix/pkg/scripts"

	"github.com/spf13/cobra"
)

func NewCmdRanks() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ranks",
		Short: "List the training processes of this node",
		Long: `List the launcher children of this node with their global and local rank,
and the dataloader workers they spawned.

Usage:
  oamix-run ranks [--launcher-pattern <pgrep pattern>]

Example:
  oamix-run ranks --launcher-pattern 'torchrun'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			r := common.NewResolver(cmd)
			finder := scripts.NewFinder(r.String("launcher-pattern", scripts.DefaultLauncherPattern))
			processes, err := finder.GetProcessInfo(cmd.Context())
			if err != nil {
				return err
			}
			return PrintProcesses(cmd.OutOrStdout(), processes)
		},
	}
	cmd.Flags().String("launcher-pattern", "", "Extended regular expression matching launcher command lines")
	return cmd
}

// PrintProcesses writes one row per process followed by the rank range.
func PrintProcesses(w io.Writer, processes []scripts.ProcessInfo) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tPID\tPPID\tRANK\tLOCAL_RANK")
	for _, p := range processes {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", p.Type, p.PID, p.PPID, p.Rank, p.LocalRank)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	minRank, maxRank, err := scripts.RankRange(processes)
	if err != nil {
		fmt.Fprintf(w, "No rank found: %v\n", err)
		return nil
	}
	fmt.Fprintf(w, "Ranks on this node: %d-%d\n", minRank, maxRank)
	return nil
}
