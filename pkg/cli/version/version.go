// Copyright (c) OpenMMLab. All rights reserved.

package version

import (
	"context"
	"fmt"
	"io"
	"sort"

	"oamix/pkg/cli/common"
	"oamix/pkg/statusserver"
	v "oamix/pkg/version"

	"github.com/spf13/cobra"
)

// RunInfoResult contains the run information of the launcher on one node.
type RunInfoResult struct {
	UniqueVersions map[string]struct{}
	Errors         []string
}

func NewCmdVersion() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Get the version of oamix-run and of the launchers on every node",
		Long: `Print the version of this oamix-run. With an address list, also print the
version and run of the launcher serving every node and warn when they differ.

Usage:
  oamix-run version [-a address_file] [--port <service port>]

Example:
  oamix-run version -a nodes.txt --port 50051`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "oamix-run version information:")
			fmt.Fprint(out, v.Get().String())

			r := common.NewResolver(cmd)
			nodes, err := r.Nodes()
			if err != nil {
				return fmt.Errorf("failed to read address list file: %w", err)
			}
			if len(nodes) == 0 {
				return nil
			}
			port := r.String("port", common.DefaultPort)

			remote := make([]common.Node, 0, len(nodes))
			for _, addr := range nodes {
				remote = append(remote, common.NewRemoteNode(addr, port))
			}
			result := GetRunInfo(cmd.Context(), out, remote)

			if len(result.UniqueVersions) > 1 {
				versions := make([]string, 0, len(result.UniqueVersions))
				for ver := range result.UniqueVersions {
					versions = append(versions, ver)
				}
				sort.Strings(versions)
				fmt.Fprintf(out, "Detected different versions: %v\n", versions)
			}
			if len(result.UniqueVersions) == 0 {
				fmt.Fprintln(out, "No version information obtained")
			}
			return nil
		},
	}
	return cmd
}

// GetRunInfo prints the run served by every remote node.
func GetRunInfo(ctx context.Context, out io.Writer, nodes []common.Node) RunInfoResult {
	results := common.FanOut(ctx, nodes, common.RequestTimeout, func(ctx context.Context, node common.Node) (*statusserver.RunInfo, error) {
		remote, ok := node.(*common.RemoteNode)
		if !ok {
			return nil, fmt.Errorf("node %s has no status server", node.Name())
		}
		return remote.Client.GetRun(ctx)
	})

	res := RunInfoResult{UniqueVersions: map[string]struct{}{}}
	for _, r := range results {
		if r.Err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("Node %s: %v", r.Node, r.Err))
			continue
		}
		run := r.Value
		fmt.Fprintf(out, "Launcher on node %s:\n", r.Node)
		fmt.Fprintf(out, "  - Version: %s\n", run.Version)
		fmt.Fprintf(out, "  - Run: %s\n", run.RunID)
		fmt.Fprintf(out, "  - Backend: %s\n", run.Backend)
		fmt.Fprintf(out, "  - Node rank: %d/%d\n", run.NodeRank, run.NNodes)
		fmt.Fprintf(out, "  - Started: %s\n", run.StartTime.Format("2006-01-02 15:04:05"))
		fmt.Fprintln(out)
		res.UniqueVersions[run.Version] = struct{}{}
	}

	if len(res.Errors) > 0 {
		fmt.Fprintf(out, "Encountered %d errors during processing:\n", len(res.Errors))
		for _, e := range res.Errors {
			fmt.Fprintln(out, "-", e)
		}
	}
	return res
}
