// Copyright (c) OpenMMLab. All rights reserved.

package rules

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"

	"oamix/logger"
	"oamix/pkg/stacktrace"
	"oamix/pkg/textparser"
	"oamix/pkg/utils"
)

// PstreeEqual compares the stacks of every training process on a node taken
// at two points in time. Ranks whose stacks did not change are likely stuck.
func PstreeEqual(ctx context.Context, time1, time2 string, psa, psb []*stacktrace.ProcessStack) (bool, []ProcessStackDiff, error) {
	if len(psa) != len(psb) {
		return false, nil, fmt.Errorf("process count mismatch: psa: %d, psb: %d", len(psa), len(psb))
	}
	psa = sortedByPID(psa)
	psb = sortedByPID(psb)
	equal := true
	diff := []ProcessStackDiff{}

	for i := 0; i < len(psa); i++ {
		if err := ctx.Err(); err != nil {
			return false, nil, err
		}
		eq, dif, err := ThreadsStacksEqual(ctx, time1, time2, psa[i], psb[i])
		if err != nil {
			return false, nil, err
		}
		if !eq {
			equal = false
			diff = append(diff, ProcessStackDiff{
				Rank:  psa[i].Rank,
				PType: psa[i].Type,
				PID:   psa[i].PID,
				Diff:  dif,
			})
		}
	}

	return equal, diff, nil
}

// UnchangedRanks returns, ordered by rank, the ranks whose processes all
// kept identical stacks between the two snapshots.
func UnchangedRanks(ctx context.Context, psa, psb []*stacktrace.ProcessStack) []string {
	byPID := map[int]*stacktrace.ProcessStack{}
	for _, p := range psb {
		byPID[p.PID] = p
	}
	changed := map[string]bool{}
	var order []string
	for _, a := range psa {
		if _, seen := changed[a.Rank]; !seen {
			changed[a.Rank] = false
			order = append(order, a.Rank)
		}
		b, ok := byPID[a.PID]
		if !ok {
			changed[a.Rank] = true
			continue
		}
		if eq, _, err := ThreadsStacksEqual(ctx, "", "", a, b); err != nil || !eq {
			changed[a.Rank] = true
		}
	}

	var out []string
	for _, r := range order {
		if !changed[r] {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, utils.CompareRank)
	return out
}

func ThreadsStacksEqual(ctx context.Context, time1, time2 string, processa, processb *stacktrace.ProcessStack) (equal bool, diff string, err error) {
	if processa == nil || processb == nil {
		logger.Logger.Error("process info is nil")
		return false, "", fmt.Errorf("process info is empty")
	}

	if !strings.EqualFold(processa.Rank, processb.Rank) {
		return false, "", fmt.Errorf("process ranks are different: %s and %s", processa.Rank, processb.Rank)
	}

	if processa.PID != processb.PID {
		return false, "", fmt.Errorf("internal error, comparing two different processes. pid: %d and %d", processa.PID, processb.PID)
	}

	header := fmt.Sprintf("%s, Process type: %s, Process ID:%d", processa.Rank, processa.Type, processa.PID)
	if len(processa.Threads) != len(processb.Threads) {
		return false, fmt.Sprintf("Detected different number of threads in process stack. %s\n[%s]Thread count: %d\n[%s]Thread count: %d\n",
			header, time1, len(processa.Threads), time2, len(processb.Threads)), nil
	}

	ta := sortedByThreadID(processa.Threads)
	tb := sortedByThreadID(processb.Threads)
	for i := range ta {
		a, b := ta[i], tb[i]
		if a.ThreadID != b.ThreadID {
			return false, fmt.Sprintf("Detected different thread IDs. %s\n[%s]Thread ID: %d\n[%s]Thread ID: %d\n",
				header, time1, a.ThreadID, time2, b.ThreadID), nil
		}
		if len(a.StackFrames) != len(b.StackFrames) {
			return false, fmt.Sprintf("Detected different number of thread stack frames. %s, Thread ID: %d\n[%s]Frame count: %d\n[%s]Frame count: %d\n",
				header, a.ThreadID, time1, len(a.StackFrames), time2, len(b.StackFrames)), nil
		}
		for level := range a.StackFrames {
			if !strings.EqualFold(a.StackFrames[level], b.StackFrames[level]) {
				return false, fmt.Sprintf("Detected different process stacks. %s, Thread ID: %d, Stack frame level: %d\n[%s]Stack frame content: %s\n[%s]Stack frame content: %s\n",
					header, a.ThreadID, level+1, time1, a.StackFrames[level], time2, b.StackFrames[level]), nil
			}
		}
	}

	return true, "", nil
}

// snapshots are shared with the caller, sort copies
func sortedByPID(ps []*stacktrace.ProcessStack) []*stacktrace.ProcessStack {
	out := append([]*stacktrace.ProcessStack(nil), ps...)
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

func sortedByThreadID(ts []*textparser.ThreadStack) []*textparser.ThreadStack {
	out := append([]*textparser.ThreadStack(nil), ts...)
	sort.Slice(out, func(i, j int) bool { return out[i].ThreadID < out[j].ThreadID })
	return out
}
