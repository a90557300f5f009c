// Copyright (c) OpenMMLab. All rights reserved.

package rules

// ProcessStackDiff describes how one process changed between two snapshots.
type ProcessStackDiff struct {
	Rank  string `json:"rank"`
	PType string `json:"process_type"`
	PID   int    `json:"pid"`
	Diff  string `json:"diff"`
}
