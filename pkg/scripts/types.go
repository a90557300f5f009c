// Copyright (c) OpenMMLab. All rights reserved.

package scripts

const (
	TypeTrainer    = "trainer"
	TypeDataloader = "dataloader"
)

// DefaultLauncherPattern matches every process that spawns training ranks:
// the torch launchers and oamix-run itself with the native backend.
const DefaultLauncherPattern = `torchrun|torch\.distributed\.(launch|run)|oamix-run`

type ProcessInfo struct {
	Type      string `json:"type"` // "trainer" / "dataloader"
	PID       int    `json:"pid"`
	PPID      int    `json:"ppid"`
	Rank      int    `json:"rank"`
	LocalRank int    `json:"local_rank"`
}

// Finder discovers training processes whose launcher command line matches
// Pattern, an extended regular expression as understood by pgrep -f.
type Finder struct {
	Pattern string
}
