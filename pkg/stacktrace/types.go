// Copyright (c) OpenMMLab. All rights reserved.

package stacktrace

import (
	"context"

	"oamix/pkg/scripts"
	"oamix/pkg/textparser"
)

type Interface interface {
	GetProcessStacks(ctx context.Context) ([]*ProcessStack, error)
}

// Request narrows a stack dump. Empty fields match every process.
type Request struct {
	ProcessType string `json:"process_type,omitempty"` // "trainer" / "dataloader"
	Rank        string `json:"rank,omitempty"`         // e.g. "RANK3"
}

type ProcessStack struct {
	Type      string                    `json:"type"`
	PID       int                       `json:"pid"`
	PPID      int                       `json:"ppid"`
	Rank      string                    `json:"rank"`
	LocalRank int                       `json:"local_rank"`
	Threads   []*textparser.ThreadStack `json:"threads"`
}

type PythonStack struct {
	sem        chan struct{}
	req        Request
	textParser *textparser.StackParser
	list       func(ctx context.Context) ([]scripts.ProcessInfo, error)
	fetch      func(ctx context.Context, pid int) (string, error)
}
