// Copyright (c) OpenMMLab. All rights reserved.

package logtail

import (
	"context"
	"time"

	"oamix/pkg/textparser"
)

// LogDirName is the directory under the work dir holding one sub directory
// per launch, each with one <name>.log per spawned process.
const LogDirName = "launch_logs"

// NoTimeSuspend is reported when neither the log lines nor the file carry a
// usable time.
const NoTimeSuspend = -10

type Interface interface {
	GetRecentLogs(ctx context.Context, maxLines int) ([]*RankLog, error)
}

// RankLog is the tail of one process log.
type RankLog struct {
	Rank           string                 `json:"rank"`
	TailTime       time.Time              `json:"tail_time"`
	SuspendSeconds int32                  `json:"suspend_seconds"`
	Entries        []*textparser.LogEntry `json:"entries,omitempty"`
}

type FileReader struct {
	workDir   string
	logParser *textparser.LogParser
	now       func() time.Time
}
