// Copyright (c) OpenMMLab. All rights reserved.

package textparser

import (
	"context"
	"time"
)

type Interface[T any] interface {
	Parse(ctx context.Context, inputs []string) (T, error)
}

// Generic processing function that returns results of a specific type
func ParseWithType[T any](ctx context.Context, parser Interface[T], inputs []string) (T, error) {
	return parser.Parse(ctx, inputs)
}

// LogEntry is one line of a training log. Timestamp is zero when the line
// does not follow the framework's logger format.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp,omitempty"`
	Level     string    `json:"level,omitempty"`
	Epoch     int32     `json:"epoch,omitempty"`
	Iter      int32     `json:"iter,omitempty"`
	Message   string    `json:"message"`
}

// ThreadStack is the python stack of one thread as dumped by pystack
type ThreadStack struct {
	ThreadID    int32    `json:"thread_id"`
	ThreadName  string   `json:"thread_name"`
	StackFrames []string `json:"stack_frames"`
}
