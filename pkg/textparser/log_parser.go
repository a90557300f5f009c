// Copyright (c) OpenMMLab. All rights reserved.

package textparser

import (
	"context"
	"regexp"
	"strconv"
	"time"
)

var (
	// 2024/05/01 10:00:00 - mmengine - INFO - ...   (mmengine)
	// 2024-05-01 10:00:00,123 - mmdet - INFO - ...  (mmcv 1.x)
	baseReg  = regexp.MustCompile(`^(\d{4}[/-]\d{2}[/-]\d{2} \d{2}:\d{2}:\d{2})(?:,\d+)? - (\S+) - ([A-Z]+) - (.*)$`)
	epochReg = regexp.MustCompile(`Epoch(?:\(\w+\))?\s*\[(\d+)\]\s*\[\s*(\d+)/\s*\d+\]`)
	iterReg  = regexp.MustCompile(`Iter(?:\(\w+\))?\s*\[\s*(\d+)/\s*\d+\]`)
)

var timeLayouts = []string{"2006/01/02 15:04:05", "2006-01-02 15:04:05"}

// LogParser parses training logs written by the detection framework's logger
type LogParser struct{}

func (p *LogParser) Parse(ctx context.Context, inputs []string) ([]*LogEntry, error) {
	entries := make([]*LogEntry, 0, len(inputs))
	for _, line := range inputs {
		entry := &LogEntry{
			Message: line,
		}
		baseMatches := baseReg.FindStringSubmatch(line)
		if len(baseMatches) < 5 {
			entries = append(entries, entry)
			continue
		}

		timestamp, ok := parseLogTime(baseMatches[1])
		if !ok {
			entries = append(entries, entry)
			continue
		}
		entry.Timestamp = timestamp
		entry.Level = baseMatches[3]

		msgBody := baseMatches[4]
		if m := epochReg.FindStringSubmatch(msgBody); m != nil {
			entry.Epoch = atoi32(m[1])
			entry.Iter = atoi32(m[2])
		} else if m := iterReg.FindStringSubmatch(msgBody); m != nil {
			entry.Iter = atoi32(m[1])
		}

		entries = append(entries, entry)
	}

	return entries, nil
}

// the logger writes local wall-clock time without a zone
func parseLogTime(s string) (time.Time, bool) {
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func atoi32(s string) int32 {
	n, _ := strconv.Atoi(s)
	return int32(n)
}
