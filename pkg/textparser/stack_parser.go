// Copyright (c) OpenMMLab. All rights reserved.

package textparser

import (
	"bufio"
	"context"
	"regexp"
	"strconv"
	"strings"

	"oamix/logger"

	"go.uber.org/zap"
)

var threadHeaderReg = regexp.MustCompile(`Traceback for thread (\d+) \((.*?)\)`)

type StackParser struct{}

func (p *StackParser) Parse(ctx context.Context, inputs []string) ([]*ThreadStack, error) {
	threads := []*ThreadStack{}
	for _, input := range inputs {
		var current *ThreadStack
		scanner := bufio.NewScanner(strings.NewReader(input))
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "Traceback for thread"):
				if current != nil {
					threads = append(threads, current)
				}
				current = parseThreadHeader(line)

			case strings.Contains(line, "(Python) File"):
				if current != nil {
					frame := strings.TrimSpace(strings.Replace(line, "(Python) ", "", 1))
					current.StackFrames = append(current.StackFrames, frame)
				}

			case isCodeLine(line):
				if current != nil && len(current.StackFrames) > 0 {
					current.StackFrames[len(current.StackFrames)-1] += "\n" + strings.TrimSpace(line)
				}
			}
		}
		if err := scanner.Err(); err != nil {
			return threads, err
		}

		if current != nil {
			threads = append(threads, current)
		}
	}

	return threads, nil
}

func isCodeLine(line string) bool {
	return strings.HasPrefix(line, "    ") &&
		!strings.Contains(line, "File") &&
		strings.TrimSpace(line) != ""
}

func parseThreadHeader(line string) *ThreadStack {
	matches := threadHeaderReg.FindStringSubmatch(line)
	if len(matches) < 3 {
		return &ThreadStack{
			ThreadID:    -1,
			ThreadName:  "unknown",
			StackFrames: []string{},
		}
	}

	tid, err := strconv.Atoi(matches[1])
	if err != nil {
		logger.Logger.Error("Failed to conv threadId", zap.String("threadId", matches[1]), zap.Error(err))
		tid = -1
	}

	return &ThreadStack{
		ThreadID:    int32(tid),
		ThreadName:  matches[2],
		StackFrames: []string{},
	}
}
