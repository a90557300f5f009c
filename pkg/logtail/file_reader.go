// Copyright (c) OpenMMLab. All rights reserved.

package logtail

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"oamix/logger"
	"oamix/pkg/textparser"
	"oamix/pkg/utils"

	"go.uber.org/zap"
)

var ErrNoLogDir = errors.New("no launch log directories found")

// validTimeFloor separates real timestamps from zero or epoch values.
var validTimeFloor = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.Local)

func NewFileReader(workDir string) *FileReader {
	return &FileReader{
		workDir:   workDir,
		logParser: &textparser.LogParser{},
		now:       time.Now,
	}
}

// RunDir is the log directory of the launch named run.
func RunDir(workDir, run string) string {
	return filepath.Join(workDir, LogDirName, run)
}

// GetRecentLogs returns the last maxLines lines of every process log of the
// latest launch, ordered by rank.
func (s *FileReader) GetRecentLogs(ctx context.Context, maxLines int) ([]*RankLog, error) {
	if maxLines <= 0 {
		return nil, fmt.Errorf("max lines must be positive, got %d", maxLines)
	}
	logDir, err := getLatestLogDir(filepath.Join(s.workDir, LogDirName))
	if err != nil {
		return nil, fmt.Errorf("log directory not found: %w", err)
	}

	names, err := filepath.Glob(filepath.Join(logDir, "*.log"))
	if err != nil {
		return nil, err
	}
	ranks := make([]string, 0, len(names))
	for _, name := range names {
		ranks = append(ranks, strings.TrimSuffix(filepath.Base(name), ".log"))
	}
	slices.SortFunc(ranks, utils.CompareRank)

	rankLogs := make([]*RankLog, 0, len(ranks))
	for _, rank := range ranks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		lines, fmodTime, err := readRankLogTail(logDir, rank, maxLines)
		if err != nil {
			// Partial failure doesn't affect other ranks
			lines = []string{fmt.Sprintf("Log reading failed: %v", err)}
		}
		for i := range lines {
			lines[i] = utils.CleanUTF8(lines[i])
		}

		entries, err := textparser.ParseWithType(ctx, s.logParser, lines)
		if err != nil {
			logger.Logger.Error("LogParser ParseWithType", zap.Error(err))
		}

		now := s.now()
		ranklog := &RankLog{
			Rank:     rank,
			TailTime: now,
		}
		if len(entries) > 0 {
			latestTime := getLatestTime(entries, fmodTime)
			if latestTime.Before(validTimeFloor) {
				ranklog.SuspendSeconds = NoTimeSuspend
			} else {
				ranklog.SuspendSeconds = int32(now.Sub(latestTime).Seconds())
			}
			ranklog.Entries = entries
		}

		rankLogs = append(rankLogs, ranklog)
	}

	return rankLogs, nil
}

// Log timestamps win over the file modification time.
func getLatestTime(entries []*textparser.LogEntry, fmodTime time.Time) time.Time {
	var latestTime time.Time
	for _, entry := range entries {
		if entry.Timestamp.After(latestTime) {
			latestTime = entry.Timestamp
		}
	}
	if latestTime.Before(validTimeFloor) {
		return fmodTime
	}
	return latestTime
}

// The newest run directory, runs do not overlap on one node.
func getLatestLogDir(root string) (string, error) {
	files, err := os.ReadDir(root)
	if err != nil {
		return "", err
	}

	var dirs []os.FileInfo
	for _, f := range files {
		if !f.IsDir() {
			continue
		}
		info, err := f.Info()
		if err != nil {
			logger.Logger.Warn("failed to stat log directory", zap.String("name", f.Name()), zap.Error(err))
			continue
		}
		dirs = append(dirs, info)
	}

	if len(dirs) == 0 {
		return "", ErrNoLogDir
	}

	// newest first, names are timestamps so they break ties
	sort.Slice(dirs, func(i, j int) bool {
		if !dirs[i].ModTime().Equal(dirs[j].ModTime()) {
			return dirs[i].ModTime().After(dirs[j].ModTime())
		}
		return dirs[i].Name() > dirs[j].Name()
	})

	return filepath.Join(root, dirs[0].Name()), nil
}

func readRankLogTail(logDir string, rank string, lines int) ([]string, time.Time, error) {
	var fileModTime time.Time
	logFile := filepath.Join(logDir, rank+".log")
	file, err := os.Open(logFile)
	if err != nil {
		return nil, fileModTime, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	const maxCapacity = 1024 * 1024
	scanner.Buffer(make([]byte, 64*1024), maxCapacity)

	ringBuffer := make([]string, lines)
	index := 0
	lineCount := 0
	for scanner.Scan() {
		ringBuffer[index] = scanner.Text()
		index = (index + 1) % lines
		lineCount++
	}
	if err := scanner.Err(); err != nil {
		logger.Logger.Error("Log scanning error", zap.String("file", logFile), zap.Error(err))
		return nil, fileModTime, fmt.Errorf("log scanning error: %w", err)
	}

	start := 0
	if lineCount > lines {
		start = index
	}
	logLines := make([]string, 0, min(lineCount, lines))
	for i := 0; i < min(lineCount, lines); i++ {
		logLines = append(logLines, ringBuffer[(start+i)%lines])
	}

	if fstat, err := file.Stat(); err == nil {
		fileModTime = fstat.ModTime()
	} else {
		logger.Logger.Error("failed to fetch file stat", zap.String("file", logFile), zap.Error(err))
	}

	return logLines, fileModTime, nil
}
