// Copyright (c) OpenMMLab. All rights reserved.

package stacktrace

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"

	"oamix/logger"
	"oamix/pkg/scripts"
	"oamix/pkg/textparser"

	"go.uber.org/zap"
)

var _ Interface = &PythonStack{}

func NewPythonStack(finder *scripts.Finder, maxConcurrent int, req Request) *PythonStack {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &PythonStack{
		sem:        make(chan struct{}, maxConcurrent),
		req:        req,
		textParser: &textparser.StackParser{},
		list:       finder.GetProcessInfo,
		fetch:      pyStack,
	}
}

// RankName is the display name of a global rank.
func RankName(rank int) string {
	return fmt.Sprintf("RANK%d", rank)
}

// GetProcessStacks dumps the python stacks of the training processes selected
// by the request, ordered by rank then pid. Processes whose dump failed are
// left out and their errors joined.
func (s *PythonStack) GetProcessStacks(ctx context.Context) ([]*ProcessStack, error) {
	processes, err := s.list(ctx)
	if err != nil {
		logger.Logger.Error("Failed to get training process information", zap.Error(err))
		return nil, fmt.Errorf("failed to get training process information: %w", err)
	}

	var (
		wg            sync.WaitGroup
		mu            sync.Mutex
		errs          []error
		processesInfo = make([]*ProcessStack, 0, len(processes))
	)
	for _, proc := range processes {
		rank := RankName(proc.Rank)
		if s.req.ProcessType != "" && proc.Type != s.req.ProcessType {
			continue
		}
		if s.req.Rank != "" && !strings.EqualFold(s.req.Rank, rank) {
			continue
		}
		procInfo := &ProcessStack{
			Type:      proc.Type,
			PID:       proc.PID,
			PPID:      proc.PPID,
			Rank:      rank,
			LocalRank: proc.LocalRank,
		}

		wg.Add(1)
		go func(procInfo *ProcessStack) {
			defer wg.Done()
			stack, err := s.Fetch(ctx, procInfo.PID)
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s pid %d: %w", procInfo.Rank, procInfo.PID, err))
				mu.Unlock()
				return
			}

			threads, err := textparser.ParseWithType(ctx, s.textParser, []string{stack})
			if err != nil {
				logger.Logger.Warn("failed to parse stack", zap.Int("pid", procInfo.PID), zap.Error(err))
			}
			procInfo.Threads = threads

			mu.Lock()
			processesInfo = append(processesInfo, procInfo)
			mu.Unlock()
		}(procInfo)
	}

	wg.Wait()

	sort.Slice(processesInfo, func(i, j int) bool {
		a, b := processesInfo[i], processesInfo[j]
		if a.Rank != b.Rank {
			na, _ := strconv.Atoi(strings.TrimPrefix(a.Rank, "RANK"))
			nb, _ := strconv.Atoi(strings.TrimPrefix(b.Rank, "RANK"))
			return na < nb
		}
		return a.PID < b.PID
	})

	return processesInfo, errors.Join(errs...)
}

// Fetch runs the dump while holding a semaphore slot
func (s *PythonStack) Fetch(ctx context.Context, pid int) (string, error) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	defer func() { <-s.sem }()

	return s.fetch(ctx, pid)
}

// Get stack using pystack
func pyStack(ctx context.Context, pid int) (string, error) {
	cmd := exec.CommandContext(ctx, "pystack", "remote", strconv.Itoa(pid))
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("pystack error: %w\noutput: %s", err, output)
	}
	return string(output), nil
}
