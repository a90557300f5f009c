// Copyright (c) OpenMMLab. All rights reserved.

package scripts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"oamix/logger"

	"go.uber.org/zap"
)

var ErrNoLauncher = errors.New("no launcher processes found")

const processTemplate = `#!/bin/bash

launcher_pids=$(pgrep -f '{{.Pattern}}')

if [ -z "$launcher_pids" ]; then
    echo '{"error": "no launcher processes found"}'
    exit 0
fi

echo '['
first_entry=true

for launcher_pid in $launcher_pids; do
    # direct children of the launcher are the training ranks
    for train_pid in $(pgrep -P $launcher_pid); do
        rank=""
        local_rank=""
        if [ -r /proc/$train_pid/environ ]; then
            env_data=$(tr '\0' '\n' < /proc/$train_pid/environ 2>/dev/null)
            rank=$(grep "^RANK=" <<< "$env_data" | cut -d= -f2)
            local_rank=$(grep "^LOCAL_RANK=" <<< "$env_data" | cut -d= -f2)
        fi

        if [[ "$rank" =~ ^[0-9]+$ ]]; then
            [[ "$local_rank" =~ ^[0-9]+$ ]] || local_rank=-1
            if [ "$first_entry" = true ]; then
                first_entry=false
            else
                echo ','
            fi
            echo -n "  {\"type\": \"trainer\", \"pid\": $train_pid, \"ppid\": $launcher_pid, \"rank\": $rank, \"local_rank\": $local_rank}"

            for worker_pid in $(pgrep -P $train_pid -x 'pt_data_worker'); do
                echo ','
                echo -n "  {\"type\": \"dataloader\", \"pid\": $worker_pid, \"ppid\": $train_pid, \"rank\": $rank, \"local_rank\": $local_rank}"
            done
        fi
    done
done

echo
echo ']'
`

var processTmpl = template.Must(template.New("process").Parse(processTemplate))

func NewFinder(pattern string) *Finder {
	if pattern == "" {
		pattern = DefaultLauncherPattern
	}
	return &Finder{Pattern: pattern}
}

// GetProcessInfo lists the trainer processes started by the launchers
// matching the pattern on this node.
func (f *Finder) GetProcessInfo(ctx context.Context) ([]ProcessInfo, error) {
	if strings.ContainsRune(f.Pattern, '\'') {
		return nil, fmt.Errorf("launcher pattern must not contain a single quote: %s", f.Pattern)
	}
	output, err := executeScript(ctx, processTmpl, f)
	if err != nil {
		logger.Logger.Error("Failed to execute process information script",
			zap.Error(err),
			zap.String("output", string(output)))
		return nil, err
	}
	return parseProcessOutput(output)
}

// GetCurrentNodeRankRange returns the rank range of the current node
func (f *Finder) GetCurrentNodeRankRange(ctx context.Context) (minNum, maxNum int, err error) {
	processes, err := f.GetProcessInfo(ctx)
	if err != nil {
		return 0, 0, err
	}
	return RankRange(processes)
}

func parseProcessOutput(output []byte) ([]ProcessInfo, error) {
	var jsonErr struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(output, &jsonErr); err == nil && jsonErr.Error != "" {
		return nil, ErrNoLauncher
	}

	var processes []ProcessInfo
	if err := json.Unmarshal(output, &processes); err != nil {
		logger.Logger.Error("Failed to parse process information JSON",
			zap.Error(err),
			zap.String("output", string(output)))
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}

	return processes, nil
}

// RankRange returns the lowest and highest rank among the trainers.
func RankRange(processes []ProcessInfo) (minNum, maxNum int, err error) {
	found := false
	for _, p := range processes {
		if p.Type != TypeTrainer {
			continue
		}
		if !found {
			minNum, maxNum, found = p.Rank, p.Rank, true
			continue
		}
		minNum = min(minNum, p.Rank)
		maxNum = max(maxNum, p.Rank)
	}
	if !found {
		return 0, 0, fmt.Errorf("no valid training processes with RANK found")
	}
	return minNum, maxNum, nil
}
