// Copyright (c) OpenMMLab. All rights reserved.

package ranks

import (
	"bytes"
	"strings"
	"testing"

	"oamix/pkg/scripts"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrintProcesses(t *testing.T) {
	tests := []struct {
		name      string
		processes []scripts.ProcessInfo
		wantRows  int
		wantLast  string
	}{
		{
			name: "trainers and worker",
			processes: []scripts.ProcessInfo{
				{Type: scripts.TypeTrainer, PID: 100, PPID: 1, Rank: 4, LocalRank: 0},
				{Type: scripts.TypeTrainer, PID: 101, PPID: 1, Rank: 5, LocalRank: 1},
				{Type: scripts.TypeDataloader, PID: 200, PPID: 100, Rank: 4, LocalRank: 0},
			},
			wantRows: 4,
			wantLast: "Ranks on this node: 4-5",
		},
		{
			name: "only workers",
			processes: []scripts.ProcessInfo{
				{Type: scripts.TypeDataloader, PID: 200, PPID: 100, Rank: 4},
			},
			wantRows: 2,
			wantLast: "No rank found: no valid training processes with RANK found",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			require.NoError(t, PrintProcesses(&out, tt.processes))

			lines := strings.Split(strings.TrimSpace(out.String()), "\n")
			require.Len(t, lines, tt.wantRows+1)
			assert.True(t, strings.HasPrefix(lines[0], "TYPE"))
			assert.Equal(t, tt.wantLast, lines[len(lines)-1])
		})
	}
}
