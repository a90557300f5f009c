// Copyright (c) OpenMMLab. All rights reserved.

package checkhang

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"oamix/pkg/cli/common"
	"oamix/pkg/logtail"
	"oamix/pkg/stacktrace"
	"oamix/pkg/storage"
	"oamix/pkg/textparser"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNode struct {
	mu        sync.Mutex
	logs      []*logtail.RankLog
	logsErr   error
	snapshots [][]*stacktrace.ProcessStack
	calls     int
}

func (f *fakeNode) Name() string { return "n1" }

func (f *fakeNode) GetRecentLogs(ctx context.Context, maxLines int) ([]*logtail.RankLog, error) {
	return f.logs, f.logsErr
}

func (f *fakeNode) GetProcessStacks(ctx context.Context, req stacktrace.Request) ([]*stacktrace.ProcessStack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := min(f.calls, len(f.snapshots)-1)
	f.calls++
	return f.snapshots[i], nil
}

func stack(rank string, pid int, frames ...string) *stacktrace.ProcessStack {
	return &stacktrace.ProcessStack{
		Type: "trainer",
		PID:  pid,
		Rank: rank,
		Threads: []*textparser.ThreadStack{
			{ThreadID: int32(pid), ThreadName: "MainThread", StackFrames: frames},
		},
	}
}

func silentLogs(seconds int32) []*logtail.RankLog {
	return []*logtail.RankLog{
		{Rank: "rank0", SuspendSeconds: seconds},
		{Rank: "rank1", SuspendSeconds: 3},
	}
}

func newChecker(t *testing.T, out io.Writer) (*Checker, *storage.EventStorage) {
	t.Helper()
	events, err := storage.NewEventStorage(t.TempDir(), 0, 0)
	require.NoError(t, err)
	return &Checker{
		Config: Config{MaxLines: 10, Threshold: 120, Samples: 3},
		Out:    out,
		Events: events,
		Sleep:  func(ctx context.Context, d time.Duration) error { return nil },
	}, events
}

func TestCheckNode(t *testing.T) {
	stuck := stack("RANK0", 10, "all_reduce (dist.py:10)")
	moving := func(step int) *stacktrace.ProcessStack {
		return stack("RANK1", 11, fmt.Sprintf("forward (model.py:%d)", step))
	}

	tests := []struct {
		name          string
		node          *fakeNode
		wantSuspects  int
		wantSnapshots int
		wantUnchanged []string
		wantDiffs     bool
	}{
		{
			name:         "logs fresh",
			node:         &fakeNode{logs: silentLogs(5)},
			wantSuspects: 0,
		},
		{
			name: "one rank stuck",
			node: &fakeNode{
				logs: silentLogs(300),
				snapshots: [][]*stacktrace.ProcessStack{
					{stuck, moving(1)},
					{stuck, moving(2)},
					{stuck, moving(3)},
				},
			},
			wantSuspects:  1,
			wantSnapshots: 3,
			wantUnchanged: []string{"RANK0"},
			wantDiffs:     true,
		},
		{
			name: "stack moves in the last sample",
			node: &fakeNode{
				logs: silentLogs(300),
				snapshots: [][]*stacktrace.ProcessStack{
					{stuck, moving(1)},
					{stuck, moving(1)},
					{stack("RANK0", 10, "backward (model.py:1)"), moving(1)},
				},
			},
			wantSuspects:  1,
			wantSnapshots: 3,
			wantUnchanged: []string{"RANK1"},
			wantDiffs:     true,
		},
		{
			name: "everything moves",
			node: &fakeNode{
				logs: silentLogs(300),
				snapshots: [][]*stacktrace.ProcessStack{
					{stack("RANK0", 10, "a"), moving(1)},
					{stack("RANK0", 10, "b"), moving(2)},
				},
			},
			wantSuspects:  1,
			wantSnapshots: 3,
			wantDiffs:     true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			c, events := newChecker(t, &out)

			report := c.CheckNode(context.Background(), tt.node)

			assert.Equal(t, "n1", report.Node)
			assert.Len(t, report.Suspects, tt.wantSuspects)
			assert.Equal(t, tt.wantSnapshots, report.Snapshots)
			assert.Equal(t, tt.wantUnchanged, report.Unchanged)
			assert.Equal(t, tt.wantDiffs, len(report.Diffs) > 0)

			hangs, err := events.LoadEvents(storage.EventFilter{Type: storage.TypeHang, Peek: true})
			require.NoError(t, err)
			if len(tt.wantUnchanged) > 0 {
				require.Len(t, hangs, 1)
				assert.Equal(t, storage.SourceMonitor, hangs[0].Source)
				assert.Equal(t, storage.SeverityCritical, hangs[0].Severity)
				assert.Contains(t, hangs[0].Message, tt.wantUnchanged[0])
			} else {
				assert.Empty(t, hangs)
			}
		})
	}
}

func TestCheckNode_LogsError(t *testing.T) {
	var out bytes.Buffer
	c, _ := newChecker(t, &out)

	report := c.CheckNode(context.Background(), &fakeNode{logsErr: errors.New("no launch log directories found")})

	assert.True(t, report.LogsFailed)
	assert.False(t, report.Hung())
	assert.Contains(t, out.String(), "Failed to get logs from node n1")
}

func TestCheckNode_SavesSnapshotsAndNotifies(t *testing.T) {
	var got []string
	var mu sync.Mutex
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		got = append(got, r.URL.Path)
		mu.Unlock()
	}))
	defer hook.Close()

	var out bytes.Buffer
	c, _ := newChecker(t, &out)
	c.Samples = 2
	c.StackDir = t.TempDir()
	c.NotifyWebhook = hook.URL + "/hook"

	stuck := stack("RANK0", 10, "all_reduce (dist.py:10)")
	report := c.CheckNode(context.Background(), &fakeNode{
		logs:      silentLogs(300),
		snapshots: [][]*stacktrace.ProcessStack{{stuck}},
	})
	require.True(t, report.Hung())

	files, err := os.ReadDir(c.StackDir)
	require.NoError(t, err)
	assert.NotEmpty(t, files)
	assert.Contains(t, out.String(), "No anomalies detected")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"/hook"}, got)
}

func TestRun(t *testing.T) {
	var out bytes.Buffer
	c, _ := newChecker(t, &out)
	stuck := stack("RANK0", 10, "all_reduce (dist.py:10)")

	reports := c.Run(context.Background(), []common.Node{
		&fakeNode{logs: silentLogs(300), snapshots: [][]*stacktrace.ProcessStack{{stuck}}},
	})

	require.Len(t, reports, 1)
	assert.True(t, reports[0].Hung())
	assert.Contains(t, out.String(), "Nodes with errors: [n1]")
	assert.Contains(t, out.String(), "Nodes with hung ranks: [n1]")
}

func TestSampleStacks_Canceled(t *testing.T) {
	var out bytes.Buffer
	c, _ := newChecker(t, &out)
	c.Sleep = nil
	c.SampleInterval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report := &Report{Node: "n1"}
	c.sampleStacks(ctx, &fakeNode{snapshots: [][]*stacktrace.ProcessStack{{stack("RANK0", 10, "x")}}}, report)

	assert.Equal(t, 1, report.Snapshots)
	assert.Empty(t, report.Unchanged)
}
