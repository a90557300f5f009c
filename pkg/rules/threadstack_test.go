// Copyright (c) OpenMMLab. All rights reserved.

package rules

import (
	"context"
	"reflect"
	"testing"

	"oamix/pkg/stacktrace"
	"oamix/pkg/textparser"

	"github.com/stretchr/testify/assert"
)

func proc(rank string, pid int, threads ...*textparser.ThreadStack) *stacktrace.ProcessStack {
	return &stacktrace.ProcessStack{Type: "trainer", Rank: rank, PID: pid, Threads: threads}
}

func thread(id int32, frames ...string) *textparser.ThreadStack {
	return &textparser.ThreadStack{ThreadID: id, StackFrames: frames}
}

func TestThreadsStacksEqual(t *testing.T) {
	type args struct {
		processa *stacktrace.ProcessStack
		processb *stacktrace.ProcessStack
	}
	tests := []struct {
		name      string
		args      args
		wantEqual bool
		wantDiff  string
		wantErr   bool
	}{
		{
			name: "same stacks, thread order differs",
			args: args{
				processa: proc("RANK0", 112, thread(345, "bbbb", "aaaa"), thread(123, "aaaa", "bbbb")),
				processb: proc("RANK0", 112, thread(123, "aaaa", "bbbb"), thread(345, "bbbb", "aaaa")),
			},
			wantEqual: true,
		},
		{
			name: "thread count",
			args: args{
				processa: proc("RANK0", 112, thread(1, "a")),
				processb: proc("RANK0", 112, thread(1, "a"), thread(2, "b")),
			},
			wantDiff: "Detected different number of threads in process stack. RANK0, Process type: trainer, Process ID:112\n[time1]Thread count: 1\n[time2]Thread count: 2\n",
		},
		{
			name: "thread ids",
			args: args{
				processa: proc("RANK0", 112, thread(1, "a")),
				processb: proc("RANK0", 112, thread(2, "a")),
			},
			wantDiff: "Detected different thread IDs. RANK0, Process type: trainer, Process ID:112\n[time1]Thread ID: 1\n[time2]Thread ID: 2\n",
		},
		{
			name: "frame count",
			args: args{
				processa: proc("RANK0", 112, thread(1, "a")),
				processb: proc("RANK0", 112, thread(1, "a", "b")),
			},
			wantDiff: "Detected different number of thread stack frames. RANK0, Process type: trainer, Process ID:112, Thread ID: 1\n[time1]Frame count: 1\n[time2]Frame count: 2\n",
		},
		{
			name: "frame content",
			args: args{
				processa: proc("RANK0", 112, thread(1, "a", "line 553")),
				processb: proc("RANK0", 112, thread(1, "a", "line 563")),
			},
			wantDiff: "Detected different process stacks. RANK0, Process type: trainer, Process ID:112, Thread ID: 1, Stack frame level: 2\n[time1]Stack frame content: line 553\n[time2]Stack frame content: line 563\n",
		},
		{
			name:    "different ranks",
			args:    args{processa: proc("RANK0", 1), processb: proc("RANK1", 1)},
			wantErr: true,
		},
		{
			name:    "different pids",
			args:    args{processa: proc("RANK0", 1), processb: proc("RANK0", 2)},
			wantErr: true,
		},
		{
			name:    "nil",
			args:    args{processa: proc("RANK0", 1)},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotEqual, gotDiff, err := ThreadsStacksEqual(context.TODO(), "time1", "time2", tt.args.processa, tt.args.processb)
			if (err != nil) != tt.wantErr {
				t.Errorf("ThreadsStacksEqual() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if gotEqual != tt.wantEqual {
				t.Errorf("ThreadsStacksEqual() gotEqual = %v, want %v", gotEqual, tt.wantEqual)
			}
			if gotDiff != tt.wantDiff {
				t.Errorf("ThreadsStacksEqual() gotDiff = %v, want %v", gotDiff, tt.wantDiff)
			}
		})
	}
}

func TestPstreeEqual(t *testing.T) {
	before := []*stacktrace.ProcessStack{
		proc("RANK1", 20, thread(20, "train.py line 10", "loss.py line 88")),
		proc("RANK0", 10, thread(10, "train.py line 10", "loss.py line 88")),
	}
	after := []*stacktrace.ProcessStack{
		proc("RANK0", 10, thread(10, "train.py line 10", "loss.py line 88")),
		proc("RANK1", 20, thread(20, "train.py line 10", "loss.py line 90")),
	}
	tests := []struct {
		name    string
		psa     []*stacktrace.ProcessStack
		psb     []*stacktrace.ProcessStack
		want    bool
		want1   []ProcessStackDiff
		wantErr bool
	}{
		{
			name:  "identical",
			psa:   before,
			psb:   before,
			want:  true,
			want1: []ProcessStackDiff{},
		},
		{
			name: "rank1 moved",
			psa:  before,
			psb:  after,
			want: false,
			want1: []ProcessStackDiff{
				{
					Rank:  "RANK1",
					PType: "trainer",
					PID:   20,
					Diff:  "Detected different process stacks. RANK1, Process type: trainer, Process ID:20, Thread ID: 20, Stack frame level: 2\n[time1]Stack frame content: loss.py line 88\n[time2]Stack frame content: loss.py line 90\n",
				},
			},
		},
		{
			name:    "count mismatch",
			psa:     before,
			psb:     after[:1],
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, got1, err := PstreeEqual(context.TODO(), "time1", "time2", tt.psa, tt.psb)
			if (err != nil) != tt.wantErr {
				t.Errorf("PstreeEqual() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if got != tt.want {
				t.Errorf("PstreeEqual() got = %v, want %v", got, tt.want)
			}
			if !reflect.DeepEqual(got1, tt.want1) {
				t.Errorf("PstreeEqual() got1 = %v, want %v", got1, tt.want1)
			}
		})
	}

	// the caller's slices keep their order
	assert.Equal(t, "RANK1", before[0].Rank)
}

func TestUnchangedRanks(t *testing.T) {
	before := []*stacktrace.ProcessStack{
		proc("RANK2", 30, thread(30, "a")),
		proc("RANK10", 40, thread(40, "a")),
		proc("RANK1", 20, thread(20, "a")),
		{Type: "dataloader", Rank: "RANK1", PID: 21, Threads: []*textparser.ThreadStack{thread(21, "w")}},
		proc("RANK0", 10, thread(10, "a")),
	}
	after := []*stacktrace.ProcessStack{
		proc("RANK0", 10, thread(10, "b")),
		proc("RANK1", 20, thread(20, "a")),
		{Type: "dataloader", Rank: "RANK1", PID: 21, Threads: []*textparser.ThreadStack{thread(21, "x")}},
		proc("RANK2", 30, thread(30, "a")),
		proc("RANK10", 40, thread(40, "a")),
	}

	assert.Equal(t, []string{"RANK2", "RANK10"}, UnchangedRanks(context.TODO(), before, after))
	assert.Empty(t, UnchangedRanks(context.TODO(), before, nil))
}
