// Copyright (c) OpenMMLab. All rights reserved.

package stacks

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"oamix/pkg/cli/common"
	"oamix/pkg/logtail"
	"oamix/pkg/stacktrace"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNode struct {
	name      string
	processes []*stacktrace.ProcessStack
	err       error
	gotReq    stacktrace.Request
}

func (f *fakeNode) Name() string { return f.name }

func (f *fakeNode) GetRecentLogs(ctx context.Context, maxLines int) ([]*logtail.RankLog, error) {
	return nil, nil
}

func (f *fakeNode) GetProcessStacks(ctx context.Context, req stacktrace.Request) ([]*stacktrace.ProcessStack, error) {
	f.gotReq = req
	return f.processes, f.err
}

func TestNewRequest(t *testing.T) {
	tests := []struct {
		name    string
		ptype   string
		rank    string
		want    stacktrace.Request
		wantErr bool
	}{
		{name: "empty", want: stacktrace.Request{}},
		{name: "number", rank: "3", want: stacktrace.Request{Rank: "RANK3"}},
		{name: "rank name", rank: "rank12", ptype: "trainer", want: stacktrace.Request{Rank: "RANK12", ProcessType: "trainer"}},
		{name: "dataloader", ptype: "dataloader", want: stacktrace.Request{ProcessType: "dataloader"}},
		{name: "bad type", ptype: "launcher", wantErr: true},
		{name: "bad rank", rank: "x", wantErr: true},
		{name: "negative rank", rank: "-1", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewRequest(tt.ptype, tt.rank)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCollect(t *testing.T) {
	ok := &fakeNode{name: "n1", processes: []*stacktrace.ProcessStack{{Rank: "RANK0", PID: 10}}}
	partial := &fakeNode{name: "n2", processes: []*stacktrace.ProcessStack{{Rank: "RANK1", PID: 11}}, err: errors.New("pid 12 gone")}
	down := &fakeNode{name: "n3", err: errors.New("connection refused")}

	var out bytes.Buffer
	req := stacktrace.Request{Rank: "RANK0"}
	got := Collect(context.Background(), &out, []common.Node{ok, partial, down}, req)

	require.Len(t, got, 2)
	assert.Equal(t, "n1", got[0].Node)
	assert.Equal(t, "n2", got[1].Node)
	assert.False(t, got[0].SnapshotTime.IsZero())
	assert.Equal(t, req, ok.gotReq)
	assert.Contains(t, out.String(), "node n2: pid 12 gone")
	assert.Contains(t, out.String(), "node n3: connection refused")
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "http_10.0.0.1_50051", sanitize("http://10.0.0.1:50051"))
	assert.Equal(t, "local", sanitize("local"))
}
