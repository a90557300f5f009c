// Copyright (c) OpenMMLab. All rights reserved.

package statusserver

import (
	"time"

	"oamix/pkg/logtail"
	"oamix/pkg/stacktrace"
	"oamix/pkg/storage"
)

// RunInfo describes the launch served by this node.
type RunInfo struct {
	RunID      string    `json:"run_id"`
	Backend    string    `json:"backend"`
	NNodes     int       `json:"nnodes"`
	NodeRank   int       `json:"node_rank"`
	MasterAddr string    `json:"master_addr"`
	MasterPort int       `json:"master_port"`
	GPUs       int       `json:"gpus"`
	WorkDir    string    `json:"work_dir"`
	Commands   []string  `json:"commands"`
	StartTime  time.Time `json:"start_time"`
	Version    string    `json:"version,omitempty"`
}

// SendEventRequest is the body of a Feishu text message, the format training
// scripts already post to their alert webhooks.
type SendEventRequest struct {
	MsgType string  `json:"msg_type"`
	Content Content `json:"content"`
}

type Content struct {
	Text string `json:"text"`
}

type LogsResponse struct {
	Node     string             `json:"node,omitempty"`
	RankLogs []*logtail.RankLog `json:"rank_logs"`
}

type StacksResponse struct {
	Node           string                     `json:"node,omitempty"`
	TotalProcesses int                        `json:"total_processes"`
	Processes      []*stacktrace.ProcessStack `json:"processes"`
	SnapshotTime   time.Time                  `json:"snapshot_time"`
}

type EventsResponse struct {
	Events []storage.EventEntry `json:"events"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// StackSource builds the stack dumper for one request.
type StackSource func(req stacktrace.Request) stacktrace.Interface
