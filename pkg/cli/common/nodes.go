// Copyright (c) OpenMMLab. All rights reserved.

package common

import (
	"context"

	"oamix/pkg/logtail"
	"oamix/pkg/scripts"
	"oamix/pkg/stacktrace"
	"oamix/pkg/statusserver"
)

const (
	LocalNodeName        = "local"
	defaultMaxConcurrent = 8
)

// Node is a training node as the inspection commands see it.
type Node interface {
	Name() string
	GetRecentLogs(ctx context.Context, maxLines int) ([]*logtail.RankLog, error)
	GetProcessStacks(ctx context.Context, req stacktrace.Request) ([]*stacktrace.ProcessStack, error)
}

// LocalNode reads the work dir and the processes of this machine.
type LocalNode struct {
	Logs          logtail.Interface
	Finder        *scripts.Finder
	MaxConcurrent int
}

func NewLocalNode(workDir, launcherPattern string) *LocalNode {
	return &LocalNode{
		Logs:          logtail.NewFileReader(workDir),
		Finder:        scripts.NewFinder(launcherPattern),
		MaxConcurrent: defaultMaxConcurrent,
	}
}

func (n *LocalNode) Name() string { return LocalNodeName }

func (n *LocalNode) GetRecentLogs(ctx context.Context, maxLines int) ([]*logtail.RankLog, error) {
	return n.Logs.GetRecentLogs(ctx, maxLines)
}

func (n *LocalNode) GetProcessStacks(ctx context.Context, req stacktrace.Request) ([]*stacktrace.ProcessStack, error) {
	return stacktrace.NewPythonStack(n.Finder, n.MaxConcurrent, req).GetProcessStacks(ctx)
}

// RemoteNode asks the status server of another node.
type RemoteNode struct {
	Addr   string
	Client *statusserver.Client
}

func NewRemoteNode(addr, port string) *RemoteNode {
	return &RemoteNode{Addr: addr, Client: statusserver.NewClient(addr, port)}
}

func (n *RemoteNode) Name() string { return n.Addr }

func (n *RemoteNode) GetRecentLogs(ctx context.Context, maxLines int) ([]*logtail.RankLog, error) {
	resp, err := n.Client.GetRecentLogs(ctx, maxLines)
	if err != nil {
		return nil, err
	}
	return resp.RankLogs, nil
}

func (n *RemoteNode) GetProcessStacks(ctx context.Context, req stacktrace.Request) ([]*stacktrace.ProcessStack, error) {
	resp, err := n.Client.GetProcessStacks(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Processes, nil
}

// Targets returns the listed nodes, or this node when the address list is
// empty.
func (r *Resolver) Targets() ([]Node, error) {
	addrs, err := r.Nodes()
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		workDir := r.WorkDir()
		pattern := r.String("launcher-pattern", scripts.DefaultLauncherPattern)
		return []Node{NewLocalNode(workDir, pattern)}, nil
	}
	port := r.String("port", DefaultPort)
	nodes := make([]Node, 0, len(addrs))
	for _, addr := range addrs {
		nodes = append(nodes, NewRemoteNode(addr, port))
	}
	return nodes, nil
}
