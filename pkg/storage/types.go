// Copyright (c) OpenMMLab. All rights reserved.

package storage

import "sync"

const (
	// DirName is the event directory under the work dir
	DirName = "launch_events"

	defaultMaxSize  = 10 * 1024 * 1024 // 10MB
	defaultFilePerm = 0644
	defaultDirPerm  = 0755
)

// Event types written by oamix-run.
const (
	TypeLaunch   = "launch"
	TypeRankExit = "rank_exit"
	TypeAlert    = "alert"
	TypeHang     = "hang"
)

// Event sources.
const (
	SourceLauncher = "launcher"
	SourceTraining = "training"
	SourceMonitor  = "monitor"
)

const (
	SeverityInfo int32 = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

type EventEntry struct {
	ID          string   `json:"id"`
	Source      string   `json:"source"`
	Type        string   `json:"type"`
	RunID       string   `json:"run_id"`
	Message     string   `json:"message"`
	Timestamp   int64    `json:"timestamp"` // milliseconds
	Severity    int32    `json:"severity"`
	Metadata    Metadata `json:"metadata,omitempty"`
	Processed   bool     `json:"processed"`
	ProcessedAt int64    `json:"processed_at"`
}

type Metadata map[string]interface{}

type eventFile struct {
	Events []EventEntry `json:"events"`
}

// EventStorage appends events to JSON files named
// node<NODE_RANK>_events_<date>_<id>.json and rotates them by size.
type EventStorage struct {
	baseDir        string
	filePrefix     string
	maxFileSize    int64
	currentFile    string
	currentMutex   sync.Mutex
	indexMutex     sync.RWMutex
	fileIndexes    map[string]*FileIndex
	pendingUpdates *PendingUpdateManager
	lockManager    *FileLockManager
}

// FileIndex summarizes one event file so queries can skip it unread.
type FileIndex struct {
	Path         string
	MinTime      int64
	MaxTime      int64
	MaxSeverity  int32
	EventTypes   map[string]bool
	AllProcessed bool
}

// EventFilter selects events. Zero fields match everything; a zero EndTime
// means now. Returned events are acknowledged unless Peek is set.
type EventFilter struct {
	StartTime   int64
	EndTime     int64
	MinSeverity int32
	Type        string
	Source      string
	RunID       string
	Unprocessed bool
	Peek        bool
	Limit       int
}
