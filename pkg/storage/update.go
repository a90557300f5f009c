// Copyright (c) OpenMMLab. All rights reserved.

package storage

import (
	"sync"
)

// PendingUpdateManager collects acknowledgements until they are flushed.
type PendingUpdateManager struct {
	updates map[string]map[string]EventUpdate // filePath -> eventID -> update
	mutex   sync.Mutex
}

type EventUpdate struct {
	Processed   bool
	ProcessedAt int64
}

func NewPendingUpdateManager() *PendingUpdateManager {
	return &PendingUpdateManager{
		updates: make(map[string]map[string]EventUpdate),
	}
}

func (m *PendingUpdateManager) AddUpdate(filePath, eventID string, update EventUpdate) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, exists := m.updates[filePath]; !exists {
		m.updates[filePath] = make(map[string]EventUpdate)
	}
	m.updates[filePath][eventID] = update
}

// Drain returns the pending updates and forgets them.
func (m *PendingUpdateManager) Drain() map[string]map[string]EventUpdate {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	updates := m.updates
	m.updates = make(map[string]map[string]EventUpdate)
	return updates
}
