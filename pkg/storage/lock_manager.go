// Copyright (c) OpenMMLab. All rights reserved.

package storage

import (
	"sync"
)

// FileLockManager hands out one mutex per event file
type FileLockManager struct {
	locks map[string]*sync.Mutex
	mutex sync.Mutex
}

func NewFileLockManager() *FileLockManager {
	return &FileLockManager{
		locks: make(map[string]*sync.Mutex),
	}
}

func (m *FileLockManager) GetLock(filePath string) *sync.Mutex {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	lock, ok := m.locks[filePath]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[filePath] = lock
	}
	return lock
}
