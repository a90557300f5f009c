// Copyright (c) OpenMMLab. All rights reserved.

package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPendingUpdateManager(t *testing.T) {
	manager := NewPendingUpdateManager()
	first := EventUpdate{Processed: true, ProcessedAt: 1234567890}
	second := EventUpdate{Processed: true, ProcessedAt: 9876543210}

	manager.AddUpdate("/events/a.json", "event1", first)
	manager.AddUpdate("/events/a.json", "event2", second)
	manager.AddUpdate("/events/b.json", "event3", first)

	drained := manager.Drain()
	assert.Len(t, drained, 2)
	assert.Equal(t, first, drained["/events/a.json"]["event1"])
	assert.Equal(t, second, drained["/events/a.json"]["event2"])
	assert.Equal(t, first, drained["/events/b.json"]["event3"])

	assert.Empty(t, manager.Drain())
}

func TestFileLockManager(t *testing.T) {
	m := NewFileLockManager()
	a := m.GetLock("a")
	assert.Same(t, a, m.GetLock("a"))
	assert.NotSame(t, a, m.GetLock("b"))
}
