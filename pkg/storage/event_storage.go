// Copyright (c) OpenMMLab. All rights reserved.

package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"oamix/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Dir is the event directory of a work dir.
func Dir(workDir string) string {
	return filepath.Join(workDir, DirName)
}

// FilePrefix is the file name prefix of the events written by one node.
func FilePrefix(nodeRank int) string {
	return "node" + strconv.Itoa(nodeRank) + "_events_"
}

func NewEventStorage(baseDir string, nodeRank int, maxFileSize int64) (*EventStorage, error) {
	if baseDir == "" {
		return nil, errors.New("event storage directory is empty")
	}
	if maxFileSize <= 0 {
		maxFileSize = defaultMaxSize
	}

	if err := os.MkdirAll(baseDir, defaultDirPerm); err != nil {
		return nil, err
	}

	storage := &EventStorage{
		baseDir:        baseDir,
		maxFileSize:    maxFileSize,
		fileIndexes:    make(map[string]*FileIndex),
		pendingUpdates: NewPendingUpdateManager(),
		lockManager:    NewFileLockManager(),
		filePrefix:     FilePrefix(nodeRank),
	}

	if err := storage.initializeStorage(); err != nil {
		return nil, err
	}

	return storage, nil
}

func (s *EventStorage) getFileLock(filePath string) *sync.Mutex {
	return s.lockManager.GetLock(filePath)
}

// initializeStorage indexes the events every node left in baseDir, so a
// shared work dir can be queried from any node.
func (s *EventStorage) initializeStorage() error {
	files, err := os.ReadDir(s.baseDir)
	if err != nil {
		return err
	}

	for _, file := range files {
		if file.IsDir() || filepath.Ext(file.Name()) != ".json" || !strings.Contains(file.Name(), "_events_") {
			continue
		}
		path := filepath.Join(s.baseDir, file.Name())
		if err := s.indexFile(path); err != nil {
			logger.Logger.Info("Indexing failed for", zap.String("filePath", path), zap.Error(err))
		}
	}

	return nil
}

// rotate starts a new event file. currentMutex must be held.
func (s *EventStorage) rotate() error {
	newFileName := s.filePrefix + time.Now().Format("20060102") + "_" + uuid.New().String()[:8] + ".json"
	path := filepath.Join(s.baseDir, newFileName)

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, defaultFilePerm)
	if err != nil {
		return err
	}
	defer file.Close()
	if _, err := file.WriteString(`{"events":[]}`); err != nil {
		return err
	}

	s.currentFile = path
	return nil
}

// StoreEvent fills in a missing id, timestamp and type, appends the event and
// returns the file it was written to.
func (s *EventStorage) StoreEvent(event EventEntry) (string, error) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	if event.Type == "" {
		event.Type = TypeAlert
	}

	s.currentMutex.Lock()
	defer s.currentMutex.Unlock()

	if s.currentFile == "" {
		if err := s.rotate(); err != nil {
			return "", err
		}
	}
	if info, err := os.Stat(s.currentFile); err == nil && info.Size() > s.maxFileSize {
		if err := s.rotate(); err != nil {
			return "", err
		}
	}

	path := s.currentFile
	fileLock := s.getFileLock(path)
	fileLock.Lock()
	defer fileLock.Unlock()

	content, err := readEventFile(path)
	if err != nil {
		return "", err
	}
	content.Events = append(content.Events, event)
	if err := writeEventFile(path, content); err != nil {
		return "", err
	}

	s.updateFileIndex(path, event)

	return path, nil
}

func (s *EventStorage) updateFileIndex(path string, event EventEntry) {
	s.indexMutex.Lock()
	defer s.indexMutex.Unlock()

	idx, ok := s.fileIndexes[path]
	if !ok {
		s.fileIndexes[path] = &FileIndex{
			Path:         path,
			MinTime:      event.Timestamp,
			MaxTime:      event.Timestamp,
			MaxSeverity:  event.Severity,
			EventTypes:   map[string]bool{event.Type: true},
			AllProcessed: event.Processed,
		}
		return
	}
	idx.MinTime = min(idx.MinTime, event.Timestamp)
	idx.MaxTime = max(idx.MaxTime, event.Timestamp)
	idx.MaxSeverity = max(idx.MaxSeverity, event.Severity)
	idx.AllProcessed = idx.AllProcessed && event.Processed
	idx.EventTypes[event.Type] = true
}

func (s *EventStorage) indexFile(path string) error {
	content, err := readEventFile(path)
	if err != nil {
		return err
	}
	if len(content.Events) == 0 {
		return nil
	}

	idx := &FileIndex{
		Path:         path,
		MinTime:      content.Events[0].Timestamp,
		MaxTime:      content.Events[0].Timestamp,
		EventTypes:   make(map[string]bool),
		AllProcessed: true,
	}
	for _, event := range content.Events {
		idx.MinTime = min(idx.MinTime, event.Timestamp)
		idx.MaxTime = max(idx.MaxTime, event.Timestamp)
		idx.MaxSeverity = max(idx.MaxSeverity, event.Severity)
		idx.AllProcessed = idx.AllProcessed && event.Processed
		idx.EventTypes[event.Type] = true
	}

	s.indexMutex.Lock()
	s.fileIndexes[path] = idx
	s.indexMutex.Unlock()

	return nil
}

// LoadEvents returns the matching events, newest first, and acknowledges them
// unless filter.Peek is set.
func (s *EventStorage) LoadEvents(filter EventFilter) ([]EventEntry, error) {
	var allEvents []locatedEvent

	if filter.EndTime == 0 {
		filter.EndTime = time.Now().UnixMilli()
	}

	for _, path := range s.getCandidateFiles(filter) {
		events, err := s.loadFile(path, filter)
		if err != nil {
			logger.Logger.Info("Error loading", zap.String("filePath", path), zap.Error(err))
			continue
		}
		allEvents = append(allEvents, events...)
	}

	sort.SliceStable(allEvents, func(i, j int) bool {
		return allEvents[i].Timestamp > allEvents[j].Timestamp
	})
	if filter.Limit > 0 && len(allEvents) > filter.Limit {
		allEvents = allEvents[:filter.Limit]
	}

	if !filter.Peek {
		now := time.Now().UnixMilli()
		for _, event := range allEvents {
			s.MarkPendingProcessed(event.ID, event.file, now)
		}
		if err := s.ApplyPendingUpdates(); err != nil {
			logger.Logger.Error("error applying updates", zap.Error(err))
			return nil, fmt.Errorf("error applying updates: %w", err)
		}
	}

	out := make([]EventEntry, len(allEvents))
	for i := range allEvents {
		out[i] = allEvents[i].EventEntry
	}
	return out, nil
}

// ApplyPendingUpdates writes the queued acknowledgements back to their files
func (s *EventStorage) ApplyPendingUpdates() error {
	var errs []error
	for filePath, fileUpdates := range s.pendingUpdates.Drain() {
		if len(fileUpdates) == 0 {
			continue
		}
		if err := s.applySingleFileUpdates(filePath, fileUpdates); err != nil {
			logger.Logger.Error("failed to apply file updates", zap.String("filePath", filePath), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *EventStorage) applySingleFileUpdates(filePath string, fileUpdates map[string]EventUpdate) error {
	fileLock := s.getFileLock(filePath)
	fileLock.Lock()
	defer fileLock.Unlock()

	content, err := readEventFile(filePath)
	if err != nil {
		return err
	}

	updated := false
	for i := range content.Events {
		if update, exists := fileUpdates[content.Events[i].ID]; exists {
			content.Events[i].Processed = update.Processed
			content.Events[i].ProcessedAt = update.ProcessedAt
			updated = true
		}
	}
	if !updated {
		return nil
	}

	if err := writeEventFile(filePath, content); err != nil {
		return err
	}

	if err := s.indexFile(filePath); err != nil {
		logger.Logger.Info("Error updating index for", zap.String("filePath", filePath), zap.Error(err))
	}

	return nil
}

func (s *EventStorage) getCandidateFiles(filter EventFilter) []string {
	s.indexMutex.RLock()
	defer s.indexMutex.RUnlock()

	var candidates []string
	for path, idx := range s.fileIndexes {
		if idx.MaxTime < filter.StartTime || idx.MinTime > filter.EndTime {
			continue
		}
		if idx.MaxSeverity < filter.MinSeverity {
			continue
		}
		if filter.Type != "" && !idx.EventTypes[filter.Type] {
			continue
		}
		if filter.Unprocessed && idx.AllProcessed {
			continue
		}
		candidates = append(candidates, path)
	}
	sort.Strings(candidates)
	return candidates
}

type locatedEvent struct {
	EventEntry
	file string
}

func (s *EventStorage) loadFile(path string, filter EventFilter) ([]locatedEvent, error) {
	fileLock := s.getFileLock(path)
	fileLock.Lock()
	content, err := readEventFile(path)
	fileLock.Unlock()
	if err != nil {
		return nil, err
	}

	var filtered []locatedEvent
	for _, event := range content.Events {
		if event.Timestamp < filter.StartTime || event.Timestamp > filter.EndTime {
			continue
		}
		if event.Severity < filter.MinSeverity {
			continue
		}
		if filter.Type != "" && event.Type != filter.Type {
			continue
		}
		if filter.Source != "" && event.Source != filter.Source {
			continue
		}
		if filter.RunID != "" && event.RunID != filter.RunID {
			continue
		}
		if filter.Unprocessed && event.Processed {
			continue
		}
		filtered = append(filtered, locatedEvent{EventEntry: event, file: path})
	}

	return filtered, nil
}

// MarkPendingProcessed queues an acknowledgement, see ApplyPendingUpdates
func (s *EventStorage) MarkPendingProcessed(eventID, filePath string, at int64) {
	s.pendingUpdates.AddUpdate(filePath, eventID, EventUpdate{
		Processed:   true,
		ProcessedAt: at,
	})
}

func readEventFile(path string) (*eventFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading file %s: %w", path, err)
	}
	var content eventFile
	if err := json.Unmarshal(data, &content); err != nil {
		return nil, fmt.Errorf("error unmarshaling file %s: %w", path, err)
	}
	return &content, nil
}

// writeEventFile replaces path through a rename so readers never see a
// partially written file.
func writeEventFile(path string, content *eventFile) error {
	data, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return fmt.Errorf("error marshaling events: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, defaultFilePerm); err != nil {
		return fmt.Errorf("error writing file %s: %w", tmp, err)
	}
	return os.Rename(tmp, path)
}
