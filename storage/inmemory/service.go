//
// Tencent is pleased to support the open source community by making trpc-pyspace-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-pyspace-go is licensed under the Apache License Version 2.0.
//
//

// Package inmemory provides an in-memory implementation of the storage
// service. It is suitable for testing and development environments.
package inmemory

import (
	"context"
	"sort"
	"sync"
	"time"

	"trpc.group/trpc-go/trpc-pyspace-go/storage"
)

// Service is an in-memory implementation of the storage service.
type Service struct {
	// files stores content by workspace id and path.
	files map[string]map[string]storage.FileRecord
	// snapshots stores the last snapshot blob per workspace id.
	snapshots map[string]string
	// mutex protects concurrent access to both maps.
	mutex sync.RWMutex
}

var _ storage.Service = (*Service)(nil)

// NewService creates a new in-memory storage service.
func NewService() *Service {
	return &Service{
		files:     make(map[string]map[string]storage.FileRecord),
		snapshots: make(map[string]string),
	}
}

// ListFiles returns the full file manifest for a workspace, sorted by
// path.
func (s *Service) ListFiles(ctx context.Context, workspaceID string) ([]storage.FileRecord, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	ws := s.files[workspaceID]
	records := make([]storage.FileRecord, 0, len(ws))
	for _, rec := range ws {
		content := make([]byte, len(rec.Content))
		copy(content, rec.Content)
		rec.Content = content
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Path < records[j].Path
	})
	return records, nil
}

// PutFile creates or updates one file record.
func (s *Service) PutFile(ctx context.Context, workspaceID, path string, content []byte) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.files[workspaceID] == nil {
		s.files[workspaceID] = make(map[string]storage.FileRecord)
	}
	stored := make([]byte, len(content))
	copy(stored, content)
	s.files[workspaceID][path] = storage.FileRecord{
		Path:      path,
		Content:   stored,
		UpdatedAt: time.Now(),
	}
	return nil
}

// DeleteFile removes one file record. Missing records are ignored.
func (s *Service) DeleteFile(ctx context.Context, workspaceID, path string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	delete(s.files[workspaceID], path)
	return nil
}

// SaveSnapshot stores the snapshot blob, replacing any previous one.
func (s *Service) SaveSnapshot(ctx context.Context, workspaceID, blob string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.snapshots[workspaceID] = blob
	return nil
}

// LoadSnapshot returns the last saved snapshot blob.
func (s *Service) LoadSnapshot(ctx context.Context, workspaceID string) (string, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	blob, ok := s.snapshots[workspaceID]
	if !ok {
		return "", storage.ErrSnapshotNotFound
	}
	return blob, nil
}
