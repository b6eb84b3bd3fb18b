//
// Tencent is pleased to support the open source community by making trpc-pyspace-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-pyspace-go is licensed under the Apache License Version 2.0.
//
//

// Package storage defines the backing store holding the durable file
// manifest and workspace snapshots across sessions.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrSnapshotNotFound is returned by LoadSnapshot when the workspace
// has no saved snapshot.
var ErrSnapshotNotFound = errors.New("storage: snapshot not found")

// FileRecord is one durable file keyed by workspace id and path.
type FileRecord struct {
	// Path is workspace-root-relative, slash-separated.
	Path string
	// Content holds the raw file bytes.
	Content []byte
	// UpdatedAt is the last write time recorded by the store.
	UpdatedAt time.Time
}

// Service is the durable storage backend. The mount is authoritative
// during a live session; the store is a write-behind copy reconciled
// through explicit load calls.
type Service interface {
	// ListFiles returns the full file manifest for a workspace.
	ListFiles(ctx context.Context, workspaceID string) ([]FileRecord, error)

	// PutFile creates or updates one file record.
	PutFile(ctx context.Context, workspaceID, path string, content []byte) error

	// DeleteFile removes one file record. Deleting a missing record is
	// not an error.
	DeleteFile(ctx context.Context, workspaceID, path string) error

	// SaveSnapshot stores the serialized workspace snapshot, replacing
	// any previous one.
	SaveSnapshot(ctx context.Context, workspaceID, blob string) error

	// LoadSnapshot returns the last saved snapshot, or
	// ErrSnapshotNotFound.
	LoadSnapshot(ctx context.Context, workspaceID string) (string, error)
}
