//
// Tencent is pleased to support the open source community by making trpc-pyspace-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-pyspace-go is licensed under the Apache License Version 2.0.
//
//

// Package state serializes and restores full workspace snapshots and
// tracks unsaved-change state.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"trpc.group/trpc-go/trpc-pyspace-go/log"
	"trpc.group/trpc-go/trpc-pyspace-go/pypkg"
	"trpc.group/trpc-go/trpc-pyspace-go/runtime"
	"trpc.group/trpc-go/trpc-pyspace-go/storage"
	"trpc.group/trpc-go/trpc-pyspace-go/vfs"
)

// SnapshotVersion is the current snapshot schema version. Snapshots
// carrying an unknown version are rejected on import.
const SnapshotVersion = 1

// SnapshotFile is one file captured in a snapshot.
type SnapshotFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// SnapshotPackage is one installed package captured in a snapshot.
type SnapshotPackage struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Snapshot is the versioned, self-describing serialization of a full
// workspace: file manifest, package manifest and minimal metadata.
type Snapshot struct {
	Version     int               `json:"version"`
	WorkspaceID string            `json:"workspace_id"`
	SavedAt     time.Time         `json:"saved_at"`
	Files       []SnapshotFile    `json:"files"`
	Packages    []SnapshotPackage `json:"packages"`
}

// Manager produces and applies snapshots. It holds non-owning
// references to the runtime, bridge and package manager.
type Manager struct {
	rt          runtime.Controller
	bridge      *vfs.Bridge
	pkgs        *pypkg.Manager
	store       storage.Service
	workspaceID string

	mu    sync.Mutex
	dirty bool
}

// New creates a Manager wired to the given subsystems.
func New(rt runtime.Controller, bridge *vfs.Bridge, pkgs *pypkg.Manager,
	store storage.Service, workspaceID string) *Manager {
	return &Manager{
		rt:          rt,
		bridge:      bridge,
		pkgs:        pkgs,
		store:       store,
		workspaceID: workspaceID,
	}
}

// Initialize prepares dirty-state tracking and best-effort restores
// the package manifest from the prior saved snapshot. The file
// manifest is not replayed here: the bridge has already rehydrated
// files from the store, which is at least as fresh as the snapshot.
func (m *Manager) Initialize(ctx context.Context) error {
	blob, err := m.store.LoadSnapshot(ctx, m.workspaceID)
	if err != nil {
		if !errors.Is(err, storage.ErrSnapshotNotFound) {
			log.Warnf("state: loading prior snapshot failed: %v", err)
		}
		return nil
	}
	snap, err := parseSnapshot(blob)
	if err != nil {
		log.Warnf("state: prior snapshot unusable: %v", err)
		return nil
	}
	m.restorePackages(ctx, snap.Packages)
	return nil
}

// MarkDirty records that unsaved changes exist.
func (m *Manager) MarkDirty() {
	m.mu.Lock()
	m.dirty = true
	m.mu.Unlock()
}

// Dirty reports whether unsaved changes exist.
func (m *Manager) Dirty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dirty
}

// Save captures the current workspace into a snapshot and persists it.
// The dirty flag clears only on success.
func (m *Manager) Save(ctx context.Context) error {
	snap, err := m.capture(ctx)
	if err != nil {
		return err
	}
	blob, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("state: serialize snapshot: %w", err)
	}
	if err := m.store.SaveSnapshot(ctx, m.workspaceID, string(blob)); err != nil {
		return fmt.Errorf("state: persist snapshot: %w", err)
	}
	m.mu.Lock()
	m.dirty = false
	m.mu.Unlock()
	return nil
}

// Load fetches the last saved snapshot and replays it, overwriting
// current content; files the snapshot does not contain are removed.
// Errors propagate since there is no safe fallback.
func (m *Manager) Load(ctx context.Context) error {
	blob, err := m.store.LoadSnapshot(ctx, m.workspaceID)
	if err != nil {
		return fmt.Errorf("state: fetch snapshot: %w", err)
	}
	snap, err := parseSnapshot(blob)
	if err != nil {
		return err
	}
	return m.apply(ctx, snap)
}

// Export produces a portable snapshot string without touching durable
// storage.
func (m *Manager) Export(ctx context.Context) (string, error) {
	snap, err := m.capture(ctx)
	if err != nil {
		return "", err
	}
	blob, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("state: serialize snapshot: %w", err)
	}
	return string(blob), nil
}

// Import parses a caller-supplied snapshot string and applies it,
// overwriting current content; files the snapshot does not contain are
// removed.
func (m *Manager) Import(ctx context.Context, blob string) error {
	snap, err := parseSnapshot(blob)
	if err != nil {
		return err
	}
	return m.apply(ctx, snap)
}

// Cleanup flushes pending dirty state best-effort.
func (m *Manager) Cleanup(ctx context.Context) {
	if !m.Dirty() {
		return
	}
	if err := m.Save(ctx); err != nil {
		log.Warnf("state: flushing dirty state failed: %v", err)
	}
}

func (m *Manager) capture(ctx context.Context) (Snapshot, error) {
	files, err := m.bridge.ExportFiles(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("state: capture files: %w", err)
	}
	installed, err := m.pkgs.Installed(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("state: capture packages: %w", err)
	}

	snap := Snapshot{
		Version:     SnapshotVersion,
		WorkspaceID: m.workspaceID,
		SavedAt:     time.Now().UTC(),
		Files:       make([]SnapshotFile, 0, len(files)),
		Packages:    make([]SnapshotPackage, 0, len(installed)),
	}
	for _, f := range files {
		snap.Files = append(snap.Files, SnapshotFile{
			Path:    f.Path,
			Content: string(f.Content),
		})
	}
	for _, p := range installed {
		snap.Packages = append(snap.Packages, SnapshotPackage{
			Name:    p.Name,
			Version: p.Version,
		})
	}
	return snap, nil
}

func (m *Manager) apply(ctx context.Context, snap Snapshot) error {
	keep := make(map[string]bool, len(snap.Files))
	for _, f := range snap.Files {
		keep[f.Path] = true
		if err := m.bridge.WriteFile(ctx, f.Path, []byte(f.Content)); err != nil {
			return fmt.Errorf("state: restore %s: %w", f.Path, err)
		}
	}
	if err := m.rt.SyncFileSystem(ctx); err != nil {
		return err
	}
	// The replay overwrites, it does not overlay: files absent from the
	// snapshot are removed from the mount and their storage records
	// retired.
	for _, e := range m.rt.Manifest() {
		if e.Dir || keep[e.Path] {
			continue
		}
		if err := m.bridge.Delete(ctx, e.Path); err != nil {
			return fmt.Errorf("state: remove %s: %w", e.Path, err)
		}
	}
	m.restorePackages(ctx, snap.Packages)
	return nil
}

// restorePackages reinstalls the captured package set best-effort.
// Installed packages lost with the previous interpreter come back
// here; individual failures are logged and skipped.
func (m *Manager) restorePackages(ctx context.Context, packages []SnapshotPackage) {
	if len(packages) == 0 {
		return
	}
	current := map[string]bool{}
	if installed, err := m.pkgs.Installed(ctx); err == nil {
		for _, p := range installed {
			current[p.Name] = true
		}
	}
	for _, p := range packages {
		if current[p.Name] {
			continue
		}
		if !m.pkgs.Install(ctx, p.Name, p.Version) {
			log.Warnf("state: restoring package %s failed", p.Name)
		}
	}
}

func parseSnapshot(blob string) (Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal([]byte(blob), &snap); err != nil {
		return Snapshot{}, fmt.Errorf("state: malformed snapshot: %w", err)
	}
	if snap.Version != SnapshotVersion {
		return Snapshot{}, fmt.Errorf("state: unsupported snapshot version %d", snap.Version)
	}
	return snap, nil
}
