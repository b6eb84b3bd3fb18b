//
// Tencent is pleased to support the open source community by making trpc-pyspace-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-pyspace-go is licensed under the Apache License Version 2.0.
//
//

// Package vfs presents workspace-rooted file operations on the
// interpreter mount and reconciles them with durable storage.
//
// The mount is authoritative during a live session. Writes go through
// the runtime controller synchronously and propagate to storage
// asynchronously; propagation failures are logged, never surfaced, so
// the workspace stays usable with storage unreachable.
package vfs

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	ds "github.com/bmatcuk/doublestar/v4"
	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"trpc.group/trpc-go/trpc-pyspace-go/log"
	"trpc.group/trpc-go/trpc-pyspace-go/runtime"
	"trpc.group/trpc-go/trpc-pyspace-go/storage"
	atrace "trpc.group/trpc-go/trpc-pyspace-go/telemetry/trace"
)

// Root is the pseudo-absolute prefix accepted (and stripped) from
// caller-supplied paths, e.g. "/workspace/main.py".
const Root = "workspace"

const (
	defaultPoolSize         = 4
	defaultPropagateTimeout = 30 * time.Second

	spanLoad = "pyspace.vfs.load_from_store"
	spanExec = "pyspace.vfs.exec_op"

	attrOp   = "pyspace.vfs.op"
	attrPath = "pyspace.vfs.path"
)

// Kind distinguishes files from directories.
type Kind string

// Entry kinds.
const (
	KindFile      Kind = "file"
	KindDirectory Kind = "directory"
)

// Entry is one file or directory as reported by the interpreter
// traversal.
type Entry struct {
	Name     string
	Path     string
	Kind     Kind
	Size     int64
	Modified time.Time
}

// File is a path plus full content, used for snapshot export.
type File struct {
	Path    string
	Content []byte
}

// Stats summarizes the workspace tree.
type Stats struct {
	Files       int
	Directories int
	TotalBytes  int64
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithPoolSize sets the size of the storage propagation pool.
func WithPoolSize(n int) Option {
	return func(b *Bridge) { b.poolSize = n }
}

// WithPropagateTimeout bounds each asynchronous storage call.
func WithPropagateTimeout(d time.Duration) Option {
	return func(b *Bridge) { b.propagateTimeout = d }
}

// Bridge implements workspace file operations over a non-owning
// runtime controller reference and a durable storage service.
type Bridge struct {
	rt               runtime.Controller
	store            storage.Service
	workspaceID      string
	pool             *ants.Pool
	poolSize         int
	propagateTimeout time.Duration
}

// New creates a Bridge for one workspace.
func New(rt runtime.Controller, store storage.Service, workspaceID string, opts ...Option) (*Bridge, error) {
	b := &Bridge{
		rt:               rt,
		store:            store,
		workspaceID:      workspaceID,
		poolSize:         defaultPoolSize,
		propagateTimeout: defaultPropagateTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	pool, err := ants.NewPool(b.poolSize)
	if err != nil {
		return nil, err
	}
	b.pool = pool
	return b, nil
}

// Close releases the propagation pool. Pending tasks are allowed to
// finish.
func (b *Bridge) Close() {
	b.pool.Release()
}

// Normalize maps any caller-supplied form onto a clean workspace-root
// relative path. The workspace root itself normalizes to ".".
func Normalize(p string) (string, error) {
	p = strings.TrimSpace(p)
	p = strings.ReplaceAll(p, "\\", "/")
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", fmt.Errorf("vfs: path escapes workspace: %s", p)
		}
	}
	p = strings.TrimPrefix(p, "/")
	if p == Root {
		return ".", nil
	}
	p = strings.TrimPrefix(p, Root+"/")
	cleaned := strings.TrimPrefix(path.Clean("/"+p), "/")
	if cleaned == "" {
		return ".", nil
	}
	return cleaned, nil
}

func normalizeFile(p string) (string, error) {
	norm, err := Normalize(p)
	if err != nil {
		return "", err
	}
	if norm == "." {
		return "", errors.New("vfs: empty file path")
	}
	return norm, nil
}

// CreateFile writes a new file through the mount and schedules storage
// propagation.
func (b *Bridge) CreateFile(ctx context.Context, p string, content []byte) error {
	return b.WriteFile(ctx, p, content)
}

// WriteFile writes through the mount synchronously, then propagates
// the change to storage asynchronously. Propagation failure never
// rejects the caller's operation.
func (b *Bridge) WriteFile(ctx context.Context, p string, content []byte) error {
	norm, err := normalizeFile(p)
	if err != nil {
		return err
	}
	if err := b.rt.WriteFile(norm, content); err != nil {
		return err
	}
	stored := make([]byte, len(content))
	copy(stored, content)
	b.propagate("put "+norm, func(ctx context.Context) error {
		return b.store.PutFile(ctx, b.workspaceID, norm, stored)
	})
	return nil
}

// ReadFile reads from the mount only; no network call is issued.
func (b *Bridge) ReadFile(p string) ([]byte, error) {
	norm, err := normalizeFile(p)
	if err != nil {
		return nil, err
	}
	return b.rt.ReadFile(norm)
}

// Delete removes a file or directory via interpreter-executed code,
// then syncs the mount and retires the matching storage records.
func (b *Bridge) Delete(ctx context.Context, p string) error {
	norm, err := normalizeFile(p)
	if err != nil {
		return err
	}
	// Refresh the manifest first: files written through the bridge
	// since the last sync must be retired from storage too, or a later
	// rehydration would resurrect them.
	if err := b.rt.SyncFileSystem(ctx); err != nil {
		return err
	}
	affected := b.filesUnder(norm)
	if err := b.execOp(ctx, "delete", norm, deleteScript(norm)); err != nil {
		return err
	}
	for _, rec := range affected {
		rec := rec
		b.propagate("delete "+rec, func(ctx context.Context) error {
			return b.store.DeleteFile(ctx, b.workspaceID, rec)
		})
	}
	return nil
}

// Move renames or relocates a file or directory.
func (b *Bridge) Move(ctx context.Context, from, to string) error {
	src, err := normalizeFile(from)
	if err != nil {
		return err
	}
	dst, err := normalizeFile(to)
	if err != nil {
		return err
	}
	if err := b.rt.SyncFileSystem(ctx); err != nil {
		return err
	}
	old := b.filesUnder(src)
	if err := b.execOp(ctx, "move", src, moveScript(src, dst)); err != nil {
		return err
	}
	for _, rec := range old {
		rec := rec
		b.propagate("delete "+rec, func(ctx context.Context) error {
			return b.store.DeleteFile(ctx, b.workspaceID, rec)
		})
	}
	b.propagateTree(dst)
	return nil
}

// Copy duplicates a file or directory.
func (b *Bridge) Copy(ctx context.Context, from, to string) error {
	src, err := normalizeFile(from)
	if err != nil {
		return err
	}
	dst, err := normalizeFile(to)
	if err != nil {
		return err
	}
	if err := b.execOp(ctx, "copy", src, copyScript(src, dst)); err != nil {
		return err
	}
	b.propagateTree(dst)
	return nil
}

// CreateDirectory makes a directory with parents. Directories have no
// storage record; only files are durable.
func (b *Bridge) CreateDirectory(ctx context.Context, p string) error {
	norm, err := normalizeFile(p)
	if err != nil {
		return err
	}
	return b.execOp(ctx, "mkdir", norm, mkdirScript(norm))
}

// ListDirectory lists the direct children of dir ("" for the root).
func (b *Bridge) ListDirectory(ctx context.Context, dir string) ([]Entry, error) {
	norm, err := Normalize(dir)
	if err != nil {
		return nil, err
	}
	return b.runListing(ctx, listScript(norm, false, "", false, false))
}

// GetInfo returns the entry for a path, or nil when it does not exist.
func (b *Bridge) GetInfo(ctx context.Context, p string) (*Entry, error) {
	norm, err := normalizeFile(p)
	if err != nil {
		return nil, err
	}
	entries, err := b.runListing(ctx, infoScript(norm))
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

// Search finds entries whose name matches term. Terms containing glob
// metacharacters are treated as doublestar patterns against the full
// workspace path; plain terms match as case-insensitive substrings,
// optionally against file contents when byContent is set.
func (b *Bridge) Search(ctx context.Context, term string, byContent bool) ([]Entry, error) {
	if isGlobPattern(term) {
		entries, err := b.runListing(ctx, listScript(".", true, "", false, false))
		if err != nil {
			return nil, err
		}
		var out []Entry
		for _, e := range entries {
			ok, err := ds.Match(term, e.Path)
			if err != nil {
				return nil, fmt.Errorf("vfs: bad search pattern: %w", err)
			}
			if ok {
				out = append(out, e)
			}
		}
		return out, nil
	}
	return b.runListing(ctx, listScript(".", true, term, byContent, false))
}

// Stats summarizes the whole workspace tree.
func (b *Bridge) Stats(ctx context.Context) (Stats, error) {
	entries, err := b.runListing(ctx, listScript(".", true, "", false, false))
	if err != nil {
		return Stats{}, err
	}
	var st Stats
	for _, e := range entries {
		if e.Kind == KindDirectory {
			st.Directories++
			continue
		}
		st.Files++
		st.TotalBytes += e.Size
	}
	return st, nil
}

// UploadFile adapts a host-provided blob to WriteFile. Without an
// explicit target the blob lands under its own name at the workspace
// root. The normalized destination path is returned.
func (b *Bridge) UploadFile(ctx context.Context, name string, data []byte, targetPath string) (string, error) {
	if targetPath == "" {
		targetPath = path.Base(strings.ReplaceAll(name, "\\", "/"))
	}
	norm, err := normalizeFile(targetPath)
	if err != nil {
		return "", err
	}
	if err := b.WriteFile(ctx, norm, data); err != nil {
		return "", err
	}
	return norm, nil
}

// DownloadFile reads a file for host download, returning its base name
// and content.
func (b *Bridge) DownloadFile(p string) (string, []byte, error) {
	norm, err := normalizeFile(p)
	if err != nil {
		return "", nil, err
	}
	data, err := b.rt.ReadFile(norm)
	if err != nil {
		return "", nil, err
	}
	return path.Base(norm), data, nil
}

// LoadFromStore bulk-fetches the durable file manifest and replays
// every record into the mount. This is the sole rehydration path after
// a fresh interpreter boot; errors propagate since there is no safe
// fallback.
func (b *Bridge) LoadFromStore(ctx context.Context) error {
	ctx, span := atrace.Tracer.Start(ctx, spanLoad)
	defer span.End()

	records, err := b.store.ListFiles(ctx, b.workspaceID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("vfs: load from store: %w", err)
	}
	for _, rec := range records {
		if err := b.rt.WriteFile(rec.Path, rec.Content); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("vfs: rehydrate %s: %w", rec.Path, err)
		}
	}
	span.SetAttributes(attribute.Int(runtime.AttrEntryCount, len(records)))
	return b.rt.SyncFileSystem(ctx)
}

// ExportFiles returns the full workspace file manifest with contents,
// read through the interpreter traversal.
func (b *Bridge) ExportFiles(ctx context.Context) ([]File, error) {
	res, err := b.rt.RunPython(ctx, listScript(".", true, "", false, true))
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, fmt.Errorf("vfs: export traversal failed: %s", res.Error)
	}
	p, err := extractPayload(res.Stdout)
	if err != nil {
		return nil, err
	}
	var files []File
	for _, e := range p.Entries {
		if e.Kind != string(KindFile) || e.Content == nil {
			continue
		}
		files = append(files, File{Path: e.Path, Content: []byte(*e.Content)})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// execOp runs a structural mutation inside the interpreter and syncs
// the mount afterwards so the change becomes observable.
func (b *Bridge) execOp(ctx context.Context, op, p, script string) error {
	ctx, span := atrace.Tracer.Start(ctx, spanExec)
	span.SetAttributes(
		attribute.String(attrOp, op),
		attribute.String(attrPath, p),
	)
	defer span.End()

	res, err := b.rt.RunPython(ctx, script)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if !res.Success {
		span.SetStatus(codes.Error, res.Error)
		return fmt.Errorf("vfs: %s %s failed: %s", op, p, res.Error)
	}
	return b.rt.SyncFileSystem(ctx)
}

func (b *Bridge) runListing(ctx context.Context, script string) ([]Entry, error) {
	res, err := b.rt.RunPython(ctx, script)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, fmt.Errorf("vfs: traversal failed: %s", res.Error)
	}
	p, err := extractPayload(res.Stdout)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(p.Entries))
	for _, e := range p.Entries {
		entries = append(entries, Entry{
			Name:     e.Name,
			Path:     e.Path,
			Kind:     Kind(e.Kind),
			Size:     e.Size,
			Modified: epochToTime(e.Modified),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

// filesUnder returns the mount manifest file paths equal to p or under
// it, as of the last sync.
func (b *Bridge) filesUnder(p string) []string {
	var out []string
	for _, e := range b.rt.Manifest() {
		if e.Dir {
			continue
		}
		if e.Path == p || strings.HasPrefix(e.Path, p+"/") {
			out = append(out, e.Path)
		}
	}
	if len(out) == 0 {
		out = append(out, p)
	}
	return out
}

// propagateTree schedules storage puts for every mount file at or
// under p, reading content from the mount inside the task.
func (b *Bridge) propagateTree(p string) {
	for _, rec := range b.filesUnder(p) {
		rec := rec
		b.propagate("put "+rec, func(ctx context.Context) error {
			content, err := b.rt.ReadFile(rec)
			if err != nil {
				return err
			}
			return b.store.PutFile(ctx, b.workspaceID, rec, content)
		})
	}
}

// propagate submits a fire-and-forget storage call. Failures are
// logged as warnings only; the mount stays authoritative.
func (b *Bridge) propagate(op string, fn func(ctx context.Context) error) {
	task := func() {
		ctx, cancel := context.WithTimeout(context.Background(), b.propagateTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			log.Warnf("vfs: storage propagation (%s) failed: %v", op, err)
		}
	}
	if err := b.pool.Submit(task); err != nil {
		go task()
	}
}

func isGlobPattern(term string) bool {
	return strings.ContainsAny(term, "*?[{")
}

func epochToTime(sec float64) time.Time {
	s := int64(sec)
	ns := int64((sec - float64(s)) * float64(time.Second))
	return time.Unix(s, ns)
}
