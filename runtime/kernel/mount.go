//
// Tencent is pleased to support the open source community by making trpc-pyspace-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-pyspace-go is licensed under the Apache License Version 2.0.
//
//

package kernel

// Mount accessors operate directly against the kernel working
// directory. No network involvement.

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"trpc.group/trpc-go/trpc-pyspace-go/runtime"
	atrace "trpc.group/trpc-go/trpc-pyspace-go/telemetry/trace"
)

const defaultFileMode = 0o644

// MountDir returns the host directory backing the interpreter mount.
// Empty until Initialize has created it.
func (i *Interpreter) MountDir() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.mountDir
}

// ReadFile reads a mount-relative file.
func (i *Interpreter) ReadFile(path string) ([]byte, error) {
	dst, err := i.resolve(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(dst)
}

// WriteFile writes a mount-relative file, creating parent directories.
func (i *Interpreter) WriteFile(path string, content []byte) error {
	dst, err := i.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dst, content, defaultFileMode)
}

// Exists reports whether a mount-relative path exists.
func (i *Interpreter) Exists(path string) bool {
	dst, err := i.resolve(path)
	if err != nil {
		return false
	}
	_, err = os.Stat(dst)
	return err == nil
}

// SyncFileSystem rescans the mount into the cached manifest. Structural
// mutations performed by interpreter-executed code become observable
// through Manifest only after this completes.
func (i *Interpreter) SyncFileSystem(ctx context.Context) error {
	_, span := atrace.Tracer.Start(ctx, runtime.SpanMountSync)
	defer span.End()

	i.mu.Lock()
	root := i.mountDir
	i.mu.Unlock()
	if root == "" {
		return runtime.ErrNotReady
	}

	var entries []runtime.MountEntry
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			// Entry vanished mid-walk, e.g. a kernel-side delete.
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		entries = append(entries, runtime.MountEntry{
			Path:    filepath.ToSlash(rel),
			Dir:     d.IsDir(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	i.manifestMu.Lock()
	i.manifest = entries
	i.manifestMu.Unlock()
	span.SetAttributes(attribute.Int(runtime.AttrEntryCount, len(entries)))
	return nil
}

// Manifest returns the mount entries captured by the last sync.
func (i *Interpreter) Manifest() []runtime.MountEntry {
	i.manifestMu.RLock()
	defer i.manifestMu.RUnlock()
	out := make([]runtime.MountEntry, len(i.manifest))
	copy(out, i.manifest)
	return out
}

// resolve maps a mount-relative path onto the host and rejects escapes.
func (i *Interpreter) resolve(path string) (string, error) {
	i.mu.Lock()
	root := i.mountDir
	i.mu.Unlock()
	if root == "" {
		return "", runtime.ErrNotReady
	}
	if path == "" {
		return "", errors.New("empty file path")
	}
	dst := filepath.Join(root, filepath.Clean("/"+path))
	if !strings.HasPrefix(dst, root+string(os.PathSeparator)) && dst != root {
		return "", fmt.Errorf("path escapes mount: %s", path)
	}
	return dst, nil
}
