//
// Tencent is pleased to support the open source community by making trpc-pyspace-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-pyspace-go is licensed under the Apache License Version 2.0.
//
//

// Package session provides the workspace session controller. Callers
// only ever address the controller; it sequences subsystem
// initialization, delegates all public operations and aggregates the
// output log.
package session

import (
	"context"
	"errors"
	"sync"

	"trpc.group/trpc-go/trpc-pyspace-go/log"
	"trpc.group/trpc-go/trpc-pyspace-go/pypkg"
	"trpc.group/trpc-go/trpc-pyspace-go/runtime"
	"trpc.group/trpc-go/trpc-pyspace-go/runtime/kernel"
	"trpc.group/trpc-go/trpc-pyspace-go/state"
	"trpc.group/trpc-go/trpc-pyspace-go/storage"
	"trpc.group/trpc-go/trpc-pyspace-go/vfs"
)

// ErrNotInitialized is returned when an operation arrives before
// Initialize has completed.
var ErrNotInitialized = errors.New("session: runtime not initialized")

// Option configures a Controller.
type Option func(*Controller)

// WithRuntime replaces the default kernel-backed runtime controller.
func WithRuntime(rt runtime.Controller) Option {
	return func(c *Controller) { c.rt = rt }
}

// WithKernelOptions configures the default kernel runtime. Ignored
// when WithRuntime is used.
func WithKernelOptions(opts ...kernel.Option) Option {
	return func(c *Controller) { c.kernelOpts = opts }
}

// WithBridgeOptions configures the filesystem bridge.
func WithBridgeOptions(opts ...vfs.Option) Option {
	return func(c *Controller) { c.bridgeOpts = opts }
}

// WithPackageOptions configures the package manager.
func WithPackageOptions(opts ...pypkg.Option) Option {
	return func(c *Controller) { c.pkgOpts = opts }
}

// WithSinks registers additional caller-supplied output sinks,
// invoked per output chunk alongside the session output log.
func WithSinks(sinks runtime.Sinks) Option {
	return func(c *Controller) { c.userSinks = sinks }
}

// Controller is the session facade. It owns the runtime controller;
// the bridge, package manager and state manager hold non-owning
// references to it.
type Controller struct {
	workspaceID string
	store       storage.Service

	rt     runtime.Controller
	bridge *vfs.Bridge
	pkgs   *pypkg.Manager
	state  *state.Manager

	kernelOpts []kernel.Option
	bridgeOpts []vfs.Option
	pkgOpts    []pypkg.Option
	userSinks  runtime.Sinks

	mu          sync.Mutex
	initialized bool
	loading     bool
	initErr     error
	initDone    chan struct{}

	outMu   sync.Mutex
	entries []OutputEntry
}

// New creates a Controller for one workspace backed by the given
// durable store.
func New(workspaceID string, store storage.Service, opts ...Option) (*Controller, error) {
	c := &Controller{
		workspaceID: workspaceID,
		store:       store,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.rt == nil {
		c.rt = kernel.New(c.kernelOpts...)
	}
	bridge, err := vfs.New(c.rt, store, workspaceID, c.bridgeOpts...)
	if err != nil {
		return nil, err
	}
	c.bridge = bridge
	c.pkgs = pypkg.New(c.rt, c.pkgOpts...)
	c.state = state.New(c.rt, bridge, c.pkgs, store, workspaceID)
	return c, nil
}

// Initialize brings up the subsystems in dependency order: runtime,
// then filesystem rehydration, then package manager, then state
// manager. Concurrent and duplicate calls collapse into the single
// in-flight attempt.
func (c *Controller) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.initialized {
		c.mu.Unlock()
		return nil
	}
	if c.loading {
		done := c.initDone
		c.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		return c.Err()
	}
	c.loading = true
	c.initErr = nil
	c.initDone = make(chan struct{})
	done := c.initDone
	c.mu.Unlock()

	err := c.bringUp(ctx)

	c.mu.Lock()
	c.loading = false
	if err != nil {
		c.initErr = err
	} else {
		c.initialized = true
	}
	close(done)
	c.mu.Unlock()
	return err
}

func (c *Controller) bringUp(ctx context.Context) error {
	if err := c.rt.Initialize(ctx, c.sinks()); err != nil {
		return err
	}
	if err := c.bridge.LoadFromStore(ctx); err != nil {
		return err
	}
	if err := c.pkgs.Initialize(ctx); err != nil {
		return err
	}
	return c.state.Initialize(ctx)
}

func (c *Controller) sinks() runtime.Sinks {
	return runtime.Sinks{
		Stdout: func(text string) {
			c.appendOutput(text, StreamStdout)
			if c.userSinks.Stdout != nil {
				c.userSinks.Stdout(text)
			}
		},
		Stderr: func(text string) {
			c.appendOutput(text, StreamStderr)
			if c.userSinks.Stderr != nil {
				c.userSinks.Stderr(text)
			}
		},
	}
}

// Initialized reports whether initialization has completed.
func (c *Controller) Initialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

// Loading reports whether an initialization attempt is in flight.
func (c *Controller) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading
}

// Err returns the error of the last failed initialization attempt.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initErr
}

func (c *Controller) guard() error {
	if !c.Initialized() {
		return ErrNotInitialized
	}
	return nil
}

// RunPython executes source in the interpreter. It rejects immediately
// with ErrNotInitialized before initialization completes.
func (c *Controller) RunPython(ctx context.Context, source string) (runtime.ExecutionResult, error) {
	if err := c.guard(); err != nil {
		return runtime.ExecutionResult{}, err
	}
	return c.rt.RunPython(ctx, source)
}

// CreateFile creates a workspace file.
func (c *Controller) CreateFile(ctx context.Context, path string, content []byte) error {
	if err := c.guard(); err != nil {
		return err
	}
	if err := c.bridge.CreateFile(ctx, path, content); err != nil {
		return err
	}
	c.state.MarkDirty()
	return nil
}

// WriteFile overwrites a workspace file.
func (c *Controller) WriteFile(ctx context.Context, path string, content []byte) error {
	if err := c.guard(); err != nil {
		return err
	}
	if err := c.bridge.WriteFile(ctx, path, content); err != nil {
		return err
	}
	c.state.MarkDirty()
	return nil
}

// ReadFile reads a workspace file from the mount.
func (c *Controller) ReadFile(path string) ([]byte, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	return c.bridge.ReadFile(path)
}

// Delete removes a workspace file or directory.
func (c *Controller) Delete(ctx context.Context, path string) error {
	if err := c.guard(); err != nil {
		return err
	}
	if err := c.bridge.Delete(ctx, path); err != nil {
		return err
	}
	c.state.MarkDirty()
	return nil
}

// Move renames or relocates a workspace file or directory.
func (c *Controller) Move(ctx context.Context, from, to string) error {
	if err := c.guard(); err != nil {
		return err
	}
	if err := c.bridge.Move(ctx, from, to); err != nil {
		return err
	}
	c.state.MarkDirty()
	return nil
}

// Copy duplicates a workspace file or directory.
func (c *Controller) Copy(ctx context.Context, from, to string) error {
	if err := c.guard(); err != nil {
		return err
	}
	if err := c.bridge.Copy(ctx, from, to); err != nil {
		return err
	}
	c.state.MarkDirty()
	return nil
}

// CreateDirectory makes a workspace directory with parents.
func (c *Controller) CreateDirectory(ctx context.Context, path string) error {
	if err := c.guard(); err != nil {
		return err
	}
	if err := c.bridge.CreateDirectory(ctx, path); err != nil {
		return err
	}
	c.state.MarkDirty()
	return nil
}

// ListDirectory lists the direct children of a workspace directory.
func (c *Controller) ListDirectory(ctx context.Context, dir string) ([]vfs.Entry, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	return c.bridge.ListDirectory(ctx, dir)
}

// GetInfo returns the entry for a workspace path, or nil when missing.
func (c *Controller) GetInfo(ctx context.Context, path string) (*vfs.Entry, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	return c.bridge.GetInfo(ctx, path)
}

// Search finds workspace entries matching term.
func (c *Controller) Search(ctx context.Context, term string, byContent bool) ([]vfs.Entry, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	return c.bridge.Search(ctx, term, byContent)
}

// Stats summarizes the workspace tree.
func (c *Controller) Stats(ctx context.Context) (vfs.Stats, error) {
	if err := c.guard(); err != nil {
		return vfs.Stats{}, err
	}
	return c.bridge.Stats(ctx)
}

// UploadFile stores a host-provided blob in the workspace.
func (c *Controller) UploadFile(ctx context.Context, name string, data []byte, targetPath string) (string, error) {
	if err := c.guard(); err != nil {
		return "", err
	}
	dst, err := c.bridge.UploadFile(ctx, name, data, targetPath)
	if err != nil {
		return "", err
	}
	c.state.MarkDirty()
	return dst, nil
}

// DownloadFile reads a workspace file for host download.
func (c *Controller) DownloadFile(path string) (string, []byte, error) {
	if err := c.guard(); err != nil {
		return "", nil, err
	}
	return c.bridge.DownloadFile(path)
}

// InstallPackage installs a Python package; failure is reported as
// false.
func (c *Controller) InstallPackage(ctx context.Context, name, version string) bool {
	if c.guard() != nil {
		return false
	}
	ok := c.pkgs.Install(ctx, name, version)
	if ok {
		c.state.MarkDirty()
	}
	return ok
}

// UninstallPackage removes a Python package; failure is reported as
// false.
func (c *Controller) UninstallPackage(ctx context.Context, name string) bool {
	if c.guard() != nil {
		return false
	}
	ok := c.pkgs.Uninstall(ctx, name)
	if ok {
		c.state.MarkDirty()
	}
	return ok
}

// InstalledPackages returns the installed package set.
func (c *Controller) InstalledPackages(ctx context.Context) ([]pypkg.Package, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	return c.pkgs.Installed(ctx)
}

// SearchPackages queries the package index without installing.
func (c *Controller) SearchPackages(ctx context.Context, query string) ([]pypkg.IndexEntry, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	return c.pkgs.Search(ctx, query)
}

// SaveState persists the current workspace snapshot.
func (c *Controller) SaveState(ctx context.Context) error {
	if err := c.guard(); err != nil {
		return err
	}
	return c.state.Save(ctx)
}

// LoadState replays the last saved snapshot over the workspace.
func (c *Controller) LoadState(ctx context.Context) error {
	if err := c.guard(); err != nil {
		return err
	}
	return c.state.Load(ctx)
}

// ExportState produces a portable snapshot string.
func (c *Controller) ExportState(ctx context.Context) (string, error) {
	if err := c.guard(); err != nil {
		return "", err
	}
	return c.state.Export(ctx)
}

// ImportState applies a caller-supplied snapshot string, overwriting
// current content.
func (c *Controller) ImportState(ctx context.Context, blob string) error {
	if err := c.guard(); err != nil {
		return err
	}
	if err := c.state.Import(ctx, blob); err != nil {
		return err
	}
	c.state.MarkDirty()
	return nil
}

// Dirty reports whether unsaved changes exist.
func (c *Controller) Dirty() bool {
	return c.state.Dirty()
}

// Cleanup persists dirty state, then tears down the runtime.
// Idempotent and safe even when never fully initialized.
func (c *Controller) Cleanup(ctx context.Context) {
	c.mu.Lock()
	initialized := c.initialized
	c.initialized = false
	c.mu.Unlock()

	if initialized {
		c.state.Cleanup(ctx)
	}
	if err := c.rt.Cleanup(); err != nil {
		log.Warnf("session: runtime cleanup failed: %v", err)
	}
	c.bridge.Close()
}
