//
// Tencent is pleased to support the open source community by making trpc-pyspace-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-pyspace-go is licensed under the Apache License Version 2.0.
//
//

// Package runtime defines the interpreter controller that owns the
// embedded Python runtime and its workspace mount.
package runtime

import (
	"context"
	"errors"
	"time"
)

// Status describes the interpreter lifecycle.
type Status int32

// Interpreter lifecycle states.
const (
	StatusUninitialized Status = iota
	StatusInitializing
	StatusReady
	StatusError
)

// String implements the Stringer interface.
func (s Status) String() string {
	switch s {
	case StatusUninitialized:
		return "uninitialized"
	case StatusInitializing:
		return "initializing"
	case StatusReady:
		return "ready"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Contract errors. These signal caller misuse and are the only errors
// RunPython returns; program-level failures are reported inside the
// ExecutionResult instead.
var (
	// ErrNotReady is returned when an operation requires a ready interpreter.
	ErrNotReady = errors.New("runtime: interpreter not ready")
	// ErrExecutionInFlight is returned when RunPython is called while a
	// prior execution has not settled. Overlapping executions are
	// rejected, never queued.
	ErrExecutionInFlight = errors.New("runtime: an execution is already in flight")
	// ErrClosed is returned when the interpreter has been cleaned up.
	ErrClosed = errors.New("runtime: interpreter closed")
)

// ExecutionResult is the outcome of a single RunPython call.
// User-code failures set Success to false and describe the failure in
// Error; they are expected, recoverable outcomes and never surface as
// Go errors.
type ExecutionResult struct {
	// Success reports whether the program ran to completion.
	Success bool
	// Value holds a best-effort textual repr of the last expression.
	Value string
	// Stdout is the captured standard output.
	Stdout string
	// Stderr is the captured standard error.
	Stderr string
	// Error describes the failure when Success is false.
	Error string
}

// OutputSink receives one output chunk as it is produced.
type OutputSink func(text string)

// Sinks carries the caller-supplied stdout/stderr callbacks registered
// at Initialize time.
type Sinks struct {
	Stdout OutputSink
	Stderr OutputSink
}

// MountEntry is one file or directory in the interpreter mount as
// observed at the last SyncFileSystem.
type MountEntry struct {
	Path    string
	Dir     bool
	Size    int64
	ModTime time.Time
}

// Controller owns the embedded interpreter instance. The session
// controller owns the Controller; the filesystem bridge and package
// manager hold non-owning references to it.
type Controller interface {
	// Initialize brings up the interpreter with the given output sinks.
	// It is idempotent: concurrent calls join the in-flight bring-up and
	// calls after success return immediately. On failure the controller
	// returns to a non-ready state and a retry is permitted.
	Initialize(ctx context.Context, sinks Sinks) error

	// RunPython submits source for execution. It returns ErrNotReady
	// before initialization and ErrExecutionInFlight when a prior call
	// has not settled; in every other case it returns an
	// ExecutionResult, with program failures reported inside it.
	RunPython(ctx context.Context, source string) (ExecutionResult, error)

	// ReadFile reads a mount-relative file. No network involvement.
	ReadFile(path string) ([]byte, error)
	// WriteFile writes a mount-relative file, creating parents.
	WriteFile(path string, content []byte) error
	// Exists reports whether a mount-relative path exists.
	Exists(path string) bool

	// SyncFileSystem refreshes the externally observable mount state.
	// It must run after any structural mutation performed by
	// interpreter-executed code, since those are otherwise invisible to
	// the bridge.
	SyncFileSystem(ctx context.Context) error
	// Manifest returns the mount entries captured by the last sync.
	Manifest() []MountEntry

	// Status reports the current lifecycle state.
	Status() Status

	// Cleanup releases the interpreter and associated resources. It is
	// safe to call repeatedly and from a partially initialized state.
	Cleanup() error
}

// Span names and attribute keys used by controller implementations.
const (
	SpanRuntimeInit = "pyspace.runtime.initialize"
	SpanRunPython   = "pyspace.runtime.run_python"
	SpanMountSync   = "pyspace.runtime.sync"

	AttrKernelName = "pyspace.kernel.name"
	AttrSourceLen  = "pyspace.source.len"
	AttrSuccess    = "pyspace.success"
	AttrMountPath  = "pyspace.mount.path"
	AttrEntryCount = "pyspace.entry.count"
)
