//
// Tencent is pleased to support the open source community by making trpc-pyspace-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-pyspace-go is licensed under the Apache License Version 2.0.
//
//

// Package runtimetest provides an in-memory runtime.Controller fake
// that understands the interpreter scripts generated by the bridge and
// package manager, so subsystem tests run without a Python kernel.
package runtimetest

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"trpc.group/trpc-go/trpc-pyspace-go/runtime"
)

const (
	payloadBegin = "<<pyspace:payload>>"
	payloadEnd   = "<<pyspace:end>>"
	pipOK        = "pyspace-pip-ok"
	pipFail      = "pyspace-pip-fail"
)

var (
	rePath    = regexp.MustCompile(`(?m)^p = "(.*)"$`)
	reSrcDst  = regexp.MustCompile(`(?m)^src, dst = "(.*)", "(.*)"$`)
	rePipArgs = regexp.MustCompile(`\+ (\[[^\]]*\])`)
	reBase    = regexp.MustCompile(`(?m)^base = "(.*)"$`)
	reTerm    = regexp.MustCompile(`(?m)^term = "(.*)"$`)
	reContent = regexp.MustCompile(`(?m)^with_content = (True|False)$`)
	reByCont  = regexp.MustCompile(`(?m)^by_content = (True|False)$`)
	reRecurse = regexp.MustCompile(`(?m)^recursive = (True|False)$`)
)

// FakeController is an in-memory stand-in for the kernel interpreter.
type FakeController struct {
	mu sync.Mutex

	// Files maps mount-relative paths to content.
	Files map[string][]byte
	// Packages maps installed package names to versions.
	Packages map[string]string

	// RunHook, when set, intercepts RunPython. Returning handled=false
	// falls through to the built-in script emulation.
	RunHook func(source string) (res runtime.ExecutionResult, handled bool)

	// Calls records every RunPython source in order.
	Calls []string
	// Syncs counts SyncFileSystem invocations.
	Syncs int
	// InitCount counts underlying bring-ups.
	InitCount int
	// CleanupCount counts Cleanup invocations.
	CleanupCount int
	// InitErr, when set, fails Initialize.
	InitErr error
	// InitDelay stretches the bring-up to widen concurrency windows.
	InitDelay time.Duration
	// PipFails forces pip operations to report failure.
	PipFails bool

	status   runtime.Status
	sinks    runtime.Sinks
	manifest []runtime.MountEntry
}

var _ runtime.Controller = (*FakeController)(nil)

// New creates an empty fake controller.
func New() *FakeController {
	return &FakeController{
		Files:    make(map[string][]byte),
		Packages: make(map[string]string),
	}
}

// Initialize simulates the interpreter bring-up.
func (f *FakeController) Initialize(ctx context.Context, sinks runtime.Sinks) error {
	f.mu.Lock()
	f.InitCount++
	delay := f.InitDelay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.InitErr != nil {
		f.status = runtime.StatusError
		return f.InitErr
	}
	f.sinks = sinks
	f.status = runtime.StatusReady
	return nil
}

// Status reports the simulated lifecycle state.
func (f *FakeController) Status() runtime.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

// Cleanup tears the fake down.
func (f *FakeController) Cleanup() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CleanupCount++
	f.status = runtime.StatusUninitialized
	return nil
}

// ReadFile reads from the in-memory mount.
func (f *FakeController) ReadFile(p string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.Files[p]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", p, fs.ErrNotExist)
	}
	out := make([]byte, len(content))
	copy(out, content)
	return out, nil
}

// WriteFile writes to the in-memory mount.
func (f *FakeController) WriteFile(p string, content []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := make([]byte, len(content))
	copy(stored, content)
	f.Files[p] = stored
	return nil
}

// Exists reports membership in the in-memory mount.
func (f *FakeController) Exists(p string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.Files[p]
	return ok
}

// SyncFileSystem rebuilds the manifest from the in-memory mount.
func (f *FakeController) SyncFileSystem(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Syncs++
	f.manifest = f.manifest[:0]
	for p, content := range f.Files {
		f.manifest = append(f.manifest, runtime.MountEntry{
			Path:    p,
			Size:    int64(len(content)),
			ModTime: time.Now(),
		})
	}
	sort.Slice(f.manifest, func(i, j int) bool {
		return f.manifest[i].Path < f.manifest[j].Path
	})
	return nil
}

// Manifest returns the entries captured by the last sync.
func (f *FakeController) Manifest() []runtime.MountEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]runtime.MountEntry, len(f.manifest))
	copy(out, f.manifest)
	return out
}

// RunPython emulates the interpreter scripts the subsystems generate.
func (f *FakeController) RunPython(ctx context.Context, source string) (runtime.ExecutionResult, error) {
	f.mu.Lock()
	if f.status != runtime.StatusReady {
		f.mu.Unlock()
		return runtime.ExecutionResult{}, runtime.ErrNotReady
	}
	f.Calls = append(f.Calls, source)
	hook := f.RunHook
	sinks := f.sinks
	f.mu.Unlock()

	if hook != nil {
		if res, handled := hook(source); handled {
			f.emit(sinks, res)
			return res, nil
		}
	}

	res := f.dispatch(source)
	f.emit(sinks, res)
	return res, nil
}

func (f *FakeController) emit(sinks runtime.Sinks, res runtime.ExecutionResult) {
	if res.Stdout != "" && sinks.Stdout != nil {
		sinks.Stdout(res.Stdout)
	}
	if res.Stderr != "" && sinks.Stderr != nil {
		sinks.Stderr(res.Stderr)
	}
}

func (f *FakeController) dispatch(source string) runtime.ExecutionResult {
	switch {
	case strings.Contains(source, `find_spec("pip")`):
		return ok(pipOK + "\n")
	case strings.Contains(source, `"-m", "pip"`):
		return f.runPip(source)
	case strings.Contains(source, "metadata.distributions"):
		return f.installedPayload()
	case strings.Contains(source, "os.walk") || strings.Contains(source, "os.listdir"):
		return f.listingPayload(source)
	case strings.Contains(source, "os.path.exists"):
		return f.infoPayload(source)
	case strings.Contains(source, "shutil.rmtree"):
		return f.remove(source)
	case strings.Contains(source, "shutil.move"):
		return f.move(source)
	case strings.Contains(source, "shutil.copytree"):
		return f.copy(source)
	case strings.Contains(source, "os.makedirs"):
		return ok("")
	default:
		return ok("")
	}
}

func ok(stdout string) runtime.ExecutionResult {
	return runtime.ExecutionResult{Success: true, Stdout: stdout}
}

func fail(msg string) runtime.ExecutionResult {
	return runtime.ExecutionResult{Success: false, Error: msg, Stderr: msg}
}

func (f *FakeController) runPip(source string) runtime.ExecutionResult {
	m := rePipArgs.FindStringSubmatch(source)
	if m == nil {
		return fail("SyntaxError: bad pip invocation")
	}
	var args []string
	if err := json.Unmarshal([]byte(m[1]), &args); err != nil || len(args) == 0 {
		return fail("SyntaxError: bad pip args")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PipFails {
		return ok(pipFail + "\n")
	}
	switch args[0] {
	case "install":
		spec := args[len(args)-1]
		name, version := spec, ""
		if i := strings.Index(spec, "=="); i >= 0 {
			name, version = spec[:i], spec[i+2:]
		}
		if version == "" {
			version = "1.0.0"
		}
		f.Packages[name] = version
	case "uninstall":
		delete(f.Packages, args[len(args)-1])
	}
	return ok(pipOK + "\n")
}

func (f *FakeController) installedPayload() runtime.ExecutionResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	type pkg struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	}
	pkgs := make([]pkg, 0, len(f.Packages))
	for name, version := range f.Packages {
		pkgs = append(pkgs, pkg{Name: name, Version: version})
	}
	sort.Slice(pkgs, func(i, j int) bool { return pkgs[i].Name < pkgs[j].Name })
	blob, _ := json.Marshal(map[string]any{"version": 1, "packages": pkgs})
	return ok(payloadBegin + "\n" + string(blob) + "\n" + payloadEnd + "\n")
}

type listingEntry struct {
	Name     string  `json:"name"`
	Path     string  `json:"path"`
	Kind     string  `json:"kind"`
	Size     int64   `json:"size"`
	Modified float64 `json:"modified"`
	Content  *string `json:"content,omitempty"`
}

func (f *FakeController) listingPayload(source string) runtime.ExecutionResult {
	base := submatch(reBase, source)
	term := submatch(reTerm, source)
	withContent := submatch(reContent, source) == "True"
	byContent := submatch(reByCont, source) == "True"
	recursive := submatch(reRecurse, source) == "True"

	f.mu.Lock()
	defer f.mu.Unlock()
	var entries []listingEntry
	for p, content := range f.Files {
		if !inScope(p, base, recursive) {
			continue
		}
		if term != "" && !matches(p, content, term, byContent) {
			continue
		}
		e := listingEntry{
			Name:     path.Base(p),
			Path:     p,
			Kind:     "file",
			Size:     int64(len(content)),
			Modified: float64(time.Now().Unix()),
		}
		if withContent {
			s := string(content)
			e.Content = &s
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	blob, _ := json.Marshal(map[string]any{"version": 1, "entries": entries})
	return ok(payloadBegin + "\n" + string(blob) + "\n" + payloadEnd + "\n")
}

func (f *FakeController) infoPayload(source string) runtime.ExecutionResult {
	p := submatch(rePath, source)
	f.mu.Lock()
	defer f.mu.Unlock()
	var entries []listingEntry
	if content, okFile := f.Files[p]; okFile {
		entries = append(entries, listingEntry{
			Name:     path.Base(p),
			Path:     p,
			Kind:     "file",
			Size:     int64(len(content)),
			Modified: float64(time.Now().Unix()),
		})
	}
	blob, _ := json.Marshal(map[string]any{"version": 1, "entries": entries})
	return ok(payloadBegin + "\n" + string(blob) + "\n" + payloadEnd + "\n")
}

func (f *FakeController) remove(source string) runtime.ExecutionResult {
	p := submatch(rePath, source)
	f.mu.Lock()
	defer f.mu.Unlock()
	removed := false
	for k := range f.Files {
		if k == p || strings.HasPrefix(k, p+"/") {
			delete(f.Files, k)
			removed = true
		}
	}
	if !removed {
		return fail(fmt.Sprintf("FileNotFoundError: %s", p))
	}
	return ok("")
}

func (f *FakeController) move(source string) runtime.ExecutionResult {
	m := reSrcDst.FindStringSubmatch(source)
	if m == nil {
		return fail("SyntaxError: bad move")
	}
	src, dst := m[1], m[2]
	f.mu.Lock()
	defer f.mu.Unlock()
	moved := false
	for k, v := range f.Files {
		if k == src {
			f.Files[dst] = v
			delete(f.Files, k)
			moved = true
		} else if strings.HasPrefix(k, src+"/") {
			f.Files[dst+strings.TrimPrefix(k, src)] = v
			delete(f.Files, k)
			moved = true
		}
	}
	if !moved {
		return fail(fmt.Sprintf("FileNotFoundError: %s", src))
	}
	return ok("")
}

func (f *FakeController) copy(source string) runtime.ExecutionResult {
	m := reSrcDst.FindStringSubmatch(source)
	if m == nil {
		return fail("SyntaxError: bad copy")
	}
	src, dst := m[1], m[2]
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := false
	for k, v := range f.Files {
		if k == src {
			f.Files[dst] = append([]byte(nil), v...)
			copied = true
		} else if strings.HasPrefix(k, src+"/") {
			f.Files[dst+strings.TrimPrefix(k, src)] = append([]byte(nil), v...)
			copied = true
		}
	}
	if !copied {
		return fail(fmt.Sprintf("FileNotFoundError: %s", src))
	}
	return ok("")
}

func submatch(re *regexp.Regexp, source string) string {
	m := re.FindStringSubmatch(source)
	if m == nil {
		return ""
	}
	return m[1]
}

func inScope(p, base string, recursive bool) bool {
	if base == "" || base == "." {
		return recursive || !strings.Contains(p, "/")
	}
	if !strings.HasPrefix(p, base+"/") {
		return false
	}
	if recursive {
		return true
	}
	return !strings.Contains(strings.TrimPrefix(p, base+"/"), "/")
}

func matches(p string, content []byte, term string, byContent bool) bool {
	if strings.Contains(strings.ToLower(path.Base(p)), strings.ToLower(term)) {
		return true
	}
	return byContent && strings.Contains(string(content), term)
}
