//
// Tencent is pleased to support the open source community by making trpc-pyspace-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-pyspace-go is licensed under the Apache License Version 2.0.
//
//

// Package pypkg installs and queries Python packages inside the
// embedded interpreter and searches the external package index.
package pypkg

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"trpc.group/trpc-go/trpc-pyspace-go/log"
	"trpc.group/trpc-go/trpc-pyspace-go/runtime"
)

const (
	defaultIndexURL     = "https://pypi.org"
	defaultIndexTimeout = 10 * time.Second

	// Sentinel tokens printed by interpreter-side pip wrappers.
	pipOK   = "pyspace-pip-ok"
	pipFail = "pyspace-pip-fail"

	payloadBegin   = "<<pyspace:payload>>"
	payloadEnd     = "<<pyspace:end>>"
	payloadVersion = 1
)

// Package is one installed Python distribution.
type Package struct {
	Name      string
	Version   string
	Installed bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithIndexURL sets the package index base URL.
func WithIndexURL(u string) Option {
	return func(m *Manager) { m.indexURL = strings.TrimSuffix(u, "/") }
}

// WithHTTPClient sets the HTTP client used for index queries.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.httpClient = c }
}

// Manager installs packages through the interpreter's pip and queries
// the package index over the network. It holds a non-owning reference
// to the runtime controller.
type Manager struct {
	rt         runtime.Controller
	indexURL   string
	httpClient *http.Client
}

// New creates a Manager around the given controller.
func New(rt runtime.Controller, opts ...Option) *Manager {
	m := &Manager{
		rt:       rt,
		indexURL: defaultIndexURL,
		httpClient: &http.Client{
			Timeout: defaultIndexTimeout,
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize verifies the interpreter's installer is usable. Must run
// only after the runtime controller is ready.
func (m *Manager) Initialize(ctx context.Context) error {
	probe := fmt.Sprintf(`import importlib.util
print(%q if importlib.util.find_spec("pip") else %q)
`, pipOK, pipFail)
	res, err := m.rt.RunPython(ctx, probe)
	if err != nil {
		return err
	}
	if !res.Success || !strings.Contains(res.Stdout, pipOK) {
		return fmt.Errorf("pypkg: pip is not available in the interpreter")
	}
	return nil
}

// Install installs a package, optionally pinned to a version. Failures
// are reported as false, never as an error.
func (m *Manager) Install(ctx context.Context, name, version string) bool {
	spec := name
	if version != "" {
		spec = name + "==" + version
	}
	return m.runPip(ctx, "install", []string{"install", "--quiet", spec})
}

// Uninstall removes a package. Failures are reported as false.
func (m *Manager) Uninstall(ctx context.Context, name string) bool {
	return m.runPip(ctx, "uninstall", []string{"uninstall", "--yes", "--quiet", name})
}

func (m *Manager) runPip(ctx context.Context, op string, args []string) bool {
	argv, err := json.Marshal(args)
	if err != nil {
		return false
	}
	code := fmt.Sprintf(`import subprocess, sys
r = subprocess.run([sys.executable, "-m", "pip"] + %s)
print(%q if r.returncode == 0 else %q)
`, string(argv), pipOK, pipFail)

	res, err := m.rt.RunPython(ctx, code)
	if err != nil {
		log.Warnf("pypkg: pip %s rejected: %v", op, err)
		return false
	}
	if !res.Success || !strings.Contains(res.Stdout, pipOK) {
		log.Warnf("pypkg: pip %s failed: %s", op, res.Error)
		return false
	}
	return true
}

type installedPayload struct {
	Version  int `json:"version"`
	Packages []struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"packages"`
}

// Installed inspects the interpreter's package metadata and returns
// the installed set, sorted by name.
func (m *Manager) Installed(ctx context.Context) ([]Package, error) {
	code := fmt.Sprintf(`import json
from importlib import metadata
pkgs = []
for dist in metadata.distributions():
    name = dist.metadata.get("Name")
    if name:
        pkgs.append({"name": name, "version": dist.version})
print(%q)
print(json.dumps({"version": %d, "packages": pkgs}))
print(%q)
`, payloadBegin, payloadVersion, payloadEnd)

	res, err := m.rt.RunPython(ctx, code)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, fmt.Errorf("pypkg: metadata scan failed: %s", res.Error)
	}

	begin := strings.Index(res.Stdout, payloadBegin)
	end := strings.LastIndex(res.Stdout, payloadEnd)
	if begin < 0 || end < 0 || end < begin {
		return nil, fmt.Errorf("pypkg: payload markers missing in interpreter output")
	}
	raw := strings.TrimSpace(res.Stdout[begin+len(payloadBegin) : end])

	var p installedPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("pypkg: malformed payload: %w", err)
	}
	if p.Version != payloadVersion {
		return nil, fmt.Errorf("pypkg: unsupported payload version %d", p.Version)
	}

	packages := make([]Package, 0, len(p.Packages))
	for _, pkg := range p.Packages {
		packages = append(packages, Package{
			Name:      pkg.Name,
			Version:   pkg.Version,
			Installed: true,
		})
	}
	sort.Slice(packages, func(i, j int) bool {
		return strings.ToLower(packages[i].Name) < strings.ToLower(packages[j].Name)
	})
	return packages, nil
}
