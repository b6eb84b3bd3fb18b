//
// Tencent is pleased to support the open source community by making trpc-pyspace-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-pyspace-go is licensed under the Apache License Version 2.0.
//
//

package vfs

// Structural mutations and traversals are delegated to the interpreter
// because it owns the canonical mount. Traversals serialize their
// results as a versioned JSON payload between sentinel markers so that
// the bridge can pick them out of mixed interpreter output.

import (
	"encoding/json"
	"fmt"
	"strings"
)

// payloadVersion is the schema version of interpreter-produced
// payloads. Unknown versions are rejected on receipt.
const payloadVersion = 1

const (
	payloadBegin = "<<pyspace:payload>>"
	payloadEnd   = "<<pyspace:end>>"
)

type listPayload struct {
	Version int            `json:"version"`
	Entries []payloadEntry `json:"entries"`
}

type payloadEntry struct {
	Name     string  `json:"name"`
	Path     string  `json:"path"`
	Kind     string  `json:"kind"`
	Size     int64   `json:"size"`
	Modified float64 `json:"modified"`
	Content  *string `json:"content,omitempty"`
}

// extractPayload parses the sentinel-delimited JSON payload out of
// interpreter stdout and validates its version.
func extractPayload(stdout string) (listPayload, error) {
	begin := strings.Index(stdout, payloadBegin)
	end := strings.LastIndex(stdout, payloadEnd)
	if begin < 0 || end < 0 || end < begin {
		return listPayload{}, fmt.Errorf("vfs: payload markers missing in interpreter output")
	}
	raw := strings.TrimSpace(stdout[begin+len(payloadBegin) : end])

	var p listPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return listPayload{}, fmt.Errorf("vfs: malformed payload: %w", err)
	}
	if p.Version != payloadVersion {
		return listPayload{}, fmt.Errorf("vfs: unsupported payload version %d", p.Version)
	}
	return p, nil
}

// pyBool renders a Go bool as a Python literal.
func pyBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

// listScript builds a traversal of base. When recursive is false only
// the direct children are listed. A non-empty term keeps entries whose
// name contains it (or whose content contains it when byContent is
// set). withContent inlines file contents into the payload.
func listScript(base string, recursive bool, term string, byContent, withContent bool) string {
	return fmt.Sprintf(`import json, os

def _entry(p, with_content):
    st = os.stat(p)
    is_dir = os.path.isdir(p)
    e = {
        "name": os.path.basename(p) or p,
        "path": os.path.relpath(p, ".").replace(os.sep, "/"),
        "kind": "directory" if is_dir else "file",
        "size": 0 if is_dir else st.st_size,
        "modified": st.st_mtime,
    }
    if with_content and not is_dir:
        with open(p, "r", errors="replace") as f:
            e["content"] = f.read()
    return e

def _matches(p, term, by_content):
    if not term:
        return True
    if term.lower() in os.path.basename(p).lower():
        return True
    if by_content and os.path.isfile(p):
        try:
            with open(p, "r", errors="replace") as f:
                return term in f.read()
        except OSError:
            return False
    return False

base = %q
recursive = %s
term = %q
by_content = %s
with_content = %s
entries = []
if recursive:
    for root, dirs, files in os.walk(base):
        for name in sorted(dirs) + sorted(files):
            p = os.path.join(root, name)
            if _matches(p, term, by_content):
                entries.append(_entry(p, with_content))
elif os.path.isdir(base):
    for name in sorted(os.listdir(base)):
        p = os.path.join(base, name)
        if _matches(p, term, by_content):
            entries.append(_entry(p, with_content))
print(%q)
print(json.dumps({"version": %d, "entries": entries}))
print(%q)
`, base, pyBool(recursive), term, pyBool(byContent), pyBool(withContent),
		payloadBegin, payloadVersion, payloadEnd)
}

// infoScript stats a single path; the payload holds zero or one entry.
func infoScript(path string) string {
	return fmt.Sprintf(`import json, os

p = %q
entries = []
if os.path.exists(p):
    st = os.stat(p)
    is_dir = os.path.isdir(p)
    entries.append({
        "name": os.path.basename(p) or p,
        "path": os.path.relpath(p, ".").replace(os.sep, "/"),
        "kind": "directory" if is_dir else "file",
        "size": 0 if is_dir else st.st_size,
        "modified": st.st_mtime,
    })
print(%q)
print(json.dumps({"version": %d, "entries": entries}))
print(%q)
`, path, payloadBegin, payloadVersion, payloadEnd)
}

func deleteScript(path string) string {
	return fmt.Sprintf(`import os, shutil

p = %q
if os.path.isdir(p) and not os.path.islink(p):
    shutil.rmtree(p)
else:
    os.remove(p)
`, path)
}

func moveScript(from, to string) string {
	return fmt.Sprintf(`import os, shutil

src, dst = %q, %q
d = os.path.dirname(dst)
if d:
    os.makedirs(d, exist_ok=True)
shutil.move(src, dst)
`, from, to)
}

func copyScript(from, to string) string {
	return fmt.Sprintf(`import os, shutil

src, dst = %q, %q
d = os.path.dirname(dst)
if d:
    os.makedirs(d, exist_ok=True)
if os.path.isdir(src):
    shutil.copytree(src, dst, dirs_exist_ok=True)
else:
    shutil.copy2(src, dst)
`, from, to)
}

func mkdirScript(path string) string {
	return fmt.Sprintf(`import os

os.makedirs(%q, exist_ok=True)
`, path)
}
