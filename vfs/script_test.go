//
// Tencent is pleased to support the open source community by making trpc-pyspace-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-pyspace-go is licensed under the Apache License Version 2.0.
//
//

package vfs

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractPayload(t *testing.T) {
	stdout := fmt.Sprintf("warning: something\n%s\n{\"version\":1,\"entries\":[{\"name\":\"a.txt\",\"path\":\"a.txt\",\"kind\":\"file\",\"size\":3,\"modified\":1700000000.5}]}\n%s\ntrailing\n",
		payloadBegin, payloadEnd)

	p, err := extractPayload(stdout)
	require.NoError(t, err)
	require.Len(t, p.Entries, 1)
	assert.Equal(t, "a.txt", p.Entries[0].Path)
	assert.Equal(t, int64(3), p.Entries[0].Size)
}

func TestExtractPayloadMissingMarkers(t *testing.T) {
	_, err := extractPayload(`{"version":1,"entries":[]}`)
	assert.Error(t, err)

	_, err = extractPayload(payloadBegin + "\n{}")
	assert.Error(t, err)
}

func TestExtractPayloadBadVersion(t *testing.T) {
	stdout := payloadBegin + "\n{\"version\":99,\"entries\":[]}\n" + payloadEnd
	_, err := extractPayload(stdout)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "version")
}

func TestExtractPayloadMalformedJSON(t *testing.T) {
	stdout := payloadBegin + "\nnot json\n" + payloadEnd
	_, err := extractPayload(stdout)
	assert.Error(t, err)
}

func TestListScriptFlags(t *testing.T) {
	script := listScript("data", true, "needle", true, false)
	assert.Contains(t, script, `base = "data"`)
	assert.Contains(t, script, "recursive = True")
	assert.Contains(t, script, `term = "needle"`)
	assert.Contains(t, script, "by_content = True")
	assert.Contains(t, script, "with_content = False")
	assert.Contains(t, script, payloadBegin)
	assert.Contains(t, script, payloadEnd)
}

func TestScriptsQuotePaths(t *testing.T) {
	// Quotes and backslashes must not break out of the string literal.
	script := deleteScript(`we"ird\name`)
	assert.Contains(t, script, `p = "we\"ird\\name"`)

	script = moveScript("a b.txt", "c/d.txt")
	assert.Contains(t, script, `src, dst = "a b.txt", "c/d.txt"`)
}

func TestPyBool(t *testing.T) {
	assert.Equal(t, "True", pyBool(true))
	assert.Equal(t, "False", pyBool(false))
}

func TestInfoScriptSingleEntry(t *testing.T) {
	script := infoScript("data/a.txt")
	assert.Contains(t, script, `p = "data/a.txt"`)
	assert.True(t, strings.Contains(script, "os.path.exists"))
}
