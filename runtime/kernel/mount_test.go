//
// Tencent is pleased to support the open source community by making trpc-pyspace-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-pyspace-go is licensed under the Apache License Version 2.0.
//
//

package kernel

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-pyspace-go/runtime"
)

func newMountedInterpreter(t *testing.T) *Interpreter {
	t.Helper()
	i := New(WithWorkRoot(t.TempDir()))
	require.NoError(t, i.ensureMount())
	return i
}

func TestMountReadWriteExists(t *testing.T) {
	i := newMountedInterpreter(t)

	assert.False(t, i.Exists("data/a.txt"))
	require.NoError(t, i.WriteFile("data/a.txt", []byte("content")))
	assert.True(t, i.Exists("data/a.txt"))

	data, err := i.ReadFile("data/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "content", string(data))

	_, err = i.ReadFile("missing.txt")
	assert.Error(t, err)
}

func TestMountAccessorsBeforeMount(t *testing.T) {
	i := New()
	assert.Empty(t, i.MountDir())

	_, err := i.ReadFile("a.txt")
	assert.ErrorIs(t, err, runtime.ErrNotReady)
	assert.ErrorIs(t, i.WriteFile("a.txt", nil), runtime.ErrNotReady)
	assert.False(t, i.Exists("a.txt"))
	assert.ErrorIs(t, i.SyncFileSystem(context.Background()), runtime.ErrNotReady)
}

func TestResolveRejectsEscapes(t *testing.T) {
	i := newMountedInterpreter(t)

	require.NoError(t, i.WriteFile("ok.txt", []byte("x")))

	// Escaping segments are cleaned relative to the mount root, never
	// beyond it.
	dst, err := i.resolve("../../etc/passwd")
	require.NoError(t, err)
	assert.Contains(t, dst, i.MountDir())

	_, err = i.resolve("")
	assert.Error(t, err)
}

func TestSyncFileSystemManifest(t *testing.T) {
	i := newMountedInterpreter(t)
	ctx := context.Background()

	require.NoError(t, i.WriteFile("a.txt", []byte("aa")))
	require.NoError(t, i.WriteFile("data/b.txt", []byte("bbb")))

	require.NoError(t, i.SyncFileSystem(ctx))

	manifest := i.Manifest()
	byPath := map[string]runtime.MountEntry{}
	for _, e := range manifest {
		byPath[e.Path] = e
	}
	require.Contains(t, byPath, "a.txt")
	require.Contains(t, byPath, "data")
	require.Contains(t, byPath, "data/b.txt")
	assert.False(t, byPath["a.txt"].Dir)
	assert.True(t, byPath["data"].Dir)
	assert.Equal(t, int64(3), byPath["data/b.txt"].Size)

	// Mutations become observable only after the next sync.
	require.NoError(t, os.Remove(i.MountDir()+"/a.txt"))
	assert.Contains(t, byPath, "a.txt")
	require.NoError(t, i.SyncFileSystem(ctx))
	for _, e := range i.Manifest() {
		assert.NotEqual(t, "a.txt", e.Path)
	}
}
