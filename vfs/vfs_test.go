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
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-pyspace-go/internal/runtimetest"
	"trpc.group/trpc-go/trpc-pyspace-go/runtime"
	"trpc.group/trpc-go/trpc-pyspace-go/storage"
	"trpc.group/trpc-go/trpc-pyspace-go/storage/inmemory"
)

const testWorkspace = "ws-test"

func newTestBridge(t *testing.T) (*Bridge, *runtimetest.FakeController, *inmemory.Service) {
	t.Helper()
	fc := runtimetest.New()
	require.NoError(t, fc.Initialize(context.Background(), runtime.Sinks{}))
	store := inmemory.NewService()
	b, err := New(fc, store, testWorkspace)
	require.NoError(t, err)
	t.Cleanup(b.Close)
	return b, fc, store
}

func storePaths(t *testing.T, store *inmemory.Service) []string {
	t.Helper()
	records, err := store.ListFiles(context.Background(), testWorkspace)
	require.NoError(t, err)
	paths := make([]string, 0, len(records))
	for _, rec := range records {
		paths = append(paths, rec.Path)
	}
	return paths
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "foo.py", want: "foo.py"},
		{in: "/workspace/foo.py", want: "foo.py"},
		{in: "workspace/data/a.txt", want: "data/a.txt"},
		{in: "workspace", want: "."},
		{in: "/workspace", want: "."},
		{in: "", want: "."},
		{in: "/", want: "."},
		{in: `data\b.txt`, want: "data/b.txt"},
		{in: "./a/./b", want: "a/b"},
		{in: "  spaced.txt  ", want: "spaced.txt"},
		{in: "../escape.txt", wantErr: true},
		{in: "a/../../b", wantErr: true},
		{in: `..\escape.txt`, wantErr: true},
	}
	for _, tt := range tests {
		got, err := Normalize(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "input %q", tt.in)
			continue
		}
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got, "input %q", tt.in)
	}
}

func TestNormalizeFileRejectsRoot(t *testing.T) {
	_, err := normalizeFile("workspace")
	assert.Error(t, err)
	_, err = normalizeFile("")
	assert.Error(t, err)
}

func TestWriteFilePropagates(t *testing.T) {
	b, fc, store := newTestBridge(t)
	ctx := context.Background()

	require.NoError(t, b.WriteFile(ctx, "/workspace/main.py", []byte("print(1)")))

	data, err := fc.ReadFile("main.py")
	require.NoError(t, err)
	assert.Equal(t, "print(1)", string(data))

	assert.Eventually(t, func() bool {
		return len(storePaths(t, store)) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"main.py"}, storePaths(t, store))
}

type failingStore struct {
	storage.Service
}

func (f *failingStore) PutFile(ctx context.Context, workspaceID, path string, content []byte) error {
	return errors.New("storage unreachable")
}

func TestWriteFileSurvivesStorageFailure(t *testing.T) {
	fc := runtimetest.New()
	require.NoError(t, fc.Initialize(context.Background(), runtime.Sinks{}))
	b, err := New(fc, &failingStore{Service: inmemory.NewService()}, testWorkspace)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.WriteFile(context.Background(), "main.py", []byte("x")))
	assert.True(t, fc.Exists("main.py"))
}

func TestReadFileMissing(t *testing.T) {
	b, _, _ := newTestBridge(t)
	_, err := b.ReadFile("nope.txt")
	assert.Error(t, err)
}

func TestDeleteRetiresStorageRecords(t *testing.T) {
	b, fc, store := newTestBridge(t)
	ctx := context.Background()

	for _, p := range []string{"data/a.txt", "data/b.txt", "keep.txt"} {
		require.NoError(t, fc.WriteFile(p, []byte("x")))
		require.NoError(t, store.PutFile(ctx, testWorkspace, p, []byte("x")))
	}
	require.NoError(t, fc.SyncFileSystem(ctx))

	require.NoError(t, b.Delete(ctx, "data"))

	assert.False(t, fc.Exists("data/a.txt"))
	assert.False(t, fc.Exists("data/b.txt"))
	assert.True(t, fc.Exists("keep.txt"))

	assert.Eventually(t, func() bool {
		return len(storePaths(t, store)) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"keep.txt"}, storePaths(t, store))
}

func TestDeleteDirectoryWrittenThroughBridge(t *testing.T) {
	b, _, store := newTestBridge(t)
	ctx := context.Background()

	// No manual sync: the bridge itself must see its own writes when
	// retiring storage records.
	require.NoError(t, b.WriteFile(ctx, "data/a.txt", []byte("aa")))
	require.NoError(t, b.WriteFile(ctx, "data/b.txt", []byte("bb")))
	require.NoError(t, b.WriteFile(ctx, "keep.txt", []byte("kk")))
	assert.Eventually(t, func() bool {
		return len(storePaths(t, store)) == 3
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, b.Delete(ctx, "data"))

	assert.Eventually(t, func() bool {
		paths := storePaths(t, store)
		return len(paths) == 1 && paths[0] == "keep.txt"
	}, time.Second, 10*time.Millisecond)

	// A fresh session rehydrating from the same store must not see the
	// deleted files again.
	fc2 := runtimetest.New()
	require.NoError(t, fc2.Initialize(ctx, runtime.Sinks{}))
	b2, err := New(fc2, store, testWorkspace)
	require.NoError(t, err)
	defer b2.Close()

	require.NoError(t, b2.LoadFromStore(ctx))
	assert.False(t, fc2.Exists("data/a.txt"))
	assert.False(t, fc2.Exists("data/b.txt"))
	assert.True(t, fc2.Exists("keep.txt"))
}

func TestMoveWrittenThroughBridge(t *testing.T) {
	b, fc, store := newTestBridge(t)
	ctx := context.Background()

	require.NoError(t, b.WriteFile(ctx, "a.txt", []byte("content")))
	assert.Eventually(t, func() bool {
		return len(storePaths(t, store)) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, b.Move(ctx, "a.txt", "sub/b.txt"))

	assert.False(t, fc.Exists("a.txt"))
	assert.True(t, fc.Exists("sub/b.txt"))
	assert.Eventually(t, func() bool {
		paths := storePaths(t, store)
		return len(paths) == 1 && paths[0] == "sub/b.txt"
	}, time.Second, 10*time.Millisecond)
}

func TestDeleteMissing(t *testing.T) {
	b, _, _ := newTestBridge(t)
	err := b.Delete(context.Background(), "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "delete")
}

func TestMove(t *testing.T) {
	b, fc, store := newTestBridge(t)
	ctx := context.Background()

	require.NoError(t, fc.WriteFile("a.txt", []byte("content")))
	require.NoError(t, store.PutFile(ctx, testWorkspace, "a.txt", []byte("content")))
	require.NoError(t, fc.SyncFileSystem(ctx))

	require.NoError(t, b.Move(ctx, "a.txt", "sub/b.txt"))

	assert.False(t, fc.Exists("a.txt"))
	assert.True(t, fc.Exists("sub/b.txt"))

	assert.Eventually(t, func() bool {
		paths := storePaths(t, store)
		return len(paths) == 1 && paths[0] == "sub/b.txt"
	}, time.Second, 10*time.Millisecond)
}

func TestCopy(t *testing.T) {
	b, fc, store := newTestBridge(t)
	ctx := context.Background()

	require.NoError(t, fc.WriteFile("a.txt", []byte("content")))
	require.NoError(t, fc.SyncFileSystem(ctx))

	require.NoError(t, b.Copy(ctx, "a.txt", "b.txt"))

	assert.True(t, fc.Exists("a.txt"))
	data, err := fc.ReadFile("b.txt")
	require.NoError(t, err)
	assert.Equal(t, "content", string(data))

	assert.Eventually(t, func() bool {
		paths := storePaths(t, store)
		return len(paths) == 1 && paths[0] == "b.txt"
	}, time.Second, 10*time.Millisecond)
}

func TestCreateDirectory(t *testing.T) {
	b, _, _ := newTestBridge(t)
	assert.NoError(t, b.CreateDirectory(context.Background(), "data/nested"))
}

func TestListDirectory(t *testing.T) {
	b, fc, _ := newTestBridge(t)
	ctx := context.Background()

	require.NoError(t, fc.WriteFile("a.txt", []byte("aa")))
	require.NoError(t, fc.WriteFile("data/b.txt", []byte("bbb")))

	entries, err := b.ListDirectory(ctx, "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a.txt", entries[0].Name)
	assert.Equal(t, KindFile, entries[0].Kind)
	assert.Equal(t, int64(2), entries[0].Size)

	entries, err = b.ListDirectory(ctx, "data")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "data/b.txt", entries[0].Path)
}

func TestGetInfo(t *testing.T) {
	b, fc, _ := newTestBridge(t)
	ctx := context.Background()

	require.NoError(t, fc.WriteFile("a.txt", []byte("aaa")))

	info, err := b.GetInfo(ctx, "a.txt")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, int64(3), info.Size)

	info, err = b.GetInfo(ctx, "missing.txt")
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestSearchSubstring(t *testing.T) {
	b, fc, _ := newTestBridge(t)
	ctx := context.Background()

	require.NoError(t, fc.WriteFile("notes.txt", []byte("x")))
	require.NoError(t, fc.WriteFile("data/notes_old.txt", []byte("x")))
	require.NoError(t, fc.WriteFile("main.py", []byte("x")))

	entries, err := b.Search(ctx, "notes", false)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestSearchGlob(t *testing.T) {
	b, fc, _ := newTestBridge(t)
	ctx := context.Background()

	require.NoError(t, fc.WriteFile("main.py", []byte("x")))
	require.NoError(t, fc.WriteFile("pkg/util.py", []byte("x")))
	require.NoError(t, fc.WriteFile("notes.txt", []byte("x")))

	entries, err := b.Search(ctx, "**/*.py", false)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "main.py", entries[0].Path)
	assert.Equal(t, "pkg/util.py", entries[1].Path)
}

func TestSearchByContent(t *testing.T) {
	b, fc, _ := newTestBridge(t)
	ctx := context.Background()

	require.NoError(t, fc.WriteFile("a.txt", []byte("contains needle here")))
	require.NoError(t, fc.WriteFile("b.txt", []byte("nothing")))

	entries, err := b.Search(ctx, "needle", true)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a.txt", entries[0].Path)

	// Without content matching the same term finds nothing.
	entries, err = b.Search(ctx, "needle", false)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStats(t *testing.T) {
	b, fc, _ := newTestBridge(t)

	require.NoError(t, fc.WriteFile("a.txt", []byte("aa")))
	require.NoError(t, fc.WriteFile("data/b.txt", []byte("bbb")))

	st, err := b.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, st.Files)
	assert.Equal(t, int64(5), st.TotalBytes)
}

func TestUploadFile(t *testing.T) {
	b, fc, _ := newTestBridge(t)
	ctx := context.Background()

	dst, err := b.UploadFile(ctx, `C:\tmp\report.csv`, []byte("1,2"), "")
	require.NoError(t, err)
	assert.Equal(t, "report.csv", dst)
	assert.True(t, fc.Exists("report.csv"))

	dst, err = b.UploadFile(ctx, "ignored.bin", []byte("x"), "data/kept.bin")
	require.NoError(t, err)
	assert.Equal(t, "data/kept.bin", dst)
}

func TestDownloadFile(t *testing.T) {
	b, fc, _ := newTestBridge(t)

	require.NoError(t, fc.WriteFile("data/report.csv", []byte("1,2")))

	name, data, err := b.DownloadFile("data/report.csv")
	require.NoError(t, err)
	assert.Equal(t, "report.csv", name)
	assert.Equal(t, "1,2", string(data))

	_, _, err = b.DownloadFile("missing.csv")
	assert.Error(t, err)
}

func TestLoadFromStore(t *testing.T) {
	b, fc, store := newTestBridge(t)
	ctx := context.Background()

	require.NoError(t, store.PutFile(ctx, testWorkspace, "main.py", []byte("print(1)")))
	require.NoError(t, store.PutFile(ctx, testWorkspace, "data/a.txt", []byte("aa")))

	require.NoError(t, b.LoadFromStore(ctx))

	assert.True(t, fc.Exists("main.py"))
	assert.True(t, fc.Exists("data/a.txt"))
	assert.GreaterOrEqual(t, fc.Syncs, 1)
}

type listFailStore struct {
	storage.Service
}

func (f *listFailStore) ListFiles(ctx context.Context, workspaceID string) ([]storage.FileRecord, error) {
	return nil, errors.New("storage unreachable")
}

func TestLoadFromStoreFailurePropagates(t *testing.T) {
	fc := runtimetest.New()
	require.NoError(t, fc.Initialize(context.Background(), runtime.Sinks{}))
	b, err := New(fc, &listFailStore{Service: inmemory.NewService()}, testWorkspace)
	require.NoError(t, err)
	defer b.Close()

	assert.Error(t, b.LoadFromStore(context.Background()))
}

func TestExportFiles(t *testing.T) {
	b, fc, _ := newTestBridge(t)

	require.NoError(t, fc.WriteFile("b.txt", []byte("bb")))
	require.NoError(t, fc.WriteFile("a.txt", []byte("aa")))

	files, err := b.ExportFiles(context.Background())
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "a.txt", files[0].Path)
	assert.Equal(t, "aa", string(files[0].Content))
	assert.Equal(t, "b.txt", files[1].Path)
}

func TestOperationsRejectEscapingPaths(t *testing.T) {
	b, _, _ := newTestBridge(t)
	ctx := context.Background()

	assert.Error(t, b.WriteFile(ctx, "../escape.txt", []byte("x")))
	_, err := b.ReadFile("../escape.txt")
	assert.Error(t, err)
	assert.Error(t, b.Delete(ctx, "../escape"))
	assert.Error(t, b.Move(ctx, "../a", "b"))
	_, err = b.GetInfo(ctx, "a/../../b")
	assert.Error(t, err)
}

func TestOperationsRejectWhenRuntimeNotReady(t *testing.T) {
	fc := runtimetest.New()
	b, err := New(fc, inmemory.NewService(), testWorkspace)
	require.NoError(t, err)
	defer b.Close()

	_, listErr := b.ListDirectory(context.Background(), "")
	assert.ErrorIs(t, listErr, runtime.ErrNotReady)
}
