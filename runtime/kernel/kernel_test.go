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
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-pyspace-go/runtime"
)

func TestNewDefaults(t *testing.T) {
	i := New()
	assert.Equal(t, "127.0.0.1", i.ip)
	assert.Equal(t, 8888, i.port)
	assert.Equal(t, "python3", i.kernelName)
	assert.Len(t, i.token, 32)
	assert.Equal(t, runtime.StatusUninitialized, i.Status())
}

func TestNewOptions(t *testing.T) {
	i := New(
		WithIP("0.0.0.0"),
		WithPort(9999),
		WithToken("secret"),
		WithKernelName("python3-custom"),
		WithWorkRoot("/tmp/work"),
		WithStartTimeout(time.Minute),
		WithWaitReadyTimeout(time.Minute),
	)
	assert.Equal(t, "0.0.0.0", i.ip)
	assert.Equal(t, 9999, i.port)
	assert.Equal(t, "secret", i.token)
	assert.Equal(t, "python3-custom", i.kernelName)
	assert.Equal(t, "/tmp/work", i.workRoot)
	assert.Equal(t, time.Minute, i.startTimeout)
	assert.Equal(t, time.Minute, i.waitReadyTimeout)
}

func TestRunPythonBeforeInitialize(t *testing.T) {
	i := New()
	_, err := i.RunPython(context.Background(), "print(1)")
	assert.ErrorIs(t, err, runtime.ErrNotReady)
}

func TestCleanupRemovesMount(t *testing.T) {
	i := New(WithWorkRoot(t.TempDir()))
	require.NoError(t, i.ensureMount())
	mount := i.MountDir()
	require.NoError(t, i.WriteFile("a.txt", []byte("x")))

	require.NoError(t, i.Cleanup())

	_, err := os.Stat(mount)
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, runtime.StatusUninitialized, i.Status())

	// Repeated cleanup is a no-op.
	assert.NoError(t, i.Cleanup())
}

func TestInitializeAfterCleanup(t *testing.T) {
	i := New(WithWorkRoot(t.TempDir()))
	require.NoError(t, i.Cleanup())

	err := i.Initialize(context.Background(), runtime.Sinks{})
	assert.ErrorIs(t, err, runtime.ErrClosed)
}

func TestLockedBufferConcurrentScan(t *testing.T) {
	buff := &lockedBuffer{}
	done := make(chan struct{})

	// Mirror the startup scan: one goroutine appends stderr lines while
	// the reader polls for the readiness marker.
	go func() {
		defer close(done)
		for n := 0; n < 100; n++ {
			fmt.Fprintf(buff, "log line %d\n", n)
		}
		fmt.Fprintln(buff, "Jupyter Kernel Gateway is available at http://127.0.0.1:8888")
	}()

	scan := bufio.NewReader(buff)
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("readiness marker never observed")
		default:
		}
		line, _, _ := scan.ReadLine()
		if strings.Contains(string(line), "is available at") {
			break
		}
	}
	<-done
}

func TestEnsureMountReuse(t *testing.T) {
	i := New(WithWorkRoot(t.TempDir()))
	require.NoError(t, i.ensureMount())
	first := i.MountDir()
	require.NoError(t, i.ensureMount())
	assert.Equal(t, first, i.MountDir())
}
