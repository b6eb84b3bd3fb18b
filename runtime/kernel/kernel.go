//
// Tencent is pleased to support the open source community by making trpc-pyspace-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-pyspace-go is licensed under the Apache License Version 2.0.
//
//

// Package kernel runs the embedded Python interpreter as a jupyter
// kernel gateway subprocess and implements runtime.Controller on top
// of it.
package kernel

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"trpc.group/trpc-go/trpc-pyspace-go/log"
	"trpc.group/trpc-go/trpc-pyspace-go/runtime"
	atrace "trpc.group/trpc-go/trpc-pyspace-go/telemetry/trace"
)

// Option defines configuration options for the Interpreter.
type Option func(*Interpreter)

// WithIP sets the IP address of the kernel gateway.
func WithIP(ip string) Option {
	return func(i *Interpreter) { i.ip = ip }
}

// WithPort sets the port number of the kernel gateway.
func WithPort(port int) Option {
	return func(i *Interpreter) { i.port = port }
}

// WithToken sets the authentication token for the kernel gateway.
func WithToken(token string) Option {
	return func(i *Interpreter) { i.token = token }
}

// WithKernelName sets the kernel name to launch.
func WithKernelName(name string) Option {
	return func(i *Interpreter) { i.kernelName = name }
}

// WithWorkRoot sets the host directory under which the workspace mount
// is created. When empty, the system temp directory is used.
func WithWorkRoot(root string) Option {
	return func(i *Interpreter) { i.workRoot = root }
}

// WithStartTimeout sets the timeout for the gateway startup.
func WithStartTimeout(timeout time.Duration) Option {
	return func(i *Interpreter) { i.startTimeout = timeout }
}

// WithWaitReadyTimeout sets the timeout for waiting for the kernel
// channel to be ready.
func WithWaitReadyTimeout(timeout time.Duration) Option {
	return func(i *Interpreter) { i.waitReadyTimeout = timeout }
}

// Interpreter executes Python through a jupyter kernel and exposes the
// kernel working directory as the workspace mount.
type Interpreter struct {
	mu sync.Mutex

	ip               string
	port             int
	token            string
	kernelName       string
	workRoot         string
	startTimeout     time.Duration
	waitReadyTimeout time.Duration

	status   runtime.Status
	initDone chan struct{}
	initErr  error
	sinks    runtime.Sinks
	closed   bool

	subprocess *exec.Cmd
	cli        *client
	ctx        context.Context
	cancel     context.CancelFunc

	mountDir string
	execSlot chan struct{}

	manifestMu sync.RWMutex
	manifest   []runtime.MountEntry
}

var _ runtime.Controller = (*Interpreter)(nil)

// New creates an Interpreter. The gateway subprocess is not launched
// until Initialize is called.
func New(opts ...Option) *Interpreter {
	ctx, cancel := context.WithCancel(context.Background())
	i := &Interpreter{
		ip:               "127.0.0.1",
		port:             8888,
		token:            generateToken(),
		kernelName:       "python3",
		startTimeout:     10 * time.Second,
		waitReadyTimeout: 10 * time.Second,
		ctx:              ctx,
		cancel:           cancel,
		execSlot:         make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Initialize brings up the gateway subprocess and the kernel channel.
// Concurrent calls collapse into the single in-flight bring-up.
func (i *Interpreter) Initialize(ctx context.Context, sinks runtime.Sinks) error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return runtime.ErrClosed
	}
	switch i.status {
	case runtime.StatusReady:
		i.mu.Unlock()
		return nil
	case runtime.StatusInitializing:
		done := i.initDone
		i.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		i.mu.Lock()
		err := i.initErr
		i.mu.Unlock()
		return err
	}
	i.status = runtime.StatusInitializing
	i.initDone = make(chan struct{})
	i.sinks = sinks
	done := i.initDone
	i.mu.Unlock()

	err := i.bringUp(ctx)

	i.mu.Lock()
	if err != nil {
		i.status = runtime.StatusError
		i.initErr = err
	} else {
		i.status = runtime.StatusReady
		i.initErr = nil
	}
	close(done)
	i.mu.Unlock()
	return err
}

func (i *Interpreter) bringUp(ctx context.Context) error {
	_, span := atrace.Tracer.Start(ctx, runtime.SpanRuntimeInit)
	span.SetAttributes(attribute.String(runtime.AttrKernelName, i.kernelName))
	defer span.End()

	if err := checkGateway(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if err := i.ensureMount(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetAttributes(attribute.String(runtime.AttrMountPath, i.mountDir))

	args := []string{
		"-m", "jupyter", "kernelgateway",
		"--KernelGatewayApp.ip", i.ip,
		"--KernelGatewayApp.auth_token", i.token,
		"--JupyterApp.answer_yes", "true",
		"--JupyterWebsocketPersonality.list_kernels", "true",
	}
	if i.port != 0 {
		args = append(args, "--KernelGatewayApp.port", strconv.Itoa(i.port))
		args = append(args, "--KernelGatewayApp.port_retries", "0")
	}

	i.subprocess = exec.CommandContext(i.ctx, "python", args...)
	// Kernels inherit the gateway working directory, which roots the
	// interpreter filesystem view at the mount.
	i.subprocess.Dir = i.mountDir

	buff := &lockedBuffer{}
	i.subprocess.Stderr = buff

	if err := i.subprocess.Start(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to start kernel gateway: %w", err)
	}

	timeout := time.After(i.startTimeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	scan := bufio.NewReader(buff)
	for {
		select {
		case <-timeout:
			i.teardownProcess()
			span.SetStatus(codes.Error, "startup timeout")
			return fmt.Errorf("kernel gateway startup timeout")
		case <-ctx.Done():
			i.teardownProcess()
			return ctx.Err()
		case <-ticker.C:
			if i.subprocess.ProcessState != nil && i.subprocess.ProcessState.Exited() {
				exitCode := i.subprocess.ProcessState.ExitCode()
				i.teardownProcess()
				return fmt.Errorf("kernel gateway exited with code %d", exitCode)
			}

			line, _, _ := scan.ReadLine()
			if strings.Contains(string(line), "ERROR:") {
				errorInfo := strings.Split(string(line), "ERROR:")[1]
				i.teardownProcess()
				return fmt.Errorf("kernel gateway error: %s", errorInfo)
			}
			if strings.Contains(string(line), "is available at") {
				cli, err := newClient(connectionInfo{
					Host:             i.ip,
					Port:             i.port,
					Token:            i.token,
					KernelName:       i.kernelName,
					WaitReadyTimeout: i.waitReadyTimeout,
				})
				if err != nil {
					i.teardownProcess()
					span.SetStatus(codes.Error, err.Error())
					return err
				}
				i.cli = cli
				return i.SyncFileSystem(ctx)
			}
		}
	}
}

// RunPython submits source for execution. Exactly one execution may be
// in flight; overlapping calls are rejected with ErrExecutionInFlight.
func (i *Interpreter) RunPython(ctx context.Context, source string) (runtime.ExecutionResult, error) {
	i.mu.Lock()
	if i.status != runtime.StatusReady {
		i.mu.Unlock()
		return runtime.ExecutionResult{}, runtime.ErrNotReady
	}
	cli := i.cli
	sinks := i.sinks
	i.mu.Unlock()

	select {
	case i.execSlot <- struct{}{}:
	default:
		return runtime.ExecutionResult{}, runtime.ErrExecutionInFlight
	}
	defer func() { <-i.execSlot }()

	_, span := atrace.Tracer.Start(ctx, runtime.SpanRunPython)
	span.SetAttributes(attribute.Int(runtime.AttrSourceLen, len(source)))
	defer span.End()

	res, err := cli.execute(ctx, source, sinks)
	if err != nil {
		// Transport breakdown is reported inside the result; only
		// contract violations surface as Go errors.
		span.SetStatus(codes.Error, err.Error())
		return runtime.ExecutionResult{
			Success: false,
			Stderr:  err.Error(),
			Error:   err.Error(),
		}, nil
	}
	span.SetAttributes(attribute.Bool(runtime.AttrSuccess, res.Success))
	return res, nil
}

// Status reports the current lifecycle state.
func (i *Interpreter) Status() runtime.Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status
}

// Cleanup releases the kernel, the gateway subprocess and the mount.
// Safe to call repeatedly and from a partially initialized state.
func (i *Interpreter) Cleanup() error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return nil
	}
	i.closed = true
	i.status = runtime.StatusUninitialized
	cli := i.cli
	i.cli = nil
	i.mu.Unlock()

	i.cancel()
	if cli != nil {
		cli.close()
	}
	i.teardownProcess()
	if i.mountDir != "" {
		if err := os.RemoveAll(i.mountDir); err != nil {
			log.Warnf("failed to remove mount %s: %v", i.mountDir, err)
		}
	}
	log.Debugf("kernel gateway stopped")
	return nil
}

func (i *Interpreter) teardownProcess() {
	if i.subprocess == nil || i.subprocess.Process == nil {
		return
	}
	if err := i.subprocess.Process.Signal(syscall.SIGINT); err != nil {
		i.subprocess.Process.Kill()
	}
	i.subprocess.Wait()
}

func checkGateway() error {
	cmd := exec.Command("python", "-m", "jupyter", "kernelgateway", "--version")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("jupyter kernel gateway is not installed, install it with `pip install jupyter_kernel_gateway`")
	}
	return nil
}

func generateToken() string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, 32)
	for i := range b {
		b[i] = charset[rand.New(rand.NewSource(time.Now().UnixNano())).Intn(len(charset))]
	}
	return string(b)
}

// lockedBuffer is an in-memory buffer safe for one writer and one
// reader: the exec copier goroutine appends subprocess stderr while the
// startup scan reads it.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Read(p)
}

func (i *Interpreter) ensureMount() error {
	if i.mountDir != "" {
		return nil
	}
	base := i.workRoot
	if base == "" {
		base = os.TempDir()
	}
	dir := filepath.Join(base, fmt.Sprintf("pyspace_%d", time.Now().UnixNano()))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	i.mountDir = dir
	return nil
}
