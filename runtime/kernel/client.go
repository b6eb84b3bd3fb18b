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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"trpc.group/trpc-go/trpc-pyspace-go/runtime"
)

// connectionInfo describes how to reach the kernel gateway.
type connectionInfo struct {
	Host             string
	Port             int
	Token            string
	KernelName       string
	WaitReadyTimeout time.Duration
}

// client speaks the kernel wire protocol over a single websocket
// channel.
type client struct {
	info             connectionInfo
	baseURL          string
	httpClient       *http.Client
	kernelID         string
	ws               *websocket.Conn
	sessionID        string
	waitReadyTimeout time.Duration
}

type kernelSpec struct {
	Argv          []string `json:"argv"`
	DisplayName   string   `json:"display_name"`
	Language      string   `json:"language"`
	InterruptMode string   `json:"interrupt_mode"`
}

type kernelInfo struct {
	Name string     `json:"name"`
	Spec kernelSpec `json:"spec"`
}

type kernelSpecResponse struct {
	Specs map[string]kernelInfo `json:"kernelspecs"`
}

type kernelMessage struct {
	Header struct {
		MsgType string `json:"msg_type"`
		MsgID   string `json:"msg_id"`
	} `json:"header"`
	Content      map[string]any `json:"content"`
	Metadata     map[string]any `json:"metadata"`
	ParentHeader struct {
		MsgID string `json:"msg_id"`
	} `json:"parent_header"`
}

func newClient(info connectionInfo) (*client, error) {
	baseURL := fmt.Sprintf("http://%s:%d", info.Host, info.Port)
	c := &client{
		info:    info,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 3 * time.Second,
		},
		waitReadyTimeout: 10 * time.Second,
	}
	if info.WaitReadyTimeout.Seconds() > 0 {
		c.waitReadyTimeout = info.WaitReadyTimeout
	}

	availableKernels, err := c.listKernelSpecs()
	if err != nil {
		return nil, err
	}
	if _, ok := availableKernels.Specs[info.KernelName]; !ok {
		return nil, fmt.Errorf("kernel %s not found", info.KernelName)
	}

	c.kernelID, err = c.startKernel(info.KernelName)
	if err != nil {
		return nil, err
	}

	wsURL := fmt.Sprintf("ws://%s:%d/api/kernels/%s/channels", info.Host, info.Port, c.kernelID)
	var reqHeader http.Header
	if info.Token != "" {
		reqHeader = http.Header{
			"Authorization": []string{"token " + info.Token},
		}
	}
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, reqHeader)
	if err != nil {
		return nil, err
	}

	c.ws = ws
	c.sessionID = uuid.New().String()
	ready, err := c.waitForReady()
	if err != nil {
		return nil, err
	}
	if !ready {
		return nil, fmt.Errorf("kernel not ready")
	}
	return c, nil
}

// listKernelSpecs lists all available kernel specs.
func (c *client) listKernelSpecs() (kernelSpecResponse, error) {
	url := fmt.Sprintf("%s/api/kernelspecs", c.baseURL)

	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return kernelSpecResponse{}, err
	}
	if c.info.Token != "" {
		req.Header.Set("Authorization", "token "+c.info.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return kernelSpecResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return kernelSpecResponse{}, fmt.Errorf("failed to list kernelspecs: %s", resp.Status)
	}

	var specs kernelSpecResponse
	if err := json.NewDecoder(resp.Body).Decode(&specs); err != nil {
		return kernelSpecResponse{}, err
	}
	return specs, nil
}

// startKernel starts a new kernel with the given name.
func (c *client) startKernel(kernelName string) (string, error) {
	url := fmt.Sprintf("%s/api/kernels", c.baseURL)

	type kernelRequest struct {
		Name string `json:"name"`
	}
	type kernelResponse struct {
		ID string `json:"id"`
	}

	body, err := json.Marshal(kernelRequest{Name: kernelName})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.info.Token != "" {
		req.Header.Set("Authorization", "token "+c.info.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("failed to start kernel: %s", resp.Status)
	}

	var kernelResp kernelResponse
	if err := json.NewDecoder(resp.Body).Decode(&kernelResp); err != nil {
		return "", err
	}
	return kernelResp.ID, nil
}

func (c *client) waitForReady() (bool, error) {
	msgID, err := c.sendMessage(map[string]any{}, "shell", "kernel_info_request")
	if err != nil {
		return false, err
	}

	timeout := time.After(c.waitReadyTimeout)
	for {
		select {
		case <-timeout:
			return false, fmt.Errorf("wait for kernel ready timeout")
		default:
		}
		var message kernelMessage
		if err := c.ws.ReadJSON(&message); err != nil {
			return false, err
		}
		if message.Header.MsgType == "kernel_info_reply" && message.ParentHeader.MsgID == msgID {
			return true, nil
		}
	}
}

// sendMessage sends a message to the kernel.
func (c *client) sendMessage(content map[string]any, channel string, messageType string) (string, error) {
	timestamp := time.Now().Format(time.RFC3339)
	messageID := uuid.New().String()
	message := map[string]any{
		"header": map[string]any{
			"username": "trpc-pyspace-go",
			"version":  "5.0",
			"session":  c.sessionID,
			"msg_id":   messageID,
			"msg_type": messageType,
			"date":     timestamp,
		},
		"parent_header": map[string]any{},
		"metadata":      map[string]any{},
		"content":       content,
		"buffers":       []any{},
		"channel":       channel,
	}
	if c.ws == nil {
		return "", fmt.Errorf("websocket is nil")
	}
	if err := c.ws.WriteJSON(message); err != nil {
		return "", err
	}
	return messageID, nil
}

// execute runs the given source and collects the structured outcome.
// Stream chunks are forwarded to the sinks as they arrive; a kernel
// error reply marks the result as failed but is not a transport error.
func (c *client) execute(ctx context.Context, source string, sinks runtime.Sinks) (runtime.ExecutionResult, error) {
	msgID, err := c.sendMessage(map[string]any{
		"code":             source,
		"silent":           false,
		"store_history":    true,
		"user_expressions": map[string]any{},
		"allow_stdin":      false,
		"stop_on_error":    true,
	}, "shell", "execute_request")
	if err != nil {
		return runtime.ExecutionResult{}, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetReadDeadline(deadline)
		defer c.ws.SetReadDeadline(time.Time{})
	}

	var stdout, stderr strings.Builder
	var value string
	var errName, errValue string
	var traceback []string
	failed := false

	for {
		var message kernelMessage
		if err := c.ws.ReadJSON(&message); err != nil {
			return runtime.ExecutionResult{}, err
		}
		if message.Header.MsgType == "" {
			return runtime.ExecutionResult{}, fmt.Errorf("message is nil")
		}
		if message.ParentHeader.MsgID != msgID {
			continue
		}
		msgType := message.Header.MsgType
		content := message.Content
		if msgType == "status" && content["execution_state"] == "idle" {
			break
		}
		switch msgType {
		case "stream":
			text, _ := content["text"].(string)
			name, _ := content["name"].(string)
			if name == "stderr" {
				stderr.WriteString(text)
				if sinks.Stderr != nil {
					sinks.Stderr(text)
				}
			} else {
				stdout.WriteString(text)
				if sinks.Stdout != nil {
					sinks.Stdout(text)
				}
			}
		case "execute_result":
			if data, ok := content["data"].(map[string]any); ok {
				if text, ok := data["text/plain"].(string); ok {
					value = text
				}
			}
		case "error":
			failed = true
			errName, _ = content["ename"].(string)
			errValue, _ = content["evalue"].(string)
			if tb, ok := content["traceback"].([]any); ok {
				for _, line := range tb {
					if s, ok := line.(string); ok {
						traceback = append(traceback, s)
					}
				}
			}
		}
	}

	res := runtime.ExecutionResult{
		Success: !failed,
		Value:   value,
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
	}
	if failed {
		res.Error = fmt.Sprintf("%s: %s", errName, errValue)
		if len(traceback) > 0 {
			if res.Stderr != "" {
				res.Stderr += "\n"
			}
			res.Stderr += strings.Join(traceback, "\n")
		}
		if sinks.Stderr != nil {
			sinks.Stderr(res.Error)
		}
	}
	return res, nil
}

// close shuts the channel down and releases the kernel best-effort.
func (c *client) close() error {
	if c.kernelID != "" {
		url := fmt.Sprintf("%s/api/kernels/%s", c.baseURL, c.kernelID)
		if req, err := http.NewRequest(http.MethodDelete, url, nil); err == nil {
			if c.info.Token != "" {
				req.Header.Set("Authorization", "token "+c.info.Token)
			}
			if resp, err := c.httpClient.Do(req); err == nil {
				resp.Body.Close()
			}
		}
	}
	if c.ws == nil {
		return nil
	}
	return c.ws.Close()
}
