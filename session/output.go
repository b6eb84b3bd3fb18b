//
// Tencent is pleased to support the open source community by making trpc-pyspace-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-pyspace-go is licensed under the Apache License Version 2.0.
//
//

package session

import "strings"

// Stream tags an output entry.
type Stream string

// Output streams.
const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// stderrMarker prefixes stderr entries in the rendered log.
const stderrMarker = "[err] "

// OutputEntry is one chunk in the session output log.
type OutputEntry struct {
	Text   string
	Stream Stream
}

// AddOutput appends one entry to the output log.
func (c *Controller) AddOutput(text string, stream Stream) {
	if stream != StreamStderr {
		stream = StreamStdout
	}
	c.appendOutput(text, stream)
}

func (c *Controller) appendOutput(text string, stream Stream) {
	c.outMu.Lock()
	c.entries = append(c.entries, OutputEntry{Text: text, Stream: stream})
	c.outMu.Unlock()
}

// Output returns a copy of the log in append order.
func (c *Controller) Output() []OutputEntry {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	out := make([]OutputEntry, len(c.entries))
	copy(out, c.entries)
	return out
}

// RenderOutput renders the log as text, one entry per line, with
// stderr entries carrying a distinct marker.
func (c *Controller) RenderOutput() string {
	c.outMu.Lock()
	defer c.outMu.Unlock()

	var sb strings.Builder
	for _, e := range c.entries {
		if e.Stream == StreamStderr {
			sb.WriteString(stderrMarker)
		}
		sb.WriteString(strings.TrimRight(e.Text, "\n"))
		sb.WriteString("\n")
	}
	return sb.String()
}

// ClearOutput empties the log without touching runtime state.
func (c *Controller) ClearOutput() {
	c.outMu.Lock()
	c.entries = nil
	c.outMu.Unlock()
}
