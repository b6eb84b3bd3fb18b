//
// Tencent is pleased to support the open source community by making trpc-pyspace-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-pyspace-go is licensed under the Apache License Version 2.0.
//
//

// Package trace provides the tracer handle shared by the workspace
// subsystems.
package trace

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentName is the instrumentation scope reported on spans.
const InstrumentName = "trpc-pyspace-go"

// Tracer is the tracer used across the module. It resolves against the
// globally registered tracer provider, so applications that install an
// exporter get workspace spans without extra wiring.
var Tracer trace.Tracer = otel.Tracer(InstrumentName)
