// Copyright 2024 Google, LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cor (Chain of Responsibility) is the small workflow engine used by the
// ingestion and embedding pipelines. A workflow is a Chain of Commands sharing
// one Context: commands read their inputs from the context, record their
// outputs and errors there, and the chain pipes each command's output into the
// next command's input.
//
// Every command gets its own OpenTelemetry span plus success/error counters, so
// a single upload or embedding task can be followed end to end in a trace.
package cor

import (
	"context"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Keys used by BaseChain to pipe data between consecutive commands.
const (
	// CtxIn holds the output of the previous command.
	CtxIn = "__IN__"
	// CtxOut is where a command leaves its primary output.
	CtxOut = "__OUT__"
)

// Context is the shared state of one workflow execution.
type Context interface {
	// SetContext replaces the Go context (the chain swaps in span contexts).
	SetContext(context context.Context)
	GetContext() context.Context

	Add(key string, value interface{}) Context
	Get(key string) interface{}
	Remove(key string)

	// AddError records an error under the name of the command that produced it.
	AddError(key string, err error)
	GetErrors() map[string]error
	HasErrors() bool
	// Err joins every recorded error, nil when there are none.
	Err() error

	// AddTempFile registers a local file to be removed by Close.
	AddTempFile(file string)
	GetTempFiles() []string

	// Close removes every temp file. Workflows defer it right after creating the context.
	Close()
}

// Executable is anything with an Execute step.
type Executable interface {
	Execute(context Context)
}

// Command is one atomic step of a workflow.
type Command interface {
	Executable

	GetName() string
	GetInputParam() string
	GetOutputParam() string

	// IsExecutable is the precondition check run by the chain before Execute.
	IsExecutable(context Context) bool

	GetTracer() trace.Tracer
	GetMeter() metric.Meter
	GetSuccessCounter() metric.Int64Counter
	GetErrorCounter() metric.Int64Counter
}

// Chain is an ordered list of commands. A chain is itself a command so chains nest.
type Chain interface {
	Command

	// ContinueOnFailure keeps running the remaining commands after one fails.
	ContinueOnFailure(bool) Chain
	AddCommand(command Command) Chain
}
