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

package commands

import (
	goctx "context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jaycherian/media-vector-search/internal/core/cor"
	"github.com/jaycherian/media-vector-search/internal/core/model"
	"github.com/jaycherian/media-vector-search/internal/core/progress"
	"github.com/jaycherian/media-vector-search/internal/core/tasks"
	"github.com/jaycherian/media-vector-search/internal/core/vendor"
)

// ErrNoVideoSegments is recorded when a video result carries no timed segment.
var ErrNoVideoSegments = errors.New("vendor returned no video segments")

// CreateVendorEmbedding creates the vendor task for the signed media URL,
// waits for it inside this worker and fetches the result.
//
// Inputs:
//   - CtxIn: the signed media URL.
//   - ParamDescriptor: the unit being embedded.
//
// Outputs:
//   - CtxOut: the *vendor.EmbeddingResult.
//   - ParamModelName: the model that produced the vectors.
type CreateVendorEmbedding struct {
	cor.BaseCommand
	client   vendor.Client
	registry *tasks.Registry
	broker   *progress.Broker
	poll     time.Duration
	maxWait  time.Duration
}

func NewCreateVendorEmbedding(
	name string,
	client vendor.Client,
	registry *tasks.Registry,
	broker *progress.Broker,
	poll time.Duration,
	maxWait time.Duration) *CreateVendorEmbedding {
	return &CreateVendorEmbedding{
		BaseCommand: *cor.NewBaseCommand(name),
		client:      client,
		registry:    registry,
		broker:      broker,
		poll:        poll,
		maxWait:     maxWait,
	}
}

func (c *CreateVendorEmbedding) Execute(context cor.Context) {
	url := context.Get(c.GetInputParam()).(string)
	desc := descriptorOf(context)
	taskID := taskIDOf(context)
	ctx := context.GetContext()

	handle, err := c.client.CreateTask(ctx, &vendor.TaskRequest{Kind: desc.Kind, MediaURL: url})
	if err != nil {
		c.Fail(context, fmt.Errorf("failed to create vendor task: %w", err))
		return
	}
	if handle.ID != "" {
		if _, err := c.registry.Update(taskID, func(t *model.EmbeddingTask) error {
			t.VendorTaskID = handle.ID
			return nil
		}); err != nil {
			c.Fail(context, err)
			return
		}
	}
	reportTask(c.broker, desc, taskID, model.StageEmbedding, percentVendorStarted, "waiting for the embedding model")

	waitCtx := ctx
	if c.maxWait > 0 {
		var cancel goctx.CancelFunc
		waitCtx, cancel = goctx.WithTimeout(ctx, c.maxWait)
		defer cancel()
	}
	if err := c.client.WaitUntilDone(waitCtx, handle, c.poll); err != nil {
		if errors.Is(err, goctx.DeadlineExceeded) {
			err = fmt.Errorf("vendor task %s not ready after %s: %w", handle.ID, c.maxWait, err)
		}
		c.Fail(context, err)
		return
	}
	result, err := c.client.FetchResult(ctx, handle)
	if err != nil {
		c.Fail(context, fmt.Errorf("failed to fetch vendor result: %w", err))
		return
	}
	slog.InfoContext(ctx, "vendor embedding ready", "task_id", taskID, "vendor_task_id", handle.ID, "model", result.ModelName)
	reportTask(c.broker, desc, taskID, model.StageEmbedding, percentVendorDone, "embedding received")

	c.Succeed(context)
	context.Add(ParamModelName, result.ModelName)
	context.Add(c.GetOutputParam(), result)
}

// DecodeEmbeddings turns the vendor result into segments. A result without
// any vector fails the task, as does a video result without a timed segment.
type DecodeEmbeddings struct {
	cor.BaseCommand
}

func NewDecodeEmbeddings(name string) *DecodeEmbeddings {
	return &DecodeEmbeddings{BaseCommand: *cor.NewBaseCommand(name)}
}

func (c *DecodeEmbeddings) Execute(context cor.Context) {
	result := context.Get(c.GetInputParam()).(*vendor.EmbeddingResult)
	desc := descriptorOf(context)

	segments, err := vendor.Decode(result)
	if err != nil {
		c.Fail(context, err)
		return
	}
	if desc != nil && desc.Kind == model.MediaKindVideo {
		timed := segments[:0:0]
		for _, s := range segments {
			if s.HasWindow {
				timed = append(timed, s)
			}
		}
		if len(timed) == 0 {
			c.Fail(context, ErrNoVideoSegments)
			return
		}
		segments = timed
	}

	c.Succeed(context)
	context.Add(c.GetOutputParam(), segments)
}
