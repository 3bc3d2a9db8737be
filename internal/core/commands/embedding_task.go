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
	"fmt"
	"log/slog"
	"time"

	"github.com/jaycherian/media-vector-search/internal/cloud"
	"github.com/jaycherian/media-vector-search/internal/core/cor"
	"github.com/jaycherian/media-vector-search/internal/core/model"
	"github.com/jaycherian/media-vector-search/internal/core/progress"
	"github.com/jaycherian/media-vector-search/internal/core/tasks"
)

// MarkTaskRunning moves the task of the chain from pending to running and
// passes the descriptor on.
type MarkTaskRunning struct {
	cor.BaseCommand
	registry *tasks.Registry
	broker   *progress.Broker
}

func NewMarkTaskRunning(name string, registry *tasks.Registry, broker *progress.Broker) *MarkTaskRunning {
	return &MarkTaskRunning{BaseCommand: *cor.NewBaseCommand(name), registry: registry, broker: broker}
}

func (c *MarkTaskRunning) Execute(context cor.Context) {
	desc := context.Get(c.GetInputParam()).(*model.MediaDescriptor)
	taskID := taskIDOf(context)

	if _, err := c.registry.Transition(taskID, model.TaskRunning, nil); err != nil {
		c.Fail(context, err)
		return
	}
	slog.InfoContext(context.GetContext(), "embedding task started", "task_id", taskID, "media_id", desc.MediaID, "kind", desc.Kind)
	reportTask(c.broker, desc, taskID, model.StageEmbedding, percentEmbeddingStart, fmt.Sprintf("embedding %s", desc.FileName))

	c.Succeed(context)
	context.Add(c.GetOutputParam(), desc)
}

// ResolveMediaURL signs a temporary read URL for the stored unit so the
// vendor can fetch it.
type ResolveMediaURL struct {
	cor.BaseCommand
	storage  cloud.ObjectStore
	registry *tasks.Registry
	ttl      time.Duration
}

func NewResolveMediaURL(name string, storage cloud.ObjectStore, registry *tasks.Registry, ttl time.Duration) *ResolveMediaURL {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &ResolveMediaURL{BaseCommand: *cor.NewBaseCommand(name), storage: storage, registry: registry, ttl: ttl}
}

func (c *ResolveMediaURL) Execute(context cor.Context) {
	desc := context.Get(c.GetInputParam()).(*model.MediaDescriptor)

	url, err := c.storage.SignedURL(context.GetContext(), desc.StoragePath, c.ttl)
	if err != nil {
		c.Fail(context, fmt.Errorf("failed to sign url for %s: %w", desc.StoragePath, err))
		return
	}
	if _, err := c.registry.Update(taskIDOf(context), func(t *model.EmbeddingTask) error {
		t.MediaURL = url
		return nil
	}); err != nil {
		c.Fail(context, err)
		return
	}

	c.Succeed(context)
	context.Add(c.GetOutputParam(), url)
}
