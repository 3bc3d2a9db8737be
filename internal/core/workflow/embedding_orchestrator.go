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

// Package workflow assembles the command chains into the long running parts
// of the service: the embedding orchestrator and its worker pool, the upload
// workflow, the storage trigger and the orphan sweep.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jaycherian/media-vector-search/internal/cloud"
	"github.com/jaycherian/media-vector-search/internal/core/commands"
	"github.com/jaycherian/media-vector-search/internal/core/cor"
	"github.com/jaycherian/media-vector-search/internal/core/model"
	"github.com/jaycherian/media-vector-search/internal/core/progress"
	"github.com/jaycherian/media-vector-search/internal/core/repository"
	"github.com/jaycherian/media-vector-search/internal/core/tasks"
	"github.com/jaycherian/media-vector-search/internal/core/vendor"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var (
	// ErrQueueFull is returned when the task queue has no free slot. The
	// task is marked failed.
	ErrQueueFull = errors.New("embedding queue is full")
	// ErrStopped is returned for submissions after Stop.
	ErrStopped = errors.New("embedding orchestrator is stopped")
	// ErrTaskRunning refuses a forced resubmission of a running task.
	ErrTaskRunning = errors.New("embedding task is running")
	// ErrTaskQueued refuses a forced resubmission of a task still waiting in
	// the queue.
	ErrTaskQueued = errors.New("embedding task is already queued")
)

// EmbeddingDependencies are the collaborators of the embedding chain.
type EmbeddingDependencies struct {
	Registry  *tasks.Registry
	Broker    *progress.Broker
	Tracker   *progress.SessionTracker
	Vendor    vendor.Client
	Storage   cloud.ObjectStore
	Media     repository.MediaRepository
	Segments  repository.SegmentRepository
	Mirror    repository.VectorMirror
	Annotator commands.Annotator
}

type job struct {
	taskID string
	desc   *model.MediaDescriptor
}

// EmbeddingOrchestrator runs embedding tasks on a fixed pool of workers
// reading a bounded queue. The pool is the only bound on concurrent vendor
// calls. Each task runs the embedding chain once; there are no automatic
// retries.
type EmbeddingOrchestrator struct {
	cor.BaseCommand
	registry *tasks.Registry
	broker   *progress.Broker
	tracker  *progress.SessionTracker
	workers  int
	queue    chan job
	chain    cor.Chain

	mu       sync.RWMutex
	started  bool
	stopping bool
	wg       sync.WaitGroup
}

func NewEmbeddingOrchestrator(config *cloud.Config, deps EmbeddingDependencies) *EmbeddingOrchestrator {
	size := config.Orchestrator.QueueSize
	if size < 1 {
		size = 1
	}
	o := &EmbeddingOrchestrator{
		BaseCommand: *cor.NewBaseCommand("embedding-orchestrator"),
		registry:    deps.Registry,
		broker:      deps.Broker,
		tracker:     deps.Tracker,
		workers:     config.Orchestrator.WorkerCount(),
		queue:       make(chan job, size),
	}
	o.initializeChain(config, deps)
	return o
}

func (o *EmbeddingOrchestrator) initializeChain(config *cloud.Config, deps EmbeddingDependencies) {
	out := cor.NewBaseChain("embedding-chain")
	out.AddCommand(commands.NewMarkTaskRunning("mark-task-running", deps.Registry, deps.Broker))
	out.AddCommand(commands.NewResolveMediaURL("resolve-media-url", deps.Storage, deps.Registry, config.Storage.SignedURLTTL))
	out.AddCommand(commands.NewCreateVendorEmbedding(
		"create-vendor-embedding",
		deps.Vendor,
		deps.Registry,
		deps.Broker,
		config.Vendor.PollInterval,
		config.Vendor.MaxWait))
	out.AddCommand(commands.NewDecodeEmbeddings("decode-embeddings"))
	out.AddCommand(commands.NewPersistEmbeddings("persist-embeddings", deps.Media, deps.Segments, deps.Mirror, deps.Registry, deps.Broker))
	if config.Orchestrator.Annotate && deps.Annotator != nil {
		out.AddCommand(commands.NewAnnotateMedia("annotate-media", deps.Annotator, deps.Media))
	}
	o.chain = out
}

// Workers is the size of the pool.
func (o *EmbeddingOrchestrator) Workers() int {
	return o.workers
}

// Registry exposes the task registry the orchestrator writes to.
func (o *EmbeddingOrchestrator) Registry() *tasks.Registry {
	return o.registry
}

// Start launches the workers. Jobs run under ctx, not under the context of
// the request that submitted them.
func (o *EmbeddingOrchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return
	}
	o.started = true
	for i := 0; i < o.workers; i++ {
		o.wg.Add(1)
		go func(worker int) {
			defer o.wg.Done()
			for j := range o.queue {
				if o.isStopping() {
					continue
				}
				o.run(ctx, worker, j)
			}
		}(i)
	}
	slog.Info("embedding orchestrator started", "workers", o.workers, "queue_size", cap(o.queue))
}

func (o *EmbeddingOrchestrator) isStopping() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.stopping
}

// Stop refuses new work, waits for the in-flight jobs and persists the
// registry with their final state. Queued jobs that did not start stay
// pending and are failed by the next registry Load.
func (o *EmbeddingOrchestrator) Stop() {
	o.mu.Lock()
	if o.stopping {
		o.mu.Unlock()
		return
	}
	o.stopping = true
	close(o.queue)
	o.mu.Unlock()
	o.wg.Wait()
	if err := o.registry.Persist(); err != nil {
		slog.Error("failed to persist task registry after stop", "error", err)
	}
	slog.Info("embedding orchestrator stopped")
}

// Submit creates the pending task of desc and queues it.
//
// Inputs:
//   - desc: The stored unit to embed.
//   - force: Reset and requeue an existing done or failed task. Without
//     force an existing task is returned untouched.
//
// Outputs:
//   - string: The task id, derived from the media id.
//   - error: ErrQueueFull or ErrStopped (the task is then failed),
//     ErrTaskRunning or ErrTaskQueued for a forced task that has not
//     finished, or a registry error.
func (o *EmbeddingOrchestrator) Submit(desc *model.MediaDescriptor, force bool) (string, error) {
	if desc == nil || desc.MediaID == "" {
		return "", errors.New("descriptor requires a media id")
	}
	taskID := model.TaskIDForMedia(desc.MediaID)

	existing, ok := o.registry.Get(taskID)
	switch {
	case ok && !force:
		return taskID, nil
	case ok && existing.Status == model.TaskRunning:
		return taskID, ErrTaskRunning
	case ok && existing.Status == model.TaskPending:
		return taskID, ErrTaskQueued
	case ok:
		if _, err := o.registry.Reset(taskID); err != nil {
			return taskID, err
		}
		if _, err := o.registry.Update(taskID, func(t *model.EmbeddingTask) error {
			t.SessionID = desc.SessionID
			return nil
		}); err != nil {
			return taskID, err
		}
	default:
		_, err := o.registry.Create(&model.EmbeddingTask{
			ID:          taskID,
			MediaID:     desc.MediaID,
			UserID:      desc.UserID,
			SessionID:   desc.SessionID,
			AlbumName:   desc.AlbumName,
			FileName:    desc.FileName,
			StoragePath: desc.StoragePath,
			Kind:        desc.Kind,
		})
		if errors.Is(err, tasks.ErrTaskExists) && !force {
			return taskID, nil
		}
		if err != nil {
			return taskID, err
		}
	}

	if o.tracker != nil {
		o.tracker.Expect(desc.SessionID, 1)
	}

	o.mu.RLock()
	var err error
	if o.stopping {
		err = ErrStopped
	} else {
		select {
		case o.queue <- job{taskID: taskID, desc: desc}:
		default:
			err = ErrQueueFull
		}
	}
	o.mu.RUnlock()

	if err != nil {
		o.finish(context.Background(), job{taskID: taskID, desc: desc}, err)
		return taskID, err
	}
	slog.Debug("queued embedding task", "task_id", taskID, "media_id", desc.MediaID)
	return taskID, nil
}

func (o *EmbeddingOrchestrator) run(ctx context.Context, worker int, j job) {
	traceCtx, span := o.Tracer.Start(ctx, "embedding-task")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", j.taskID),
		attribute.String("media.id", j.desc.MediaID),
		attribute.Int("worker", worker),
	)

	chainCtx := cor.NewContext(traceCtx)
	defer chainCtx.Close()

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic in embedding chain: %v", r)
			}
		}()
		chainCtx.Add(cor.CtxIn, j.desc)
		chainCtx.Add(commands.ParamDescriptor, j.desc)
		chainCtx.Add(commands.ParamTaskID, j.taskID)
		o.chain.Execute(chainCtx)
		err = chainCtx.Err()
	}()

	if err != nil {
		span.SetStatus(codes.Error, "embedding task failed")
	} else {
		span.SetStatus(codes.Ok, "embedding task done")
	}
	o.finish(traceCtx, j, err)
}

// finish records the outcome on the task and the session.
func (o *EmbeddingOrchestrator) finish(ctx context.Context, j job, err error) {
	if err == nil {
		if _, terr := o.registry.Transition(j.taskID, model.TaskDone, nil); terr != nil {
			err = terr
		} else {
			o.SuccessCounter.Add(ctx, 1)
			slog.InfoContext(ctx, "embedding task done", "task_id", j.taskID, "media_id", j.desc.MediaID)
			if o.tracker != nil {
				o.tracker.Finish(j.desc.SessionID, true, "")
			}
			return
		}
	}

	o.ErrorCounter.Add(ctx, 1)
	message := err.Error()
	if _, terr := o.registry.Transition(j.taskID, model.TaskFailed, func(t *model.EmbeddingTask) {
		t.Error = message
	}); terr != nil {
		slog.ErrorContext(ctx, "failed to mark task failed", "task_id", j.taskID, "error", terr)
	}
	slog.ErrorContext(ctx, "embedding task failed", "task_id", j.taskID, "media_id", j.desc.MediaID, "error", err)
	if o.tracker != nil {
		o.tracker.Finish(j.desc.SessionID, false, fmt.Sprintf("%s: %s", j.desc.FileName, message))
	} else if o.broker != nil {
		o.broker.Publish(j.desc.SessionID, model.ProgressEvent{Stage: model.StageError, Percent: 100, Message: message, TaskID: j.taskID, FileName: j.desc.FileName})
	}
}
