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

// Package tasks keeps the registry of embedding tasks. The registry lives in
// memory, is safe for concurrent use and is periodically written to a JSON file
// so task history survives a restart.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jaycherian/media-vector-search/internal/cloud"
	"github.com/jaycherian/media-vector-search/internal/core/model"
)

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrTaskExists        = errors.New("task already exists")
	ErrInvalidTransition = errors.New("invalid task status transition")
)

// RestartMessage is the error given to tasks that were in flight when the
// process stopped.
const RestartMessage = "interrupted by restart"

type entry struct {
	mu   sync.Mutex
	task *model.EmbeddingTask
}

// Registry maps task ids to tasks. The map itself is guarded by mu; each
// task has its own lock so updates of different tasks never contend.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	path    string
	now     func() time.Time
}

// NewRegistry creates an empty registry persisted at path. An empty path
// disables persistence.
func NewRegistry(path string) *Registry {
	return &Registry{entries: make(map[string]*entry), path: path, now: func() time.Time { return time.Now().UTC() }}
}

// Create inserts a new pending task.
func (r *Registry) Create(task *model.EmbeddingTask) (*model.EmbeddingTask, error) {
	if task == nil || task.ID == "" {
		return nil, errors.New("task requires an id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[task.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskExists, task.ID)
	}
	t := task.Clone()
	if t.Status == "" {
		t.Status = model.TaskPending
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = r.now()
	}
	r.entries[t.ID] = &entry{task: t}
	return t.Clone(), nil
}

// Get returns a copy of the task.
func (r *Registry) Get(id string) (*model.EmbeddingTask, bool) {
	e := r.entry(id)
	if e == nil {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task.Clone(), true
}

func (r *Registry) entry(id string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[id]
}

// Update applies mutate to a copy of the task and stores the copy if mutate
// returns nil. The read-modify-write is atomic per task.
func (r *Registry) Update(id string, mutate func(*model.EmbeddingTask) error) (*model.EmbeddingTask, error) {
	e := r.entry(id)
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	next := e.task.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.ID = id
	e.task = next
	return next.Clone(), nil
}

// Transition moves the task to status, stamping the matching timestamp, and
// then applies the optional mutate.
func (r *Registry) Transition(id string, status model.TaskStatus, mutate func(*model.EmbeddingTask)) (*model.EmbeddingTask, error) {
	return r.Update(id, func(t *model.EmbeddingTask) error {
		if !t.Status.CanTransition(status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, status)
		}
		now := r.now()
		t.Status = status
		switch status {
		case model.TaskRunning:
			t.StartedAt = &now
			t.Attempts++
		case model.TaskDone:
			t.CompletedAt = &now
			t.Error = ""
		case model.TaskFailed:
			t.FailedAt = &now
		}
		if mutate != nil {
			mutate(t)
		}
		return nil
	})
}

// Reset puts any task back to pending for a forced resubmission.
func (r *Registry) Reset(id string) (*model.EmbeddingTask, error) {
	return r.Update(id, func(t *model.EmbeddingTask) error {
		t.Status = model.TaskPending
		t.StartedAt, t.CompletedAt, t.FailedAt = nil, nil, nil
		t.Error = ""
		t.ResultIDs = nil
		t.SegmentCount = 0
		t.VendorTaskID = ""
		return nil
	})
}

// Filter narrows List. Empty fields match everything.
type Filter struct {
	UserID    string
	SessionID string
	Status    model.TaskStatus
	MediaID   string
}

func (f Filter) matches(t *model.EmbeddingTask) bool {
	return (f.UserID == "" || f.UserID == t.UserID) &&
		(f.SessionID == "" || f.SessionID == t.SessionID) &&
		(f.Status == "" || f.Status == t.Status) &&
		(f.MediaID == "" || f.MediaID == t.MediaID)
}

// List returns copies of the matching tasks, newest first.
func (r *Registry) List(filter Filter) []*model.EmbeddingTask {
	out := make([]*model.EmbeddingTask, 0)
	for _, e := range r.snapshotEntries() {
		e.mu.Lock()
		if filter.matches(e.task) {
			out = append(out, e.task.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Summary counts the tasks of a user (all users when userID is empty).
func (r *Registry) Summary(userID string) model.TaskSummary {
	var s model.TaskSummary
	for _, t := range r.List(Filter{UserID: userID}) {
		s.Add(t.Status)
	}
	return s
}

func (r *Registry) snapshotEntries() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

// Persist writes the registry to its file through a temp file and a rename so
// a crash never leaves a truncated file behind.
func (r *Registry) Persist() error {
	if r.path == "" {
		return nil
	}
	if err := cloud.WriteJSONFile(r.path, r.List(Filter{})); err != nil {
		return fmt.Errorf("failed to persist task registry: %w", err)
	}
	return nil
}

// Load replaces the registry content with the persisted file. A missing file
// is an empty registry. Tasks that were pending or running are marked failed.
func (r *Registry) Load() error {
	if r.path == "" {
		return nil
	}
	loaded, err := ReadFile(r.path)
	if err != nil {
		return err
	}
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]*entry, len(loaded))
	for _, t := range loaded {
		if !t.Status.IsTerminal() {
			t.Status = model.TaskFailed
			t.Error = RestartMessage
			t.FailedAt = &now
		}
		r.entries[t.ID] = &entry{task: t}
	}
	slog.Info("task registry loaded", "path", r.path, "tasks", len(loaded))
	return nil
}

// ReadFile decodes a persisted registry file. A missing file yields no tasks.
func ReadFile(path string) ([]*model.EmbeddingTask, error) {
	var loaded []*model.EmbeddingTask
	if _, err := cloud.ReadJSONFile(path, &loaded); err != nil {
		return nil, fmt.Errorf("failed to read task registry %s: %w", path, err)
	}
	return loaded, nil
}

// StartAutoPersist persists every interval until ctx is done, then once more.
// The returned channel is closed after the final write.
func (r *Registry) StartAutoPersist(ctx context.Context, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := r.Persist(); err != nil {
					slog.Error("failed to persist task registry", "error", err)
				}
			case <-ctx.Done():
				if err := r.Persist(); err != nil {
					slog.Error("failed to persist task registry on shutdown", "error", err)
				}
				return
			}
		}
	}()
	return done
}
