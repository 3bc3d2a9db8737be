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

package model

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the state of an embedding task.
type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskRunning TaskStatus = "running"
	TaskDone    TaskStatus = "done"
	TaskFailed  TaskStatus = "failed"
)

// IsTerminal reports whether no further transition happens without a force resubmit.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskDone || s == TaskFailed
}

// CanTransition validates pending -> running -> {done, failed}. A pending task may
// also fail directly (queue full, restart) without ever running.
func (s TaskStatus) CanTransition(to TaskStatus) bool {
	switch s {
	case TaskPending:
		return to == TaskRunning || to == TaskFailed
	case TaskRunning:
		return to == TaskDone || to == TaskFailed
	default:
		return false
	}
}

// EmbeddingTask is the job record kept by the task registry.
type EmbeddingTask struct {
	ID           string     `json:"task_id"`
	Status       TaskStatus `json:"status"`
	MediaID      string     `json:"media_id"`
	UserID       string     `json:"user_id"`
	SessionID    string     `json:"session_id,omitempty"`
	AlbumName    string     `json:"album_name"`
	FileName     string     `json:"file_name"`
	StoragePath  string     `json:"storage_path"`
	Kind         MediaKind  `json:"file_type"`
	MediaURL     string     `json:"media_url,omitempty"`
	VendorTaskID string     `json:"vendor_task_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	FailedAt     *time.Time `json:"failed_at,omitempty"`
	Error        string     `json:"error,omitempty"`
	ResultIDs    []string   `json:"result,omitempty"`
	SegmentCount int        `json:"segment_count"`
	Attempts     int        `json:"attempts"`
}

// TaskIDForMedia derives the task id from the media id so a resubmission of the
// same media lands on the same record.
func TaskIDForMedia(mediaID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("embedding-task/"+mediaID)).String()
}

// Clone returns a deep copy safe to hand out of the registry.
func (t *EmbeddingTask) Clone() *EmbeddingTask {
	if t == nil {
		return nil
	}
	out := *t
	out.StartedAt = cloneTime(t.StartedAt)
	out.CompletedAt = cloneTime(t.CompletedAt)
	out.FailedAt = cloneTime(t.FailedAt)
	if t.ResultIDs != nil {
		out.ResultIDs = append([]string(nil), t.ResultIDs...)
	}
	return &out
}

func cloneTime(in *time.Time) *time.Time {
	if in == nil {
		return nil
	}
	v := *in
	return &v
}

// TaskSummary aggregates task counts by status.
type TaskSummary struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Running int `json:"running"`
	Done    int `json:"done"`
	Failed  int `json:"failed"`
}

// Add counts one task.
func (s *TaskSummary) Add(status TaskStatus) {
	s.Total++
	switch status {
	case TaskPending:
		s.Pending++
	case TaskRunning:
		s.Running++
	case TaskDone:
		s.Done++
	case TaskFailed:
		s.Failed++
	}
}

// MediaDescriptor is what the orchestrator needs to embed one stored unit.
type MediaDescriptor struct {
	MediaID     string    `json:"media_id"`
	UserID      string    `json:"user_id"`
	SessionID   string    `json:"session_id,omitempty"`
	AlbumName   string    `json:"album_name"`
	FileName    string    `json:"file_name"`
	StoragePath string    `json:"storage_path"`
	Kind        MediaKind `json:"file_type"`
	// BaseOffset is added to vendor segment offsets (chunk start within the source).
	BaseOffset float64 `json:"base_offset"`
	// FileIndex and FileTotal place this unit in the upload batch for progress scaling.
	FileIndex int `json:"file_index"`
	FileTotal int `json:"file_total"`
}

// DescriptorFor builds a descriptor from a stored media item.
func DescriptorFor(item *MediaItem, sessionID string, fileIndex, fileTotal int) *MediaDescriptor {
	return &MediaDescriptor{
		MediaID:     item.ID,
		UserID:      item.UserID,
		SessionID:   sessionID,
		AlbumName:   item.AlbumName,
		FileName:    item.FileName,
		StoragePath: item.StoragePath,
		Kind:        item.Kind,
		BaseOffset:  item.BaseOffset(),
		FileIndex:   fileIndex,
		FileTotal:   fileTotal,
	}
}
