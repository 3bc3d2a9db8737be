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

import "time"

// UploadFile is one file of an upload request, already spooled to local disk.
type UploadFile struct {
	FileName    string    `json:"file_name"`
	Path        string    `json:"-"`
	SizeBytes   int64     `json:"size_bytes"`
	ContentType string    `json:"content_type"`
	Kind        MediaKind `json:"file_type"`
}

// UploadRequest is a batch upload for one album.
type UploadRequest struct {
	UserID    string
	AlbumName string
	AutoEmbed bool
	SessionID string
	Files     []*UploadFile
}

// FileResult reports the outcome of one file of a batch.
type FileResult struct {
	FileName         string   `json:"file_name"`
	Success          bool     `json:"success"`
	MediaID          string   `json:"media_id,omitempty"`
	MediaIDs         []string `json:"media_ids,omitempty"`
	Error            string   `json:"error,omitempty"`
	EmbeddingTaskID  string   `json:"embedding_task_id,omitempty"`
	EmbeddingTaskIDs []string `json:"embedding_task_ids,omitempty"`
	Chunks           int      `json:"chunks"`
	DurationSeconds  float64  `json:"duration_seconds,omitempty"`
}

// UploadResponse is returned once every file is stored; embedding continues afterwards.
type UploadResponse struct {
	SessionID string        `json:"session_id"`
	Results   []*FileResult `json:"results"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
}

// OrphanRecord is a stored object left behind by a failed ingestion.
type OrphanRecord struct {
	Path       string    `json:"path"`
	UserID     string    `json:"user_id"`
	SourceID   string    `json:"source_id"`
	Reason     string    `json:"reason"`
	RecordedAt time.Time `json:"recorded_at"`
}
