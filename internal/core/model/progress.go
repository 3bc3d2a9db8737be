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

// Progress stages. Stages are free-form; these are the ones the pipeline emits.
const (
	StageInit      = "init"
	StageValidate  = "validate"
	StageSlice     = "slice"
	StageUpload    = "upload"
	StageMetadata  = "metadata"
	StageEmbedding = "embedding"
	StageDBStore   = "db_store"
	StageComplete  = "complete"
	StageError     = "error"
)

// IsTerminalStage reports whether a stream should end after this stage.
func IsTerminalStage(stage string) bool {
	return stage == StageComplete || stage == StageError
}

// ProgressEvent is one ephemeral progress notification for an upload session.
type ProgressEvent struct {
	Stage     string    `json:"stage"`
	Percent   float64   `json:"percent"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	TaskID    string    `json:"task_id,omitempty"`
	FileName  string    `json:"file_name,omitempty"`
}
