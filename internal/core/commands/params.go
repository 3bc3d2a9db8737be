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

// Package commands holds the chain commands of the embedding and upload
// pipelines. Each command reads its input from the chain context, does one
// step and either records an error or writes its output for the next command.
package commands

import (
	"context"

	"github.com/jaycherian/media-vector-search/internal/core/cor"
	"github.com/jaycherian/media-vector-search/internal/core/model"
	"github.com/jaycherian/media-vector-search/internal/core/progress"
)

// Context keys shared by the commands. CtxIn/CtxOut carry the piped value;
// these carry what several commands of one chain need.
const (
	ParamDescriptor = "__DESCRIPTOR__"
	ParamTaskID     = "__TASK_ID__"
	ParamModelName  = "__MODEL_NAME__"
	ParamUpload     = "__UPLOAD__"
	ParamUploadFile = "__UPLOAD_FILE__"
	ParamFileIndex  = "__FILE_INDEX__"
	ParamSourceID   = "__SOURCE_ID__"
	ParamDuration   = "__DURATION__"
	ParamMediaItems = "__MEDIA_ITEMS__"
	ParamTaskIDs    = "__TASK_IDS__"
)

// Local progress of one file, scaled into the session range by progress.Scale.
const (
	percentValidate       = 5
	percentSlice          = 15
	percentUpload         = 30
	percentMetadata       = 45
	percentEmbeddingStart = 50
	percentVendorStarted  = 60
	percentVendorDone     = 85
	percentStored         = 95
)

// Submitter queues an embedding task for a stored media unit.
type Submitter interface {
	Submit(desc *model.MediaDescriptor, force bool) (string, error)
}

// OrphanRecorder remembers stored objects that no media row references.
type OrphanRecorder interface {
	Record(records ...model.OrphanRecord)
}

// Annotator produces a title, description and tags for a stored item.
type Annotator interface {
	Annotate(ctx context.Context, item *model.MediaItem) (*model.MediaAnnotation, error)
}

// reportTask publishes an embedding progress event for desc.
func reportTask(broker *progress.Broker, desc *model.MediaDescriptor, taskID, stage string, local float64, message string) {
	if broker == nil || desc == nil {
		return
	}
	broker.Publish(desc.SessionID, model.ProgressEvent{
		Stage:    stage,
		Percent:  progress.Scale(desc.FileIndex, desc.FileTotal, local),
		Message:  message,
		TaskID:   taskID,
		FileName: desc.FileName,
	})
}

// reportUpload publishes an ingestion progress event for the file of the chain.
func reportUpload(broker *progress.Broker, context cor.Context, stage string, local float64, message string) {
	if broker == nil {
		return
	}
	req, ok := cor.Value[*model.UploadRequest](context, ParamUpload)
	if !ok {
		return
	}
	index, _ := cor.Value[int](context, ParamFileIndex)
	ev := model.ProgressEvent{
		Stage:   stage,
		Percent: progress.Scale(index, len(req.Files), local),
		Message: message,
	}
	if file, ok := cor.Value[*model.UploadFile](context, ParamUploadFile); ok {
		ev.FileName = file.FileName
	}
	broker.Publish(req.SessionID, ev)
}

// descriptorOf returns the descriptor of an embedding chain.
func descriptorOf(context cor.Context) *model.MediaDescriptor {
	desc, _ := cor.Value[*model.MediaDescriptor](context, ParamDescriptor)
	return desc
}

func taskIDOf(context cor.Context) string {
	id, _ := cor.Value[string](context, ParamTaskID)
	return id
}
