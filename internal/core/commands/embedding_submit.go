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
	"log/slog"

	"github.com/jaycherian/media-vector-search/internal/core/cor"
	"github.com/jaycherian/media-vector-search/internal/core/model"
)

// SubmitEmbeddings queues one embedding task per registered item and returns
// the task ids. In an upload chain nothing is submitted unless the request
// asked for auto-embedding. A refused submission is logged; the task itself
// records the failure.
type SubmitEmbeddings struct {
	cor.BaseCommand
	submitter Submitter
}

func NewSubmitEmbeddings(name string, submitter Submitter) *SubmitEmbeddings {
	return &SubmitEmbeddings{BaseCommand: *cor.NewBaseCommand(name), submitter: submitter}
}

func (c *SubmitEmbeddings) Execute(context cor.Context) {
	items := context.Get(c.GetInputParam()).([]*model.MediaItem)

	sessionID, total := "", 1
	req, fromUpload := cor.Value[*model.UploadRequest](context, ParamUpload)
	if fromUpload {
		if !req.AutoEmbed {
			c.Succeed(context)
			context.Add(ParamTaskIDs, []string{})
			context.Add(c.GetOutputParam(), []string{})
			return
		}
		sessionID, total = req.SessionID, len(req.Files)
	}
	index, _ := cor.Value[int](context, ParamFileIndex)

	ids := make([]string, 0, len(items))
	for _, item := range items {
		id, err := c.submitter.Submit(model.DescriptorFor(item, sessionID, index, total), false)
		if err != nil {
			slog.WarnContext(context.GetContext(), "embedding task not queued", "media_id", item.ID, "task_id", id, "error", err)
		}
		if id != "" {
			ids = append(ids, id)
		}
	}

	c.Succeed(context)
	context.Add(ParamTaskIDs, ids)
	context.Add(c.GetOutputParam(), ids)
}
