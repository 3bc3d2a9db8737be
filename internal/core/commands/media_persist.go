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

	"github.com/jaycherian/media-vector-search/internal/core/cor"
	"github.com/jaycherian/media-vector-search/internal/core/model"
	"github.com/jaycherian/media-vector-search/internal/core/progress"
	"github.com/jaycherian/media-vector-search/internal/core/repository"
	"github.com/jaycherian/media-vector-search/internal/core/tasks"
	"github.com/jaycherian/media-vector-search/internal/core/vendor"
)

// PersistEmbeddings stores the decoded vectors.
//
// A photo gets its single vector on the media row. A video gets one segment
// row per vendor segment, keyed by (media id, start, end) so a re-run
// replaces instead of duplicating; offsets are shifted by the unit's base
// offset so chunks of one source share a timeline. The first segment vector
// is also copied onto the parent row as its representative vector.
//
// When a mirror is configured, the stored vectors are copied to it as well.
// A mirror failure is logged and does not fail the task.
type PersistEmbeddings struct {
	cor.BaseCommand
	media    repository.MediaRepository
	segments repository.SegmentRepository
	mirror   repository.VectorMirror
	registry *tasks.Registry
	broker   *progress.Broker
}

func NewPersistEmbeddings(
	name string,
	media repository.MediaRepository,
	segments repository.SegmentRepository,
	mirror repository.VectorMirror,
	registry *tasks.Registry,
	broker *progress.Broker) *PersistEmbeddings {
	return &PersistEmbeddings{
		BaseCommand: *cor.NewBaseCommand(name),
		media:       media,
		segments:    segments,
		mirror:      mirror,
		registry:    registry,
		broker:      broker,
	}
}

func (c *PersistEmbeddings) Execute(context cor.Context) {
	decoded := context.Get(c.GetInputParam()).([]vendor.Segment)
	desc := descriptorOf(context)
	taskID := taskIDOf(context)
	modelName, _ := cor.Value[string](context, ParamModelName)
	ctx := context.GetContext()

	first, err := vendor.FirstVector(decoded)
	if err != nil {
		c.Fail(context, err)
		return
	}

	var rows []*model.VideoSegmentEmbedding
	resultIDs := []string{desc.MediaID}
	if desc.Kind == model.MediaKindVideo {
		rows = make([]*model.VideoSegmentEmbedding, 0, len(decoded))
		resultIDs = make([]string, 0, len(decoded))
		for _, s := range decoded {
			row, err := model.NewVideoSegmentEmbedding(desc.MediaID, desc.BaseOffset+s.Start, desc.BaseOffset+s.End, s.Scope, s.Vector)
			if err != nil {
				c.Fail(context, err)
				return
			}
			rows = append(rows, row)
			resultIDs = append(resultIDs, row.ID)
		}
		if err := c.segments.Upsert(ctx, rows); err != nil {
			c.Fail(context, fmt.Errorf("failed to store %d segments: %w", len(rows), err))
			return
		}
	}

	if err := c.media.SetEmbedding(ctx, desc.MediaID, first, modelName); err != nil {
		c.Fail(context, fmt.Errorf("failed to store embedding of %s: %w", desc.MediaID, err))
		return
	}
	c.mirrorVectors(context, desc, rows)

	if _, err := c.registry.Update(taskID, func(t *model.EmbeddingTask) error {
		t.ResultIDs = resultIDs
		t.SegmentCount = len(rows)
		return nil
	}); err != nil {
		c.Fail(context, err)
		return
	}
	slog.InfoContext(ctx, "stored embeddings", "task_id", taskID, "media_id", desc.MediaID, "segments", len(rows))
	reportTask(c.broker, desc, taskID, model.StageDBStore, percentStored, "embeddings stored")

	c.Succeed(context)
	context.Add(c.GetOutputParam(), resultIDs)
}

func (c *PersistEmbeddings) mirrorVectors(context cor.Context, desc *model.MediaDescriptor, rows []*model.VideoSegmentEmbedding) {
	if c.mirror == nil {
		return
	}
	ctx := context.GetContext()
	item, err := c.media.Get(ctx, desc.MediaID)
	if err == nil {
		if len(rows) > 0 {
			err = c.mirror.MirrorSegments(ctx, item, rows)
		} else {
			err = c.mirror.MirrorMedia(ctx, item)
		}
	}
	if err != nil {
		slog.WarnContext(ctx, "failed to mirror vectors", "media_id", desc.MediaID, "error", err)
	}
}
