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

	"github.com/jaycherian/media-vector-search/internal/core/cor"
	"github.com/jaycherian/media-vector-search/internal/core/model"
	"github.com/jaycherian/media-vector-search/internal/core/progress"
	"github.com/jaycherian/media-vector-search/internal/core/repository"
)

// RegisterMedia creates one media row per stored unit, all or none. Chunks
// share the source id and carry their offsets within the source. If the rows
// cannot be written the stored objects become orphans.
type RegisterMedia struct {
	cor.BaseCommand
	media   repository.MediaRepository
	orphans OrphanRecorder
	broker  *progress.Broker
}

func NewRegisterMedia(name string, media repository.MediaRepository, orphans OrphanRecorder, broker *progress.Broker) *RegisterMedia {
	return &RegisterMedia{BaseCommand: *cor.NewBaseCommand(name), media: media, orphans: orphans, broker: broker}
}

func (c *RegisterMedia) Execute(context cor.Context) {
	units := context.Get(c.GetInputParam()).([]*model.UnitFile)
	req := context.Get(ParamUpload).(*model.UploadRequest)
	file := context.Get(ParamUploadFile).(*model.UploadFile)
	sourceID, _ := cor.Value[string](context, ParamSourceID)
	duration, _ := cor.Value[float64](context, ParamDuration)

	reportUpload(c.broker, context, model.StageMetadata, percentMetadata, fmt.Sprintf("registering %s", file.FileName))

	items := make([]*model.MediaItem, 0, len(units))
	paths := make([]string, 0, len(units))
	for _, unit := range units {
		item := model.NewMediaItem(req.UserID, req.AlbumName, unit.FileName, file.Kind)
		item.StoragePath = unit.StoragePath
		item.SizeBytes = unit.SizeBytes
		item.ContentType = unit.ContentType
		item.SourceID = sourceID
		switch {
		case unit.Window != nil:
			item.SetChunk(unit.Window.Index, len(units), unit.Window.Start, unit.Window.End())
		case file.Kind == model.MediaKindVideo:
			d := duration
			item.DurationSeconds = &d
		}
		items = append(items, item)
		paths = append(paths, unit.StoragePath)
	}

	if err := c.media.Create(context.GetContext(), items...); err != nil {
		recordOrphans(c.orphans, req.UserID, sourceID, paths, "media registration failed")
		c.Fail(context, fmt.Errorf("failed to register %s: %w", file.FileName, err))
		return
	}

	c.Succeed(context)
	context.Add(ParamMediaItems, items)
	context.Add(c.GetOutputParam(), items)
}
