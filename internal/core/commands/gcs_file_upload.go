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
	"os"
	"time"

	"github.com/jaycherian/media-vector-search/internal/cloud"
	"github.com/jaycherian/media-vector-search/internal/core/cor"
	"github.com/jaycherian/media-vector-search/internal/core/model"
	"github.com/jaycherian/media-vector-search/internal/core/progress"
)

// UploadUnits stores every unit under the user's upload prefix. When a unit
// fails, the siblings already stored are handed to the orphan recorder and
// the file fails; nothing is registered for it.
type UploadUnits struct {
	cor.BaseCommand
	storage cloud.ObjectStore
	orphans OrphanRecorder
	broker  *progress.Broker
}

func NewUploadUnits(name string, storage cloud.ObjectStore, orphans OrphanRecorder, broker *progress.Broker) *UploadUnits {
	return &UploadUnits{BaseCommand: *cor.NewBaseCommand(name), storage: storage, orphans: orphans, broker: broker}
}

func (c *UploadUnits) Execute(context cor.Context) {
	units := context.Get(c.GetInputParam()).([]*model.UnitFile)
	req := context.Get(ParamUpload).(*model.UploadRequest)
	sourceID, _ := cor.Value[string](context, ParamSourceID)

	stored := make([]string, 0, len(units))
	for i, unit := range units {
		reportUpload(c.broker, context, model.StageUpload, percentUpload,
			fmt.Sprintf("storing %s (%d/%d)", unit.FileName, i+1, len(units)))

		path := model.UploadPath(req.UserID, req.AlbumName, sourceID, unit.FileName)
		if err := c.store(context, unit, path); err != nil {
			recordOrphans(c.orphans, req.UserID, sourceID, stored, fmt.Sprintf("upload of %s failed", unit.FileName))
			c.Fail(context, fmt.Errorf("failed to store %s: %w", unit.FileName, err))
			return
		}
		unit.StoragePath = path
		stored = append(stored, path)
	}

	c.Succeed(context)
	context.Add(c.GetOutputParam(), units)
}

func (c *UploadUnits) store(context cor.Context, unit *model.UnitFile, path string) error {
	f, err := os.Open(unit.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	written, err := c.storage.Upload(context.GetContext(), path, f, unit.ContentType)
	if err != nil {
		slog.WarnContext(context.GetContext(), "failed to upload or partial write", "path", path, "written", written, "error", err)
		return err
	}
	slog.InfoContext(context.GetContext(), "stored media unit", "path", path, "bytes", written)
	return nil
}

func recordOrphans(orphans OrphanRecorder, userID, sourceID string, paths []string, reason string) {
	if orphans == nil || len(paths) == 0 {
		return
	}
	now := time.Now().UTC()
	records := make([]model.OrphanRecord, 0, len(paths))
	for _, p := range paths {
		records = append(records, model.OrphanRecord{Path: p, UserID: userID, SourceID: sourceID, Reason: reason, RecordedAt: now})
	}
	orphans.Record(records...)
}
