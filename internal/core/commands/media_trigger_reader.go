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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jaycherian/media-vector-search/internal/cloud"
	"github.com/jaycherian/media-vector-search/internal/core/cor"
	"github.com/jaycherian/media-vector-search/internal/core/model"
	"github.com/jaycherian/media-vector-search/internal/core/repository"
)

// MediaTriggerToGCSObject parses a Cloud Storage notification into a
// cloud.GCSObject, stored under cloud.GetGCSObjectName() and piped on.
type MediaTriggerToGCSObject struct {
	cor.BaseCommand
}

func NewMediaTriggerToGCSObject(name string) *MediaTriggerToGCSObject {
	return &MediaTriggerToGCSObject{BaseCommand: *cor.NewBaseCommand(name)}
}

func (c *MediaTriggerToGCSObject) Execute(context cor.Context) {
	in := context.Get(c.GetInputParam()).(string)

	var out cloud.GCSPubSubNotification
	if err := json.Unmarshal([]byte(in), &out); err != nil {
		c.Fail(context, fmt.Errorf("failed to unmarshal GCS notification: %w", err))
		return
	}
	if out.Name == "" {
		c.Fail(context, errors.New("notification carries no object name"))
		return
	}

	c.Succeed(context)
	msg := &cloud.GCSObject{Bucket: out.Bucket, Name: out.Name, MIMEType: out.ContentType}
	context.Add(cloud.GetGCSObjectName(), msg)
	context.Add(c.GetOutputParam(), msg)
}

// FindUnembeddedMedia looks up the media row of a notified object. Objects
// outside the user prefix, unknown objects and items that already have an
// embedding produce no output, which ends the chain without an error.
type FindUnembeddedMedia struct {
	cor.BaseCommand
	media repository.MediaRepository
}

func NewFindUnembeddedMedia(name string, media repository.MediaRepository) *FindUnembeddedMedia {
	return &FindUnembeddedMedia{BaseCommand: *cor.NewBaseCommand(name), media: media}
}

func (c *FindUnembeddedMedia) Execute(context cor.Context) {
	obj := context.Get(c.GetInputParam()).(*cloud.GCSObject)
	ctx := context.GetContext()

	if _, ok := model.UserFromPath(obj.Name); !ok {
		slog.DebugContext(ctx, "ignoring object outside user prefix", "object", obj.Name)
		return
	}
	item, err := c.media.FindByStoragePath(ctx, obj.Name)
	if errors.Is(err, repository.ErrNotFound) {
		slog.InfoContext(ctx, "ignoring unregistered object", "object", obj.Name)
		return
	}
	if err != nil {
		c.Fail(context, err)
		return
	}
	if item.HasEmbedding() {
		slog.DebugContext(ctx, "object already embedded", "object", obj.Name, "media_id", item.ID)
		return
	}

	c.Succeed(context)
	context.Add(c.GetOutputParam(), []*model.MediaItem{item})
}
