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
	"github.com/jaycherian/media-vector-search/internal/core/repository"
)

// AnnotateMedia asks the generative model for a title, description and tags
// of the embedded item. It never fails the chain: annotations only feed the
// keyword fallback.
type AnnotateMedia struct {
	cor.BaseCommand
	annotator Annotator
	media     repository.MediaRepository
}

func NewAnnotateMedia(name string, annotator Annotator, media repository.MediaRepository) *AnnotateMedia {
	return &AnnotateMedia{BaseCommand: *cor.NewBaseCommand(name), annotator: annotator, media: media}
}

// IsExecutable only needs the descriptor of the chain.
func (c *AnnotateMedia) IsExecutable(context cor.Context) bool {
	return c.annotator != nil && context.GetContext() != nil && descriptorOf(context) != nil
}

func (c *AnnotateMedia) Execute(context cor.Context) {
	desc := descriptorOf(context)
	ctx := context.GetContext()

	item, err := c.media.Get(ctx, desc.MediaID)
	if err != nil {
		slog.WarnContext(ctx, "skipping annotation", "media_id", desc.MediaID, "error", err)
		return
	}
	annotation, err := c.annotator.Annotate(ctx, item)
	if err != nil {
		c.GetErrorCounter().Add(ctx, 1)
		slog.WarnContext(ctx, "failed to annotate media", "media_id", desc.MediaID, "error", err)
		return
	}
	if err := c.media.SetAnnotations(ctx, desc.MediaID, annotation); err != nil {
		c.GetErrorCounter().Add(ctx, 1)
		slog.WarnContext(ctx, "failed to store annotations", "media_id", desc.MediaID, "error", err)
		return
	}
	slog.InfoContext(ctx, "annotated media", "media_id", desc.MediaID, "tags", len(annotation.Tags))
	c.Succeed(context)
}
