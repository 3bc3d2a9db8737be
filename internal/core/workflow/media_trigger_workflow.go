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

package workflow

import (
	"github.com/jaycherian/media-vector-search/internal/core/commands"
	"github.com/jaycherian/media-vector-search/internal/core/cor"
	"github.com/jaycherian/media-vector-search/internal/core/repository"
)

// MediaTriggerWorkflow reacts to storage notifications: an object that is a
// registered media unit without an embedding gets an embedding task. It is
// the safety net for uploads whose auto-embed was off or whose submission
// was refused.
type MediaTriggerWorkflow struct {
	cor.BaseCommand
	chain cor.Chain
}

func NewMediaTriggerWorkflow(media repository.MediaRepository, submitter commands.Submitter) *MediaTriggerWorkflow {
	out := cor.NewBaseChain("media-trigger-chain")
	out.AddCommand(commands.NewMediaTriggerToGCSObject("media-trigger-to-gcs-object"))
	out.AddCommand(commands.NewFindUnembeddedMedia("find-unembedded-media", media))
	out.AddCommand(commands.NewSubmitEmbeddings("submit-embeddings", submitter))
	return &MediaTriggerWorkflow{BaseCommand: *cor.NewBaseCommand("media-trigger-workflow"), chain: out}
}

func (m *MediaTriggerWorkflow) Execute(context cor.Context) {
	m.chain.Execute(context)
}
