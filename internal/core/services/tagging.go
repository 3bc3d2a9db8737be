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

package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"text/template"

	"github.com/jaycherian/media-vector-search/internal/cloud"
	"github.com/jaycherian/media-vector-search/internal/core/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"google.golang.org/genai"
)

// DefaultTagPrompt is used when the configuration carries no tag prompt.
const DefaultTagPrompt = `You are cataloguing a personal media library.
Look at the attached {{ .KIND }} and describe it for search.
Answer with JSON only, in exactly this shape:
{{ .EXAMPLE_JSON }}
Use 3 to 10 short lower case tags.`

// TagGenerator asks the generative model for a title, a description and tags
// of a stored photo or video. The answers feed the keyword fallback.
type TagGenerator struct {
	model         *cloud.QuotaAwareGenerativeAIModel
	template      *template.Template
	uriFor        func(path string) string
	inputCounter  metric.Int64Counter
	outputCounter metric.Int64Counter
}

// NewTagGenerator parses prompt (DefaultTagPrompt when empty). uriFor maps a
// storage path to the URI the model can read, e.g. gs://bucket/path.
func NewTagGenerator(model *cloud.QuotaAwareGenerativeAIModel, prompt string, uriFor func(string) string) (*TagGenerator, error) {
	if prompt == "" {
		prompt = DefaultTagPrompt
	}
	tmpl, err := template.New("tags").Parse(prompt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse tag prompt: %w", err)
	}
	meter := otel.Meter("github.com/jaycherian/media-vector-search/tagging")
	in, _ := meter.Int64Counter("tagging.gemini.token.input")
	out, _ := meter.Int64Counter("tagging.gemini.token.output")
	return &TagGenerator{model: model, template: tmpl, uriFor: uriFor, inputCounter: in, outputCounter: out}, nil
}

// Prompt renders the prompt for a media kind.
func (g *TagGenerator) Prompt(kind model.MediaKind) (string, error) {
	example := model.GetExampleAnnotation()
	if kind == model.MediaKindPhoto {
		example = model.GetExamplePhotoAnnotation()
	}
	exampleJSON, _ := json.Marshal(example)
	var buffer bytes.Buffer
	err := g.template.Execute(&buffer, map[string]interface{}{
		"KIND":         string(kind),
		"EXAMPLE_JSON": string(exampleJSON),
	})
	return buffer.String(), err
}

// Annotate describes item.
func (g *TagGenerator) Annotate(ctx context.Context, item *model.MediaItem) (*model.MediaAnnotation, error) {
	prompt, err := g.Prompt(item.Kind)
	if err != nil {
		return nil, fmt.Errorf("failed to execute prompt template: %w", err)
	}
	contents := []*genai.Content{{
		Role: genai.RoleUser,
		Parts: []*genai.Part{
			{Text: prompt},
			{FileData: cloud.NewFileData(g.uriFor(item.StoragePath), item.ContentType)},
		},
	}}
	out, err := cloud.GenerateMultiModalResponse(ctx, g.inputCounter, g.outputCounter, g.model, contents)
	if err != nil {
		return nil, fmt.Errorf("gemini request failed: %w", err)
	}
	return ParseAnnotation(out)
}

// ParseAnnotation decodes the model answer and normalizes its tags.
func ParseAnnotation(in string) (*model.MediaAnnotation, error) {
	annotation := &model.MediaAnnotation{}
	if err := json.Unmarshal([]byte(in), annotation); err != nil {
		return nil, fmt.Errorf("failed to parse annotation: %w", err)
	}
	annotation.Tags = model.SplitTags(model.JoinTags(annotation.Tags))
	return annotation, nil
}
