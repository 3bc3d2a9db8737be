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

	"github.com/jaycherian/media-vector-search/internal/core/cor"
	"github.com/jaycherian/media-vector-search/internal/core/media"
	"github.com/jaycherian/media-vector-search/internal/core/model"
	"github.com/jaycherian/media-vector-search/internal/core/progress"
)

// ProbeMedia reads the duration of an uploaded video with ffprobe and puts
// it under ParamDuration. Photos pass through with a zero duration.
type ProbeMedia struct {
	cor.BaseCommand
	prober *media.Prober
	broker *progress.Broker
}

func NewProbeMedia(name string, prober *media.Prober, broker *progress.Broker) *ProbeMedia {
	return &ProbeMedia{BaseCommand: *cor.NewBaseCommand(name), prober: prober, broker: broker}
}

func (c *ProbeMedia) Execute(context cor.Context) {
	file := context.Get(c.GetInputParam()).(*model.UploadFile)
	reportUpload(c.broker, context, model.StageValidate, percentValidate, fmt.Sprintf("inspecting %s", file.FileName))

	duration := 0.0
	if file.Kind == model.MediaKindVideo {
		d, err := c.prober.Probe(context.GetContext(), file.Path)
		if err != nil {
			c.Fail(context, err)
			return
		}
		duration = d
	}

	c.Succeed(context)
	context.Add(ParamDuration, duration)
	context.Add(c.GetOutputParam(), file)
}

// SliceVideo cuts a video longer than the vendor limit into overlapping
// chunks. Anything else becomes a single unit. Fewer chunks than planned
// fails the file.
//
// Inputs:
//   - CtxIn: the *model.UploadFile.
//   - ParamDuration: its probed duration in seconds.
//
// Outputs:
//   - CtxOut: the []*model.UnitFile to upload, in chunk order. Chunk files
//     are registered as temp files of the chain.
type SliceVideo struct {
	cor.BaseCommand
	slicer         *media.Slicer
	broker         *progress.Broker
	limitMinutes   float64
	chunkSeconds   float64
	overlapSeconds float64
	tempDir        string
}

func NewSliceVideo(
	name string,
	slicer *media.Slicer,
	broker *progress.Broker,
	limitMinutes float64,
	chunkMinutes float64,
	overlapSeconds float64,
	tempDir string) *SliceVideo {
	return &SliceVideo{
		BaseCommand:    *cor.NewBaseCommand(name),
		slicer:         slicer,
		broker:         broker,
		limitMinutes:   limitMinutes,
		chunkSeconds:   chunkMinutes * 60,
		overlapSeconds: overlapSeconds,
		tempDir:        tempDir,
	}
}

func (c *SliceVideo) Execute(context cor.Context) {
	file := context.Get(c.GetInputParam()).(*model.UploadFile)
	duration, _ := cor.Value[float64](context, ParamDuration)

	if file.Kind != model.MediaKindVideo || !media.NeedsSlicing(duration, c.limitMinutes) {
		c.Succeed(context)
		context.Add(c.GetOutputParam(), []*model.UnitFile{{
			Path:        file.Path,
			FileName:    file.FileName,
			SizeBytes:   file.SizeBytes,
			ContentType: file.ContentType,
		}})
		return
	}

	plan := media.PlanChunks(duration, c.chunkSeconds, c.overlapSeconds)
	reportUpload(c.broker, context, model.StageSlice, percentSlice,
		fmt.Sprintf("splitting %s (%.1f min) into %d chunks", file.FileName, duration/60, len(plan)))

	outDir, err := os.MkdirTemp(c.tempDir, "slices-")
	if err != nil {
		c.Fail(context, fmt.Errorf("failed to create chunk directory: %w", err))
		return
	}
	result := c.slicer.Slice(context.GetContext(), file.Path, plan, outDir)
	for _, u := range result.Units {
		context.AddTempFile(u.Path)
	}
	context.AddTempFile(outDir)

	if !result.Complete() {
		c.Fail(context, result.Err())
		return
	}
	slog.InfoContext(context.GetContext(), "sliced video", "file", file.FileName, "duration", duration, "chunks", len(result.Units))

	c.Succeed(context)
	context.Add(c.GetOutputParam(), result.Units)
}
