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

package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jaycherian/media-vector-search/internal/core/model"
)

// NeedsSlicing reports whether a video longer than limitMinutes must be cut.
// A video of exactly the limit is kept whole.
func NeedsSlicing(durationSeconds, limitMinutes float64) bool {
	return durationSeconds/60 > limitMinutes
}

// PlanChunks splits duration into ceil(duration/chunk) equal windows. Every
// window after the first starts overlap seconds early and runs overlap seconds
// longer; the last window always ends exactly at duration.
func PlanChunks(duration, chunkSeconds, overlapSeconds float64) []model.ChunkWindow {
	if duration <= 0 || chunkSeconds <= 0 {
		return nil
	}
	if overlapSeconds < 0 {
		overlapSeconds = 0
	}
	n := int(math.Ceil(duration / chunkSeconds))
	actual := duration / float64(n)

	plan := make([]model.ChunkWindow, 0, n)
	for i := 0; i < n; i++ {
		start := 0.0
		if i > 0 {
			start = math.Max(0, float64(i)*actual-overlapSeconds)
		}
		length := actual + overlapSeconds
		if i == n-1 {
			length = duration - start
		}
		plan = append(plan, model.ChunkWindow{Index: i, Start: start, Duration: length})
	}
	return plan
}

// SliceResult reports what a Slice run produced.
type SliceResult struct {
	Planned int
	Units   []*model.UnitFile
	Errors  map[int]error
}

// Complete reports whether every planned chunk was produced.
func (r *SliceResult) Complete() bool {
	return len(r.Units) == r.Planned && len(r.Errors) == 0
}

// Err joins the per-chunk failures.
func (r *SliceResult) Err() error {
	if len(r.Errors) == 0 {
		if len(r.Units) != r.Planned {
			return fmt.Errorf("produced %d of %d chunks", len(r.Units), r.Planned)
		}
		return nil
	}
	errs := make([]error, 0, len(r.Errors))
	for i := 0; i < r.Planned; i++ {
		if err, ok := r.Errors[i]; ok {
			errs = append(errs, fmt.Errorf("chunk %d: %w", i, err))
		}
	}
	return fmt.Errorf("produced %d of %d chunks: %w", len(r.Units), r.Planned, errors.Join(errs...))
}

// Slicer cuts videos into chunks with ffmpeg stream copy.
type Slicer struct {
	runner CommandRunner
	path   string
}

// NewSlicer creates a slicer calling the ffmpeg binary at path.
func NewSlicer(runner CommandRunner, path string) *Slicer {
	if path == "" {
		path = "ffmpeg"
	}
	return &Slicer{runner: runner, path: path}
}

// ExtractChunk copies [start, start+duration) of in to out without re-encoding.
// On failure nothing is left at out.
func (s *Slicer) ExtractChunk(ctx context.Context, in string, start, duration float64, out string) (err error) {
	defer func() {
		if err != nil {
			if rerr := os.Remove(out); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
				slog.WarnContext(ctx, "failed to remove partial chunk", "file", out, "error", rerr)
			}
		}
	}()
	_, err = s.runner.Run(ctx, s.path,
		"-hide_banner", "-loglevel", "error",
		"-ss", formatSeconds(start),
		"-i", in,
		"-t", formatSeconds(duration),
		"-c", "copy",
		"-avoid_negative_ts", "make_zero",
		"-y", out)
	if err != nil {
		return err
	}
	info, err := os.Stat(out)
	if err != nil {
		return fmt.Errorf("chunk output missing: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("chunk output %s is empty", out)
	}
	return nil
}

// Slice extracts every window of plan from in into outDir. A failed chunk does
// not stop its siblings; the caller decides what an incomplete result means.
func (s *Slicer) Slice(ctx context.Context, in string, plan []model.ChunkWindow, outDir string) *SliceResult {
	result := &SliceResult{Planned: len(plan), Errors: make(map[int]error)}
	base := strings.TrimSuffix(filepath.Base(in), filepath.Ext(in))
	ext := filepath.Ext(in)
	if ext == "" {
		ext = ".mp4"
	}
	contentType := mime.TypeByExtension(ext)
	if contentType == "" {
		contentType = "video/mp4"
	}

	for _, w := range plan {
		if err := ctx.Err(); err != nil {
			result.Errors[w.Index] = err
			continue
		}
		name := fmt.Sprintf("%s_part%03d%s", base, w.Index+1, ext)
		out := filepath.Join(outDir, name)
		if err := s.ExtractChunk(ctx, in, w.Start, w.Duration, out); err != nil {
			slog.WarnContext(ctx, "chunk extraction failed", "file", in, "chunk", w.Index, "error", err)
			result.Errors[w.Index] = err
			continue
		}
		info, _ := os.Stat(out)
		window := w
		result.Units = append(result.Units, &model.UnitFile{
			Path:        out,
			FileName:    name,
			SizeBytes:   info.Size(),
			ContentType: contentType,
			Window:      &window,
		})
	}
	return result
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}
