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

package media_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/jaycherian/media-vector-search/internal/core/media"
	"github.com/jaycherian/media-vector-search/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	zassert "github.com/zeebo/assert"
)

func TestNeedsSlicing(t *testing.T) {
	assert.False(t, media.NeedsSlicing(120*60, 120))
	assert.True(t, media.NeedsSlicing(120*60+0.5, 120))
	assert.False(t, media.NeedsSlicing(30, 120))
}

func TestPlanChunksLongVideo(t *testing.T) {
	// 150 minutes with 110 minute chunks and a 5 second overlap.
	plan := media.PlanChunks(9000, 110*60, 5)
	require.Len(t, plan, 2)

	assert.Equal(t, 0.0, plan[0].Start)
	assert.InDelta(t, 4505.0, plan[0].Duration, 1e-9)
	assert.InDelta(t, 4495.0, plan[1].Start, 1e-9)
	assert.InDelta(t, 9000.0, plan[1].End(), 1e-9)
	// Consecutive chunks overlap by exactly the overlap.
	assert.InDelta(t, 10.0, plan[0].End()-plan[1].Start, 1e-9)
}

func TestPlanChunksProperties(t *testing.T) {
	for _, d := range []float64{1, 59.5, 6600, 6601, 9000, 20000, 86400} {
		plan := media.PlanChunks(d, 6600, 5)
		require.NotEmpty(t, plan)
		zassert.Equal(t, len(plan), int(ceil(d/6600)))
		zassert.Equal(t, plan[0].Start, 0.0)
		assert.InDelta(t, d, plan[len(plan)-1].End(), 1e-6)
		for i := 1; i < len(plan); i++ {
			// No gaps between consecutive windows.
			assert.LessOrEqual(t, plan[i].Start, plan[i-1].End())
			assert.GreaterOrEqual(t, plan[i].Start, 0.0)
		}
		// Same input, same plan.
		assert.Equal(t, plan, media.PlanChunks(d, 6600, 5))
	}
	assert.Nil(t, media.PlanChunks(0, 6600, 5))
}

func ceil(v float64) float64 {
	n := float64(int(v))
	if n < v {
		return n + 1
	}
	return n
}

func TestProbe(t *testing.T) {
	runner := testutil.NewFakeRunner()
	runner.Durations["clip.mp4"] = 9000
	prober := media.NewProber(runner, "")

	d, err := prober.Probe(context.Background(), "/tmp/clip.mp4")
	assert.NoError(t, err)
	assert.Equal(t, 9000.0, d)

	runner.FailProbe = true
	_, err = prober.Probe(context.Background(), "/tmp/clip.mp4")
	var probeErr *media.ProbeError
	assert.True(t, errors.As(err, &probeErr))
	assert.Equal(t, "/tmp/clip.mp4", probeErr.Path)
}

func TestProbeUnparseableOutput(t *testing.T) {
	runner := testutil.NewFakeRunner()
	runner.ProbeOutput = "N/A\n"
	_, err := media.NewProber(runner, "").Probe(context.Background(), "/tmp/broken.mp4")
	var probeErr *media.ProbeError
	require.True(t, errors.As(err, &probeErr))
	assert.Equal(t, "N/A", probeErr.Output)
}

func TestSlice(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "long.mp4")
	require.NoError(t, os.WriteFile(in, []byte("video"), 0o600))

	runner := testutil.NewFakeRunner()
	slicer := media.NewSlicer(runner, "")
	plan := media.PlanChunks(9000, 6600, 5)

	result := slicer.Slice(context.Background(), in, plan, dir)
	assert.True(t, result.Complete())
	assert.NoError(t, result.Err())
	require.Len(t, result.Units, 2)
	assert.Equal(t, "long_part001.mp4", result.Units[0].FileName)
	assert.Equal(t, "video/mp4", result.Units[0].ContentType)
	assert.InDelta(t, 4495.0, result.Units[1].Window.Start, 1e-9)

	args := runner.CallsFor("ffmpeg")
	require.Len(t, args, 2)
	assert.Contains(t, args[1], "-c")
	assert.Contains(t, args[1], "copy")
	assert.Contains(t, args[1], "4495.000")
}

func TestSlicePartialFailure(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "long.mp4")
	require.NoError(t, os.WriteFile(in, []byte("video"), 0o600))

	runner := testutil.NewFakeRunner()
	runner.FailOutputs["long_part002.mp4"] = true
	result := media.NewSlicer(runner, "").Slice(context.Background(), in, media.PlanChunks(20000, 6600, 5), dir)

	assert.False(t, result.Complete())
	assert.Equal(t, 4, result.Planned)
	assert.Len(t, result.Units, 3)
	assert.ErrorContains(t, result.Err(), "produced 3 of 4 chunks")
}

func TestSliceRemovesOutputOfFailedChunks(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "long.mp4")
	require.NoError(t, os.WriteFile(in, []byte("video"), 0o600))

	runner := testutil.NewFakeRunner()
	runner.PartialOutputs["long_part002.mp4"] = true
	runner.EmptyOutputs["long_part003.mp4"] = true
	result := media.NewSlicer(runner, "").Slice(context.Background(), in, media.PlanChunks(20000, 6600, 5), dir)

	assert.Len(t, result.Units, 2)
	assert.ErrorContains(t, result.Errors[1], "broken pipe")
	assert.ErrorContains(t, result.Errors[2], "is empty")
	for _, name := range []string{"long_part002.mp4", "long_part003.mp4"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.True(t, errors.Is(err, os.ErrNotExist), name)
	}
	for _, unit := range result.Units {
		assert.FileExists(t, unit.Path)
	}
}
