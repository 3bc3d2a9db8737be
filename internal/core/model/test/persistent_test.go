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

package model_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jaycherian/media-vector-search/internal/core/model"
	"github.com/stretchr/testify/assert"
)

// TestNewMediaItem checks the constructor defaults and the offset invariant.
func TestNewMediaItem(t *testing.T) {
	item := model.NewMediaItem("user-1", "holiday", "beach.jpg", model.MediaKindPhoto)

	_, err := uuid.Parse(item.ID)
	assert.NoError(t, err)
	assert.WithinDuration(t, time.Now(), item.CreatedAt, time.Second)
	assert.False(t, item.HasEmbedding())
	assert.False(t, item.IsChunk())
	assert.NoError(t, item.Validate())

	// A photo must never carry offsets.
	item.SetChunk(0, 1, 0, 10)
	assert.Error(t, item.Validate())
}

func TestVideoChunkInvariant(t *testing.T) {
	video := model.NewMediaItem("user-1", "holiday", "long.mp4", model.MediaKindVideo)
	assert.NoError(t, video.Validate())
	assert.Equal(t, 0.0, video.BaseOffset())

	video.SetChunk(1, 2, 4495, 9000)
	assert.True(t, video.IsChunk())
	assert.NoError(t, video.Validate())
	assert.Equal(t, 4495.0, video.BaseOffset())
	assert.InDelta(t, 4505.0, *video.DurationSeconds, 1e-9)

	start := 10.0
	video.EndOffset = nil
	video.StartOffset = &start
	assert.Error(t, video.Validate())
}

// TestNewVideoSegmentEmbedding checks the deterministic id used for idempotent upserts.
func TestNewVideoSegmentEmbedding(t *testing.T) {
	seg, err := model.NewVideoSegmentEmbedding("media-1", 6, 12, "clip", []float32{0.1, 0.2})
	assert.NoError(t, err)
	again, err := model.NewVideoSegmentEmbedding("media-1", 6, 12, "clip", []float32{0.3, 0.4})
	assert.NoError(t, err)

	assert.Equal(t, seg.ID, again.ID)
	assert.Equal(t, model.SegmentID("media-1", 6, 12), seg.ID)
	assert.NotEqual(t, seg.ID, model.SegmentID("media-1", 6, 13))

	_, err = model.NewVideoSegmentEmbedding("media-1", 12, 6, "clip", []float32{0.1})
	assert.Error(t, err)
	_, err = model.NewVideoSegmentEmbedding("media-1", 0, 6, "clip", nil)
	assert.Error(t, err)
}

func TestTaskStateMachine(t *testing.T) {
	assert.True(t, model.TaskPending.CanTransition(model.TaskRunning))
	assert.True(t, model.TaskPending.CanTransition(model.TaskFailed))
	assert.False(t, model.TaskPending.CanTransition(model.TaskDone))
	assert.True(t, model.TaskRunning.CanTransition(model.TaskDone))
	assert.True(t, model.TaskRunning.CanTransition(model.TaskFailed))
	assert.False(t, model.TaskDone.CanTransition(model.TaskRunning))
	assert.False(t, model.TaskFailed.CanTransition(model.TaskRunning))

	assert.Equal(t, model.TaskIDForMedia("m-1"), model.TaskIDForMedia("m-1"))
	assert.NotEqual(t, model.TaskIDForMedia("m-1"), model.TaskIDForMedia("m-2"))
}

func TestTagsAndPaths(t *testing.T) {
	assert.Equal(t, "beach,sunset", model.JoinTags([]string{" Beach", "sunset", "beach", ""}))
	assert.Equal(t, []string{"beach", "sunset"}, model.SplitTags("beach, sunset,"))
	assert.Equal(t, []string{}, model.SplitTags(" "))

	path := model.UploadPath("u1", "my/album", "src", "clip.mp4")
	assert.Equal(t, "users/u1/uploads/my_album/src/clip.mp4", path)
	owner, ok := model.UserFromPath(path)
	assert.True(t, ok)
	assert.Equal(t, "u1", owner)
	_, ok = model.UserFromPath("public/clip.mp4")
	assert.False(t, ok)

	assert.Equal(t, "sunset over the bay", model.NormalizeQuery("  Sunset   over\tthe Bay "))
}

func TestCounterKinds(t *testing.T) {
	assert.Equal(t, "uploads_per_day", model.CounterUpload.String())
	assert.Equal(t, time.Minute, model.CounterAPICall.Window())
	assert.Equal(t, time.Hour, model.CounterSearch.Window())
	assert.Equal(t, 24*time.Hour, model.CounterVideoMinutes.Window())
	assert.False(t, model.CounterStorage.Windowed())

	max := int64(5)
	ledger := model.NewRateLimitLedger("u1", model.QuotaLimits{UploadsPerDay: &max}, time.Now())
	assert.Equal(t, 5.0, *ledger.Limit(model.CounterUpload))
	assert.Nil(t, ledger.Limit(model.CounterSearch))
}
