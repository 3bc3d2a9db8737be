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

package workflow_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jaycherian/media-vector-search/internal/core/commands"
	"github.com/jaycherian/media-vector-search/internal/core/model"
	"github.com/jaycherian/media-vector-search/internal/core/tasks"
	"github.com/jaycherian/media-vector-search/internal/core/vendor"
	"github.com/jaycherian/media-vector-search/internal/core/workflow"
	"github.com/jaycherian/media-vector-search/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPhotoEmbeddingTaskCompletes(t *testing.T) {
	f := newFixture(t, true)
	item := f.storedItem(t, "alice", "beach.jpg", model.MediaKindPhoto)

	taskID, err := f.orchestrator.Submit(model.DescriptorFor(item, "", 0, 1), false)
	require.NoError(t, err)
	assert.Equal(t, model.TaskIDForMedia(item.ID), taskID)

	task := f.waitForStatus(t, taskID, model.TaskDone)
	assert.Equal(t, []string{item.ID}, task.ResultIDs)
	assert.Equal(t, 1, task.Attempts)
	assert.NotNil(t, task.CompletedAt)
	assert.Contains(t, task.MediaURL, item.StoragePath)

	stored, err := f.store.Get(context.Background(), item.ID)
	require.NoError(t, err)
	assert.True(t, stored.HasEmbedding())
	assert.Equal(t, "fake-model", stored.EmbeddingModel)
}

func TestChunkSegmentsUseAbsoluteOffsets(t *testing.T) {
	f := newFixture(t, true)
	item := f.storedItem(t, "alice", "long_part002.mp4", model.MediaKindVideo)
	item.SetChunk(1, 2, 600, 1200)
	desc := model.DescriptorFor(item, "", 0, 1)

	taskID, err := f.orchestrator.Submit(desc, false)
	require.NoError(t, err)
	task := f.waitForStatus(t, taskID, model.TaskDone)
	assert.Equal(t, 2, task.SegmentCount)
	assert.Len(t, task.ResultIDs, 2)

	segments, err := f.store.ListByMedia(context.Background(), item.ID)
	require.NoError(t, err)
	require.Len(t, segments, 2)
	assert.Equal(t, 600.0, segments[0].StartTime)
	assert.Equal(t, 606.0, segments[0].EndTime)
	assert.Equal(t, 606.0, segments[1].StartTime)
	assert.Equal(t, vendor.PreferredScope, segments[0].EmbeddingScope)

	stored, err := f.store.Get(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, segments[0].Embedding.Slice(), stored.Embedding.Slice())
}

func TestFailingVendorTaskReportsErrorAndPoolKeepsWorking(t *testing.T) {
	f := newFixture(t, true)
	f.vendor.FailCreate["broken"] = errors.New("vendor rejected the media")
	bad := f.storedItem(t, "alice", "broken.mp4", model.MediaKindVideo)
	good := f.storedItem(t, "alice", "fine.mp4", model.MediaKindVideo)

	sub := f.broker.Subscribe("s1")
	defer sub.Close()

	badID, err := f.orchestrator.Submit(model.DescriptorFor(bad, "s1", 0, 2), false)
	require.NoError(t, err)
	failed := f.waitForStatus(t, badID, model.TaskFailed)
	assert.Contains(t, failed.Error, "vendor rejected the media")
	assert.NotNil(t, failed.FailedAt)

	events := collect(t, sub)
	last := events[len(events)-1]
	assert.Equal(t, model.StageError, last.Stage)
	assert.Contains(t, last.Message, "broken.mp4")

	goodID, err := f.orchestrator.Submit(model.DescriptorFor(good, "", 1, 2), false)
	require.NoError(t, err)
	f.waitForStatus(t, goodID, model.TaskDone)
}

func TestSubmitReusesTaskUnlessForced(t *testing.T) {
	f := newFixture(t, true)
	item := f.storedItem(t, "alice", "beach.jpg", model.MediaKindPhoto)
	desc := model.DescriptorFor(item, "", 0, 1)

	taskID, err := f.orchestrator.Submit(desc, false)
	require.NoError(t, err)
	f.waitForStatus(t, taskID, model.TaskDone)

	again, err := f.orchestrator.Submit(desc, false)
	require.NoError(t, err)
	assert.Equal(t, taskID, again)
	assert.Equal(t, 1, f.vendor.CreatedTasks())

	forced, err := f.orchestrator.Submit(desc, true)
	require.NoError(t, err)
	assert.Equal(t, taskID, forced)
	task := f.waitForStatus(t, taskID, model.TaskDone)
	assert.Equal(t, 2, task.Attempts)
	assert.Equal(t, 2, f.vendor.CreatedTasks())
}

func TestQueueFullFailsTask(t *testing.T) {
	f := newFixture(t, false, withQueueSize(1))
	first := f.storedItem(t, "alice", "a.jpg", model.MediaKindPhoto)
	second := f.storedItem(t, "alice", "b.jpg", model.MediaKindPhoto)

	_, err := f.orchestrator.Submit(model.DescriptorFor(first, "", 0, 2), false)
	require.NoError(t, err)
	taskID, err := f.orchestrator.Submit(model.DescriptorFor(second, "", 1, 2), false)
	assert.ErrorIs(t, err, workflow.ErrQueueFull)

	task, ok := f.registry.Get(taskID)
	require.True(t, ok)
	assert.Equal(t, model.TaskFailed, task.Status)
	assert.Contains(t, task.Error, "queue is full")
}

type panickingVendor struct {
	*testutil.FakeVendor
}

func (panickingVendor) FetchResult(_ context.Context, handle *vendor.TaskHandle) (*vendor.EmbeddingResult, error) {
	if handle.Result != nil {
		return handle.Result, nil
	}
	panic("decoder exploded")
}

func TestPanicFailsOnlyThatTask(t *testing.T) {
	f := newFixture(t, true, withVendor(panickingVendor{FakeVendor: testutil.NewFakeVendor()}))
	video := f.storedItem(t, "alice", "clip.mp4", model.MediaKindVideo)

	taskID, err := f.orchestrator.Submit(model.DescriptorFor(video, "", 0, 1), false)
	require.NoError(t, err)
	task := f.waitForStatus(t, taskID, model.TaskFailed)
	assert.Contains(t, task.Error, "decoder exploded")

	// Photo results ride on the handle, so this one does not panic.
	photo := f.storedItem(t, "alice", "beach.jpg", model.MediaKindPhoto)
	photoID, err := f.orchestrator.Submit(model.DescriptorFor(photo, "", 0, 1), false)
	require.NoError(t, err)
	f.waitForStatus(t, photoID, model.TaskDone)
}

func TestSubmitAfterStop(t *testing.T) {
	f := newFixture(t, false)
	f.orchestrator.Start(context.Background())
	f.orchestrator.Stop()
	item := f.storedItem(t, "alice", "a.jpg", model.MediaKindPhoto)

	taskID, err := f.orchestrator.Submit(model.DescriptorFor(item, "", 0, 1), false)
	assert.ErrorIs(t, err, workflow.ErrStopped)
	task, ok := f.registry.Get(taskID)
	require.True(t, ok)
	assert.Equal(t, model.TaskFailed, task.Status)
}

func TestForcedResubmitOfQueuedTaskIsRefused(t *testing.T) {
	f := newFixture(t, false)
	item := f.storedItem(t, "alice", "beach.jpg", model.MediaKindPhoto)
	desc := model.DescriptorFor(item, "s1", 0, 1)

	sub := f.broker.Subscribe("s1")
	defer sub.Close()

	taskID, err := f.orchestrator.Submit(desc, false)
	require.NoError(t, err)
	forced, err := f.orchestrator.Submit(desc, true)
	assert.ErrorIs(t, err, workflow.ErrTaskQueued)
	assert.Equal(t, taskID, forced)
	assert.Equal(t, 1, f.tracker.Outstanding("s1"))

	f.orchestrator.Start(context.Background())
	t.Cleanup(f.orchestrator.Stop)

	task := f.waitForStatus(t, taskID, model.TaskDone)
	assert.Equal(t, 1, task.Attempts)
	assert.Empty(t, task.Error)

	events := collect(t, sub)
	assert.Equal(t, model.StageComplete, events[len(events)-1].Stage)
	assert.Equal(t, 1, f.vendor.CreatedTasks())
}

// emptyResultVendor reports every task ready without any vector.
type emptyResultVendor struct {
	*testutil.FakeVendor
}

func (emptyResultVendor) FetchResult(_ context.Context, handle *vendor.TaskHandle) (*vendor.EmbeddingResult, error) {
	return &vendor.EmbeddingResult{ID: handle.ID, ModelName: "fake-model", Status: vendor.StatusReady}, nil
}

// windowlessVendor returns video vectors without time offsets.
type windowlessVendor struct {
	*testutil.FakeVendor
}

func (windowlessVendor) FetchResult(_ context.Context, handle *vendor.TaskHandle) (*vendor.EmbeddingResult, error) {
	return &vendor.EmbeddingResult{
		ID:        handle.ID,
		ModelName: "fake-model",
		Status:    vendor.StatusReady,
		VideoEmbedding: &vendor.EmbeddingBlock{Segments: []vendor.RawSegment{
			{Float: testutil.HashVector(handle.ID)},
		}},
	}, nil
}

func TestVendorResultsWithoutUsableVectorsFailTheTask(t *testing.T) {
	cases := []struct {
		name   string
		client vendor.Client
		want   string
	}{
		{"missing embedding", emptyResultVendor{FakeVendor: testutil.NewFakeVendor()}, vendor.ErrNoEmbedding.Error()},
		{"no video segments", windowlessVendor{FakeVendor: testutil.NewFakeVendor()}, commands.ErrNoVideoSegments.Error()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, true, withVendor(tc.client))
			video := f.storedItem(t, "alice", "clip.mp4", model.MediaKindVideo)

			sub := f.broker.Subscribe("s2")
			defer sub.Close()

			taskID, err := f.orchestrator.Submit(model.DescriptorFor(video, "s2", 0, 1), false)
			require.NoError(t, err)
			task := f.waitForStatus(t, taskID, model.TaskFailed)
			assert.Contains(t, task.Error, tc.want)
			assert.NotNil(t, task.FailedAt)

			events := collect(t, sub)
			last := events[len(events)-1]
			assert.Equal(t, model.StageError, last.Stage)
			assert.Contains(t, last.Message, "clip.mp4")

			segments, err := f.store.ListByMedia(context.Background(), video.ID)
			require.NoError(t, err)
			assert.Empty(t, segments)
			stored, err := f.store.Get(context.Background(), video.ID)
			require.NoError(t, err)
			assert.False(t, stored.HasEmbedding())
		})
	}
}

func TestStopPersistsFinalTaskState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")
	slow := testutil.NewFakeVendor()
	slow.Delay = 500 * time.Millisecond
	f := newFixture(t, false, withVendor(slow), withRegistryFile(path))
	video := f.storedItem(t, "alice", "clip.mp4", model.MediaKindVideo)
	f.orchestrator.Start(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	persisted := f.registry.StartAutoPersist(ctx, time.Hour)

	taskID, err := f.orchestrator.Submit(model.DescriptorFor(video, "", 0, 1), false)
	require.NoError(t, err)
	f.waitForStatus(t, taskID, model.TaskRunning)

	cancel()
	<-persisted
	snapshot, err := tasks.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, snapshot, 1)
	assert.Equal(t, model.TaskRunning, snapshot[0].Status)

	f.orchestrator.Stop()
	snapshot, err = tasks.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, snapshot, 1)
	assert.Equal(t, model.TaskDone, snapshot[0].Status)
}
