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
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jaycherian/media-vector-search/internal/core/model"
	"github.com/jaycherian/media-vector-search/internal/core/services"
	"github.com/jaycherian/media-vector-search/internal/core/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func usage(t *testing.T, f *fixture, kind model.CounterKind) float64 {
	t.Helper()
	ledger, err := f.store.Quotas().Get(context.Background(), "alice", time.Now().UTC())
	require.NoError(t, err)
	return ledger.Usage(kind)
}

func limit(v float64) *float64 {
	return &v
}

func TestUploadSlicesLongVideoAndEmbedsEveryChunk(t *testing.T) {
	f := newFixture(t, true)
	f.runner.Durations["long.mp4"] = 150 * 60
	photo := f.spool(t, "beach.jpg", jpegHeader)
	video := f.spool(t, "long.mp4", mp4Header)

	sub := f.broker.Subscribe("s1")
	defer sub.Close()

	resp, err := f.uploads.Ingest(context.Background(), &model.UploadRequest{
		UserID:    "alice",
		AlbumName: "trip",
		AutoEmbed: true,
		SessionID: "s1",
		Files:     []*model.UploadFile{photo, video},
	})
	require.NoError(t, err)
	assert.Equal(t, "s1", resp.SessionID)
	assert.Equal(t, 2, resp.Succeeded)
	assert.Equal(t, 0, resp.Failed)

	photoResult, videoResult := resp.Results[0], resp.Results[1]
	assert.True(t, photoResult.Success)
	assert.Equal(t, 1, photoResult.Chunks)
	assert.NotEmpty(t, photoResult.EmbeddingTaskID)
	assert.True(t, videoResult.Success)
	assert.Equal(t, 2, videoResult.Chunks)
	assert.Len(t, videoResult.MediaIDs, 2)
	assert.Len(t, videoResult.EmbeddingTaskIDs, 2)
	assert.Equal(t, 9000.0, videoResult.DurationSeconds)

	events := collect(t, sub)
	assert.Equal(t, model.StageComplete, events[len(events)-1].Stage)
	assert.Subset(t, stages(events), []string{model.StageInit, model.StageValidate, model.StageSlice, model.StageUpload, model.StageMetadata})

	for _, id := range append(videoResult.EmbeddingTaskIDs, photoResult.EmbeddingTaskID) {
		f.waitForStatus(t, id, model.TaskDone)
	}

	second, err := f.store.Get(context.Background(), videoResult.MediaIDs[1])
	require.NoError(t, err)
	require.True(t, second.IsChunk())
	assert.Equal(t, 4495.0, *second.StartOffset)
	assert.Equal(t, 9000.0, *second.EndOffset)
	assert.Equal(t, 1, *second.ChunkIndex)
	assert.True(t, strings.HasPrefix(second.StoragePath, "users/alice/uploads/trip/"))
	assert.True(t, strings.HasSuffix(second.StoragePath, "long_part002.mp4"))
	assert.True(t, f.objects.Has(second.StoragePath))

	segments, err := f.store.ListByMedia(context.Background(), second.ID)
	require.NoError(t, err)
	require.Len(t, segments, 2)
	assert.Equal(t, 4495.0, segments[0].StartTime)

	assert.Equal(t, 2.0, usage(t, f, model.CounterUpload))
	assert.Equal(t, 150.0, usage(t, f, model.CounterVideoMinutes))
	assert.Equal(t, float64(photo.SizeBytes+10), usage(t, f, model.CounterStorage))

	_, err = os.Stat(video.Path)
	assert.True(t, os.IsNotExist(err), "spooled file must be removed")
}

func TestUploadRejectsUnsupportedFiles(t *testing.T) {
	f := newFixture(t, false)
	notes := f.spool(t, "notes.txt", []byte("plain text notes"))

	_, err := f.uploads.Ingest(context.Background(), &model.UploadRequest{
		UserID:    "alice",
		AlbumName: "trip",
		Files:     []*model.UploadFile{f.spool(t, "beach.jpg", jpegHeader), notes},
	})
	assert.ErrorIs(t, err, workflow.ErrInvalidUpload)
	assert.ErrorContains(t, err, "notes.txt")
	assert.Equal(t, 0.0, usage(t, f, model.CounterUpload))
}

func TestUploadRequiresAlbum(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.uploads.Ingest(context.Background(), &model.UploadRequest{
		UserID: "alice",
		Files:  []*model.UploadFile{f.spool(t, "beach.jpg", jpegHeader)},
	})
	assert.ErrorIs(t, err, workflow.ErrInvalidUpload)
}

func TestUploadQuotaRejectsWholeRequest(t *testing.T) {
	f := newFixture(t, false)
	f.store.Quotas().SetLimit("alice", model.CounterUpload, limit(1), time.Now().UTC())

	_, err := f.uploads.Ingest(context.Background(), &model.UploadRequest{
		UserID:    "alice",
		AlbumName: "trip",
		Files: []*model.UploadFile{
			f.spool(t, "a.jpg", jpegHeader),
			f.spool(t, "b.jpg", jpegHeader),
		},
	})
	assert.ErrorIs(t, err, services.ErrQuotaExceeded)
	assert.ErrorContains(t, err, "uploads_per_day")
	assert.Empty(t, f.objects.Paths())
}

func TestVideoMinutesQuotaFailsOnlyThatFile(t *testing.T) {
	f := newFixture(t, false)
	f.runner.Durations["long.mp4"] = 150 * 60
	f.store.Quotas().SetLimit("alice", model.CounterVideoMinutes, limit(100), time.Now().UTC())

	resp, err := f.uploads.Ingest(context.Background(), &model.UploadRequest{
		UserID:    "alice",
		AlbumName: "trip",
		Files: []*model.UploadFile{
			f.spool(t, "long.mp4", mp4Header),
			f.spool(t, "beach.jpg", jpegHeader),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Succeeded)
	assert.False(t, resp.Results[0].Success)
	assert.Contains(t, resp.Results[0].Error, "video_minutes_per_day")
	assert.True(t, resp.Results[1].Success)
	assert.Equal(t, 1.0, usage(t, f, model.CounterUpload), "failed file refunds its upload")
	assert.Len(t, f.runner.CallsFor("ffmpeg"), 0)
}

func TestPartialChunkUploadRecordsOrphans(t *testing.T) {
	f := newFixture(t, false)
	f.runner.Durations["long.mp4"] = 150 * 60
	f.objects.FailPaths = []string{"long_part002"}

	sub := f.broker.Subscribe("s2")
	defer sub.Close()

	resp, err := f.uploads.Ingest(context.Background(), &model.UploadRequest{
		UserID:    "alice",
		AlbumName: "trip",
		SessionID: "s2",
		Files: []*model.UploadFile{
			f.spool(t, "long.mp4", mp4Header),
			f.spool(t, "beach.jpg", jpegHeader),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Failed)
	assert.Contains(t, resp.Results[0].Error, "long_part002.mp4")

	items, err := f.store.ListByAlbum(context.Background(), "alice", "trip")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "beach.jpg", items[0].FileName)

	pending := f.orphans.Pending()
	require.Len(t, pending, 1)
	assert.True(t, strings.HasSuffix(pending[0].Path, "long_part001.mp4"))
	assert.True(t, f.objects.Has(pending[0].Path))

	events := collect(t, sub)
	last := events[len(events)-1]
	assert.Equal(t, model.StageComplete, last.Stage)
	assert.Equal(t, "1 of 2 files stored", last.Message)

	sweeper := workflow.NewOrphanSweeper(f.orphans, f.objects)
	report, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Deleted)
	assert.False(t, f.objects.Has(pending[0].Path))

	report, err = sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Deleted)
}

func TestUploadFailsWhenNothingIsStored(t *testing.T) {
	f := newFixture(t, false)
	f.runner.FailProbe = true

	sub := f.broker.Subscribe("s3")
	defer sub.Close()

	resp, err := f.uploads.Ingest(context.Background(), &model.UploadRequest{
		UserID:    "alice",
		AlbumName: "trip",
		SessionID: "s3",
		Files:     []*model.UploadFile{f.spool(t, "clip.mp4", mp4Header)},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Failed)
	assert.Contains(t, resp.Results[0].Error, "ffprobe")

	events := collect(t, sub)
	assert.Equal(t, model.StageError, events[len(events)-1].Stage)
	assert.Equal(t, 0.0, usage(t, f, model.CounterUpload))
}
