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
	"path/filepath"
	"testing"

	"github.com/jaycherian/media-vector-search/internal/core/cor"
	"github.com/jaycherian/media-vector-search/internal/core/model"
	"github.com/jaycherian/media-vector-search/internal/core/tasks"
	"github.com/jaycherian/media-vector-search/internal/core/workflow"
	"github.com/jaycherian/media-vector-search/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMediaTriggerSubmitsUnembeddedItem(t *testing.T) {
	f := newFixture(t, true)
	item := model.NewMediaItem("alice", "trip", "beach.jpg", model.MediaKindPhoto)
	item.StoragePath = "users/alice/uploads/trip/src-1/beach.jpg"
	require.NoError(t, f.store.Create(context.Background(), item))

	trigger := workflow.NewMediaTriggerWorkflow(f.store, f.orchestrator)
	chainCtx := cor.NewContext(context.Background())
	chainCtx.Add(cor.CtxIn, testutil.GetTestUploadNotificationText())
	trigger.Execute(chainCtx)

	require.NoError(t, chainCtx.Err())
	f.waitForStatus(t, model.TaskIDForMedia(item.ID), model.TaskDone)
}

func TestMediaTriggerIgnoresUnknownObjects(t *testing.T) {
	f := newFixture(t, true)
	trigger := workflow.NewMediaTriggerWorkflow(f.store, f.orchestrator)

	for _, payload := range []string{
		testutil.GetTestUploadNotificationText(),
		`{"name": "thumbnails/beach.jpg", "bucket": "media-vector-search"}`,
	} {
		chainCtx := cor.NewContext(context.Background())
		chainCtx.Add(cor.CtxIn, payload)
		trigger.Execute(chainCtx)
		assert.NoError(t, chainCtx.Err())
	}
	assert.Empty(t, f.registry.List(tasks.Filter{}))
}

func TestMediaTriggerRejectsMalformedMessages(t *testing.T) {
	f := newFixture(t, false)
	trigger := workflow.NewMediaTriggerWorkflow(f.store, f.orchestrator)

	chainCtx := cor.NewContext(context.Background())
	chainCtx.Add(cor.CtxIn, "not json")
	trigger.Execute(chainCtx)
	assert.ErrorContains(t, chainCtx.Err(), "failed to unmarshal GCS notification")
}

func TestOrphanLedgerSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orphans.json")
	ledger := workflow.NewOrphanLedger(path)
	ledger.Record(
		model.OrphanRecord{Path: "users/alice/uploads/trip/s/b.mp4", Reason: "upload failed"},
		model.OrphanRecord{Path: "users/alice/uploads/trip/s/a.mp4", Reason: "upload failed"},
	)

	restored := workflow.NewOrphanLedger(path)
	require.NoError(t, restored.Load())
	pending := restored.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, "users/alice/uploads/trip/s/a.mp4", pending[0].Path)

	objects := testutil.NewMemoryObjectStore()
	report, err := workflow.NewOrphanSweeper(restored, objects).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Deleted, "missing objects count as deleted")

	again := workflow.NewOrphanLedger(path)
	require.NoError(t, again.Load())
	assert.Empty(t, again.Pending())
}
