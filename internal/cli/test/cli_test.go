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

package cli_test

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jaycherian/media-vector-search/internal/cli"
	"github.com/jaycherian/media-vector-search/internal/cloud"
	"github.com/jaycherian/media-vector-search/internal/core/model"
	"github.com/jaycherian/media-vector-search/internal/core/tasks"
	"github.com/jaycherian/media-vector-search/internal/core/workflow"
	"github.com/jaycherian/media-vector-search/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newEnv(t *testing.T, objects *testutil.MemoryObjectStore) (*cli.Env, *cloud.Config) {
	t.Helper()
	dir := t.TempDir()
	config := testutil.TestConfig(dir)
	config.Orchestrator.TaskRegistryPath = filepath.Join(dir, "tasks.json")
	config.Ingestion.OrphanLedgerPath = filepath.Join(dir, "orphans.json")
	return &cli.Env{
		LoadConfig: func() (*cloud.Config, error) { return config, nil },
		OpenStorage: func(context.Context, *cloud.Config) (cloud.ObjectStore, func(), error) {
			return objects, func() {}, nil
		},
		OpenDatabase: func(*cloud.Config) (*gorm.DB, error) {
			t.Fatal("database must not be opened")
			return nil, nil
		},
	}, config
}

func run(t *testing.T, env *cli.Env, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := cli.NewRootCommand(env)
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestPlanPrintsChunks(t *testing.T) {
	env, _ := newEnv(t, nil)

	out, err := run(t, env, "plan", "9000")
	require.NoError(t, err)
	assert.Contains(t, out, "2 chunks:")
	assert.Contains(t, out, "4495.0")
	assert.Contains(t, out, "9000.0")

	out, err = run(t, env, "plan", "3600")
	require.NoError(t, err)
	assert.Contains(t, out, "stored whole")

	out, err = run(t, env, "plan", "3600", "--limit-minutes", "30", "--chunk-minutes", "20", "--overlap-seconds", "0")
	require.NoError(t, err)
	assert.Contains(t, out, "3 chunks:")

	_, err = run(t, env, "plan", "abc")
	assert.ErrorContains(t, err, "invalid duration")
}

func TestTasksReadsRegistryFile(t *testing.T) {
	env, config := newEnv(t, nil)

	registry := tasks.NewRegistry(config.Orchestrator.TaskRegistryPath)
	for i, name := range []string{"a.jpg", "b.jpg"} {
		item := model.NewMediaItem("alice", "trip", name, model.MediaKindPhoto)
		_, err := registry.Create(&model.EmbeddingTask{
			ID:        model.TaskIDForMedia(item.ID),
			MediaID:   item.ID,
			UserID:    "alice",
			FileName:  name,
			Kind:      model.MediaKindPhoto,
			CreatedAt: time.Now().Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
		if i == 1 {
			_, err = registry.Transition(model.TaskIDForMedia(item.ID), model.TaskFailed, func(task *model.EmbeddingTask) {
				task.Error = "vendor unavailable"
			})
			require.NoError(t, err)
		}
	}
	require.NoError(t, registry.Persist())

	out, err := run(t, env, "tasks")
	require.NoError(t, err)
	assert.Contains(t, out, "total 2: pending 1, running 0, done 0, failed 1")

	out, err = run(t, env, "tasks", "--status", "failed")
	require.NoError(t, err)
	assert.Contains(t, out, "vendor unavailable")
	assert.NotContains(t, out, "a.jpg")
	assert.Contains(t, out, "total 1:")
}

func TestSweepDeletesOrphans(t *testing.T) {
	objects := testutil.NewMemoryObjectStore()
	env, config := newEnv(t, objects)

	path := model.UploadPath("alice", "trip", "src-1", "clip_chunk1.mp4")
	_, err := objects.Upload(context.Background(), path, strings.NewReader("data"), "video/mp4")
	require.NoError(t, err)
	ledger := workflow.NewOrphanLedger(config.Ingestion.OrphanLedgerPath)
	ledger.Record(
		model.OrphanRecord{Path: path, UserID: "alice", SourceID: "src-1", Reason: "chunk 2 failed"},
		model.OrphanRecord{Path: "users/alice/uploads/trip/src-1/gone.mp4", UserID: "alice", SourceID: "src-1"},
	)
	require.NoError(t, ledger.Persist())

	out, err := run(t, env, "sweep", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "2 orphaned objects pending.")
	assert.True(t, objects.Has(path))

	out, err = run(t, env, "sweep")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted 2 orphaned objects, 0 failed.")
	assert.False(t, objects.Has(path))

	out, err = run(t, env, "sweep")
	require.NoError(t, err)
	assert.Contains(t, out, "0 orphaned objects pending.")
}
