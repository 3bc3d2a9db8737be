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
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jaycherian/media-vector-search/internal/cloud"
	"github.com/jaycherian/media-vector-search/internal/core/model"
	"github.com/jaycherian/media-vector-search/internal/core/progress"
	"github.com/jaycherian/media-vector-search/internal/core/repository/memory"
	"github.com/jaycherian/media-vector-search/internal/core/services"
	"github.com/jaycherian/media-vector-search/internal/core/tasks"
	"github.com/jaycherian/media-vector-search/internal/core/vendor"
	"github.com/jaycherian/media-vector-search/internal/core/workflow"
	"github.com/jaycherian/media-vector-search/internal/telemetry"
	"github.com/jaycherian/media-vector-search/internal/testutil"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/contrib/bridges/otelslog"
)

const tName = "github.com/jaycherian/media-vector-search/tests/workflow"

var logger = otelslog.NewLogger(tName)

func TestMain(m *testing.M) {
	closeLog := telemetry.SetupLogging("", slog.LevelWarn)
	code := m.Run()
	closeLog()
	os.Exit(code)
}

var (
	jpegHeader = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00}
	mp4Header  = []byte{0x00, 0x00, 0x00, 0x18, 'f', 't', 'y', 'p', 'i', 's', 'o', 'm', 0x00, 0x00, 0x02, 0x00}
)

type fixture struct {
	dir          string
	config       *cloud.Config
	store        *memory.Store
	objects      *testutil.MemoryObjectStore
	vendor       *testutil.FakeVendor
	client       vendor.Client
	runner       *testutil.FakeRunner
	registry     *tasks.Registry
	broker       *progress.Broker
	tracker      *progress.SessionTracker
	limiter      *services.RateLimiter
	orphans      *workflow.OrphanLedger
	orchestrator *workflow.EmbeddingOrchestrator
	uploads      *workflow.UploadWorkflow
}

type option func(*fixture)

func withQueueSize(n int) option {
	return func(f *fixture) { f.config.Orchestrator.QueueSize = n }
}

func withRegistryFile(path string) option {
	return func(f *fixture) { f.registry = tasks.NewRegistry(path) }
}

func withVendor(client vendor.Client) option {
	return func(f *fixture) { f.client = client }
}

func newFixture(t *testing.T, start bool, opts ...option) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		dir:      dir,
		config:   testutil.TestConfig(dir),
		store:    memory.NewStore(model.QuotaLimits{}),
		objects:  testutil.NewMemoryObjectStore(),
		vendor:   testutil.NewFakeVendor(),
		runner:   testutil.NewFakeRunner(),
		registry: tasks.NewRegistry(""),
		broker:   progress.NewBroker(50*time.Millisecond, ""),
		orphans:  workflow.NewOrphanLedger(filepath.Join(dir, "orphans.json")),
	}
	f.client = f.vendor
	f.config.Orchestrator.Workers = 2
	for _, opt := range opts {
		opt(f)
	}
	f.tracker = progress.NewSessionTracker(f.broker)
	f.limiter = services.NewRateLimiter(f.store.Quotas())

	f.orchestrator = workflow.NewEmbeddingOrchestrator(f.config, workflow.EmbeddingDependencies{
		Registry: f.registry,
		Broker:   f.broker,
		Tracker:  f.tracker,
		Vendor:   f.client,
		Storage:  f.objects,
		Media:    f.store,
		Segments: f.store,
	})
	f.uploads = workflow.NewUploadWorkflow(f.config, workflow.UploadDependencies{
		Runner:    f.runner,
		Storage:   f.objects,
		Media:     f.store,
		Limiter:   f.limiter,
		Submitter: f.orchestrator,
		Orphans:   f.orphans,
		Broker:    f.broker,
		Tracker:   f.tracker,
	})
	logger.Debug("fixture ready", "dir", dir, "workers", f.orchestrator.Workers())
	if start {
		f.orchestrator.Start(context.Background())
		t.Cleanup(f.orchestrator.Stop)
	}
	return f
}

// storedItem registers an already stored unit.
func (f *fixture) storedItem(t *testing.T, user, name string, kind model.MediaKind) *model.MediaItem {
	t.Helper()
	item := model.NewMediaItem(user, "trip", name, kind)
	item.SourceID = item.ID
	item.StoragePath = model.UploadPath(user, "trip", item.ID, name)
	_, err := f.objects.Upload(context.Background(), item.StoragePath, strings.NewReader("data"), "")
	require.NoError(t, err)
	require.NoError(t, f.store.Create(context.Background(), item))
	return item
}

// spool writes a file the way the HTTP layer spools a multipart part.
func (f *fixture) spool(t *testing.T, name string, header []byte) *model.UploadFile {
	t.Helper()
	dir, err := os.MkdirTemp(f.dir, "spool-")
	require.NoError(t, err)
	path := filepath.Join(dir, name)
	data := append(append([]byte(nil), header...), make([]byte, 512)...)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return &model.UploadFile{FileName: name, Path: path, SizeBytes: int64(len(data))}
}

func (f *fixture) waitForStatus(t *testing.T, taskID string, status model.TaskStatus) *model.EmbeddingTask {
	t.Helper()
	var last *model.EmbeddingTask
	require.Eventually(t, func() bool {
		task, ok := f.registry.Get(taskID)
		last = task
		return ok && task.Status == status
	}, 5*time.Second, 10*time.Millisecond, "task %s never reached %s (last %+v)", taskID, status, last)
	return last
}

// collect reads events until a terminal stage.
func collect(t *testing.T, sub *progress.Subscription) []model.ProgressEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out []model.ProgressEvent
	for {
		ev, heartbeat, err := sub.Next(ctx)
		require.NoError(t, err)
		if heartbeat {
			continue
		}
		out = append(out, ev)
		if model.IsTerminalStage(ev.Stage) {
			return out
		}
	}
}

func stages(events []model.ProgressEvent) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Stage)
	}
	return out
}
