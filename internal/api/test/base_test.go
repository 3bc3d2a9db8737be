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

package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jaycherian/media-vector-search/internal/api"
	"github.com/jaycherian/media-vector-search/internal/cloud"
	"github.com/jaycherian/media-vector-search/internal/core/model"
	"github.com/jaycherian/media-vector-search/internal/core/progress"
	"github.com/jaycherian/media-vector-search/internal/core/repository/memory"
	"github.com/jaycherian/media-vector-search/internal/core/services"
	"github.com/jaycherian/media-vector-search/internal/core/tasks"
	"github.com/jaycherian/media-vector-search/internal/core/workflow"
	"github.com/jaycherian/media-vector-search/internal/testutil"
	"github.com/stretchr/testify/require"
)

var jpegHeader = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00}

type server struct {
	config       *cloud.Config
	store        *memory.Store
	objects      *testutil.MemoryObjectStore
	vendor       *testutil.FakeVendor
	registry     *tasks.Registry
	broker       *progress.Broker
	orchestrator *workflow.EmbeddingOrchestrator
	router       *gin.Engine
}

func newServer(t *testing.T) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()
	s := &server{
		config:   testutil.TestConfig(dir),
		store:    memory.NewStore(model.QuotaLimits{}),
		objects:  testutil.NewMemoryObjectStore(),
		vendor:   testutil.NewFakeVendor(),
		registry: tasks.NewRegistry(""),
		broker:   progress.NewBroker(50*time.Millisecond, ""),
	}
	s.config.Orchestrator.Workers = 2
	tracker := progress.NewSessionTracker(s.broker)
	limiter := services.NewRateLimiter(s.store.Quotas())

	s.orchestrator = workflow.NewEmbeddingOrchestrator(s.config, workflow.EmbeddingDependencies{
		Registry: s.registry,
		Broker:   s.broker,
		Tracker:  tracker,
		Vendor:   s.vendor,
		Storage:  s.objects,
		Media:    s.store,
		Segments: s.store,
	})
	s.orchestrator.Start(context.Background())
	t.Cleanup(s.orchestrator.Stop)

	uploads := workflow.NewUploadWorkflow(s.config, workflow.UploadDependencies{
		Runner:    testutil.NewFakeRunner(),
		Storage:   s.objects,
		Media:     s.store,
		Limiter:   limiter,
		Submitter: s.orchestrator,
		Orphans:   workflow.NewOrphanLedger(""),
		Broker:    s.broker,
		Tracker:   tracker,
	})
	cache := services.NewQueryCache(s.store, s.vendor, false)

	handlers := &api.Handlers{
		Config:       s.config,
		Uploads:      uploads,
		Orchestrator: s.orchestrator,
		Broker:       s.broker,
		Search:       services.NewSearchService(cache, s.store, s.store, services.SearchOptions{}),
		Media: &services.MediaService{
			Media:    s.store,
			Segments: s.store,
			Storage:  s.objects,
			Limiter:  limiter,
		},
		Limiter: limiter,
	}
	s.router = gin.New()
	handlers.Register(s.router.Group("/api/v1"))
	return s
}

func (s *server) limit(user string, kind model.CounterKind, max float64) {
	s.store.Quotas().SetLimit(user, kind, &max, time.Now().UTC())
}

// do sends a request as user (no header when user is empty).
func (s *server) do(t *testing.T, method, path, user string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if user != "" {
		req.Header.Set(api.HeaderUserID, user)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *server) admin(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set(api.HeaderUserID, "root")
	req.Header.Set(api.HeaderUserRole, api.RoleAdmin)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *server) doJSON(t *testing.T, method, path, user string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return s.do(t, method, path, user, bytes.NewReader(data), "application/json")
}

// photo stores an embedded photo of user in album.
func (s *server) photo(t *testing.T, user, album, name string, vector []float32) *model.MediaItem {
	t.Helper()
	item := model.NewMediaItem(user, album, name, model.MediaKindPhoto)
	item.SourceID = item.ID
	item.SizeBytes = 4
	item.StoragePath = model.UploadPath(user, album, item.ID, name)
	_, err := s.objects.Upload(context.Background(), item.StoragePath, bytes.NewReader([]byte("data")), "image/jpeg")
	require.NoError(t, err)
	require.NoError(t, s.store.Create(context.Background(), item))
	if vector != nil {
		require.NoError(t, s.store.SetEmbedding(context.Background(), item.ID, vector, "fake-model"))
	}
	return item
}

// multipartBody builds an upload form with one file per name.
func multipartBody(t *testing.T, fields map[string]string, names ...string) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	for _, name := range names {
		part, err := mw.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = part.Write(append(append([]byte(nil), jpegHeader...), make([]byte, 512)...))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func (s *server) waitForStatus(t *testing.T, taskID string, status model.TaskStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		task, ok := s.registry.Get(taskID)
		return ok && task.Status == status
	}, 5*time.Second, 10*time.Millisecond)
}
