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

package services_test

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jaycherian/media-vector-search/internal/core/model"
	"github.com/jaycherian/media-vector-search/internal/core/repository"
	"github.com/jaycherian/media-vector-search/internal/core/repository/memory"
	"github.com/jaycherian/media-vector-search/internal/core/services"
	"github.com/jaycherian/media-vector-search/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMediaService(t *testing.T) (*services.MediaService, *memory.Store, *testutil.MemoryObjectStore) {
	t.Helper()
	store := memory.NewStore(model.QuotaLimits{})
	objects := testutil.NewMemoryObjectStore()
	return &services.MediaService{
		Media:     store,
		Segments:  store,
		Storage:   objects,
		Limiter:   services.NewRateLimiter(store.Quotas()),
		SignedTTL: time.Minute,
	}, store, objects
}

func storeItem(t *testing.T, store *memory.Store, objects *testutil.MemoryObjectStore, user, album, name string) *model.MediaItem {
	t.Helper()
	ctx := context.Background()
	item := model.NewMediaItem(user, album, name, model.MediaKindPhoto)
	item.StoragePath = model.UploadPath(user, album, item.ID, name)
	item.SizeBytes = 100
	_, err := objects.Upload(ctx, item.StoragePath, bytes.NewReader(make([]byte, 100)), "image/jpeg")
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, item))
	_, err = store.Quotas().Increment(ctx, user, model.CounterStorage, 100, time.Now().UTC(), false)
	require.NoError(t, err)
	return item
}

func TestDeleteRequiresOwnership(t *testing.T) {
	service, store, objects := newMediaService(t)
	ctx := context.Background()
	item := storeItem(t, store, objects, "alice", "trip", "a.jpg")

	err := service.Delete(ctx, services.Caller{UserID: "mallory"}, item.ID)
	assert.ErrorIs(t, err, services.ErrForbidden)
	assert.True(t, objects.Has(item.StoragePath))

	require.NoError(t, service.Delete(ctx, services.Caller{UserID: "alice"}, item.ID))
	assert.False(t, objects.Has(item.StoragePath))
	_, err = store.Get(ctx, item.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	ledger, err := store.Quotas().Get(ctx, "alice", time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, int64(0), ledger.StorageUsedBytes)
}

func TestDeleteAlbumAsAdminSurvivesStorageErrors(t *testing.T) {
	service, store, objects := newMediaService(t)
	ctx := context.Background()
	storeItem(t, store, objects, "alice", "trip", "a.jpg")
	storeItem(t, store, objects, "alice", "trip", "b.jpg")
	keep := storeItem(t, store, objects, "alice", "home", "c.jpg")
	objects.FailDelete = true

	n, err := service.DeleteAlbum(ctx, services.Caller{UserID: "root", Admin: true}, "alice", "trip")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	left, err := store.ListByAlbum(ctx, "alice", "trip")
	require.NoError(t, err)
	assert.Empty(t, left)
	_, err = store.Get(ctx, keep.ID)
	assert.NoError(t, err)

	_, err = service.DeleteAlbum(ctx, services.Caller{UserID: "alice"}, "", "trip")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestStreamURL(t *testing.T) {
	service, store, objects := newMediaService(t)
	item := storeItem(t, store, objects, "alice", "trip", "a.jpg")

	url, err := service.StreamURL(context.Background(), services.Caller{UserID: "alice"}, item.ID)
	require.NoError(t, err)
	assert.True(t, strings.Contains(url, item.StoragePath))
	assert.Contains(t, url, "expires=60")
}

func TestParseAnnotation(t *testing.T) {
	annotation, err := services.ParseAnnotation(`{"title":"Beach","description":"Sand","tags":["Sea"," sea ","sun"]}`)
	require.NoError(t, err)
	assert.Equal(t, "Beach", annotation.Title)
	assert.Equal(t, []string{"sea", "sun"}, annotation.Tags)

	_, err = services.ParseAnnotation("not json")
	assert.Error(t, err)
}

func TestTagPromptCarriesExample(t *testing.T) {
	generator, err := services.NewTagGenerator(nil, "", func(p string) string { return "gs://bucket/" + p })
	require.NoError(t, err)
	prompt, err := generator.Prompt(model.MediaKindPhoto)
	require.NoError(t, err)
	assert.Contains(t, prompt, "photo")
	assert.Contains(t, prompt, `"tags":["birthday"`)
}
