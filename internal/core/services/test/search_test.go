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
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/jaycherian/media-vector-search/internal/core/model"
	"github.com/jaycherian/media-vector-search/internal/core/repository"
	"github.com/jaycherian/media-vector-search/internal/core/repository/memory"
	"github.com/jaycherian/media-vector-search/internal/core/services"
	"github.com/jaycherian/media-vector-search/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	zassert "github.com/zeebo/assert"
)

type fixture struct {
	store   *memory.Store
	vendor  *testutil.FakeVendor
	cache   *services.QueryCache
	service *services.SearchService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewStore(model.QuotaLimits{})
	fake := testutil.NewFakeVendor()
	cache := services.NewQueryCache(store, fake, false)
	return &fixture{
		store:   store,
		vendor:  fake,
		cache:   cache,
		service: services.NewSearchService(cache, store, store, services.SearchOptions{}),
	}
}

func (f *fixture) photo(t *testing.T, user, album, name string, vector []float32) *model.MediaItem {
	t.Helper()
	item := model.NewMediaItem(user, album, name, model.MediaKindPhoto)
	item.StoragePath = model.UploadPath(user, album, item.ID, name)
	require.NoError(t, f.store.Create(context.Background(), item))
	if vector != nil {
		require.NoError(t, f.store.SetEmbedding(context.Background(), item.ID, vector, "fake-model"))
	}
	return item
}

func (f *fixture) video(t *testing.T, user, album, name string, windows map[float64][]float32) *model.MediaItem {
	t.Helper()
	item := model.NewMediaItem(user, album, name, model.MediaKindVideo)
	item.StoragePath = model.UploadPath(user, album, item.ID, name)
	require.NoError(t, f.store.Create(context.Background(), item))
	var segments []*model.VideoSegmentEmbedding
	for start, vector := range windows {
		seg, err := model.NewVideoSegmentEmbedding(item.ID, start, start+6, "clip", vector)
		require.NoError(t, err)
		segments = append(segments, seg)
	}
	require.NoError(t, f.store.Upsert(context.Background(), segments))
	return item
}

func TestSelfSimilarityRanksFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	target := f.photo(t, "alice", "trip", "beach.jpg", testutil.HashVector("beach"))
	f.photo(t, "alice", "trip", "city.jpg", testutil.HashVector("city"))
	f.vendor.TextVectors["golden beach"] = testutil.HashVector("beach")

	resp, err := f.service.Search(ctx, "alice", &model.SearchRequest{Query: "  Golden   BEACH "})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, model.SearchMethodVector, resp.SearchMethod)
	assert.Equal(t, target.ID, resp.Results[0].MediaID)
	assert.InDelta(t, 1.0, resp.Results[0].Score, 1e-6)
	assert.Equal(t, model.MatchTypeSemantic, resp.Results[0].MatchType)
}

func TestMinSimilarityOneKeepsOnlyIdenticalVectors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	exact := f.photo(t, "alice", "a", "exact.jpg", testutil.UnitVector(0))
	near := make([]float32, model.EmbeddingDimensions)
	near[0], near[1] = 0.99, 0.01
	f.photo(t, "alice", "a", "near.jpg", near)
	// cosine similarity of about 1 - 5e-9
	almost := testutil.UnitVector(0)
	almost[1] = 1e-4
	f.photo(t, "alice", "a", "almost.jpg", almost)
	f.vendor.TextVectors["dog"] = testutil.UnitVector(0)

	one := 1.0
	resp, err := f.service.Search(ctx, "alice", &model.SearchRequest{Query: "dog", MinSimilarity: &one})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, exact.ID, resp.Results[0].MediaID)

	// Nothing identical: the vector path is empty and the fallback answers.
	f.vendor.TextVectors["cat"] = testutil.UnitVector(5)
	resp, err = f.service.Search(ctx, "alice", &model.SearchRequest{Query: "cat", MinSimilarity: &one})
	require.NoError(t, err)
	assert.Equal(t, model.SearchMethodKeyword, resp.SearchMethod)
	assert.Empty(t, resp.Results)
}

func TestTopKAppliesAfterMerge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, name := range []string{"a.jpg", "b.jpg", "c.jpg"} {
		f.photo(t, "alice", "mix", name, testutil.UnitVector(0))
	}
	weak := make([]float32, model.EmbeddingDimensions)
	weak[0], weak[1] = 0.6, 0.8
	f.video(t, "alice", "mix", "surf.mp4", map[float64][]float32{0: weak})
	f.vendor.TextVectors["sea"] = testutil.UnitVector(0)

	resp, err := f.service.Search(ctx, "alice", &model.SearchRequest{Query: "sea", Limit: 3})
	require.NoError(t, err)
	require.Len(t, resp.Results, 3)
	for _, r := range resp.Results {
		assert.Equal(t, "photo", r.FileType)
	}
	// Equal scores are ordered by media id.
	assert.Less(t, resp.Results[0].MediaID, resp.Results[1].MediaID)

	resp, err = f.service.Search(ctx, "alice", &model.SearchRequest{Query: "sea", Limit: 10})
	require.NoError(t, err)
	require.Len(t, resp.Results, 4)
	last := resp.Results[3]
	assert.Equal(t, "video", last.FileType)
	require.NotNil(t, last.SegmentStart)
	assert.InDelta(t, 0.6, last.Score, 1e-6)
}

func TestSearchIsScopedToCaller(t *testing.T) {
	f := newFixture(t)
	f.photo(t, "bob", "trip", "beach.jpg", testutil.UnitVector(0))
	f.vendor.TextVectors["beach"] = testutil.UnitVector(0)

	resp, err := f.service.Search(context.Background(), "alice", &model.SearchRequest{Query: "beach"})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.Equal(t, model.SearchMethodKeyword, resp.SearchMethod)
}

func TestKeywordFallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.photo(t, "alice", "party", "Birthday_cake.jpg", nil)
	require.NoError(t, f.store.SetAnnotations(ctx, item.ID, &model.MediaAnnotation{
		Title: "Cake", Description: "A birthday party", Tags: []string{"Birthday", "cake"},
	}))
	f.photo(t, "alice", "party", "balloons.jpg", nil)

	resp, err := f.service.Search(ctx, "alice", &model.SearchRequest{Query: "birthday"})
	require.NoError(t, err)
	assert.Equal(t, model.SearchMethodKeyword, resp.SearchMethod)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, model.MatchTypeMetadata, resp.Results[0].MatchType)
	assert.Equal(t, 1.0, resp.Results[0].Score)
}

func TestKeywordScore(t *testing.T) {
	item := &model.MediaItem{FileName: "sunset.mp4", Tags: "beach,ocean", Description: "waves at dusk"}
	zassert.Equal(t, services.KeywordScore(item, "sunset"), services.KeywordWeightFileName)
	zassert.Equal(t, services.KeywordScore(item, "ocean"), services.KeywordWeightTags)
	zassert.Equal(t, services.KeywordScore(item, "dusk"), services.KeywordWeightDescription)
	zassert.Equal(t, services.KeywordScore(item, "forest"), 0.0)
	zassert.Equal(t, services.KeywordScore(item, ""), 0.0)
}

type brokenLanes struct {
	photosErr, segmentsErr error
	inner                  repository.VectorIndex
}

func (b *brokenLanes) SearchPhotos(ctx context.Context, v []float32, f model.SearchFilter, k int) ([]*model.VectorMatch, error) {
	if b.photosErr != nil {
		return nil, b.photosErr
	}
	return b.inner.SearchPhotos(ctx, v, f, k)
}

func (b *brokenLanes) SearchSegments(ctx context.Context, v []float32, f model.SearchFilter, k int) ([]*model.VectorMatch, error) {
	if b.segmentsErr != nil {
		return nil, b.segmentsErr
	}
	return b.inner.SearchSegments(ctx, v, f, k)
}

type brokenKeywords struct {
	repository.MediaRepository
}

func (brokenKeywords) KeywordCandidates(context.Context, model.SearchFilter, string, int) ([]*model.MediaItem, error) {
	return nil, errors.New("keyword index offline")
}

func TestOneFailedLaneKeepsTheOther(t *testing.T) {
	f := newFixture(t)
	photo := f.photo(t, "alice", "a", "p.jpg", testutil.UnitVector(0))
	f.vendor.TextVectors["x"] = testutil.UnitVector(0)
	lanes := &brokenLanes{segmentsErr: errors.New("timeout"), inner: f.store}
	service := services.NewSearchService(f.cache, lanes, f.store, services.SearchOptions{})

	resp, err := service.Search(context.Background(), "alice", &model.SearchRequest{Query: "x"})
	require.NoError(t, err)
	assert.Equal(t, model.SearchMethodVector, resp.SearchMethod)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, photo.ID, resp.Results[0].MediaID)
}

func TestOnlyTotalFailureIsAnError(t *testing.T) {
	f := newFixture(t)
	f.photo(t, "alice", "a", "x.jpg", nil)
	lanes := &brokenLanes{photosErr: errors.New("down"), segmentsErr: errors.New("down"), inner: f.store}

	service := services.NewSearchService(f.cache, lanes, f.store, services.SearchOptions{})
	resp, err := service.Search(context.Background(), "alice", &model.SearchRequest{Query: "x"})
	require.NoError(t, err)
	assert.Equal(t, model.SearchMethodKeyword, resp.SearchMethod)
	assert.Len(t, resp.Results, 1)

	service = services.NewSearchService(f.cache, lanes, brokenKeywords{f.store}, services.SearchOptions{})
	_, err = service.Search(context.Background(), "alice", &model.SearchRequest{Query: "x"})
	assert.ErrorContains(t, err, "keyword index offline")
}

func TestQueryCacheHitIncrementsUsage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.cache.Embedding(ctx, "alice", "red car")
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.UsageCount)
	second, err := f.cache.Embedding(ctx, "alice", "Red  Car")
	require.NoError(t, err)

	assert.Equal(t, 1, f.vendor.TextCalls())
	assert.Equal(t, int64(2), second.UsageCount)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "alice", second.OwnerID)
}

func TestQueryCachePrefersUserEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	global, err := f.cache.Embedding(ctx, "", "tree")
	require.NoError(t, err)
	assert.Equal(t, "", global.OwnerID)

	// Without a user entry the global one is shared.
	hit, err := f.cache.Embedding(ctx, "alice", "tree")
	require.NoError(t, err)
	assert.Equal(t, global.ID, hit.ID)
	assert.Equal(t, 1, f.vendor.TextCalls())

	_, err = f.store.Put(ctx, &model.QueryEmbeddingCacheEntry{QueryText: "tree", OwnerID: "alice", Embedding: hit.Embedding})
	require.NoError(t, err)
	hit, err = f.cache.Embedding(ctx, "alice", "tree")
	require.NoError(t, err)
	assert.Equal(t, "alice", hit.OwnerID)
}

func TestQueryCacheConcurrentMisses(t *testing.T) {
	f := newFixture(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.cache.Embedding(context.Background(), "alice", "mountain lake")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	entry, err := f.store.Find(context.Background(), "mountain lake", "alice")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, entry.UsageCount, int64(1))
	assert.LessOrEqual(t, entry.UsageCount, int64(8))
	assert.GreaterOrEqual(t, f.vendor.TextCalls(), 1)
}
