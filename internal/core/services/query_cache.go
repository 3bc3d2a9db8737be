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

package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jaycherian/media-vector-search/internal/core/model"
	"github.com/jaycherian/media-vector-search/internal/core/repository"
	"github.com/pgvector/pgvector-go"
	"golang.org/x/sync/singleflight"
)

// TextEmbedder turns a query into a vector.
type TextEmbedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
}

// QueryCache memoizes query embeddings. A user-scoped entry wins over a global
// one; a miss calls the embedder once per (owner, text) even when several
// requests miss concurrently.
type QueryCache struct {
	repo     repository.QueryCacheRepository
	embedder TextEmbedder
	global   bool
	group    singleflight.Group
	now      func() time.Time
}

// NewQueryCache creates a cache. When storeGlobal is set, misses are stored as
// global entries shared by every user instead of user-scoped ones.
func NewQueryCache(repo repository.QueryCacheRepository, embedder TextEmbedder, storeGlobal bool) *QueryCache {
	return &QueryCache{repo: repo, embedder: embedder, global: storeGlobal, now: func() time.Time { return time.Now().UTC() }}
}

// Embedding returns the vector of query for userID (empty for anonymous) and
// the cache entry that now holds it.
func (c *QueryCache) Embedding(ctx context.Context, userID, query string) (*model.QueryEmbeddingCacheEntry, error) {
	text := model.NormalizeQuery(query)
	if text == "" {
		return nil, errors.New("query is empty")
	}

	owners := []string{""}
	if userID != "" {
		owners = []string{userID, ""}
	}
	for _, owner := range owners {
		entry, err := c.repo.Find(ctx, text, owner)
		if errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			// A broken cache must not block search.
			slog.WarnContext(ctx, "query cache lookup failed", "error", err)
			break
		}
		touched, err := c.repo.Touch(ctx, entry.ID, c.now())
		if err != nil {
			slog.WarnContext(ctx, "query cache touch failed", "error", err)
			return entry, nil
		}
		return touched, nil
	}

	owner := userID
	if c.global {
		owner = ""
	}
	v, err, _ := c.group.Do(owner+"\x00"+text, func() (interface{}, error) {
		return c.miss(ctx, text, owner)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.QueryEmbeddingCacheEntry), nil
}

func (c *QueryCache) miss(ctx context.Context, text, owner string) (*model.QueryEmbeddingCacheEntry, error) {
	vector, err := c.embedder.EmbedText(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if len(vector) == 0 {
		return nil, errors.New("embedder returned an empty vector")
	}
	now := c.now()
	entry := &model.QueryEmbeddingCacheEntry{
		QueryText:  text,
		OwnerID:    owner,
		Embedding:  pgvector.NewVector(vector),
		UsageCount: 1,
		LastUsedAt: now,
		CreatedAt:  now,
	}
	stored, err := c.repo.Put(ctx, entry)
	if err != nil {
		slog.WarnContext(ctx, "query cache store failed", "error", err)
		return entry, nil
	}
	return stored, nil
}
