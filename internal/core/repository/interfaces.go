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

// Package repository declares the persistence ports of the service. The
// postgres subpackage implements all of them on PostgreSQL with pgvector, the
// bigquery subpackage offers an alternative vector index, and the memory
// subpackage keeps everything in process for local runs and tests.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jaycherian/media-vector-search/internal/core/model"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// MediaRepository stores media items.
type MediaRepository interface {
	// Create inserts all items or none.
	Create(ctx context.Context, items ...*model.MediaItem) error
	Get(ctx context.Context, id string) (*model.MediaItem, error)
	FindByStoragePath(ctx context.Context, path string) (*model.MediaItem, error)
	SetEmbedding(ctx context.Context, id string, vector []float32, modelName string) error
	SetAnnotations(ctx context.Context, id string, annotation *model.MediaAnnotation) error
	ListByAlbum(ctx context.Context, userID, album string) ([]*model.MediaItem, error)
	ListBySource(ctx context.Context, sourceID string) ([]*model.MediaItem, error)
	Delete(ctx context.Context, ids ...string) error
	// KeywordCandidates returns items whose filename, tags, title or
	// description contain query, case-insensitively.
	KeywordCandidates(ctx context.Context, filter model.SearchFilter, query string, limit int) ([]*model.MediaItem, error)
	Stats(ctx context.Context, userID string) (*model.MediaStats, error)
}

// SegmentRepository stores per-window video embeddings.
type SegmentRepository interface {
	// Upsert inserts or replaces segments keyed by (media id, start, end).
	Upsert(ctx context.Context, segments []*model.VideoSegmentEmbedding) error
	ListByMedia(ctx context.Context, mediaID string) ([]*model.VideoSegmentEmbedding, error)
	DeleteByMedia(ctx context.Context, mediaIDs ...string) error
}

// VectorIndex answers k nearest neighbour queries by cosine distance.
type VectorIndex interface {
	SearchPhotos(ctx context.Context, vector []float32, filter model.SearchFilter, k int) ([]*model.VectorMatch, error)
	SearchSegments(ctx context.Context, vector []float32, filter model.SearchFilter, k int) ([]*model.VectorMatch, error)
}

// VectorMirror receives a copy of every persisted vector.
type VectorMirror interface {
	MirrorMedia(ctx context.Context, item *model.MediaItem) error
	MirrorSegments(ctx context.Context, item *model.MediaItem, segments []*model.VideoSegmentEmbedding) error
}

// QuotaRepository keeps the per-user rate limit ledgers. Implementations
// create a missing ledger with their default limits and reset expired windows
// lazily, in the same transaction as the read or increment they precede.
type QuotaRepository interface {
	// Get returns the ledger after resetting every expired window.
	Get(ctx context.Context, userID string, now time.Time) (*model.RateLimitLedger, error)
	// Increment adds delta to the counter of kind. When guarded, the
	// increment is applied only if it keeps the counter within its maximum;
	// applied reports whether it happened. Negative deltas never go below 0.
	Increment(ctx context.Context, userID string, kind model.CounterKind, delta float64, now time.Time, guarded bool) (applied bool, err error)
}

// QueryCacheRepository stores query embeddings.
type QueryCacheRepository interface {
	// Find returns the entry for (text, ownerID); an empty owner is the global entry.
	Find(ctx context.Context, text, ownerID string) (*model.QueryEmbeddingCacheEntry, error)
	// Touch bumps usage_count by one and refreshes last_used_at atomically.
	Touch(ctx context.Context, id uint, now time.Time) (*model.QueryEmbeddingCacheEntry, error)
	// Put stores a new entry, or touches the existing one on conflict.
	Put(ctx context.Context, entry *model.QueryEmbeddingCacheEntry) (*model.QueryEmbeddingCacheEntry, error)
}

// Store bundles every repository of one backend.
type Store struct {
	Media    MediaRepository
	Segments SegmentRepository
	Vectors  VectorIndex
	Quotas   QuotaRepository
	Cache    QueryCacheRepository
	Mirror   VectorMirror
	Close    func() error
}
