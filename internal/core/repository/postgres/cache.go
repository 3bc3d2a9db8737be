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

package postgres

import (
	"context"
	"time"

	"github.com/jaycherian/media-vector-search/internal/core/model"
	"github.com/jaycherian/media-vector-search/internal/core/repository"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var _ repository.QueryCacheRepository = (*QueryCacheRepository)(nil)

type QueryCacheRepository struct {
	db *gorm.DB
}

func NewQueryCacheRepository(db *gorm.DB) *QueryCacheRepository {
	return &QueryCacheRepository{db: db}
}

func (r *QueryCacheRepository) Find(ctx context.Context, text, ownerID string) (*model.QueryEmbeddingCacheEntry, error) {
	var entry model.QueryEmbeddingCacheEntry
	err := r.db.WithContext(ctx).First(&entry, "query_text = ? AND owner_id = ?", text, ownerID).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &entry, nil
}

func (r *QueryCacheRepository) Touch(ctx context.Context, id uint, now time.Time) (*model.QueryEmbeddingCacheEntry, error) {
	var entry model.QueryEmbeddingCacheEntry
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Exec(QryTouchCacheEntry, map[string]interface{}{"id": id, "now": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return repository.ErrNotFound
		}
		return tx.First(&entry, "id = ?", id).Error
	})
	if err != nil {
		return nil, notFound(err)
	}
	return &entry, nil
}

// Put inserts the entry. When another request stored the same key first, the
// existing row is counted as used instead.
func (r *QueryCacheRepository) Put(ctx context.Context, entry *model.QueryEmbeddingCacheEntry) (*model.QueryEmbeddingCacheEntry, error) {
	if entry.UsageCount == 0 {
		entry.UsageCount = 1
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "query_text"}, {Name: "owner_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"usage_count":  gorm.Expr("query_embedding_cache.usage_count + 1"),
			"last_used_at": entry.LastUsedAt,
		}),
	}).Create(entry).Error
	if err != nil {
		return nil, err
	}
	return r.Find(ctx, entry.QueryText, entry.OwnerID)
}
