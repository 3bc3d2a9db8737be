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
	"strings"

	"github.com/jaycherian/media-vector-search/internal/core/model"
	"github.com/jaycherian/media-vector-search/internal/core/repository"
	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"
)

var _ repository.MediaRepository = (*MediaRepository)(nil)

type MediaRepository struct {
	db *gorm.DB
}

func NewMediaRepository(db *gorm.DB) *MediaRepository {
	return &MediaRepository{db: db}
}

func (r *MediaRepository) Create(ctx context.Context, items ...*model.MediaItem) error {
	if len(items) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(items).Error
	})
}

func (r *MediaRepository) Get(ctx context.Context, id string) (*model.MediaItem, error) {
	var item model.MediaItem
	if err := r.db.WithContext(ctx).First(&item, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &item, nil
}

func (r *MediaRepository) FindByStoragePath(ctx context.Context, path string) (*model.MediaItem, error) {
	var item model.MediaItem
	if err := r.db.WithContext(ctx).First(&item, "storage_path = ?", path).Error; err != nil {
		return nil, notFound(err)
	}
	return &item, nil
}

func (r *MediaRepository) SetEmbedding(ctx context.Context, id string, vector []float32, modelName string) error {
	res := r.db.WithContext(ctx).Model(&model.MediaItem{}).Where("id = ?", id).Updates(map[string]interface{}{
		"embedding":       pgvector.NewVector(vector),
		"embedding_model": modelName,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *MediaRepository) SetAnnotations(ctx context.Context, id string, annotation *model.MediaAnnotation) error {
	res := r.db.WithContext(ctx).Model(&model.MediaItem{}).Where("id = ?", id).Updates(map[string]interface{}{
		"title":       annotation.Title,
		"description": annotation.Description,
		"tags":        model.JoinTags(annotation.Tags),
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *MediaRepository) ListByAlbum(ctx context.Context, userID, album string) ([]*model.MediaItem, error) {
	var items []*model.MediaItem
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND album_name = ?", userID, album).
		Order("created_at DESC").
		Find(&items).Error
	return items, err
}

func (r *MediaRepository) ListBySource(ctx context.Context, sourceID string) ([]*model.MediaItem, error) {
	var items []*model.MediaItem
	err := r.db.WithContext(ctx).
		Where("source_id = ?", sourceID).
		Order("chunk_index ASC NULLS FIRST").
		Find(&items).Error
	return items, err
}

func (r *MediaRepository) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Where("id IN ?", ids).Delete(&model.MediaItem{}).Error
}

func (r *MediaRepository) KeywordCandidates(ctx context.Context, filter model.SearchFilter, query string, limit int) ([]*model.MediaItem, error) {
	var items []*model.MediaItem
	err := r.db.WithContext(ctx).Raw(QryKeywordCandidates, map[string]interface{}{
		"user":    filter.UserID,
		"album":   filter.Album,
		"pattern": "%" + escapeLike(strings.TrimSpace(query)) + "%",
		"limit":   limit,
	}).Scan(&items).Error
	return items, err
}

func (r *MediaRepository) Stats(ctx context.Context, userID string) (*model.MediaStats, error) {
	stats := &model.MediaStats{}
	db := r.db.WithContext(ctx)
	if err := db.Raw(QryStats, map[string]interface{}{"user": userID}).Scan(stats).Error; err != nil {
		return nil, err
	}
	if err := db.Raw(QrySegmentCount, map[string]interface{}{"user": userID}).Scan(&stats.Segments).Error; err != nil {
		return nil, err
	}
	return stats, nil
}

func escapeLike(in string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(in)
}
