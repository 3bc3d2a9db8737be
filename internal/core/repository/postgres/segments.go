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

	"github.com/jaycherian/media-vector-search/internal/core/model"
	"github.com/jaycherian/media-vector-search/internal/core/repository"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var _ repository.SegmentRepository = (*SegmentRepository)(nil)

type SegmentRepository struct {
	db *gorm.DB
}

func NewSegmentRepository(db *gorm.DB) *SegmentRepository {
	return &SegmentRepository{db: db}
}

// Upsert relies on the unique (media_id, start_time, end_time) index, so a
// re-run of the same task replaces vectors instead of adding rows.
func (r *SegmentRepository) Upsert(ctx context.Context, segments []*model.VideoSegmentEmbedding) error {
	if len(segments) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "media_id"}, {Name: "start_time"}, {Name: "end_time"}},
		DoUpdates: clause.AssignmentColumns([]string{"embedding", "embedding_scope"}),
	}).CreateInBatches(segments, 200).Error
}

func (r *SegmentRepository) ListByMedia(ctx context.Context, mediaID string) ([]*model.VideoSegmentEmbedding, error) {
	var segments []*model.VideoSegmentEmbedding
	err := r.db.WithContext(ctx).Where("media_id = ?", mediaID).Order("start_time ASC").Find(&segments).Error
	return segments, err
}

func (r *SegmentRepository) DeleteByMedia(ctx context.Context, mediaIDs ...string) error {
	if len(mediaIDs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Where("media_id IN ?", mediaIDs).Delete(&model.VideoSegmentEmbedding{}).Error
}
