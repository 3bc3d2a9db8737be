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
	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"
)

var _ repository.VectorIndex = (*VectorIndex)(nil)

// VectorIndex runs the KNN lanes against the HNSW indexes.
type VectorIndex struct {
	db *gorm.DB
}

func NewVectorIndex(db *gorm.DB) *VectorIndex {
	return &VectorIndex{db: db}
}

func (v *VectorIndex) SearchPhotos(ctx context.Context, vector []float32, filter model.SearchFilter, k int) ([]*model.VectorMatch, error) {
	return v.search(ctx, QrySearchPhotos, vector, filter, k)
}

func (v *VectorIndex) SearchSegments(ctx context.Context, vector []float32, filter model.SearchFilter, k int) ([]*model.VectorMatch, error) {
	return v.search(ctx, QrySearchSegments, vector, filter, k)
}

func (v *VectorIndex) search(ctx context.Context, query string, vector []float32, filter model.SearchFilter, k int) ([]*model.VectorMatch, error) {
	var matches []*model.VectorMatch
	err := v.db.WithContext(ctx).Raw(query, map[string]interface{}{
		"vec":   pgvector.NewVector(vector),
		"user":  filter.UserID,
		"album": filter.Album,
		"k":     k,
	}).Scan(&matches).Error
	return matches, err
}
