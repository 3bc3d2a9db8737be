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

package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// VideoSegmentEmbedding is one vendor-defined time window inside a video that
// received its own vector. Offsets are absolute within the original source, so
// segments from different chunks of the same upload line up on one timeline.
type VideoSegmentEmbedding struct {
	ID             string          `gorm:"primaryKey;type:varchar(64)" json:"id"`
	MediaID        string          `gorm:"type:varchar(64);not null;uniqueIndex:idx_segment_window,priority:1" json:"media_id"`
	StartTime      float64         `gorm:"not null;uniqueIndex:idx_segment_window,priority:2" json:"start_time"`
	EndTime        float64         `gorm:"not null;uniqueIndex:idx_segment_window,priority:3" json:"end_time"`
	EmbeddingScope string          `gorm:"type:varchar(32)" json:"embedding_scope"`
	Embedding      pgvector.Vector `gorm:"type:vector(1024);not null" json:"-"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

// TableName pins the table name used by the raw SQL statements.
func (VideoSegmentEmbedding) TableName() string {
	return "video_segment_embeddings"
}

// SegmentID derives a stable id from the segment window. Re-running the same
// task therefore produces the same ids and upserts instead of duplicating rows.
func SegmentID(mediaID string, start, end float64) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("segment/%s/%.3f-%.3f", mediaID, start, end))).String()
}

// NewVideoSegmentEmbedding builds a segment row for the given absolute window.
func NewVideoSegmentEmbedding(mediaID string, start, end float64, scope string, vector []float32) (*VideoSegmentEmbedding, error) {
	if start >= end {
		return nil, fmt.Errorf("segment start %.3f must be before end %.3f", start, end)
	}
	if len(vector) == 0 {
		return nil, fmt.Errorf("segment %.3f-%.3f has no vector", start, end)
	}
	return &VideoSegmentEmbedding{
		ID:             SegmentID(mediaID, start, end),
		MediaID:        mediaID,
		StartTime:      start,
		EndTime:        end,
		EmbeddingScope: scope,
		Embedding:      pgvector.NewVector(vector),
		CreatedAt:      time.Now().UTC(),
	}, nil
}
