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
	"regexp"
	"strings"
	"time"

	"github.com/pgvector/pgvector-go"
)

const (
	SearchMethodVector  = "vector"
	SearchMethodKeyword = "keyword_fallback"

	MatchTypeSemantic = "semantic"
	MatchTypeMetadata = "metadata"
)

// SearchRequest is the body of the search endpoint.
type SearchRequest struct {
	Query         string   `json:"query"`
	Limit         int      `json:"limit"`
	AlbumFilter   string   `json:"album_filter"`
	MinSimilarity *float64 `json:"min_similarity"`
}

// SearchFilter scopes a lane or keyword query.
type SearchFilter struct {
	UserID string
	Album  string
}

// SearchResult is one ranked hit, from either lane or the keyword fallback.
type SearchResult struct {
	MediaID      string   `json:"media_id"`
	SegmentID    string   `json:"segment_id,omitempty"`
	AlbumName    string   `json:"album_name"`
	FileName     string   `json:"file_name"`
	FileType     string   `json:"file_type"`
	Score        float64  `json:"score"`
	SegmentStart *float64 `json:"segment_start"`
	SegmentEnd   *float64 `json:"segment_end"`
	Description  string   `json:"description"`
	MatchType    string   `json:"match_type"`
}

// SearchResponse is what the search endpoint returns.
type SearchResponse struct {
	Results      []*SearchResult `json:"results"`
	Count        int             `json:"count"`
	SearchMethod string          `json:"search_method"`
}

// QueryEmbeddingCacheEntry memoizes the vector of a query text. An empty owner
// marks a global entry shared by every user.
type QueryEmbeddingCacheEntry struct {
	ID         uint            `gorm:"primaryKey" json:"id"`
	QueryText  string          `gorm:"type:text;not null;uniqueIndex:idx_query_owner,priority:1" json:"query_text"`
	OwnerID    string          `gorm:"type:varchar(128);not null;default:'';uniqueIndex:idx_query_owner,priority:2" json:"owner_id"`
	Embedding  pgvector.Vector `gorm:"type:vector(1024);not null" json:"-"`
	UsageCount int64           `gorm:"not null;default:1" json:"usage_count"`
	LastUsedAt time.Time       `json:"last_used_at"`
	CreatedAt  time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

// TableName pins the table name.
func (QueryEmbeddingCacheEntry) TableName() string {
	return "query_embedding_cache"
}

var whitespace = regexp.MustCompile(`\s+`)

// NormalizeQuery is the cache key form of a query: trimmed, single-spaced, lower case.
func NormalizeQuery(q string) string {
	return strings.ToLower(whitespace.ReplaceAllString(strings.TrimSpace(q), " "))
}

// MediaStats is the dashboard view of a user's library.
type MediaStats struct {
	Photos          int64 `json:"photos"`
	Videos          int64 `json:"videos"`
	Chunks          int64 `json:"chunks"`
	Albums          int64 `json:"albums"`
	WithEmbedding   int64 `json:"with_embedding"`
	Segments        int64 `json:"segments"`
	StorageUsedSize int64 `json:"storage_used_bytes"`
}
