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

import "github.com/jaycherian/media-vector-search/internal/core/model"

const (
	StmtCreateExtension    = "CREATE EXTENSION IF NOT EXISTS vector"
	StmtMediaVectorIndex   = "CREATE INDEX IF NOT EXISTS idx_media_items_embedding ON media_items USING hnsw (embedding vector_cosine_ops)"
	StmtSegmentVectorIndex = "CREATE INDEX IF NOT EXISTS idx_video_segments_embedding ON video_segment_embeddings USING hnsw (embedding vector_cosine_ops)"
	StmtSegmentMediaFK     = "CREATE INDEX IF NOT EXISTS idx_video_segments_media ON video_segment_embeddings (media_id)"
)

// KNN lanes. @vec is bound once per statement; <=> is cosine distance.
const (
	QrySearchPhotos = `
SELECT m.id AS media_id, '' AS segment_id, m.album_name, m.file_name, m.file_type, m.description,
       NULL::float8 AS segment_start, NULL::float8 AS segment_end,
       m.embedding <=> @vec AS distance
FROM media_items m
WHERE m.user_id = @user
  AND m.file_type = 'photo'
  AND m.embedding IS NOT NULL
  AND (@album = '' OR m.album_name = @album)
ORDER BY m.embedding <=> @vec
LIMIT @k`

	QrySearchSegments = `
SELECT s.media_id, s.id AS segment_id, m.album_name, m.file_name, m.file_type, m.description,
       s.start_time AS segment_start, s.end_time AS segment_end,
       s.embedding <=> @vec AS distance
FROM video_segment_embeddings s
JOIN media_items m ON m.id = s.media_id
WHERE m.user_id = @user
  AND (@album = '' OR m.album_name = @album)
ORDER BY s.embedding <=> @vec
LIMIT @k`

	QryKeywordCandidates = `
SELECT * FROM media_items
WHERE user_id = @user
  AND (@album = '' OR album_name = @album)
  AND (file_name ILIKE @pattern ESCAPE '\' OR tags ILIKE @pattern ESCAPE '\'
       OR title ILIKE @pattern ESCAPE '\' OR description ILIKE @pattern ESCAPE '\')
ORDER BY created_at DESC
LIMIT @limit`

	QryStats = `
SELECT
  COUNT(*) FILTER (WHERE file_type = 'photo') AS photos,
  COUNT(*) FILTER (WHERE file_type = 'video' AND start_offset IS NULL) AS videos,
  COUNT(*) FILTER (WHERE file_type = 'video' AND start_offset IS NOT NULL) AS chunks,
  COUNT(DISTINCT album_name) AS albums,
  COUNT(*) FILTER (WHERE embedding IS NOT NULL) AS with_embedding,
  COALESCE(SUM(size_bytes), 0) AS storage_used_size
FROM media_items
WHERE user_id = @user`

	QrySegmentCount = `
SELECT COUNT(*) FROM video_segment_embeddings s
JOIN media_items m ON m.id = s.media_id
WHERE m.user_id = @user`

	QryTouchCacheEntry = `
UPDATE query_embedding_cache
SET usage_count = usage_count + 1, last_used_at = @now
WHERE id = @id`
)

// counterStatements are the fixed statements of one counter kind. Statements
// are chosen from this table by kind; no SQL text is derived from input.
type counterStatements struct {
	// reset zeroes the counter if its window expired (@cutoff = now - window).
	reset string
	// increment adds @delta unconditionally, never going below zero.
	increment string
	// guarded adds @delta only while the result stays within the maximum.
	guarded string
}

var counterSQL = map[model.CounterKind]counterStatements{
	model.CounterAPICall: {
		reset: `UPDATE rate_limit_ledgers SET api_calls_this_minute = 0, api_calls_reset_at = @now
WHERE user_id = @user AND api_calls_reset_at <= @cutoff`,
		increment: `UPDATE rate_limit_ledgers SET api_calls_this_minute = GREATEST(api_calls_this_minute + @delta, 0), updated_at = @now
WHERE user_id = @user`,
		guarded: `UPDATE rate_limit_ledgers SET api_calls_this_minute = api_calls_this_minute + @delta, updated_at = @now
WHERE user_id = @user AND (max_api_calls_per_minute IS NULL OR api_calls_this_minute + @delta <= max_api_calls_per_minute)`,
	},
	model.CounterSearch: {
		reset: `UPDATE rate_limit_ledgers SET searches_this_hour = 0, searches_reset_at = @now
WHERE user_id = @user AND searches_reset_at <= @cutoff`,
		increment: `UPDATE rate_limit_ledgers SET searches_this_hour = GREATEST(searches_this_hour + @delta, 0), updated_at = @now
WHERE user_id = @user`,
		guarded: `UPDATE rate_limit_ledgers SET searches_this_hour = searches_this_hour + @delta, updated_at = @now
WHERE user_id = @user AND (max_searches_per_hour IS NULL OR searches_this_hour + @delta <= max_searches_per_hour)`,
	},
	model.CounterUpload: {
		reset: `UPDATE rate_limit_ledgers SET uploads_today = 0, uploads_reset_at = @now
WHERE user_id = @user AND uploads_reset_at <= @cutoff`,
		increment: `UPDATE rate_limit_ledgers SET uploads_today = GREATEST(uploads_today + @delta, 0), updated_at = @now
WHERE user_id = @user`,
		guarded: `UPDATE rate_limit_ledgers SET uploads_today = uploads_today + @delta, updated_at = @now
WHERE user_id = @user AND (max_uploads_per_day IS NULL OR uploads_today + @delta <= max_uploads_per_day)`,
	},
	model.CounterVideoMinutes: {
		reset: `UPDATE rate_limit_ledgers SET video_minutes_today = 0, video_minutes_reset_at = @now
WHERE user_id = @user AND video_minutes_reset_at <= @cutoff`,
		increment: `UPDATE rate_limit_ledgers SET video_minutes_today = GREATEST(video_minutes_today + @delta, 0), updated_at = @now
WHERE user_id = @user`,
		guarded: `UPDATE rate_limit_ledgers SET video_minutes_today = video_minutes_today + @delta, updated_at = @now
WHERE user_id = @user AND (max_video_minutes_per_day IS NULL OR video_minutes_today + @delta <= max_video_minutes_per_day)`,
	},
	model.CounterStorage: {
		increment: `UPDATE rate_limit_ledgers SET storage_used_bytes = GREATEST(storage_used_bytes + @delta, 0), updated_at = @now
WHERE user_id = @user`,
		guarded: `UPDATE rate_limit_ledgers SET storage_used_bytes = storage_used_bytes + @delta, updated_at = @now
WHERE user_id = @user AND (max_storage_bytes IS NULL OR storage_used_bytes + @delta <= max_storage_bytes)`,
	},
}
