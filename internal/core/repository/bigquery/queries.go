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

package bigquery

// KNN lanes over the mirrored tables. The first placeholder is the fully
// qualified table, the second is top_k; everything else is a query parameter.
// The owner filter is applied before the search so top_k counts only rows
// the caller may see.
const (
	QrySearchPhotos = "SELECT base.media_id AS media_id, '' AS segment_id, base.album_name AS album_name, " +
		"base.file_name AS file_name, base.file_type AS file_type, base.description AS description, " +
		"CAST(NULL AS FLOAT64) AS segment_start, CAST(NULL AS FLOAT64) AS segment_end, distance " +
		"FROM VECTOR_SEARCH((SELECT * FROM `%s` WHERE user_id = @user AND file_type = 'photo' AND (@album = '' OR album_name = @album)), " +
		"'embedding', (SELECT @vec AS embedding), top_k => %d, distance_type => 'COSINE') ORDER BY distance ASC"

	QrySearchSegments = "SELECT base.media_id AS media_id, base.id AS segment_id, base.album_name AS album_name, " +
		"base.file_name AS file_name, 'video' AS file_type, base.description AS description, " +
		"base.start_time AS segment_start, base.end_time AS segment_end, distance " +
		"FROM VECTOR_SEARCH((SELECT * FROM `%s` WHERE user_id = @user AND (@album = '' OR album_name = @album)), " +
		"'embedding', (SELECT @vec AS embedding), top_k => %d, distance_type => 'COSINE') ORDER BY distance ASC"
)
