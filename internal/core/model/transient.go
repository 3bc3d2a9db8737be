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

// This file holds the in-memory structures passed between commands of a
// workflow. None of them are persisted as-is.
package model

// ChunkWindow is one (start, duration) window of a chunk plan, in seconds.
type ChunkWindow struct {
	Index    int     `json:"index"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
}

// End is the exclusive end of the window.
func (w ChunkWindow) End() float64 {
	return w.Start + w.Duration
}

// UnitFile is one local file ready for upload: either the original file or one
// extracted chunk.
type UnitFile struct {
	Path        string       `json:"path"`
	FileName    string       `json:"file_name"`
	SizeBytes   int64        `json:"size_bytes"`
	ContentType string       `json:"content_type"`
	Window      *ChunkWindow `json:"window,omitempty"`
	// StoragePath is filled in once the unit is stored.
	StoragePath string `json:"storage_path,omitempty"`
}

// MediaAnnotation is the JSON document the tag generator asks the LLM to produce.
type MediaAnnotation struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

// VectorMatch is a raw row returned by a KNN lane before it is turned into a
// SearchResult. Distance is the cosine distance (lower is closer).
type VectorMatch struct {
	MediaID      string   `json:"media_id" bigquery:"media_id" gorm:"column:media_id"`
	SegmentID    string   `json:"segment_id" bigquery:"segment_id" gorm:"column:segment_id"`
	AlbumName    string   `json:"album_name" bigquery:"album_name" gorm:"column:album_name"`
	FileName     string   `json:"file_name" bigquery:"file_name" gorm:"column:file_name"`
	FileType     string   `json:"file_type" bigquery:"file_type" gorm:"column:file_type"`
	Description  string   `json:"description" bigquery:"description" gorm:"column:description"`
	SegmentStart *float64 `json:"segment_start" bigquery:"segment_start" gorm:"column:segment_start"`
	SegmentEnd   *float64 `json:"segment_end" bigquery:"segment_end" gorm:"column:segment_end"`
	Distance     float64  `json:"distance" bigquery:"distance" gorm:"column:distance"`
}

// ToResult converts a raw match into a semantic search result with score 1 - distance.
func (m *VectorMatch) ToResult() *SearchResult {
	return &SearchResult{
		MediaID:      m.MediaID,
		SegmentID:    m.SegmentID,
		AlbumName:    m.AlbumName,
		FileName:     m.FileName,
		FileType:     m.FileType,
		Score:        1 - m.Distance,
		SegmentStart: m.SegmentStart,
		SegmentEnd:   m.SegmentEnd,
		Description:  m.Description,
		MatchType:    MatchTypeSemantic,
	}
}
