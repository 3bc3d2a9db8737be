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

// Package model holds the persistent and transient data structures shared by
// the ingestion pipeline, the search engine and the HTTP layer.
//
// Persistent types carry gorm tags for the relational store and bigquery tags
// where they are mirrored to the BigQuery vector index. Vectors are stored as
// pgvector values so the same struct can be scanned from a KNN query.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// EmbeddingDimensions is the width of every vector produced by the vendor model.
const EmbeddingDimensions = 1024

// MediaKind distinguishes photos from videos (and video chunks).
type MediaKind string

const (
	MediaKindPhoto MediaKind = "photo"
	MediaKindVideo MediaKind = "video"
)

// IsValid reports whether k is one of the known kinds.
func (k MediaKind) IsValid() bool {
	return k == MediaKindPhoto || k == MediaKindVideo
}

// MediaItem is one uploaded photo, one video, or one chunk of a sliced video.
type MediaItem struct {
	ID          string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	UserID      string    `gorm:"type:varchar(128);index;not null" json:"user_id"`
	AlbumName   string    `gorm:"type:varchar(255);index" json:"album_name"`
	FileName    string    `gorm:"type:varchar(512)" json:"file_name"`
	Kind        MediaKind `gorm:"column:file_type;type:varchar(16);index" json:"file_type"`
	StoragePath string    `gorm:"type:varchar(1024);uniqueIndex" json:"storage_path"`
	SizeBytes   int64     `json:"size_bytes"`
	ContentType string    `gorm:"type:varchar(128)" json:"content_type"`

	// SourceID groups every chunk produced from the same uploaded file.
	SourceID string `gorm:"type:varchar(64);index" json:"source_id"`

	// Photo only.
	Latitude    *float64   `json:"latitude,omitempty"`
	Longitude   *float64   `json:"longitude,omitempty"`
	TakenAt     *time.Time `json:"taken_at,omitempty"`
	CameraModel *string    `gorm:"type:varchar(255)" json:"camera_model,omitempty"`

	// Video only. Offsets are set iff the item is a chunk of a longer source.
	StartOffset     *float64 `json:"start_offset,omitempty"`
	EndOffset       *float64 `json:"end_offset,omitempty"`
	DurationSeconds *float64 `json:"duration_seconds,omitempty"`
	ChunkIndex      *int     `json:"chunk_index,omitempty"`
	ChunkTotal      *int     `json:"chunk_total,omitempty"`

	// Filled in best-effort by the tag generator, used by the keyword fallback.
	Title       string `gorm:"type:text" json:"title,omitempty"`
	Description string `gorm:"type:text" json:"description,omitempty"`
	Tags        string `gorm:"type:text" json:"-"`

	Embedding      *pgvector.Vector `gorm:"type:vector(1024)" json:"-"`
	EmbeddingModel string           `gorm:"type:varchar(128)" json:"embedding_model,omitempty"`
	CreatedAt      time.Time        `gorm:"autoCreateTime" json:"created_at"`
}

// TableName pins the table name used by the raw SQL statements.
func (MediaItem) TableName() string {
	return "media_items"
}

// NewMediaItem creates a media item with a fresh random id.
func NewMediaItem(userID, album, fileName string, kind MediaKind) *MediaItem {
	return &MediaItem{
		ID:        uuid.New().String(),
		UserID:    userID,
		AlbumName: album,
		FileName:  fileName,
		Kind:      kind,
		CreatedAt: time.Now().UTC(),
	}
}

// SetChunk marks the item as chunk index of total, covering [start, end) of the source.
func (m *MediaItem) SetChunk(index, total int, start, end float64) {
	duration := end - start
	m.ChunkIndex = &index
	m.ChunkTotal = &total
	m.StartOffset = &start
	m.EndOffset = &end
	m.DurationSeconds = &duration
}

// IsChunk reports whether the item is a chunk of a sliced source video.
func (m *MediaItem) IsChunk() bool {
	return m.Kind == MediaKindVideo && m.StartOffset != nil && m.EndOffset != nil
}

// BaseOffset is the absolute start of the item within its source video.
func (m *MediaItem) BaseOffset() float64 {
	if m.StartOffset == nil {
		return 0
	}
	return *m.StartOffset
}

// HasEmbedding reports whether a representative vector is attached.
func (m *MediaItem) HasEmbedding() bool {
	return m.Embedding != nil && len(m.Embedding.Slice()) > 0
}

// TagList splits the stored tag column.
func (m *MediaItem) TagList() []string {
	return SplitTags(m.Tags)
}

// SetTags normalizes and stores tags.
func (m *MediaItem) SetTags(tags []string) {
	m.Tags = JoinTags(tags)
}

// Validate enforces the photo/video offset invariant.
func (m *MediaItem) Validate() error {
	if m.ID == "" || m.UserID == "" {
		return errors.New("media item requires an id and an owner")
	}
	if !m.Kind.IsValid() {
		return fmt.Errorf("unknown media kind %q", m.Kind)
	}
	hasOffsets := m.StartOffset != nil || m.EndOffset != nil
	switch m.Kind {
	case MediaKindPhoto:
		if hasOffsets || m.ChunkIndex != nil || m.ChunkTotal != nil {
			return errors.New("photo must not carry video offsets")
		}
	case MediaKindVideo:
		if (m.StartOffset == nil) != (m.EndOffset == nil) {
			return errors.New("video offsets must be set together")
		}
		if hasOffsets && m.ChunkIndex == nil {
			return errors.New("video offsets are only valid on chunks")
		}
		if hasOffsets && *m.StartOffset >= *m.EndOffset {
			return fmt.Errorf("chunk start %.3f must be before end %.3f", *m.StartOffset, *m.EndOffset)
		}
	}
	return nil
}

// JoinTags lower-cases, trims and de-duplicates tags into the stored form.
func JoinTags(tags []string) string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return strings.Join(out, ",")
}

// SplitTags is the inverse of JoinTags.
func SplitTags(in string) []string {
	if strings.TrimSpace(in) == "" {
		return []string{}
	}
	parts := strings.Split(in, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// UploadPath is the object path for a stored unit. Every path is namespaced by
// the owning user so tenants never collide and access can be scoped by prefix.
func UploadPath(userID, album, sourceID, fileName string) string {
	return fmt.Sprintf("users/%s/uploads/%s/%s/%s", userID, sanitizeSegment(album), sourceID, sanitizeSegment(fileName))
}

// GeneratedPath is the object path for derived artifacts.
func GeneratedPath(userID, sourceID, fileName string) string {
	return fmt.Sprintf("users/%s/generated/%s/%s", userID, sourceID, sanitizeSegment(fileName))
}

// UserFromPath extracts the owner id from a namespaced object path.
func UserFromPath(path string) (string, bool) {
	parts := strings.SplitN(strings.TrimPrefix(path, "/"), "/", 3)
	if len(parts) < 3 || parts[0] != "users" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func sanitizeSegment(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "default"
	}
	r := strings.NewReplacer("/", "_", "\\", "_", "..", "_")
	return r.Replace(in)
}
