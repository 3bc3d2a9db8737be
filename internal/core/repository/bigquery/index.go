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

// Package bigquery is an alternative vector index backed by BigQuery
// VECTOR_SEARCH. Vectors are mirrored into two tables when they are persisted
// in the primary store, and the KNN lanes can be served from either backend.
package bigquery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"cloud.google.com/go/bigquery"
	"github.com/jaycherian/media-vector-search/internal/core/model"
	"github.com/jaycherian/media-vector-search/internal/core/repository"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

var (
	_ repository.VectorIndex  = (*Index)(nil)
	_ repository.VectorMirror = (*Index)(nil)
)

// Index implements both the KNN lanes and the mirror on one dataset.
type Index struct {
	client       *bigquery.Client
	dataset      string
	mediaTable   string
	segmentTable string
}

func NewIndex(client *bigquery.Client, dataset, mediaTable, segmentTable string) *Index {
	return &Index{client: client, dataset: dataset, mediaTable: mediaTable, segmentTable: segmentTable}
}

// mediaRow is the mirrored form of a media item with a representative vector.
type mediaRow struct {
	ID          string    `bigquery:"id"`
	UserID      string    `bigquery:"user_id"`
	AlbumName   string    `bigquery:"album_name"`
	FileName    string    `bigquery:"file_name"`
	FileType    string    `bigquery:"file_type"`
	Description string    `bigquery:"description"`
	Embedding   []float64 `bigquery:"embedding"`
}

// segmentRow denormalizes the owning media so the lane needs no join.
type segmentRow struct {
	ID          string    `bigquery:"id"`
	MediaID     string    `bigquery:"media_id"`
	UserID      string    `bigquery:"user_id"`
	AlbumName   string    `bigquery:"album_name"`
	FileName    string    `bigquery:"file_name"`
	Description string    `bigquery:"description"`
	StartTime   float64   `bigquery:"start_time"`
	EndTime     float64   `bigquery:"end_time"`
	Embedding   []float64 `bigquery:"embedding"`
}

// matchRow is scanned from a lane; the offsets are NULL on the photo lane.
type matchRow struct {
	MediaID      string               `bigquery:"media_id"`
	SegmentID    string               `bigquery:"segment_id"`
	AlbumName    string               `bigquery:"album_name"`
	FileName     string               `bigquery:"file_name"`
	FileType     string               `bigquery:"file_type"`
	Description  bigquery.NullString  `bigquery:"description"`
	SegmentStart bigquery.NullFloat64 `bigquery:"segment_start"`
	SegmentEnd   bigquery.NullFloat64 `bigquery:"segment_end"`
	Distance     float64              `bigquery:"distance"`
}

func (r *matchRow) toMatch() *model.VectorMatch {
	m := &model.VectorMatch{
		MediaID:     r.MediaID,
		SegmentID:   r.SegmentID,
		AlbumName:   r.AlbumName,
		FileName:    r.FileName,
		FileType:    r.FileType,
		Description: r.Description.StringVal,
		Distance:    r.Distance,
	}
	if r.SegmentStart.Valid {
		start := r.SegmentStart.Float64
		m.SegmentStart = &start
	}
	if r.SegmentEnd.Valid {
		end := r.SegmentEnd.Float64
		m.SegmentEnd = &end
	}
	return m
}

func toFloat64(in []float32) []float64 {
	out := make([]float64, len(in))
	for i, f := range in {
		out[i] = float64(f)
	}
	return out
}

func (x *Index) fqn(table string) string {
	return strings.Replace(x.client.Dataset(x.dataset).Table(table).FullyQualifiedName(), ":", ".", -1)
}

// EnsureTables creates the mirror tables when they do not exist yet.
func (x *Index) EnsureTables(ctx context.Context) error {
	for table, row := range map[string]interface{}{x.mediaTable: mediaRow{}, x.segmentTable: segmentRow{}} {
		schema, err := bigquery.InferSchema(row)
		if err != nil {
			return err
		}
		err = x.client.Dataset(x.dataset).Table(table).Create(ctx, &bigquery.TableMetadata{Schema: schema})
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusConflict {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to create table %s: %w", table, err)
		}
		slog.InfoContext(ctx, "created bigquery table", "dataset", x.dataset, "table", table)
	}
	return nil
}

func (x *Index) SearchPhotos(ctx context.Context, vector []float32, filter model.SearchFilter, k int) ([]*model.VectorMatch, error) {
	return x.search(ctx, fmt.Sprintf(QrySearchPhotos, x.fqn(x.mediaTable), k), vector, filter)
}

func (x *Index) SearchSegments(ctx context.Context, vector []float32, filter model.SearchFilter, k int) ([]*model.VectorMatch, error) {
	return x.search(ctx, fmt.Sprintf(QrySearchSegments, x.fqn(x.segmentTable), k), vector, filter)
}

func (x *Index) search(ctx context.Context, sql string, vector []float32, filter model.SearchFilter) ([]*model.VectorMatch, error) {
	q := x.client.Query(sql)
	q.Parameters = []bigquery.QueryParameter{
		{Name: "user", Value: filter.UserID},
		{Name: "album", Value: filter.Album},
		{Name: "vec", Value: toFloat64(vector)},
	}
	itr, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read from BigQuery: %w", err)
	}
	out := make([]*model.VectorMatch, 0)
	for {
		var r matchRow
		err := itr.Next(&r)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return out, fmt.Errorf("failed to iterate results: %w", err)
		}
		out = append(out, r.toMatch())
	}
	return out, nil
}

func (x *Index) MirrorMedia(ctx context.Context, item *model.MediaItem) error {
	if !item.HasEmbedding() {
		return nil
	}
	row := &mediaRow{
		ID:          item.ID,
		UserID:      item.UserID,
		AlbumName:   item.AlbumName,
		FileName:    item.FileName,
		FileType:    string(item.Kind),
		Description: item.Description,
		Embedding:   toFloat64(item.Embedding.Slice()),
	}
	if err := x.client.Dataset(x.dataset).Table(x.mediaTable).Inserter().Put(ctx, row); err != nil {
		return fmt.Errorf("bigquery insert failed for media %s: %w", item.ID, err)
	}
	return nil
}

func (x *Index) MirrorSegments(ctx context.Context, item *model.MediaItem, segments []*model.VideoSegmentEmbedding) error {
	if len(segments) == 0 {
		return nil
	}
	rows := make([]*segmentRow, 0, len(segments))
	for _, s := range segments {
		rows = append(rows, &segmentRow{
			ID:          s.ID,
			MediaID:     s.MediaID,
			UserID:      item.UserID,
			AlbumName:   item.AlbumName,
			FileName:    item.FileName,
			Description: item.Description,
			StartTime:   s.StartTime,
			EndTime:     s.EndTime,
			Embedding:   toFloat64(s.Embedding.Slice()),
		})
	}
	if err := x.client.Dataset(x.dataset).Table(x.segmentTable).Inserter().Put(ctx, rows); err != nil {
		return fmt.Errorf("bigquery insert failed for %d segments of %s: %w", len(rows), item.ID, err)
	}
	return nil
}
