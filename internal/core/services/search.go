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

package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jaycherian/media-vector-search/internal/core/model"
	"github.com/jaycherian/media-vector-search/internal/core/repository"
	"golang.org/x/sync/errgroup"
)

// Keyword fallback weights; the sum is clamped to 1.
const (
	KeywordWeightFileName    = 0.6
	KeywordWeightTags        = 0.3
	KeywordWeightDescription = 0.3
)

// scoreEpsilon absorbs the rounding of a cosine distance computed in float64
// from float32 vectors, so a bit-identical match scores 1 while any real
// difference (even at similarity 0.999999) stays below min_similarity = 1.
const scoreEpsilon = 1e-12

// SearchOptions tunes the engine.
type SearchOptions struct {
	DefaultLimit  int
	MaxLimit      int
	MinSimilarity float64
	LaneTimeout   time.Duration
}

// SearchService embeds a query, runs the photo and video lanes concurrently,
// merges and ranks them, and falls back to a keyword match when the vector
// path yields nothing.
type SearchService struct {
	Cache   *QueryCache
	Vectors repository.VectorIndex
	Media   repository.MediaRepository
	Options SearchOptions
}

// NewSearchService fills unset options with the defaults.
func NewSearchService(cache *QueryCache, vectors repository.VectorIndex, media repository.MediaRepository, opts SearchOptions) *SearchService {
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = 20
	}
	if opts.MaxLimit <= 0 {
		opts.MaxLimit = 100
	}
	if opts.MinSimilarity == 0 {
		opts.MinSimilarity = 0.30
	}
	if opts.LaneTimeout <= 0 {
		opts.LaneTimeout = 10 * time.Second
	}
	return &SearchService{Cache: cache, Vectors: vectors, Media: media, Options: opts}
}

func (s *SearchService) limit(requested int) int {
	if requested <= 0 {
		return s.Options.DefaultLimit
	}
	if requested > s.Options.MaxLimit {
		return s.Options.MaxLimit
	}
	return requested
}

// Search runs a search on behalf of userID.
//
// Inputs:
//   - ctx: The request context.
//   - userID: The caller; every lane is restricted to the caller's media.
//   - req: The query, limit, album filter and minimum similarity.
//
// Outputs:
//   - *model.SearchResponse: Ranked results and the method that produced them.
//   - error: Only when both the vector path and the keyword fallback failed.
func (s *SearchService) Search(ctx context.Context, userID string, req *model.SearchRequest) (*model.SearchResponse, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, errors.New("query is required")
	}
	limit := s.limit(req.Limit)
	minSimilarity := s.Options.MinSimilarity
	if req.MinSimilarity != nil {
		minSimilarity = *req.MinSimilarity
	}
	filter := model.SearchFilter{UserID: userID, Album: req.AlbumFilter}

	results, vecErr := s.vectorSearch(ctx, userID, req.Query, filter, limit, minSimilarity)
	if vecErr == nil && len(results) > 0 {
		return &model.SearchResponse{Results: results, Count: len(results), SearchMethod: model.SearchMethodVector}, nil
	}
	if vecErr != nil {
		slog.WarnContext(ctx, "vector search failed, using keyword fallback", "error", vecErr)
	}

	keyword, kwErr := s.keywordSearch(ctx, req.Query, filter, limit)
	if kwErr != nil {
		if vecErr != nil {
			return nil, fmt.Errorf("search failed: %w", errors.Join(vecErr, kwErr))
		}
		return nil, fmt.Errorf("keyword search failed: %w", kwErr)
	}
	return &model.SearchResponse{Results: keyword, Count: len(keyword), SearchMethod: model.SearchMethodKeyword}, nil
}

// vectorSearch fails only when embedding fails or both lanes fail; a single
// failed or timed out lane still lets the other lane's results through.
func (s *SearchService) vectorSearch(ctx context.Context, userID, query string, filter model.SearchFilter, limit int, minSimilarity float64) ([]*model.SearchResult, error) {
	entry, err := s.Cache.Embedding(ctx, userID, query)
	if err != nil {
		return nil, err
	}
	vector := entry.Embedding.Slice()

	var photos, segments []*model.VectorMatch
	var photoErr, segmentErr error
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		laneCtx, cancel := context.WithTimeout(gctx, s.Options.LaneTimeout)
		defer cancel()
		photos, photoErr = s.Vectors.SearchPhotos(laneCtx, vector, filter, limit)
		return nil
	})
	g.Go(func() error {
		laneCtx, cancel := context.WithTimeout(gctx, s.Options.LaneTimeout)
		defer cancel()
		segments, segmentErr = s.Vectors.SearchSegments(laneCtx, vector, filter, limit)
		return nil
	})
	_ = g.Wait()

	if photoErr != nil && segmentErr != nil {
		return nil, errors.Join(fmt.Errorf("photo lane: %w", photoErr), fmt.Errorf("video lane: %w", segmentErr))
	}
	if photoErr != nil {
		slog.WarnContext(ctx, "photo lane failed", "error", photoErr)
	}
	if segmentErr != nil {
		slog.WarnContext(ctx, "video lane failed", "error", segmentErr)
	}

	merged := append(threshold(photos, minSimilarity), threshold(segments, minSimilarity)...)
	SortResults(merged)
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

func threshold(matches []*model.VectorMatch, minSimilarity float64) []*model.SearchResult {
	out := make([]*model.SearchResult, 0, len(matches))
	for _, m := range matches {
		r := m.ToResult()
		if r.Score+scoreEpsilon >= minSimilarity {
			out = append(out, r)
		}
	}
	return out
}

// SortResults orders by score descending, then media id, then segment start.
func SortResults(results []*model.SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.MediaID != b.MediaID {
			return a.MediaID < b.MediaID
		}
		return segmentStart(a) < segmentStart(b)
	})
}

func segmentStart(r *model.SearchResult) float64 {
	if r.SegmentStart == nil {
		return -1
	}
	return *r.SegmentStart
}

func (s *SearchService) keywordSearch(ctx context.Context, query string, filter model.SearchFilter, limit int) ([]*model.SearchResult, error) {
	needle := strings.ToLower(strings.TrimSpace(query))
	items, err := s.Media.KeywordCandidates(ctx, filter, needle, limit*4)
	if err != nil {
		return nil, err
	}
	out := make([]*model.SearchResult, 0, len(items))
	for _, item := range items {
		score := KeywordScore(item, needle)
		if score <= 0 {
			continue
		}
		out = append(out, &model.SearchResult{
			MediaID:      item.ID,
			AlbumName:    item.AlbumName,
			FileName:     item.FileName,
			FileType:     string(item.Kind),
			Score:        score,
			SegmentStart: item.StartOffset,
			SegmentEnd:   item.EndOffset,
			Description:  item.Description,
			MatchType:    model.MatchTypeMetadata,
		})
	}
	SortResults(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// KeywordScore weighs which fields of item contain needle (lower case).
func KeywordScore(item *model.MediaItem, needle string) float64 {
	if needle == "" {
		return 0
	}
	score := 0.0
	if strings.Contains(strings.ToLower(item.FileName), needle) {
		score += KeywordWeightFileName
	}
	if strings.Contains(strings.ToLower(item.Tags), needle) {
		score += KeywordWeightTags
	}
	if strings.Contains(strings.ToLower(item.Title), needle) || strings.Contains(strings.ToLower(item.Description), needle) {
		score += KeywordWeightDescription
	}
	if score > 1 {
		score = 1
	}
	return score
}
