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

// Package memory implements the repository ports in process memory. Vector
// queries are brute force; it is meant for local runs and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jaycherian/media-vector-search/internal/core/model"
	"github.com/jaycherian/media-vector-search/internal/core/repository"
	"github.com/pgvector/pgvector-go"
)

// Ensure the store implements the ports.
var (
	_ repository.MediaRepository      = (*Store)(nil)
	_ repository.SegmentRepository    = (*Store)(nil)
	_ repository.VectorIndex          = (*Store)(nil)
	_ repository.QuotaRepository      = (*Quotas)(nil)
	_ repository.QueryCacheRepository = (*Store)(nil)
)

// Store holds every table behind one lock, which also makes every quota
// operation trivially atomic.
type Store struct {
	mu       sync.RWMutex
	media    map[string]*model.MediaItem
	segments map[string]*model.VideoSegmentEmbedding
	ledgers  map[string]*model.RateLimitLedger
	cache    map[string]*model.QueryEmbeddingCacheEntry
	nextID   uint
	limits   model.QuotaLimits
}

// NewStore creates an empty store whose new ledgers get limits.
func NewStore(limits model.QuotaLimits) *Store {
	return &Store{
		media:    make(map[string]*model.MediaItem),
		segments: make(map[string]*model.VideoSegmentEmbedding),
		ledgers:  make(map[string]*model.RateLimitLedger),
		cache:    make(map[string]*model.QueryEmbeddingCacheEntry),
		limits:   limits,
	}
}

// Repositories exposes the store through the repository bundle.
func (s *Store) Repositories() *repository.Store {
	return &repository.Store{
		Media:    s,
		Segments: s,
		Vectors:  s,
		Quotas:   s.Quotas(),
		Cache:    s,
		Close:    func() error { return nil },
	}
}

func copyItem(in *model.MediaItem) *model.MediaItem {
	out := *in
	if in.Embedding != nil {
		v := pgvector.NewVector(append([]float32(nil), in.Embedding.Slice()...))
		out.Embedding = &v
	}
	return &out
}

func (s *Store) Create(_ context.Context, items ...*model.MediaItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	paths := make(map[string]bool, len(items))
	for _, item := range items {
		if _, ok := s.media[item.ID]; ok {
			return fmt.Errorf("media %s already exists", item.ID)
		}
		for _, existing := range s.media {
			if existing.StoragePath == item.StoragePath {
				return fmt.Errorf("storage path %s already registered", item.StoragePath)
			}
		}
		if paths[item.StoragePath] {
			return fmt.Errorf("storage path %s repeated in batch", item.StoragePath)
		}
		paths[item.StoragePath] = true
	}
	for _, item := range items {
		s.media[item.ID] = copyItem(item)
	}
	return nil
}

func (s *Store) Get(_ context.Context, id string) (*model.MediaItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.media[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return copyItem(item), nil
}

func (s *Store) FindByStoragePath(_ context.Context, path string) (*model.MediaItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, item := range s.media {
		if item.StoragePath == path {
			return copyItem(item), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *Store) SetEmbedding(_ context.Context, id string, vector []float32, modelName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.media[id]
	if !ok {
		return repository.ErrNotFound
	}
	v := pgvector.NewVector(append([]float32(nil), vector...))
	item.Embedding = &v
	item.EmbeddingModel = modelName
	return nil
}

func (s *Store) SetAnnotations(_ context.Context, id string, annotation *model.MediaAnnotation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.media[id]
	if !ok {
		return repository.ErrNotFound
	}
	item.Title = annotation.Title
	item.Description = annotation.Description
	item.SetTags(annotation.Tags)
	return nil
}

func (s *Store) list(match func(*model.MediaItem) bool) []*model.MediaItem {
	out := make([]*model.MediaItem, 0)
	for _, item := range s.media {
		if match(item) {
			out = append(out, copyItem(item))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (s *Store) ListByAlbum(_ context.Context, userID, album string) ([]*model.MediaItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.list(func(m *model.MediaItem) bool { return m.UserID == userID && m.AlbumName == album }), nil
}

func (s *Store) ListBySource(_ context.Context, sourceID string) ([]*model.MediaItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.list(func(m *model.MediaItem) bool { return m.SourceID == sourceID }), nil
}

func (s *Store) Delete(_ context.Context, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.media, id)
	}
	return nil
}

func (s *Store) KeywordCandidates(_ context.Context, filter model.SearchFilter, query string, limit int) ([]*model.MediaItem, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.list(func(m *model.MediaItem) bool {
		if m.UserID != filter.UserID || (filter.Album != "" && m.AlbumName != filter.Album) {
			return false
		}
		for _, field := range []string{m.FileName, m.Tags, m.Title, m.Description} {
			if strings.Contains(strings.ToLower(field), q) {
				return true
			}
		}
		return false
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Stats(_ context.Context, userID string) (*model.MediaStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := &model.MediaStats{}
	albums := make(map[string]bool)
	ids := make(map[string]bool)
	for _, m := range s.media {
		if m.UserID != userID {
			continue
		}
		ids[m.ID] = true
		albums[m.AlbumName] = true
		switch {
		case m.Kind == model.MediaKindPhoto:
			stats.Photos++
		case m.IsChunk():
			stats.Chunks++
		default:
			stats.Videos++
		}
		if m.HasEmbedding() {
			stats.WithEmbedding++
		}
		stats.StorageUsedSize += m.SizeBytes
	}
	for _, seg := range s.segments {
		if ids[seg.MediaID] {
			stats.Segments++
		}
	}
	stats.Albums = int64(len(albums))
	return stats, nil
}

func segmentKey(mediaID string, start, end float64) string {
	return model.SegmentID(mediaID, start, end)
}

func (s *Store) Upsert(_ context.Context, segments []*model.VideoSegmentEmbedding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, seg := range segments {
		if seg.StartTime >= seg.EndTime {
			return fmt.Errorf("segment %s has an empty window", seg.ID)
		}
		out := *seg
		s.segments[segmentKey(seg.MediaID, seg.StartTime, seg.EndTime)] = &out
	}
	return nil
}

func (s *Store) ListByMedia(_ context.Context, mediaID string) ([]*model.VideoSegmentEmbedding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.VideoSegmentEmbedding, 0)
	for _, seg := range s.segments {
		if seg.MediaID == mediaID {
			c := *seg
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime < out[j].StartTime })
	return out, nil
}

func (s *Store) DeleteByMedia(_ context.Context, mediaIDs ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make(map[string]bool, len(mediaIDs))
	for _, id := range mediaIDs {
		ids[id] = true
	}
	for k, seg := range s.segments {
		if ids[seg.MediaID] {
			delete(s.segments, k)
		}
	}
	return nil
}

func (s *Store) SearchPhotos(_ context.Context, vector []float32, filter model.SearchFilter, k int) ([]*model.VectorMatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.VectorMatch
	for _, m := range s.media {
		if m.Kind != model.MediaKindPhoto || !m.HasEmbedding() || !inScope(m, filter) {
			continue
		}
		out = append(out, &model.VectorMatch{
			MediaID:     m.ID,
			AlbumName:   m.AlbumName,
			FileName:    m.FileName,
			FileType:    string(m.Kind),
			Description: m.Description,
			Distance:    repository.CosineDistance(vector, m.Embedding.Slice()),
		})
	}
	return nearest(out, k), nil
}

func (s *Store) SearchSegments(_ context.Context, vector []float32, filter model.SearchFilter, k int) ([]*model.VectorMatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.VectorMatch
	for _, seg := range s.segments {
		m, ok := s.media[seg.MediaID]
		if !ok || !inScope(m, filter) {
			continue
		}
		start, end := seg.StartTime, seg.EndTime
		out = append(out, &model.VectorMatch{
			MediaID:      m.ID,
			SegmentID:    seg.ID,
			AlbumName:    m.AlbumName,
			FileName:     m.FileName,
			FileType:     string(m.Kind),
			Description:  m.Description,
			SegmentStart: &start,
			SegmentEnd:   &end,
			Distance:     repository.CosineDistance(vector, seg.Embedding.Slice()),
		})
	}
	return nearest(out, k), nil
}

func inScope(m *model.MediaItem, filter model.SearchFilter) bool {
	return m.UserID == filter.UserID && (filter.Album == "" || m.AlbumName == filter.Album)
}

func nearest(matches []*model.VectorMatch, k int) []*model.VectorMatch {
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Distance == matches[j].Distance {
			return matches[i].MediaID < matches[j].MediaID
		}
		return matches[i].Distance < matches[j].Distance
	})
	if k > 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches
}

func (s *Store) ledger(userID string, now time.Time) *model.RateLimitLedger {
	l, ok := s.ledgers[userID]
	if !ok {
		l = model.NewRateLimitLedger(userID, s.limits, now)
		s.ledgers[userID] = l
	}
	for _, kind := range model.CounterKinds {
		if kind.Windowed() && !l.ResetAt(kind).After(now.Add(-kind.Window())) {
			resetCounter(l, kind, now)
		}
	}
	return l
}

func resetCounter(l *model.RateLimitLedger, kind model.CounterKind, now time.Time) {
	switch kind {
	case model.CounterAPICall:
		l.APICallsThisMinute, l.APICallsResetAt = 0, now
	case model.CounterSearch:
		l.SearchesThisHour, l.SearchesResetAt = 0, now
	case model.CounterUpload:
		l.UploadsToday, l.UploadsResetAt = 0, now
	case model.CounterVideoMinutes:
		l.VideoMinutesToday, l.VideoMinutesResetAt = 0, now
	}
}

// Quotas is the ledger view of the store. It is a separate type because the
// quota port shares method names with the media port.
type Quotas struct {
	s *Store
}

// Quotas returns the quota repository backed by s.
func (s *Store) Quotas() *Quotas {
	return &Quotas{s: s}
}

// SetLimit overrides one maximum of a user's ledger; nil removes it.
func (q *Quotas) SetLimit(userID string, kind model.CounterKind, limit *float64, now time.Time) {
	s := q.s
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.ledger(userID, now)
	asInt := func() *int64 {
		if limit == nil {
			return nil
		}
		v := int64(*limit)
		return &v
	}
	switch kind {
	case model.CounterAPICall:
		l.MaxAPICallsPerMinute = asInt()
	case model.CounterSearch:
		l.MaxSearchesPerHour = asInt()
	case model.CounterUpload:
		l.MaxUploadsPerDay = asInt()
	case model.CounterVideoMinutes:
		l.MaxVideoMinutesPerDay = limit
	case model.CounterStorage:
		l.MaxStorageBytes = asInt()
	}
}

func (q *Quotas) Get(_ context.Context, userID string, now time.Time) (*model.RateLimitLedger, error) {
	s := q.s
	s.mu.Lock()
	defer s.mu.Unlock()
	out := *s.ledger(userID, now)
	return &out, nil
}

func (q *Quotas) Increment(_ context.Context, userID string, kind model.CounterKind, delta float64, now time.Time, guarded bool) (bool, error) {
	s := q.s
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.ledger(userID, now)
	next := l.Usage(kind) + delta
	if guarded && delta > 0 {
		if ceiling := l.Limit(kind); ceiling != nil && next > *ceiling {
			return false, nil
		}
	}
	if next < 0 {
		next = 0
	}
	switch kind {
	case model.CounterAPICall:
		l.APICallsThisMinute = int64(next)
	case model.CounterSearch:
		l.SearchesThisHour = int64(next)
	case model.CounterUpload:
		l.UploadsToday = int64(next)
	case model.CounterVideoMinutes:
		l.VideoMinutesToday = next
	case model.CounterStorage:
		l.StorageUsedBytes = int64(next)
	}
	l.UpdatedAt = now
	return true, nil
}

func cacheKey(text, owner string) string {
	return owner + "\x00" + text
}

func (s *Store) Find(_ context.Context, text, ownerID string) (*model.QueryEmbeddingCacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.cache[cacheKey(text, ownerID)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := *e
	return &out, nil
}

func (s *Store) Touch(_ context.Context, id uint, now time.Time) (*model.QueryEmbeddingCacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.cache {
		if e.ID == id {
			e.UsageCount++
			e.LastUsedAt = now
			out := *e
			return &out, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *Store) Put(_ context.Context, entry *model.QueryEmbeddingCacheEntry) (*model.QueryEmbeddingCacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := cacheKey(entry.QueryText, entry.OwnerID)
	if e, ok := s.cache[key]; ok {
		e.UsageCount++
		e.LastUsedAt = entry.LastUsedAt
		out := *e
		return &out, nil
	}
	s.nextID++
	stored := *entry
	stored.ID = s.nextID
	if stored.UsageCount == 0 {
		stored.UsageCount = 1
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = entry.LastUsedAt
	}
	s.cache[key] = &stored
	out := stored
	return &out, nil
}
