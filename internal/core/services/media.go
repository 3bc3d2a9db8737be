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
	"time"

	"github.com/jaycherian/media-vector-search/internal/cloud"
	"github.com/jaycherian/media-vector-search/internal/core/model"
	"github.com/jaycherian/media-vector-search/internal/core/repository"
)

// ErrForbidden is returned when the caller neither owns the resource nor is an admin.
var ErrForbidden = errors.New("caller may not access this resource")

// Caller identifies who is making a request.
type Caller struct {
	UserID string
	Admin  bool
}

// Owns reports whether the caller may act on resources of userID.
func (c Caller) Owns(userID string) bool {
	return c.Admin || (c.UserID != "" && c.UserID == userID)
}

// MediaService reads and deletes media items and issues signed read URLs.
type MediaService struct {
	Media     repository.MediaRepository
	Segments  repository.SegmentRepository
	Storage   cloud.ObjectStore
	Limiter   *RateLimiter
	SignedTTL time.Duration
}

// Get returns the item when the caller may see it.
func (s *MediaService) Get(ctx context.Context, caller Caller, id string) (*model.MediaItem, error) {
	item, err := s.Media.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !caller.Owns(item.UserID) {
		return nil, ErrForbidden
	}
	return item, nil
}

// StreamURL returns a temporary read URL for the item's stored object.
func (s *MediaService) StreamURL(ctx context.Context, caller Caller, id string) (string, error) {
	item, err := s.Get(ctx, caller, id)
	if err != nil {
		return "", err
	}
	ttl := s.SignedTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return s.Storage.SignedURL(ctx, item.StoragePath, ttl)
}

// Delete removes one media item, its segments and its stored object.
//
// Inputs:
//   - ctx: The request context.
//   - caller: Must own the item or be an admin.
//   - id: The media id.
//
// Outputs:
//   - error: ErrForbidden, repository.ErrNotFound or a database error. A failed
//     storage delete is only logged.
func (s *MediaService) Delete(ctx context.Context, caller Caller, id string) error {
	item, err := s.Get(ctx, caller, id)
	if err != nil {
		return err
	}
	return s.deleteItems(ctx, item.UserID, []*model.MediaItem{item})
}

// DeleteAlbum removes every item of owner's album and returns how many were deleted.
func (s *MediaService) DeleteAlbum(ctx context.Context, caller Caller, ownerID, album string) (int, error) {
	if ownerID == "" {
		ownerID = caller.UserID
	}
	if !caller.Owns(ownerID) {
		return 0, ErrForbidden
	}
	items, err := s.Media.ListByAlbum(ctx, ownerID, album)
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, repository.ErrNotFound
	}
	return len(items), s.deleteItems(ctx, ownerID, items)
}

func (s *MediaService) deleteItems(ctx context.Context, ownerID string, items []*model.MediaItem) error {
	ids := make([]string, 0, len(items))
	var freed int64
	for _, item := range items {
		if err := s.Storage.Delete(ctx, item.StoragePath); err != nil && !errors.Is(err, cloud.ErrObjectNotFound) {
			slog.WarnContext(ctx, "failed to delete stored object", "path", item.StoragePath, "error", err)
		}
		ids = append(ids, item.ID)
		freed += item.SizeBytes
	}
	if err := s.Segments.DeleteByMedia(ctx, ids...); err != nil {
		return fmt.Errorf("failed to delete segments: %w", err)
	}
	if err := s.Media.Delete(ctx, ids...); err != nil {
		return fmt.Errorf("failed to delete media: %w", err)
	}
	if s.Limiter != nil && freed > 0 {
		if err := s.Limiter.Refund(ctx, ownerID, model.CounterStorage, float64(freed)); err != nil {
			slog.WarnContext(ctx, "failed to release storage quota", "user", ownerID, "error", err)
		}
	}
	slog.InfoContext(ctx, "deleted media", "user", ownerID, "count", len(ids), "bytes", freed)
	return nil
}

// Stats returns the dashboard counts of a user's library.
func (s *MediaService) Stats(ctx context.Context, userID string) (*model.MediaStats, error) {
	return s.Media.Stats(ctx, userID)
}
