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

// Package services contains the business logic sitting between the HTTP layer
// and the repositories: quota enforcement, the query embedding cache, vector
// search with its keyword fallback, media access and AI tagging.
package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jaycherian/media-vector-search/internal/core/model"
	"github.com/jaycherian/media-vector-search/internal/core/repository"
)

// ErrQuotaExceeded is matched by every *QuotaError through errors.Is.
var ErrQuotaExceeded = errors.New("quota exceeded")

// QuotaError rejects a request that would push a counter over its maximum.
// RetryAfter is the window size of the counter, not the exact remaining time.
type QuotaError struct {
	Kind       model.CounterKind
	Limit      float64
	Used       float64
	Requested  float64
	RetryAfter time.Duration
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("%s exceeded: used %s of %s, requested %s",
		e.Kind, formatAmount(e.Used), formatAmount(e.Limit), formatAmount(e.Requested))
}

func (e *QuotaError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

func formatAmount(v float64) string {
	if v == math.Trunc(v) {
		return fmt.Sprintf("%.0f", v)
	}
	return fmt.Sprintf("%.2f", v)
}

// RateLimiter enforces the per-user quotas kept in the ledger. Every call
// resets expired windows first, so a request arriving exactly at a window
// boundary is never blocked by stale usage.
type RateLimiter struct {
	repo repository.QuotaRepository
	now  func() time.Time
}

// NewRateLimiter creates a limiter on repo.
func NewRateLimiter(repo repository.QuotaRepository) *RateLimiter {
	return &RateLimiter{repo: repo, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock replaces the time source, for tests.
func (r *RateLimiter) WithClock(now func() time.Time) *RateLimiter {
	r.now = now
	return r
}

func (r *RateLimiter) reject(kind model.CounterKind, ledger *model.RateLimitLedger, amount float64) error {
	limit := 0.0
	if ceiling := ledger.Limit(kind); ceiling != nil {
		limit = *ceiling
	}
	return &QuotaError{
		Kind:       kind,
		Limit:      limit,
		Used:       ledger.Usage(kind),
		Requested:  amount,
		RetryAfter: kind.Window(),
	}
}

// Check reports whether one more unit of kind is allowed. It does not consume.
func (r *RateLimiter) Check(ctx context.Context, userID string, kind model.CounterKind) error {
	return r.CheckN(ctx, userID, kind, 1)
}

// CheckN reports whether amount more of kind is allowed. It does not consume.
func (r *RateLimiter) CheckN(ctx context.Context, userID string, kind model.CounterKind, amount float64) error {
	ledger, err := r.repo.Get(ctx, userID, r.now())
	if err != nil {
		return fmt.Errorf("failed to read quota ledger: %w", err)
	}
	if ceiling := ledger.Limit(kind); ceiling != nil && ledger.Usage(kind)+amount > *ceiling {
		return r.reject(kind, ledger, amount)
	}
	return nil
}

// Consume adds amount to kind unconditionally.
func (r *RateLimiter) Consume(ctx context.Context, userID string, kind model.CounterKind, amount float64) error {
	if amount == 0 {
		return nil
	}
	_, err := r.repo.Increment(ctx, userID, kind, amount, r.now(), false)
	return err
}

// Acquire checks and consumes amount in one atomic statement. Concurrent
// callers can never push the counter past its maximum together.
func (r *RateLimiter) Acquire(ctx context.Context, userID string, kind model.CounterKind, amount float64) error {
	now := r.now()
	applied, err := r.repo.Increment(ctx, userID, kind, amount, now, true)
	if err != nil {
		return fmt.Errorf("failed to update quota ledger: %w", err)
	}
	if applied {
		return nil
	}
	ledger, err := r.repo.Get(ctx, userID, now)
	if err != nil {
		return fmt.Errorf("failed to read quota ledger: %w", err)
	}
	return r.reject(kind, ledger, amount)
}

// Refund gives back amount of kind, never going below zero.
func (r *RateLimiter) Refund(ctx context.Context, userID string, kind model.CounterKind, amount float64) error {
	if amount <= 0 {
		return nil
	}
	_, err := r.repo.Increment(ctx, userID, kind, -amount, r.now(), false)
	return err
}

// CheckVideoQuota reports whether minutes more of video processing are allowed today.
func (r *RateLimiter) CheckVideoQuota(ctx context.Context, userID string, minutes float64) error {
	return r.CheckN(ctx, userID, model.CounterVideoMinutes, minutes)
}

// CheckStorageQuota reports whether bytes more of storage are allowed.
func (r *RateLimiter) CheckStorageQuota(ctx context.Context, userID string, bytes int64) error {
	return r.CheckN(ctx, userID, model.CounterStorage, float64(bytes))
}

// Usage returns every counter of the user's ledger.
func (r *RateLimiter) Usage(ctx context.Context, userID string) ([]*model.QuotaUsage, error) {
	ledger, err := r.repo.Get(ctx, userID, r.now())
	if err != nil {
		return nil, err
	}
	out := make([]*model.QuotaUsage, 0, len(model.CounterKinds))
	for _, kind := range model.CounterKinds {
		u := &model.QuotaUsage{Kind: kind.String(), Used: ledger.Usage(kind), Limit: ledger.Limit(kind)}
		if kind.Windowed() {
			resetAt := ledger.ResetAt(kind).Add(kind.Window())
			u.ResetAt = &resetAt
		}
		out = append(out, u)
	}
	return out, nil
}
