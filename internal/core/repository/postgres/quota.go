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

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/jaycherian/media-vector-search/internal/core/model"
	"github.com/jaycherian/media-vector-search/internal/core/repository"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var _ repository.QuotaRepository = (*QuotaRepository)(nil)

// QuotaRepository keeps ledgers in rate_limit_ledgers. Every counter update is
// a single `counter = counter + delta` statement, so concurrent requests never
// lose increments.
type QuotaRepository struct {
	db     *gorm.DB
	limits model.QuotaLimits
}

func NewQuotaRepository(db *gorm.DB, limits model.QuotaLimits) *QuotaRepository {
	return &QuotaRepository{db: db, limits: limits}
}

func (r *QuotaRepository) ensure(tx *gorm.DB, userID string, now time.Time) error {
	ledger := model.NewRateLimitLedger(userID, r.limits, now)
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(ledger).Error
}

func resetIfExpired(tx *gorm.DB, userID string, kind model.CounterKind, now time.Time) error {
	stmts := counterSQL[kind]
	if stmts.reset == "" {
		return nil
	}
	return tx.Exec(stmts.reset, map[string]interface{}{
		"user":   userID,
		"now":    now,
		"cutoff": now.Add(-kind.Window()),
	}).Error
}

func (r *QuotaRepository) Get(ctx context.Context, userID string, now time.Time) (*model.RateLimitLedger, error) {
	var ledger model.RateLimitLedger
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := r.ensure(tx, userID, now); err != nil {
			return err
		}
		for _, kind := range model.CounterKinds {
			if err := resetIfExpired(tx, userID, kind, now); err != nil {
				return err
			}
		}
		return tx.First(&ledger, "user_id = ?", userID).Error
	})
	if err != nil {
		return nil, notFound(err)
	}
	return &ledger, nil
}

func (r *QuotaRepository) Increment(ctx context.Context, userID string, kind model.CounterKind, delta float64, now time.Time, guarded bool) (bool, error) {
	stmts, ok := counterSQL[kind]
	if !ok {
		return false, fmt.Errorf("unknown counter kind %d", kind)
	}
	stmt := stmts.increment
	if guarded && delta > 0 {
		stmt = stmts.guarded
	}
	var amount interface{} = int64(math.Round(delta))
	if kind == model.CounterVideoMinutes {
		amount = delta
	}

	applied := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := r.ensure(tx, userID, now); err != nil {
			return err
		}
		if err := resetIfExpired(tx, userID, kind, now); err != nil {
			return err
		}
		res := tx.Exec(stmt, map[string]interface{}{"user": userID, "delta": amount, "now": now})
		if res.Error != nil {
			return res.Error
		}
		applied = res.RowsAffected == 1
		return nil
	})
	return applied, err
}
