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

// Package postgres implements the repository ports on PostgreSQL. Vectors live
// in pgvector columns and are searched by cosine distance through HNSW
// indexes.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jaycherian/media-vector-search/internal/core/model"
	"github.com/jaycherian/media-vector-search/internal/core/repository"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Options tunes the connection pool.
type Options struct {
	MaxOpenConns int
	MaxIdleConns int
}

// Open connects to dsn.
func Open(dsn string, opts Options) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if opts.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	}
	return db, nil
}

// Migrate creates the vector extension, the tables and the vector indexes.
// It is safe to run repeatedly.
func Migrate(ctx context.Context, db *gorm.DB) error {
	tx := db.WithContext(ctx)
	if err := tx.Exec(StmtCreateExtension).Error; err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}
	if err := tx.AutoMigrate(
		&model.MediaItem{},
		&model.VideoSegmentEmbedding{},
		&model.RateLimitLedger{},
		&model.QueryEmbeddingCacheEntry{},
	); err != nil {
		return fmt.Errorf("failed to migrate tables: %w", err)
	}
	for _, stmt := range []string{StmtMediaVectorIndex, StmtSegmentVectorIndex, StmtSegmentMediaFK} {
		if err := tx.Exec(stmt).Error; err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	slog.InfoContext(ctx, "database migrated")
	return nil
}

// NewStore builds every repository on db.
func NewStore(db *gorm.DB, limits model.QuotaLimits) *repository.Store {
	return &repository.Store{
		Media:    NewMediaRepository(db),
		Segments: NewSegmentRepository(db),
		Vectors:  NewVectorIndex(db),
		Quotas:   NewQuotaRepository(db, limits),
		Cache:    NewQueryCacheRepository(db),
		Close: func() error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		},
	}
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return repository.ErrNotFound
	}
	return err
}
