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

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jaycherian/media-vector-search/internal/api"
	"github.com/jaycherian/media-vector-search/internal/cloud"
	"github.com/jaycherian/media-vector-search/internal/core/commands"
	"github.com/jaycherian/media-vector-search/internal/core/media"
	"github.com/jaycherian/media-vector-search/internal/core/model"
	"github.com/jaycherian/media-vector-search/internal/core/progress"
	"github.com/jaycherian/media-vector-search/internal/core/repository"
	bqindex "github.com/jaycherian/media-vector-search/internal/core/repository/bigquery"
	"github.com/jaycherian/media-vector-search/internal/core/repository/memory"
	"github.com/jaycherian/media-vector-search/internal/core/repository/postgres"
	"github.com/jaycherian/media-vector-search/internal/core/services"
	"github.com/jaycherian/media-vector-search/internal/core/tasks"
	"github.com/jaycherian/media-vector-search/internal/core/vendor"
	"github.com/jaycherian/media-vector-search/internal/core/workflow"
)

// TaggerModel is the agent model used for titles, descriptions and tags.
const TaggerModel = "tagger"

// sessionRetention bounds how long the last event of a finished upload session is kept.
const sessionRetention = 24 * time.Hour

type StateManager struct {
	config       *cloud.Config
	cloud        *cloud.ServiceClients
	store        *repository.Store
	registry     *tasks.Registry
	broker       *progress.Broker
	orphans      *workflow.OrphanLedger
	orchestrator *workflow.EmbeddingOrchestrator
	handlers     *api.Handlers
	persisted    <-chan struct{}
}

var state = &StateManager{}

// SetupOS defaults the configuration directory and runtime unless the
// environment already names them.
func SetupOS() (err error) {
	if os.Getenv(cloud.EnvConfigFilePrefix) == "" {
		if err = os.Setenv(cloud.EnvConfigFilePrefix, "configs"); err != nil {
			return err
		}
	}
	if os.Getenv(cloud.EnvConfigRuntime) == "" {
		err = os.Setenv(cloud.EnvConfigRuntime, "local")
	}
	return err
}

func GetConfig() (*cloud.Config, error) {
	if state.config == nil {
		if err := cloud.LoadDotEnv(); err != nil {
			return nil, fmt.Errorf("failed to load .env: %w", err)
		}
		if err := SetupOS(); err != nil {
			return nil, fmt.Errorf("failed to setup os: %w", err)
		}
		config := cloud.NewConfig()
		if err := cloud.LoadConfig(config); err != nil {
			return nil, err
		}
		cloud.ApplyEnvOverrides(config)
		state.config = config
	}
	return state.config, nil
}

// quotaLimits converts the configured defaults into ledger maxima.
func quotaLimits(in cloud.RateLimits) model.QuotaLimits {
	return model.QuotaLimits{
		APICallsPerMinute:  in.APICallsPerMinute,
		SearchesPerHour:    in.SearchesPerHour,
		UploadsPerDay:      in.UploadsPerDay,
		VideoMinutesPerDay: in.VideoMinutesPerDay,
		StorageBytes:       in.StorageBytes,
	}
}

// openStore picks the relational backend (PostgreSQL, or memory without a
// DSN) and swaps in the BigQuery index or mirror when configured.
func openStore(ctx context.Context, config *cloud.Config, clients *cloud.ServiceClients) (*repository.Store, error) {
	limits := quotaLimits(config.RateLimits)

	var store *repository.Store
	if config.Database.DSN == "" {
		slog.Warn("no database dsn configured, using the in-memory store")
		store = memory.NewStore(limits).Repositories()
	} else {
		db, err := postgres.Open(config.Database.DSN, postgres.Options{
			MaxOpenConns: config.Database.MaxOpenConns,
			MaxIdleConns: config.Database.MaxIdleConns,
		})
		if err != nil {
			return nil, err
		}
		if config.Database.AutoMigrate {
			if err := postgres.Migrate(ctx, db); err != nil {
				return nil, err
			}
		}
		store = postgres.NewStore(db, limits)
	}

	bq := config.BigQueryDataSource
	useBigQuery := config.Database.VectorBackend == cloud.VectorBackendBigQuery
	if !useBigQuery && !bq.Mirror {
		return store, nil
	}
	if clients.BigQueryClient == nil {
		return nil, errors.New("bigquery is configured but no google project id is set")
	}
	index := bqindex.NewIndex(clients.BigQueryClient, bq.DatasetName, bq.MediaTable, bq.SegmentTable)
	if useBigQuery {
		store.Vectors = index
		slog.Info("using bigquery vector search", "dataset", bq.DatasetName)
	}
	if bq.Mirror {
		store.Mirror = index
		slog.Info("mirroring vectors to bigquery", "dataset", bq.DatasetName)
	}
	return store, nil
}

// newAnnotator returns the tag generator when the tagger model is configured.
func newAnnotator(config *cloud.Config, clients *cloud.ServiceClients) commands.Annotator {
	tagger, ok := clients.AgentModels[TaggerModel]
	if !ok || !config.Orchestrator.Annotate {
		return nil
	}
	generator, err := services.NewTagGenerator(tagger, config.PromptTemplates.TagPrompt, clients.ObjectStore.URI)
	if err != nil {
		slog.Error("tag generator disabled", "error", err)
		return nil
	}
	return generator
}

// InitState creates every client, repository and workflow, restores the
// persisted registry, progress and orphan state, and starts the background
// workers. Listeners are started separately by SetupListeners.
func InitState(ctx context.Context) error {
	config, err := GetConfig()
	if err != nil {
		return err
	}

	clients, err := cloud.NewCloudServiceClients(ctx, config)
	if err != nil {
		return err
	}
	state.cloud = clients

	if state.store, err = openStore(ctx, config, clients); err != nil {
		return err
	}

	if dir := config.Storage.TempDir; dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create temp dir: %w", err)
		}
	}
	for _, path := range []string{config.Orchestrator.TaskRegistryPath, config.Persistence.ProgressSnapshotPath, config.Ingestion.OrphanLedgerPath} {
		if path != "" {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return fmt.Errorf("failed to create state dir: %w", err)
			}
		}
	}

	state.registry = tasks.NewRegistry(config.Orchestrator.TaskRegistryPath)
	if err := state.registry.Load(); err != nil {
		return fmt.Errorf("failed to load task registry: %w", err)
	}
	state.broker = progress.NewBroker(config.Persistence.HeartbeatInterval, config.Persistence.ProgressSnapshotPath)
	if err := state.broker.Load(); err != nil {
		slog.Warn("failed to load progress snapshots", "error", err)
	}
	state.orphans = workflow.NewOrphanLedger(config.Ingestion.OrphanLedgerPath)
	if err := state.orphans.Load(); err != nil {
		slog.Warn("failed to load orphan ledger", "error", err)
	}

	v := config.Vendor
	vendorClient := vendor.NewHTTPClient(v.BaseURL, v.APIKey, v.Model, v.RequestsPerSecond, v.Burst, v.RequestTimeout)
	tracker := progress.NewSessionTracker(state.broker)
	limiter := services.NewRateLimiter(state.store.Quotas)

	state.orchestrator = workflow.NewEmbeddingOrchestrator(config, workflow.EmbeddingDependencies{
		Registry:  state.registry,
		Broker:    state.broker,
		Tracker:   tracker,
		Vendor:    vendorClient,
		Storage:   clients.ObjectStore,
		Media:     state.store.Media,
		Segments:  state.store.Segments,
		Mirror:    state.store.Mirror,
		Annotator: newAnnotator(config, clients),
	})
	uploads := workflow.NewUploadWorkflow(config, workflow.UploadDependencies{
		Runner:    media.ExecRunner{},
		Storage:   clients.ObjectStore,
		Media:     state.store.Media,
		Limiter:   limiter,
		Submitter: state.orchestrator,
		Orphans:   state.orphans,
		Broker:    state.broker,
		Tracker:   tracker,
	})
	cache := services.NewQueryCache(state.store.Cache, vendorClient, config.Search.GlobalCache)

	state.handlers = &api.Handlers{
		Config:       config,
		Uploads:      uploads,
		Orchestrator: state.orchestrator,
		Broker:       state.broker,
		Search: services.NewSearchService(cache, state.store.Vectors, state.store.Media, services.SearchOptions{
			DefaultLimit:  config.Search.DefaultLimit,
			MaxLimit:      config.Search.MaxLimit,
			MinSimilarity: config.Search.MinSimilarity,
			LaneTimeout:   config.Search.LaneTimeout,
		}),
		Media: &services.MediaService{
			Media:     state.store.Media,
			Segments:  state.store.Segments,
			Storage:   clients.ObjectStore,
			Limiter:   limiter,
			SignedTTL: config.Storage.SignedURLTTL,
		},
		Limiter: limiter,
	}

	state.orchestrator.Start(ctx)
	if interval := config.Orchestrator.PersistInterval; interval > 0 {
		state.persisted = state.registry.StartAutoPersist(ctx, interval)
	}
	if interval := config.Ingestion.OrphanSweepInterval; interval > 0 {
		workflow.NewOrphanSweeper(state.orphans, clients.ObjectStore).StartTimer(ctx, interval)
	}
	go forgetSessions(ctx, state.broker)

	SetupListeners(ctx, config, clients, workflow.NewMediaTriggerWorkflow(state.store.Media, state.orchestrator))
	return nil
}

func forgetSessions(ctx context.Context, broker *progress.Broker) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := broker.Forget(sessionRetention); n > 0 {
				slog.Info("forgot finished progress sessions", "count", n)
			}
		}
	}
}

// ShutdownState stops the workers after in-flight jobs and writes every
// piece of persisted state. The root context must already be cancelled, so
// the auto-persist loop may have written before the last jobs finished; the
// registry is written once more after the workers are gone.
func ShutdownState() {
	if state.persisted != nil {
		<-state.persisted
	}
	if state.orchestrator != nil {
		state.orchestrator.Stop()
	} else if state.registry != nil {
		if err := state.registry.Persist(); err != nil {
			slog.Error("failed to persist task registry", "error", err)
		}
	}
	if state.broker != nil {
		if err := state.broker.Persist(); err != nil {
			slog.Error("failed to persist progress snapshots", "error", err)
		}
	}
	if state.orphans != nil {
		if err := state.orphans.Persist(); err != nil {
			slog.Error("failed to persist orphan ledger", "error", err)
		}
	}
	if state.store != nil && state.store.Close != nil {
		if err := state.store.Close(); err != nil {
			slog.Error("failed to close store", "error", err)
		}
	}
	if state.cloud != nil {
		state.cloud.Close()
	}
}
