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

// Package cli implements mediactl, the operator tool for the media vector
// search service: schema migration, orphan sweeps, chunk plans and task
// registry inspection.
package cli

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/storage"
	"github.com/jaycherian/media-vector-search/internal/cloud"
	"github.com/jaycherian/media-vector-search/internal/core/repository/postgres"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

// Env supplies the configuration and the external systems to the commands.
type Env struct {
	LoadConfig   func() (*cloud.Config, error)
	OpenStorage  func(ctx context.Context, config *cloud.Config) (cloud.ObjectStore, func(), error)
	OpenDatabase func(config *cloud.Config) (*gorm.DB, error)

	config *cloud.Config
}

// DefaultEnv loads the service configuration the way the server does and
// talks to the real bucket and database.
func DefaultEnv() *Env {
	return &Env{
		LoadConfig: func() (*cloud.Config, error) {
			if err := cloud.LoadDotEnv(); err != nil {
				return nil, err
			}
			config := cloud.NewConfig()
			if err := cloud.LoadConfig(config); err != nil {
				return nil, err
			}
			cloud.ApplyEnvOverrides(config)
			return config, nil
		},
		OpenStorage: func(ctx context.Context, config *cloud.Config) (cloud.ObjectStore, func(), error) {
			if config.Storage.Bucket == "" {
				return nil, nil, errors.New("storage.bucket is not configured")
			}
			client, err := storage.NewClient(ctx)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to create storage client: %w", err)
			}
			store := cloud.NewGCSObjectStore(client, nil, config.Storage.Bucket, "")
			return store, func() { _ = client.Close() }, nil
		},
		OpenDatabase: func(config *cloud.Config) (*gorm.DB, error) {
			if config.Database.DSN == "" {
				return nil, errors.New("database.dsn is not configured")
			}
			return postgres.Open(config.Database.DSN, postgres.Options{MaxOpenConns: 1, MaxIdleConns: 1})
		},
	}
}

// Config returns the configuration loaded before the command ran.
func (e *Env) Config() *cloud.Config {
	return e.config
}

// NewRootCommand builds mediactl with every subcommand.
func NewRootCommand(env *Env) *cobra.Command {
	root := &cobra.Command{
		Use:           "mediactl",
		Short:         "Operate the media vector search service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if env.config != nil {
				return nil
			}
			config, err := env.LoadConfig()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			env.config = config
			return nil
		},
	}
	root.AddCommand(
		newMigrateCommand(env),
		newSweepCommand(env),
		newPlanCommand(env),
		newTasksCommand(env),
	)
	return root
}
