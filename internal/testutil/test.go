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

// Package testutil provides configuration helpers, sample payloads and fakes
// for the external systems (ffmpeg, object storage, the embedding vendor) so
// the pipelines can be exercised in unit tests.
package testutil

import (
	"log"
	"os"
	"sync"
	"testing"

	"github.com/jaycherian/media-vector-search/internal/cloud"
)

// StateManager caches the test configuration so it is loaded once per run.
type StateManager struct {
	once   sync.Once
	config *cloud.Config
}

var state = &StateManager{}

// HandleErr fails the test when err is not nil.
func HandleErr(err error, t *testing.T) {
	t.Helper()
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

// GetTestUploadNotificationText simulates the Pub/Sub notification sent when
// an object is finalized under a user's upload prefix.
func GetTestUploadNotificationText() string {
	return `{
  "kind": "storage#object",
  "id": "media-vector-search/users/alice/uploads/trip/src-1/beach.jpg/1728615848664286",
  "name": "users/alice/uploads/trip/src-1/beach.jpg",
  "bucket": "media-vector-search",
  "generation": "1728615848664286",
  "metageneration": "1",
  "contentType": "image/jpeg",
  "timeCreated": "2024-10-11T03:04:08.672Z",
  "updated": "2024-10-11T03:04:08.672Z",
  "storageClass": "STANDARD",
  "size": "348037",
  "md5Hash": "67c1rAU+1RYZzK5zp8iBkA==",
  "crc32c": "IYeSTw==",
  "etag": "CN658+yrhYkDEAE="
}`
}

// SetupOS points the configuration loader at the test configuration files.
func SetupOS() (err error) {
	if err = os.Setenv(cloud.EnvConfigFilePrefix, "configs"); err != nil {
		return err
	}
	return os.Setenv(cloud.EnvConfigRuntime, "test")
}

// GetConfig loads the test configuration once and returns the cached copy.
func GetConfig() *cloud.Config {
	state.once.Do(func() {
		if err := SetupOS(); err != nil {
			log.Fatalf("failed to setup environment for test: %v\n", err)
		}
		config := cloud.NewConfig()
		if err := cloud.LoadConfig(config); err != nil {
			log.Fatalf("failed to load test configuration: %v\n", err)
		}
		state.config = config
	})
	return state.config
}

// TestConfig returns a fresh default configuration with every file path
// redirected into dir and persistence intervals disabled.
func TestConfig(dir string) *cloud.Config {
	config := cloud.NewConfig()
	config.Storage.TempDir = dir
	config.Orchestrator.TaskRegistryPath = ""
	config.Orchestrator.PersistInterval = 0
	config.Orchestrator.Annotate = false
	config.Ingestion.OrphanLedgerPath = ""
	config.Persistence.ProgressSnapshotPath = ""
	config.Vendor.PollInterval = 0
	return config
}
