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

// Package cloud holds the configuration of the service and the wiring of every
// external client it talks to: object storage, Pub/Sub, BigQuery, IAM signing
// and the generative models used for annotations.
package cloud

import (
	"time"

	"google.golang.org/genai"
)

// DefaultSafetySettings disables blocking so descriptions of ordinary family
// media are never refused.
var DefaultSafetySettings = []*genai.SafetySetting{
	{
		Category:  genai.HarmCategoryDangerousContent,
		Threshold: genai.HarmBlockThresholdBlockNone,
	},
	{
		Category:  genai.HarmCategoryHarassment,
		Threshold: genai.HarmBlockThresholdBlockNone,
	},
	{
		Category:  genai.HarmCategoryHateSpeech,
		Threshold: genai.HarmBlockThresholdBlockNone,
	},
	{
		Category:  genai.HarmCategorySexuallyExplicit,
		Threshold: genai.HarmBlockThresholdBlockNone,
	},
}

// Vector index backends.
const (
	VectorBackendPGVector = "pgvector"
	VectorBackendBigQuery = "bigquery"
)

type Application struct {
	Name                      string        `toml:"name"`
	GoogleProjectId           string        `toml:"google_project_id"`
	GoogleLocation            string        `toml:"location"`
	SignerServiceAccountEmail string        `toml:"signer_service_account_email"` // Used to sign read URLs without a key file.
	HTTPAddr                  string        `toml:"http_addr"`
	AllowedOrigins            []string      `toml:"allowed_origins"`
	LogFile                   string        `toml:"log_file"`
	ShutdownTimeout           time.Duration `toml:"shutdown_timeout"`
}

type Storage struct {
	Bucket       string        `toml:"bucket"`
	SignedURLTTL time.Duration `toml:"signed_url_ttl"`
	TempDir      string        `toml:"temp_dir"` // Spool directory for uploads and chunks.
}

type Database struct {
	DSN           string `toml:"dsn"`
	MaxOpenConns  int    `toml:"max_open_conns"`
	MaxIdleConns  int    `toml:"max_idle_conns"`
	AutoMigrate   bool   `toml:"auto_migrate"`
	VectorBackend string `toml:"vector_backend"` // pgvector or bigquery
}

type BigQueryDataSource struct {
	DatasetName  string `toml:"dataset"`
	MediaTable   string `toml:"media_table"`
	SegmentTable string `toml:"segment_table"`
	// Mirror copies every persisted vector to BigQuery as well.
	Mirror bool `toml:"mirror"`
}

type Vendor struct {
	BaseURL           string        `toml:"base_url"`
	APIKey            string        `toml:"api_key"`
	Model             string        `toml:"model"`
	RequestsPerSecond float64       `toml:"requests_per_second"`
	Burst             int           `toml:"burst"`
	RequestTimeout    time.Duration `toml:"request_timeout"`
	PollInterval      time.Duration `toml:"poll_interval"`
	MaxWait           time.Duration `toml:"max_wait"`
}

type Orchestrator struct {
	Workers          int           `toml:"workers"`
	QueueSize        int           `toml:"queue_size"`
	TaskRegistryPath string        `toml:"task_registry_path"`
	PersistInterval  time.Duration `toml:"persist_interval"`
	Annotate         bool          `toml:"annotate"`
}

type Ingestion struct {
	FFProbePath         string        `toml:"ffprobe_path"`
	FFMpegPath          string        `toml:"ffmpeg_path"`
	VideoLimitMinutes   float64       `toml:"video_limit_minutes"`
	ChunkMinutes        float64       `toml:"chunk_minutes"`
	OverlapSeconds      float64       `toml:"overlap_seconds"`
	MaxFilesPerUpload   int           `toml:"max_files_per_upload"`
	MaxFileBytes        int64         `toml:"max_file_bytes"`
	OrphanLedgerPath    string        `toml:"orphan_ledger_path"`
	OrphanSweepInterval time.Duration `toml:"orphan_sweep_interval"`
}

type Search struct {
	DefaultLimit  int           `toml:"default_limit"`
	MaxLimit      int           `toml:"max_limit"`
	MinSimilarity float64       `toml:"min_similarity"`
	LaneTimeout   time.Duration `toml:"lane_timeout"`
	// GlobalCache makes cache misses store shared entries instead of per-user ones.
	GlobalCache bool `toml:"global_cache"`
}

// RateLimits are the default maxima of new ledgers. Absent values are unlimited.
type RateLimits struct {
	APICallsPerMinute  *int64   `toml:"api_calls_per_minute"`
	SearchesPerHour    *int64   `toml:"searches_per_hour"`
	UploadsPerDay      *int64   `toml:"uploads_per_day"`
	VideoMinutesPerDay *float64 `toml:"video_minutes_per_day"`
	StorageBytes       *int64   `toml:"storage_bytes"`
}

type Persistence struct {
	ProgressSnapshotPath string        `toml:"progress_snapshot_path"`
	HeartbeatInterval    time.Duration `toml:"heartbeat_interval"`
}

type PromptTemplates struct {
	TagPrompt string `toml:"tags"`
}

type VertexAiLLMModel struct {
	Model              string  `toml:"model"`
	SystemInstructions string  `toml:"system_instructions"`
	Temperature        float32 `toml:"temperature"`
	TopP               float32 `toml:"top_p"`
	TopK               float32 `toml:"top_k"`
	MaxTokens          int32   `toml:"max_tokens"`
	OutputFormat       string  `toml:"output_format"`
	RateLimit          int     `toml:"rate_limit"` // requests per second
}

type TopicSubscription struct {
	Name             string `toml:"name"`
	DeadLetterTopic  string `toml:"dead_letter_topic"`
	TimeoutInSeconds int    `toml:"timeout_in_seconds"`
}

// Config is the complete service configuration.
type Config struct {
	Application        Application                  `toml:"application"`
	Storage            Storage                      `toml:"storage"`
	Database           Database                     `toml:"database"`
	BigQueryDataSource BigQueryDataSource           `toml:"big_query_data_source"`
	Vendor             Vendor                       `toml:"vendor"`
	Orchestrator       Orchestrator                 `toml:"orchestrator"`
	Ingestion          Ingestion                    `toml:"ingestion"`
	Search             Search                       `toml:"search"`
	RateLimits         RateLimits                   `toml:"rate_limits"`
	Persistence        Persistence                  `toml:"persistence"`
	PromptTemplates    PromptTemplates              `toml:"prompt_templates"`
	TopicSubscriptions map[string]TopicSubscription `toml:"topic_subscriptions"` // keyed by logical name, e.g. "MediaTopic"
	AgentModels        map[string]VertexAiLLMModel  `toml:"agent_models"`        // keyed by logical name, e.g. "tagger"
}

// NewConfig returns a config with every default filled in. Files and the
// environment only override what they set.
func NewConfig() *Config {
	return &Config{
		Application: Application{
			Name:            "media-vector-search",
			HTTPAddr:        ":8080",
			AllowedOrigins:  []string{"*"},
			LogFile:         "app.log",
			ShutdownTimeout: 30 * time.Second,
		},
		Storage: Storage{
			SignedURLTTL: time.Hour,
		},
		Database: Database{
			MaxOpenConns:  10,
			MaxIdleConns:  5,
			AutoMigrate:   true,
			VectorBackend: VectorBackendPGVector,
		},
		Vendor: Vendor{
			BaseURL:           "https://api.twelvelabs.io/v1.3",
			Model:             "Marengo-retrieval-2.7",
			RequestsPerSecond: 2,
			Burst:             2,
			RequestTimeout:    30 * time.Second,
			PollInterval:      2 * time.Second,
			MaxWait:           30 * time.Minute,
		},
		Orchestrator: Orchestrator{
			Workers:          3,
			QueueSize:        256,
			TaskRegistryPath: "data/embedding_tasks.json",
			PersistInterval:  30 * time.Second,
			Annotate:         true,
		},
		Ingestion: Ingestion{
			FFProbePath:         "ffprobe",
			FFMpegPath:          "ffmpeg",
			VideoLimitMinutes:   120,
			ChunkMinutes:        110,
			OverlapSeconds:      5,
			MaxFilesPerUpload:   50,
			MaxFileBytes:        10 << 30,
			OrphanLedgerPath:    "data/orphans.json",
			OrphanSweepInterval: time.Hour,
		},
		Search: Search{
			DefaultLimit:  20,
			MaxLimit:      100,
			MinSimilarity: 0.30,
			LaneTimeout:   10 * time.Second,
		},
		Persistence: Persistence{
			ProgressSnapshotPath: "data/progress_snapshots.json",
			HeartbeatInterval:    30 * time.Second,
		},
		TopicSubscriptions: make(map[string]TopicSubscription),
		AgentModels:        make(map[string]VertexAiLLMModel),
	}
}

// WorkerCount clamps the configured pool size to 1..8.
func (o Orchestrator) WorkerCount() int {
	switch {
	case o.Workers < 1:
		return 1
	case o.Workers > 8:
		return 8
	default:
		return o.Workers
	}
}
