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

package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/metric"
	"google.golang.org/genai"
)

const (
	ConfigFileBaseName  = ".env"
	ConfigFileExtension = ".toml"
	ConfigSeparator     = "."
	EnvConfigFilePrefix = "GCP_CONFIG_PREFIX" // directory holding the config files
	EnvConfigRuntime    = "GCP_RUNTIME"       // e.g. local, test, prod
	EnvOverridePrefix   = "MVS"
	MaxRetries          = 3 // per generative model call
)

func fileExists(in string) bool {
	_, err := os.Stat(in)
	return !errors.Is(err, os.ErrNotExist)
}

// LoadDotEnv loads a plain .env file into the process environment. A missing
// file is not an error.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	existing := make([]string, 0, len(paths))
	for _, p := range paths {
		if fileExists(p) {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

// LoadConfig decodes the base file (.env.toml) and then the runtime file
// (.env.<runtime>.toml) onto baseConfig. Both files are optional.
func LoadConfig(baseConfig interface{}) error {
	configurationFilePrefix := os.Getenv(EnvConfigFilePrefix)
	if len(configurationFilePrefix) > 0 && !strings.HasSuffix(configurationFilePrefix, string(os.PathSeparator)) {
		configurationFilePrefix = configurationFilePrefix + string(os.PathSeparator)
	}

	runtimeEnvironment := os.Getenv(EnvConfigRuntime)
	if runtimeEnvironment == "" {
		runtimeEnvironment = "test"
	}

	baseConfigFileName := configurationFilePrefix + ConfigFileBaseName + ConfigFileExtension
	envConfigFileName := configurationFilePrefix + ConfigFileBaseName + ConfigSeparator + runtimeEnvironment + ConfigFileExtension

	for _, name := range []string{baseConfigFileName, envConfigFileName} {
		if !fileExists(name) {
			slog.Debug("configuration file not found, skipping", "file", name)
			continue
		}
		if _, err := toml.DecodeFile(name, baseConfig); err != nil {
			return fmt.Errorf("failed to decode configuration file %s: %w", name, err)
		}
		slog.Info("loaded configuration file", "file", name, "runtime", runtimeEnvironment)
	}
	return nil
}

// ApplyEnvOverrides overlays MVS_* environment variables on top of the file
// configuration, e.g. MVS_DATABASE_DSN or MVS_VENDOR_API_KEY. Only settings
// that usually differ per deployment or carry secrets are exposed.
func ApplyEnvOverrides(config *Config) {
	v := viper.New()
	v.SetEnvPrefix(EnvOverridePrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	str := func(key string, target *string) {
		_ = v.BindEnv(key)
		if v.IsSet(key) {
			*target = v.GetString(key)
		}
	}
	integer := func(key string, target *int) {
		_ = v.BindEnv(key)
		if v.IsSet(key) {
			*target = v.GetInt(key)
		}
	}

	str("application.google_project_id", &config.Application.GoogleProjectId)
	str("application.location", &config.Application.GoogleLocation)
	str("application.http_addr", &config.Application.HTTPAddr)
	str("application.signer_service_account_email", &config.Application.SignerServiceAccountEmail)
	str("storage.bucket", &config.Storage.Bucket)
	str("storage.temp_dir", &config.Storage.TempDir)
	str("database.dsn", &config.Database.DSN)
	str("database.vector_backend", &config.Database.VectorBackend)
	str("vendor.base_url", &config.Vendor.BaseURL)
	str("vendor.api_key", &config.Vendor.APIKey)
	str("vendor.model", &config.Vendor.Model)
	integer("orchestrator.workers", &config.Orchestrator.Workers)

	_ = v.BindEnv("search.min_similarity")
	if v.IsSet("search.min_similarity") {
		config.Search.MinSimilarity = v.GetFloat64("search.min_similarity")
	}
}

// WriteFileAtomic writes data to path through a sibling temp file and a
// rename, so readers never observe a partially written file.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	return os.Rename(name, path)
}

// WriteJSONFile encodes v and writes it atomically.
func WriteJSONFile(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data)
}

// ReadJSONFile decodes path into v. It reports false when the file does not exist.
func ReadJSONFile(path string, v interface{}) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return true, nil
	}
	return true, json.Unmarshal(data, v)
}

// GenerateMultiModalResponse calls the model, records token usage and returns
// the concatenated text with any markdown code fence removed. Retries happen
// inside the model wrapper.
func GenerateMultiModalResponse(
	ctx context.Context,
	inputTokenCounter metric.Int64Counter,
	outputTokenCounter metric.Int64Counter,
	model *QuotaAwareGenerativeAIModel,
	content []*genai.Content) (value string, err error) {
	resp, err := model.GenerateContent(ctx, content)
	if err != nil {
		return "", err
	}
	if resp.UsageMetadata != nil {
		inputTokenCounter.Add(ctx, int64(resp.UsageMetadata.PromptTokenCount))
		outputTokenCounter.Add(ctx, int64(resp.UsageMetadata.CandidatesTokenCount))
	}

	var sb strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate.Content != nil {
			for _, part := range candidate.Content.Parts {
				sb.WriteString(part.Text)
			}
		}
	}
	value = strings.TrimSpace(sb.String())
	value = strings.TrimPrefix(value, "```json")
	value = strings.TrimSuffix(value, "```")
	return strings.TrimSpace(value), nil
}

// NewTextPart wraps plain text as model content.
func NewTextPart(in string) []*genai.Content {
	return genai.Text(in)
}

// NewFileData references a stored object by URI.
func NewFileData(in string, mimeType string) *genai.FileData {
	return &genai.FileData{FileURI: in, MIMEType: mimeType}
}
