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
	"fmt"
	"log/slog"

	"cloud.google.com/go/bigquery"
	credentials "cloud.google.com/go/iam/credentials/apiv1"
	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"google.golang.org/genai"
)

// ServiceClients holds every Google Cloud client of the process. Clients that
// need a project id are left nil when none is configured.
type ServiceClients struct {
	StorageClient   *storage.Client
	PubsubClient    *pubsub.Client
	GenAIClient     *genai.Client
	BigQueryClient  *bigquery.Client
	IAMClient       *credentials.IamCredentialsClient
	ObjectStore     *GCSObjectStore
	PubSubListeners map[string]*PubSubListener
	AgentModels     map[string]*QuotaAwareGenerativeAIModel
}

// Close releases every client that was created.
func (c *ServiceClients) Close() {
	if c.StorageClient != nil {
		_ = c.StorageClient.Close()
	}
	if c.PubsubClient != nil {
		_ = c.PubsubClient.Close()
	}
	if c.BigQueryClient != nil {
		_ = c.BigQueryClient.Close()
	}
	if c.IAMClient != nil {
		_ = c.IAMClient.Close()
	}
}

// NewCloudServiceClients creates the clients described by config.
func NewCloudServiceClients(ctx context.Context, config *Config) (cloud *ServiceClients, err error) {
	cloud = &ServiceClients{
		PubSubListeners: make(map[string]*PubSubListener),
		AgentModels:     make(map[string]*QuotaAwareGenerativeAIModel),
	}
	defer func() {
		if err != nil {
			cloud.Close()
		}
	}()

	if cloud.StorageClient, err = storage.NewClient(ctx); err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	if config.Application.SignerServiceAccountEmail != "" {
		if cloud.IAMClient, err = credentials.NewIamCredentialsClient(ctx); err != nil {
			return nil, fmt.Errorf("failed to create IAM credentials client: %w", err)
		}
	}
	cloud.ObjectStore = NewGCSObjectStore(cloud.StorageClient, cloud.IAMClient, config.Storage.Bucket, config.Application.SignerServiceAccountEmail)

	projectID := config.Application.GoogleProjectId
	if projectID == "" {
		slog.Warn("no google project id configured; pubsub, bigquery and generative models are disabled")
		return cloud, nil
	}

	if cloud.PubsubClient, err = pubsub.NewClient(ctx, projectID); err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	if cloud.BigQueryClient, err = bigquery.NewClient(ctx, projectID); err != nil {
		return nil, fmt.Errorf("failed to create bigquery client: %w", err)
	}
	cloud.GenAIClient, err = genai.NewClient(ctx, &genai.ClientConfig{
		Project:  projectID,
		Location: config.Application.GoogleLocation,
		Backend:  genai.BackendVertexAI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	for subKey, values := range config.TopicSubscriptions {
		listener, err := NewPubSubListener(cloud.PubsubClient, values.Name, nil)
		if err != nil {
			return nil, err
		}
		cloud.PubSubListeners[subKey] = listener
	}

	for amKey, values := range config.AgentModels {
		modelConfig := &genai.GenerateContentConfig{
			Temperature:       genai.Ptr[float32](values.Temperature),
			TopP:              genai.Ptr[float32](values.TopP),
			TopK:              genai.Ptr[float32](values.TopK),
			MaxOutputTokens:   values.MaxTokens,
			SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: values.SystemInstructions}}},
			SafetySettings:    DefaultSafetySettings,
			ResponseMIMEType:  values.OutputFormat,
		}
		cloud.AgentModels[amKey] = NewQuotaAwareModel(modelConfig, values.Model, cloud.GenAIClient.Models, values.RateLimit)
		slog.Info("configured agent model", "name", amKey, "model", values.Model)
	}

	return cloud, nil
}
