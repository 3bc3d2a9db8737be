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
	"log/slog"

	"github.com/jaycherian/media-vector-search/internal/cloud"
	"github.com/jaycherian/media-vector-search/internal/core/cor"
)

// MediaTopic is the subscription receiving bucket notifications for new uploads.
const MediaTopic = "MediaTopic"

// SetupListeners attaches the media trigger to the bucket notification
// subscription and starts receiving until ctx is cancelled.
//
// Inputs:
//   - ctx: The application's root context.
//   - config: Names the subscriptions under topic_subscriptions.
//   - cloudClients: Holds the listeners built for every configured subscription.
//   - trigger: Submits embedding tasks for stored media that has none.
func SetupListeners(ctx context.Context, config *cloud.Config, cloudClients *cloud.ServiceClients, trigger cor.Command) {
	listener, ok := cloudClients.PubSubListeners[MediaTopic]
	if !ok {
		if _, configured := config.TopicSubscriptions[MediaTopic]; configured {
			slog.Warn("media topic configured but pubsub is unavailable", "subscription", config.TopicSubscriptions[MediaTopic].Name)
		}
		return
	}
	listener.SetCommand(trigger)
	listener.Listen(ctx)
}
