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

package commands

import (
	"log/slog"

	"github.com/jaycherian/media-vector-search/internal/core/cor"
	"github.com/jaycherian/media-vector-search/internal/core/model"
	"github.com/jaycherian/media-vector-search/internal/core/services"
)

// CheckVideoQuota rejects a video whose minutes would exceed the user's
// daily allowance. It only reads the ledger; ConsumeQuota charges it once the
// file is registered.
type CheckVideoQuota struct {
	cor.BaseCommand
	limiter *services.RateLimiter
}

func NewCheckVideoQuota(name string, limiter *services.RateLimiter) *CheckVideoQuota {
	return &CheckVideoQuota{BaseCommand: *cor.NewBaseCommand(name), limiter: limiter}
}

func (c *CheckVideoQuota) Execute(context cor.Context) {
	file := context.Get(c.GetInputParam()).(*model.UploadFile)
	duration, _ := cor.Value[float64](context, ParamDuration)

	if file.Kind == model.MediaKindVideo {
		req := context.Get(ParamUpload).(*model.UploadRequest)
		if err := c.limiter.CheckVideoQuota(context.GetContext(), req.UserID, duration/60); err != nil {
			c.Fail(context, err)
			return
		}
	}

	c.Succeed(context)
	context.Add(c.GetOutputParam(), file)
}

// ConsumeQuota charges the video minutes and stored bytes of a registered
// file. The rows already exist, so a ledger failure is logged only.
type ConsumeQuota struct {
	cor.BaseCommand
	limiter *services.RateLimiter
}

func NewConsumeQuota(name string, limiter *services.RateLimiter) *ConsumeQuota {
	return &ConsumeQuota{BaseCommand: *cor.NewBaseCommand(name), limiter: limiter}
}

func (c *ConsumeQuota) Execute(context cor.Context) {
	items := context.Get(c.GetInputParam()).([]*model.MediaItem)
	req := context.Get(ParamUpload).(*model.UploadRequest)
	file := context.Get(ParamUploadFile).(*model.UploadFile)
	duration, _ := cor.Value[float64](context, ParamDuration)
	ctx := context.GetContext()

	var bytes int64
	for _, item := range items {
		bytes += item.SizeBytes
	}
	if file.Kind == model.MediaKindVideo && duration > 0 {
		if err := c.limiter.Consume(ctx, req.UserID, model.CounterVideoMinutes, duration/60); err != nil {
			slog.WarnContext(ctx, "failed to charge video minutes", "user", req.UserID, "error", err)
		}
	}
	if bytes > 0 {
		if err := c.limiter.Consume(ctx, req.UserID, model.CounterStorage, float64(bytes)); err != nil {
			slog.WarnContext(ctx, "failed to charge storage", "user", req.UserID, "error", err)
		}
	}

	c.Succeed(context)
	context.Add(c.GetOutputParam(), items)
}
