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

// Package api exposes the upload, progress, task, search and media routes of
// the service under a gin router group.
package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jaycherian/media-vector-search/internal/cloud"
	"github.com/jaycherian/media-vector-search/internal/core/progress"
	"github.com/jaycherian/media-vector-search/internal/core/repository"
	"github.com/jaycherian/media-vector-search/internal/core/services"
	"github.com/jaycherian/media-vector-search/internal/core/tasks"
	"github.com/jaycherian/media-vector-search/internal/core/workflow"
)

// Handlers holds the collaborators every route needs.
type Handlers struct {
	Config       *cloud.Config
	Uploads      *workflow.UploadWorkflow
	Orchestrator *workflow.EmbeddingOrchestrator
	Broker       *progress.Broker
	Search       *services.SearchService
	Media        *services.MediaService
	Limiter      *services.RateLimiter
}

// Register mounts every route on r, behind the authentication and API-call
// quota middleware.
func (h *Handlers) Register(r *gin.RouterGroup) {
	r.Use(Authenticate(), h.APICallQuota())
	h.UploadRouter(r)
	h.ProgressRouter(r)
	h.TaskRouter(r)
	h.SearchRouter(r)
	h.MediaRouter(r)
	h.Dashboard(r)
}

func (h *Handlers) registry() *tasks.Registry {
	return h.Orchestrator.Registry()
}

// statusFor maps the service errors onto HTTP status codes.
func statusFor(err error) int {
	var quotaErr *services.QuotaError
	switch {
	case errors.As(err, &quotaErr):
		return http.StatusTooManyRequests
	case errors.Is(err, errBadRequest), errors.Is(err, workflow.ErrInvalidUpload):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, tasks.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, workflow.ErrTaskRunning), errors.Is(err, workflow.ErrTaskQueued):
		return http.StatusConflict
	case errors.Is(err, workflow.ErrQueueFull), errors.Is(err, workflow.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// abortWithError writes the error body and stops the handler chain. Quota
// errors carry the counter kind and a Retry-After header.
func abortWithError(c *gin.Context, err error) {
	status := statusFor(err)
	body := gin.H{"error": err.Error()}

	var quotaErr *services.QuotaError
	if errors.As(err, &quotaErr) {
		body["limit_kind"] = quotaErr.Kind.String()
		body["limit"] = quotaErr.Limit
		body["used"] = quotaErr.Used
		if quotaErr.RetryAfter > 0 {
			seconds := int(quotaErr.RetryAfter.Seconds())
			c.Header("Retry-After", strconv.Itoa(seconds))
			body["retry_after_seconds"] = seconds
		}
	}
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(status, body)
}
