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

package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/jaycherian/media-vector-search/internal/core/model"
)

// SearchRouter registers POST /search.
func (h *Handlers) SearchRouter(r *gin.RouterGroup) {
	r.POST("/search", h.search)
}

func (h *Handlers) search(c *gin.Context) {
	var req model.SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, badRequest("invalid search request: %v", err))
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		abortWithError(c, badRequest("query is required"))
		return
	}
	if req.Limit < 0 {
		abortWithError(c, badRequest("limit must not be negative"))
		return
	}
	if req.MinSimilarity != nil && (*req.MinSimilarity < 0 || *req.MinSimilarity > 1) {
		abortWithError(c, badRequest("min_similarity must be between 0 and 1"))
		return
	}

	ctx := c.Request.Context()
	userID := callerOf(c).UserID
	if h.Limiter != nil {
		if err := h.Limiter.Acquire(ctx, userID, model.CounterSearch, 1); err != nil {
			abortWithError(c, err)
			return
		}
	}
	resp, err := h.Search.Search(ctx, userID, &req)
	if err != nil {
		if h.Limiter != nil {
			if rerr := h.Limiter.Refund(ctx, userID, model.CounterSearch, 1); rerr != nil {
				slog.WarnContext(ctx, "failed to refund search quota", "user", userID, "error", rerr)
			}
		}
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
