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
	"net/http"

	"github.com/gin-gonic/gin"
)

// Dashboard registers the per-user statistics and quota routes.
//
// Inputs:
//   - r: The /api/v1 router group.
//
// Outputs:
//   - GET /stats returns media counts, storage use and the embedding task summary.
//   - GET /quota returns every counter of the caller's rate limit ledger.
func (h *Handlers) Dashboard(r *gin.RouterGroup) {
	stats := r.Group("/stats")
	{
		stats.GET("", func(c *gin.Context) {
			caller := callerOf(c)
			media, err := h.Media.Stats(c.Request.Context(), caller.UserID)
			if err != nil {
				abortWithError(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{
				"media": media,
				"tasks": h.registry().Summary(caller.UserID),
			})
		})
	}

	r.GET("/quota", func(c *gin.Context) {
		if h.Limiter == nil {
			c.JSON(http.StatusOK, gin.H{"quotas": []any{}})
			return
		}
		usage, err := h.Limiter.Usage(c.Request.Context(), callerOf(c).UserID)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"quotas": usage})
	})
}
