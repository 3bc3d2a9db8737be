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
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/jaycherian/media-vector-search/internal/core/model"
	"github.com/jaycherian/media-vector-search/internal/core/services"
)

// Headers set by the authenticating gateway in front of the service.
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
	RoleAdmin      = "admin"

	callerKey = "caller"
)

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

// Authenticate rejects requests without a user id with 401 and stores the
// caller on the gin context.
func Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader(HeaderUserID))
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing " + HeaderUserID + " header"})
			return
		}
		c.Set(callerKey, services.Caller{
			UserID: userID,
			Admin:  strings.EqualFold(c.GetHeader(HeaderUserRole), RoleAdmin),
		})
		c.Next()
	}
}

// APICallQuota charges one api call per request against the per-minute budget.
func (h *Handlers) APICallQuota() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.Limiter == nil {
			c.Next()
			return
		}
		caller := callerOf(c)
		if err := h.Limiter.Acquire(c.Request.Context(), caller.UserID, model.CounterAPICall, 1); err != nil {
			if statusFor(err) != http.StatusTooManyRequests {
				slog.ErrorContext(c.Request.Context(), "api call quota check failed", "user", caller.UserID, "error", err)
			}
			abortWithError(c, err)
			return
		}
		c.Next()
	}
}

func callerOf(c *gin.Context) services.Caller {
	if v, ok := c.Get(callerKey); ok {
		if caller, ok := v.(services.Caller); ok {
			return caller
		}
	}
	return services.Caller{}
}
