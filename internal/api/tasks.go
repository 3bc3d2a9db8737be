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
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jaycherian/media-vector-search/internal/core/model"
	"github.com/jaycherian/media-vector-search/internal/core/services"
	"github.com/jaycherian/media-vector-search/internal/core/tasks"
)

// TaskRouter registers the embedding task lookups.
func (h *Handlers) TaskRouter(r *gin.RouterGroup) {
	t := r.Group("/tasks")
	{
		t.GET("", h.listTasks)
		t.GET("/:id", h.getTask)
	}
}

func (h *Handlers) getTask(c *gin.Context) {
	task, ok := h.registry().Get(c.Param("id"))
	if !ok {
		abortWithError(c, tasks.ErrTaskNotFound)
		return
	}
	if !callerOf(c).Owns(task.UserID) {
		abortWithError(c, services.ErrForbidden)
		return
	}
	c.JSON(http.StatusOK, task)
}

// listTasks returns the caller's tasks, optionally narrowed by status and
// session, with a summary over all of the caller's tasks.
func (h *Handlers) listTasks(c *gin.Context) {
	caller := callerOf(c)
	status := model.TaskStatus(c.Query("status"))
	switch status {
	case "", model.TaskPending, model.TaskRunning, model.TaskDone, model.TaskFailed:
	default:
		abortWithError(c, badRequest("unknown status %q", status))
		return
	}
	filter := tasks.Filter{UserID: caller.UserID, Status: status, SessionID: c.Query("session_id")}
	list := h.registry().List(filter)
	if limit, err := strconv.Atoi(c.DefaultQuery("limit", "100")); err == nil && limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	c.JSON(http.StatusOK, gin.H{
		"summary": h.registry().Summary(caller.UserID),
		"tasks":   list,
	})
}
