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
)

// MediaRouter sets up the routes for media retrieval, re-embedding and deletion.
func (h *Handlers) MediaRouter(r *gin.RouterGroup) {
	media := r.Group("/media")
	{
		media.GET("/:id", h.getMedia)
		media.GET("/:id/stream", h.streamMedia)
		media.POST("/:id/embed", h.embedMedia)
		media.DELETE("/:id", h.deleteMedia)
	}
	albums := r.Group("/albums")
	{
		albums.DELETE("/:album", h.deleteAlbum)
	}
}

func (h *Handlers) getMedia(c *gin.Context) {
	item, err := h.Media.Get(c.Request.Context(), callerOf(c), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (h *Handlers) streamMedia(c *gin.Context) {
	url, err := h.Media.StreamURL(c.Request.Context(), callerOf(c), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
}

// embedMedia queues an embedding task for a stored item. An existing task is
// returned as is unless force=true.
func (h *Handlers) embedMedia(c *gin.Context) {
	item, err := h.Media.Get(c.Request.Context(), callerOf(c), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	force := false
	if v := c.Query("force"); v != "" {
		if force, err = strconv.ParseBool(v); err != nil {
			abortWithError(c, badRequest("force must be a boolean"))
			return
		}
	}
	taskID, err := h.Orchestrator.Submit(model.DescriptorFor(item, c.Query("session_id"), 0, 1), force)
	if err != nil {
		abortWithError(c, err)
		return
	}
	task, _ := h.registry().Get(taskID)
	c.JSON(http.StatusAccepted, gin.H{"task_id": taskID, "task": task})
}

func (h *Handlers) deleteMedia(c *gin.Context) {
	id := c.Param("id")
	if err := h.Media.Delete(c.Request.Context(), callerOf(c), id); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": 1, "media_id": id})
}

// deleteAlbum removes the caller's album; admins may name another owner with ?user_id=.
func (h *Handlers) deleteAlbum(c *gin.Context) {
	album := c.Param("album")
	n, err := h.Media.DeleteAlbum(c.Request.Context(), callerOf(c), c.Query("user_id"), album)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n, "album_name": album})
}
