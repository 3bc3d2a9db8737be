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
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jaycherian/media-vector-search/internal/core/model"
)

// UploadRouter registers POST /uploads.
func (h *Handlers) UploadRouter(r *gin.RouterGroup) {
	upload := r.Group("/uploads")
	{
		upload.POST("", h.upload)
	}
}

// upload spools the multipart files to the temp directory and runs the
// ingestion synchronously up to storage. Embedding continues in the
// background; the response carries the session and task ids to follow it.
func (h *Handlers) upload(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		abortWithError(c, badRequest("invalid multipart form: %v", err))
		return
	}
	files := form.File["files"]
	if len(files) == 0 {
		abortWithError(c, badRequest("no files"))
		return
	}
	autoEmbed := true
	if v := c.PostForm("auto_embed"); v != "" {
		if autoEmbed, err = strconv.ParseBool(v); err != nil {
			abortWithError(c, badRequest("auto_embed must be a boolean"))
			return
		}
	}

	spoolDir := h.Config.Storage.TempDir
	if spoolDir == "" {
		spoolDir = os.TempDir()
	}
	if err := os.MkdirAll(spoolDir, 0o755); err != nil {
		abortWithError(c, err)
		return
	}

	req := &model.UploadRequest{
		UserID:    callerOf(c).UserID,
		AlbumName: c.PostForm("album_name"),
		AutoEmbed: autoEmbed,
		SessionID: c.PostForm("session_id"),
		Files:     make([]*model.UploadFile, 0, len(files)),
	}
	// Files the chain never reached (validation or quota refusal) are removed here.
	defer func() {
		for _, f := range req.Files {
			if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
				slog.Warn("failed to remove spooled upload", "path", f.Path, "error", err)
			}
		}
	}()

	for _, file := range files {
		spool, err := os.CreateTemp(spoolDir, "upload-*"+filepath.Ext(file.Filename))
		if err != nil {
			abortWithError(c, err)
			return
		}
		path := spool.Name()
		_ = spool.Close()
		req.Files = append(req.Files, &model.UploadFile{
			FileName:    filepath.Base(file.Filename),
			Path:        path,
			SizeBytes:   file.Size,
			ContentType: file.Header.Get("Content-Type"),
		})
		if err := c.SaveUploadedFile(file, path); err != nil {
			abortWithError(c, err)
			return
		}
	}

	resp, err := h.Uploads.Ingest(c.Request.Context(), req)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
