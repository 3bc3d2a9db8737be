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
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/jaycherian/media-vector-search/internal/core/model"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are enforced by the CORS layer and the gateway.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ProgressRouter registers the progress stream of an upload session, its
// websocket mirror and the last-event lookup.
func (h *Handlers) ProgressRouter(r *gin.RouterGroup) {
	p := r.Group("/progress")
	{
		p.GET("/:session_id", h.progressStream)
		p.GET("/:session_id/ws", h.progressSocket)
		p.GET("/:session_id/last", h.progressLast)
	}
}

// progressStream writes every event of the session as an SSE "progress"
// event and a comment line when the session is idle for a heartbeat. The
// stream ends after a complete or error event, or when the client leaves.
func (h *Handlers) progressStream(c *gin.Context) {
	sub := h.Broker.Subscribe(c.Param("session_id"))
	defer sub.Close()
	ctx := c.Request.Context()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.Stream(func(w io.Writer) bool {
		ev, heartbeat, err := sub.Next(ctx)
		if err != nil {
			return false
		}
		if heartbeat {
			_, err := io.WriteString(w, ": keep-alive\n\n")
			return err == nil
		}
		c.SSEvent("progress", ev)
		return !model.IsTerminalStage(ev.Stage)
	})
}

func (h *Handlers) progressSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.WarnContext(c.Request.Context(), "websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := h.Broker.Subscribe(c.Param("session_id"))
	defer sub.Close()
	ctx := c.Request.Context()

	for {
		ev, heartbeat, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if heartbeat {
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
			continue
		}
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
		if model.IsTerminalStage(ev.Stage) {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ev.Stage))
			return
		}
	}
}

func (h *Handlers) progressLast(c *gin.Context) {
	ev, ok := h.Broker.Last(c.Param("session_id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no progress for session"})
		return
	}
	c.JSON(http.StatusOK, ev)
}
