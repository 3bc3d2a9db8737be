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

package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/h2non/filetype"
	"github.com/jaycherian/media-vector-search/internal/cloud"
	"github.com/jaycherian/media-vector-search/internal/core/commands"
	"github.com/jaycherian/media-vector-search/internal/core/cor"
	"github.com/jaycherian/media-vector-search/internal/core/media"
	"github.com/jaycherian/media-vector-search/internal/core/model"
	"github.com/jaycherian/media-vector-search/internal/core/progress"
	"github.com/jaycherian/media-vector-search/internal/core/repository"
	"github.com/jaycherian/media-vector-search/internal/core/services"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ErrInvalidUpload rejects a request before any work starts.
var ErrInvalidUpload = errors.New("invalid upload")

// sniffLength is the header size filetype needs to match every known type.
const sniffLength = 261

// UploadDependencies are the collaborators of the ingestion chain.
type UploadDependencies struct {
	Runner    media.CommandRunner
	Storage   cloud.ObjectStore
	Media     repository.MediaRepository
	Limiter   *services.RateLimiter
	Submitter commands.Submitter
	Orphans   commands.OrphanRecorder
	Broker    *progress.Broker
	Tracker   *progress.SessionTracker
}

// UploadWorkflow ingests a batch of files: validation and quota gates for
// the whole request, then one chain run per file in request order. It
// returns once every file is stored; embedding continues on the
// orchestrator.
type UploadWorkflow struct {
	cor.BaseCommand
	config  *cloud.Config
	limiter *services.RateLimiter
	broker  *progress.Broker
	tracker *progress.SessionTracker
	chain   cor.Chain
}

func NewUploadWorkflow(config *cloud.Config, deps UploadDependencies) *UploadWorkflow {
	w := &UploadWorkflow{
		BaseCommand: *cor.NewBaseCommand("upload-workflow"),
		config:      config,
		limiter:     deps.Limiter,
		broker:      deps.Broker,
		tracker:     deps.Tracker,
	}
	w.initializeChain(deps)
	return w
}

func (w *UploadWorkflow) initializeChain(deps UploadDependencies) {
	ingestion := w.config.Ingestion
	out := cor.NewBaseChain("upload-chain")
	out.AddCommand(commands.NewProbeMedia("probe-media", media.NewProber(deps.Runner, ingestion.FFProbePath), deps.Broker))
	out.AddCommand(commands.NewCheckVideoQuota("check-video-quota", deps.Limiter))
	out.AddCommand(commands.NewSliceVideo(
		"slice-video",
		media.NewSlicer(deps.Runner, ingestion.FFMpegPath),
		deps.Broker,
		ingestion.VideoLimitMinutes,
		ingestion.ChunkMinutes,
		ingestion.OverlapSeconds,
		w.config.Storage.TempDir))
	out.AddCommand(commands.NewUploadUnits("upload-units", deps.Storage, deps.Orphans, deps.Broker))
	out.AddCommand(commands.NewRegisterMedia("register-media", deps.Media, deps.Orphans, deps.Broker))
	out.AddCommand(commands.NewConsumeQuota("consume-quota", deps.Limiter))
	out.AddCommand(commands.NewSubmitEmbeddings("submit-embeddings", deps.Submitter))
	w.chain = out
}

// ValidateUploads checks the request shape and sniffs every file. The kind
// and, when missing, the content type of each file are filled in.
func (w *UploadWorkflow) ValidateUploads(req *model.UploadRequest) error {
	if req == nil || len(req.Files) == 0 {
		return fmt.Errorf("%w: no files", ErrInvalidUpload)
	}
	if strings.TrimSpace(req.AlbumName) == "" {
		return fmt.Errorf("%w: album_name is required", ErrInvalidUpload)
	}
	if limit := w.config.Ingestion.MaxFilesPerUpload; limit > 0 && len(req.Files) > limit {
		return fmt.Errorf("%w: %d files exceed the limit of %d", ErrInvalidUpload, len(req.Files), limit)
	}
	for _, f := range req.Files {
		if limit := w.config.Ingestion.MaxFileBytes; limit > 0 && f.SizeBytes > limit {
			return fmt.Errorf("%w: %s is larger than %d bytes", ErrInvalidUpload, f.FileName, limit)
		}
		if err := sniff(f); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidUpload, f.FileName, err)
		}
	}
	return nil
}

func sniff(f *model.UploadFile) error {
	file, err := os.Open(f.Path)
	if err != nil {
		return err
	}
	defer file.Close()

	head := make([]byte, sniffLength)
	n, err := io.ReadFull(file, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		if errors.Is(err, io.EOF) {
			return errors.New("file is empty")
		}
		return err
	}
	head = head[:n]

	switch {
	case filetype.IsImage(head):
		f.Kind = model.MediaKindPhoto
	case filetype.IsVideo(head):
		f.Kind = model.MediaKindVideo
	default:
		return errors.New("unsupported file type")
	}
	if f.ContentType == "" || f.ContentType == "application/octet-stream" {
		if kind, err := filetype.Match(head); err == nil && kind != filetype.Unknown {
			f.ContentType = kind.MIME.Value
		}
	}
	if f.SizeBytes == 0 {
		if info, err := file.Stat(); err == nil {
			f.SizeBytes = info.Size()
		}
	}
	return nil
}

// Ingest runs the whole upload.
//
// Inputs:
//   - ctx: The request context.
//   - req: The batch. A missing session id is generated.
//
// Outputs:
//   - *model.UploadResponse: One result per file, in request order.
//   - error: ErrInvalidUpload or a *services.QuotaError when the request is
//     refused as a whole. Per-file failures are reported in the results.
func (w *UploadWorkflow) Ingest(ctx context.Context, req *model.UploadRequest) (*model.UploadResponse, error) {
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	if err := w.ValidateUploads(req); err != nil {
		return nil, err
	}
	if err := w.limiter.Acquire(ctx, req.UserID, model.CounterUpload, float64(len(req.Files))); err != nil {
		return nil, err
	}
	var total int64
	for _, f := range req.Files {
		total += f.SizeBytes
	}
	if err := w.limiter.CheckStorageQuota(ctx, req.UserID, total); err != nil {
		w.refundUploads(ctx, req.UserID, len(req.Files))
		return nil, err
	}

	traceCtx, span := w.Tracer.Start(ctx, "upload")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", req.SessionID), attribute.Int("files", len(req.Files)))

	if w.tracker != nil {
		w.tracker.Hold(req.SessionID)
	}
	w.broker.Send(req.SessionID, model.StageInit, 0, fmt.Sprintf("received %d files", len(req.Files)))

	resp := &model.UploadResponse{SessionID: req.SessionID, Results: make([]*model.FileResult, 0, len(req.Files))}
	submitted := 0
	for i, f := range req.Files {
		result := w.ingestFile(traceCtx, req, i, f)
		resp.Results = append(resp.Results, result)
		if result.Success {
			resp.Succeeded++
			submitted += len(result.EmbeddingTaskIDs)
		} else {
			resp.Failed++
		}
	}
	if resp.Failed > 0 {
		w.refundUploads(ctx, req.UserID, resp.Failed)
	}

	switch {
	case resp.Succeeded == 0:
		span.SetStatus(codes.Error, "no file stored")
		w.release(req.SessionID, false, fmt.Sprintf("none of the %d files could be stored", len(req.Files)))
	case submitted == 0:
		span.SetStatus(codes.Ok, "stored")
		w.release(req.SessionID, true, fmt.Sprintf("%d of %d files stored", resp.Succeeded, len(req.Files)))
	default:
		span.SetStatus(codes.Ok, "stored, embedding")
		w.release(req.SessionID, true, "")
	}
	slog.InfoContext(ctx, "upload finished", "session_id", req.SessionID, "user", req.UserID,
		"succeeded", resp.Succeeded, "failed", resp.Failed, "tasks", submitted)
	return resp, nil
}

func (w *UploadWorkflow) release(sessionID string, ok bool, message string) {
	if w.tracker != nil {
		w.tracker.Release(sessionID, ok, message)
		return
	}
	stage := model.StageComplete
	if !ok {
		stage = model.StageError
	}
	w.broker.Send(sessionID, stage, 100, message)
}

func (w *UploadWorkflow) refundUploads(ctx context.Context, userID string, n int) {
	if err := w.limiter.Refund(ctx, userID, model.CounterUpload, float64(n)); err != nil {
		slog.WarnContext(ctx, "failed to refund upload quota", "user", userID, "count", n, "error", err)
	}
}

func (w *UploadWorkflow) ingestFile(ctx context.Context, req *model.UploadRequest, index int, f *model.UploadFile) *model.FileResult {
	result := &model.FileResult{FileName: f.FileName}

	chainCtx := cor.NewContext(ctx)
	defer chainCtx.Close()
	chainCtx.AddTempFile(f.Path)
	chainCtx.Add(cor.CtxIn, f)
	chainCtx.Add(commands.ParamUpload, req)
	chainCtx.Add(commands.ParamUploadFile, f)
	chainCtx.Add(commands.ParamFileIndex, index)
	chainCtx.Add(commands.ParamSourceID, uuid.NewString())

	w.chain.Execute(chainCtx)

	if duration, ok := cor.Value[float64](chainCtx, commands.ParamDuration); ok && duration > 0 {
		result.DurationSeconds = duration
	}
	if chainCtx.HasErrors() {
		result.Error = chainCtx.Err().Error()
		w.ErrorCounter.Add(ctx, 1)
		slog.WarnContext(ctx, "file ingestion failed", "file", f.FileName, "error", result.Error)
		w.broker.Publish(req.SessionID, model.ProgressEvent{
			Stage:    model.StageUpload,
			Percent:  progress.Scale(index+1, len(req.Files), 0),
			Message:  fmt.Sprintf("%s failed: %s", f.FileName, result.Error),
			FileName: f.FileName,
		})
		return result
	}

	items, _ := cor.Value[[]*model.MediaItem](chainCtx, commands.ParamMediaItems)
	taskIDs, _ := cor.Value[[]string](chainCtx, commands.ParamTaskIDs)
	result.Success = true
	result.Chunks = len(items)
	for _, item := range items {
		result.MediaIDs = append(result.MediaIDs, item.ID)
	}
	if len(result.MediaIDs) > 0 {
		result.MediaID = result.MediaIDs[0]
	}
	result.EmbeddingTaskIDs = taskIDs
	if len(taskIDs) > 0 {
		result.EmbeddingTaskID = taskIDs[0]
	}
	w.SuccessCounter.Add(ctx, 1)
	return result
}
