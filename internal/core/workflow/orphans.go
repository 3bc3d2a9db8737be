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
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jaycherian/media-vector-search/internal/cloud"
	"github.com/jaycherian/media-vector-search/internal/core/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

// OrphanLedger remembers stored objects that belong to no media row, keyed
// by path. It is persisted as a JSON file when a path is configured.
type OrphanLedger struct {
	mu      sync.Mutex
	path    string
	records map[string]model.OrphanRecord
}

func NewOrphanLedger(path string) *OrphanLedger {
	return &OrphanLedger{path: path, records: make(map[string]model.OrphanRecord)}
}

// Record adds records; a path already pending keeps its first record.
func (l *OrphanLedger) Record(records ...model.OrphanRecord) {
	l.mu.Lock()
	for _, r := range records {
		if _, ok := l.records[r.Path]; !ok {
			l.records[r.Path] = r
		}
	}
	l.mu.Unlock()
	if len(records) > 0 {
		slog.Warn("recorded orphaned objects", "count", len(records), "reason", records[0].Reason)
		if err := l.Persist(); err != nil {
			slog.Error("failed to persist orphan ledger", "path", l.path, "error", err)
		}
	}
}

// Pending returns the pending records ordered by path.
func (l *OrphanLedger) Pending() []model.OrphanRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]model.OrphanRecord, 0, len(l.records))
	for _, r := range l.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Resolve drops paths from the ledger.
func (l *OrphanLedger) Resolve(paths ...string) {
	l.mu.Lock()
	for _, p := range paths {
		delete(l.records, p)
	}
	l.mu.Unlock()
}

// Persist writes the ledger. Without a path it does nothing.
func (l *OrphanLedger) Persist() error {
	if l.path == "" {
		return nil
	}
	return cloud.WriteJSONFile(l.path, l.Pending())
}

// Load replaces the ledger content with the persisted file, if any.
func (l *OrphanLedger) Load() error {
	if l.path == "" {
		return nil
	}
	var records []model.OrphanRecord
	if _, err := cloud.ReadJSONFile(l.path, &records); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = make(map[string]model.OrphanRecord, len(records))
	for _, r := range records {
		l.records[r.Path] = r
	}
	return nil
}

// SweepReport is the outcome of one sweep.
type SweepReport struct {
	Deleted int      `json:"deleted"`
	Failed  int      `json:"failed"`
	Paths   []string `json:"failed_paths,omitempty"`
}

// OrphanSweeper deletes the objects of the ledger. A missing object counts
// as deleted, so sweeping twice is harmless.
type OrphanSweeper struct {
	ledger  *OrphanLedger
	storage cloud.ObjectStore
}

func NewOrphanSweeper(ledger *OrphanLedger, storage cloud.ObjectStore) *OrphanSweeper {
	return &OrphanSweeper{ledger: ledger, storage: storage}
}

// Sweep deletes every pending object and persists what is left.
func (s *OrphanSweeper) Sweep(ctx context.Context) (*SweepReport, error) {
	report := &SweepReport{}
	var resolved []string
	for _, r := range s.ledger.Pending() {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		err := s.storage.Delete(ctx, r.Path)
		if err != nil && !errors.Is(err, cloud.ErrObjectNotFound) {
			slog.WarnContext(ctx, "failed to delete orphaned object", "path", r.Path, "error", err)
			report.Failed++
			report.Paths = append(report.Paths, r.Path)
			continue
		}
		resolved = append(resolved, r.Path)
		report.Deleted++
	}
	s.ledger.Resolve(resolved...)
	if report.Deleted > 0 || report.Failed > 0 {
		slog.InfoContext(ctx, "orphan sweep finished", "deleted", report.Deleted, "failed", report.Failed)
	}
	return report, s.ledger.Persist()
}

// StartTimer sweeps every interval until ctx is done.
func (s *OrphanSweeper) StartTimer(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	tracer := otel.Tracer("orphan-sweep")
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				traceCtx, span := tracer.Start(ctx, "orphan-sweep")
				if _, err := s.Sweep(traceCtx); err != nil {
					span.SetStatus(codes.Error, "failed to sweep orphans")
					slog.ErrorContext(traceCtx, "orphan sweep failed", "error", err)
				} else {
					span.SetStatus(codes.Ok, "swept orphans")
				}
				span.End()
			case <-ctx.Done():
				return
			}
		}
	}()
}
