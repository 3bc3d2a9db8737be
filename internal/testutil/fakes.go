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

package testutil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jaycherian/media-vector-search/internal/cloud"
	"github.com/jaycherian/media-vector-search/internal/core/model"
	"github.com/jaycherian/media-vector-search/internal/core/vendor"
)

// FakeRunner stands in for ffprobe and ffmpeg. Probes answer from Durations
// (keyed by file base name, 60s otherwise); ffmpeg writes a small file at its
// last argument unless that base name is listed in FailOutputs. Names in
// PartialOutputs get a truncated file and a failure, names in EmptyOutputs an
// empty file and no error.
type FakeRunner struct {
	mu             sync.Mutex
	Durations      map[string]float64
	FailProbe      bool
	ProbeOutput    string
	FailOutputs    map[string]bool
	PartialOutputs map[string]bool
	EmptyOutputs   map[string]bool
	calls          map[string][][]string
}

func NewFakeRunner() *FakeRunner {
	return &FakeRunner{
		Durations:      make(map[string]float64),
		FailOutputs:    make(map[string]bool),
		PartialOutputs: make(map[string]bool),
		EmptyOutputs:   make(map[string]bool),
		calls:          make(map[string][][]string),
	}
}

func (r *FakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	tool := filepath.Base(name)
	r.mu.Lock()
	r.calls[tool] = append(r.calls[tool], append([]string(nil), args...))
	r.mu.Unlock()

	if len(args) == 0 {
		return nil, fmt.Errorf("%s: no arguments", tool)
	}
	last := args[len(args)-1]
	switch tool {
	case "ffprobe":
		if r.FailProbe {
			return nil, errors.New("ffprobe failed: invalid data found when processing input")
		}
		if r.ProbeOutput != "" {
			return []byte(r.ProbeOutput), nil
		}
		d, ok := r.Durations[filepath.Base(last)]
		if !ok {
			d = 60
		}
		return []byte(strconv.FormatFloat(d, 'f', 3, 64) + "\n"), nil
	case "ffmpeg":
		base := filepath.Base(last)
		switch {
		case r.FailOutputs[base]:
			return nil, errors.New("ffmpeg failed: conversion failed")
		case r.PartialOutputs[base]:
			if err := os.WriteFile(last, []byte("ch"), 0o600); err != nil {
				return nil, err
			}
			return nil, errors.New("ffmpeg failed: broken pipe")
		case r.EmptyOutputs[base]:
			return nil, os.WriteFile(last, nil, 0o600)
		}
		return nil, os.WriteFile(last, []byte("chunk"), 0o600)
	}
	return nil, fmt.Errorf("unexpected tool %s", tool)
}

// CallsFor returns the argument lists of every call to tool.
func (r *FakeRunner) CallsFor(tool string) [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string(nil), r.calls[tool]...)
}

var _ cloud.ObjectStore = (*MemoryObjectStore)(nil)

// MemoryObjectStore keeps objects in a map. Uploads whose path contains one of
// FailPaths fail.
type MemoryObjectStore struct {
	mu         sync.Mutex
	objects    map[string][]byte
	FailPaths  []string
	FailDelete bool
}

func NewMemoryObjectStore() *MemoryObjectStore {
	return &MemoryObjectStore{objects: make(map[string][]byte)}
}

func (s *MemoryObjectStore) Upload(_ context.Context, path string, r io.Reader, _ string) (int64, error) {
	for _, p := range s.FailPaths {
		if strings.Contains(path, p) {
			return 0, fmt.Errorf("upload of %s refused", path)
		}
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = data
	return int64(len(data)), nil
}

func (s *MemoryObjectStore) Download(_ context.Context, path string, w io.Writer) (int64, error) {
	s.mu.Lock()
	data, ok := s.objects[path]
	s.mu.Unlock()
	if !ok {
		return 0, cloud.ErrObjectNotFound
	}
	return io.Copy(w, bytes.NewReader(data))
}

func (s *MemoryObjectStore) Delete(_ context.Context, path string) error {
	if s.FailDelete {
		return errors.New("delete refused")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[path]; !ok {
		return cloud.ErrObjectNotFound
	}
	delete(s.objects, path)
	return nil
}

func (s *MemoryObjectStore) SignedURL(_ context.Context, path string, ttl time.Duration) (string, error) {
	return fmt.Sprintf("https://storage.test/%s?expires=%d", path, int(ttl.Seconds())), nil
}

// Has reports whether an object is stored at path.
func (s *MemoryObjectStore) Has(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[path]
	return ok
}

// Paths lists every stored object.
func (s *MemoryObjectStore) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.objects))
	for p := range s.objects {
		out = append(out, p)
	}
	return out
}

var _ vendor.Client = (*FakeVendor)(nil)

// FakeVendor answers embedding tasks locally. Videos get SegmentsPerVideo
// consecutive 6 second windows; photos and texts get one vector. Vectors are
// derived from the input so equal inputs embed equally.
type FakeVendor struct {
	SegmentsPerVideo int
	// FailCreate makes CreateTask fail for media URLs containing the key.
	FailCreate map[string]error
	// TextVectors overrides EmbedText per query text.
	TextVectors map[string][]float32
	// Delay blocks WaitUntilDone, honoring cancellation.
	Delay time.Duration

	created   atomic.Int32
	textCalls atomic.Int32
	mu        sync.Mutex
	handles   map[string]*vendor.TaskRequest
}

func NewFakeVendor() *FakeVendor {
	return &FakeVendor{
		SegmentsPerVideo: 2,
		FailCreate:       make(map[string]error),
		TextVectors:      make(map[string][]float32),
		handles:          make(map[string]*vendor.TaskRequest),
	}
}

// CreatedTasks is the number of successful CreateTask calls.
func (v *FakeVendor) CreatedTasks() int { return int(v.created.Load()) }

// TextCalls is the number of EmbedText calls.
func (v *FakeVendor) TextCalls() int { return int(v.textCalls.Load()) }

func (v *FakeVendor) CreateTask(_ context.Context, req *vendor.TaskRequest) (*vendor.TaskHandle, error) {
	for key, err := range v.FailCreate {
		if strings.Contains(req.MediaURL, key) {
			return nil, err
		}
	}
	n := v.created.Add(1)
	handle := &vendor.TaskHandle{ID: fmt.Sprintf("vendor-task-%d", n), Kind: req.Kind}
	if req.Kind == model.MediaKindPhoto {
		handle.Result = &vendor.EmbeddingResult{
			ModelName:      "fake-model",
			ImageEmbedding: &vendor.EmbeddingBlock{Segments: []vendor.RawSegment{{Float: HashVector(req.MediaURL)}}},
		}
	}
	v.mu.Lock()
	v.handles[handle.ID] = req
	v.mu.Unlock()
	return handle, nil
}

func (v *FakeVendor) WaitUntilDone(ctx context.Context, handle *vendor.TaskHandle, _ time.Duration) error {
	if handle.Result != nil || v.Delay == 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(v.Delay):
		return nil
	}
}

func (v *FakeVendor) FetchResult(_ context.Context, handle *vendor.TaskHandle) (*vendor.EmbeddingResult, error) {
	if handle.Result != nil {
		return handle.Result, nil
	}
	v.mu.Lock()
	req, ok := v.handles[handle.ID]
	v.mu.Unlock()
	if !ok {
		return nil, &vendor.APIError{StatusCode: 404, Body: "unknown task"}
	}
	segments := make([]vendor.RawSegment, 0, v.SegmentsPerVideo)
	for i := 0; i < v.SegmentsPerVideo; i++ {
		start, end := float64(i*6), float64(i*6+6)
		segments = append(segments, vendor.RawSegment{
			Start: &start,
			End:   &end,
			Embeddings: []vendor.ScopedVector{
				{Scope: "video", Float: HashVector(fmt.Sprintf("%s#video#%d", req.MediaURL, i))},
				{Scope: vendor.PreferredScope, Float: HashVector(fmt.Sprintf("%s#%d", req.MediaURL, i))},
			},
		})
	}
	return &vendor.EmbeddingResult{
		ID:             handle.ID,
		ModelName:      "fake-model",
		Status:         vendor.StatusReady,
		VideoEmbedding: &vendor.EmbeddingBlock{Segments: segments},
	}, nil
}

func (v *FakeVendor) EmbedText(_ context.Context, text string) ([]float32, error) {
	v.textCalls.Add(1)
	if vec, ok := v.TextVectors[text]; ok {
		return vec, nil
	}
	return HashVector(text), nil
}

// HashVector derives a unit-ish vector from seed.
func HashVector(seed string) []float32 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(seed))
	x := h.Sum64()
	out := make([]float32, model.EmbeddingDimensions)
	for i := range out {
		x ^= x << 13
		x ^= x >> 7
		x ^= x << 17
		out[i] = float32(x%2000)/1000 - 1
	}
	return out
}

// UnitVector has a single 1 at dim.
func UnitVector(dim int) []float32 {
	out := make([]float32, model.EmbeddingDimensions)
	out[dim] = 1
	return out
}
