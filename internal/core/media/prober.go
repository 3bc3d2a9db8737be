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

package media

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// ProbeError reports a video whose duration could not be determined.
type ProbeError struct {
	Path   string
	Output string
	Err    error
}

func (e *ProbeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to probe duration of %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("failed to probe duration of %s: unparseable output %q", e.Path, e.Output)
}

func (e *ProbeError) Unwrap() error {
	return e.Err
}

// Prober reads container durations with ffprobe.
type Prober struct {
	runner CommandRunner
	path   string
}

// NewProber creates a prober calling the ffprobe binary at path.
func NewProber(runner CommandRunner, path string) *Prober {
	if path == "" {
		path = "ffprobe"
	}
	return &Prober{runner: runner, path: path}
}

// Probe returns the duration of the file in seconds.
func (p *Prober) Probe(ctx context.Context, file string) (float64, error) {
	out, err := p.runner.Run(ctx, p.path,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		file)
	if err != nil {
		return 0, &ProbeError{Path: file, Output: string(out), Err: err}
	}
	text := strings.TrimSpace(string(out))
	duration, err := strconv.ParseFloat(text, 64)
	if err != nil || duration <= 0 {
		return 0, &ProbeError{Path: file, Output: text}
	}
	return duration, nil
}
