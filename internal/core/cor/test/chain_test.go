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

package cor_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/jaycherian/media-vector-search/internal/core/cor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type appendCommand struct {
	cor.BaseCommand
	suffix string
	fail   bool
	runs   *int
}

func newAppend(name, suffix string, fail bool, runs *int) *appendCommand {
	return &appendCommand{BaseCommand: *cor.NewBaseCommand(name), suffix: suffix, fail: fail, runs: runs}
}

func (c *appendCommand) Execute(context cor.Context) {
	*c.runs++
	if c.fail {
		c.Fail(context, errors.New("boom"))
		return
	}
	in := context.Get(c.GetInputParam()).(string)
	context.Add(c.GetOutputParam(), in+c.suffix)
	c.Succeed(context)
}

func TestChainPipesOutputToInput(t *testing.T) {
	runs := 0
	chain := cor.NewBaseChain("pipe")
	chain.AddCommand(newAppend("a", "-a", false, &runs))
	chain.AddCommand(newAppend("b", "-b", false, &runs))

	chCtx := cor.NewContext(context.Background())
	chCtx.Add(cor.CtxIn, "x")
	chain.Execute(chCtx)

	assert.False(t, chCtx.HasErrors())
	assert.NoError(t, chCtx.Err())
	assert.Equal(t, 2, runs)
	out, ok := cor.Value[string](chCtx, cor.CtxIn)
	assert.True(t, ok)
	assert.Equal(t, "x-a-b", out)
}

func TestChainStopsOnFailure(t *testing.T) {
	runs := 0
	chain := cor.NewBaseChain("stop")
	chain.AddCommand(newAppend("a", "-a", true, &runs))
	chain.AddCommand(newAppend("b", "-b", false, &runs))

	chCtx := cor.NewContext(context.Background())
	chCtx.Add(cor.CtxIn, "x")
	chain.Execute(chCtx)

	assert.Equal(t, 1, runs)
	assert.True(t, chCtx.HasErrors())
	assert.ErrorContains(t, chCtx.Err(), "a: boom")
}

func TestChainStopsOnCancelledContext(t *testing.T) {
	runs := 0
	chain := cor.NewBaseChain("cancel")
	chain.AddCommand(newAppend("a", "-a", false, &runs))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	chCtx := cor.NewContext(ctx)
	chCtx.Add(cor.CtxIn, "x")
	chain.Execute(chCtx)

	assert.Equal(t, 0, runs)
	assert.ErrorIs(t, chCtx.Err(), context.Canceled)
}

func TestContextCloseRemovesTempFiles(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "chunk.mp4")
	require.NoError(t, os.WriteFile(file, []byte("data"), 0o600))

	chCtx := cor.NewContext(context.Background())
	chCtx.AddTempFile(file)
	chCtx.AddTempFile(filepath.Join(dir, "missing.mp4"))
	chCtx.Close()

	_, err := os.Stat(file)
	assert.True(t, os.IsNotExist(err))
	assert.Empty(t, chCtx.GetTempFiles())
}
