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

package progress

import (
	"fmt"
	"sync"

	"github.com/jaycherian/media-vector-search/internal/core/model"
)

type sessionState struct {
	outstanding int
	finished    int
	held        bool
	failed      bool
}

// SessionTracker closes a session's stream once its embedding tasks are
// finished: error on the first failed task, complete when all succeeded.
// While a session is held (an upload still submitting tasks) it does not
// complete even if every task submitted so far is done.
type SessionTracker struct {
	mu       sync.Mutex
	broker   *Broker
	sessions map[string]*sessionState
}

func NewSessionTracker(broker *Broker) *SessionTracker {
	return &SessionTracker{broker: broker, sessions: make(map[string]*sessionState)}
}

func (t *SessionTracker) state(sessionID string) *sessionState {
	s, ok := t.sessions[sessionID]
	if !ok {
		s = &sessionState{}
		t.sessions[sessionID] = s
	}
	return s
}

// Expect registers n more tasks for the session.
func (t *SessionTracker) Expect(sessionID string, n int) {
	if sessionID == "" || n <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state(sessionID).outstanding += n
}

// Hold keeps the session open until Release.
func (t *SessionTracker) Hold(sessionID string) {
	if sessionID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state(sessionID).held = true
}

// Outstanding returns the number of unfinished tasks of a session.
func (t *SessionTracker) Outstanding(sessionID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[sessionID]; ok {
		return s.outstanding
	}
	return 0
}

// Finish records the end of one task. Finishing a task of an unknown session
// is a no-op.
func (t *SessionTracker) Finish(sessionID string, ok bool, message string) {
	t.settle(sessionID, ok, message, func(s *sessionState) {
		s.outstanding--
		s.finished++
	})
}

// Release ends a Hold. With ok false the session fails with message;
// otherwise it completes now if no task is outstanding.
func (t *SessionTracker) Release(sessionID string, ok bool, message string) {
	t.settle(sessionID, ok, message, func(s *sessionState) {
		s.held = false
	})
}

func (t *SessionTracker) settle(sessionID string, ok bool, message string, apply func(*sessionState)) {
	if sessionID == "" {
		return
	}
	t.mu.Lock()
	s, found := t.sessions[sessionID]
	if !found {
		t.mu.Unlock()
		return
	}
	apply(s)
	emitError := !ok && !s.failed
	if !ok {
		s.failed = true
	}
	done := s.outstanding <= 0 && !s.held
	emitComplete := done && !s.failed
	finished := s.finished
	if done {
		delete(t.sessions, sessionID)
	}
	t.mu.Unlock()

	switch {
	case emitError:
		t.broker.Send(sessionID, model.StageError, 100, message)
	case emitComplete && finished == 0:
		t.broker.Send(sessionID, model.StageComplete, 100, message)
	case emitComplete:
		t.broker.Send(sessionID, model.StageComplete, 100, fmt.Sprintf("all %d embedding tasks finished", finished))
	}
}
