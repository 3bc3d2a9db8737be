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

// Package progress delivers ephemeral progress events of upload sessions to
// the clients streaming them. Every subscriber of a session has its own queue
// and sees every event; events sent to a session nobody listens to are dropped, except that the latest event of every
// session is remembered so a client that reconnects late can read the outcome.
package progress

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/jaycherian/media-vector-search/internal/cloud"
	"github.com/jaycherian/media-vector-search/internal/core/model"
)

// DefaultHeartbeat is how long Next waits before reporting a heartbeat.
const DefaultHeartbeat = 30 * time.Second

type queue struct {
	mu     sync.Mutex
	events []model.ProgressEvent
	notify chan struct{}
}

func newQueue() *queue {
	return &queue{notify: make(chan struct{}, 1)}
}

func (q *queue) push(ev model.ProgressEvent) {
	q.mu.Lock()
	q.events = append(q.events, ev)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *queue) pop() (model.ProgressEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 {
		return model.ProgressEvent{}, false
	}
	ev := q.events[0]
	q.events = q.events[1:]
	return ev, true
}

// Broker owns the subscriber queues of every session.
type Broker struct {
	mu        sync.RWMutex
	queues    map[string]map[*queue]struct{}
	last      map[string]model.ProgressEvent
	heartbeat time.Duration
	path      string
	now       func() time.Time
}

// NewBroker creates a broker with the given idle heartbeat. snapshotPath may
// be empty to keep the last events in memory only.
func NewBroker(heartbeat time.Duration, snapshotPath string) *Broker {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return &Broker{
		queues:    make(map[string]map[*queue]struct{}),
		last:      make(map[string]model.ProgressEvent),
		heartbeat: heartbeat,
		path:      snapshotPath,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Subscribe opens a new queue on a session. Events published afterwards are
// delivered to every open queue of the session.
func (b *Broker) Subscribe(sessionID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.queues[sessionID]
	if !ok {
		subs = make(map[*queue]struct{})
		b.queues[sessionID] = subs
	}
	q := newQueue()
	subs[q] = struct{}{}
	return &Subscription{broker: b, sessionID: sessionID, queue: q, heartbeat: b.heartbeat}
}

// HasSubscriber reports whether a client currently streams the session.
func (b *Broker) HasSubscriber(sessionID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.queues[sessionID]) > 0
}

// Send publishes an event. It never blocks.
func (b *Broker) Send(sessionID, stage string, percent float64, message string) {
	b.Publish(sessionID, model.ProgressEvent{Stage: stage, Percent: percent, Message: message})
}

// Publish is Send with the optional task and file fields.
func (b *Broker) Publish(sessionID string, ev model.ProgressEvent) {
	if sessionID == "" {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.now()
	}
	ev.Percent = clampPercent(ev.Percent)

	b.mu.Lock()
	b.last[sessionID] = ev
	subs := make([]*queue, 0, len(b.queues[sessionID]))
	for q := range b.queues[sessionID] {
		subs = append(subs, q)
	}
	b.mu.Unlock()

	if len(subs) == 0 {
		slog.Debug("dropping progress event without subscriber", "session_id", sessionID, "stage", ev.Stage)
		return
	}
	for _, q := range subs {
		q.push(ev)
	}
}

// Last returns the most recent event of a session.
func (b *Broker) Last(sessionID string) (model.ProgressEvent, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ev, ok := b.last[sessionID]
	return ev, ok
}

func (b *Broker) unsubscribe(sessionID string, q *queue) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.queues[sessionID]
	delete(subs, q)
	if len(subs) == 0 {
		delete(b.queues, sessionID)
	}
}

// Persist writes the last event of every session to the snapshot file.
func (b *Broker) Persist() error {
	if b.path == "" {
		return nil
	}
	b.mu.RLock()
	snapshot := make(map[string]model.ProgressEvent, len(b.last))
	for k, v := range b.last {
		snapshot[k] = v
	}
	b.mu.RUnlock()
	return cloud.WriteJSONFile(b.path, snapshot)
}

// Load restores the last events from the snapshot file.
func (b *Broker) Load() error {
	if b.path == "" {
		return nil
	}
	snapshot := make(map[string]model.ProgressEvent)
	if _, err := cloud.ReadJSONFile(b.path, &snapshot); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, v := range snapshot {
		b.last[k] = v
	}
	return nil
}

// Forget drops the remembered last events older than maxAge.
func (b *Broker) Forget(maxAge time.Duration) int {
	cutoff := b.now().Add(-maxAge)
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for k, v := range b.last {
		if v.Timestamp.Before(cutoff) {
			delete(b.last, k)
			removed++
		}
	}
	return removed
}

// Subscription is the consuming end of a session queue.
type Subscription struct {
	broker    *Broker
	sessionID string
	queue     *queue
	heartbeat time.Duration
	once      sync.Once
}

// SessionID returns the subscribed session.
func (s *Subscription) SessionID() string {
	return s.sessionID
}

// Next returns the next event. When nothing arrives within the heartbeat
// interval it returns heartbeat=true instead. It returns ctx.Err() when the
// client goes away.
func (s *Subscription) Next(ctx context.Context) (ev model.ProgressEvent, heartbeat bool, err error) {
	if ev, ok := s.queue.pop(); ok {
		return ev, false, nil
	}
	timer := time.NewTimer(s.heartbeat)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return model.ProgressEvent{}, false, ctx.Err()
		case <-timer.C:
			return model.ProgressEvent{}, true, nil
		case <-s.queue.notify:
			if ev, ok := s.queue.pop(); ok {
				return ev, false, nil
			}
		}
	}
}

// Close removes this subscriber's queue; other subscribers of the session keep
// receiving events. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.broker.unsubscribe(s.sessionID, s.queue)
	})
}

// Scale maps the local percent of file fileIndex (of fileTotal) into the
// session wide 0-100 range.
func Scale(fileIndex, fileTotal int, localPercent float64) float64 {
	if fileTotal <= 0 {
		return clampPercent(localPercent)
	}
	local := clampPercent(localPercent) / 100
	return clampPercent((float64(fileIndex) + local) / float64(fileTotal) * 100)
}

func clampPercent(p float64) float64 {
	if math.IsNaN(p) {
		return 0
	}
	return math.Max(0, math.Min(100, p))
}
