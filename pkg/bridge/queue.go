/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package bridge

import (
	"sync"

	"github.com/carverauto/camradar/pkg/models"
)

// overflowFactor bounds a queue holding only undroppable messages.
const overflowFactor = 8

type outbound struct {
	data     []byte
	preview  bool
	deviceID models.DeviceID
}

// viewerQueue is a bounded FIFO. Past its bound it drops the oldest preview
// frame; events and inventory messages are never dropped.
type viewerQueue struct {
	bound int

	mu      sync.Mutex
	items   []outbound
	closed  bool
	dropped int
	notify  chan struct{}
}

func newViewerQueue(bound int) *viewerQueue {
	return &viewerQueue{bound: bound, notify: make(chan struct{}, 1)}
}

// push reports false when the queue is closed or has grown past the hard
// limit, in which case the viewer must be disconnected.
func (q *viewerQueue) push(item outbound) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.items = append(q.items, item)

	for len(q.items) > q.bound {
		i := q.oldestPreview()
		if i < 0 {
			break
		}

		q.items = append(q.items[:i], q.items[i+1:]...)
		q.dropped++
	}

	if len(q.items) > q.bound*overflowFactor {
		q.closed = true
		return false
	}

	select {
	case q.notify <- struct{}{}:
	default:
	}

	return true
}

func (q *viewerQueue) oldestPreview() int {
	for i, it := range q.items {
		if it.preview {
			return i
		}
	}

	return -1
}

// drain takes everything queued.
func (q *viewerQueue) drain() []outbound {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := q.items
	q.items = nil

	return out
}

func (q *viewerQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

func (q *viewerQueue) stats() (queued, dropped int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items), q.dropped
}
