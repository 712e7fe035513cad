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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueDropsOldestPreviewFirst(t *testing.T) {
	q := newViewerQueue(3)

	require.True(t, q.push(outbound{data: []byte("f1"), preview: true}))
	require.True(t, q.push(outbound{data: []byte("e1")}))
	require.True(t, q.push(outbound{data: []byte("f2"), preview: true}))
	require.True(t, q.push(outbound{data: []byte("e2")}))
	require.True(t, q.push(outbound{data: []byte("f3"), preview: true}))

	var got []string
	for _, it := range q.drain() {
		got = append(got, string(it.data))
	}

	assert.Equal(t, []string{"e1", "e2", "f3"}, got)

	_, dropped := q.stats()
	assert.Equal(t, 2, dropped)
}

func TestQueueNeverDropsEvents(t *testing.T) {
	q := newViewerQueue(2)

	for i := 0; i < 2*overflowFactor; i++ {
		require.True(t, q.push(outbound{data: []byte{byte(i)}}))
	}

	queued, dropped := q.stats()
	assert.Equal(t, 2*overflowFactor, queued)
	assert.Zero(t, dropped)

	assert.False(t, q.push(outbound{data: []byte("one too many")}), "hard limit disconnects the viewer")
	assert.False(t, q.push(outbound{data: []byte("closed")}))
}

func TestQueueNotifies(t *testing.T) {
	q := newViewerQueue(4)
	q.push(outbound{data: []byte("a")})
	q.push(outbound{data: []byte("b")})

	select {
	case <-q.notify:
	default:
		t.Fatal("expected a notification")
	}

	assert.Len(t, q.drain(), 2)
	assert.Empty(t, q.drain())
}
