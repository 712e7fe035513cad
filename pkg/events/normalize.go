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

package events

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/carverauto/camradar/pkg/models"
)

// stateKeys are data items carrying the boolean state of a topic.
var stateKeys = []string{"State", "IsMotion", "Motion", "IsTamper", "IsInside", "Value"}

func stateOf(n Notification) (bool, bool) {
	for _, k := range stateKeys {
		for name, v := range n.Data {
			if !strings.EqualFold(name, k) {
				continue
			}

			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err == nil {
				return b, true
			}
		}
	}

	return false, false
}

// Classify maps a device topic and state to an event kind. ok is false for
// notifications that carry no event, such as an initial "not in motion".
// topicSeparators are dropped before matching so VideoLoss, video_loss
// and video-loss classify alike.
var topicSeparators = strings.NewReplacer("_", "", "-", "", " ", "")

func Classify(n Notification) (models.EventKind, bool) {
	topic := topicSeparators.Replace(strings.ToLower(n.Topic))
	state, hasState := stateOf(n)

	if hasState && !state && strings.EqualFold(n.Operation, "Initialized") {
		return "", false
	}

	switch {
	case strings.Contains(topic, "motion"):
		if hasState && !state {
			return models.EventMotionStop, true
		}

		return models.EventMotionStart, true
	case strings.Contains(topic, "tamper") || strings.Contains(topic, "globalscenechange"):
		if hasState && !state {
			return models.EventOther, true
		}

		return models.EventTamper, true
	case strings.Contains(topic, "videoloss") || strings.Contains(topic, "signalloss"):
		if hasState && !state {
			return models.EventOnline, true
		}

		return models.EventOffline, true
	default:
		return models.EventOther, true
	}
}

// Normalizer turns notifications and health transitions into events.
type Normalizer struct {
	now   func() time.Time
	newID func() string
}

func NewNormalizer() *Normalizer {
	return &Normalizer{now: time.Now, newID: uuid.NewString}
}

// Normalize returns false when the notification is not an event.
func (n *Normalizer) Normalize(deviceID models.DeviceID, note Notification) (models.NormalizedEvent, bool) {
	kind, ok := Classify(note)
	if !ok {
		return models.NormalizedEvent{}, false
	}

	ts := note.Time
	if ts.IsZero() {
		ts = n.now()
	}

	payload := note.Raw
	if len(payload) == 0 && len(note.Data) > 0 {
		payload, _ = json.Marshal(note.Data)
	}

	return models.NewNormalizedEvent(n.newID(), deviceID, kind, note.Topic, ts.UTC(), payload), true
}

// HealthEvent converts a transition into or out of unreachable into an
// offline or online event.
func (n *Normalizer) HealthEvent(tr models.HealthTransition) (models.NormalizedEvent, bool) {
	var kind models.EventKind

	switch {
	case tr.To == models.HealthUnreachable && tr.From != models.HealthUnreachable:
		kind = models.EventOffline
	case tr.From == models.HealthUnreachable && tr.To != models.HealthUnreachable:
		kind = models.EventOnline
	default:
		return models.NormalizedEvent{}, false
	}

	payload, _ := json.Marshal(map[string]string{"from": string(tr.From), "to": string(tr.To)})

	ts := tr.At
	if ts.IsZero() {
		ts = n.now()
	}

	return models.NewNormalizedEvent(n.newID(), tr.DeviceID, kind, "camradar/health", ts.UTC(), payload), true
}
