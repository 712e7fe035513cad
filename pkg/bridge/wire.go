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

// Package bridge serves the device inventory, normalized events and preview
// frames to local viewers over websocket connections.
package bridge

import (
	"time"

	"github.com/carverauto/camradar/pkg/models"
)

// MessageType tags every message sent to or received from a viewer.
type MessageType string

const (
	MsgBridgeInfo        MessageType = "bridge_info"
	MsgInventorySnapshot MessageType = "inventory_snapshot"
	MsgInventoryDelta    MessageType = "inventory_delta"
	MsgEvent             MessageType = "event"
	MsgPreviewFrame      MessageType = "preview_frame"
	MsgPong              MessageType = "pong"
	MsgAck               MessageType = "ack"
	MsgError             MessageType = "error"
)

// Commands a viewer may send.
const (
	CmdGetInventory = "get_inventory"
	CmdRescan       = "rescan"
	CmdValidate     = "validate"
	CmdPing         = "ping"
)

const protocolVersion = 1

// Message is one server-to-viewer frame. Seq increases across the whole
// bridge, so a viewer sees gaps where preview frames were dropped.
type Message struct {
	Type      MessageType            `json:"type"`
	Seq       uint64                 `json:"seq"`
	RequestID string                 `json:"request_id,omitempty"`
	Info      *Info                  `json:"info,omitempty"`
	Inventory *models.Inventory      `json:"inventory,omitempty"`
	Delta     *models.InventoryDelta `json:"delta,omitempty"`
	Event     *models.EventView      `json:"event,omitempty"`
	Frame     *PreviewFrame          `json:"frame,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

type Info struct {
	AgentID  string `json:"agent_id"`
	ViewerID string `json:"viewer_id"`
	Version  int    `json:"version"`
}

// PreviewFrame is one JPEG image from a device's preview stream.
type PreviewFrame struct {
	DeviceID  models.DeviceID `json:"device_id"`
	URL       string          `json:"url"`
	Timestamp time.Time       `json:"timestamp"`
	JPEG      []byte          `json:"jpeg"`
}

// Command is a viewer-to-server request.
type Command struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	DeviceID  models.DeviceID `json:"device_id,omitempty"`
}
