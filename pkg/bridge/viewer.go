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
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/carverauto/camradar/pkg/logger"
)

const maxCommandSize = 64 << 10

type viewer struct {
	id     string
	remote string
	conn   *websocket.Conn
	queue  *viewerQueue
	logger logger.Logger

	closeOnce sync.Once
	done      chan struct{}
}

func (v *viewer) close() {
	v.closeOnce.Do(func() {
		v.queue.close()
		close(v.done)

		if v.conn != nil {
			_ = v.conn.Close()
		}
	})
}

// writePump is the only goroutine writing to the connection.
func (v *viewer) writePump(s *Server) {
	ping := time.NewTicker(s.config.PingInterval.Std())
	defer ping.Stop()
	defer v.close()

	for {
		select {
		case <-v.done:
			return
		case <-ping.C:
			deadline := time.Now().Add(s.config.WriteTimeout.Std())
			if err := v.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				v.logger.Debug().Err(err).Msg("Ping failed")
				return
			}
		case <-v.queue.notify:
			for _, item := range v.queue.drain() {
				if err := v.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout.Std())); err != nil {
					return
				}

				if err := v.conn.WriteMessage(websocket.TextMessage, item.data); err != nil {
					v.logger.Debug().Err(err).Msg("Write to viewer failed")
					return
				}

				if item.preview {
					s.delivered(item.deviceID)
				}
			}
		}
	}
}

// readPump handles viewer commands until the connection drops.
func (v *viewer) readPump(ctx context.Context, s *Server) {
	defer v.close()

	pongWait := 2 * s.config.PingInterval.Std()

	v.conn.SetReadLimit(maxCommandSize)
	_ = v.conn.SetReadDeadline(time.Now().Add(pongWait))
	v.conn.SetPongHandler(func(string) error {
		return v.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := v.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				v.logger.Debug().Err(err).Msg("Viewer connection closed unexpectedly")
			}

			return
		}

		_ = v.conn.SetReadDeadline(time.Now().Add(pongWait))

		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			s.reply(v, Message{Type: MsgError, Error: "malformed command"})
			continue
		}

		s.handleCommand(ctx, v, cmd)
	}
}
