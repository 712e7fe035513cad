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

package reporting

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/carverauto/camradar/pkg/logger"
	"github.com/carverauto/camradar/pkg/models"
)

const (
	defaultQueuePath   = "camradar-outbox.db"
	defaultMaxRecords  = 10000
	defaultMaxAge      = 72 * time.Hour
	defaultMaxAttempts = 50
)

const schema = `
CREATE TABLE IF NOT EXISTS outbound (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	device_id    TEXT    NOT NULL,
	kind         TEXT    NOT NULL,
	created_at   INTEGER NOT NULL,
	next_attempt INTEGER NOT NULL DEFAULT 0,
	attempts     INTEGER NOT NULL DEFAULT 0,
	state        TEXT    NOT NULL,
	last_error   TEXT,
	body         BLOB    NOT NULL
);
CREATE INDEX IF NOT EXISTS outbound_device_seq ON outbound (device_id, seq);
CREATE INDEX IF NOT EXISTS outbound_created ON outbound (created_at);
`

type QueueConfig struct {
	// Path is the sqlite file; ":memory:" keeps the queue in memory.
	Path        string          `json:"path"`
	MaxRecords  int             `json:"max_records"`
	MaxAge      models.Duration `json:"max_age"`
	MaxAttempts int             `json:"max_attempts"`
}

func (c QueueConfig) WithDefaults() QueueConfig {
	if c.Path == "" {
		c.Path = defaultQueuePath
	}

	if c.MaxRecords <= 0 {
		c.MaxRecords = defaultMaxRecords
	}

	if c.MaxAge <= 0 {
		c.MaxAge = models.Duration(defaultMaxAge)
	}

	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}

	return c
}

// Queue is the durable store-and-forward buffer. Sequence numbers come from
// sqlite AUTOINCREMENT and are never reused.
type Queue struct {
	pool   *sqlitex.Pool
	config QueueConfig
	logger logger.Logger
	now    func() time.Time
}

func OpenQueue(cfg QueueConfig, log logger.Logger) (*Queue, error) {
	cfg = cfg.WithDefaults()

	size := 4
	if cfg.Path == ":memory:" {
		size = 1
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    size,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("open outbound queue %s: %w", cfg.Path, err)
	}

	log.Info().Str("path", cfg.Path).Int("max_records", cfg.MaxRecords).Msg("Outbound queue opened")

	return &Queue{pool: pool, config: cfg, logger: log, now: time.Now}, nil
}

func prepareConn(conn *sqlite.Conn) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}

	return sqlitex.ExecuteScript(conn, schema, nil)
}

func (q *Queue) Close() error {
	return q.pool.Close()
}

func (q *Queue) conn(ctx context.Context) (*sqlite.Conn, func(), error) {
	conn, err := q.pool.Take(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("outbound queue: take: %w", err)
	}

	return conn, func() { q.pool.Put(conn) }, nil
}

// Append stores rec as pending and returns its sequence number.
func (q *Queue) Append(ctx context.Context, rec models.OutboundRecord) (uint64, error) {
	conn, put, err := q.conn(ctx)
	if err != nil {
		return 0, err
	}
	defer put()

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = q.now()
	}

	rec.State = models.DeliveryPending
	rec.Seq = 0

	body, err := encodeRecord(&rec)
	if err != nil {
		return 0, err
	}

	err = sqlitex.Execute(conn,
		`INSERT INTO outbound (device_id, kind, created_at, state, body) VALUES (?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{string(rec.DeviceID), string(rec.Kind), rec.CreatedAt.UnixNano(), string(rec.State), body}})
	if err != nil {
		return 0, fmt.Errorf("outbound queue: insert: %w", err)
	}

	return uint64(conn.LastInsertRowID()), nil
}

// Heads returns, for every device, its lowest-sequence record if that record
// is due at now. Only heads may be delivered, which keeps per-device order.
func (q *Queue) Heads(ctx context.Context, now time.Time, limit int) ([]models.OutboundRecord, error) {
	conn, put, err := q.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer put()

	var out []models.OutboundRecord

	err = sqlitex.Execute(conn, `
		SELECT o.seq, o.attempts, o.state, o.next_attempt, o.last_error, o.body
		FROM outbound o
		WHERE o.seq = (SELECT MIN(seq) FROM outbound WHERE device_id = o.device_id)
		  AND o.next_attempt <= ?
		ORDER BY o.seq
		LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{now.UnixNano(), limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				blob := make([]byte, stmt.ColumnLen(5))
				stmt.ColumnBytes(5, blob)

				rec, err := decodeRecord(blob)
				if err != nil {
					return err
				}

				rec.Seq = uint64(stmt.ColumnInt64(0))
				rec.Attempts = stmt.ColumnInt(1)
				rec.State = models.DeliveryState(stmt.ColumnText(2))

				if next := stmt.ColumnInt64(3); next > 0 {
					rec.NextAttempt = time.Unix(0, next)
				}

				rec.LastError = stmt.ColumnText(4)
				out = append(out, rec)

				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("outbound queue: heads: %w", err)
	}

	return out, nil
}

// Ack removes a delivered record.
func (q *Queue) Ack(ctx context.Context, seq uint64) error {
	return q.delete(ctx, seq)
}

// Discard removes a record that will never be delivered.
func (q *Queue) Discard(ctx context.Context, rec models.OutboundRecord, reason error) error {
	q.logger.Error().
		Err(reason).
		Uint64("seq", rec.Seq).
		Str("device_id", string(rec.DeviceID)).
		Str("kind", string(rec.Kind)).
		Int("attempts", rec.Attempts).
		Msg("Outbound record discarded")

	return q.delete(ctx, rec.Seq)
}

func (q *Queue) delete(ctx context.Context, seq uint64) error {
	conn, put, err := q.conn(ctx)
	if err != nil {
		return err
	}
	defer put()

	if err := sqlitex.Execute(conn, `DELETE FROM outbound WHERE seq = ?`,
		&sqlitex.ExecOptions{Args: []any{int64(seq)}}); err != nil {
		return fmt.Errorf("outbound queue: delete %d: %w", seq, err)
	}

	return nil
}

// Retry records a failed attempt. It reports false when the record has
// used up its attempts and was discarded instead.
func (q *Queue) Retry(ctx context.Context, rec models.OutboundRecord, next time.Time, cause error) (bool, error) {
	rec.Attempts++

	if rec.Attempts >= q.config.MaxAttempts {
		return false, q.Discard(ctx, rec, fmt.Errorf("%w after %d attempts: %w", models.ErrReportingUnreachable, rec.Attempts, cause))
	}

	conn, put, err := q.conn(ctx)
	if err != nil {
		return false, err
	}
	defer put()

	err = sqlitex.Execute(conn,
		`UPDATE outbound SET attempts = ?, state = ?, next_attempt = ?, last_error = ? WHERE seq = ?`,
		&sqlitex.ExecOptions{Args: []any{
			rec.Attempts, string(models.DeliveryFailedRetryable), next.UnixNano(), cause.Error(), int64(rec.Seq),
		}})
	if err != nil {
		return false, fmt.Errorf("outbound queue: retry %d: %w", rec.Seq, err)
	}

	return true, nil
}

// Len is the number of queued records.
func (q *Queue) Len(ctx context.Context) (int, error) {
	conn, put, err := q.conn(ctx)
	if err != nil {
		return 0, err
	}
	defer put()

	var n int

	err = sqlitex.Execute(conn, `SELECT COUNT(*) FROM outbound`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			n = stmt.ColumnInt(0)
			return nil
		},
	})

	return n, err
}

// Trim enforces the age and size bounds, oldest first. Discarded events are
// logged as data loss; discarded inventory snapshots are regenerated later.
func (q *Queue) Trim(ctx context.Context) (err error) {
	conn, put, err := q.conn(ctx)
	if err != nil {
		return err
	}
	defer put()

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("outbound queue: begin trim: %w", err)
	}
	defer endTransaction(&err)

	cutoff := q.now().Add(-q.config.MaxAge.Std()).UnixNano()

	dropped := map[string]int{}
	count := func(where string, args ...any) error {
		return sqlitex.Execute(conn, `SELECT kind, COUNT(*) FROM outbound WHERE `+where+` GROUP BY kind`,
			&sqlitex.ExecOptions{
				Args: args,
				ResultFunc: func(stmt *sqlite.Stmt) error {
					dropped[stmt.ColumnText(0)] += stmt.ColumnInt(1)
					return nil
				},
			})
	}

	if err = count(`created_at < ?`, cutoff); err != nil {
		return err
	}

	if err = sqlitex.Execute(conn, `DELETE FROM outbound WHERE created_at < ?`,
		&sqlitex.ExecOptions{Args: []any{cutoff}}); err != nil {
		return fmt.Errorf("outbound queue: trim by age: %w", err)
	}

	overflow := `seq IN (SELECT seq FROM outbound ORDER BY seq LIMIT MAX(0, (SELECT COUNT(*) FROM outbound) - ?))`

	if err = count(overflow, q.config.MaxRecords); err != nil {
		return err
	}

	if err = sqlitex.Execute(conn, `DELETE FROM outbound WHERE `+overflow,
		&sqlitex.ExecOptions{Args: []any{q.config.MaxRecords}}); err != nil {
		return fmt.Errorf("outbound queue: trim by size: %w", err)
	}

	if n := dropped[string(models.RecordEvent)]; n > 0 {
		q.logger.Warn().Int("events", n).Msg("Outbound queue full, discarded oldest events")
	}

	if n := dropped[string(models.RecordInventory)]; n > 0 {
		q.logger.Debug().Int("inventory", n).Msg("Outbound queue full, discarded oldest inventory snapshots")
	}

	return nil
}
