package eventqueue

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/gob"
	"errors"
	"time"

	"github.com/ledgerwire/flowstate/pkg/api"
)

// SQLiteQueue is a persistent Queue implementation backed by SQLite,
// giving ScheduleEvent/SleepUntil/ScheduleFlowTimeout survival across
// process restarts. FIFO ties within the same NotBefore are broken by
// auto-incrementing id.
type SQLiteQueue struct {
	db           *sql.DB
	pollInterval time.Duration
}

// NewSQLiteQueue initializes the scheduled_events table in db and
// returns a new queue.
func NewSQLiteQueue(db *sql.DB) (*SQLiteQueue, error) {
	q := &SQLiteQueue{db: db, pollInterval: 20 * time.Millisecond}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *SQLiteQueue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS scheduled_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			flow_id TEXT NOT NULL,
			not_before INTEGER NOT NULL,
			timeout_generation INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
	`)
	return err
}

var _ Queue = (*SQLiteQueue)(nil)

func (q *SQLiteQueue) Enqueue(ctx context.Context, ev ScheduledEvent) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(ev.Event); err != nil {
		return err
	}
	payload := buf.Bytes()
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO scheduled_events (flow_id, not_before, timeout_generation, payload)
		VALUES (?, ?, ?, ?)`,
		ev.FlowId.String(), ev.NotBefore.UnixNano(), ev.TimeoutGeneration, payload,
	)
	return err
}

func (q *SQLiteQueue) Dequeue(ctx context.Context) (*ScheduledEvent, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		now := time.Now().UnixNano()

		tx, err := q.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, err
		}

		var (
			id         int64
			flowIdStr  string
			notBefore  int64
			generation int
			payload    []byte
		)
		row := tx.QueryRowContext(ctx, `
			SELECT id, flow_id, not_before, timeout_generation, payload
			FROM scheduled_events
			WHERE not_before <= ?
			ORDER BY not_before, id
			LIMIT 1`, now)
		if err := row.Scan(&id, &flowIdStr, &notBefore, &generation, &payload); err != nil {
			_ = tx.Rollback()
			if errors.Is(err, sql.ErrNoRows) {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(q.pollInterval):
					continue
				}
			}
			return nil, err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM scheduled_events WHERE id = ?`, id); err != nil {
			_ = tx.Rollback()
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}

		var ev api.Event
		if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&ev); err != nil {
			return nil, err
		}
		flowId, err := api.ParseFlowId(flowIdStr)
		if err != nil {
			return nil, err
		}

		return &ScheduledEvent{
			FlowId:            flowId,
			Event:             ev,
			NotBefore:         time.Unix(0, notBefore),
			TimeoutGeneration: generation,
		}, nil
	}
}

func (q *SQLiteQueue) Len() int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM scheduled_events`).Scan(&n); err != nil {
		return 0
	}
	return n
}
