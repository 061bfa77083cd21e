// Package postgres wires Postgres-backed CheckpointStore and
// eventqueue.Queue implementations for multi-process flowstate
// deployments.
package postgres

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/gob"
	"errors"
	"time"

	"github.com/ledgerwire/flowstate/internal/eventqueue"
	"github.com/ledgerwire/flowstate/pkg/api"
	pgpersistence "github.com/ledgerwire/flowstate/postgres/internal/persistence"
)

// NewCheckpointStore initializes the checkpoints/leases schema in db and
// returns a CheckpointStore.
func NewCheckpointStore(db *sql.DB) (*pgpersistence.PostgresStore, error) {
	return pgpersistence.NewPostgresStore(db)
}

// Queue is a Postgres-backed eventqueue.Queue. Dequeue uses
// SELECT ... FOR UPDATE SKIP LOCKED to let multiple processes poll the
// same table safely; the WHERE not_before <= now() clause is what makes
// Sleep/Timeout/Hospital backoff scheduling work.
type Queue struct {
	db           *sql.DB
	pollInterval time.Duration
}

var _ eventqueue.Queue = (*Queue)(nil)

// NewQueue initializes the scheduled_events table in db and returns a
// new Queue.
func NewQueue(db *sql.DB) (*Queue, error) {
	q := &Queue{db: db, pollInterval: 50 * time.Millisecond}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS scheduled_events (
			id BIGSERIAL PRIMARY KEY,
			flow_id TEXT NOT NULL,
			not_before TIMESTAMPTZ NOT NULL,
			timeout_generation INTEGER NOT NULL,
			payload BYTEA NOT NULL
		);
	`)
	return err
}

func (q *Queue) Enqueue(ctx context.Context, ev eventqueue.ScheduledEvent) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(ev.Event); err != nil {
		return err
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO scheduled_events (flow_id, not_before, timeout_generation, payload)
		VALUES ($1, $2, $3, $4)`,
		ev.FlowId.String(), ev.NotBefore.UTC(), ev.TimeoutGeneration, buf.Bytes(),
	)
	return err
}

func (q *Queue) Dequeue(ctx context.Context) (*eventqueue.ScheduledEvent, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		tx, err := q.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, err
		}

		var (
			id         int64
			flowIdStr  string
			notBefore  time.Time
			generation int
			payload    []byte
		)
		row := tx.QueryRowContext(ctx, `
			SELECT id, flow_id, not_before, timeout_generation, payload
			FROM scheduled_events
			WHERE not_before <= now()
			ORDER BY not_before, id
			FOR UPDATE SKIP LOCKED
			LIMIT 1`)
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

		if _, err := tx.ExecContext(ctx, `DELETE FROM scheduled_events WHERE id = $1`, id); err != nil {
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

		return &eventqueue.ScheduledEvent{
			FlowId:            flowId,
			Event:             ev,
			NotBefore:         notBefore,
			TimeoutGeneration: generation,
		}, nil
	}
}

func (q *Queue) Len() int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM scheduled_events`).Scan(&n); err != nil {
		return 0
	}
	return n
}
