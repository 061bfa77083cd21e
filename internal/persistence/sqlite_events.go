package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/ledgerwire/flowstate/pkg/api"
)

// SQLiteEventStore stores flow events in SQLite.
type SQLiteEventStore struct {
	db *sql.DB
}

var _ FlowEventStore = (*SQLiteEventStore)(nil)

func NewSQLiteEventStore(db *sql.DB) (*SQLiteEventStore, error) {
	s := &SQLiteEventStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteEventStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS flow_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			flow_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			at INTEGER NOT NULL,
			kind INTEGER NOT NULL,
			continuation INTEGER NOT NULL,
			number_of_suspends INTEGER NOT NULL,
			error TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_flow_events_flow_id ON flow_events(flow_id, id);
	`)
	return err
}

func (s *SQLiteEventStore) AppendEvent(ctx context.Context, ev api.FlowEvent) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO flow_events (flow_id, seq, at, kind, continuation, number_of_suspends, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.FlowId.String(),
		ev.Seq,
		at.UnixNano(),
		int(ev.Kind),
		int(ev.Continuation),
		ev.NumberOfSuspends,
		ev.Err,
	)
	return err
}

func (s *SQLiteEventStore) ListEvents(ctx context.Context, flowId api.FlowId) ([]api.FlowEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT flow_id, seq, at, kind, continuation, number_of_suspends, error
		FROM flow_events
		WHERE flow_id = ?
		ORDER BY id ASC`, flowId.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.FlowEvent
	for rows.Next() {
		var (
			id           string
			seq          uint64
			atN          int64
			kind         int
			continuation int
			suspends     uint64
			errMsg       string
		)
		if err := rows.Scan(&id, &seq, &atN, &kind, &continuation, &suspends, &errMsg); err != nil {
			return nil, err
		}
		parsed, err := api.ParseFlowId(id)
		if err != nil {
			return nil, err
		}
		out = append(out, api.FlowEvent{
			FlowId:           parsed,
			Seq:              seq,
			At:               time.Unix(0, atN),
			Kind:             api.EventKind(kind),
			Continuation:     api.ContinuationKind(continuation),
			NumberOfSuspends: suspends,
			Err:              errMsg,
		})
	}
	return out, rows.Err()
}
