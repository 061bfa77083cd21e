package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/ledgerwire/flowstate/pkg/api"
)

// SQLiteStore is a CheckpointStore backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing the
// driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteStore struct {
	db *sql.DB
}

var _ CheckpointStore = (*SQLiteStore)(nil)

// NewSQLiteStore initializes the required schema in the given database
// and returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS checkpoints (
			flow_id TEXT PRIMARY KEY,
			flow_state_kind INTEGER NOT NULL,
			errored INTEGER NOT NULL,
			blob BLOB NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);
		CREATE TABLE IF NOT EXISTS leases (
			flow_id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			expires_at TIMESTAMP NOT NULL
		);`,
	)
	return err
}

func (s *SQLiteStore) Load(ctx context.Context, flowId api.FlowId) (*api.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `SELECT blob FROM checkpoints WHERE flow_id = ?`, flowId.String())

	var blob []byte
	if err := row.Scan(&blob); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCheckpointNotFound
		}
		return nil, err
	}
	return DecodeCheckpoint(blob)
}

func (s *SQLiteStore) Persist(ctx context.Context, cp *api.Checkpoint) error {
	blob, err := EncodeCheckpoint(cp)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (flow_id, flow_state_kind, errored, blob, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(flow_id) DO UPDATE SET
			flow_state_kind = excluded.flow_state_kind,
			errored = excluded.errored,
			blob = excluded.blob,
			updated_at = excluded.updated_at`,
		cp.FlowId.String(),
		int(cp.FlowState.Kind),
		errFlag(cp),
		blob,
		time.Now().UTC(),
	)
	return err
}

func (s *SQLiteStore) Remove(ctx context.Context, flowId api.FlowId) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE flow_id = ?`, flowId.String())
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM leases WHERE flow_id = ?`, flowId.String())
	return err
}

func (s *SQLiteStore) List(ctx context.Context, filter CheckpointFilter) ([]*api.Checkpoint, error) {
	query := `SELECT blob FROM checkpoints`
	var clauses []string
	var args []any

	if filter.HasFlowState {
		clauses = append(clauses, "flow_state_kind = ?")
		args = append(args, int(filter.FlowStateKind))
	}
	if filter.Errored {
		clauses = append(clauses, "errored = 1")
	}
	if len(clauses) > 0 {
		query += " WHERE " + clauses[0]
		for _, c := range clauses[1:] {
			query += " AND " + c
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*api.Checkpoint
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		cp, err := DecodeCheckpoint(blob)
		if err != nil {
			return nil, err
		}
		result = append(result, cp)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) TryAcquireLease(ctx context.Context, flowId api.FlowId, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, errors.New("ttl must be > 0")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var curOwner string
	var expiresAt time.Time
	now := time.Now().UTC()

	row := tx.QueryRowContext(ctx, `SELECT owner, expires_at FROM leases WHERE flow_id = ?`, flowId.String())
	err = row.Scan(&curOwner, &expiresAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, `INSERT INTO leases (flow_id, owner, expires_at) VALUES (?, ?, ?)`,
			flowId.String(), owner, now.Add(ttl)); err != nil {
			return false, err
		}
	case err != nil:
		return false, err
	case curOwner != owner && expiresAt.After(now):
		return false, tx.Commit()
	default:
		if _, err := tx.ExecContext(ctx, `UPDATE leases SET owner = ?, expires_at = ? WHERE flow_id = ?`,
			owner, now.Add(ttl), flowId.String()); err != nil {
			return false, err
		}
	}

	return true, tx.Commit()
}

func (s *SQLiteStore) RenewLease(ctx context.Context, flowId api.FlowId, owner string, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx, `UPDATE leases SET expires_at = ? WHERE flow_id = ? AND owner = ?`,
		time.Now().UTC().Add(ttl), flowId.String(), owner)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrLeaseHeldByOther
	}
	return nil
}

func (s *SQLiteStore) ReleaseLease(ctx context.Context, flowId api.FlowId, owner string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE flow_id = ? AND owner = ?`, flowId.String(), owner)
	return err
}

func errFlag(cp *api.Checkpoint) int {
	if cp.ErrorState.Kind == api.ErrorStateErrored {
		return 1
	}
	return 0
}
