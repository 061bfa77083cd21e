// Package persistence implements a Postgres-backed CheckpointStore over
// the Checkpoint schema.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	corep "github.com/ledgerwire/flowstate/internal/persistence"
	"github.com/ledgerwire/flowstate/pkg/api"
)

// PostgresStore is a CheckpointStore backed by PostgreSQL.
//
// It expects an *sql.DB opened against the "pgx" driver (imported by the
// caller for its side effects, e.g. github.com/jackc/pgx/v5/stdlib).
type PostgresStore struct {
	db *sql.DB
}

var _ corep.CheckpointStore = (*PostgresStore)(nil)

// NewPostgresStore initializes the required schema in db and returns a
// new PostgresStore.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (p *PostgresStore) initSchema() error {
	_, err := p.db.Exec(`
		CREATE TABLE IF NOT EXISTS checkpoints (
			flow_id TEXT PRIMARY KEY,
			flow_state_kind INTEGER NOT NULL,
			errored BOOLEAN NOT NULL,
			blob BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS leases (
			flow_id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		);
	`)
	return err
}

func (p *PostgresStore) Load(ctx context.Context, flowId api.FlowId) (*api.Checkpoint, error) {
	row := p.db.QueryRowContext(ctx, `SELECT blob FROM checkpoints WHERE flow_id = $1`, flowId.String())

	var blob []byte
	if err := row.Scan(&blob); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, corep.ErrCheckpointNotFound
		}
		return nil, err
	}
	return corep.DecodeCheckpoint(blob)
}

func (p *PostgresStore) Persist(ctx context.Context, cp *api.Checkpoint) error {
	blob, err := corep.EncodeCheckpoint(cp)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO checkpoints (flow_id, flow_state_kind, errored, blob, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (flow_id) DO UPDATE SET
			flow_state_kind = excluded.flow_state_kind,
			errored = excluded.errored,
			blob = excluded.blob,
			updated_at = excluded.updated_at`,
		cp.FlowId.String(),
		int(cp.FlowState.Kind),
		cp.ErrorState.Kind == api.ErrorStateErrored,
		blob,
		time.Now().UTC(),
	)
	return err
}

func (p *PostgresStore) Remove(ctx context.Context, flowId api.FlowId) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE flow_id = $1`, flowId.String()); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx, `DELETE FROM leases WHERE flow_id = $1`, flowId.String())
	return err
}

func (p *PostgresStore) List(ctx context.Context, filter corep.CheckpointFilter) ([]*api.Checkpoint, error) {
	query := `SELECT blob FROM checkpoints`
	var clauses []string
	var args []any

	if filter.HasFlowState {
		args = append(args, int(filter.FlowStateKind))
		clauses = append(clauses, fmt.Sprintf("flow_state_kind = $%d", len(args)))
	}
	if filter.Errored {
		clauses = append(clauses, "errored = true")
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
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
		cp, err := corep.DecodeCheckpoint(blob)
		if err != nil {
			return nil, err
		}
		result = append(result, cp)
	}
	return result, rows.Err()
}

func (p *PostgresStore) TryAcquireLease(ctx context.Context, flowId api.FlowId, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, errors.New("ttl must be > 0")
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var curOwner string
	var expiresAt time.Time
	now := time.Now().UTC()

	row := tx.QueryRowContext(ctx, `SELECT owner, expires_at FROM leases WHERE flow_id = $1 FOR UPDATE`, flowId.String())
	err = row.Scan(&curOwner, &expiresAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, `INSERT INTO leases (flow_id, owner, expires_at) VALUES ($1, $2, $3)`,
			flowId.String(), owner, now.Add(ttl)); err != nil {
			return false, err
		}
	case err != nil:
		return false, err
	case curOwner != owner && expiresAt.After(now):
		return false, tx.Commit()
	default:
		if _, err := tx.ExecContext(ctx, `UPDATE leases SET owner = $1, expires_at = $2 WHERE flow_id = $3`,
			owner, now.Add(ttl), flowId.String()); err != nil {
			return false, err
		}
	}

	return true, tx.Commit()
}

func (p *PostgresStore) RenewLease(ctx context.Context, flowId api.FlowId, owner string, ttl time.Duration) error {
	res, err := p.db.ExecContext(ctx, `UPDATE leases SET expires_at = $1 WHERE flow_id = $2 AND owner = $3`,
		time.Now().UTC().Add(ttl), flowId.String(), owner)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return corep.ErrLeaseHeldByOther
	}
	return nil
}

func (p *PostgresStore) ReleaseLease(ctx context.Context, flowId api.FlowId, owner string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM leases WHERE flow_id = $1 AND owner = $2`, flowId.String(), owner)
	return err
}
