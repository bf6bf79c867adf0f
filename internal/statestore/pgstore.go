package statestore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/kmansel/gridrunner/api/schemas"
)

// pgxQuerier is the slice of the pgxpool.Pool surface the store needs. The
// pgxmock pool satisfies it in tests.
type pgxQuerier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	createStatesSQL = `
        CREATE TABLE IF NOT EXISTS session_states (
            id          TEXT PRIMARY KEY,
            payload     JSONB NOT NULL,
            captured_at TIMESTAMPTZ NOT NULL
        )`

	upsertStateSQL = `
        INSERT INTO session_states (id, payload, captured_at)
        VALUES ($1, $2, $3)
        ON CONFLICT (id) DO UPDATE
        SET payload = EXCLUDED.payload, captured_at = EXCLUDED.captured_at`

	selectStateSQL = `SELECT payload FROM session_states WHERE id = $1`
)

// PGStore is a Postgres-backed Store. Row-level upsert on the primary key
// gives the per-id write serialization the file backend gets from its atomic
// rename.
type PGStore struct {
	db  pgxQuerier
	log *zap.Logger
}

var _ Store = (*PGStore)(nil)

// NewPGStore wraps an established pgx pool (or compatible handle).
func NewPGStore(db pgxQuerier, logger *zap.Logger) *PGStore {
	return &PGStore{db: db, log: logger.Named("pgstore")}
}

// EnsureSchema creates the backing table if it does not exist yet.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, createStatesSQL); err != nil {
		return fmt.Errorf("failed to ensure session_states schema: %w", err)
	}
	return nil
}

// Persist upserts the state blob under id.
func (s *PGStore) Persist(ctx context.Context, id string, state *schemas.SessionState) error {
	if err := validateID(id); err != nil {
		return err
	}
	data, err := encodeState(state)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(ctx, upsertStateSQL, id, data, state.CapturedAt); err != nil {
		return fmt.Errorf("failed to persist state for %s: %w", id, err)
	}
	s.log.Debug("Session state persisted.", zap.String("id", id))
	return nil
}

// Load reads the state blob for id.
func (s *PGStore) Load(ctx context.Context, id string) (*schemas.SessionState, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	var data []byte
	if err := s.db.QueryRow(ctx, selectStateSQL, id).Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to load state for %s: %w", id, err)
	}
	return decodeState(data)
}
