package statestore

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestPGStore(t *testing.T) (*PGStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPGStore(mock, zap.NewNop()), mock
}

func TestPGStore(t *testing.T) {
	ctx := context.Background()

	t.Run("EnsureSchema", func(t *testing.T) {
		store, mock := newTestPGStore(t)
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS session_states").
			WillReturnResult(pgxmock.NewResult("CREATE", 0))

		require.NoError(t, store.EnsureSchema(ctx))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("PersistUpserts", func(t *testing.T) {
		store, mock := newTestPGStore(t)
		state := newTestState()
		mock.ExpectExec("INSERT INTO session_states").
			WithArgs("admin", pgxmock.AnyArg(), state.CapturedAt).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		require.NoError(t, store.Persist(ctx, "admin", state))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("LoadRoundTrip", func(t *testing.T) {
		store, mock := newTestPGStore(t)
		want := newTestState()
		payload, err := encodeState(want)
		require.NoError(t, err)

		mock.ExpectQuery("SELECT payload FROM session_states").
			WithArgs("admin").
			WillReturnRows(pgxmock.NewRows([]string{"payload"}).AddRow(payload))

		got, err := store.Load(ctx, "admin")
		require.NoError(t, err)
		assert.Equal(t, want.Cookies, got.Cookies)
		assert.Equal(t, want.Origins, got.Origins)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("LoadMissingReturnsNotFound", func(t *testing.T) {
		store, mock := newTestPGStore(t)
		mock.ExpectQuery("SELECT payload FROM session_states").
			WithArgs("ghost").
			WillReturnError(pgx.ErrNoRows)

		_, err := store.Load(ctx, "ghost")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("LoadCorruptPayload", func(t *testing.T) {
		store, mock := newTestPGStore(t)
		mock.ExpectQuery("SELECT payload FROM session_states").
			WithArgs("bad").
			WillReturnRows(pgxmock.NewRows([]string{"payload"}).AddRow([]byte(`{"version": 7}`)))

		_, err := store.Load(ctx, "bad")
		assert.ErrorIs(t, err, ErrCorruptState)
	})

	t.Run("RejectsInvalidID", func(t *testing.T) {
		store, _ := newTestPGStore(t)
		assert.Error(t, store.Persist(ctx, "../evil", newTestState()))
		_, err := store.Load(ctx, "")
		assert.Error(t, err)
	})
}
