package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/event-catalog-crawler/internal/catalog"
	"github.com/JakeFAU/event-catalog-crawler/internal/event"
)

var start = time.Date(2025, 6, 28, 16, 0, 0, 0, time.UTC)

func newMock(t *testing.T) (pgxmock.PgxPoolIface, *CatalogStore) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewCatalogStoreWithPool(mock)
	require.NoError(t, err)
	return mock, store
}

func show() event.NormalizedEvent {
	s := start
	return event.NormalizedEvent{
		Title:    "Show",
		Start:    &s,
		Venue:    "Prime Hall",
		City:     "Минск",
		Country:  "Беларусь",
		Category: "Концерт",
		PriceMin: event.IntPtr(30),
		Link:     "https://afisha.example/e/1",
		Entities: []string{"Imagine Dragons"},
	}
}

func TestMergeCreatesEventInOneTransaction(t *testing.T) {
	t.Parallel()
	mock, store := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT e.id, e.title, e.start_time").
		WithArgs([]string{"Show"}, []time.Time{start}).
		WillReturnRows(pgxmock.NewRows([]string{"id", "title", "start_time"}))
	mock.ExpectExec("INSERT INTO artists").
		WithArgs([]string{"imagine dragons"}).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT id, name FROM artists").
		WithArgs([]string{"imagine dragons"}).
		WillReturnRows(pgxmock.NewRows([]string{"id", "name"}).AddRow(int64(7), "imagine dragons"))
	mock.ExpectQuery("INSERT INTO countries").
		WithArgs("Беларусь", "беларусь").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectQuery("INSERT INTO cities").
		WithArgs("Минск", "минск", int64(1)).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(2)))
	mock.ExpectQuery("INSERT INTO venues").
		WithArgs("Prime Hall", "prime hall", int64(2), int64(1)).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(3)))
	mock.ExpectQuery("INSERT INTO event_types").
		WithArgs("Концерт").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(4)))
	mock.ExpectQuery("INSERT INTO events").
		WithArgs("Show", start, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(10)))
	mock.ExpectExec("INSERT INTO event_artists").
		WithArgs(int64(10), []int64{7}).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO event_links").
		WithArgs(int64(10), []string{"https://afisha.example/e/1"}).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	engine := catalog.NewEngine(store, catalog.IsolationBatch, zap.NewNop())
	rep, err := engine.Merge(context.Background(), []event.NormalizedEvent{show()})
	require.NoError(t, err)
	require.Equal(t, 1, rep.Created)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMergePatchesExistingEvent(t *testing.T) {
	t.Parallel()
	mock, store := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT e.id, e.title, e.start_time").
		WithArgs([]string{"Show"}, []time.Time{start}).
		WillReturnRows(pgxmock.NewRows([]string{"id", "title", "start_time"}).AddRow(int64(5), "Show", start))
	mock.ExpectExec("UPDATE events").
		WithArgs(int64(5), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO event_links").
		WithArgs(int64(5), []string{"https://afisha.example/e/1"}).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectCommit()

	engine := catalog.NewEngine(store, catalog.IsolationBatch, zap.NewNop())
	rep, err := engine.Merge(context.Background(), []event.NormalizedEvent{show()})
	require.NoError(t, err)
	require.Equal(t, 1, rep.Patched)
	require.Zero(t, rep.Created)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMergeRollsBackOnFailure(t *testing.T) {
	t.Parallel()
	mock, store := newMock(t)
	boom := errors.New("deadlock detected")

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT e.id, e.title, e.start_time").
		WithArgs([]string{"Show"}, []time.Time{start}).
		WillReturnRows(pgxmock.NewRows([]string{"id", "title", "start_time"}))
	mock.ExpectExec("INSERT INTO artists").
		WithArgs([]string{"imagine dragons"}).
		WillReturnError(boom)
	mock.ExpectRollback()

	engine := catalog.NewEngine(store, catalog.IsolationBatch, zap.NewNop())
	_, err := engine.Merge(context.Background(), []event.NormalizedEvent{show()})
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPatchEventNotFound(t *testing.T) {
	t.Parallel()
	mock, store := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE events").
		WithArgs(int64(99), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	err := store.InTx(context.Background(), func(r catalog.Repository) error {
		return r.PatchEvent(context.Background(), 99, catalog.Patch{PriceMin: event.IntPtr(1)})
	})
	require.ErrorIs(t, err, catalog.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOrCreateEntitiesCanonicalizesNames(t *testing.T) {
	t.Parallel()
	mock, store := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO artists").
		WithArgs([]string{"imagine dragons", "би-2"}).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectQuery("SELECT id, name FROM artists").
		WithArgs([]string{"imagine dragons", "би-2"}).
		WillReturnRows(pgxmock.NewRows([]string{"id", "name"}).
			AddRow(int64(7), "imagine dragons").
			AddRow(int64(8), "би-2"))
	mock.ExpectCommit()

	err := store.InTx(context.Background(), func(r catalog.Repository) error {
		ids, err := r.GetOrCreateEntitiesByName(context.Background(),
			[]string{"  Imagine   Dragons ", "imagine dragons", "", "Би-2"})
		require.Equal(t, map[string]int64{"imagine dragons": 7, "би-2": 8}, ids)
		return err
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindEventIDsEmptyInput(t *testing.T) {
	t.Parallel()
	mock, store := newMock(t)

	mock.ExpectBegin()
	mock.ExpectCommit()
	err := store.InTx(context.Background(), func(r catalog.Repository) error {
		found, err := r.FindEventIDsBySignatures(context.Background(), nil)
		require.Empty(t, found)
		return err
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateAppliesSchema(t *testing.T) {
	t.Parallel()
	mock, store := newMock(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS countries").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
	require.Contains(t, schema, "UNIQUE (title, start_time)")
}

func TestNewCatalogStoreValidation(t *testing.T) {
	t.Parallel()
	_, err := NewCatalogStore(context.Background(), Config{})
	require.Error(t, err)
	_, err = NewCatalogStoreWithPool(nil)
	require.Error(t, err)
}
