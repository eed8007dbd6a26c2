package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relgraph/internal/dbexec"
	"relgraph/internal/sqlutil"
	"relgraph/internal/storage"
)

func newMockStore(t *testing.T, dialect sqlutil.Dialect) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(dbexec.NewStandardExecutor(db), dialect, WithPinger(db)), mock
}

func TestSelect_ScansRowsByColumn(t *testing.T) {
	store, mock := newMockStore(t, sqlutil.MySQL)

	mock.ExpectQuery("SELECT `Id`, `Description` FROM `Offering` WHERE `Id` IN (?,?) LIMIT 0,10").
		WithArgs(int64(1), int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"Id", "Description"}).
			AddRow(int64(1), []byte("first")).
			AddRow(int64(2), nil))

	rows, err := store.Select(context.Background(), storage.SelectStatement{
		Table:      "Offering",
		Columns:    []string{"Id", "Description"},
		Predicates: []storage.Predicate{{Column: "Id", Operator: storage.OpIn, Values: []any{int64(1), int64(2)}}},
		Limit:      10,
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, storage.Row{"Id": int64(1), "Description": "first"}, rows[0])
	assert.Equal(t, storage.Row{"Id": int64(2), "Description": nil}, rows[1])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSelect_NoRowsReturnsEmptySlice(t *testing.T) {
	store, mock := newMockStore(t, sqlutil.MySQL)

	mock.ExpectQuery("SELECT `Id` FROM `Offering` LIMIT 0,5").
		WillReturnRows(sqlmock.NewRows([]string{"Id"}))

	rows, err := store.Select(context.Background(), storage.SelectStatement{
		Table:   "Offering",
		Columns: []string{"Id"},
		Limit:   5,
	})
	require.NoError(t, err)
	assert.NotNil(t, rows)
	assert.Empty(t, rows)
}

func TestSelect_PropagatesQueryError(t *testing.T) {
	store, mock := newMockStore(t, sqlutil.MySQL)

	boom := errors.New("connection reset")
	mock.ExpectQuery("SELECT `Id` FROM `Offering` LIMIT 0,5").WillReturnError(boom)

	_, err := store.Select(context.Background(), storage.SelectStatement{
		Table:   "Offering",
		Columns: []string{"Id"},
		Limit:   5,
	})
	require.ErrorIs(t, err, boom)
}

func TestInsert_UsesLastInsertID(t *testing.T) {
	store, mock := newMockStore(t, sqlutil.MySQL)

	mock.ExpectExec("INSERT INTO `Product` (`OfferingId`,`Price`) VALUES (?,?)").
		WithArgs(int64(1), 2).
		WillReturnResult(sqlmock.NewResult(10, 1))
	mock.ExpectExec("INSERT INTO `Product` (`OfferingId`,`Price`) VALUES (?,?)").
		WithArgs(int64(1), 3).
		WillReturnResult(sqlmock.NewResult(11, 1))

	ids, err := store.Insert(context.Background(), storage.InsertStatement{
		Table:      "Product",
		PrimaryKey: "Id",
		Rows: []storage.Row{
			{"OfferingId": int64(1), "Price": 2},
			{"OfferingId": int64(1), "Price": 3},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{int64(10), int64(11)}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsert_ExplicitKeyIsReported(t *testing.T) {
	store, mock := newMockStore(t, sqlutil.SQLite)

	mock.ExpectExec(`INSERT INTO "I18n" ("Code","Text") VALUES (?,?)`).
		WithArgs("hello", "Hello").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ids, err := store.Insert(context.Background(), storage.InsertStatement{
		Table:      "I18n",
		PrimaryKey: "Code",
		Rows:       []storage.Row{{"Code": "hello", "Text": "Hello"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"hello"}, ids)
}

func TestInsert_PostgresReturning(t *testing.T) {
	store, mock := newMockStore(t, sqlutil.Postgres)

	mock.ExpectQuery(`INSERT INTO "Offering" ("Description") VALUES ($1) RETURNING "Id"`).
		WithArgs("x").
		WillReturnRows(sqlmock.NewRows([]string{"Id"}).AddRow(int64(42)))

	ids, err := store.Insert(context.Background(), storage.InsertStatement{
		Table:      "Offering",
		PrimaryKey: "Id",
		Rows:       []storage.Row{{"Description": "x"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{int64(42)}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsert_ErrorNamesRow(t *testing.T) {
	store, mock := newMockStore(t, sqlutil.MySQL)

	mock.ExpectExec("INSERT INTO `Product` (`Price`) VALUES (?)").
		WillReturnError(errors.New("duplicate entry"))

	_, err := store.Insert(context.Background(), storage.InsertStatement{
		Table:      "Product",
		PrimaryKey: "Id",
		Rows:       []storage.Row{{"Price": 1}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "row 0")
	assert.Contains(t, err.Error(), "duplicate entry")
}

func TestUpdate_SkipsKeyOnlyRows(t *testing.T) {
	store, mock := newMockStore(t, sqlutil.MySQL)

	mock.ExpectExec("UPDATE `Product` SET `Price` = ? WHERE `Id` = ?").
		WithArgs(5, int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Update(context.Background(), storage.UpdateStatement{
		Table:      "Product",
		PrimaryKey: "Id",
		Rows: []storage.Row{
			{"Id": int64(2)},
			{"Id": int64(3), "Price": 5},
		},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInTx_StatementsJoinTransaction(t *testing.T) {
	store, mock := newMockStore(t, sqlutil.MySQL)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `Offering` (`Description`) VALUES (?)").
		WithArgs("x").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE `Offering` SET `Description` = ? WHERE `Id` = ?").
		WithArgs("y", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.InTx(context.Background(), func(ctx context.Context) error {
		ids, err := store.Insert(ctx, storage.InsertStatement{
			Table: "Offering", PrimaryKey: "Id", Rows: []storage.Row{{"Description": "x"}},
		})
		if err != nil {
			return err
		}
		return store.Update(ctx, storage.UpdateStatement{
			Table: "Offering", PrimaryKey: "Id", Rows: []storage.Row{{"Id": ids[0], "Description": "y"}},
		})
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInTx_RollsBackOnError(t *testing.T) {
	store, mock := newMockStore(t, sqlutil.MySQL)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `Offering` (`Description`) VALUES (?)").
		WillReturnError(errors.New("constraint failed"))
	mock.ExpectRollback()

	err := store.InTx(context.Background(), func(ctx context.Context) error {
		_, err := store.Insert(ctx, storage.InsertStatement{
			Table: "Offering", PrimaryKey: "Id", Rows: []storage.Row{{"Description": "x"}},
		})
		return err
	})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPing(t *testing.T) {
	store, _ := newMockStore(t, sqlutil.MySQL)
	require.NoError(t, store.Ping(context.Background()))

	bare := New(dbexec.NewStandardExecutor(nil), sqlutil.MySQL)
	require.NoError(t, bare.Ping(context.Background()))
	_, err := bare.Select(context.Background(), storage.SelectStatement{Table: "t", Columns: []string{"a"}})
	require.ErrorIs(t, err, sql.ErrConnDone)
}

func TestSelect_RejectsEmptyColumns(t *testing.T) {
	store, _ := newMockStore(t, sqlutil.MySQL)
	_, err := store.Select(context.Background(), storage.SelectStatement{Table: "t"})
	require.Error(t, err)
}
