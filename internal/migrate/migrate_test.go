package migrate

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gorax/flowqueue/internal/errs"
	"github.com/gorax/flowqueue/internal/store"
)

func writeUnit(t *testing.T, dir, name, sql string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(sql), 0o644))
}

func TestLoadOrdersByVersion(t *testing.T) {
	dir := t.TempDir()
	writeUnit(t, dir, "V2__add_index.sql", "CREATE INDEX x;")
	writeUnit(t, dir, "V1__create_table.sql", "CREATE TABLE x();")
	writeUnit(t, dir, "README.md", "not a migration")

	units, err := Load(dir)
	require.NoError(t, err)
	require.Len(t, units, 2)
	assert.Equal(t, 1, units[0].Version)
	assert.Equal(t, "create_table", units[0].Description)
	assert.Equal(t, 2, units[1].Version)
}

func TestLoadRejectsDuplicateVersions(t *testing.T) {
	dir := t.TempDir()
	writeUnit(t, dir, "V1__first.sql", "CREATE TABLE a();")
	writeUnit(t, dir, "V1__second.sql", "CREATE TABLE b();")

	_, err := Load(dir)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrMigrationFailed))
}

func TestChecksumIsStableForIdenticalContent(t *testing.T) {
	dir := t.TempDir()
	writeUnit(t, dir, "V1__a.sql", "CREATE TABLE a();")

	units, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, checksum([]byte("CREATE TABLE a();")), units[0].Checksum)
}

func TestUpAppliesPendingUnitsAndSkipsApplied(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	units := []Unit{
		{Version: 1, Description: "create_table", Filename: "V1__create_table.sql", SQL: "CREATE TABLE a();", Checksum: "sumA"},
		{Version: 2, Description: "add_index", Filename: "V2__add_index.sql", SQL: "CREATE INDEX b;", Checksum: "sumB"},
	}

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schema_version`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT version, checksum FROM schema_version`).
		WillReturnRows(sqlmock.NewRows([]string{"version", "checksum"}).AddRow("1", "sumA"))

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE INDEX b;`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO schema_version`).
		WithArgs("2", "add_index", "sumB").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	r := NewRunner(db, store.QueueStore)
	require.NoError(t, r.Up(units))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpFailsOnChecksumMismatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	units := []Unit{
		{Version: 1, Description: "create_table", Filename: "V1__create_table.sql", SQL: "CREATE TABLE a(edited);", Checksum: "new_sum"},
	}

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schema_version`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT version, checksum FROM schema_version`).
		WillReturnRows(sqlmock.NewRows([]string{"version", "checksum"}).AddRow("1", "old_sum"))

	r := NewRunner(db, store.QueueStore)
	err = r.Up(units)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrMigrationChecksumMismatch))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpRollsBackOnApplyError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	units := []Unit{
		{Version: 1, Description: "broken", Filename: "V1__broken.sql", SQL: "CREATE TBLE a();", Checksum: "sum"},
	}

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schema_version`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT version, checksum FROM schema_version`).
		WillReturnRows(sqlmock.NewRows([]string{"version", "checksum"}))
	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TBLE a\(\);`).WillReturnError(errors.New("syntax error"))
	mock.ExpectRollback()

	r := NewRunner(db, store.QueueStore)
	err = r.Up(units)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrMigrationFailed))
}

func TestUpAgainstSourceStoreIsReadOnly(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	units := []Unit{
		{Version: 1, Description: "create_table", Filename: "V1__create_table.sql", SQL: "CREATE TABLE a();", Checksum: "sumA"},
	}

	r := NewRunner(db, store.SourceStore)
	err = r.Up(units)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrReadOnlyStore))
	assert.NoError(t, mock.ExpectationsWereMet(), "nothing may be touched on a read-only store")
}

func TestStatusReportsAppliedAndPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	units := []Unit{
		{Version: 1, Description: "create_table", Filename: "V1__create_table.sql", Checksum: "sumA"},
		{Version: 2, Description: "add_index", Filename: "V2__add_index.sql", Checksum: "sumB"},
	}

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schema_version`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT version, checksum FROM schema_version`).
		WillReturnRows(sqlmock.NewRows([]string{"version", "checksum"}).AddRow("1", "sumA"))

	r := NewRunner(db, store.QueueStore)
	report, err := r.Status(units)
	require.NoError(t, err)
	assert.Equal(t, 1, report.CurrentVersion)
	require.Len(t, report.Applied, 1)
	assert.Equal(t, 1, report.Applied[0].Version)
	assert.Equal(t, []int{2}, report.PendingVersions)
}
