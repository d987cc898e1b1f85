package storage

import (
	"testing"

	"github.com/CarryPigeon/CarryPigeon-Desktop-sub001/plugin"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Error paths are exercised with sqlmock; the happy paths run against
// real sqlite in store_test.go.

func TestSavePropagatesExecError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO plugin_state").
		WillReturnError(assert.AnError)

	s := NewStore(db)
	err = s.Save("srv-a", &plugin.InstalledState{PluginID: "markdown", Status: plugin.StatusOK})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "save state for markdown")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListPropagatesQueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT plugin_id, installed_versions").
		WillReturnError(assert.AnError)

	s := NewStore(db)
	_, err = s.List("srv-a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list states for scope srv-a")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListRejectsCorruptVersionsJSON(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{
		"plugin_id", "installed_versions", "current_version", "enabled", "status", "last_error",
	}).AddRow("markdown", "{corrupt", "", false, "ok", "")
	mock.ExpectQuery("SELECT plugin_id, installed_versions").
		WillReturnRows(rows)

	s := NewStore(db)
	_, err = s.List("srv-a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse versions for markdown")
}
