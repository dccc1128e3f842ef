package database

import (
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteMigrations(t *testing.T) {
	db, err := New(DriverSQLite, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer db.Close()

	logger, _ := logtest.NewNullLogger()
	log := logrus.NewEntry(logger)

	require.NoError(t, db.RunMigrations(log))
	// Idempotent.
	require.NoError(t, db.RunMigrations(log))

	var tables []string
	require.NoError(t, db.Select(&tables, `SELECT name FROM sqlite_master WHERE type = 'table' ORDER BY name`))
	assert.Equal(t, []string{"domains", "health_checks", "tunnels", "vps_servers"}, tables)

	assert.Equal(t, "SELECT * FROM domains WHERE id = ?", db.Rebind("SELECT * FROM domains WHERE id = ?"))
}

func TestUnsupportedDriver(t *testing.T) {
	_, err := New("mysql", "x")
	assert.Error(t, err)
}
