package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rotadominios/backend/internal/database"
	"rotadominios/backend/internal/models"
	"rotadominios/backend/internal/reconcile"
	"rotadominios/backend/internal/store"
)

const mapping = `mappings:
  - hostname: Shop.Example.com
    tunnel: edge-eu-1
    confirmed_by: ops@example.com
  - hostname: blog.example.com
    tunnel: edge-eu-1
    confirmed_by: ops@example.com
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// setEnv points the CLI at a fresh SQLite file.
func setEnv(t *testing.T) string {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "domainctl.db")
	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("DATABASE_URL", dsn)
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("TUNNEL_MAP_FILE", "")
	return dsn
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCommand(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestTunnelmapValidate(t *testing.T) {
	setEnv(t)
	path := writeFile(t, "map.yaml", mapping)

	out, err := run(t, "tunnelmap", "validate", path)
	require.NoError(t, err)

	var got struct {
		File     string `json:"file"`
		Count    int    `json:"count"`
		Mappings []struct {
			Hostname string `json:"hostname"`
		} `json:"mappings"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, path, got.File)
	assert.Equal(t, 2, got.Count)
	require.Len(t, got.Mappings, 2)
	assert.Equal(t, "blog.example.com", got.Mappings[0].Hostname)
	assert.Equal(t, "shop.example.com", got.Mappings[1].Hostname)
}

func TestTunnelmapValidateErrors(t *testing.T) {
	setEnv(t)

	_, err := run(t, "tunnelmap", "validate")
	assert.ErrorContains(t, err, "TUNNEL_MAP_FILE is unset")

	bad := writeFile(t, "bad.yaml", "mappings:\n  - hostname: a.example.com\n    tunnel: edge\n")
	_, err = run(t, "tunnelmap", "validate", bad)
	assert.ErrorContains(t, err, "confirmed_by is required")
}

func TestTunnelmapImport(t *testing.T) {
	dsn := setEnv(t)
	ctx := context.Background()

	db, err := database.New(database.DriverSQLite, dsn)
	require.NoError(t, err)
	logger, _ := logtest.NewNullLogger()
	require.NoError(t, db.RunMigrations(logrus.NewEntry(logger)))
	st := store.NewSQL(db)

	tun := models.Tunnel{CFTunnelID: "abc123", CFAccountID: "acc", Name: "edge-eu-1"}
	require.NoError(t, st.CreateTunnel(ctx, &tun))
	vps := models.VPS{Name: "vps-1", IPv4: "203.0.113.7", TunnelID: &tun.ID}
	require.NoError(t, st.CreateVPS(ctx, &vps))
	shop := models.Domain{Hostname: "shop.example.com", PublishStrategy: models.StrategyTunnel, Status: models.StatusPending, Active: true}
	require.NoError(t, st.CreateDomain(ctx, &shop))
	require.NoError(t, db.Close())

	out, err := run(t, "tunnelmap", "import", writeFile(t, "map.yaml", mapping))
	require.NoError(t, err)

	var report reconcile.MappingReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.Len(t, report.FixesApplied, 2)
	assert.Equal(t, reconcile.ActionAssignVPS, report.FixesApplied[0].Action)
	assert.Equal(t, []reconcile.Skipped{{Hostname: "blog.example.com", Reason: "no domain record"}}, report.Skipped)

	db, err = database.New(database.DriverSQLite, dsn)
	require.NoError(t, err)
	defer db.Close()
	got, err := store.NewSQL(db).GetDomain(ctx, shop.ID)
	require.NoError(t, err)
	require.NotNil(t, got.VPSID)
	assert.Equal(t, vps.ID, *got.VPSID)
	require.NotNil(t, got.TunnelID)
	assert.Equal(t, tun.ID, *got.TunnelID)
}

func TestParseIDs(t *testing.T) {
	_, err := parseIDs([]string{"not-a-uuid"})
	assert.Error(t, err)

	ids, err := parseIDs([]string{"6f1c1c3e-1b7a-4c7e-9a43-1d2f1c0b9e11"})
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}
