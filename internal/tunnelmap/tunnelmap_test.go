package tunnelmap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
mappings:
  - hostname: Shop.Example.com
    tunnel: edge-eu-1
    confirmed_by: ops@example.com
  - hostname: blog.example.com
    tunnel: edge-us-1
    confirmed_by: ops@example.com
`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tunnels.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	m, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Len())

	e, ok := m.Lookup("shop.example.com.")
	require.True(t, ok)
	assert.Equal(t, "edge-eu-1", e.Tunnel)

	// No prefix or substring matching.
	_, ok = m.Lookup("www.shop.example.com")
	assert.False(t, ok)
	_, ok = m.Lookup("example.com")
	assert.False(t, ok)

	assert.Equal(t, "blog.example.com", m.All()[0].Hostname)
}

func TestLoadEmptyPath(t *testing.T) {
	m, err := Load("")
	require.NoError(t, err)
	_, ok := m.Lookup("shop.example.com")
	assert.False(t, ok)
}

func TestParseValidation(t *testing.T) {
	for _, tt := range []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{name: "missing tunnel", yaml: "mappings:\n  - hostname: a.example.com\n    confirmed_by: x\n", wantErr: "tunnel is required"},
		{name: "unconfirmed", yaml: "mappings:\n  - hostname: a.example.com\n    tunnel: t\n", wantErr: "confirmed_by is required"},
		{name: "duplicate", yaml: "mappings:\n  - {hostname: a.example.com, tunnel: t, confirmed_by: x}\n  - {hostname: A.example.com, tunnel: u, confirmed_by: y}\n", wantErr: "duplicate hostname"},
		{name: "bad yaml", yaml: "mappings: [", wantErr: "failed to parse"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
