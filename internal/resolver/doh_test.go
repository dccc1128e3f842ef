package resolver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rotadominios/backend/internal/apperr"
)

func TestLookupCNAME(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/dns-json", r.Header.Get("Accept"))
		assert.Equal(t, "CNAME", r.URL.Query().Get("type"))
		switch r.URL.Query().Get("name") {
		case "shop.example.com":
			_, _ = w.Write([]byte(`{"Status":0,"Answer":[{"name":"shop.example.com.","type":5,"TTL":300,"data":"xyz999.cfargotunnel.com."}]}`))
		case "down.example.com":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			_, _ = w.Write([]byte(`{"Status":3}`))
		}
	}))
	defer srv.Close()

	d := NewDoH(srv.URL)

	got, err := d.LookupCNAME(context.Background(), "shop.example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"xyz999.cfargotunnel.com"}, got)

	got, err = d.LookupCNAME(context.Background(), "nx.example.com")
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = d.LookupCNAME(context.Background(), "down.example.com")
	require.Error(t, err)
	assert.Equal(t, apperr.Unreachable, apperr.KindOf(err))
}

func TestLookupCNAMESkipsOtherAnswerTypes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"Status":0,"Answer":[` +
			`{"name":"www.example.com.","type":5,"TTL":300,"data":"example.com."},` +
			`{"name":"example.com.","type":1,"TTL":300,"data":"203.0.113.7"}]}`))
	}))
	defer srv.Close()

	got, err := NewDoH(srv.URL).LookupCNAME(context.Background(), "www.example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"example.com"}, got)
}
