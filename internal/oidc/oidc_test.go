package oidc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewVerifier_DiscoveryFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := NewVerifier(context.Background(), srv.URL, "docstore")
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to discover OIDC provider")
}

func TestNewVerifier_RejectsForeignToken(t *testing.T) {
	var issuer string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/openid-configuration" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"issuer":"` + issuer + `","jwks_uri":"` + issuer + `/keys","authorization_endpoint":"` + issuer + `/auth","token_endpoint":"` + issuer + `/token","id_token_signing_alg_values_supported":["RS256"]}`))
	}))
	defer srv.Close()
	issuer = srv.URL

	v, err := NewVerifier(context.Background(), issuer, "docstore")
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), "not-a-token")
	require.Error(t, err)
}
