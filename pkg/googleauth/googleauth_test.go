package googleauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tokenServer(t *testing.T, check func(r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		check(r)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-123","token_type":"Bearer","expires_in":3600}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTokenSource_RefreshToken(t *testing.T) {
	srv := tokenServer(t, func(r *http.Request) {
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "rt", r.PostForm.Get("refresh_token"))
		assert.Equal(t, "cid", r.PostForm.Get("client_id"))
		assert.Equal(t, "secret", r.PostForm.Get("client_secret"))
	})

	ts, err := TokenSource(context.Background(), Credentials{
		ClientID: "cid", ClientSecret: "secret", RefreshToken: "rt", TokenURL: srv.URL,
	}, ScopeSearchConsole)
	require.NoError(t, err)

	tok, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "tok-123", tok.AccessToken)
}

func TestTokenSource_ServiceAccount(t *testing.T) {
	srv := tokenServer(t, func(r *http.Request) {
		assert.Equal(t, "urn:ietf:params:oauth:grant-type:jwt-bearer", r.PostForm.Get("grant_type"))
		assert.NotEmpty(t, r.PostForm.Get("assertion"))
	})

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pemKey := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	data, err := json.Marshal(map[string]string{
		"type":         "service_account",
		"client_email": "aio@project.iam.gserviceaccount.com",
		"private_key":  string(pemKey),
		"token_uri":    srv.URL,
	})
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "sa.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	client, err := HTTPClient(context.Background(), Credentials{ServiceAccountFile: path}, ScopeAds)
	require.NoError(t, err)

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer api.Close()

	resp, err := client.Get(api.URL)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestTokenSource_Errors(t *testing.T) {
	_, err := TokenSource(context.Background(), Credentials{})
	assert.Error(t, err)

	_, err = TokenSource(context.Background(), Credentials{ServiceAccountFile: filepath.Join(t.TempDir(), "missing.json")})
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "user.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"type":"authorized_user"}`), 0o600))
	_, err = TokenSource(context.Background(), Credentials{ServiceAccountFile: path})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported credentials type")
}
