// Package googleauth builds OAuth2 HTTP clients for Google APIs from either
// a service account key file or an installed-app refresh token.
package googleauth

import (
	"context"
	"encoding/json"
	"net/http"
	"os"

	"github.com/rotisserie/eris"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/jwt"
)

// Scopes used by the analyzer.
const (
	ScopeSearchConsole = "https://www.googleapis.com/auth/webmasters.readonly"
	ScopeAds           = "https://www.googleapis.com/auth/adwords"
)

// DefaultTokenURL is Google's OAuth2 token endpoint.
const DefaultTokenURL = "https://oauth2.googleapis.com/token"

// Credentials selects how tokens are minted. ServiceAccountFile wins when set.
type Credentials struct {
	ServiceAccountFile string
	ClientID           string
	ClientSecret       string
	RefreshToken       string
	TokenURL           string
}

type serviceAccountKey struct {
	Type         string `json:"type"`
	ClientEmail  string `json:"client_email"`
	PrivateKey   string `json:"private_key"`
	PrivateKeyID string `json:"private_key_id"`
	TokenURI     string `json:"token_uri"`
}

// TokenSource returns a reusable token source for scopes.
func TokenSource(ctx context.Context, creds Credentials, scopes ...string) (oauth2.TokenSource, error) {
	tokenURL := creds.TokenURL
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}

	if creds.ServiceAccountFile != "" {
		data, err := os.ReadFile(creds.ServiceAccountFile)
		if err != nil {
			return nil, eris.Wrapf(err, "googleauth: read service account %s", creds.ServiceAccountFile)
		}
		var key serviceAccountKey
		if err := json.Unmarshal(data, &key); err != nil {
			return nil, eris.Wrap(err, "googleauth: parse service account")
		}
		if key.Type != "" && key.Type != "service_account" {
			return nil, eris.Errorf("googleauth: unsupported credentials type %q", key.Type)
		}
		if key.ClientEmail == "" || key.PrivateKey == "" {
			return nil, eris.New("googleauth: service account needs client_email and private_key")
		}
		if key.TokenURI != "" && creds.TokenURL == "" {
			tokenURL = key.TokenURI
		}
		cfg := &jwt.Config{
			Email:        key.ClientEmail,
			PrivateKey:   []byte(key.PrivateKey),
			PrivateKeyID: key.PrivateKeyID,
			Scopes:       scopes,
			TokenURL:     tokenURL,
		}
		return cfg.TokenSource(ctx), nil
	}

	if creds.ClientID == "" || creds.ClientSecret == "" || creds.RefreshToken == "" {
		return nil, eris.New("googleauth: client_id, client_secret and refresh_token are required without a service account")
	}
	cfg := &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL, AuthStyle: oauth2.AuthStyleInParams},
		Scopes:       scopes,
	}
	return cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: creds.RefreshToken}), nil
}

// HTTPClient returns an http.Client that authorizes every request.
func HTTPClient(ctx context.Context, creds Credentials, scopes ...string) (*http.Client, error) {
	ts, err := TokenSource(ctx, creds, scopes...)
	if err != nil {
		return nil, err
	}
	return oauth2.NewClient(ctx, ts), nil
}
