package repo

import (
	"net/http"
	"time"

	"modsync/pkg/credential"

	"golang.org/x/oauth2"
)

// bearerTransport sends the current token as a bearer header once one is held.
// Requests made before registration go out unauthenticated.
type bearerTransport struct {
	creds *credential.Manager
	base  http.RoundTripper
	auth  *oauth2.Transport
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.creds.Token() == "" {
		return t.base.RoundTrip(req)
	}
	return t.auth.RoundTrip(req)
}

// NewCatalogHTTPClient returns an HTTP client for catalog downloads that
// authenticates with the manager's token.
func NewCatalogHTTPClient(creds *credential.Manager, base http.RoundTripper, timeout time.Duration) *http.Client {
	if base == nil {
		base = http.DefaultTransport
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &bearerTransport{
			creds: creds,
			base:  base,
			auth:  &oauth2.Transport{Source: creds.TokenSource(), Base: base},
		},
	}
}
