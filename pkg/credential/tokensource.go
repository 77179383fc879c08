package credential

import (
	"errors"

	"golang.org/x/oauth2"
)

var errNoToken = errors.New("credential: no token available")

type managerTokenSource struct {
	m *Manager
}

// TokenSource exposes the current token as an oauth2 bearer token so HTTP
// clients built with oauth2.Transport send it as an Authorization header.
func (m *Manager) TokenSource() oauth2.TokenSource {
	return managerTokenSource{m: m}
}

func (s managerTokenSource) Token() (*oauth2.Token, error) {
	token := s.m.Token()
	if token == "" {
		return nil, errNoToken
	}
	return &oauth2.Token{AccessToken: token, TokenType: "Bearer"}, nil
}
