package service

import (
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"github.com/atriumrtc/atrium-server/pkg/config"
)

const (
	authorizationHeader = "Authorization"
	bearerPrefix        = "Bearer "
	accessTokenParam    = "access_token"
)

var ErrInvalidToken = errors.New("invalid authorization token")

// Authenticator resolves a signaling request to an auth grant. Tokens are
// pre-shared via configuration; a request without a token is a guest and gets
// no grant.
type Authenticator struct {
	keys map[string]config.AuthGrant
}

func NewAuthenticator(keys map[string]config.AuthGrant) *Authenticator {
	return &Authenticator{keys: keys}
}

// Authenticate returns (grant, true) for a valid token, (zero, false) for a
// guest, and an error for a token that is present but unknown.
func (a *Authenticator) Authenticate(r *http.Request) (config.AuthGrant, bool, error) {
	token := tokenFromRequest(r)
	if token == "" {
		return config.AuthGrant{}, false, nil
	}

	grant, ok := a.keys[token]
	if !ok {
		return config.AuthGrant{}, false, ErrInvalidToken
	}
	return grant, true, nil
}

func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get(authorizationHeader); strings.HasPrefix(h, bearerPrefix) {
		return strings.TrimPrefix(h, bearerPrefix)
	}
	return r.FormValue(accessTokenParam)
}
