// Package sdk provides an HTTP client that keeps an authenticated session
// alive: it stamps the current bearer token on every request, and when the
// server answers 401 it runs a single refresh exchange on behalf of every
// request that failed meanwhile, then replays them with the new token.
package sdk

import (
	"net/http"

	"github.com/authrelay/authrelay/sdk/go/headers"
)

type authStrategy interface {
	Apply(req *http.Request)
}

type authChain []authStrategy

func (c authChain) Apply(req *http.Request) {
	for _, s := range c {
		if s == nil {
			continue
		}
		s.Apply(req)
	}
}

// bearerAuth stamps whatever token the holder has at send time.
type bearerAuth struct {
	holder *CredentialHolder
}

func (b bearerAuth) Apply(req *http.Request) {
	if b.holder == nil {
		return
	}
	stampBearer(req, b.holder.Token())
}

// stampBearer sets the Authorization header. An empty token leaves the
// request unauthenticated.
func stampBearer(req *http.Request, token string) {
	if token == "" {
		return
	}
	req.Header.Set(headers.Authorization, "Bearer "+token)
}
