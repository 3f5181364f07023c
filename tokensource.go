package sdk

import (
	"golang.org/x/oauth2"
)

// TokenSource exposes the held access token as an oauth2.TokenSource, for
// libraries that accept one. It never triggers a refresh itself: refreshing
// stays with the 401 path of this client.
func (c *Client) TokenSource() oauth2.TokenSource {
	return holderTokenSource{holder: c.holder}
}

type holderTokenSource struct {
	holder *CredentialHolder
}

func (s holderTokenSource) Token() (*oauth2.Token, error) {
	token := s.holder.Token()
	if token == "" {
		return nil, ErrNotAuthenticated
	}
	tok := &oauth2.Token{AccessToken: token, TokenType: "Bearer"}
	// Expiry is a hint only; opaque tokens simply carry none.
	if claims, err := s.holder.Claims(); err == nil {
		tok.Expiry = claims.Expiry()
	}
	return tok, nil
}
