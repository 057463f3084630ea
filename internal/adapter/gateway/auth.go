package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"ankie/internal/domain"
	"ankie/internal/infra/config"
)

// ClientInfo identifies an authenticated gateway client.
type ClientInfo struct {
	Name string
	// Verified is set when Name comes from a checked credential.
	Verified bool
}

// Authenticator validates incoming gateway connections.
type Authenticator interface {
	Authenticate(token string) (*ClientInfo, error)
}

// StaticTokenAuth checks bearer tokens against a fixed list in constant time.
type StaticTokenAuth struct {
	tokens [][]byte
	infos  []*ClientInfo
}

// NewStaticTokenAuth builds an authenticator from configured tokens.
func NewStaticTokenAuth(tokens []config.TokenConfig) *StaticTokenAuth {
	a := &StaticTokenAuth{}
	for _, t := range tokens {
		a.tokens = append(a.tokens, []byte(t.Token))
		a.infos = append(a.infos, &ClientInfo{Name: t.Name, Verified: true})
	}
	return a
}

func (s *StaticTokenAuth) Authenticate(token string) (*ClientInfo, error) {
	if token == "" {
		return nil, domain.ErrGatewayAuthFailed
	}
	tb := []byte(token)
	for i, want := range s.tokens {
		if subtle.ConstantTimeCompare(tb, want) == 1 {
			return s.infos[i], nil
		}
	}
	return nil, domain.ErrGatewayAuthFailed
}

// OpenAuth accepts every connection as the anonymous client. It is meant
// for a gateway bound to localhost.
type OpenAuth struct{}

func (OpenAuth) Authenticate(string) (*ClientInfo, error) {
	return &ClientInfo{Name: "anonymous"}, nil
}

// NewAuthenticator picks the authenticator for cfg.
func NewAuthenticator(cfg config.AuthConfig) Authenticator {
	if cfg.Type == "static" {
		return NewStaticTokenAuth(cfg.Tokens)
	}
	return OpenAuth{}
}

// bearerToken reads the Authorization header, falling back to the token
// query parameter for browsers that cannot set WebSocket headers.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	return r.URL.Query().Get("token")
}
