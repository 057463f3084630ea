package gateway

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ankie/internal/domain"
	"ankie/internal/infra/config"
)

func TestStaticTokenAuth(t *testing.T) {
	auth := NewStaticTokenAuth([]config.TokenConfig{
		{Token: "secret-123", Name: "web"},
		{Token: "secret-456", Name: "mobile"},
	})

	info, err := auth.Authenticate("secret-456")
	require.NoError(t, err)
	assert.Equal(t, "mobile", info.Name)

	for _, bad := range []string{"", "wrong", "secret-12", "secret-1234"} {
		_, err := auth.Authenticate(bad)
		assert.ErrorIs(t, err, domain.ErrGatewayAuthFailed, bad)
	}
}

func TestNewAuthenticator(t *testing.T) {
	open := NewAuthenticator(config.AuthConfig{})
	info, err := open.Authenticate("")
	require.NoError(t, err)
	assert.Equal(t, "anonymous", info.Name)

	static := NewAuthenticator(config.AuthConfig{Type: "static", Tokens: []config.TokenConfig{{Token: "t", Name: "n"}}})
	_, err = static.Authenticate("")
	assert.Error(t, err)
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=from-query", nil)
	assert.Equal(t, "from-query", bearerToken(r))

	r.Header.Set("Authorization", "Bearer from-header")
	assert.Equal(t, "from-header", bearerToken(r))

	r = httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Basic abc")
	assert.Empty(t, bearerToken(r))
}
