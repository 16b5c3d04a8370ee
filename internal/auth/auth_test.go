package auth

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ananta888/ananta/internal/models"
)

func TestAuthenticatorOpen(t *testing.T) {
	local := models.Caller{Subject: "node", Role: "hub", Admin: true}
	a := NewAuthenticator(nil, local)
	require.True(t, a.Open())

	caller, err := a.Resolve(httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)
	assert.Equal(t, local, caller)
}

func TestAuthenticatorTokens(t *testing.T) {
	a := NewAuthenticator([]Token{
		{Token: "t-hub", Subject: "ops", Role: "hub", Admin: true},
		{Token: "t-worker", Subject: "w1", Role: "worker"},
		{Token: "  "},
	}, models.Caller{Subject: "node"})
	require.False(t, a.Open())

	req := httptest.NewRequest("GET", "/", nil)
	_, err := a.Resolve(req)
	assert.ErrorIs(t, err, ErrUnauthorized)

	req.Header.Set("Authorization", "Bearer t-worker")
	caller, err := a.Resolve(req)
	require.NoError(t, err)
	assert.Equal(t, models.Caller{Subject: "w1", Role: "worker"}, caller)

	req.Header.Set("Authorization", "bearer t-hub")
	caller, err = a.Resolve(req)
	require.NoError(t, err)
	assert.True(t, caller.Admin)

	req.Header.Set("Authorization", "Bearer nope")
	_, err = a.Resolve(req)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestCallerContext(t *testing.T) {
	_, ok := CallerFrom(context.Background())
	assert.False(t, ok)

	ctx := WithCaller(context.Background(), models.Caller{Subject: "x"})
	c, ok := CallerFrom(ctx)
	require.True(t, ok)
	assert.Equal(t, "x", c.Subject)
}

func TestManagerLoginLogout(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir)
	require.NoError(t, err)
	assert.Nil(t, m.Credentials())
	assert.Error(t, m.Login("http://a", ""))

	require.NoError(t, m.Login("http://a", "secret"))
	info, err := os.Stat(filepath.Join(dir, credentialsFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	reloaded, err := NewManager(dir)
	require.NoError(t, err)
	assert.Equal(t, "secret", reloaded.TokenFor("http://a"))
	assert.Equal(t, "", reloaded.TokenFor("http://b"))

	require.NoError(t, reloaded.Logout())
	assert.Nil(t, reloaded.Credentials())
	_, err = os.Stat(filepath.Join(dir, credentialsFile))
	assert.True(t, os.IsNotExist(err))
}
