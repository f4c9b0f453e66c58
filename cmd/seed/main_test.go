package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/pxm/internal/identity"
)

func newIdentityService(t *testing.T, store identity.Store) *identity.Service {
	t.Helper()
	tokens, err := identity.NewTokenIssuer([]byte("seed-test-secret"), "", "", time.Hour)
	require.NoError(t, err)
	return identity.NewService(store, tokens)
}

func TestSeed(t *testing.T) {
	ctx := context.Background()
	svc := newIdentityService(t, identity.NewMemoryStore())

	var out bytes.Buffer
	require.NoError(t, seed(ctx, svc, &out))

	for _, u := range seedUsers {
		assert.Contains(t, out.String(), u.email)
	}

	users, err := svc.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, users, len(seedUsers))

	login, err := svc.Login(ctx, identity.LoginInput{Email: "lee@pxm.com", Password: seedPassword})
	require.NoError(t, err)

	mgr, err := svc.ManagerOf(ctx, login.User.ID)
	require.NoError(t, err)
	assert.Equal(t, "kim@pxm.com", mgr.Email)
}

func TestSeed_rerunLogsInExistingUsers(t *testing.T) {
	ctx := context.Background()
	svc := newIdentityService(t, identity.NewMemoryStore())

	require.NoError(t, seed(ctx, svc, &bytes.Buffer{}))

	var out bytes.Buffer
	require.NoError(t, seed(ctx, svc, &out))

	users, err := svc.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, users, len(seedUsers), "rerun must not duplicate users")

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Len(t, lines, len(seedUsers)+1)
}
