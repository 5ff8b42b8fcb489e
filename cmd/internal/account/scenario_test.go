package account

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"accounts/cmd/identity"
)

func TestAliceSignupSigninAndPasswordChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alice := f.signup(t, "Alice", "alice@x.com", "secret1")

	got, err := f.svc.Authenticate(ctx, "alice@x.com", "secret1")
	require.NoError(t, err)
	require.Equal(t, identity.RoleSubscriber, got.Role)

	_, err = f.svc.Authenticate(ctx, "alice@x.com", "wrongpass")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	f.sessions.grant("tok-alice", alice.ID, identity.RoleSubscriber)
	_, err = f.svc.UpdateProfile(ctx, "tok-alice", alice.ID, Fields{Password: strPtr("newpass1")})
	require.NoError(t, err)

	_, err = f.svc.Authenticate(ctx, "alice@x.com", "secret1")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	got, err = f.svc.Authenticate(ctx, "alice@x.com", "newpass1")
	require.NoError(t, err)
	require.Equal(t, alice.ID, got.ID)
}
