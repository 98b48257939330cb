package identity

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/require"
)

func TestAuthenticate_RoundTrip(t *testing.T) {
	v := NewVerifier("secret", "chatcore")
	token, err := v.Sign(Identity{UserID: "u1", Email: "u1@example.com", DisplayName: "U One"}, time.Hour)
	require.NoError(t, err)

	id, err := v.Authenticate(context.Background(), token)
	require.NoError(t, err)
	require.Equal(t, Identity{UserID: "u1", Email: "u1@example.com", DisplayName: "U One"}, id)
}

func TestAuthenticate_Rejects(t *testing.T) {
	ctx := context.Background()
	v := NewVerifier("secret", "chatcore")

	expired, err := v.Sign(Identity{UserID: "u1"}, -time.Minute)
	require.NoError(t, err)
	otherKey, err := NewVerifier("other", "chatcore").Sign(Identity{UserID: "u1"}, time.Hour)
	require.NoError(t, err)
	otherIssuer, err := NewVerifier("secret", "elsewhere").Sign(Identity{UserID: "u1"}, time.Hour)
	require.NoError(t, err)
	noSubject, err := v.Sign(Identity{}, time.Hour)
	require.NoError(t, err)
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "u1"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for name, token := range map[string]string{
		"empty":        "",
		"garbage":      "not-a-jwt",
		"expired":      expired,
		"wrong key":    otherKey,
		"wrong issuer": otherIssuer,
		"no subject":   noSubject,
		"alg none":     none,
	} {
		_, err := v.Authenticate(ctx, token)
		require.ErrorIs(t, err, ErrInvalidToken, name)
	}
}
