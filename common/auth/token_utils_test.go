package auth_test

import (
	"strings"
	"testing"
	"time"

	"github.com/TNZtims/bazaar-pos-sub001/common/auth"
	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidator_SignAndIdentify(t *testing.T) {
	v := auth.NewValidator("test-secret")

	token, err := v.Sign(auth.Identity{Subject: "u1", Role: auth.RoleCashier, StoreID: "s1"}, time.Hour)
	require.NoError(t, err)

	id, err := v.Identify(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", id.Subject)
	assert.Equal(t, auth.RoleCashier, id.Role)
	assert.Equal(t, "s1", id.StoreID)
}

func TestValidator_RejectsForeignSecretAndExpired(t *testing.T) {
	signer := auth.NewValidator("other")
	token, err := signer.Sign(auth.Identity{Subject: "u1"}, time.Hour)
	require.NoError(t, err)

	v := auth.NewValidator("test-secret")
	_, err = v.Identify(token)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)

	expired, err := v.Sign(auth.Identity{Subject: "u1"}, -time.Minute)
	require.NoError(t, err)
	_, err = v.Identify(expired)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestValidator_RejectsNonHMAC(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "u1"})
	raw, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = auth.NewValidator("test-secret").Identify(raw)
	assert.Error(t, err)
}

func TestValidator_Unconfigured(t *testing.T) {
	_, err := auth.NewValidator("  ").Identify("x")
	assert.ErrorIs(t, err, auth.ErrSecretNotConfigured)
}

func TestActorID(t *testing.T) {
	assert.Equal(t, "customer:u1", auth.ActorID(auth.Identity{Subject: "u1", Role: auth.RoleCustomer}, "s1"))
	assert.Equal(t, "cashier:c7@s1", auth.ActorID(auth.Identity{Subject: "c7", Role: auth.RoleCashier}, "s1"))
	assert.Equal(t, "anon:abc", auth.AnonymousActorID("abc"))
}

func TestPublicActorID_HidesSession(t *testing.T) {
	session := "0b6f7c1e-2d4a-4f8e-9a51-6c3e1d2b7f90"
	public := auth.PublicActorID(auth.AnonymousActorID(session))

	assert.True(t, strings.HasPrefix(public, "anon:#"))
	assert.NotContains(t, public, session)
	assert.Equal(t, public, auth.PublicActorID(auth.AnonymousActorID(session)))
	assert.NotEqual(t, public, auth.PublicActorID(auth.AnonymousActorID("other")))

	assert.Equal(t, "cashier:c7@s1", auth.PublicActorID("cashier:c7@s1"))
}

func TestBearerToken(t *testing.T) {
	tok, ok := auth.BearerToken("Bearer abc")
	assert.True(t, ok)
	assert.Equal(t, "abc", tok)

	_, ok = auth.BearerToken("Basic abc")
	assert.False(t, ok)
	_, ok = auth.BearerToken("Bearer ")
	assert.False(t, ok)
}
