package identity

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testIssuer = "https://id.example.com"

func signToken(t *testing.T, key *rsa.PrivateKey, claims map[string]any) string {
	t.Helper()
	enc := base64.RawURLEncoding

	header, err := json.Marshal(map[string]string{"alg": "RS256", "typ": "JWT"})
	require.NoError(t, err)
	payload, err := json.Marshal(claims)
	require.NoError(t, err)

	signingInput := enc.EncodeToString(header) + "." + enc.EncodeToString(payload)
	digest := sha256.Sum256([]byte(signingInput))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	require.NoError(t, err)

	return signingInput + "." + enc.EncodeToString(sig)
}

func newTestVerifier(t *testing.T) (*OIDCVerifier, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	keySet := &oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&key.PublicKey}}
	v := oidc.NewVerifier(testIssuer, keySet, &oidc.Config{ClientID: "orgplane"})
	return NewVerifierFromIDTokenVerifier(v), key
}

func TestOIDCVerifier_Verify(t *testing.T) {
	verifier, key := newTestVerifier(t)
	ctx := context.Background()
	exp := time.Now().Add(time.Hour).Unix()

	t.Run("valid token", func(t *testing.T) {
		raw := signToken(t, key, map[string]any{
			"iss":         testIssuer,
			"aud":         "orgplane",
			"sub":         "user-1",
			"exp":         exp,
			"email":       "Ada@Example.com",
			"given_name":  "Ada",
			"family_name": "Lovelace",
			"amr":         []string{"pwd", "otp"},
		})

		claims, err := verifier.Verify(ctx, raw)
		require.NoError(t, err)
		assert.Equal(t, "user-1", claims.Subject)
		assert.Equal(t, "Ada@Example.com", claims.Email)
		assert.Equal(t, "Ada", claims.GivenName)
		assert.True(t, claims.MultiFactor())
	})

	t.Run("wrong audience", func(t *testing.T) {
		raw := signToken(t, key, map[string]any{
			"iss": testIssuer, "aud": "other", "sub": "user-1", "exp": exp, "email": "a@example.com",
		})
		_, err := verifier.Verify(ctx, raw)
		assert.Error(t, err)
	})

	t.Run("expired", func(t *testing.T) {
		raw := signToken(t, key, map[string]any{
			"iss": testIssuer, "aud": "orgplane", "sub": "user-1",
			"exp": time.Now().Add(-time.Hour).Unix(), "email": "a@example.com",
		})
		_, err := verifier.Verify(ctx, raw)
		assert.Error(t, err)
	})

	t.Run("missing email", func(t *testing.T) {
		raw := signToken(t, key, map[string]any{
			"iss": testIssuer, "aud": "orgplane", "sub": "user-1", "exp": exp,
		})
		_, err := verifier.Verify(ctx, raw)
		assert.Error(t, err)
	})

	t.Run("foreign key", func(t *testing.T) {
		other, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
		raw := signToken(t, other, map[string]any{
			"iss": testIssuer, "aud": "orgplane", "sub": "user-1", "exp": exp, "email": "a@example.com",
		})
		_, err = verifier.Verify(ctx, raw)
		assert.Error(t, err)
	})
}

func TestClaims_MultiFactor(t *testing.T) {
	assert.False(t, (&Claims{}).MultiFactor())
	assert.False(t, (&Claims{AMR: []string{"pwd"}}).MultiFactor())
	assert.True(t, (&Claims{AMR: []string{"pwd", "mfa"}}).MultiFactor())
}
