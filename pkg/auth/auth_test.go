package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyRoundTrip(t *testing.T) {
	v := NewHMACVerifier("secret", 0)
	token, err := v.Sign("u1", "Ann", time.Minute)
	require.NoError(t, err)

	id, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", id.UserID)
	assert.Equal(t, "Ann", id.Name)
	assert.False(t, id.Anonymous)
	assert.False(t, id.ReadOnly)
}

func TestVerifyFailures(t *testing.T) {
	v := NewHMACVerifier("secret", 0)

	_, err := v.Verify("")
	assert.ErrorIs(t, err, ErrMissingToken)

	_, err = v.Verify("not.a.jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)

	other := NewHMACVerifier("other", 0)
	token, err := other.Sign("u1", "", time.Minute)
	require.NoError(t, err)
	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired, err := v.Sign("u1", "", -time.Minute)
	require.NoError(t, err)
	_, err = v.Verify(expired)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws/doc?token=abc", nil)
	assert.Equal(t, "abc", TokenFromRequest(r))

	r = httptest.NewRequest("GET", "/ws/doc", nil)
	r.Header.Set("Authorization", "Bearer xyz")
	assert.Equal(t, "xyz", TokenFromRequest(r))

	r = httptest.NewRequest("GET", "/ws/doc", nil)
	assert.Equal(t, "", TokenFromRequest(r))
}

func TestPrefixPolicy(t *testing.T) {
	p := PrefixPolicy{Prefixes: []string{"public-"}}
	assert.True(t, p.PublicRead("public-notes"))
	assert.False(t, p.PublicRead("private"))
	assert.True(t, PrefixPolicy{Prefixes: []string{""}}.PublicRead("anything"))
	assert.False(t, PrefixPolicy{}.PublicRead("anything"))
}
