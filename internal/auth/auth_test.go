package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestAuthenticate(t *testing.T) {
	bcryptHash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	store := NewStaticStore([]DeviceConfig{
		{DeviceID: "dev-bcrypt", SecretHash: string(bcryptHash)},
		{DeviceID: "dev-sha", SecretHash: SHA256Hash("token-1")},
		{DeviceID: "dev-cert", CertFingerprint: "AB:CD:EF:01"},
		{DeviceID: "dev-off", SecretHash: SHA256Hash("token-2"), Disabled: true},
	})
	a := NewAuthenticator(store)
	ctx := context.Background()

	cases := []struct {
		name       string
		device     string
		credential string
		ok         bool
		reason     string
	}{
		{"bcrypt secret", "dev-bcrypt", "s3cret", true, ""},
		{"bcrypt mismatch", "dev-bcrypt", "wrong", false, ReasonMismatch},
		{"sha256 secret", "dev-sha", "token-1", true, ""},
		{"sha256 mismatch", "dev-sha", "token-9", false, ReasonMismatch},
		{"cert fingerprint", "dev-cert", "cert:abcdef01", true, ""},
		{"unknown device", "dev-ghost", "anything", false, ReasonUnknownDevice},
		{"inactive device", "dev-off", "token-2", false, ReasonInactiveDevice},
		{"missing credential", "dev-sha", "", false, ReasonMissingCredential},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := a.Authenticate(ctx, tc.device, tc.credential)
			assert.Equal(t, tc.ok, res.OK)
			assert.Equal(t, tc.reason, res.Reason)
			if !tc.ok {
				assert.ErrorIs(t, res.Err(), ErrAuthenticationFailed)
			}
		})
	}
}

type failingStore struct{}

func (failingStore) GetCredential(context.Context, string) (Credential, error) {
	return Credential{}, errors.New("connection refused")
}

type rotatingStore struct {
	cached      Credential
	fresh       Credential
	invalidated int
}

func (s *rotatingStore) GetCredential(context.Context, string) (Credential, error) {
	return s.cached, nil
}

func (s *rotatingStore) Invalidate(context.Context, string) error {
	s.invalidated++
	s.cached = s.fresh
	return nil
}

func TestAuthenticate_RotatedSecretRefreshesCache(t *testing.T) {
	store := &rotatingStore{
		cached: Credential{DeviceID: "dev-1", SecretHash: SHA256Hash("old"), Active: true},
		fresh:  Credential{DeviceID: "dev-1", SecretHash: SHA256Hash("new"), Active: true},
	}
	a := NewAuthenticator(store)

	res := a.Authenticate(context.Background(), "dev-1", "new")
	assert.True(t, res.OK)
	assert.Equal(t, 1, store.invalidated)

	res = a.Authenticate(context.Background(), "dev-1", "old")
	assert.False(t, res.OK)
	assert.Equal(t, ReasonMismatch, res.Reason)
	assert.Equal(t, 2, store.invalidated)
}

func TestAuthenticate_StoreDown(t *testing.T) {
	res := NewAuthenticator(failingStore{}).Authenticate(context.Background(), "dev-1", "x")
	assert.False(t, res.OK)
	assert.Equal(t, ReasonStoreUnavailable, res.Reason)
}

func TestCachedStore_FallsBackWhenRedisIsDown(t *testing.T) {
	backing := NewStaticStore([]DeviceConfig{{DeviceID: "dev-1", SecretHash: SHA256Hash("k")}})
	// nothing listens on this port
	rdb := NewRedisClient("127.0.0.1:1")
	defer rdb.Close()

	store := NewCachedStore(rdb, backing, time.Minute, zerolog.Nop())
	c, err := store.GetCredential(context.Background(), "dev-1")
	require.NoError(t, err)
	assert.True(t, c.Active)

	_, err = store.GetCredential(context.Background(), "dev-2")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestJWTRoundTrip(t *testing.T) {
	tm := NewTokenManager(Config{JWTSecret: "test-secret", JWTExpiration: 5})

	token, err := tm.GenerateJWT("ops", "north")
	require.NoError(t, err)

	claims, err := tm.ValidateJWT(token)
	require.NoError(t, err)
	assert.Equal(t, "north", claims.Tenant)
	assert.Equal(t, "ops", claims.Subject)

	other := NewTokenManager(Config{JWTSecret: "other"})
	_, err = other.ValidateJWT(token)
	assert.Error(t, err)
}

func TestJWTMiddleware(t *testing.T) {
	tm := NewTokenManager(Config{JWTSecret: "test-secret"})
	token, err := tm.GenerateJWT("ops", "north")
	require.NoError(t, err)

	var tenant string
	h := tm.JWTMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, ok := ClaimsFromContext(r.Context())
		require.True(t, ok)
		tenant = c.Tenant
	}))

	req := httptest.NewRequest(http.MethodGet, "/alerts", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "north", tenant)

	req = httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/alerts", nil)
	req.Header.Set("Authorization", "Bearer nope")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
