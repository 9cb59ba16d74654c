package store

import (
	"context"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stephnangue/gsigate/pki"
)

func newInmem(t *testing.T) Client {
	t.Helper()
	s, err := NewInmemStore(nil, testLogger(t))
	require.NoError(t, err)
	return s
}

// =============================================================================
// Delegation Round Trip Tests
// =============================================================================

func TestInmemStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	cred := newTestCredential(t, "client", 24*time.Hour)
	s := newInmem(t)

	req, err := s.GetProxyRequest(ctx, cred.Chain)
	require.NoError(t, err)
	assert.NotEmpty(t, req.ID)
	assert.NotEmpty(t, req.Request)
	assert.Equal(t, cred.Chain, req.Key)

	// The client signs the CSR under its own credential
	signed, err := pki.SignProxyRequest(req.Request, cred, time.Hour)
	require.NoError(t, err)

	err = s.StoreCredential(ctx, req.Key, req.ID, pki.ChainToPEM(signed))
	require.NoError(t, err)

	stored, ok, err := s.FetchCredential(ctx, cred.Chain, 10*time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, signed[0].Raw, stored.Leaf().Raw)

	// The stored key is the one generated with the request
	pub := stored.Key.Public().(*rsa.PublicKey)
	assert.True(t, pub.Equal(signed[0].PublicKey))
}

func TestInmemStore_FetchMiss(t *testing.T) {
	ctx := context.Background()
	cred := newTestCredential(t, "client", 24*time.Hour)
	s := newInmem(t)

	stored, ok, err := s.FetchCredential(ctx, cred.Chain, time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, stored)
}

func TestInmemStore_FetchRespectsMinValidFor(t *testing.T) {
	ctx := context.Background()
	cred := newTestCredential(t, "client", 24*time.Hour)
	s := newInmem(t)

	req, err := s.GetProxyRequest(ctx, cred.Chain)
	require.NoError(t, err)
	signed, err := pki.SignProxyRequest(req.Request, cred, time.Hour)
	require.NoError(t, err)
	require.NoError(t, s.StoreCredential(ctx, req.Key, req.ID, pki.ChainToPEM(signed)))

	_, ok, err := s.FetchCredential(ctx, cred.Chain, 30*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// Asking for more remaining lifetime than the proxy has
	_, ok, err = s.FetchCredential(ctx, cred.Chain, 48*time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInmemStore_ProxyChainSharesIdentity(t *testing.T) {
	ctx := context.Background()
	cred := newTestCredential(t, "client", 24*time.Hour)
	proxy, err := pki.NewProxy(cred, time.Hour)
	require.NoError(t, err)
	s := newInmem(t)

	req, err := s.GetProxyRequest(ctx, cred.Chain)
	require.NoError(t, err)
	signed, err := pki.SignProxyRequest(req.Request, cred, time.Hour)
	require.NoError(t, err)
	require.NoError(t, s.StoreCredential(ctx, req.Key, req.ID, pki.ChainToPEM(signed)))

	// A client presenting its proxy maps to the same stored entry
	_, ok, err := s.FetchCredential(ctx, proxy.Chain, 10*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

// =============================================================================
// Error Handling Tests
// =============================================================================

func TestInmemStore_UnknownRequest(t *testing.T) {
	ctx := context.Background()
	cred := newTestCredential(t, "client", 24*time.Hour)
	s := newInmem(t)

	err := s.StoreCredential(ctx, cred.Chain, "no-such-request", pki.ChainToPEM(cred.Chain))
	assert.ErrorIs(t, err, ErrUnknownRequest)
}

func TestInmemStore_CancelReleasesRequest(t *testing.T) {
	ctx := context.Background()
	cred := newTestCredential(t, "client", 24*time.Hour)
	s := newInmem(t)

	req, err := s.GetProxyRequest(ctx, cred.Chain)
	require.NoError(t, err)

	require.NoError(t, s.CancelProxyRequest(ctx, req))

	signed, err := pki.SignProxyRequest(req.Request, cred, time.Hour)
	require.NoError(t, err)
	err = s.StoreCredential(ctx, req.Key, req.ID, pki.ChainToPEM(signed))
	assert.ErrorIs(t, err, ErrUnknownRequest)

	// Cancelling again is harmless
	assert.NoError(t, s.CancelProxyRequest(ctx, req))
}

func TestInmemStore_GetProxyRequestIDsAreUnique(t *testing.T) {
	ctx := context.Background()
	cred := newTestCredential(t, "client", 24*time.Hour)
	s := newInmem(t)

	first, err := s.GetProxyRequest(ctx, cred.Chain)
	require.NoError(t, err)
	second, err := s.GetProxyRequest(ctx, cred.Chain)
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
}

// =============================================================================
// Factory Tests
// =============================================================================

func TestNewClient_Inmem(t *testing.T) {
	c, err := NewClient(map[string]string{"type": "inmem"}, testLogger(t))
	require.NoError(t, err)
	assert.IsType(t, &InmemStore{}, c)
}

func TestNewClient_UnknownBackend(t *testing.T) {
	_, err := NewClient(map[string]string{"type": "postgres"}, testLogger(t))
	assert.ErrorIs(t, err, ErrUnknownBackend)
}
