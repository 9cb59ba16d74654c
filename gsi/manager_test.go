package gsi

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stephnangue/gsigate/pki"
)

// =============================================================================
// Construction Tests
// =============================================================================

func TestNewManager_RequiresTrustDir(t *testing.T) {
	env := newTestEnv(t)
	cfg := env.cfg
	cfg.CACertificatePath = ""

	_, err := NewManager(cfg, nil, testLogger(t))
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestNewManager_RequiresHostPaths(t *testing.T) {
	env := newTestEnv(t)
	cfg := env.cfg
	cfg.HostKeyPath = ""

	_, err := NewManager(cfg, nil, testLogger(t))
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestNewManager_HasInstanceID(t *testing.T) {
	env := newTestEnv(t)

	first := env.newManager(t)
	second := env.newManager(t)

	assert.NotEmpty(t, first.ID())
	assert.NotEqual(t, first.ID(), second.ID())
}

// =============================================================================
// Host Credential Tests
// =============================================================================

func TestManager_LoadHostCredential(t *testing.T) {
	env := newTestEnv(t)
	m := env.newManager(t)

	assert.Nil(t, m.HostCredential())
	assert.True(t, m.HostCredentialRefreshedAt().IsZero())

	cred, err := m.LoadHostCredential()
	require.NoError(t, err)
	assert.Equal(t, env.hostCred.Leaf().Raw, cred.Leaf().Raw)
	assert.False(t, m.HostCredentialRefreshedAt().IsZero())

	// Within the refresh interval the same credential is served
	again, err := m.LoadHostCredential()
	require.NoError(t, err)
	assert.Same(t, cred, again)
}

func TestManager_LoadHostCredential_MissingFiles(t *testing.T) {
	env := newTestEnv(t)
	cfg := env.cfg
	cfg.HostCertificatePath = filepath.Join(t.TempDir(), "absent.pem")

	m, err := NewManager(cfg, nil, testLogger(t))
	require.NoError(t, err)

	_, err = m.LoadHostCredential()
	assert.ErrorIs(t, err, ErrCredentialLoad)
	assert.Nil(t, m.HostCredential())
}

func TestManager_LoadHostCredential_VerifyFailure(t *testing.T) {
	env := newTestEnv(t)

	// Host credential from a CA that is not in the trust directory
	rogue := newTestCA(t, "Rogue CA")
	rogueCred := rogue.issue(t, "host/server.example.org", 24*time.Hour)
	certPath, keyPath := writeKeyPair(t, t.TempDir(), "rogue", rogueCred)

	cfg := env.cfg
	cfg.HostCertificatePath = certPath
	cfg.HostKeyPath = keyPath
	cfg.VerifyHostCertificate = true

	m, err := NewManager(cfg, nil, testLogger(t))
	require.NoError(t, err)

	_, err = m.LoadHostCredential()
	assert.ErrorIs(t, err, ErrValidation)
}

func TestManager_HostCredentialReloadsAfterInterval(t *testing.T) {
	env := newTestEnv(t)
	cfg := env.cfg
	cfg.HostCertRefreshInterval = time.Hour

	m, err := NewManager(cfg, nil, testLogger(t))
	require.NoError(t, err)

	_, err = m.LoadHostCredential()
	require.NoError(t, err)
	firstRefresh := m.HostCredentialRefreshedAt()

	// Rotate the credential on disk and move past the interval
	rotated := env.ca.issue(t, "host/rotated.example.org", 24*time.Hour)
	rotatedCert, rotatedKey := writeKeyPair(t, t.TempDir(), "rotated", rotated)
	require.NoError(t, os.Rename(rotatedCert, cfg.HostCertificatePath))
	require.NoError(t, os.Rename(rotatedKey, cfg.HostKeyPath))

	m.clock = func() time.Time { return time.Now().Add(2 * time.Hour) }

	cred, err := m.LoadHostCredential()
	require.NoError(t, err)
	assert.Equal(t, "host/rotated.example.org", cred.Leaf().Subject.CommonName)
	assert.True(t, m.HostCredentialRefreshedAt().After(firstRefresh))
}

// =============================================================================
// Client Credential Tests
// =============================================================================

func clientEnv(t *testing.T, env *testEnv) ManagerConfig {
	t.Helper()

	clientCred := env.ca.issue(t, "client/server.example.org", 24*time.Hour)
	certPath, keyPath := writeKeyPair(t, t.TempDir(), "client", clientCred)

	cfg := env.cfg
	cfg.ClientCertificatePath = certPath
	cfg.ClientKeyPath = keyPath
	return cfg
}

func TestManager_LoadClientCredentials(t *testing.T) {
	env := newTestEnv(t)
	cfg := clientEnv(t, env)

	m, err := NewManager(cfg, nil, testLogger(t))
	require.NoError(t, err)

	assert.Nil(t, m.Proxy())
	assert.Empty(t, m.IssuerHashes())

	m.LoadClientCredentials()

	proxy := m.Proxy()
	require.NotNil(t, proxy)
	assert.True(t, pki.IsProxy(proxy.Leaf()))
	assert.Greater(t, len(proxy.Chain), 1)

	require.NotNil(t, m.ClientCredential())
	assert.Equal(t, "client/server.example.org", m.ClientCredential().Leaf().Subject.CommonName)

	assert.NotEmpty(t, m.IssuerHashes())
	assert.False(t, m.ClientCredentialsRefreshedAt().IsZero())
}

func TestManager_LoadClientCredentials_FailSoft(t *testing.T) {
	env := newTestEnv(t)
	cfg := env.cfg
	cfg.ClientCertificatePath = filepath.Join(t.TempDir(), "absent.pem")
	cfg.ClientKeyPath = filepath.Join(t.TempDir(), "absent.key")

	m, err := NewManager(cfg, nil, testLogger(t))
	require.NoError(t, err)

	// Must not panic or return an error to the caller
	m.LoadClientCredentials()

	assert.Nil(t, m.Proxy())
	assert.Nil(t, m.ClientCredential())
	assert.Empty(t, m.IssuerHashes())
}

func TestManager_LoadClientCredentials_KeepsPreviousOnFailure(t *testing.T) {
	env := newTestEnv(t)
	cfg := clientEnv(t, env)
	cfg.ProxyRefreshInterval = time.Hour

	m, err := NewManager(cfg, nil, testLogger(t))
	require.NoError(t, err)

	m.LoadClientCredentials()
	previous := m.Proxy()
	require.NotNil(t, previous)

	// Break the on-disk credential and force a refresh
	require.NoError(t, os.Remove(cfg.ClientCertificatePath))
	m.clock = func() time.Time { return time.Now().Add(2 * time.Hour) }

	m.LoadClientCredentials()

	assert.Same(t, previous, m.Proxy())
	assert.NotEmpty(t, m.IssuerHashes())
}

func TestManager_LoadClientCredentials_FreshProxySkipsReload(t *testing.T) {
	env := newTestEnv(t)
	cfg := clientEnv(t, env)
	cfg.ProxyRefreshInterval = time.Hour

	m, err := NewManager(cfg, nil, testLogger(t))
	require.NoError(t, err)

	m.LoadClientCredentials()
	first := m.Proxy()
	require.NotNil(t, first)

	m.LoadClientCredentials()
	assert.Same(t, first, m.Proxy())
}

func TestManager_LoadClientCredentials_ProxyPathWins(t *testing.T) {
	env := newTestEnv(t)
	cfg := clientEnv(t, env)

	clientCred := env.ca.issue(t, "client/server.example.org", 24*time.Hour)
	prefetched, err := pki.NewProxy(clientCred, time.Hour)
	require.NoError(t, err)

	proxyPath := filepath.Join(t.TempDir(), "x509up")
	require.NoError(t, prefetched.WriteFile(proxyPath))
	cfg.ProxyPath = proxyPath

	m, err := NewManager(cfg, nil, testLogger(t))
	require.NoError(t, err)

	m.LoadClientCredentials()

	proxy := m.Proxy()
	require.NotNil(t, proxy)
	assert.Equal(t, prefetched.Leaf().Raw, proxy.Leaf().Raw)

	// The proxy file serves as both credential and proxy
	assert.Same(t, proxy, m.ClientCredential())
}

func TestManager_IssuerHashesDeduplicated(t *testing.T) {
	env := newTestEnv(t)
	cfg := clientEnv(t, env)

	m, err := NewManager(cfg, nil, testLogger(t))
	require.NoError(t, err)

	m.LoadClientCredentials()

	// Chain is [proxy, client]: proxy issued by client, client issued by
	// the CA, two distinct issuer hashes joined with "|"
	proxy := m.Proxy()
	expected := map[string]struct{}{
		pki.CAHash(proxy.Chain[0].RawIssuer): {},
		pki.CAHash(proxy.Chain[1].RawIssuer): {},
	}

	hashes := strings.Split(m.IssuerHashes(), "|")
	require.Len(t, hashes, len(expected))
	for _, h := range hashes {
		_, ok := expected[h]
		assert.True(t, ok, "unexpected issuer hash %s", h)
	}
	assert.True(t, sort.StringsAreSorted(hashes))
}

// =============================================================================
// Proxy Signing Tests
// =============================================================================

func TestManager_GetSignedProxyRequest(t *testing.T) {
	env := newTestEnv(t)
	cfg := clientEnv(t, env)

	m, err := NewManager(cfg, nil, testLogger(t))
	require.NoError(t, err)
	m.LoadClientCredentials()

	csr, _, err := pki.NewProxyRequest(m.Proxy().Chain)
	require.NoError(t, err)

	chain, err := m.GetSignedProxyRequest(csr)
	require.NoError(t, err)

	require.Len(t, chain, len(m.Proxy().Chain)+1)
	assert.True(t, pki.IsProxy(chain[0]))
	assert.Equal(t, m.Proxy().Leaf().Subject.String(), chain[0].Issuer.String())
}

func TestManager_GetSignedProxyRequest_NoProxy(t *testing.T) {
	env := newTestEnv(t)
	m := env.newManager(t)

	csr, _, err := pki.NewProxyRequest(env.hostCred.Chain)
	require.NoError(t, err)

	_, err = m.GetSignedProxyRequest(csr)
	assert.ErrorIs(t, err, ErrCredentialLoad)
}

// =============================================================================
// CA Identity Tests
// =============================================================================

func TestManager_CheckCaIdentities(t *testing.T) {
	env := newTestEnv(t)
	m := env.newManager(t)

	hash := pki.CAHash(env.ca.cert.RawSubject)

	// Bare hash gets the ".0" extension appended
	assert.NoError(t, m.CheckCaIdentities([]string{hash}))
	assert.NoError(t, m.CheckCaIdentities([]string{hash + ".0"}))
	assert.NoError(t, m.CheckCaIdentities([]string{"  " + hash + "  "}))
	assert.NoError(t, m.CheckCaIdentities(nil))
}

func TestManager_CheckCaIdentities_Unknown(t *testing.T) {
	env := newTestEnv(t)
	m := env.newManager(t)

	err := m.CheckCaIdentities([]string{"deadbeef"})
	require.ErrorIs(t, err, ErrInvalidCaPath)
	assert.Contains(t, err.Error(), "deadbeef is not a valid ca cert path")
}

func TestManager_CheckCaIdentities_FailsOnFirstMiss(t *testing.T) {
	env := newTestEnv(t)
	m := env.newManager(t)

	hash := pki.CAHash(env.ca.cert.RawSubject)

	err := m.CheckCaIdentities([]string{"deadbeef", hash})
	assert.ErrorIs(t, err, ErrInvalidCaPath)
}

// =============================================================================
// Validation Tests
// =============================================================================

func TestManager_Validate(t *testing.T) {
	env := newTestEnv(t)
	m := env.newManager(t)

	assert.NoError(t, m.Validate(env.hostCred.Chain))

	rogue := newTestCA(t, "Rogue CA")
	rogueCred := rogue.issue(t, "host/evil.example.org", 24*time.Hour)
	assert.ErrorIs(t, m.Validate(rogueCred.Chain), ErrValidation)
}
