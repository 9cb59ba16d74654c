package gsi

import (
	"context"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	uuid "github.com/hashicorp/go-uuid"

	"github.com/stephnangue/gsigate/logger"
	"github.com/stephnangue/gsigate/pki"
	"github.com/stephnangue/gsigate/store"
)

// ManagerConfig carries the settings of a credential Manager. All duration
// fields are already parsed; zero values fall back to the package defaults.
type ManagerConfig struct {
	// Trust anchors
	CACertificatePath          string
	TrustAnchorRefreshInterval time.Duration
	NamespaceMode              pki.NamespaceMode
	CRLMode                    pki.CRLMode
	OCSPMode                   pki.OCSPMode

	// Host (server) credential
	HostCertificatePath     string
	HostKeyPath             string
	HostCertRefreshInterval time.Duration
	VerifyHostCertificate   bool

	// Client credential, used when this server acts as a third-party-copy
	// client. ProxyPath points at a prefetched proxy file and takes
	// precedence over the cert/key pair.
	ClientCertificatePath   string
	ClientKeyPath           string
	ProxyPath               string
	ProxyRefreshInterval    time.Duration
	VerifyClientCertificate bool

	// Minimum remaining lifetime for a stored proxy to be reused
	MinProxyValidFor time.Duration
}

// clientState is the atomically published result of the latest successful
// client credential load.
type clientState struct {
	credential   *pki.Credential
	proxy        *pki.Credential
	issuerHashes string
	refreshedAt  time.Time
}

// Manager owns the server's GSI credentials: the host credential, the
// client credential and its derived proxy, the trust anchors they are
// validated against, and the delegation exchange with the remote credential
// store. Safe for concurrent use.
type Manager struct {
	id  string
	cfg ManagerConfig
	log logger.Logger

	validator  *pki.Validator
	delegation *Coordinator

	host *credentialCache

	clientMu sync.Mutex
	client   atomic.Pointer[clientState]

	clock func() time.Time
}

// NewManager creates a credential manager. The store client may be nil, in
// which case delegation operations fail with ErrStoreUnavailable.
func NewManager(cfg ManagerConfig, storeClient store.Client, log logger.Logger) (*Manager, error) {
	if cfg.CACertificatePath == "" {
		return nil, fmt.Errorf("%w: trust directory path is required", ErrConfiguration)
	}
	if cfg.HostCertificatePath == "" || cfg.HostKeyPath == "" {
		return nil, fmt.Errorf("%w: host certificate and key paths are required", ErrConfiguration)
	}
	if cfg.HostCertRefreshInterval <= 0 {
		cfg.HostCertRefreshInterval = 12 * time.Hour
	}
	if cfg.ProxyRefreshInterval <= 0 {
		cfg.ProxyRefreshInterval = 12 * time.Hour
	}
	if cfg.MinProxyValidFor <= 0 {
		cfg.MinProxyValidFor = time.Hour
	}

	validator, err := pki.NewValidator(pki.ValidatorConfig{
		CADir:           cfg.CACertificatePath,
		RefreshInterval: cfg.TrustAnchorRefreshInterval,
		NamespaceMode:   cfg.NamespaceMode,
		CRLMode:         cfg.CRLMode,
		OCSPMode:        cfg.OCSPMode,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	id, err := uuid.GenerateUUID()
	if err != nil {
		return nil, err
	}

	m := &Manager{
		id:         id,
		cfg:        cfg,
		log:        log.WithFields(logger.String("manager_id", id)),
		validator:  validator,
		delegation: newCoordinator(storeClient, cfg.MinProxyValidFor, log),
		clock:      time.Now,
	}
	m.host = newCredentialCache(cfg.HostCertRefreshInterval, func() time.Time { return m.clock() }, m.loadHost)

	return m, nil
}

// ID returns the manager instance identifier used for log correlation.
func (m *Manager) ID() string {
	return m.id
}

// CACertificatePath returns the trust directory path.
func (m *Manager) CACertificatePath() string {
	return m.cfg.CACertificatePath
}

// HostCertificatePath returns the host certificate file path.
func (m *Manager) HostCertificatePath() string {
	return m.cfg.HostCertificatePath
}

// HostKeyPath returns the host key file path.
func (m *Manager) HostKeyPath() string {
	return m.cfg.HostKeyPath
}

// ClientCertificatePath returns the client certificate file path.
func (m *Manager) ClientCertificatePath() string {
	return m.cfg.ClientCertificatePath
}

// ClientKeyPath returns the client key file path.
func (m *Manager) ClientKeyPath() string {
	return m.cfg.ClientKeyPath
}

// ProxyFilePath returns the prefetched proxy file path, empty when the
// client credential is configured as a cert/key pair.
func (m *Manager) ProxyFilePath() string {
	return m.cfg.ProxyPath
}

// MinProxyValidFor returns the minimum remaining lifetime required for a
// stored proxy to be reused.
func (m *Manager) MinProxyValidFor() time.Duration {
	return m.cfg.MinProxyValidFor
}

// Validate checks a certificate chain against the trust anchors.
func (m *Manager) Validate(chain []*x509.Certificate) error {
	if err := m.validator.Validate(chain); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// LoadHostCredential returns the host credential, reloading it from disk
// when the refresh interval has elapsed. A load or verification failure is
// fatal to the caller; the previously cached credential is kept.
func (m *Manager) LoadHostCredential() (*pki.Credential, error) {
	return m.host.ensureLoaded()
}

// HostCredential returns the currently cached host credential without
// triggering a reload, or nil when none has been loaded yet.
func (m *Manager) HostCredential() *pki.Credential {
	return m.host.snapshot()
}

// HostCredentialRefreshedAt returns when the host credential was last
// successfully loaded.
func (m *Manager) HostCredentialRefreshedAt() time.Time {
	return m.host.refreshedAt()
}

func (m *Manager) loadHost() (*pki.Credential, error) {
	cred, err := pki.LoadKeyPair(m.cfg.HostCertificatePath, m.cfg.HostKeyPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCredentialLoad, err)
	}
	if m.cfg.VerifyHostCertificate {
		if err := m.Validate(cred.Chain); err != nil {
			return nil, err
		}
	}
	m.log.Info("host credential loaded",
		logger.String("subject", cred.Leaf().Subject.String()),
		logger.Time("not_after", cred.Leaf().NotAfter))
	return cred, nil
}

// LoadClientCredentials refreshes the client credential and its derived
// proxy when they are missing or stale. Unlike the host credential, a
// client-side load failure is absorbed: it is logged and the previous state
// is retained, so callers always observe the last good credentials.
func (m *Manager) LoadClientCredentials() {
	m.clientMu.Lock()
	defer m.clientMu.Unlock()

	cur := m.client.Load()
	if cur != nil && cur.proxy != nil &&
		m.clock().Sub(cur.refreshedAt) < m.cfg.ProxyRefreshInterval {
		return
	}

	next, err := m.loadClient()
	if err != nil {
		m.log.Error("problem loading client credentials", logger.Err(err))
		if cur == nil {
			// Publish an empty state so accessors see "nothing loaded"
			// rather than distinguishing never-tried from failed.
			m.client.Store(&clientState{})
		}
		return
	}

	m.client.Store(next)
	m.log.Info("client credentials loaded",
		logger.String("subject", next.proxy.Leaf().Subject.String()),
		logger.Time("not_after", next.proxy.Leaf().NotAfter))
}

func (m *Manager) loadClient() (*clientState, error) {
	// A prefetched proxy file holds the full chain and key together and
	// is used as both credential and proxy.
	if m.cfg.ProxyPath != "" {
		cred, err := pki.LoadFile(m.cfg.ProxyPath)
		if err != nil {
			return nil, fmt.Errorf("loading proxy file %s: %w", m.cfg.ProxyPath, err)
		}
		return &clientState{
			credential:   cred,
			proxy:        cred,
			issuerHashes: issuerHashes(cred.Chain),
			refreshedAt:  m.clock(),
		}, nil
	}

	if m.cfg.ClientCertificatePath == "" || m.cfg.ClientKeyPath == "" {
		return nil, fmt.Errorf("no client certificate, key or proxy path configured")
	}

	cred, err := pki.LoadKeyPair(m.cfg.ClientCertificatePath, m.cfg.ClientKeyPath)
	if err != nil {
		return nil, fmt.Errorf("loading client credential: %w", err)
	}
	if m.cfg.VerifyClientCertificate {
		if err := m.Validate(cred.Chain); err != nil {
			return nil, err
		}
	}

	proxy, err := pki.NewProxy(cred, pki.DefaultProxyLifetime)
	if err != nil {
		return nil, fmt.Errorf("deriving client proxy: %w", err)
	}

	return &clientState{
		credential:   cred,
		proxy:        proxy,
		issuerHashes: issuerHashes(proxy.Chain),
		refreshedAt:  m.clock(),
	}, nil
}

// Proxy returns the current client proxy credential, or nil when none is
// loaded.
func (m *Manager) Proxy() *pki.Credential {
	if cur := m.client.Load(); cur != nil {
		return cur.proxy
	}
	return nil
}

// ClientCredential returns the credential the client proxy derives from, or
// nil when none is loaded.
func (m *Manager) ClientCredential() *pki.Credential {
	if cur := m.client.Load(); cur != nil {
		return cur.credential
	}
	return nil
}

// IssuerHashes returns the deduplicated openssl-style hashes of the issuers
// of the client proxy chain, sorted and joined with "|". Empty when no
// client credentials are loaded.
func (m *Manager) IssuerHashes() string {
	if cur := m.client.Load(); cur != nil {
		return cur.issuerHashes
	}
	return ""
}

// ClientCredentialsRefreshedAt returns when the client credentials were
// last successfully loaded.
func (m *Manager) ClientCredentialsRefreshedAt() time.Time {
	if cur := m.client.Load(); cur != nil {
		return cur.refreshedAt
	}
	return time.Time{}
}

// GetSignedProxyRequest signs a remote party's proxy CSR under the local
// client proxy and returns the issued chain, new certificate first.
func (m *Manager) GetSignedProxyRequest(request []byte) ([]*x509.Certificate, error) {
	proxy := m.Proxy()
	if proxy == nil {
		return nil, fmt.Errorf("%w: no client proxy loaded", ErrCredentialLoad)
	}
	return pki.SignProxyRequest(request, proxy, pki.DefaultProxyLifetime)
}

// CheckCaIdentities verifies that every named CA resolves to a file under
// the trust directory. Names without a hash extension get ".0" appended.
// The first unresolvable name fails the whole check.
func (m *Manager) CheckCaIdentities(caIdentities []string) error {
	for _, ca := range caIdentities {
		if err := m.checkCaPath(ca); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) checkCaPath(ca string) error {
	path := strings.TrimSpace(ca)
	if strings.Index(path, ".") < 1 {
		path += ".0"
	}
	if _, err := os.Stat(filepath.Join(m.cfg.CACertificatePath, path)); err != nil {
		return fmt.Errorf("%s is not a valid ca cert path: %w", ca, ErrInvalidCaPath)
	}
	return nil
}

// PrepareSerializedProxyRequest starts a delegation exchange for the given
// client chain and returns the CSR to be signed by the client.
func (m *Manager) PrepareSerializedProxyRequest(ctx context.Context, chain []*x509.Certificate) ([]byte, error) {
	return m.delegation.Prepare(ctx, chain)
}

// FinalizeDelegatedProxy completes the delegation exchange by storing the
// client-signed proxy certificate with the chain recorded at prepare time.
func (m *Manager) FinalizeDelegatedProxy(ctx context.Context, proxyCert *x509.Certificate) error {
	return m.delegation.Finalize(ctx, proxyCert)
}

// CancelOutstandingProxyRequest drops the pending delegation request, if
// any.
func (m *Manager) CancelOutstandingProxyRequest(ctx context.Context) {
	m.delegation.Cancel(ctx)
}

// HasValidDelegatedProxy reports whether the credential store already holds
// a proxy for the client that satisfies the reuse policy.
func (m *Manager) HasValidDelegatedProxy(ctx context.Context, chain []*x509.Certificate) (bool, error) {
	return m.delegation.HasValidDelegatedProxy(ctx, chain)
}

// RefreshTrustAnchors forces the next validation to reload the trust
// directory.
func (m *Manager) RefreshTrustAnchors() {
	m.validator.Refresh()
}

// issuerHashes collects the openssl subject hashes of the distinct issuers
// in the chain, sorted for a stable rendering.
func issuerHashes(chain []*x509.Certificate) string {
	seen := make(map[string]struct{})
	hashes := make([]string, 0, len(chain))
	for _, cert := range chain {
		h := pki.CAHash(cert.RawIssuer)
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)
	return strings.Join(hashes, "|")
}
