package store

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"
	"time"

	ristretto "github.com/dgraph-io/ristretto/v2"
	"github.com/go-viper/mapstructure/v2"
	"github.com/hashicorp/vault/api"

	"github.com/stephnangue/gsigate/helper"
	"github.com/stephnangue/gsigate/logger"
	"github.com/stephnangue/gsigate/pki"
)

const defaultVaultMount = "gsi"

// vaultStoreConfig is decoded from the opaque store configuration map.
type vaultStoreConfig struct {
	Address   string `mapstructure:"address"`
	Namespace string `mapstructure:"namespace"`
	Token     string `mapstructure:"token"`
	Mount     string `mapstructure:"mount"`
	CacheSize int64  `mapstructure:"cache_size"`
}

// VaultStore persists delegated proxies in a Vault KV v2 mount, one secret
// per client identity. Request keys for in-flight delegations are held
// locally until the signed chain is stored. Fetched proxies are cached in
// memory with a TTL bounded by the proxy's remaining lifetime.
type VaultStore struct {
	vault *api.Client
	mount string
	log   logger.Logger

	cache *ristretto.Cache[string, *pki.Credential]

	mu      sync.Mutex
	pending map[string]crypto.Signer // by request id
}

// NewVaultStore creates a Vault-backed credential store from an opaque
// configuration map.
func NewVaultStore(config map[string]string, log logger.Logger) (Client, error) {
	var cfg vaultStoreConfig
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("decoding vault store config: %w", err)
	}

	apiCfg := api.DefaultConfig()
	if cfg.Address != "" {
		apiCfg.Address = cfg.Address
	}
	// Route the api client's retry logging through our sink
	apiCfg.Logger = logger.NewHCLogAdapter(log)

	apiClient, err := api.NewClient(apiCfg)
	if err != nil {
		return nil, err
	}
	if cfg.Namespace != "" {
		apiClient.SetNamespace(cfg.Namespace)
	}
	if cfg.Token != "" {
		apiClient.SetToken(cfg.Token)
	}

	mount := cfg.Mount
	if mount == "" {
		mount = defaultVaultMount
	}

	cacheSize := cfg.CacheSize
	if cacheSize <= 0 {
		cacheSize = 16 << 20
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, *pki.Credential]{
		NumCounters: 10_000,
		MaxCost:     cacheSize,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}

	return &VaultStore{
		vault:   apiClient,
		mount:   mount,
		log:     log,
		cache:   cache,
		pending: make(map[string]crypto.Signer),
	}, nil
}

func (s *VaultStore) FetchCredential(ctx context.Context, chain []*x509.Certificate, minValidFor time.Duration) (*pki.Credential, bool, error) {
	identity, err := identityKey(chain)
	if err != nil {
		return nil, false, err
	}
	path := secretPath(chain)

	if cred, found := s.cache.Get(path); found {
		if time.Until(cred.Leaf().NotAfter) >= minValidFor {
			return cred, true, nil
		}
		s.cache.Del(path)
	}

	secret, err := s.vault.KVv2(s.mount).Get(ctx, path)
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("fetching proxy for %q: %w", identity, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, false, nil
	}

	cred, err := credentialFromSecret(secret.Data)
	if err != nil {
		return nil, false, fmt.Errorf("decoding stored proxy for %q: %w", identity, err)
	}

	remaining := time.Until(cred.Leaf().NotAfter)
	if remaining < minValidFor {
		return nil, false, nil
	}

	s.cache.SetWithTTL(path, cred, 1, remaining)

	return cred, true, nil
}

func (s *VaultStore) GetProxyRequest(ctx context.Context, chain []*x509.Certificate) (*ProxyRequest, error) {
	identity, err := identityKey(chain)
	if err != nil {
		return nil, err
	}

	csr, key, err := pki.NewProxyRequest(chain)
	if err != nil {
		return nil, fmt.Errorf("issuing proxy request: %w", err)
	}

	id := helper.GenerateRequestID()

	s.mu.Lock()
	s.pending[id] = key
	s.mu.Unlock()

	s.log.Debug("proxy request issued",
		logger.String("request_id", id),
		logger.String("identity", identity))

	return &ProxyRequest{Key: chain, ID: id, Request: csr}, nil
}

func (s *VaultStore) StoreCredential(ctx context.Context, chain []*x509.Certificate, requestID string, pemChain []byte) error {
	identity, err := identityKey(chain)
	if err != nil {
		return err
	}

	s.mu.Lock()
	key, ok := s.pending[requestID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}

	signed, err := pki.ParseChainPEM(pemChain)
	if err != nil {
		return fmt.Errorf("parsing signed proxy chain: %w", err)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("encoding proxy key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	path := secretPath(chain)
	_, err = s.vault.KVv2(s.mount).Put(ctx, path, map[string]interface{}{
		"certificate": string(pki.ChainToPEM(signed)),
		"key":         string(keyPEM),
		"subject":     identity,
		"not_after":   signed[0].NotAfter.Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("storing proxy for %q: %w", identity, err)
	}

	s.mu.Lock()
	delete(s.pending, requestID)
	s.mu.Unlock()

	cred := &pki.Credential{Chain: signed, Key: key}
	s.cache.SetWithTTL(path, cred, 1, time.Until(signed[0].NotAfter))

	s.log.Debug("delegated proxy stored",
		logger.String("request_id", requestID),
		logger.String("identity", identity),
		logger.String("ttl", helper.FormatTTL(time.Until(signed[0].NotAfter))))

	return nil
}

func (s *VaultStore) CancelProxyRequest(ctx context.Context, req *ProxyRequest) error {
	s.mu.Lock()
	delete(s.pending, req.ID)
	s.mu.Unlock()
	return nil
}

// Stop releases the fetched-proxy cache.
func (s *VaultStore) Stop() {
	s.cache.Close()
}

// secretPath places each client identity under proxies/, named by the
// OpenSSL hash of the subject DN of the first non-proxy certificate.
func secretPath(chain []*x509.Certificate) string {
	for _, cert := range chain {
		if !pki.IsProxy(cert) {
			return "proxies/" + pki.CAHash(cert.RawSubject)
		}
	}
	return "proxies/" + pki.CAHash(chain[0].RawSubject)
}

func credentialFromSecret(data map[string]interface{}) (*pki.Credential, error) {
	certPEM, ok := data["certificate"].(string)
	if !ok {
		return nil, fmt.Errorf("secret has no certificate field")
	}
	keyPEM, ok := data["key"].(string)
	if !ok {
		return nil, fmt.Errorf("secret has no key field")
	}

	chain, err := pki.ParseChainPEM([]byte(certPEM))
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode([]byte(keyPEM))
	if block == nil {
		return nil, fmt.Errorf("secret key field is not PEM")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	signer, ok := parsed.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type %T", parsed)
	}

	return &pki.Credential{Chain: chain, Key: signer}, nil
}

func isNotFound(err error) bool {
	if errors.Is(err, api.ErrSecretNotFound) {
		return true
	}
	var respErr *api.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == 404
}
