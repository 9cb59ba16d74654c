package store

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/stephnangue/gsigate/logger"
	"github.com/stephnangue/gsigate/pki"
)

var (
	// ErrUnknownRequest is returned when a request id has no pending
	// delegation request at the store
	ErrUnknownRequest = errors.New("unknown proxy request")

	// ErrUnknownBackend is returned for an unrecognized store type
	ErrUnknownBackend = errors.New("unknown credential store type")
)

// ProxyRequest is an outstanding delegation request issued by the store:
// a CSR waiting to be signed by the client identified by Key.
type ProxyRequest struct {
	Key     []*x509.Certificate // requesting client's certificate chain
	ID      string
	Request []byte // PKCS#10 CSR, DER
}

// Client is the remote credential store holding delegated proxies keyed by
// client identity.
type Client interface {
	// FetchCredential returns the stored proxy for the client identified
	// by chain if it stays valid for at least minValidFor.
	FetchCredential(ctx context.Context, chain []*x509.Certificate, minValidFor time.Duration) (*pki.Credential, bool, error)

	// GetProxyRequest issues a CSR for a new proxy to be signed by the
	// client identified by chain.
	GetProxyRequest(ctx context.Context, chain []*x509.Certificate) (*ProxyRequest, error)

	// StoreCredential stores the client-signed proxy chain (PEM) under the
	// pending request id.
	StoreCredential(ctx context.Context, chain []*x509.Certificate, requestID string, pemChain []byte) error

	// CancelProxyRequest releases the resources of a pending request.
	CancelProxyRequest(ctx context.Context, req *ProxyRequest) error
}

// Factory is the factory function to create a credential store client.
type Factory func(config map[string]string, log logger.Logger) (Client, error)

var builtinBackends = map[string]Factory{
	"inmem": NewInmemStore,
	"vault": NewVaultStore,
}

// NewClient creates a store client from an opaque configuration map; the
// "type" entry selects the backend.
func NewClient(config map[string]string, log logger.Logger) (Client, error) {
	storeType := config["type"]
	factory, ok := builtinBackends[storeType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, storeType)
	}
	return factory(config, log)
}

// identityKey derives the store key for a client chain: the subject of the
// first non-proxy certificate, so a client presenting a proxy maps to the
// same entry as one presenting its end-entity credential.
func identityKey(chain []*x509.Certificate) (string, error) {
	for _, cert := range chain {
		if !pki.IsProxy(cert) {
			return cert.Subject.String(), nil
		}
	}
	return "", errors.New("certificate chain contains only proxy certificates")
}
