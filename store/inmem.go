package store

import (
	"context"
	"crypto"
	"crypto/x509"
	"fmt"
	"sync"
	"time"

	"github.com/stephnangue/gsigate/helper"
	"github.com/stephnangue/gsigate/logger"
	"github.com/stephnangue/gsigate/pki"
)

// InmemStore is an in-process credential store, used by tests and
// single-node deployments. It issues CSRs, keeps the request keys until the
// signed chain comes back, and serves stored proxies by client identity.
type InmemStore struct {
	log logger.Logger

	mu      sync.Mutex
	pending map[string]*pendingRequest // by request id
	creds   map[string]*pki.Credential // by client identity
}

type pendingRequest struct {
	identity string
	key      crypto.Signer
}

// NewInmemStore creates an in-memory credential store.
func NewInmemStore(config map[string]string, log logger.Logger) (Client, error) {
	return &InmemStore{
		log:     log,
		pending: make(map[string]*pendingRequest),
		creds:   make(map[string]*pki.Credential),
	}, nil
}

func (s *InmemStore) FetchCredential(ctx context.Context, chain []*x509.Certificate, minValidFor time.Duration) (*pki.Credential, bool, error) {
	identity, err := identityKey(chain)
	if err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.creds[identity]
	if !ok {
		return nil, false, nil
	}
	if time.Until(cred.Leaf().NotAfter) < minValidFor {
		return nil, false, nil
	}
	return cred, true, nil
}

func (s *InmemStore) GetProxyRequest(ctx context.Context, chain []*x509.Certificate) (*ProxyRequest, error) {
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
	s.pending[id] = &pendingRequest{identity: identity, key: key}
	s.mu.Unlock()

	s.log.Debug("proxy request issued",
		logger.String("request_id", id),
		logger.String("identity", identity))

	return &ProxyRequest{Key: chain, ID: id, Request: csr}, nil
}

func (s *InmemStore) StoreCredential(ctx context.Context, chain []*x509.Certificate, requestID string, pemChain []byte) error {
	identity, err := identityKey(chain)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.pending[requestID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}

	signed, err := pki.ParseChainPEM(pemChain)
	if err != nil {
		return fmt.Errorf("parsing signed proxy chain: %w", err)
	}

	s.creds[identity] = &pki.Credential{Chain: signed, Key: req.key}
	delete(s.pending, requestID)

	s.log.Debug("delegated proxy stored",
		logger.String("request_id", requestID),
		logger.String("identity", identity),
		logger.Time("not_after", signed[0].NotAfter))

	return nil
}

func (s *InmemStore) CancelProxyRequest(ctx context.Context, req *ProxyRequest) error {
	s.mu.Lock()
	delete(s.pending, req.ID)
	s.mu.Unlock()
	return nil
}
