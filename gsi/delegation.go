package gsi

import (
	"context"
	"crypto/x509"
	"fmt"
	"sync"
	"time"

	"github.com/stephnangue/gsigate/logger"
	"github.com/stephnangue/gsigate/pki"
	"github.com/stephnangue/gsigate/store"
)

// Coordinator drives the server side of a proxy delegation exchange against
// the remote credential store. It owns at most one outstanding proxy
// request at a time: Prepare creates it, exactly one of Finalize or Cancel
// consumes it. All state transitions are serialized.
type Coordinator struct {
	log         logger.Logger
	store       store.Client
	minValidFor time.Duration

	mu      sync.Mutex
	pending *store.ProxyRequest
}

func newCoordinator(client store.Client, minValidFor time.Duration, log logger.Logger) *Coordinator {
	return &Coordinator{
		log:         log,
		store:       client,
		minValidFor: minValidFor,
	}
}

func (c *Coordinator) client() (store.Client, error) {
	if c.store == nil {
		return nil, ErrStoreUnavailable
	}
	return c.store, nil
}

// Prepare asks the credential store for a proxy request (CSR) bound to the
// authenticating client's certificate chain and records it for later
// finalization. A previous pending request is discarded; its store-side
// resources are not cancelled.
func (c *Coordinator) Prepare(ctx context.Context, chain []*x509.Certificate) ([]byte, error) {
	client, err := c.client()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	req, err := client.GetProxyRequest(ctx, chain)
	if err != nil {
		return nil, fmt.Errorf("requesting proxy CSR: %w", err)
	}

	if c.pending != nil {
		c.log.Debug("discarding previous pending proxy request",
			logger.String("request_id", c.pending.ID))
	}
	c.pending = req

	return req.Request, nil
}

// Finalize stores the client-signed proxy certificate, prepended to the
// chain recorded by Prepare, at the credential store. This is the terminal
// step of a delegation exchange; afterwards no request is pending.
func (c *Coordinator) Finalize(ctx context.Context, proxyCert *x509.Certificate) error {
	client, err := c.client()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending == nil {
		return ErrDelegationState
	}

	serialized := pki.ChainToPEM(pki.Prepend(proxyCert, c.pending.Key))

	if err := client.StoreCredential(ctx, c.pending.Key, c.pending.ID, serialized); err != nil {
		return fmt.Errorf("storing delegated proxy: %w", err)
	}

	c.pending = nil
	return nil
}

// Cancel releases the pending proxy request, if any. Notifying the store is
// best effort; a failure is logged and the request is dropped regardless.
// Calling Cancel with no pending request is a no-op.
func (c *Coordinator) Cancel(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending == nil {
		return
	}

	if c.store != nil {
		if err := c.store.CancelProxyRequest(ctx, c.pending); err != nil {
			c.log.Warn("problem cancelling proxy delegation request",
				logger.String("request_id", c.pending.ID),
				logger.String("subject", c.pending.Key[0].Subject.String()),
				logger.Err(err))
		}
	}

	c.pending = nil
}

// HasValidDelegatedProxy reports whether the store already holds a proxy
// for the client that stays valid for the configured minimum lifetime.
func (c *Coordinator) HasValidDelegatedProxy(ctx context.Context, chain []*x509.Certificate) (bool, error) {
	client, err := c.client()
	if err != nil {
		return false, err
	}

	_, ok, err := client.FetchCredential(ctx, chain, c.minValidFor)
	if err != nil {
		return false, fmt.Errorf("fetching delegated proxy: %w", err)
	}
	return ok, nil
}
