package gsi

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/stephnangue/gsigate/pki"
)

// cachedCredential pairs a loaded credential with its refresh timestamp.
// The two are always published together.
type cachedCredential struct {
	cred        *pki.Credential
	refreshedAt time.Time
}

// credentialCache is a timed-refresh cell for one credential. The loader
// runs lazily when the cell is empty or the refresh interval has elapsed;
// a failed load leaves the previous state untouched. Readers observe the
// latest published (credential, timestamp) pair without taking the lock.
type credentialCache struct {
	interval time.Duration
	load     func() (*pki.Credential, error)
	clock    func() time.Time

	mu      sync.Mutex
	current atomic.Pointer[cachedCredential]
}

func newCredentialCache(interval time.Duration, clock func() time.Time, load func() (*pki.Credential, error)) *credentialCache {
	return &credentialCache{
		interval: interval,
		load:     load,
		clock:    clock,
	}
}

// ensureLoaded returns the cached credential, reloading it first when it is
// missing or stale. Load errors propagate and leave the cache unchanged.
func (c *credentialCache) ensureLoaded() (*pki.Credential, error) {
	if cur := c.current.Load(); cur != nil && c.clock().Sub(cur.refreshedAt) < c.interval {
		return cur.cred, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Another caller may have refreshed while we waited for the lock
	if cur := c.current.Load(); cur != nil && c.clock().Sub(cur.refreshedAt) < c.interval {
		return cur.cred, nil
	}

	cred, err := c.load()
	if err != nil {
		return nil, err
	}

	c.current.Store(&cachedCredential{cred: cred, refreshedAt: c.clock()})
	return cred, nil
}

// snapshot returns the current credential without triggering a load.
func (c *credentialCache) snapshot() *pki.Credential {
	if cur := c.current.Load(); cur != nil {
		return cur.cred
	}
	return nil
}

// refreshedAt returns the timestamp of the last successful load.
func (c *credentialCache) refreshedAt() time.Time {
	if cur := c.current.Load(); cur != nil {
		return cur.refreshedAt
	}
	return time.Time{}
}
