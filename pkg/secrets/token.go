package secrets

import (
	"sync"
	"time"
)

// leasedToken caches a backend auth token together with its lease so the
// owner can renew it before it lapses. Tokens are never written to disk.
type leasedToken struct {
	mu        sync.RWMutex
	token     string
	lease     time.Duration
	renewable bool
	expiresAt time.Time
	now       func() time.Time
}

func newLeasedToken() *leasedToken {
	return &leasedToken{now: time.Now}
}

// get returns the token while it is unexpired
func (t *leasedToken) get() (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.token == "" {
		return "", false
	}
	if t.lease > 0 && t.now().After(t.expiresAt) {
		return "", false
	}
	return t.token, true
}

// set stores token. A zero lease means the token does not expire.
func (t *leasedToken) set(token string, lease time.Duration, renewable bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.token = token
	t.lease = lease
	t.renewable = renewable

	// Expire a little early so in-flight requests never carry a dead token
	buffer := 5 * time.Second
	if lease > buffer {
		lease -= buffer
	}
	t.expiresAt = t.now().Add(lease)
}

// needsRefresh is true once less than a third of the lease remains
func (t *leasedToken) needsRefresh() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.token == "" {
		return true
	}
	if t.lease <= 0 {
		return false
	}
	return t.expiresAt.Sub(t.now()) < t.lease/3
}

func (t *leasedToken) isRenewable() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.renewable && t.token != ""
}

func (t *leasedToken) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.token = ""
	t.lease = 0
	t.renewable = false
	t.expiresAt = time.Time{}
}
