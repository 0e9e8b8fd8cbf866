package distributed

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned by Release when the key expired or another holder
// took it over.
var ErrNotHeld = errors.New("lease not held by this instance")

var (
	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

	renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)
)

// Lease is an exclusive, self-renewing Redis key. One process at a time
// holds it; the TTL frees it if the holder dies without releasing.
type Lease struct {
	client redis.Cmdable
	key    string
	value  string
	ttl    time.Duration

	mu        sync.Mutex
	held      bool
	stopRenew chan struct{}
	renewDone chan struct{}
}

func NewLease(client redis.Cmdable, key string, ttl time.Duration) *Lease {
	return &Lease{
		client: client,
		key:    key,
		value:  holderID(),
		ttl:    ttl,
	}
}

func holderID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func (l *Lease) Key() string { return l.key }

// Acquire tries once to take the lease. It returns false without error when
// another holder has it. Renewal runs until Release, independent of ctx.
func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held {
		return true, nil
	}

	acquired, err := l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", l.key, err)
	}
	if !acquired {
		return false, nil
	}

	l.held = true
	l.stopRenew = make(chan struct{})
	l.renewDone = make(chan struct{})
	go l.renew(l.stopRenew, l.renewDone)
	return true, nil
}

// Release stops renewal and deletes the key if this instance still owns it.
// Releasing a lease that is not held is a no-op.
func (l *Lease) Release(ctx context.Context) error {
	l.mu.Lock()
	if !l.held {
		l.mu.Unlock()
		return nil
	}
	l.held = false
	stop, done := l.stopRenew, l.renewDone
	l.mu.Unlock()

	close(stop)
	<-done

	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.value).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lease %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Held reports whether Acquire succeeded and Release has not been called.
func (l *Lease) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

func (l *Lease) renew(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/2)
			n, err := renewScript.Run(ctx, l.client, []string{l.key}, l.value, l.ttl.Milliseconds()).Int64()
			cancel()
			if err == nil && n == 0 {
				// Lost to expiry or another holder.
				return
			}
		}
	}
}

// LeaseManager namespaces leases under a key prefix.
type LeaseManager struct {
	client redis.Cmdable
	prefix string
}

func NewLeaseManager(client redis.Cmdable, prefix string) *LeaseManager {
	return &LeaseManager{
		client: client,
		prefix: prefix,
	}
}

func (m *LeaseManager) Lease(name string, ttl time.Duration) *Lease {
	return NewLease(m.client, m.prefix+name, ttl)
}
