// Package lock provides a persistent, TTL-expiring mutual-exclusion primitive
// keyed by resource name.
//
// Expiry is evaluated lazily on every access: a lock whose expiry has passed
// is treated as free by every reader even while it is still stored, and is
// superseded atomically by the next acquirer. There is no background sweeper
// and no heartbeat; the TTL is the safety valve for crashed holders.
//
// Storage is pluggable through [Store]. Implementations must make
// [Store.TryAcquire] a single check-and-set so two concurrent acquirers can
// never both succeed.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by Store.Get when no lock is stored under the key.
var ErrNotFound = errors.New("lock not found")

// Lock is a stored exclusion token. Name is the full, prefixed key.
type Lock struct {
	Name      string
	Owner     string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the lock no longer excludes anyone at now.
func (l Lock) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// Store persists locks. Keys passed to a Store are already prefixed.
type Store interface {
	// TryAcquire stores l unless a lock with the same key exists and is
	// still live at now. An expired lock is replaced in the same operation.
	TryAcquire(ctx context.Context, l Lock, now time.Time) (bool, error)

	// Get returns the stored lock or ErrNotFound. Expiry is not evaluated.
	Get(ctx context.Context, key string) (Lock, error)

	// Delete removes the key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// DeleteOwned removes the key only if it is held by owner.
	DeleteOwned(ctx context.Context, key, owner string) (bool, error)

	// DeleteExpired removes the key only if it has expired at now.
	DeleteExpired(ctx context.Context, key string, now time.Time) error

	// DeletePrefix removes every key starting with prefix.
	DeletePrefix(ctx context.Context, prefix string) (int64, error)

	// List returns every lock whose key starts with prefix.
	List(ctx context.Context, prefix string) ([]Lock, error)
}

// Lease identifies a lock held by a specific acquirer.
type Lease struct {
	Name      string
	Owner     string
	ExpiresAt time.Time
}

// Info describes a stored lock for diagnostics.
type Info struct {
	Name      string    `json:"name"`
	Owner     string    `json:"owner"`
	CreatedAt time.Time `json:"created"`
	ExpiresAt time.Time `json:"expiry"`
	Expired   bool      `json:"expired"`
}

// Manager is the process-facing lock API. All names are scoped under the
// manager's prefix.
type Manager struct {
	store  Store
	prefix string
	now    func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager returns a Manager storing locks in store under prefix.
func NewManager(store Store, prefix string, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		prefix: prefix,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) key(name string) string {
	return m.prefix + name
}

// TryLock attempts to take name for ttl. It returns ok=false, with no error,
// when a live lock of the same name exists.
func (m *Manager) TryLock(ctx context.Context, name string, ttl time.Duration) (Lease, bool, error) {
	if ttl <= 0 {
		return Lease{}, false, fmt.Errorf("lock %s: ttl must be positive", name)
	}

	now := m.now()
	l := Lock{
		Name:      m.key(name),
		Owner:     uuid.NewString(),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	ok, err := m.store.TryAcquire(ctx, l, now)
	if err != nil {
		return Lease{}, false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if !ok {
		return Lease{}, false, nil
	}

	slog.Debug("lock acquired", "lock", name, "owner", l.Owner, "expires_at", l.ExpiresAt)
	return Lease{Name: name, Owner: l.Owner, ExpiresAt: l.ExpiresAt}, true, nil
}

// Acquire reports whether name was taken for ttl.
func (m *Manager) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	_, ok, err := m.TryLock(ctx, name, ttl)
	return ok, err
}

// Release unconditionally removes name. It is idempotent.
func (m *Manager) Release(ctx context.Context, name string) error {
	if err := m.store.Delete(ctx, m.key(name)); err != nil {
		return fmt.Errorf("release lock %s: %w", name, err)
	}
	slog.Debug("lock released", "lock", name)
	return nil
}

// ReleaseOwned removes name only if it is still held by owner. It reports
// whether anything was removed; false means the lock was already released,
// cleared or taken over after expiry.
func (m *Manager) ReleaseOwned(ctx context.Context, name, owner string) (bool, error) {
	ok, err := m.store.DeleteOwned(ctx, m.key(name), owner)
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", name, err)
	}
	return ok, nil
}

// ReleaseLease is ReleaseOwned for a lease returned by TryLock.
func (m *Manager) ReleaseLease(ctx context.Context, lease Lease) (bool, error) {
	return m.ReleaseOwned(ctx, lease.Name, lease.Owner)
}

// IsLocked reports whether a live lock of name exists. An expired lock is
// removed as a side effect.
func (m *Manager) IsLocked(ctx context.Context, name string) (bool, error) {
	key := m.key(name)

	l, err := m.store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check lock %s: %w", name, err)
	}

	now := m.now()
	if l.Expired(now) {
		if err := m.store.DeleteExpired(ctx, key, now); err != nil {
			return false, fmt.Errorf("expire lock %s: %w", name, err)
		}
		slog.Info("expired lock removed", "lock", name, "expired_at", l.ExpiresAt)
		return false, nil
	}
	return true, nil
}

// WaitFor polls until name can be taken or timeout elapses. It returns
// ok=false without error on timeout.
func (m *Manager) WaitFor(ctx context.Context, name string, ttl, timeout, interval time.Duration) (Lease, bool, error) {
	if interval <= 0 {
		interval = time.Second
	}
	deadline := m.now().Add(timeout)

	for {
		lease, ok, err := m.TryLock(ctx, name, ttl)
		if err != nil || ok {
			return lease, ok, err
		}
		if !m.now().Before(deadline) {
			return Lease{}, false, nil
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Lease{}, false, ctx.Err()
		case <-timer.C:
		}
	}
}

// ClearAll removes every lock in this manager's namespace. It is the
// operator's escape hatch after a crash; holders are not notified.
func (m *Manager) ClearAll(ctx context.Context) (int64, error) {
	n, err := m.store.DeletePrefix(ctx, m.prefix)
	if err != nil {
		return 0, fmt.Errorf("clear locks: %w", err)
	}
	slog.Warn("all locks cleared", "prefix", m.prefix, "count", n)
	return n, nil
}

// ListActive enumerates stored locks, flagging expired ones. It has no side
// effects.
func (m *Manager) ListActive(ctx context.Context) ([]Info, error) {
	locks, err := m.store.List(ctx, m.prefix)
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}

	now := m.now()
	infos := make([]Info, 0, len(locks))
	for _, l := range locks {
		infos = append(infos, Info{
			Name:      strings.TrimPrefix(l.Name, m.prefix),
			Owner:     l.Owner,
			CreatedAt: l.CreatedAt,
			ExpiresAt: l.ExpiresAt,
			Expired:   l.Expired(now),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}
