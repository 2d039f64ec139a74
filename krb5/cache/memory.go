package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kardianos/gokdc/krb5/ccache"
	"github.com/kardianos/gokdc/krb5/messages"
	"github.com/kardianos/gokdc/krblog"
)

// RefreshFunc renews an entry before it expires. The returned entry
// replaces the old one.
type RefreshFunc func(ctx context.Context, e Entry) (Entry, error)

// MemoryConfig configures NewMemory. Zero fields take defaults.
type MemoryConfig struct {
	Skew            time.Duration // DefaultSkew
	RefreshInterval time.Duration // 1 minute
	RefreshWindow   time.Duration // 10 minutes
	Refresh         RefreshFunc   // nil disables the refresher
	Now             func() time.Time
	Logger          *krblog.Logger
}

// Memory is an in-process TicketStore. Reads do not lock; expired entries
// are dropped when read.
type Memory struct {
	cfg     MemoryConfig
	entries sync.Map // string -> *Entry

	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed chan struct{}
	once   sync.Once
}

var _ TicketStore = (*Memory)(nil)

// NewMemory returns a memory cache. When cfg.Refresh is set a background
// goroutine renews entries near expiry until ctx ends or Close is called.
func NewMemory(ctx context.Context, cfg MemoryConfig) *Memory {
	if cfg.Skew == 0 {
		cfg.Skew = DefaultSkew
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = time.Minute
	}
	if cfg.RefreshWindow <= 0 {
		cfg.RefreshWindow = 10 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	m := &Memory{cfg: cfg, closed: make(chan struct{})}
	ctx, m.cancel = context.WithCancel(ctx)
	if cfg.Refresh != nil {
		m.wg.Add(1)
		go m.refreshLoop(ctx)
	}
	return m
}

func (m *Memory) isClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

// Add stores e, replacing any entry with the same key.
func (m *Memory) Add(ctx context.Context, e Entry) error {
	if m.isClosed() {
		return ErrClosed
	}
	m.entries.Store(e.CacheKey(), &e)
	return nil
}

func (m *Memory) load(key string) (Entry, bool) {
	v, ok := m.entries.Load(key)
	if !ok {
		return Entry{}, false
	}
	e := v.(*Entry)
	if e.expired(m.cfg.Now(), m.cfg.Skew) {
		m.entries.CompareAndDelete(key, v)
		return Entry{}, false
	}
	return *e, true
}

func (m *Memory) Contains(ctx context.Context, key, container string) (bool, error) {
	if m.isClosed() {
		return false, ErrClosed
	}
	_, ok := m.load(Key(container, key))
	return ok, nil
}

func (m *Memory) Get(ctx context.Context, key, container string) (any, error) {
	if m.isClosed() {
		return nil, ErrClosed
	}
	e, ok := m.load(Key(container, key))
	if !ok {
		return nil, ErrNotFound
	}
	return e.Value, nil
}

// Purge removes every entry.
func (m *Memory) Purge(ctx context.Context) error {
	m.entries.Clear()
	return nil
}

// Len counts stored entries, including expired ones not yet dropped.
func (m *Memory) Len() int {
	n := 0
	m.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (m *Memory) AddTicket(ctx context.Context, cred ccache.Credential) error {
	return m.Add(ctx, TicketEntry(cred))
}

func (m *Memory) GetTicket(ctx context.Context, client, server messages.Principal) (*ccache.Credential, error) {
	v, err := m.Get(ctx, server.String(), client.String())
	if err != nil {
		return nil, err
	}
	cred, ok := credentialOf(v)
	if !ok {
		return nil, ErrNotFound
	}
	return &cred, nil
}

// PurgeTickets removes ticket entries and keeps other values.
func (m *Memory) PurgeTickets(ctx context.Context) error {
	m.entries.Range(func(k, v any) bool {
		if _, ok := credentialOf(v.(*Entry).Value); ok {
			m.entries.Delete(k)
		}
		return true
	})
	return nil
}

// Close stops the refresher and waits for it to exit.
func (m *Memory) Close() error {
	m.once.Do(func() {
		close(m.closed)
		m.cancel()
		m.wg.Wait()
	})
	return nil
}

func (m *Memory) refreshLoop(ctx context.Context) {
	defer m.wg.Done()
	t := time.NewTicker(m.cfg.RefreshInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.refreshOnce(ctx)
		}
	}
}

// refreshOnce renews entries that expire within the refresh window and can
// still be renewed. Failures are logged and the old entry is kept.
func (m *Memory) refreshOnce(ctx context.Context) {
	log := m.cfg.Logger
	now := m.cfg.Now()
	m.entries.Range(func(k, v any) bool {
		if ctx.Err() != nil {
			return false
		}
		e := *v.(*Entry)
		if e.expired(now, m.cfg.Skew) {
			m.entries.CompareAndDelete(k, v)
			return true
		}
		if e.Expires.IsZero() || e.Expires.Sub(now) > m.cfg.RefreshWindow || !e.RenewUntil.After(now) {
			return true
		}
		ne, err := m.refresh(ctx, e)
		if err != nil {
			log.Errorf(krblog.AreaCache, "refresh %s: %v", k, err)
			return true
		}
		if ne.CacheKey() != k.(string) {
			log.Errorf(krblog.AreaCache, "refresh %s returned entry for %s", k, ne.CacheKey())
			return true
		}
		// Keep a concurrent Add from being overwritten by the renewed value.
		if m.entries.CompareAndSwap(k, v, &ne) {
			log.Debugf(krblog.AreaCache, "refreshed %s until %s", k, ne.Expires.Format(time.RFC3339))
		}
		return true
	})
}

func (m *Memory) refresh(ctx context.Context, e Entry) (ne Entry, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("refresh panicked: %v", r)
		}
	}()
	return m.cfg.Refresh(ctx, e)
}
