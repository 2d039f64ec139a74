// Package cache stores tickets and other values acquired by a Kerberos
// client. Three backends share the TicketCache contract: an in-process map
// with expiry and background renewal, an MIT ccache file guarded by a
// cross-process lock, and a platform credential store.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kardianos/gokdc/krb5/ccache"
	"github.com/kardianos/gokdc/krb5/messages"
)

var (
	// ErrNotFound is returned by Get for a missing or expired entry.
	ErrNotFound = errors.New("cache: entry not found")
	// ErrCacheBusy is returned when the cache file lock could not be taken
	// within the configured timeout.
	ErrCacheBusy = errors.New("cache: cache file is busy")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("cache: closed")
	// ErrUnsupportedValue is returned when a backend cannot store a value type.
	ErrUnsupportedValue = errors.New("cache: unsupported value type")
)

// DefaultSkew is the clock skew allowed before an expired entry is dropped.
const DefaultSkew = 5 * time.Minute

// Entry is one cached value.
type Entry struct {
	Key        string
	Container  string
	Expires    time.Time
	RenewUntil time.Time
	Value      any
}

// CacheKey returns the lookup key of the entry.
func (e Entry) CacheKey() string { return Key(e.Container, e.Key) }

func (e Entry) expired(now time.Time, skew time.Duration) bool {
	return !e.Expires.IsZero() && e.Expires.Before(now.Add(-skew))
}

// Key derives the case-insensitive cache key for key within container.
func Key(container, key string) string {
	return strings.ToLower("kerberos-" + container + "-" + key)
}

// TicketCache is the contract every backend implements.
type TicketCache interface {
	Add(ctx context.Context, e Entry) error
	Contains(ctx context.Context, key, container string) (bool, error)
	// Get returns ErrNotFound if the entry is missing or expired.
	Get(ctx context.Context, key, container string) (any, error)
	Purge(ctx context.Context) error
	Close() error
}

// TicketStore adds ticket-typed access to a TicketCache.
type TicketStore interface {
	TicketCache
	AddTicket(ctx context.Context, cred ccache.Credential) error
	GetTicket(ctx context.Context, client, server messages.Principal) (*ccache.Credential, error)
	PurgeTickets(ctx context.Context) error
}

// GetCacheItem fetches key and asserts its type. A missing entry is not an
// error; a value of another type is.
func GetCacheItem[T any](ctx context.Context, c TicketCache, key, container string) (T, bool, error) {
	var zero T
	v, err := c.Get(ctx, key, container)
	switch {
	case errors.Is(err, ErrNotFound):
		return zero, false, nil
	case err != nil:
		return zero, false, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, false, fmt.Errorf("cache: entry %q holds %T", Key(container, key), v)
	}
	return t, true, nil
}

// TicketEntry wraps a credential as a cache entry keyed by server within
// the client's container.
func TicketEntry(cred ccache.Credential) Entry {
	return Entry{
		Key:        cred.Server.String(),
		Container:  cred.Client.String(),
		Expires:    ccache.Time(cred.EndTime),
		RenewUntil: ccache.Time(cred.RenewTill),
		Value:      cred,
	}
}

func credentialOf(v any) (ccache.Credential, bool) {
	switch c := v.(type) {
	case ccache.Credential:
		return c, true
	case *ccache.Credential:
		if c != nil {
			return *c, true
		}
	}
	return ccache.Credential{}, false
}
