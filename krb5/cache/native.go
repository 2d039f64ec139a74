package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kardianos/gokdc/krb5/ccache"
	"github.com/kardianos/gokdc/krb5/messages"
)

// ErrNativeUnsupported is returned where no platform credential store exists.
var ErrNativeUnsupported = errors.New("cache: no native credential store on this platform")

// NativeStore is a platform credential store holding opaque blobs.
type NativeStore interface {
	Store(ctx context.Context, name string, value []byte, expires time.Time) error
	// Load returns ErrNotFound for a missing name.
	Load(ctx context.Context, name string) ([]byte, error)
	Clear(ctx context.Context) error
	Close() error
}

// Native is a TicketStore that keeps nothing in process. Credentials are
// stored in the platform store as single-entry ccache blobs.
type Native struct {
	store NativeStore
}

var _ TicketStore = (*Native)(nil)

// NewNative wraps store.
func NewNative(store NativeStore) *Native {
	return &Native{store: store}
}

func (n *Native) Add(ctx context.Context, e Entry) error {
	cred, ok := credentialOf(e.Value)
	if !ok {
		return fmt.Errorf("%w: %T in native cache", ErrUnsupportedValue, e.Value)
	}
	c := ccache.New(cred.Client)
	c.Add(cred)
	b, err := c.Marshal()
	if err != nil {
		return err
	}
	return n.store.Store(ctx, e.CacheKey(), b, e.Expires)
}

// Contains always reports false; the platform store is the only source of truth.
func (n *Native) Contains(ctx context.Context, key, container string) (bool, error) {
	return false, nil
}

func (n *Native) Get(ctx context.Context, key, container string) (any, error) {
	b, err := n.store.Load(ctx, Key(container, key))
	if err != nil {
		return nil, err
	}
	c, err := ccache.Parse(b)
	if err != nil {
		return nil, err
	}
	if len(c.Credentials) != 1 {
		return nil, fmt.Errorf("%w: native entry holds %d credentials", ccache.ErrCorrupt, len(c.Credentials))
	}
	return c.Credentials[0], nil
}

func (n *Native) Purge(ctx context.Context) error { return n.store.Clear(ctx) }

func (n *Native) Close() error { return n.store.Close() }

func (n *Native) AddTicket(ctx context.Context, cred ccache.Credential) error {
	return n.Add(ctx, TicketEntry(cred))
}

func (n *Native) GetTicket(ctx context.Context, client, server messages.Principal) (*ccache.Credential, error) {
	v, err := n.Get(ctx, server.String(), client.String())
	if err != nil {
		return nil, err
	}
	cred := v.(ccache.Credential)
	return &cred, nil
}

func (n *Native) PurgeTickets(ctx context.Context) error { return n.Purge(ctx) }
