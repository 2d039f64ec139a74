//go:build !linux

package cache

import (
	"context"
	"time"
)

// Keyring is only available on linux.
type Keyring struct{}

func NewKeyring(name string) (*Keyring, error) { return nil, ErrNativeUnsupported }

func (k *Keyring) Store(ctx context.Context, name string, value []byte, expires time.Time) error {
	return ErrNativeUnsupported
}

func (k *Keyring) Load(ctx context.Context, name string) ([]byte, error) {
	return nil, ErrNativeUnsupported
}

func (k *Keyring) Clear(ctx context.Context) error { return ErrNativeUnsupported }
func (k *Keyring) Close() error                    { return nil }
