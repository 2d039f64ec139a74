//go:build linux

package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Keyring stores credentials as "user" keys in a named keyring linked into
// the session keyring.
type Keyring struct {
	id int
}

// NewKeyring opens or creates the keyring called name in the session keyring.
func NewKeyring(name string) (*Keyring, error) {
	id, err := unix.AddKey("keyring", name, nil, unix.KEY_SPEC_SESSION_KEYRING)
	if err != nil {
		return nil, fmt.Errorf("create keyring %q: %w", name, err)
	}
	return &Keyring{id: id}, nil
}

func (k *Keyring) Store(ctx context.Context, name string, value []byte, expires time.Time) error {
	id, err := unix.AddKey("user", name, value, k.id)
	if err != nil {
		return fmt.Errorf("add key %q: %w", name, err)
	}
	if !expires.IsZero() {
		secs := int(time.Until(expires).Seconds())
		if secs < 1 {
			secs = 1
		}
		if _, err := unix.KeyctlInt(unix.KEYCTL_SET_TIMEOUT, id, secs, 0, 0); err != nil {
			return fmt.Errorf("set key timeout: %w", err)
		}
	}
	return nil
}

func (k *Keyring) Load(ctx context.Context, name string) ([]byte, error) {
	id, err := unix.KeyctlSearch(k.id, "user", name, 0)
	if errors.Is(err, unix.ENOKEY) || errors.Is(err, unix.EKEYEXPIRED) || errors.Is(err, unix.EKEYREVOKED) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("search key %q: %w", name, err)
	}
	buf := make([]byte, 4096)
	for {
		n, err := unix.KeyctlBuffer(unix.KEYCTL_READ, id, buf, 0)
		if err != nil {
			return nil, fmt.Errorf("read key %q: %w", name, err)
		}
		if n <= len(buf) {
			return buf[:n], nil
		}
		buf = make([]byte, n)
	}
}

func (k *Keyring) Clear(ctx context.Context) error {
	_, err := unix.KeyctlInt(unix.KEYCTL_CLEAR, k.id, 0, 0, 0)
	return err
}

func (k *Keyring) Close() error { return nil }
