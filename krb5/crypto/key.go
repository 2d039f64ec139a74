package crypto

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Key is a long-term or session key. It either carries the raw key bytes or
// the material to derive them with a registered transform. A Key is
// immutable and may be copied; derivation runs at most once.
type Key struct {
	EType int32

	value []byte
	src   *keySource
}

type keySource struct {
	reg      *Registry
	password string
	salt     string
	params   []byte

	once  sync.Once
	value []byte
	err   error
}

// NewKey returns a key holding a copy of value.
func NewKey(etype int32, value []byte) Key {
	return Key{EType: etype, value: append([]byte(nil), value...)}
}

// KeyFromPassword returns a key derived on first use with reg's transform
// for etype. A nil reg uses DefaultRegistry.
func KeyFromPassword(reg *Registry, etype int32, password, salt string, params []byte) Key {
	if reg == nil {
		reg = DefaultRegistry()
	}
	return Key{
		EType: etype,
		src: &keySource{
			reg:      reg,
			password: password,
			salt:     salt,
			params:   append([]byte(nil), params...),
		},
	}
}

// Bytes returns the raw key, deriving it if needed.
func (k Key) Bytes() ([]byte, error) {
	if k.value != nil {
		return k.value, nil
	}
	if k.src == nil {
		return nil, errors.New("crypto: empty key")
	}
	s := k.src
	s.once.Do(func() {
		t, err := s.reg.Get(k.EType)
		if err != nil {
			s.err = err
			return
		}
		s.value, s.err = t.String2Key(s.password, s.salt, s.params)
		if s.err != nil {
			s.err = fmt.Errorf("string to key for etype %d: %w", k.EType, s.err)
		}
	})
	return s.value, s.err
}

// IsZero reports whether k holds neither bytes nor derivation material.
func (k Key) IsZero() bool {
	return k.value == nil && k.src == nil
}

// Salt returns the derivation salt, or "" for raw keys.
func (k Key) Salt() string {
	if k.src == nil {
		return ""
	}
	return k.src.salt
}

// Params returns the string-to-key parameters, or nil for raw keys.
func (k Key) Params() []byte {
	if k.src == nil {
		return nil
	}
	return k.src.params
}

// DefaultSalt is the RFC 4120 default salt: the realm followed by every
// name component with no separator.
func DefaultSalt(realm string, components ...string) string {
	return realm + strings.Join(components, "")
}
