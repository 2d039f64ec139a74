// Package crypto implements the Kerberos encryption and checksum profiles of
// RFC 3961, RFC 3962, RFC 4757 and RFC 8009 behind a per-etype Transform.
package crypto

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedEType is returned when no transform is registered for an
	// encryption or checksum type. There is no fallback to another etype.
	ErrUnsupportedEType = errors.New("crypto: unsupported encryption type")

	// ErrChecksumMismatch is returned when an integrity check fails. It is a
	// security failure and must not be retried.
	ErrChecksumMismatch = errors.New("crypto: checksum mismatch")

	// ErrCiphertextShort is returned for ciphertext smaller than the
	// confounder and integrity tag.
	ErrCiphertextShort = errors.New("crypto: ciphertext too short")
)

// KeyDerivationMode is the byte appended to a key usage number to form the
// derivation constant or label.
type KeyDerivationMode byte

const (
	Kc KeyDerivationMode = 0x99 // checksum
	Ke KeyDerivationMode = 0xAA // encryption
	Ki KeyDerivationMode = 0x55 // integrity
)

// Transform is one encryption type profile. Implementations hold no mutable
// state and are safe for concurrent use.
type Transform interface {
	EType() int32
	ChecksumType() int32
	KeySize() int
	BlockSize() int
	ChecksumSize() int
	String2Key(password, salt string, params []byte) ([]byte, error)
	Encrypt(plaintext, key []byte, usage uint32) ([]byte, error)
	Decrypt(ciphertext, key []byte, usage uint32) ([]byte, error)
	MakeChecksum(data, key []byte, usage uint32, mode KeyDerivationMode, size int) ([]byte, error)
	RandomKey() ([]byte, error)
}

// usageConstant returns the 5 byte well-known constant usage || mode.
func usageConstant(usage uint32, mode KeyDerivationMode) []byte {
	c := make([]byte, 5)
	binary.BigEndian.PutUint32(c, usage)
	c[4] = byte(mode)
	return c
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("read random: %w", err)
	}
	return b, nil
}

func checkKey(t Transform, key []byte) error {
	if len(key) != t.KeySize() {
		return fmt.Errorf("crypto: etype %d key is %d bytes, want %d", t.EType(), len(key), t.KeySize())
	}
	return nil
}

// AreEqualSlow compares a and b in time that depends only on their lengths.
// It never returns early on the first differing byte.
func AreEqualSlow(a, b []byte) bool {
	return areEqual(a, b, nil)
}

func areEqual(a, b []byte, visit func(i int)) bool {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	var diff byte
	for i := 0; i < n; i++ {
		var x, y byte
		if i < len(a) {
			x = a[i]
		}
		if i < len(b) {
			y = b[i]
		}
		diff |= x ^ y
		if visit != nil {
			visit(i)
		}
	}
	return diff == 0 && len(a) == len(b)
}
