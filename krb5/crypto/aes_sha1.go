package crypto

import (
	"crypto/aes"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
	"fmt"

	"github.com/jcmturner/aescts/v2"
	"github.com/jcmturner/gokrb5/v8/iana/chksumtype"
	"github.com/jcmturner/gokrb5/v8/iana/etypeID"
	"golang.org/x/crypto/pbkdf2"
)

const (
	aesSHA1Iterations = 4096
	aesSHA1MACSize    = 12
)

// aesSHA1 is aes128-cts-hmac-sha1-96 and aes256-cts-hmac-sha1-96 (RFC 3962).
type aesSHA1 struct {
	etype   int32
	cksum   int32
	keySize int
}

func newAES128SHA1() Transform {
	return aesSHA1{etype: etypeID.AES128_CTS_HMAC_SHA1_96, cksum: chksumtype.HMAC_SHA1_96_AES128, keySize: 16}
}

func newAES256SHA1() Transform {
	return aesSHA1{etype: etypeID.AES256_CTS_HMAC_SHA1_96, cksum: chksumtype.HMAC_SHA1_96_AES256, keySize: 32}
}

func (a aesSHA1) EType() int32        { return a.etype }
func (a aesSHA1) ChecksumType() int32 { return a.cksum }
func (a aesSHA1) KeySize() int        { return a.keySize }
func (a aesSHA1) BlockSize() int      { return aes.BlockSize }
func (a aesSHA1) ChecksumSize() int   { return aesSHA1MACSize }

// String2Key is PBKDF2-HMAC-SHA1 followed by DK(tkey, "kerberos"). params,
// when present, is the 4 byte big-endian iteration count.
func (a aesSHA1) String2Key(password, salt string, params []byte) ([]byte, error) {
	iter := aesSHA1Iterations
	if len(params) > 0 {
		if len(params) != 4 {
			return nil, fmt.Errorf("crypto: s2kparams of %d bytes", len(params))
		}
		iter = int(binary.BigEndian.Uint32(params))
	}
	tkey := pbkdf2.Key([]byte(password), []byte(salt), iter, a.keySize, sha1.New)
	return dk(tkey, []byte("kerberos"), a.keySize)
}

func (a aesSHA1) RandomKey() ([]byte, error) {
	return randomBytes(a.keySize)
}

func (a aesSHA1) derive(key []byte, usage uint32, mode KeyDerivationMode) ([]byte, error) {
	return dk(key, usageConstant(usage, mode), a.keySize)
}

func (a aesSHA1) Encrypt(plaintext, key []byte, usage uint32) ([]byte, error) {
	conf, err := randomBytes(aes.BlockSize)
	if err != nil {
		return nil, err
	}
	return a.encrypt(plaintext, key, usage, conf)
}

// encrypt is CTS(Ke, confounder || plaintext) || HMAC-SHA1(Ki, confounder || plaintext)[:12].
func (a aesSHA1) encrypt(plaintext, key []byte, usage uint32, conf []byte) ([]byte, error) {
	if err := checkKey(a, key); err != nil {
		return nil, err
	}
	ke, err := a.derive(key, usage, Ke)
	if err != nil {
		return nil, err
	}
	ki, err := a.derive(key, usage, Ki)
	if err != nil {
		return nil, err
	}

	pb := make([]byte, 0, len(conf)+len(plaintext))
	pb = append(pb, conf...)
	pb = append(pb, plaintext...)

	iv := make([]byte, aes.BlockSize)
	_, ct, err := aescts.Encrypt(ke, iv, pb)
	if err != nil {
		return nil, fmt.Errorf("aes cts encrypt: %w", err)
	}

	h := hmac.New(sha1.New, ki)
	h.Write(pb)
	return append(ct, h.Sum(nil)[:aesSHA1MACSize]...), nil
}

func (a aesSHA1) Decrypt(ciphertext, key []byte, usage uint32) ([]byte, error) {
	if err := checkKey(a, key); err != nil {
		return nil, err
	}
	if len(ciphertext) < aes.BlockSize+aesSHA1MACSize {
		return nil, ErrCiphertextShort
	}
	ke, err := a.derive(key, usage, Ke)
	if err != nil {
		return nil, err
	}
	ki, err := a.derive(key, usage, Ki)
	if err != nil {
		return nil, err
	}

	ct := ciphertext[:len(ciphertext)-aesSHA1MACSize]
	mac := ciphertext[len(ciphertext)-aesSHA1MACSize:]

	iv := make([]byte, aes.BlockSize)
	pb, err := aescts.Decrypt(ke, iv, ct)
	if err != nil {
		return nil, fmt.Errorf("aes cts decrypt: %w", err)
	}

	// The HMAC covers the plaintext, so it is checked after decryption.
	h := hmac.New(sha1.New, ki)
	h.Write(pb)
	if !AreEqualSlow(mac, h.Sum(nil)[:aesSHA1MACSize]) {
		return nil, ErrChecksumMismatch
	}
	return pb[aes.BlockSize:], nil
}

func (a aesSHA1) MakeChecksum(data, key []byte, usage uint32, mode KeyDerivationMode, size int) ([]byte, error) {
	if err := checkKey(a, key); err != nil {
		return nil, err
	}
	kc, err := a.derive(key, usage, mode)
	if err != nil {
		return nil, err
	}
	h := hmac.New(sha1.New, kc)
	h.Write(data)
	return truncate(h.Sum(nil), size), nil
}

func truncate(b []byte, size int) []byte {
	if size <= 0 || size > len(b) {
		return b
	}
	return b[:size]
}
