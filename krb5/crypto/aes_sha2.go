package crypto

import (
	"crypto/aes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"hash"

	"github.com/jcmturner/aescts/v2"
	"github.com/jcmturner/gokrb5/v8/iana/chksumtype"
	"github.com/jcmturner/gokrb5/v8/iana/etypeID"
	"golang.org/x/crypto/pbkdf2"
)

const aesSHA2Iterations = 32768

// aesSHA2 is aes128-cts-hmac-sha256-128 and aes256-cts-hmac-sha384-192
// (RFC 8009).
type aesSHA2 struct {
	etype   int32
	cksum   int32
	name    string
	keySize int
	macSize int
	newHash func() hash.Hash
}

func newAES128SHA256() Transform {
	return aesSHA2{
		etype:   etypeID.AES128_CTS_HMAC_SHA256_128,
		cksum:   chksumtype.HMAC_SHA256_128_AES128,
		name:    "aes128-cts-hmac-sha256-128",
		keySize: 16,
		macSize: 16,
		newHash: sha256.New,
	}
}

func newAES256SHA384() Transform {
	return aesSHA2{
		etype:   etypeID.AES256_CTS_HMAC_SHA384_192,
		cksum:   chksumtype.HMAC_SHA384_192_AES256,
		name:    "aes256-cts-hmac-sha384-192",
		keySize: 32,
		macSize: 24,
		newHash: sha512.New384,
	}
}

func (a aesSHA2) EType() int32        { return a.etype }
func (a aesSHA2) ChecksumType() int32 { return a.cksum }
func (a aesSHA2) KeySize() int        { return a.keySize }
func (a aesSHA2) BlockSize() int      { return aes.BlockSize }
func (a aesSHA2) ChecksumSize() int   { return a.macSize }

// kdf is KDF-HMAC-SHA2(key, label, k) with an empty context.
func (a aesSHA2) kdf(key, label []byte, bits int) []byte {
	msg := make([]byte, 4, 4+len(label)+1+4)
	binary.BigEndian.PutUint32(msg, 1)
	msg = append(msg, label...)
	msg = append(msg, 0)
	msg = binary.BigEndian.AppendUint32(msg, uint32(bits))
	h := hmac.New(a.newHash, key)
	h.Write(msg)
	return h.Sum(nil)[:bits/8]
}

// derive returns Kc, Ke or Ki. Only Ke uses the full key length; Kc and Ki
// are the size of the truncated MAC.
func (a aesSHA2) derive(key []byte, usage uint32, mode KeyDerivationMode) []byte {
	bits := a.macSize * 8
	if mode == Ke {
		bits = a.keySize * 8
	}
	return a.kdf(key, usageConstant(usage, mode), bits)
}

func (a aesSHA2) String2Key(password, salt string, params []byte) ([]byte, error) {
	iter := aesSHA2Iterations
	if len(params) > 0 {
		if len(params) != 4 {
			return nil, fmt.Errorf("crypto: s2kparams of %d bytes", len(params))
		}
		iter = int(binary.BigEndian.Uint32(params))
	}
	saltp := make([]byte, 0, len(a.name)+1+len(salt))
	saltp = append(saltp, a.name...)
	saltp = append(saltp, 0)
	saltp = append(saltp, salt...)
	tkey := pbkdf2.Key([]byte(password), saltp, iter, a.keySize, a.newHash)
	return a.kdf(tkey, []byte("kerberos"), a.keySize*8), nil
}

func (a aesSHA2) RandomKey() ([]byte, error) {
	return randomBytes(a.keySize)
}

func (a aesSHA2) Encrypt(plaintext, key []byte, usage uint32) ([]byte, error) {
	conf, err := randomBytes(aes.BlockSize)
	if err != nil {
		return nil, err
	}
	return a.encrypt(plaintext, key, usage, conf)
}

// encrypt is C = CTS(Ke, confounder || plaintext) followed by
// HMAC(Ki, IV || C) truncated, with a zero IV.
func (a aesSHA2) encrypt(plaintext, key []byte, usage uint32, conf []byte) ([]byte, error) {
	if err := checkKey(a, key); err != nil {
		return nil, err
	}
	ke := a.derive(key, usage, Ke)
	ki := a.derive(key, usage, Ki)

	pb := make([]byte, 0, len(conf)+len(plaintext))
	pb = append(pb, conf...)
	pb = append(pb, plaintext...)

	iv := make([]byte, aes.BlockSize)
	_, ct, err := aescts.Encrypt(ke, iv, pb)
	if err != nil {
		return nil, fmt.Errorf("aes cts encrypt: %w", err)
	}
	return append(ct, a.mac(ki, iv, ct)...), nil
}

func (a aesSHA2) mac(ki, iv, ct []byte) []byte {
	h := hmac.New(a.newHash, ki)
	h.Write(iv)
	h.Write(ct)
	return h.Sum(nil)[:a.macSize]
}

func (a aesSHA2) Decrypt(ciphertext, key []byte, usage uint32) ([]byte, error) {
	if err := checkKey(a, key); err != nil {
		return nil, err
	}
	if len(ciphertext) < aes.BlockSize+a.macSize {
		return nil, ErrCiphertextShort
	}
	ke := a.derive(key, usage, Ke)
	ki := a.derive(key, usage, Ki)

	ct := ciphertext[:len(ciphertext)-a.macSize]
	iv := make([]byte, aes.BlockSize)
	if !AreEqualSlow(ciphertext[len(ct):], a.mac(ki, iv, ct)) {
		return nil, ErrChecksumMismatch
	}
	pb, err := aescts.Decrypt(ke, iv, ct)
	if err != nil {
		return nil, fmt.Errorf("aes cts decrypt: %w", err)
	}
	return pb[aes.BlockSize:], nil
}

func (a aesSHA2) MakeChecksum(data, key []byte, usage uint32, mode KeyDerivationMode, size int) ([]byte, error) {
	if err := checkKey(a, key); err != nil {
		return nil, err
	}
	h := hmac.New(a.newHash, a.derive(key, usage, mode))
	h.Write(data)
	return truncate(h.Sum(nil), size), nil
}
