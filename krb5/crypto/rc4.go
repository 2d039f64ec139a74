package crypto

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rc4"
	"encoding/binary"
	"fmt"
	"unicode/utf16"

	"github.com/jcmturner/gokrb5/v8/iana/chksumtype"
	"github.com/jcmturner/gokrb5/v8/iana/etypeID"
	"golang.org/x/crypto/md4"
)

const (
	rc4ConfounderSize = 8
	rc4MACSize        = md5.Size
)

// rc4HMAC is rc4-hmac (RFC 4757).
type rc4HMAC struct{}

func newRC4HMAC() Transform { return rc4HMAC{} }

func (rc4HMAC) EType() int32        { return etypeID.RC4_HMAC }
func (rc4HMAC) ChecksumType() int32 { return chksumtype.KERB_CHECKSUM_HMAC_MD5 }
func (rc4HMAC) KeySize() int        { return 16 }
func (rc4HMAC) BlockSize() int      { return 1 }
func (rc4HMAC) ChecksumSize() int   { return rc4MACSize }

// String2Key is MD4 over the UTF-16LE password. Salt and params are unused.
func (rc4HMAC) String2Key(password, salt string, params []byte) ([]byte, error) {
	u := utf16.Encode([]rune(password))
	b := make([]byte, 2*len(u))
	for i, c := range u {
		binary.LittleEndian.PutUint16(b[2*i:], c)
	}
	h := md4.New()
	h.Write(b)
	return h.Sum(nil), nil
}

func (r rc4HMAC) RandomKey() ([]byte, error) {
	return randomBytes(r.KeySize())
}

// msUsage maps Kerberos key usage numbers to the message types Windows uses.
func msUsage(usage uint32) []byte {
	switch usage {
	case 3, 9:
		usage = 8
	case 23:
		usage = 13
	}
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, usage)
	return b
}

func hmacMD5(key []byte, data ...[]byte) []byte {
	h := hmac.New(md5.New, key)
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

func (r rc4HMAC) Encrypt(plaintext, key []byte, usage uint32) ([]byte, error) {
	conf, err := randomBytes(rc4ConfounderSize)
	if err != nil {
		return nil, err
	}
	return r.encrypt(plaintext, key, usage, conf)
}

func (r rc4HMAC) encrypt(plaintext, key []byte, usage uint32, conf []byte) ([]byte, error) {
	if err := checkKey(r, key); err != nil {
		return nil, err
	}
	k1 := hmacMD5(key, msUsage(usage))

	pb := make([]byte, 0, len(conf)+len(plaintext))
	pb = append(pb, conf...)
	pb = append(pb, plaintext...)

	sum := hmacMD5(k1, pb)
	k3 := hmacMD5(k1, sum)
	c, err := rc4.NewCipher(k3)
	if err != nil {
		return nil, fmt.Errorf("rc4 cipher: %w", err)
	}
	out := make([]byte, rc4MACSize+len(pb))
	copy(out, sum)
	c.XORKeyStream(out[rc4MACSize:], pb)
	return out, nil
}

func (r rc4HMAC) Decrypt(ciphertext, key []byte, usage uint32) ([]byte, error) {
	if err := checkKey(r, key); err != nil {
		return nil, err
	}
	if len(ciphertext) < rc4MACSize+rc4ConfounderSize {
		return nil, ErrCiphertextShort
	}
	k1 := hmacMD5(key, msUsage(usage))
	sum := ciphertext[:rc4MACSize]
	k3 := hmacMD5(k1, sum)
	c, err := rc4.NewCipher(k3)
	if err != nil {
		return nil, fmt.Errorf("rc4 cipher: %w", err)
	}
	pb := make([]byte, len(ciphertext)-rc4MACSize)
	c.XORKeyStream(pb, ciphertext[rc4MACSize:])
	if !AreEqualSlow(sum, hmacMD5(k1, pb)) {
		return nil, ErrChecksumMismatch
	}
	return pb[rc4ConfounderSize:], nil
}

// MakeChecksum is the HMAC-MD5 checksum (-138). The derivation mode does
// not apply to this profile.
func (r rc4HMAC) MakeChecksum(data, key []byte, usage uint32, mode KeyDerivationMode, size int) ([]byte, error) {
	ksign := hmacMD5(key, []byte("signaturekey\x00"))
	h := md5.New()
	h.Write(msUsage(usage))
	h.Write(data)
	return truncate(hmacMD5(ksign, h.Sum(nil)), size), nil
}
