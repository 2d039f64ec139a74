// Package messages holds the Kerberos v5 message model (RFC 4120) and its
// DER encoding.
//
// Every message type has Marshal and Unmarshal methods. Unmarshal accepts
// BER with indefinite lengths and ignores trailing bytes.
package messages

import (
	"fmt"
	"time"

	"github.com/jcmturner/gofork/encoding/asn1"
	"github.com/jcmturner/gokrb5/v8/iana"

	"github.com/kardianos/gokdc/krb5/crypto"
	"github.com/kardianos/gokdc/krb5/internal/der"
)

// PVNO is the protocol version number carried in every message.
const PVNO = iana.PVNO

// EncryptionKey is the wire form of a key.
type EncryptionKey struct {
	KeyType  int32  `asn1:"explicit,tag:0"`
	KeyValue []byte `asn1:"explicit,tag:1"`
}

// Key converts to a crypto key.
func (k EncryptionKey) Key() crypto.Key {
	return crypto.NewKey(k.KeyType, k.KeyValue)
}

// KeyFromCrypto returns the wire form of key, deriving it if needed.
func KeyFromCrypto(key crypto.Key) (EncryptionKey, error) {
	b, err := key.Bytes()
	if err != nil {
		return EncryptionKey{}, err
	}
	return EncryptionKey{KeyType: key.EType, KeyValue: b}, nil
}

// EncryptedData is an encrypted field with its etype and optional key
// version.
type EncryptedData struct {
	EType  int32  `asn1:"explicit,tag:0"`
	KVNO   int    `asn1:"explicit,optional,tag:1"`
	Cipher []byte `asn1:"explicit,tag:2"`
}

// Seal encrypts plaintext under key for usage.
func Seal(reg *crypto.Registry, key crypto.Key, usage uint32, kvno int, plaintext []byte) (EncryptedData, error) {
	ct, err := reg.Encrypt(key, usage, plaintext)
	if err != nil {
		return EncryptedData{}, err
	}
	return EncryptedData{EType: key.EType, KVNO: kvno, Cipher: ct}, nil
}

// Open decrypts e with key for usage. The key etype must match.
func (e EncryptedData) Open(reg *crypto.Registry, key crypto.Key, usage uint32) ([]byte, error) {
	if e.EType != key.EType {
		return nil, fmt.Errorf("etype mismatch: data %d, key %d: %w", e.EType, key.EType, crypto.ErrUnsupportedEType)
	}
	return reg.Decrypt(key, usage, e.Cipher)
}

// Checksum is a typed checksum value.
type Checksum struct {
	CksumType int32  `asn1:"explicit,tag:0"`
	Checksum  []byte `asn1:"explicit,tag:1"`
}

// HostAddress is a typed network address.
type HostAddress struct {
	AddrType int32  `asn1:"explicit,tag:0"`
	Address  []byte `asn1:"explicit,tag:1"`
}

// TransitedEncoding lists realms a cross-realm ticket passed through.
type TransitedEncoding struct {
	TRType   int32  `asn1:"explicit,tag:0"`
	Contents []byte `asn1:"explicit,tag:1"`
}

// AuthorizationDataEntry is one typed element of authorization data.
type AuthorizationDataEntry struct {
	ADType int32  `asn1:"explicit,tag:0"`
	ADData []byte `asn1:"explicit,tag:1"`
}

// AuthorizationData is a sequence of authorization data elements.
type AuthorizationData []AuthorizationDataEntry

// Marshal encodes the sequence.
func (a AuthorizationData) Marshal() ([]byte, error) {
	return asn1.Marshal([]AuthorizationDataEntry(a))
}

// UnmarshalAuthorizationData decodes a sequence of elements.
func UnmarshalAuthorizationData(b []byte) (AuthorizationData, error) {
	var ad []AuthorizationDataEntry
	if err := unmarshal(b, &ad, ""); err != nil {
		return nil, fmt.Errorf("unmarshal authorization data: %w", err)
	}
	return ad, nil
}

// LastReq is one last-request entry of a KDC reply.
type LastReq struct {
	LRType  int32     `asn1:"explicit,tag:0"`
	LRValue time.Time `asn1:"generalized,explicit,tag:1"`
}

// PAData is one pre-authentication data element.
type PAData struct {
	PADataType  int32  `asn1:"explicit,tag:1"`
	PADataValue []byte `asn1:"explicit,tag:2"`
}

// MethodData is a sequence of PAData, as carried in KRB-ERROR e-data.
type MethodData []PAData

// Marshal encodes the sequence.
func (m MethodData) Marshal() ([]byte, error) {
	return asn1.Marshal([]PAData(m))
}

// Find returns the first element of type t.
func (m MethodData) Find(t int32) (PAData, bool) {
	for _, p := range m {
		if p.PADataType == t {
			return p, true
		}
	}
	return PAData{}, false
}

// UnmarshalMethodData decodes a sequence of PAData.
func UnmarshalMethodData(b []byte) (MethodData, error) {
	var m []PAData
	if err := unmarshal(b, &m, ""); err != nil {
		return nil, fmt.Errorf("unmarshal method data: %w", err)
	}
	return m, nil
}

// KerberosTime truncates t to whole seconds in UTC, the resolution of the
// wire format.
func KerberosTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

// unmarshal normalizes BER to DER and decodes into v. Trailing bytes are
// ignored.
func unmarshal(b []byte, v any, params string) error {
	d, err := der.ToDER(b)
	if err != nil {
		return err
	}
	_, err = asn1.UnmarshalWithParams(d, v, params)
	return err
}

func unmarshalApp(b []byte, tag int, v any) error {
	return unmarshal(b, v, fmt.Sprintf("application,explicit,tag:%d", tag))
}

func marshalApp(tag int, v any) ([]byte, error) {
	b, err := asn1.Marshal(v)
	if err != nil {
		return nil, err
	}
	return der.Application(tag, b), nil
}

// explicitRaw wraps an encoded value for a RawValue field tagged explicit.
func explicitRaw(tag int, b []byte) asn1.RawValue {
	return asn1.RawValue{Class: asn1.ClassContextSpecific, IsCompound: true, Tag: tag, Bytes: b}
}

// MessageType peeks at the outer application tag of a Kerberos message.
func MessageType(b []byte) (int, error) {
	n, _, err := der.Parse(b)
	if err != nil {
		return 0, err
	}
	if n.Class != der.ClassApplication {
		return 0, fmt.Errorf("not an application message: class %s tag %d", n.Class, n.Tag)
	}
	return n.Tag, nil
}
