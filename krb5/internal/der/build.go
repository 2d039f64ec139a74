package der

import (
	"encoding/asn1"
	"math/big"
	"time"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// Wrap encodes content under the given identifier in definite form.
func Wrap(c Class, tag int, constructed bool, content []byte) []byte {
	if tag < 31 {
		id := cbasn1.Tag(uint8(c)<<6 | uint8(tag))
		if constructed {
			id = id.Constructed()
		}
		var b cryptobyte.Builder
		b.AddASN1(id, func(b *cryptobyte.Builder) {
			b.AddBytes(content)
		})
		return b.BytesOrPanic()
	}
	// High tag numbers are outside what cryptobyte encodes.
	id := byte(c)<<6 | 0x1f
	if constructed {
		id |= 0x20
	}
	out := []byte{id}
	var tb []byte
	for t := tag; ; t >>= 7 {
		tb = append([]byte{byte(t & 0x7f)}, tb...)
		if t < 0x80 {
			break
		}
	}
	for i := 0; i < len(tb)-1; i++ {
		tb[i] |= 0x80
	}
	out = append(out, tb...)
	out = append(out, encodeLength(len(content))...)
	return append(out, content...)
}

func encodeLength(l int) []byte {
	if l < 0x80 {
		return []byte{byte(l)}
	}
	var b []byte
	for v := l; v > 0; v >>= 8 {
		b = append([]byte{byte(v)}, b...)
	}
	return append([]byte{0x80 | byte(len(b))}, b...)
}

// Sequence concatenates already encoded values into a SEQUENCE.
func Sequence(items ...[]byte) []byte {
	return Wrap(ClassUniversal, TagSequence, true, concat(items))
}

// Explicit wraps an encoded value in the context specific tag [tag].
func Explicit(tag int, v []byte) []byte {
	return Wrap(ClassContext, tag, true, v)
}

// Application wraps an encoded value in the application tag [APPLICATION tag].
func Application(tag int, v []byte) []byte {
	return Wrap(ClassApplication, tag, true, v)
}

// Integer encodes a signed INTEGER.
func Integer(v int64) []byte {
	var b cryptobyte.Builder
	b.AddASN1Int64(v)
	return b.BytesOrPanic()
}

// BigInteger encodes an arbitrary size INTEGER.
func BigInteger(v *big.Int) []byte {
	var b cryptobyte.Builder
	b.AddASN1BigInt(v)
	return b.BytesOrPanic()
}

// OctetString encodes an OCTET STRING.
func OctetString(v []byte) []byte {
	var b cryptobyte.Builder
	b.AddASN1OctetString(v)
	return b.BytesOrPanic()
}

// GeneralString encodes s as a KerberosString.
func GeneralString(s string) []byte {
	return Wrap(ClassUniversal, TagGeneralString, false, []byte(s))
}

// GeneralizedTime encodes t as a KerberosTime, truncated to seconds.
func GeneralizedTime(t time.Time) []byte {
	var b cryptobyte.Builder
	b.AddASN1GeneralizedTime(t.UTC().Truncate(time.Second))
	return b.BytesOrPanic()
}

// ObjectIdentifier encodes an OBJECT IDENTIFIER.
func ObjectIdentifier(oid asn1.ObjectIdentifier) []byte {
	var b cryptobyte.Builder
	b.AddASN1ObjectIdentifier(oid)
	return b.BytesOrPanic()
}

// BitString encodes the 32 bit KerberosFlags form.
func BitString(flags uint32) []byte {
	return Wrap(ClassUniversal, TagBitString, false, []byte{0, byte(flags >> 24), byte(flags >> 16), byte(flags >> 8), byte(flags)})
}

// Null encodes NULL.
func Null() []byte {
	return []byte{TagNull, 0}
}

func concat(items [][]byte) []byte {
	n := 0
	for _, i := range items {
		n += len(i)
	}
	out := make([]byte, 0, n)
	for _, i := range items {
		out = append(out, i...)
	}
	return out
}
