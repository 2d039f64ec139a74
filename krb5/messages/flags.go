package messages

import (
	"github.com/jcmturner/gofork/encoding/asn1"
)

// Flags is a 32 bit KerberosFlags value. Bit 0 is the most significant bit,
// matching the bit numbers in the iana/flags package.
type Flags uint32

// NewFlags returns a value with the given bits set.
func NewFlags(bits ...int) Flags {
	var f Flags
	for _, b := range bits {
		f.Set(b)
	}
	return f
}

func (f Flags) Has(bit int) bool { return f&(1<<(31-uint(bit))) != 0 }
func (f *Flags) Set(bit int)     { *f |= 1 << (31 - uint(bit)) }
func (f *Flags) Clear(bit int)   { *f &^= 1 << (31 - uint(bit)) }

// BitString returns the 32 bit wire form.
func (f Flags) BitString() asn1.BitString {
	return asn1.BitString{
		Bytes:     []byte{byte(f >> 24), byte(f >> 16), byte(f >> 8), byte(f)},
		BitLength: 32,
	}
}

// FlagsOf reads a BitString of any length, ignoring bits past 31.
func FlagsOf(b asn1.BitString) Flags {
	var f Flags
	for i := 0; i < b.BitLength && i < 32; i++ {
		if b.At(i) != 0 {
			f.Set(i)
		}
	}
	return f
}
