package pac

import (
	"fmt"

	"github.com/jcmturner/rpc/v2/mstypes"

	"github.com/kardianos/gokdc/krb5/ndr"
)

// ClaimsSourceAD is the only claims source type defined.
const ClaimsSourceAD = mstypes.ClaimsSourceTypeAD

// Claim value types.
const (
	ClaimInt64   = mstypes.ClaimTypeIDInt64
	ClaimUInt64  = mstypes.ClaimTypeIDUInt64
	ClaimString  = mstypes.ClaimTypeIDString
	ClaimBoolean = mstypes.ClaimsTypeIDBoolean
)

// ClaimEntry is one claim. Only the value slice matching Type is used.
type ClaimEntry struct {
	ID      string
	Type    uint16
	Int64   []int64
	UInt64  []uint64
	Strings []string
	Bools   []bool
}

func (c *ClaimEntry) count() int {
	switch c.Type {
	case ClaimInt64:
		return len(c.Int64)
	case ClaimUInt64:
		return len(c.UInt64)
	case ClaimString:
		return len(c.Strings)
	case ClaimBoolean:
		return len(c.Bools)
	}
	return 0
}

// ClaimsArray groups the claims of one source.
type ClaimsArray struct {
	SourceType uint16
	Entries    []ClaimEntry
}

// ClaimsSet is CLAIMS_SET.
type ClaimsSet struct {
	Arrays []ClaimsArray
}

// Claims is a client or device claims buffer, CLAIMS_SET_METADATA wrapping
// a CLAIMS_SET. Compressed sets are kept as bytes and Set is nil.
type Claims struct {
	Kind              uint32
	Set               *ClaimsSet
	CompressionFormat uint16

	compressed       []byte
	uncompressedSize uint32
}

// NewClientClaims returns an uncompressed client claims buffer.
func NewClientClaims(arrays ...ClaimsArray) *Claims {
	return &Claims{Kind: TypeClientClaims, Set: &ClaimsSet{Arrays: arrays}}
}

func (c *Claims) Type() uint32 { return c.Kind }

// Compressed returns the claims set bytes when they could not be decoded.
func (c *Claims) Compressed() []byte { return c.compressed }

func (c *Claims) Marshal() ([]byte, error) {
	set, size := c.compressed, c.uncompressedSize
	if c.Set != nil {
		if c.CompressionFormat != mstypes.CompressionFormatNone {
			return nil, fmt.Errorf("claims: compression format %d not supported for encoding", c.CompressionFormat)
		}
		var err error
		if set, err = c.Set.marshal(); err != nil {
			return nil, err
		}
		size = uint32(len(set))
	}
	return ndr.Serialize(func(e *ndr.Encoder) {
		e.Uint32(uint32(len(set)))
		e.Pointer(len(set) > 0, func(e *ndr.Encoder) { e.ConformantBytes(set) })
		e.Uint16(c.CompressionFormat)
		e.Uint32(size)
		e.Uint16(0)
		e.Uint32(0)
		e.Pointer(false, nil)
	}), nil
}

func (c *Claims) Unmarshal(b []byte) error {
	var set []byte
	var format uint16
	var size uint32
	err := ndr.Deserialize(b, func(d *ndr.Decoder) {
		n := d.Uint32()
		d.Pointer(func(d *ndr.Decoder) { set = d.ConformantBytes(n) })
		format = d.Uint16()
		size = d.Uint32()
		d.Uint16()
		rn := d.Uint32()
		d.Pointer(func(d *ndr.Decoder) { d.ConformantBytes(rn) })
	})
	if err != nil {
		return fmt.Errorf("claims metadata: %w", err)
	}
	c.CompressionFormat, c.uncompressedSize = format, size
	c.Set, c.compressed = nil, nil
	if format != mstypes.CompressionFormatNone {
		c.compressed = set
		return nil
	}
	s := new(ClaimsSet)
	if len(set) > 0 {
		if err := s.unmarshal(set); err != nil {
			return err
		}
	}
	c.Set = s
	return nil
}

func (s *ClaimsSet) marshal() ([]byte, error) {
	for _, a := range s.Arrays {
		for _, ce := range a.Entries {
			switch ce.Type {
			case ClaimInt64, ClaimUInt64, ClaimString, ClaimBoolean:
			default:
				return nil, fmt.Errorf("claims: claim %q has unknown type %d", ce.ID, ce.Type)
			}
		}
	}
	arrays := s.Arrays
	return ndr.Serialize(func(e *ndr.Encoder) {
		e.Uint32(uint32(len(arrays)))
		e.Pointer(len(arrays) > 0, func(e *ndr.Encoder) {
			e.Uint32(uint32(len(arrays)))
			for _, a := range arrays {
				e.Uint16(a.SourceType)
				e.Uint32(uint32(len(a.Entries)))
				e.Pointer(len(a.Entries) > 0, func(e *ndr.Encoder) {
					e.Uint32(uint32(len(a.Entries)))
					for i := range a.Entries {
						writeClaimEntry(e, &a.Entries[i])
					}
				})
			}
		})
		e.Uint16(0)
		e.Uint32(0)
		e.Pointer(false, nil)
	}), nil
}

func writeClaimEntry(e *ndr.Encoder, ce *ClaimEntry) {
	e.Pointer(true, func(e *ndr.Encoder) { e.WideString(ce.ID) })
	// Non-encapsulated union: the discriminant precedes the arm again.
	e.Uint16(ce.Type)
	e.Uint16(ce.Type)
	n := ce.count()
	e.Uint32(uint32(n))
	e.Pointer(n > 0, func(e *ndr.Encoder) {
		e.Uint32(uint32(n))
		switch ce.Type {
		case ClaimInt64:
			for _, v := range ce.Int64 {
				e.Uint64(uint64(v))
			}
		case ClaimUInt64:
			for _, v := range ce.UInt64 {
				e.Uint64(v)
			}
		case ClaimBoolean:
			for _, v := range ce.Bools {
				var u uint64
				if v {
					u = 1
				}
				e.Uint64(u)
			}
		case ClaimString:
			for _, v := range ce.Strings {
				e.Pointer(true, func(e *ndr.Encoder) { e.WideString(v) })
			}
		}
	})
}

func (s *ClaimsSet) unmarshal(b []byte) error {
	var out ClaimsSet
	err := ndr.Deserialize(b, func(d *ndr.Decoder) {
		n := d.Uint32()
		d.Pointer(func(d *ndr.Decoder) {
			out.Arrays = make([]ClaimsArray, d.Count(n, 12))
			for i := range out.Arrays {
				a := &out.Arrays[i]
				a.SourceType = d.Uint16()
				cn := d.Uint32()
				d.Pointer(func(d *ndr.Decoder) {
					a.Entries = make([]ClaimEntry, d.Count(cn, 16))
					for j := range a.Entries {
						readClaimEntry(d, &a.Entries[j])
					}
				})
			}
		})
		d.Uint16()
		rn := d.Uint32()
		d.Pointer(func(d *ndr.Decoder) { d.ConformantBytes(rn) })
	})
	if err != nil {
		return fmt.Errorf("claims set: %w", err)
	}
	*s = out
	return nil
}

func readClaimEntry(d *ndr.Decoder, ce *ClaimEntry) {
	d.Pointer(func(d *ndr.Decoder) { ce.ID = d.WideString() })
	ce.Type = d.Uint16()
	if tag := d.Uint16(); tag != ce.Type {
		d.Fail(fmt.Errorf("%w: claim union tag %d, type %d", ErrMalformed, tag, ce.Type))
		return
	}
	vn := d.Uint32()
	switch ce.Type {
	case ClaimInt64, ClaimUInt64, ClaimString, ClaimBoolean:
	default:
		d.Fail(fmt.Errorf("%w: claim type %d", ErrMalformed, ce.Type))
		return
	}
	d.Pointer(func(d *ndr.Decoder) {
		switch ce.Type {
		case ClaimInt64:
			ce.Int64 = make([]int64, d.Count(vn, 8))
			for i := range ce.Int64 {
				ce.Int64[i] = int64(d.Uint64())
			}
		case ClaimUInt64:
			ce.UInt64 = make([]uint64, d.Count(vn, 8))
			for i := range ce.UInt64 {
				ce.UInt64[i] = d.Uint64()
			}
		case ClaimBoolean:
			ce.Bools = make([]bool, d.Count(vn, 8))
			for i := range ce.Bools {
				ce.Bools[i] = d.Uint64() != 0
			}
		case ClaimString:
			ce.Strings = make([]string, d.Count(vn, 4))
			for i := range ce.Strings {
				d.Pointer(func(d *ndr.Decoder) { ce.Strings[i] = d.WideString() })
			}
		}
	})
}
