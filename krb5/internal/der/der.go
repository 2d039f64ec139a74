// Package der reads BER/DER encoded values into a lazily decoded
// tag/length/value tree and builds the small set of DER encodings the
// Kerberos messages need by hand.
package der

import (
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
	"unicode/utf16"
)

// Class is the ASN.1 tag class.
type Class uint8

const (
	ClassUniversal   Class = 0
	ClassApplication Class = 1
	ClassContext     Class = 2
	ClassPrivate     Class = 3
)

func (c Class) String() string {
	switch c {
	case ClassUniversal:
		return "universal"
	case ClassApplication:
		return "application"
	case ClassContext:
		return "context"
	default:
		return "private"
	}
}

// Universal tag numbers used by Kerberos.
const (
	TagBoolean         = 1
	TagInteger         = 2
	TagBitString       = 3
	TagOctetString     = 4
	TagNull            = 5
	TagOID             = 6
	TagEnumerated      = 10
	TagUTF8String      = 12
	TagSequence        = 16
	TagSet             = 17
	TagPrintableString = 19
	TagIA5String       = 22
	TagUTCTime         = 23
	TagGeneralizedTime = 24
	TagGeneralString   = 27
	TagBMPString       = 30
)

// Decoding errors.
var (
	ErrTruncated      = errors.New("der: truncated value")
	ErrLength         = errors.New("der: invalid length")
	ErrNotConstructed = errors.New("der: value is not constructed")
	ErrType           = errors.New("der: unexpected type")
	ErrMissing        = errors.New("der: field not present")
)

// maxDepth bounds nesting of indefinite length values.
const maxDepth = 64

// Node is one decoded tag/length/value. Children of constructed nodes are
// decoded on first use.
type Node struct {
	Class       Class
	Tag         int
	Constructed bool
	Indefinite  bool

	// Full is the complete encoding including the header and, for
	// indefinite length values, the end-of-contents octets.
	Full []byte
	// Value is the content octets. For indefinite length values it excludes
	// the end-of-contents octets.
	Value []byte

	depth    int
	parsed   bool
	children []*Node
	err      error
}

// Parse decodes the first value in b and returns the remaining bytes.
// Trailing bytes are not an error.
func Parse(b []byte) (*Node, []byte, error) {
	return parse(b, 0)
}

func parse(b []byte, depth int) (*Node, []byte, error) {
	if depth > maxDepth {
		return nil, nil, fmt.Errorf("der: nesting exceeds %d", maxDepth)
	}
	if len(b) < 2 {
		return nil, nil, ErrTruncated
	}
	n := &Node{depth: depth}
	p := 0
	id := b[p]
	p++
	n.Class = Class(id >> 6)
	n.Constructed = id&0x20 != 0
	n.Tag = int(id & 0x1f)
	if n.Tag == 0x1f {
		n.Tag = 0
		for {
			if p >= len(b) {
				return nil, nil, ErrTruncated
			}
			c := b[p]
			p++
			if n.Tag > 1<<23 {
				return nil, nil, fmt.Errorf("der: tag number too large")
			}
			n.Tag = n.Tag<<7 | int(c&0x7f)
			if c&0x80 == 0 {
				break
			}
		}
	}
	if p >= len(b) {
		return nil, nil, ErrTruncated
	}
	lb := b[p]
	p++
	switch {
	case lb == 0x80:
		if !n.Constructed {
			return nil, nil, fmt.Errorf("der: indefinite length on primitive value: %w", ErrLength)
		}
		n.Indefinite = true
		start := p
		for {
			if len(b)-p >= 2 && b[p] == 0 && b[p+1] == 0 {
				n.Value = b[start:p]
				p += 2
				break
			}
			if p >= len(b) {
				return nil, nil, ErrTruncated
			}
			child, _, err := parse(b[p:], depth+1)
			if err != nil {
				return nil, nil, err
			}
			p += len(child.Full)
		}
	case lb&0x80 == 0:
		l := int(lb)
		if len(b)-p < l {
			return nil, nil, ErrTruncated
		}
		n.Value = b[p : p+l]
		p += l
	default:
		cnt := int(lb & 0x7f)
		if cnt > 4 {
			return nil, nil, fmt.Errorf("der: length of %d octets: %w", cnt, ErrLength)
		}
		if len(b)-p < cnt {
			return nil, nil, ErrTruncated
		}
		l := 0
		for i := 0; i < cnt; i++ {
			l = l<<8 | int(b[p+i])
		}
		p += cnt
		if l < 0 || len(b)-p < l {
			return nil, nil, ErrTruncated
		}
		n.Value = b[p : p+l]
		p += l
	}
	n.Full = b[:p]
	return n, b[p:], nil
}

// Is reports whether the node has the given class and tag.
func (n *Node) Is(c Class, tag int) bool {
	return n != nil && n.Class == c && n.Tag == tag
}

// Children decodes and returns the nested values of a constructed node.
func (n *Node) Children() ([]*Node, error) {
	if !n.Constructed {
		return nil, ErrNotConstructed
	}
	if n.parsed {
		return n.children, n.err
	}
	n.parsed = true
	rest := n.Value
	for len(rest) > 0 {
		c, r, err := parse(rest, n.depth+1)
		if err != nil {
			n.err = err
			return nil, err
		}
		n.children = append(n.children, c)
		rest = r
	}
	return n.children, nil
}

// Explicit returns the value wrapped by the context specific tag [tag] among
// the children of n. The boolean is false when the field is absent.
func (n *Node) Explicit(tag int) (*Node, bool, error) {
	cs, err := n.Children()
	if err != nil {
		return nil, false, err
	}
	for _, c := range cs {
		if !c.Is(ClassContext, tag) {
			continue
		}
		inner, err := c.Children()
		if err != nil {
			return nil, false, err
		}
		if len(inner) != 1 {
			return nil, false, fmt.Errorf("der: explicit [%d] holds %d values: %w", tag, len(inner), ErrType)
		}
		return inner[0], true, nil
	}
	return nil, false, nil
}

// Unwrap returns the single value inside an application or explicit wrapper.
func (n *Node) Unwrap() (*Node, error) {
	cs, err := n.Children()
	if err != nil {
		return nil, err
	}
	if len(cs) != 1 {
		return nil, fmt.Errorf("der: wrapper holds %d values: %w", len(cs), ErrType)
	}
	return cs[0], nil
}

// Int64 interprets the node as an INTEGER or ENUMERATED.
func (n *Node) Int64() (int64, error) {
	if n.Constructed || len(n.Value) == 0 || len(n.Value) > 8 {
		return 0, fmt.Errorf("der: integer of %d octets: %w", len(n.Value), ErrType)
	}
	var v int64
	if n.Value[0]&0x80 != 0 {
		v = -1
	}
	for _, c := range n.Value {
		v = v<<8 | int64(c)
	}
	return v, nil
}

// BigInt interprets the node as an arbitrary size INTEGER.
func (n *Node) BigInt() (*big.Int, error) {
	if n.Constructed || len(n.Value) == 0 {
		return nil, ErrType
	}
	v := new(big.Int).SetBytes(n.Value)
	if n.Value[0]&0x80 != 0 {
		v.Sub(v, new(big.Int).Lsh(big.NewInt(1), uint(len(n.Value))*8))
	}
	return v, nil
}

// OID interprets the node as an OBJECT IDENTIFIER.
func (n *Node) OID() (asn1.ObjectIdentifier, error) {
	if !n.Is(ClassUniversal, TagOID) {
		return nil, ErrType
	}
	var oid asn1.ObjectIdentifier
	if _, err := asn1.Unmarshal(n.Full, &oid); err != nil {
		return nil, err
	}
	return oid, nil
}

// Bytes returns the content of a primitive value, joining the segments of a
// constructed BER string.
func (n *Node) Bytes() ([]byte, error) {
	if !n.Constructed {
		return n.Value, nil
	}
	cs, err := n.Children()
	if err != nil {
		return nil, err
	}
	var out []byte
	for _, c := range cs {
		b, err := c.Bytes()
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}

// String interprets the node as one of the character string types.
func (n *Node) String() string {
	b, err := n.Bytes()
	if err != nil {
		return ""
	}
	if n.Is(ClassUniversal, TagBMPString) && len(b)%2 == 0 {
		u := make([]uint16, len(b)/2)
		for i := range u {
			u[i] = uint16(b[2*i])<<8 | uint16(b[2*i+1])
		}
		return string(utf16.Decode(u))
	}
	return string(b)
}

// Time interprets the node as GeneralizedTime or UTCTime.
func (n *Node) Time() (time.Time, error) {
	s := n.String()
	switch {
	case n.Is(ClassUniversal, TagGeneralizedTime):
		layouts := []string{"20060102150405Z0700", "20060102150405.999999999Z0700", "20060102150405"}
		for _, l := range layouts {
			if t, err := time.Parse(l, s); err == nil {
				return t.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("der: bad generalized time %q", s)
	case n.Is(ClassUniversal, TagUTCTime):
		for _, l := range []string{"0601021504Z0700", "060102150405Z0700"} {
			if t, err := time.Parse(l, s); err == nil {
				if t.Year() >= 2050 {
					t = t.AddDate(-100, 0, 0)
				}
				return t.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("der: bad utc time %q", s)
	}
	return time.Time{}, ErrType
}

// Dump renders the tree for debugging.
func (n *Node) Dump() string {
	var sb strings.Builder
	n.dump(&sb, 0)
	return sb.String()
}

func (n *Node) dump(sb *strings.Builder, indent int) {
	fmt.Fprintf(sb, "%s[%s %d] len=%d", strings.Repeat("  ", indent), n.Class, n.Tag, len(n.Value))
	if n.Indefinite {
		sb.WriteString(" indefinite")
	}
	sb.WriteByte('\n')
	if !n.Constructed {
		return
	}
	cs, err := n.Children()
	if err != nil {
		fmt.Fprintf(sb, "%s  error: %v\n", strings.Repeat("  ", indent), err)
		return
	}
	for _, c := range cs {
		c.dump(sb, indent+1)
	}
}

// ToDER re-encodes a BER value so that every length is definite. Values
// already in definite form are copied unchanged. Trailing bytes after the
// first value are dropped.
func ToDER(b []byte) ([]byte, error) {
	n, _, err := Parse(b)
	if err != nil {
		return nil, err
	}
	return n.toDER()
}

func (n *Node) toDER() ([]byte, error) {
	if !n.Indefinite && !n.hasIndefinite() {
		return n.Full, nil
	}
	cs, err := n.Children()
	if err != nil {
		return nil, err
	}
	var content []byte
	for _, c := range cs {
		cb, err := c.toDER()
		if err != nil {
			return nil, err
		}
		content = append(content, cb...)
	}
	return Wrap(n.Class, n.Tag, true, content), nil
}

func (n *Node) hasIndefinite() bool {
	if !n.Constructed {
		return false
	}
	cs, err := n.Children()
	if err != nil {
		return false
	}
	for _, c := range cs {
		if c.Indefinite || c.hasIndefinite() {
			return true
		}
	}
	return false
}
