// Package pac encodes, signs, decodes and verifies the Microsoft Privilege
// Attribute Certificate carried in ticket authorization data.
//
// A PAC is a directory of typed buffers, each at an 8-byte aligned offset.
// Signing is two-pass: the PAC is encoded with zeroed server and KDC
// signatures, the server signature is computed over that encoding, the KDC
// signature over the server signature bytes, and the PAC is encoded again.
package pac

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/jcmturner/gokrb5/v8/iana/keyusage"

	"github.com/kardianos/gokdc/krb5/crypto"
)

// Buffer types.
const (
	TypeLogonInfo       uint32 = 1
	TypeCredentials     uint32 = 2
	TypeServerChecksum  uint32 = 6
	TypePrivSvrChecksum uint32 = 7
	TypeClientInfo      uint32 = 10
	TypeDelegationInfo  uint32 = 11
	TypeUPNDomainInfo   uint32 = 12
	TypeClientClaims    uint32 = 13
	TypeDeviceInfo      uint32 = 14
	TypeDeviceClaims    uint32 = 15
	TypeTicketChecksum  uint32 = 16
	TypeAttributes      uint32 = 17
	TypeRequestor       uint32 = 18
)

// Version is the only PAC version defined.
const Version = 0

const maxBuffers = 256

var (
	ErrMalformed       = errors.New("pac: malformed")
	ErrMissingElement  = errors.New("pac: missing element")
	ErrSignatureFailed = errors.New("pac: signature verification failed")
)

// Element is one typed PAC buffer.
type Element interface {
	Type() uint32
	Marshal() ([]byte, error)
}

// bufferInfo is one directory entry as decoded.
type bufferInfo struct {
	Type   uint32
	Size   uint32
	Offset uint64
}

// PAC is a decoded or to-be-encoded PAC.
type PAC struct {
	Version  uint32
	Elements []Element

	// raw and dir are set by Decode and Sign and used for verification.
	// Set and Remove clear them; an element changed in place must be
	// passed to Set again.
	raw []byte
	dir []bufferInfo
}

// New returns a PAC holding elements.
func New(elements ...Element) *PAC {
	return &PAC{Version: Version, Elements: elements}
}

// Find returns the first element of type t.
func (p *PAC) Find(t uint32) Element {
	for _, e := range p.Elements {
		if e.Type() == t {
			return e
		}
	}
	return nil
}

// LogonInfo returns the logon info element, or nil.
func (p *PAC) LogonInfo() *LogonInfo {
	e, _ := p.Find(TypeLogonInfo).(*LogonInfo)
	return e
}

// ClientInfo returns the client info element, or nil.
func (p *PAC) ClientInfo() *ClientInfo {
	e, _ := p.Find(TypeClientInfo).(*ClientInfo)
	return e
}

// UPNDomainInfo returns the UPN and DNS domain element, or nil.
func (p *PAC) UPNDomainInfo() *UPNDomainInfo {
	e, _ := p.Find(TypeUPNDomainInfo).(*UPNDomainInfo)
	return e
}

// ServerSignature returns the server signature element, or nil.
func (p *PAC) ServerSignature() *Signature {
	e, _ := p.Find(TypeServerChecksum).(*Signature)
	return e
}

// KDCSignature returns the KDC signature element, or nil.
func (p *PAC) KDCSignature() *Signature {
	e, _ := p.Find(TypePrivSvrChecksum).(*Signature)
	return e
}

// Set replaces the first element of the same type, or appends e.
func (p *PAC) Set(e Element) {
	p.raw, p.dir = nil, nil
	for i, old := range p.Elements {
		if old.Type() == e.Type() {
			p.Elements[i] = e
			return
		}
	}
	p.Elements = append(p.Elements, e)
}

// Remove drops every element of type t.
func (p *PAC) Remove(t uint32) {
	p.raw, p.dir = nil, nil
	out := p.Elements[:0]
	for _, e := range p.Elements {
		if e.Type() != t {
			out = append(out, e)
		}
	}
	p.Elements = out
}

func align8(n int) int { return (n + 7) &^ 7 }

// Encode lays the elements out with their current contents. Signatures are
// encoded as they are; use Sign to produce a signed PAC.
func (p *PAC) Encode() ([]byte, error) {
	b, _, err := p.encode()
	return b, err
}

func (p *PAC) encode() ([]byte, []bufferInfo, error) {
	n := len(p.Elements)
	bodies := make([][]byte, n)
	dir := make([]bufferInfo, n)
	off := 8 + 16*n
	for i, e := range p.Elements {
		b, err := e.Marshal()
		if err != nil {
			return nil, nil, fmt.Errorf("marshal pac buffer %d: %w", e.Type(), err)
		}
		bodies[i] = b
		dir[i] = bufferInfo{Type: e.Type(), Size: uint32(len(b)), Offset: uint64(off)}
		off = align8(off + len(b))
	}

	out := make([]byte, off)
	binary.LittleEndian.PutUint32(out[0:], uint32(n))
	binary.LittleEndian.PutUint32(out[4:], p.Version)
	for i, d := range dir {
		h := out[8+16*i:]
		binary.LittleEndian.PutUint32(h[0:], d.Type)
		binary.LittleEndian.PutUint32(h[4:], d.Size)
		binary.LittleEndian.PutUint64(h[8:], d.Offset)
		copy(out[d.Offset:], bodies[i])
	}
	return out, dir, nil
}

// Decode parses a PAC. Unknown buffer types are kept as Raw elements.
// Repeated buffers of a known type are kept but only the first is used by
// the typed accessors.
func Decode(b []byte) (*PAC, error) {
	if len(b) < 8 {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformed, len(b))
	}
	n := binary.LittleEndian.Uint32(b[0:])
	ver := binary.LittleEndian.Uint32(b[4:])
	if n > maxBuffers || uint64(len(b)) < 8+16*uint64(n) {
		return nil, fmt.Errorf("%w: %d buffers in %d bytes", ErrMalformed, n, len(b))
	}
	p := &PAC{Version: ver, raw: append([]byte(nil), b...)}
	for i := 0; i < int(n); i++ {
		h := b[8+16*i:]
		d := bufferInfo{
			Type:   binary.LittleEndian.Uint32(h[0:]),
			Size:   binary.LittleEndian.Uint32(h[4:]),
			Offset: binary.LittleEndian.Uint64(h[8:]),
		}
		if d.Offset%8 != 0 || d.Offset > uint64(len(b)) || uint64(d.Size) > uint64(len(b))-d.Offset {
			return nil, fmt.Errorf("%w: buffer %d (type %d) at %d size %d", ErrMalformed, i, d.Type, d.Offset, d.Size)
		}
		data := p.raw[d.Offset : d.Offset+uint64(d.Size)]
		e, err := decodeElement(d.Type, data)
		if err != nil {
			return nil, fmt.Errorf("decode pac buffer %d: %w", d.Type, err)
		}
		p.dir = append(p.dir, d)
		p.Elements = append(p.Elements, e)
	}
	return p, nil
}

func decodeElement(t uint32, data []byte) (Element, error) {
	var e interface {
		Element
		Unmarshal([]byte) error
	}
	switch t {
	case TypeLogonInfo:
		e = new(LogonInfo)
	case TypeCredentials:
		e = new(CredentialInfo)
	case TypeServerChecksum, TypePrivSvrChecksum, TypeTicketChecksum:
		e = &Signature{Kind: t}
	case TypeClientInfo:
		e = new(ClientInfo)
	case TypeDelegationInfo:
		e = new(DelegationInfo)
	case TypeUPNDomainInfo:
		e = new(UPNDomainInfo)
	case TypeClientClaims, TypeDeviceClaims:
		e = &Claims{Kind: t}
	case TypeAttributes:
		e = new(Attributes)
	case TypeRequestor:
		e = new(Requestor)
	default:
		return &Raw{Kind: t, Data: append([]byte(nil), data...)}, nil
	}
	if err := e.Unmarshal(data); err != nil {
		return nil, err
	}
	return e, nil
}

// ZeroSignatures returns a private copy of b, the encoding of p, with the
// server and KDC signature values zeroed.
func ZeroSignatures(b []byte, p *PAC) []byte {
	out := append([]byte(nil), b...)
	dir := p.dir
	if dir == nil {
		_, dir, _ = p.encode()
	}
	for _, d := range dir {
		if d.Type != TypeServerChecksum && d.Type != TypePrivSvrChecksum {
			continue
		}
		start := d.Offset + 4
		end := d.Offset + uint64(d.Size)
		if end > uint64(len(out)) || start > end {
			continue
		}
		if n := signatureSize(int32(binary.LittleEndian.Uint32(out[d.Offset:]))); n > 0 && start+uint64(n) <= end {
			end = start + uint64(n)
		}
		clear(out[start:end])
	}
	return out
}

func newSignature(kind uint32, reg *crypto.Registry, key crypto.Key) (*Signature, error) {
	t, err := reg.Get(key.EType)
	if err != nil {
		return nil, err
	}
	return &Signature{Kind: kind, SignatureType: t.ChecksumType(), Signature: make([]byte, t.ChecksumSize())}, nil
}

// Sign computes the server signature with server and the KDC signature
// with kdc, adding signature elements when absent, and returns the signed
// encoding. A ticket signature covers the encrypted ticket, which is not
// known here, so any ticket signature buffer is dropped.
func (p *PAC) Sign(server, kdc crypto.Key, reg *crypto.Registry) ([]byte, error) {
	ss, err := newSignature(TypeServerChecksum, reg, server)
	if err != nil {
		return nil, fmt.Errorf("server signature: %w", err)
	}
	ks, err := newSignature(TypePrivSvrChecksum, reg, kdc)
	if err != nil {
		return nil, fmt.Errorf("kdc signature: %w", err)
	}
	if old := p.ServerSignature(); old != nil {
		ss.RODCIdentifier, ss.HasRODC = old.RODCIdentifier, old.HasRODC
	}
	if old := p.KDCSignature(); old != nil {
		ks.RODCIdentifier, ks.HasRODC = old.RODCIdentifier, old.HasRODC
	}
	p.Remove(TypeTicketChecksum)
	p.Set(ss)
	p.Set(ks)

	unsigned, err := p.Encode()
	if err != nil {
		return nil, err
	}
	_, ss.Signature, err = reg.Checksum(server, keyusage.KERB_NON_KERB_CKSUM_SALT, unsigned)
	if err != nil {
		return nil, fmt.Errorf("server signature: %w", err)
	}
	_, ks.Signature, err = reg.Checksum(kdc, keyusage.KERB_NON_KERB_CKSUM_SALT, ss.Signature)
	if err != nil {
		return nil, fmt.Errorf("kdc signature: %w", err)
	}

	signed, dir, err := p.encode()
	if err != nil {
		return nil, err
	}
	p.raw, p.dir = signed, dir
	return signed, nil
}

func (p *PAC) bytes() ([]byte, error) {
	if p.raw != nil {
		return p.raw, nil
	}
	return p.Encode()
}

// VerifyServerSignature checks the server signature with the service key.
func (p *PAC) VerifyServerSignature(key crypto.Key, reg *crypto.Registry) error {
	sig := p.ServerSignature()
	if sig == nil {
		return fmt.Errorf("%w: server signature", ErrMissingElement)
	}
	b, err := p.bytes()
	if err != nil {
		return err
	}
	return verify(reg, key, sig, ZeroSignatures(b, p))
}

// VerifyKDCSignature checks the KDC signature, which covers the server
// signature bytes, with the krbtgt key.
func (p *PAC) VerifyKDCSignature(key crypto.Key, reg *crypto.Registry) error {
	ss := p.ServerSignature()
	ks := p.KDCSignature()
	if ss == nil || ks == nil {
		return fmt.Errorf("%w: signatures", ErrMissingElement)
	}
	return verify(reg, key, ks, ss.Signature)
}

func verify(reg *crypto.Registry, key crypto.Key, sig *Signature, data []byte) error {
	err := reg.VerifyChecksum(key, sig.SignatureType, keyusage.KERB_NON_KERB_CKSUM_SALT, data, sig.Signature)
	if errors.Is(err, crypto.ErrChecksumMismatch) {
		return fmt.Errorf("%w: type %d: %w", ErrSignatureFailed, sig.Kind, err)
	}
	return err
}
