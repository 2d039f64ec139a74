// Package pkinit implements the Diffie-Hellman form of public key initial
// authentication (RFC 4556) for both the KDC and the client.
package pkinit

import (
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/kardianos/gokdc/krb5/internal/der"
)

// Object identifiers.
var (
	OIDAuthData        = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 2, 3, 1}
	OIDDHKeyData       = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 2, 3, 2}
	OIDKPClientAuth    = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 2, 3, 4}
	OIDKPKdc           = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 2, 3, 5}
	OIDDHPublic        = asn1.ObjectIdentifier{1, 2, 840, 10046, 2, 1}
	OIDSignedData      = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
	OIDContentType     = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}
	OIDMessageDigest   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}
	OIDSHA1            = asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}
	OIDSHA256          = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	OIDRSA             = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}
	OIDSHA1WithRSA     = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 5}
	OIDSHA256WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}
	OIDECDSAWithSHA256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
)

var errMalformed = errors.New("pkinit: malformed message")

// PKAuthenticator binds the signed request to the KDC-REQ-BODY.
type PKAuthenticator struct {
	Cusec      int
	CTime      time.Time
	Nonce      int64
	PAChecksum []byte // SHA-1 of the DER encoded req-body
}

// AuthPack is the signed content of PA-PK-AS-REQ.
type AuthPack struct {
	PKAuthenticator PKAuthenticator
	// Group and Public are the client DH parameters from
	// clientPublicValue. Group is nil when the client sent none.
	Group    *Group
	Public   *big.Int
	DHNonce  []byte
	CMSTypes [][]byte // raw AlgorithmIdentifiers
}

func (p PKAuthenticator) marshal() []byte {
	items := [][]byte{
		der.Explicit(0, der.Integer(int64(p.Cusec))),
		der.Explicit(1, der.GeneralizedTime(p.CTime)),
		der.Explicit(2, der.Integer(p.Nonce)),
	}
	if p.PAChecksum != nil {
		items = append(items, der.Explicit(3, der.OctetString(p.PAChecksum)))
	}
	return der.Sequence(items...)
}

func subjectPublicKeyInfo(g *Group, y *big.Int) []byte {
	params := der.Sequence(der.BigInteger(g.P), der.BigInteger(g.G), der.BigInteger(g.Q))
	alg := der.Sequence(der.ObjectIdentifier(OIDDHPublic), params)
	return der.Sequence(alg, bitString(der.BigInteger(y)))
}

func bitString(b []byte) []byte {
	return der.Wrap(der.ClassUniversal, der.TagBitString, false, append([]byte{0}, b...))
}

// Marshal encodes the AuthPack.
func (a *AuthPack) Marshal() []byte {
	items := [][]byte{der.Explicit(0, a.PKAuthenticator.marshal())}
	if a.Group != nil {
		items = append(items, der.Explicit(1, subjectPublicKeyInfo(a.Group, a.Public)))
	}
	if len(a.CMSTypes) > 0 {
		items = append(items, der.Explicit(2, der.Sequence(a.CMSTypes...)))
	}
	if a.DHNonce != nil {
		items = append(items, der.Explicit(3, der.OctetString(a.DHNonce)))
	}
	return der.Sequence(items...)
}

func field(n *der.Node, tag int, required bool) (*der.Node, error) {
	v, ok, err := n.Explicit(tag)
	if err != nil {
		return nil, err
	}
	if !ok && required {
		return nil, fmt.Errorf("field [%d]: %w", tag, der.ErrMissing)
	}
	return v, nil
}

func intField(n *der.Node, tag int) (int64, error) {
	v, err := field(n, tag, true)
	if err != nil {
		return 0, err
	}
	return v.Int64()
}

func parsePKAuthenticator(n *der.Node) (PKAuthenticator, error) {
	var p PKAuthenticator
	cusec, err := intField(n, 0)
	if err != nil {
		return p, err
	}
	p.Cusec = int(cusec)
	t, err := field(n, 1, true)
	if err != nil {
		return p, err
	}
	if p.CTime, err = t.Time(); err != nil {
		return p, err
	}
	if p.Nonce, err = intField(n, 2); err != nil {
		return p, err
	}
	ck, err := field(n, 3, false)
	if err != nil {
		return p, err
	}
	if ck != nil {
		if p.PAChecksum, err = ck.Bytes(); err != nil {
			return p, err
		}
	}
	return p, nil
}

func parseSPKI(n *der.Node) (*Group, *big.Int, error) {
	cs, err := n.Children()
	if err != nil || len(cs) != 2 {
		return nil, nil, errMalformed
	}
	alg, err := cs[0].Children()
	if err != nil || len(alg) != 2 {
		return nil, nil, errMalformed
	}
	oid, err := alg[0].OID()
	if err != nil {
		return nil, nil, err
	}
	if !oid.Equal(OIDDHPublic) {
		return nil, nil, fmt.Errorf("pkinit: unsupported key agreement %v", oid)
	}
	params, err := alg[1].Children()
	if err != nil || len(params) < 2 {
		return nil, nil, errMalformed
	}
	p, err := params[0].BigInt()
	if err != nil {
		return nil, nil, err
	}
	g, err := params[1].BigInt()
	if err != nil {
		return nil, nil, err
	}
	group, ok := LookupGroup(p, g)
	if !ok {
		return nil, nil, errUnknownGroup
	}
	y, err := parseBitStringInt(cs[1])
	if err != nil {
		return nil, nil, err
	}
	return group, y, nil
}

func parseBitStringInt(n *der.Node) (*big.Int, error) {
	if !n.Is(der.ClassUniversal, der.TagBitString) || len(n.Value) < 2 || n.Value[0] != 0 {
		return nil, errMalformed
	}
	in, _, err := der.Parse(n.Value[1:])
	if err != nil {
		return nil, err
	}
	return in.BigInt()
}

var errUnknownGroup = errors.New("pkinit: diffie-hellman group not accepted")

// ParseAuthPack decodes an AuthPack.
func ParseAuthPack(b []byte) (*AuthPack, error) {
	n, _, err := der.Parse(b)
	if err != nil {
		return nil, err
	}
	a := &AuthPack{}
	pa, err := field(n, 0, true)
	if err != nil {
		return nil, err
	}
	if a.PKAuthenticator, err = parsePKAuthenticator(pa); err != nil {
		return nil, fmt.Errorf("pk-authenticator: %w", err)
	}
	spki, err := field(n, 1, false)
	if err != nil {
		return nil, err
	}
	if spki != nil {
		if a.Group, a.Public, err = parseSPKI(spki); err != nil {
			return nil, err
		}
	}
	types, err := field(n, 2, false)
	if err != nil {
		return nil, err
	}
	if types != nil {
		cs, err := types.Children()
		if err != nil {
			return nil, err
		}
		for _, c := range cs {
			a.CMSTypes = append(a.CMSTypes, c.Full)
		}
	}
	nonce, err := field(n, 3, false)
	if err != nil {
		return nil, err
	}
	if nonce != nil {
		if a.DHNonce, err = nonce.Bytes(); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// KDCDHKeyInfo is the signed content of the DH reply.
type KDCDHKeyInfo struct {
	Public     *big.Int
	Nonce      int64
	Expiration time.Time
}

// Marshal encodes the key info.
func (k *KDCDHKeyInfo) Marshal() []byte {
	items := [][]byte{
		der.Explicit(0, bitString(der.BigInteger(k.Public))),
		der.Explicit(1, der.Integer(k.Nonce)),
	}
	if !k.Expiration.IsZero() {
		items = append(items, der.Explicit(2, der.GeneralizedTime(k.Expiration)))
	}
	return der.Sequence(items...)
}

// ParseKDCDHKeyInfo decodes a KDCDHKeyInfo.
func ParseKDCDHKeyInfo(b []byte) (*KDCDHKeyInfo, error) {
	n, _, err := der.Parse(b)
	if err != nil {
		return nil, err
	}
	k := &KDCDHKeyInfo{}
	pub, err := field(n, 0, true)
	if err != nil {
		return nil, err
	}
	if k.Public, err = parseBitStringInt(pub); err != nil {
		return nil, err
	}
	if k.Nonce, err = intField(n, 1); err != nil {
		return nil, err
	}
	exp, err := field(n, 2, false)
	if err != nil {
		return nil, err
	}
	if exp != nil {
		if k.Expiration, err = exp.Time(); err != nil {
			return nil, err
		}
	}
	return k, nil
}

// PAPKASReq is the value of PA-PK-AS-REQ.
type PAPKASReq struct {
	SignedAuthPack []byte // ContentInfo wrapping SignedData
	KDCPKID        []byte
}

// Marshal encodes the pa-data value.
func (r *PAPKASReq) Marshal() []byte {
	items := [][]byte{der.Wrap(der.ClassContext, 0, false, r.SignedAuthPack)}
	if r.KDCPKID != nil {
		items = append(items, der.Wrap(der.ClassContext, 2, false, r.KDCPKID))
	}
	return der.Sequence(items...)
}

// ParsePAPKASReq decodes a PA-PK-AS-REQ value.
func ParsePAPKASReq(b []byte) (*PAPKASReq, error) {
	n, _, err := der.Parse(b)
	if err != nil {
		return nil, err
	}
	cs, err := n.Children()
	if err != nil {
		return nil, err
	}
	r := &PAPKASReq{}
	for _, c := range cs {
		if c.Class != der.ClassContext {
			continue
		}
		v, err := c.Bytes()
		if err != nil {
			return nil, err
		}
		switch c.Tag {
		case 0:
			r.SignedAuthPack = v
		case 2:
			r.KDCPKID = v
		}
	}
	if r.SignedAuthPack == nil {
		return nil, fmt.Errorf("pa-pk-as-req: %w", der.ErrMissing)
	}
	return r, nil
}

// PAPKASRep is the value of PA-PK-AS-REP, DH variant only.
type PAPKASRep struct {
	DHSignedData []byte
	ServerNonce  []byte
}

// Marshal encodes the pa-data value.
func (r *PAPKASRep) Marshal() []byte {
	items := [][]byte{der.Wrap(der.ClassContext, 0, false, r.DHSignedData)}
	if r.ServerNonce != nil {
		items = append(items, der.Explicit(1, der.OctetString(r.ServerNonce)))
	}
	return der.Explicit(0, der.Sequence(items...))
}

// ParsePAPKASRep decodes a PA-PK-AS-REP value.
func ParsePAPKASRep(b []byte) (*PAPKASRep, error) {
	n, _, err := der.Parse(b)
	if err != nil {
		return nil, err
	}
	if !n.Is(der.ClassContext, 0) {
		return nil, errors.New("pkinit: only the diffie-hellman reply form is supported")
	}
	info, err := n.Unwrap()
	if err != nil {
		return nil, err
	}
	cs, err := info.Children()
	if err != nil {
		return nil, err
	}
	r := &PAPKASRep{}
	for _, c := range cs {
		switch {
		case c.Is(der.ClassContext, 0):
			if r.DHSignedData, err = c.Bytes(); err != nil {
				return nil, err
			}
		case c.Is(der.ClassContext, 1):
			in, err := c.Unwrap()
			if err != nil {
				return nil, err
			}
			if r.ServerNonce, err = in.Bytes(); err != nil {
				return nil, err
			}
		}
	}
	if r.DHSignedData == nil {
		return nil, fmt.Errorf("dh-rep-info: %w", der.ErrMissing)
	}
	return r, nil
}
