package service

import (
	"encoding/asn1"
	"errors"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

var (
	// SPNEGO: 1.3.6.1.5.5.2
	oidSPNEGO = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 2}

	// Kerberos 5: 1.2.840.113554.1.2.2
	oidKerberos5 = asn1.ObjectIdentifier{1, 2, 840, 113554, 1, 2, 2}

	// MS-Kerberos: 1.2.840.48018.1.2.2
	oidMSKerberos5 = asn1.ObjectIdentifier{1, 2, 840, 48018, 1, 2, 2}
)

var (
	ErrSPNEGODecode    = errors.New("service: malformed SPNEGO token")
	ErrUnsupportedMech = errors.New("service: no Kerberos mechanism offered")
)

// Negotiation states of a NegTokenResp.
const (
	NegAcceptCompleted  = 0
	NegAcceptIncomplete = 1
	NegReject           = 2
	NegRequestMIC       = 3
)

// Kerberos GSS token ids.
var (
	tokenAPReq = [2]byte{0x01, 0x00}
	tokenAPRep = [2]byte{0x02, 0x00}
)

// [APPLICATION 0] constructed, the GSS-API InitialContextToken.
const tagGSSToken = cbasn1.Tag(0x60)

func ctxTag(n uint8) cbasn1.Tag { return cbasn1.Tag(n).Constructed().ContextSpecific() }

func isKerberos(oid asn1.ObjectIdentifier) bool {
	return oid.Equal(oidKerberos5) || oid.Equal(oidMSKerberos5)
}

// parseInitialToken returns the mechanism OID and the inner bytes of a
// GSS-API InitialContextToken.
func parseInitialToken(b []byte) (asn1.ObjectIdentifier, cryptobyte.String, error) {
	s := cryptobyte.String(b)
	var body cryptobyte.String
	if !s.ReadASN1(&body, tagGSSToken) || !s.Empty() {
		return nil, nil, fmt.Errorf("%w: GSS-API wrapper", ErrSPNEGODecode)
	}
	var oid asn1.ObjectIdentifier
	if !body.ReadASN1ObjectIdentifier(&oid) {
		return nil, nil, fmt.Errorf("%w: mechanism OID", ErrSPNEGODecode)
	}
	return oid, body, nil
}

// unwrapKerberosToken strips the GSS-API framing and token id from a
// Kerberos mechanism token.
func unwrapKerberosToken(b []byte, id [2]byte) ([]byte, error) {
	oid, body, err := parseInitialToken(b)
	if err != nil {
		return nil, err
	}
	if !isKerberos(oid) {
		return nil, fmt.Errorf("%w: mechanism %v", ErrUnsupportedMech, oid)
	}
	var got []byte
	if !body.ReadBytes(&got, 2) {
		return nil, fmt.Errorf("%w: Kerberos token too short", ErrSPNEGODecode)
	}
	if got[0] != id[0] || got[1] != id[1] {
		return nil, fmt.Errorf("%w: token id %02x %02x", ErrSPNEGODecode, got[0], got[1])
	}
	return []byte(body), nil
}

func wrapKerberosToken(oid asn1.ObjectIdentifier, id [2]byte, token []byte) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddASN1(tagGSSToken, func(b *cryptobyte.Builder) {
		b.AddASN1ObjectIdentifier(oid)
		b.AddBytes(id[:])
		b.AddBytes(token)
	})
	return b.Bytes()
}

// parseNegTokenInit reads the mechanism list and mechToken of a
// NegTokenInit body.
func parseNegTokenInit(s cryptobyte.String) ([]asn1.ObjectIdentifier, []byte, error) {
	var inner, seq cryptobyte.String
	if !s.ReadASN1(&inner, ctxTag(0)) || !inner.ReadASN1(&seq, cbasn1.SEQUENCE) {
		return nil, nil, fmt.Errorf("%w: negTokenInit", ErrSPNEGODecode)
	}
	var mechs []asn1.ObjectIdentifier
	var mt cryptobyte.String
	var present bool
	if !seq.ReadOptionalASN1(&mt, &present, ctxTag(0)) {
		return nil, nil, fmt.Errorf("%w: mechTypes", ErrSPNEGODecode)
	}
	if present {
		var list cryptobyte.String
		if !mt.ReadASN1(&list, cbasn1.SEQUENCE) {
			return nil, nil, fmt.Errorf("%w: mechTypes", ErrSPNEGODecode)
		}
		for !list.Empty() {
			var oid asn1.ObjectIdentifier
			if !list.ReadASN1ObjectIdentifier(&oid) {
				return nil, nil, fmt.Errorf("%w: mechTypes", ErrSPNEGODecode)
			}
			mechs = append(mechs, oid)
		}
	}
	if !seq.SkipOptionalASN1(ctxTag(1)) {
		return nil, nil, fmt.Errorf("%w: reqFlags", ErrSPNEGODecode)
	}
	var tok cryptobyte.String
	if !seq.ReadOptionalASN1(&tok, &present, ctxTag(2)) {
		return nil, nil, fmt.Errorf("%w: mechToken", ErrSPNEGODecode)
	}
	var mechToken []byte
	if present {
		var octets cryptobyte.String
		if !tok.ReadASN1(&octets, cbasn1.OCTET_STRING) {
			return nil, nil, fmt.Errorf("%w: mechToken", ErrSPNEGODecode)
		}
		mechToken = []byte(octets)
	}
	return mechs, mechToken, nil
}

// NegTokenInit wraps an AP-REQ into the initial SPNEGO token a client
// sends, offering Kerberos 5 only.
func NegTokenInit(apReq []byte) ([]byte, error) {
	mech, err := wrapKerberosToken(oidKerberos5, tokenAPReq, apReq)
	if err != nil {
		return nil, err
	}
	var b cryptobyte.Builder
	b.AddASN1(tagGSSToken, func(b *cryptobyte.Builder) {
		b.AddASN1ObjectIdentifier(oidSPNEGO)
		b.AddASN1(ctxTag(0), func(b *cryptobyte.Builder) {
			b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
				b.AddASN1(ctxTag(0), func(b *cryptobyte.Builder) {
					b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
						b.AddASN1ObjectIdentifier(oidKerberos5)
					})
				})
				b.AddASN1(ctxTag(2), func(b *cryptobyte.Builder) {
					b.AddASN1OctetString(mech)
				})
			})
		})
	})
	return b.Bytes()
}

// negTokenResp encodes a NegTokenResp. The AP-REP, when present, is
// always framed with the standard Kerberos 5 OID.
func negTokenResp(state int, mech asn1.ObjectIdentifier, apRep []byte) ([]byte, error) {
	var respToken []byte
	if len(apRep) > 0 {
		var err error
		if respToken, err = wrapKerberosToken(oidKerberos5, tokenAPRep, apRep); err != nil {
			return nil, err
		}
	}
	var b cryptobyte.Builder
	b.AddASN1(ctxTag(1), func(b *cryptobyte.Builder) {
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1(ctxTag(0), func(b *cryptobyte.Builder) {
				b.AddASN1Enum(int64(state))
			})
			if mech != nil {
				b.AddASN1(ctxTag(1), func(b *cryptobyte.Builder) {
					b.AddASN1ObjectIdentifier(mech)
				})
			}
			if respToken != nil {
				b.AddASN1(ctxTag(2), func(b *cryptobyte.Builder) {
					b.AddASN1OctetString(respToken)
				})
			}
		})
	})
	return b.Bytes()
}

// ParseNegTokenResp returns the state and the AP-REP, if any, of a
// server's NegTokenResp.
func ParseNegTokenResp(b []byte) (state int, apRep []byte, err error) {
	s := cryptobyte.String(b)
	var inner, seq cryptobyte.String
	if !s.ReadASN1(&inner, ctxTag(1)) || !inner.ReadASN1(&seq, cbasn1.SEQUENCE) {
		return 0, nil, fmt.Errorf("%w: negTokenResp", ErrSPNEGODecode)
	}
	var st cryptobyte.String
	var present bool
	state = NegAcceptIncomplete
	if !seq.ReadOptionalASN1(&st, &present, ctxTag(0)) {
		return 0, nil, fmt.Errorf("%w: negState", ErrSPNEGODecode)
	}
	if present && !st.ReadASN1Enum(&state) {
		return 0, nil, fmt.Errorf("%w: negState", ErrSPNEGODecode)
	}
	if !seq.SkipOptionalASN1(ctxTag(1)) {
		return 0, nil, fmt.Errorf("%w: supportedMech", ErrSPNEGODecode)
	}
	var tok cryptobyte.String
	if !seq.ReadOptionalASN1(&tok, &present, ctxTag(2)) {
		return 0, nil, fmt.Errorf("%w: responseToken", ErrSPNEGODecode)
	}
	if present {
		var octets cryptobyte.String
		if !tok.ReadASN1(&octets, cbasn1.OCTET_STRING) {
			return 0, nil, fmt.Errorf("%w: responseToken", ErrSPNEGODecode)
		}
		if apRep, err = unwrapKerberosToken(octets, tokenAPRep); err != nil {
			return 0, nil, err
		}
	}
	return state, apRep, nil
}
