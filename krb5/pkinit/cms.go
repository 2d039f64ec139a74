package pkinit

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"sort"

	"github.com/kardianos/gokdc/krb5/internal/der"
)

// Signer holds the certificate chain and private key used to sign CMS
// content. Chain excludes Certificate.
type Signer struct {
	Certificate *x509.Certificate
	Chain       []*x509.Certificate
	Key         crypto.Signer
	// Hash defaults to SHA-256.
	Hash crypto.Hash
}

// SignedData is a verified CMS SignedData.
type SignedData struct {
	ContentType  asn1.ObjectIdentifier
	Content      []byte
	Certificates []*x509.Certificate
	Signer       *x509.Certificate
}

var errNoSigner = errors.New("pkinit: no signer certificate")

func digestOID(h crypto.Hash) (asn1.ObjectIdentifier, error) {
	switch h {
	case crypto.SHA1:
		return OIDSHA1, nil
	case crypto.SHA256:
		return OIDSHA256, nil
	}
	return nil, fmt.Errorf("pkinit: unsupported digest %v", h)
}

func hashFor(oid asn1.ObjectIdentifier) (crypto.Hash, error) {
	switch {
	case oid.Equal(OIDSHA1):
		return crypto.SHA1, nil
	case oid.Equal(OIDSHA256):
		return crypto.SHA256, nil
	}
	return 0, fmt.Errorf("pkinit: unsupported digest %v", oid)
}

func algorithm(oid asn1.ObjectIdentifier, null bool) []byte {
	if null {
		return der.Sequence(der.ObjectIdentifier(oid), der.Null())
	}
	return der.Sequence(der.ObjectIdentifier(oid))
}

// setContent returns the content octets of a DER SET OF items.
func setContent(items [][]byte) []byte {
	sorted := append([][]byte(nil), items...)
	sort.Slice(sorted, func(i, j int) bool { return bytes.Compare(sorted[i], sorted[j]) < 0 })
	return bytes.Join(sorted, nil)
}

func set(items [][]byte) []byte {
	return der.Wrap(der.ClassUniversal, der.TagSet, true, setContent(items))
}

func attribute(oid asn1.ObjectIdentifier, value []byte) []byte {
	return der.Sequence(der.ObjectIdentifier(oid), set([][]byte{value}))
}

func digest(h crypto.Hash, b []byte) []byte {
	w := h.New()
	w.Write(b)
	return w.Sum(nil)
}

// Sign wraps content of the given type in a ContentInfo holding SignedData.
func (s *Signer) Sign(contentType asn1.ObjectIdentifier, content []byte) ([]byte, error) {
	if s.Certificate == nil || s.Key == nil {
		return nil, errNoSigner
	}
	h := s.Hash
	if h == 0 {
		h = crypto.SHA256
	}
	dOID, err := digestOID(h)
	if err != nil {
		return nil, err
	}
	var sigAlg []byte
	switch s.Key.Public().(type) {
	case *rsa.PublicKey:
		if h == crypto.SHA1 {
			sigAlg = algorithm(OIDSHA1WithRSA, true)
		} else {
			sigAlg = algorithm(OIDSHA256WithRSA, true)
		}
	case *ecdsa.PublicKey:
		if h != crypto.SHA256 {
			return nil, fmt.Errorf("pkinit: ecdsa signing requires sha256")
		}
		sigAlg = algorithm(OIDECDSAWithSHA256, false)
	default:
		return nil, fmt.Errorf("pkinit: unsupported signing key %T", s.Key.Public())
	}

	attrs := [][]byte{
		attribute(OIDContentType, der.ObjectIdentifier(contentType)),
		attribute(OIDMessageDigest, der.OctetString(digest(h, content))),
	}
	attrContent := setContent(attrs)
	signed := der.Wrap(der.ClassUniversal, der.TagSet, true, attrContent)
	sig, err := s.Key.Sign(rand.Reader, digest(h, signed), h)
	if err != nil {
		return nil, fmt.Errorf("sign attributes: %w", err)
	}
	// The signature covers the attributes tagged as SET; they are sent as
	// [0] IMPLICIT.
	implicitAttrs := der.Wrap(der.ClassContext, 0, true, attrContent)

	sid := der.Sequence(s.Certificate.RawIssuer, der.BigInteger(s.Certificate.SerialNumber))
	signerInfo := der.Sequence(
		der.Integer(1),
		sid,
		algorithm(dOID, true),
		implicitAttrs,
		sigAlg,
		der.OctetString(sig),
	)

	certs := [][]byte{s.Certificate.Raw}
	for _, c := range s.Chain {
		certs = append(certs, c.Raw)
	}
	encap := der.Sequence(der.ObjectIdentifier(contentType), der.Explicit(0, der.OctetString(content)))
	sd := der.Sequence(
		der.Integer(3),
		set([][]byte{algorithm(dOID, true)}),
		encap,
		der.Wrap(der.ClassContext, 0, true, bytes.Join(certs, nil)),
		set([][]byte{signerInfo}),
	)
	return der.Sequence(der.ObjectIdentifier(OIDSignedData), der.Explicit(0, sd)), nil
}

func children(n *der.Node, min int) ([]*der.Node, error) {
	cs, err := n.Children()
	if err != nil {
		return nil, err
	}
	if len(cs) < min {
		return nil, errMalformed
	}
	return cs, nil
}

// VerifySignedData decodes a ContentInfo holding SignedData and checks the
// signature of its single signer. It does not evaluate certificate trust.
func VerifySignedData(b []byte) (*SignedData, error) {
	ci, _, err := der.Parse(b)
	if err != nil {
		return nil, err
	}
	cs, err := children(ci, 2)
	if err != nil {
		return nil, err
	}
	oid, err := cs[0].OID()
	if err != nil {
		return nil, err
	}
	if !oid.Equal(OIDSignedData) {
		return nil, fmt.Errorf("pkinit: content type %v is not signed-data", oid)
	}
	sdNode, err := cs[1].Unwrap()
	if err != nil {
		return nil, err
	}
	fields, err := children(sdNode, 4)
	if err != nil {
		return nil, err
	}

	out := &SignedData{}
	encap, err := children(fields[2], 1)
	if err != nil {
		return nil, err
	}
	if out.ContentType, err = encap[0].OID(); err != nil {
		return nil, err
	}
	if len(encap) > 1 {
		inner, err := encap[1].Unwrap()
		if err != nil {
			return nil, err
		}
		if out.Content, err = inner.Bytes(); err != nil {
			return nil, err
		}
	}

	var signerInfos *der.Node
	for _, f := range fields[3:] {
		switch {
		case f.Is(der.ClassContext, 0):
			certs, err := f.Children()
			if err != nil {
				return nil, err
			}
			for _, c := range certs {
				cert, err := x509.ParseCertificate(c.Full)
				if err != nil {
					return nil, fmt.Errorf("parse certificate: %w", err)
				}
				out.Certificates = append(out.Certificates, cert)
			}
		case f.Is(der.ClassUniversal, der.TagSet):
			signerInfos = f
		}
	}
	if signerInfos == nil {
		return nil, errMalformed
	}
	sis, err := children(signerInfos, 1)
	if err != nil {
		return nil, err
	}
	if len(sis) != 1 {
		return nil, fmt.Errorf("pkinit: %d signers, want 1", len(sis))
	}
	if out.Signer, err = verifySignerInfo(sis[0], out); err != nil {
		return nil, err
	}
	return out, nil
}

func verifySignerInfo(si *der.Node, sd *SignedData) (*x509.Certificate, error) {
	fs, err := children(si, 5)
	if err != nil {
		return nil, err
	}
	signer, err := findSigner(fs[1], sd.Certificates)
	if err != nil {
		return nil, err
	}
	dalg, err := children(fs[2], 1)
	if err != nil {
		return nil, err
	}
	dOID, err := dalg[0].OID()
	if err != nil {
		return nil, err
	}
	h, err := hashFor(dOID)
	if err != nil {
		return nil, err
	}

	i := 3
	signed := sd.Content
	if fs[i].Is(der.ClassContext, 0) {
		attrs, err := fs[i].Children()
		if err != nil {
			return nil, err
		}
		if err := checkAttributes(attrs, sd, h); err != nil {
			return nil, err
		}
		signed = der.Wrap(der.ClassUniversal, der.TagSet, true, fs[i].Value)
		i++
	}
	if len(fs) < i+2 {
		return nil, errMalformed
	}
	sig, err := fs[i+1].Bytes()
	if err != nil {
		return nil, err
	}
	sum := digest(h, signed)
	switch pub := signer.PublicKey.(type) {
	case *rsa.PublicKey:
		err = rsa.VerifyPKCS1v15(pub, h, sum, sig)
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(pub, sum, sig) {
			err = errors.New("ecdsa verification failed")
		}
	default:
		err = fmt.Errorf("unsupported public key %T", pub)
	}
	if err != nil {
		return nil, fmt.Errorf("pkinit: signature: %w", err)
	}
	return signer, nil
}

func findSigner(sid *der.Node, certs []*x509.Certificate) (*x509.Certificate, error) {
	if sid.Is(der.ClassContext, 0) {
		for _, c := range certs {
			if bytes.Equal(c.SubjectKeyId, sid.Value) {
				return c, nil
			}
		}
		return nil, errNoSigner
	}
	parts, err := children(sid, 2)
	if err != nil {
		return nil, err
	}
	serial, err := parts[1].BigInt()
	if err != nil {
		return nil, err
	}
	for _, c := range certs {
		if bytes.Equal(c.RawIssuer, parts[0].Full) && c.SerialNumber.Cmp(serial) == 0 {
			return c, nil
		}
	}
	return nil, errNoSigner
}

func checkAttributes(attrs []*der.Node, sd *SignedData, h crypto.Hash) error {
	var sawType, sawDigest bool
	for _, a := range attrs {
		parts, err := children(a, 2)
		if err != nil {
			return err
		}
		oid, err := parts[0].OID()
		if err != nil {
			return err
		}
		vals, err := children(parts[1], 1)
		if err != nil {
			return err
		}
		switch {
		case oid.Equal(OIDContentType):
			ct, err := vals[0].OID()
			if err != nil {
				return err
			}
			if !ct.Equal(sd.ContentType) {
				return errors.New("pkinit: content-type attribute mismatch")
			}
			sawType = true
		case oid.Equal(OIDMessageDigest):
			md, err := vals[0].Bytes()
			if err != nil {
				return err
			}
			if !bytes.Equal(md, digest(h, sd.Content)) {
				return errors.New("pkinit: message digest mismatch")
			}
			sawDigest = true
		}
	}
	if !sawType || !sawDigest {
		return errors.New("pkinit: signed attributes incomplete")
	}
	return nil
}
