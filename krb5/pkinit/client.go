package pkinit

import (
	"crypto"
	"crypto/rand"
	"crypto/sha1"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jcmturner/gokrb5/v8/iana/patype"
	"golang.org/x/crypto/pkcs12"

	krbcrypto "github.com/kardianos/gokdc/krb5/crypto"
	"github.com/kardianos/gokdc/krb5/messages"
)

// Credential is a client certificate and its private key.
type Credential struct {
	Certificate *x509.Certificate
	Chain       []*x509.Certificate
	Key         crypto.Signer
	// Group defaults to Group14.
	Group *Group
}

// LoadPKCS12 decodes a PFX file holding one key and certificate.
func LoadPKCS12(data []byte, password string) (*Credential, error) {
	key, cert, err := pkcs12.Decode(data, password)
	if err != nil {
		return nil, fmt.Errorf("decode pkcs12: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("pkcs12 key %T cannot sign", key)
	}
	return &Credential{Certificate: cert, Key: signer}, nil
}

// LoadPEM reads a certificate file and a private key file. The certificate
// file may carry the chain after the leaf.
func LoadPEM(certFile, keyFile string) (*Credential, error) {
	cb, err := os.ReadFile(certFile)
	if err != nil {
		return nil, err
	}
	kb, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, err
	}
	c := &Credential{}
	for {
		var block *pem.Block
		block, cb = pem.Decode(cb)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", certFile, err)
		}
		if c.Certificate == nil {
			c.Certificate = cert
		} else {
			c.Chain = append(c.Chain, cert)
		}
	}
	if c.Certificate == nil {
		return nil, fmt.Errorf("%s: no certificate", certFile)
	}
	block, _ := pem.Decode(kb)
	if block == nil {
		return nil, fmt.Errorf("%s: no pem block", keyFile)
	}
	var key any
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	default:
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", keyFile, err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%s: key %T cannot sign", keyFile, key)
	}
	c.Key = signer
	return c, nil
}

// Exchange is the client state between request and reply.
type Exchange struct {
	dh     *DHKey
	nonce  []byte
	kdcReq int64
}

// NewRequest builds the PA-PK-AS-REQ for a request whose DER encoded body is
// body and whose nonce is nonce.
func (c *Credential) NewRequest(body []byte, nonce int64, now time.Time) (messages.PAData, *Exchange, error) {
	group := c.Group
	if group == nil {
		group = Group14
	}
	dh, err := GenerateDH(group)
	if err != nil {
		return messages.PAData{}, nil, err
	}
	dhNonce := make([]byte, 32)
	if _, err := rand.Read(dhNonce); err != nil {
		return messages.PAData{}, nil, err
	}
	sum := sha1.Sum(body)
	now = now.UTC()
	ap := &AuthPack{
		PKAuthenticator: PKAuthenticator{
			Cusec:      now.Nanosecond() / 1000,
			CTime:      now,
			Nonce:      nonce,
			PAChecksum: sum[:],
		},
		Group:   group,
		Public:  dh.Public,
		DHNonce: dhNonce,
	}
	s := &Signer{Certificate: c.Certificate, Chain: c.Chain, Key: c.Key}
	signed, err := s.Sign(OIDAuthData, ap.Marshal())
	if err != nil {
		return messages.PAData{}, nil, err
	}
	req := &PAPKASReq{SignedAuthPack: signed}
	pa := messages.PAData{PADataType: patype.PA_PK_AS_REQ, PADataValue: req.Marshal()}
	return pa, &Exchange{dh: dh, nonce: dhNonce, kdcReq: nonce}, nil
}

// ReplyKey verifies the KDC's PA-PK-AS-REP and derives the AS reply key for
// etype. A nil verifier skips the KDC certificate trust check.
func (e *Exchange) ReplyKey(reg *krbcrypto.Registry, etype int32, padata []messages.PAData, v Verifier, now time.Time) (krbcrypto.Key, error) {
	var value []byte
	for _, pa := range padata {
		if pa.PADataType == patype.PA_PK_AS_REP {
			value = pa.PADataValue
		}
	}
	if value == nil {
		return krbcrypto.Key{}, errors.New("pkinit: reply carries no pa-pk-as-rep")
	}
	rep, err := ParsePAPKASRep(value)
	if err != nil {
		return krbcrypto.Key{}, err
	}
	sd, err := VerifySignedData(rep.DHSignedData)
	if err != nil {
		return krbcrypto.Key{}, err
	}
	if !sd.ContentType.Equal(OIDDHKeyData) {
		return krbcrypto.Key{}, fmt.Errorf("pkinit: reply content type %v", sd.ContentType)
	}
	if v != nil {
		if err := v.Verify(sd.Signer, sd.Certificates, now); err != nil {
			return krbcrypto.Key{}, fmt.Errorf("pkinit: kdc certificate: %w", err)
		}
	}
	info, err := ParseKDCDHKeyInfo(sd.Content)
	if err != nil {
		return krbcrypto.Key{}, err
	}
	if info.Nonce != e.kdcReq {
		return krbcrypto.Key{}, errors.New("pkinit: kdc dh key info nonce mismatch")
	}
	secret, err := e.dh.SharedSecret(info.Public)
	if err != nil {
		return krbcrypto.Key{}, err
	}
	t, err := reg.Get(etype)
	if err != nil {
		return krbcrypto.Key{}, err
	}
	return krbcrypto.NewKey(etype, OctetString2Key(t.KeySize(), secret, e.nonce, rep.ServerNonce)), nil
}
