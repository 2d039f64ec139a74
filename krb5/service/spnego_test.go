package service

import (
	"bytes"
	"context"
	"encoding/asn1"
	"errors"
	"testing"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/kardianos/gokdc/krb5/keytab"
)

func TestKerberosTokenFraming(t *testing.T) {
	payload := []byte{0x6e, 0x03, 0x02, 0x01, 0x05}
	b, err := wrapKerberosToken(oidKerberos5, tokenAPReq, payload)
	if err != nil {
		t.Fatal(err)
	}
	if b[0] != 0x60 {
		t.Fatalf("outer tag %#x", b[0])
	}
	got, err := unwrapKerberosToken(b, tokenAPReq)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload = %x", got)
	}
	if _, err := unwrapKerberosToken(b, tokenAPRep); !errors.Is(err, ErrSPNEGODecode) {
		t.Errorf("wrong token id: %v", err)
	}

	ms, err := wrapKerberosToken(oidMSKerberos5, tokenAPReq, payload)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := unwrapKerberosToken(ms, tokenAPReq); err != nil {
		t.Errorf("MS Kerberos OID: %v", err)
	}
	if _, err := unwrapKerberosToken([]byte{0x30, 0x00}, tokenAPReq); !errors.Is(err, ErrSPNEGODecode) {
		t.Errorf("not a GSS token: %v", err)
	}
}

func TestNegTokenInitParse(t *testing.T) {
	b, err := NegTokenInit([]byte{1, 2, 3})
	if err != nil {
		t.Fatal(err)
	}
	oid, body, err := parseInitialToken(b)
	if err != nil {
		t.Fatal(err)
	}
	if !oid.Equal(oidSPNEGO) {
		t.Fatalf("oid = %v", oid)
	}
	mechs, tok, err := parseNegTokenInit(body)
	if err != nil {
		t.Fatal(err)
	}
	if len(mechs) != 1 || !mechs[0].Equal(oidKerberos5) {
		t.Errorf("mechs = %v", mechs)
	}
	apReq, err := unwrapKerberosToken(tok, tokenAPReq)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(apReq, []byte{1, 2, 3}) {
		t.Errorf("mechToken = %x", apReq)
	}
}

func TestNegTokenRespParse(t *testing.T) {
	b, err := negTokenResp(NegAcceptCompleted, oidMSKerberos5, []byte{9, 9})
	if err != nil {
		t.Fatal(err)
	}
	state, apRep, err := ParseNegTokenResp(b)
	if err != nil {
		t.Fatal(err)
	}
	if state != NegAcceptCompleted || !bytes.Equal(apRep, []byte{9, 9}) {
		t.Errorf("state %d, ap-rep %x", state, apRep)
	}

	b, err = negTokenResp(NegReject, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	state, apRep, err = ParseNegTokenResp(b)
	if err != nil || state != NegReject || apRep != nil {
		t.Errorf("reject: state %d, ap-rep %x, err %v", state, apRep, err)
	}
}

func TestAcceptSPNEGOWithoutKerberos(t *testing.T) {
	ntlm := asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 2, 2, 10}
	var bld cryptobyte.Builder
	bld.AddASN1(tagGSSToken, func(b *cryptobyte.Builder) {
		b.AddASN1ObjectIdentifier(oidSPNEGO)
		b.AddASN1(ctxTag(0), func(b *cryptobyte.Builder) {
			b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
				b.AddASN1(ctxTag(0), func(b *cryptobyte.Builder) {
					b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
						b.AddASN1ObjectIdentifier(ntlm)
					})
				})
				b.AddASN1(ctxTag(2), func(b *cryptobyte.Builder) {
					b.AddASN1OctetString([]byte("NTLMSSP\x00"))
				})
			})
		})
	})
	token, err := bld.Bytes()
	if err != nil {
		t.Fatal(err)
	}

	a, err := NewAcceptor(Config{Keytab: keytab.New()})
	if err != nil {
		t.Fatal(err)
	}
	res, out, err := a.AcceptSPNEGO(context.Background(), token)
	if !errors.Is(err, ErrUnsupportedMech) || res != nil {
		t.Fatalf("res %v, err %v", res, err)
	}
	state, _, err := ParseNegTokenResp(out)
	if err != nil || state != NegReject {
		t.Errorf("state %d, err %v", state, err)
	}

	if _, _, err := a.AcceptSPNEGO(context.Background(), []byte("garbage")); !errors.Is(err, ErrSPNEGODecode) {
		t.Errorf("garbage token: %v", err)
	}
}
