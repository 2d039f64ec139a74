package kdc

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/jcmturner/gokrb5/v8/iana/errorcode"
	"github.com/jcmturner/gokrb5/v8/iana/etypeID"
	"github.com/jcmturner/gokrb5/v8/iana/flags"
	"github.com/jcmturner/gokrb5/v8/iana/keyusage"
	"github.com/jcmturner/gokrb5/v8/iana/patype"

	"github.com/kardianos/gokdc/krb5/messages"
	"github.com/kardianos/gokdc/krb5/pkinit"
)

type testCA struct {
	cert *x509.Certificate
	key  crypto.Signer
	pool *x509.CertPool
}

func newTestCA(t *testing.T) *testCA {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Example CA"},
		NotBefore:             testNow.Add(-time.Hour),
		NotAfter:              testNow.Add(30 * 24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &testCA{cert: cert, key: key, pool: pool}
}

func (ca *testCA) issue(t *testing.T, cn string, serial int64) (*x509.Certificate, crypto.Signer) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    testNow.Add(-time.Hour),
		NotAfter:     testNow.Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, key.Public(), ca.key)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return cert, key
}

func TestASPKINIT(t *testing.T) {
	ca := newTestCA(t)
	kdcCert, kdcKey := ca.issue(t, "kdc.example.com", 2)
	f := newFixture(t, ServerOptions{PKINIT: &pkinit.KDC{
		Signer:   &pkinit.Signer{Certificate: kdcCert, Key: kdcKey},
		Verifier: pkinit.PoolVerifier{Roots: ca.pool},
	}})
	aliceCert, aliceKey := ca.issue(t, "alice", 3)
	f.alice.Certs = []*x509.Certificate{aliceCert}
	cred := &pkinit.Credential{Certificate: aliceCert, Key: aliceKey}

	// The PREAUTH_REQUIRED hints now offer PKINIT too.
	_, ke := f.exchange(t, messages.NewASReq(asBody("alice", messages.TGSName(testRealm))))
	expectError(t, ke, errorcode.KDC_ERR_PREAUTH_REQUIRED)
	if _, ok := ke.MethodData().Find(patype.PA_PK_AS_REQ); !ok {
		t.Error("method-data does not offer PA-PK-AS-REQ")
	}

	body := asBody("alice", messages.TGSName(testRealm), etypeID.AES256_CTS_HMAC_SHA1_96)
	bb, err := body.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	pa, ex, err := cred.NewRequest(bb, body.Nonce, f.now)
	if err != nil {
		t.Fatal(err)
	}
	rep, ke := f.exchange(t, messages.NewASReq(body, pa))
	if ke != nil {
		t.Fatalf("PKINIT AS-REQ: %s %s", errorcode.Lookup(ke.ErrorCode), ke.EText)
	}
	key, err := ex.ReplyKey(f.reg, rep.EncPart.EType, rep.PAData, pkinit.PoolVerifier{Roots: ca.pool}, f.now)
	if err != nil {
		t.Fatalf("reply key: %v", err)
	}
	part := openReply(t, f.reg, rep, key, keyusage.AS_REP_ENCPART)
	if !part.TicketFlags().Has(flags.PreAuthent) {
		t.Error("PRE-AUTHENT not set after PKINIT")
	}
	if rep.EncPart.KVNO != 0 {
		t.Errorf("reply kvno = %d, want 0 for a DH key", rep.EncPart.KVNO)
	}

	// A certificate the CA issued for someone else is refused.
	bobCert, bobKey := ca.issue(t, "bob", 4)
	other := &pkinit.Credential{Certificate: bobCert, Key: bobKey}
	pa, _, err = other.NewRequest(bb, body.Nonce, f.now)
	if err != nil {
		t.Fatal(err)
	}
	_, ke = f.exchange(t, messages.NewASReq(body, pa))
	expectError(t, ke, errorcode.KDC_ERR_CLIENT_NAME_MISMATCH)
}
