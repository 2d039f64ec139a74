package client_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jcmturner/gokrb5/v8/config"
	"github.com/jcmturner/gokrb5/v8/iana/errorcode"
	"github.com/jcmturner/gokrb5/v8/iana/etypeID"
	"github.com/jcmturner/gokrb5/v8/iana/flags"
	"github.com/jcmturner/gokrb5/v8/iana/nametype"

	"github.com/kardianos/gokdc/krb5/client"
	"github.com/kardianos/gokdc/krb5/crypto"
	"github.com/kardianos/gokdc/krb5/kdc"
	"github.com/kardianos/gokdc/krb5/keytab"
	"github.com/kardianos/gokdc/krb5/messages"
	"github.com/kardianos/gokdc/krb5/pkinit"
)

const realm = "EXAMPLE.COM"

type testKDC struct {
	realm *kdc.MemoryRealm
	srv   *kdc.Server
	addr  string
}

// startKDC serves a realm holding krbtgt, alice (pre-auth required), bob
// and HTTP/web.example.com on a loopback port.
func startKDC(t *testing.T, name string, opts kdc.ServerOptions, setup func(r *kdc.MemoryRealm)) *testKDC {
	t.Helper()
	r := kdc.NewMemoryRealm(name, kdc.RealmSettings{MaxRenewLifetime: 7 * 24 * time.Hour})
	must := func(p *kdc.MemoryPrincipal, err error) *kdc.MemoryPrincipal {
		t.Helper()
		if err != nil {
			t.Fatalf("add principal: %v", err)
		}
		return p
	}
	must(r.AddRandomKey("krbtgt/"+name, kdc.PrincipalTGT))
	must(r.AddPassword("alice", kdc.PrincipalUser, "alice-password")).RequirePreAuth = true
	must(r.AddPassword("bob", kdc.PrincipalUser, "bob-password"))
	must(r.AddPassword("HTTP/web.example.com", kdc.PrincipalService, "web-secret"))
	if setup != nil {
		setup(r)
	}
	opts.Realm = r
	srv, err := kdc.NewServer(opts)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	l, err := kdc.NewListener(srv, kdc.ListenerConfig{Addr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("NewListener: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		l.Wait()
	})
	if err := l.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := l.Ready(ctx); err != nil {
		t.Fatalf("KDC not ready: %v", err)
	}
	return &testKDC{realm: r, srv: srv, addr: l.Addr()}
}

func newClient(t *testing.T, cfg client.Config) *client.Client {
	t.Helper()
	if cfg.Realm == "" {
		cfg.Realm = realm
	}
	c, err := client.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func password(t *testing.T, name, pw string) *client.PasswordCredential {
	t.Helper()
	cred, err := client.NewPasswordCredential(name, realm, pw)
	if err != nil {
		t.Fatal(err)
	}
	return cred
}

func TestAuthenticateAndServiceTicket(t *testing.T) {
	k := startKDC(t, realm, kdc.ServerOptions{}, nil)
	c := newClient(t, client.Config{KDCs: []string{k.addr}})
	ctx := context.Background()

	if _, err := c.GetServiceTicket(ctx, "HTTP/web.example.com"); !errors.Is(err, client.ErrNotAuthenticated) {
		t.Fatalf("before login: %v", err)
	}
	if err := c.Authenticate(ctx, password(t, "alice", "alice-password")); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	p, ok := c.Principal()
	if !ok || p.String() != "alice@"+realm {
		t.Fatalf("principal = %s, %v", p, ok)
	}

	st, err := c.GetServiceTicket(ctx, "HTTP/web.example.com")
	if err != nil {
		t.Fatalf("GetServiceTicket: %v", err)
	}
	if got := st.Server.String(); got != "HTTP/web.example.com@"+realm {
		t.Errorf("server = %s", got)
	}
	if got := st.Client.String(); got != "alice@"+realm {
		t.Errorf("client = %s", got)
	}
	if !st.Flags.Has(flags.Forwardable) {
		t.Error("ticket is not forwardable")
	}
	if !st.EndTime.After(time.Now()) {
		t.Errorf("ticket already ended at %s", st.EndTime)
	}

	again, err := c.GetServiceTicket(ctx, "HTTP/web.example.com")
	if err != nil {
		t.Fatal(err)
	}
	if string(again.Ticket.EncPart.Cipher) != string(st.Ticket.EncPart.Cipher) {
		t.Error("second request did not come from the cache")
	}
	fresh, err := c.GetServiceTicket(ctx, "HTTP/web.example.com", client.WithoutCache())
	if err != nil {
		t.Fatal(err)
	}
	if string(fresh.Ticket.EncPart.Cipher) == string(st.Ticket.EncPart.Cipher) {
		t.Error("WithoutCache returned the cached ticket")
	}

	_, err = c.GetServiceTicket(ctx, "HTTP/missing.example.com")
	if code := messages.ErrorCode(err); code != errorcode.KDC_ERR_S_PRINCIPAL_UNKNOWN {
		t.Errorf("unknown service: code %d, err %v", code, err)
	}
}

func TestAuthenticateWithoutPreAuth(t *testing.T) {
	k := startKDC(t, realm, kdc.ServerOptions{}, nil)
	c := newClient(t, client.Config{KDCs: []string{k.addr}, ETypes: []int32{etypeID.AES128_CTS_HMAC_SHA256_128}})
	if err := c.Authenticate(context.Background(), password(t, "bob", "bob-password")); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	cc, err := c.ExportCCache()
	if err != nil {
		t.Fatal(err)
	}
	tgt, ok := cc.Find(messages.Principal{Name: messages.TGSName(realm), Realm: realm})
	if !ok {
		t.Fatal("no TGT in exported cache")
	}
	if tgt.Key.KeyType != etypeID.AES128_CTS_HMAC_SHA256_128 {
		t.Errorf("session key etype = %d", tgt.Key.KeyType)
	}
}

func TestAuthenticateFailures(t *testing.T) {
	k := startKDC(t, realm, kdc.ServerOptions{}, nil)
	ctx := context.Background()

	c := newClient(t, client.Config{KDCs: []string{k.addr}})
	err := c.Authenticate(ctx, password(t, "alice", "wrong"))
	if code := messages.ErrorCode(err); code != errorcode.KDC_ERR_PREAUTH_FAILED {
		t.Errorf("wrong password: code %d, err %v", code, err)
	}
	if _, ok := c.Principal(); ok {
		t.Error("failed login left a principal")
	}

	err = c.Authenticate(ctx, password(t, "mallory", "x"))
	if code := messages.ErrorCode(err); code != errorcode.KDC_ERR_C_PRINCIPAL_UNKNOWN {
		t.Errorf("unknown client: code %d, err %v", code, err)
	}

	// The KDC offers no PKINIT, so a certificate cannot satisfy it.
	alice := messages.Principal{Name: messages.NewPrincipalName(nametype.KRB_NT_PRINCIPAL, "alice"), Realm: realm}
	err = c.Authenticate(ctx, &client.PKINITCredential{Name: alice})
	if !errors.Is(err, client.ErrPreAuthRequired) {
		t.Errorf("unusable mechanism: %v", err)
	}
}

func TestAuthenticateKeytab(t *testing.T) {
	k := startKDC(t, realm, kdc.ServerOptions{}, nil)
	kt := keytab.New()
	if err := kt.AddPassword("alice", realm, "alice-password", 1, []int32{etypeID.AES256_CTS_HMAC_SHA1_96}, nil); err != nil {
		t.Fatal(err)
	}
	c := newClient(t, client.Config{KDCs: []string{k.addr}})
	alice := messages.Principal{Name: messages.NewPrincipalName(nametype.KRB_NT_PRINCIPAL, "alice"), Realm: realm}
	if err := c.Authenticate(context.Background(), &client.KeytabCredential{Name: alice, Keytab: kt}); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if _, err := c.GetServiceTicket(context.Background(), "HTTP/web.example.com"); err != nil {
		t.Fatal(err)
	}
}

func TestAuthenticateClockSkew(t *testing.T) {
	k := startKDC(t, realm, kdc.ServerOptions{}, nil)
	ahead := func() time.Time { return time.Now().Add(time.Hour) }
	c := newClient(t, client.Config{KDCs: []string{k.addr}, Now: ahead})
	if err := c.Authenticate(context.Background(), password(t, "alice", "alice-password")); err != nil {
		t.Fatalf("Authenticate with a fast clock: %v", err)
	}
	cc, err := c.ExportCCache()
	if err != nil {
		t.Fatal(err)
	}
	d, ok := cc.KDCOffset()
	if !ok {
		t.Fatal("no KDC offset recorded")
	}
	if diff := d + time.Hour; diff < -5*time.Second || diff > 5*time.Second {
		t.Errorf("KDC offset = %s, want about -1h", d)
	}
}

func TestRenew(t *testing.T) {
	k := startKDC(t, realm, kdc.ServerOptions{}, nil)
	ctx := context.Background()

	c := newClient(t, client.Config{KDCs: []string{k.addr}, RenewLifetime: 48 * time.Hour})
	if err := c.Authenticate(ctx, password(t, "alice", "alice-password")); err != nil {
		t.Fatal(err)
	}
	before, err := c.ExportCCache()
	if err != nil {
		t.Fatal(err)
	}
	tgsName := messages.Principal{Name: messages.TGSName(realm), Realm: realm}
	old, _ := before.Find(tgsName)
	if !old.TicketFlags().Has(flags.Renewable) {
		t.Fatal("TGT is not renewable")
	}
	if err := c.Renew(ctx); err != nil {
		t.Fatalf("Renew: %v", err)
	}
	after, err := c.ExportCCache()
	if err != nil {
		t.Fatal(err)
	}
	renewed, _ := after.Find(tgsName)
	if renewed.AuthTime != old.AuthTime {
		t.Errorf("auth time changed from %d to %d", old.AuthTime, renewed.AuthTime)
	}
	if string(renewed.Ticket) == string(old.Ticket) {
		t.Error("renew returned the same ticket")
	}

	plain := newClient(t, client.Config{KDCs: []string{k.addr}})
	if err := plain.Authenticate(ctx, password(t, "bob", "bob-password")); err != nil {
		t.Fatal(err)
	}
	if err := plain.Renew(ctx); err == nil {
		t.Error("renewed a ticket that is not renewable")
	}
}

func TestS4U2Self(t *testing.T) {
	k := startKDC(t, realm, kdc.ServerOptions{}, nil)
	ctx := context.Background()
	c := newClient(t, client.Config{KDCs: []string{k.addr}})
	if err := c.Authenticate(ctx, password(t, "HTTP/web.example.com", "web-secret")); err != nil {
		t.Fatal(err)
	}
	user := messages.Principal{Name: messages.NewPrincipalName(nametype.KRB_NT_PRINCIPAL, "alice"), Realm: realm}
	st, err := c.S4U2Self(ctx, user)
	if err != nil {
		t.Fatalf("S4U2Self: %v", err)
	}
	if !st.Client.Equal(user) {
		t.Errorf("client = %s", st.Client)
	}
	if got := st.Server.Name.String(); got != "HTTP/web.example.com" {
		t.Errorf("server = %s", got)
	}
}

func TestUserToUser(t *testing.T) {
	k := startKDC(t, realm, kdc.ServerOptions{}, nil)
	ctx := context.Background()

	bob := newClient(t, client.Config{KDCs: []string{k.addr}})
	if err := bob.Authenticate(ctx, password(t, "bob", "bob-password")); err != nil {
		t.Fatal(err)
	}
	cc, err := bob.ExportCCache()
	if err != nil {
		t.Fatal(err)
	}
	cred, _ := cc.Find(messages.Principal{Name: messages.TGSName(realm), Realm: realm})
	var bobTGT messages.Ticket
	if err := bobTGT.Unmarshal(cred.Ticket); err != nil {
		t.Fatal(err)
	}

	alice := newClient(t, client.Config{KDCs: []string{k.addr}})
	if err := alice.Authenticate(ctx, password(t, "alice", "alice-password")); err != nil {
		t.Fatal(err)
	}
	st, err := alice.GetServiceTicket(ctx, "bob", client.WithUserToUser(bobTGT))
	if err != nil {
		t.Fatalf("user-to-user: %v", err)
	}
	if st.Ticket.EncPart.EType != cred.Key.KeyType {
		t.Errorf("ticket etype %d, bob's session key etype %d", st.Ticket.EncPart.EType, cred.Key.KeyType)
	}
}

func TestCCacheRoundTrip(t *testing.T) {
	k := startKDC(t, realm, kdc.ServerOptions{}, nil)
	ctx := context.Background()
	c := newClient(t, client.Config{KDCs: []string{k.addr}})
	if err := c.Authenticate(ctx, password(t, "alice", "alice-password")); err != nil {
		t.Fatal(err)
	}
	if _, err := c.GetServiceTicket(ctx, "HTTP/web.example.com"); err != nil {
		t.Fatal(err)
	}
	cc, err := c.ExportCCache()
	if err != nil {
		t.Fatal(err)
	}
	if n := len(cc.Tickets()); n != 2 {
		t.Fatalf("exported %d tickets, want TGT and service ticket", n)
	}
	if cc.DefaultPrincipal.String() != "alice@"+realm {
		t.Errorf("default principal = %s", cc.DefaultPrincipal)
	}

	restored, err := client.NewFromCCache(client.Config{KDCs: []string{k.addr}}, cc)
	if err != nil {
		t.Fatalf("NewFromCCache: %v", err)
	}
	defer restored.Close()
	if _, err := restored.GetServiceTicket(ctx, "HTTP/web.example.com"); err != nil {
		t.Fatalf("ticket with imported TGT: %v", err)
	}
}

func TestCrossRealmReferral(t *testing.T) {
	const child = "CHILD.EXAMPLE.COM"
	reg := crypto.DefaultRegistry()
	cross, err := reg.RandomKey(etypeID.AES256_CTS_HMAC_SHA1_96)
	if err != nil {
		t.Fatal(err)
	}
	ek, err := messages.KeyFromCrypto(cross)
	if err != nil {
		t.Fatal(err)
	}
	kt := keytab.New()
	kt.AddEntry("krbtgt/"+child, realm, ek, 1, time.Now())

	parent := startKDC(t, realm, kdc.ServerOptions{}, func(r *kdc.MemoryRealm) {
		if err := r.AddKeytab(kt); err != nil {
			t.Fatal(err)
		}
		r.Trust(child)
	})
	childKDC := startKDC(t, child, kdc.ServerOptions{}, func(r *kdc.MemoryRealm) {
		if err := r.AddKeytab(kt); err != nil {
			t.Fatal(err)
		}
		if _, err := r.AddPassword("HTTP/app.child.example.com", kdc.PrincipalService, "app-secret"); err != nil {
			t.Fatal(err)
		}
	})

	conf, err := config.NewFromString(fmt.Sprintf(`[libdefaults]
 default_realm = %s
 dns_lookup_kdc = false

[realms]
 %s = {
  kdc = %s
 }
 %s = {
  kdc = %s
 }
`, realm, realm, parent.addr, child, childKDC.addr))
	if err != nil {
		t.Fatalf("krb5.conf: %v", err)
	}
	c := newClient(t, client.Config{Krb5Conf: conf})
	ctx := context.Background()
	if err := c.Authenticate(ctx, password(t, "alice", "alice-password")); err != nil {
		t.Fatal(err)
	}
	st, err := c.GetServiceTicket(ctx, "HTTP/app.child.example.com")
	if err != nil {
		t.Fatalf("GetServiceTicket across realms: %v", err)
	}
	if got := st.Server.String(); got != "HTTP/app.child.example.com@"+child {
		t.Errorf("server = %s", got)
	}
	if got := st.Client.String(); got != "alice@"+realm {
		t.Errorf("client = %s", got)
	}
	cc, err := c.ExportCCache()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := cc.Find(messages.Principal{Name: messages.TGSName(child), Realm: realm}); !ok {
		t.Error("cross-realm TGT not exported")
	}
}

func TestHTTPSProxy(t *testing.T) {
	r := kdc.NewMemoryRealm(realm, kdc.RealmSettings{})
	if _, err := r.AddRandomKey("krbtgt/"+realm, kdc.PrincipalTGT); err != nil {
		t.Fatal(err)
	}
	if _, err := r.AddPassword("bob", kdc.PrincipalUser, "bob-password"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.AddPassword("HTTP/web.example.com", kdc.PrincipalService, "web-secret"); err != nil {
		t.Fatal(err)
	}
	srv, err := kdc.NewServer(kdc.ServerOptions{Realm: r})
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewTLSServer(&kdc.ProxyHandler{Server: srv})
	defer ts.Close()

	c := newClient(t, client.Config{
		Transports: []client.Transport{&client.HTTPSTransport{URL: ts.URL, Client: ts.Client()}},
	})
	ctx := context.Background()
	if err := c.Authenticate(ctx, password(t, "bob", "bob-password")); err != nil {
		t.Fatalf("Authenticate through proxy: %v", err)
	}
	if _, err := c.GetServiceTicket(ctx, "HTTP/web.example.com"); err != nil {
		t.Fatalf("GetServiceTicket through proxy: %v", err)
	}
}

type staticLocator []string

func (s staticLocator) LocateKDC(ctx context.Context, realm string, tcp bool) ([]string, error) {
	return s, nil
}

func TestNoKDCReachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()

	c := newClient(t, client.Config{
		Transports: []client.Transport{&client.TCPTransport{Locator: staticLocator{addr}, Timeout: time.Second}},
	})
	err = c.Authenticate(context.Background(), password(t, "bob", "bob-password"))
	var te *client.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want a TransportError", err)
	}
	if te.Realm != realm || len(te.Errors) != 1 {
		t.Errorf("transport error = %+v", te)
	}
	if !errors.Is(err, client.ErrNetwork) {
		t.Errorf("%v does not wrap ErrNetwork", err)
	}
}

func TestPKINIT(t *testing.T) {
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Example CA"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, caKey.Public(), caKey)
	if err != nil {
		t.Fatal(err)
	}
	ca, err := x509.ParseCertificate(caDER)
	if err != nil {
		t.Fatal(err)
	}
	issue := func(cn string, serial int64) (*x509.Certificate, *ecdsa.PrivateKey) {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			t.Fatal(err)
		}
		tmpl := &x509.Certificate{
			SerialNumber: big.NewInt(serial),
			Subject:      pkix.Name{CommonName: cn},
			NotBefore:    now.Add(-time.Hour),
			NotAfter:     now.Add(12 * time.Hour),
			KeyUsage:     x509.KeyUsageDigitalSignature,
		}
		der, err := x509.CreateCertificate(rand.Reader, tmpl, ca, key.Public(), caKey)
		if err != nil {
			t.Fatal(err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			t.Fatal(err)
		}
		return cert, key
	}
	pool := x509.NewCertPool()
	pool.AddCert(ca)

	kdcCert, kdcKey := issue("kdc.example.com", 2)
	aliceCert, aliceKey := issue("alice", 3)
	k := startKDC(t, realm, kdc.ServerOptions{PKINIT: &pkinit.KDC{
		Signer:   &pkinit.Signer{Certificate: kdcCert, Key: kdcKey},
		Verifier: pkinit.PoolVerifier{Roots: pool},
	}}, func(r *kdc.MemoryRealm) {
		p, err := r.FindPrincipal(context.Background(), messages.NewPrincipalName(nametype.KRB_NT_PRINCIPAL, "alice"), realm)
		if err != nil {
			t.Fatal(err)
		}
		p.(*kdc.MemoryPrincipal).Certs = []*x509.Certificate{aliceCert}
	})

	c := newClient(t, client.Config{KDCs: []string{k.addr}})
	alice := messages.Principal{Name: messages.NewPrincipalName(nametype.KRB_NT_PRINCIPAL, "alice"), Realm: realm}
	cred := &client.PKINITCredential{
		Name:       alice,
		Credential: &pkinit.Credential{Certificate: aliceCert, Key: aliceKey},
		Verifier:   pkinit.PoolVerifier{Roots: pool},
	}
	if err := c.Authenticate(context.Background(), cred); err != nil {
		t.Fatalf("PKINIT Authenticate: %v", err)
	}
	if _, err := c.GetServiceTicket(context.Background(), "HTTP/web.example.com"); err != nil {
		t.Fatal(err)
	}
}
