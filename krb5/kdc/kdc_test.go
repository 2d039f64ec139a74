package kdc

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jcmturner/gokrb5/v8/iana/errorcode"
	"github.com/jcmturner/gokrb5/v8/iana/etypeID"
	"github.com/jcmturner/gokrb5/v8/iana/flags"
	"github.com/jcmturner/gokrb5/v8/iana/keyusage"
	"github.com/jcmturner/gokrb5/v8/iana/msgtype"
	"github.com/jcmturner/gokrb5/v8/iana/nametype"
	"github.com/jcmturner/gokrb5/v8/iana/patype"

	"github.com/kardianos/gokdc/krb5/crypto"
	"github.com/kardianos/gokdc/krb5/messages"
	"github.com/kardianos/gokdc/krb5/pac"
)

const testRealm = "EXAMPLE.COM"

var testNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

// fixture is a realm with a krbtgt, two users and a web service, served
// by a Server whose clock the test controls.
type fixture struct {
	now   time.Time
	realm *MemoryRealm
	srv   *Server
	reg   *crypto.Registry
	alice *MemoryPrincipal
}

func newFixture(t *testing.T, opts ServerOptions) *fixture {
	t.Helper()
	f := &fixture{now: testNow, reg: crypto.DefaultRegistry()}
	f.realm = NewMemoryRealm(testRealm, RealmSettings{MaxRenewLifetime: 7 * 24 * time.Hour})
	f.realm.Clock = func() time.Time { return f.now }

	must := func(p *MemoryPrincipal, err error) *MemoryPrincipal {
		t.Helper()
		if err != nil {
			t.Fatalf("add principal: %v", err)
		}
		return p
	}
	must(f.realm.AddRandomKey("krbtgt/"+testRealm, PrincipalTGT))
	f.alice = must(f.realm.AddPassword("alice", PrincipalUser, "alice-password"))
	f.alice.RequirePreAuth = true
	f.alice.UserID = 1105
	f.alice.GroupIDs = []uint32{512}
	must(f.realm.AddPassword("bob", PrincipalUser, "bob-password"))
	must(f.realm.AddPassword("carol", PrincipalUser, "carol-password", etypeID.AES256_CTS_HMAC_SHA1_96))
	must(f.realm.AddPassword("HTTP/web.example.com", PrincipalService, "web-secret")).Delegate = true

	opts.Realm = f.realm
	var err error
	f.srv, err = NewServer(opts)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return f
}

func (f *fixture) passwordKey(name, password string, etype int32) crypto.Key {
	pn, _ := messages.ParsePrincipal(name, testRealm)
	return crypto.KeyFromPassword(f.reg, etype, password, crypto.DefaultSalt(testRealm, pn.Name.NameString...), nil)
}

func (f *fixture) longTermKey(t *testing.T, name string, etype int32) crypto.Key {
	t.Helper()
	pn, _ := messages.ParsePrincipal(name, testRealm)
	p, err := f.realm.FindPrincipal(context.Background(), pn.Name, pn.Realm)
	if err != nil {
		t.Fatalf("find %s: %v", name, err)
	}
	k, err := p.RetrieveLongTermCredential(etype)
	if err != nil {
		t.Fatalf("key for %s: %v", name, err)
	}
	return k
}

func asBody(cname string, sname messages.PrincipalName, etypes ...int32) messages.KDCReqBody {
	if len(etypes) == 0 {
		etypes = []int32{etypeID.AES256_CTS_HMAC_SHA1_96, etypeID.AES128_CTS_HMAC_SHA1_96}
	}
	return messages.KDCReqBody{
		KDCOptions: messages.NewFlags(flags.Forwardable, flags.Renewable).BitString(),
		CName:      messages.NewPrincipalName(nametype.KRB_NT_PRINCIPAL, strings.Split(cname, "/")...),
		Realm:      testRealm,
		SName:      sname,
		Till:       testNow.Add(24 * time.Hour),
		RTime:      testNow.Add(48 * time.Hour),
		Nonce:      424242,
		EType:      etypes,
	}
}

// exchange sends req and splits the answer into a reply or an error.
func (f *fixture) exchange(t *testing.T, req *messages.KDCReq) (*messages.KDCRep, *messages.KRBError) {
	t.Helper()
	b, err := req.Marshal()
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	out, err := f.srv.ProcessMessage(context.Background(), b)
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	return decodeReply(t, out)
}

func decodeReply(t *testing.T, out []byte) (*messages.KDCRep, *messages.KRBError) {
	t.Helper()
	mt, err := messages.MessageType(out)
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if mt == msgtype.KRB_ERROR {
		var ke messages.KRBError
		if err := ke.Unmarshal(out); err != nil {
			t.Fatalf("unmarshal krb-error: %v", err)
		}
		return nil, &ke
	}
	var rep messages.KDCRep
	if err := rep.Unmarshal(out); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	return &rep, nil
}

func expectError(t *testing.T, ke *messages.KRBError, code int32) {
	t.Helper()
	if ke == nil {
		t.Fatalf("got a reply, want error %s", errorcode.Lookup(code))
	}
	if ke.ErrorCode != code {
		t.Fatalf("error = %s (%s), want %s", errorcode.Lookup(ke.ErrorCode), ke.EText, errorcode.Lookup(code))
	}
}

func openReply(t *testing.T, reg *crypto.Registry, rep *messages.KDCRep, key crypto.Key, usage uint32) *messages.EncKDCRepPart {
	t.Helper()
	pt, err := rep.EncPart.Open(reg, key, usage)
	if err != nil {
		t.Fatalf("decrypt reply: %v", err)
	}
	var part messages.EncKDCRepPart
	if err := part.Unmarshal(pt); err != nil {
		t.Fatalf("unmarshal enc-part: %v", err)
	}
	return &part
}

func (f *fixture) openTicket(t *testing.T, tkt messages.Ticket, key crypto.Key) *messages.EncTicketPart {
	t.Helper()
	enc, err := openTicket(f.reg, &tkt, key)
	if err != nil {
		t.Fatalf("decrypt ticket: %v", err)
	}
	return enc
}

// login runs a pre-authenticated AS exchange.
func (f *fixture) login(t *testing.T, name, password string) (messages.Ticket, *messages.EncKDCRepPart) {
	t.Helper()
	key := f.passwordKey(name, password, etypeID.AES256_CTS_HMAC_SHA1_96)
	ts, err := messages.NewPAEncTimestamp(f.reg, key, 1, f.now)
	if err != nil {
		t.Fatal(err)
	}
	rep, ke := f.exchange(t, messages.NewASReq(asBody(name, messages.TGSName(testRealm)), ts))
	if ke != nil {
		t.Fatalf("login %s: %s %s", name, errorcode.Lookup(ke.ErrorCode), ke.EText)
	}
	return rep.Ticket, openReply(t, f.reg, rep, key, keyusage.AS_REP_ENCPART)
}

type tgsOptions struct {
	options    []int
	subkey     crypto.Key
	badCksum   bool
	padata     []messages.PAData
	additional []messages.Ticket
}

// tgsReq builds a TGS-REQ presenting tgt with an authenticator stamped at
// the fixture's clock.
func (f *fixture) tgsReq(t *testing.T, tgt messages.Ticket, login *messages.EncKDCRepPart, client string, sname messages.PrincipalName, o tgsOptions) *messages.KDCReq {
	t.Helper()
	body := messages.KDCReqBody{
		KDCOptions:        messages.NewFlags(o.options...).BitString(),
		Realm:             testRealm,
		SName:             sname,
		Till:              f.now.Add(24 * time.Hour),
		Nonce:             777,
		EType:             []int32{etypeID.AES256_CTS_HMAC_SHA1_96},
		AdditionalTickets: o.additional,
	}
	bb, err := body.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	session := login.Key.Key()
	ct, sum, err := f.reg.Checksum(session, keyusage.TGS_REQ_PA_TGS_REQ_AP_REQ_AUTHENTICATOR_CHKSUM, bb)
	if err != nil {
		t.Fatal(err)
	}
	if o.badCksum {
		sum[0] ^= 0xff
	}
	cp, _ := messages.ParsePrincipal(client, testRealm)
	auth := messages.NewAuthenticator(cp, f.now)
	auth.Cksum = messages.Checksum{CksumType: ct, Checksum: sum}
	if !o.subkey.IsZero() {
		if auth.SubKey, err = messages.KeyFromCrypto(o.subkey); err != nil {
			t.Fatal(err)
		}
	}
	ab, err := auth.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	ed, err := messages.Seal(f.reg, session, keyusage.TGS_REQ_PA_TGS_REQ_AP_REQ_AUTHENTICATOR, 0, ab)
	if err != nil {
		t.Fatal(err)
	}
	ap, err := messages.NewAPReq(tgt, ed).Marshal()
	if err != nil {
		t.Fatal(err)
	}
	pa := append([]messages.PAData{{PADataType: patype.PA_TGS_REQ, PADataValue: ap}}, o.padata...)
	return messages.NewTGSReq(body, pa...)
}

func webService() messages.PrincipalName {
	return messages.NewPrincipalName(nametype.KRB_NT_SRV_HST, "HTTP", "web.example.com")
}

func TestASWithoutPreAuth(t *testing.T) {
	f := newFixture(t, ServerOptions{})
	rep, ke := f.exchange(t, messages.NewASReq(asBody("bob", messages.TGSName(testRealm))))
	if ke != nil {
		t.Fatalf("AS-REQ: %s %s", errorcode.Lookup(ke.ErrorCode), ke.EText)
	}
	if rep.MsgType != msgtype.KRB_AS_REP {
		t.Fatalf("msg-type = %d", rep.MsgType)
	}
	if _, ok := rep.PAData.Find(patype.PA_ETYPE_INFO2); !ok {
		t.Error("reply carries no PA-ETYPE-INFO2")
	}
	key := f.passwordKey("bob", "bob-password", etypeID.AES256_CTS_HMAC_SHA1_96)
	part := openReply(t, f.reg, rep, key, keyusage.AS_REP_ENCPART)
	if part.Nonce != 424242 {
		t.Errorf("nonce = %d", part.Nonce)
	}
	tf := part.TicketFlags()
	if !tf.Has(flags.Initial) || tf.Has(flags.PreAuthent) {
		t.Errorf("flags = %08x, want INITIAL without PRE-AUTHENT", uint32(tf))
	}

	enc := f.openTicket(t, rep.Ticket, f.longTermKey(t, "krbtgt/"+testRealm, rep.Ticket.EncPart.EType))
	if !enc.CName.Equal(messages.NewPrincipalName(nametype.KRB_NT_PRINCIPAL, "bob")) {
		t.Errorf("ticket client = %s", enc.CName)
	}
	kb, _ := enc.Key.Key().Bytes()
	pb, _ := part.Key.Key().Bytes()
	if string(kb) != string(pb) {
		t.Error("reply and ticket session keys differ")
	}
	t.Logf("bob's TGT ends %s, renewable until %s", enc.EndTime, enc.RenewTill)
}

func TestASPreAuthRequired(t *testing.T) {
	f := newFixture(t, ServerOptions{})
	_, ke := f.exchange(t, messages.NewASReq(asBody("alice", messages.TGSName(testRealm))))
	expectError(t, ke, errorcode.KDC_ERR_PREAUTH_REQUIRED)
	if ke.EText != "" {
		t.Errorf("e-text %q leaked without debug", ke.EText)
	}

	md := ke.MethodData()
	pa, ok := md.Find(patype.PA_ETYPE_INFO2)
	if !ok {
		t.Fatal("method-data has no PA-ETYPE-INFO2")
	}
	if _, ok := md.Find(patype.PA_ENC_TIMESTAMP); !ok {
		t.Error("method-data does not offer PA-ENC-TIMESTAMP")
	}
	info, err := messages.UnmarshalETypeInfo2(pa.PADataValue)
	if err != nil {
		t.Fatal(err)
	}
	if len(info) != 2 {
		t.Fatalf("etype-info2 has %d entries, want the 2 requested", len(info))
	}
	if info[0].EType != etypeID.AES256_CTS_HMAC_SHA1_96 || info[0].Salt != "EXAMPLE.COMalice" {
		t.Errorf("first entry = %+v", info[0])
	}

	tgt, part := f.login(t, "alice", "alice-password")
	if !part.TicketFlags().Has(flags.PreAuthent) {
		t.Error("PRE-AUTHENT not set after PA-ENC-TIMESTAMP")
	}
	if !tgt.SName.IsTGS() {
		t.Errorf("ticket is for %s", tgt.SName)
	}
}

func TestASPreAuthFailures(t *testing.T) {
	f := newFixture(t, ServerOptions{})
	tests := []struct {
		name     string
		password string
		at       time.Time
		code     int32
	}{
		{"wrong password", "guess", testNow, errorcode.KDC_ERR_PREAUTH_FAILED},
		{"clock skew", "alice-password", testNow.Add(-10 * time.Minute), errorcode.KRB_AP_ERR_SKEW},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := f.passwordKey("alice", tt.password, etypeID.AES256_CTS_HMAC_SHA1_96)
			ts, err := messages.NewPAEncTimestamp(f.reg, key, 1, tt.at)
			if err != nil {
				t.Fatal(err)
			}
			_, ke := f.exchange(t, messages.NewASReq(asBody("alice", messages.TGSName(testRealm)), ts))
			expectError(t, ke, tt.code)
		})
	}
}

func TestASRequestErrors(t *testing.T) {
	f := newFixture(t, ServerOptions{})
	wrongRealm := asBody("bob", messages.TGSName(testRealm))
	wrongRealm.Realm = "OTHER.ORG"
	tests := []struct {
		name string
		body messages.KDCReqBody
		code int32
	}{
		{"unknown client", asBody("mallory", messages.TGSName(testRealm)), errorcode.KDC_ERR_C_PRINCIPAL_UNKNOWN},
		{"unknown server", asBody("bob", messages.NewPrincipalName(nametype.KRB_NT_SRV_HST, "ldap", "nowhere")), errorcode.KDC_ERR_S_PRINCIPAL_UNKNOWN},
		{"wrong realm", wrongRealm, errorcode.KDC_ERR_WRONG_REALM},
		{"no common etype", asBody("carol", messages.TGSName(testRealm), etypeID.RC4_HMAC), errorcode.KDC_ERR_ETYPE_NOSUPP},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ke := f.exchange(t, messages.NewASReq(tt.body))
			expectError(t, ke, tt.code)
		})
	}
}

func TestASLifetimeClamped(t *testing.T) {
	f := newFixture(t, ServerOptions{})
	body := asBody("bob", messages.TGSName(testRealm))
	body.RTime = testNow.Add(30 * 24 * time.Hour)
	rep, ke := f.exchange(t, messages.NewASReq(body))
	if ke != nil {
		t.Fatalf("AS-REQ: %s", errorcode.Lookup(ke.ErrorCode))
	}
	part := openReply(t, f.reg, rep, f.passwordKey("bob", "bob-password", etypeID.AES256_CTS_HMAC_SHA1_96), keyusage.AS_REP_ENCPART)
	if want := testNow.Add(10 * time.Hour); !part.EndTime.Equal(want) {
		t.Errorf("end = %s, want %s", part.EndTime, want)
	}
	if want := testNow.Add(7 * 24 * time.Hour); !part.RenewTill.Equal(want) {
		t.Errorf("renew-till = %s, want %s", part.RenewTill, want)
	}
	if !part.TicketFlags().Has(flags.Renewable) || !part.TicketFlags().Has(flags.Forwardable) {
		t.Errorf("flags = %08x", uint32(part.TicketFlags()))
	}

	postdated := asBody("bob", messages.TGSName(testRealm))
	postdated.KDCOptions = messages.NewFlags(flags.AllowPostDate).BitString()
	_, ke = f.exchange(t, messages.NewASReq(postdated))
	expectError(t, ke, errorcode.KDC_ERR_CANNOT_POSTDATE)

	past := asBody("bob", messages.TGSName(testRealm))
	past.Till = testNow.Add(-time.Hour)
	_, ke = f.exchange(t, messages.NewASReq(past))
	expectError(t, ke, errorcode.KDC_ERR_NEVER_VALID)
}

func TestASPACRequest(t *testing.T) {
	f := newFixture(t, ServerOptions{})
	krbtgt := f.longTermKey(t, "krbtgt/"+testRealm, etypeID.AES256_CTS_HMAC_SHA384_192)

	tgt, _ := f.login(t, "alice", "alice-password")
	enc := f.openTicket(t, tgt, krbtgt)
	raw, ok := enc.AuthorizationData.FindPAC()
	if !ok {
		t.Fatal("TGT has no PAC")
	}
	p, err := pac.Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.VerifyServerSignature(krbtgt, f.reg); err != nil {
		t.Errorf("server signature: %v", err)
	}
	if err := p.VerifyKDCSignature(krbtgt, f.reg); err != nil {
		t.Errorf("kdc signature: %v", err)
	}
	if li := p.LogonInfo(); li == nil || li.UserID != 1105 || li.EffectiveName != "alice" {
		t.Errorf("logon info = %+v", li)
	}
	if ci := p.ClientInfo(); ci == nil || ci.Name != "alice" {
		t.Errorf("client info = %+v", ci)
	}

	rep, ke := f.exchange(t, messages.NewASReq(asBody("bob", messages.TGSName(testRealm)), messages.NewPAPACRequest(false)))
	if ke != nil {
		t.Fatalf("AS-REQ: %s", errorcode.Lookup(ke.ErrorCode))
	}
	enc = f.openTicket(t, rep.Ticket, krbtgt)
	if _, ok := enc.AuthorizationData.FindPAC(); ok {
		t.Error("PAC issued although the client declined it")
	}
}

func TestTGSServiceTicket(t *testing.T) {
	f := newFixture(t, ServerOptions{})
	tgt, login := f.login(t, "alice", "alice-password")

	req := f.tgsReq(t, tgt, login, "alice", webService(), tgsOptions{options: []int{flags.Forwardable}})
	rep, ke := f.exchange(t, req)
	if ke != nil {
		t.Fatalf("TGS-REQ: %s %s", errorcode.Lookup(ke.ErrorCode), ke.EText)
	}
	if rep.MsgType != msgtype.KRB_TGS_REP {
		t.Fatalf("msg-type = %d", rep.MsgType)
	}
	part := openReply(t, f.reg, rep, login.Key.Key(), keyusage.TGS_REP_ENCPART_SESSION_KEY)
	if part.Nonce != 777 {
		t.Errorf("nonce = %d", part.Nonce)
	}
	tf := part.TicketFlags()
	for _, bit := range []int{flags.Forwardable, flags.PreAuthent, flags.OKAsDelegate} {
		if !tf.Has(bit) {
			t.Errorf("flag %d missing from %08x", bit, uint32(tf))
		}
	}
	if tf.Has(flags.Initial) {
		t.Error("service ticket marked INITIAL")
	}
	if !part.EndTime.Equal(login.EndTime) {
		t.Errorf("end = %s, want the TGT end %s", part.EndTime, login.EndTime)
	}

	svcKey := f.longTermKey(t, "HTTP/web.example.com", rep.Ticket.EncPart.EType)
	enc := f.openTicket(t, rep.Ticket, svcKey)
	if enc.CName.String() != "alice" || enc.CRealm != testRealm {
		t.Errorf("ticket client = %s@%s", enc.CName, enc.CRealm)
	}
	if rep.Ticket.EncPart.KVNO != 1 {
		t.Errorf("kvno = %d", rep.Ticket.EncPart.KVNO)
	}

	raw, ok := enc.AuthorizationData.FindPAC()
	if !ok {
		t.Fatal("service ticket has no PAC")
	}
	p, err := pac.Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.VerifyServerSignature(svcKey, f.reg); err != nil {
		t.Errorf("PAC not re-signed for the service: %v", err)
	}
	krbtgt := f.longTermKey(t, "krbtgt/"+testRealm, etypeID.AES256_CTS_HMAC_SHA384_192)
	if err := p.VerifyKDCSignature(krbtgt, f.reg); err != nil {
		t.Errorf("kdc signature: %v", err)
	}
}

func TestTGSSubKey(t *testing.T) {
	f := newFixture(t, ServerOptions{})
	tgt, login := f.login(t, "alice", "alice-password")
	sub, err := f.reg.RandomKey(etypeID.AES128_CTS_HMAC_SHA1_96)
	if err != nil {
		t.Fatal(err)
	}
	rep, ke := f.exchange(t, f.tgsReq(t, tgt, login, "alice", webService(), tgsOptions{subkey: sub}))
	if ke != nil {
		t.Fatalf("TGS-REQ: %s", errorcode.Lookup(ke.ErrorCode))
	}
	if rep.EncPart.EType != etypeID.AES128_CTS_HMAC_SHA1_96 {
		t.Errorf("reply etype = %d, want the subkey's", rep.EncPart.EType)
	}
	openReply(t, f.reg, rep, sub, keyusage.TGS_REP_ENCPART_AUTHENTICATOR_SUB_KEY)
}

func TestTGSErrors(t *testing.T) {
	f := newFixture(t, ServerOptions{})
	tgt, login := f.login(t, "alice", "alice-password")

	t.Run("unknown service", func(t *testing.T) {
		sname := messages.NewPrincipalName(nametype.KRB_NT_SRV_HST, "HTTP", "app.child.example.com")
		_, ke := f.exchange(t, f.tgsReq(t, tgt, login, "alice", sname, tgsOptions{}))
		expectError(t, ke, errorcode.KDC_ERR_S_PRINCIPAL_UNKNOWN)
	})
	t.Run("modified body", func(t *testing.T) {
		_, ke := f.exchange(t, f.tgsReq(t, tgt, login, "alice", webService(), tgsOptions{badCksum: true}))
		expectError(t, ke, errorcode.KRB_AP_ERR_MODIFIED)
	})
	t.Run("client mismatch", func(t *testing.T) {
		_, ke := f.exchange(t, f.tgsReq(t, tgt, login, "bob", webService(), tgsOptions{}))
		expectError(t, ke, errorcode.KRB_AP_ERR_BADMATCH)
	})
	t.Run("no pa-tgs-req", func(t *testing.T) {
		req := f.tgsReq(t, tgt, login, "alice", webService(), tgsOptions{})
		req.PAData = nil
		_, ke := f.exchange(t, req)
		expectError(t, ke, errorcode.KDC_ERR_PADATA_TYPE_NOSUPP)
	})
	t.Run("not a tgt", func(t *testing.T) {
		rep, ke := f.exchange(t, f.tgsReq(t, tgt, login, "alice", webService(), tgsOptions{}))
		if ke != nil {
			t.Fatalf("TGS-REQ: %s", errorcode.Lookup(ke.ErrorCode))
		}
		part := openReply(t, f.reg, rep, login.Key.Key(), keyusage.TGS_REP_ENCPART_SESSION_KEY)
		_, ke = f.exchange(t, f.tgsReq(t, rep.Ticket, part, "alice", webService(), tgsOptions{}))
		expectError(t, ke, errorcode.KRB_AP_ERR_NOT_US)
	})
	t.Run("expired", func(t *testing.T) {
		f.now = testNow.Add(11 * time.Hour)
		defer func() { f.now = testNow }()
		_, ke := f.exchange(t, f.tgsReq(t, tgt, login, "alice", webService(), tgsOptions{}))
		expectError(t, ke, errorcode.KRB_AP_ERR_TKT_EXPIRED)
	})
}

func TestTGSReferral(t *testing.T) {
	f := newFixture(t, ServerOptions{})
	cross, err := f.realm.AddRandomKey("krbtgt/CHILD.EXAMPLE.COM", PrincipalTGT)
	if err != nil {
		t.Fatal(err)
	}
	f.realm.Trust("CHILD.EXAMPLE.COM")

	tgt, login := f.login(t, "alice", "alice-password")
	sname := messages.NewPrincipalName(nametype.KRB_NT_SRV_HST, "HTTP", "app.child.example.com")
	rep, ke := f.exchange(t, f.tgsReq(t, tgt, login, "alice", sname, tgsOptions{}))
	if ke != nil {
		t.Fatalf("TGS-REQ: %s %s", errorcode.Lookup(ke.ErrorCode), ke.EText)
	}
	if got := rep.Ticket.SName.String(); got != "krbtgt/CHILD.EXAMPLE.COM" {
		t.Fatalf("referral ticket is for %s", got)
	}
	key, err := cross.RetrieveLongTermCredential(rep.Ticket.EncPart.EType)
	if err != nil {
		t.Fatal(err)
	}
	enc := f.openTicket(t, rep.Ticket, key)
	if enc.CName.String() != "alice" {
		t.Errorf("referral client = %s", enc.CName)
	}
}

func TestTGSRenew(t *testing.T) {
	f := newFixture(t, ServerOptions{})
	tgt, login := f.login(t, "alice", "alice-password")
	if !login.TicketFlags().Has(flags.Renewable) {
		t.Fatal("TGT is not renewable")
	}

	f.now = testNow.Add(9 * time.Hour)
	rep, ke := f.exchange(t, f.tgsReq(t, tgt, login, "alice", messages.TGSName(testRealm), tgsOptions{options: []int{flags.Renew}}))
	if ke != nil {
		t.Fatalf("renew: %s %s", errorcode.Lookup(ke.ErrorCode), ke.EText)
	}
	part := openReply(t, f.reg, rep, login.Key.Key(), keyusage.TGS_REP_ENCPART_SESSION_KEY)
	if !part.StartTime.Equal(f.now) {
		t.Errorf("start = %s, want %s", part.StartTime, f.now)
	}
	if want := f.now.Add(10 * time.Hour); !part.EndTime.Equal(want) {
		t.Errorf("end = %s, want %s", part.EndTime, want)
	}
	if !part.AuthTime.Equal(login.AuthTime) {
		t.Errorf("auth time changed to %s", part.AuthTime)
	}
	krbtgt := f.longTermKey(t, "krbtgt/"+testRealm, rep.Ticket.EncPart.EType)
	enc := f.openTicket(t, rep.Ticket, krbtgt)
	if !enc.EndTime.Equal(part.EndTime) {
		t.Errorf("ticket end %s differs from reply %s", enc.EndTime, part.EndTime)
	}

	_, ke = f.exchange(t, f.tgsReq(t, tgt, login, "alice", messages.TGSName(testRealm), tgsOptions{options: []int{flags.Validate}}))
	expectError(t, ke, errorcode.KDC_ERR_BADOPTION)
}

func TestTGSS4U2Self(t *testing.T) {
	f := newFixture(t, ServerOptions{})
	svcTGT, svcLogin := f.login(t, "HTTP/web.example.com", "web-secret")

	user := messages.Principal{Name: messages.NewPrincipalName(nametype.KRB_NT_PRINCIPAL, "alice"), Realm: testRealm}
	forUser, err := messages.NewPAForUser(f.reg, svcLogin.Key.Key(), user)
	if err != nil {
		t.Fatal(err)
	}
	req := f.tgsReq(t, svcTGT, svcLogin, "HTTP/web.example.com", webService(), tgsOptions{padata: []messages.PAData{forUser}})
	rep, ke := f.exchange(t, req)
	if ke != nil {
		t.Fatalf("S4U2Self: %s %s", errorcode.Lookup(ke.ErrorCode), ke.EText)
	}
	if rep.CName.String() != "alice" {
		t.Errorf("reply client = %s", rep.CName)
	}
	enc := f.openTicket(t, rep.Ticket, f.longTermKey(t, "HTTP/web.example.com", rep.Ticket.EncPart.EType))
	if enc.CName.String() != "alice" {
		t.Errorf("ticket client = %s", enc.CName)
	}
	raw, ok := enc.AuthorizationData.FindPAC()
	if !ok {
		t.Fatal("no PAC for the impersonated user")
	}
	p, err := pac.Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	if li := p.LogonInfo(); li == nil || li.UserID != 1105 {
		t.Errorf("logon info = %+v", li)
	}

	other := f.tgsReq(t, svcTGT, svcLogin, "HTTP/web.example.com", messages.TGSName(testRealm), tgsOptions{padata: []messages.PAData{forUser}})
	_, ke = f.exchange(t, other)
	expectError(t, ke, errorcode.KDC_ERR_BADOPTION)
}

func TestTGSUserToUser(t *testing.T) {
	f := newFixture(t, ServerOptions{})
	bobTGT, bobLogin := f.login(t, "bob", "bob-password")
	tgt, login := f.login(t, "alice", "alice-password")

	bob := messages.NewPrincipalName(nametype.KRB_NT_PRINCIPAL, "bob")
	req := f.tgsReq(t, tgt, login, "alice", bob, tgsOptions{
		options:    []int{flags.EncTktInSkey},
		additional: []messages.Ticket{bobTGT},
	})
	rep, ke := f.exchange(t, req)
	if ke != nil {
		t.Fatalf("U2U: %s %s", errorcode.Lookup(ke.ErrorCode), ke.EText)
	}
	enc := f.openTicket(t, rep.Ticket, bobLogin.Key.Key())
	if enc.CName.String() != "alice" {
		t.Errorf("ticket client = %s", enc.CName)
	}

	carol := messages.NewPrincipalName(nametype.KRB_NT_PRINCIPAL, "carol")
	req = f.tgsReq(t, tgt, login, "alice", carol, tgsOptions{
		options:    []int{flags.EncTktInSkey},
		additional: []messages.Ticket{bobTGT},
	})
	_, ke = f.exchange(t, req)
	expectError(t, ke, errorcode.KRB_AP_ERR_BADMATCH)

	req = f.tgsReq(t, tgt, login, "alice", bob, tgsOptions{options: []int{flags.EncTktInSkey}})
	_, ke = f.exchange(t, req)
	expectError(t, ke, errorcode.KDC_ERR_BADOPTION)
}

func TestProcessMessageUndecodable(t *testing.T) {
	f := newFixture(t, ServerOptions{})
	out, err := f.srv.ProcessMessage(context.Background(), []byte{0xff, 0x83, 0x01})
	if err == nil || out != nil {
		t.Fatalf("garbage got reply %x, err %v", out, err)
	}

	// A well formed message of the wrong kind gets a KRB-ERROR.
	ap, err := messages.NewAPReq(messages.Ticket{TktVNO: 5, Realm: testRealm, SName: messages.TGSName(testRealm)}, messages.EncryptedData{EType: 18, Cipher: []byte{1}}).Marshal()
	if err != nil {
		t.Fatal(err)
	}
	out, err = f.srv.ProcessMessage(context.Background(), ap)
	if err != nil {
		t.Fatal(err)
	}
	_, ke := decodeReply(t, out)
	expectError(t, ke, errorcode.KRB_ERR_GENERIC)
}

func TestDebugErrorText(t *testing.T) {
	f := newFixture(t, ServerOptions{Debug: true})
	_, ke := f.exchange(t, messages.NewASReq(asBody("mallory", messages.TGSName(testRealm))))
	expectError(t, ke, errorcode.KDC_ERR_C_PRINCIPAL_UNKNOWN)
	if !strings.Contains(ke.EText, "mallory") {
		t.Errorf("e-text = %q, want the internal detail", ke.EText)
	}
	if ke.CName.String() != "mallory" || ke.CRealm != testRealm {
		t.Errorf("error names %s@%s", ke.CName, ke.CRealm)
	}
}

type fakeHandler struct{ paType int32 }

func (h fakeHandler) PaType() int32                                             { return h.paType }
func (h fakeHandler) Priority() int                                             { return 1 }
func (h fakeHandler) PreValidate(ctx context.Context, pc *PreAuthContext) error { return nil }
func (h fakeHandler) Validate(ctx context.Context, pc *PreAuthContext, pa messages.PAData) (*messages.PAData, error) {
	return nil, nil
}
func (h fakeHandler) PostValidate(ctx context.Context, pc *PreAuthContext) ([]messages.PAData, error) {
	return nil, nil
}

func TestPreAuthRegistration(t *testing.T) {
	realm := NewMemoryRealm(testRealm, RealmSettings{})
	_, err := NewServer(ServerOptions{
		Realm:   realm,
		PreAuth: map[int32]PreAuthFactory{150: func() PreAuthHandler { return fakeHandler{paType: 151} }},
	})
	if err == nil {
		t.Fatal("mismatched pa-type accepted")
	}
	if _, err := NewServer(ServerOptions{Realm: NewMemoryRealm("", RealmSettings{})}); err == nil {
		t.Fatal("empty realm accepted")
	}

	// Removing PA-ENC-TIMESTAMP leaves no way to pre-authenticate.
	f := newFixture(t, ServerOptions{PreAuth: map[int32]PreAuthFactory{patype.PA_ENC_TIMESTAMP: nil}})
	key := f.passwordKey("alice", "alice-password", etypeID.AES256_CTS_HMAC_SHA1_96)
	ts, err := messages.NewPAEncTimestamp(f.reg, key, 1, f.now)
	if err != nil {
		t.Fatal(err)
	}
	_, ke := f.exchange(t, messages.NewASReq(asBody("alice", messages.TGSName(testRealm)), ts))
	expectError(t, ke, errorcode.KDC_ERR_PREAUTH_REQUIRED)
}

func TestTicketTimes(t *testing.T) {
	s := RealmSettings{MaxRenewLifetime: 24 * time.Hour}.withDefaults()
	body := &messages.KDCReqBody{Till: time.Unix(0, 0)}
	lt, err := ticketTimes(testNow, s, body, messages.NewFlags(flags.RenewableOK), lifetimeBound{})
	if err != nil {
		t.Fatal(err)
	}
	if !lt.end.Equal(testNow.Add(10*time.Hour)) || !lt.renewable || !lt.renewTill.Equal(testNow.Add(24*time.Hour)) {
		t.Errorf("renewable-ok with open till: %+v", lt)
	}

	bound := lifetimeBound{end: testNow.Add(time.Hour), derived: true}
	lt, err = ticketTimes(testNow, s, &messages.KDCReqBody{RTime: testNow.Add(5 * time.Hour)}, messages.NewFlags(flags.Renewable), bound)
	if err != nil {
		t.Fatal(err)
	}
	if !lt.end.Equal(bound.end) || lt.renewable {
		t.Errorf("derived from a non-renewable TGT: %+v", lt)
	}
}
