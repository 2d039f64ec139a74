// Package service accepts Kerberos AP-REQs on behalf of a service whose
// keys are held in a keytab. It also speaks the SPNEGO framing used by
// HTTP Negotiate and SMB.
package service

import (
	"context"
	"encoding/asn1"
	"strings"
	"time"

	"github.com/jcmturner/gokrb5/v8/iana/errorcode"
	"github.com/jcmturner/gokrb5/v8/iana/flags"
	"github.com/jcmturner/gokrb5/v8/iana/keyusage"
	"github.com/jcmturner/gokrb5/v8/iana/msgtype"
	"github.com/pkg/errors"

	"github.com/kardianos/gokdc/krb5/crypto"
	"github.com/kardianos/gokdc/krb5/keytab"
	"github.com/kardianos/gokdc/krb5/messages"
	"github.com/kardianos/gokdc/krb5/pac"
	"github.com/kardianos/gokdc/krb5/validate"
	"github.com/kardianos/gokdc/krblog"
)

// Config configures an Acceptor.
type Config struct {
	// Keytab holds the service keys. Required.
	Keytab *keytab.Keytab

	// Principal restricts the tickets accepted to one service, as
	// "service/host@REALM". Empty accepts any principal in Keytab.
	Principal string

	Registry *crypto.Registry

	// Validator checks the ticket and authenticator. Nil uses the
	// authenticator defaults.
	Validator *validate.Validator

	// Replay remembers authenticators. Nil uses an in-memory cache.
	Replay validate.ReplayCache

	Logger *krblog.Logger

	// RequirePAC rejects tickets without a PAC.
	RequirePAC bool

	// PACKDCKey, when set, also checks the PAC KDC signature. Only
	// services sharing the krbtgt key can do so.
	PACKDCKey crypto.Key
}

// Acceptor validates AP-REQs. It is safe for concurrent use.
type Acceptor struct {
	cfg       Config
	reg       *crypto.Registry
	log       *krblog.Logger
	validator *validate.Validator
	principal *messages.Principal
}

// Result is an accepted client.
type Result struct {
	Client messages.Principal
	Server messages.Principal

	// SessionKey is the authenticator subkey when the client sent one,
	// else the ticket session key.
	SessionKey crypto.Key
	TicketKey  crypto.Key

	// APRep is set when the client asked for mutual authentication.
	APRep []byte

	// PAC is nil when the ticket carries none.
	PAC *pac.PAC

	Flags     messages.Flags
	AuthTime  time.Time
	StartTime time.Time
	EndTime   time.Time
	RenewTill time.Time
	SeqNumber int64
}

// NewAcceptor checks cfg and returns an Acceptor.
func NewAcceptor(cfg Config) (*Acceptor, error) {
	if cfg.Keytab == nil {
		return nil, errors.New("service: keytab is required")
	}
	a := &Acceptor{cfg: cfg, reg: cfg.Registry, log: cfg.Logger, validator: cfg.Validator}
	if a.reg == nil {
		a.reg = crypto.DefaultRegistry()
	}
	if cfg.Principal != "" {
		p, err := messages.ParsePrincipal(cfg.Principal, "")
		if err != nil {
			return nil, errors.Wrapf(err, "service principal %q", cfg.Principal)
		}
		if len(cfg.Keytab.ETypes(p.Name, p.Realm)) == 0 {
			return nil, errors.Errorf("service: keytab has no keys for %s", p)
		}
		a.principal = &p
	}
	if a.validator == nil {
		a.validator = validate.Default(validate.KindAuthenticator)
	}
	if a.validator.Replay == nil {
		v := *a.validator
		v.Replay = cfg.Replay
		if v.Replay == nil {
			v.Replay = validate.NewMemoryReplay()
		}
		a.validator = &v
	}
	return a, nil
}

// ValidateAPReq decrypts and checks an AP-REQ. Failures are
// *messages.KerberosError values carrying the code to report.
func (a *Acceptor) ValidateAPReq(ctx context.Context, b []byte) (*Result, error) {
	var req messages.APReq
	if err := req.Unmarshal(b); err != nil {
		return nil, messages.NewError(errorcode.KRB_AP_ERR_MSG_TYPE, "%v", err)
	}
	tkt := &req.Ticket
	server := tkt.Server()
	if a.principal != nil && !(a.principal.Name.Equal(server.Name) && strings.EqualFold(a.principal.Realm, server.Realm)) {
		return nil, messages.NewError(errorcode.KRB_AP_ERR_NOT_US, "ticket for %s", server)
	}
	if req.Options().Has(messages.APOptionUseSessionKey) {
		return nil, messages.NewError(errorcode.KRB_AP_ERR_METHOD, "user-to-user tickets need the server TGT")
	}
	ek, _, err := a.cfg.Keytab.GetKey(tkt.SName, tkt.Realm, uint32(tkt.EncPart.KVNO), tkt.EncPart.EType)
	if err != nil {
		if tkt.EncPart.KVNO != 0 && len(a.cfg.Keytab.ETypes(tkt.SName, tkt.Realm)) > 0 {
			return nil, messages.NewError(errorcode.KRB_AP_ERR_BADKEYVER, "%v", err)
		}
		return nil, messages.NewError(errorcode.KRB_AP_ERR_NOKEY, "%v", err)
	}
	serviceKey := ek.Key()
	pt, err := tkt.EncPart.Open(a.reg, serviceKey, keyusage.KDC_REP_TICKET)
	if err != nil {
		return nil, messages.NewError(errorcode.KRB_AP_ERR_BAD_INTEGRITY, "decrypt ticket: %v", err)
	}
	var enc messages.EncTicketPart
	if err := enc.Unmarshal(pt); err != nil {
		return nil, messages.NewError(errorcode.KRB_AP_ERR_BAD_INTEGRITY, "%v", err)
	}
	sessionKey := enc.Key.Key()
	ab, err := req.Authenticator.Open(a.reg, sessionKey, keyusage.AP_REQ_AUTHENTICATOR)
	if err != nil {
		return nil, messages.NewError(errorcode.KRB_AP_ERR_BAD_INTEGRITY, "decrypt authenticator: %v", err)
	}
	var auth messages.Authenticator
	if err := auth.Unmarshal(ab); err != nil {
		return nil, messages.NewError(errorcode.KRB_AP_ERR_BAD_INTEGRITY, "%v", err)
	}
	if err := a.validator.Validate(&validate.Target{
		Kind:          validate.KindAuthenticator,
		Ticket:        &enc,
		Authenticator: &auth,
		Server:        server,
	}); err != nil {
		a.log.Debugf(krblog.AreaService, "reject %s for %s: %v", enc.Client(), server, err)
		return nil, messages.NewError(validate.Code(err), "%v", err)
	}
	if enc.TicketFlags().Has(flags.Invalid) {
		return nil, messages.NewError(errorcode.KRB_AP_ERR_TKT_NYV, "ticket is marked invalid")
	}

	res := &Result{
		Client:     enc.Client(),
		Server:     server,
		SessionKey: sessionKey,
		TicketKey:  sessionKey,
		Flags:      enc.TicketFlags(),
		AuthTime:   enc.AuthTime,
		StartTime:  enc.ValidFrom(),
		EndTime:    enc.EndTime,
		RenewTill:  enc.RenewTill,
		SeqNumber:  auth.SeqNumber,
	}
	if auth.SubKey.KeyType != 0 && len(auth.SubKey.KeyValue) > 0 {
		res.SessionKey = auth.SubKey.Key()
	}
	if res.PAC, err = a.pac(&enc, serviceKey); err != nil {
		return nil, err
	}
	if req.Options().Has(messages.APOptionMutualRequired) {
		if res.APRep, err = a.apRep(&auth, sessionKey); err != nil {
			return nil, errors.Wrap(err, "build AP-REP")
		}
	}
	a.log.Printf(krblog.AreaService, "accepted %s for %s", res.Client, server)
	return res, nil
}

func (a *Acceptor) pac(enc *messages.EncTicketPart, serviceKey crypto.Key) (*pac.PAC, error) {
	raw, ok := enc.AuthorizationData.FindPAC()
	if !ok {
		if a.cfg.RequirePAC {
			return nil, messages.NewError(errorcode.KRB_AP_ERR_MODIFIED, "ticket has no PAC")
		}
		return nil, nil
	}
	p, err := pac.Decode(raw)
	if err != nil {
		return nil, messages.NewError(errorcode.KRB_AP_ERR_MODIFIED, "decode PAC: %v", err)
	}
	if err := p.VerifyServerSignature(serviceKey, a.reg); err != nil {
		return nil, messages.NewError(errorcode.KRB_AP_ERR_MODIFIED, "PAC: %v", err)
	}
	if !a.cfg.PACKDCKey.IsZero() {
		if err := p.VerifyKDCSignature(a.cfg.PACKDCKey, a.reg); err != nil {
			return nil, messages.NewError(errorcode.KRB_AP_ERR_MODIFIED, "PAC: %v", err)
		}
	}
	if ci := p.ClientInfo(); ci != nil && !strings.EqualFold(ci.Name, enc.CName.String()) {
		a.log.Debugf(krblog.AreaPAC, "PAC client %q differs from ticket client %s", ci.Name, enc.CName)
	}
	return p, nil
}

// apRep echoes the authenticator time under the ticket session key.
func (a *Acceptor) apRep(auth *messages.Authenticator, sessionKey crypto.Key) ([]byte, error) {
	part := messages.EncAPRepPart{
		CTime:     auth.CTime,
		Cusec:     auth.Cusec,
		SeqNumber: auth.SeqNumber,
	}
	pb, err := part.Marshal()
	if err != nil {
		return nil, err
	}
	ed, err := messages.Seal(a.reg, sessionKey, keyusage.AP_REP_ENCPART, 0, pb)
	if err != nil {
		return nil, err
	}
	rep := messages.APRep{PVNO: messages.PVNO, MsgType: msgtype.KRB_AP_REP, EncPart: ed}
	return rep.Marshal()
}

// AcceptSPNEGO accepts a SPNEGO NegTokenInit, or a bare Kerberos GSS
// token, and returns the token to send back. On a rejected AP-REQ the
// returned token is a NegTokenResp with the reject state, alongside the
// error.
func (a *Acceptor) AcceptSPNEGO(ctx context.Context, token []byte) (*Result, []byte, error) {
	oid, body, err := parseInitialToken(token)
	if err != nil {
		return nil, nil, err
	}
	if isKerberos(oid) {
		apReq, err := unwrapKerberosToken(token, tokenAPReq)
		if err != nil {
			return nil, nil, err
		}
		res, err := a.ValidateAPReq(ctx, apReq)
		if err != nil {
			return nil, nil, err
		}
		var out []byte
		if len(res.APRep) > 0 {
			if out, err = wrapKerberosToken(oidKerberos5, tokenAPRep, res.APRep); err != nil {
				return nil, nil, err
			}
		}
		return res, out, nil
	}
	if !oid.Equal(oidSPNEGO) {
		return nil, nil, errors.Wrapf(ErrUnsupportedMech, "mechanism %v", oid)
	}
	mechs, mechToken, err := parseNegTokenInit(body)
	if err != nil {
		return nil, nil, err
	}
	var mech asn1.ObjectIdentifier
	for _, m := range mechs {
		if isKerberos(m) {
			mech = m
			break
		}
	}
	if mech == nil {
		reject, _ := negTokenResp(NegReject, nil, nil)
		return nil, reject, ErrUnsupportedMech
	}
	if len(mechToken) == 0 {
		return nil, nil, errors.Wrap(ErrSPNEGODecode, "no mechToken in negTokenInit")
	}
	apReq, err := unwrapKerberosToken(mechToken, tokenAPReq)
	if err != nil {
		return nil, nil, err
	}
	res, err := a.ValidateAPReq(ctx, apReq)
	if err != nil {
		reject, _ := negTokenResp(NegReject, nil, nil)
		return nil, reject, err
	}
	out, err := negTokenResp(NegAcceptCompleted, mech, res.APRep)
	if err != nil {
		return nil, nil, err
	}
	return res, out, nil
}
