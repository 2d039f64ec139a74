package kdc

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jcmturner/gokrb5/v8/iana/errorcode"
	"github.com/jcmturner/gokrb5/v8/iana/flags"
	"github.com/jcmturner/gokrb5/v8/iana/keyusage"
	"github.com/jcmturner/gokrb5/v8/iana/msgtype"
	"github.com/jcmturner/gokrb5/v8/iana/patype"

	"github.com/kardianos/gokdc/krb5/crypto"
	"github.com/kardianos/gokdc/krb5/messages"
	"github.com/kardianos/gokdc/krb5/pac"
	"github.com/kardianos/gokdc/krb5/validate"
	"github.com/kardianos/gokdc/krblog"
)

// tgsPipeline trades a TGT for a service ticket.
type tgsPipeline struct {
	s     *Server
	req   messages.KDCReq
	apReq messages.APReq
	auth  messages.Authenticator

	// tgtKey decrypted the presented ticket.
	tgtKey     crypto.Key
	sessionKey crypto.Key
	replyUsage uint32

	// s4uUser is set for S4U2Self.
	s4uUser *messages.Principal

	// u2u is the decrypted additional ticket for ENC-TKT-IN-SKEY.
	u2u *messages.EncTicketPart

	// referral is set when the ticket is a cross-realm TGT.
	referral bool
}

func (t *tgsPipeline) decode(pc *PreAuthContext, b []byte) error {
	if err := t.req.Unmarshal(b); err != nil {
		return messages.NewError(errorcode.KRB_ERR_GENERIC, "%v", err)
	}
	if t.req.MsgType != msgtype.KRB_TGS_REQ {
		return messages.NewError(errorcode.KRB_ERR_GENERIC, "msg-type %d in TGS-REQ", t.req.MsgType)
	}
	pc.Request = &t.req
	pa, ok := t.req.PAData.Find(patype.PA_TGS_REQ)
	if !ok {
		return messages.NewError(errorcode.KDC_ERR_PADATA_TYPE_NOSUPP, "no PA-TGS-REQ")
	}
	if err := t.apReq.Unmarshal(pa.PADataValue); err != nil {
		return messages.NewError(errorcode.KRB_ERR_GENERIC, "%v", err)
	}
	return nil
}

// preValidate decrypts the TGT and its authenticator.
func (t *tgsPipeline) preValidate(ctx context.Context, pc *PreAuthContext) error {
	tkt := &t.apReq.Ticket
	if !tkt.SName.IsTGS() {
		return messages.NewError(errorcode.KRB_AP_ERR_NOT_US, "ticket for %s is not a TGT", tkt.SName)
	}
	tgs, err := pc.Realm.FindPrincipal(ctx, tkt.SName, tkt.Realm)
	if err != nil {
		if errors.Is(err, ErrPrincipalUnknown) {
			return messages.NewError(errorcode.KRB_AP_ERR_NOT_US, "%v", err)
		}
		return err
	}
	t.tgtKey, err = tgs.RetrieveLongTermCredential(tkt.EncPart.EType)
	if err != nil {
		return messages.NewError(errorcode.KRB_AP_ERR_NOKEY, "%v", err)
	}
	pc.ServicePrincipal = tgs
	if pc.Ticket, err = openTicket(pc.Registry, tkt, t.tgtKey); err != nil {
		return err
	}
	t.sessionKey = pc.Ticket.Key.Key()
	b, err := t.apReq.Authenticator.Open(pc.Registry, t.sessionKey, keyusage.TGS_REQ_PA_TGS_REQ_AP_REQ_AUTHENTICATOR)
	if err != nil {
		return messages.NewError(errorcode.KRB_AP_ERR_BAD_INTEGRITY, "decrypt authenticator: %v", err)
	}
	if err := t.auth.Unmarshal(b); err != nil {
		return messages.NewError(errorcode.KRB_AP_ERR_BAD_INTEGRITY, "%v", err)
	}
	t.referral = !strings.EqualFold(tkt.Realm, pc.Realm.Name())
	return nil
}

// queryPreValidate checks the TGT and authenticator. Replay detection is
// left to the caller's transport.
func (t *tgsPipeline) queryPreValidate(ctx context.Context, pc *PreAuthContext) error {
	v := &validate.Validator{
		Rules: []validate.Rule{
			validate.ClientRealm(),
			validate.ClientPrincipal(),
			validate.Skew(),
			validate.StartTime(),
			validate.EndTime(),
			validate.Renewal(),
		},
		Flags: validate.ValidateAll &^ validate.ValidateReplay,
		Skew:  pc.Realm.Settings().withDefaults().Skew,
		Now:   func() time.Time { return pc.Now },
	}
	return v.Validate(&validate.Target{
		Kind:          validate.KindAuthenticator,
		Ticket:        pc.Ticket,
		Authenticator: &t.auth,
		Renew:         t.req.ReqBody.Options().Has(flags.Renew),
	})
}

// executePreAuth binds the authenticator to the request body and handles
// PA-FOR-USER.
func (t *tgsPipeline) executePreAuth(ctx context.Context, pc *PreAuthContext) error {
	if c := t.auth.Cksum; c.CksumType != 0 {
		body, err := t.req.BodyBytes()
		if err != nil {
			return err
		}
		if err := pc.Registry.VerifyChecksum(t.sessionKey, c.CksumType, keyusage.TGS_REQ_PA_TGS_REQ_AP_REQ_AUTHENTICATOR_CHKSUM, body, c.Checksum); err != nil {
			return messages.NewError(errorcode.KRB_AP_ERR_MODIFIED, "request body checksum: %v", err)
		}
	}
	t.replyUsage = keyusage.TGS_REP_ENCPART_SESSION_KEY
	pc.ReplyKey = t.sessionKey
	if t.auth.SubKey.KeyType != 0 {
		t.replyUsage = keyusage.TGS_REP_ENCPART_AUTHENTICATOR_SUB_KEY
		pc.ReplyKey = t.auth.SubKey.Key()
	}
	pc.EType = pc.ReplyKey.EType

	pa, ok := t.req.PAData.Find(patype.PA_FOR_USER)
	if !ok {
		return nil
	}
	fu, err := messages.UnmarshalPAForUser(pa.PADataValue)
	if err != nil {
		return messages.NewError(errorcode.KRB_ERR_GENERIC, "%v", err)
	}
	if err := fu.Verify(pc.Registry, t.sessionKey); err != nil {
		return messages.NewError(errorcode.KRB_AP_ERR_MODIFIED, "pa-for-user checksum: %v", err)
	}
	if !t.req.ReqBody.SName.Equal(pc.Ticket.CName) {
		return messages.NewError(errorcode.KDC_ERR_BADOPTION, "s4u2self ticket must be for the requester %s", pc.Ticket.CName)
	}
	user := fu.User()
	if user.Realm == "" {
		user.Realm = pc.Realm.Name()
	}
	if !strings.EqualFold(user.Realm, pc.Realm.Name()) {
		return messages.NewError(errorcode.KDC_ERR_WRONG_REALM, "user realm %s", user.Realm)
	}
	p, err := pc.Realm.FindPrincipal(ctx, user.Name, pc.Realm.Name())
	if err != nil {
		if errors.Is(err, ErrPrincipalUnknown) {
			return messages.NewError(errorcode.KDC_ERR_C_PRINCIPAL_UNKNOWN, "%v", err)
		}
		return err
	}
	pc.Principal = p
	t.s4uUser = &user
	pc.Logger.Debugf(krblog.AreaKDC, "s4u2self by %s for %s", pc.Ticket.Client(), user)
	return nil
}

// queryPreExecute resolves the target: the additional ticket for
// user-to-user, a local service, or a referral toward another realm.
func (t *tgsPipeline) queryPreExecute(ctx context.Context, pc *PreAuthContext) error {
	body := &t.req.ReqBody
	opts := body.Options()
	if opts.Has(flags.Validate) && !pc.Ticket.TicketFlags().Has(flags.Invalid) {
		return messages.NewError(errorcode.KDC_ERR_BADOPTION, "VALIDATE requires an invalid ticket")
	}
	if opts.Has(flags.Renew) || opts.Has(flags.Validate) {
		return nil
	}
	if opts.Has(flags.EncTktInSkey) {
		return t.userToUser(ctx, pc)
	}

	realm := pc.Realm.Name()
	if strings.EqualFold(body.Realm, realm) {
		p, err := pc.Realm.FindPrincipal(ctx, body.SName, realm)
		if err == nil {
			pc.ServicePrincipal = p
			return nil
		}
		if !errors.Is(err, ErrPrincipalUnknown) {
			return err
		}
	}
	referrals := pc.Realm.TrustedRealms()
	if referrals == nil {
		return messages.NewError(errorcode.KDC_ERR_S_PRINCIPAL_UNKNOWN, "%s@%s", body.SName, body.Realm)
	}
	p, err := referrals.ProposeTransit(body.SName, body.Realm)
	if err != nil {
		return messages.NewError(errorcode.KDC_ERR_S_PRINCIPAL_UNKNOWN, "%s@%s: %v", body.SName, body.Realm, err)
	}
	pc.Logger.Debugf(krblog.AreaKDC, "referral for %s@%s via %s", body.SName, body.Realm, p.Name())
	pc.ServicePrincipal = p
	return nil
}

func (t *tgsPipeline) userToUser(ctx context.Context, pc *PreAuthContext) error {
	body := &t.req.ReqBody
	if len(body.AdditionalTickets) == 0 {
		return messages.NewError(errorcode.KDC_ERR_BADOPTION, "ENC-TKT-IN-SKEY without an additional ticket")
	}
	at := &body.AdditionalTickets[0]
	if !at.SName.IsTGS() || !strings.EqualFold(at.Realm, pc.Realm.Name()) {
		return messages.NewError(errorcode.KDC_ERR_BADOPTION, "additional ticket for %s@%s is not a local TGT", at.SName, at.Realm)
	}
	tgs, err := pc.Realm.FindPrincipal(ctx, at.SName, at.Realm)
	if err != nil {
		return messages.NewError(errorcode.KDC_ERR_BADOPTION, "%v", err)
	}
	key, err := tgs.RetrieveLongTermCredential(at.EncPart.EType)
	if err != nil {
		return messages.NewError(errorcode.KRB_AP_ERR_NOKEY, "%v", err)
	}
	enc, err := openTicket(pc.Registry, at, key)
	if err != nil {
		return err
	}
	if !body.SName.Equal(enc.CName) {
		return messages.NewError(errorcode.KRB_AP_ERR_BADMATCH, "additional ticket belongs to %s, not %s", enc.CName, body.SName)
	}
	t.u2u = enc
	return nil
}

func (t *tgsPipeline) executeCore(ctx context.Context, pc *PreAuthContext) ([]byte, error) {
	body := &t.req.ReqBody
	opts := body.Options()
	if opts.Has(flags.Renew) || opts.Has(flags.Validate) {
		return t.reissue(ctx, pc)
	}
	settings := pc.Realm.Settings().withDefaults()
	tgt := pc.Ticket
	tgtFlags := tgt.TicketFlags()

	var tf messages.Flags
	for _, f := range []int{flags.Forwardable, flags.Proxiable} {
		if opts.Has(f) && tgtFlags.Has(f) {
			tf.Set(f)
		}
	}
	if tgtFlags.Has(flags.PreAuthent) {
		tf.Set(flags.PreAuthent)
	}
	if tgtFlags.Has(flags.Forwarded) || opts.Has(flags.Forwarded) && tgtFlags.Has(flags.Forwardable) {
		tf.Set(flags.Forwarded)
	}
	times, err := ticketTimes(pc.Now, settings, body, opts, lifetimeBound{
		end:       tgt.EndTime,
		renewTill: tgt.RenewTill,
		derived:   true,
		renewable: tgtFlags.Has(flags.Renewable),
	})
	if err != nil {
		return nil, err
	}
	if times.renewable {
		tf.Set(flags.Renewable)
	}

	realm := pc.Realm.Name()
	sname := body.SName
	var serverKey crypto.Key
	var serverKVNO int
	if t.u2u != nil {
		serverKey = t.u2u.Key.Key()
	} else {
		if pc.ServicePrincipal.Type() == PrincipalTGT {
			sname = pc.ServicePrincipal.Name()
		}
		if d, ok := pc.ServicePrincipal.(Delegator); ok && d.OKAsDelegate() {
			tf.Set(flags.OKAsDelegate)
		}
		if serverKey, serverKVNO, err = longTermKey(pc.Registry, pc.ServicePrincipal); err != nil {
			return nil, err
		}
	}

	sessEType, ok := pc.Registry.Preferred(body.EType, pc.Registry.ETypes())
	if !ok {
		return nil, messages.NewError(errorcode.KDC_ERR_ETYPE_NOSUPP, "no session etype in %v", body.EType)
	}
	session, err := pc.Registry.RandomKey(sessEType)
	if err != nil {
		return nil, err
	}
	sessionWire, err := messages.KeyFromCrypto(session)
	if err != nil {
		return nil, err
	}

	enc := messages.EncTicketPart{
		Flags:     tf.BitString(),
		Key:       sessionWire,
		CRealm:    tgt.CRealm,
		CName:     tgt.CName,
		Transited: tgt.Transited,
		AuthTime:  tgt.AuthTime,
		StartTime: messages.KerberosTime(times.start),
		EndTime:   messages.KerberosTime(times.end),
		CAddr:     tgt.CAddr,
	}
	if times.renewable {
		enc.RenewTill = messages.KerberosTime(times.renewTill)
	}
	if t.s4uUser != nil {
		enc.CRealm, enc.CName = t.s4uUser.Realm, t.s4uUser.Name
		enc.AuthTime = messages.KerberosTime(pc.Now)
	}
	if t.referral {
		enc.Transited = addTransited(enc.Transited, t.apReq.Ticket.Realm)
	}
	ad, err := t.pac(ctx, pc, &enc, serverKey)
	if err != nil {
		return nil, err
	}
	enc.AuthorizationData = ad

	tkt, err := sealTicket(pc.Registry, &enc, realm, sname, serverKey, serverKVNO)
	if err != nil {
		return nil, err
	}
	pc.Logger.Debugf(krblog.AreaKDC, "issued %s ticket for %s, etype %d, ends %s", sname, enc.CName, serverKey.EType, times.end.Format(time.RFC3339))
	return t.reply(pc, &enc, tkt)
}

// reissue handles RENEW and VALIDATE: the presented ticket is copied with
// new times under the same key.
func (t *tgsPipeline) reissue(ctx context.Context, pc *PreAuthContext) ([]byte, error) {
	enc := *pc.Ticket
	f := enc.TicketFlags()
	if t.req.ReqBody.Options().Has(flags.Validate) {
		f.Clear(flags.Invalid)
	} else {
		life := enc.EndTime.Sub(enc.ValidFrom())
		end := pc.Now.Add(life)
		if end.After(enc.RenewTill) {
			end = enc.RenewTill
		}
		enc.StartTime = messages.KerberosTime(pc.Now)
		enc.EndTime = messages.KerberosTime(end)
	}
	enc.Flags = f.BitString()
	tkt := t.apReq.Ticket
	tkt, err := sealTicket(pc.Registry, &enc, tkt.Realm, tkt.SName, t.tgtKey, tkt.EncPart.KVNO)
	if err != nil {
		return nil, err
	}
	pc.Logger.Debugf(krblog.AreaKDC, "reissued %s for %s until %s", tkt.SName, enc.CName, enc.EndTime.Format(time.RFC3339))
	return t.reply(pc, &enc, tkt)
}

func (t *tgsPipeline) reply(pc *PreAuthContext, enc *messages.EncTicketPart, tkt messages.Ticket) ([]byte, error) {
	part := messages.EncKDCRepPart{
		Key:       enc.Key,
		LastReqs:  []messages.LastReq{{LRType: 0, LRValue: messages.KerberosTime(pc.Now)}},
		Nonce:     t.req.ReqBody.Nonce,
		Flags:     enc.Flags,
		AuthTime:  enc.AuthTime,
		StartTime: enc.StartTime,
		EndTime:   enc.EndTime,
		RenewTill: enc.RenewTill,
		SRealm:    tkt.Realm,
		SName:     tkt.SName,
		CAddr:     enc.CAddr,
	}
	pt, err := part.Marshal(false)
	if err != nil {
		return nil, err
	}
	ed, err := messages.Seal(pc.Registry, pc.ReplyKey, t.replyUsage, 0, pt)
	if err != nil {
		return nil, err
	}
	rep := messages.KDCRep{
		PVNO:    messages.PVNO,
		MsgType: msgtype.KRB_TGS_REP,
		CRealm:  enc.CRealm,
		CName:   enc.CName,
		Ticket:  tkt,
		EncPart: ed,
	}
	return rep.Marshal()
}

// pac carries the TGT's PAC into the new ticket, or builds one for an
// S4U2Self user, and signs it for the new ticket's server.
func (t *tgsPipeline) pac(ctx context.Context, pc *PreAuthContext, enc *messages.EncTicketPart, serverKey crypto.Key) (messages.AuthorizationData, error) {
	var p *pac.PAC
	if t.s4uUser != nil {
		if pc.Realm.Settings().OmitPAC {
			return nil, nil
		}
		var err error
		if p, err = pc.Principal.GeneratePAC(ctx); err != nil {
			return nil, err
		}
		if p == nil {
			return nil, nil
		}
		p.Set(pac.NewClientInfo(enc.AuthTime, strings.Join(t.s4uUser.Name.NameString, "/")))
	} else {
		raw, ok := pc.Ticket.AuthorizationData.FindPAC()
		if !ok {
			return nil, nil
		}
		var err error
		if p, err = pac.Decode(raw); err != nil {
			return nil, messages.NewError(errorcode.KRB_AP_ERR_MODIFIED, "decode pac: %v", err)
		}
		if err := p.VerifyServerSignature(t.tgtKey, pc.Registry); err != nil {
			return nil, messages.NewError(errorcode.KRB_AP_ERR_MODIFIED, "tgt pac: %v", err)
		}
		if !t.referral {
			kdcKey, err := krbtgtKey(ctx, pc)
			if err != nil {
				return nil, err
			}
			if err := p.VerifyKDCSignature(kdcKey, pc.Registry); err != nil {
				return nil, messages.NewError(errorcode.KRB_AP_ERR_MODIFIED, "tgt pac: %v", err)
			}
		}
	}
	kdcKey, err := krbtgtKey(ctx, pc)
	if err != nil {
		return nil, err
	}
	return signPAC(pc.Registry, p, serverKey, kdcKey)
}

// addTransited appends realm to a domain-X500-compress transited list.
func addTransited(tr messages.TransitedEncoding, realm string) messages.TransitedEncoding {
	const domainX500Compress = 1
	c := string(tr.Contents)
	if c != "" {
		c += ","
	}
	return messages.TransitedEncoding{TRType: domainX500Compress, Contents: []byte(c + realm)}
}
