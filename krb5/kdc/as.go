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
	"github.com/kardianos/gokdc/krblog"
)

// asPipeline issues initial tickets.
type asPipeline struct {
	s        *Server
	req      messages.KDCReq
	handlers []PreAuthHandler
	hints    []messages.PAData
}

func (a *asPipeline) decode(pc *PreAuthContext, b []byte) error {
	if err := a.req.Unmarshal(b); err != nil {
		return messages.NewError(errorcode.KRB_ERR_GENERIC, "%v", err)
	}
	if a.req.MsgType != msgtype.KRB_AS_REQ {
		return messages.NewError(errorcode.KRB_ERR_GENERIC, "msg-type %d in AS-REQ", a.req.MsgType)
	}
	pc.Request = &a.req
	return nil
}

// preValidate finds the client and server and picks the reply etype.
func (a *asPipeline) preValidate(ctx context.Context, pc *PreAuthContext) error {
	body := &a.req.ReqBody
	if len(body.CName.NameString) == 0 {
		return messages.NewError(errorcode.KDC_ERR_C_PRINCIPAL_UNKNOWN, "no client name")
	}
	if !strings.EqualFold(body.Realm, pc.Realm.Name()) {
		return messages.NewError(errorcode.KDC_ERR_WRONG_REALM, "realm %q is not served here", body.Realm)
	}
	client, err := pc.Realm.FindPrincipal(ctx, body.CName, pc.Realm.Name())
	if err != nil {
		if errors.Is(err, ErrPrincipalUnknown) {
			return messages.NewError(errorcode.KDC_ERR_C_PRINCIPAL_UNKNOWN, "%v", err)
		}
		return err
	}
	server, err := pc.Realm.FindPrincipal(ctx, body.SName, pc.Realm.Name())
	if err != nil {
		if errors.Is(err, ErrPrincipalUnknown) {
			return messages.NewError(errorcode.KDC_ERR_S_PRINCIPAL_UNKNOWN, "%v", err)
		}
		return err
	}
	pc.Principal = client
	pc.ServicePrincipal = server

	have := client.SupportedETypes()
	if len(have) == 0 {
		// Certificate-only principals take any etype the KDC supports.
		have = pc.Registry.ETypes()
	}
	et, ok := pc.Registry.Preferred(body.EType, have)
	if !ok {
		return messages.NewError(errorcode.KDC_ERR_ETYPE_NOSUPP, "no common etype in %v", body.EType)
	}
	pc.EType = et
	return nil
}

func (a *asPipeline) queryPreValidate(ctx context.Context, pc *PreAuthContext) error {
	a.handlers = a.s.newHandlers()
	for _, h := range a.handlers {
		if err := h.PreValidate(ctx, pc); err != nil {
			return err
		}
	}
	return nil
}

// executePreAuth offers each pa-data the request carries to its handler,
// strongest first.
func (a *asPipeline) executePreAuth(ctx context.Context, pc *PreAuthContext) error {
	for _, h := range a.handlers {
		pa, ok := a.req.PAData.Find(h.PaType())
		if !ok {
			continue
		}
		out, err := h.Validate(ctx, pc, pa)
		if err != nil {
			return err
		}
		if out != nil {
			pc.PaData = append(pc.PaData, *out)
		}
	}
	return nil
}

// queryPreExecute collects hints and decides whether pre-authentication is
// still required.
func (a *asPipeline) queryPreExecute(ctx context.Context, pc *PreAuthContext) error {
	for _, h := range a.handlers {
		pa, err := h.PostValidate(ctx, pc)
		if err != nil {
			return err
		}
		a.hints = append(a.hints, pa...)
	}
	if !pc.PreAuthenticated && pc.Principal.PreAuthRequired() {
		md, err := messages.MethodData(a.hints).Marshal()
		if err != nil {
			return err
		}
		e := messages.NewError(errorcode.KDC_ERR_PREAUTH_REQUIRED, "pre-authentication required")
		e.EData = md
		return e
	}
	if !pc.PreAuthenticated {
		key, err := pc.Principal.RetrieveLongTermCredential(pc.EType)
		if err != nil {
			return messages.NewError(errorcode.KDC_ERR_ETYPE_NOSUPP, "%v", err)
		}
		pc.ReplyKey = key
	}
	for _, h := range a.hints {
		if pc.PreAuthenticated || h.PADataType == patype.PA_ETYPE_INFO2 {
			pc.PaData = append(pc.PaData, h)
		}
	}
	return nil
}

func (a *asPipeline) executeCore(ctx context.Context, pc *PreAuthContext) ([]byte, error) {
	body := &a.req.ReqBody
	opts := body.Options()
	settings := pc.Realm.Settings().withDefaults()

	var tf messages.Flags
	tf.Set(flags.Initial)
	if pc.PreAuthenticated {
		tf.Set(flags.PreAuthent)
	}
	if opts.Has(flags.Forwardable) {
		tf.Set(flags.Forwardable)
	}
	if opts.Has(flags.Proxiable) {
		tf.Set(flags.Proxiable)
	}
	times, err := ticketTimes(pc.Now, settings, body, opts, lifetimeBound{})
	if err != nil {
		return nil, err
	}
	if times.renewable {
		tf.Set(flags.Renewable)
	}

	serverKey, serverKVNO, err := longTermKey(pc.Registry, pc.ServicePrincipal)
	if err != nil {
		return nil, err
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

	realm := pc.Realm.Name()
	enc := messages.EncTicketPart{
		Flags:     tf.BitString(),
		Key:       sessionWire,
		CRealm:    realm,
		CName:     body.CName,
		AuthTime:  messages.KerberosTime(pc.Now),
		StartTime: messages.KerberosTime(times.start),
		EndTime:   messages.KerberosTime(times.end),
		CAddr:     body.Addresses,
	}
	if times.renewable {
		enc.RenewTill = messages.KerberosTime(times.renewTill)
	}
	if pc.IncludePAC && (pc.PACRequested || !settings.OmitPAC) {
		ad, err := a.pac(ctx, pc, serverKey)
		if err != nil {
			return nil, err
		}
		enc.AuthorizationData = ad
	}

	tkt, err := sealTicket(pc.Registry, &enc, realm, body.SName, serverKey, serverKVNO)
	if err != nil {
		return nil, err
	}
	part := messages.EncKDCRepPart{
		Key:       sessionWire,
		LastReqs:  []messages.LastReq{{LRType: 0, LRValue: messages.KerberosTime(pc.Now)}},
		Nonce:     body.Nonce,
		Flags:     enc.Flags,
		AuthTime:  enc.AuthTime,
		StartTime: enc.StartTime,
		EndTime:   enc.EndTime,
		RenewTill: enc.RenewTill,
		SRealm:    realm,
		SName:     body.SName,
		CAddr:     body.Addresses,
	}
	pt, err := part.Marshal(true)
	if err != nil {
		return nil, err
	}
	ed, err := messages.Seal(pc.Registry, pc.ReplyKey, keyusage.AS_REP_ENCPART, replyKVNO(pc), pt)
	if err != nil {
		return nil, err
	}
	rep := messages.KDCRep{
		PVNO:    messages.PVNO,
		MsgType: msgtype.KRB_AS_REP,
		PAData:  pc.PaData,
		CRealm:  realm,
		CName:   body.CName,
		Ticket:  tkt,
		EncPart: ed,
	}
	pc.Logger.Debugf(krblog.AreaKDC, "issued %s ticket for %s, etype %d, ends %s", body.SName, clientOf(pc), serverKey.EType, times.end.Format(time.RFC3339))
	return rep.Marshal()
}

// pac generates the client's PAC and signs it for the ticket's server.
func (a *asPipeline) pac(ctx context.Context, pc *PreAuthContext, serverKey crypto.Key) (messages.AuthorizationData, error) {
	p, err := pc.Principal.GeneratePAC(ctx)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, nil
	}
	p.Set(pac.NewClientInfo(messages.KerberosTime(pc.Now), strings.Join(pc.Principal.Name().NameString, "/")))
	kdcKey, err := krbtgtKey(ctx, pc)
	if err != nil {
		return nil, err
	}
	return signPAC(pc.Registry, p, serverKey, kdcKey)
}

// replyKVNO is the key version of the reply key, or 0 when it is not a
// long-term key.
func replyKVNO(pc *PreAuthContext) int {
	if pc.PreAuthType == patype.PA_PK_AS_REQ {
		return 0
	}
	return keyVersion(pc.Principal, pc.ReplyKey.EType)
}
