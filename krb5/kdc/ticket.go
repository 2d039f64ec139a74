package kdc

import (
	"context"
	"time"

	"github.com/jcmturner/gokrb5/v8/iana/errorcode"
	"github.com/jcmturner/gokrb5/v8/iana/flags"
	"github.com/jcmturner/gokrb5/v8/iana/keyusage"

	"github.com/kardianos/gokdc/krb5/crypto"
	"github.com/kardianos/gokdc/krb5/messages"
	"github.com/kardianos/gokdc/krb5/pac"
)

// lifetimeBound limits a derived ticket to its TGT. The zero value means
// no bound.
type lifetimeBound struct {
	end       time.Time
	renewTill time.Time
	derived   bool
	renewable bool
}

type ticketLifetime struct {
	start     time.Time
	end       time.Time
	renewTill time.Time
	renewable bool
}

// unbounded reports whether a requested time asks for the maximum. Clients
// send 19700101000000Z for that.
func unbounded(t time.Time) bool {
	return t.IsZero() || t.Unix() <= 0
}

// ticketTimes clamps the requested lifetime to the realm settings and the
// bound.
func ticketTimes(now time.Time, s RealmSettings, body *messages.KDCReqBody, opts messages.Flags, b lifetimeBound) (ticketLifetime, error) {
	if opts.Has(flags.AllowPostDate) || opts.Has(flags.PostDated) {
		return ticketLifetime{}, messages.NewError(errorcode.KDC_ERR_CANNOT_POSTDATE, "postdated tickets are not issued")
	}
	lt := ticketLifetime{start: now, end: now.Add(s.MaxTicketLifetime)}
	if !unbounded(body.Till) && body.Till.Before(lt.end) {
		lt.end = body.Till
	}
	if !b.end.IsZero() && lt.end.After(b.end) {
		lt.end = b.end
	}
	if !lt.end.After(lt.start) {
		return ticketLifetime{}, messages.NewError(errorcode.KDC_ERR_NEVER_VALID, "ticket would end at %s", lt.end.Format(time.RFC3339))
	}

	renew := opts.Has(flags.Renewable)
	renewOK := opts.Has(flags.RenewableOK) && (unbounded(body.Till) || body.Till.After(lt.end))
	if !renew && !renewOK || s.MaxRenewLifetime <= 0 || b.derived && !b.renewable {
		return lt, nil
	}
	limit := now.Add(s.MaxRenewLifetime)
	rt := body.RTime
	if !renew {
		rt = body.Till
	}
	if unbounded(rt) || rt.After(limit) {
		rt = limit
	}
	if !b.renewTill.IsZero() && rt.After(b.renewTill) {
		rt = b.renewTill
	}
	if rt.Before(lt.end) {
		rt = lt.end
	}
	lt.renewTill, lt.renewable = rt, true
	return lt, nil
}

// longTermKey returns p's strongest key the registry supports.
func longTermKey(reg *crypto.Registry, p Principal) (crypto.Key, int, error) {
	ets := reg.SortByPreference(p.SupportedETypes())
	if len(ets) == 0 {
		return crypto.Key{}, 0, messages.NewError(errorcode.KDC_ERR_ETYPE_NOSUPP, "%s has no usable key", p.Name())
	}
	k, err := p.RetrieveLongTermCredential(ets[0])
	if err != nil {
		return crypto.Key{}, 0, err
	}
	return k, keyVersion(p, ets[0]), nil
}

// krbtgtKey returns the local krbtgt key, which signs the KDC signature of
// every PAC.
func krbtgtKey(ctx context.Context, pc *PreAuthContext) (crypto.Key, error) {
	realm := pc.Realm.Name()
	tgt, err := pc.Realm.FindPrincipal(ctx, messages.TGSName(realm), realm)
	if err != nil {
		return crypto.Key{}, messages.NewError(errorcode.KDC_ERR_S_PRINCIPAL_UNKNOWN, "krbtgt: %v", err)
	}
	k, _, err := longTermKey(pc.Registry, tgt)
	return k, err
}

func signPAC(reg *crypto.Registry, p *pac.PAC, serverKey, kdcKey crypto.Key) (messages.AuthorizationData, error) {
	b, err := p.Sign(serverKey, kdcKey, reg)
	if err != nil {
		return nil, err
	}
	return messages.WrapPAC(b)
}

func sealTicket(reg *crypto.Registry, enc *messages.EncTicketPart, realm string, sname messages.PrincipalName, key crypto.Key, kvno int) (messages.Ticket, error) {
	b, err := enc.Marshal()
	if err != nil {
		return messages.Ticket{}, err
	}
	ed, err := messages.Seal(reg, key, keyusage.KDC_REP_TICKET, kvno, b)
	if err != nil {
		return messages.Ticket{}, err
	}
	return messages.Ticket{TktVNO: messages.PVNO, Realm: realm, SName: sname, EncPart: ed}, nil
}

func openTicket(reg *crypto.Registry, tkt *messages.Ticket, key crypto.Key) (*messages.EncTicketPart, error) {
	b, err := tkt.EncPart.Open(reg, key, keyusage.KDC_REP_TICKET)
	if err != nil {
		return nil, messages.NewError(errorcode.KRB_AP_ERR_BAD_INTEGRITY, "decrypt ticket for %s: %v", tkt.SName, err)
	}
	var enc messages.EncTicketPart
	if err := enc.Unmarshal(b); err != nil {
		return nil, messages.NewError(errorcode.KRB_AP_ERR_BAD_INTEGRITY, "%v", err)
	}
	return &enc, nil
}
