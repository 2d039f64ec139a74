// Package validate checks decrypted Kerberos messages against the clock,
// the request that produced them and each other.
//
// A Validator is an ordered list of rules, each enabled by one flag. Rules
// run in order and the first failure is returned.
package validate

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jcmturner/gokrb5/v8/iana/errorcode"
	"github.com/jcmturner/gokrb5/v8/iana/flags"

	"github.com/kardianos/gokdc/krb5/messages"
)

// Kind selects the message a Target carries.
type Kind int

const (
	KindTicket Kind = iota
	KindAuthenticator
	KindASRep
	KindTGSRep
	KindAPRep
)

func (k Kind) String() string {
	switch k {
	case KindTicket:
		return "ticket"
	case KindAuthenticator:
		return "authenticator"
	case KindASRep:
		return "as-rep"
	case KindTGSRep:
		return "tgs-rep"
	case KindAPRep:
		return "ap-rep"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Flags enable rules.
type Flags uint32

const (
	ValidateClientPrincipal Flags = 1 << iota
	ValidateStartTime
	ValidateEndTime
	ValidateRenewal
	ValidateRealm
	ValidateSkew
	ValidateNonce
	ValidateReplay

	ValidateAll = ValidateClientPrincipal | ValidateStartTime | ValidateEndTime | ValidateRenewal |
		ValidateRealm | ValidateSkew | ValidateNonce | ValidateReplay
)

// DefaultSkew is the permitted clock difference.
const DefaultSkew = 5 * time.Minute

var (
	ErrMissing           = errors.New("required part missing")
	ErrSkew              = errors.New("clock skew too great")
	ErrNotYetValid       = errors.New("ticket not yet valid")
	ErrExpired           = errors.New("ticket expired")
	ErrNotRenewable      = errors.New("ticket not renewable")
	ErrRealmMismatch     = errors.New("realm mismatch")
	ErrPrincipalMismatch = errors.New("principal mismatch")
	ErrNonceMismatch     = errors.New("nonce mismatch")
	ErrReplay            = errors.New("request is a replay")
)

// ValidationError names the rule that failed.
type ValidationError struct {
	Rule   string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("validate %s: %v", e.Rule, e.Err)
	}
	return fmt.Sprintf("validate %s: %v: %s", e.Rule, e.Err, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Code maps a validation failure to a protocol error code.
func Code(err error) int32 {
	switch {
	case errors.Is(err, ErrSkew):
		return errorcode.KRB_AP_ERR_SKEW
	case errors.Is(err, ErrNotYetValid):
		return errorcode.KRB_AP_ERR_TKT_NYV
	case errors.Is(err, ErrExpired), errors.Is(err, ErrNotRenewable):
		return errorcode.KRB_AP_ERR_TKT_EXPIRED
	case errors.Is(err, ErrRealmMismatch), errors.Is(err, ErrPrincipalMismatch):
		return errorcode.KRB_AP_ERR_BADMATCH
	case errors.Is(err, ErrNonceMismatch):
		return errorcode.KRB_AP_ERR_MODIFIED
	case errors.Is(err, ErrReplay):
		return errorcode.KRB_AP_ERR_REPEAT
	}
	return errorcode.KRB_ERR_GENERIC
}

// Target is the message under validation plus what it is checked
// against. Which fields are needed depends on Kind.
type Target struct {
	Kind Kind

	Ticket        *messages.EncTicketPart
	Authenticator *messages.Authenticator
	Reply         *messages.EncKDCRepPart
	APRep         *messages.EncAPRepPart

	// Request is the request a KDC reply answers, or the TGS request a
	// ticket is presented with.
	Request *messages.KDCReqBody

	// Server is the service the ticket or authenticator was presented to.
	Server messages.Principal

	// Renew is set when the ticket is presented for renewal.
	Renew bool
}

// Context is the per-call state rules see.
type Context struct {
	Now    time.Time
	Skew   time.Duration
	Replay ReplayCache
}

// Rule is one named check.
type Rule struct {
	Name  string
	Flag  Flags
	Check func(*Context, *Target) error
}

// Validator runs Rules enabled by Flags.
type Validator struct {
	Rules  []Rule
	Flags  Flags
	Skew   time.Duration
	Now    func() time.Time
	Replay ReplayCache
}

// Without returns a copy of v with the given rules disabled.
func (v *Validator) Without(f Flags) *Validator {
	c := *v
	c.Flags &^= f
	return &c
}

// Validate runs the enabled rules in order.
func (v *Validator) Validate(t *Target) error {
	c := &Context{Now: time.Now(), Skew: v.Skew, Replay: v.Replay}
	if v.Now != nil {
		c.Now = v.Now()
	}
	if c.Skew == 0 {
		c.Skew = DefaultSkew
	}
	for _, r := range v.Rules {
		if v.Flags&r.Flag == 0 {
			continue
		}
		if err := r.Check(c, t); err != nil {
			var ve *ValidationError
			if errors.As(err, &ve) {
				return err
			}
			return &ValidationError{Rule: r.Name, Err: err}
		}
	}
	return nil
}

func fail(rule string, err error, format string, args ...any) error {
	return &ValidationError{Rule: rule, Err: err, Reason: fmt.Sprintf(format, args...)}
}

// Default returns the standard rule list for kind with every rule enabled.
func Default(kind Kind) *Validator {
	var rules []Rule
	switch kind {
	case KindTicket:
		rules = []Rule{StartTime(), EndTime(), Renewal()}
	case KindAuthenticator:
		rules = []Rule{ClientRealm(), ClientPrincipal(), Skew(), StartTime(), EndTime(), Replay()}
	case KindASRep, KindTGSRep:
		rules = []Rule{Nonce(), ServerRealm(), ReplyEndTime()}
	case KindAPRep:
		rules = []Rule{MutualEcho()}
	}
	return &Validator{Rules: rules, Flags: ValidateAll, Skew: DefaultSkew}
}

func needTicket(rule string, t *Target) error {
	if t.Ticket == nil {
		return fail(rule, ErrMissing, "no ticket")
	}
	return nil
}

func needAuthenticator(rule string, t *Target) error {
	if t.Authenticator == nil {
		return fail(rule, ErrMissing, "no authenticator")
	}
	return needTicket(rule, t)
}

// StartTime rejects tickets whose start time is beyond now plus skew.
func StartTime() Rule {
	return Rule{Name: "start-time", Flag: ValidateStartTime, Check: func(c *Context, t *Target) error {
		if err := needTicket("start-time", t); err != nil {
			return err
		}
		if from := t.Ticket.ValidFrom(); from.After(c.Now.Add(c.Skew)) {
			return fail("start-time", ErrNotYetValid, "starts %s", from.Format(time.RFC3339))
		}
		return nil
	}}
}

// EndTime rejects tickets that ended before now minus skew. Tickets
// presented for renewal are checked by Renewal instead.
func EndTime() Rule {
	return Rule{Name: "end-time", Flag: ValidateEndTime, Check: func(c *Context, t *Target) error {
		if err := needTicket("end-time", t); err != nil {
			return err
		}
		if t.Renew {
			return nil
		}
		if end := t.Ticket.EndTime; end.Before(c.Now.Add(-c.Skew)) {
			return fail("end-time", ErrExpired, "ended %s", end.Format(time.RFC3339))
		}
		return nil
	}}
}

// Renewal checks the renewable flag and renew-till of a ticket presented
// for renewal.
func Renewal() Rule {
	return Rule{Name: "renewal", Flag: ValidateRenewal, Check: func(c *Context, t *Target) error {
		if !t.Renew {
			return nil
		}
		if err := needTicket("renewal", t); err != nil {
			return err
		}
		if !t.Ticket.TicketFlags().Has(flags.Renewable) {
			return fail("renewal", ErrNotRenewable, "")
		}
		if till := t.Ticket.RenewTill; till.Before(c.Now.Add(-c.Skew)) {
			return fail("renewal", ErrExpired, "renewable until %s", till.Format(time.RFC3339))
		}
		return nil
	}}
}

// ClientRealm requires the authenticator realm to match the ticket.
func ClientRealm() Rule {
	return Rule{Name: "client-realm", Flag: ValidateRealm, Check: func(c *Context, t *Target) error {
		if err := needAuthenticator("client-realm", t); err != nil {
			return err
		}
		if !strings.EqualFold(t.Authenticator.CRealm, t.Ticket.CRealm) {
			return fail("client-realm", ErrRealmMismatch, "authenticator %q, ticket %q", t.Authenticator.CRealm, t.Ticket.CRealm)
		}
		return nil
	}}
}

// ClientPrincipal requires the authenticator client to match the ticket.
func ClientPrincipal() Rule {
	return Rule{Name: "client-principal", Flag: ValidateClientPrincipal, Check: func(c *Context, t *Target) error {
		if err := needAuthenticator("client-principal", t); err != nil {
			return err
		}
		if !t.Authenticator.CName.Equal(t.Ticket.CName) {
			return fail("client-principal", ErrPrincipalMismatch, "authenticator %s, ticket %s", t.Authenticator.CName, t.Ticket.CName)
		}
		return nil
	}}
}

// Skew bounds the authenticator timestamp around now.
func Skew() Rule {
	return Rule{Name: "skew", Flag: ValidateSkew, Check: func(c *Context, t *Target) error {
		if t.Authenticator == nil {
			return fail("skew", ErrMissing, "no authenticator")
		}
		d := c.Now.Sub(t.Authenticator.CTime)
		if d < 0 {
			d = -d
		}
		if d > c.Skew {
			return fail("skew", ErrSkew, "authenticator off by %s", d.Round(time.Second))
		}
		return nil
	}}
}

// Replay rejects an authenticator already seen for the same server.
func Replay() Rule {
	return Rule{Name: "replay", Flag: ValidateReplay, Check: func(c *Context, t *Target) error {
		if c.Replay == nil {
			return nil
		}
		a := t.Authenticator
		if a == nil {
			return fail("replay", ErrMissing, "no authenticator")
		}
		key := ReplayKey(a, t.Server)
		if c.Replay.CheckAndAdd(key, a.CTime.Add(2*c.Skew)) {
			return fail("replay", ErrReplay, "%s", a.Client())
		}
		return nil
	}}
}

// Nonce requires a KDC reply to echo the request nonce.
func Nonce() Rule {
	return Rule{Name: "nonce", Flag: ValidateNonce, Check: func(c *Context, t *Target) error {
		if t.Reply == nil || t.Request == nil {
			return fail("nonce", ErrMissing, "no reply or request")
		}
		if t.Reply.Nonce != t.Request.Nonce {
			return fail("nonce", ErrNonceMismatch, "sent %d, got %d", t.Request.Nonce, t.Reply.Nonce)
		}
		return nil
	}}
}

// ServerRealm requires a KDC reply to come from the realm asked.
func ServerRealm() Rule {
	return Rule{Name: "server-realm", Flag: ValidateRealm, Check: func(c *Context, t *Target) error {
		if t.Reply == nil || t.Request == nil {
			return fail("server-realm", ErrMissing, "no reply or request")
		}
		if !strings.EqualFold(t.Reply.SRealm, t.Request.Realm) {
			return fail("server-realm", ErrRealmMismatch, "asked %q, reply from %q", t.Request.Realm, t.Reply.SRealm)
		}
		return nil
	}}
}

// ReplyEndTime rejects replies carrying an already expired ticket.
func ReplyEndTime() Rule {
	return Rule{Name: "reply-end-time", Flag: ValidateEndTime, Check: func(c *Context, t *Target) error {
		if t.Reply == nil {
			return fail("reply-end-time", ErrMissing, "no reply")
		}
		if t.Reply.EndTime.Before(c.Now.Add(-c.Skew)) {
			return fail("reply-end-time", ErrExpired, "ended %s", t.Reply.EndTime.Format(time.RFC3339))
		}
		return nil
	}}
}

// MutualEcho requires an AP-REP to echo the authenticator timestamp.
func MutualEcho() Rule {
	return Rule{Name: "mutual-echo", Flag: ValidateNonce, Check: func(c *Context, t *Target) error {
		if t.APRep == nil || t.Authenticator == nil {
			return fail("mutual-echo", ErrMissing, "no ap-rep or authenticator")
		}
		if !t.APRep.CTime.Equal(t.Authenticator.CTime) || t.APRep.Cusec != t.Authenticator.Cusec {
			return fail("mutual-echo", ErrNonceMismatch, "ap-rep time does not match authenticator")
		}
		return nil
	}}
}
