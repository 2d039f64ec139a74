// Package client obtains Kerberos tickets from a KDC: an initial TGT by
// password, keytab or certificate, then service tickets, following
// cross-realm referrals and caching what it gets.
package client

import (
	"context"
	"crypto/rand"
	"math"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jcmturner/gokrb5/v8/iana/errorcode"
	"github.com/jcmturner/gokrb5/v8/iana/flags"
	"github.com/jcmturner/gokrb5/v8/iana/keyusage"
	"github.com/jcmturner/gokrb5/v8/iana/msgtype"
	"github.com/jcmturner/gokrb5/v8/iana/patype"
	"github.com/pkg/errors"

	"github.com/kardianos/gokdc/krb5/cache"
	"github.com/kardianos/gokdc/krb5/ccache"
	"github.com/kardianos/gokdc/krb5/crypto"
	"github.com/kardianos/gokdc/krb5/messages"
	"github.com/kardianos/gokdc/krb5/validate"
	"github.com/kardianos/gokdc/krblog"
)

// maxReferrals bounds the cross-realm hops followed for one ticket.
const maxReferrals = 10

var (
	ErrNotAuthenticated = errors.New("client: not authenticated")
	ErrTGTExpired       = errors.New("client: TGT expired and cannot be renewed")
)

// ServiceTicket is a ticket with its session key and times.
type ServiceTicket struct {
	Ticket     messages.Ticket
	Client     messages.Principal
	Server     messages.Principal
	SessionKey crypto.Key
	Flags      messages.Flags
	AuthTime   time.Time
	StartTime  time.Time
	EndTime    time.Time
	RenewTill  time.Time

	mu       sync.Mutex
	lastAuth *messages.Authenticator
	subKey   crypto.Key
}

func newServiceTicket(rep *messages.KDCRep, part *messages.EncKDCRepPart) *ServiceTicket {
	st := &ServiceTicket{
		Ticket:     rep.Ticket,
		Client:     messages.Principal{Name: rep.CName, Realm: rep.CRealm},
		Server:     rep.Ticket.Server(),
		SessionKey: part.Key.Key(),
		Flags:      part.TicketFlags(),
		AuthTime:   part.AuthTime,
		StartTime:  part.StartTime,
		EndTime:    part.EndTime,
		RenewTill:  part.RenewTill,
	}
	if st.StartTime.IsZero() {
		st.StartTime = st.AuthTime
	}
	return st
}

func serviceTicketFrom(cred ccache.Credential) (*ServiceTicket, error) {
	var tkt messages.Ticket
	if err := tkt.Unmarshal(cred.Ticket); err != nil {
		return nil, err
	}
	return &ServiceTicket{
		Ticket:     tkt,
		Client:     cred.Client,
		Server:     cred.Server,
		SessionKey: cred.Key.Key(),
		Flags:      cred.TicketFlags(),
		AuthTime:   ccache.Time(cred.AuthTime),
		StartTime:  ccache.Time(cred.StartTime),
		EndTime:    ccache.Time(cred.EndTime),
		RenewTill:  ccache.Time(cred.RenewTill),
	}, nil
}

func (st *ServiceTicket) credential() (ccache.Credential, error) {
	tb, err := st.Ticket.Marshal()
	if err != nil {
		return ccache.Credential{}, err
	}
	ek, err := messages.KeyFromCrypto(st.SessionKey)
	if err != nil {
		return ccache.Credential{}, err
	}
	return ccache.Credential{
		Client:    st.Client,
		Server:    st.Server,
		Key:       ek,
		AuthTime:  ccache.Unix(st.AuthTime),
		StartTime: ccache.Unix(st.StartTime),
		EndTime:   ccache.Unix(st.EndTime),
		RenewTill: ccache.Unix(st.RenewTill),
		Flags:     uint32(st.Flags),
		Ticket:    tb,
	}, nil
}

// AcceptorSubKey returns the subkey from the last verified AP-REP, or a
// zero key.
func (st *ServiceTicket) AcceptorSubKey() crypto.Key {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.subKey
}

// tgsRealm is the realm whose KDC accepts a TGT.
func (st *ServiceTicket) tgsRealm() string {
	if st.Server.Name.IsTGS() {
		return st.Server.Name.NameString[1]
	}
	return st.Server.Realm
}

// Client holds one principal's TGT and the tickets obtained with it. It is
// safe for concurrent use.
type Client struct {
	cfg        Config
	reg        *crypto.Registry
	log        *krblog.Logger
	transports []Transport
	cache      cache.TicketCache
	ownCache   *cache.Memory

	mu        sync.Mutex
	cred      Credential
	tgt       *ServiceTicket
	referrals map[string]*ServiceTicket      // cross-realm TGTs by realm
	hints     map[string]messages.MethodData // pre-auth hints by principal
	tickets   map[string]*ServiceTicket      // by cache key
	offset    time.Duration                  // KDC clock minus local clock
}

// New returns a client for cfg. It does not contact a KDC.
func New(cfg Config) (*Client, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	c := &Client{
		cfg:       cfg,
		reg:       cfg.Registry,
		log:       cfg.Logger.WithField("realm", cfg.Realm),
		referrals: make(map[string]*ServiceTicket),
		hints:     make(map[string]messages.MethodData),
		tickets:   make(map[string]*ServiceTicket),
	}
	loc := &kdcLocator{realm: cfg.Realm, kdcs: cfg.KDCs, conf: cfg.Krb5Conf, log: c.log}
	c.transports = cfg.transports(loc)
	c.cache = cfg.Cache
	if c.cache == nil {
		c.ownCache = cache.NewMemory(context.Background(), cache.MemoryConfig{
			Skew:    cfg.Skew,
			Refresh: c.refresh,
			Now:     cfg.Now,
			Logger:  cfg.Logger,
		})
		c.cache = c.ownCache
	}
	return c, nil
}

// NewFromCCache returns a client using the TGT of the cache's default
// principal.
func NewFromCCache(cfg Config, cc *ccache.CCache) (*Client, error) {
	if cfg.Realm == "" {
		cfg.Realm = cc.DefaultPrincipal.Realm
	}
	c, err := New(cfg)
	if err != nil {
		return nil, err
	}
	p := cc.DefaultPrincipal
	cred, ok := cc.Find(messages.Principal{Name: messages.TGSName(p.Realm), Realm: p.Realm})
	if !ok {
		c.Close()
		return nil, errors.Errorf("client: ccache has no TGT for %s", p)
	}
	tgt, err := serviceTicketFrom(*cred)
	if err != nil {
		c.Close()
		return nil, errors.Wrap(err, "ccache TGT")
	}
	c.tgt = tgt
	if d, ok := cc.KDCOffset(); ok {
		c.offset = d
	}
	return c, nil
}

// Close stops the background renewal of a client-owned cache.
func (c *Client) Close() error {
	if c.ownCache != nil {
		return c.ownCache.Close()
	}
	return nil
}

// Principal returns the authenticated principal.
func (c *Client) Principal() (messages.Principal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tgt == nil {
		return messages.Principal{}, false
	}
	return c.tgt.Client, true
}

func (c *Client) now() time.Time {
	c.mu.Lock()
	d := c.offset
	c.mu.Unlock()
	return c.cfg.Now().Add(d)
}

func newNonce() (int64, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(math.MaxInt32))
	if err != nil {
		return 0, err
	}
	return n.Int64(), nil
}

// send tries each transport in order until one reaches a KDC.
func (c *Client) send(ctx context.Context, realm string, req []byte) ([]byte, error) {
	var errs []error
	for _, t := range c.transports {
		rb, err := t.SendMessage(ctx, realm, req)
		if err == nil {
			return rb, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.log.Debugf(krblog.AreaTransport, "%T to %s: %v", t, realm, err)
		var te *TransportError
		if errors.As(err, &te) {
			errs = append(errs, te.Errors...)
		} else {
			errs = append(errs, err)
		}
	}
	return nil, &TransportError{Realm: realm, Errors: errs}
}

// exchange sends req and decodes the reply. A KRB-ERROR becomes a
// *messages.KerberosError.
func (c *Client) exchange(ctx context.Context, realm string, req *messages.KDCReq) (*messages.KDCRep, error) {
	b, err := req.Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "marshal request")
	}
	rb, err := c.send(ctx, realm, b)
	if err != nil {
		return nil, err
	}
	mt, err := messages.MessageType(rb)
	if err != nil {
		return nil, errors.Wrap(err, "kdc reply")
	}
	if mt == msgtype.KRB_ERROR {
		var ke messages.KRBError
		if err := ke.Unmarshal(rb); err != nil {
			return nil, errors.Wrap(err, "kdc reply")
		}
		return nil, ke.Err()
	}
	var rep messages.KDCRep
	if err := rep.Unmarshal(rb); err != nil {
		return nil, errors.Wrap(err, "kdc reply")
	}
	want := msgtype.KRB_AS_REP
	if req.MsgType == msgtype.KRB_TGS_REQ {
		want = msgtype.KRB_TGS_REP
	}
	if rep.MsgType != want {
		return nil, errors.Errorf("kdc answered with msg-type %d", rep.MsgType)
	}
	return &rep, nil
}

func (c *Client) validateReply(kind validate.Kind, part *messages.EncKDCRepPart, body *messages.KDCReqBody) error {
	v := validate.Default(kind)
	v.Skew = c.cfg.Skew
	v.Now = c.now
	if err := v.Validate(&validate.Target{Kind: kind, Reply: part, Request: body}); err != nil {
		return errors.Wrap(err, "kdc reply")
	}
	return nil
}

// ticketOptions are the KDC options of every request.
func (c *Client) ticketOptions() messages.Flags {
	f := messages.NewFlags(flags.Forwardable)
	if c.cfg.RenewLifetime > 0 {
		f.Set(flags.Renewable)
	}
	return f
}

func (c *Client) cachedHints(p messages.Principal) messages.MethodData {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hints[strings.ToLower(p.String())]
}

func (c *Client) setHints(p messages.Principal, m messages.MethodData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hints[strings.ToLower(p.String())] = m
}

// Authenticate obtains a TGT for cred. The first request carries no
// pre-authentication unless hints for the principal are cached; a
// PREAUTH_REQUIRED reply supplies them. ErrPreAuthRequired is returned
// when the KDC wants a mechanism cred cannot provide.
func (c *Client) Authenticate(ctx context.Context, cred Credential) error {
	p := cred.Principal()
	if p.Realm == "" {
		p.Realm = c.cfg.Realm
	}
	tgt, err := c.asExchange(ctx, cred, p)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.cred = cred
	c.tgt = tgt
	c.referrals = make(map[string]*ServiceTicket)
	c.tickets = make(map[string]*ServiceTicket)
	c.mu.Unlock()
	c.store(ctx, tgt.Server.String(), tgt)
	c.log.Printf(krblog.AreaClient, "authenticated %s, TGT valid until %s", tgt.Client, tgt.EndTime.Format(time.RFC3339))
	return nil
}

func (c *Client) asExchange(ctx context.Context, cred Credential, p messages.Principal) (*ServiceTicket, error) {
	now := c.now()
	nonce, err := newNonce()
	if err != nil {
		return nil, err
	}
	opts := c.ticketOptions()
	body := messages.KDCReqBody{
		KDCOptions: opts.BitString(),
		CName:      p.Name,
		Realm:      p.Realm,
		SName:      messages.TGSName(p.Realm),
		Till:       messages.KerberosTime(now.Add(c.cfg.Lifetime)),
		Nonce:      nonce,
		EType:      c.cfg.ETypes,
	}
	if opts.Has(flags.Renewable) {
		body.RTime = messages.KerberosTime(now.Add(c.cfg.RenewLifetime))
	}
	ex := &ASExchange{Body: &body, Registry: c.reg, Now: now, Hints: c.cachedHints(p)}

	var padata []messages.PAData
	var key crypto.Key
	if len(ex.Hints) > 0 {
		if padata, key, err = cred.PreAuth(ctx, ex); err != nil {
			return nil, errors.Wrapf(err, "pre-authenticate %s", p)
		}
	}
	preauthTries, skewRetried := 0, false
	for {
		rep, err := c.exchange(ctx, p.Realm, messages.NewASReq(body, padata...))
		if err == nil {
			return c.finishAS(ctx, cred, ex, rep, key)
		}
		var ke *messages.KerberosError
		if !errors.As(err, &ke) || ke.Reply == nil {
			return nil, err
		}
		switch ke.Code {
		case errorcode.KDC_ERR_PREAUTH_REQUIRED:
			ex.Hints = ke.Reply.MethodData()
			c.setHints(p, ex.Hints)
			if preauthTries >= 2 {
				return nil, errors.Wrapf(ErrPreAuthRequired, "%s", p)
			}
			preauthTries++
		case errorcode.KRB_AP_ERR_SKEW:
			if skewRetried || len(padata) == 0 {
				return nil, err
			}
			skewRetried = true
			kdcNow := ke.Reply.STime.Add(time.Duration(ke.Reply.Susec) * time.Microsecond)
			c.mu.Lock()
			c.offset = kdcNow.Sub(c.cfg.Now())
			c.mu.Unlock()
			c.log.Printf(krblog.AreaClient, "KDC clock differs by %s, retrying", kdcNow.Sub(c.cfg.Now()).Round(time.Second))
		default:
			return nil, err
		}
		ex.Now = c.now()
		if padata, key, err = cred.PreAuth(ctx, ex); err != nil {
			return nil, errors.Wrapf(err, "pre-authenticate %s", p)
		}
		c.log.Debugf(krblog.AreaClient, "retrying AS-REQ for %s with %d pa-data", p, len(padata))
	}
}

func (c *Client) finishAS(ctx context.Context, cred Credential, ex *ASExchange, rep *messages.KDCRep, key crypto.Key) (*ServiceTicket, error) {
	ex.Reply = rep
	if key.IsZero() || key.EType != rep.EncPart.EType {
		rk, ok := cred.(ReplyKeyer)
		if !ok {
			return nil, errors.Errorf("client: no key for AS-REP etype %d", rep.EncPart.EType)
		}
		var err error
		if key, err = rk.ReplyKey(ctx, ex); err != nil {
			return nil, errors.Wrap(err, "as-rep key")
		}
	}
	pt, err := rep.EncPart.Open(c.reg, key, keyusage.AS_REP_ENCPART)
	if err != nil {
		return nil, errors.Wrap(err, "decrypt AS-REP")
	}
	var part messages.EncKDCRepPart
	if err := part.Unmarshal(pt); err != nil {
		return nil, err
	}
	if err := c.validateReply(validate.KindASRep, &part, ex.Body); err != nil {
		return nil, err
	}
	if !rep.CName.Equal(ex.Body.CName) || !strings.EqualFold(rep.CRealm, ex.Body.Realm) {
		return nil, messages.NewError(errorcode.KRB_AP_ERR_BADMATCH, "AS-REP for %s@%s", rep.CName, rep.CRealm)
	}
	return newServiceTicket(rep, &part), nil
}

type tgsRequest struct {
	sname      messages.PrincipalName
	realm      string
	options    messages.Flags
	padata     []messages.PAData
	additional []messages.Ticket
}

// tgsExchange presents tgt to its KDC. For renewal tgt is the ticket
// being renewed.
func (c *Client) tgsExchange(ctx context.Context, tgt *ServiceTicket, r tgsRequest) (*messages.KDCRep, *messages.EncKDCRepPart, error) {
	now := c.now()
	nonce, err := newNonce()
	if err != nil {
		return nil, nil, err
	}
	body := messages.KDCReqBody{
		KDCOptions:        r.options.BitString(),
		Realm:             r.realm,
		SName:             r.sname,
		Till:              messages.KerberosTime(now.Add(c.cfg.Lifetime)),
		Nonce:             nonce,
		EType:             c.cfg.ETypes,
		AdditionalTickets: r.additional,
	}
	if r.options.Has(flags.Renewable) && c.cfg.RenewLifetime > 0 {
		body.RTime = messages.KerberosTime(now.Add(c.cfg.RenewLifetime))
	}
	bb, err := body.Marshal()
	if err != nil {
		return nil, nil, err
	}
	ct, sum, err := c.reg.Checksum(tgt.SessionKey, keyusage.TGS_REQ_PA_TGS_REQ_AP_REQ_AUTHENTICATOR_CHKSUM, bb)
	if err != nil {
		return nil, nil, errors.Wrap(err, "request checksum")
	}
	auth := messages.NewAuthenticator(tgt.Client, now)
	auth.Cksum = messages.Checksum{CksumType: ct, Checksum: sum}
	ab, err := auth.Marshal()
	if err != nil {
		return nil, nil, err
	}
	ed, err := messages.Seal(c.reg, tgt.SessionKey, keyusage.TGS_REQ_PA_TGS_REQ_AP_REQ_AUTHENTICATOR, 0, ab)
	if err != nil {
		return nil, nil, err
	}
	ap, err := messages.NewAPReq(tgt.Ticket, ed).Marshal()
	if err != nil {
		return nil, nil, err
	}
	pa := append([]messages.PAData{{PADataType: patype.PA_TGS_REQ, PADataValue: ap}}, r.padata...)
	rep, err := c.exchange(ctx, tgt.tgsRealm(), messages.NewTGSReq(body, pa...))
	if err != nil {
		return nil, nil, err
	}
	pt, err := rep.EncPart.Open(c.reg, tgt.SessionKey, keyusage.TGS_REP_ENCPART_SESSION_KEY)
	if err != nil {
		return nil, nil, errors.Wrap(err, "decrypt TGS-REP")
	}
	var part messages.EncKDCRepPart
	if err := part.Unmarshal(pt); err != nil {
		return nil, nil, err
	}
	if err := c.validateReply(validate.KindTGSRep, &part, &body); err != nil {
		return nil, nil, err
	}
	return rep, &part, nil
}

// currentTGT returns a usable TGT, renewing or re-authenticating an
// expired one when possible.
func (c *Client) currentTGT(ctx context.Context) (*ServiceTicket, error) {
	c.mu.Lock()
	tgt, cred := c.tgt, c.cred
	c.mu.Unlock()
	if tgt == nil {
		return nil, ErrNotAuthenticated
	}
	now := c.now()
	if tgt.EndTime.After(now) {
		return tgt, nil
	}
	if tgt.Flags.Has(flags.Renewable) && tgt.RenewTill.After(now) {
		err := c.Renew(ctx)
		if err == nil {
			c.mu.Lock()
			defer c.mu.Unlock()
			return c.tgt, nil
		}
		c.log.Debugf(krblog.AreaClient, "renew expired TGT: %v", err)
	}
	if cred != nil {
		if err := c.Authenticate(ctx, cred); err != nil {
			return nil, err
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.tgt, nil
	}
	return nil, ErrTGTExpired
}

// RequestOption adjusts one GetServiceTicket call.
type RequestOption func(*requestOptions)

type requestOptions struct {
	options    messages.Flags
	noCache    bool
	realm      string
	additional []messages.Ticket
}

// WithKDCOptions adds KDC option bits to the request.
func WithKDCOptions(bits ...int) RequestOption {
	return func(o *requestOptions) {
		for _, b := range bits {
			o.options.Set(b)
		}
	}
}

// WithoutCache skips the ticket cache for lookup and storage.
func WithoutCache() RequestOption {
	return func(o *requestOptions) { o.noCache = true }
}

// WithRealm sets the service realm when the SPN carries none.
func WithRealm(realm string) RequestOption {
	return func(o *requestOptions) { o.realm = strings.ToUpper(realm) }
}

// WithUserToUser requests a ticket encrypted in the session key of the
// server's TGT. Such tickets are not cached.
func WithUserToUser(serverTGT messages.Ticket) RequestOption {
	return func(o *requestOptions) {
		o.options.Set(flags.EncTktInSkey)
		o.additional = []messages.Ticket{serverTGT}
		o.noCache = true
	}
}

// GetServiceTicket returns a ticket for spn ("service/host" or a full
// principal), from the cache when a valid one is held.
func (c *Client) GetServiceTicket(ctx context.Context, spn string, opts ...RequestOption) (*ServiceTicket, error) {
	ro := &requestOptions{options: c.ticketOptions()}
	for _, o := range opts {
		o(ro)
	}
	realm := c.cfg.Realm
	if ro.realm != "" {
		realm = ro.realm
	}
	target, err := messages.ParsePrincipal(spn, realm)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %q", spn)
	}
	tgt, err := c.currentTGT(ctx)
	if err != nil {
		return nil, err
	}
	key, container := target.String(), tgt.Client.String()
	if !ro.noCache {
		cred, ok, err := cache.GetCacheItem[ccache.Credential](ctx, c.cache, key, container)
		switch {
		case err != nil:
			c.log.Debugf(krblog.AreaCache, "lookup %s: %v", key, err)
		case ok:
			if st, err := serviceTicketFrom(cred); err == nil {
				c.log.Tracef(krblog.AreaClient, "ticket for %s from cache", key)
				return st, nil
			}
		}
	}
	st, err := c.requestServiceTicket(ctx, tgt, target, ro)
	if err != nil {
		return nil, err
	}
	if !ro.noCache {
		c.store(ctx, key, st)
	}
	return st, nil
}

// requestServiceTicket asks the TGT's KDC for target and follows
// referrals toward the realm that holds it.
func (c *Client) requestServiceTicket(ctx context.Context, tgt *ServiceTicket, target messages.Principal, ro *requestOptions) (*ServiceTicket, error) {
	realm := target.Realm
	c.mu.Lock()
	if rt, ok := c.referrals[strings.ToUpper(realm)]; ok && rt.EndTime.After(c.cfg.Now().Add(c.offset)) {
		tgt = rt
	}
	c.mu.Unlock()
	seen := map[string]bool{strings.ToUpper(tgt.tgsRealm()): true}
	for hop := 0; ; hop++ {
		rep, part, err := c.tgsExchange(ctx, tgt, tgsRequest{
			sname:      target.Name,
			realm:      realm,
			options:    ro.options,
			additional: ro.additional,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "ticket for %s", target)
		}
		sname := rep.Ticket.SName
		if !sname.IsTGS() || sname.Equal(target.Name) {
			st := newServiceTicket(rep, part)
			c.log.Debugf(krblog.AreaClient, "ticket for %s until %s", st.Server, st.EndTime.Format(time.RFC3339))
			return st, nil
		}
		next := strings.ToUpper(sname.NameString[1])
		if hop >= maxReferrals {
			return nil, errors.Errorf("client: more than %d referrals for %s", maxReferrals, target)
		}
		if seen[next] {
			return nil, errors.Errorf("client: referral loop through %s for %s", next, target)
		}
		seen[next] = true
		tgt = newServiceTicket(rep, part)
		c.mu.Lock()
		c.referrals[next] = tgt
		c.mu.Unlock()
		c.log.Debugf(krblog.AreaClient, "referral for %s to %s", target, next)
		realm = next
	}
}

// store puts st in the cache under key and remembers it for export.
func (c *Client) store(ctx context.Context, key string, st *ServiceTicket) {
	cred, err := st.credential()
	if err != nil {
		c.log.Errorf(krblog.AreaCache, "encode ticket for %s: %v", st.Server, err)
		return
	}
	e := cache.TicketEntry(cred)
	e.Key = key
	if err := c.cache.Add(ctx, e); err != nil {
		c.log.Errorf(krblog.AreaCache, "cache ticket for %s: %v", st.Server, err)
	}
	c.mu.Lock()
	c.tickets[e.CacheKey()] = st
	c.mu.Unlock()
}

// Renew renews the TGT in place.
func (c *Client) Renew(ctx context.Context) error {
	c.mu.Lock()
	tgt := c.tgt
	c.mu.Unlock()
	if tgt == nil {
		return ErrNotAuthenticated
	}
	st, err := c.renew(ctx, tgt)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.tgt == tgt {
		c.tgt = st
	}
	c.mu.Unlock()
	c.store(ctx, st.Server.String(), st)
	c.log.Printf(krblog.AreaClient, "renewed TGT for %s until %s", st.Client, st.EndTime.Format(time.RFC3339))
	return nil
}

func (c *Client) renew(ctx context.Context, st *ServiceTicket) (*ServiceTicket, error) {
	if !st.Flags.Has(flags.Renewable) {
		return nil, errors.Errorf("client: ticket for %s is not renewable", st.Server)
	}
	rep, part, err := c.tgsExchange(ctx, st, tgsRequest{
		sname:   st.Server.Name,
		realm:   st.Server.Realm,
		options: messages.NewFlags(flags.Renew),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "renew %s", st.Server)
	}
	return newServiceTicket(rep, part), nil
}

// S4U2Self obtains a ticket to the client itself on behalf of user. The
// client must be a service the KDC allows to do so.
func (c *Client) S4U2Self(ctx context.Context, user messages.Principal) (*ServiceTicket, error) {
	tgt, err := c.currentTGT(ctx)
	if err != nil {
		return nil, err
	}
	if user.Realm == "" {
		user.Realm = c.cfg.Realm
	}
	pa, err := messages.NewPAForUser(c.reg, tgt.SessionKey, user)
	if err != nil {
		return nil, err
	}
	rep, part, err := c.tgsExchange(ctx, tgt, tgsRequest{
		sname:   tgt.Client.Name,
		realm:   tgt.Client.Realm,
		options: c.ticketOptions(),
		padata:  []messages.PAData{pa},
	})
	if err != nil {
		return nil, errors.Wrapf(err, "S4U2Self for %s", user)
	}
	st := newServiceTicket(rep, part)
	if !st.Client.Equal(user) {
		return nil, errors.Errorf("client: S4U2Self ticket names %s, asked for %s", st.Client, user)
	}
	return st, nil
}

// NewAPReq builds an AP-REQ for st with a fresh subkey, which it returns.
// With mutual set the service must answer with an AP-REP.
func (c *Client) NewAPReq(st *ServiceTicket, mutual bool) ([]byte, crypto.Key, error) {
	sub, err := c.reg.RandomKey(st.SessionKey.EType)
	if err != nil {
		return nil, crypto.Key{}, err
	}
	seq, err := newNonce()
	if err != nil {
		return nil, crypto.Key{}, err
	}
	auth := messages.NewAuthenticator(st.Client, c.now())
	if auth.SubKey, err = messages.KeyFromCrypto(sub); err != nil {
		return nil, crypto.Key{}, err
	}
	auth.SeqNumber = seq
	ab, err := auth.Marshal()
	if err != nil {
		return nil, crypto.Key{}, err
	}
	ed, err := messages.Seal(c.reg, st.SessionKey, keyusage.AP_REQ_AUTHENTICATOR, 0, ab)
	if err != nil {
		return nil, crypto.Key{}, err
	}
	var opts []int
	if mutual {
		opts = append(opts, messages.APOptionMutualRequired)
	}
	b, err := messages.NewAPReq(st.Ticket, ed, opts...).Marshal()
	if err != nil {
		return nil, crypto.Key{}, err
	}
	st.mu.Lock()
	st.lastAuth = &auth
	st.mu.Unlock()
	return b, sub, nil
}

// VerifyAPRep checks that an AP-REP answers the last AP-REQ built for st.
func (c *Client) VerifyAPRep(b []byte, st *ServiceTicket) error {
	var rep messages.APRep
	if err := rep.Unmarshal(b); err != nil {
		return err
	}
	pt, err := rep.EncPart.Open(c.reg, st.SessionKey, keyusage.AP_REP_ENCPART)
	if err != nil {
		return errors.Wrap(err, "decrypt AP-REP")
	}
	var part messages.EncAPRepPart
	if err := part.Unmarshal(pt); err != nil {
		return err
	}
	st.mu.Lock()
	auth := st.lastAuth
	st.mu.Unlock()
	if auth == nil {
		return errors.New("client: AP-REP without an AP-REQ")
	}
	v := validate.Default(validate.KindAPRep)
	if err := v.Validate(&validate.Target{Kind: validate.KindAPRep, APRep: &part, Authenticator: auth}); err != nil {
		return errors.Wrap(err, "AP-REP")
	}
	st.mu.Lock()
	if part.SubKey.KeyType != 0 {
		st.subKey = part.SubKey.Key()
	}
	st.mu.Unlock()
	return nil
}

// ExportCCache returns the TGT and every ticket obtained since
// authenticating as an MIT credential cache.
func (c *Client) ExportCCache() (*ccache.CCache, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tgt == nil {
		return nil, ErrNotAuthenticated
	}
	cc := ccache.New(c.tgt.Client)
	if c.offset != 0 {
		cc.SetKDCOffset(c.offset)
	}
	all := []*ServiceTicket{c.tgt}
	for _, realm := range sortedKeys(c.referrals) {
		all = append(all, c.referrals[realm])
	}
	for _, k := range sortedKeys(c.tickets) {
		if st := c.tickets[k]; st != c.tgt {
			all = append(all, st)
		}
	}
	for _, st := range all {
		cred, err := st.credential()
		if err != nil {
			return nil, errors.Wrapf(err, "export %s", st.Server)
		}
		cc.Add(cred)
	}
	return cc, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// refresh is the memory cache's renewal hook: TGTs are renewed, service
// tickets requested again.
func (c *Client) refresh(ctx context.Context, e cache.Entry) (cache.Entry, error) {
	cred, ok := e.Value.(ccache.Credential)
	if !ok {
		return e, errors.Errorf("client: cannot refresh %T", e.Value)
	}
	old, err := serviceTicketFrom(cred)
	if err != nil {
		return e, err
	}
	var st *ServiceTicket
	if old.Server.Name.IsTGS() {
		if st, err = c.renew(ctx, old); err != nil {
			return e, err
		}
		c.mu.Lock()
		if c.tgt != nil && c.tgt.Server.Equal(st.Server) && c.tgt.Client.Equal(st.Client) {
			c.tgt = st
		}
		c.mu.Unlock()
	} else {
		tgt, err := c.currentTGT(ctx)
		if err != nil {
			return e, err
		}
		if st, err = c.requestServiceTicket(ctx, tgt, old.Server, &requestOptions{options: c.ticketOptions()}); err != nil {
			return e, err
		}
	}
	nc, err := st.credential()
	if err != nil {
		return e, err
	}
	ne := cache.TicketEntry(nc)
	ne.Key, ne.Container = e.Key, e.Container
	c.mu.Lock()
	c.tickets[ne.CacheKey()] = st
	c.mu.Unlock()
	return ne, nil
}
