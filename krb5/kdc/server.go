// Package kdc implements a Kerberos v5 Key Distribution Center: the
// AS and TGS exchanges over a pluggable realm database, network listeners
// for UDP and TCP, and a KDC proxy endpoint for HTTPS.
//
// Server.ProcessMessage is transport independent. It takes one encoded
// request and returns the encoded reply, which is a KRB-ERROR for every
// protocol failure.
package kdc

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/hashicorp/go-uuid"
	"github.com/jcmturner/gokrb5/v8/iana/asnAppTag"
	"github.com/jcmturner/gokrb5/v8/iana/errorcode"
	"github.com/jcmturner/gokrb5/v8/iana/patype"

	"github.com/kardianos/gokdc/krb5/crypto"
	"github.com/kardianos/gokdc/krb5/internal/der"
	"github.com/kardianos/gokdc/krb5/messages"
	"github.com/kardianos/gokdc/krb5/pkinit"
	"github.com/kardianos/gokdc/krb5/validate"
	"github.com/kardianos/gokdc/krblog"
)

// ServerOptions configures a Server.
type ServerOptions struct {
	// Realm is the database and policy of the realm served. Required.
	Realm RealmService

	// Registry holds the supported etypes. Nil uses crypto.DefaultRegistry.
	Registry *crypto.Registry

	// Logger for request tracing. If nil, logs are discarded.
	Logger *krblog.Logger

	// Debug puts internal error detail into the e-text of error replies.
	Debug bool

	// AllowProxy accepts KDC-PROXY-MESSAGE envelopes in ProcessMessage.
	AllowProxy bool

	// PKINIT enables PA-PK-AS-REQ when set.
	PKINIT *pkinit.KDC

	// PreAuth adds or replaces pre-authentication handlers by pa-data
	// type. A nil factory removes a built in handler.
	PreAuth map[int32]PreAuthFactory
}

// Server processes KDC requests. It is safe for concurrent use; all
// per-request state lives in a PreAuthContext.
type Server struct {
	realm      RealmService
	reg        *crypto.Registry
	log        *krblog.Logger
	debug      bool
	allowProxy bool

	// preauth is ordered by descending priority and never modified.
	preauth []PreAuthFactory
}

// NewServer validates opts and builds the handler table.
func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Realm == nil {
		return nil, errors.New("kdc: realm service is required")
	}
	if opts.Realm.Name() == "" {
		return nil, errors.New("kdc: realm name is required")
	}
	reg := opts.Registry
	if reg == nil {
		reg = crypto.DefaultRegistry()
	}

	factories := map[int32]PreAuthFactory{
		patype.PA_ENC_TIMESTAMP: func() PreAuthHandler { return encTimestamp{} },
		patype.PA_PAC_REQUEST:   func() PreAuthHandler { return pacRequest{} },
	}
	if opts.PKINIT != nil {
		pk := *opts.PKINIT
		if pk.Registry == nil {
			pk.Registry = reg
		}
		if pk.Skew == 0 {
			pk.Skew = opts.Realm.Settings().withDefaults().Skew
		}
		if pk.Now == nil {
			pk.Now = opts.Realm.Now
		}
		if pk.Signer == nil {
			return nil, errors.New("kdc: pkinit requires a signer")
		}
		factories[patype.PA_PK_AS_REQ] = func() PreAuthHandler { return &pkinitHandler{kdc: &pk} }
	}
	for t, f := range opts.PreAuth {
		if f == nil {
			delete(factories, t)
			continue
		}
		factories[t] = f
	}

	type ranked struct {
		f        PreAuthFactory
		paType   int32
		priority int
	}
	list := make([]ranked, 0, len(factories))
	for t, f := range factories {
		h := f()
		if h.PaType() != t {
			return nil, fmt.Errorf("kdc: handler registered for pa-type %d reports %d", t, h.PaType())
		}
		list = append(list, ranked{f: f, paType: t, priority: h.Priority()})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].priority != list[j].priority {
			return list[i].priority > list[j].priority
		}
		return list[i].paType < list[j].paType
	})
	s := &Server{
		realm:      opts.Realm,
		reg:        reg,
		log:        opts.Logger,
		debug:      opts.Debug,
		allowProxy: opts.AllowProxy,
	}
	for _, r := range list {
		s.preauth = append(s.preauth, r.f)
	}
	return s, nil
}

// newHandlers builds this request's handler instances.
func (s *Server) newHandlers() []PreAuthHandler {
	hs := make([]PreAuthHandler, len(s.preauth))
	for i, f := range s.preauth {
		hs[i] = f()
	}
	return hs
}

// pipeline is one request kind. Stages run in declaration order; the
// first error ends the request.
type pipeline interface {
	decode(pc *PreAuthContext, b []byte) error
	preValidate(ctx context.Context, pc *PreAuthContext) error
	queryPreValidate(ctx context.Context, pc *PreAuthContext) error
	executePreAuth(ctx context.Context, pc *PreAuthContext) error
	queryPreExecute(ctx context.Context, pc *PreAuthContext) error
	executeCore(ctx context.Context, pc *PreAuthContext) ([]byte, error)
}

// ProcessMessage handles one encoded request. Protocol failures come back
// as an encoded KRB-ERROR with a nil error. A request that is not DER at
// all gets no reply and a non-nil error.
func (s *Server) ProcessMessage(ctx context.Context, req []byte) ([]byte, error) {
	return s.process(ctx, req, s.allowProxy)
}

func (s *Server) process(ctx context.Context, req []byte, allowProxy bool) ([]byte, error) {
	n, _, err := der.Parse(req)
	if err != nil {
		return nil, fmt.Errorf("kdc: undecodable request: %w", err)
	}
	var p pipeline
	kind := "?"
	switch {
	case n.Is(der.ClassApplication, asnAppTag.ASREQ):
		p, kind = &asPipeline{s: s}, "AS-REQ"
	case n.Is(der.ClassApplication, asnAppTag.TGSREQ):
		p, kind = &tgsPipeline{s: s}, "TGS-REQ"
	case allowProxy && n.Is(der.ClassUniversal, der.TagSequence):
		return s.processProxy(ctx, req)
	default:
		s.log.Debugf(krblog.AreaKDC, "unsupported message %s %d", n.Class, n.Tag)
		return s.errorReply(nil, messages.NewError(errorcode.KRB_ERR_GENERIC, "unsupported message %s %d", n.Class, n.Tag))
	}

	id, err := uuid.GenerateUUID()
	if err != nil {
		return nil, fmt.Errorf("kdc: request id: %w", err)
	}
	pc := &PreAuthContext{
		RequestID:  id,
		Now:        s.realm.Now(),
		Realm:      s.realm,
		Registry:   s.reg,
		Logger:     s.log.WithField("request", id),
		IncludePAC: true,
	}
	reply, err := s.run(ctx, p, pc, req)
	if err != nil {
		pc.Failure = err
		return s.errorReply(pc, err)
	}
	pc.Logger.Printf(krblog.AreaKDC, "%s %s for %s succeeded", kind, clientOf(pc), serverOf(pc))
	return reply, nil
}

func (s *Server) run(ctx context.Context, p pipeline, pc *PreAuthContext, req []byte) ([]byte, error) {
	if err := p.decode(pc, req); err != nil {
		return nil, err
	}
	pc.Logger.Debugf(krblog.AreaKDC, "request from %s for %s", clientOf(pc), serverOf(pc))
	stages := []func(context.Context, *PreAuthContext) error{
		p.preValidate,
		p.queryPreValidate,
		p.executePreAuth,
		p.queryPreExecute,
	}
	for _, stage := range stages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := stage(ctx, pc); err != nil {
			return nil, err
		}
	}
	return p.executeCore(ctx, pc)
}

func clientOf(pc *PreAuthContext) string {
	if pc == nil || pc.Request == nil {
		return "?"
	}
	b := pc.Request.ReqBody
	if len(b.CName.NameString) == 0 {
		if pc.Ticket != nil {
			return pc.Ticket.Client().String()
		}
		return "?"
	}
	return messages.Principal{Name: b.CName, Realm: b.Realm}.String()
}

func serverOf(pc *PreAuthContext) string {
	if pc == nil || pc.Request == nil {
		return "?"
	}
	return pc.Request.ReqBody.SName.String()
}

// errorCode picks the protocol code reported for err.
func errorCode(err error) int32 {
	var ke *messages.KerberosError
	var ve *validate.ValidationError
	switch {
	case errors.As(err, &ke):
		return ke.Code
	case errors.As(err, &ve):
		return validate.Code(err)
	case errors.Is(err, crypto.ErrChecksumMismatch):
		return errorcode.KRB_AP_ERR_BAD_INTEGRITY
	case errors.Is(err, ErrPrincipalUnknown):
		return errorcode.KDC_ERR_S_PRINCIPAL_UNKNOWN
	}
	return errorcode.KRB_ERR_GENERIC
}

// errorReply encodes err as a KRB-ERROR. Internal detail goes into e-text
// only in debug mode.
func (s *Server) errorReply(pc *PreAuthContext, err error) ([]byte, error) {
	code := errorCode(err)
	log := s.log
	if pc != nil {
		log = pc.Logger
	}
	if code == errorcode.KDC_ERR_PREAUTH_REQUIRED {
		log.Debugf(krblog.AreaKDC, "%s: %v", clientOf(pc), err)
	} else if pc != nil {
		log.Printf(krblog.AreaKDC, "%s for %s failed: %v", clientOf(pc), serverOf(pc), err)
	}

	var text string
	if s.debug {
		text = err.Error()
	}
	sname := messages.TGSName(s.realm.Name())
	if pc != nil && pc.Request != nil && len(pc.Request.ReqBody.SName.NameString) > 0 {
		sname = pc.Request.ReqBody.SName
	}
	k := messages.NewKRBError(s.realm.Now(), s.realm.Name(), sname, code, text)
	var ke *messages.KerberosError
	if errors.As(err, &ke) {
		k.EData = ke.EData
	}
	if pc != nil && pc.Request != nil && len(pc.Request.ReqBody.CName.NameString) > 0 {
		k.CName = pc.Request.ReqBody.CName
		k.CRealm = pc.Request.ReqBody.Realm
	}
	b, merr := k.Marshal()
	if merr != nil {
		return nil, fmt.Errorf("kdc: encode krb-error: %w", merr)
	}
	return b, nil
}
