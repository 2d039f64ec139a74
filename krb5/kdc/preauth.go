package kdc

import (
	"bytes"
	"context"
	"crypto/x509"
	"time"

	"github.com/jcmturner/gokrb5/v8/iana/errorcode"
	"github.com/jcmturner/gokrb5/v8/iana/patype"

	"github.com/kardianos/gokdc/krb5/crypto"
	"github.com/kardianos/gokdc/krb5/messages"
	"github.com/kardianos/gokdc/krb5/pkinit"
	"github.com/kardianos/gokdc/krblog"
)

// PreAuthContext carries the state of one request through the pipeline.
// It is created per request and never shared.
type PreAuthContext struct {
	RequestID string
	Request   *messages.KDCReq
	Now       time.Time
	Realm     RealmService
	Registry  *crypto.Registry
	Logger    *krblog.Logger

	// Principal is the client, ServicePrincipal the ticket's server.
	Principal        Principal
	ServicePrincipal Principal

	// EType is the reply etype; ReplyKey encrypts the reply.
	EType    int32
	ReplyKey crypto.Key

	PreAuthenticated bool
	PreAuthType      int32
	Certificate      *x509.Certificate
	IncludePAC       bool
	// PACRequested is set when the client sent PA-PAC-REQUEST.
	PACRequested bool

	// PaData is returned in the reply.
	PaData []messages.PAData

	// Ticket is the decrypted TGT of a TGS request.
	Ticket *messages.EncTicketPart

	// Failure is the error that ended the request, if any.
	Failure error
}

// PreAuthHandler processes one pre-authentication type. Handlers with a
// higher priority validate first; an authenticating handler that finds the
// request already authenticated does nothing.
type PreAuthHandler interface {
	PaType() int32
	Priority() int

	// PreValidate runs for every request before any pa-data is checked.
	PreValidate(ctx context.Context, pc *PreAuthContext) error

	// Validate checks the handler's pa-data and may set the reply key. The
	// returned pa-data, if any, goes into the reply.
	Validate(ctx context.Context, pc *PreAuthContext, pa messages.PAData) (*messages.PAData, error)

	// PostValidate returns hints: method-data when pre-authentication is
	// still required, reply pa-data otherwise.
	PostValidate(ctx context.Context, pc *PreAuthContext) ([]messages.PAData, error)
}

// PreAuthFactory builds a fresh handler for one request.
type PreAuthFactory func() PreAuthHandler

// encTimestamp is PA-ENC-TIMESTAMP.
type encTimestamp struct{}

func (encTimestamp) PaType() int32 { return patype.PA_ENC_TIMESTAMP }
func (encTimestamp) Priority() int { return 10 }

func (encTimestamp) PreValidate(ctx context.Context, pc *PreAuthContext) error { return nil }

func (encTimestamp) Validate(ctx context.Context, pc *PreAuthContext, pa messages.PAData) (*messages.PAData, error) {
	if pc.PreAuthenticated {
		return nil, nil
	}
	ed, err := messages.DecodeEncryptedData(pa.PADataValue)
	if err != nil {
		return nil, messages.NewError(errorcode.KDC_ERR_PREAUTH_FAILED, "decode timestamp: %v", err)
	}
	key, err := pc.Principal.RetrieveLongTermCredential(ed.EType)
	if err != nil {
		return nil, messages.NewError(errorcode.KDC_ERR_ETYPE_NOSUPP, "timestamp etype %d: %v", ed.EType, err)
	}
	ts, err := messages.OpenPAEncTimestamp(pc.Registry, key, pa.PADataValue)
	if err != nil {
		return nil, messages.NewError(errorcode.KDC_ERR_PREAUTH_FAILED, "open timestamp: %v", err)
	}
	skew := pc.Realm.Settings().withDefaults().Skew
	if d := pc.Now.Sub(ts.Time()); d > skew || d < -skew {
		return nil, messages.NewError(errorcode.KRB_AP_ERR_SKEW, "timestamp off by %s", d)
	}
	pc.PreAuthenticated = true
	pc.PreAuthType = patype.PA_ENC_TIMESTAMP
	pc.EType = ed.EType
	pc.ReplyKey = key
	return nil, nil
}

func (encTimestamp) PostValidate(ctx context.Context, pc *PreAuthContext) ([]messages.PAData, error) {
	if pc.PreAuthenticated {
		if pc.PreAuthType != patype.PA_ENC_TIMESTAMP {
			return nil, nil
		}
		pa, err := etypeInfo(pc, []int32{pc.EType})
		if err != nil {
			return nil, err
		}
		return []messages.PAData{pa}, nil
	}
	etypes := pc.Registry.SortByPreference(pc.Principal.SupportedETypes())
	if want := pc.Request.ReqBody.EType; len(want) > 0 {
		var keep []int32
		for _, et := range want {
			for _, have := range etypes {
				if et == have {
					keep = append(keep, et)
					break
				}
			}
		}
		etypes = keep
	}
	pa, err := etypeInfo(pc, etypes)
	if err != nil {
		return nil, err
	}
	return []messages.PAData{pa, {PADataType: patype.PA_ENC_TIMESTAMP}}, nil
}

// etypeInfo lists the salt for each of etypes the client principal has a
// key for.
func etypeInfo(pc *PreAuthContext, etypes []int32) (messages.PAData, error) {
	name := pc.Principal.Name()
	info := make(messages.ETypeInfo2, 0, len(etypes))
	for _, et := range etypes {
		key, err := pc.Principal.RetrieveLongTermCredential(et)
		if err != nil {
			continue
		}
		salt := key.Salt()
		if salt == "" {
			salt = crypto.DefaultSalt(pc.Realm.Name(), name.NameString...)
		}
		info = append(info, messages.ETypeInfo2Entry{EType: et, Salt: salt, S2KParams: key.Params()})
	}
	return info.PAData()
}

// pkinitHandler is PA-PK-AS-REQ in its Diffie-Hellman form.
type pkinitHandler struct {
	kdc *pkinit.KDC
}

func (h *pkinitHandler) PaType() int32 { return patype.PA_PK_AS_REQ }
func (h *pkinitHandler) Priority() int { return 100 }

func (h *pkinitHandler) PreValidate(ctx context.Context, pc *PreAuthContext) error { return nil }

func (h *pkinitHandler) Validate(ctx context.Context, pc *PreAuthContext, pa messages.PAData) (*messages.PAData, error) {
	if pc.PreAuthenticated {
		return nil, nil
	}
	body, err := pc.Request.BodyBytes()
	if err != nil {
		return nil, messages.NewError(errorcode.KDC_ERR_PREAUTH_FAILED, "request body: %v", err)
	}
	v, err := h.kdc.Verify(pkinit.Request{Value: pa.PADataValue, Body: body, Nonce: pc.Request.ReqBody.Nonce})
	if err != nil {
		return nil, err
	}
	mapped := false
	for _, c := range pc.Principal.Certificates() {
		if bytes.Equal(c.Raw, v.Certificate.Raw) {
			mapped = true
			break
		}
	}
	if !mapped {
		return nil, messages.NewError(errorcode.KDC_ERR_CLIENT_NAME_MISMATCH, "certificate %q is not mapped to %s", v.Certificate.Subject, pc.Principal.Name())
	}
	rep, key, err := h.kdc.Reply(v, pc.EType)
	if err != nil {
		return nil, err
	}
	pc.PreAuthenticated = true
	pc.PreAuthType = patype.PA_PK_AS_REQ
	pc.Certificate = v.Certificate
	pc.ReplyKey = key
	return &rep, nil
}

func (h *pkinitHandler) PostValidate(ctx context.Context, pc *PreAuthContext) ([]messages.PAData, error) {
	if pc.PreAuthenticated || len(pc.Principal.Certificates()) == 0 {
		return nil, nil
	}
	return []messages.PAData{{PADataType: patype.PA_PK_AS_REQ}}, nil
}

// pacRequest is PA-PAC-REQUEST. It does not authenticate.
type pacRequest struct{}

func (pacRequest) PaType() int32 { return patype.PA_PAC_REQUEST }
func (pacRequest) Priority() int { return 0 }

func (pacRequest) PreValidate(ctx context.Context, pc *PreAuthContext) error {
	pa, ok := pc.Request.PAData.Find(patype.PA_PAC_REQUEST)
	if !ok {
		return nil
	}
	r, err := messages.UnmarshalPAPACRequest(pa.PADataValue)
	if err != nil {
		return messages.NewError(errorcode.KDC_ERR_PREAUTH_FAILED, "pac request: %v", err)
	}
	pc.IncludePAC = r.IncludePAC
	pc.PACRequested = true
	return nil
}

func (pacRequest) Validate(ctx context.Context, pc *PreAuthContext, pa messages.PAData) (*messages.PAData, error) {
	return nil, nil
}

func (pacRequest) PostValidate(ctx context.Context, pc *PreAuthContext) ([]messages.PAData, error) {
	return nil, nil
}
