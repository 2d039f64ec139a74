package client

import (
	"context"
	"time"

	"github.com/jcmturner/gokrb5/v8/iana/patype"
	"github.com/pkg/errors"

	"github.com/kardianos/gokdc/krb5/crypto"
	"github.com/kardianos/gokdc/krb5/keytab"
	"github.com/kardianos/gokdc/krb5/messages"
	"github.com/kardianos/gokdc/krb5/pkinit"
)

// ErrPreAuthRequired means the KDC wants pre-authentication the credential
// cannot provide. It is not a failed login.
var ErrPreAuthRequired = errors.New("client: further pre-authentication required")

// ASExchange is the state of one AS exchange handed to a Credential.
type ASExchange struct {
	// Body is the request body. Its nonce binds PKINIT requests.
	Body     *messages.KDCReqBody
	Registry *crypto.Registry
	Now      time.Time

	// Hints is the METHOD-DATA of the last PREAUTH_REQUIRED error, or the
	// cached hints for this principal. It is empty on the first attempt.
	Hints messages.MethodData

	// Reply is set once an AS-REP arrives.
	Reply *messages.KDCRep

	// State carries credential data from PreAuth to ReplyKey.
	State any
}

// ETypeInfo returns the ETYPE-INFO2 entries of the hints.
func (ex *ASExchange) ETypeInfo() messages.ETypeInfo2 {
	return etypeInfo(ex.Hints)
}

func etypeInfo(m messages.MethodData) messages.ETypeInfo2 {
	pa, ok := m.Find(patype.PA_ETYPE_INFO2)
	if !ok {
		return nil
	}
	info, err := messages.UnmarshalETypeInfo2(pa.PADataValue)
	if err != nil {
		return nil
	}
	return info
}

// salt finds the salt and s2kparams for etype, looking at the reply's
// pa-data first, then the hints, then the default salt of principal.
func (ex *ASExchange) salt(etype int32, p messages.Principal) (string, []byte) {
	var sources []messages.MethodData
	if ex.Reply != nil {
		sources = append(sources, ex.Reply.PAData)
	}
	sources = append(sources, ex.Hints)
	for _, m := range sources {
		for _, e := range etypeInfo(m) {
			if e.EType == etype {
				if e.Salt == "" {
					return crypto.DefaultSalt(p.Realm, p.Name.NameString...), e.S2KParams
				}
				return e.Salt, e.S2KParams
			}
		}
	}
	return crypto.DefaultSalt(p.Realm, p.Name.NameString...), nil
}

// preferredEType picks the first hinted etype the request offers and the
// credential holds, or the first request etype the credential holds.
func (ex *ASExchange) preferredEType(have []int32) (int32, bool) {
	offered := func(et int32) bool {
		for _, h := range have {
			if h == et {
				return true
			}
		}
		return false
	}
	for _, e := range ex.ETypeInfo() {
		if offered(e.EType) && ex.Registry.Supports(e.EType) {
			return e.EType, true
		}
	}
	for _, et := range ex.Body.EType {
		if offered(et) {
			return et, true
		}
	}
	return 0, false
}

// Credential proves the client identity to the KDC.
type Credential interface {
	Principal() messages.Principal

	// PreAuth returns the pa-data for the next AS-REQ and the key that
	// will decrypt the reply, if known. It returns ErrPreAuthRequired when
	// none of the hinted mechanisms are available to it.
	PreAuth(ctx context.Context, ex *ASExchange) ([]messages.PAData, crypto.Key, error)
}

// ReplyKeyer is implemented by credentials whose reply key depends on
// the reply itself: the etype and salt the KDC chose, or a PKINIT key
// agreement.
type ReplyKeyer interface {
	ReplyKey(ctx context.Context, ex *ASExchange) (crypto.Key, error)
}

// PasswordCredential derives keys from a password.
type PasswordCredential struct {
	Name     messages.Principal
	Password string
}

// NewPasswordCredential parses principal in realm.
func NewPasswordCredential(principal, realm, password string) (*PasswordCredential, error) {
	p, err := messages.ParsePrincipal(principal, realm)
	if err != nil {
		return nil, err
	}
	return &PasswordCredential{Name: p, Password: password}, nil
}

func (p *PasswordCredential) Principal() messages.Principal { return p.Name }

func (p *PasswordCredential) PreAuth(ctx context.Context, ex *ASExchange) ([]messages.PAData, crypto.Key, error) {
	if len(ex.Hints) > 0 {
		if _, ok := ex.Hints.Find(patype.PA_ENC_TIMESTAMP); !ok {
			return nil, crypto.Key{}, ErrPreAuthRequired
		}
	}
	et, ok := ex.preferredEType(ex.Registry.ETypes())
	if !ok {
		return nil, crypto.Key{}, errors.New("client: no common etype for password")
	}
	key := p.key(ex, et)
	pa, err := messages.NewPAEncTimestamp(ex.Registry, key, 0, ex.Now)
	if err != nil {
		return nil, crypto.Key{}, errors.Wrap(err, "encrypted timestamp")
	}
	return []messages.PAData{pa}, key, nil
}

func (p *PasswordCredential) ReplyKey(ctx context.Context, ex *ASExchange) (crypto.Key, error) {
	return p.key(ex, ex.Reply.EncPart.EType), nil
}

func (p *PasswordCredential) key(ex *ASExchange, etype int32) crypto.Key {
	salt, params := ex.salt(etype, p.Name)
	return crypto.KeyFromPassword(ex.Registry, etype, p.Password, salt, params)
}

// KeytabCredential uses long-term keys from a keytab.
type KeytabCredential struct {
	Name   messages.Principal
	Keytab *keytab.Keytab
}

func (k *KeytabCredential) Principal() messages.Principal { return k.Name }

func (k *KeytabCredential) PreAuth(ctx context.Context, ex *ASExchange) ([]messages.PAData, crypto.Key, error) {
	if len(ex.Hints) > 0 {
		if _, ok := ex.Hints.Find(patype.PA_ENC_TIMESTAMP); !ok {
			return nil, crypto.Key{}, ErrPreAuthRequired
		}
	}
	et, ok := ex.preferredEType(k.Keytab.ETypes(k.Name.Name, k.Name.Realm))
	if !ok {
		return nil, crypto.Key{}, errors.Errorf("client: keytab holds no requested etype for %s", k.Name)
	}
	ek, kvno, err := k.Keytab.GetKey(k.Name.Name, k.Name.Realm, 0, et)
	if err != nil {
		return nil, crypto.Key{}, err
	}
	pa, err := messages.NewPAEncTimestamp(ex.Registry, ek.Key(), int(kvno), ex.Now)
	if err != nil {
		return nil, crypto.Key{}, errors.Wrap(err, "encrypted timestamp")
	}
	return []messages.PAData{pa}, ek.Key(), nil
}

func (k *KeytabCredential) ReplyKey(ctx context.Context, ex *ASExchange) (crypto.Key, error) {
	ed := ex.Reply.EncPart
	ek, _, err := k.Keytab.GetKey(k.Name.Name, k.Name.Realm, uint32(ed.KVNO), ed.EType)
	if err != nil {
		return crypto.Key{}, err
	}
	return ek.Key(), nil
}

// PKINITCredential authenticates with a certificate. Verifier checks the
// KDC's certificate; nil skips the check.
type PKINITCredential struct {
	Name       messages.Principal
	Credential *pkinit.Credential
	Verifier   pkinit.Verifier
}

func (c *PKINITCredential) Principal() messages.Principal { return c.Name }

func (c *PKINITCredential) PreAuth(ctx context.Context, ex *ASExchange) ([]messages.PAData, crypto.Key, error) {
	if len(ex.Hints) > 0 {
		if _, ok := ex.Hints.Find(patype.PA_PK_AS_REQ); !ok {
			return nil, crypto.Key{}, ErrPreAuthRequired
		}
	}
	bb, err := ex.Body.Marshal()
	if err != nil {
		return nil, crypto.Key{}, err
	}
	pa, state, err := c.Credential.NewRequest(bb, ex.Body.Nonce, ex.Now)
	if err != nil {
		return nil, crypto.Key{}, errors.Wrap(err, "pkinit request")
	}
	ex.State = state
	return []messages.PAData{pa}, crypto.Key{}, nil
}

func (c *PKINITCredential) ReplyKey(ctx context.Context, ex *ASExchange) (crypto.Key, error) {
	state, ok := ex.State.(*pkinit.Exchange)
	if !ok {
		return crypto.Key{}, errors.New("client: pkinit reply without a pkinit request")
	}
	return state.ReplyKey(ex.Registry, ex.Reply.EncPart.EType, ex.Reply.PAData, c.Verifier, ex.Now)
}
