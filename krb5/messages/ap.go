package messages

import (
	"fmt"
	"time"

	"github.com/jcmturner/gofork/encoding/asn1"
	"github.com/jcmturner/gokrb5/v8/iana/asnAppTag"
	"github.com/jcmturner/gokrb5/v8/iana/msgtype"
)

// AP options, as bit positions.
const (
	APOptionUseSessionKey  = 1
	APOptionMutualRequired = 2
)

// APReq is [APPLICATION 14].
type APReq struct {
	PVNO          int
	MsgType       int
	APOptions     asn1.BitString
	Ticket        Ticket
	Authenticator EncryptedData
}

type apReqWire struct {
	PVNO          int            `asn1:"explicit,tag:0"`
	MsgType       int            `asn1:"explicit,tag:1"`
	APOptions     asn1.BitString `asn1:"explicit,tag:2"`
	Ticket        asn1.RawValue  `asn1:"explicit,tag:3"`
	Authenticator EncryptedData  `asn1:"explicit,tag:4"`
}

// NewAPReq builds an AP-REQ carrying an already sealed authenticator.
func NewAPReq(tkt Ticket, auth EncryptedData, options ...int) *APReq {
	return &APReq{
		PVNO:          PVNO,
		MsgType:       msgtype.KRB_AP_REQ,
		APOptions:     NewFlags(options...).BitString(),
		Ticket:        tkt,
		Authenticator: auth,
	}
}

// Options returns the AP options as Flags.
func (a *APReq) Options() Flags { return FlagsOf(a.APOptions) }

func (a *APReq) Marshal() ([]byte, error) {
	tb, err := a.Ticket.Marshal()
	if err != nil {
		return nil, err
	}
	w := apReqWire{
		PVNO:          a.PVNO,
		MsgType:       a.MsgType,
		APOptions:     a.APOptions,
		Ticket:        explicitRaw(3, tb),
		Authenticator: a.Authenticator,
	}
	return marshalApp(asnAppTag.APREQ, w)
}

func (a *APReq) Unmarshal(b []byte) error {
	var w apReqWire
	if err := unmarshalApp(b, asnAppTag.APREQ, &w); err != nil {
		return fmt.Errorf("unmarshal ap-req: %w", err)
	}
	if w.MsgType != msgtype.KRB_AP_REQ {
		return fmt.Errorf("ap-req has msg-type %d", w.MsgType)
	}
	tkt, err := unmarshalTicketField(w.Ticket)
	if err != nil {
		return err
	}
	*a = APReq{
		PVNO:          w.PVNO,
		MsgType:       w.MsgType,
		APOptions:     w.APOptions,
		Ticket:        tkt,
		Authenticator: w.Authenticator,
	}
	return nil
}

// Authenticator is [APPLICATION 2].
type Authenticator struct {
	AVNO              int               `asn1:"explicit,tag:0"`
	CRealm            string            `asn1:"generalstring,explicit,tag:1"`
	CName             PrincipalName     `asn1:"explicit,tag:2"`
	Cksum             Checksum          `asn1:"explicit,optional,tag:3"`
	Cusec             int               `asn1:"explicit,tag:4"`
	CTime             time.Time         `asn1:"generalized,explicit,tag:5"`
	SubKey            EncryptionKey     `asn1:"explicit,optional,tag:6"`
	SeqNumber         int64             `asn1:"explicit,optional,tag:7"`
	AuthorizationData AuthorizationData `asn1:"explicit,optional,tag:8"`
}

// NewAuthenticator stamps the current time with microsecond precision.
func NewAuthenticator(client Principal, now time.Time) Authenticator {
	now = now.UTC()
	return Authenticator{
		AVNO:   PVNO,
		CRealm: client.Realm,
		CName:  client.Name,
		Cusec:  now.Nanosecond() / 1000,
		CTime:  KerberosTime(now),
	}
}

// Time recombines ctime and cusec.
func (a *Authenticator) Time() time.Time {
	return a.CTime.Add(time.Duration(a.Cusec) * time.Microsecond)
}

// Client returns the authenticating principal.
func (a *Authenticator) Client() Principal {
	return Principal{Name: a.CName, Realm: a.CRealm}
}

func (a *Authenticator) Marshal() ([]byte, error) {
	return marshalApp(asnAppTag.Authenticator, *a)
}

func (a *Authenticator) Unmarshal(b []byte) error {
	if err := unmarshalApp(b, asnAppTag.Authenticator, a); err != nil {
		return fmt.Errorf("unmarshal authenticator: %w", err)
	}
	return nil
}

// APRep is [APPLICATION 15].
type APRep struct {
	PVNO    int           `asn1:"explicit,tag:0"`
	MsgType int           `asn1:"explicit,tag:1"`
	EncPart EncryptedData `asn1:"explicit,tag:2"`
}

func (a *APRep) Marshal() ([]byte, error) {
	return marshalApp(asnAppTag.APREP, *a)
}

func (a *APRep) Unmarshal(b []byte) error {
	if err := unmarshalApp(b, asnAppTag.APREP, a); err != nil {
		return fmt.Errorf("unmarshal ap-rep: %w", err)
	}
	if a.MsgType != msgtype.KRB_AP_REP {
		return fmt.Errorf("ap-rep has msg-type %d", a.MsgType)
	}
	return nil
}

// EncAPRepPart is [APPLICATION 27].
type EncAPRepPart struct {
	CTime     time.Time     `asn1:"generalized,explicit,tag:0"`
	Cusec     int           `asn1:"explicit,tag:1"`
	SubKey    EncryptionKey `asn1:"explicit,optional,tag:2"`
	SeqNumber int64         `asn1:"explicit,optional,tag:3"`
}

func (e *EncAPRepPart) Marshal() ([]byte, error) {
	return marshalApp(asnAppTag.EncAPRepPart, *e)
}

func (e *EncAPRepPart) Unmarshal(b []byte) error {
	if err := unmarshalApp(b, asnAppTag.EncAPRepPart, e); err != nil {
		return fmt.Errorf("unmarshal enc-ap-rep-part: %w", err)
	}
	return nil
}
