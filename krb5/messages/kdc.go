package messages

import (
	"fmt"
	"time"

	"github.com/jcmturner/gofork/encoding/asn1"
	"github.com/jcmturner/gokrb5/v8/iana/asnAppTag"
	"github.com/jcmturner/gokrb5/v8/iana/msgtype"
)

// KDCReqBody is the body of an AS-REQ or TGS-REQ.
type KDCReqBody struct {
	KDCOptions        asn1.BitString
	CName             PrincipalName
	Realm             string
	SName             PrincipalName
	From              time.Time
	Till              time.Time
	RTime             time.Time
	Nonce             int64
	EType             []int32
	Addresses         []HostAddress
	EncAuthData       EncryptedData
	AdditionalTickets []Ticket
}

type kdcReqBodyWire struct {
	KDCOptions        asn1.BitString `asn1:"explicit,tag:0"`
	CName             PrincipalName  `asn1:"explicit,optional,tag:1"`
	Realm             string         `asn1:"generalstring,explicit,tag:2"`
	SName             PrincipalName  `asn1:"explicit,optional,tag:3"`
	From              time.Time      `asn1:"generalized,explicit,optional,tag:4"`
	Till              time.Time      `asn1:"generalized,explicit,tag:5"`
	RTime             time.Time      `asn1:"generalized,explicit,optional,tag:6"`
	Nonce             int64          `asn1:"explicit,tag:7"`
	EType             []int32        `asn1:"explicit,tag:8"`
	Addresses         []HostAddress  `asn1:"explicit,optional,tag:9"`
	EncAuthData       EncryptedData  `asn1:"explicit,optional,tag:10"`
	AdditionalTickets asn1.RawValue  `asn1:"explicit,optional,tag:11"`
}

// Options returns the KDC options as Flags.
func (b *KDCReqBody) Options() Flags {
	return FlagsOf(b.KDCOptions)
}

func (b *KDCReqBody) Marshal() ([]byte, error) {
	w := kdcReqBodyWire{
		KDCOptions:  b.KDCOptions,
		CName:       b.CName,
		Realm:       b.Realm,
		SName:       b.SName,
		From:        b.From,
		Till:        b.Till,
		RTime:       b.RTime,
		Nonce:       b.Nonce,
		EType:       b.EType,
		Addresses:   b.Addresses,
		EncAuthData: b.EncAuthData,
	}
	var err error
	w.AdditionalTickets, err = marshalTickets(11, b.AdditionalTickets)
	if err != nil {
		return nil, err
	}
	return asn1.Marshal(w)
}

func (b *KDCReqBody) Unmarshal(data []byte) error {
	var w kdcReqBodyWire
	if err := unmarshal(data, &w, ""); err != nil {
		return fmt.Errorf("unmarshal kdc-req-body: %w", err)
	}
	tkts, err := unmarshalTickets(w.AdditionalTickets)
	if err != nil {
		return fmt.Errorf("unmarshal additional tickets: %w", err)
	}
	*b = KDCReqBody{
		KDCOptions:        w.KDCOptions,
		CName:             w.CName,
		Realm:             w.Realm,
		SName:             w.SName,
		From:              w.From,
		Till:              w.Till,
		RTime:             w.RTime,
		Nonce:             w.Nonce,
		EType:             w.EType,
		Addresses:         w.Addresses,
		EncAuthData:       w.EncAuthData,
		AdditionalTickets: tkts,
	}
	return nil
}

// KDCReq is an AS-REQ ([APPLICATION 10]) or TGS-REQ ([APPLICATION 12]).
type KDCReq struct {
	PVNO    int
	MsgType int
	PAData  MethodData
	ReqBody KDCReqBody

	// RawBody is the req-body encoding as received, which checksums
	// cover. It is nil for requests built locally.
	RawBody []byte
}

type kdcReqWire struct {
	PVNO    int           `asn1:"explicit,tag:1"`
	MsgType int           `asn1:"explicit,tag:2"`
	PAData  []PAData      `asn1:"explicit,optional,tag:3"`
	ReqBody asn1.RawValue `asn1:"explicit,tag:4"`
}

// NewASReq returns an AS-REQ shell with the protocol fields set.
func NewASReq(body KDCReqBody, padata ...PAData) *KDCReq {
	return &KDCReq{PVNO: PVNO, MsgType: msgtype.KRB_AS_REQ, PAData: padata, ReqBody: body}
}

// NewTGSReq returns a TGS-REQ shell with the protocol fields set.
func NewTGSReq(body KDCReqBody, padata ...PAData) *KDCReq {
	return &KDCReq{PVNO: PVNO, MsgType: msgtype.KRB_TGS_REQ, PAData: padata, ReqBody: body}
}

// BodyBytes returns the encoding the request's checksums are computed over.
func (r *KDCReq) BodyBytes() ([]byte, error) {
	if r.RawBody != nil {
		return r.RawBody, nil
	}
	return r.ReqBody.Marshal()
}

func (r *KDCReq) appTag() (int, error) {
	switch r.MsgType {
	case msgtype.KRB_AS_REQ:
		return asnAppTag.ASREQ, nil
	case msgtype.KRB_TGS_REQ:
		return asnAppTag.TGSREQ, nil
	}
	return 0, fmt.Errorf("message type %d is not a KDC request", r.MsgType)
}

func (r *KDCReq) Marshal() ([]byte, error) {
	tag, err := r.appTag()
	if err != nil {
		return nil, err
	}
	body, err := r.BodyBytes()
	if err != nil {
		return nil, err
	}
	w := kdcReqWire{
		PVNO:    r.PVNO,
		MsgType: r.MsgType,
		PAData:  r.PAData,
		ReqBody: explicitRaw(4, body),
	}
	return marshalApp(tag, w)
}

// Unmarshal decodes an AS-REQ or TGS-REQ, taking the kind from the outer tag.
func (r *KDCReq) Unmarshal(b []byte) error {
	mt, err := MessageType(b)
	if err != nil {
		return err
	}
	if mt != asnAppTag.ASREQ && mt != asnAppTag.TGSREQ {
		return fmt.Errorf("application tag %d is not a KDC request", mt)
	}
	var w kdcReqWire
	if err := unmarshalApp(b, mt, &w); err != nil {
		return fmt.Errorf("unmarshal kdc-req: %w", err)
	}
	if w.MsgType != mt {
		return fmt.Errorf("msg-type %d does not match application tag %d", w.MsgType, mt)
	}
	var body KDCReqBody
	if err := body.Unmarshal(w.ReqBody.Bytes); err != nil {
		return err
	}
	*r = KDCReq{
		PVNO:    w.PVNO,
		MsgType: w.MsgType,
		PAData:  w.PAData,
		ReqBody: body,
		RawBody: append([]byte(nil), w.ReqBody.Bytes...),
	}
	return nil
}

// KDCRep is an AS-REP ([APPLICATION 11]) or TGS-REP ([APPLICATION 13]).
type KDCRep struct {
	PVNO    int
	MsgType int
	PAData  MethodData
	CRealm  string
	CName   PrincipalName
	Ticket  Ticket
	EncPart EncryptedData
}

type kdcRepWire struct {
	PVNO    int           `asn1:"explicit,tag:0"`
	MsgType int           `asn1:"explicit,tag:1"`
	PAData  []PAData      `asn1:"explicit,optional,tag:2"`
	CRealm  string        `asn1:"generalstring,explicit,tag:3"`
	CName   PrincipalName `asn1:"explicit,tag:4"`
	Ticket  asn1.RawValue `asn1:"explicit,tag:5"`
	EncPart EncryptedData `asn1:"explicit,tag:6"`
}

func (r *KDCRep) appTag() (int, error) {
	switch r.MsgType {
	case msgtype.KRB_AS_REP:
		return asnAppTag.ASREP, nil
	case msgtype.KRB_TGS_REP:
		return asnAppTag.TGSREP, nil
	}
	return 0, fmt.Errorf("message type %d is not a KDC reply", r.MsgType)
}

func (r *KDCRep) Marshal() ([]byte, error) {
	tag, err := r.appTag()
	if err != nil {
		return nil, err
	}
	tb, err := r.Ticket.Marshal()
	if err != nil {
		return nil, err
	}
	w := kdcRepWire{
		PVNO:    r.PVNO,
		MsgType: r.MsgType,
		PAData:  r.PAData,
		CRealm:  r.CRealm,
		CName:   r.CName,
		Ticket:  explicitRaw(5, tb),
		EncPart: r.EncPart,
	}
	return marshalApp(tag, w)
}

// Unmarshal decodes an AS-REP or TGS-REP, taking the kind from the outer tag.
func (r *KDCRep) Unmarshal(b []byte) error {
	mt, err := MessageType(b)
	if err != nil {
		return err
	}
	if mt != asnAppTag.ASREP && mt != asnAppTag.TGSREP {
		return fmt.Errorf("application tag %d is not a KDC reply", mt)
	}
	var w kdcRepWire
	if err := unmarshalApp(b, mt, &w); err != nil {
		return fmt.Errorf("unmarshal kdc-rep: %w", err)
	}
	tkt, err := unmarshalTicketField(w.Ticket)
	if err != nil {
		return err
	}
	*r = KDCRep{
		PVNO:    w.PVNO,
		MsgType: w.MsgType,
		PAData:  w.PAData,
		CRealm:  w.CRealm,
		CName:   w.CName,
		Ticket:  tkt,
		EncPart: w.EncPart,
	}
	return nil
}

// EncKDCRepPart is the decrypted part of a KDC reply, [APPLICATION 25] for
// AS and [APPLICATION 26] for TGS.
type EncKDCRepPart struct {
	Key           EncryptionKey  `asn1:"explicit,tag:0"`
	LastReqs      []LastReq      `asn1:"explicit,tag:1"`
	Nonce         int64          `asn1:"explicit,tag:2"`
	KeyExpiration time.Time      `asn1:"generalized,explicit,optional,tag:3"`
	Flags         asn1.BitString `asn1:"explicit,tag:4"`
	AuthTime      time.Time      `asn1:"generalized,explicit,tag:5"`
	StartTime     time.Time      `asn1:"generalized,explicit,optional,tag:6"`
	EndTime       time.Time      `asn1:"generalized,explicit,tag:7"`
	RenewTill     time.Time      `asn1:"generalized,explicit,optional,tag:8"`
	SRealm        string         `asn1:"generalstring,explicit,tag:9"`
	SName         PrincipalName  `asn1:"explicit,tag:10"`
	CAddr         []HostAddress  `asn1:"explicit,optional,tag:11"`
	EncPAData     []PAData       `asn1:"explicit,optional,tag:12"`
}

// Marshal encodes the part under the application tag for its reply kind.
func (e *EncKDCRepPart) Marshal(asRep bool) ([]byte, error) {
	tag := asnAppTag.EncTGSRepPart
	if asRep {
		tag = asnAppTag.EncASRepPart
	}
	return marshalApp(tag, *e)
}

// Unmarshal accepts either tag. Some KDCs send the TGS tag in AS replies.
func (e *EncKDCRepPart) Unmarshal(b []byte) error {
	mt, err := MessageType(b)
	if err != nil {
		return err
	}
	if mt != asnAppTag.EncASRepPart && mt != asnAppTag.EncTGSRepPart {
		return fmt.Errorf("application tag %d is not an enc kdc-rep part", mt)
	}
	if err := unmarshalApp(b, mt, e); err != nil {
		return fmt.Errorf("unmarshal enc kdc-rep part: %w", err)
	}
	return nil
}

// TicketFlags returns the flags as a Flags value.
func (e *EncKDCRepPart) TicketFlags() Flags {
	return FlagsOf(e.Flags)
}
