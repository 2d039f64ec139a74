package messages

import (
	"fmt"
	"time"

	"github.com/jcmturner/gofork/encoding/asn1"
	"github.com/jcmturner/gokrb5/v8/iana/asnAppTag"

	"github.com/kardianos/gokdc/krb5/internal/der"
)

// Ticket is [APPLICATION 1]. The encrypted part is opaque to clients.
type Ticket struct {
	TktVNO  int           `asn1:"explicit,tag:0"`
	Realm   string        `asn1:"generalstring,explicit,tag:1"`
	SName   PrincipalName `asn1:"explicit,tag:2"`
	EncPart EncryptedData `asn1:"explicit,tag:3"`
}

func (t *Ticket) Marshal() ([]byte, error) {
	return marshalApp(asnAppTag.Ticket, *t)
}

func (t *Ticket) Unmarshal(b []byte) error {
	if err := unmarshalApp(b, asnAppTag.Ticket, t); err != nil {
		return fmt.Errorf("unmarshal ticket: %w", err)
	}
	return nil
}

// Server returns the service principal the ticket is for.
func (t *Ticket) Server() Principal {
	return Principal{Name: t.SName, Realm: t.Realm}
}

// EncTicketPart is [APPLICATION 3], the decrypted ticket body.
type EncTicketPart struct {
	Flags             asn1.BitString    `asn1:"explicit,tag:0"`
	Key               EncryptionKey     `asn1:"explicit,tag:1"`
	CRealm            string            `asn1:"generalstring,explicit,tag:2"`
	CName             PrincipalName     `asn1:"explicit,tag:3"`
	Transited         TransitedEncoding `asn1:"explicit,tag:4"`
	AuthTime          time.Time         `asn1:"generalized,explicit,tag:5"`
	StartTime         time.Time         `asn1:"generalized,explicit,optional,tag:6"`
	EndTime           time.Time         `asn1:"generalized,explicit,tag:7"`
	RenewTill         time.Time         `asn1:"generalized,explicit,optional,tag:8"`
	CAddr             []HostAddress     `asn1:"explicit,optional,tag:9"`
	AuthorizationData AuthorizationData `asn1:"explicit,optional,tag:10"`
}

func (e *EncTicketPart) Marshal() ([]byte, error) {
	return marshalApp(asnAppTag.EncTicketPart, *e)
}

func (e *EncTicketPart) Unmarshal(b []byte) error {
	if err := unmarshalApp(b, asnAppTag.EncTicketPart, e); err != nil {
		return fmt.Errorf("unmarshal enc ticket part: %w", err)
	}
	return nil
}

// Client returns the principal the ticket was issued to.
func (e *EncTicketPart) Client() Principal {
	return Principal{Name: e.CName, Realm: e.CRealm}
}

// TicketFlags returns the flags as a Flags value.
func (e *EncTicketPart) TicketFlags() Flags {
	return FlagsOf(e.Flags)
}

// ValidFrom returns the start time, or auth time when absent.
func (e *EncTicketPart) ValidFrom() time.Time {
	if e.StartTime.IsZero() {
		return e.AuthTime
	}
	return e.StartTime
}

// marshalTickets encodes a SEQUENCE OF Ticket for an explicit field.
func marshalTickets(tag int, tkts []Ticket) (asn1.RawValue, error) {
	if len(tkts) == 0 {
		return asn1.RawValue{}, nil
	}
	var items [][]byte
	for i := range tkts {
		b, err := tkts[i].Marshal()
		if err != nil {
			return asn1.RawValue{}, fmt.Errorf("ticket %d: %w", i, err)
		}
		items = append(items, b)
	}
	return explicitRaw(tag, der.Sequence(items...)), nil
}

// unmarshalTickets decodes the RawValue of an explicit SEQUENCE OF Ticket.
func unmarshalTickets(rv asn1.RawValue) ([]Ticket, error) {
	if len(rv.Bytes) == 0 {
		return nil, nil
	}
	seq, _, err := der.Parse(rv.Bytes)
	if err != nil {
		return nil, err
	}
	items, err := seq.Children()
	if err != nil {
		return nil, err
	}
	out := make([]Ticket, len(items))
	for i, n := range items {
		if err := out[i].Unmarshal(n.Full); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// unmarshalTicketField decodes the RawValue of an explicit Ticket field.
func unmarshalTicketField(rv asn1.RawValue) (Ticket, error) {
	var t Ticket
	err := t.Unmarshal(rv.Bytes)
	return t, err
}
