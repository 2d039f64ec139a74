package messages

import (
	"errors"
	"fmt"
	"time"

	"github.com/jcmturner/gokrb5/v8/iana/asnAppTag"
	"github.com/jcmturner/gokrb5/v8/iana/errorcode"
	"github.com/jcmturner/gokrb5/v8/iana/msgtype"
)

// KRBError is [APPLICATION 30].
type KRBError struct {
	PVNO      int           `asn1:"explicit,tag:0"`
	MsgType   int           `asn1:"explicit,tag:1"`
	CTime     time.Time     `asn1:"generalized,explicit,optional,tag:2"`
	Cusec     int           `asn1:"explicit,optional,tag:3"`
	STime     time.Time     `asn1:"generalized,explicit,tag:4"`
	Susec     int           `asn1:"explicit,tag:5"`
	ErrorCode int32         `asn1:"explicit,tag:6"`
	CRealm    string        `asn1:"generalstring,explicit,optional,tag:7"`
	CName     PrincipalName `asn1:"explicit,optional,tag:8"`
	Realm     string        `asn1:"generalstring,explicit,tag:9"`
	SName     PrincipalName `asn1:"explicit,tag:10"`
	EText     string        `asn1:"generalstring,explicit,optional,tag:11"`
	EData     []byte        `asn1:"explicit,optional,tag:12"`
}

// NewKRBError builds an error reply stamped with now.
func NewKRBError(now time.Time, realm string, sname PrincipalName, code int32, text string) *KRBError {
	now = now.UTC()
	return &KRBError{
		PVNO:      PVNO,
		MsgType:   msgtype.KRB_ERROR,
		STime:     KerberosTime(now),
		Susec:     now.Nanosecond() / 1000,
		ErrorCode: code,
		Realm:     realm,
		SName:     sname,
		EText:     text,
	}
}

func (k *KRBError) Marshal() ([]byte, error) {
	return marshalApp(asnAppTag.KRBError, *k)
}

func (k *KRBError) Unmarshal(b []byte) error {
	if err := unmarshalApp(b, asnAppTag.KRBError, k); err != nil {
		return fmt.Errorf("unmarshal krb-error: %w", err)
	}
	if k.MsgType != msgtype.KRB_ERROR {
		return fmt.Errorf("krb-error has msg-type %d", k.MsgType)
	}
	return nil
}

// MethodData decodes e-data as METHOD-DATA. It returns nil when e-data is
// absent or holds something else.
func (k *KRBError) MethodData() MethodData {
	if len(k.EData) == 0 {
		return nil
	}
	m, err := UnmarshalMethodData(k.EData)
	if err != nil {
		return nil
	}
	return m
}

// Err converts the reply into a KerberosError.
func (k *KRBError) Err() *KerberosError {
	return &KerberosError{Code: k.ErrorCode, Text: k.EText, EData: k.EData, Reply: k}
}

// KerberosError is a protocol error, either received from a peer or to be
// sent to one.
type KerberosError struct {
	Code  int32
	Text  string
	EData []byte

	// Reply is the decoded KRB-ERROR when the error came off the wire.
	Reply *KRBError
}

// NewError returns a protocol error with the given code and text.
func NewError(code int32, format string, args ...any) *KerberosError {
	return &KerberosError{Code: code, Text: fmt.Sprintf(format, args...)}
}

func (e *KerberosError) Error() string {
	if e.Text == "" {
		return "kerberos: " + errorcode.Lookup(e.Code)
	}
	return fmt.Sprintf("kerberos: %s: %s", errorcode.Lookup(e.Code), e.Text)
}

// Is matches another KerberosError with the same code.
func (e *KerberosError) Is(target error) bool {
	t, ok := target.(*KerberosError)
	return ok && t.Code == e.Code
}

// ErrorCode extracts the protocol code from err, or KRB_ERR_GENERIC.
func ErrorCode(err error) int32 {
	var ke *KerberosError
	if errors.As(err, &ke) {
		return ke.Code
	}
	return errorcode.KRB_ERR_GENERIC
}
