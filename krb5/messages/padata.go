package messages

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/jcmturner/gofork/encoding/asn1"
	"github.com/jcmturner/gokrb5/v8/iana/adtype"
	"github.com/jcmturner/gokrb5/v8/iana/chksumtype"
	"github.com/jcmturner/gokrb5/v8/iana/keyusage"
	"github.com/jcmturner/gokrb5/v8/iana/patype"

	"github.com/kardianos/gokdc/krb5/crypto"
)

// PAEncTSEnc is the plaintext of PA-ENC-TIMESTAMP.
type PAEncTSEnc struct {
	PATimestamp time.Time `asn1:"generalized,explicit,tag:0"`
	PAUSec      int       `asn1:"explicit,optional,tag:1"`
}

// NewPAEncTimestamp seals the current time under the client key.
func NewPAEncTimestamp(reg *crypto.Registry, key crypto.Key, kvno int, now time.Time) (PAData, error) {
	now = now.UTC()
	ts := PAEncTSEnc{PATimestamp: KerberosTime(now), PAUSec: now.Nanosecond() / 1000}
	b, err := asn1.Marshal(ts)
	if err != nil {
		return PAData{}, err
	}
	ed, err := Seal(reg, key, keyusage.AS_REQ_PA_ENC_TIMESTAMP, kvno, b)
	if err != nil {
		return PAData{}, err
	}
	v, err := asn1.Marshal(ed)
	if err != nil {
		return PAData{}, err
	}
	return PAData{PADataType: patype.PA_ENC_TIMESTAMP, PADataValue: v}, nil
}

// DecodeEncryptedData decodes a bare EncryptedData, as found in pa-data
// values.
func DecodeEncryptedData(b []byte) (EncryptedData, error) {
	var ed EncryptedData
	if err := unmarshal(b, &ed, ""); err != nil {
		return ed, fmt.Errorf("unmarshal encrypted data: %w", err)
	}
	return ed, nil
}

// OpenPAEncTimestamp decrypts and decodes a PA-ENC-TIMESTAMP value.
func OpenPAEncTimestamp(reg *crypto.Registry, key crypto.Key, value []byte) (PAEncTSEnc, error) {
	var ts PAEncTSEnc
	ed, err := DecodeEncryptedData(value)
	if err != nil {
		return ts, err
	}
	pt, err := ed.Open(reg, key, keyusage.AS_REQ_PA_ENC_TIMESTAMP)
	if err != nil {
		return ts, err
	}
	if err := unmarshal(pt, &ts, ""); err != nil {
		return ts, fmt.Errorf("unmarshal pa-enc-ts-enc: %w", err)
	}
	return ts, nil
}

// Time recombines the timestamp and microseconds.
func (p PAEncTSEnc) Time() time.Time {
	return p.PATimestamp.Add(time.Duration(p.PAUSec) * time.Microsecond)
}

// ETypeInfo2Entry tells the client how to derive its key for one etype.
type ETypeInfo2Entry struct {
	EType     int32  `asn1:"explicit,tag:0"`
	Salt      string `asn1:"generalstring,explicit,optional,tag:1"`
	S2KParams []byte `asn1:"explicit,optional,tag:2"`
}

// ETypeInfo2 is the value of PA-ETYPE-INFO2.
type ETypeInfo2 []ETypeInfo2Entry

// PAData wraps the list as PA-ETYPE-INFO2.
func (e ETypeInfo2) PAData() (PAData, error) {
	b, err := asn1.Marshal([]ETypeInfo2Entry(e))
	if err != nil {
		return PAData{}, err
	}
	return PAData{PADataType: patype.PA_ETYPE_INFO2, PADataValue: b}, nil
}

// UnmarshalETypeInfo2 decodes a PA-ETYPE-INFO2 value.
func UnmarshalETypeInfo2(b []byte) (ETypeInfo2, error) {
	var e []ETypeInfo2Entry
	if err := unmarshal(b, &e, ""); err != nil {
		return nil, fmt.Errorf("unmarshal etype-info2: %w", err)
	}
	return e, nil
}

// PAPACRequest is the value of PA-PAC-REQUEST.
type PAPACRequest struct {
	IncludePAC bool `asn1:"explicit,tag:0"`
}

// NewPAPACRequest returns PA-PAC-REQUEST pa-data.
func NewPAPACRequest(include bool) PAData {
	b, _ := asn1.Marshal(PAPACRequest{IncludePAC: include})
	return PAData{PADataType: patype.PA_PAC_REQUEST, PADataValue: b}
}

// UnmarshalPAPACRequest decodes a PA-PAC-REQUEST value.
func UnmarshalPAPACRequest(b []byte) (PAPACRequest, error) {
	var p PAPACRequest
	if err := unmarshal(b, &p, ""); err != nil {
		return p, fmt.Errorf("unmarshal pa-pac-request: %w", err)
	}
	return p, nil
}

// S4UAuthPackage is the only auth-package value for PA-FOR-USER.
const S4UAuthPackage = "Kerberos"

// PAForUser is the S4U2Self request, carried as PA-FOR-USER.
type PAForUser struct {
	UserName    PrincipalName `asn1:"explicit,tag:0"`
	UserRealm   string        `asn1:"generalstring,explicit,tag:1"`
	Cksum       Checksum      `asn1:"explicit,tag:2"`
	AuthPackage string        `asn1:"generalstring,explicit,tag:3"`
}

// checksumData is the S4U byte layout: little-endian name type, name
// components, realm, then auth package.
func (p *PAForUser) checksumData() []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, p.UserName.NameType)
	for _, s := range p.UserName.NameString {
		buf.WriteString(s)
	}
	buf.WriteString(p.UserRealm)
	buf.WriteString(p.AuthPackage)
	return buf.Bytes()
}

// NewPAForUser builds PA-FOR-USER for user, keyed with the TGT session key.
// The checksum is always HMAC-MD5 regardless of the key's etype.
func NewPAForUser(reg *crypto.Registry, sessionKey crypto.Key, user Principal) (PAData, error) {
	p := PAForUser{UserName: user.Name, UserRealm: user.Realm, AuthPackage: S4UAuthPackage}
	t, err := reg.ChecksumFor(chksumtype.KERB_CHECKSUM_HMAC_MD5)
	if err != nil {
		return PAData{}, err
	}
	kb, err := sessionKey.Bytes()
	if err != nil {
		return PAData{}, err
	}
	sum, err := t.MakeChecksum(p.checksumData(), kb, keyusage.KERB_NON_KERB_CKSUM_SALT, crypto.Kc, t.ChecksumSize())
	if err != nil {
		return PAData{}, err
	}
	p.Cksum = Checksum{CksumType: chksumtype.KERB_CHECKSUM_HMAC_MD5, Checksum: sum}
	b, err := asn1.Marshal(p)
	if err != nil {
		return PAData{}, err
	}
	return PAData{PADataType: patype.PA_FOR_USER, PADataValue: b}, nil
}

// UnmarshalPAForUser decodes a PA-FOR-USER value.
func UnmarshalPAForUser(b []byte) (PAForUser, error) {
	var p PAForUser
	if err := unmarshal(b, &p, ""); err != nil {
		return p, fmt.Errorf("unmarshal pa-for-user: %w", err)
	}
	return p, nil
}

// Verify checks the checksum against the TGT session key.
func (p *PAForUser) Verify(reg *crypto.Registry, sessionKey crypto.Key) error {
	return reg.VerifyChecksum(sessionKey, p.Cksum.CksumType, keyusage.KERB_NON_KERB_CKSUM_SALT, p.checksumData(), p.Cksum.Checksum)
}

// User returns the impersonated principal.
func (p *PAForUser) User() Principal {
	return Principal{Name: p.UserName, Realm: p.UserRealm}
}

// IfRelevant wraps elements as a single AD-IF-RELEVANT element.
func IfRelevant(elements ...AuthorizationDataEntry) (AuthorizationDataEntry, error) {
	b, err := AuthorizationData(elements).Marshal()
	if err != nil {
		return AuthorizationDataEntry{}, err
	}
	return AuthorizationDataEntry{ADType: adtype.ADIfRelevant, ADData: b}, nil
}

// WrapPAC returns authorization data carrying a PAC as
// AD-IF-RELEVANT { AD-WIN2K-PAC }.
func WrapPAC(pac []byte) (AuthorizationData, error) {
	e, err := IfRelevant(AuthorizationDataEntry{ADType: adtype.ADWin2KPAC, ADData: pac})
	if err != nil {
		return nil, err
	}
	return AuthorizationData{e}, nil
}

// FindPAC returns the first AD-WIN2K-PAC element, looking inside
// AD-IF-RELEVANT containers.
func (a AuthorizationData) FindPAC() ([]byte, bool) {
	return a.find(adtype.ADWin2KPAC, 0)
}

func (a AuthorizationData) find(t int32, depth int) ([]byte, bool) {
	if depth > 4 {
		return nil, false
	}
	for _, e := range a {
		switch e.ADType {
		case t:
			return e.ADData, true
		case adtype.ADIfRelevant:
			inner, err := UnmarshalAuthorizationData(e.ADData)
			if err != nil {
				continue
			}
			if b, ok := inner.find(t, depth+1); ok {
				return b, true
			}
		}
	}
	return nil, false
}

// ReplacePAC returns a copy of a with every PAC element replaced by pac.
// Other elements are kept in order.
func (a AuthorizationData) ReplacePAC(pac []byte) (AuthorizationData, error) {
	out := make(AuthorizationData, 0, len(a))
	for _, e := range a {
		if e.ADType == adtype.ADWin2KPAC {
			continue
		}
		if e.ADType == adtype.ADIfRelevant {
			inner, err := UnmarshalAuthorizationData(e.ADData)
			if err == nil {
				if _, ok := inner.FindPAC(); ok {
					continue
				}
			}
		}
		out = append(out, e)
	}
	w, err := WrapPAC(pac)
	if err != nil {
		return nil, err
	}
	return append(w, out...), nil
}
