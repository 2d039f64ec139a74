package pac

import (
	"encoding/binary"
	"fmt"
	"time"
	"unicode/utf16"

	"github.com/jcmturner/gokrb5/v8/iana/chksumtype"
	"github.com/jcmturner/gokrb5/v8/iana/keyusage"
	"github.com/jcmturner/rpc/v2/mstypes"

	"github.com/kardianos/gokdc/krb5/crypto"
	"github.com/kardianos/gokdc/krb5/ndr"
)

func utf16le(s string) []byte {
	u := utf16.Encode([]rune(s))
	b := make([]byte, 2*len(u))
	for i, c := range u {
		binary.LittleEndian.PutUint16(b[2*i:], c)
	}
	return b
}

func fromUTF16LE(b []byte) string {
	u := make([]uint16, len(b)/2)
	for i := range u {
		u[i] = binary.LittleEndian.Uint16(b[2*i:])
	}
	return string(utf16.Decode(u))
}

func signatureSize(t int32) int {
	switch t {
	case chksumtype.HMAC_SHA1_96_AES128, chksumtype.HMAC_SHA1_96_AES256:
		return 12
	case chksumtype.KERB_CHECKSUM_HMAC_MD5, chksumtype.RSA_MD5, chksumtype.HMAC_SHA256_128_AES128:
		return 16
	case chksumtype.HMAC_SHA384_192_AES256:
		return 24
	}
	return 0
}

// Signature is PAC_SIGNATURE_DATA for the server, KDC and ticket
// signatures.
type Signature struct {
	Kind           uint32
	SignatureType  int32
	Signature      []byte
	RODCIdentifier uint16
	HasRODC        bool
}

func (s *Signature) Type() uint32 { return s.Kind }

func (s *Signature) Marshal() ([]byte, error) {
	b := binary.LittleEndian.AppendUint32(nil, uint32(s.SignatureType))
	b = append(b, s.Signature...)
	if s.HasRODC {
		b = binary.LittleEndian.AppendUint16(b, s.RODCIdentifier)
	}
	return b, nil
}

func (s *Signature) Unmarshal(b []byte) error {
	if len(b) < 4 {
		return fmt.Errorf("%w: signature of %d bytes", ErrMalformed, len(b))
	}
	s.SignatureType = int32(binary.LittleEndian.Uint32(b))
	n := signatureSize(s.SignatureType)
	if n == 0 {
		n = len(b) - 4
	}
	if len(b) < 4+n {
		return fmt.Errorf("%w: signature type %d needs %d bytes, have %d", ErrMalformed, s.SignatureType, n, len(b)-4)
	}
	s.Signature = append([]byte(nil), b[4:4+n]...)
	if len(b) >= 4+n+2 {
		s.RODCIdentifier = binary.LittleEndian.Uint16(b[4+n:])
		s.HasRODC = true
	}
	return nil
}

// ClientInfo is PAC_CLIENT_INFO: the TGT auth time and client name.
type ClientInfo struct {
	ClientID mstypes.FileTime
	Name     string
}

// NewClientInfo returns client info for a ticket issued at authTime.
func NewClientInfo(authTime time.Time, name string) *ClientInfo {
	return &ClientInfo{ClientID: mstypes.GetFileTime(authTime.Truncate(time.Second)), Name: name}
}

func (*ClientInfo) Type() uint32 { return TypeClientInfo }

func (c *ClientInfo) Marshal() ([]byte, error) {
	name := utf16le(c.Name)
	b := binary.LittleEndian.AppendUint32(nil, c.ClientID.LowDateTime)
	b = binary.LittleEndian.AppendUint32(b, c.ClientID.HighDateTime)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(name)))
	return append(b, name...), nil
}

func (c *ClientInfo) Unmarshal(b []byte) error {
	if len(b) < 10 {
		return fmt.Errorf("%w: client info of %d bytes", ErrMalformed, len(b))
	}
	c.ClientID = mstypes.FileTime{LowDateTime: binary.LittleEndian.Uint32(b), HighDateTime: binary.LittleEndian.Uint32(b[4:])}
	n := int(binary.LittleEndian.Uint16(b[8:]))
	if len(b) < 10+n {
		return fmt.Errorf("%w: client name length %d", ErrMalformed, n)
	}
	c.Name = fromUTF16LE(b[10 : 10+n])
	return nil
}

// UPN_DNS_INFO flags.
const (
	UPNFlagNoUPNAttribute uint32 = 1
	UPNFlagExtended       uint32 = 2
)

// UPNDomainInfo is UPN_DNS_INFO. SamName and SID are present when Flags
// has UPNFlagExtended.
type UPNDomainInfo struct {
	UPN       string
	DNSDomain string
	Flags     uint32
	SamName   string
	SID       *mstypes.RPCSID
}

func (*UPNDomainInfo) Type() uint32 { return TypeUPNDomainInfo }

func (u *UPNDomainInfo) Marshal() ([]byte, error) {
	hdr := 12
	ext := u.Flags&UPNFlagExtended != 0
	if ext {
		hdr = 20
	}
	var fields [][]byte
	fields = append(fields, utf16le(u.UPN), utf16le(u.DNSDomain))
	if ext {
		var sid []byte
		if u.SID != nil {
			sid = marshalSID(*u.SID)
		}
		fields = append(fields, utf16le(u.SamName), sid)
	}
	b := make([]byte, hdr)
	for i, f := range fields {
		off := align8(len(b))
		if len(f) == 0 {
			off = 0
		}
		idx := 4 * i
		if i >= 2 {
			idx += 4 // skip Flags
		}
		binary.LittleEndian.PutUint16(b[idx:], uint16(len(f)))
		binary.LittleEndian.PutUint16(b[idx+2:], uint16(off))
		if len(f) > 0 {
			b = append(b, make([]byte, off-len(b))...)
			b = append(b, f...)
		}
	}
	binary.LittleEndian.PutUint32(b[8:], u.Flags)
	return b, nil
}

func (u *UPNDomainInfo) Unmarshal(b []byte) error {
	if len(b) < 12 {
		return fmt.Errorf("%w: upn info of %d bytes", ErrMalformed, len(b))
	}
	field := func(idx int) ([]byte, error) {
		n := int(binary.LittleEndian.Uint16(b[idx:]))
		off := int(binary.LittleEndian.Uint16(b[idx+2:]))
		if n == 0 {
			return nil, nil
		}
		if off+n > len(b) {
			return nil, fmt.Errorf("%w: upn info field at %d+%d", ErrMalformed, off, n)
		}
		return b[off : off+n], nil
	}
	upn, err := field(0)
	if err != nil {
		return err
	}
	dns, err := field(4)
	if err != nil {
		return err
	}
	u.UPN, u.DNSDomain = fromUTF16LE(upn), fromUTF16LE(dns)
	u.Flags = binary.LittleEndian.Uint32(b[8:])
	if u.Flags&UPNFlagExtended == 0 || len(b) < 20 {
		return nil
	}
	sam, err := field(12)
	if err != nil {
		return err
	}
	u.SamName = fromUTF16LE(sam)
	sid, err := field(16)
	if err != nil {
		return err
	}
	if len(sid) > 0 {
		s, err := unmarshalSID(sid)
		if err != nil {
			return err
		}
		u.SID = &s
	}
	return nil
}

// marshalSID is the flat SID form used outside NDR.
func marshalSID(s mstypes.RPCSID) []byte {
	b := []byte{s.Revision, uint8(len(s.SubAuthority))}
	b = append(b, s.IdentifierAuthority[:]...)
	for _, a := range s.SubAuthority {
		b = binary.LittleEndian.AppendUint32(b, a)
	}
	return b
}

func unmarshalSID(b []byte) (mstypes.RPCSID, error) {
	var s mstypes.RPCSID
	if len(b) < 8 {
		return s, fmt.Errorf("%w: sid of %d bytes", ErrMalformed, len(b))
	}
	s.Revision = b[0]
	s.SubAuthorityCount = b[1]
	copy(s.IdentifierAuthority[:], b[2:8])
	n := int(s.SubAuthorityCount)
	if len(b) < 8+4*n {
		return s, fmt.Errorf("%w: sid with %d sub-authorities in %d bytes", ErrMalformed, n, len(b))
	}
	s.SubAuthority = make([]uint32, n)
	for i := range s.SubAuthority {
		s.SubAuthority[i] = binary.LittleEndian.Uint32(b[8+4*i:])
	}
	return s, nil
}

// CredentialInfo is PAC_CREDENTIAL_INFO. The serialized credentials are
// encrypted with the AS reply key and are opaque here.
type CredentialInfo struct {
	EType     int32
	Encrypted []byte
}

func (*CredentialInfo) Type() uint32 { return TypeCredentials }

func (c *CredentialInfo) Marshal() ([]byte, error) {
	b := binary.LittleEndian.AppendUint32(nil, 0)
	b = binary.LittleEndian.AppendUint32(b, uint32(c.EType))
	return append(b, c.Encrypted...), nil
}

func (c *CredentialInfo) Unmarshal(b []byte) error {
	if len(b) < 8 {
		return fmt.Errorf("%w: credential info of %d bytes", ErrMalformed, len(b))
	}
	if v := binary.LittleEndian.Uint32(b); v != 0 {
		return fmt.Errorf("%w: credential info version %d", ErrMalformed, v)
	}
	c.EType = int32(binary.LittleEndian.Uint32(b[4:]))
	c.Encrypted = append([]byte(nil), b[8:]...)
	return nil
}

// SealCredentials encrypts serialized PAC_CREDENTIAL_DATA with the reply key.
func SealCredentials(reg *crypto.Registry, replyKey crypto.Key, data []byte) (*CredentialInfo, error) {
	ct, err := reg.Encrypt(replyKey, keyusage.KERB_NON_KERB_SALT, data)
	if err != nil {
		return nil, err
	}
	return &CredentialInfo{EType: replyKey.EType, Encrypted: ct}, nil
}

// Open decrypts the serialized credentials with the reply key.
func (c *CredentialInfo) Open(reg *crypto.Registry, replyKey crypto.Key) ([]byte, error) {
	if replyKey.EType != c.EType {
		return nil, fmt.Errorf("credential info etype %d, key etype %d: %w", c.EType, replyKey.EType, crypto.ErrUnsupportedEType)
	}
	return reg.Decrypt(replyKey, keyusage.KERB_NON_KERB_SALT, c.Encrypted)
}

// DelegationInfo is S4U_DELEGATION_INFO.
type DelegationInfo struct {
	S4U2ProxyTarget   string
	TransitedServices []string
}

func (*DelegationInfo) Type() uint32 { return TypeDelegationInfo }

func (di *DelegationInfo) Marshal() ([]byte, error) {
	return ndr.Serialize(func(e *ndr.Encoder) {
		e.UnicodeString(di.S4U2ProxyTarget)
		svcs := di.TransitedServices
		e.Uint32(uint32(len(svcs)))
		e.Pointer(len(svcs) > 0, func(e *ndr.Encoder) {
			e.Uint32(uint32(len(svcs)))
			for _, s := range svcs {
				e.UnicodeString(s)
			}
		})
	}), nil
}

func (di *DelegationInfo) Unmarshal(b []byte) error {
	var out DelegationInfo
	err := ndr.Deserialize(b, func(d *ndr.Decoder) {
		d.UnicodeString(&out.S4U2ProxyTarget)
		n := d.Uint32()
		d.Pointer(func(d *ndr.Decoder) {
			c := d.Count(n, 8)
			out.TransitedServices = make([]string, c)
			for i := range out.TransitedServices {
				d.UnicodeString(&out.TransitedServices[i])
			}
		})
	})
	if err != nil {
		return fmt.Errorf("delegation info: %w", err)
	}
	*di = out
	return nil
}

// PAC_ATTRIBUTES_INFO flags.
const (
	AttributePACWasRequested       uint32 = 1
	AttributePACWasGivenImplicitly uint32 = 2
)

// Attributes is PAC_ATTRIBUTES_INFO.
type Attributes struct {
	Flags uint32
}

func (*Attributes) Type() uint32 { return TypeAttributes }

func (a *Attributes) Marshal() ([]byte, error) {
	b := binary.LittleEndian.AppendUint32(nil, 2)
	return binary.LittleEndian.AppendUint32(b, a.Flags), nil
}

func (a *Attributes) Unmarshal(b []byte) error {
	if len(b) < 8 {
		return fmt.Errorf("%w: attributes of %d bytes", ErrMalformed, len(b))
	}
	bits := binary.LittleEndian.Uint32(b)
	if need := 4 + 4*int((bits+31)/32); bits > 1024 || len(b) < need {
		return fmt.Errorf("%w: attributes with %d bits in %d bytes", ErrMalformed, bits, len(b))
	}
	a.Flags = binary.LittleEndian.Uint32(b[4:])
	return nil
}

// Requestor is PAC_REQUESTOR, the SID of the principal the TGT was issued
// to.
type Requestor struct {
	SID mstypes.RPCSID
}

func (*Requestor) Type() uint32 { return TypeRequestor }

func (r *Requestor) Marshal() ([]byte, error) { return marshalSID(r.SID), nil }

func (r *Requestor) Unmarshal(b []byte) error {
	s, err := unmarshalSID(b)
	if err != nil {
		return err
	}
	r.SID = s
	return nil
}

// Raw keeps a buffer this package does not interpret, such as DEVICE_INFO.
type Raw struct {
	Kind uint32
	Data []byte
}

func (r *Raw) Type() uint32             { return r.Kind }
func (r *Raw) Marshal() ([]byte, error) { return r.Data, nil }
