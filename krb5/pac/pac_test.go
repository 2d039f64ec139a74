package pac

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/jcmturner/gokrb5/v8/iana/etypeID"
	"github.com/jcmturner/rpc/v2/mstypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kardianos/gokdc/krb5/crypto"
	"github.com/kardianos/gokdc/krb5/ndr"
)

var domainSID = mstypes.RPCSID{
	Revision:            1,
	SubAuthorityCount:   4,
	IdentifierAuthority: [6]byte{0, 0, 0, 0, 0, 5},
	SubAuthority:        []uint32{21, 1111, 2222, 3333},
}

func testLogonInfo() *LogonInfo {
	sid := domainSID
	return &LogonInfo{
		LogonTime:          mstypes.GetFileTime(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)),
		LogoffTime:         NeverExpires,
		KickOffTime:        NeverExpires,
		PasswordMustChange: NeverExpires,
		EffectiveName:      "alice",
		FullName:           "Alice Liddell",
		LogonCount:         3,
		UserID:             1105,
		PrimaryGroupID:     513,
		GroupIDs: []mstypes.GroupMembership{
			{RelativeID: 513, Attributes: DefaultGroupAttributes},
			{RelativeID: 1200, Attributes: DefaultGroupAttributes},
		},
		UserFlags:          UserFlagExtraSIDs,
		LogonServer:        "KDC1",
		LogonDomainName:    "TEST",
		LogonDomainID:      &sid,
		UserAccountControl: 0x10,
		ExtraSIDs: []mstypes.KerbSidAndAttributes{{
			SID: mstypes.RPCSID{
				Revision: 1, SubAuthorityCount: 1,
				IdentifierAuthority: [6]byte{0, 0, 0, 0, 0, 5},
				SubAuthority:        []uint32{18},
			},
			Attributes: DefaultGroupAttributes,
		}},
	}
}

func testKeys(t *testing.T) (*crypto.Registry, crypto.Key, crypto.Key) {
	reg := crypto.NewRegistry()
	server, err := reg.RandomKey(etypeID.AES256_CTS_HMAC_SHA1_96)
	require.NoError(t, err)
	kdc, err := reg.RandomKey(etypeID.AES256_CTS_HMAC_SHA1_96)
	require.NoError(t, err)
	return reg, server, kdc
}

func testPAC() *PAC {
	return New(
		testLogonInfo(),
		NewClientInfo(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), "alice"),
		&UPNDomainInfo{UPN: "alice@test.gokdc.local", DNSDomain: "TEST.GOKDC.LOCAL"},
	)
}

func TestSignVerify(t *testing.T) {
	reg, server, kdc := testKeys(t)
	signed, err := testPAC().Sign(server, kdc, reg)
	require.NoError(t, err)

	p, err := Decode(signed)
	require.NoError(t, err)
	require.NoError(t, p.VerifyServerSignature(server, reg))
	require.NoError(t, p.VerifyKDCSignature(kdc, reg))

	li := p.LogonInfo()
	require.NotNil(t, li)
	assert.Equal(t, testLogonInfo(), li)
	assert.Equal(t, "S-1-5-21-1111-2222-3333-1105", li.UserSID())
	assert.Equal(t, []string{
		"S-1-5-21-1111-2222-3333-513",
		"S-1-5-21-1111-2222-3333-1200",
		"S-1-5-18",
	}, li.GroupSIDs())

	require.NotNil(t, p.ClientInfo())
	assert.Equal(t, "alice", p.ClientInfo().Name)
	require.NotNil(t, p.UPNDomainInfo())
	assert.Equal(t, "TEST.GOKDC.LOCAL", p.UPNDomainInfo().DNSDomain)

	ss := p.ServerSignature()
	require.NotNil(t, ss)
	assert.Len(t, ss.Signature, 12)
}

func TestSignatureWrongKey(t *testing.T) {
	reg, server, kdc := testKeys(t)
	signed, err := testPAC().Sign(server, kdc, reg)
	require.NoError(t, err)
	p, err := Decode(signed)
	require.NoError(t, err)

	assert.ErrorIs(t, p.VerifyServerSignature(kdc, reg), ErrSignatureFailed)
	assert.ErrorIs(t, p.VerifyKDCSignature(server, reg), ErrSignatureFailed)
}

func TestTamperedBuffer(t *testing.T) {
	reg, server, kdc := testKeys(t)
	pac := testPAC()
	pac.Set(&Raw{Kind: 99, Data: []byte("opaque-buffer")})
	signed, err := pac.Sign(server, kdc, reg)
	require.NoError(t, err)

	i := bytes.Index(signed, []byte("opaque-buffer"))
	require.True(t, i > 0)
	signed[i] ^= 0xff

	p, err := Decode(signed)
	require.NoError(t, err)
	assert.ErrorIs(t, p.VerifyServerSignature(server, reg), ErrSignatureFailed)
	// The KDC signature covers only the server signature.
	assert.NoError(t, p.VerifyKDCSignature(kdc, reg))
}

func TestChangedElementInvalidatesSignature(t *testing.T) {
	reg, server, kdc := testKeys(t)
	signed, err := testPAC().Sign(server, kdc, reg)
	require.NoError(t, err)

	p, err := Decode(signed)
	require.NoError(t, err)
	require.NoError(t, p.VerifyServerSignature(server, reg))
	p.Set(NewClientInfo(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), "mallory"))
	assert.ErrorIs(t, p.VerifyServerSignature(server, reg), ErrSignatureFailed)

	p, err = Decode(signed)
	require.NoError(t, err)
	p.Remove(TypeUPNDomainInfo)
	assert.ErrorIs(t, p.VerifyServerSignature(server, reg), ErrSignatureFailed)

	// Signing again covers the change.
	resigned, err := p.Sign(server, kdc, reg)
	require.NoError(t, err)
	p, err = Decode(resigned)
	require.NoError(t, err)
	assert.NoError(t, p.VerifyServerSignature(server, reg))
	assert.Nil(t, p.UPNDomainInfo())
}

func TestSignDropsTicketSignature(t *testing.T) {
	reg, server, kdc := testKeys(t)
	pac := testPAC()
	pac.Set(&Signature{Kind: TypeTicketChecksum, SignatureType: 16, Signature: make([]byte, 12)})
	signed, err := pac.Sign(server, kdc, reg)
	require.NoError(t, err)
	assert.Nil(t, pac.Find(TypeTicketChecksum))

	p, err := Decode(signed)
	require.NoError(t, err)
	assert.Nil(t, p.Find(TypeTicketChecksum))
	assert.NoError(t, p.VerifyServerSignature(server, reg))
}

func TestBufferAlignment(t *testing.T) {
	reg, server, kdc := testKeys(t)
	signed, err := testPAC().Sign(server, kdc, reg)
	require.NoError(t, err)
	p, err := Decode(signed)
	require.NoError(t, err)
	require.Len(t, p.dir, 5)
	for _, d := range p.dir {
		assert.Zero(t, d.Offset%8, "buffer %d at %d", d.Type, d.Offset)
	}
	assert.Zero(t, len(signed)%8)
}

func TestDecodeMalformed(t *testing.T) {
	// One buffer at an unaligned offset.
	b := make([]byte, 32)
	binary.LittleEndian.PutUint32(b[0:], 1)
	binary.LittleEndian.PutUint32(b[8:], 99)
	binary.LittleEndian.PutUint32(b[12:], 4)
	binary.LittleEndian.PutUint64(b[16:], 25)
	_, err := Decode(b)
	assert.ErrorIs(t, err, ErrMalformed)

	// Buffer running past the end.
	binary.LittleEndian.PutUint64(b[16:], 24)
	binary.LittleEndian.PutUint32(b[12:], 16)
	_, err = Decode(b)
	assert.ErrorIs(t, err, ErrMalformed)

	// More buffers than bytes.
	binary.LittleEndian.PutUint32(b[0:], 3)
	_, err = Decode(b)
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Decode([]byte{1, 0})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestMissingSignature(t *testing.T) {
	reg, server, _ := testKeys(t)
	b, err := testPAC().Encode()
	require.NoError(t, err)
	p, err := Decode(b)
	require.NoError(t, err)
	assert.ErrorIs(t, p.VerifyServerSignature(server, reg), ErrMissingElement)
}

func TestRODCIdentifierKept(t *testing.T) {
	reg, server, kdc := testKeys(t)
	pac := testPAC()
	pac.Set(&Signature{Kind: TypePrivSvrChecksum, RODCIdentifier: 7, HasRODC: true})
	signed, err := pac.Sign(server, kdc, reg)
	require.NoError(t, err)
	p, err := Decode(signed)
	require.NoError(t, err)
	ks := p.KDCSignature()
	require.NotNil(t, ks)
	assert.True(t, ks.HasRODC)
	assert.Equal(t, uint16(7), ks.RODCIdentifier)
	assert.NoError(t, p.VerifyKDCSignature(kdc, reg))
	assert.NoError(t, p.VerifyServerSignature(server, reg))
}

func roundTrip[T interface {
	Element
	Unmarshal([]byte) error
}](t *testing.T, in T, out T) T {
	t.Helper()
	b, err := in.Marshal()
	require.NoError(t, err)
	require.NoError(t, out.Unmarshal(b))
	return out
}

func TestElementRoundTrip(t *testing.T) {
	sid := domainSID
	upn := roundTrip(t, &UPNDomainInfo{
		UPN: "bob@test.gokdc.local", DNSDomain: "TEST.GOKDC.LOCAL",
		Flags: UPNFlagExtended, SamName: "bob", SID: &sid,
	}, new(UPNDomainInfo))
	assert.Equal(t, "bob", upn.SamName)
	require.NotNil(t, upn.SID)
	assert.Equal(t, domainSID.String(), upn.SID.String())

	del := roundTrip(t, &DelegationInfo{
		S4U2ProxyTarget:   "cifs/fs.test.gokdc.local",
		TransitedServices: []string{"http/web.test.gokdc.local@TEST.GOKDC.LOCAL"},
	}, new(DelegationInfo))
	assert.Equal(t, "cifs/fs.test.gokdc.local", del.S4U2ProxyTarget)
	assert.Equal(t, []string{"http/web.test.gokdc.local@TEST.GOKDC.LOCAL"}, del.TransitedServices)

	attr := roundTrip(t, &Attributes{Flags: AttributePACWasRequested}, new(Attributes))
	assert.Equal(t, AttributePACWasRequested, attr.Flags)

	req := roundTrip(t, &Requestor{SID: domainSID}, new(Requestor))
	assert.Equal(t, domainSID.String(), req.SID.String())

	ci := roundTrip(t, NewClientInfo(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), "über"), new(ClientInfo))
	assert.Equal(t, "über", ci.Name)
	assert.True(t, ci.ClientID.Time().Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)))
}

func TestCredentialInfo(t *testing.T) {
	reg := crypto.NewRegistry()
	key, err := reg.RandomKey(etypeID.AES128_CTS_HMAC_SHA1_96)
	require.NoError(t, err)
	ci, err := SealCredentials(reg, key, []byte("ntlm-supplemental"))
	require.NoError(t, err)

	got := roundTrip(t, ci, new(CredentialInfo))
	pt, err := got.Open(reg, key)
	require.NoError(t, err)
	assert.Equal(t, "ntlm-supplemental", string(pt))

	other, err := reg.RandomKey(etypeID.AES256_CTS_HMAC_SHA1_96)
	require.NoError(t, err)
	_, err = got.Open(reg, other)
	assert.ErrorIs(t, err, crypto.ErrUnsupportedEType)

	assert.Error(t, new(CredentialInfo).Unmarshal([]byte{1, 0, 0, 0, 17, 0, 0, 0}))
}

func TestClaimsRoundTrip(t *testing.T) {
	c := NewClientClaims(ClaimsArray{
		SourceType: ClaimsSourceAD,
		Entries: []ClaimEntry{
			{ID: "ad://ext/department", Type: ClaimString, Strings: []string{"Sales", "EMEA"}},
			{ID: "ad://ext/level", Type: ClaimInt64, Int64: []int64{-4, 9}},
			{ID: "ad://ext/badge", Type: ClaimUInt64, UInt64: []uint64{42}},
			{ID: "ad://ext/active", Type: ClaimBoolean, Bools: []bool{true}},
		},
	})
	got := roundTrip(t, c, &Claims{Kind: TypeClientClaims})
	require.NotNil(t, got.Set)
	assert.Equal(t, c.Set, got.Set)
	assert.Nil(t, got.Compressed())
}

func TestClaimsUnknownType(t *testing.T) {
	c := NewClientClaims(ClaimsArray{SourceType: ClaimsSourceAD, Entries: []ClaimEntry{{ID: "x", Type: 99}}})
	_, err := c.Marshal()
	assert.Error(t, err)
}

func TestClaimsCountMismatch(t *testing.T) {
	// Two arrays declared, one encoded.
	set := ndr.Serialize(func(e *ndr.Encoder) {
		e.Uint32(2)
		e.Pointer(true, func(e *ndr.Encoder) {
			e.Uint32(1)
			e.Uint16(ClaimsSourceAD)
			e.Uint32(0)
			e.Pointer(false, nil)
		})
		e.Uint16(0)
		e.Uint32(0)
		e.Pointer(false, nil)
	})
	var s ClaimsSet
	assert.ErrorIs(t, s.unmarshal(set), ndr.ErrCountMismatch)
}

func TestCompressedClaimsKept(t *testing.T) {
	blob := []byte{1, 2, 3, 4, 5}
	b := ndr.Serialize(func(e *ndr.Encoder) {
		e.Uint32(uint32(len(blob)))
		e.Pointer(true, func(e *ndr.Encoder) { e.ConformantBytes(blob) })
		e.Uint16(mstypes.CompressionFormatXPressHuff)
		e.Uint32(64)
		e.Uint16(0)
		e.Uint32(0)
		e.Pointer(false, nil)
	})
	c := &Claims{Kind: TypeDeviceClaims}
	require.NoError(t, c.Unmarshal(b))
	assert.Nil(t, c.Set)
	assert.Equal(t, blob, c.Compressed())

	again, err := c.Marshal()
	require.NoError(t, err)
	assert.Equal(t, b, again)
}

func TestUnknownBufferKept(t *testing.T) {
	p := New(&Raw{Kind: TypeDeviceInfo, Data: []byte{9, 9, 9}}, &Attributes{Flags: AttributePACWasGivenImplicitly})
	b, err := p.Encode()
	require.NoError(t, err)
	got, err := Decode(b)
	require.NoError(t, err)
	raw, ok := got.Find(TypeDeviceInfo).(*Raw)
	require.True(t, ok)
	assert.Equal(t, []byte{9, 9, 9}, raw.Data)
	again, err := got.Encode()
	require.NoError(t, err)
	assert.Equal(t, b, again)
}
