package ccache

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	gkcred "github.com/jcmturner/gokrb5/v8/credentials"
	"github.com/jcmturner/gokrb5/v8/iana/flags"
	"github.com/jcmturner/gokrb5/v8/iana/nametype"
	"github.com/jcmturner/gokrb5/v8/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kardianos/gokdc/krb5/messages"
)

const realm = "TEST.GOKDC.LOCAL"

var (
	alice = messages.Principal{Name: messages.NewPrincipalName(nametype.KRB_NT_PRINCIPAL, "alice"), Realm: realm}
	tgs   = messages.Principal{Name: messages.TGSName(realm), Realm: realm}
	web   = messages.Principal{Name: messages.NewPrincipalName(nametype.KRB_NT_SRV_INST, "HTTP", "web.test.gokdc.local"), Realm: realm}
	start = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
)

func cred(server messages.Principal, fill byte) Credential {
	return Credential{
		Client:    alice,
		Server:    server,
		Key:       messages.EncryptionKey{KeyType: 18, KeyValue: []byte{fill, fill, fill, fill}},
		AuthTime:  Unix(start),
		StartTime: Unix(start),
		EndTime:   Unix(start.Add(10 * time.Hour)),
		RenewTill: Unix(start.Add(7 * 24 * time.Hour)),
		Flags:     uint32(messages.NewFlags(flags.Forwardable, flags.Renewable, flags.Initial)),
		Addresses: []messages.HostAddress{{AddrType: 2, Address: []byte{127, 0, 0, 1}}},
		AuthData:  messages.AuthorizationData{{ADType: 1, ADData: []byte("ad")}},
		Ticket:    []byte{0x61, 0x03, fill, fill, fill},
	}
}

func sample(version uint8) *CCache {
	c := New(alice)
	c.Version = version
	c.Add(cred(tgs, 1))
	c.Add(cred(web, 2))
	return c
}

func TestRoundTripAllVersions(t *testing.T) {
	for _, v := range []uint8{1, 2, 3, 4} {
		c := sample(v)
		if v == 4 {
			c.SetKDCOffset(-3*time.Second - 250*time.Microsecond)
		}
		b, err := c.Marshal()
		require.NoError(t, err, "version %d", v)
		got, err := Parse(b)
		require.NoError(t, err, "version %d", v)
		if v == 1 {
			// Version 1 does not store name types.
			for i := range c.Credentials {
				c.Credentials[i].Client.Name.NameType = 0
				c.Credentials[i].Server.Name.NameType = 0
			}
			c.DefaultPrincipal.Name.NameType = 0
		}
		assert.Equal(t, c, got, "version %d", v)

		again, err := got.Marshal()
		require.NoError(t, err)
		assert.Equal(t, b, again, "version %d", v)
	}
}

func TestKDCOffset(t *testing.T) {
	c := New(alice)
	_, ok := c.KDCOffset()
	assert.False(t, ok)
	c.SetKDCOffset(90 * time.Second)
	c.SetKDCOffset(-2 * time.Second)
	require.Len(t, c.Header, 1)
	d, ok := c.KDCOffset()
	require.True(t, ok)
	assert.Equal(t, -2*time.Second, d)
}

func TestUnknownHeaderKept(t *testing.T) {
	c := sample(4)
	c.Header = []HeaderField{{Tag: 9, Value: []byte("xyz")}}
	b, err := c.Marshal()
	require.NoError(t, err)
	got, err := Parse(b)
	require.NoError(t, err)
	assert.Equal(t, c.Header, got.Header)
}

func TestCorrupt(t *testing.T) {
	good, err := sample(4).Marshal()
	require.NoError(t, err)

	for name, b := range map[string][]byte{
		"empty":     nil,
		"magic":     {0x04, 0x04, 0, 0},
		"version":   {0x05, 0x07, 0, 0},
		"truncated": good[:len(good)-3],
		"count":     append(good[:4:4], 0xff, 0xff, 0xff, 0xff),
	} {
		_, err := Parse(b)
		assert.ErrorIs(t, err, ErrCorrupt, name)
	}
}

func TestAddFindReplace(t *testing.T) {
	c := sample(4)
	c.Add(cred(web, 9))
	assert.Len(t, c.Credentials, 2)

	got, ok := c.Find(web)
	require.True(t, ok)
	assert.Equal(t, byte(9), got.Key.KeyValue[0])

	// Name type is not significant for lookup.
	alt := web
	alt.Name.NameType = nametype.KRB_NT_PRINCIPAL
	_, ok = c.Find(alt)
	assert.True(t, ok)

	c.Remove(web)
	_, ok = c.Find(web)
	assert.False(t, ok)
}

func TestConfigEntries(t *testing.T) {
	c := sample(4)
	c.SetConfig("pa_type", "", []byte("138"))
	c.SetConfig("refresh_time", web.String(), []byte("1775000000"))
	c.SetConfig("pa_type", "", []byte("2"))

	v, ok := c.Config("pa_type", "")
	require.True(t, ok)
	assert.Equal(t, []byte("2"), v)
	_, ok = c.Config("refresh_time", "")
	assert.False(t, ok)
	v, ok = c.Config("refresh_time", web.String())
	require.True(t, ok)
	assert.Equal(t, []byte("1775000000"), v)

	assert.ElementsMatch(t, []string{"pa_type", "refresh_time/" + web.String()}, c.ConfigKeys())
	assert.Len(t, c.Tickets(), 2)

	b, err := c.Marshal()
	require.NoError(t, err)
	got, err := Parse(b)
	require.NoError(t, err)
	v, ok = got.Config("pa_type", "")
	require.True(t, ok)
	assert.Equal(t, []byte("2"), v)
}

func TestExpired(t *testing.T) {
	cr := cred(tgs, 1)
	assert.False(t, cr.Expired(start.Add(time.Hour)))
	assert.True(t, cr.Expired(start.Add(11*time.Hour)))
	assert.True(t, cr.TicketFlags().Has(flags.Renewable))
	assert.Equal(t, start, Time(cr.AuthTime))
	assert.True(t, Time(0).IsZero())
}

func TestLoad(t *testing.T) {
	c := sample(4)
	c.SetConfig("fast_avail", tgs.String(), []byte("yes"))
	b, err := c.Marshal()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "krb5cc_test")
	require.NoError(t, os.WriteFile(path, b, 0o600))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, c, got)

	_, err = Load(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

// Caches we write must be readable by gokrb5, which tracks the MIT format.
func TestInterop(t *testing.T) {
	c := sample(4)
	c.SetKDCOffset(5 * time.Second)
	c.SetConfig("pa_type", "", []byte("2"))
	b, err := c.Marshal()
	require.NoError(t, err)

	gc := new(gkcred.CCache)
	require.NoError(t, gc.Unmarshal(b))
	assert.Equal(t, uint8(4), gc.Version)
	assert.Equal(t, realm, gc.GetClientRealm())
	assert.Equal(t, "alice", gc.GetClientPrincipalName().PrincipalNameString())
	assert.Len(t, gc.GetEntries(), 2)

	e, ok := gc.GetEntry(types.NewPrincipalName(nametype.KRB_NT_SRV_INST, "HTTP/web.test.gokdc.local"))
	require.True(t, ok)
	assert.Equal(t, []byte{2, 2, 2, 2}, e.Key.KeyValue)
	assert.Equal(t, start.Add(10*time.Hour).Unix(), e.EndTime.Unix())
	assert.Equal(t, cred(web, 2).Ticket, e.Ticket)
	assert.True(t, e.TicketFlags.Bytes[0]&0x40 != 0, "forwardable")
}

// testdata/mit_v4.ccache is a cache written by MIT krb5 holding a TGT, a
// fast_avail config entry and a ticket for HTTP/host.test.gokrb5, with a 6
// second KDC offset in the header.
func TestMITCache(t *testing.T) {
	b, err := os.ReadFile(filepath.Join("testdata", "mit_v4.ccache"))
	require.NoError(t, err)
	c, err := Parse(b)
	require.NoError(t, err)

	assert.Equal(t, uint8(4), c.Version)
	assert.Equal(t, "testuser1@TEST.GOKRB5", c.DefaultPrincipal.String())
	assert.Len(t, c.Credentials, 3)
	assert.Len(t, c.Tickets(), 2)

	off, ok := c.KDCOffset()
	require.True(t, ok)
	assert.Equal(t, 6*time.Second, off)

	const mitRealm = "TEST.GOKRB5"
	tgt, ok := c.Find(messages.Principal{Name: messages.TGSName(mitRealm), Realm: mitRealm})
	require.True(t, ok)
	assert.Equal(t, int32(18), tgt.Key.KeyType)
	assert.Len(t, tgt.Key.KeyValue, 32)
	assert.Equal(t, uint32(1499880334), tgt.AuthTime)
	assert.Equal(t, uint32(1499923534), tgt.EndTime)
	assert.Equal(t, uint32(1499966728), tgt.RenewTill)
	assert.Equal(t, uint32(0x40c10000), tgt.Flags)
	for _, f := range []int{flags.Forwardable, flags.Renewable, flags.Initial} {
		assert.True(t, tgt.TicketFlags().Has(f), "flag %d", f)
	}
	assert.Len(t, tgt.Ticket, 346)
	assert.Empty(t, tgt.SecondTicket)

	http := messages.Principal{Name: messages.NewPrincipalName(nametype.KRB_NT_PRINCIPAL, "HTTP", "host.test.gokrb5"), Realm: mitRealm}
	svc, ok := c.Find(http)
	require.True(t, ok)
	assert.Equal(t, uint32(1499880398), svc.StartTime)
	assert.Equal(t, uint32(0x40890000), svc.Flags)
	assert.Len(t, svc.Ticket, 368)

	v, ok := c.Config("fast_avail", "krbtgt/TEST.GOKRB5@TEST.GOKRB5")
	require.True(t, ok)
	assert.Equal(t, []byte("yes"), v)

	again, err := c.Marshal()
	require.NoError(t, err)
	assert.Equal(t, b, again)
}

// Versions 1 and 2 store every integer, ticket flags included, in host
// byte order.
func TestFlagsByteOrder(t *testing.T) {
	want := cred(tgs, 1).Flags
	for v, order := range map[uint8]binary.AppendByteOrder{1: binary.NativeEndian, 2: binary.NativeEndian, 3: binary.BigEndian, 4: binary.BigEndian} {
		c := New(alice)
		c.Version = v
		c.Add(cred(tgs, 1))
		b, err := c.Marshal()
		require.NoError(t, err)
		assert.True(t, bytes.Contains(b, order.AppendUint32(nil, want)), "version %d", v)

		got, err := Parse(b)
		require.NoError(t, err)
		assert.Equal(t, want, got.Credentials[0].Flags, "version %d", v)
	}
}
