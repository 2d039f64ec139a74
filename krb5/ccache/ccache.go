// Package ccache reads and writes MIT credential cache files, versions 1
// to 4, including the X-CACHECONF configuration entries.
//
// Decoded values keep their wire form (times as seconds, flags as a 32 bit
// word) so that Marshal reproduces the input exactly.
package ccache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kardianos/gokdc/krb5/messages"
)

const magic = 0x05

// HeaderKDCOffset is the v4 header tag holding the client/KDC clock offset.
const HeaderKDCOffset = 1

// ErrCorrupt is returned for data that is not a credential cache. It is not
// recoverable by retrying.
var ErrCorrupt = errors.New("ccache: corrupt credential cache")

// HeaderField is one v4 header tag.
type HeaderField struct {
	Tag   uint16
	Value []byte
}

// CCache is a decoded credential cache.
type CCache struct {
	Version          uint8
	Header           []HeaderField
	DefaultPrincipal messages.Principal
	Credentials      []Credential
}

// Credential is one cached ticket or configuration entry.
type Credential struct {
	Client       messages.Principal
	Server       messages.Principal
	Key          messages.EncryptionKey
	AuthTime     uint32
	StartTime    uint32
	EndTime      uint32
	RenewTill    uint32
	IsSKey       bool
	Flags        uint32
	Addresses    []messages.HostAddress
	AuthData     messages.AuthorizationData
	Ticket       []byte
	SecondTicket []byte
}

// Unix converts t to the 32 bit seconds stored in a cache.
func Unix(t time.Time) uint32 {
	if t.IsZero() {
		return 0
	}
	return uint32(t.Unix())
}

// Time converts stored seconds back to a time; zero stays zero.
func Time(s uint32) time.Time {
	if s == 0 {
		return time.Time{}
	}
	return time.Unix(int64(s), 0).UTC()
}

// Expired reports whether the ticket ended before now.
func (c *Credential) Expired(now time.Time) bool {
	return c.EndTime != 0 && Time(c.EndTime).Before(now)
}

// TicketFlags returns the flags in message form.
func (c *Credential) TicketFlags() messages.Flags {
	return messages.Flags(c.Flags)
}

// New returns an empty version 4 cache for principal.
func New(principal messages.Principal) *CCache {
	return &CCache{Version: 4, DefaultPrincipal: principal}
}

// Load reads the cache at path.
func Load(path string) (*CCache, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ccache: %w", err)
	}
	return Parse(b)
}

type reader struct {
	b     []byte
	order binary.ByteOrder
	err   error
}

func (r *reader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > len(r.b) {
		r.err = fmt.Errorf("%w: need %d bytes, have %d", ErrCorrupt, n, len(r.b))
		return nil
	}
	b := r.b[:n:n]
	r.b = r.b[n:]
	return b
}

func (r *reader) u8() uint8 {
	if b := r.next(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if b := r.next(2); b != nil {
		return r.order.Uint16(b)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.next(4); b != nil {
		return r.order.Uint32(b)
	}
	return 0
}

func (r *reader) data() []byte {
	n := r.u32()
	if r.err == nil && uint64(n) > uint64(len(r.b)) {
		r.err = fmt.Errorf("%w: length %d exceeds remaining %d", ErrCorrupt, n, len(r.b))
		return nil
	}
	return append([]byte(nil), r.next(int(n))...)
}

func (r *reader) count(min int) int {
	n := r.u32()
	if r.err == nil && uint64(n)*uint64(min) > uint64(len(r.b)) {
		r.err = fmt.Errorf("%w: count %d exceeds remaining %d bytes", ErrCorrupt, n, len(r.b))
		return 0
	}
	return int(n)
}

func byteOrder(version uint8) binary.ByteOrder {
	if version <= 2 {
		return binary.NativeEndian
	}
	return binary.BigEndian
}

// Parse decodes a credential cache.
func Parse(b []byte) (*CCache, error) {
	if len(b) < 2 || b[0] != magic {
		return nil, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	c := &CCache{Version: b[1]}
	if c.Version < 1 || c.Version > 4 {
		return nil, fmt.Errorf("%w: version %d", ErrCorrupt, c.Version)
	}
	r := &reader{b: b[2:], order: byteOrder(c.Version)}
	if c.Version == 4 {
		hr := &reader{b: r.next(int(r.u16())), order: r.order}
		for r.err == nil && hr.err == nil && len(hr.b) > 0 {
			f := HeaderField{Tag: hr.u16()}
			f.Value = append([]byte(nil), hr.next(int(hr.u16()))...)
			c.Header = append(c.Header, f)
		}
		if hr.err != nil {
			return nil, hr.err
		}
	}
	c.DefaultPrincipal = readPrincipal(r, c.Version)
	for r.err == nil && len(r.b) > 0 {
		c.Credentials = append(c.Credentials, readCredential(r, c.Version))
	}
	if r.err != nil {
		return nil, r.err
	}
	return c, nil
}

func readPrincipal(r *reader, version uint8) messages.Principal {
	var p messages.Principal
	if version != 1 {
		p.Name.NameType = int32(r.u32())
	}
	n := r.count(4)
	if version == 1 {
		n--
	}
	p.Realm = string(r.data())
	for i := 0; i < n && r.err == nil; i++ {
		p.Name.NameString = append(p.Name.NameString, string(r.data()))
	}
	return p
}

func readCredential(r *reader, version uint8) Credential {
	var c Credential
	c.Client = readPrincipal(r, version)
	c.Server = readPrincipal(r, version)
	c.Key.KeyType = int32(int16(r.u16()))
	if version == 3 {
		c.Key.KeyType = int32(int16(r.u16()))
	}
	c.Key.KeyValue = r.data()
	c.AuthTime = r.u32()
	c.StartTime = r.u32()
	c.EndTime = r.u32()
	c.RenewTill = r.u32()
	c.IsSKey = r.u8() != 0
	c.Flags = r.u32()
	if n := r.count(6); n > 0 {
		c.Addresses = make([]messages.HostAddress, n)
		for i := range c.Addresses {
			c.Addresses[i].AddrType = int32(r.u16())
			c.Addresses[i].Address = r.data()
		}
	}
	if n := r.count(6); n > 0 {
		c.AuthData = make(messages.AuthorizationData, n)
		for i := range c.AuthData {
			c.AuthData[i].ADType = int32(r.u16())
			c.AuthData[i].ADData = r.data()
		}
	}
	c.Ticket = r.data()
	c.SecondTicket = r.data()
	return c
}

type writer struct {
	b     []byte
	order binary.AppendByteOrder
}

func (w *writer) u16(v uint16) { w.b = w.order.AppendUint16(w.b, v) }
func (w *writer) u32(v uint32) { w.b = w.order.AppendUint32(w.b, v) }
func (w *writer) data(b []byte) {
	w.u32(uint32(len(b)))
	w.b = append(w.b, b...)
}

func (w *writer) principal(p messages.Principal, version uint8) {
	n := len(p.Name.NameString)
	if version == 1 {
		n++
	} else {
		w.u32(uint32(p.Name.NameType))
	}
	w.u32(uint32(n))
	w.data([]byte(p.Realm))
	for _, s := range p.Name.NameString {
		w.data([]byte(s))
	}
}

// Marshal encodes the cache in its version. A zero version writes 4.
func (c *CCache) Marshal() ([]byte, error) {
	v := c.Version
	if v == 0 {
		v = 4
	}
	if v > 4 {
		return nil, fmt.Errorf("ccache: cannot write version %d", v)
	}
	order, ok := byteOrder(v).(binary.AppendByteOrder)
	if !ok {
		return nil, fmt.Errorf("ccache: byte order does not append")
	}
	w := &writer{b: []byte{magic, v}, order: order}
	if v == 4 {
		hw := &writer{order: order}
		for _, f := range c.Header {
			hw.u16(f.Tag)
			hw.u16(uint16(len(f.Value)))
			hw.b = append(hw.b, f.Value...)
		}
		w.u16(uint16(len(hw.b)))
		w.b = append(w.b, hw.b...)
	}
	w.principal(c.DefaultPrincipal, v)
	for i := range c.Credentials {
		cr := &c.Credentials[i]
		w.principal(cr.Client, v)
		w.principal(cr.Server, v)
		w.u16(uint16(cr.Key.KeyType))
		if v == 3 {
			w.u16(uint16(cr.Key.KeyType))
		}
		w.data(cr.Key.KeyValue)
		w.u32(cr.AuthTime)
		w.u32(cr.StartTime)
		w.u32(cr.EndTime)
		w.u32(cr.RenewTill)
		if cr.IsSKey {
			w.b = append(w.b, 1)
		} else {
			w.b = append(w.b, 0)
		}
		w.u32(cr.Flags)
		w.u32(uint32(len(cr.Addresses)))
		for _, a := range cr.Addresses {
			w.u16(uint16(a.AddrType))
			w.data(a.Address)
		}
		w.u32(uint32(len(cr.AuthData)))
		for _, ad := range cr.AuthData {
			w.u16(uint16(ad.ADType))
			w.data(ad.ADData)
		}
		w.data(cr.Ticket)
		w.data(cr.SecondTicket)
	}
	return w.b, nil
}

// KDCOffset returns the v4 header clock offset, if present.
func (c *CCache) KDCOffset() (time.Duration, bool) {
	for _, f := range c.Header {
		if f.Tag == HeaderKDCOffset && len(f.Value) == 8 {
			sec := int32(binary.BigEndian.Uint32(f.Value))
			usec := int32(binary.BigEndian.Uint32(f.Value[4:]))
			return time.Duration(sec)*time.Second + time.Duration(usec)*time.Microsecond, true
		}
	}
	return 0, false
}

// SetKDCOffset records the clock offset in the v4 header.
func (c *CCache) SetKDCOffset(d time.Duration) {
	v := binary.BigEndian.AppendUint32(nil, uint32(int32(d/time.Second)))
	v = binary.BigEndian.AppendUint32(v, uint32(int32((d%time.Second)/time.Microsecond)))
	for i := range c.Header {
		if c.Header[i].Tag == HeaderKDCOffset {
			c.Header[i].Value = v
			return
		}
	}
	c.Header = append(c.Header, HeaderField{Tag: HeaderKDCOffset, Value: v})
}

// Add stores cred, replacing a credential for the same client and server.
func (c *CCache) Add(cred Credential) {
	for i := range c.Credentials {
		o := &c.Credentials[i]
		if o.Client.Equal(cred.Client) && o.Server.Equal(cred.Server) {
			*o = cred
			return
		}
	}
	c.Credentials = append(c.Credentials, cred)
}

// Remove drops credentials for server.
func (c *CCache) Remove(server messages.Principal) {
	out := c.Credentials[:0]
	for _, cr := range c.Credentials {
		if !cr.Server.Equal(server) {
			out = append(out, cr)
		}
	}
	c.Credentials = out
}

// Find returns the ticket for server. Configuration entries never match.
func (c *CCache) Find(server messages.Principal) (*Credential, bool) {
	for i := range c.Credentials {
		cr := &c.Credentials[i]
		if !cr.IsConfig() && cr.Server.Equal(server) {
			return cr, true
		}
	}
	return nil, false
}

// Tickets returns the credentials that are not configuration entries.
func (c *CCache) Tickets() []Credential {
	var out []Credential
	for _, cr := range c.Credentials {
		if !cr.IsConfig() {
			out = append(out, cr)
		}
	}
	return out
}

const (
	configRealm  = "X-CACHECONF:"
	configPrefix = "krb5_ccache_conf_data"
)

// IsConfig reports whether the credential is an X-CACHECONF entry.
func (c *Credential) IsConfig() bool {
	return c.Server.Realm == configRealm
}

func configName(key, principal string) messages.PrincipalName {
	comps := []string{configPrefix, key}
	if principal != "" {
		comps = append(comps, principal)
	}
	return messages.PrincipalName{NameType: 0, NameString: comps}
}

// Config returns the value of configuration key, optionally scoped to a
// principal such as a service name.
func (c *CCache) Config(key, principal string) ([]byte, bool) {
	want := messages.Principal{Name: configName(key, principal), Realm: configRealm}
	for i := range c.Credentials {
		cr := &c.Credentials[i]
		if cr.IsConfig() && cr.Server.Name.Equal(want.Name) {
			return cr.Ticket, true
		}
	}
	return nil, false
}

// SetConfig stores a configuration entry owned by the default principal.
func (c *CCache) SetConfig(key, principal string, value []byte) {
	c.Add(Credential{
		Client: c.DefaultPrincipal,
		Server: messages.Principal{Name: configName(key, principal), Realm: configRealm},
		Ticket: append([]byte(nil), value...),
	})
}

// ConfigKeys lists the configuration entry names, as key or key/principal.
func (c *CCache) ConfigKeys() []string {
	var out []string
	for _, cr := range c.Credentials {
		if cr.IsConfig() && len(cr.Server.Name.NameString) > 1 {
			out = append(out, strings.Join(cr.Server.Name.NameString[1:], "/"))
		}
	}
	return out
}
