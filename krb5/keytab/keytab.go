// Package keytab reads and writes MIT keytab files and looks up long-term
// keys in them.
package keytab

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jcmturner/gokrb5/v8/iana/nametype"

	"github.com/kardianos/gokdc/krb5/crypto"
	"github.com/kardianos/gokdc/krb5/messages"
)

const magic = 0x05

var (
	ErrFormat   = errors.New("keytab: invalid format")
	ErrNotFound = errors.New("keytab: no matching key")
)

// Keytab is a decoded keytab. Version 2 is written.
type Keytab struct {
	Version uint8
	Entries []Entry
}

// Entry is one key of one principal.
type Entry struct {
	Principal messages.PrincipalName
	Realm     string
	Timestamp time.Time
	KVNO      uint32
	Key       messages.EncryptionKey
}

// New returns an empty version 2 keytab.
func New() *Keytab {
	return &Keytab{Version: 2}
}

// Load reads the keytab at path.
func Load(path string) (*Keytab, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keytab: %w", err)
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
		r.err = fmt.Errorf("%w: need %d bytes, have %d", ErrFormat, n, len(r.b))
		return nil
	}
	b := r.b[:n]
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

func (r *reader) str() string {
	return string(r.next(int(r.u16())))
}

// Parse decodes a keytab. Deleted entries (negative size) are skipped, a
// zero size or fewer than four trailing bytes end the file, and a trailing
// 32-bit kvno overrides the 8-bit one when non-zero.
func Parse(b []byte) (*Keytab, error) {
	if len(b) < 2 || b[0] != magic {
		return nil, fmt.Errorf("%w: bad magic", ErrFormat)
	}
	kt := &Keytab{Version: b[1]}
	var order binary.ByteOrder = binary.BigEndian
	switch kt.Version {
	case 1:
		order = binary.NativeEndian
	case 2:
	default:
		return nil, fmt.Errorf("%w: version %d", ErrFormat, kt.Version)
	}
	r := &reader{b: b[2:], order: order}
	for len(r.b) >= 4 {
		size := int32(r.u32())
		if size == 0 {
			break
		}
		if size < 0 {
			r.next(int(-int64(size)))
			if r.err != nil {
				return nil, r.err
			}
			continue
		}
		rec := r.next(int(size))
		if r.err != nil {
			return nil, r.err
		}
		e, err := parseEntry(rec, order, kt.Version)
		if err != nil {
			return nil, fmt.Errorf("keytab entry %d: %w", len(kt.Entries), err)
		}
		kt.Entries = append(kt.Entries, e)
	}
	return kt, nil
}

func parseEntry(rec []byte, order binary.ByteOrder, version uint8) (Entry, error) {
	r := &reader{b: rec, order: order}
	var e Entry
	n := int(r.u16())
	if version == 1 {
		n-- // v1 counts the realm
	}
	e.Realm = r.str()
	comps := make([]string, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		comps = append(comps, r.str())
	}
	e.Principal = messages.PrincipalName{NameType: nametype.KRB_NT_PRINCIPAL, NameString: comps}
	if version == 2 {
		e.Principal.NameType = int32(r.u32())
	}
	e.Timestamp = time.Unix(int64(r.u32()), 0).UTC()
	e.KVNO = uint32(r.u8())
	e.Key.KeyType = int32(r.u16())
	e.Key.KeyValue = append([]byte(nil), r.next(int(r.u16()))...)
	if r.err != nil {
		return e, r.err
	}
	if len(r.b) >= 4 {
		if v := r.u32(); v != 0 {
			e.KVNO = v
		}
	}
	return e, nil
}

func appendString(b []byte, s string) []byte {
	b = binary.BigEndian.AppendUint16(b, uint16(len(s)))
	return append(b, s...)
}

// Marshal encodes the keytab in version 2 format.
func (kt *Keytab) Marshal() ([]byte, error) {
	out := []byte{magic, 2}
	for i, e := range kt.Entries {
		if len(e.Principal.NameString) > 0xffff || len(e.Key.KeyValue) > 0xffff {
			return nil, fmt.Errorf("keytab entry %d too large", i)
		}
		var rec []byte
		rec = binary.BigEndian.AppendUint16(rec, uint16(len(e.Principal.NameString)))
		rec = appendString(rec, e.Realm)
		for _, c := range e.Principal.NameString {
			rec = appendString(rec, c)
		}
		rec = binary.BigEndian.AppendUint32(rec, uint32(e.Principal.NameType))
		rec = binary.BigEndian.AppendUint32(rec, uint32(e.Timestamp.Unix()))
		rec = append(rec, uint8(e.KVNO))
		rec = binary.BigEndian.AppendUint16(rec, uint16(e.Key.KeyType))
		rec = binary.BigEndian.AppendUint16(rec, uint16(len(e.Key.KeyValue)))
		rec = append(rec, e.Key.KeyValue...)
		rec = binary.BigEndian.AppendUint32(rec, e.KVNO)

		out = binary.BigEndian.AppendUint32(out, uint32(len(rec)))
		out = append(out, rec...)
	}
	return out, nil
}

// Save writes the keytab to path through a temporary file.
func (kt *Keytab) Save(path string) error {
	b, err := kt.Marshal()
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".keytab-*")
	if err != nil {
		return fmt.Errorf("save keytab: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("save keytab: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save keytab: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

func splitName(principal string) messages.PrincipalName {
	comps := strings.Split(principal, "/")
	nt := nametype.KRB_NT_PRINCIPAL
	if len(comps) > 1 {
		nt = nametype.KRB_NT_SRV_INST
	}
	return messages.NewPrincipalName(nt, comps...)
}

// AddEntry appends a key for principal ("name" or "service/host").
func (kt *Keytab) AddEntry(principal, realm string, key messages.EncryptionKey, kvno uint32, ts time.Time) {
	kt.Entries = append(kt.Entries, Entry{
		Principal: splitName(principal),
		Realm:     realm,
		Timestamp: ts.UTC().Truncate(time.Second),
		KVNO:      kvno,
		Key:       key,
	})
}

// AddPassword derives a key for each etype with the default salt and
// appends them.
func (kt *Keytab) AddPassword(principal, realm, password string, kvno uint32, etypes []int32, reg *crypto.Registry) error {
	if reg == nil {
		reg = crypto.DefaultRegistry()
	}
	name := splitName(principal)
	salt := crypto.DefaultSalt(realm, name.NameString...)
	now := time.Now()
	for _, et := range etypes {
		k, err := reg.StringToKey(et, password, salt, nil)
		if err != nil {
			return fmt.Errorf("derive %s key etype %d: %w", principal, et, err)
		}
		ek, err := messages.KeyFromCrypto(k)
		if err != nil {
			return err
		}
		kt.AddEntry(principal, realm, ek, kvno, now)
	}
	return nil
}

func (e *Entry) matches(name messages.PrincipalName, realm string) bool {
	return strings.EqualFold(e.Realm, realm) && e.Principal.Equal(name)
}

// GetKey returns the key of name@realm for etype. A non-zero kvno must
// match an entry exactly; a zero kvno selects the highest version for the
// etype. There is no fallback to another principal, etype or version. The
// kvno of the returned key is also returned.
func (kt *Keytab) GetKey(name messages.PrincipalName, realm string, kvno uint32, etype int32) (messages.EncryptionKey, uint32, error) {
	var best *Entry
	for i := range kt.Entries {
		e := &kt.Entries[i]
		if e.Key.KeyType != etype || !e.matches(name, realm) {
			continue
		}
		if kvno != 0 && e.KVNO == kvno {
			return e.Key, e.KVNO, nil
		}
		if best == nil || e.KVNO > best.KVNO || (e.KVNO == best.KVNO && e.Timestamp.After(best.Timestamp)) {
			best = e
		}
	}
	if best == nil {
		return messages.EncryptionKey{}, 0, fmt.Errorf("%w: %s@%s kvno %d etype %d", ErrNotFound, name, realm, kvno, etype)
	}
	if kvno != 0 {
		return messages.EncryptionKey{}, 0, fmt.Errorf("%w: %s@%s etype %d has kvno %d, not %d", ErrNotFound, name, realm, etype, best.KVNO, kvno)
	}
	return best.Key, best.KVNO, nil
}

// ETypes returns the etypes held for name@realm, in file order.
func (kt *Keytab) ETypes(name messages.PrincipalName, realm string) []int32 {
	var out []int32
	seen := map[int32]bool{}
	for i := range kt.Entries {
		e := &kt.Entries[i]
		if e.matches(name, realm) && !seen[e.Key.KeyType] {
			seen[e.Key.KeyType] = true
			out = append(out, e.Key.KeyType)
		}
	}
	return out
}

// Principals returns each distinct principal in the keytab.
func (kt *Keytab) Principals() []messages.Principal {
	var out []messages.Principal
	for _, e := range kt.Entries {
		p := messages.Principal{Name: e.Principal, Realm: e.Realm}
		dup := false
		for _, o := range out {
			if o.Equal(p) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, p)
		}
	}
	return out
}
