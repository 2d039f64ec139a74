package kdc

import (
	"context"
	"crypto/x509"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jcmturner/rpc/v2/mstypes"

	"github.com/kardianos/gokdc/krb5/crypto"
	"github.com/kardianos/gokdc/krb5/keytab"
	"github.com/kardianos/gokdc/krb5/messages"
	"github.com/kardianos/gokdc/krb5/pac"
)

// MemoryRealm is a RealmService holding its database in memory. Principals
// are added before the KDC starts serving; lookups are safe for concurrent
// use.
type MemoryRealm struct {
	Registry  *crypto.Registry
	Clock     func() time.Time
	DomainSID mstypes.RPCSID

	realm    string
	settings RealmSettings

	mu         sync.RWMutex
	principals map[string]*MemoryPrincipal
	trusts     []string
}

// NewMemoryRealm returns an empty realm.
func NewMemoryRealm(realm string, settings RealmSettings) *MemoryRealm {
	return &MemoryRealm{
		realm:      strings.ToUpper(realm),
		settings:   settings.withDefaults(),
		principals: make(map[string]*MemoryPrincipal),
		DomainSID: mstypes.RPCSID{
			Revision:            1,
			SubAuthorityCount:   4,
			IdentifierAuthority: [6]byte{0, 0, 0, 0, 0, 5},
			SubAuthority:        []uint32{21, 0, 0, 0},
		},
	}
}

func (r *MemoryRealm) Name() string            { return r.realm }
func (r *MemoryRealm) Settings() RealmSettings { return r.settings }

func (r *MemoryRealm) Now() time.Time {
	if r.Clock != nil {
		return r.Clock()
	}
	return time.Now()
}

func (r *MemoryRealm) registry() *crypto.Registry {
	if r.Registry == nil {
		return crypto.DefaultRegistry()
	}
	return r.Registry
}

func principalKey(name messages.PrincipalName, realm string) string {
	return strings.ToLower(name.String() + "@" + realm)
}

func (r *MemoryRealm) FindPrincipal(ctx context.Context, name messages.PrincipalName, realm string) (Principal, error) {
	if realm == "" {
		realm = r.realm
	}
	r.mu.RLock()
	p, ok := r.principals[principalKey(name, realm)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s@%s", ErrPrincipalUnknown, name, realm)
	}
	return p, nil
}

func (r *MemoryRealm) TrustedRealms() ReferralService {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.trusts) == 0 {
		return nil
	}
	return r
}

// Trust records a direct trust with remote. The cross-realm key
// krbtgt/REMOTE@LOCAL must be added separately.
func (r *MemoryRealm) Trust(remote string) {
	r.mu.Lock()
	r.trusts = append(r.trusts, strings.ToUpper(remote))
	r.mu.Unlock()
}

// ProposeTransit picks the trusted realm that is, or is a parent of, the
// target realm. When the target realm is the local one, the realm is
// taken from the host component of a service name.
func (r *MemoryRealm) ProposeTransit(target messages.PrincipalName, realm string) (Principal, error) {
	realm = strings.ToUpper(realm)
	if realm == "" || realm == r.realm {
		if len(target.NameString) < 2 {
			return nil, fmt.Errorf("%w: no referral for %s", ErrPrincipalUnknown, target)
		}
		host := target.NameString[1]
		i := strings.IndexByte(host, '.')
		if i < 0 {
			return nil, fmt.Errorf("%w: no referral for %s", ErrPrincipalUnknown, target)
		}
		realm = strings.ToUpper(host[i+1:])
	}
	r.mu.RLock()
	trusts := append([]string(nil), r.trusts...)
	r.mu.RUnlock()
	// Longest match first so the closest realm wins.
	sort.Slice(trusts, func(i, j int) bool { return len(trusts[i]) > len(trusts[j]) })
	for _, t := range trusts {
		if t == r.realm {
			continue
		}
		if realm == t || strings.HasSuffix(realm, "."+t) {
			return r.FindPrincipal(context.Background(), messages.TGSName(t), r.realm)
		}
	}
	return nil, fmt.Errorf("%w: no trust toward %s", ErrPrincipalUnknown, realm)
}

func (r *MemoryRealm) entry(name string, typ PrincipalType) (*MemoryPrincipal, error) {
	pn, err := messages.ParsePrincipal(name, r.realm)
	if err != nil {
		return nil, err
	}
	k := principalKey(pn.Name, pn.Realm)
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.principals[k]
	if !ok {
		p = &MemoryPrincipal{
			realm:   r,
			name:    pn.Name,
			inRealm: strings.ToUpper(pn.Realm),
			typ:     typ,
			keys:    make(map[int32]crypto.Key),
			kvno:    make(map[int32]int),
		}
		r.principals[k] = p
	}
	return p, nil
}

func typeOf(name messages.PrincipalName) PrincipalType {
	switch {
	case name.IsTGS():
		return PrincipalTGT
	case len(name.NameString) > 1:
		return PrincipalService
	}
	return PrincipalUser
}

// AddPassword adds or extends name with keys derived from password under
// the default salt. With no etypes every registered etype is used.
func (r *MemoryRealm) AddPassword(name string, typ PrincipalType, password string, etypes ...int32) (*MemoryPrincipal, error) {
	p, err := r.entry(name, typ)
	if err != nil {
		return nil, err
	}
	if len(etypes) == 0 {
		etypes = r.registry().ETypes()
	}
	salt := crypto.DefaultSalt(p.inRealm, p.name.NameString...)
	for _, et := range etypes {
		if !r.registry().Supports(et) {
			return nil, fmt.Errorf("add %s: %w: %d", name, crypto.ErrUnsupportedEType, et)
		}
		p.setKey(crypto.KeyFromPassword(r.registry(), et, password, salt, nil), 1)
	}
	return p, nil
}

// AddRandomKey adds name with fresh random keys, as used for krbtgt.
func (r *MemoryRealm) AddRandomKey(name string, typ PrincipalType, etypes ...int32) (*MemoryPrincipal, error) {
	p, err := r.entry(name, typ)
	if err != nil {
		return nil, err
	}
	if len(etypes) == 0 {
		etypes = r.registry().ETypes()
	}
	for _, et := range etypes {
		k, err := r.registry().RandomKey(et)
		if err != nil {
			return nil, fmt.Errorf("add %s: %w", name, err)
		}
		p.setKey(k, 1)
	}
	return p, nil
}

// AddKeytab adds every principal in kt, keeping the highest key version
// per etype.
func (r *MemoryRealm) AddKeytab(kt *keytab.Keytab) error {
	for _, e := range kt.Entries {
		full := messages.Principal{Name: e.Principal, Realm: e.Realm}
		p, err := r.entry(full.String(), typeOf(e.Principal))
		if err != nil {
			return fmt.Errorf("keytab entry %s: %w", full, err)
		}
		if cur, ok := p.kvno[e.Key.KeyType]; ok && cur > int(e.KVNO) {
			continue
		}
		p.setKey(e.Key.Key(), int(e.KVNO))
	}
	return nil
}

// MemoryPrincipal is a MemoryRealm entry. Its exported fields are read
// while serving and must be set before.
type MemoryPrincipal struct {
	RequirePreAuth bool
	Certs          []*x509.Certificate
	Delegate       bool

	// UserID and GroupIDs are relative IDs under the realm's DomainSID.
	UserID         uint32
	PrimaryGroupID uint32
	GroupIDs       []uint32
	FullName       string

	realm   *MemoryRealm
	name    messages.PrincipalName
	inRealm string
	typ     PrincipalType
	keys    map[int32]crypto.Key
	kvno    map[int32]int
	order   []int32
}

func (p *MemoryPrincipal) setKey(k crypto.Key, kvno int) {
	if _, ok := p.keys[k.EType]; !ok {
		p.order = append(p.order, k.EType)
	}
	p.keys[k.EType] = k
	p.kvno[k.EType] = kvno
}

func (p *MemoryPrincipal) Name() messages.PrincipalName { return p.name }
func (p *MemoryPrincipal) Type() PrincipalType          { return p.typ }
func (p *MemoryPrincipal) PreAuthRequired() bool        { return p.RequirePreAuth }
func (p *MemoryPrincipal) Certificates() []*x509.Certificate {
	return p.Certs
}
func (p *MemoryPrincipal) OKAsDelegate() bool         { return p.Delegate }
func (p *MemoryPrincipal) KeyVersion(etype int32) int { return p.kvno[etype] }

func (p *MemoryPrincipal) SupportedETypes() []int32 {
	return append([]int32(nil), p.order...)
}

func (p *MemoryPrincipal) RetrieveLongTermCredential(etype int32) (crypto.Key, error) {
	k, ok := p.keys[etype]
	if !ok {
		return crypto.Key{}, fmt.Errorf("%s@%s has no key: %w: %d", p.name, p.inRealm, crypto.ErrUnsupportedEType, etype)
	}
	return k, nil
}

func (p *MemoryPrincipal) sid(rid uint32) *mstypes.RPCSID {
	d := p.realm.DomainSID
	s := mstypes.RPCSID{
		Revision:            d.Revision,
		SubAuthorityCount:   d.SubAuthorityCount,
		IdentifierAuthority: d.IdentifierAuthority,
		SubAuthority:        append([]uint32(nil), d.SubAuthority...),
	}
	if rid != 0 {
		s.SubAuthority = append(s.SubAuthority, rid)
		s.SubAuthorityCount++
	}
	return &s
}

// GeneratePAC returns logon and UPN information for the principal.
func (p *MemoryPrincipal) GeneratePAC(ctx context.Context) (*pac.PAC, error) {
	if p.typ == PrincipalTGT {
		return nil, nil
	}
	primary := p.PrimaryGroupID
	if primary == 0 {
		primary = 513 // Domain Users
	}
	groups := []mstypes.GroupMembership{{RelativeID: primary, Attributes: pac.DefaultGroupAttributes}}
	for _, g := range p.GroupIDs {
		if g != primary {
			groups = append(groups, mstypes.GroupMembership{RelativeID: g, Attributes: pac.DefaultGroupAttributes})
		}
	}
	account := strings.Join(p.name.NameString, "/")
	now := mstypes.GetFileTime(p.realm.Now())
	li := &pac.LogonInfo{
		LogonTime:          now,
		LogoffTime:         pac.NeverExpires,
		KickOffTime:        pac.NeverExpires,
		PasswordLastSet:    now,
		PasswordMustChange: pac.NeverExpires,
		EffectiveName:      account,
		FullName:           p.FullName,
		UserID:             p.UserID,
		PrimaryGroupID:     primary,
		GroupIDs:           groups,
		LogonDomainName:    strings.SplitN(p.inRealm, ".", 2)[0],
		LogonDomainID:      p.sid(0),
		UserAccountControl: 0x10, // normal account
	}
	upn := &pac.UPNDomainInfo{
		UPN:       strings.ToLower(account) + "@" + strings.ToLower(p.inRealm),
		DNSDomain: p.inRealm,
		Flags:     pac.UPNFlagExtended,
		SamName:   account,
		SID:       p.sid(p.UserID),
	}
	return pac.New(li, upn), nil
}
