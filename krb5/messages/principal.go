package messages

import (
	"errors"
	"strings"

	"github.com/jcmturner/gokrb5/v8/iana/nametype"
)

// KRBTGT is the first component of a ticket-granting service name.
const KRBTGT = "krbtgt"

// PrincipalName is a name type and its ordered components.
type PrincipalName struct {
	NameType   int32    `asn1:"explicit,tag:0"`
	NameString []string `asn1:"generalstring,explicit,tag:1"`
}

// NewPrincipalName returns a name of the given type.
func NewPrincipalName(nameType int32, components ...string) PrincipalName {
	return PrincipalName{NameType: nameType, NameString: append([]string(nil), components...)}
}

// TGSName returns krbtgt/realm.
func TGSName(realm string) PrincipalName {
	return NewPrincipalName(nametype.KRB_NT_SRV_INST, KRBTGT, realm)
}

// Equal compares components exactly and ignores the name type, which RFC
// 4120 section 6.2 makes a hint: no two principals may differ by name type
// alone. Clients send NT-UNKNOWN and NT-PRINCIPAL for the same name. Use
// StrictEqual to compare the type as well.
func (p PrincipalName) Equal(o PrincipalName) bool {
	if len(p.NameString) != len(o.NameString) {
		return false
	}
	for i := range p.NameString {
		if p.NameString[i] != o.NameString[i] {
			return false
		}
	}
	return true
}

// StrictEqual also compares the name type.
func (p PrincipalName) StrictEqual(o PrincipalName) bool {
	return p.NameType == o.NameType && p.Equal(o)
}

// IsTGS reports whether the name is krbtgt/REALM.
func (p PrincipalName) IsTGS() bool {
	return len(p.NameString) == 2 && p.NameString[0] == KRBTGT
}

// String renders the name with '/' separators, escaping '/', '@' and '\'.
func (p PrincipalName) String() string {
	parts := make([]string, len(p.NameString))
	for i, c := range p.NameString {
		parts[i] = escapeComponent(c)
	}
	return strings.Join(parts, "/")
}

func escapeComponent(s string) string {
	if !strings.ContainsAny(s, `/@\`) {
		return s
	}
	var b strings.Builder
	for _, r := range s {
		if r == '/' || r == '@' || r == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Principal is a name qualified by its realm.
type Principal struct {
	Name  PrincipalName
	Realm string
}

// Equal compares names exactly and realms case-insensitively.
func (p Principal) Equal(o Principal) bool {
	return strings.EqualFold(p.Realm, o.Realm) && p.Name.Equal(o.Name)
}

func (p Principal) String() string {
	if p.Realm == "" {
		return p.Name.String()
	}
	return p.Name.String() + "@" + escapeComponent(p.Realm)
}

var errEmptyPrincipal = errors.New("empty principal name")

// ParsePrincipal parses "comp/comp@REALM". A backslash escapes the next
// character. When the name has no realm, defaultRealm is used. Names with
// two or more components where the first is krbtgt get NT-SRV-INST, other
// multi-component names NT-SRV-HST, and single names NT-PRINCIPAL.
func ParsePrincipal(s, defaultRealm string) (Principal, error) {
	var (
		comps   []string
		cur     strings.Builder
		realm   string
		inRealm bool
		escaped bool
	)
	for _, r := range s {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == '/' && !inRealm:
			comps = append(comps, cur.String())
			cur.Reset()
		case r == '@' && !inRealm:
			comps = append(comps, cur.String())
			cur.Reset()
			inRealm = true
		default:
			cur.WriteRune(r)
		}
	}
	if escaped {
		return Principal{}, errors.New("principal ends with an escape")
	}
	if inRealm {
		realm = cur.String()
	} else {
		comps = append(comps, cur.String())
	}
	if len(comps) == 0 || (len(comps) == 1 && comps[0] == "") {
		return Principal{}, errEmptyPrincipal
	}
	if realm == "" {
		realm = defaultRealm
	}

	nt := nametype.KRB_NT_PRINCIPAL
	switch {
	case len(comps) > 1 && comps[0] == KRBTGT:
		nt = nametype.KRB_NT_SRV_INST
	case len(comps) > 1:
		nt = nametype.KRB_NT_SRV_HST
	}
	return Principal{Name: PrincipalName{NameType: nt, NameString: comps}, Realm: realm}, nil
}
