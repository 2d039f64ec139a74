package kdc

import (
	"context"
	"crypto/x509"
	"errors"
	"time"

	"github.com/kardianos/gokdc/krb5/crypto"
	"github.com/kardianos/gokdc/krb5/messages"
	"github.com/kardianos/gokdc/krb5/pac"
)

// ErrPrincipalUnknown is returned by RealmService.FindPrincipal when the
// name is not in the database.
var ErrPrincipalUnknown = errors.New("kdc: principal unknown")

// PrincipalType classifies database entries.
type PrincipalType int

const (
	PrincipalUser PrincipalType = iota
	PrincipalService
	PrincipalTGT
)

func (t PrincipalType) String() string {
	switch t {
	case PrincipalUser:
		return "user"
	case PrincipalService:
		return "service"
	case PrincipalTGT:
		return "krbtgt"
	}
	return "unknown"
}

// RealmSettings are the ticket policy of a realm.
type RealmSettings struct {
	// Skew is the permitted clock difference. Default 5m.
	Skew time.Duration
	// MaxTicketLifetime bounds end time minus start time. Default 10h.
	MaxTicketLifetime time.Duration
	// MaxRenewLifetime bounds renew-till minus auth time. Zero disables
	// renewable tickets.
	MaxRenewLifetime time.Duration
	// OmitPAC stops PACs from being issued when the client does not ask
	// for one with PA-PAC-REQUEST.
	OmitPAC bool
}

func (s RealmSettings) withDefaults() RealmSettings {
	if s.Skew == 0 {
		s.Skew = 5 * time.Minute
	}
	if s.MaxTicketLifetime == 0 {
		s.MaxTicketLifetime = 10 * time.Hour
	}
	return s
}

// RealmService is the KDC's view of a realm database.
type RealmService interface {
	Name() string
	Settings() RealmSettings
	Now() time.Time
	// FindPrincipal returns ErrPrincipalUnknown, possibly wrapped, for
	// names it does not hold.
	FindPrincipal(ctx context.Context, name messages.PrincipalName, realm string) (Principal, error)
	// TrustedRealms returns nil when the realm has no cross-realm trust.
	TrustedRealms() ReferralService
}

// Principal is one database entry.
type Principal interface {
	Name() messages.PrincipalName
	Type() PrincipalType
	SupportedETypes() []int32
	RetrieveLongTermCredential(etype int32) (crypto.Key, error)
	GeneratePAC(ctx context.Context) (*pac.PAC, error)
	PreAuthRequired() bool
	// Certificates are the certificates mapped to the principal for
	// PKINIT. It may be empty.
	Certificates() []*x509.Certificate
}

// KeyVersioner is implemented by principals that track key versions. The
// version is written into the tickets they receive.
type KeyVersioner interface {
	KeyVersion(etype int32) int
}

// Delegator is implemented by services trusted for delegation.
type Delegator interface {
	OKAsDelegate() bool
}

// ReferralService chooses the next hop toward a realm the KDC does not
// serve.
type ReferralService interface {
	// ProposeTransit returns the cross-realm krbtgt principal to issue a
	// referral ticket for, or ErrPrincipalUnknown.
	ProposeTransit(target messages.PrincipalName, realm string) (Principal, error)
}

func keyVersion(p Principal, etype int32) int {
	if v, ok := p.(KeyVersioner); ok {
		return v.KeyVersion(etype)
	}
	return 0
}
