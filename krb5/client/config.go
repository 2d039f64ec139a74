package client

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/jcmturner/dnsutils/v2"
	"github.com/jcmturner/gokrb5/v8/config"
	"github.com/pkg/errors"

	"github.com/kardianos/gokdc/krb5/cache"
	"github.com/kardianos/gokdc/krb5/crypto"
	"github.com/kardianos/gokdc/krblog"
)

// Config configures a Client. Zero fields fall back to Krb5Conf, then to
// built in defaults.
type Config struct {
	// Realm is the client realm. Defaults to the krb5.conf default_realm.
	Realm string

	// KDCs are "host:port" addresses for Realm, tried before krb5.conf
	// and DNS.
	KDCs []string

	// ProxyURL adds an HTTPS KDC proxy transport after TCP and UDP.
	ProxyURL string

	// Krb5Conf supplies realm KDC lists, DNS lookup and lib defaults.
	Krb5Conf *config.Config

	// Transports replaces the TCP, UDP, HTTPS chain.
	Transports []Transport

	// Cache holds service tickets. Nil uses a memory cache owned by the
	// client that renews tickets in the background.
	Cache cache.TicketCache

	Registry *crypto.Registry
	Logger   *krblog.Logger

	// Skew is the permitted clock difference (default 5 minutes).
	Skew time.Duration

	// ETypes are requested in order. Defaults to krb5.conf
	// default_tkt_enctypes filtered by Registry, then Registry's list.
	ETypes []int32

	// Lifetime is the requested ticket lifetime (default 10 hours).
	Lifetime time.Duration

	// RenewLifetime requests renewable tickets when positive.
	RenewLifetime time.Duration

	// Now is the clock. Nil uses time.Now.
	Now func() time.Time
}

// LoadKrb5Conf reads a krb5.conf file.
func LoadKrb5Conf(path string) (*config.Config, error) {
	c, err := config.Load(path)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", path)
	}
	return c, nil
}

func (c Config) withDefaults() (Config, error) {
	if c.Registry == nil {
		c.Registry = crypto.DefaultRegistry()
	}
	ld := c.libDefaults()
	if c.Realm == "" && ld != nil {
		c.Realm = ld.DefaultRealm
	}
	if c.Realm == "" {
		return c, errors.New("client: realm is required")
	}
	c.Realm = strings.ToUpper(c.Realm)
	if c.Skew <= 0 {
		c.Skew = 5 * time.Minute
		if ld != nil && ld.Clockskew > 0 {
			c.Skew = ld.Clockskew
		}
	}
	if c.Lifetime <= 0 {
		c.Lifetime = 10 * time.Hour
		if ld != nil && ld.TicketLifetime > 0 {
			c.Lifetime = ld.TicketLifetime
		}
	}
	if c.RenewLifetime <= 0 && ld != nil {
		c.RenewLifetime = ld.RenewLifetime
	}
	if len(c.ETypes) == 0 && ld != nil {
		for _, et := range ld.DefaultTktEnctypeIDs {
			if c.Registry.Supports(et) {
				c.ETypes = append(c.ETypes, et)
			}
		}
	}
	if len(c.ETypes) == 0 {
		c.ETypes = c.Registry.ETypes()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c, nil
}

func (c Config) libDefaults() *config.LibDefaults {
	if c.Krb5Conf == nil {
		return nil
	}
	return &c.Krb5Conf.LibDefaults
}

// transports builds the default chain: TCP, UDP, then the proxy if set.
func (c Config) transports(loc Locator) []Transport {
	if len(c.Transports) > 0 {
		return c.Transports
	}
	udp := &UDPTransport{Locator: loc}
	if ld := c.libDefaults(); ld != nil {
		udp.PreferenceLimit = ld.UDPPreferenceLimit
	}
	ts := []Transport{&TCPTransport{Locator: loc}}
	// A preference limit of 1 means TCP only.
	if udp.PreferenceLimit != 1 {
		ts = append(ts, udp)
	}
	if c.ProxyURL != "" {
		ts = append(ts, &HTTPSTransport{URL: c.ProxyURL, Logger: c.Logger})
	}
	return ts
}

// kdcLocator finds KDCs from the explicit list, then krb5.conf, then DNS
// SRV records when dns_lookup_kdc is set.
type kdcLocator struct {
	realm string
	kdcs  []string
	conf  *config.Config
	log   *krblog.Logger
}

func (l *kdcLocator) LocateKDC(ctx context.Context, realm string, tcp bool) ([]string, error) {
	if realm == "" || strings.EqualFold(realm, l.realm) {
		realm = l.realm
		if len(l.kdcs) > 0 {
			return withPort(l.kdcs), nil
		}
	}
	if l.conf == nil {
		return nil, errors.Errorf("no KDCs known for realm %s", realm)
	}
	for _, r := range l.conf.Realms {
		if strings.EqualFold(r.Realm, realm) && len(r.KDC) > 0 {
			return withPort(r.KDC), nil
		}
	}
	if !l.conf.LibDefaults.DNSLookupKDC {
		return nil, errors.Errorf("no KDCs defined in configuration for realm %s", realm)
	}
	proto := "udp"
	if tcp {
		proto = "tcp"
	}
	count, srvs, err := dnsutils.OrderedSRV("kerberos", proto, realm)
	if err != nil {
		return nil, errors.Wrapf(err, "SRV lookup for %s", realm)
	}
	var addrs []string
	for i := 1; i <= count; i++ {
		srv, ok := srvs[i]
		if !ok {
			continue
		}
		addrs = append(addrs, net.JoinHostPort(strings.TrimRight(srv.Target, "."), strconv.Itoa(int(srv.Port))))
	}
	if len(addrs) == 0 {
		return nil, errors.Errorf("no KDC SRV records found for realm %s", realm)
	}
	l.log.Debugf(krblog.AreaClient, "DNS located %d KDCs for %s", len(addrs), realm)
	return addrs, nil
}

// withPort adds the default port 88 to bare host names.
func withPort(hosts []string) []string {
	out := make([]string, len(hosts))
	for i, h := range hosts {
		if _, _, err := net.SplitHostPort(h); err != nil {
			h = net.JoinHostPort(h, "88")
		}
		out[i] = h
	}
	return out
}
