package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jcmturner/gokrb5/v8/iana/errorcode"
	"github.com/jcmturner/gokrb5/v8/iana/msgtype"
	"github.com/pkg/errors"
	"golang.org/x/crypto/cryptobyte"

	"github.com/kardianos/gokdc/krb5/kdc"
	"github.com/kardianos/gokdc/krb5/messages"
	"github.com/kardianos/gokdc/krblog"
)

// Transport carries one request to a KDC of realm and returns the reply.
// A KRB-ERROR reply is a successful exchange; only failing to reach a KDC
// is an error.
type Transport interface {
	SendMessage(ctx context.Context, realm string, req []byte) ([]byte, error)
}

// Locator returns KDC addresses for a realm in preference order.
type Locator interface {
	LocateKDC(ctx context.Context, realm string, tcp bool) ([]string, error)
}

// ErrNetwork marks failures to reach or read from a KDC.
var ErrNetwork = errors.New("network communication error")

// TransportError collects the failure of every transport tried for one
// request.
type TransportError struct {
	Realm  string
	Errors []error
}

func (e *TransportError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("client: no KDC for %s answered: %s", e.Realm, strings.Join(msgs, "; "))
}

func (e *TransportError) Unwrap() []error { return e.Errors }

const (
	defaultTimeout        = 5 * time.Second
	defaultMaxMessageSize = 1 << 20
)

// TCPTransport sends length-prefixed messages over TCP to each located KDC
// in turn.
type TCPTransport struct {
	Locator        Locator
	Timeout        time.Duration // per KDC, default 5 seconds
	MaxMessageSize int           // largest reply accepted, default 1 MiB
}

func (t *TCPTransport) SendMessage(ctx context.Context, realm string, req []byte) ([]byte, error) {
	addrs, err := t.Locator.LocateKDC(ctx, realm, true)
	if err != nil {
		return nil, errors.Wrap(err, "tcp")
	}
	var errs []error
	for _, addr := range addrs {
		rb, err := t.exchange(ctx, addr, req)
		if err != nil {
			errs = append(errs, errors.Wrapf(err, "tcp %s", addr))
			continue
		}
		return rb, nil
	}
	return nil, &TransportError{Realm: realm, Errors: errs}
}

func (t *TCPTransport) exchange(ctx context.Context, addr string, req []byte) ([]byte, error) {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	limit := t.MaxMessageSize
	if limit <= 0 {
		limit = defaultMaxMessageSize
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrap(ErrNetwork, err.Error())
	}
	defer conn.Close()
	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	conn.SetDeadline(deadline)

	if _, err := conn.Write(kdc.Frame(req)); err != nil {
		return nil, errors.Wrap(ErrNetwork, err.Error())
	}
	var hdr [4]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return nil, errors.Wrap(ErrNetwork, err.Error())
	}
	var n uint32
	s := cryptobyte.String(hdr[:])
	s.ReadUint32(&n)
	if n == 0 || n > uint32(limit) {
		return nil, errors.Errorf("reply length %d out of range", n)
	}
	rb := make([]byte, n)
	if _, err := io.ReadFull(conn, rb); err != nil {
		return nil, errors.Wrap(ErrNetwork, err.Error())
	}
	return rb, nil
}

// UDPTransport sends one datagram to each located KDC in turn. A request
// larger than PreferenceLimit is not sent over UDP, and a
// KRB_ERR_RESPONSE_TOO_BIG reply is retried over TCP to the same KDC.
type UDPTransport struct {
	Locator         Locator
	Timeout         time.Duration // per KDC, default 5 seconds
	PreferenceLimit int           // default 1465
}

func (t *UDPTransport) SendMessage(ctx context.Context, realm string, req []byte) ([]byte, error) {
	limit := t.PreferenceLimit
	if limit <= 0 {
		limit = 1465
	}
	if len(req) > limit {
		return nil, &TransportError{Realm: realm, Errors: []error{errors.Errorf("udp: request of %d bytes exceeds %d", len(req), limit)}}
	}
	addrs, err := t.Locator.LocateKDC(ctx, realm, false)
	if err != nil {
		return nil, errors.Wrap(err, "udp")
	}
	var errs []error
	for _, addr := range addrs {
		rb, err := t.exchange(ctx, addr, req)
		if err != nil {
			errs = append(errs, errors.Wrapf(err, "udp %s", addr))
			continue
		}
		if responseTooBig(rb) {
			tcp := &TCPTransport{Timeout: t.Timeout}
			if rb, err = tcp.exchange(ctx, addr, req); err != nil {
				errs = append(errs, errors.Wrapf(err, "tcp %s after RESPONSE_TOO_BIG", addr))
				continue
			}
		}
		return rb, nil
	}
	return nil, &TransportError{Realm: realm, Errors: errs}
}

func (t *UDPTransport) exchange(ctx context.Context, addr string, req []byte) ([]byte, error) {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, errors.Wrap(ErrNetwork, err.Error())
	}
	defer conn.Close()
	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	conn.SetDeadline(deadline)
	if _, err := conn.Write(req); err != nil {
		return nil, errors.Wrap(ErrNetwork, err.Error())
	}
	buf := make([]byte, 65535)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, errors.Wrap(ErrNetwork, err.Error())
	}
	if n == 0 {
		return nil, errors.New("empty reply")
	}
	return buf[:n], nil
}

func responseTooBig(rb []byte) bool {
	mt, err := messages.MessageType(rb)
	if err != nil || mt != msgtype.KRB_ERROR {
		return false
	}
	var ke messages.KRBError
	return ke.Unmarshal(rb) == nil && ke.ErrorCode == errorcode.KRB_ERR_RESPONSE_TOO_BIG
}

// HTTPSTransport speaks the KDC proxy protocol to URL.
type HTTPSTransport struct {
	URL            string
	Client         *http.Client // nil uses http.DefaultClient
	MaxMessageSize int          // largest reply accepted, default 1 MiB
	Logger         *krblog.Logger
}

func (t *HTTPSTransport) SendMessage(ctx context.Context, realm string, req []byte) ([]byte, error) {
	rb, err := t.exchange(ctx, realm, req)
	if err != nil {
		return nil, &TransportError{Realm: realm, Errors: []error{errors.Wrapf(err, "https %s", t.URL)}}
	}
	return rb, nil
}

func (t *HTTPSTransport) exchange(ctx context.Context, realm string, req []byte) ([]byte, error) {
	limit := t.MaxMessageSize
	if limit <= 0 {
		limit = defaultMaxMessageSize
	}
	hc := t.Client
	if hc == nil {
		hc = http.DefaultClient
	}
	env := kdc.ProxyMessage{Message: kdc.Frame(req), TargetDomain: realm}
	body, err := env.Marshal()
	if err != nil {
		return nil, err
	}
	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	hr.Header.Set("Content-Type", kdc.ProxyContentType)
	resp, err := hc.Do(hr)
	if err != nil {
		return nil, errors.Wrap(ErrNetwork, err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("proxy status %s", resp.Status)
	}
	rb, err := io.ReadAll(io.LimitReader(resp.Body, int64(limit)+1))
	if err != nil {
		return nil, errors.Wrap(ErrNetwork, err.Error())
	}
	if len(rb) > limit {
		return nil, errors.Errorf("proxy reply exceeds %d bytes", limit)
	}
	var out kdc.ProxyMessage
	if err := out.Unmarshal(rb); err != nil {
		return nil, err
	}
	t.Logger.Tracef(krblog.AreaTransport, "proxy reply for %s: %d bytes", realm, len(out.Message))
	return kdc.Unframe(out.Message)
}
