package kdc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"

	"github.com/kardianos/gokdc/krblog"
)

// ProxyContentType is the media type of KDC proxy requests and replies.
const ProxyContentType = "application/kerberos"

var errProxyMessage = errors.New("kdc: malformed KDC-PROXY-MESSAGE")

// ProxyMessage is the MS-KKDCP envelope:
//
//	KDC-PROXY-MESSAGE ::= SEQUENCE {
//	    kerb-message   [0] OCTET STRING,
//	    target-domain  [1] KERB-REALM OPTIONAL,
//	    dclocator-hint [2] INTEGER OPTIONAL
//	}
//
// Message holds the Kerberos message with its 4-byte TCP length prefix.
type ProxyMessage struct {
	Message       []byte
	TargetDomain  string
	DCLocatorHint int64
}

func (m *ProxyMessage) Marshal() ([]byte, error) {
	var b cryptobyte.Builder
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1(asn1.Tag(0).Constructed().ContextSpecific(), func(b *cryptobyte.Builder) {
			b.AddASN1OctetString(m.Message)
		})
		if m.TargetDomain != "" {
			b.AddASN1(asn1.Tag(1).Constructed().ContextSpecific(), func(b *cryptobyte.Builder) {
				b.AddASN1(asn1.GeneralString, func(b *cryptobyte.Builder) {
					b.AddBytes([]byte(m.TargetDomain))
				})
			})
		}
		if m.DCLocatorHint != 0 {
			b.AddASN1(asn1.Tag(2).Constructed().ContextSpecific(), func(b *cryptobyte.Builder) {
				b.AddASN1Int64(m.DCLocatorHint)
			})
		}
	})
	return b.Bytes()
}

func (m *ProxyMessage) Unmarshal(data []byte) error {
	in := cryptobyte.String(data)
	var seq, field cryptobyte.String
	if !in.ReadASN1(&seq, asn1.SEQUENCE) ||
		!seq.ReadASN1(&field, asn1.Tag(0).Constructed().ContextSpecific()) {
		return errProxyMessage
	}
	var msg []byte
	if !field.ReadASN1Bytes(&msg, asn1.OCTET_STRING) {
		return errProxyMessage
	}
	*m = ProxyMessage{Message: msg}

	var present bool
	if !seq.ReadOptionalASN1(&field, &present, asn1.Tag(1).Constructed().ContextSpecific()) {
		return errProxyMessage
	}
	if present {
		var realm []byte
		if !field.ReadASN1Bytes(&realm, asn1.GeneralString) {
			return errProxyMessage
		}
		m.TargetDomain = string(realm)
	}
	if !seq.ReadOptionalASN1(&field, &present, asn1.Tag(2).Constructed().ContextSpecific()) {
		return errProxyMessage
	}
	if present && !field.ReadASN1Integer(&m.DCLocatorHint) {
		return errProxyMessage
	}
	return nil
}

// Frame prefixes msg with its 4-byte big-endian length.
func Frame(msg []byte) []byte {
	var b cryptobyte.Builder
	b.AddUint32(uint32(len(msg)))
	b.AddBytes(msg)
	return b.BytesOrPanic()
}

// Unframe strips and checks the 4-byte length prefix.
func Unframe(b []byte) ([]byte, error) {
	s := cryptobyte.String(b)
	var n uint32
	var msg []byte
	if !s.ReadUint32(&n) || !s.ReadBytes(&msg, int(n)) || !s.Empty() {
		return nil, fmt.Errorf("kdc: framed message of %d bytes is inconsistent", len(b))
	}
	return msg, nil
}

// processProxy unwraps an envelope received on a plain transport.
func (s *Server) processProxy(ctx context.Context, req []byte) ([]byte, error) {
	var pm ProxyMessage
	if err := pm.Unmarshal(req); err != nil {
		return nil, err
	}
	inner, err := Unframe(pm.Message)
	if err != nil {
		return nil, err
	}
	reply, err := s.process(ctx, inner, false)
	if err != nil {
		return nil, err
	}
	out := ProxyMessage{Message: Frame(reply), TargetDomain: pm.TargetDomain}
	return out.Marshal()
}

// ProxyHandler serves the KDC proxy protocol over HTTP(S).
type ProxyHandler struct {
	Server *Server

	// MaxMessageSize bounds the request body. Zero means 64 KiB.
	MaxMessageSize int64

	// Logger for request tracing. If nil, the server's logger is used.
	Logger *krblog.Logger
}

func (h *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := h.Logger
	if log == nil {
		log = h.Server.log
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := h.MaxMessageSize
	if limit <= 0 {
		limit = 64 << 10
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		log.Printf(krblog.AreaTransport, "proxy read from %s: %v", r.RemoteAddr, err)
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}
	if int64(len(body)) > limit {
		http.Error(w, "message too large", http.StatusRequestEntityTooLarge)
		return
	}
	var pm ProxyMessage
	if err := pm.Unmarshal(body); err != nil {
		log.Debugf(krblog.AreaTransport, "proxy request from %s: %v", r.RemoteAddr, err)
		http.Error(w, "malformed proxy message", http.StatusBadRequest)
		return
	}
	inner, err := Unframe(pm.Message)
	if err != nil {
		log.Debugf(krblog.AreaTransport, "proxy request from %s: %v", r.RemoteAddr, err)
		http.Error(w, "malformed kerberos message", http.StatusBadRequest)
		return
	}
	reply, err := h.Server.process(r.Context(), inner, false)
	if err != nil {
		log.Debugf(krblog.AreaTransport, "proxy request from %s: %v", r.RemoteAddr, err)
		http.Error(w, "malformed kerberos message", http.StatusBadRequest)
		return
	}
	out := ProxyMessage{Message: Frame(reply), TargetDomain: pm.TargetDomain}
	b, err := out.Marshal()
	if err != nil {
		log.Errorf(krblog.AreaTransport, "proxy reply: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", ProxyContentType)
	w.Write(b)
}
