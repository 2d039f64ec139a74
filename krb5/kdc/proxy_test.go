package kdc

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jcmturner/gokrb5/v8/iana/errorcode"
	"github.com/jcmturner/gokrb5/v8/iana/msgtype"
)

func TestProxyMessageEncoding(t *testing.T) {
	tests := []ProxyMessage{
		{Message: Frame([]byte{0x6a, 0x00})},
		{Message: Frame([]byte{0x6c, 0x01, 0x00}), TargetDomain: "EXAMPLE.COM"},
		{Message: Frame(nil), TargetDomain: "EXAMPLE.COM", DCLocatorHint: 7},
	}
	for _, want := range tests {
		b, err := want.Marshal()
		if err != nil {
			t.Fatal(err)
		}
		var got ProxyMessage
		if err := got.Unmarshal(b); err != nil {
			t.Fatalf("unmarshal %x: %v", b, err)
		}
		if !bytes.Equal(got.Message, want.Message) || got.TargetDomain != want.TargetDomain || got.DCLocatorHint != want.DCLocatorHint {
			t.Errorf("got %+v, want %+v", got, want)
		}
	}

	var pm ProxyMessage
	if err := pm.Unmarshal([]byte{0x30, 0x03, 0x02, 0x01, 0x05}); err == nil {
		t.Error("envelope without kerb-message accepted")
	}
	if _, err := Unframe([]byte{0x00, 0x00, 0x00, 0x09, 0x01}); err == nil {
		t.Error("short frame accepted")
	}
}

func proxyRequest(t *testing.T, inner []byte) []byte {
	t.Helper()
	pm := ProxyMessage{Message: Frame(inner), TargetDomain: testRealm}
	b, err := pm.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func unwrapProxyReply(t *testing.T, b []byte) []byte {
	t.Helper()
	var pm ProxyMessage
	if err := pm.Unmarshal(b); err != nil {
		t.Fatalf("reply envelope: %v", err)
	}
	if pm.TargetDomain != testRealm {
		t.Errorf("target-domain = %q", pm.TargetDomain)
	}
	msg, err := Unframe(pm.Message)
	if err != nil {
		t.Fatal(err)
	}
	return msg
}

func TestProxyHandler(t *testing.T) {
	f := newFixture(t, ServerOptions{})
	ts := httptest.NewServer(&ProxyHandler{Server: f.srv, MaxMessageSize: 8192})
	defer ts.Close()

	resp, err := http.Post(ts.URL, ProxyContentType, bytes.NewReader(proxyRequest(t, bobASReq(t))))
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != ProxyContentType {
		t.Errorf("content type %q", ct)
	}
	rep, ke := decodeReply(t, unwrapProxyReply(t, body))
	if ke != nil {
		t.Fatalf("proxied AS-REQ: %s", errorcode.Lookup(ke.ErrorCode))
	}
	if rep.MsgType != msgtype.KRB_AS_REP {
		t.Errorf("msg-type %d", rep.MsgType)
	}

	tests := []struct {
		name   string
		method string
		body   []byte
		status int
	}{
		{"get", http.MethodGet, nil, http.StatusMethodNotAllowed},
		{"not an envelope", http.MethodPost, []byte("hello"), http.StatusBadRequest},
		{"garbage inside", http.MethodPost, proxyRequest(t, []byte{0xff, 0x83}), http.StatusBadRequest},
		{"too large", http.MethodPost, proxyRequest(t, make([]byte, 10000)), http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, ts.URL, bytes.NewReader(tt.body))
			if err != nil {
				t.Fatal(err)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.status {
				t.Errorf("status %d, want %d", resp.StatusCode, tt.status)
			}
		})
	}
}

func TestProcessMessageProxyEnvelope(t *testing.T) {
	f := newFixture(t, ServerOptions{AllowProxy: true})
	out, err := f.srv.ProcessMessage(context.Background(), proxyRequest(t, bobASReq(t)))
	if err != nil {
		t.Fatal(err)
	}
	rep, ke := decodeReply(t, unwrapProxyReply(t, out))
	if ke != nil {
		t.Fatalf("AS-REQ: %s", errorcode.Lookup(ke.ErrorCode))
	}
	if rep.MsgType != msgtype.KRB_AS_REP {
		t.Errorf("msg-type %d", rep.MsgType)
	}

	// Without AllowProxy the envelope is just an unsupported message.
	f = newFixture(t, ServerOptions{})
	out, err = f.srv.ProcessMessage(context.Background(), proxyRequest(t, bobASReq(t)))
	if err != nil {
		t.Fatal(err)
	}
	_, ke = decodeReply(t, out)
	expectError(t, ke, errorcode.KRB_ERR_GENERIC)
}
