package kdc

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/jcmturner/gokrb5/v8/iana/errorcode"
	"github.com/jcmturner/gokrb5/v8/iana/msgtype"

	"github.com/kardianos/gokdc/krb5/messages"
)

func startListener(t *testing.T, f *fixture, cfg ListenerConfig) *Listener {
	t.Helper()
	cfg.Addr = "127.0.0.1:0"
	l, err := NewListener(f.srv, cfg)
	if err != nil {
		t.Fatalf("NewListener: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		l.Wait()
	})
	if err := l.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := l.Ready(ctx); err != nil {
		t.Fatalf("KDC not ready: %v", err)
	}
	t.Logf("KDC listening on %s", l.Addr())
	return l
}

func bobASReq(t *testing.T) []byte {
	t.Helper()
	b, err := messages.NewASReq(asBody("bob", messages.TGSName(testRealm))).Marshal()
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func readFrame(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var hdr [4]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		t.Fatalf("read length: %v", err)
	}
	msg := make([]byte, binary.BigEndian.Uint32(hdr[:]))
	if _, err := io.ReadFull(conn, msg); err != nil {
		t.Fatalf("read message: %v", err)
	}
	return msg
}

func TestListenerTCP(t *testing.T) {
	f := newFixture(t, ServerOptions{})
	l := startListener(t, f, ListenerConfig{})

	conn, err := net.Dial("tcp", l.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// Two requests on one connection.
	for i := 0; i < 2; i++ {
		if _, err := conn.Write(Frame(bobASReq(t))); err != nil {
			t.Fatal(err)
		}
		rep, ke := decodeReply(t, readFrame(t, conn))
		if ke != nil {
			t.Fatalf("request %d: %s", i, errorcode.Lookup(ke.ErrorCode))
		}
		if rep.MsgType != msgtype.KRB_AS_REP {
			t.Fatalf("request %d: msg-type %d", i, rep.MsgType)
		}
	}
}

func TestListenerUDP(t *testing.T) {
	f := newFixture(t, ServerOptions{})
	l := startListener(t, f, ListenerConfig{})

	conn, err := net.Dial("udp", l.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if _, err := conn.Write(bobASReq(t)); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 65535)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	rep, ke := decodeReply(t, buf[:n])
	if ke != nil {
		t.Fatalf("UDP AS-REQ: %s", errorcode.Lookup(ke.ErrorCode))
	}
	if rep.MsgType != msgtype.KRB_AS_REP {
		t.Fatalf("msg-type %d", rep.MsgType)
	}
}

func TestListenerUDPResponseTooBig(t *testing.T) {
	f := newFixture(t, ServerOptions{})
	l := startListener(t, f, ListenerConfig{UDPMaxSize: 200})

	conn, err := net.Dial("udp", l.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if _, err := conn.Write(bobASReq(t)); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 65535)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	_, ke := decodeReply(t, buf[:n])
	expectError(t, ke, errorcode.KRB_ERR_RESPONSE_TOO_BIG)
}

func TestListenerClosesOnBadInput(t *testing.T) {
	f := newFixture(t, ServerOptions{})
	l := startListener(t, f, ListenerConfig{MaxMessageSize: 4096})

	tests := []struct {
		name  string
		bytes []byte
	}{
		{"garbage", Frame([]byte{0xff, 0x83, 0x01})},
		{"oversized", []byte{0x00, 0x01, 0x00, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, err := net.Dial("tcp", l.Addr())
			if err != nil {
				t.Fatal(err)
			}
			defer conn.Close()
			if _, err := conn.Write(tt.bytes); err != nil {
				t.Fatal(err)
			}
			conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			var b [1]byte
			if n, err := conn.Read(b[:]); err == nil {
				t.Fatalf("read %d bytes, want the connection closed", n)
			}
		})
	}
}

func TestListenerReceiveTimeout(t *testing.T) {
	f := newFixture(t, ServerOptions{})
	l := startListener(t, f, ListenerConfig{ReceiveTimeout: 100 * time.Millisecond})

	conn, err := net.Dial("tcp", l.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	// Half a length prefix, then silence.
	if _, err := conn.Write([]byte{0x00, 0x00}); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var b [1]byte
	_, err = conn.Read(b[:])
	if err == nil {
		t.Fatal("connection still open after the receive timeout")
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		t.Fatal("server did not close the idle connection")
	}
}

func TestListenerStop(t *testing.T) {
	f := newFixture(t, ServerOptions{})
	l, err := NewListener(f.srv, ListenerConfig{Addr: "127.0.0.1:0"})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := l.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := l.Start(ctx); err == nil {
		t.Error("second Start succeeded")
	}

	// An open connection must not hold up shutdown.
	conn, err := net.Dial("tcp", l.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	cancel()
	select {
	case <-l.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not stop")
	}

	if err := l.Start(context.Background()); err == nil {
		t.Error("Start after stop succeeded")
	}
	select {
	case <-l.Done():
	default:
		t.Error("done channel reopened")
	}
}
