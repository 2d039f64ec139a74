package kdc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/jcmturner/gokrb5/v8/iana/errorcode"
	"golang.org/x/crypto/cryptobyte"

	"github.com/kardianos/gokdc/krb5/messages"
	"github.com/kardianos/gokdc/krblog"
)

// ListenerConfig configures a Listener.
type ListenerConfig struct {
	// Addr is the address to listen on (default ":88"). UDP and TCP share
	// the port, so ":0" picks one free port for both.
	Addr string

	// UDPMaxSize is the largest reply sent over UDP (default 1465). Larger
	// replies become KRB_ERR_RESPONSE_TOO_BIG so the client retries on TCP.
	UDPMaxSize int

	// MaxMessageSize bounds a TCP request (default 65535).
	MaxMessageSize int

	// ReceiveTimeout is how long a TCP connection may sit idle or
	// mid-message (default 30 seconds).
	ReceiveTimeout time.Duration

	// WriteTimeout bounds writing one reply (default 10 seconds).
	WriteTimeout time.Duration

	// Logger for transport events. If nil, the server's logger is used.
	Logger *krblog.Logger
}

// Listener serves a Server over UDP and TCP.
type Listener struct {
	server *Server
	config ListenerConfig
	log    *krblog.Logger

	udpListener *net.UDPConn
	tcpListener net.Listener

	mu      sync.Mutex
	running bool
	started bool
	wg      sync.WaitGroup

	ready chan struct{} // closed when listeners are ready
	done  chan struct{} // closed when fully stopped
}

// NewListener returns a listener for srv. Call Start to begin serving.
func NewListener(srv *Server, cfg ListenerConfig) (*Listener, error) {
	if srv == nil {
		return nil, errors.New("kdc: server is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":88"
	}
	if cfg.UDPMaxSize <= 0 {
		cfg.UDPMaxSize = 1465
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 65535
	}
	if cfg.ReceiveTimeout <= 0 {
		cfg.ReceiveTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = srv.log
	}
	return &Listener{
		server: srv,
		config: cfg,
		log:    log,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// Start listens on TCP and UDP and serves in the background until ctx is
// cancelled. Use Wait to block until the listener has fully stopped.
// A Listener serves once: Start after a stop returns an error, so use
// NewListener to serve again.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return errors.New("kdc: listener already running")
	}
	if l.started {
		return errors.New("kdc: listener has stopped and cannot be restarted")
	}

	var err error
	l.tcpListener, err = net.Listen("tcp", l.config.Addr)
	if err != nil {
		return fmt.Errorf("listen TCP: %w", err)
	}
	// Bind UDP to the port TCP was given.
	udpAddr, err := net.ResolveUDPAddr("udp", l.tcpListener.Addr().String())
	if err != nil {
		l.tcpListener.Close()
		return fmt.Errorf("resolve UDP addr: %w", err)
	}
	l.udpListener, err = net.ListenUDP("udp", udpAddr)
	if err != nil {
		l.tcpListener.Close()
		return fmt.Errorf("listen UDP: %w", err)
	}

	l.running = true
	l.started = true

	l.wg.Add(2)
	go l.serveUDP(ctx)
	go l.serveTCP(ctx)

	go l.watchContext(ctx)

	l.log.Printf(krblog.AreaTransport, "KDC listening on %s (realm: %s)", l.Addr(), l.server.realm.Name())

	close(l.ready)
	return nil
}

func (l *Listener) watchContext(ctx context.Context) {
	<-ctx.Done()
	l.stop()
}

func (l *Listener) stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	l.mu.Unlock()

	l.udpListener.Close()
	l.tcpListener.Close()

	l.wg.Wait()
	l.log.Printf(krblog.AreaTransport, "KDC stopped")
	close(l.done)
}

func (l *Listener) isRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Wait blocks until the listener has fully stopped.
func (l *Listener) Wait() {
	<-l.done
}

// Done returns a channel that is closed when the listener has fully stopped.
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

// Ready blocks until the listener accepts connections or ctx is done.
func (l *Listener) Ready(ctx context.Context) error {
	select {
	case <-l.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Addr returns the TCP address, which is also the UDP address.
func (l *Listener) Addr() string {
	if l.tcpListener != nil {
		return l.tcpListener.Addr().String()
	}
	return l.config.Addr
}

func (l *Listener) serveUDP(ctx context.Context) {
	defer l.wg.Done()

	buf := make([]byte, 65535)
	for {
		n, addr, err := l.udpListener.ReadFromUDP(buf)
		if err != nil {
			if l.isRunning() {
				l.log.Errorf(krblog.AreaTransport, "UDP read error: %v", err)
			}
			return
		}
		req := append([]byte(nil), buf[:n]...)
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handleUDP(ctx, req, addr)
		}()
	}
}

func (l *Listener) handleUDP(ctx context.Context, req []byte, addr *net.UDPAddr) {
	resp, err := l.server.ProcessMessage(ctx, req)
	if err != nil {
		l.log.Debugf(krblog.AreaTransport, "UDP request from %s: %v", addr, err)
		return
	}
	if len(resp) > l.config.UDPMaxSize {
		l.log.Debugf(krblog.AreaTransport, "UDP reply to %s is %d bytes, asking for TCP", addr, len(resp))
		resp, err = l.server.errorReply(nil, messages.NewError(errorcode.KRB_ERR_RESPONSE_TOO_BIG, "reply is %d bytes", len(resp)))
		if err != nil {
			l.log.Errorf(krblog.AreaTransport, "UDP reply to %s: %v", addr, err)
			return
		}
	}
	if _, err := l.udpListener.WriteToUDP(resp, addr); err != nil {
		l.log.Printf(krblog.AreaTransport, "UDP write to %s error: %v", addr, err)
	}
}

func (l *Listener) serveTCP(ctx context.Context) {
	defer l.wg.Done()

	for {
		conn, err := l.tcpListener.Accept()
		if err != nil {
			if l.isRunning() {
				l.log.Errorf(krblog.AreaTransport, "TCP accept error: %v", err)
			}
			return
		}
		l.wg.Add(1)
		go l.handleTCPConn(ctx, conn)
	}
}

// handleTCPConn runs a reader goroutine that frames requests and hands
// them to this goroutine, which processes and replies. A silent client or
// listener shutdown ends both.
func (l *Listener) handleTCPConn(ctx context.Context, conn net.Conn) {
	defer l.wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	requests := make(chan []byte)
	readErr := make(chan error, 1)
	readerDone := make(chan struct{})
	defer func() {
		cancel()
		conn.Close()
		<-readerDone
	}()

	go func() {
		defer close(readerDone)
		defer close(requests)
		for {
			msg, err := l.readFrame(conn)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case requests <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-requests:
			if !ok {
				err := <-readErr
				switch {
				case errors.Is(err, io.EOF):
				case errors.Is(err, os.ErrDeadlineExceeded):
					l.log.Debugf(krblog.AreaTransport, "TCP %s: receive timeout", conn.RemoteAddr())
				default:
					if l.isRunning() {
						l.log.Printf(krblog.AreaTransport, "TCP %s: %v", conn.RemoteAddr(), err)
					}
				}
				return
			}
			resp, err := l.server.ProcessMessage(ctx, msg)
			if err != nil {
				l.log.Debugf(krblog.AreaTransport, "TCP request from %s: %v", conn.RemoteAddr(), err)
				return
			}
			conn.SetWriteDeadline(time.Now().Add(l.config.WriteTimeout))
			if _, err := conn.Write(Frame(resp)); err != nil {
				l.log.Printf(krblog.AreaTransport, "TCP write to %s error: %v", conn.RemoteAddr(), err)
				return
			}
		}
	}
}

// readFrame reads one length-prefixed message under the receive timeout.
func (l *Listener) readFrame(conn net.Conn) ([]byte, error) {
	conn.SetReadDeadline(time.Now().Add(l.config.ReceiveTimeout))
	var hdr [4]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return nil, err
	}
	var n uint32
	s := cryptobyte.String(hdr[:])
	s.ReadUint32(&n)
	if n > uint32(l.config.MaxMessageSize) {
		return nil, fmt.Errorf("message of %d bytes exceeds %d", n, l.config.MaxMessageSize)
	}
	msg := make([]byte, n)
	if _, err := io.ReadFull(conn, msg); err != nil {
		return nil, err
	}
	return msg, nil
}
