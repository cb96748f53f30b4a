package listener

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/secure-chat-hub/secure-chat-hub/cmd/chat-server/connection"
	"github.com/secure-chat-hub/secure-chat-hub/cmd/chat-server/pipeline"
	"github.com/secure-chat-hub/secure-chat-hub/internal"
	"go.uber.org/zap"
)

const (
	handshakeTimeout = 10 * time.Second
	readBufferSize   = 4096
)

// Config bounds the listener.
type Config struct {
	Addr     string
	CertFile string
	KeyFile  string

	// TLSConfig overrides CertFile/KeyFile when set. With neither, the
	// listener speaks plaintext; only for tests and local development.
	TLSConfig *tls.Config
}

// Listener accepts sockets, runs the TLS handshake and feeds the event
// pipeline. It does no protocol work itself; every byte read is handed
// off as a DataReceived event.
type Listener struct {
	cfg  Config
	mgr  *connection.Manager
	pipe *pipeline.Pipeline

	// OnAcceptError is reported to when the accept loop fails repeatedly.
	OnAcceptError func(err error)

	ln       net.Listener
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New wires a listener; Start opens the socket.
func New(cfg Config, mgr *connection.Manager, pipe *pipeline.Pipeline) *Listener {
	return &Listener{
		cfg:  cfg,
		mgr:  mgr,
		pipe: pipe,
		stop: make(chan struct{}),
	}
}

// Start binds the listen address and launches the accept loop.
func (l *Listener) Start() error {
	tlsCfg := l.cfg.TLSConfig
	if tlsCfg == nil && l.cfg.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(l.cfg.CertFile, l.cfg.KeyFile)
		if err != nil {
			return err
		}
		tlsCfg = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	var ln net.Listener
	var err error
	if tlsCfg != nil {
		ln, err = tls.Listen("tcp", l.cfg.Addr, tlsCfg)
	} else {
		zap.S().Warnf("Listening without TLS on %s", l.cfg.Addr)
		ln, err = net.Listen("tcp", l.cfg.Addr)
	}
	if err != nil {
		return err
	}
	l.ln = ln
	zap.S().Infof("Listening on %s", ln.Addr())

	l.wg.Add(1)
	go l.acceptLoop()
	return nil
}

// Addr returns the bound address, valid after Start.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	failures := 0
	for {
		sock, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.stop:
				return
			default:
			}
			failures++
			zap.S().Warnf("Accept failed: %s", err)
			if failures >= 3 && l.OnAcceptError != nil {
				l.OnAcceptError(err)
			}
			internal.SleepBackoff(failures, 10*time.Millisecond, time.Second)
			continue
		}
		failures = 0
		l.wg.Add(1)
		go l.handle(sock)
	}
}

// handle runs one connection: handshake, admission, then the read loop.
func (l *Listener) handle(sock net.Conn) {
	defer l.wg.Done()

	if tc, ok := sock.(*tls.Conn); ok {
		_ = tc.SetDeadline(time.Now().Add(handshakeTimeout))
		if err := tc.Handshake(); err != nil {
			l.pipe.Submit(&pipeline.Event{Kind: pipeline.KindSslHandshakeFailed, Err: err})
			_ = tc.Close()
			return
		}
		_ = tc.SetDeadline(time.Time{})
	}

	c, err := l.mgr.Add(sock)
	if err != nil {
		// the manager already closed the socket
		return
	}
	if err := l.mgr.Transition(c.ID(), connection.StateConnecting, connection.StateConnected); err != nil {
		l.mgr.Fail(c.ID(), connection.ReasonSocketError)
		return
	}
	l.pipe.Submit(&pipeline.Event{Kind: pipeline.KindNewConnection, ConnectionID: c.ID()})

	l.readLoop(c.ID(), sock)
}

func (l *Listener) readLoop(id uint64, sock net.Conn) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := sock.Read(buf)
		if n > 0 {
			// the event owns its data; the read buffer is reused
			data := make([]byte, n)
			copy(data, buf[:n])
			l.pipe.Submit(&pipeline.Event{
				Kind:         pipeline.KindDataReceived,
				ConnectionID: id,
				Data:         data,
			})
		}
		if err != nil {
			kind := pipeline.KindSocketError
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				kind = pipeline.KindConnectionClosed
			}
			l.pipe.Submit(&pipeline.Event{Kind: kind, ConnectionID: id, Err: err})
			return
		}
	}
}

// Stop closes the listen socket and waits for per-connection readers to
// notice their sockets closing.
func (l *Listener) Stop() {
	l.stopOnce.Do(func() {
		close(l.stop)
		if l.ln != nil {
			_ = l.ln.Close()
		}
	})
	l.mgr.Shutdown()
	l.wg.Wait()
}
