package listener

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/secure-chat-hub/secure-chat-hub/cmd/chat-server/connection"
	"github.com/secure-chat-hub/secure-chat-hub/cmd/chat-server/engine"
	"github.com/secure-chat-hub/secure-chat-hub/cmd/chat-server/metrics"
	"github.com/secure-chat-hub/secure-chat-hub/cmd/chat-server/pipeline"
	"github.com/secure-chat-hub/secure-chat-hub/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSessions struct{}

func (stubSessions) Issue(userID uint64) (string, error) { return "tok", nil }
func (stubSessions) Revoke(token string)                 {}

type captureHandler struct {
	mu   sync.Mutex
	msgs []*protocol.Message
}

func (h *captureHandler) Name() string          { return "capture" }
func (h *captureHandler) CanHandle(string) bool { return true }
func (h *captureHandler) Handle(m *protocol.Message) error {
	h.mu.Lock()
	h.msgs = append(h.msgs, m)
	h.mu.Unlock()
	return nil
}

func (h *captureHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.msgs)
}

func selfSignedTLS(t *testing.T) *tls.Config {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
}

func newTestListener(t *testing.T, cfg Config, mgrCfg connection.Config) (*Listener, *connection.Manager, *pipeline.Pipeline, *captureHandler) {
	t.Helper()
	reg := metrics.New(prometheus.NewRegistry())
	mgr := connection.NewManager(mgrCfg, stubSessions{}, reg)

	h := &captureHandler{}
	handlers := engine.NewRegistry()
	require.NoError(t, handlers.Register(h))
	eng, err := engine.New(engine.Config{}, handlers, nil, reg)
	require.NoError(t, err)
	eng.Start()
	t.Cleanup(eng.Stop)

	pipe := pipeline.New(pipeline.Config{}, mgr, eng, reg)
	pipe.Start()
	t.Cleanup(pipe.Stop)

	cfg.Addr = "127.0.0.1:0"
	l := New(cfg, mgr, pipe)
	require.NoError(t, l.Start())
	t.Cleanup(l.Stop)
	return l, mgr, pipe, h
}

func TestFramesReachTheEngineOverTLS(t *testing.T) {
	tlsCfg := selfSignedTLS(t)
	l, mgr, _, h := newTestListener(t, Config{TLSConfig: tlsCfg}, connection.Config{})

	client, err := tls.Dial("tcp", l.Addr().String(), &tls.Config{InsecureSkipVerify: true})
	require.NoError(t, err)
	defer client.Close()

	frame, err := protocol.EncodeFrame([]byte(`{"id":"m1","type":"heartbeat","data":{}}`))
	require.NoError(t, err)

	// Split the frame to force reassembly on the server side.
	_, err = client.Write(frame[:3])
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	_, err = client.Write(frame[3:])
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return h.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, mgr.Count())
}

func TestHandshakeFailureNeverRegistersConnection(t *testing.T) {
	tlsCfg := selfSignedTLS(t)
	l, mgr, _, _ := newTestListener(t, Config{TLSConfig: tlsCfg}, connection.Config{})

	// Plain TCP against a TLS listener fails the handshake.
	raw, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	_, err = raw.Write([]byte("not a client hello"))
	require.NoError(t, err)

	buf := make([]byte, 64)
	_ = raw.SetReadDeadline(time.Now().Add(time.Second))
	for {
		if _, err := raw.Read(buf); err != nil {
			break
		}
	}
	_ = raw.Close()

	assert.Eventually(t, func() bool { return mgr.Count() == 0 }, time.Second, 5*time.Millisecond)
}

func TestClientDisconnectRemovesConnection(t *testing.T) {
	l, mgr, _, _ := newTestListener(t, Config{}, connection.Config{})

	client, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return mgr.Count() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, client.Close())
	assert.Eventually(t, func() bool { return mgr.Count() == 0 }, time.Second, 5*time.Millisecond)
}

func TestCapacityRefusalClosesExtraSocket(t *testing.T) {
	l, mgr, _, _ := newTestListener(t, Config{}, connection.Config{MaxConnections: 1})

	first, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer first.Close()
	require.Eventually(t, func() bool { return mgr.Count() == 1 }, time.Second, 5*time.Millisecond)

	second, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer second.Close()

	// The refused socket is closed server-side; the read unblocks with an error.
	_ = second.SetReadDeadline(time.Now().Add(time.Second))
	_, err = second.Read(make([]byte, 1))
	assert.Error(t, err)
	assert.Equal(t, 1, mgr.Count())
}

func TestStopClosesListenSocket(t *testing.T) {
	l, _, _, _ := newTestListener(t, Config{}, connection.Config{})
	addr := l.Addr().String()
	l.Stop()

	_, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
	assert.Error(t, err)
}
