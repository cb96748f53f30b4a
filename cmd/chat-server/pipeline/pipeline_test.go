package pipeline

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/secure-chat-hub/secure-chat-hub/cmd/chat-server/connection"
	"github.com/secure-chat-hub/secure-chat-hub/cmd/chat-server/engine"
	"github.com/secure-chat-hub/secure-chat-hub/cmd/chat-server/metrics"
	"github.com/secure-chat-hub/secure-chat-hub/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureHandler struct {
	mu   sync.Mutex
	msgs []*protocol.Message
}

func (h *captureHandler) Name() string                { return "capture" }
func (h *captureHandler) CanHandle(string) bool       { return true }
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

type stubSessions struct{}

func (stubSessions) Issue(userID uint64) (string, error) { return "tok", nil }
func (stubSessions) Revoke(token string)                 {}

func newTestPipeline(t *testing.T, cfg Config) (*Pipeline, *connection.Manager, *engine.Engine, *captureHandler) {
	t.Helper()
	reg := metrics.New(prometheus.NewRegistry())
	mgr := connection.NewManager(connection.Config{}, stubSessions{}, reg)
	t.Cleanup(mgr.Shutdown)

	h := &captureHandler{}
	handlers := engine.NewRegistry()
	require.NoError(t, handlers.Register(h))
	eng, err := engine.New(engine.Config{}, handlers, nil, reg)
	require.NoError(t, err)
	t.Cleanup(eng.Stop)

	p := New(cfg, mgr, eng, reg)
	t.Cleanup(p.Stop)
	return p, mgr, eng, h
}

func addConn(t *testing.T, mgr *connection.Manager) (*connection.Conn, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { _ = client.Close() })
	c, err := mgr.Add(server)
	require.NoError(t, err)
	require.NoError(t, mgr.Transition(c.ID(), connection.StateConnecting, connection.StateConnected))
	return c, client
}

func TestSubmitDropsWhenQueueFull(t *testing.T) {
	p, _, _, _ := newTestPipeline(t, Config{EventQueueSize: 1})

	dropped := 0
	p.OnOverflow(func() { dropped++ })

	assert.True(t, p.Submit(&Event{Kind: KindDataReceived, ConnectionID: 1}))
	assert.False(t, p.Submit(&Event{Kind: KindDataReceived, ConnectionID: 2}))
	assert.Equal(t, 1, dropped)
	assert.Equal(t, 1, p.QueueLength())
}

func TestDispatchOrderFollowsEventPriority(t *testing.T) {
	p, mgr, _, _ := newTestPipeline(t, Config{})
	c, _ := addConn(t, mgr)

	before := c.LastActivity()
	time.Sleep(2 * time.Millisecond)

	// Queue in reverse urgency; the pop order must be lifecycle, then
	// error, then data, with the heartbeat last.
	require.True(t, p.Submit(&Event{Kind: KindHeartbeat, ConnectionID: c.ID()}))
	require.True(t, p.Submit(&Event{Kind: KindDataReceived, ConnectionID: c.ID()}))
	require.True(t, p.Submit(&Event{Kind: KindSslHandshakeFailed, ConnectionID: c.ID()}))
	require.True(t, p.Submit(&Event{Kind: KindNewConnection, ConnectionID: c.ID()}))

	var got []Kind
	for ev := p.pop(); ev != nil; ev = p.pop() {
		got = append(got, ev.Kind)
	}
	assert.Equal(t, []Kind{KindNewConnection, KindSslHandshakeFailed, KindDataReceived, KindHeartbeat}, got)

	p.dispatch(&Event{Kind: KindHeartbeat, ConnectionID: c.ID()})
	assert.True(t, c.LastActivity().After(before))
}

func TestSocketErrorEventFailsConnectionInline(t *testing.T) {
	p, mgr, _, _ := newTestPipeline(t, Config{})
	c, _ := addConn(t, mgr)

	// No dispatcher running; the error path completes on the caller.
	p.dispatch(&Event{Kind: KindSocketError, ConnectionID: c.ID(), Err: errors.New("connection reset")})

	_, ok := mgr.Get(c.ID())
	assert.False(t, ok)
	assert.Equal(t, connection.StateDisconnected, c.State())
}

func TestDataEventsAssembleFramesAcrossChunks(t *testing.T) {
	p, mgr, _, h := newTestPipeline(t, Config{})
	c, _ := addConn(t, mgr)
	p.Start()

	frame, err := protocol.EncodeFrame([]byte(`{"id":"m1","type":"chat","data":{"text":"hi"}}`))
	require.NoError(t, err)

	// Split the frame mid-payload; nothing may be submitted until the
	// second chunk closes the frame.
	cut := len(frame) - 5
	require.True(t, p.Submit(&Event{Kind: KindDataReceived, ConnectionID: c.ID(), Data: frame[:cut]}))
	require.True(t, p.Submit(&Event{Kind: KindDataReceived, ConnectionID: c.ID(), Data: frame[cut:]}))

	assert.Eventually(t, func() bool { return p.eng.QueueLength() == 1 }, time.Second, 5*time.Millisecond)
	p.eng.DrainTick()
	assert.Equal(t, 1, h.count())
}

func TestOversizedFrameClosesConnection(t *testing.T) {
	p, mgr, _, _ := newTestPipeline(t, Config{})
	c, _ := addConn(t, mgr)
	p.Start()

	// A length prefix above the cap, no payload needed.
	require.True(t, p.Submit(&Event{
		Kind:         KindDataReceived,
		ConnectionID: c.ID(),
		Data:         []byte{0x7f, 0xff, 0xff, 0xff},
	}))

	assert.Eventually(t, func() bool {
		_, ok := mgr.Get(c.ID())
		return !ok
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, c.Scanner.Buffered())
}

func TestConnectionClosedEventRemovesConnection(t *testing.T) {
	p, mgr, _, _ := newTestPipeline(t, Config{})
	c, _ := addConn(t, mgr)
	p.Start()

	require.True(t, p.Submit(&Event{Kind: KindConnectionClosed, ConnectionID: c.ID()}))

	assert.Eventually(t, func() bool {
		_, ok := mgr.Get(c.ID())
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestSerialExecutorKeepsPerLaneOrder(t *testing.T) {
	pool := NewPool("test", 4, 64)
	defer pool.Stop()
	exec := newSerialExecutor(pool)

	var mu sync.Mutex
	order := make(map[uint64][]int)
	var wg sync.WaitGroup

	for conn := uint64(1); conn <= 3; conn++ {
		for i := 0; i < 50; i++ {
			wg.Add(1)
			conn, i := conn, i
			exec.Do(conn, func() {
				defer wg.Done()
				mu.Lock()
				order[conn] = append(order[conn], i)
				mu.Unlock()
			})
		}
	}
	wg.Wait()

	for conn := uint64(1); conn <= 3; conn++ {
		require.Len(t, order[conn], 50)
		for i, got := range order[conn] {
			assert.Equal(t, i, got, "lane %d out of order", conn)
		}
	}
	assert.Equal(t, 0, exec.pending(1))
}
