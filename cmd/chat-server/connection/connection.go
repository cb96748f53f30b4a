package connection

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/secure-chat-hub/secure-chat-hub/pkg/protocol"
	"go.uber.org/zap"
)

// writeDeadline bounds a single socket write. A peer that stops reading
// long enough for the kernel buffer to fill is treated as gone.
const writeDeadline = 30 * time.Second

// Conn is the live state for one TLS socket. The manager owns it
// exclusively; everything else refers to it by id and re-looks it up.
type Conn struct {
	id         uint64
	remoteAddr string
	sock       net.Conn

	state        atomic.Uint32
	userID       atomic.Uint64
	lastActivity atomic.Int64 // unix nanos
	createdAt    time.Time

	tokenMu      sync.RWMutex
	sessionToken string

	// Scanner assembles length-prefixed frames from the byte stream. Only
	// the connection's serial executor touches it.
	Scanner protocol.FrameScanner

	writeQueue chan []byte
	writerOnce sync.Once
	closeOnce  sync.Once

	framesIn  atomic.Uint64
	framesOut atomic.Uint64
	bytesIn   atomic.Uint64
	bytesOut  atomic.Uint64

	onWriteError func(id uint64)
	onFrameOut   func(n int)
}

func newConn(id uint64, sock net.Conn, writeQueueSize int) *Conn {
	c := &Conn{
		id:         id,
		sock:       sock,
		createdAt:  time.Now(),
		writeQueue: make(chan []byte, writeQueueSize),
	}
	if sock != nil {
		c.remoteAddr = sock.RemoteAddr().String()
	}
	c.state.Store(uint32(StateConnecting))
	c.lastActivity.Store(time.Now().UnixNano())
	return c
}

// ID returns the stable connection id.
func (c *Conn) ID() uint64 { return c.id }

// RemoteAddr returns the peer address captured at accept time.
func (c *Conn) RemoteAddr() string { return c.remoteAddr }

// State loads the current lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

// UserID is non-zero once the connection is authenticated.
func (c *Conn) UserID() uint64 { return c.userID.Load() }

// SessionToken is non-empty once the connection is authenticated.
func (c *Conn) SessionToken() string {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()
	return c.sessionToken
}

func (c *Conn) setSession(userID uint64, token string) {
	c.userID.Store(userID)
	c.tokenMu.Lock()
	c.sessionToken = token
	c.tokenMu.Unlock()
}

// Touch refreshes the idle timer.
func (c *Conn) Touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the last read, write or explicit touch.
func (c *Conn) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// cas attempts the from→to transition. Both legality and atomicity are
// enforced here.
func (c *Conn) cas(from State, to State) bool {
	if !transitionAllowed(from, to) {
		return false
	}
	return c.state.CompareAndSwap(uint32(from), uint32(to))
}

// forceError moves any live state to Error. Returns false when the
// connection already reached Error or Disconnected.
func (c *Conn) forceError() bool {
	for {
		cur := c.State()
		if cur == StateError || cur == StateDisconnected {
			return false
		}
		if c.state.CompareAndSwap(uint32(cur), uint32(StateError)) {
			return true
		}
	}
}

// enqueueFrame appends a frame to the write queue without blocking. A full
// queue drops the frame; producers never block on a slow consumer.
func (c *Conn) enqueueFrame(frame []byte) bool {
	select {
	case c.writeQueue <- frame:
		return true
	default:
		return false
	}
}

// startWriter launches the connection's dedicated writer goroutine. All
// socket writes for this connection are serialised through it.
func (c *Conn) startWriter() {
	c.writerOnce.Do(func() {
		go c.writeLoop()
	})
}

func (c *Conn) writeLoop() {
	for frame := range c.writeQueue {
		if err := c.sock.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
			zap.S().Debugf("Failed to set write deadline on connection %d: %s", c.id, err)
		}
		n, err := c.sock.Write(frame)
		if err != nil {
			zap.S().Debugf("Write failed on connection %d: %s", c.id, err)
			if c.onWriteError != nil {
				c.onWriteError(c.id)
			}
			return
		}
		c.framesOut.Add(1)
		c.bytesOut.Add(uint64(n))
		c.Touch()
		if c.onFrameOut != nil {
			c.onFrameOut(n)
		}
	}
}

// closeSocket shuts the socket and the writer down exactly once.
func (c *Conn) closeSocket() {
	c.closeOnce.Do(func() {
		close(c.writeQueue)
		if c.sock != nil {
			_ = c.sock.Close()
		}
	})
}

// Stats is a point-in-time copy of the connection's counters.
type Stats struct {
	ID           uint64    `json:"id"`
	RemoteAddr   string    `json:"remoteAddr"`
	State        string    `json:"state"`
	UserID       uint64    `json:"userId,omitempty"`
	FramesIn     uint64    `json:"framesIn"`
	FramesOut    uint64    `json:"framesOut"`
	BytesIn      uint64    `json:"bytesIn"`
	BytesOut     uint64    `json:"bytesOut"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// Stats snapshots the connection counters.
func (c *Conn) Stats() Stats {
	return Stats{
		ID:           c.id,
		RemoteAddr:   c.remoteAddr,
		State:        c.State().String(),
		UserID:       c.UserID(),
		FramesIn:     c.framesIn.Load(),
		FramesOut:    c.framesOut.Load(),
		BytesIn:      c.bytesIn.Load(),
		BytesOut:     c.bytesOut.Load(),
		CreatedAt:    c.createdAt,
		LastActivity: c.LastActivity(),
	}
}

// RecordRead accounts one read off the socket.
func (c *Conn) RecordRead(n int) {
	c.bytesIn.Add(uint64(n))
	c.Touch()
}

// RecordFrame accounts one fully assembled frame.
func (c *Conn) RecordFrame() {
	c.framesIn.Add(1)
}
