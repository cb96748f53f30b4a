package pipeline

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/secure-chat-hub/secure-chat-hub/cmd/chat-server/connection"
	"github.com/secure-chat-hub/secure-chat-hub/cmd/chat-server/engine"
	"github.com/secure-chat-hub/secure-chat-hub/cmd/chat-server/metrics"
	"go.uber.org/zap"
)

// Config bounds the event pipeline.
type Config struct {
	EventQueueSize    int           // cap on the sum of the four event queues
	NetworkWorkers    int           // lifecycle and error events
	MessageWorkers    int           // frame assembly and message submission
	BatchSize         int           // events per dispatch tick
	MaxProcessingTime time.Duration // wall-clock budget per tick
}

// Pipeline moves network events from the socket layer to the connection
// manager and the message engine. Submission never blocks the reader; a
// full queue drops the event and counts it.
type Pipeline struct {
	cfg Config
	mgr *connection.Manager
	eng *engine.Engine
	reg *metrics.Registry

	queues [4]chan *Event
	total  atomic.Int64

	netPool *Pool
	msgPool *Pool
	exec    *serialExecutor

	overflowMu sync.Mutex
	onOverflow func()

	stop     chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
	done     chan struct{}
}

// New wires a pipeline. Start must be called before events flow.
func New(cfg Config, mgr *connection.Manager, eng *engine.Engine, reg *metrics.Registry) *Pipeline {
	if cfg.EventQueueSize <= 0 {
		cfg.EventQueueSize = 10000
	}
	if cfg.NetworkWorkers <= 0 {
		cfg.NetworkWorkers = 2
	}
	if cfg.MessageWorkers <= 0 {
		cfg.MessageWorkers = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 128
	}
	if cfg.MaxProcessingTime <= 0 {
		cfg.MaxProcessingTime = 50 * time.Millisecond
	}
	p := &Pipeline{
		cfg:     cfg,
		mgr:     mgr,
		eng:     eng,
		reg:     reg,
		netPool: NewPool("network", cfg.NetworkWorkers, cfg.EventQueueSize),
		msgPool: NewPool("message", cfg.MessageWorkers, cfg.EventQueueSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	p.exec = newSerialExecutor(p.msgPool)
	for i := range p.queues {
		p.queues[i] = make(chan *Event, cfg.EventQueueSize)
	}
	return p
}

// OnOverflow registers the queue-overflow notification callback.
func (p *Pipeline) OnOverflow(fn func()) {
	p.overflowMu.Lock()
	p.onOverflow = fn
	p.overflowMu.Unlock()
}

// Submit enqueues an event without blocking. It reports false when the
// event was dropped because the queues are full.
func (p *Pipeline) Submit(ev *Event) bool {
	if ev == nil {
		return false
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	if p.total.Load() >= int64(p.cfg.EventQueueSize) {
		p.drop(ev)
		return false
	}
	select {
	case p.queues[ev.Kind.priority()] <- ev:
		p.total.Add(1)
		return true
	default:
		p.drop(ev)
		return false
	}
}

func (p *Pipeline) drop(ev *Event) {
	if p.reg != nil {
		p.reg.DroppedEvents.Inc()
		p.reg.QueueOverflows.Inc()
	}
	zap.S().Warnf("Dropping %s event for connection %d, event queue full", ev.Kind, ev.ConnectionID)
	p.overflowMu.Lock()
	fn := p.onOverflow
	p.overflowMu.Unlock()
	if fn != nil {
		fn()
	}
}

// QueueLength returns the number of events awaiting dispatch.
func (p *Pipeline) QueueLength() int {
	return int(p.total.Load())
}

// Start launches the dispatcher.
func (p *Pipeline) Start() {
	if p.started.CompareAndSwap(false, true) {
		go p.run()
	}
}

// Stop halts dispatching and waits for both worker pools to drain.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
		if p.started.Load() {
			<-p.done
		}
		p.netPool.Stop()
		p.msgPool.Stop()
	})
}

func (p *Pipeline) run() {
	defer close(p.done)
	for {
		select {
		case <-p.stop:
			return
		default:
		}
		if p.dispatchTick() == 0 {
			select {
			case <-p.stop:
				return
			case <-time.After(2 * time.Millisecond):
			}
		}
	}
}

// dispatchTick drains up to BatchSize events, most urgent first, within the
// tick's time budget.
func (p *Pipeline) dispatchTick() int {
	deadline := time.Now().Add(p.cfg.MaxProcessingTime)
	dispatched := 0
	for dispatched < p.cfg.BatchSize && time.Now().Before(deadline) {
		ev := p.pop()
		if ev == nil {
			break
		}
		p.dispatch(ev)
		dispatched++
	}
	if dispatched > 0 && p.reg != nil {
		p.reg.QueueSize.WithLabelValues("events").Set(float64(p.total.Load()))
	}
	return dispatched
}

func (p *Pipeline) pop() *Event {
	for i := range p.queues {
		select {
		case ev := <-p.queues[i]:
			p.total.Add(-1)
			return ev
		default:
		}
	}
	return nil
}

// dispatch fans an event out by kind: lifecycle events to the network pool,
// data through the connection's serial lane so frames assemble in read
// order, everything else inline on the dispatcher.
func (p *Pipeline) dispatch(ev *Event) {
	switch ev.Kind {
	case KindDataReceived:
		p.exec.Do(ev.ConnectionID, func() { p.handleData(ev) })
	case KindHeartbeat:
		p.mgr.Touch(ev.ConnectionID)
	case KindNewConnection:
		p.netPool.Submit(func() {
			zap.S().Debugf("Connection %d entered the pipeline", ev.ConnectionID)
		})
	case KindConnectionClosed:
		p.netPool.Submit(func() {
			p.mgr.Remove(ev.ConnectionID, connection.ReasonSocketClosed)
		})
	case KindSocketError:
		zap.S().Debugf("Socket error on connection %d: %v", ev.ConnectionID, ev.Err)
		p.mgr.Fail(ev.ConnectionID, connection.ReasonSocketError)
	case KindSslHandshakeFailed:
		zap.S().Warnf("TLS handshake failed: %v", ev.Err)
	default:
		zap.S().Warnf("Unknown event kind %d for connection %d", ev.Kind, ev.ConnectionID)
	}
}

// handleData feeds freshly read bytes into the connection's frame scanner
// and submits every completed frame. An oversized length prefix is fatal
// for the connection: the buffer is poisoned and nothing after it can be
// trusted.
func (p *Pipeline) handleData(ev *Event) {
	c, ok := p.mgr.Get(ev.ConnectionID)
	if !ok {
		return
	}
	c.RecordRead(len(ev.Data))
	if p.reg != nil {
		p.reg.BytesIn.Add(float64(len(ev.Data)))
	}
	c.Scanner.Feed(ev.Data)
	for {
		payload, complete, err := c.Scanner.Next()
		if err != nil {
			if p.reg != nil {
				p.reg.OversizedFrames.Inc()
			}
			zap.S().Warnf("Oversized frame on connection %d, closing", ev.ConnectionID)
			c.Scanner.Reset()
			p.mgr.Fail(ev.ConnectionID, connection.ReasonOversizedFrame)
			return
		}
		if !complete {
			return
		}
		c.RecordFrame()
		if p.reg != nil {
			p.reg.FramesIn.Inc()
		}
		_ = p.eng.SubmitRaw(payload, ev.ConnectionID)
	}
}
