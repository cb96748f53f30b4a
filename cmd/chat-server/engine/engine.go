package engine

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/beeker1121/goque"
	"github.com/secure-chat-hub/secure-chat-hub/cmd/chat-server/metrics"
	"github.com/secure-chat-hub/secure-chat-hub/pkg/protocol"
	"go.uber.org/zap"
)

var (
	ErrInvalid    = errors.New("invalid message")
	ErrOverloaded = errors.New("engine overloaded")
)

// Outcome labels for the messages-by-outcome counter.
const (
	OutcomeHandled   = "handled"
	OutcomeInvalid   = "invalid"
	OutcomeDropped   = "dropped"
	OutcomeExpired   = "expired"
	OutcomeNoHandler = "no_handler"
	OutcomeRetried   = "retried"
	OutcomeExhausted = "exhausted"
)

// Responder is the slice of the connection manager the engine needs to
// push error frames back to clients.
type Responder interface {
	Send(connectionID uint64, frame []byte) error
}

// Config bounds the engine.
type Config struct {
	MaxQueueSize      int           // cap on the sum of the four queue sizes
	BatchSize         int           // messages per drain tick
	MaxProcessingTime time.Duration // wall-clock budget per tick
	MaxRetries        int
	RetryEnabled      bool
	DefaultTTL        time.Duration // expiry applied to messages without one
	RetryDir          string        // directory for the persistent retry queue
}

// Engine routes messages to handlers through four priority queues, with a
// persistent retry queue for transient failures. Submission never blocks;
// overload drops and counts.
type Engine struct {
	cfg       Config
	reg       *metrics.Registry
	registry  *Registry
	responder Responder

	queues [4]chan *protocol.Message
	total  atomic.Int64
	retry  retryQueue

	overflowMu sync.Mutex
	onOverflow func()

	stop     chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
	done     chan struct{}
}

// retryQueue is the subset of goque.PriorityQueue the engine uses, split
// out so tests can run without touching disk.
type retryQueue interface {
	Enqueue(priority uint8, value []byte) (*goque.PriorityItem, error)
	Dequeue() (*goque.PriorityItem, error)
	Length() uint64
	Close() error
}

// New builds an engine. registry must already exist; handlers may be
// registered before or after Start.
func New(cfg Config, registry *Registry, responder Responder, reg *metrics.Registry) (*Engine, error) {
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 10000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.MaxProcessingTime <= 0 {
		cfg.MaxProcessingTime = 100 * time.Millisecond
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	e := &Engine{
		cfg:       cfg,
		reg:       reg,
		registry:  registry,
		responder: responder,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for i := range e.queues {
		e.queues[i] = make(chan *protocol.Message, cfg.MaxQueueSize)
	}
	if cfg.RetryEnabled {
		pq, err := openRetryQueue(cfg.RetryDir)
		if err != nil {
			return nil, err
		}
		e.retry = pq
		if n := e.retry.Length(); n > 0 {
			zap.S().Infof("Replaying %d messages left over in the retry queue", n)
		}
	} else {
		e.retry = noRetry{}
	}
	return e, nil
}

// OnOverflow registers the queue-overflow notification callback.
func (e *Engine) OnOverflow(fn func()) {
	e.overflowMu.Lock()
	e.onOverflow = fn
	e.overflowMu.Unlock()
}

func (e *Engine) raiseOverflow() {
	if e.reg != nil {
		e.reg.QueueOverflows.Inc()
	}
	e.overflowMu.Lock()
	fn := e.onOverflow
	e.overflowMu.Unlock()
	if fn != nil {
		fn()
	}
}

func (e *Engine) countOutcome(msgType string, outcome string) {
	if e.reg != nil {
		e.reg.MessagesByOutcome.WithLabelValues(msgType, outcome).Inc()
	}
}

// SubmitRaw parses a frame payload and submits the message. Validation
// failures are counted as Invalid and answered with a protocol error frame
// when the connection is still writable.
func (e *Engine) SubmitRaw(payload []byte, connectionID uint64) error {
	msg, err := protocol.ParseMessage(payload, connectionID)
	if err != nil {
		e.countOutcome("unknown", OutcomeInvalid)
		kind := protocol.ErrKindInvalidPayload
		if errors.Is(err, protocol.ErrUnknownType) {
			kind = protocol.ErrKindUnknownType
		}
		e.respondError(connectionID, "", kind, err.Error())
		return ErrInvalid
	}
	return e.Submit(msg)
}

// Submit validates and enqueues a message. Rejections: ErrInvalid for a
// malformed message, ErrOverloaded when the queues are at capacity (the
// message is dropped and QueueOverflow raised).
func (e *Engine) Submit(msg *protocol.Message) error {
	if msg == nil || msg.Type == "" || !protocol.KnownType(msg.Type) {
		e.countOutcome("unknown", OutcomeInvalid)
		return ErrInvalid
	}
	if msg.ID == "" {
		e.countOutcome(msg.Type, OutcomeInvalid)
		e.respondError(msg.ConnectionID, "", protocol.ErrKindInvalidPayload, "empty message id")
		return ErrInvalid
	}
	if msg.Priority > protocol.PriorityLow {
		msg.Priority = protocol.PriorityNormal
	}
	if msg.ExpiresAt.IsZero() && e.cfg.DefaultTTL > 0 {
		msg.ExpiresAt = msg.CreatedAt.Add(e.cfg.DefaultTTL)
	}
	if e.total.Load() >= int64(e.cfg.MaxQueueSize) {
		e.countOutcome(msg.Type, OutcomeDropped)
		e.raiseOverflow()
		return ErrOverloaded
	}
	select {
	case e.queues[msg.Priority] <- msg:
		e.total.Add(1)
		e.updateQueueGauges()
		return nil
	default:
		e.countOutcome(msg.Type, OutcomeDropped)
		e.raiseOverflow()
		return ErrOverloaded
	}
}

func (e *Engine) updateQueueGauges() {
	if e.reg == nil {
		return
	}
	for p := range e.queues {
		e.reg.QueueSize.WithLabelValues(protocol.Priority(p).String()).Set(float64(len(e.queues[p])))
	}
	e.reg.QueueSize.WithLabelValues("retry").Set(float64(e.retry.Length()))
}

// QueueLength returns the sum of the four priority queue sizes.
func (e *Engine) QueueLength() int {
	return int(e.total.Load())
}

// Start launches the drain loop. Calling Start twice is a no-op.
func (e *Engine) Start() {
	if e.started.CompareAndSwap(false, true) {
		go e.run()
	}
}

// Stop halts draining, waits for the in-flight tick and closes the retry
// queue. Queued messages that were never drained are dropped, delivery is
// at-most-once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stop)
		if e.started.Load() {
			<-e.done
		}
		if err := e.retry.Close(); err != nil {
			zap.S().Errorf("Error closing retry queue: %s", err)
		}
	})
}

// Drain processes ticks until the queues are empty or the deadline passes.
// Used by graceful shutdown.
func (e *Engine) Drain(deadline time.Duration) {
	end := time.Now().Add(deadline)
	for e.total.Load() > 0 && time.Now().Before(end) {
		if e.DrainTick() == 0 {
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func (e *Engine) run() {
	defer close(e.done)
	for {
		select {
		case <-e.stop:
			return
		default:
		}
		if e.DrainTick() == 0 {
			select {
			case <-e.stop:
				return
			case <-time.After(5 * time.Millisecond):
			}
		}
	}
}

// DrainTick runs one drain batch and returns the number of messages
// processed. Within one tick the observed priorities are non-increasing:
// the scan never moves back to a more urgent queue, a Critical message
// arriving mid-tick waits for the next tick. When the fresh queues are
// exhausted, at most max(1, B/8) retry messages are processed, counting
// only items that were already queued when the tick started; a message
// re-enqueued during the tick is not attempted again until the next one.
func (e *Engine) DrainTick() int {
	budget := e.cfg.BatchSize
	deadline := time.Now().Add(e.cfg.MaxProcessingTime)
	retryBudget := e.cfg.BatchSize / 8
	if retryBudget < 1 {
		retryBudget = 1
	}
	if pending := e.retry.Length(); pending < uint64(retryBudget) {
		retryBudget = int(pending)
	}

	processed := 0
	minPriority := 0
	for budget > 0 && time.Now().Before(deadline) {
		msg, p := e.popFresh(minPriority)
		if msg == nil {
			break
		}
		minPriority = p
		e.process(msg)
		processed++
		budget--
	}

	for budget > 0 && retryBudget > 0 && time.Now().Before(deadline) {
		msg := e.dequeueRetry()
		if msg == nil {
			break
		}
		e.process(msg)
		processed++
		budget--
		retryBudget--
	}

	if processed > 0 {
		e.updateQueueGauges()
	}
	return processed
}

// popFresh pops the head of the most urgent non-empty queue at or below
// urgency minPriority.
func (e *Engine) popFresh(minPriority int) (*protocol.Message, int) {
	for p := minPriority; p < len(e.queues); p++ {
		select {
		case msg := <-e.queues[p]:
			e.total.Add(-1)
			return msg, p
		default:
		}
	}
	return nil, minPriority
}

func (e *Engine) process(msg *protocol.Message) {
	start := time.Now()
	if msg.Expired(start) {
		e.countOutcome(msg.Type, OutcomeExpired)
		return
	}

	handlers := e.registry.Resolve(msg.Type)
	if len(handlers) == 0 {
		e.countOutcome(msg.Type, OutcomeNoHandler)
		e.respondError(msg.ConnectionID, msg.ID, protocol.ErrKindNoHandler, "no handler for type "+msg.Type)
		return
	}

	var lastErr error
	transient := false
	for _, h := range handlers {
		err := h.Handle(msg)
		if err == nil {
			e.countOutcome(msg.Type, OutcomeHandled)
			if e.reg != nil {
				e.reg.ObserveProcessing(time.Since(start))
			}
			return
		}
		zap.S().Debugf("Handler %s failed for message %s: %s", h.Name(), msg.ID, err)
		lastErr = err
		if IsTransient(err) {
			transient = true
		}
	}

	if e.cfg.RetryEnabled && transient && msg.RetryCount < e.cfg.MaxRetries {
		msg.RetryCount++
		msg.CreatedAt = time.Now()
		e.enqueueRetry(msg)
		e.countOutcome(msg.Type, OutcomeRetried)
		return
	}

	e.countOutcome(msg.Type, OutcomeExhausted)
	zap.S().Warnf("Message %s (%s) failed permanently: %v", msg.ID, msg.Type, lastErr)
	e.respondError(msg.ConnectionID, msg.ID, protocol.ErrKindExhausted, "message processing failed")
}

// respondError pushes a protocol error frame back to the client when the
// connection is still writable. Failures are expected (the connection may
// already be gone) and only logged.
func (e *Engine) respondError(connectionID uint64, requestID string, kind string, detail string) {
	if e.responder == nil || connectionID == 0 {
		return
	}
	frame, err := protocol.ErrorFrame(requestID, kind, detail)
	if err != nil {
		zap.S().Errorf("Failed to build error frame: %s", err)
		return
	}
	if err := e.responder.Send(connectionID, frame); err != nil {
		zap.S().Debugf("Could not deliver error frame to connection %d: %s", connectionID, err)
	}
}
