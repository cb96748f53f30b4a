package pipeline

import (
	"sync"

	"github.com/eapache/queue"
)

// serialExecutor runs tasks for the same connection strictly in submission
// order, one at a time, while different connections run in parallel on the
// pool. Frame assembly depends on this: the scanner is not safe for
// concurrent use.
type serialExecutor struct {
	pool *Pool

	mu    sync.Mutex
	lanes map[uint64]*lane
}

type lane struct {
	q       *queue.Queue
	running bool
}

func newSerialExecutor(pool *Pool) *serialExecutor {
	return &serialExecutor{
		pool:  pool,
		lanes: make(map[uint64]*lane),
	}
}

// Do queues task on the connection's lane. If no worker currently owns the
// lane, one is dispatched; otherwise the running worker will pick the task
// up before releasing the lane.
func (s *serialExecutor) Do(connectionID uint64, task func()) {
	s.mu.Lock()
	l, ok := s.lanes[connectionID]
	if !ok {
		l = &lane{q: queue.New()}
		s.lanes[connectionID] = l
	}
	l.q.Add(task)
	dispatch := !l.running
	if dispatch {
		l.running = true
	}
	s.mu.Unlock()

	if dispatch {
		s.pool.Submit(func() { s.drain(connectionID) })
	}
}

func (s *serialExecutor) drain(connectionID uint64) {
	for {
		s.mu.Lock()
		l, ok := s.lanes[connectionID]
		if !ok || l.q.Length() == 0 {
			if ok {
				l.running = false
				delete(s.lanes, connectionID)
			}
			s.mu.Unlock()
			return
		}
		task := l.q.Remove().(func())
		s.mu.Unlock()
		task()
	}
}

// pending reports the number of tasks queued for a connection, for tests
// and the admin surface.
func (s *serialExecutor) pending(connectionID uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.lanes[connectionID]; ok {
		return l.q.Length()
	}
	return 0
}
