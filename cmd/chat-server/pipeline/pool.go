package pipeline

import (
	"sync"

	"go.uber.org/zap"
)

// Pool is a fixed-size worker pool. Tasks are executed in submission order
// by whichever worker is free first.
type Pool struct {
	role  string
	tasks chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

// NewPool builds a pool of workers labelled with a role for logging.
func NewPool(role string, workers int, queueSize int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers * 16
	}
	p := &Pool{
		role:  role,
		tasks: make(chan func(), queueSize),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker(i)
	}
	return p
}

func (p *Pool) worker(n int) {
	defer p.wg.Done()
	for task := range p.tasks {
		p.runTask(n, task)
	}
}

// runTask isolates one task so a panicking handler takes down neither the
// worker nor the process.
func (p *Pool) runTask(n int, task func()) {
	defer func() {
		if r := recover(); r != nil {
			zap.S().Errorf("Panic in %s worker %d: %v", p.role, n, r)
		}
	}()
	task()
}

// Submit blocks until a worker slot frees up.
func (p *Pool) Submit(task func()) {
	p.tasks <- task
}

// Stop drains outstanding tasks and waits for the workers to exit.
func (p *Pool) Stop() {
	p.once.Do(func() {
		close(p.tasks)
	})
	p.wg.Wait()
}
