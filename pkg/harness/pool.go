package harness

import "sync"

// pool is a fixed set of workers draining a task queue.
type pool struct {
	tasks   chan func()
	workers sync.WaitGroup
}

func newPool(size int) *pool {
	if size < 1 {
		size = 1
	}

	p := &pool{tasks: make(chan func(), size)}
	p.workers.Add(size)
	for i := 0; i < size; i++ {
		go p.work()
	}

	return p
}

func (p *pool) work() {
	defer p.workers.Done()
	for task := range p.tasks {
		task()
	}
}

// submit blocks while every worker is busy and the queue is full.
func (p *pool) submit(task func()) {
	p.tasks <- task
}

// close stops accepting tasks and waits for the workers to exit.
func (p *pool) close() {
	close(p.tasks)
	p.workers.Wait()
}
