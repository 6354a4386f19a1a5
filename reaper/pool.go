package reaper

import (
	"sync"
)

// workerPool bounds how many remote teardown calls one sweep runs at once.
type workerPool struct {
	slots chan struct{}
	wg    sync.WaitGroup
}

func newWorkerPool(size int) *workerPool {
	if size < 1 {
		size = 1
	}
	return &workerPool{slots: make(chan struct{}, size)}
}

func (p *workerPool) Submit(task func()) {
	p.wg.Add(1)
	p.slots <- struct{}{}

	go func() {
		defer func() {
			<-p.slots
			p.wg.Done()
		}()
		task()
	}()
}

func (p *workerPool) Wait() {
	p.wg.Wait()
}
