package cdp

import (
	"sync"

	"golang.org/x/sync/semaphore"
)

// workerPool 限制同时处理的拦截事件数量，满载时不排队
type workerPool struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

func newWorkerPool(size int) *workerPool {
	return &workerPool{sem: semaphore.NewWeighted(int64(size))}
}

// submit 非阻塞提交，返回 false 表示已满载
func (p *workerPool) submit(fn func()) bool {
	if !p.sem.TryAcquire(1) {
		return false
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		fn()
	}()
	return true
}

// wait 等待已提交的任务结束
func (p *workerPool) wait() {
	p.wg.Wait()
}
