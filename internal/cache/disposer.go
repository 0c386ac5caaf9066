package cache

import "sync"

// disposer 是索引淘汰通知的消费者：Enqueue 只追加到无界队列，单个后台 goroutine 负责执行删除。
type disposer struct {
	handle func(Eviction)

	mu      sync.Mutex
	idle    *sync.Cond
	queue   []Eviction
	closed  bool
	pending int

	notify  chan struct{}
	done    chan struct{}
	stopped chan struct{}
}

func newDisposer(handle func(Eviction)) *disposer {
	d := &disposer{
		handle:  handle,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	d.idle = sync.NewCond(&d.mu)
	go d.run()
	return d
}

func (d *disposer) Enqueue(e Eviction) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.pending++
	d.queue = append(d.queue, e)
	d.mu.Unlock()

	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// Wait 阻塞到队列为空且没有正在执行的淘汰。可与 Enqueue 并发调用。
func (d *disposer) Wait() {
	d.mu.Lock()
	for d.pending > 0 {
		d.idle.Wait()
	}
	d.mu.Unlock()
}

// Close 停止接收新通知，处理完队列中剩余的条目后返回。可重复调用。
func (d *disposer) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.stopped
		return
	}
	d.closed = true
	d.mu.Unlock()

	close(d.done)
	<-d.stopped
}

func (d *disposer) run() {
	defer close(d.stopped)
	for {
		select {
		case <-d.notify:
			d.drain()
		case <-d.done:
			d.drain()
			return
		}
	}
}

func (d *disposer) drain() {
	for {
		d.mu.Lock()
		batch := d.queue
		d.queue = nil
		d.mu.Unlock()

		if len(batch) == 0 {
			return
		}
		for _, e := range batch {
			d.handle(e)
			d.finish()
		}
	}
}

func (d *disposer) finish() {
	d.mu.Lock()
	d.pending--
	if d.pending == 0 {
		d.idle.Broadcast()
	}
	d.mu.Unlock()
}
