package cache

import (
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDisposerProcessesInOrderAndWaits(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	d := newDisposer(func(e Eviction) {
		mu.Lock()
		seen = append(seen, e.Key)
		mu.Unlock()
	})
	defer d.Close()

	for _, key := range []string{"a", "b", "c"} {
		d.Enqueue(Eviction{Key: key})
	}
	d.Wait()

	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff([]string{"a", "b", "c"}, seen); diff != "" {
		t.Fatalf("disposal order (-want +got):\n%s", diff)
	}
}

func TestDisposerCloseDrainsAndRejectsLateWork(t *testing.T) {
	release := make(chan struct{})
	var (
		mu    sync.Mutex
		count int
	)
	d := newDisposer(func(Eviction) {
		<-release
		mu.Lock()
		count++
		mu.Unlock()
	})

	d.Enqueue(Eviction{Key: "a"})
	d.Enqueue(Eviction{Key: "b"})
	close(release)
	d.Close()
	d.Enqueue(Eviction{Key: "late"})
	d.Close()

	mu.Lock()
	defer mu.Unlock()
	if count != 2 {
		t.Fatalf("handled %d evictions, want 2", count)
	}
}

func TestDisposerEnqueueDoesNotBlockOnSlowHandler(t *testing.T) {
	block := make(chan struct{})
	d := newDisposer(func(Eviction) { <-block })

	for i := 0; i < 1000; i++ {
		d.Enqueue(Eviction{Key: "k"})
	}
	close(block)
	d.Wait()
	d.Close()
}

func TestDisposerWaitConcurrentWithEnqueue(t *testing.T) {
	d := newDisposer(func(Eviction) {})
	defer d.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			d.Enqueue(Eviction{Key: "k"})
		}()
		go func() {
			defer wg.Done()
			d.Wait()
		}()
	}
	wg.Wait()
	d.Wait()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending != 0 {
		t.Fatalf("pending = %d after Wait, want 0", d.pending)
	}
}
