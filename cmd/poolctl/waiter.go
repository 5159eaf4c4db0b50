package main

import (
	"sync"

	"sqlitepool/internal/pool"
)

// waiter turns the core's OnContextAvailable publish-style callback into
// something a synchronous CLI command can block on. Registering the wait
// channel before calling RequestLock handles both the immediate-grant case
// (the callback fires synchronously inside RequestLock, before the caller
// starts receiving from the channel register returned) and the queued case.
type waiter struct {
	mu    sync.Mutex
	chans map[string]chan struct{}
}

func newWaiter() *waiter {
	return &waiter{chans: make(map[string]chan struct{})}
}

func (w *waiter) callback() pool.OnContextAvailable {
	return func(_ string, ctxID string) {
		w.mu.Lock()
		defer w.mu.Unlock()
		if ch, ok := w.chans[ctxID]; ok {
			close(ch)
			delete(w.chans, ctxID)
		}
	}
}

// register must be called before the corresponding RequestLock.
func (w *waiter) register(ctxID string) <-chan struct{} {
	ch := make(chan struct{})
	w.mu.Lock()
	w.chans[ctxID] = ch
	w.mu.Unlock()
	return ch
}
