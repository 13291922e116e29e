package feed

import "sync"

// waiters tracks blocked long-poll requests per co-space so a committed
// write can wake them without the writer and the waiters sharing any
// lock beyond the registry mutex. Wake channels are buffered: a signal
// sent while the waiter is busy querying is retained, never lost.
type waiters struct {
	mu    sync.Mutex
	chans map[string]map[chan struct{}]struct{}
}

func newWaiters() *waiters {
	return &waiters{chans: make(map[string]map[chan struct{}]struct{})}
}

// register adds a wake channel for the co-space and returns it.
func (w *waiters) register(cospaceID string) chan struct{} {
	ch := make(chan struct{}, 1)
	w.mu.Lock()
	defer w.mu.Unlock()
	set, ok := w.chans[cospaceID]
	if !ok {
		set = make(map[chan struct{}]struct{})
		w.chans[cospaceID] = set
	}
	set[ch] = struct{}{}
	return ch
}

// unregister removes a wake channel.
func (w *waiters) unregister(cospaceID string, ch chan struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if set, ok := w.chans[cospaceID]; ok {
		delete(set, ch)
		if len(set) == 0 {
			delete(w.chans, cospaceID)
		}
	}
}

// wake signals every waiter registered for the co-space. Sends are
// non-blocking; a full buffer means a wakeup is already pending.
func (w *waiters) wake(cospaceID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for ch := range w.chans[cospaceID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
