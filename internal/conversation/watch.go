package conversation

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/lunavale/parley/internal/bus"
)

// listWatcher is the shared pump behind WatchList. The first
// subscriber starts it; further subscribers attach to the same pump,
// and when the last one cancels the pump shuts down.
type listWatcher struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan map[string]Info
	stop   func()
	done   chan struct{}
}

// WatchList streams the list view of all cached conversations. The
// returned channel carries a fresh snapshot after every cache change,
// starting with the current state. Each subscriber's channel is
// conflated: a slow reader sees the latest snapshot, not every
// intermediate one. The cancel func must be called to release the
// subscription.
func (r *Repository) WatchList(ctx context.Context) (<-chan map[string]Info, func(), error) {
	r.watchMu.Lock()
	if r.listWatch == nil {
		w := &listWatcher{
			subs: make(map[int]chan map[string]Info),
			done: make(chan struct{}),
		}
		events, unsub := r.bus.Subscribe("conversation.", 16)
		pumpCtx, cancel := context.WithCancel(context.Background())
		w.stop = func() {
			unsub()
			cancel()
		}
		r.listWatch = w
		go r.pumpList(pumpCtx, w, events)
	}

	w := r.listWatch
	r.watchMu.Unlock()

	// Register and seed under the fanout lock: the pump cannot deliver
	// until the seed is in place, so a stale seed never displaces a
	// fresher snapshot, and no event is lost in between.
	ch := make(chan map[string]Info, 1)
	w.mu.Lock()
	id := w.nextID
	w.nextID++
	w.subs[id] = ch
	snap, err := r.snapshot(ctx)
	if err != nil {
		delete(w.subs, id)
		close(ch)
		w.mu.Unlock()
		r.dropListSub(w, id)
		return nil, nil, err
	}
	ch <- snap
	w.mu.Unlock()

	var once sync.Once
	cancelSub := func() {
		once.Do(func() { r.dropListSub(w, id) })
	}
	return ch, cancelSub, nil
}

func (r *Repository) dropListSub(w *listWatcher, id int) {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()

	w.mu.Lock()
	ch, ok := w.subs[id]
	if ok {
		delete(w.subs, id)
		close(ch)
	}
	empty := len(w.subs) == 0
	w.mu.Unlock()

	if empty && r.listWatch == w {
		w.stop()
		<-w.done
		r.listWatch = nil
	}
}

func (r *Repository) pumpList(ctx context.Context, w *listWatcher, events <-chan bus.Event) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			snap, err := r.snapshot(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				r.logger.Warn("list watch snapshot failed", zap.Error(err))
				continue
			}
			w.mu.Lock()
			for _, ch := range w.subs {
				conflate(ch, snap)
			}
			w.mu.Unlock()
		}
	}
}

// Watch streams the decrypted view of one conversation after every
// change to it, starting with the current state. The channel is
// conflated the same way as WatchList's.
func (r *Repository) Watch(ctx context.Context, conversationID string) (<-chan *Conversation, func(), error) {
	// Subscribe before the seed query so a write landing in between is
	// queued for the pump instead of lost.
	events, unsub := r.bus.Subscribe("conversation.", 16)
	current, err := r.Get(ctx, conversationID)
	if err != nil {
		unsub()
		return nil, nil, err
	}

	ch := make(chan *Conversation, 1)
	ch <- current

	pumpCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer close(ch)
		for {
			select {
			case <-pumpCtx.Done():
				return
			case evt, ok := <-events:
				if !ok {
					return
				}
				if id, _ := evt.Payload.(string); id != conversationID {
					continue
				}
				conv, err := r.Get(pumpCtx, conversationID)
				if err != nil {
					if pumpCtx.Err() != nil {
						return
					}
					r.logger.Warn("conversation watch refresh failed",
						zap.String("conversation_id", conversationID), zap.Error(err))
					continue
				}
				conflate(ch, conv)
			}
		}
	}()

	var once sync.Once
	cancelSub := func() {
		once.Do(func() {
			unsub()
			cancel()
			<-done
		})
	}
	return ch, cancelSub, nil
}

// conflate delivers v on a 1-buffered channel, displacing any
// undelivered previous value.
func conflate[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}
