package events

import "sync"

type subscription struct {
	id      uint64
	kind    Kind // empty matches every kind
	handler Handler
}

// Emitter is a synchronous event dispatcher. Registration returns a disposer
// that removes exactly that handler.
//
// Emits issued from inside a handler are queued and delivered after the
// current event finishes, so delivery order always matches emit order.
// Handlers run on whichever goroutine is draining and must not block.
type Emitter struct {
	mu       sync.Mutex
	nextID   uint64
	subs     []subscription
	pending  []Event
	draining bool
}

func NewEmitter() *Emitter {
	return &Emitter{}
}

// On registers h for one kind.
func (e *Emitter) On(kind Kind, h Handler) (dispose func()) {
	return e.add(kind, h)
}

// OnAll registers h for every kind.
func (e *Emitter) OnAll(h Handler) (dispose func()) {
	return e.add("", h)
}

func (e *Emitter) add(kind Kind, h Handler) func() {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.subs = append(e.subs, subscription{id: id, kind: kind, handler: h})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { e.remove(id) })
	}
}

func (e *Emitter) remove(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, s := range e.subs {
		if s.id == id {
			e.subs = append(e.subs[:i:i], e.subs[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered handlers.
func (e *Emitter) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

// Emit delivers ev to every matching handler. If another goroutine (or a
// handler on this one) is already draining, ev is queued behind it.
func (e *Emitter) Emit(ev Event) {
	e.Enqueue(ev)
	e.Drain()
}

// Enqueue appends events without delivering them. Callers that hold their own
// lock enqueue under it and Drain after releasing it, which keeps delivery in
// the order the state changed.
func (e *Emitter) Enqueue(evs ...Event) {
	if len(evs) == 0 {
		return
	}
	e.mu.Lock()
	e.pending = append(e.pending, evs...)
	e.mu.Unlock()
}

// Drain delivers queued events unless another call is already doing so.
func (e *Emitter) Drain() {
	e.mu.Lock()
	if e.draining {
		e.mu.Unlock()
		return
	}
	e.draining = true
	finished := false
	// a panicking handler must not leave the emitter stuck
	defer func() {
		if !finished {
			e.mu.Lock()
			e.draining = false
			e.mu.Unlock()
		}
	}()

	for len(e.pending) > 0 {
		next := e.pending[0]
		e.pending = e.pending[1:]
		targets := e.matching(next.Kind)
		e.mu.Unlock()

		for _, h := range targets {
			h(next)
		}

		e.mu.Lock()
	}
	e.draining = false
	finished = true
	e.mu.Unlock()
}

func (e *Emitter) matching(kind Kind) []Handler {
	var out []Handler
	for _, s := range e.subs {
		if s.kind == "" || s.kind == kind {
			out = append(out, s.handler)
		}
	}
	return out
}

// Clear drops every handler.
func (e *Emitter) Clear() {
	e.mu.Lock()
	e.subs = nil
	e.mu.Unlock()
}
