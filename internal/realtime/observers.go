package realtime

import "sync"

// observers is a typed listener registry. Delivery order equals registration
// order; cancel removes exactly the registered callback. No buffering or
// replay is provided: events emitted while a listener is unregistered are
// simply missed.
type observers[T any] struct {
	mu     sync.Mutex
	nextID int
	order  []int
	fns    map[int]func(T)
}

func (o *observers[T]) add(fn func(T)) (cancel func()) {
	o.mu.Lock()
	if o.fns == nil {
		o.fns = make(map[int]func(T))
	}
	id := o.nextID
	o.nextID++
	o.fns[id] = fn
	o.order = append(o.order, id)
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.fns, id)
		for i, oid := range o.order {
			if oid == id {
				o.order = append(o.order[:i], o.order[i+1:]...)
				break
			}
		}
	}
}

func (o *observers[T]) emit(v T) {
	o.mu.Lock()
	fns := make([]func(T), 0, len(o.order))
	for _, id := range o.order {
		if fn, ok := o.fns[id]; ok {
			fns = append(fns, fn)
		}
	}
	o.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}
