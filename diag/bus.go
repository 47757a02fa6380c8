package diag

import (
	"sync"
	"sync/atomic"
)

// Sink receives diagnostic events. Handle is called synchronously on the
// goroutine that emitted the event, so it must not block.
type Sink interface {
	Handle(e Event)
}

type SinkFunc func(e Event)

func (f SinkFunc) Handle(e Event) {
	f(e)
}

type subscriber struct {
	sink Sink
}

// Bus fans events out to the subscribed sinks. Emitting with no subscribers
// is a single atomic load. The zero value is ready to use, and a nil *Bus
// drops everything.
type Bus struct {
	mut  sync.Mutex
	subs atomic.Pointer[[]*subscriber]
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe adds a sink and returns a function removing it.
func (b *Bus) Subscribe(sink Sink) (unsubscribe func()) {
	sub := &subscriber{sink: sink}

	b.mut.Lock()
	defer b.mut.Unlock()

	var subs []*subscriber
	if cur := b.subs.Load(); cur != nil {
		subs = append(subs, *cur...)
	}

	subs = append(subs, sub)
	b.subs.Store(&subs)

	var once sync.Once

	return func() {
		once.Do(func() { b.remove(sub) })
	}
}

func (b *Bus) remove(sub *subscriber) {
	b.mut.Lock()
	defer b.mut.Unlock()

	cur := b.subs.Load()
	if cur == nil {
		return
	}

	subs := make([]*subscriber, 0, len(*cur))

	for _, s := range *cur {
		if s != sub {
			subs = append(subs, s)
		}
	}

	b.subs.Store(&subs)
}

// Enabled reports whether anyone listens. Emitters use it to skip building
// events nobody will see.
func (b *Bus) Enabled() bool {
	if b == nil {
		return false
	}

	subs := b.subs.Load()

	return subs != nil && len(*subs) > 0
}

func (b *Bus) Emit(e Event) {
	if b == nil {
		return
	}

	subs := b.subs.Load()
	if subs == nil {
		return
	}

	for _, s := range *subs {
		s.sink.Handle(e)
	}
}
