package configprovider

import (
	"sync"

	"github.com/maxpoletaev/kiviroute/clustermap"
)

// subscriber is a mailbox delivering maps to one callback. Pushes never block
// the provider; the queue is drained by the subscriber's own goroutine.
type subscriber struct {
	fn       func(*clustermap.ClusterMap)
	mut      sync.Mutex
	queue    []*clustermap.ClusterMap
	signal   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	lastRev  uint64
}

func newSubscriber(fn func(*clustermap.ClusterMap)) *subscriber {
	return &subscriber{
		fn:     fn,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (s *subscriber) push(m *clustermap.ClusterMap) {
	s.mut.Lock()
	s.queue = append(s.queue, m)
	s.mut.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber) loop() {
	for {
		select {
		case <-s.signal:
		case <-s.done:
			return
		}

		s.mut.Lock()
		batch := s.queue
		s.queue = nil
		s.mut.Unlock()

		for _, m := range batch {
			select {
			case <-s.done:
				return
			default:
			}

			// Never go back in revisions.
			if m.Revision() <= s.lastRev {
				continue
			}

			s.lastRev = m.Revision()
			s.fn(m)
		}
	}
}

func (s *subscriber) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}
