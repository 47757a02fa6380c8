package cluster

import (
	"context"
	"time"

	"github.com/go-kit/log/level"
)

// Run periodically closes connections that have been idle for longer than
// IdleTimeout. The endpoints stay registered and reconnect on next use.
// It blocks until the context is cancelled or the registry is closed.
func (r *Registry) Run(ctx context.Context) {
	if r.conf.IdleTimeout <= 0 || r.conf.GCInterval <= 0 {
		return
	}

	ticker := time.NewTicker(r.conf.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.collectIdle()
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		}
	}
}

func (r *Registry) collectIdle() int {
	var closed int

	r.nodes.Range(func(key string, n *Node) bool {
		if c := n.closeIdle(r.conf.IdleTimeout); c > 0 {
			level.Debug(r.logger).Log("msg", "closed idle connections", "node", key, "count", c)
			closed += c
		}

		return true
	})

	return closed
}
