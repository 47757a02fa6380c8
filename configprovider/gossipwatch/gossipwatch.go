package gossipwatch

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/memberlist"

	"github.com/maxpoletaev/kiviroute/clustermap"
)

const metaSize = 8

// Refresher is the part of the config provider the watcher drives.
type Refresher interface {
	Current() *clustermap.ClusterMap
	Refresh(ctx context.Context) error
}

type Config struct {
	// Name must be unique within the gossip pool.
	Name           string
	BindAddr       string
	BindPort       int
	Seeds          []string
	RefreshTimeout time.Duration
	Logger         kitlog.Logger
}

func DefaultConfig() Config {
	return Config{
		BindAddr:       "0.0.0.0",
		BindPort:       7946,
		RefreshTimeout: 2 * time.Second,
		Logger:         kitlog.NewNopLogger(),
	}
}

// Watcher joins the cluster's gossip pool as an observer. Cluster nodes
// advertise the revision of their cluster map in the node metadata; the
// watcher triggers a refresh as soon as any member advertises a revision
// newer than the client's, or a member leaves or dies. This makes topology
// changes visible well before the next poll.
type Watcher struct {
	conf    Config
	target  Refresher
	logger  kitlog.Logger
	list    *memberlist.Memberlist
	events  chan memberlist.NodeEvent
	maxSeen atomic.Uint64
}

func New(target Refresher, conf Config) (*Watcher, error) {
	const eventBufSize = 256

	w := newWatcher(target, conf, make(chan memberlist.NodeEvent, eventBufSize))

	mlConf := memberlist.DefaultLANConfig()
	mlConf.Name = conf.Name
	mlConf.BindAddr = conf.BindAddr
	mlConf.BindPort = conf.BindPort
	mlConf.AdvertisePort = conf.BindPort
	mlConf.LogOutput = io.Discard
	mlConf.Events = &memberlist.ChannelEventDelegate{Ch: w.events}

	list, err := memberlist.Create(mlConf)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}

	w.list = list

	return w, nil
}

func newWatcher(target Refresher, conf Config, events chan memberlist.NodeEvent) *Watcher {
	if conf.Logger == nil {
		conf.Logger = kitlog.NewNopLogger()
	}

	return &Watcher{
		conf:   conf,
		target: target,
		logger: conf.Logger,
		events: events,
	}
}

// Run joins the pool and handles membership events until the context is
// cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	if len(w.conf.Seeds) > 0 {
		n, err := w.list.Join(w.conf.Seeds)
		if err != nil {
			return fmt.Errorf("failed to join gossip pool: %w", err)
		}

		level.Info(w.logger).Log("msg", "joined gossip pool", "contacted", n)
	}

	w.loop(ctx)

	return ctx.Err()
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case ev, ok := <-w.events:
			if !ok {
				return
			}

			if w.needsRefresh(ev) {
				w.refresh(ctx, ev.Node.Name)
			}

		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) needsRefresh(ev memberlist.NodeEvent) bool {
	if ev.Node == nil || (w.list != nil && ev.Node.Name == w.list.LocalNode().Name) {
		return false
	}

	switch ev.Event {
	case memberlist.NodeLeave:
		level.Debug(w.logger).Log("msg", "member left", "node", ev.Node.Name, "state", ev.Node.State)
		return true

	case memberlist.NodeJoin, memberlist.NodeUpdate:
		rev, ok := DecodeMeta(ev.Node.Meta)
		if !ok {
			return false
		}

		// Many members advertise the same revision, refresh once per revision.
		for {
			seen := w.maxSeen.Load()
			if rev <= seen {
				return false
			}

			if w.maxSeen.CompareAndSwap(seen, rev) {
				break
			}
		}

		return rev > w.target.Current().Revision()
	}

	return false
}

func (w *Watcher) refresh(ctx context.Context, node string) {
	ctx, cancel := context.WithTimeout(ctx, w.conf.RefreshTimeout)
	defer cancel()

	if err := w.target.Refresh(ctx); err != nil {
		level.Warn(w.logger).Log("msg", "gossip triggered refresh failed", "node", node, "err", err)
	}
}

// Close leaves the gossip pool.
func (w *Watcher) Close() error {
	if err := w.list.Leave(time.Second); err != nil {
		level.Warn(w.logger).Log("msg", "failed to leave gossip pool", "err", err)
	}

	return w.list.Shutdown()
}

// EncodeMeta encodes a cluster map revision as node metadata.
func EncodeMeta(rev uint64) []byte {
	buf := make([]byte, metaSize)
	binary.BigEndian.PutUint64(buf, rev)

	return buf
}

// DecodeMeta reads the revision advertised in node metadata.
func DecodeMeta(meta []byte) (uint64, bool) {
	if len(meta) != metaSize {
		return 0, false
	}

	return binary.BigEndian.Uint64(meta), true
}

// Advertiser is the memberlist delegate of a cluster node that publishes its
// cluster map revision. After SetRevision the node should call UpdateNode to
// push the new metadata.
type Advertiser struct {
	rev atomic.Uint64
}

func (a *Advertiser) SetRevision(rev uint64) {
	a.rev.Store(rev)
}

func (a *Advertiser) NodeMeta(limit int) []byte {
	if limit < metaSize {
		return nil
	}

	return EncodeMeta(a.rev.Load())
}

func (a *Advertiser) NotifyMsg([]byte) {}

func (a *Advertiser) GetBroadcasts(overhead, limit int) [][]byte { return nil }

func (a *Advertiser) LocalState(join bool) []byte { return nil }

func (a *Advertiser) MergeRemoteState(buf []byte, join bool) {}
