package etcdsource

import (
	"context"
	"errors"
	"fmt"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/maxpoletaev/kiviroute/clustermap"
)

var ErrNotFound = errors.New("cluster map key not found")

// Client is the subset of *clientv3.Client the source needs.
type Client interface {
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
	Watch(ctx context.Context, key string, opts ...clientv3.OpOption) clientv3.WatchChan
}

type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	// Key holds the topology document.
	Key    string
	Logger kitlog.Logger
}

func DefaultConfig() Config {
	return Config{
		DialTimeout: 5 * time.Second,
		Key:         "/kivi/clustermap",
		Logger:      kitlog.NewNopLogger(),
	}
}

// Source reads the topology document from an etcd key and streams its
// updates. The cluster manager is expected to write the document whenever
// the topology changes.
type Source struct {
	client Client
	key    string
	logger kitlog.Logger
}

func New(client Client, conf Config) *Source {
	if conf.Logger == nil {
		conf.Logger = kitlog.NewNopLogger()
	}

	return &Source{
		client: client,
		key:    conf.Key,
		logger: kitlog.With(conf.Logger, "key", conf.Key),
	}
}

// Dial connects to etcd and returns a source backed by the connection.
func Dial(conf Config) (*Source, *clientv3.Client, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   conf.Endpoints,
		DialTimeout: conf.DialTimeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	return New(cli, conf), cli, nil
}

func (s *Source) String() string {
	return "etcd"
}

// Fetch implements configprovider.Source.
func (s *Source) Fetch(ctx context.Context, _ *clustermap.ClusterMap) (*clustermap.ClusterMap, error) {
	m, _, err := s.get(ctx)
	return m, err
}

func (s *Source) get(ctx context.Context) (*clustermap.ClusterMap, int64, error) {
	resp, err := s.client.Get(ctx, s.key)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get %s: %w", s.key, err)
	}

	if len(resp.Kvs) == 0 {
		return nil, resp.Header.GetRevision(), ErrNotFound
	}

	m, err := clustermap.Decode(resp.Kvs[0].Value)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid cluster map in %s: %w", s.key, err)
	}

	return m, resp.Header.GetRevision(), nil
}

// Watch implements configprovider.Streamer. It reads the key and follows
// its changes from the revision it was read at.
func (s *Source) Watch(ctx context.Context, offer func(*clustermap.ClusterMap) bool) error {
	m, lastRev, err := s.get(ctx)

	switch {
	case err == nil:
		offer(m)
	case errors.Is(err, ErrNotFound):
	default:
		return err
	}

	ctx = clientv3.WithRequireLeader(ctx)

	watch := func(rev int64) clientv3.WatchChan {
		return s.client.Watch(ctx, s.key, clientv3.WithRev(rev+1))
	}

	watchChan := watch(lastRev)

	for {
		select {
		case resp, ok := <-watchChan:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}

				return errors.New("watch channel closed")
			}

			if resp.Canceled {
				if resp.CompactRevision > 0 {
					// Events we missed were compacted, the next put carries
					// the full document anyway.
					level.Warn(s.logger).Log("msg", "watch revision compacted, restarting", "rev", resp.CompactRevision)
					lastRev = resp.CompactRevision - 1
					watchChan = watch(lastRev)

					continue
				}

				return fmt.Errorf("watch cancelled: %w", resp.Err())
			}

			if resp.IsProgressNotify() {
				continue
			}

			lastRev = resp.Header.GetRevision()

			for _, ev := range resp.Events {
				if ev.Type != mvccpb.PUT {
					level.Warn(s.logger).Log("msg", "cluster map key deleted")
					continue
				}

				m, err := clustermap.Decode(ev.Kv.Value)
				if err != nil {
					level.Warn(s.logger).Log("msg", "ignoring invalid cluster map", "rev", ev.Kv.ModRevision, "err", err)
					continue
				}

				offer(m)
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
