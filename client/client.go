package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"

	"github.com/maxpoletaev/kiviroute/cluster"
	"github.com/maxpoletaev/kiviroute/clustermap"
	"github.com/maxpoletaev/kiviroute/configprovider"
	"github.com/maxpoletaev/kiviroute/configprovider/etcdsource"
	"github.com/maxpoletaev/kiviroute/configprovider/gossipwatch"
	"github.com/maxpoletaev/kiviroute/configprovider/grpcsource"
	"github.com/maxpoletaev/kiviroute/diag"
	"github.com/maxpoletaev/kiviroute/endpoint"
	"github.com/maxpoletaev/kiviroute/endpoint/grpcconn"
	"github.com/maxpoletaev/kiviroute/endpoint/tcpconn"
	"github.com/maxpoletaev/kiviroute/internal/multierror"
	"github.com/maxpoletaev/kiviroute/orchestrator"
)

var (
	ErrUnknownSource    = errors.New("unknown cluster map source")
	ErrUnknownTransport = errors.New("unknown transport")
)

type closeFunc func() error

// Client routes requests to a partitioned cluster. It keeps the cluster map
// up to date, maintains connections to the nodes and retries requests while
// the topology changes.
type Client struct {
	conf     Config
	logger   kitlog.Logger
	bus      *diag.Bus
	metrics  *diag.MetricsSink
	provider *configprovider.Provider
	registry *cluster.Registry
	orch     *orchestrator.Orchestrator
	gossip   *gossipwatch.Watcher

	closers   map[string]closeFunc
	unsub     []func()
	closeOnce sync.Once
	closeErr  error
}

// New creates a client with the map source selected in the config. Nothing
// is fetched until Run is called.
func New(conf Config) (*Client, error) {
	closers := make(map[string]closeFunc)

	var source configprovider.Source

	switch conf.Source {
	case SourceGRPC, "":
		src := grpcsource.New(withLogger(conf.GRPCSource, conf.Logger))
		closers["grpcsource"] = src.Close
		source = src

	case SourceEtcd:
		ec := conf.EtcdSource
		if ec.Logger == nil {
			ec.Logger = conf.Logger
		}

		src, cli, err := etcdsource.Dial(ec)
		if err != nil {
			return nil, err
		}

		closers["etcd"] = cli.Close
		source = src

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, conf.Source)
	}

	c, err := NewWithSource(source, conf)
	if err != nil {
		for _, fn := range closers {
			_ = fn()
		}

		return nil, err
	}

	for name, fn := range closers {
		c.closers[name] = fn
	}

	return c, nil
}

func withLogger(conf grpcsource.Config, logger kitlog.Logger) grpcsource.Config {
	if conf.Logger == nil {
		conf.Logger = logger
	}

	return conf
}

// NewWithSource creates a client reading the cluster map from source.
func NewWithSource(source configprovider.Source, conf Config) (*Client, error) {
	if conf.Logger == nil {
		conf.Logger = kitlog.NewNopLogger()
	}

	dialer, err := defaultDialer(conf)
	if err != nil {
		return nil, err
	}

	bus := diag.NewBus()

	c := &Client{
		conf:    conf,
		logger:  conf.Logger,
		bus:     bus,
		closers: make(map[string]closeFunc),
	}

	if conf.LogEvents {
		c.unsub = append(c.unsub, bus.Subscribe(diag.NewLogSink(kitlog.With(conf.Logger, "component", "diag"))))
	}

	if conf.Metrics {
		c.metrics = diag.NewMetricsSink()
		c.unsub = append(c.unsub, bus.Subscribe(c.metrics))
	}

	pconf := conf.Provider
	pconf.Logger = kitlog.With(conf.Logger, "component", "configprovider")
	pconf.Diag = bus
	c.provider = configprovider.New(source, pconf)

	rconf := conf.Registry
	rconf.Logger = kitlog.With(conf.Logger, "component", "registry")
	rconf.Diag = bus

	if rconf.DefaultDialer == nil {
		rconf.DefaultDialer = dialer
	}

	c.registry = cluster.NewRegistry(rconf)
	c.unsub = append(c.unsub, c.provider.Subscribe(c.registry.Apply))

	oconf := conf.Orchestrator
	oconf.Logger = kitlog.With(conf.Logger, "component", "orchestrator")
	oconf.Diag = bus
	c.orch = orchestrator.New(c.provider, c.registry, oconf)

	if len(conf.Gossip.Seeds) > 0 {
		gconf := conf.Gossip
		gconf.Logger = kitlog.With(conf.Logger, "component", "gossip")

		if c.gossip, err = gossipwatch.New(c.provider, gconf); err != nil {
			_ = c.Close()
			return nil, err
		}
	}

	return c, nil
}

func defaultDialer(conf Config) (endpoint.Dialer, error) {
	switch conf.Transport {
	case TransportGRPC, "":
		return grpcconn.Dialer(conf.GRPCConn), nil
	case TransportTCP:
		tc := conf.TCPConn
		if tc.Logger == nil {
			tc.Logger = conf.Logger
		}

		return tcpconn.Dialer(tc), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownTransport, conf.Transport)
	}
}

// Run keeps the cluster map fresh and collects idle connections until the
// context is cancelled. Requests can be submitted before Run, they wait for
// the first map or fail depending on the orchestrator config.
func (c *Client) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.provider.Run(ctx)
	})

	g.Go(func() error {
		c.registry.Run(ctx)
		return nil
	})

	if c.gossip != nil {
		g.Go(func() error {
			if err := c.gossip.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				// Polling still works without gossip.
				level.Warn(c.logger).Log("msg", "gossip watcher stopped", "err", err)
			}

			return nil
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

// Submit starts a request. The returned future completes exactly once.
func (c *Client) Submit(ctx context.Context, req orchestrator.Request) *orchestrator.Future {
	return c.orch.Submit(ctx, req)
}

// Do submits a request and waits for its result.
func (c *Client) Do(ctx context.Context, req orchestrator.Request) (orchestrator.Response, error) {
	f := c.Submit(ctx, req)

	select {
	case <-f.Done():
		return f.Result()
	case <-ctx.Done():
		f.Cancel()
		<-f.Done()

		return f.Result()
	}
}

// SubscribeDiagnostics adds a sink for diagnostic events. Sinks are called
// synchronously and must not block.
func (c *Client) SubscribeDiagnostics(sink diag.Sink) (unsubscribe func()) {
	return c.bus.Subscribe(sink)
}

// Metrics returns the metrics sink, nil if metrics are disabled.
func (c *Client) Metrics() *diag.MetricsSink {
	return c.metrics
}

// ClusterMap returns the current cluster map.
func (c *Client) ClusterMap() *clustermap.ClusterMap {
	return c.provider.Current()
}

// WaitReady blocks until the first cluster map is received.
func (c *Client) WaitReady(ctx context.Context) error {
	return c.provider.WaitReady(ctx)
}

// Close cancels the requests in flight and releases all connections.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.orch.Close()

		for _, fn := range c.unsub {
			fn()
		}

		c.provider.Close()

		errs := multierror.New[string]()

		if c.gossip != nil {
			errs.Add("gossip", c.gossip.Close())
		}

		errs.Add("registry", c.registry.Close())

		for name, fn := range c.closers {
			errs.Add(name, fn())
		}

		c.closeErr = errs.Ret()
	})

	return c.closeErr
}
