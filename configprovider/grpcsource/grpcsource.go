package grpcsource

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/maxpoletaev/kiviroute/clustermap"
	"github.com/maxpoletaev/kiviroute/internal/multierror"
)

// ClusterMapMethod returns the topology document of the node as bytes.
const ClusterMapMethod = "/kivi.Topology/ClusterMap"

var ErrNoTargets = errors.New("no seeds or known nodes to fetch the cluster map from")

type Config struct {
	// Seeds are management addresses used until a map lists the nodes.
	Seeds []string
	// MaxNodes bounds how many nodes are asked per fetch, seeds included.
	MaxNodes int
	// Concurrency bounds the parallel requests of one fetch.
	Concurrency int
	KeepAlive   time.Duration
	DialOptions []grpc.DialOption
	Logger      kitlog.Logger
}

func DefaultConfig() Config {
	return Config{
		MaxNodes:    5,
		Concurrency: 3,
		KeepAlive:   10 * time.Second,
		Logger:      kitlog.NewNopLogger(),
	}
}

// Source asks several nodes for their view of the topology and keeps the one
// with the highest revision. Nodes may lag behind each other during a
// rebalance, so asking a single node could move the client backwards.
type Source struct {
	conf   Config
	logger kitlog.Logger
	conns  *xsync.MapOf[string, *grpc.ClientConn]
	mut    sync.Mutex
	closed bool
}

func New(conf Config) *Source {
	if conf.Logger == nil {
		conf.Logger = kitlog.NewNopLogger()
	}

	if conf.Concurrency <= 0 {
		conf.Concurrency = 1
	}

	return &Source{
		conf:   conf,
		logger: conf.Logger,
		conns:  xsync.NewMapOf[string, *grpc.ClientConn](),
	}
}

func (s *Source) String() string {
	return "grpc"
}

// Fetch implements configprovider.Source.
func (s *Source) Fetch(ctx context.Context, current *clustermap.ClusterMap) (*clustermap.ClusterMap, error) {
	targets := s.targets(current)
	if len(targets) == 0 {
		return nil, ErrNoTargets
	}

	var (
		mut  sync.Mutex
		best *clustermap.ClusterMap
		errs = multierror.New[string]()
		errg = errgroup.Group{}
	)

	errg.SetLimit(s.conf.Concurrency)

	for _, addr := range targets {
		addr := addr

		errg.Go(func() error {
			m, err := s.fetchFrom(ctx, addr)
			if err != nil {
				level.Debug(s.logger).Log("msg", "failed to fetch cluster map", "addr", addr, "err", err)
				errs.Add(addr, err)

				return nil
			}

			mut.Lock()
			defer mut.Unlock()

			if best == nil || m.Revision() > best.Revision() {
				best = m
			}

			return nil
		})
	}

	_ = errg.Wait()

	if best == nil {
		return nil, errs.Ret()
	}

	return best, nil
}

// targets returns the alive management endpoints of the current map followed
// by the seeds, without duplicates.
func (s *Source) targets(current *clustermap.ClusterMap) []string {
	seen := make(map[string]struct{})
	targets := make([]string, 0, len(s.conf.Seeds))

	add := func(addr string) {
		if _, ok := seen[addr]; ok {
			return
		}

		if s.conf.MaxNodes > 0 && len(targets) >= s.conf.MaxNodes {
			return
		}

		seen[addr] = struct{}{}
		targets = append(targets, addr)
	}

	if current != nil {
		for _, info := range current.Nodes() {
			if !info.Alive {
				continue
			}

			if addr, ok := info.Addr(clustermap.ServiceManagement); ok {
				add(addr)
			}
		}
	}

	for _, addr := range s.conf.Seeds {
		add(addr)
	}

	return targets
}

func (s *Source) fetchFrom(ctx context.Context, addr string) (*clustermap.ClusterMap, error) {
	conn, err := s.conn(addr)
	if err != nil {
		return nil, err
	}

	out := new(wrapperspb.BytesValue)

	if err := conn.Invoke(ctx, ClusterMapMethod, new(emptypb.Empty), out); err != nil {
		return nil, err
	}

	m, err := clustermap.Decode(out.GetValue())
	if err != nil {
		return nil, fmt.Errorf("invalid cluster map: %w", err)
	}

	return m, nil
}

func (s *Source) conn(addr string) (*grpc.ClientConn, error) {
	if conn, ok := s.conns.Load(addr); ok {
		return conn, nil
	}

	s.mut.Lock()
	defer s.mut.Unlock()

	if s.closed {
		return nil, errors.New("source closed")
	}

	if conn, ok := s.conns.Load(addr); ok {
		return conn, nil
	}

	opts := []grpc.DialOption{
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time: s.conf.KeepAlive,
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}

	opts = append(opts, s.conf.DialOptions...)

	// Connects lazily, the fetch context bounds the first attempt.
	conn, err := grpc.Dial(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial failed: %w", err)
	}

	s.conns.Store(addr, conn)

	return conn, nil
}

// Close closes the connections to all nodes.
func (s *Source) Close() error {
	s.mut.Lock()
	defer s.mut.Unlock()

	s.closed = true
	errs := multierror.New[string]()

	s.conns.Range(func(addr string, conn *grpc.ClientConn) bool {
		errs.Add(addr, conn.Close())
		s.conns.Delete(addr)

		return true
	})

	return errs.Ret()
}
