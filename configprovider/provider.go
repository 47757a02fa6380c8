package configprovider

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	retry "github.com/avast/retry-go/v4"
	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/singleflight"

	"github.com/maxpoletaev/kiviroute/clustermap"
	"github.com/maxpoletaev/kiviroute/diag"
)

// Source fetches the cluster map from the cluster. The current map is passed
// so that sources can ask the nodes they already know about.
type Source interface {
	Fetch(ctx context.Context, current *clustermap.ClusterMap) (*clustermap.ClusterMap, error)
}

// Streamer is implemented by sources that can push updates. Watch blocks,
// calling offer for every map received, until the context is cancelled or
// the stream breaks.
type Streamer interface {
	Watch(ctx context.Context, offer func(*clustermap.ClusterMap) bool) error
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context, current *clustermap.ClusterMap) (*clustermap.ClusterMap, error)

func (f SourceFunc) Fetch(ctx context.Context, current *clustermap.ClusterMap) (*clustermap.ClusterMap, error) {
	return f(ctx, current)
}

type Config struct {
	// PollInterval is how often the map is refetched. Zero disables polling,
	// which makes sense with a streaming source.
	PollInterval time.Duration
	// MinRefreshInterval throttles forced refreshes.
	MinRefreshInterval time.Duration
	FetchTimeout       time.Duration
	// RetryAttempts bounds the attempts of one periodic fetch. The initial
	// bootstrap fetch is retried until it succeeds.
	RetryAttempts uint
	RetryDelay    time.Duration
	RetryMaxDelay time.Duration
	Logger        kitlog.Logger
	Diag          *diag.Bus
}

func DefaultConfig() Config {
	return Config{
		PollInterval:       2500 * time.Millisecond,
		MinRefreshInterval: 100 * time.Millisecond,
		FetchTimeout:       2 * time.Second,
		RetryAttempts:      3,
		RetryDelay:         50 * time.Millisecond,
		RetryMaxDelay:      2 * time.Second,
		Logger:             kitlog.NewNopLogger(),
	}
}

// Provider holds the latest cluster map and publishes updates to subscribers.
type Provider struct {
	conf        Config
	source      Source
	logger      kitlog.Logger
	current     atomic.Pointer[clustermap.ClusterMap]
	mut         sync.Mutex
	subs        map[*subscriber]struct{}
	closed      bool
	ready       chan struct{}
	readyOnce   sync.Once
	group       singleflight.Group
	lastRefresh atomic.Int64
}

func New(source Source, conf Config) *Provider {
	if conf.Logger == nil {
		conf.Logger = kitlog.NewNopLogger()
	}

	p := &Provider{
		conf:   conf,
		source: source,
		logger: conf.Logger,
		subs:   make(map[*subscriber]struct{}),
		ready:  make(chan struct{}),
	}

	p.current.Store(clustermap.Empty())

	return p
}

// Current returns the latest cluster map. It never blocks and never returns
// nil: before the first map is known it returns the empty map.
func (p *Provider) Current() *clustermap.ClusterMap {
	return p.current.Load()
}

// Ready is closed once the first non-empty map has been received.
func (p *Provider) Ready() <-chan struct{} {
	return p.ready
}

// WaitReady blocks until the first non-empty map is received.
func (p *Provider) WaitReady(ctx context.Context) error {
	select {
	case <-p.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Offer publishes the map if it is newer than the current one. Maps with the
// same or a lower revision are discarded.
func (p *Provider) Offer(m *clustermap.ClusterMap) bool {
	if m == nil {
		return false
	}

	p.mut.Lock()
	defer p.mut.Unlock()

	if p.closed {
		return false
	}

	prev := p.current.Load()
	if m.Revision() <= prev.Revision() {
		return false
	}

	p.current.Store(m)

	for sub := range p.subs {
		sub.push(m)
	}

	if !m.IsEmpty() {
		p.readyOnce.Do(func() { close(p.ready) })
	}

	delta := clustermap.Diff(prev, m)

	level.Info(p.logger).Log(
		"msg", "cluster map updated",
		"prev_rev", prev.Revision(),
		"rev", m.Revision(),
		"nodes", m.NumNodes(),
		"added", len(delta.Added),
		"removed", len(delta.Removed),
	)

	p.conf.Diag.Emit(&diag.ConfigUpdated{
		PrevRevision: prev.Revision(),
		Revision:     m.Revision(),
		Nodes:        m.NumNodes(),
	})

	return true
}

// Subscribe registers a function called with every new map, in increasing
// revision order. If a map is already known, fn receives it first. Each
// subscriber is called from its own goroutine, so a slow one does not hold
// back the others.
func (p *Provider) Subscribe(fn func(*clustermap.ClusterMap)) (unsubscribe func()) {
	sub := newSubscriber(fn)

	p.mut.Lock()

	if p.closed {
		p.mut.Unlock()
		return func() {}
	}

	p.subs[sub] = struct{}{}

	if cur := p.current.Load(); cur.Revision() > 0 {
		sub.push(cur)
	}

	p.mut.Unlock()

	go sub.loop()

	var once sync.Once

	return func() {
		once.Do(func() {
			p.mut.Lock()
			delete(p.subs, sub)
			p.mut.Unlock()

			sub.stop()
		})
	}
}

// Refresh fetches the map right away. Concurrent calls share one fetch, and
// calls made within MinRefreshInterval of the previous fetch do nothing.
func (p *Provider) Refresh(ctx context.Context) error {
	last := time.Unix(0, p.lastRefresh.Load())
	if time.Since(last) < p.conf.MinRefreshInterval {
		return nil
	}

	ch := p.group.DoChan("refresh", func() (interface{}, error) {
		// The fetch is shared, so it must not be cancelled by one caller.
		fetchCtx := context.WithoutCancel(ctx)
		err := p.fetch(fetchCtx)
		p.lastRefresh.Store(time.Now().UnixNano())

		return nil, err
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Provider) fetch(ctx context.Context) error {
	if p.conf.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.conf.FetchTimeout)

		defer cancel()
	}

	m, err := p.source.Fetch(ctx, p.Current())
	if err != nil {
		p.conf.Diag.Emit(&diag.ConfigFetchFailed{Source: sourceName(p.source), Err: err})
		return fmt.Errorf("failed to fetch cluster map: %w", err)
	}

	p.Offer(m)

	return nil
}

// Run bootstraps the map and keeps it up to date until the context is
// cancelled. Fetch failures are retried with backoff and logged; they never
// affect callers of Current.
func (p *Provider) Run(ctx context.Context) error {
	// Retry until the first map arrives, the client is useless without it.
	err := p.fetchWithRetry(ctx, 0)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	var wg sync.WaitGroup

	if streamer, ok := p.source.(Streamer); ok {
		wg.Add(1)

		go func() {
			defer wg.Done()
			p.watch(ctx, streamer)
		}()
	}

	defer wg.Wait()

	if p.conf.PollInterval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(p.conf.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := p.fetchWithRetry(ctx, p.conf.RetryAttempts); err != nil && ctx.Err() == nil {
				level.Warn(p.logger).Log("msg", "cluster map poll failed", "err", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// fetchWithRetry fetches the map, retrying failures with exponential backoff.
// Zero attempts means retry until the context is done.
func (p *Provider) fetchWithRetry(ctx context.Context, attempts uint) error {
	return retry.Do(
		func() error {
			return p.fetch(ctx)
		},
		p.backoff(ctx, attempts,
			retry.LastErrorOnly(true),
			retry.OnRetry(func(n uint, err error) {
				level.Debug(p.logger).Log("msg", "retrying cluster map fetch", "attempt", n+1, "err", err)
			}),
		)...,
	)
}

func (p *Provider) backoff(ctx context.Context, attempts uint, extra ...retry.Option) []retry.Option {
	opts := []retry.Option{
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(p.conf.RetryDelay),
		retry.MaxDelay(p.conf.RetryMaxDelay),
		retry.DelayType(retry.BackOffDelay),
	}

	// RandomDelay panics with zero jitter.
	if p.conf.RetryDelay > 0 {
		opts = append(opts,
			retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
			retry.MaxJitter(p.conf.RetryDelay),
		)
	}

	return append(opts, extra...)
}

func (p *Provider) watch(ctx context.Context, streamer Streamer) {
	_ = retry.Do(
		func() error {
			err := streamer.Watch(ctx, p.Offer)
			if ctx.Err() != nil {
				return retry.Unrecoverable(ctx.Err())
			}

			level.Warn(p.logger).Log("msg", "cluster map stream interrupted", "err", err)

			return fmt.Errorf("stream interrupted: %w", err)
		},
		p.backoff(ctx, 0)...,
	)
}

// Close stops delivering updates to subscribers.
func (p *Provider) Close() {
	p.mut.Lock()
	defer p.mut.Unlock()

	if p.closed {
		return
	}

	p.closed = true

	for sub := range p.subs {
		sub.stop()
	}

	p.subs = nil
}

func sourceName(src Source) string {
	if s, ok := src.(fmt.Stringer); ok {
		return s.String()
	}

	return fmt.Sprintf("%T", src)
}
