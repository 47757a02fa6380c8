package client

import (
	"fmt"
	"strings"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/vrischmann/envconfig"

	"github.com/maxpoletaev/kiviroute/cluster"
	"github.com/maxpoletaev/kiviroute/configprovider"
	"github.com/maxpoletaev/kiviroute/configprovider/etcdsource"
	"github.com/maxpoletaev/kiviroute/configprovider/gossipwatch"
	"github.com/maxpoletaev/kiviroute/configprovider/grpcsource"
	"github.com/maxpoletaev/kiviroute/endpoint/grpcconn"
	"github.com/maxpoletaev/kiviroute/endpoint/tcpconn"
	"github.com/maxpoletaev/kiviroute/locator"
	"github.com/maxpoletaev/kiviroute/orchestrator"
	"github.com/maxpoletaev/kiviroute/retry"
)

const EnvPrefix = "KIVIROUTE"

// SourceKind selects where the cluster map comes from.
type SourceKind string

const (
	SourceGRPC SourceKind = "grpc"
	SourceEtcd SourceKind = "etcd"
)

// TransportKind selects the connection type used for node services.
type TransportKind string

const (
	TransportGRPC TransportKind = "grpc"
	TransportTCP  TransportKind = "tcp"
)

type Config struct {
	Source     SourceKind
	GRPCSource grpcsource.Config
	EtcdSource etcdsource.Config
	// Gossip enables the gossip watcher when Seeds are set.
	Gossip gossipwatch.Config

	Transport TransportKind
	GRPCConn  grpcconn.Config
	TCPConn   tcpconn.Config

	Provider     configprovider.Config
	Registry     cluster.Config
	Orchestrator orchestrator.Config

	// LogEvents writes diagnostic events to the logger.
	LogEvents bool
	// Metrics aggregates diagnostic events into a metric set.
	Metrics bool
	Logger  kitlog.Logger
}

func DefaultConfig() Config {
	return Config{
		Source:       SourceGRPC,
		GRPCSource:   grpcsource.DefaultConfig(),
		EtcdSource:   etcdsource.DefaultConfig(),
		Gossip:       gossipwatch.DefaultConfig(),
		Transport:    TransportGRPC,
		GRPCConn:     grpcconn.DefaultConfig(),
		TCPConn:      tcpconn.DefaultConfig(),
		Provider:     configprovider.DefaultConfig(),
		Registry:     cluster.DefaultConfig(),
		Orchestrator: orchestrator.DefaultConfig(),
		LogEvents:    true,
		Metrics:      true,
		Logger:       kitlog.NewNopLogger(),
	}
}

// Env is the part of the configuration that can be set through environment
// variables, e.g. KIVIROUTE_SEEDS or KIVIROUTE_POLL_INTERVAL. Zero values keep
// the defaults.
type Env struct {
	Source        string
	Seeds         []string
	EtcdEndpoints []string
	EtcdKey       string
	Transport     string

	PollInterval   time.Duration
	DefaultTimeout time.Duration
	AttemptTimeout time.Duration
	MaxAttempts    int
	RetryBase      time.Duration
	RetryCap       time.Duration

	QueueUntilReady bool
	// RejectedPolicy is "refresh" or "replica".
	RejectedPolicy string
	PreferGroup    string

	GossipName  string
	GossipPort  int
	GossipSeeds []string

	DrainTimeout time.Duration
	IdleTimeout  time.Duration
}

// ConfigFromEnv returns the default configuration updated from the KIVIROUTE_*
// environment variables.
func ConfigFromEnv() (Config, error) {
	var env Env

	err := envconfig.InitWithOptions(&env, envconfig.Options{
		Prefix:      EnvPrefix,
		AllOptional: true,
	})
	if err != nil {
		return Config{}, fmt.Errorf("failed to read environment: %w", err)
	}

	conf := DefaultConfig()
	if err := env.Apply(&conf); err != nil {
		return Config{}, err
	}

	return conf, nil
}

// Apply copies the non-zero values to conf.
func (e Env) Apply(conf *Config) error {
	if e.Source != "" {
		conf.Source = SourceKind(strings.ToLower(e.Source))
	}

	if e.Transport != "" {
		conf.Transport = TransportKind(strings.ToLower(e.Transport))
	}

	if len(e.Seeds) > 0 {
		conf.GRPCSource.Seeds = e.Seeds
	}

	if len(e.EtcdEndpoints) > 0 {
		conf.EtcdSource.Endpoints = e.EtcdEndpoints
	}

	if e.EtcdKey != "" {
		conf.EtcdSource.Key = e.EtcdKey
	}

	if e.PollInterval != 0 {
		conf.Provider.PollInterval = e.PollInterval
	}

	if e.DefaultTimeout != 0 {
		conf.Orchestrator.DefaultTimeout = e.DefaultTimeout
	}

	if e.AttemptTimeout != 0 {
		conf.Orchestrator.AttemptTimeout = e.AttemptTimeout
	}

	if e.MaxAttempts != 0 || e.RetryBase != 0 || e.RetryCap != 0 {
		rc := retry.DefaultConfig()

		if e.MaxAttempts != 0 {
			rc.MaxAttempts = e.MaxAttempts
		}

		if e.RetryBase != 0 {
			rc.Base = e.RetryBase
		}

		if e.RetryCap != 0 {
			rc.Cap = e.RetryCap
		}

		conf.Orchestrator.Retry = retry.NewBackoff(rc)
	}

	if e.QueueUntilReady {
		conf.Orchestrator.QueueUntilReady = true
	}

	switch strings.ToLower(e.RejectedPolicy) {
	case "":
	case "refresh":
		conf.Orchestrator.RejectedPolicy = orchestrator.RefreshFirst
	case "replica":
		conf.Orchestrator.RejectedPolicy = orchestrator.ReplicaFirst
	default:
		return fmt.Errorf("unknown rejected policy %q", e.RejectedPolicy)
	}

	if e.PreferGroup != "" {
		conf.Orchestrator.ReplicaOrder = locator.PreferGroup(e.PreferGroup)
	}

	if e.GossipName != "" {
		conf.Gossip.Name = e.GossipName
	}

	if e.GossipPort != 0 {
		conf.Gossip.BindPort = e.GossipPort
	}

	if len(e.GossipSeeds) > 0 {
		conf.Gossip.Seeds = e.GossipSeeds
	}

	if e.DrainTimeout != 0 {
		conf.Registry.DrainTimeout = e.DrainTimeout
	}

	if e.IdleTimeout != 0 {
		conf.Registry.IdleTimeout = e.IdleTimeout
	}

	return nil
}
