package main

import (
	"os"
	"strings"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/maxpoletaev/kiviroute/client"
)

var rootCmd = &cobra.Command{
	Use:   "kiviroute",
	Short: "Route requests to a partitioned kivi cluster",
	Long: `kiviroute talks to a partitioned key-value cluster through the same
request orchestration the client library uses: it fetches the cluster map,
locates the owner of a key and dispatches requests with retries.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return viper.BindPFlags(cmd.Flags())
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.String("source", "grpc", "cluster map source (grpc, etcd)")
	flags.StringSlice("seeds", nil, "management addresses to fetch the cluster map from")
	flags.StringSlice("etcd-endpoints", nil, "etcd endpoints when the source is etcd")
	flags.String("etcd-key", "", "etcd key holding the cluster map")
	flags.String("transport", "grpc", "connection type for node services (grpc, tcp)")
	flags.Duration("timeout", 5*time.Second, "overall timeout of the command")
	flags.Bool("verbose", false, "verbose logging")

	rootCmd.AddCommand(mapCmd)
	rootCmd.AddCommand(locateCmd)
	rootCmd.AddCommand(submitCmd)
}

// initConfig makes every flag settable through KIVIROUTE_* variables, also
// from .env files in the working directory.
func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix(client.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func newLogger() kitlog.Logger {
	logger := kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(os.Stderr))
	logger = kitlog.With(logger, "ts", kitlog.DefaultTimestampUTC)

	if !viper.GetBool("verbose") {
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	return logger
}

// clientConfig starts from the library environment and applies the flags on
// top of it.
func clientConfig(logger kitlog.Logger) (client.Config, error) {
	conf, err := client.ConfigFromEnv()
	if err != nil {
		return client.Config{}, err
	}

	conf.Logger = logger
	conf.LogEvents = viper.GetBool("verbose")
	conf.Source = client.SourceKind(viper.GetString("source"))
	conf.Transport = client.TransportKind(viper.GetString("transport"))

	if seeds := viper.GetStringSlice("seeds"); len(seeds) > 0 {
		conf.GRPCSource.Seeds = seeds
	}

	if endpoints := viper.GetStringSlice("etcd-endpoints"); len(endpoints) > 0 {
		conf.EtcdSource.Endpoints = endpoints
	}

	if key := viper.GetString("etcd-key"); key != "" {
		conf.EtcdSource.Key = key
	}

	return conf, nil
}
