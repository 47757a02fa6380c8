package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/maxpoletaev/kiviroute/clustermap"
	"github.com/maxpoletaev/kiviroute/locator"
)

var locateCmd = &cobra.Command{
	Use:   "locate KEY",
	Short: "Show which nodes a request for the key would be sent to",
	Long: `Show which nodes a request for the key would be sent to. With --map
the topology document is read from a file and nothing is contacted.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := clustermap.ParseService(viper.GetString("service"))
		if err != nil {
			return err
		}

		m, err := loadMap(cmd.Context())
		if err != nil {
			return err
		}

		order := locator.ReplicaInOrder
		if group := viper.GetString("prefer-group"); group != "" {
			order = locator.PreferGroup(group)
		}

		res := locator.Locate(m, locator.Target{Service: svc, Key: []byte(args[0])}, locator.Hints{ReplicaOrder: order})

		fmt.Printf("revision: %d\n", m.Revision())

		if res.Partition >= 0 {
			fmt.Printf("partition: %d\n", res.Partition)
		}

		if res.Outdated {
			fmt.Println("the map can't route the request, a newer map is needed")
		}

		for i, idx := range res.Candidates {
			info, _ := m.Node(idx)
			addr, _ := info.Addr(svc)

			role := "replica"
			if i == 0 {
				role = "primary"
			}

			if svc.Routing() == clustermap.RouteAny {
				role = "candidate"
			}

			fmt.Printf("%-9s %s\n", role, addr)
		}

		return nil
	},
}

func init() {
	locateCmd.Flags().String("map", "", "topology document to read instead of fetching the map")
	locateCmd.Flags().String("service", "kv", "service of the request")
	locateCmd.Flags().String("prefer-group", "", "order replicas of this server group first")
}

func loadMap(ctx context.Context) (*clustermap.ClusterMap, error) {
	if path := viper.GetString("map"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}

		return clustermap.Decode(data)
	}

	ctx, cancel := context.WithTimeout(ctx, viper.GetDuration("timeout"))
	defer cancel()

	c, stop, err := startClient(ctx, newLogger())
	if err != nil {
		return nil, err
	}

	defer stop()

	return c.ClusterMap(), nil
}
