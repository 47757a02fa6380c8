package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/maxpoletaev/kiviroute/clustermap"
)

var mapCmd = &cobra.Command{
	Use:   "map",
	Short: "Fetch the current cluster map",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), viper.GetDuration("timeout"))
		defer cancel()

		c, stop, err := startClient(ctx, newLogger())
		if err != nil {
			return err
		}

		defer stop()

		m := c.ClusterMap()

		if viper.GetBool("json") {
			data, err := clustermap.Encode(m)
			if err != nil {
				return err
			}

			fmt.Println(string(data))

			return nil
		}

		printMap(m)

		return nil
	},
}

func init() {
	mapCmd.Flags().Bool("json", false, "print the raw topology document")
}

func printMap(m *clustermap.ClusterMap) {
	fmt.Printf("revision: %d\npartitions: %d\nhash: %s\n\n", m.Revision(), m.NumPartitions(), m.HashName())

	primaries := make(map[int]int)

	for p := 0; p < m.NumPartitions(); p++ {
		if owners, ok := m.Owners(p); ok {
			primaries[owners.Primary]++
		}
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NODE\tGROUP\tALIVE\tPRIMARIES\tSERVICES")

	for idx, n := range m.Nodes() {
		services := ""

		for _, svc := range clustermap.Services() {
			if addr, ok := n.Addr(svc); ok {
				services += fmt.Sprintf("%s=%s ", svc, addr)
			}
		}

		fmt.Fprintf(w, "%s\t%s\t%t\t%d\t%s\n", n.Host, n.Group, n.Alive, primaries[idx], services)
	}

	w.Flush()
}
