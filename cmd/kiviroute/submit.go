package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/maxpoletaev/kiviroute/clustermap"
	"github.com/maxpoletaev/kiviroute/failure"
	"github.com/maxpoletaev/kiviroute/orchestrator"
)

var submitCmd = &cobra.Command{
	Use:   "submit KEY PAYLOAD",
	Short: "Send a payload to the node owning the key and print the response",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := clustermap.ParseService(viper.GetString("service"))
		if err != nil {
			return err
		}

		timeout := viper.GetDuration("timeout")

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		c, stop, err := startClient(ctx, newLogger())
		if err != nil {
			return err
		}

		defer stop()

		req := orchestrator.Request{
			Service:         svc,
			Key:             []byte(args[0]),
			Payload:         []byte(args[1]),
			Idempotent:      viper.GetBool("idempotent"),
			ReplicaFallback: viper.GetBool("replica-fallback"),
		}

		if d := viper.GetDuration("request-timeout"); d > 0 {
			req.Deadline = time.Now().Add(d)
		}

		start := time.Now()
		resp, err := c.Do(ctx, req)

		if viper.GetBool("metrics") && c.Metrics() != nil {
			defer c.Metrics().WritePrometheus(os.Stderr)
		}

		if err != nil {
			var fe *failure.Error
			if errors.As(err, &fe) {
				fmt.Printf("reason: %s\nlast: %s\nattempts: %d\nmaybe applied: %t\nnode: %s\n",
					fe.Reason, fe.Last, fe.Attempts, fe.MaybeApplied, fe.Node)
			}

			return err
		}

		fmt.Printf("node: %s\nattempts: %d\nduration: %s\n\n%s\n", resp.Node, resp.Attempts, time.Since(start), resp.Payload)

		return nil
	},
}

func init() {
	submitCmd.Flags().String("service", "kv", "service of the request")
	submitCmd.Flags().Bool("idempotent", false, "allow retries after ambiguous failures")
	submitCmd.Flags().Bool("replica-fallback", false, "allow sending to a replica when the primary is unavailable")
	submitCmd.Flags().Duration("request-timeout", 0, "deadline of the request, the client default if zero")
	submitCmd.Flags().Bool("metrics", false, "print client metrics to stderr")
}
