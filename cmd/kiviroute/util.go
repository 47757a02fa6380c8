package main

import (
	"context"
	"fmt"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/maxpoletaev/kiviroute/client"
)

// startClient creates a client and waits until it has a cluster map. The
// returned function stops the client.
func startClient(ctx context.Context, logger kitlog.Logger) (*client.Client, func(), error) {
	conf, err := clientConfig(logger)
	if err != nil {
		return nil, nil, err
	}

	c, err := client.New(conf)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create client: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)

		if err := c.Run(runCtx); err != nil {
			level.Error(logger).Log("msg", "client stopped", "err", err)
		}
	}()

	stop := func() {
		cancel()
		<-done

		if err := c.Close(); err != nil {
			level.Warn(logger).Log("msg", "failed to close client", "err", err)
		}
	}

	if err := c.WaitReady(ctx); err != nil {
		stop()
		return nil, nil, fmt.Errorf("no cluster map received: %w", err)
	}

	return c, stop, nil
}
