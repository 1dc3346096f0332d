package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/romaexec/roma/internal/grpcapi"
)

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the runtime and serve the auxiliary RPC surface until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.ServerAddress = addr
			}
			if cfg.ServerAddress == "" {
				return fmt.Errorf("serve requires --addr or server_address in config")
			}

			ctx := context.Background()
			rt, err := buildRuntime(ctx, cfg)
			if err != nil {
				return fmt.Errorf("start runtime: %w", err)
			}
			defer rt.Stop(10 * time.Second)

			srv := grpcapi.New(rt, nil)
			serveErr := make(chan error, 1)
			go func() { serveErr <- srv.Serve(cfg.ServerAddress) }()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			fmt.Printf("romad: serving on %s (ctrl-c to stop)\n", cfg.ServerAddress)
			select {
			case err := <-serveErr:
				return err
			case <-sigCh:
				srv.Stop()
				return nil
			}
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "auxiliary RPC listen address (overrides config server_address)")
	return cmd
}
