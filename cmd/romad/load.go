package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/romaexec/roma/internal/domain"
)

func loadCmd() *cobra.Command {
	var (
		id         string
		version    string
		sourceFile string
		wasmFile   string
		handlers   string
		keyID      string
	)

	cmd := &cobra.Command{
		Use:   "load <version_string>",
		Short: "Load a CodeObject into every worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version = args[0]

			co := domain.CodeObject{ID: id, VersionString: version, KeyID: keyID}
			if id == "" {
				co.ID = version
			}
			if handlers != "" {
				co.Handlers = strings.Split(handlers, ",")
			}

			switch {
			case sourceFile != "":
				b, err := os.ReadFile(sourceFile)
				if err != nil {
					return fmt.Errorf("read source: %w", err)
				}
				co.Source = string(b)
			case wasmFile != "":
				b, err := os.ReadFile(wasmFile)
				if err != nil {
					return fmt.Errorf("read wasm module: %w", err)
				}
				co.ByteCode = b
			default:
				return fmt.Errorf("one of --source or --wasm is required")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			rt, err := buildRuntime(ctx, cfg)
			if err != nil {
				return fmt.Errorf("start runtime: %w", err)
			}
			defer rt.Stop(5 * time.Second)

			done := make(chan error, 1)
			if err := rt.LoadCodeObj(ctx, co, func(err error) { done <- err }); err != nil {
				return err
			}
			if err := <-done; err != nil {
				return fmt.Errorf("load failed: %w", err)
			}

			fmt.Printf("loaded %s as version %q\n", co.Engine(), co.VersionString)
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "code object id (defaults to version_string)")
	cmd.Flags().StringVar(&sourceFile, "source", "", "path to JavaScript source")
	cmd.Flags().StringVar(&wasmFile, "wasm", "", "path to a WASM module")
	cmd.Flags().StringVar(&handlers, "handlers", "", "comma-separated handler names to pre-compile")
	cmd.Flags().StringVar(&keyID, "key-id", "", "key id to decrypt an encrypted --source/--wasm payload with (requires key_cache.region in config)")
	return cmd
}
