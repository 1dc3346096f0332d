// Command romad is the sample host CLI for the Roma runtime: it loads a
// CodeObject, invokes a handler against it, or serves the runtime over
// the auxiliary gRPC surface, driving internal/runtime the way a real
// host embedding the library would.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "romad",
		Short: "Roma - multi-tenant sandboxed execution runtime",
		Long:  "A sample host CLI for the Roma runtime: load code, invoke handlers, or serve the auxiliary RPC surface.",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to config file (optional, flags/env override)")

	rootCmd.AddCommand(
		loadCmd(),
		invokeCmd(),
		serveCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
