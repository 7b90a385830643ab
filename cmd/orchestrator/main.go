// Command orchestrator runs the durable-execution orchestrator API server
// and its background reconciler loops.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "orchestrator",
		Short: "Durable execution orchestrator for AI agent workflows",
	}
	root.AddCommand(newServeCmd())
	return root
}
