// Command dmallocbench runs the allocator's §8-style exercise scenarios
// outside of `go test`, for manual inspection of Page Heap statistics
// before and after each run.
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
		Use:           "dmallocbench",
		Short:         "Exercise the dmalloc allocator with standard scenarios",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newRoundtripCmd(),
		newBestfitCmd(),
		newChurnCmd(),
		newConcurrentCmd(),
	)
	return root
}
