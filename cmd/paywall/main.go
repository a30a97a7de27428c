package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "paywall",
		Short:         "Drive a paywall session from the terminal",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	opts.bind(rootCmd)

	rootCmd.AddCommand(statusCmd(opts))
	rootCmd.AddCommand(selectCmd(opts))
	rootCmd.AddCommand(trackCmd(opts))
	rootCmd.AddCommand(varsCmd(opts))
	rootCmd.AddCommand(checkoutCmd(opts))
	rootCmd.AddCommand(resetCmd(opts))
	rootCmd.AddCommand(workerCmd(opts))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
