// Package main provides the keyscout command line.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keyscout",
		Short: "Crawl a site in a headless browser and find every mention of a keyword",
		Long: `keyscout renders pages in headless Chrome, follows links on the same host
up to a depth limit, and reports every word containing a keyword along with
the text around it.

Settings are read from the environment (and an optional .env file);
command line flags take precedence.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")

	cmd.AddCommand(NewCrawlCmd())
	return cmd
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
