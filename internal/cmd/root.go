// Package cmd holds the binder CLI.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "binder",
	Short: "Build and deploy notebook apps from source repositories",
	Long: `binder turns a source repository into a container image running an
interactive notebook server on a Kubernetes cluster, and routes user
traffic to it through a front-end proxy.

Common workflow:

  binder cluster start                 # bring the cluster, proxy and registry up
  binder serve                         # run the HTTP/WebSocket API
  binder build app acme demo           # build one app synchronously
  binder deploy acme demo              # deploy a completed build
  binder list apps                     # inspect registered apps
  binder logd                          # run the logging daemon (started by serve)`,
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("cli error: %w", err)
	}
	return nil
}
