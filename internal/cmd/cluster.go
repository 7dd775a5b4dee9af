package cmd

import (
	"github.com/spf13/cobra"

	"github.com/binder-project/binder/internal/cluster"
	"github.com/binder-project/binder/internal/proxy"
	"github.com/binder-project/binder/internal/shell"
)

var clusterNodes int

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Bring the cluster up or tear it down",
}

var clusterStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Launch the cluster, proxy, private registry, and base image preload",
	RunE:  runClusterStart,
}

var clusterStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Tear the cluster down",
	RunE:  runClusterStop,
}

func init() {
	clusterStartCmd.Flags().IntVarP(&clusterNodes, "nodes", "n", 3, "Number of worker nodes")
	clusterCmd.AddCommand(clusterStartCmd)
	clusterCmd.AddCommand(clusterStopCmd)
	rootCmd.AddCommand(clusterCmd)
}

func runClusterStart(cmd *cobra.Command, args []string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	kube, err := newKubeClient()
	if err != nil {
		return err
	}
	ctrl := cluster.NewKubeController(settings, shell.Exec{}, kube,
		proxy.NewClient(settings.ProxyInfoPath()), clusterHost(settings))
	return ctrl.Start(clusterNodes, baseImage(settings))
}

func runClusterStop(cmd *cobra.Command, args []string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	kube, err := newKubeClient()
	if err != nil {
		return err
	}
	ctrl := cluster.NewKubeController(settings, shell.Exec{}, kube,
		proxy.NewClient(settings.ProxyInfoPath()), clusterHost(settings))
	return ctrl.Stop()
}
