package cmd

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/binder-project/binder/internal/cluster"
	"github.com/binder-project/binder/internal/proxy"
	"github.com/binder-project/binder/internal/registry"
	"github.com/binder-project/binder/internal/service"
	"github.com/binder-project/binder/internal/shell"
)

var deployMode string

var deployCmd = &cobra.Command{
	Use:   "deploy <org> <repo>",
	Short: "Deploy a completed app build onto the cluster",
	Args:  cobra.ExactArgs(2),
	RunE:  runDeploy,
}

func init() {
	deployCmd.Flags().StringVarP(&deployMode, "mode", "m", service.ModeSingleNode,
		"Deployment mode (single-node or multi-node)")
	rootCmd.AddCommand(deployCmd)
}

func runDeploy(cmd *cobra.Command, args []string) error {
	org, repo := args[0], args[1]
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	reg, err := registry.NewFileRegistry(settings.AppsDir())
	if err != nil {
		return err
	}
	services, err := service.NewFileServices(settings.ServicesDir())
	if err != nil {
		return err
	}
	defer services.Close()

	rec, err := reg.Find(registry.MakeName(org, repo))
	if err != nil {
		return err
	}
	if rec.BuildState != registry.StateCompleted {
		return errors.Errorf("app %s is not built (state: %s)", rec.Name, rec.BuildState)
	}

	kube, err := newKubeClient()
	if err != nil {
		return err
	}
	ctrl := cluster.NewKubeController(settings, shell.Exec{}, kube,
		proxy.NewClient(settings.ProxyInfoPath()), clusterHost(settings))
	deployer := cluster.NewAppDeployer(settings, reg, services, ctrl, registryName(settings))

	url, err := deployer.Deploy(rec, deployMode)
	if err != nil {
		return err
	}
	fmt.Println(url)
	return nil
}
