package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/binder-project/binder/internal/builder"
	"github.com/binder-project/binder/internal/logger"
	"github.com/binder-project/binder/internal/registry"
	"github.com/binder-project/binder/internal/service"
	"github.com/binder-project/binder/internal/shell"
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build an app or service image",
}

var buildAppCmd = &cobra.Command{
	Use:   "app <org> <repo>",
	Short: "Build one app synchronously",
	Args:  cobra.ExactArgs(2),
	RunE:  runBuildApp,
}

var buildServiceCmd = &cobra.Command{
	Use:   "service <name> <version>",
	Short: "Build one service's images (skipped when unchanged)",
	Args:  cobra.ExactArgs(2),
	RunE:  runBuildService,
}

func init() {
	buildCmd.AddCommand(buildAppCmd)
	buildCmd.AddCommand(buildServiceCmd)
	rootCmd.AddCommand(buildCmd)
}

func runBuildApp(cmd *cobra.Command, args []string) error {
	org, repo := args[0], args[1]
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	rdb := newBroker(settings)
	defer rdb.Close()

	reg, err := registry.NewFileRegistry(settings.AppsDir())
	if err != nil {
		return err
	}
	services, err := service.NewFileServices(settings.ServicesDir())
	if err != nil {
		return err
	}
	defer services.Close()

	buildLog := logger.NewClient(rdb, "builder")
	defer buildLog.Close()
	pool := builder.NewPool(builder.Config{
		Settings:     settings,
		Registry:     reg,
		Services:     services,
		Runner:       shell.Exec{},
		Log:          buildLog,
		RegistryName: registryName(settings),
		BaseImage:    baseImage(settings),
		SquashTool:   squashTool(settings),
	}, builder.NewQueue(1))

	spec := registry.AppSpec{
		Name:    registry.MakeName(org, repo),
		RepoURL: fmt.Sprintf("https://github.com/%s/%s", org, repo),
	}
	if err := pool.Build(spec); err != nil {
		return err
	}
	fmt.Printf("built %s\n", pool.ImageName(spec.Name))
	return nil
}

func runBuildService(cmd *cobra.Command, args []string) error {
	name, version := args[0], args[1]
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	services, err := service.NewFileServices(settings.ServicesDir())
	if err != nil {
		return err
	}
	defer services.Close()

	svc, err := services.Get(name, version)
	if err != nil {
		return err
	}
	if err := service.Build(svc, services, shell.Exec{}, registryName(settings), squashTool(settings)); err != nil {
		return err
	}
	fmt.Printf("built service %s\n", svc.FullName())
	return nil
}
