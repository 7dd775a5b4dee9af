package cmd

import (
	"github.com/spf13/cobra"

	"github.com/binder-project/binder/internal/builder"
	"github.com/binder-project/binder/internal/cluster"
	"github.com/binder-project/binder/internal/daemon"
	"github.com/binder-project/binder/internal/logger"
	"github.com/binder-project/binder/internal/proxy"
	"github.com/binder-project/binder/internal/registry"
	"github.com/binder-project/binder/internal/service"
	"github.com/binder-project/binder/internal/shell"
	"github.com/binder-project/binder/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP/WebSocket API, builder pool, and idle reaper",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
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

	kube, err := newKubeClient()
	if err != nil {
		return err
	}
	runner := shell.Exec{}
	routes := proxy.NewClient(settings.ProxyInfoPath())
	ctrl := cluster.NewKubeController(settings, runner, kube, routes, clusterHost(settings))
	deployer := cluster.NewAppDeployer(settings, reg, services, ctrl, registryName(settings))

	buildLog := logger.NewClient(rdb, "builder")
	defer buildLog.Close()
	queue := builder.NewQueue(settings.Options.QueueCapacity)
	pool := builder.NewPool(builder.Config{
		Settings:     settings,
		Registry:     reg,
		Services:     services,
		Runner:       runner,
		Log:          buildLog,
		Preloader:    ctrl,
		RegistryName: registryName(settings),
		BaseImage:    baseImage(settings),
		SquashTool:   squashTool(settings),
	}, queue)

	server := web.New(settings, reg, services, queue, ctrl, deployer, rdb)
	reaper := daemon.NewReaper(ctrl, settings.Options.CronPeriod(), settings.Options.InactiveThreshold())
	return daemon.New(settings, server, queue, pool, reaper).Run()
}
