package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/binder-project/binder/internal/registry"
	"github.com/binder-project/binder/internal/service"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered apps or services",
}

var listAppsCmd = &cobra.Command{
	Use:   "apps",
	Short: "List app records with build state and last build time",
	RunE:  runListApps,
}

var listServicesCmd = &cobra.Command{
	Use:   "services",
	Short: "List available services",
	RunE:  runListServices,
}

func init() {
	listCmd.AddCommand(listAppsCmd)
	listCmd.AddCommand(listServicesCmd)
	rootCmd.AddCommand(listCmd)
}

func runListApps(cmd *cobra.Command, args []string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	reg, err := registry.NewFileRegistry(settings.AppsDir())
	if err != nil {
		return err
	}
	recs, err := reg.FindAll()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTATE\tLAST BUILD\tDEPLOYMENT")
	for _, rec := range recs {
		last := rec.LastBuildTime
		if last == "" {
			last = "-"
		}
		id := rec.DeploymentID
		if id == "" {
			id = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", rec.Name, rec.BuildState, last, id)
	}
	return w.Flush()
}

func runListServices(cmd *cobra.Command, args []string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	services, err := service.NewFileServices(settings.ServicesDir())
	if err != nil {
		return err
	}
	defer services.Close()

	svcs, err := services.List()
	if err != nil {
		return err
	}
	for _, svc := range svcs {
		fmt.Println(svc.FullName())
	}
	return nil
}
