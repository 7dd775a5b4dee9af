package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/binder-project/binder/internal/logd"
)

var logdCmd = &cobra.Command{
	Use:   "logd",
	Short: "Run the logging daemon (log writer, log reader, cluster API proxy)",
	RunE:  runLogd,
}

func init() {
	rootCmd.AddCommand(logdCmd)
}

func runLogd(cmd *cobra.Command, args []string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	rdb := newBroker(settings)
	defer rdb.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d := logd.New(rdb,
		logd.NewLogWriter(settings, rdb),
		logd.NewLogReader(settings),
		logd.NewKubeProxy(),
	)
	return d.Run(ctx)
}
