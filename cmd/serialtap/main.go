package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/serialtap/internal/cli"
	"github.com/ppiankov/serialtap/internal/config"
)

var version = "dev"

// cfg holds file/env defaults; flags override it per command.
var cfg *config.Config

func main() {
	if err := execute(); err != nil {
		cli.FormatError(os.Stderr, err, false)
		os.Exit(cli.ExitCode(err))
	}
}

func execute() error {
	cfg = config.Load()

	root := &cobra.Command{
		Use:     "serialtap",
		Short:   "Serial port monitor and capture tool for Arduino-class boards",
		Version: version,
	}
	root.PersistentFlags().StringVar(&timeoutStr, "timeout", "", "operation timeout (e.g. 30s)")

	root.AddCommand(newPortsCmd())
	root.AddCommand(newMonitorCmd())
	root.AddCommand(newSendCmd())
	root.AddCommand(newResetCmd())
	root.AddCommand(newExportCmd())
	root.AddCommand(newUploadCmd())
	root.AddCommand(newDownloadCmd())
	root.AddCommand(newShareCmd())
	return root.Execute()
}
