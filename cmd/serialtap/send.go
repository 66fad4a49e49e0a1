package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/serialtap/internal/cli"
	"github.com/ppiankov/serialtap/internal/serialport"
)

func newSendCmd() *cobra.Command {
	var (
		baud       int
		parityStr  string
		noWait     bool
		waitStr    string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "send <device> <command>",
		Short: "Send a command to a board and print its response",
		Long: `Send writes a command line to the device and collects response lines
until one contains a terminator token (ok, error, done, ready) or the wait
timeout elapses. With --no-wait the command is written and nothing is read.`,
		Args: cobra.ExactArgs(2),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			applyConfigDefaults(cmd)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(args[0], args[1], baud, parityStr, noWait, waitStr, jsonOutput)
		},
	}

	cmd.Flags().IntVar(&baud, "baud", 0, "baud rate (default 115200)")
	cmd.Flags().StringVar(&parityStr, "parity", "", "parity: none, even, odd, mark, space")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "write the command without reading a response")
	cmd.Flags().StringVar(&waitStr, "wait", "5s", "how long to wait for a response terminator")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	return cmd
}

func runSend(device, command string, baud int, parityStr string, noWait bool, waitStr string, jsonOutput bool) error {
	scfg, err := serialConfig(baud, parityStr)
	if err != nil {
		return cli.NewUsageError(err.Error())
	}
	wait, err := time.ParseDuration(waitStr)
	if err != nil {
		return cli.NewUsageError(fmt.Sprintf("invalid --wait: %v", err))
	}

	mgr := serialport.NewManager(serialport.BugstOpener{}, serialport.BugstEnumerator{})
	defer mgr.DisconnectAll()

	ctx, cancel := opContext()
	defer cancel()

	// a monitor goroutine must be running: responses are read through a
	// listener, never directly from the transport
	if _, err := mgr.Connect(ctx, device, scfg, serialport.ConnectOptions{Monitor: true}); err != nil {
		return cli.NewDeviceError(err.Error())
	}

	out, err := mgr.SendCommand(ctx, device, command, !noWait, wait)
	if err != nil {
		if errors.Is(err, serialport.ErrCommandTimeout) {
			if out != "" {
				fmt.Fprintln(os.Stdout, out)
			}
			return cli.NewTimeoutError(err.Error())
		}
		return cli.NewDeviceError(err.Error())
	}

	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(map[string]any{
			"device":   device,
			"command":  command,
			"response": out,
		})
	}
	if out != "" {
		fmt.Fprintln(os.Stdout, out)
	}
	return nil
}
