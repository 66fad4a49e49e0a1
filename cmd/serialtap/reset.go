package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/serialtap/internal/cli"
	"github.com/ppiankov/serialtap/internal/serialport"
)

func newResetCmd() *cobra.Command {
	var methodStr string

	cmd := &cobra.Command{
		Use:   "reset <device>",
		Short: "Reset a board",
		Long: `Reset pulses a control line to restart the board. Methods:
  dtr        pulse DTR (classic Arduino auto-reset)
  rts        pulse RTS (some CH340/ESP boards)
  touch1200  open the port at 1200 baud and close it (native-USB boards)`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReset(args[0], methodStr)
		},
	}

	cmd.Flags().StringVar(&methodStr, "method", "dtr", "reset method: dtr, rts, touch1200")

	return cmd
}

func runReset(device, methodStr string) error {
	var method serialport.ResetMethod
	switch methodStr {
	case "dtr":
		method = serialport.ResetDTR
	case "rts":
		method = serialport.ResetRTS
	case "touch1200":
		method = serialport.ResetTouch1200
	default:
		return cli.NewUsageError(fmt.Sprintf("invalid --method %q: expected dtr, rts, or touch1200", methodStr))
	}

	mgr := serialport.NewManager(serialport.BugstOpener{}, serialport.BugstEnumerator{})

	ctx, cancel := opContext()
	defer cancel()

	if err := mgr.ResetBoard(ctx, device, method); err != nil {
		return cli.NewDeviceError(err.Error())
	}
	fmt.Printf("reset %s (%s)\n", device, methodStr)
	return nil
}
