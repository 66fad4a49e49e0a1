package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/serialtap/internal/serialport"
	"github.com/ppiankov/serialtap/internal/sertypes"
)

func newPortsCmd() *cobra.Command {
	var (
		arduinoOnly  bool
		jsonOutput   bool
		watch        bool
		discoveryStr string
	)

	cmd := &cobra.Command{
		Use:   "ports",
		Short: "List serial ports on this host",
		Long:  "List serial ports, optionally filtered to Arduino-compatible boards, or watch for ports coming and going.",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			applyConfigDefaults(cmd)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPorts(arduinoOnly, jsonOutput, watch, discoveryStr)
		},
	}

	cmd.Flags().BoolVar(&arduinoOnly, "arduino", false, "only show Arduino-compatible boards")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep running and report ports appearing and vanishing")
	cmd.Flags().StringVar(&discoveryStr, "discovery-interval", "2s", "scan interval in watch mode")

	return cmd
}

func runPorts(arduinoOnly, jsonOutput, watch bool, discoveryStr string) error {
	mgr := serialport.NewManager(serialport.BugstOpener{}, serialport.BugstEnumerator{})

	ports, err := listPorts(mgr, arduinoOnly)
	if err != nil {
		return fmt.Errorf("enumerate ports: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		if err := enc.Encode(ports); err != nil {
			return err
		}
	} else {
		printPorts(ports)
	}

	if !watch {
		return nil
	}

	if d, err := time.ParseDuration(discoveryStr); err == nil {
		mgr.SetDiscoveryInterval(d)
	}
	mgr.SetOnPortsChanged(func(added, removed []string) {
		for _, dev := range added {
			fmt.Fprintf(os.Stdout, "added: %s\n", dev)
		}
		for _, dev := range removed {
			fmt.Fprintf(os.Stdout, "removed: %s\n", dev)
		}
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	mgr.Start(ctx)
	<-ctx.Done()
	mgr.Stop()
	return nil
}

func listPorts(mgr *serialport.Manager, arduinoOnly bool) ([]sertypes.PortInfo, error) {
	if arduinoOnly {
		return mgr.ArduinoPorts()
	}
	return mgr.ListPorts()
}

func printPorts(ports []sertypes.PortInfo) {
	if len(ports) == 0 {
		fmt.Fprintln(os.Stderr, "no serial ports found")
		return
	}
	for _, p := range ports {
		desc := p.Description
		if desc == "" {
			desc = p.Product
		}
		tag := ""
		if p.ArduinoCompatible() {
			tag = " [arduino]"
		}
		if p.IsUSB && p.VID != "" {
			fmt.Fprintf(os.Stdout, "%s\t%s (%s:%s)%s\n", p.Device, desc, p.VID, p.PID, tag)
		} else {
			fmt.Fprintf(os.Stdout, "%s\t%s%s\n", p.Device, desc, tag)
		}
	}
}
