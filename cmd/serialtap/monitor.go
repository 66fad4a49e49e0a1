package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/ppiankov/serialtap/internal/buffers"
	"github.com/ppiankov/serialtap/internal/monitor"
	"github.com/ppiankov/serialtap/internal/rotate"
	"github.com/ppiankov/serialtap/internal/serialport"
	"github.com/ppiankov/serialtap/internal/sertypes"
)

func newMonitorCmd() *cobra.Command {
	var (
		baud          int
		parityStr     string
		dir           string
		maxFileStr    string
		maxDiskStr    string
		compress      bool
		bufSize       int
		ringCap       int
		headless      bool
		metricsListen string
		noReconnect   bool
		reconnectStr  string
		discoveryStr  string
	)

	cmd := &cobra.Command{
		Use:   "monitor [device...]",
		Short: "Monitor serial ports and capture their output",
		Long: `Monitor connects to the given serial devices and captures every line
into an in-memory ring buffer and, with --dir, onto disk as rotated JSONL.
With no devices, every Arduino-compatible board is monitored and boards
plugged in later are picked up automatically.`,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			applyConfigDefaults(cmd)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMonitor(args, monitorOpts{
				baud:          baud,
				parity:        parityStr,
				dir:           dir,
				maxFile:       maxFileStr,
				maxDisk:       maxDiskStr,
				compress:      compress,
				bufSize:       bufSize,
				ringCap:       ringCap,
				headless:      headless,
				metricsListen: metricsListen,
				noReconnect:   noReconnect,
				reconnect:     reconnectStr,
				discovery:     discoveryStr,
			})
		},
	}

	cmd.Flags().IntVar(&baud, "baud", 0, "baud rate (default 115200)")
	cmd.Flags().StringVar(&parityStr, "parity", "", "parity: none, even, odd, mark, space")
	cmd.Flags().StringVar(&dir, "dir", "", "capture directory (omit for in-memory only)")
	cmd.Flags().StringVar(&maxFileStr, "max-file", "64MB", "max capture file size before rotation")
	cmd.Flags().StringVar(&maxDiskStr, "max-disk", "2GB", "max total disk usage for captures")
	cmd.Flags().BoolVar(&compress, "compress", true, "zstd compress rotated files")
	cmd.Flags().IntVar(&bufSize, "buffer", 1024, "ingest channel buffer size")
	cmd.Flags().IntVar(&ringCap, "ring", 10000, "ring buffer capacity in lines")
	cmd.Flags().BoolVar(&headless, "headless", false, "disable TUI, log to stderr")
	cmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "address to expose Prometheus metrics on (e.g. :9100)")
	cmd.Flags().BoolVar(&noReconnect, "no-reconnect", false, "do not redial ports after read failures")
	cmd.Flags().StringVar(&reconnectStr, "reconnect-delay", "", "pause between redial attempts (e.g. 2s)")
	cmd.Flags().StringVar(&discoveryStr, "discovery-interval", "", "port scan interval (e.g. 2s)")

	return cmd
}

type monitorOpts struct {
	baud          int
	parity        string
	dir           string
	maxFile       string
	maxDisk       string
	compress      bool
	bufSize       int
	ringCap       int
	headless      bool
	metricsListen string
	noReconnect   bool
	reconnect     string
	discovery     string
}

func runMonitor(devices []string, opts monitorOpts) error {
	scfg, err := serialConfig(opts.baud, opts.parity)
	if err != nil {
		return err
	}

	mgr := serialport.NewManager(serialport.BugstOpener{}, serialport.BugstEnumerator{})
	if opts.noReconnect {
		mgr.SetAutoReconnect(false)
	} else if cfg != nil && cfg.Serial.AutoReconnect != nil {
		mgr.SetAutoReconnect(*cfg.Serial.AutoReconnect)
	}
	if d, err := time.ParseDuration(opts.reconnect); err == nil && opts.reconnect != "" {
		mgr.SetReconnectDelay(d)
	}
	if d, err := time.ParseDuration(opts.discovery); err == nil && opts.discovery != "" {
		mgr.SetDiscoveryInterval(d)
	}

	ring := buffers.NewRing(opts.ringCap)

	// optional disk capture
	var rot *rotate.Rotator
	var meta *monitor.Metadata
	if opts.dir != "" {
		maxFile, err := parseByteSize(opts.maxFile)
		if err != nil {
			return fmt.Errorf("invalid --max-file: %w", err)
		}
		maxDisk, err := parseByteSize(opts.maxDisk)
		if err != nil {
			return fmt.Errorf("invalid --max-disk: %w", err)
		}
		rot, err = rotate.New(rotate.Config{
			Dir:      opts.dir,
			MaxFile:  maxFile,
			MaxDisk:  maxDisk,
			Compress: opts.compress,
		})
		if err != nil {
			return fmt.Errorf("init rotator: %w", err)
		}

		meta = &monitor.Metadata{
			Version: 1,
			Format:  "jsonl",
			Started: time.Now(),
			Ports:   make(map[string]sertypes.Config),
		}
		if err := monitor.WriteMetadata(opts.dir, meta); err != nil {
			return fmt.Errorf("write metadata: %w", err)
		}
	}

	// optional metrics exporter
	var metrics *monitor.Metrics
	if opts.metricsListen != "" {
		metrics = monitor.NewMetrics(prometheus.DefaultRegisterer)
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(opts.metricsListen, mux); err != nil {
				fmt.Fprintf(os.Stderr, "metrics listener: %v\n", err)
			}
		}()
	}

	sess := newMonitorSession(ring, mgr, opts.bufSize, rot, metrics)

	// connect the requested boards; with no devices, take every
	// Arduino-compatible port and auto-connect new ones
	autoConnect := len(devices) == 0
	if autoConnect {
		ports, err := mgr.ArduinoPorts()
		if err != nil {
			return fmt.Errorf("enumerate ports: %w", err)
		}
		for _, p := range ports {
			devices = append(devices, p.Device)
		}
		if len(devices) == 0 {
			fmt.Fprintln(os.Stderr, "no Arduino-compatible boards found, waiting for one to appear")
		}
	}

	connect := func(device string) error {
		ctx, cancel := opContext()
		defer cancel()
		conn, err := mgr.Connect(ctx, device, scfg, serialport.ConnectOptions{Monitor: true})
		if err != nil {
			return err
		}
		sess.Watch(conn)
		if meta != nil {
			meta.Ports[device] = conn.Config()
		}
		return nil
	}

	for _, dev := range devices {
		if err := connect(dev); err != nil {
			mgr.DisconnectAll()
			sess.Close()
			return err
		}
	}

	if autoConnect {
		mgr.SetOnPortsChanged(func(added, removed []string) {
			for _, dev := range added {
				info := lookupPort(mgr, dev)
				if info == nil || !info.ArduinoCompatible() {
					continue
				}
				if err := connect(dev); err != nil {
					fmt.Fprintf(os.Stderr, "connect %s: %v\n", dev, err)
				}
			}
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mgr.Start(ctx)

	shutdown := func() {
		mgr.Stop()
		sess.Close()
		if rot != nil {
			if err := rot.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "rotator close: %v\n", err)
			}
		}
		if meta != nil {
			meta.Stopped = time.Now()
			meta.TotalLines = sess.Ingest.LinesWritten()
			meta.TotalBytes = sess.Ingest.BytesWritten()
			if err := monitor.WriteMetadata(opts.dir, meta); err != nil {
				fmt.Fprintf(os.Stderr, "update metadata: %v\n", err)
			}
		}
	}

	if opts.headless {
		return runMonitorHeadless(sess, opts.dir, shutdown)
	}
	return runMonitorTUI(sess, ring, opts.dir, shutdown)
}

// newMonitorSession wires the rotator's index tracking and rotation metrics
// into the session.
func newMonitorSession(ring *buffers.Ring, mgr *serialport.Manager, bufSize int, rot *rotate.Rotator, metrics *monitor.Metrics) *monitor.Session {
	if rot == nil {
		return monitor.NewSession(ring, mgr, bufSize, nil, metrics)
	}

	sess := monitor.NewSession(ring, mgr, bufSize, rot, metrics)
	sess.OnEntry = func(e sertypes.Entry) {
		rot.TrackLine(e.Timestamp, e.Port, string(e.Kind))
	}
	if metrics != nil {
		rot.SetOnRotate(func(reason string) {
			metrics.RotationTotal.WithLabelValues(reason).Inc()
		})
		rot.SetOnError(func() {
			metrics.RotationErrors.Inc()
		})
	}
	return sess
}

func lookupPort(mgr *serialport.Manager, device string) *sertypes.PortInfo {
	ports, err := mgr.ListPorts()
	if err != nil {
		return nil
	}
	for i := range ports {
		if ports[i].Device == device {
			return &ports[i]
		}
	}
	return nil
}

func runMonitorHeadless(sess *monitor.Session, dir string, shutdown func()) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if dir != "" {
		fmt.Fprintf(os.Stderr, "serialtap monitoring, writing to %s\n", dir)
	} else {
		fmt.Fprintln(os.Stderr, "serialtap monitoring (in-memory only)")
	}

	<-ctx.Done()

	fmt.Fprintln(os.Stderr, "shutting down...")
	shutdown()
	fmt.Fprintf(os.Stderr, "done: %d lines, %d bytes written\n",
		sess.Ingest.LinesWritten(), sess.Ingest.BytesWritten())
	return nil
}

func runMonitorTUI(sess *monitor.Session, ring *buffers.Ring, dir string, shutdown func()) error {
	model := monitor.NewTUIModel(sess.Stats, ring, sess.Ingest, dir)
	p := tea.NewProgram(model, tea.WithAltScreen())

	if _, err := p.Run(); err != nil {
		shutdown()
		return fmt.Errorf("TUI: %w", err)
	}

	shutdown()
	return nil
}
