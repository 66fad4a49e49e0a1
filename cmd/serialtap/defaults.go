package main

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/serialtap/internal/sertypes"
)

const defaultTimeout = 10 * time.Second

var timeoutStr string

// opContext returns a context with the configured timeout for one-shot
// device operations. The caller must call cancel when done.
func opContext() (context.Context, context.CancelFunc) {
	timeout := defaultTimeout

	// Flag overrides config
	if timeoutStr != "" {
		if d, err := time.ParseDuration(timeoutStr); err == nil {
			timeout = d
		}
	} else if cfg != nil && cfg.Defaults.Timeout != "" {
		if d, err := time.ParseDuration(cfg.Defaults.Timeout); err == nil {
			timeout = d
		}
	}

	return context.WithTimeout(context.Background(), timeout)
}

// applyConfigDefaults sets flag values from config when the flag
// was not explicitly set on the command line. Flags > env > config > defaults.
// The config package already handles env > config, so we just need to
// check if the flag was changed and apply config if not.
func applyConfigDefaults(cmd *cobra.Command) {
	if cfg == nil {
		return
	}

	setDefault := func(name, value string) {
		if value != "" && !cmd.Flags().Changed(name) {
			if f := cmd.Flags().Lookup(name); f != nil {
				_ = f.Value.Set(value)
			}
		}
	}

	// serial defaults
	if cfg.Serial.Baud > 0 {
		setDefault("baud", strconv.Itoa(cfg.Serial.Baud))
	}
	setDefault("parity", cfg.Serial.Parity)
	setDefault("reconnect-delay", cfg.Serial.ReconnectDelay)
	setDefault("discovery-interval", cfg.Serial.DiscoveryInterval)

	// monitor defaults
	setDefault("dir", cfg.Monitor.Dir)
	setDefault("max-file", cfg.Monitor.MaxFile)
	setDefault("max-disk", cfg.Monitor.MaxDisk)
	if cfg.Monitor.RingCapacity > 0 {
		setDefault("ring", strconv.Itoa(cfg.Monitor.RingCapacity))
	}
	if cfg.Monitor.IngestBuffer > 0 {
		setDefault("buffer", strconv.Itoa(cfg.Monitor.IngestBuffer))
	}
}

// serialConfig builds line parameters from the shared --baud/--parity flags.
func serialConfig(baud int, parityStr string) (sertypes.Config, error) {
	scfg := sertypes.DefaultConfig()
	if baud > 0 {
		scfg.BaudRate = baud
	}
	if parityStr != "" {
		p, err := parseParity(parityStr)
		if err != nil {
			return sertypes.Config{}, err
		}
		scfg.Parity = p
	}
	return scfg, nil
}

func parseParity(s string) (sertypes.Parity, error) {
	switch strings.ToLower(s) {
	case "n", "none":
		return sertypes.ParityNone, nil
	case "e", "even":
		return sertypes.ParityEven, nil
	case "o", "odd":
		return sertypes.ParityOdd, nil
	case "m", "mark":
		return sertypes.ParityMark, nil
	case "s", "space":
		return sertypes.ParitySpace, nil
	default:
		return "", fmt.Errorf("invalid parity %q: expected none, even, odd, mark, or space", s)
	}
}

var byteSizePattern = regexp.MustCompile(`(?i)^(\d+(?:\.\d+)?)\s*(KB|MB|GB|TB|B)?$`)

func parseByteSize(s string) (int64, error) {
	m := byteSizePattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, fmt.Errorf("invalid size: %q", s)
	}
	val, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, err
	}
	unit := strings.ToUpper(m[2])
	switch unit {
	case "TB":
		val *= 1 << 40
	case "GB":
		val *= 1 << 30
	case "MB":
		val *= 1 << 20
	case "KB":
		val *= 1 << 10
	case "B", "":
		// bytes
	}
	return int64(val), nil
}
