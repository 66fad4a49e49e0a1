package main

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/serialtap/internal/archive"
	"github.com/ppiankov/serialtap/internal/monitor"
)

func newExportCmd() *cobra.Command {
	var (
		formatStr  string
		fromStr    string
		toStr      string
		ports      []string
		kindStr    string
		grepStr    string
		outPath    string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "export <capture-dir>",
		Short: "Export capture data to parquet, CSV, or JSONL",
		Long:  "Convert capture data to external formats for ingestion into analytics systems (DuckDB, pandas, BigQuery, etc.).",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExportCapture(args[0], formatStr, fromStr, toStr, ports, kindStr, grepStr, outPath, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&formatStr, "format", "", "output format: parquet, csv, jsonl (required)")
	cmd.Flags().StringVar(&fromStr, "from", "", "start time filter (RFC3339, HH:MM, or -30m)")
	cmd.Flags().StringVar(&toStr, "to", "", "end time filter (RFC3339, HH:MM, or -30m)")
	cmd.Flags().StringSliceVar(&ports, "port", nil, "device filter (repeatable)")
	cmd.Flags().StringVar(&kindStr, "kind", "", "entry kind filter (comma-separated: received, sent, system, error)")
	cmd.Flags().StringVar(&grepStr, "grep", "", "regex filter on line content")
	cmd.Flags().StringVar(&outPath, "out", "", "output file path (required)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output summary as JSON")
	_ = cmd.MarkFlagRequired("format")
	_ = cmd.MarkFlagRequired("out")

	return cmd
}

func runExportCapture(src, formatStr, fromStr, toStr string, ports []string, kindStr, grepStr, outPath string, jsonOutput bool) error {
	format, err := parseExportFormat(formatStr)
	if err != nil {
		return err
	}

	reader, err := archive.NewReader(src)
	if err != nil {
		return fmt.Errorf("open capture: %w", err)
	}
	meta := reader.Metadata()

	filter, err := buildFilter(fromStr, toStr, ports, kindStr, grepStr, meta)
	if err != nil {
		return err
	}

	progress := func(p archive.ExportProgress) {
		if p.Total > 0 {
			pct := float64(p.Written) / float64(p.Total) * 100
			fmt.Fprintf(os.Stderr, "\rExporting: %s / %s lines (%.1f%%)",
				archive.FormatCount(p.Written), archive.FormatCount(p.Total), pct)
		} else {
			fmt.Fprintf(os.Stderr, "\rExporting: %s lines", archive.FormatCount(p.Written))
		}
	}

	if err := archive.Export(src, outPath, format, filter, progress); err != nil {
		fmt.Fprintln(os.Stderr)
		return err
	}

	info, err := os.Stat(outPath)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr)
		return nil
	}

	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(map[string]any{
			"source": src,
			"format": formatStr,
			"output": outPath,
			"lines":  reader.TotalLines(),
			"bytes":  info.Size(),
		})
	}

	_, _ = fmt.Fprintf(os.Stderr, "\rExported: %s lines -> %s (%s)\n",
		archive.FormatCount(reader.TotalLines()), outPath, archive.FormatBytes(info.Size()))
	return nil
}

func parseExportFormat(s string) (archive.ExportFormat, error) {
	switch s {
	case "parquet":
		return archive.FormatParquet, nil
	case "csv":
		return archive.FormatCSV, nil
	case "jsonl":
		return archive.FormatJSONL, nil
	default:
		return "", fmt.Errorf("unsupported format %q: expected parquet, csv, or jsonl", s)
	}
}

// buildFilter turns the shared filter flags into an archive.Filter.
// HH:MM times are resolved against the capture's start date; relative
// offsets against its stop time (or now for a live capture).
func buildFilter(fromStr, toStr string, ports []string, kindStr, grepStr string, meta *monitor.Metadata) (*archive.Filter, error) {
	refDate := meta.Started
	refTime := meta.Stopped
	if refTime.IsZero() {
		refTime = time.Now()
	}

	from, err := archive.ParseTimeFlag(fromStr, refDate, refTime)
	if err != nil {
		return nil, fmt.Errorf("invalid --from: %w", err)
	}
	to, err := archive.ParseTimeFlag(toStr, refDate, refTime)
	if err != nil {
		return nil, fmt.Errorf("invalid --to: %w", err)
	}

	kinds, err := archive.ParseKindFlag(kindStr)
	if err != nil {
		return nil, fmt.Errorf("invalid --kind: %w", err)
	}

	var grep *regexp.Regexp
	if grepStr != "" {
		grep, err = regexp.Compile(grepStr)
		if err != nil {
			return nil, fmt.Errorf("invalid --grep: %w", err)
		}
	}

	if from.IsZero() && to.IsZero() && len(ports) == 0 && len(kinds) == 0 && grep == nil {
		return nil, nil
	}
	return &archive.Filter{From: from, To: to, Ports: ports, Kinds: kinds, Grep: grep}, nil
}
