package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/serialtap/internal/cloud"
)

func newShareCmd() *cobra.Command {
	var (
		expiryStr  string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "share <cloud-url>",
		Short: "Generate time-limited download links for an uploaded capture",
		Long:  "Share lists the objects under a cloud prefix and prints a signed download URL for each, valid for the given expiry.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShare(cmd.Context(), args[0], expiryStr, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&expiryStr, "expiry", "1h", "how long the links stay valid")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	return cmd
}

func runShare(ctx context.Context, rawURL, expiryStr string, jsonOutput bool) error {
	expiry, err := time.ParseDuration(expiryStr)
	if err != nil {
		return fmt.Errorf("invalid --expiry: %w", err)
	}

	scheme, bucket, prefix, err := cloud.ParseURL(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	backend, err := cloud.NewBackend(ctx, scheme, bucket)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", scheme, err)
	}

	links, err := shareLinks(ctx, backend, prefix, expiry)
	if err != nil {
		return err
	}

	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(links)
	}
	for _, l := range links {
		fmt.Fprintf(os.Stdout, "%s\t%s\n", l.Key, l.URL)
	}
	fmt.Fprintf(os.Stderr, "links valid for %s\n", expiry)
	return nil
}

type shareLink struct {
	Key string `json:"key"`
	URL string `json:"url"`
}

func shareLinks(ctx context.Context, backend cloud.Backend, prefix string, expiry time.Duration) ([]shareLink, error) {
	objects, err := backend.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}
	if len(objects) == 0 {
		return nil, fmt.Errorf("no objects found under prefix %q", prefix)
	}

	links := make([]shareLink, 0, len(objects))
	for _, obj := range objects {
		url, err := backend.ShareURL(ctx, obj.Key, expiry)
		if err != nil {
			return nil, fmt.Errorf("sign %s: %w", obj.Key, err)
		}
		links = append(links, shareLink{Key: obj.Key, URL: url})
	}
	return links, nil
}
