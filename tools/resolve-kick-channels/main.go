package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/john/multichat/internal/kick"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		apiBaseURL string
		timeout    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "resolve-kick-channels <channel> [channel...]",
		Short: "Resolve Kick channel slugs to chatroom ids",
		Long: "Looks up each channel through the Kick API and prints a kick.chatrooms\n" +
			"config snippet, for servers whose host cannot reach the Kick API.",
		Example: "  resolve-kick-channels paymoneywubby xqc",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return resolve(ctx, kick.NewClient(apiBaseURL), args, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&apiBaseURL, "api-base-url", kick.DefaultAPIBaseURL, "Kick API base URL")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "overall lookup timeout")
	return cmd
}

type snippet struct {
	Kick struct {
		Enabled   bool           `yaml:"enabled"`
		Chatrooms map[string]int `yaml:"chatrooms"`
	} `yaml:"kick"`
}

func resolve(ctx context.Context, api *kick.Client, channels []string, out io.Writer) error {
	fmt.Fprintf(out, "Resolving %d Kick channel(s)...\n\n", len(channels))

	results := make(map[string]int)
	failures := make(map[string]string)
	for _, channel := range channels {
		slug := strings.ToLower(strings.TrimSpace(channel))
		id, err := api.ChatroomID(ctx, slug)
		if err != nil {
			failures[slug] = err.Error()
			continue
		}
		results[slug] = id
	}

	if len(results) > 0 {
		fmt.Fprintln(out, "✓ Successfully resolved:")
		fmt.Fprintln(out, "---")
		for _, slug := range sortedKeys(results) {
			fmt.Fprintf(out, "%s: %d\n", slug, results[slug])
		}
		fmt.Fprintln(out)
	}

	if len(failures) > 0 {
		fmt.Fprintln(out, "✗ Failed to resolve:")
		fmt.Fprintln(out, "---")
		for _, slug := range sortedKeys(failures) {
			fmt.Fprintf(out, "%s: %s\n", slug, failures[slug])
		}
		fmt.Fprintln(out)
	}

	if len(results) > 0 {
		var s snippet
		s.Kick.Enabled = true
		s.Kick.Chatrooms = results
		b, err := yaml.Marshal(s)
		if err != nil {
			return fmt.Errorf("render config snippet: %w", err)
		}
		fmt.Fprintln(out, "Add this to your config.yaml:")
		fmt.Fprintln(out, "---")
		fmt.Fprint(out, string(b))
	}

	if len(results) == 0 {
		return fmt.Errorf("no channel could be resolved")
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
