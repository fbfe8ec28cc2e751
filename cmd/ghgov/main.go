// Package main is the entry point for the ghgov binary.
// It issues rate-governed requests against the GitHub REST API from the shell.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ambiyansyah-risyal/ghgovernor"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for ghgov
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ghgov",
		Short: "Rate-governed GitHub REST client",
		Long: `ghgov sends requests to the GitHub REST API through a governor that caps
concurrency, paces requests, honours rate limit headers and shares cooldowns
with other processes through Redis or NATS.

Example:
  GITHUB_TOKEN=... ghgov get /rate_limit
  ghgov paginate /repos/golang/go/issues --per-page 50

Paths are resolved against github.api_url (GHGOV_API_URL).`,
		SilenceUsage: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "Path to configuration file (YAML or TOML)")
	flags.StringP("log-level", "l", "", "Log level (debug, info, warn, error)")
	flags.String("redis-addr", "", "Redis address or redis:// URL for shared cooldowns")
	flags.String("nats-url", "", "NATS server URL for shared cooldowns")
	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	flags.String("token", "", "GitHub token (default $GITHUB_TOKEN)")

	rootCmd.AddCommand(newGetCmd(), newPaginateCmd(), newVersionCmd())
	return rootCmd
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <url|path>",
		Short: "Perform a GET and print status, rate limit state and body",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			resp, err := a.gov.Get(cmd.Context(), a.cfg.GitHub.ResolveURL(args[0]))
			if err != nil {
				return a.failure(err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "status: %d\n", resp.StatusCode)
			if resp.Synthetic {
				fmt.Fprintln(out, "synthetic: endpoint cooling down")
			}
			st := a.gov.RateLimitState()
			fmt.Fprintf(out, "remaining: %d\n", st.Remaining)
			if !st.ResetAt.IsZero() {
				fmt.Fprintf(out, "reset: %s\n", st.ResetAt.UTC().Format("2006-01-02T15:04:05Z"))
			}
			if len(resp.Body) > 0 {
				fmt.Fprintf(out, "\n%s\n", resp.Body)
			}
			return nil
		},
	}
}

type paginateSummary struct {
	URL       string            `json:"url"`
	Changed   bool              `json:"changed"`
	CacheHit  bool              `json:"cache_hit"`
	PageCount int               `json:"page_count"`
	ItemCount int               `json:"item_count"`
	Items     []json.RawMessage `json:"items,omitempty"`
}

func newPaginateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "paginate <url|path>",
		Short: "Walk a paginated collection and print a JSON summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			perPage, err := cmd.Flags().GetInt("per-page")
			if err != nil {
				return fmt.Errorf("failed to get per-page flag: %w", err)
			}
			withItems, err := cmd.Flags().GetBool("items")
			if err != nil {
				return fmt.Errorf("failed to get items flag: %w", err)
			}

			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			target := a.cfg.GitHub.ResolveURL(args[0])
			res, err := a.gov.PaginateWithETag(cmd.Context(), target, perPage)
			if res == nil {
				return a.failure(err)
			}
			summary := paginateSummary{
				URL:       target,
				Changed:   res.Changed,
				CacheHit:  res.CacheHit,
				PageCount: res.PageCount,
				ItemCount: len(res.Items),
			}
			if withItems {
				summary.Items = res.Items
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(summary); encErr != nil {
				return fmt.Errorf("encode summary: %w", encErr)
			}
			// A partial walk is still printed before the error is reported.
			return a.failure(err)
		},
	}
	cmd.Flags().Int("per-page", ghgovernor.DefaultPerPage, "Items per page")
	cmd.Flags().Bool("items", false, "Include the collected items in the output")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			info := ghgovernor.GetVersionInfo()
			keys := make([]string, 0, len(info))
			for k := range info {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", k, info[k])
			}
		},
	}
}
