package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/aio-analyzer/internal/resilience"
	"github.com/sells-group/aio-analyzer/pkg/googleauth"
)

// checkResult is the outcome of one connectivity check.
type checkResult struct {
	Name     string
	Err      error
	Skipped  string
	Duration time.Duration
}

type check struct {
	name string
	// skip returns a reason when the check does not apply to the config.
	skip func() string
	run  func(ctx context.Context) error
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify the store, SERP provider and Google credentials are reachable",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
		defer cancel()

		results := runChecks(ctx, []check{
			{name: "store", run: func(ctx context.Context) error {
				st, err := initStore(ctx)
				if err != nil {
					return err
				}
				defer st.Close() //nolint:errcheck
				return st.Ping(ctx)
			}},
			{name: "serp", run: func(ctx context.Context) error {
				if err := cfg.Validate("validate"); err != nil {
					return err
				}
				_, m := newRegistry()
				client, _, err := initValidator(m)
				if err != nil {
					return err
				}
				canary := cfg.Validator.CanaryKeyword
				if canary == "" {
					canary = "test"
				}
				return client.Check(ctx, canary)
			}},
			{
				name: "google",
				skip: func() string {
					if !cfg.Google.HasCredentials() {
						return "no credentials configured"
					}
					return ""
				},
				run: func(ctx context.Context) error {
					ts, err := googleauth.TokenSource(ctx, googleCredentials(cfg.Google),
						googleauth.ScopeSearchConsole, googleauth.ScopeAds)
					if err != nil {
						return err
					}
					_, err = ts.Token()
					return eris.Wrap(err, "fetch token")
				},
			},
		})

		if err := printChecks(os.Stdout, results); err != nil {
			return err
		}
		for _, r := range results {
			if r.Err != nil {
				return eris.Errorf("check %s failed", r.Name)
			}
		}
		return nil
	},
}

func runChecks(ctx context.Context, checks []check) []checkResult {
	results := make([]checkResult, 0, len(checks))
	for _, c := range checks {
		if c.skip != nil {
			if reason := c.skip(); reason != "" {
				results = append(results, checkResult{Name: c.name, Skipped: reason})
				continue
			}
		}
		start := time.Now()
		err := c.run(ctx)
		results = append(results, checkResult{Name: c.name, Err: err, Duration: time.Since(start)})
	}
	return results
}

func printChecks(w io.Writer, results []checkResult) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CHECK\tSTATUS\tDURATION\tDETAIL")
	for _, r := range results {
		switch {
		case r.Skipped != "":
			fmt.Fprintf(tw, "%s\tskipped\t-\t%s\n", r.Name, r.Skipped)
		case r.Err != nil:
			fmt.Fprintf(tw, "%s\tfailed\t%s\t%s: %v\n", r.Name, r.Duration.Round(time.Millisecond),
				resilience.KindOf(r.Err), r.Err)
		default:
			fmt.Fprintf(tw, "%s\tok\t%s\t\n", r.Name, r.Duration.Round(time.Millisecond))
		}
	}
	return tw.Flush()
}

func init() {
	rootCmd.AddCommand(checkCmd)
}
