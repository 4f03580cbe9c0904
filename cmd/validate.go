package main

import (
	"bufio"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/aio-analyzer/internal/cost"
	"github.com/sells-group/aio-analyzer/internal/model"
	"github.com/sells-group/aio-analyzer/internal/pipeline"
	"github.com/sells-group/aio-analyzer/internal/validator"
)

var (
	validateFile     string
	validateCountry  string
	validateLanguage string
)

var validateCmd = &cobra.Command{
	Use:   "validate [keyword...]",
	Short: "Probe keywords for an AI Overview without a project",
	Long:  "Validates keywords given as arguments or read one per line from --file (use - for stdin). Nothing is stored.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("validate"); err != nil {
			return err
		}

		keywords := cleanArgs(args)
		if validateFile != "" {
			fromFile, err := readKeywordFile(validateFile)
			if err != nil {
				return err
			}
			keywords = append(keywords, fromFile...)
		}
		keywords = validator.Dedupe(keywords)
		if len(keywords) == 0 {
			return eris.New("no keywords given")
		}

		_, m := newRegistry()
		client, localize, err := initValidator(m)
		if err != nil {
			return err
		}
		if validateCountry != "" || validateLanguage != "" {
			country, lang := validateCountry, validateLanguage
			if country == "" {
				country = cfg.SERP.Country
			}
			if lang == "" {
				lang = cfg.SERP.Language
			}
			client = client.WithProber(localize(country, lang))
		}

		if canary := cfg.Validator.CanaryKeyword; canary != "" {
			if err := client.Check(ctx, canary); err != nil {
				return eris.Wrap(err, "provider check")
			}
		}

		outcomes := client.ValidateBatch(ctx, keywords,
			validator.WithProgress(func(resolved, total int) {
				zap.L().Info("validation progress", zap.Int("resolved", resolved), zap.Int("total", total))
			}),
		)

		results := make([]model.ValidationOutcome, 0, len(keywords))
		attempts := 0
		for _, kw := range keywords {
			if out, ok := outcomes[kw]; ok {
				results = append(results, out)
				attempts += out.Attempts
			}
		}
		calc := cost.NewCalculator(cost.DefaultRates().WithOverride(cfg.SERP.Provider, cfg.SERP.CostPer1K))

		return printJSON(os.Stdout, struct {
			Summary       model.Summary             `json:"summary"`
			EstimatedCost float64                   `json:"estimated_cost"`
			Outcomes      []model.ValidationOutcome `json:"outcomes"`
		}{
			Summary:       pipeline.Aggregate(outcomes),
			EstimatedCost: calc.Probes(cfg.SERP.Provider, attempts),
			Outcomes:      results,
		})
	},
}

// readKeywordFile reads one keyword per line; "-" reads stdin. Blank lines
// and lines starting with # are skipped.
func readKeywordFile(path string) ([]string, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrapf(err, "open keyword file %s", path)
		}
		defer f.Close() //nolint:errcheck
		r = f
	}
	return parseKeywords(r)
}

// cleanArgs trims positional keywords and drops blank ones, matching the
// handling of --file lines.
func cleanArgs(args []string) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

func parseKeywords(r io.Reader) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrap(err, "read keywords")
	}
	return out, nil
}

func init() {
	validateCmd.Flags().StringVar(&validateFile, "file", "", "file with one keyword per line (- for stdin)")
	validateCmd.Flags().StringVar(&validateCountry, "country", "", "search country (default from config)")
	validateCmd.Flags().StringVar(&validateLanguage, "language", "", "search language (default from config)")
	rootCmd.AddCommand(validateCmd)
}
