package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/aio-analyzer/internal/pipeline"
	"github.com/sells-group/aio-analyzer/internal/report"
	"github.com/sells-group/aio-analyzer/internal/store"
)

var (
	reportDir     string
	reportFormats []string
)

var reportCmd = &cobra.Command{
	Use:   "report <project-id>",
	Short: "Render a project's report from stored outcomes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("report"); err != nil {
			return err
		}

		dir := reportDir
		if dir == "" {
			dir = cfg.Report.OutputDir
		}
		formats := reportFormats
		if len(formats) == 0 {
			formats = cfg.Report.Formats
		}
		writer, err := report.NewWriter(dir, formats)
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		p, err := st.GetProject(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "get project")
		}
		keywords, err := st.ListKeywords(ctx, p.ID, store.KeywordFilter{OrderBy: store.OrderBySearchVolume})
		if err != nil {
			return eris.Wrap(err, "list keywords")
		}

		summary := pipeline.Aggregate(pipeline.OutcomesFromKeywords(keywords))
		paths, err := writer.Report(ctx, p, summary, keywords)
		if err != nil {
			return err
		}

		zap.L().Info("report written",
			zap.String("project_id", p.ID),
			zap.Int("keywords", len(keywords)),
			zap.Int("aio_keywords", summary.TriggeredCount),
		)
		for _, path := range paths {
			fmt.Fprintln(os.Stdout, path)
		}
		return nil
	},
}

func init() {
	reportCmd.Flags().StringVar(&reportDir, "out", "", "output directory (default from config)")
	reportCmd.Flags().StringSliceVar(&reportFormats, "format", nil, "formats to write: json, csv, xlsx (default from config)")
	rootCmd.AddCommand(reportCmd)
}
