package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/aio-analyzer/internal/pipeline"
)

var runCmd = &cobra.Command{
	Use:   "run <project-id>",
	Short: "Run all pipeline stages for a project",
	Long:  "Runs extraction, expansion, validation and reporting for a project in status created or failed. Interrupting the run cancels it at the next stage boundary.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		events, unsubscribe := env.Orchestrator.Subscribe()
		defer unsubscribe()
		go logEvents(events)

		out, err := env.Orchestrator.RunProject(ctx, args[0])
		if out != nil {
			if perr := printJSON(os.Stdout, out); perr != nil {
				zap.L().Warn("print outcome", zap.Error(perr))
			}
		}
		return err
	},
}

// logEvents writes stage progress to the log until events is closed.
func logEvents(events <-chan pipeline.Event) {
	for e := range events {
		if e.Stage == "" {
			zap.L().Info("project status",
				zap.String("project_id", e.ProjectID),
				zap.String("status", string(e.ProjectStatus)),
				zap.Float64("progress", e.Progress),
			)
			continue
		}
		zap.L().Info("stage progress",
			zap.String("project_id", e.ProjectID),
			zap.String("stage", string(e.Stage)),
			zap.String("status", string(e.Status)),
			zap.Float64("progress", e.Progress),
			zap.String("operation", e.Operation),
			zap.Int("resolved", e.Resolved),
			zap.Int("total", e.Total),
		)
	}
}

var revalidateCmd = &cobra.Command{
	Use:   "revalidate <project-id>",
	Short: "Clear a project's validation outcomes and probe every keyword again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		summary, err := env.Orchestrator.Revalidate(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, summary)
	},
}

func init() {
	rootCmd.AddCommand(runCmd, revalidateCmd)
}
