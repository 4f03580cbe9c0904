package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/aio-analyzer/internal/model"
	"github.com/sells-group/aio-analyzer/internal/resilience"
	"github.com/sells-group/aio-analyzer/internal/store"
)

var (
	projectName     string
	projectSite     string
	projectStart    string
	projectEnd      string
	projectPattern  string
	projectLanguage string
	projectCountry  string

	projectListStatus string
	projectListLimit  int
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Create and inspect analysis projects",
}

var projectCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a project for a site and date range",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		spec, err := projectSpec(projectName, projectSite, projectStart, projectEnd, projectPattern, projectLanguage, projectCountry)
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		p, err := st.CreateProject(ctx, spec)
		if err != nil {
			return eris.Wrap(err, "create project")
		}
		return printJSON(os.Stdout, p)
	},
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		projects, err := st.ListProjects(ctx, store.ProjectFilter{
			Status: model.ProjectStatus(projectListStatus),
			Limit:  projectListLimit,
		})
		if err != nil {
			return eris.Wrap(err, "list projects")
		}
		return printProjects(os.Stdout, projects)
	},
}

var projectShowCmd = &cobra.Command{
	Use:   "show <project-id>",
	Short: "Show a project with its stage tasks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		p, err := st.GetProject(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "get project")
		}
		tasks, err := st.ListStageTasks(ctx, p.ID)
		if err != nil {
			return eris.Wrap(err, "list stage tasks")
		}
		return printJSON(os.Stdout, struct {
			*model.Project
			Progress float64           `json:"progress"`
			Tasks    []model.StageTask `json:"tasks"`
		}{p, p.ProgressPercentage(), tasks})
	},
}

// projectSpec parses CLI input into a validated spec. Dates are YYYY-MM-DD.
func projectSpec(name, site, start, end, pattern, lang, country string) (model.ProjectSpec, error) {
	startDate, err := time.Parse(time.DateOnly, start)
	if err != nil {
		return model.ProjectSpec{}, resilience.InvalidInputf("--start must be YYYY-MM-DD, got %q", start)
	}
	endDate, err := time.Parse(time.DateOnly, end)
	if err != nil {
		return model.ProjectSpec{}, resilience.InvalidInputf("--end must be YYYY-MM-DD, got %q", end)
	}
	spec := model.ProjectSpec{
		Name:          name,
		SiteURL:       site,
		StartDate:     startDate,
		EndDate:       endDate,
		FilterPattern: pattern,
		Language:      lang,
		Country:       country,
	}
	if err := spec.Validate(); err != nil {
		return model.ProjectSpec{}, err
	}
	return spec, nil
}

func printProjects(w io.Writer, projects []model.Project) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSITE\tSTATUS\tPROGRESS\tKEYWORDS\tAIO\tCREATED")
	for i := range projects {
		p := &projects[i]
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.0f%%\t%d\t%d\t%s\n",
			p.ID, p.SiteURL, p.Status, p.ProgressPercentage(),
			p.TotalKeywords, p.AIOKeywords, p.CreatedAt.Format(time.DateTime))
	}
	return tw.Flush()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	f := projectCreateCmd.Flags()
	f.StringVar(&projectName, "name", "", "project name")
	f.StringVar(&projectSite, "site", "", "Search Console property (https://... or sc-domain:...)")
	f.StringVar(&projectStart, "start", "", "start date (YYYY-MM-DD)")
	f.StringVar(&projectEnd, "end", "", "end date (YYYY-MM-DD)")
	f.StringVar(&projectPattern, "pattern", "", "query filter regex (default: question words)")
	f.StringVar(&projectLanguage, "language", "", "search language (BCP 47 tag)")
	f.StringVar(&projectCountry, "country", "", "search country (ISO 3166-1 alpha-2)")
	_ = projectCreateCmd.MarkFlagRequired("site")
	_ = projectCreateCmd.MarkFlagRequired("start")
	_ = projectCreateCmd.MarkFlagRequired("end")

	projectListCmd.Flags().StringVar(&projectListStatus, "status", "", "filter by status")
	projectListCmd.Flags().IntVar(&projectListLimit, "limit", 50, "maximum projects to list")

	projectCmd.AddCommand(projectCreateCmd, projectListCmd, projectShowCmd)
	rootCmd.AddCommand(projectCmd)
}
