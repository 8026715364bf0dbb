package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/dossier/internal/model"
	"github.com/sells-group/dossier/internal/pipeline"
	"github.com/sells-group/dossier/internal/report"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Research a single company and print the dossier",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		format, _ := cmd.Flags().GetString("format")
		if err := checkFormat(format, "terminal", "markdown", "json"); err != nil {
			return err
		}

		env, err := initApp(ctx, "run", true)
		if err != nil {
			return err
		}
		defer env.Close()

		company, _ := cmd.Flags().GetString("company")
		geography, _ := cmd.Flags().GetString("geography")
		industry, _ := cmd.Flags().GetString("industry")
		focus, _ := cmd.Flags().GetStringSlice("focus")
		reportType, _ := cmd.Flags().GetString("report-type")
		requestedBy, _ := cmd.Flags().GetString("requested-by")

		job, err := env.Orch.StartJob(ctx, pipeline.StartRequest{
			CompanyName: company,
			Geography:   geography,
			Industry:    industry,
			FocusAreas:  focus,
			ReportType:  reportType,
			RequestedBy: requestedBy,
		})
		if err != nil {
			return eris.Wrap(err, "start job")
		}
		zap.L().Info("job started", zap.String("job_id", job.ID), zap.String("company", job.CompanyName))

		jobID := job.ID
		job, err = env.Orch.Run(ctx, jobID)
		if err != nil {
			return eris.Wrapf(err, "run job %s", jobID)
		}

		width, _ := cmd.Flags().GetInt("width")
		if err := printJob(os.Stdout, job, format, width); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "job %s finished: %s\n", job.ID, job.Status)
		return nil
	},
}

// printJob writes job to w as a rendered dossier, raw markdown or JSON.
func printJob(w io.Writer, job *model.ResearchJob, format string, width int) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	case "markdown":
		_, err := io.WriteString(w, report.Markdown(report.Build(job)))
		return err
	default:
		out, err := report.Terminal(report.Markdown(report.Build(job)), width)
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, out)
		return err
	}
}

func checkFormat(format string, allowed ...string) error {
	for _, a := range allowed {
		if format == a {
			return nil
		}
	}
	return eris.Errorf("unsupported format %q (want one of %v)", format, allowed)
}

func init() {
	runCmd.Flags().String("company", "", "company name to research")
	runCmd.Flags().String("geography", "", "geography focus (default Global)")
	runCmd.Flags().String("industry", "", "industry hint")
	runCmd.Flags().StringSlice("focus", nil, "focus areas, comma separated")
	runCmd.Flags().String("report-type", "", "report type tag (INDUSTRIALS, FS, PE, GENERIC)")
	runCmd.Flags().String("requested-by", "", "requester recorded on the job")
	runCmd.Flags().String("format", "terminal", "output format: terminal, markdown or json")
	runCmd.Flags().Int("width", 100, "terminal word wrap width")
	_ = runCmd.MarkFlagRequired("company")
	rootCmd.AddCommand(runCmd)
}
