package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/dossier/internal/model"
	"github.com/sells-group/dossier/internal/report"
	"github.com/sells-group/dossier/internal/store"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage research jobs",
	Long:  "Commands for listing, viewing, cancelling, retrying and exporting research jobs.",
}

// -- jobs list --

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List research jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("jobs"); err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		company, _ := cmd.Flags().GetString("company")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		jobs, err := st.ListJobs(ctx, store.JobFilter{
			Status:  model.JobStatus(status),
			Company: company,
			Limit:   limit,
			Offset:  offset,
		})
		if err != nil {
			return eris.Wrap(err, "jobs list")
		}

		if len(jobs) == 0 {
			fmt.Fprintln(os.Stderr, "No jobs found.")
			return nil
		}

		formatJobsList(os.Stdout, jobs)
		return nil
	},
}

// -- jobs show --

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show section progress of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("jobs"); err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		job, err := st.GetJob(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "jobs show")
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(job)
		}
		formatJobDetail(os.Stdout, job)
		return nil
	},
}

// -- jobs cancel --

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a queued or running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initApp(ctx, "jobs", false)
		if err != nil {
			return err
		}
		defer env.Close()

		job, err := env.Orch.Cancel(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "jobs cancel")
		}
		fmt.Fprintf(os.Stdout, "job %s: %s\n", job.ID, job.Status)
		return nil
	},
}

// -- jobs retry --

var jobsRetryCmd = &cobra.Command{
	Use:   "retry <job-id> <section>",
	Short: "Reset a failed section and run the job again",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		resetOnly, _ := cmd.Flags().GetBool("reset-only")

		mode := "run"
		if resetOnly {
			mode = "jobs"
		}
		env, err := initApp(ctx, mode, !resetOnly)
		if err != nil {
			return err
		}
		defer env.Close()

		jobID, section := args[0], model.SectionID(args[1])
		job, err := env.Orch.RetrySection(ctx, jobID, section)
		if err != nil {
			return eris.Wrap(err, "jobs retry")
		}
		if !resetOnly {
			job, err = env.Orch.Run(ctx, jobID)
			if err != nil {
				return eris.Wrapf(err, "run job %s", jobID)
			}
		}
		fmt.Fprintf(os.Stdout, "job %s: %s (%s %s)\n", job.ID, job.Status, section, job.Section(section).Status)
		return nil
	},
}

// -- jobs export --

var jobsExportCmd = &cobra.Command{
	Use:   "export <job-id>",
	Short: "Export a job as Markdown or PDF",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		format, _ := cmd.Flags().GetString("format")
		if err := checkFormat(format, "markdown", "pdf"); err != nil {
			return err
		}
		if err := cfg.Validate("jobs"); err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		job, err := st.GetJob(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "jobs export")
		}

		out, _ := cmd.Flags().GetString("out")
		if out == "" {
			out = exportFilename(job.CompanyName, format)
		}
		f, err := os.Create(out)
		if err != nil {
			return eris.Wrap(err, "create export file")
		}
		if err := writeExport(f, job, format); err != nil {
			f.Close() //nolint:errcheck
			return err
		}
		if err := f.Close(); err != nil {
			return eris.Wrap(err, "close export file")
		}
		fmt.Fprintf(os.Stderr, "wrote %s\n", out)
		return nil
	},
}

func init() {
	jobsListCmd.Flags().String("status", "", "filter by job status (queued, running, completed, completed_with_errors, failed, cancelled)")
	jobsListCmd.Flags().String("company", "", "filter by company name")
	jobsListCmd.Flags().Int("limit", 50, "max number of jobs to display")
	jobsListCmd.Flags().Int("offset", 0, "number of jobs to skip")

	jobsShowCmd.Flags().Bool("json", false, "print the full job as JSON")

	jobsRetryCmd.Flags().Bool("reset-only", false, "reset the section without running the job")

	jobsExportCmd.Flags().String("format", "markdown", "export format: markdown or pdf")
	jobsExportCmd.Flags().String("out", "", "output path (default <company>-dossier.<ext>)")

	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsShowCmd)
	jobsCmd.AddCommand(jobsCancelCmd)
	jobsCmd.AddCommand(jobsRetryCmd)
	jobsCmd.AddCommand(jobsExportCmd)
	rootCmd.AddCommand(jobsCmd)
}

// formatJobsList writes a tabular summary of jobs.
func formatJobsList(w io.Writer, jobs []model.JobSummary) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCOMPANY\tGEOGRAPHY\tTYPE\tSTATUS\tCONFIDENCE\tCREATED")
	for _, j := range jobs {
		id := j.ID
		if len(id) > 8 {
			id = id[:8]
		}
		rt := string(j.ReportType)
		if rt == "" {
			rt = "-"
		}
		conf := "-"
		if j.OverallConfidence != nil {
			conf = fmt.Sprintf("%s (%.2f)", j.OverallConfidence.Level, j.OverallConfidence.Score)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			id, j.CompanyName, j.Geography, rt, j.Status, conf,
			j.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	tw.Flush() //nolint:errcheck
}

// formatJobDetail writes the job header and one line per section.
func formatJobDetail(w io.Writer, job *model.ResearchJob) {
	fmt.Fprintf(w, "Job:       %s\n", job.ID)
	fmt.Fprintf(w, "Company:   %s (%s)\n", job.CompanyName, job.Geography)
	fmt.Fprintf(w, "Status:    %s (%.0f%%)\n", job.Status, job.Progress()*100)
	if job.OverallConfidence != nil {
		fmt.Fprintf(w, "Confidence: %s (%.3f, %d sections)\n",
			job.OverallConfidence.Level, job.OverallConfidence.Score, job.OverallConfidence.Sections)
	}
	fmt.Fprintf(w, "Sources:   %d\n\n", len(job.Sources))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tSECTION\tSTATUS\tCONFIDENCE\tSOURCES\tERROR")
	for _, run := range job.OrderedSections() {
		conf := "-"
		if run.Confidence != nil {
			conf = string(run.Confidence.Level)
		}
		srcs := "-"
		if len(run.SourcesUsed) > 0 {
			srcs = strings.Join(run.SourcesUsed, ",")
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			run.Section.Number(), run.Section, run.Status, conf, srcs, truncate(run.LastError, 60))
	}
	tw.Flush() //nolint:errcheck
}

// writeExport renders job in format to w.
func writeExport(w io.Writer, job *model.ResearchJob, format string) error {
	doc := report.Build(job)
	switch format {
	case "pdf":
		return report.PDF(doc, w)
	case "markdown":
		_, err := io.WriteString(w, report.Markdown(doc))
		return eris.Wrap(err, "write markdown")
	default:
		return eris.Errorf("unsupported format %q", format)
	}
}

func exportFilename(company, format string) string {
	ext := "md"
	if format == "pdf" {
		ext = "pdf"
	}
	return report.Filename(company, ext)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
