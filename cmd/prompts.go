package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/dossier/internal/model"
	"github.com/sells-group/dossier/internal/prompt"
	"github.com/sells-group/dossier/internal/store"
)

var promptsCmd = &cobra.Command{
	Use:   "prompts",
	Short: "Manage prompt overrides",
	Long:  "Commands for listing, importing, publishing and previewing database prompt overrides.",
}

// -- prompts list --

var promptsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List prompt override versions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("prompts"); err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		section, _ := cmd.Flags().GetString("section")
		status, _ := cmd.Flags().GetString("status")

		list, err := st.ListOverrides(ctx, store.OverrideFilter{
			Section: model.SectionID(section),
			Status:  model.OverrideStatus(status),
		})
		if err != nil {
			return eris.Wrap(err, "prompts list")
		}
		if len(list) == 0 {
			fmt.Fprintln(os.Stderr, "No overrides found.")
			return nil
		}
		formatOverrides(os.Stdout, list)
		return nil
	},
}

// -- prompts import --

var promptsImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Create override versions from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initApp(ctx, "prompts", false)
		if err != nil {
			return err
		}
		defer env.Close()

		f, err := os.Open(args[0])
		if err != nil {
			return eris.Wrap(err, "open override file")
		}
		defer f.Close() //nolint:errcheck

		specs, err := parseOverrideFile(f, env.Resolver.Library())
		if err != nil {
			return err
		}

		for _, spec := range specs {
			o := spec.override()
			if err := env.Store.CreateOverride(ctx, o); err != nil {
				return eris.Wrapf(err, "create override for %s", spec.Section)
			}
			if spec.Publish {
				id := o.ID
				if o, err = env.Store.PublishOverride(ctx, id); err != nil {
					return eris.Wrapf(err, "publish override %s", id)
				}
			}
			zap.L().Info("override imported",
				zap.String("id", o.ID),
				zap.String("section", string(o.Section)),
				zap.String("report_type", string(o.ReportType)),
				zap.Int("version", o.Version),
				zap.String("status", string(o.Status)),
			)
		}
		fmt.Fprintf(os.Stderr, "imported %d override(s)\n", len(specs))
		return nil
	},
}

// -- prompts publish / unpublish --

var promptsPublishCmd = &cobra.Command{
	Use:   "publish <override-id>",
	Short: "Publish an override version, archiving the previous one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("prompts"); err != nil {
			return err
		}
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		o, err := st.PublishOverride(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "prompts publish")
		}
		fmt.Fprintf(os.Stdout, "%s %s v%d published\n", o.Section, reportTypeLabel(o.ReportType), o.Version)
		return nil
	},
}

var promptsUnpublishCmd = &cobra.Command{
	Use:   "unpublish <override-id>",
	Short: "Archive a published override so the code default applies again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("prompts"); err != nil {
			return err
		}
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.UnpublishOverride(ctx, args[0]); err != nil {
			return eris.Wrap(err, "prompts unpublish")
		}
		fmt.Fprintf(os.Stdout, "override %s archived\n", args[0])
		return nil
	},
}

// -- prompts preview --

var promptsPreviewCmd = &cobra.Command{
	Use:   "preview <section>",
	Short: "Print the prompt a section would be sent with",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initApp(ctx, "prompts", false)
		if err != nil {
			return err
		}
		defer env.Close()

		section := model.SectionID(args[0])
		if !section.Valid() {
			return eris.Errorf("unknown section %q", args[0])
		}
		rawType, _ := cmd.Flags().GetString("report-type")
		rt, err := model.ParseReportType(rawType)
		if err != nil {
			return err
		}

		in := prompt.SampleInputs()
		if v, _ := cmd.Flags().GetString("company"); v != "" {
			in.Company = model.NormalizeCompanyName(v)
		}
		if v, _ := cmd.Flags().GetString("geography"); v != "" {
			in.Geography = model.NormalizeGeography(v)
		}

		res, err := env.Resolver.Preview(ctx, section, rt, in)
		if err != nil {
			return eris.Wrap(err, "prompts preview")
		}
		fmt.Fprintln(os.Stderr, describeResolution(res))
		fmt.Fprintln(os.Stdout, res.Prompt)
		return nil
	},
}

func init() {
	promptsListCmd.Flags().String("section", "", "filter by section id")
	promptsListCmd.Flags().String("status", "", "filter by status (draft, published, archived)")

	promptsPreviewCmd.Flags().String("report-type", "", "report type tag (INDUSTRIALS, FS, PE, GENERIC)")
	promptsPreviewCmd.Flags().String("company", "", "company name to render (default sample)")
	promptsPreviewCmd.Flags().String("geography", "", "geography to render (default sample)")

	promptsCmd.AddCommand(promptsListCmd)
	promptsCmd.AddCommand(promptsImportCmd)
	promptsCmd.AddCommand(promptsPublishCmd)
	promptsCmd.AddCommand(promptsUnpublishCmd)
	promptsCmd.AddCommand(promptsPreviewCmd)
	rootCmd.AddCommand(promptsCmd)
}

// overrideFile is the YAML layout accepted by prompts import.
type overrideFile struct {
	Overrides []overrideSpec `yaml:"overrides"`
}

type overrideSpec struct {
	Section    model.SectionID  `yaml:"section"`
	ReportType model.ReportType `yaml:"report_type"`
	Template   string           `yaml:"template"`
	Author     string           `yaml:"author"`
	Notes      string           `yaml:"notes"`
	Publish    bool             `yaml:"publish"`
}

func (s overrideSpec) override() *model.PromptOverride {
	return &model.PromptOverride{
		Section:    s.Section,
		ReportType: s.ReportType,
		Template:   s.Template,
		Author:     s.Author,
		Notes:      s.Notes,
	}
}

// parseOverrideFile decodes and checks every entry. Nothing is returned
// unless all entries are valid.
func parseOverrideFile(r io.Reader, lib *prompt.Library) ([]overrideSpec, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var file overrideFile
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, eris.New("override file is empty")
		}
		return nil, eris.Wrap(err, "decode override file")
	}
	if len(file.Overrides) == 0 {
		return nil, eris.New("override file has no overrides")
	}

	var problems []string
	for i := range file.Overrides {
		spec := &file.Overrides[i]
		if !spec.Section.Valid() {
			problems = append(problems, fmt.Sprintf("overrides[%d]: unknown section %q", i, spec.Section))
			continue
		}
		rt, err := model.ParseReportType(string(spec.ReportType))
		if err != nil {
			problems = append(problems, fmt.Sprintf("overrides[%d]: %v", i, err))
			continue
		}
		spec.ReportType = rt
		if strings.TrimSpace(spec.Template) == "" {
			problems = append(problems, fmt.Sprintf("overrides[%d]: template is required", i))
			continue
		}
		if err := lib.CheckTemplate(spec.Template); err != nil {
			problems = append(problems, fmt.Sprintf("overrides[%d]: %v", i, err))
		}
	}
	if len(problems) > 0 {
		return nil, eris.Errorf("invalid override file: %s", strings.Join(problems, "; "))
	}
	return file.Overrides, nil
}

func formatOverrides(w io.Writer, list []model.PromptOverride) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSECTION\tTYPE\tVERSION\tSTATUS\tAUTHOR\tCREATED")
	for _, o := range list {
		author := o.Author
		if author == "" {
			author = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			o.ID, o.Section, reportTypeLabel(o.ReportType), o.Version, o.Status, author,
			o.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	tw.Flush() //nolint:errcheck
}

func reportTypeLabel(rt model.ReportType) string {
	if rt == model.ReportTypeNone {
		return "(none)"
	}
	return string(rt)
}

func describeResolution(res *prompt.Resolution) string {
	switch res.Origin {
	case prompt.OriginOverride:
		return fmt.Sprintf("# %s %s: override %s v%d", res.Section, reportTypeLabel(res.ReportType), res.OverrideID, res.OverrideVersion)
	default:
		if res.Addendum {
			return fmt.Sprintf("# %s %s: code default + addendum", res.Section, reportTypeLabel(res.ReportType))
		}
		return fmt.Sprintf("# %s %s: code default", res.Section, reportTypeLabel(res.ReportType))
	}
}
