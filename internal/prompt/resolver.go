package prompt

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dossier/internal/model"
)

// OverrideSource looks up the published override for a (section, report
// type) pair. It returns nil, nil when none is published.
type OverrideSource interface {
	PublishedOverride(ctx context.Context, section model.SectionID, reportType model.ReportType) (*model.PromptOverride, error)
}

// Origin records which layer produced a prompt.
type Origin string

const (
	OriginOverride Origin = "override"
	OriginDefault  Origin = "default"
)

// Resolution is a resolved prompt together with where it came from.
type Resolution struct {
	Section         model.SectionID  `json:"section"`
	ReportType      model.ReportType `json:"reportType,omitempty"`
	Prompt          string           `json:"prompt"`
	Origin          Origin           `json:"origin"`
	OverrideID      string           `json:"overrideId,omitempty"`
	OverrideVersion int              `json:"overrideVersion,omitempty"`
	Addendum        bool             `json:"addendum"`
}

// Resolver picks the prompt for a section: a published override for the exact
// (section, report type) pair wins, otherwise the code default plus addendum.
type Resolver struct {
	lib       *Library
	overrides OverrideSource
}

// NewResolver returns a resolver. overrides may be nil, in which case only
// code defaults are used.
func NewResolver(lib *Library, overrides OverrideSource) *Resolver {
	return &Resolver{lib: lib, overrides: overrides}
}

// Library returns the underlying template library.
func (r *Resolver) Library() *Library { return r.lib }

// Resolve returns the prompt text for section.
func (r *Resolver) Resolve(ctx context.Context, section model.SectionID, reportType model.ReportType, in Inputs) (string, error) {
	res, err := r.Preview(ctx, section, reportType, in)
	if err != nil {
		return "", err
	}
	return res.Prompt, nil
}

// Preview resolves the prompt for section and reports which layer won.
func (r *Resolver) Preview(ctx context.Context, section model.SectionID, reportType model.ReportType, in Inputs) (*Resolution, error) {
	res := &Resolution{Section: section, ReportType: reportType}

	if r.overrides != nil {
		ov, err := r.overrides.PublishedOverride(ctx, section, reportType)
		if err != nil {
			return nil, eris.Wrapf(err, "prompt: lookup override %s/%s", section, reportType)
		}
		if ov != nil {
			text, err := r.lib.Render(ov.Template, in)
			if err != nil {
				return nil, eris.Wrapf(err, "prompt: override %s v%d", ov.ID, ov.Version)
			}
			zap.L().Debug("prompt: using published override",
				zap.String("section", string(section)),
				zap.String("report_type", string(reportType)),
				zap.String("override_id", ov.ID),
				zap.Int("version", ov.Version),
			)
			res.Prompt = text
			res.Origin = OriginOverride
			res.OverrideID = ov.ID
			res.OverrideVersion = ov.Version
			return res, nil
		}
	}

	text, addendum, err := r.lib.Build(section, reportType, in)
	if err != nil {
		return nil, err
	}
	res.Prompt = text
	res.Origin = OriginDefault
	res.Addendum = addendum
	return res, nil
}
