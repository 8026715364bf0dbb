package pipeline

import (
	"github.com/rotisserie/eris"

	"github.com/sells-group/dossier/internal/model"
)

// Dependencies lists the inputs of one section. Required inputs must have
// completed before the section runs. Optional inputs only need to be
// settled: completed, failed, or blocked so that they can never run.
type Dependencies struct {
	Required []model.SectionID
	Optional []model.SectionID
}

// Graph maps every section to its inputs.
type Graph map[model.SectionID]Dependencies

// DefaultGraph returns the dependency graph of a dossier.
func DefaultGraph() Graph {
	foundation := []model.SectionID{model.SectionFoundation}
	return Graph{
		model.SectionFoundation: {},
		model.SectionExecSummary: {
			Required: []model.SectionID{
				model.SectionFoundation,
				model.SectionFinancialSnapshot,
				model.SectionCompanyOverview,
			},
			Optional: []model.SectionID{
				model.SectionSegmentAnalysis,
				model.SectionTrends,
				model.SectionPeerBenchmarking,
				model.SectionSKUOpportunities,
				model.SectionRecentNews,
			},
		},
		model.SectionFinancialSnapshot: {Required: foundation},
		model.SectionCompanyOverview:   {Required: foundation},
		model.SectionSegmentAnalysis: {
			Required: foundation,
			Optional: []model.SectionID{model.SectionCompanyOverview},
		},
		model.SectionTrends: {
			Required: foundation,
			Optional: []model.SectionID{model.SectionCompanyOverview, model.SectionSegmentAnalysis},
		},
		model.SectionPeerBenchmarking: {Required: foundation},
		model.SectionSKUOpportunities: {Required: foundation},
		model.SectionRecentNews:       {Required: foundation},
		model.SectionConversationStarters: {
			Required: foundation,
			Optional: []model.SectionID{
				model.SectionFinancialSnapshot,
				model.SectionSegmentAnalysis,
				model.SectionTrends,
				model.SectionPeerBenchmarking,
				model.SectionSKUOpportunities,
			},
		},
		model.SectionAppendix: {
			Required: foundation,
			Optional: model.Sections[1:10],
		},
	}
}

// Validate checks that the graph covers every section, references only known
// sections and has no cycles.
func (g Graph) Validate() error {
	for _, id := range model.Sections {
		deps, ok := g[id]
		if !ok {
			return eris.Errorf("pipeline: graph has no entry for %s", id)
		}
		for _, d := range deps.all() {
			if _, ok := g[d]; !ok {
				return eris.Errorf("pipeline: %s depends on unknown section %s", id, d)
			}
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[model.SectionID]int, len(g))
	var visit func(model.SectionID) error
	visit = func(id model.SectionID) error {
		switch state[id] {
		case visiting:
			return eris.Errorf("pipeline: dependency cycle through %s", id)
		case done:
			return nil
		}
		state[id] = visiting
		for _, d := range g[id].all() {
			if err := visit(d); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}
	for _, id := range model.Sections {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

func (d Dependencies) all() []model.SectionID {
	out := make([]model.SectionID, 0, len(d.Required)+len(d.Optional))
	out = append(out, d.Required...)
	return append(out, d.Optional...)
}

func status(job *model.ResearchJob, id model.SectionID) model.SectionStatus {
	if r := job.Section(id); r != nil {
		return r.Status
	}
	return model.SectionStatusPending
}

// Blocked reports whether a pending section can never run because a required
// input failed or is itself blocked.
func (g Graph) Blocked(job *model.ResearchJob, id model.SectionID) bool {
	if status(job, id) != model.SectionStatusPending {
		return false
	}
	for _, d := range g[id].Required {
		switch status(job, d) {
		case model.SectionStatusFailed:
			return true
		case model.SectionStatusPending:
			if g.Blocked(job, d) {
				return true
			}
		}
	}
	return false
}

func (g Graph) settled(job *model.ResearchJob, id model.SectionID) bool {
	switch status(job, id) {
	case model.SectionStatusCompleted, model.SectionStatusFailed:
		return true
	case model.SectionStatusPending:
		return g.Blocked(job, id)
	default:
		return false
	}
}

// Eligible returns, in report order, the pending sections whose required
// inputs have all completed and whose optional inputs have all settled.
func (g Graph) Eligible(job *model.ResearchJob) []model.SectionID {
	var out []model.SectionID
	for _, id := range model.Sections {
		if status(job, id) != model.SectionStatusPending {
			continue
		}
		deps := g[id]
		ready := true
		for _, d := range deps.Required {
			if status(job, d) != model.SectionStatusCompleted {
				ready = false
				break
			}
		}
		for _, d := range deps.Optional {
			if !ready {
				break
			}
			ready = g.settled(job, d)
		}
		if ready {
			out = append(out, id)
		}
	}
	return out
}

// Outcome decides whether a job is finished and with which status. done is
// false while any section is running or eligible, unless foundation failed.
func (g Graph) Outcome(job *model.ResearchJob) (status model.JobStatus, done bool) {
	if job.Section(model.SectionFoundation) != nil &&
		job.Section(model.SectionFoundation).Status == model.SectionStatusFailed {
		return model.JobStatusFailed, true
	}

	counts := job.CountByStatus()
	if counts[model.SectionStatusRunning] > 0 || len(g.Eligible(job)) > 0 {
		return job.Status, false
	}

	switch completed := counts[model.SectionStatusCompleted]; {
	case completed == len(job.Sections) && completed > 0:
		return model.JobStatusCompleted, true
	case completed > 0:
		return model.JobStatusCompletedWithErrors, true
	default:
		return model.JobStatusFailed, true
	}
}
