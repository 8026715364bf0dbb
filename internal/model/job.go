package model

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// JobStatus represents the current state of a research job.
type JobStatus string

const (
	JobStatusQueued              JobStatus = "queued"
	JobStatusRunning             JobStatus = "running"
	JobStatusCompleted           JobStatus = "completed"
	JobStatusCompletedWithErrors JobStatus = "completed_with_errors"
	JobStatusFailed              JobStatus = "failed"
	JobStatusCancelled           JobStatus = "cancelled"
)

// IsTerminal reports whether no further sections will be dispatched.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusCompletedWithErrors, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// ReportType steers prompt wording toward an industry or buyer category.
type ReportType string

const (
	ReportTypeNone        ReportType = ""
	ReportTypeIndustrials ReportType = "INDUSTRIALS"
	ReportTypeFS          ReportType = "FS"
	ReportTypePE          ReportType = "PE"
	ReportTypeGeneric     ReportType = "GENERIC"
)

// ErrUnknownReportType is returned for tags outside the known set.
var ErrUnknownReportType = eris.New("unknown report type")

// ParseReportType normalizes case. An empty string is valid and means no tag.
func ParseReportType(s string) (ReportType, error) {
	rt := ReportType(strings.ToUpper(strings.TrimSpace(s)))
	switch rt {
	case ReportTypeNone, ReportTypeIndustrials, ReportTypeFS, ReportTypePE, ReportTypeGeneric:
		return rt, nil
	default:
		return "", eris.Wrapf(ErrUnknownReportType, "%q", s)
	}
}

// DefaultGeography is used when a request omits geography.
const DefaultGeography = "Global"

// ResearchJob is one user-initiated report run.
type ResearchJob struct {
	ID                string                    `json:"id"`
	CompanyName       string                    `json:"company_name"`
	Geography         string                    `json:"geography"`
	Industry          string                    `json:"industry,omitempty"`
	FocusAreas        []string                  `json:"focus_areas,omitempty"`
	ReportType        ReportType                `json:"report_type,omitempty"`
	RequestedBy       string                    `json:"requested_by,omitempty"`
	Status            JobStatus                 `json:"status"`
	Sections          map[SectionID]*SectionRun `json:"sections"`
	Sources           []SourceEntry             `json:"sources,omitempty"`
	OverallConfidence *AggregateConfidence      `json:"overall_confidence,omitempty"`
	CreatedAt         time.Time                 `json:"created_at"`
	UpdatedAt         time.Time                 `json:"updated_at"`
	CompletedAt       *time.Time                `json:"completed_at,omitempty"`
}

// Section returns the run for id, or nil.
func (j *ResearchJob) Section(id SectionID) *SectionRun {
	if j.Sections == nil {
		return nil
	}
	return j.Sections[id]
}

// OrderedSections returns section runs in report order.
func (j *ResearchJob) OrderedSections() []*SectionRun {
	out := make([]*SectionRun, 0, len(Sections))
	for _, id := range Sections {
		if r := j.Section(id); r != nil {
			out = append(out, r)
		}
	}
	return out
}

// CountByStatus tallies section runs by status.
func (j *ResearchJob) CountByStatus() map[SectionStatus]int {
	counts := make(map[SectionStatus]int, 4)
	for _, r := range j.Sections {
		counts[r.Status]++
	}
	return counts
}

// Progress is the fraction of sections in a terminal state, 0.0-1.0.
func (j *ResearchJob) Progress() float64 {
	if len(j.Sections) == 0 {
		return 0
	}
	done := 0
	for _, r := range j.Sections {
		if r.Status.IsTerminal() {
			done++
		}
	}
	return float64(done) / float64(len(j.Sections))
}

// CurrentStage returns the first running section in report order, falling
// back to the first pending one. Empty when nothing is left to do.
func (j *ResearchJob) CurrentStage() SectionID {
	var pending SectionID
	for _, r := range j.OrderedSections() {
		switch r.Status {
		case SectionStatusRunning:
			return r.Section
		case SectionStatusPending:
			if pending == "" {
				pending = r.Section
			}
		}
	}
	return pending
}

// JobSummary is the list view of a job.
type JobSummary struct {
	ID                string               `json:"id"`
	CompanyName       string               `json:"company_name"`
	Geography         string               `json:"geography"`
	ReportType        ReportType           `json:"report_type,omitempty"`
	Status            JobStatus            `json:"status"`
	OverallConfidence *AggregateConfidence `json:"overall_confidence,omitempty"`
	CreatedAt         time.Time            `json:"created_at"`
	UpdatedAt         time.Time            `json:"updated_at"`
}

// Summary projects the job to its list view.
func (j *ResearchJob) Summary() JobSummary {
	return JobSummary{
		ID:                j.ID,
		CompanyName:       j.CompanyName,
		Geography:         j.Geography,
		ReportType:        j.ReportType,
		Status:            j.Status,
		OverallConfidence: j.OverallConfidence,
		CreatedAt:         j.CreatedAt,
		UpdatedAt:         j.UpdatedAt,
	}
}
