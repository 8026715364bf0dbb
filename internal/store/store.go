package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/dossier/internal/model"
)

// ErrNotFound is returned when a job, section or override does not exist.
var ErrNotFound = eris.New("not found")

// ErrOverrideConflict is returned when an override cannot move to the
// requested publication state.
var ErrOverrideConflict = eris.New("override state conflict")

// ErrJobCancelled is returned by CompleteSection when the job was cancelled
// before the result could be written.
var ErrJobCancelled = eris.New("job cancelled")

// JobFilter specifies criteria for listing jobs.
type JobFilter struct {
	Status  model.JobStatus `json:"status,omitempty"`
	Company string          `json:"company,omitempty"`
	Limit   int             `json:"limit,omitempty"`
	Offset  int             `json:"offset,omitempty"`
}

// OverrideFilter specifies criteria for listing prompt overrides.
type OverrideFilter struct {
	Section model.SectionID      `json:"section,omitempty"`
	Status  model.OverrideStatus `json:"status,omitempty"`
}

// Store defines the persistence interface for research jobs and prompt
// overrides.
type Store interface {
	// Jobs
	CreateJob(ctx context.Context, job *model.ResearchJob) error
	GetJob(ctx context.Context, jobID string) (*model.ResearchJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]model.JobSummary, error)
	UpdateJobStatus(ctx context.Context, jobID string, status model.JobStatus) error
	FinishJob(ctx context.Context, jobID string, status model.JobStatus, confidence *model.AggregateConfidence) error

	// Sections
	UpdateSection(ctx context.Context, run *model.SectionRun) error
	// CompleteSection persists a completed run together with the catalog
	// entries it introduced. Either all of it is written or none of it.
	// Nothing is written for a cancelled job and ErrJobCancelled is returned.
	CompleteSection(ctx context.Context, run *model.SectionRun, sources []model.SourceEntry) error

	// Prompt overrides
	CreateOverride(ctx context.Context, o *model.PromptOverride) error
	GetOverride(ctx context.Context, id string) (*model.PromptOverride, error)
	PublishOverride(ctx context.Context, id string) (*model.PromptOverride, error)
	UnpublishOverride(ctx context.Context, id string) error
	PublishedOverride(ctx context.Context, section model.SectionID, reportType model.ReportType) (*model.PromptOverride, error)
	ListOverrides(ctx context.Context, filter OverrideFilter) ([]model.PromptOverride, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100

func listLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	return n
}

// completedAt returns now for terminal statuses and nil otherwise, so that
// re-opening a job clears its completion time.
func completedAt(status model.JobStatus, now time.Time) *time.Time {
	if status.IsTerminal() {
		return &now
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}
