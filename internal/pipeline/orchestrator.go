// Package pipeline drives a research job through its sections. Each call to
// Advance dispatches one wave: every section whose inputs are ready runs
// concurrently, and the wave is awaited before the next one is computed.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/dossier/internal/llm"
	"github.com/sells-group/dossier/internal/model"
	"github.com/sells-group/dossier/internal/prompt"
	"github.com/sells-group/dossier/internal/schema"
	"github.com/sells-group/dossier/internal/store"
)

// Config tunes the orchestrator.
type Config struct {
	// MaxConcurrentSections bounds how many sections of one wave run at once.
	MaxConcurrentSections int
}

// StartRequest is the input to StartJob.
type StartRequest struct {
	CompanyName string   `json:"companyName" validate:"required,max=200"`
	Geography   string   `json:"geography,omitempty" validate:"max=100"`
	Industry    string   `json:"industry,omitempty" validate:"max=200"`
	FocusAreas  []string `json:"focusAreas,omitempty" validate:"max=10,dive,max=200"`
	ReportType  string   `json:"reportType,omitempty" validate:"omitempty,oneof=INDUSTRIALS FS PE GENERIC industrials fs pe generic"`
	RequestedBy string   `json:"requestedBy,omitempty" validate:"max=200"`
}

// Orchestrator owns section dispatch for every job in the process.
type Orchestrator struct {
	store     store.Store
	resolver  *prompt.Resolver
	generator llm.Generator
	validator *schema.Validator
	graph     Graph
	cfg       Config
	now       func() time.Time

	mu      sync.Mutex
	handles map[string]*jobHandle
}

// jobHandle is the in-process state of one job. mu serialises catalog
// merges, result commits and status writes.
type jobHandle struct {
	mu        sync.Mutex
	catalog   *model.SourceCatalog
	cancelled bool
	driving   atomic.Bool
}

// New returns an orchestrator. The graph is checked before use.
func New(st store.Store, resolver *prompt.Resolver, gen llm.Generator, validator *schema.Validator, cfg Config) (*Orchestrator, error) {
	graph := DefaultGraph()
	if err := graph.Validate(); err != nil {
		return nil, err
	}
	if err := resolver.Library().Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxConcurrentSections <= 0 {
		cfg.MaxConcurrentSections = 4
	}
	return &Orchestrator{
		store:     st,
		resolver:  resolver,
		generator: gen,
		validator: validator,
		graph:     graph,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		handles:   make(map[string]*jobHandle),
	}, nil
}

// StartJob creates a queued job with every section pending.
func (o *Orchestrator) StartJob(ctx context.Context, req StartRequest) (*model.ResearchJob, error) {
	company := model.NormalizeCompanyName(req.CompanyName)
	if company == "" {
		return nil, eris.Wrap(ErrInvalidRequest, "company name is required")
	}
	rt, err := model.ParseReportType(req.ReportType)
	if err != nil {
		return nil, eris.Wrapf(ErrInvalidRequest, "%v", err)
	}

	job := &model.ResearchJob{
		ID:          uuid.NewString(),
		CompanyName: company,
		Geography:   model.NormalizeGeography(req.Geography),
		Industry:    model.NormalizeCompanyName(req.Industry),
		FocusAreas:  model.NormalizeFocusAreas(req.FocusAreas),
		ReportType:  rt,
		RequestedBy: req.RequestedBy,
		Status:      model.JobStatusQueued,
		Sections:    make(map[model.SectionID]*model.SectionRun, len(model.Sections)),
	}
	for _, id := range model.Sections {
		job.Sections[id] = model.NewSectionRun(job.ID, id)
	}

	if err := o.store.CreateJob(ctx, job); err != nil {
		return nil, eris.Wrap(err, "pipeline: create job")
	}
	zap.L().Info("pipeline: job created",
		zap.String("job_id", job.ID),
		zap.String("company", job.CompanyName),
		zap.String("geography", job.Geography),
		zap.String("report_type", string(job.ReportType)),
	)
	return job, nil
}

// GetJob returns the job with its sections and source catalog.
func (o *Orchestrator) GetJob(ctx context.Context, jobID string) (*model.ResearchJob, error) {
	return o.store.GetJob(ctx, jobID)
}

// ListJobs returns job summaries matching filter.
func (o *Orchestrator) ListJobs(ctx context.Context, filter store.JobFilter) ([]model.JobSummary, error) {
	return o.store.ListJobs(ctx, filter)
}

// Advance runs one wave of eligible sections and finalizes the job when
// nothing is left to run. It is a no-op on a finished job.
func (o *Orchestrator) Advance(ctx context.Context, jobID string) (*model.ResearchJob, error) {
	h, err := o.acquire(jobID)
	if err != nil {
		return nil, err
	}
	defer o.release(jobID, h)

	job, _, err := o.advance(ctx, h, jobID)
	return job, err
}

// Run advances the job until it finishes or a wave dispatches nothing.
func (o *Orchestrator) Run(ctx context.Context, jobID string) (*model.ResearchJob, error) {
	h, err := o.acquire(jobID)
	if err != nil {
		return nil, err
	}
	defer o.release(jobID, h)

	for {
		job, dispatched, err := o.advance(ctx, h, jobID)
		if err != nil {
			return job, err
		}
		if job.Status.IsTerminal() || dispatched == 0 {
			return job, nil
		}
		if err := ctx.Err(); err != nil {
			return job, err
		}
	}
}

// Cancel stops further dispatch. Sections already running finish, but their
// results are discarded.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) (*model.ResearchJob, error) {
	h := o.handle(jobID)
	defer o.forget(jobID, h)

	h.mu.Lock()
	defer h.mu.Unlock()

	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	switch {
	case job.Status == model.JobStatusCancelled:
		return job, nil
	case job.Status.IsTerminal():
		return nil, eris.Wrapf(ErrJobFinished, "job %s is %s", jobID, job.Status)
	}

	if err := o.store.UpdateJobStatus(ctx, jobID, model.JobStatusCancelled); err != nil {
		return nil, eris.Wrap(err, "pipeline: cancel job")
	}
	h.cancelled = true
	zap.L().Info("pipeline: job cancelled", zap.String("job_id", jobID))
	return o.store.GetJob(ctx, jobID)
}

// RetrySection resets one failed section to pending and re-opens a finished
// job so the next Run dispatches it. Sibling sections are untouched.
func (o *Orchestrator) RetrySection(ctx context.Context, jobID string, section model.SectionID) (*model.ResearchJob, error) {
	if !section.Valid() {
		return nil, eris.Wrapf(ErrUnknownSection, "%q", section)
	}

	h := o.handle(jobID)
	defer o.forget(jobID, h)

	h.mu.Lock()
	defer h.mu.Unlock()

	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status == model.JobStatusCancelled {
		return nil, eris.Wrapf(ErrNotRetryable, "job %s was cancelled", jobID)
	}
	run := job.Section(section)
	if run == nil || run.Status != model.SectionStatusFailed {
		return nil, eris.Wrapf(ErrNotRetryable, "%s is not failed", section)
	}

	run.Reset()
	if err := o.store.UpdateSection(ctx, run); err != nil {
		return nil, eris.Wrap(err, "pipeline: reset section")
	}
	if job.Status.IsTerminal() {
		if err := o.store.UpdateJobStatus(ctx, jobID, model.JobStatusRunning); err != nil {
			return nil, eris.Wrap(err, "pipeline: reopen job")
		}
	}
	zap.L().Info("pipeline: section reset for retry",
		zap.String("job_id", jobID),
		zap.String("section", string(section)),
		zap.Int("attempts", run.Attempts),
	)
	return o.store.GetJob(ctx, jobID)
}

func (o *Orchestrator) handle(jobID string) *jobHandle {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.handleLocked(jobID)
}

func (o *Orchestrator) handleLocked(jobID string) *jobHandle {
	h, ok := o.handles[jobID]
	if !ok {
		h = &jobHandle{}
		o.handles[jobID] = h
	}
	return h
}

// acquire marks the caller as the job's driver. The lookup and the claim
// happen under o.mu so forget never drops a handle that is being claimed.
func (o *Orchestrator) acquire(jobID string) (*jobHandle, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	h := o.handleLocked(jobID)
	if !h.driving.CompareAndSwap(false, true) {
		return nil, eris.Wrapf(ErrJobBusy, "job %s", jobID)
	}
	return h, nil
}

func (o *Orchestrator) release(jobID string, h *jobHandle) {
	o.mu.Lock()
	defer o.mu.Unlock()
	h.driving.Store(false)
	if o.handles[jobID] == h {
		delete(o.handles, jobID)
	}
}

// forget drops the handle once nobody is driving the job. Cancellation and
// status are persisted, so a later handle starts from the stored state.
func (o *Orchestrator) forget(jobID string, h *jobHandle) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !h.driving.Load() && o.handles[jobID] == h {
		delete(o.handles, jobID)
	}
}

// advance runs one wave and reports how many sections it dispatched.
func (o *Orchestrator) advance(ctx context.Context, h *jobHandle, jobID string) (*model.ResearchJob, int, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, 0, err
	}
	if job.Status.IsTerminal() {
		return job, 0, nil
	}
	log := zap.L().With(zap.String("job_id", job.ID), zap.String("company", job.CompanyName))

	h.mu.Lock()
	if h.cancelled {
		h.mu.Unlock()
		return job, 0, nil
	}
	if job.Status != model.JobStatusRunning {
		if err := o.store.UpdateJobStatus(ctx, jobID, model.JobStatusRunning); err != nil {
			h.mu.Unlock()
			return job, 0, eris.Wrap(err, "pipeline: mark job running")
		}
		job.Status = model.JobStatusRunning
		log.Info("pipeline: job running")
	}
	// Only one caller drives a job, so a section still marked running at the
	// start of a wave was interrupted and can be dispatched again.
	for _, r := range job.OrderedSections() {
		if r.Status == model.SectionStatusRunning {
			r.Reset()
			if err := o.store.UpdateSection(ctx, r); err != nil {
				h.mu.Unlock()
				return job, 0, eris.Wrap(err, "pipeline: reset interrupted section")
			}
			log.Warn("pipeline: resetting interrupted section", zap.String("section", string(r.Section)))
		}
	}
	h.catalog = model.NewSourceCatalog(job.Sources)
	h.mu.Unlock()

	eligible := o.graph.Eligible(job)
	if len(eligible) == 0 {
		job, err = o.finalize(ctx, h, job)
		return job, 0, err
	}

	log.Info("pipeline: dispatching wave", zap.Int("sections", len(eligible)))

	var g errgroup.Group
	g.SetLimit(o.cfg.MaxConcurrentSections)
	for _, id := range eligible {
		run := *job.Section(id)
		in := o.inputs(job, id)
		g.Go(func() error {
			o.runSection(ctx, h, job.ReportType, &run, in)
			return nil
		})
	}
	_ = g.Wait()

	job, err = o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, len(eligible), err
	}
	if len(o.graph.Eligible(job)) == 0 {
		job, err = o.finalize(ctx, h, job)
	}
	return job, len(eligible), err
}

// inputs collects what the prompt for section may reference: the request,
// the foundation, completed declared inputs and the catalog at wave start.
func (o *Orchestrator) inputs(job *model.ResearchJob, section model.SectionID) prompt.Inputs {
	in := prompt.Inputs{
		Company:    job.CompanyName,
		Geography:  job.Geography,
		Industry:   job.Industry,
		FocusAreas: job.FocusAreas,
		ReportType: job.ReportType,
		Upstream:   make(map[model.SectionID]json.RawMessage),
		Sources:    job.Sources,
	}
	if f := job.Section(model.SectionFoundation); f != nil && f.Status == model.SectionStatusCompleted {
		in.Foundation = f.Content
	}
	for _, d := range o.graph[section].all() {
		if r := job.Section(d); r != nil && r.Status == model.SectionStatusCompleted {
			in.Upstream[d] = r.Content
		}
	}
	return in
}

func (o *Orchestrator) runSection(ctx context.Context, h *jobHandle, reportType model.ReportType, run *model.SectionRun, in prompt.Inputs) {
	log := zap.L().With(zap.String("job_id", run.JobID), zap.String("section", string(run.Section)))

	started := o.now()
	run.Status = model.SectionStatusRunning
	run.Attempts++
	run.LastError = ""
	run.StartedAt = &started
	run.CompletedAt = nil
	if err := o.store.UpdateSection(ctx, run); err != nil {
		log.Error("pipeline: mark section running", zap.Error(err))
		return
	}

	text, err := o.resolver.Resolve(ctx, run.Section, reportType, in)
	if err != nil {
		o.fail(ctx, h, run, eris.Wrap(err, "resolve prompt"), log)
		return
	}

	gen, err := o.generator.Generate(ctx, text)
	if err != nil {
		if ctx.Err() != nil {
			o.interrupt(h, run, log)
			return
		}
		o.fail(ctx, h, run, collaboratorError(run.Section, err), log)
		return
	}
	run.TokenUsage.Add(gen.Usage)

	res, err := o.validator.Validate(run.Section, []byte(gen.Text))
	if err != nil {
		o.fail(ctx, h, run, err, log)
		return
	}
	if !res.Valid {
		o.fail(ctx, h, run, &ValidationFailure{Section: run.Section, Errors: res.Errors}, log)
		return
	}

	o.commit(ctx, h, run, res, log)
}

// commit merges the section's proposed sources into the job catalog, rewrites
// remapped citations and persists the completed run with its new catalog
// entries in one transaction.
func (o *Orchestrator) commit(ctx context.Context, h *jobHandle, run *model.SectionRun, res *schema.Result, log *zap.Logger) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// CompleteSection refuses a job cancelled elsewhere.
	if h.cancelled {
		o.discard(run, log)
		return
	}

	next := model.NewSourceCatalog(h.catalog.Entries())
	added, remap := next.Merge(res.Sources)

	content, err := schema.RewriteCitations(res.Data, remap)
	if err != nil {
		o.failUnlessCancelledLocked(ctx, h, run, err, log)
		return
	}
	used, err := schema.CitationTokens(content)
	if err != nil {
		o.failUnlessCancelledLocked(ctx, h, run, err, log)
		return
	}
	unresolved, err := schema.UnresolvedCitations(content, func(id string) bool {
		_, ok := next.Get(id)
		return ok
	})
	if err != nil {
		o.failUnlessCancelledLocked(ctx, h, run, err, log)
		return
	}
	if len(unresolved) > 0 {
		o.failUnlessCancelledLocked(ctx, h, run, &ValidationFailure{Section: run.Section, Errors: unresolved}, log)
		return
	}

	done := o.now()
	run.Status = model.SectionStatusCompleted
	run.Confidence = res.Confidence
	run.SourcesUsed = used
	run.Content = content
	run.CompletedAt = &done

	if err := o.store.CompleteSection(ctx, run, added); err != nil {
		if errors.Is(err, store.ErrJobCancelled) {
			h.cancelled = true
			o.discard(run, log)
			return
		}
		o.failUnlessCancelledLocked(ctx, h, run, eris.Wrap(err, "persist section"), log)
		return
	}
	h.catalog = next

	fields := []zap.Field{
		zap.Int("attempts", run.Attempts),
		zap.Int("new_sources", len(added)),
		zap.Float64("cost_usd", run.TokenUsage.Cost),
	}
	if run.Confidence != nil {
		fields = append(fields, zap.String("confidence", string(run.Confidence.Level)))
	}
	if len(remap) > 0 {
		fields = append(fields, zap.Any("remapped_sources", remap))
	}
	log.Info("pipeline: section completed", fields...)
}

func (o *Orchestrator) fail(ctx context.Context, h *jobHandle, run *model.SectionRun, cause error, log *zap.Logger) {
	h.mu.Lock()
	defer h.mu.Unlock()
	o.failUnlessCancelledLocked(ctx, h, run, cause, log)
}

// failUnlessCancelledLocked records cause on the run, or discards the run
// when its job was cancelled meanwhile.
func (o *Orchestrator) failUnlessCancelledLocked(ctx context.Context, h *jobHandle, run *model.SectionRun, cause error, log *zap.Logger) {
	if o.cancelledLocked(ctx, h, run.JobID, log) {
		o.discard(run, log)
		return
	}
	o.failLocked(ctx, run, cause, log)
}

// cancelledLocked reports whether the job was cancelled, by this process or
// through the store by another one. Callers hold h.mu.
func (o *Orchestrator) cancelledLocked(ctx context.Context, h *jobHandle, jobID string, log *zap.Logger) bool {
	if h.cancelled {
		return true
	}
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		log.Warn("pipeline: read job status", zap.Error(err))
		return false
	}
	if job.Status == model.JobStatusCancelled {
		h.cancelled = true
	}
	return h.cancelled
}

func (o *Orchestrator) failLocked(ctx context.Context, run *model.SectionRun, cause error, log *zap.Logger) {
	done := o.now()
	run.Status = model.SectionStatusFailed
	run.LastError = cause.Error()
	run.Confidence = nil
	run.SourcesUsed = nil
	run.Content = nil
	run.CompletedAt = &done

	var vf *ValidationFailure
	fields := []zap.Field{zap.Int("attempts", run.Attempts), zap.Error(cause)}
	if errors.As(cause, &vf) {
		fields = append(fields, zap.Int("field_errors", len(vf.Errors)))
	}
	log.Warn("pipeline: section failed", fields...)

	if err := o.store.UpdateSection(ctx, run); err != nil {
		log.Error("pipeline: persist failed section", zap.Error(err))
	}
}

// discard drops the result of a section that finished after its job was
// cancelled. The run goes back to pending.
func (o *Orchestrator) discard(run *model.SectionRun, log *zap.Logger) {
	log.Info("pipeline: discarding result of cancelled job")
	o.reset(run, log)
}

// interrupt returns a section to pending when the caller's context ended
// mid-call, so a later run picks it up again.
func (o *Orchestrator) interrupt(h *jobHandle, run *model.SectionRun, log *zap.Logger) {
	h.mu.Lock()
	defer h.mu.Unlock()
	log.Info("pipeline: section interrupted")
	o.reset(run, log)
}

func (o *Orchestrator) reset(run *model.SectionRun, log *zap.Logger) {
	run.Reset()
	// The caller's context may already be done.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.store.UpdateSection(ctx, run); err != nil {
		log.Error("pipeline: reset section", zap.Error(err))
	}
}

// finalize records the job's final status and aggregate confidence once no
// section can run any more.
func (o *Orchestrator) finalize(ctx context.Context, h *jobHandle, job *model.ResearchJob) (*model.ResearchJob, error) {
	if _, done := o.graph.Outcome(job); !done {
		return job, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled {
		return job, nil
	}

	// Re-read under the lock: a retry may have reset a section meanwhile.
	job, err := o.store.GetJob(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	status, done := o.graph.Outcome(job)
	if !done || job.Status.IsTerminal() {
		return job, nil
	}

	agg := Aggregate(job)
	if err := o.store.FinishJob(ctx, job.ID, status, agg); err != nil {
		return job, eris.Wrap(err, "pipeline: finish job")
	}

	fields := []zap.Field{
		zap.String("job_id", job.ID),
		zap.String("status", string(status)),
	}
	if agg != nil {
		fields = append(fields, zap.String("confidence", string(agg.Level)), zap.Float64("score", agg.Score))
	}
	zap.L().Info("pipeline: job finished", fields...)

	return o.store.GetJob(ctx, job.ID)
}
