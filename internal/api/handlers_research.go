package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/dossier/internal/model"
	"github.com/sells-group/dossier/internal/pipeline"
	"github.com/sells-group/dossier/internal/report"
	"github.com/sells-group/dossier/internal/store"
)

type sectionStatus struct {
	Stage       model.SectionID       `json:"stage"`
	Status      model.SectionStatus   `json:"status"`
	Confidence  model.ConfidenceLevel `json:"confidence,omitempty"`
	SourcesUsed []string              `json:"sourcesUsed,omitempty"`
	LastError   string                `json:"lastError,omitempty"`
}

type jobStatus struct {
	JobID                  string                `json:"jobId"`
	Status                 model.JobStatus       `json:"status"`
	Progress               float64               `json:"progress"`
	CurrentStage           model.SectionID       `json:"currentStage,omitempty"`
	OverallConfidence      model.ConfidenceLevel `json:"overallConfidence,omitempty"`
	OverallConfidenceScore *float64              `json:"overallConfidenceScore,omitempty"`
	Sections               []sectionStatus       `json:"sections"`
}

type sectionDetail struct {
	Stage       model.SectionID     `json:"stage"`
	Title       string              `json:"title"`
	Status      model.SectionStatus `json:"status"`
	Confidence  *model.Confidence   `json:"confidence,omitempty"`
	SourcesUsed []string            `json:"sourcesUsed,omitempty"`
	Content     json.RawMessage     `json:"content,omitempty"`
	LastError   string              `json:"lastError,omitempty"`
	Attempts    int                 `json:"attempts"`
	CostUSD     float64             `json:"costUsd"`
	StartedAt   *time.Time          `json:"startedAt,omitempty"`
	CompletedAt *time.Time          `json:"completedAt,omitempty"`
}

type jobDetail struct {
	JobID             string                     `json:"jobId"`
	CompanyName       string                     `json:"companyName"`
	Geography         string                     `json:"geography"`
	Industry          string                     `json:"industry,omitempty"`
	FocusAreas        []string                   `json:"focusAreas,omitempty"`
	ReportType        model.ReportType           `json:"reportType,omitempty"`
	RequestedBy       string                     `json:"requestedBy,omitempty"`
	Status            model.JobStatus            `json:"status"`
	Progress          float64                    `json:"progress"`
	CurrentStage      model.SectionID            `json:"currentStage,omitempty"`
	OverallConfidence *model.AggregateConfidence `json:"overallConfidence,omitempty"`
	Sections          []sectionDetail            `json:"sections"`
	Sources           []model.SourceEntry        `json:"sources"`
	CreatedAt         time.Time                  `json:"createdAt"`
	UpdatedAt         time.Time                  `json:"updatedAt"`
	CompletedAt       *time.Time                 `json:"completedAt,omitempty"`
}

type jobSummary struct {
	JobID             string                `json:"jobId"`
	CompanyName       string                `json:"companyName"`
	Geography         string                `json:"geography"`
	ReportType        model.ReportType      `json:"reportType,omitempty"`
	Status            model.JobStatus       `json:"status"`
	OverallConfidence model.ConfidenceLevel `json:"overallConfidence,omitempty"`
	CreatedAt         time.Time             `json:"createdAt"`
	UpdatedAt         time.Time             `json:"updatedAt"`
}

func toJobStatus(job *model.ResearchJob) jobStatus {
	out := jobStatus{
		JobID:        job.ID,
		Status:       job.Status,
		Progress:     job.Progress(),
		CurrentStage: job.CurrentStage(),
		Sections:     make([]sectionStatus, 0, len(job.Sections)),
	}
	if c := job.OverallConfidence; c != nil {
		score := c.Score
		out.OverallConfidence = c.Level
		out.OverallConfidenceScore = &score
	}
	for _, r := range job.OrderedSections() {
		s := sectionStatus{
			Stage:       r.Section,
			Status:      r.Status,
			SourcesUsed: r.SourcesUsed,
			LastError:   r.LastError,
		}
		if r.Confidence != nil {
			s.Confidence = r.Confidence.Level
		}
		out.Sections = append(out.Sections, s)
	}
	return out
}

func toJobDetail(job *model.ResearchJob) jobDetail {
	out := jobDetail{
		JobID:             job.ID,
		CompanyName:       job.CompanyName,
		Geography:         job.Geography,
		Industry:          job.Industry,
		FocusAreas:        job.FocusAreas,
		ReportType:        job.ReportType,
		RequestedBy:       job.RequestedBy,
		Status:            job.Status,
		Progress:          job.Progress(),
		CurrentStage:      job.CurrentStage(),
		OverallConfidence: job.OverallConfidence,
		Sections:          make([]sectionDetail, 0, len(job.Sections)),
		Sources:           job.Sources,
		CreatedAt:         job.CreatedAt,
		UpdatedAt:         job.UpdatedAt,
		CompletedAt:       job.CompletedAt,
	}
	if out.Sources == nil {
		out.Sources = []model.SourceEntry{}
	}
	for _, r := range job.OrderedSections() {
		out.Sections = append(out.Sections, sectionDetail{
			Stage:       r.Section,
			Title:       r.Section.Title(),
			Status:      r.Status,
			Confidence:  r.Confidence,
			SourcesUsed: r.SourcesUsed,
			Content:     r.Content,
			LastError:   r.LastError,
			Attempts:    r.Attempts,
			CostUSD:     r.TokenUsage.Cost,
			StartedAt:   r.StartedAt,
			CompletedAt: r.CompletedAt,
		})
	}
	return out
}

func (s *Server) handleStartResearch(w http.ResponseWriter, r *http.Request) {
	var req pipeline.StartRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	job, err := s.orch.StartJob(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.runner.Submit(job.ID)

	writeJSON(w, http.StatusAccepted, map[string]any{
		"jobId":  job.ID,
		"status": job.Status,
	})
}

func (s *Server) handleListResearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.JobFilter{
		Status:  model.JobStatus(q.Get("status")),
		Company: q.Get("company"),
		Limit:   queryInt(r, "limit", 50, 200),
		Offset:  queryInt(r, "offset", 0, 0),
	}
	jobs, err := s.orch.ListJobs(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}

	out := make([]jobSummary, len(jobs))
	for i, j := range jobs {
		out[i] = jobSummary{
			JobID:       j.ID,
			CompanyName: j.CompanyName,
			Geography:   j.Geography,
			ReportType:  j.ReportType,
			Status:      j.Status,
			CreatedAt:   j.CreatedAt,
			UpdatedAt:   j.UpdatedAt,
		}
		if j.OverallConfidence != nil {
			out[i].OverallConfidence = j.OverallConfidence.Level
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":   out,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.orch.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobStatus(job))
}

func (s *Server) handleJobDetail(w http.ResponseWriter, r *http.Request) {
	job, err := s.orch.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobDetail(job))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, err := s.orch.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobStatus(job))
}

func (s *Server) handleRetrySection(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	section := model.SectionID(chi.URLParam(r, "section"))

	job, err := s.orch.RetrySection(r.Context(), jobID, section)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.runner.Submit(jobID)
	writeJSON(w, http.StatusAccepted, toJobStatus(job))
}

func (s *Server) handleExportMarkdown(w http.ResponseWriter, r *http.Request) {
	job, err := s.orch.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	md := report.Markdown(report.Build(job))

	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.Header().Set("Content-Disposition", attachment(job, "md"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(md))
}

func (s *Server) handleExportPDF(w http.ResponseWriter, r *http.Request) {
	job, err := s.orch.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	var buf bytes.Buffer
	if err := report.PDF(report.Build(job), &buf); err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", attachment(job, "pdf"))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func attachment(job *model.ResearchJob, ext string) string {
	return `attachment; filename="` + report.Filename(job.CompanyName, ext) + `"`
}

// queryInt parses an integer query parameter. Invalid or negative values fall
// back to def; ceiling caps the result when positive.
func queryInt(r *http.Request, key string, def, ceiling int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	if ceiling > 0 && v > ceiling {
		return ceiling
	}
	return v
}
