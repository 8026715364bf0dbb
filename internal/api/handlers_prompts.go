package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/dossier/internal/model"
	"github.com/sells-group/dossier/internal/prompt"
	"github.com/sells-group/dossier/internal/store"
)

type overrideRequest struct {
	Section    string `json:"section" validate:"required"`
	ReportType string `json:"reportType" validate:"omitempty,oneof=INDUSTRIALS FS PE GENERIC industrials fs pe generic"`
	Template   string `json:"template" validate:"required,max=65536"`
	Author     string `json:"author,omitempty" validate:"max=200"`
	Notes      string `json:"notes,omitempty" validate:"max=2000"`
}

type previewRequest struct {
	Section     string   `json:"section" validate:"required"`
	ReportType  string   `json:"reportType,omitempty" validate:"omitempty,oneof=INDUSTRIALS FS PE GENERIC industrials fs pe generic"`
	CompanyName string   `json:"companyName,omitempty" validate:"max=200"`
	Geography   string   `json:"geography,omitempty" validate:"max=100"`
	Industry    string   `json:"industry,omitempty" validate:"max=200"`
	FocusAreas  []string `json:"focusAreas,omitempty" validate:"max=10,dive,max=200"`
}

type override struct {
	ID          string               `json:"id"`
	Section     model.SectionID      `json:"section"`
	ReportType  model.ReportType     `json:"reportType"`
	Template    string               `json:"template"`
	Status      model.OverrideStatus `json:"status"`
	Version     int                  `json:"version"`
	Author      string               `json:"author,omitempty"`
	Notes       string               `json:"notes,omitempty"`
	CreatedAt   time.Time            `json:"createdAt"`
	PublishedAt *time.Time           `json:"publishedAt,omitempty"`
}

func toOverride(o *model.PromptOverride) override {
	return override{
		ID:          o.ID,
		Section:     o.Section,
		ReportType:  o.ReportType,
		Template:    o.Template,
		Status:      o.Status,
		Version:     o.Version,
		Author:      o.Author,
		Notes:       o.Notes,
		CreatedAt:   o.CreatedAt,
		PublishedAt: o.PublishedAt,
	}
}

func parseSection(raw string) (model.SectionID, error) {
	id := model.SectionID(raw)
	if !id.Valid() {
		return "", &requestError{msg: "unknown section " + raw}
	}
	return id, nil
}

func parseReportType(raw string) (model.ReportType, error) {
	rt, err := model.ParseReportType(raw)
	if err != nil {
		return "", &requestError{msg: err.Error()}
	}
	return rt, nil
}

func (s *Server) handleListOverrides(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.OverrideFilter{
		Section: model.SectionID(q.Get("section")),
		Status:  model.OverrideStatus(q.Get("status")),
	}
	list, err := s.store.ListOverrides(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]override, len(list))
	for i := range list {
		out[i] = toOverride(&list[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"overrides": out})
}

// handleCreateOverride stores a new draft version. The template must render
// against sample inputs before it is accepted.
func (s *Server) handleCreateOverride(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	section, err := parseSection(req.Section)
	if err != nil {
		writeError(w, r, err)
		return
	}
	rt, err := parseReportType(req.ReportType)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.resolver.Library().CheckTemplate(req.Template); err != nil {
		writeError(w, r, err)
		return
	}

	o := &model.PromptOverride{
		Section:    section,
		ReportType: rt,
		Template:   req.Template,
		Author:     req.Author,
		Notes:      req.Notes,
	}
	if err := s.store.CreateOverride(r.Context(), o); err != nil {
		writeError(w, r, eris.Wrap(err, "create override"))
		return
	}
	writeJSON(w, http.StatusCreated, toOverride(o))
}

func (s *Server) handlePublishOverride(w http.ResponseWriter, r *http.Request) {
	o, err := s.store.PublishOverride(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOverride(o))
}

func (s *Server) handleUnpublishOverride(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.UnpublishOverride(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	o, err := s.store.GetOverride(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOverride(o))
}

// handlePreview resolves a prompt against sample inputs, optionally with the
// request's company details, and reports whether an override or the code
// default was used.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	section, err := parseSection(req.Section)
	if err != nil {
		writeError(w, r, err)
		return
	}
	rt, err := parseReportType(req.ReportType)
	if err != nil {
		writeError(w, r, err)
		return
	}

	in := prompt.SampleInputs()
	in.ReportType = rt
	if name := model.NormalizeCompanyName(req.CompanyName); name != "" {
		in.Company = name
	}
	if req.Geography != "" {
		in.Geography = model.NormalizeGeography(req.Geography)
	}
	if req.Industry != "" {
		in.Industry = model.NormalizeCompanyName(req.Industry)
	}
	if len(req.FocusAreas) > 0 {
		in.FocusAreas = model.NormalizeFocusAreas(req.FocusAreas)
	}

	res, err := s.resolver.Preview(r.Context(), section, rt, in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
