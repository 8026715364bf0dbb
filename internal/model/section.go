package model

import (
	"encoding/json"
	"time"
)

// SectionID names one component of a research report.
type SectionID string

const (
	SectionFoundation           SectionID = "foundation"
	SectionExecSummary          SectionID = "exec_summary"
	SectionFinancialSnapshot    SectionID = "financial_snapshot"
	SectionCompanyOverview      SectionID = "company_overview"
	SectionSegmentAnalysis      SectionID = "segment_analysis"
	SectionTrends               SectionID = "trends"
	SectionPeerBenchmarking     SectionID = "peer_benchmarking"
	SectionSKUOpportunities     SectionID = "sku_opportunities"
	SectionRecentNews           SectionID = "recent_news"
	SectionConversationStarters SectionID = "conversation_starters"
	SectionAppendix             SectionID = "appendix"
)

// Sections lists every section in report order. Index equals the section number.
var Sections = []SectionID{
	SectionFoundation,
	SectionExecSummary,
	SectionFinancialSnapshot,
	SectionCompanyOverview,
	SectionSegmentAnalysis,
	SectionTrends,
	SectionPeerBenchmarking,
	SectionSKUOpportunities,
	SectionRecentNews,
	SectionConversationStarters,
	SectionAppendix,
}

var sectionTitles = map[SectionID]string{
	SectionFoundation:           "Foundation",
	SectionExecSummary:          "Executive Summary",
	SectionFinancialSnapshot:    "Financial Snapshot",
	SectionCompanyOverview:      "Company Overview",
	SectionSegmentAnalysis:      "Segment Analysis",
	SectionTrends:               "Trends",
	SectionPeerBenchmarking:     "Peer Benchmarking",
	SectionSKUOpportunities:     "SKU Opportunities",
	SectionRecentNews:           "Recent News",
	SectionConversationStarters: "Conversation Starters",
	SectionAppendix:             "Appendix",
}

// Valid reports whether s is a known section.
func (s SectionID) Valid() bool {
	_, ok := sectionTitles[s]
	return ok
}

// Title returns the human-readable section heading.
func (s SectionID) Title() string {
	if t, ok := sectionTitles[s]; ok {
		return t
	}
	return string(s)
}

// Number returns the section's position in the report (foundation is 0),
// or -1 for unknown sections.
func (s SectionID) Number() int {
	for i, id := range Sections {
		if id == s {
			return i
		}
	}
	return -1
}

// SectionStatus is the state of a single section run.
type SectionStatus string

const (
	SectionStatusPending   SectionStatus = "pending"
	SectionStatusRunning   SectionStatus = "running"
	SectionStatusCompleted SectionStatus = "completed"
	SectionStatusFailed    SectionStatus = "failed"
)

// IsTerminal reports whether the section has finished, successfully or not.
func (s SectionStatus) IsTerminal() bool {
	return s == SectionStatusCompleted || s == SectionStatusFailed
}

// SectionRun is one attempt at producing one section for a job.
type SectionRun struct {
	JobID       string          `json:"job_id"`
	Section     SectionID       `json:"section"`
	Status      SectionStatus   `json:"status"`
	Confidence  *Confidence     `json:"confidence,omitempty"`
	SourcesUsed []string        `json:"sources_used,omitempty"`
	Content     json.RawMessage `json:"content,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	Attempts    int             `json:"attempts"`
	TokenUsage  TokenUsage      `json:"token_usage"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// NewSectionRun returns a pending run for the given job and section.
func NewSectionRun(jobID string, section SectionID) *SectionRun {
	return &SectionRun{
		JobID:   jobID,
		Section: section,
		Status:  SectionStatusPending,
	}
}

// Reset returns a failed run to pending so it can be dispatched again.
// Attempts is preserved.
func (r *SectionRun) Reset() {
	r.Status = SectionStatusPending
	r.LastError = ""
	r.Confidence = nil
	r.SourcesUsed = nil
	r.Content = nil
	r.StartedAt = nil
	r.CompletedAt = nil
}

// TokenUsage tracks LLM token consumption and estimated cost.
type TokenUsage struct {
	InputTokens         int     `json:"input_tokens"`
	OutputTokens        int     `json:"output_tokens"`
	CacheCreationTokens int     `json:"cache_creation_tokens"`
	CacheReadTokens     int     `json:"cache_read_tokens"`
	Cost                float64 `json:"cost"`
}

// Add merges token usage from another instance.
func (t *TokenUsage) Add(other TokenUsage) {
	t.InputTokens += other.InputTokens
	t.OutputTokens += other.OutputTokens
	t.CacheCreationTokens += other.CacheCreationTokens
	t.CacheReadTokens += other.CacheReadTokens
	t.Cost += other.Cost
}
