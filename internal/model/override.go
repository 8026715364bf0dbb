package model

import "time"

// OverrideStatus is the publication state of a prompt override.
type OverrideStatus string

const (
	OverrideStatusDraft     OverrideStatus = "draft"
	OverrideStatusPublished OverrideStatus = "published"
	OverrideStatusArchived  OverrideStatus = "archived"
)

// PromptOverride is a database-stored replacement for the code-default prompt
// of a (section, report type) pair. Rows are append-only: a new version is a
// new row, and publishing one archives the previously published version.
type PromptOverride struct {
	ID          string         `json:"id"`
	Section     SectionID      `json:"section"`
	ReportType  ReportType     `json:"report_type"`
	Template    string         `json:"template"`
	Status      OverrideStatus `json:"status"`
	Version     int            `json:"version"`
	Author      string         `json:"author,omitempty"`
	Notes       string         `json:"notes,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	PublishedAt *time.Time     `json:"published_at,omitempty"`
}
