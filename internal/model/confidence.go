package model

import "strings"

// ConfidenceLevel is a qualitative self-assessment attached to section output.
type ConfidenceLevel string

const (
	ConfidenceHigh   ConfidenceLevel = "HIGH"
	ConfidenceMedium ConfidenceLevel = "MEDIUM"
	ConfidenceLow    ConfidenceLevel = "LOW"
)

// Numeric scores used for ranking and display. Label thresholds below must
// stay monotonic with these values.
const (
	ScoreHigh   = 0.9
	ScoreMedium = 0.6
	ScoreLow    = 0.4

	HighThreshold   = 0.75
	MediumThreshold = 0.5
)

// ParseConfidenceLevel normalizes case and reports whether the level is known.
func ParseConfidenceLevel(s string) (ConfidenceLevel, bool) {
	l := ConfidenceLevel(strings.ToUpper(strings.TrimSpace(s)))
	switch l {
	case ConfidenceHigh, ConfidenceMedium, ConfidenceLow:
		return l, true
	default:
		return "", false
	}
}

// Score maps a level to its numeric value. Unknown levels score 0.
func (l ConfidenceLevel) Score() float64 {
	switch l {
	case ConfidenceHigh:
		return ScoreHigh
	case ConfidenceMedium:
		return ScoreMedium
	case ConfidenceLow:
		return ScoreLow
	default:
		return 0
	}
}

// LevelForScore thresholds a numeric score back to a qualitative label.
func LevelForScore(score float64) ConfidenceLevel {
	switch {
	case score >= HighThreshold:
		return ConfidenceHigh
	case score >= MediumThreshold:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// Confidence is the confidence block every section payload carries.
type Confidence struct {
	Level  ConfidenceLevel `json:"level"`
	Reason string          `json:"reason,omitempty"`
}

// AggregateConfidence is the job-level roll-up of section confidence.
type AggregateConfidence struct {
	Level    ConfidenceLevel `json:"level"`
	Score    float64         `json:"score"`
	Sections int             `json:"sections"`
}
