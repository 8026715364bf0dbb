package pipeline

import (
	"math"

	"github.com/sells-group/dossier/internal/model"
)

// Aggregate rolls the confidence of completed sections up to the job: the
// mean of their numeric scores, labelled by threshold. Failed and pending
// sections do not count. It returns nil when no section has completed.
func Aggregate(job *model.ResearchJob) *model.AggregateConfidence {
	var (
		sum float64
		n   int
	)
	for _, r := range job.OrderedSections() {
		if r.Status != model.SectionStatusCompleted || r.Confidence == nil {
			continue
		}
		sum += r.Confidence.Level.Score()
		n++
	}
	if n == 0 {
		return nil
	}
	score := math.Round(sum/float64(n)*1000) / 1000
	return &model.AggregateConfidence{
		Level:    model.LevelForScore(score),
		Score:    score,
		Sections: n,
	}
}
