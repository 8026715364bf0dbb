package pipeline

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/dossier/internal/model"
	"github.com/sells-group/dossier/internal/schema"
)

var (
	// ErrCollaborator marks a section that failed because the model call
	// failed: transport error, timeout, rate limit or open circuit.
	ErrCollaborator = eris.New("collaborator call failed")

	// ErrJobBusy is returned when another caller is already driving the job.
	ErrJobBusy = eris.New("job is already running")

	// ErrNotRetryable is returned when a section is not in a state that can
	// be retried, or its job was cancelled.
	ErrNotRetryable = eris.New("section cannot be retried")

	// ErrJobFinished is returned when cancelling a job that already ended.
	ErrJobFinished = eris.New("job already finished")

	// ErrInvalidRequest is returned for start requests that fail validation.
	ErrInvalidRequest = eris.New("invalid request")

	// ErrUnknownSection is returned for section ids outside the dossier.
	ErrUnknownSection = eris.New("unknown section")
)

// ValidationFailure is the error recorded when model output does not satisfy
// the section's schema, including output that is not JSON at all.
type ValidationFailure struct {
	Section model.SectionID
	Errors  []schema.FieldError
}

func (e *ValidationFailure) Error() string {
	parts := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		parts[i] = fe.String()
	}
	return fmt.Sprintf("%s: validation failed: %s", e.Section, strings.Join(parts, "; "))
}

func collaboratorError(section model.SectionID, err error) error {
	return fmt.Errorf("%s: %w: %w", section, ErrCollaborator, err)
}
