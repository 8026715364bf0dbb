package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/sells-group/dossier/internal/pipeline"
	"github.com/sells-group/dossier/internal/prompt"
	"github.com/sells-group/dossier/internal/store"
)

// requestError is a client error detected by the API layer itself.
type requestError struct {
	msg string
}

func (e *requestError) Error() string { return e.msg }

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &requestError{msg: err.Error()}
	}
	parts := make([]string, len(verrs))
	for i, fe := range verrs {
		switch fe.Tag() {
		case "required":
			parts[i] = fe.Field() + " is required"
		case "oneof":
			parts[i] = fmt.Sprintf("%s must be one of %s", fe.Field(), fe.Param())
		case "max":
			parts[i] = fmt.Sprintf("%s exceeds %s", fe.Field(), fe.Param())
		default:
			parts[i] = fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
		}
	}
	return &requestError{msg: strings.Join(parts, "; ")}
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var re *requestError
	switch {
	case errors.As(err, &re):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrInvalidRequest),
		errors.Is(err, pipeline.ErrUnknownSection),
		errors.Is(err, prompt.ErrInvalidTemplate):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrJobBusy),
		errors.Is(err, pipeline.ErrNotRetryable),
		errors.Is(err, pipeline.ErrJobFinished),
		errors.Is(err, store.ErrOverrideConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError responds with {"error": "..."}. Internal errors are logged and
// their detail withheld.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		zap.L().Error("api: request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}
