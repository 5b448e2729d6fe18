package advisorapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/careertrack/internal/application"
	"github.com/linnemanlabs/careertrack/internal/pipeline"
)

// Error codes returned in the "code" field of error bodies.
const (
	codeInvalidPayload    = "invalid_payload"
	codeValidationFailed  = "validation_failed"
	codeInvalidInput      = "invalid_input"
	codeUnknownStage      = "unknown_stage"
	codeIllegalTransition = "illegal_transition"
	codeMissingReason     = "missing_reason"
	codeNotFound          = "not_found"
	codeVersionConflict   = "version_conflict"
	codeInternal          = "internal"
)

type errorBody struct {
	Error string         `json:"error"`
	Code  string         `json:"code"`
	From  pipeline.Stage `json:"from,omitempty"`
	To    pipeline.Stage `json:"to,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}

// writeServiceError maps a service error onto a status and code. Anything
// unrecognized is logged and reported as a 500 without detail.
func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	body := errorBody{Error: err.Error()}
	status := http.StatusInternalServerError

	var te *pipeline.TransitionError
	if errors.As(err, &te) {
		body.From, body.To = te.From, te.To
	}

	switch {
	case errors.Is(err, pipeline.ErrIllegalTransition):
		status, body.Code = http.StatusConflict, codeIllegalTransition
	case errors.Is(err, pipeline.ErrMissingReason):
		status, body.Code = http.StatusUnprocessableEntity, codeMissingReason
	case errors.Is(err, application.ErrNotFound):
		status, body.Code = http.StatusNotFound, codeNotFound
	case errors.Is(err, application.ErrVersionConflict):
		status, body.Code = http.StatusConflict, codeVersionConflict
	case errors.Is(err, application.ErrInvalidInput):
		status, body.Code = http.StatusBadRequest, codeInvalidInput
	default:
		a.logger.Error(r.Context(), err, msg)
		body = errorBody{Error: "internal error", Code: codeInternal}
	}

	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("careertrack.error.code", body.Code))
	writeJSON(w, status, body)
}

// decode reads a JSON body into dst and validates it. It writes the error
// response itself and reports whether the handler should continue.
func (a *API) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidPayload, "invalid payload: "+err.Error())
		return false
	}
	if err := a.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, codeValidationFailed, describeValidation(err))
		return false
	}
	return true
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if p := fe.Param(); p != "" {
			parts = append(parts, fmt.Sprintf("%s: %s=%s", fe.Field(), fe.Tag(), p))
		} else {
			parts = append(parts, fmt.Sprintf("%s: %s", fe.Field(), fe.Tag()))
		}
	}
	return "validation failed: " + strings.Join(parts, "; ")
}
