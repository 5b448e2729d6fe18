package advisorapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/careertrack/internal/application"
	"github.com/linnemanlabs/careertrack/internal/authmw"
	"github.com/linnemanlabs/careertrack/internal/board"
	"github.com/linnemanlabs/careertrack/internal/pipeline"
	"github.com/linnemanlabs/careertrack/internal/triage"
)

type createRequest struct {
	StudentID    string     `json:"student_id" validate:"required,max=128"`
	Company      string     `json:"company" validate:"required,max=256"`
	Role         string     `json:"role" validate:"max=256"`
	NextStep     string     `json:"next_step" validate:"max=1024"`
	NextStepDate *time.Time `json:"next_step_date"`
}

type transitionRequest struct {
	Target          string `json:"target" validate:"required"`
	Reason          string `json:"reason" validate:"max=4096"`
	ExpectedVersion int    `json:"expected_version" validate:"gte=0"`
}

type nextStepRequest struct {
	NextStep        string     `json:"next_step" validate:"max=1024"`
	NextStepDate    *time.Time `json:"next_step_date"`
	ExpectedVersion int        `json:"expected_version" validate:"gte=0"`
}

type noteRequest struct {
	Text string `json:"text" validate:"required,max=8192"`
}

// applicationView is a record with its triage verdict and legal moves.
type applicationView struct {
	Application *application.Application `json:"application"`
	Triage      triage.Result            `json:"triage"`
	NextStages  []pipeline.Stage         `json:"next_stages"`
}

type listResponse struct {
	Rows  []board.Row `json:"rows"`
	Count int         `json:"count"`
}

func (a *API) view(app *application.Application) applicationView {
	return applicationView{
		Application: app,
		Triage:      a.svc.Classify(app),
		NextStages:  pipeline.NextStages(app.Stage),
	}
}

func (a *API) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !a.decode(w, r, &req) {
		return
	}

	advisor, _ := authmw.Advisor(r.Context())
	app, err := a.svc.Create(r.Context(), application.CreateInput{
		StudentID:    req.StudentID,
		Company:      req.Company,
		Role:         req.Role,
		NextStep:     req.NextStep,
		NextStepDate: req.NextStepDate,
		Author:       advisor,
	})
	if err != nil {
		a.writeServiceError(w, r, err, "failed to create application")
		return
	}

	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("careertrack.application.id", app.ID))
	w.Header().Set("Location", "/api/v1/applications/"+app.ID)
	writeJSON(w, http.StatusCreated, a.view(app))
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	q, err := parseTableQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidInput, err.Error())
		return
	}

	items, err := a.svc.Triage(r.Context(), application.TriageOptions{
		IncludeArchived: containsStage(q.Stages, pipeline.StageArchived),
	})
	if err != nil {
		a.writeServiceError(w, r, err, "failed to list applications")
		return
	}

	rows := board.Table(items, q)
	writeJSON(w, http.StatusOK, listResponse{Rows: rows, Count: len(rows)})
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("careertrack.application.id", id))

	app, ok, err := a.svc.Get(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, r, err, "failed to get application")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, codeNotFound, "application not found")
		return
	}
	writeJSON(w, http.StatusOK, a.view(app))
}

func (a *API) handleNextStages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("careertrack.application.id", id))

	stages, err := a.svc.NextStages(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, r, err, "failed to get next stages")
		return
	}

	type stageOption struct {
		Stage          pipeline.Stage `json:"stage"`
		RequiresReason bool           `json:"requires_reason"`
		Terminal       bool           `json:"terminal"`
	}
	out := make([]stageOption, 0, len(stages))
	for _, st := range stages {
		out = append(out, stageOption{
			Stage:          st,
			RequiresReason: pipeline.RequiresReason(st),
			Terminal:       pipeline.IsTerminal(st),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"next_stages": out})
}

func (a *API) handleTransition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("careertrack.application.id", id))

	var req transitionRequest
	if !a.decode(w, r, &req) {
		return
	}
	target, err := pipeline.ParseStage(req.Target)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeUnknownStage, err.Error())
		return
	}
	span.SetAttributes(attribute.String("careertrack.stage.target", string(target)))

	advisor, _ := authmw.Advisor(r.Context())
	app, err := a.svc.Transition(r.Context(), application.TransitionInput{
		ID:              id,
		Target:          target,
		Reason:          req.Reason,
		Author:          advisor,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		a.writeServiceError(w, r, err, "failed to transition application")
		return
	}
	writeJSON(w, http.StatusOK, a.view(app))
}

func (a *API) handleSetNextStep(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("careertrack.application.id", id))

	var req nextStepRequest
	if !a.decode(w, r, &req) {
		return
	}

	app, err := a.svc.SetNextStep(r.Context(), id, req.NextStep, req.NextStepDate, req.ExpectedVersion)
	if err != nil {
		a.writeServiceError(w, r, err, "failed to set next step")
		return
	}
	writeJSON(w, http.StatusOK, a.view(app))
}

func (a *API) handleAddNote(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("careertrack.application.id", id))

	var req noteRequest
	if !a.decode(w, r, &req) {
		return
	}

	advisor, _ := authmw.Advisor(r.Context())
	app, err := a.svc.AddNote(r.Context(), id, req.Text, advisor)
	if err != nil {
		a.writeServiceError(w, r, err, "failed to add note")
		return
	}
	writeJSON(w, http.StatusCreated, a.view(app))
}

// parseTableQuery reads the table filters. stage may repeat and each value
// may hold a comma list.
func parseTableQuery(r *http.Request) (board.Query, error) {
	v := r.URL.Query()
	var q board.Query

	for _, raw := range v["stage"] {
		for _, s := range strings.Split(raw, ",") {
			if strings.TrimSpace(s) == "" {
				continue
			}
			st, err := pipeline.ParseStage(s)
			if err != nil {
				return board.Query{}, err
			}
			q.Stages = append(q.Stages, st)
		}
	}

	var err error
	if q.NeedsActionOnly, err = parseBool(v.Get("needs_action")); err != nil {
		return board.Query{}, err
	}
	if q.Desc, err = parseBool(v.Get("desc")); err != nil {
		return board.Query{}, err
	}
	if raw := v.Get("reason"); raw != "" {
		if q.Reason, err = triage.ParseReason(raw); err != nil {
			return board.Query{}, err
		}
	}
	if q.Sort, err = board.ParseSortKey(v.Get("sort")); err != nil {
		return board.Query{}, err
	}
	q.Selection = board.ParseSelection(v.Get("ids"))
	return q, nil
}

func parseBool(raw string) (bool, error) {
	if raw == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, &paramError{value: raw}
	}
	return b, nil
}

type paramError struct{ value string }

func (e *paramError) Error() string { return "invalid boolean " + strconv.Quote(e.value) }

func containsStage(stages []pipeline.Stage, want pipeline.Stage) bool {
	for _, st := range stages {
		if st == want {
			return true
		}
	}
	return false
}
