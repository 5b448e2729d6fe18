package advisorapi

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/careertrack/internal/application"
	"github.com/linnemanlabs/careertrack/internal/board"
)

type boardResponse struct {
	Columns []board.Column `json:"columns"`
}

func (a *API) handleBoard(w http.ResponseWriter, r *http.Request) {
	includeArchived, err := parseBool(r.URL.Query().Get("include_archived"))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidInput, err.Error())
		return
	}

	items, err := a.svc.Triage(r.Context(), application.TriageOptions{IncludeArchived: includeArchived})
	if err != nil {
		a.writeServiceError(w, r, err, "failed to build board")
		return
	}

	trace.SpanFromContext(r.Context()).SetAttributes(attribute.Int("careertrack.board.cards", len(items)))
	writeJSON(w, http.StatusOK, boardResponse{
		Columns: board.Kanban(items, board.KanbanOptions{IncludeArchived: includeArchived}),
	})
}

func (a *API) handleSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := a.svc.Summary(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err, "failed to summarize triage")
		return
	}
	writeJSON(w, http.StatusOK, sum)
}
