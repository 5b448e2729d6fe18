// Package advisorapi serves the advisor-facing HTTP API: application CRUD,
// stage transitions, the kanban board, table views and triage badges.
package advisorapi

import (
	"context"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/careertrack/internal/application"
	"github.com/linnemanlabs/careertrack/internal/pipeline"
	"github.com/linnemanlabs/careertrack/internal/triage"
)

// ApplicationService defines the business operations advisorapi needs.
type ApplicationService interface {
	Create(ctx context.Context, in application.CreateInput) (*application.Application, error)
	Get(ctx context.Context, id string) (*application.Application, bool, error)
	NextStages(ctx context.Context, id string) ([]pipeline.Stage, error)
	Transition(ctx context.Context, in application.TransitionInput) (*application.Application, error)
	SetNextStep(ctx context.Context, id, step string, due *time.Time, expectedVersion int) (*application.Application, error)
	AddNote(ctx context.Context, id, text, author string) (*application.Application, error)
	Classify(app *application.Application) triage.Result
	Triage(ctx context.Context, opts application.TriageOptions) ([]triage.Item[*application.Application], error)
	Summary(ctx context.Context) (triage.Summary, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger   log.Logger
	svc      ApplicationService
	validate *validator.Validate
}

// New creates a new API handler.
func New(logger log.Logger, svc ApplicationService) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("application service is required"))
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	// report fields by their JSON names
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &API{
		logger:   logger,
		svc:      svc,
		validate: v,
	}
}

// RegisterRoutes attaches API endpoints to the router. Middlewares wrap only
// the /api/v1 subtree, so health endpoints stay unauthenticated.
func (a *API) RegisterRoutes(r chi.Router, middlewares ...func(http.Handler) http.Handler) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middlewares...)

		r.Post("/applications", a.handleCreate)
		r.Get("/applications", a.handleList)
		r.Get("/applications/{id}", a.handleGet)
		r.Get("/applications/{id}/next-stages", a.handleNextStages)
		r.Post("/applications/{id}/transitions", a.handleTransition)
		r.Put("/applications/{id}/next-step", a.handleSetNextStep)
		r.Post("/applications/{id}/notes", a.handleAddNote)

		r.Get("/board", a.handleBoard)
		r.Get("/triage/summary", a.handleSummary)
	})
}
