package application

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/careertrack/internal/pipeline"
	"github.com/linnemanlabs/careertrack/internal/triage"
)

var tracer = otel.Tracer("github.com/linnemanlabs/careertrack/internal/application")

// ErrInvalidInput wraps request problems the caller can fix.
var ErrInvalidInput = errors.New("invalid input")

// TransitionEvent describes a stage change that was persisted.
type TransitionEvent struct {
	Application *Application
	From        pipeline.Stage
	To          pipeline.Stage
	Reason      string
	Author      string
	At          time.Time
}

// Notifier is told about persisted stage transitions.
type Notifier interface {
	Send(ctx context.Context, ev *TransitionEvent) error
}

// CreateInput registers a new target opportunity for a student.
type CreateInput struct {
	StudentID    string
	Company      string
	Role         string
	NextStep     string
	NextStepDate *time.Time
	Author       string
}

// TransitionInput requests a stage change. A zero ExpectedVersion skips
// the caller-side version check; the store still guards the write.
type TransitionInput struct {
	ID              string
	Target          pipeline.Stage
	Reason          string
	Author          string
	ExpectedVersion int
}

// TriageOptions controls which applications Triage returns.
type TriageOptions struct {
	IncludeArchived bool
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service is the business boundary for application records: it validates
// mutations against the stage graph, persists them, and classifies records
// for triage.
type Service struct {
	store      Store
	classifier *triage.Classifier
	logger     log.Logger
	metrics    *Metrics
	notifier   Notifier
	now        func() time.Time
}

// NewService creates a new application service. metrics and notifier may be nil.
func NewService(store Store, classifier *triage.Classifier, logger log.Logger, metrics *Metrics, notifier Notifier, opts ...Option) *Service {
	if store == nil {
		panic(xerrors.New("application store is required"))
	}
	if classifier == nil {
		panic(xerrors.New("triage classifier is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	s := &Service{
		store:      store,
		classifier: classifier,
		logger:     logger,
		metrics:    metrics,
		notifier:   notifier,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Classifier returns the classifier the service triages with.
func (s *Service) Classifier() *triage.Classifier { return s.classifier }

// Now returns the service clock reading.
func (s *Service) Now() time.Time { return s.now() }

// Create registers a new application in the prospect stage.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Application, error) {
	ctx, span := tracer.Start(ctx, "application.Create")
	defer span.End()

	studentID := strings.TrimSpace(in.StudentID)
	company := strings.TrimSpace(in.Company)
	if studentID == "" || company == "" {
		err := fmt.Errorf("%w: student_id and company are required", ErrInvalidInput)
		recordSpanError(span, err)
		return nil, err
	}

	now := s.now()
	app := &Application{
		ID:           ulid.Make().String(),
		StudentID:    studentID,
		Company:      company,
		Role:         strings.TrimSpace(in.Role),
		Stage:        pipeline.StageProspect,
		NextStep:     strings.TrimSpace(in.NextStep),
		NextStepDate: cloneTime(in.NextStepDate),
		Notes:        []Note{},
		CreatedAt:    now,
		UpdatedAt:    now,
		Version:      1,
	}

	if err := s.store.Create(ctx, app); err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("careertrack.application.id", app.ID))
	s.metrics.observeCreated()

	s.logger.Info(ctx, "application created",
		"application_id", app.ID,
		"student_id", app.StudentID,
		"company", app.Company,
		"author", in.Author,
	)
	return app.Clone(), nil
}

// Get retrieves an application by ID.
func (s *Service) Get(ctx context.Context, id string) (*Application, bool, error) {
	return s.store.Get(ctx, id)
}

// List returns every application, archived included.
func (s *Service) List(ctx context.Context) ([]*Application, error) {
	return s.store.List(ctx)
}

// NextStages returns the stages the application can move to next.
func (s *Service) NextStages(ctx context.Context, id string) ([]pipeline.Stage, error) {
	app, err := s.mustGet(ctx, id)
	if err != nil {
		return nil, err
	}
	return pipeline.NextStages(app.Stage), nil
}

// Transition validates and persists a stage change.
func (s *Service) Transition(ctx context.Context, in TransitionInput) (*Application, error) {
	ctx, span := tracer.Start(ctx, "application.Transition", trace.WithAttributes(
		attribute.String("careertrack.application.id", in.ID),
		attribute.String("careertrack.stage.target", string(in.Target)),
	))
	defer span.End()

	L := s.logger.With("application_id", in.ID, "target", string(in.Target))

	app, err := s.mustGet(ctx, in.ID)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	from := app.Stage
	span.SetAttributes(attribute.String("careertrack.stage.from", string(from)))

	if in.ExpectedVersion != 0 && in.ExpectedVersion != app.Version {
		err := fmt.Errorf("%w: have version %d, request expected %d", ErrVersionConflict, app.Version, in.ExpectedVersion)
		s.metrics.observeRejected(err)
		recordSpanError(span, err)
		return nil, err
	}

	if err := pipeline.ValidateTransition(from, in.Target, in.Reason); err != nil {
		s.metrics.observeRejected(err)
		L.Warn(ctx, "stage transition rejected", "from", string(from), "error", err.Error())
		recordSpanError(span, err)
		return nil, err
	}

	now := s.now()
	version := app.Version
	app.ApplyTransition(in.Target, in.Reason, in.Author, now)

	if err := s.store.Update(ctx, app, version); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			s.metrics.observeRejected(err)
		}
		recordSpanError(span, err)
		return nil, err
	}

	s.metrics.observeTransition(from, in.Target, strings.TrimSpace(in.Reason) != "")
	L.Info(ctx, "stage transition applied",
		"from", string(from),
		"author", in.Author,
		"version", app.Version,
	)

	if s.notifier != nil {
		ev := &TransitionEvent{
			Application: app.Clone(),
			From:        from,
			To:          in.Target,
			Reason:      in.Reason,
			Author:      in.Author,
			At:          now,
		}
		// notification is best-effort and must not hold up the caller
		go s.notify(context.WithoutCancel(ctx), ev)
	}

	return app.Clone(), nil
}

// SetNextStep replaces the next step and due date.
func (s *Service) SetNextStep(ctx context.Context, id, step string, due *time.Time, expectedVersion int) (*Application, error) {
	ctx, span := tracer.Start(ctx, "application.SetNextStep", trace.WithAttributes(
		attribute.String("careertrack.application.id", id),
	))
	defer span.End()

	app, err := s.mustGet(ctx, id)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	if expectedVersion != 0 && expectedVersion != app.Version {
		err := fmt.Errorf("%w: have version %d, request expected %d", ErrVersionConflict, app.Version, expectedVersion)
		recordSpanError(span, err)
		return nil, err
	}

	version := app.Version
	app.SetNextStep(step, due, s.now())
	if err := s.store.Update(ctx, app, version); err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	return app.Clone(), nil
}

// AddNote appends an advisor note.
func (s *Service) AddNote(ctx context.Context, id, text, author string) (*Application, error) {
	ctx, span := tracer.Start(ctx, "application.AddNote", trace.WithAttributes(
		attribute.String("careertrack.application.id", id),
	))
	defer span.End()

	if strings.TrimSpace(text) == "" {
		err := fmt.Errorf("%w: note text is required", ErrInvalidInput)
		recordSpanError(span, err)
		return nil, err
	}

	app, err := s.mustGet(ctx, id)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}

	version := app.Version
	app.AppendNote(text, author, s.now())
	if err := s.store.Update(ctx, app, version); err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	s.metrics.observeNote()
	return app.Clone(), nil
}

// Classify triages a single application at the service clock.
func (s *Service) Classify(app *Application) triage.Result {
	return s.classifier.Classify(app, s.now())
}

// Triage classifies the stored applications at the service clock. Archived
// applications are left out unless requested.
func (s *Service) Triage(ctx context.Context, opts TriageOptions) ([]triage.Item[*Application], error) {
	ctx, span := tracer.Start(ctx, "application.Triage")
	defer span.End()

	apps, err := s.store.List(ctx)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}

	kept := apps[:0]
	for _, a := range apps {
		if a.Stage == pipeline.StageArchived && !opts.IncludeArchived {
			continue
		}
		kept = append(kept, a)
	}

	items := triage.ClassifyAll(s.classifier, kept, s.now())
	span.SetAttributes(attribute.Int("careertrack.triage.count", len(items)))
	return items, nil
}

// Summary returns badge counts over the non-archived applications.
func (s *Service) Summary(ctx context.Context) (triage.Summary, error) {
	items, err := s.Triage(ctx, TriageOptions{})
	if err != nil {
		return triage.Summary{}, err
	}
	return triage.Summarize(items), nil
}

func (s *Service) mustGet(ctx context.Context, id string) (*Application, error) {
	app, ok, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return app, nil
}

func (s *Service) notify(ctx context.Context, ev *TransitionEvent) {
	if err := s.notifier.Send(ctx, ev); err != nil {
		s.metrics.observeNotifyError()
		s.logger.Error(ctx, err, "transition notification failed",
			"application_id", ev.Application.ID,
			"to", string(ev.To),
		)
	}
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
