package application_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/careertrack/internal/application"
	"github.com/linnemanlabs/careertrack/internal/application/memstore"
	"github.com/linnemanlabs/careertrack/internal/pipeline"
	"github.com/linnemanlabs/careertrack/internal/triage"
)

var refNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

// clock is a settable time source shared by a service under test.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// chanNotifier delivers transition events to a channel.
type chanNotifier struct {
	events chan *application.TransitionEvent
	err    error
}

func newChanNotifier(err error) *chanNotifier {
	return &chanNotifier{events: make(chan *application.TransitionEvent, 8), err: err}
}

func (n *chanNotifier) Send(_ context.Context, ev *application.TransitionEvent) error {
	n.events <- ev
	return n.err
}

func (n *chanNotifier) next(t *testing.T) *application.TransitionEvent {
	t.Helper()
	select {
	case ev := <-n.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transition notification")
		return nil
	}
}

// conflictStore simulates a concurrent writer winning the race on Update.
type conflictStore struct {
	*memstore.Store
}

func (conflictStore) Update(context.Context, *application.Application, int) error {
	return application.ErrVersionConflict
}

type fixture struct {
	svc     *application.Service
	store   application.Store
	clock   *clock
	metrics *application.Metrics
}

func newFixture(t *testing.T, store application.Store, notifier application.Notifier) *fixture {
	t.Helper()
	c, err := triage.NewClassifier(triage.DefaultConfig())
	if err != nil {
		t.Fatalf("NewClassifier: %v", err)
	}
	if store == nil {
		store = memstore.New()
	}
	clk := &clock{t: refNow}
	m := application.NewMetrics(prometheus.NewRegistry())
	return &fixture{
		svc:     application.NewService(store, c, log.Nop(), m, notifier, application.WithClock(clk.Now)),
		store:   store,
		clock:   clk,
		metrics: m,
	}
}

func (f *fixture) create(t *testing.T, company string) *application.Application {
	t.Helper()
	app, err := f.svc.Create(context.Background(), application.CreateInput{
		StudentID: "stu-1",
		Company:   company,
		Role:      "Intern",
		NextStep:  "research team",
		Author:    "rivera",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return app
}

func TestNewService_PanicsWithoutDependencies(t *testing.T) {
	t.Parallel()

	c, _ := triage.NewClassifier(triage.DefaultConfig())
	tests := []struct {
		name  string
		store application.Store
		cls   *triage.Classifier
	}{
		{"nil store", nil, c},
		{"nil classifier", memstore.New(), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			defer func() {
				if recover() == nil {
					t.Error("expected panic")
				}
			}()
			application.NewService(tt.store, tt.cls, nil, nil, nil)
		})
	}
}

func TestService_Create(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, nil)
	app, err := f.svc.Create(context.Background(), application.CreateInput{
		StudentID: "  stu-9 ",
		Company:   " Initech ",
		Role:      " Data Intern ",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if app.ID == "" {
		t.Error("expected generated ID")
	}
	if app.StudentID != "stu-9" || app.Company != "Initech" || app.Role != "Data Intern" {
		t.Errorf("fields not trimmed: %+v", app)
	}
	if app.Stage != pipeline.StageProspect {
		t.Errorf("Stage = %q, want prospect", app.Stage)
	}
	if app.Version != 1 || !app.CreatedAt.Equal(refNow) || !app.UpdatedAt.Equal(refNow) {
		t.Errorf("version/timestamps = %d %v %v", app.Version, app.CreatedAt, app.UpdatedAt)
	}
	if app.Notes == nil {
		t.Error("Notes should be an empty slice, not nil")
	}
	if got := testutil.ToFloat64(f.metrics.CreatedTotal); got != 1 {
		t.Errorf("created metric = %v, want 1", got)
	}
}

func TestService_CreateRequiresStudentAndCompany(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, nil)
	for _, in := range []application.CreateInput{
		{StudentID: "", Company: "Acme"},
		{StudentID: "stu-1", Company: "   "},
	} {
		if _, err := f.svc.Create(context.Background(), in); !errors.Is(err, application.ErrInvalidInput) {
			t.Errorf("Create(%+v) error = %v, want ErrInvalidInput", in, err)
		}
	}
}

func TestService_TransitionRoundTrip(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, nil)
	ctx := context.Background()
	app := f.create(t, "Acme")

	path := []pipeline.Stage{
		pipeline.StageApplied,
		pipeline.StageInterview,
		pipeline.StageOffer,
		pipeline.StageAccepted,
	}
	for i, to := range path {
		f.clock.Set(refNow.Add(time.Duration(i+1) * 24 * time.Hour))
		got, err := f.svc.Transition(ctx, application.TransitionInput{ID: app.ID, Target: to, Author: "rivera"})
		if err != nil {
			t.Fatalf("Transition to %s: %v", to, err)
		}
		if got.Stage != to {
			t.Fatalf("Stage = %q, want %q", got.Stage, to)
		}
	}

	stored, ok, err := f.store.Get(ctx, app.ID)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if stored.Stage != pipeline.StageAccepted {
		t.Errorf("stored stage = %q, want accepted", stored.Stage)
	}
	if stored.Version != 5 {
		t.Errorf("stored version = %d, want 5", stored.Version)
	}
	if want := refNow.Add(24 * time.Hour); stored.AppliedDate == nil || !stored.AppliedDate.Equal(want) {
		t.Errorf("AppliedDate = %v, want %v", stored.AppliedDate, want)
	}
	if got := testutil.ToFloat64(f.metrics.TransitionsTotal.WithLabelValues("offer", "accepted")); got != 1 {
		t.Errorf("offer->accepted transitions = %v, want 1", got)
	}

	next, err := f.svc.NextStages(ctx, app.ID)
	if err != nil {
		t.Fatalf("NextStages: %v", err)
	}
	if len(next) != 0 {
		t.Errorf("accepted next stages = %v, want none", next)
	}
}

func TestService_TransitionRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		target   pipeline.Stage
		reason   string
		version  int
		missing  bool
		wantErr  error
		wantKind string
	}{
		{name: "skip ahead", target: pipeline.StageOffer, wantErr: pipeline.ErrIllegalTransition, wantKind: "illegal_transition"},
		{name: "unknown target", target: pipeline.Stage("ghosted"), wantErr: pipeline.ErrIllegalTransition, wantKind: "illegal_transition"},
		{name: "withdraw without reason", target: pipeline.StageWithdrawn, wantErr: pipeline.ErrMissingReason, wantKind: "missing_reason"},
		{name: "whitespace reason", target: pipeline.StageArchived, reason: " \n\t", wantErr: pipeline.ErrMissingReason, wantKind: "missing_reason"},
		{name: "stale expected version", target: pipeline.StageApplied, version: 7, wantErr: application.ErrVersionConflict, wantKind: "version_conflict"},
		{name: "unknown application", target: pipeline.StageApplied, missing: true, wantErr: application.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, nil, nil)
			ctx := context.Background()
			app := f.create(t, "Acme")
			id := app.ID
			if tt.missing {
				id = "does-not-exist"
			}

			_, err := f.svc.Transition(ctx, application.TransitionInput{
				ID:              id,
				Target:          tt.target,
				Reason:          tt.reason,
				ExpectedVersion: tt.version,
			})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}

			stored, _, _ := f.store.Get(ctx, app.ID)
			if stored.Stage != pipeline.StageProspect || stored.Version != 1 {
				t.Errorf("rejected transition changed record: stage=%q version=%d", stored.Stage, stored.Version)
			}
			if tt.wantKind != "" {
				if got := testutil.ToFloat64(f.metrics.RejectedTotal.WithLabelValues(tt.wantKind)); got != 1 {
					t.Errorf("rejected{%s} = %v, want 1", tt.wantKind, got)
				}
			}
		})
	}
}

func TestService_TransitionErrorCarriesStages(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, nil)
	app := f.create(t, "Acme")

	_, err := f.svc.Transition(context.Background(), application.TransitionInput{ID: app.ID, Target: pipeline.StageAccepted})
	var te *pipeline.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("error = %v, want *pipeline.TransitionError", err)
	}
	if te.From != pipeline.StageProspect || te.To != pipeline.StageAccepted {
		t.Errorf("TransitionError = %s -> %s", te.From, te.To)
	}
}

func TestService_TransitionStoreConflict(t *testing.T) {
	t.Parallel()

	mem := memstore.New()
	f := newFixture(t, conflictStore{mem}, nil)
	app := f.create(t, "Acme")

	_, err := f.svc.Transition(context.Background(), application.TransitionInput{ID: app.ID, Target: pipeline.StageApplied})
	if !errors.Is(err, application.ErrVersionConflict) {
		t.Fatalf("error = %v, want ErrVersionConflict", err)
	}
	if got := testutil.ToFloat64(f.metrics.RejectedTotal.WithLabelValues("version_conflict")); got != 1 {
		t.Errorf("rejected{version_conflict} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(f.metrics.TransitionsTotal.WithLabelValues("prospect", "applied")); got != 0 {
		t.Errorf("conflicted transition counted as applied: %v", got)
	}
}

func TestService_TransitionNotifies(t *testing.T) {
	t.Parallel()

	n := newChanNotifier(nil)
	f := newFixture(t, nil, n)
	app := f.create(t, "Acme")

	reason := "  offer from another firm  "
	if _, err := f.svc.Transition(context.Background(), application.TransitionInput{
		ID: app.ID, Target: pipeline.StageWithdrawn, Reason: reason, Author: "rivera",
	}); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	ev := n.next(t)
	if ev.From != pipeline.StageProspect || ev.To != pipeline.StageWithdrawn {
		t.Errorf("event stages = %s -> %s", ev.From, ev.To)
	}
	if ev.Reason != reason || ev.Author != "rivera" || !ev.At.Equal(refNow) {
		t.Errorf("event = %+v", ev)
	}
	if ev.Application.Stage != pipeline.StageWithdrawn || ev.Application.Version != 2 {
		t.Errorf("event application = stage %q version %d", ev.Application.Stage, ev.Application.Version)
	}

	stored, _, _ := f.store.Get(context.Background(), app.ID)
	if len(stored.Notes) != 1 || stored.Notes[0].Text != reason {
		t.Errorf("stored notes = %+v, want reason verbatim", stored.Notes)
	}
}

func TestService_NotifyFailureIsCounted(t *testing.T) {
	t.Parallel()

	n := newChanNotifier(errors.New("webhook down"))
	f := newFixture(t, nil, n)
	app := f.create(t, "Acme")

	if _, err := f.svc.Transition(context.Background(), application.TransitionInput{ID: app.ID, Target: pipeline.StageApplied}); err != nil {
		t.Fatalf("Transition should succeed when notification fails: %v", err)
	}
	n.next(t)

	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(f.metrics.NotifyErrors) != 1 {
		if time.Now().After(deadline) {
			t.Fatal("notify error metric never reached 1")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestService_SetNextStep(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, nil)
	ctx := context.Background()
	app := f.create(t, "Acme")

	due := refNow.Add(48 * time.Hour)
	got, err := f.svc.SetNextStep(ctx, app.ID, "phone screen prep", &due, app.Version)
	if err != nil {
		t.Fatalf("SetNextStep: %v", err)
	}
	if got.NextStep != "phone screen prep" || !got.NextStepDate.Equal(due) || got.Version != 2 {
		t.Errorf("got %+v", got)
	}

	res := f.svc.Classify(got)
	if !res.IsDueSoon || !res.NeedsAction {
		t.Errorf("Classify = %+v, want due soon", res)
	}

	if _, err := f.svc.SetNextStep(ctx, app.ID, "x", nil, 1); !errors.Is(err, application.ErrVersionConflict) {
		t.Errorf("stale version error = %v, want ErrVersionConflict", err)
	}
	if _, err := f.svc.SetNextStep(ctx, "missing", "x", nil, 0); !errors.Is(err, application.ErrNotFound) {
		t.Errorf("missing error = %v, want ErrNotFound", err)
	}
}

func TestService_AddNote(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, nil)
	ctx := context.Background()
	app := f.create(t, "Acme")

	if _, err := f.svc.AddNote(ctx, app.ID, "   ", "rivera"); !errors.Is(err, application.ErrInvalidInput) {
		t.Fatalf("blank note error = %v, want ErrInvalidInput", err)
	}

	got, err := f.svc.AddNote(ctx, app.ID, "met at career fair", "rivera")
	if err != nil {
		t.Fatalf("AddNote: %v", err)
	}
	if len(got.Notes) != 1 || got.Notes[0].Kind != application.NoteKindNote || got.Notes[0].Author != "rivera" {
		t.Errorf("notes = %+v", got.Notes)
	}
	if got := testutil.ToFloat64(f.metrics.NotesTotal.WithLabelValues("note")); got != 1 {
		t.Errorf("notes metric = %v, want 1", got)
	}
}

func TestService_TriageExcludesArchived(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, nil)
	ctx := context.Background()

	keep := f.create(t, "Acme")
	gone := f.create(t, "Globex")
	if _, err := f.svc.Transition(ctx, application.TransitionInput{ID: gone.ID, Target: pipeline.StageArchived, Reason: "posting closed"}); err != nil {
		t.Fatalf("archive: %v", err)
	}

	// three weeks later nothing has moved
	f.clock.Set(refNow.Add(21 * 24 * time.Hour))

	items, err := f.svc.Triage(ctx, application.TriageOptions{})
	if err != nil {
		t.Fatalf("Triage: %v", err)
	}
	if len(items) != 1 || items[0].Subject.ID != keep.ID {
		t.Fatalf("Triage = %d items, want only %s", len(items), keep.ID)
	}
	if r := items[0].Result; !r.IsStale || r.DaysSinceUpdate != 21 || r.Urgency != triage.UrgencyMedium {
		t.Errorf("result = %+v, want stale at 21 days", r)
	}

	all, err := f.svc.Triage(ctx, application.TriageOptions{IncludeArchived: true})
	if err != nil {
		t.Fatalf("Triage all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("Triage with archived = %d items, want 2", len(all))
	}
	for _, it := range all {
		if it.Subject.ID == gone.ID && it.Result.NeedsAction {
			t.Error("archived application must never need action")
		}
	}

	sum, err := f.svc.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.Total != 1 || sum.NeedsAction != 1 || sum.ByReason[triage.ReasonStale] != 1 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestService_TransitionSpans(t *testing.T) {
	// Not parallel: swaps the global OTel tracer provider.

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	f := newFixture(t, nil, nil)
	ctx := context.Background()
	app := f.create(t, "Acme")

	if _, err := f.svc.Transition(ctx, application.TransitionInput{ID: app.ID, Target: pipeline.StageApplied}); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	_, _ = f.svc.Transition(ctx, application.TransitionInput{ID: app.ID, Target: pipeline.StageAccepted})

	var ok, failed int
	for _, s := range exporter.GetSpans() {
		if s.Name != "application.Transition" {
			continue
		}
		if s.Status.Code == codes.Error {
			failed++
		} else {
			ok++
		}
	}
	if ok != 1 || failed != 1 {
		t.Errorf("transition spans ok=%d failed=%d, want 1 and 1", ok, failed)
	}
}
