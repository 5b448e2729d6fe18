package pgstore_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/careertrack/internal/application"
	"github.com/linnemanlabs/careertrack/internal/application/pgstore"
	"github.com/linnemanlabs/careertrack/internal/pipeline"
)

func openStore(t *testing.T) *pgstore.Store {
	t.Helper()
	dsn := os.Getenv("CAREERTRACK_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("CAREERTRACK_TEST_DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	t.Cleanup(pool.Close)

	s, err := pgstore.New(ctx, pool)
	if err != nil {
		t.Fatalf("pgstore.New: %v", err)
	}
	return s
}

func newApp(now time.Time) *application.Application {
	return &application.Application{
		ID:        ulid.Make().String(),
		StudentID: "stu-pg",
		Company:   "Initech",
		Role:      "SRE Intern",
		Stage:     pipeline.StageProspect,
		Notes:     []application.Note{},
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}
}

func TestCreateAndGet(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Microsecond).UTC()
	due := now.Add(48 * time.Hour)
	a := newApp(now)
	a.NextStep = "send resume"
	a.NextStepDate = &due
	a.Notes = []application.Note{{At: now, Author: "adv", Kind: application.NoteKindNote, Text: "met at career fair"}}

	if err := s.Create(ctx, a); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, ok, err := s.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("Get returned ok=false, want true")
	}

	if diff := cmp.Diff(a, got); diff != "" {
		t.Errorf("Get mismatch (-want +got):\n%s", diff)
	}
}

func TestGetMissing(t *testing.T) {
	s := openStore(t)

	_, ok, err := s.Get(context.Background(), "does-not-exist")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false")
	}
}

func TestCreateDuplicate(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	a := newApp(time.Now().UTC())
	if err := s.Create(ctx, a); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Create(ctx, a); !errors.Is(err, application.ErrExists) {
		t.Fatalf("second Create err = %v, want ErrExists", err)
	}
}

func TestUpdateAppendsNotesAndChecksVersion(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Microsecond).UTC()
	a := newApp(now)
	if err := s.Create(ctx, a); err != nil {
		t.Fatalf("Create: %v", err)
	}

	a.ApplyTransition(pipeline.StageApplied, "submitted via portal", "adv", now.Add(time.Minute))
	if err := s.Update(ctx, a, 1); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, _, err := s.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Stage != pipeline.StageApplied {
		t.Errorf("Stage = %q, want applied", got.Stage)
	}
	if got.Version != 2 {
		t.Errorf("Version = %d, want 2", got.Version)
	}
	if len(got.Notes) != 1 || got.Notes[0].Text != "submitted via portal" {
		t.Errorf("Notes = %+v, want one transition note", got.Notes)
	}
	if got.AppliedDate == nil {
		t.Error("AppliedDate not persisted")
	}

	// writing against the old version loses
	got.NextStep = "stale write"
	if err := s.Update(ctx, got, 1); !errors.Is(err, application.ErrVersionConflict) {
		t.Fatalf("stale Update err = %v, want ErrVersionConflict", err)
	}
}

func TestUpdateMissing(t *testing.T) {
	s := openStore(t)

	a := newApp(time.Now().UTC())
	if err := s.Update(context.Background(), a, 1); !errors.Is(err, application.ErrNotFound) {
		t.Fatalf("Update err = %v, want ErrNotFound", err)
	}
}

func TestListIncludesCreated(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	base := time.Now().Truncate(time.Microsecond).UTC()
	first := newApp(base)
	second := newApp(base.Add(time.Second))
	for _, a := range []*application.Application{second, first} {
		if err := s.Create(ctx, a); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	list, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}

	pos := map[string]int{}
	for i, a := range list {
		pos[a.ID] = i
		if a.Notes == nil {
			t.Errorf("application %s has nil notes", a.ID)
		}
	}
	i, ok1 := pos[first.ID]
	j, ok2 := pos[second.ID]
	if !ok1 || !ok2 {
		t.Fatal("created applications missing from List")
	}
	if i > j {
		t.Errorf("List order: %s at %d after %s at %d", first.ID, i, second.ID, j)
	}
}
