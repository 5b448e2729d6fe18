// Package pgstore provides a PostgreSQL implementation of application.Store.
package pgstore

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/careertrack/internal/application"
	"github.com/linnemanlabs/careertrack/internal/pipeline"
)

var tracer = otel.Tracer("github.com/linnemanlabs/careertrack/internal/application/pgstore")

//go:embed migrations/*.sql
var migrations embed.FS

// Store persists applications in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New runs pending migrations on pool and returns a ready Store. The caller
// owns the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if err := Migrate(ctx, pool); err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Migrate applies the embedded goose migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer func() { _ = db.Close() }()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

const appColumns = `id, student_id, company, role, stage, applied_date, next_step,
	next_step_date, created_at, updated_at, version`

// Get retrieves an application by ID.
func (s *Store) Get(ctx context.Context, id string) (*application.Application, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Get", "SELECT")
	defer span.End()

	a, err := scanApplication(s.pool.QueryRow(ctx, `SELECT `+appColumns+` FROM applications WHERE id = $1`, id))
	if err != nil {
		recordError(span, err)
		return nil, false, err
	}
	if a == nil {
		return nil, false, nil
	}

	notes, err := s.loadNotes(ctx, s.pool, []string{a.ID})
	if err != nil {
		recordError(span, err)
		return nil, false, err
	}
	a.Notes = notesOrEmpty(notes[a.ID])
	return a, true, nil
}

// List returns every application ordered by creation time, then ID.
func (s *Store) List(ctx context.Context) ([]*application.Application, error) {
	ctx, span := startSpan(ctx, "pgstore.List", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT `+appColumns+` FROM applications ORDER BY created_at, id`)
	if err != nil {
		recordError(span, err)
		return nil, fmt.Errorf("query applications: %w", err)
	}
	defer rows.Close()

	var (
		apps []*application.Application
		ids  []string
	)
	for rows.Next() {
		a, err := scanApplication(rows)
		if err != nil {
			recordError(span, err)
			return nil, err
		}
		apps = append(apps, a)
		ids = append(ids, a.ID)
	}
	if err := rows.Err(); err != nil {
		recordError(span, err)
		return nil, fmt.Errorf("iterate applications: %w", err)
	}

	notes, err := s.loadNotes(ctx, s.pool, ids)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	for _, a := range apps {
		a.Notes = notesOrEmpty(notes[a.ID])
	}

	span.SetAttributes(attribute.Int("db.rows", len(apps)))
	return apps, nil
}

// Create inserts a new application and its notes.
func (s *Store) Create(ctx context.Context, a *application.Application) error {
	ctx, span := startSpan(ctx, "pgstore.Create", "INSERT")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		recordError(span, err)
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	_, err = tx.Exec(ctx, `INSERT INTO applications (`+appColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		a.ID, a.StudentID, a.Company, a.Role, string(a.Stage), a.AppliedDate, a.NextStep,
		a.NextStepDate, a.CreatedAt, a.UpdatedAt, a.Version,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			err = fmt.Errorf("%w: %s", application.ErrExists, a.ID)
		} else {
			err = fmt.Errorf("insert application: %w", err)
		}
		recordError(span, err)
		return err
	}

	if err := insertNotes(ctx, tx, a.ID, 0, a.Notes); err != nil {
		recordError(span, err)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		recordError(span, err)
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Update writes a's fields when the stored version equals expectedVersion
// and appends any notes beyond those already stored.
func (s *Store) Update(ctx context.Context, a *application.Application, expectedVersion int) error {
	ctx, span := startSpan(ctx, "pgstore.Update", "UPDATE")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		recordError(span, err)
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	tag, err := tx.Exec(ctx, `UPDATE applications SET
		student_id     = $3,
		company        = $4,
		role           = $5,
		stage          = $6,
		applied_date   = $7,
		next_step      = $8,
		next_step_date = $9,
		updated_at     = $10,
		version        = $11
	WHERE id = $1 AND version = $2`,
		a.ID, expectedVersion, a.StudentID, a.Company, a.Role, string(a.Stage), a.AppliedDate,
		a.NextStep, a.NextStepDate, a.UpdatedAt, a.Version,
	)
	if err != nil {
		recordError(span, err)
		return fmt.Errorf("update application: %w", err)
	}
	if tag.RowsAffected() == 0 {
		err := s.missOrConflict(ctx, tx, a.ID, expectedVersion)
		recordError(span, err)
		return err
	}

	var stored int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM application_notes WHERE application_id = $1`, a.ID).Scan(&stored); err != nil {
		recordError(span, err)
		return fmt.Errorf("count notes: %w", err)
	}
	if stored > len(a.Notes) {
		err := fmt.Errorf("%w: notes are append-only (stored %d, got %d)", application.ErrVersionConflict, stored, len(a.Notes))
		recordError(span, err)
		return err
	}
	if err := insertNotes(ctx, tx, a.ID, stored, a.Notes[stored:]); err != nil {
		recordError(span, err)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		recordError(span, err)
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) missOrConflict(ctx context.Context, tx pgx.Tx, id string, expected int) error {
	var version int
	err := tx.QueryRow(ctx, `SELECT version FROM applications WHERE id = $1`, id).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", application.ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	return fmt.Errorf("%w: stored version %d, expected %d", application.ErrVersionConflict, version, expected)
}

func insertNotes(ctx context.Context, tx pgx.Tx, appID string, firstSeq int, notes []application.Note) error {
	for i, n := range notes {
		seq := firstSeq + i
		_, err := tx.Exec(ctx,
			`INSERT INTO application_notes (application_id, seq, at, author, kind, from_stage, to_stage, text)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			appID, seq, n.At, n.Author, string(n.Kind), string(n.From), string(n.To), n.Text,
		)
		if err != nil {
			return fmt.Errorf("insert note seq %d: %w", seq, err)
		}
	}
	return nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// loadNotes reads notes for the given applications, keyed by application ID,
// each slice in append order.
func (s *Store) loadNotes(ctx context.Context, q querier, ids []string) (map[string][]application.Note, error) {
	out := make(map[string][]application.Note, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := q.Query(ctx,
		`SELECT application_id, at, author, kind, from_stage, to_stage, text
		 FROM application_notes WHERE application_id = ANY($1) ORDER BY application_id, seq`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("query notes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			appID, author, kind, from, to, text string
			at                                  time.Time
		)
		if err := rows.Scan(&appID, &at, &author, &kind, &from, &to, &text); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		out[appID] = append(out[appID], application.Note{
			At:     at,
			Author: author,
			Kind:   application.NoteKind(kind),
			From:   pipeline.Stage(from),
			To:     pipeline.Stage(to),
			Text:   text,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notes: %w", err)
	}
	return out, nil
}

// scanApplication scans a single row into an Application (without notes).
// Returns (nil, nil) when no row is found.
func scanApplication(row pgx.Row) (*application.Application, error) {
	var (
		a     application.Application
		stage string
	)
	err := row.Scan(
		&a.ID, &a.StudentID, &a.Company, &a.Role, &stage, &a.AppliedDate, &a.NextStep,
		&a.NextStepDate, &a.CreatedAt, &a.UpdatedAt, &a.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", err)
	}

	a.Stage, err = pipeline.ParseStage(stage)
	if err != nil {
		return nil, fmt.Errorf("application %s: %w", a.ID, err)
	}
	return &a, nil
}

func notesOrEmpty(n []application.Note) []application.Note {
	if n == nil {
		return []application.Note{}
	}
	return n
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
