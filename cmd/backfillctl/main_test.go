package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/kursadbilgin/backfill-engine/internal/domain"
	"github.com/kursadbilgin/backfill-engine/internal/events"
	"github.com/kursadbilgin/backfill-engine/internal/infra/postgresql/migrations"
	"github.com/kursadbilgin/backfill-engine/internal/infra/sqlite"
	"github.com/kursadbilgin/backfill-engine/internal/repository"
)

const assessmentNumbersFilename = "20240115120000_assign_assessment_numbers.go"

func newCLITestDB(t *testing.T) (*gorm.DB, int64) {
	t.Helper()

	db, err := sqlite.NewSQLite(filepath.Join(t.TempDir(), "backfillctl.db"))
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := migrations.Migrate(db); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	m, _, err := repository.NewGormMigrationRepo(db).Enqueue(context.Background(), &domain.BatchedMigration{
		Project:   "acme",
		Filename:  assessmentNumbersFilename,
		Status:    domain.MigrationStatusPending,
		MinValue:  1,
		MaxValue:  21,
		BatchSize: 10,
	})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	return db, m.ID
}

func execute(t *testing.T, db *gorm.DB, args ...string) (string, error) {
	t.Helper()
	return executeWithEvents(t, db, nil, args...)
}

func executeWithEvents(t *testing.T, db *gorm.DB, consumer events.Consumer, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	open := func(project string) (*engine, error) {
		if project == "" {
			project = "acme"
		}
		e, err := newEngine(db, project, time.Second, zap.NewNop())
		if err != nil {
			return nil, err
		}
		// The test owns the database.
		e.close = nil
		e.events = consumer
		return e, nil
	}

	app := newRootCommand(&out, open)
	app.SetArgs(args)
	app.SetErr(&bytes.Buffer{})
	err := app.Execute()
	return out.String(), err
}

func TestListTable(t *testing.T) {
	t.Parallel()

	db, _ := newCLITestDB(t)

	out, err := execute(t, db, "list")
	if err != nil {
		t.Fatalf("list error = %v", err)
	}
	for _, want := range []string{assessmentNumbersFilename, "pending", "0/2"} {
		if !strings.Contains(out, want) {
			t.Fatalf("list output missing %q:\n%s", want, out)
		}
	}
}

func TestListOtherProjectIsEmpty(t *testing.T) {
	t.Parallel()

	db, _ := newCLITestDB(t)

	out, err := execute(t, db, "list", "--project", "other", "--format", "json")
	if err != nil {
		t.Fatalf("list error = %v", err)
	}
	var views []migrationView
	if err := json.Unmarshal([]byte(out), &views); err != nil {
		t.Fatalf("unmarshal list output: %v\n%s", err, out)
	}
	if len(views) != 0 {
		t.Fatalf("views = %+v, want none", views)
	}
}

func TestListFiltersByStatus(t *testing.T) {
	t.Parallel()

	db, _ := newCLITestDB(t)

	out, err := execute(t, db, "list", "--status", "Pending", "-f", "json")
	if err != nil {
		t.Fatalf("list error = %v", err)
	}
	var views []migrationView
	if err := json.Unmarshal([]byte(out), &views); err != nil {
		t.Fatalf("unmarshal list output: %v\n%s", err, out)
	}
	if len(views) != 1 || views[0].Status != "pending" {
		t.Fatalf("pending views = %+v, want one", views)
	}

	out, err = execute(t, db, "list", "--status", "running", "-f", "json")
	if err != nil {
		t.Fatalf("list error = %v", err)
	}
	views = nil
	if err := json.Unmarshal([]byte(out), &views); err != nil {
		t.Fatalf("unmarshal list output: %v\n%s", err, out)
	}
	if len(views) != 0 {
		t.Fatalf("running views = %+v, want none", views)
	}

	if _, err := execute(t, db, "list", "--status", "done"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("list --status done error = %v, want validation error", err)
	}
}

func TestShowJSON(t *testing.T) {
	t.Parallel()

	db, id := newCLITestDB(t)

	out, err := execute(t, db, "show", "1", "-f", "json")
	if err != nil {
		t.Fatalf("show error = %v", err)
	}

	var view migrationDetailView
	if err := json.Unmarshal([]byte(out), &view); err != nil {
		t.Fatalf("unmarshal show output: %v\n%s", err, out)
	}
	if view.ID != id || view.TotalBatches != 2 || view.Status != "pending" {
		t.Fatalf("view = %+v", view)
	}
	if len(view.Failed) != 0 {
		t.Fatalf("failed batches = %+v, want none", view.Failed)
	}
}

func TestPauseAndResume(t *testing.T) {
	t.Parallel()

	db, _ := newCLITestDB(t)

	out, err := execute(t, db, "pause", "1")
	if err != nil {
		t.Fatalf("pause error = %v", err)
	}
	if !strings.Contains(out, "is now paused") {
		t.Fatalf("pause output = %q", out)
	}

	if _, err := execute(t, db, "retry", "1"); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("retry of paused migration error = %v, want conflict", err)
	}

	out, err = execute(t, db, "resume", "1")
	if err != nil {
		t.Fatalf("resume error = %v", err)
	}
	if !strings.Contains(out, "is now running") {
		t.Fatalf("resume output = %q", out)
	}
}

func TestFinalizeRejectsPendingMigration(t *testing.T) {
	t.Parallel()

	db, _ := newCLITestDB(t)

	if _, err := execute(t, db, "finalize", "1"); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("finalize error = %v, want conflict", err)
	}
}

func TestCommandErrors(t *testing.T) {
	t.Parallel()

	db, _ := newCLITestDB(t)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "invalid id", args: []string{"show", "abc"}, want: "invalid migration id"},
		{name: "invalid format", args: []string{"list", "--format", "yaml"}, want: "invalid format"},
		{name: "too many args", args: []string{"pause", "1", "2"}, want: "Invalid number of arguments"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, db, tt.args...)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error = %v, want %q", err, tt.want)
			}
		})
	}

	if _, err := execute(t, db, "show", "99"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("show unknown id error = %v, want not found", err)
	}
}

type fakeConsumer struct {
	consumeFn func(ctx context.Context, project string, handler events.Handler) error
}

func (f *fakeConsumer) Consume(ctx context.Context, project string, handler events.Handler) error {
	return f.consumeFn(ctx, project, handler)
}

func (f *fakeConsumer) Close() error { return nil }

func TestWatchPrintsStatusChanges(t *testing.T) {
	t.Parallel()

	db, _ := newCLITestDB(t)
	lastError := "batch 3 [21, 31) failed after 5 attempts: boom"

	var gotProject string
	consumer := &fakeConsumer{consumeFn: func(ctx context.Context, project string, handler events.Handler) error {
		gotProject = project
		return handler(ctx, events.StatusChange{
			EventID:     "e1",
			Project:     project,
			MigrationID: 1,
			Filename:    assessmentNumbersFilename,
			From:        domain.MigrationStatusRunning,
			To:          domain.MigrationStatusFailed,
			LastError:   &lastError,
			OccurredAt:  time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC),
		})
	}}

	out, err := executeWithEvents(t, db, consumer, "watch")
	if err != nil {
		t.Fatalf("watch error = %v", err)
	}
	if gotProject != "acme" {
		t.Fatalf("project = %q, want acme", gotProject)
	}
	want := "2024-01-15T12:00:00Z  1  " + assessmentNumbersFilename + "  running -> failed  (" + lastError + ")\n"
	if out != want {
		t.Fatalf("watch output = %q, want %q", out, want)
	}
}

func TestWatchRequiresBroker(t *testing.T) {
	t.Parallel()

	db, _ := newCLITestDB(t)

	if _, err := execute(t, db, "watch"); err == nil || !strings.Contains(err.Error(), "RABBITMQ_URL") {
		t.Fatalf("watch error = %v, want RABBITMQ_URL hint", err)
	}
}
