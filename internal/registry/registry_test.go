package registry

import (
	"context"
	"errors"
	"testing"
	"testing/fstest"

	"gorm.io/gorm"

	"github.com/kursadbilgin/backfill-engine/internal/domain"
)

type noopMigration struct{}

func (noopMigration) Parameters(ctx context.Context, db *gorm.DB) (Parameters, error) {
	return Parameters{Min: 1, Max: 1, BatchSize: 1}, nil
}

func (noopMigration) Execute(ctx context.Context, db *gorm.DB, min, max int64) error {
	return nil
}

type finalizingMigration struct{ noopMigration }

func (finalizingMigration) Finalize(ctx context.Context, db *gorm.DB) error { return nil }

func TestParseMigrationID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		filename string
		exts     []string
		want     MigrationID
		wantErr  bool
	}{
		{name: "valid sql", filename: "20230411002409_add_number.sql", exts: []string{"sql"}, want: MigrationID{Timestamp: 20230411002409, Name: "add_number"}},
		{name: "dotted extension list", filename: "20230411002409_a.ts", exts: []string{".sql", ".ts"}, want: MigrationID{Timestamp: 20230411002409, Name: "a"}},
		{name: "short timestamp", filename: "2023041100240_add.sql", exts: []string{"sql"}, wantErr: true},
		{name: "missing name", filename: "20230411002409_.sql", exts: []string{"sql"}, wantErr: true},
		{name: "missing underscore", filename: "20230411002409add.sql", exts: []string{"sql"}, wantErr: true},
		{name: "wrong extension", filename: "20230411002409_add.txt", exts: []string{"sql"}, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := ParseMigrationID(tt.filename, tt.exts...)
			if tt.wantErr {
				var filenameErr *InvalidFilenameError
				if !errors.As(err, &filenameErr) {
					t.Fatalf("ParseMigrationID() error = %v, want InvalidFilenameError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseMigrationID() unexpected error = %v", err)
			}
			if got != tt.want {
				t.Fatalf("ParseMigrationID() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestMigrationIDString(t *testing.T) {
	t.Parallel()

	id := MigrationID{Timestamp: 20230411002409, Name: "add_number"}
	if got := id.String(); got != "20230411002409_add_number" {
		t.Fatalf("String() = %q", got)
	}
}

func TestParseFileAnnotation(t *testing.T) {
	t.Parallel()

	got, err := ParseFileAnnotation("a.sql", []byte("-- backfill:annotation NO_TRANSACTION\nCREATE INDEX CONCURRENTLY i ON t (c);\n"))
	if err != nil {
		t.Fatalf("ParseFileAnnotation() unexpected error = %v", err)
	}
	if got != AnnotationNoTransaction {
		t.Fatalf("ParseFileAnnotation() = %q, want NO_TRANSACTION", got)
	}

	got, err = ParseFileAnnotation("b.sql", []byte("ALTER TABLE t ADD COLUMN c int;\n"))
	if err != nil || got != AnnotationNone {
		t.Fatalf("ParseFileAnnotation() = %q, %v; want none", got, err)
	}

	var annotationErr *InvalidAnnotationError
	_, err = ParseFileAnnotation("c.sql", []byte("-- backfill:annotation NO_TRANSACTIONS\n"))
	if !errors.As(err, &annotationErr) {
		t.Fatalf("ParseFileAnnotation() error = %v, want InvalidAnnotationError", err)
	}

	_, err = ParseFileAnnotation("d.sql", []byte("-- backfill:annotation NO_TRANSACTION\n-- backfill:annotation NO_TRANSACTION\n"))
	if !errors.As(err, &annotationErr) {
		t.Fatalf("ParseFileAnnotation() error = %v, want InvalidAnnotationError for repeated annotation", err)
	}
}

func TestReadAndValidateMigrationsFromDirectory(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"migrations/20230411002409_second.sql": {Data: []byte("-- backfill:annotation NO_TRANSACTION\nSELECT 2;")},
		"migrations/20230101000000_first.sql":  {Data: []byte("SELECT 1;")},
		"migrations/nested/ignored.sql":        {Data: []byte("SELECT 0;")},
	}

	files, err := ReadAndValidateMigrationsFromDirectory(fsys, "migrations", []string{"sql"})
	if err != nil {
		t.Fatalf("ReadAndValidateMigrationsFromDirectory() unexpected error = %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("files = %d, want 2", len(files))
	}
	if files[0].Filename != "20230101000000_first.sql" || files[1].Filename != "20230411002409_second.sql" {
		t.Fatalf("files not in timestamp order: %s, %s", files[0].Filename, files[1].Filename)
	}
	if files[0].NoTransaction() || !files[1].NoTransaction() {
		t.Fatal("annotation not carried onto files")
	}
	if string(files[0].Content) != "SELECT 1;" {
		t.Fatalf("content = %q", files[0].Content)
	}
}

func TestReadAndValidateMigrationsFromDirectoryFailsWholeLoad(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"m/20230101000000_a.sql": {Data: []byte("SELECT 1;")},
		"m/20230101000000_b.sql": {Data: []byte("SELECT 2;")},
		"m/bad_name.sql":         {Data: []byte("SELECT 3;")},
		"m/20230202000000_c.sql": {Data: []byte("-- backfill:annotation SOMETIMES\n")},
		"m/20230303000000_d.sql": {Data: []byte("SELECT 4;")},
	}

	files, err := ReadAndValidateMigrationsFromDirectory(fsys, "m", []string{"sql"})
	if files != nil {
		t.Fatalf("files = %v, want nil on validation failure", files)
	}

	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("error = %v, want ValidationError", err)
	}

	var dupErr *DuplicateTimestampError
	if !errors.As(err, &dupErr) {
		t.Fatalf("error = %v, want DuplicateTimestampError inside", err)
	}
	if len(dupErr.Filenames) != 2 || dupErr.Filenames[0] != "20230101000000_a.sql" {
		t.Fatalf("duplicate filenames = %v", dupErr.Filenames)
	}

	var filenameErr *InvalidFilenameError
	if !errors.As(err, &filenameErr) || filenameErr.Filename != "bad_name.sql" {
		t.Fatalf("error = %v, want InvalidFilenameError for bad_name.sql", err)
	}

	var annotationErr *InvalidAnnotationError
	if !errors.As(err, &annotationErr) {
		t.Fatalf("error = %v, want InvalidAnnotationError inside", err)
	}
}

func TestReadAndValidateMigrationsFromDirectoryIgnoresOtherFiles(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"m/20230101000000_first.sql": {Data: []byte("SELECT 1;")},
		"m/README.md":                {Data: []byte("# migrations\n")},
		"m/.gitkeep":                 {},
		"m/20230101000000_notes.txt": {Data: []byte("not a migration")},
	}

	files, err := ReadAndValidateMigrationsFromDirectory(fsys, "m", []string{".sql"})
	if err != nil {
		t.Fatalf("ReadAndValidateMigrationsFromDirectory() unexpected error = %v", err)
	}
	if len(files) != 1 || files[0].Filename != "20230101000000_first.sql" {
		t.Fatalf("files = %+v, want only 20230101000000_first.sql", files)
	}
}

func TestReadAndValidateMigrationsFromDirectoryMissingDir(t *testing.T) {
	t.Parallel()

	_, err := ReadAndValidateMigrationsFromDirectory(fstest.MapFS{}, "nope", []string{"sql"})
	if err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func TestNewRegistry(t *testing.T) {
	t.Parallel()

	reg, err := New(
		Registration{Filename: "20240301090000_later.go", Migration: finalizingMigration{}},
		Registration{Filename: "20240115120000_earlier.go", Annotation: "NO_TRANSACTION", Migration: noopMigration{}},
	)
	if err != nil {
		t.Fatalf("New() unexpected error = %v", err)
	}

	all := reg.All()
	if len(all) != 2 || all[0].Filename != "20240115120000_earlier.go" {
		t.Fatalf("All() = %+v, want timestamp order", all)
	}
	if !all[0].NoTransaction() || all[1].NoTransaction() {
		t.Fatal("annotation not parsed")
	}
	if _, ok := all[0].Finalizer(); ok {
		t.Fatal("noop migration should not expose a finalizer")
	}
	if _, ok := all[1].Finalizer(); !ok {
		t.Fatal("finalizing migration should expose a finalizer")
	}

	d, err := reg.Lookup("20240301090000_later.go")
	if err != nil {
		t.Fatalf("Lookup() unexpected error = %v", err)
	}
	if d.ID.Name != "later" {
		t.Fatalf("Lookup() id = %+v", d.ID)
	}

	if _, err := reg.Lookup("20991231000000_missing.go"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Lookup() error = %v, want ErrNotFound", err)
	}
}

func TestNewRegistryValidation(t *testing.T) {
	t.Parallel()

	_, err := New(
		Registration{Filename: "20240115120000_a.go", Migration: noopMigration{}},
		Registration{Filename: "20240115120000_b.go", Migration: noopMigration{}},
		Registration{Filename: "20240201000000_c.go", Annotation: "SOMETIMES", Migration: noopMigration{}},
		Registration{Filename: "c.go", Migration: noopMigration{}},
		Registration{Filename: "20240301000000_d.go"},
	)

	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("New() error = %v, want ValidationError", err)
	}

	var dupErr *DuplicateTimestampError
	if !errors.As(err, &dupErr) {
		t.Fatalf("New() error = %v, want DuplicateTimestampError", err)
	}
	var annotationErr *InvalidAnnotationError
	if !errors.As(err, &annotationErr) || annotationErr.Filename != "20240201000000_c.go" {
		t.Fatalf("New() error = %v, want InvalidAnnotationError for c", err)
	}
	var filenameErr *InvalidFilenameError
	if !errors.As(err, &filenameErr) {
		t.Fatalf("New() error = %v, want InvalidFilenameError", err)
	}
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("New() error = %v, want missing body reported as ErrValidation", err)
	}
}
