package registry

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/kursadbilgin/backfill-engine/internal/domain"
)

// DefinitionExtension is the extension batched migration filenames carry.
const DefinitionExtension = "go"

// Parameters describe the key range a batched migration covers.
type Parameters struct {
	Min       int64
	Max       int64
	BatchSize int64
}

// Migration is the body of a batched migration.
//
// Execute must be idempotent over [min, max): a batch may be applied
// partially, crash and run again, and batches run in no particular order.
type Migration interface {
	Parameters(ctx context.Context, db *gorm.DB) (Parameters, error)
	Execute(ctx context.Context, db *gorm.DB, min, max int64) error
}

// Finalizer is implemented by migrations with a once-only step that runs
// after every batch succeeded.
type Finalizer interface {
	Finalize(ctx context.Context, db *gorm.DB) error
}

// Registration is the unvalidated input for a batched migration.
type Registration struct {
	Filename   string
	Annotation string
	Migration  Migration
}

// Definition is a validated batched migration.
type Definition struct {
	ID         MigrationID
	Filename   string
	Annotation Annotation
	Migration  Migration
}

func (d Definition) NoTransaction() bool { return d.Annotation == AnnotationNoTransaction }

// Finalizer returns the optional finalize step.
func (d Definition) Finalizer() (Finalizer, bool) {
	f, ok := d.Migration.(Finalizer)
	return f, ok
}

// Registry holds batched migration definitions in timestamp order.
type Registry struct {
	definitions []Definition
	byFilename  map[string]Definition
}

// New validates registrations. Validation is all or nothing: one bad entry
// fails the whole registry.
func New(registrations ...Registration) (*Registry, error) {
	var errs error
	definitions := make([]Definition, 0, len(registrations))
	for _, reg := range registrations {
		id, err := ParseMigrationID(reg.Filename, DefinitionExtension)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}

		annotation, err := ParseAnnotation(reg.Annotation)
		if err != nil {
			errs = multierr.Append(errs, &InvalidAnnotationError{Filename: reg.Filename, Value: reg.Annotation})
			continue
		}

		if reg.Migration == nil {
			errs = multierr.Append(errs, fmt.Errorf("%w: %s has no migration body", domain.ErrValidation, reg.Filename))
			continue
		}

		definitions = append(definitions, Definition{
			ID:         id,
			Filename:   reg.Filename,
			Annotation: annotation,
			Migration:  reg.Migration,
		})
	}

	ids := make([]MigrationID, len(definitions))
	names := make([]string, len(definitions))
	for i, d := range definitions {
		ids[i] = d.ID
		names[i] = d.Filename
	}
	errs = multierr.Append(errs, checkDuplicateTimestamps(ids, names))

	if errs != nil {
		return nil, &ValidationError{Err: errs}
	}

	sort.Slice(definitions, func(i, j int) bool {
		return definitions[i].ID.Less(definitions[j].ID)
	})

	byFilename := make(map[string]Definition, len(definitions))
	for _, d := range definitions {
		byFilename[d.Filename] = d
	}

	return &Registry{definitions: definitions, byFilename: byFilename}, nil
}

// Lookup returns the definition registered under filename.
func (r *Registry) Lookup(filename string) (Definition, error) {
	d, ok := r.byFilename[filename]
	if !ok {
		return Definition{}, fmt.Errorf("%w: batched migration %q is not registered", domain.ErrNotFound, filename)
	}
	return d, nil
}

// All returns the definitions in timestamp order.
func (r *Registry) All() []Definition {
	out := make([]Definition, len(r.definitions))
	copy(out, r.definitions)
	return out
}
