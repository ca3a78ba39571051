package registry

import (
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"go.uber.org/multierr"
)

// File is a one-shot migration loaded from disk.
type File struct {
	ID         MigrationID
	Filename   string
	Path       string
	Annotation Annotation
	Content    []byte
}

// NoTransaction reports whether the file must run outside a transaction.
func (f File) NoTransaction() bool { return f.Annotation == AnnotationNoTransaction }

// ReadAndValidateMigrationsFromDirectory loads every migration file in dir.
// Files without one of extensions, such as a README, are ignored. Any
// malformed filename, bad annotation or duplicate timestamp fails the
// whole load with a *ValidationError listing all of them.
func ReadAndValidateMigrationsFromDirectory(fsys fs.FS, dir string, extensions []string) ([]File, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory %q: %w", dir, err)
	}

	var errs error
	files := make([]File, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if !hasExtension(strings.TrimPrefix(path.Ext(name), "."), extensions) {
			continue
		}

		id, err := ParseMigrationID(name, extensions...)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}

		p := path.Join(dir, name)
		content, err := fs.ReadFile(fsys, p)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to read %s: %w", p, err))
			continue
		}

		annotation, err := ParseFileAnnotation(name, content)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}

		files = append(files, File{
			ID:         id,
			Filename:   name,
			Path:       p,
			Annotation: annotation,
			Content:    content,
		})
	}

	ids := make([]MigrationID, len(files))
	names := make([]string, len(files))
	for i, f := range files {
		ids[i] = f.ID
		names[i] = f.Filename
	}
	errs = multierr.Append(errs, checkDuplicateTimestamps(ids, names))

	if errs != nil {
		return nil, &ValidationError{Err: errs}
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].ID.Less(files[j].ID)
	})

	return files, nil
}

func checkDuplicateTimestamps(ids []MigrationID, filenames []string) error {
	byTimestamp := make(map[uint64][]string, len(ids))
	order := make([]uint64, 0, len(ids))
	for i, id := range ids {
		if _, ok := byTimestamp[id.Timestamp]; !ok {
			order = append(order, id.Timestamp)
		}
		byTimestamp[id.Timestamp] = append(byTimestamp[id.Timestamp], filenames[i])
	}

	var errs error
	for _, ts := range order {
		if names := byTimestamp[ts]; len(names) > 1 {
			sort.Strings(names)
			errs = multierr.Append(errs, &DuplicateTimestampError{Timestamp: ts, Filenames: names})
		}
	}
	return errs
}
