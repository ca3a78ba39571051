package registry

import (
	"bufio"
	"bytes"
	"strings"
)

// Annotation changes how a migration body is executed.
type Annotation string

const (
	AnnotationNone Annotation = ""
	// AnnotationNoTransaction runs the body directly on the connection, for
	// statements such as CREATE INDEX CONCURRENTLY.
	AnnotationNoTransaction Annotation = "NO_TRANSACTION"
)

// annotationDirective marks an annotation line in SQL migration files.
const annotationDirective = "-- backfill:annotation"

func ParseAnnotation(value string) (Annotation, error) {
	switch a := Annotation(strings.TrimSpace(value)); a {
	case AnnotationNone, AnnotationNoTransaction:
		return a, nil
	}
	return AnnotationNone, &InvalidAnnotationError{Value: value}
}

// ParseFileAnnotation scans SQL content for the annotation directive. A file
// carries at most one annotation.
func ParseFileAnnotation(filename string, content []byte) (Annotation, error) {
	found := AnnotationNone
	seen := false

	scanner := bufio.NewScanner(bytes.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, annotationDirective) {
			continue
		}

		value := strings.TrimSpace(strings.TrimPrefix(line, annotationDirective))
		if seen {
			return AnnotationNone, &InvalidAnnotationError{Filename: filename, Value: value, Reason: "more than one annotation"}
		}

		a, err := ParseAnnotation(value)
		if err != nil || a == AnnotationNone {
			return AnnotationNone, &InvalidAnnotationError{Filename: filename, Value: value}
		}
		found = a
		seen = true
	}
	if err := scanner.Err(); err != nil {
		return AnnotationNone, err
	}

	return found, nil
}
