// Package batched holds the batched migration bodies shipped with this deploy.
package batched

import "github.com/kursadbilgin/backfill-engine/internal/registry"

// Registrations lists every batched migration body in this package.
func Registrations() []registry.Registration {
	return []registry.Registration{
		{
			Filename:  "20240115120000_assign_assessment_numbers.go",
			Migration: AssignAssessmentNumbers{},
		},
	}
}

// NewRegistry validates Registrations into a registry.
func NewRegistry() (*registry.Registry, error) {
	return registry.New(Registrations()...)
}
