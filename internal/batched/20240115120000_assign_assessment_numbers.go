package batched

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kursadbilgin/backfill-engine/internal/registry"
)

const assessmentNumbersBatchSize int64 = 10000

// AssessmentInstance is the slice of assessment_instances this backfill touches.
type AssessmentInstance struct {
	ID           int64 `gorm:"primaryKey;autoIncrement"`
	AssessmentID int64 `gorm:"not null;index:idx_assessment_instances_group,priority:1"`
	UserID       int64 `gorm:"not null;index:idx_assessment_instances_group,priority:2"`
	Number       *int64
}

func (AssessmentInstance) TableName() string {
	return "assessment_instances"
}

// AssignAssessmentNumbers fills assessment_instances.number with a per
// (assessment_id, user_id) sequence. Rows that already have a number are
// never touched, so a partially applied batch can be run again.
type AssignAssessmentNumbers struct{}

var (
	_ registry.Migration = AssignAssessmentNumbers{}
	_ registry.Finalizer = AssignAssessmentNumbers{}
)

type idBounds struct {
	MinID *int64
	MaxID *int64
}

type assessmentGroup struct {
	AssessmentID int64
	UserID       int64
}

func (AssignAssessmentNumbers) Parameters(ctx context.Context, db *gorm.DB) (registry.Parameters, error) {
	var bounds idBounds
	err := db.WithContext(ctx).
		Model(&AssessmentInstance{}).
		Select("MIN(id) AS min_id, MAX(id) AS max_id").
		Scan(&bounds).Error
	if err != nil {
		return registry.Parameters{}, fmt.Errorf("failed to read assessment_instances id bounds: %w", err)
	}

	params := registry.Parameters{BatchSize: assessmentNumbersBatchSize}
	if bounds.MinID == nil || bounds.MaxID == nil {
		return params, nil
	}
	params.Min = *bounds.MinID
	params.Max = *bounds.MaxID + 1
	return params, nil
}

func (AssignAssessmentNumbers) Execute(ctx context.Context, db *gorm.DB, min, max int64) error {
	if min >= max {
		return nil
	}
	db = db.WithContext(ctx)

	var groups []assessmentGroup
	err := db.Model(&AssessmentInstance{}).
		Distinct("assessment_id", "user_id").
		Where("id >= ? AND id < ? AND number IS NULL", min, max).
		Order("assessment_id, user_id").
		Scan(&groups).Error
	if err != nil {
		return fmt.Errorf("failed to list unnumbered groups: %w", err)
	}

	for _, g := range groups {
		if err := numberGroup(db, g, min, max); err != nil {
			return err
		}
	}
	return nil
}

// numberGroup locks every row of the group so concurrent batches touching the
// same group serialize on it.
func numberGroup(db *gorm.DB, g assessmentGroup, min, max int64) error {
	var rows []AssessmentInstance
	err := db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("assessment_id = ? AND user_id = ?", g.AssessmentID, g.UserID).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return fmt.Errorf("failed to lock group assessment=%d user=%d: %w", g.AssessmentID, g.UserID, err)
	}

	var next int64
	for _, row := range rows {
		if row.Number != nil && *row.Number > next {
			next = *row.Number
		}
	}

	for _, row := range rows {
		if row.Number != nil || row.ID < min || row.ID >= max {
			continue
		}
		next++
		err := db.Model(&AssessmentInstance{}).
			Where("id = ? AND number IS NULL", row.ID).
			Update("number", next).Error
		if err != nil {
			return fmt.Errorf("failed to number assessment instance %d: %w", row.ID, err)
		}
	}
	return nil
}

// Finalize refuses to finish while any row is unnumbered, then makes the
// column NOT NULL where the dialect can alter it in place.
func (AssignAssessmentNumbers) Finalize(ctx context.Context, db *gorm.DB) error {
	db = db.WithContext(ctx)

	var remaining int64
	if err := db.Model(&AssessmentInstance{}).Where("number IS NULL").Count(&remaining).Error; err != nil {
		return fmt.Errorf("failed to count unnumbered assessment instances: %w", err)
	}
	if remaining > 0 {
		return fmt.Errorf("assessment_instances still has %d rows without a number", remaining)
	}

	if db.Dialector.Name() != "postgres" {
		return nil
	}
	return db.Exec(`ALTER TABLE assessment_instances ALTER COLUMN number SET NOT NULL`).Error
}
