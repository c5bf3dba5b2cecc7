package postgres

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/jkaninda/checkbench/internal/history"
)

// RunRepository implements history.Store with GORM. It is shared by the
// PostgreSQL and SQLite backends.
type RunRepository struct {
	db *gorm.DB
}

// NewRunRepository creates a RunRepository.
func NewRunRepository(db *gorm.DB) *RunRepository {
	return &RunRepository{db: db}
}

// Record inserts a run and its tool results in one transaction.
func (r *RunRepository) Record(ctx context.Context, run history.Run) error {
	model := toRunModel(run)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("recording run: %w", err)
	}
	return nil
}

// List returns runs of a session, newest first. Limit defaults to
// history.DefaultListLimit.
func (r *RunRepository) List(ctx context.Context, sessionID string, limit int) ([]history.Run, error) {
	if limit <= 0 {
		limit = history.DefaultListLimit
	}

	var models []RunModel
	err := r.db.WithContext(ctx).
		Preload("Results").
		Where("session_id = ?", sessionID).
		Order("started_at DESC").
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	runs := make([]history.Run, len(models))
	for i := range models {
		runs[i] = toRunDomain(&models[i])
	}
	return runs, nil
}

// AutoMigrate creates or updates the history tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&RunModel{}, &ToolResultModel{})
}

var _ history.Store = (*RunRepository)(nil)
