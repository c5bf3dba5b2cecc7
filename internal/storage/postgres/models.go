package postgres

import (
	"time"

	"github.com/google/uuid"
)

// RunModel maps to the "analysis_runs" table.
// No UpdatedAt or DeletedAt: runs are append-only.
type RunModel struct {
	ID            uuid.UUID         `gorm:"type:uuid;primaryKey"`
	SessionID     string            `gorm:"not null;index:idx_runs_session_started,priority:1"`
	PythonVersion string            `gorm:"not null"`
	Tools         []string          `gorm:"type:text;serializer:json"`
	Dependencies  []string          `gorm:"type:text;serializer:json"`
	InstallCode   *int              // NULL when no install step ran.
	DurationMs    int64             `gorm:"not null;default:0"`
	StartedAt     time.Time         `gorm:"not null;index:idx_runs_session_started,priority:2"`
	Results       []ToolResultModel `gorm:"foreignKey:RunID;constraint:OnDelete:CASCADE"`
	CreatedAt     time.Time
}

func (RunModel) TableName() string { return "analysis_runs" }

// ToolResultModel maps to the "analysis_tool_results" table.
type ToolResultModel struct {
	ID         uint      `gorm:"primaryKey;autoIncrement"`
	RunID      uuid.UUID `gorm:"type:uuid;not null;index"`
	Position   int       `gorm:"not null"` // Display order within the run.
	Tool       string    `gorm:"not null"`
	ReturnCode int       `gorm:"not null"`
	DurationMs int64     `gorm:"not null"`
	Cached     bool      `gorm:"not null;default:false"`
}

func (ToolResultModel) TableName() string { return "analysis_tool_results" }
