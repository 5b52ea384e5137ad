package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SubmissionRun records the summary of one finished pipeline run
type SubmissionRun struct {
	ID            string    `gorm:"primaryKey" json:"id"`
	DatasetID     string    `gorm:"not null;column:dataset_id" json:"dataset_id"`
	Period        string    `gorm:"column:period" json:"period"`
	OrgUnit       string    `gorm:"column:org_unit" json:"org_unit"`
	SourceFile    string    `gorm:"column:source_file" json:"source_file"`
	MappingSource string    `gorm:"column:mapping_source" json:"mapping_source"` // live, static
	TriggeredBy   string    `gorm:"column:triggered_by" json:"triggered_by"`     // cli, schedule, upload
	Status        string    `gorm:"not null;index" json:"status"`                // success, partial, failed, aborted, cancelled
	Attempted     int       `gorm:"not null;default:0" json:"attempted"`
	Succeeded     int       `gorm:"not null;default:0" json:"succeeded"`
	Failed        int       `gorm:"not null;default:0" json:"failed"`
	Error         string    `gorm:"type:text" json:"error,omitempty"`
	Failures      string    `gorm:"type:text" json:"failures"` // JSON array of failure lines
	StartedAt     time.Time `gorm:"index" json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// BeforeCreate hook to generate UUID before creating record
func (sr *SubmissionRun) BeforeCreate(tx *gorm.DB) error {
	if sr.ID == "" {
		sr.ID = uuid.New().String()
	}
	return nil
}

// TableName specifies the table name for GORM
func (SubmissionRun) TableName() string {
	return "submission_runs"
}
