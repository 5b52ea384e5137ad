package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
)

// JobFunc is the work a scheduled job performs
type JobFunc func(ctx context.Context)

// ScheduledJob represents a CRON-based scheduled job
type ScheduledJob struct {
	ID        string
	Name      string
	Cron      string // Normalized 6-field expression
	Timezone  string
	LastRunAt *time.Time
	CreatedAt time.Time

	entryID cron.EntryID
	run     JobFunc
}

// JobListResponse represents a scheduled job in list responses
type JobListResponse struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Cron      string  `json:"cron"`
	Timezone  string  `json:"timezone"`
	LastRunAt *string `json:"last_run_at"` // ISO 8601 format
	NextRun   *string `json:"next_run"`    // ISO 8601 format
	CreatedAt string  `json:"created_at"`
}
