package payload

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"dhis2submit/internal/failure"
	"dhis2submit/internal/models"
)

// CompleteDateLayout is the wire format of completeDate
const CompleteDateLayout = "2006-01-02"

// Period types
const (
	PeriodMonthly   = "Monthly"
	PeriodQuarterly = "Quarterly"
	PeriodYearly    = "Yearly"
)

var periodPatterns = map[string]*regexp.Regexp{
	PeriodMonthly:   regexp.MustCompile(`^\d{4}(0[1-9]|1[0-2])$`), // 202401
	PeriodQuarterly: regexp.MustCompile(`^\d{4}Q[1-4]$`),          // 2024Q1
	PeriodYearly:    regexp.MustCompile(`^\d{4}$`),                // 2024
}

// ValidationError represents a validation error with field context
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Config is the run-level part of a batch
type Config struct {
	DatasetID    string
	OrgUnit      string
	Period       string
	PeriodType   string    // Defaults to Monthly
	CompleteDate time.Time // Defaults to now
}

// Batch is an immutable aggregate data value set
type Batch struct {
	datasetID    string
	period       string
	orgUnit      string
	completeDate string
	values       []models.DataValue
}

// DataValueSetPayload is the wire body of POST /dataValueSets
type DataValueSetPayload struct {
	DataSet      string             `json:"dataSet"`
	CompleteDate string             `json:"completeDate"`
	Period       string             `json:"period"`
	OrgUnit      string             `json:"orgUnit"`
	DataValues   []models.DataValue `json:"dataValues"`
}

// Build validates cfg and values and constructs a batch
func Build(values []models.DataValue, cfg Config) (*Batch, error) {
	if strings.TrimSpace(cfg.DatasetID) == "" {
		return nil, invalid(failure.MissingIdentifier, "dataSet", "required")
	}
	if strings.TrimSpace(cfg.OrgUnit) == "" {
		return nil, invalid(failure.MissingIdentifier, "orgUnit", "required")
	}

	periodType := cfg.PeriodType
	if periodType == "" {
		periodType = PeriodMonthly
	}
	pattern, ok := periodPatterns[periodType]
	if !ok {
		return nil, invalid(failure.InvalidPeriodFormat, "periodType", fmt.Sprintf("unsupported period type %q", periodType))
	}
	if !pattern.MatchString(cfg.Period) {
		return nil, invalid(failure.InvalidPeriodFormat, "period", fmt.Sprintf("%q is not a valid %s period", cfg.Period, periodType))
	}

	seen := make(map[models.DimensionTarget]int, len(values))
	copied := make([]models.DataValue, 0, len(values))
	for i, dv := range values {
		if dv.DataElement == "" || dv.CategoryOptionCombo == "" {
			return nil, invalid(failure.MissingIdentifier, fmt.Sprintf("dataValues[%d]", i), "dataElement and categoryOptionCombo are required")
		}
		if first, dup := seen[dv.Key()]; dup {
			return nil, invalid(failure.DuplicateDataValue, fmt.Sprintf("dataValues[%d]", i),
				fmt.Sprintf("%s/%s already set by dataValues[%d]", dv.DataElement, dv.CategoryOptionCombo, first))
		}
		seen[dv.Key()] = i
		copied = append(copied, dv)
	}

	completed := cfg.CompleteDate
	if completed.IsZero() {
		completed = time.Now()
	}

	return &Batch{
		datasetID:    cfg.DatasetID,
		period:       cfg.Period,
		orgUnit:      cfg.OrgUnit,
		completeDate: completed.Format(CompleteDateLayout),
		values:       copied,
	}, nil
}

func invalid(kind failure.Kind, field, message string) error {
	return failure.New(kind, "field "+field, &ValidationError{Field: field, Message: message})
}

func (b *Batch) DatasetID() string    { return b.datasetID }
func (b *Batch) Period() string       { return b.period }
func (b *Batch) OrgUnit() string      { return b.orgUnit }
func (b *Batch) CompleteDate() string { return b.completeDate }
func (b *Batch) Len() int             { return len(b.values) }

// Values returns a copy of the batch values
func (b *Batch) Values() []models.DataValue {
	out := make([]models.DataValue, len(b.values))
	copy(out, b.values)
	return out
}

// Degenerate reports whether the batch carries no values. Such a batch
// still marks the period complete when sent.
func (b *Batch) Degenerate() bool {
	return len(b.values) == 0
}

// Payload returns the wire body for the batch
func (b *Batch) Payload() DataValueSetPayload {
	return DataValueSetPayload{
		DataSet:      b.datasetID,
		CompleteDate: b.completeDate,
		Period:       b.period,
		OrgUnit:      b.orgUnit,
		DataValues:   b.Values(),
	}
}

func (b *Batch) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.Payload())
}
