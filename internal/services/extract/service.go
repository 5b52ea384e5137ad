package extract

import (
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"dhis2submit/internal/failure"
	"dhis2submit/internal/mapping"
	"dhis2submit/internal/models"
)

// RecordOptions controls how data rows become records
type RecordOptions struct {
	AllRows       bool   // One record per non-blank row instead of the first row only
	PeriodColumn  string // Optional per-row period column
	OrgUnitColumn string // Optional per-row org unit column
	Period        string // Run period, used when the row carries none
	OrgUnit       string // Run org unit, used when the row carries none
}

// Issue is a recoverable problem with a single cell
type Issue struct {
	Record int
	Label  string
	Raw    string
	Err    *failure.Error
}

// Extraction holds the values read for one record
type Extraction struct {
	Record int
	Values []models.DataValue
	Issues []Issue
}

// Service turns tabular rows into data values
type Service struct {
	logger *slog.Logger
}

// NewService creates a new extractor
func NewService(logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{logger: logger}
}

// Records converts table rows to records. In single-record mode the first
// data row is the record; a table without data rows yields one empty record.
func (s *Service) Records(table *Table, opts RecordOptions) []models.DataRecord {
	if !opts.AllRows {
		if len(table.Rows) == 0 {
			s.logger.Warn("Source has no data rows", "source", table.Name)
		}
		return []models.DataRecord{s.record(table, 0, opts)}
	}

	records := make([]models.DataRecord, 0, len(table.Rows))
	for i := range table.Rows {
		if blankRow(table.Rows[i]) {
			continue
		}
		records = append(records, s.record(table, i, opts))
	}
	return records
}

func (s *Service) record(table *Table, row int, opts RecordOptions) models.DataRecord {
	rec := models.DataRecord{
		Index:   row,
		Period:  opts.Period,
		OrgUnit: opts.OrgUnit,
		Values:  make(map[string]string, len(table.Header)),
	}

	for col, name := range table.Header {
		if name == "" {
			continue
		}
		if _, seen := rec.Values[name]; seen {
			continue
		}
		rec.Values[name] = table.Cell(row, col)
	}

	if opts.PeriodColumn != "" {
		if v := strings.TrimSpace(rec.Values[opts.PeriodColumn]); v != "" {
			rec.Period = v
		}
	}
	if opts.OrgUnitColumn != "" {
		if v := strings.TrimSpace(rec.Values[opts.OrgUnitColumn]); v != "" {
			rec.OrgUnit = v
		}
	}
	return rec
}

// Extract reads one value per mapped label present in the record. Empty
// cells are omitted; non-numeric cells are reported as issues and omitted.
func (s *Service) Extract(record models.DataRecord, m mapping.Mapping) *Extraction {
	out := &Extraction{Record: record.Index, Values: []models.DataValue{}}

	for _, label := range m.Labels() {
		raw, present := record.Values[label]
		if !present {
			continue
		}
		if strings.TrimSpace(raw) == "" {
			continue
		}

		value, err := CoerceNumeric(raw)
		if err != nil {
			issue := Issue{
				Record: record.Index,
				Label:  label,
				Raw:    raw,
				Err:    failure.New(failure.InvalidCellValue, fmt.Sprintf("record %d column %q", record.Index, label), err),
			}
			out.Issues = append(out.Issues, issue)
			s.logger.Warn("Skipping invalid cell",
				"record", record.Index,
				"label", label,
				"value", raw,
				"error", err)
			continue
		}

		target, _ := m.Lookup(label)
		out.Values = append(out.Values, models.DataValue{
			DataElement:         target.DataElementID,
			CategoryOptionCombo: target.CategoryOptionComboID,
			Value:               value,
		})
	}

	s.logger.Debug("Extracted record",
		"record", record.Index,
		"values", len(out.Values),
		"issues", len(out.Issues))
	return out
}

// CoerceNumeric parses raw as a number and returns its canonical string
// form. Integral values drop the fractional part ("15.0" becomes "15").
func CoerceNumeric(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return "", fmt.Errorf("%q is not numeric", raw)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "", fmt.Errorf("%q is not a finite number", raw)
	}
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatInt(int64(v), 10), nil
	}
	return strconv.FormatFloat(v, 'f', -1, 64), nil
}

func blankRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
