// Package mapping holds the lookup from dimension labels (spreadsheet column
// headers) to DHIS2 data element / category option combo pairs. A mapping is
// either resolved live from a dataset schema or loaded from a static file;
// consumers only see the Mapping interface.
package mapping

import (
	"fmt"
	"sort"

	"dhis2submit/internal/models"
)

// Mapping resolves a dimension label to its coded target
type Mapping interface {
	Lookup(label string) (models.DimensionTarget, bool)
	Labels() []string
	Len() int
}

// DuplicateLabelError is returned when a label is added twice to a Table
type DuplicateLabelError struct {
	Label    string
	Existing models.DimensionTarget
	Incoming models.DimensionTarget
}

func (e *DuplicateLabelError) Error() string {
	return fmt.Sprintf("label %q already maps to %s/%s (incoming %s/%s)",
		e.Label,
		e.Existing.DataElementID, e.Existing.CategoryOptionComboID,
		e.Incoming.DataElementID, e.Incoming.CategoryOptionComboID)
}

// Table is the in-memory Mapping implementation
type Table struct {
	entries map[string]models.DimensionTarget
}

// NewTable creates an empty mapping table
func NewTable() *Table {
	return &Table{entries: make(map[string]models.DimensionTarget)}
}

// Add registers label -> target. A label is never overwritten.
func (t *Table) Add(label string, target models.DimensionTarget) error {
	if label == "" {
		return fmt.Errorf("empty label")
	}
	if target.DataElementID == "" || target.CategoryOptionComboID == "" {
		return fmt.Errorf("label %q: dataElement and categoryOptionCombo are required", label)
	}
	if existing, ok := t.entries[label]; ok {
		return &DuplicateLabelError{Label: label, Existing: existing, Incoming: target}
	}
	t.entries[label] = target
	return nil
}

// Lookup returns the target for a label
func (t *Table) Lookup(label string) (models.DimensionTarget, bool) {
	target, ok := t.entries[label]
	return target, ok
}

// Labels returns all labels in sorted order
func (t *Table) Labels() []string {
	labels := make([]string, 0, len(t.entries))
	for label := range t.entries {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}

// Len returns the number of entries
func (t *Table) Len() int {
	return len(t.entries)
}
