package schema

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"dhis2submit/internal/api"
	"dhis2submit/internal/failure"
	"dhis2submit/internal/mapping"
	"dhis2submit/internal/models"
)

// datasetFields requests exactly what flattening needs
const datasetFields = "id,name,dataSetElements[dataElement[id,name,categoryCombo[categoryOptionCombos[id,name,categoryOptions[id,name]]]]]"

// Service resolves dataset schemas into dimension mappings
type Service struct {
	client *api.Client
	opts   Options
	logger *slog.Logger
}

// NewService creates a new schema resolver bound to one run's channel
func NewService(client *api.Client, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		client: client,
		opts:   opts,
		logger: logger,
	}
}

// FetchSchema retrieves the dataset structure from DHIS2
func (s *Service) FetchSchema(ctx context.Context, datasetID string) (*DatasetSchema, error) {
	if datasetID == "" {
		return nil, failure.Newf(failure.UnknownDataset, "dataset", "dataset id is empty")
	}

	resp, err := s.client.Get(ctx, "dataSets/"+datasetID, map[string]string{
		"fields": datasetFields,
	})
	if err != nil {
		return nil, failure.New(failure.SchemaUnavailable, "dataset "+datasetID, err)
	}

	switch code := resp.StatusCode(); {
	case code == http.StatusNotFound:
		return nil, failure.Newf(failure.UnknownDataset, "dataset "+datasetID, "not found on %s", s.client.BaseURL())
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return nil, failure.New(failure.SchemaUnavailable, "dataset "+datasetID,
			&api.StatusError{StatusCode: code, Status: resp.Status()})
	case !resp.IsSuccess():
		return nil, failure.New(failure.SchemaUnavailable, "dataset "+datasetID,
			&api.StatusError{StatusCode: code, Status: resp.Status(), Body: resp.String()})
	}

	var wire dataSetResponse
	if err := json.Unmarshal(resp.Body(), &wire); err != nil {
		return nil, failure.New(failure.SchemaUnavailable, "dataset "+datasetID,
			fmt.Errorf("failed to parse dataset: %w", err))
	}
	if wire.ID == "" {
		wire.ID = datasetID
	}

	schema := wire.toSchema()
	if len(schema.Elements) == 0 {
		return nil, failure.Newf(failure.NoDataElements, "dataset "+datasetID, "dataset %q has no data elements", schema.Name)
	}

	s.logger.Info("Fetched dataset schema",
		"dataset", schema.ID,
		"name", schema.Name,
		"elements", len(schema.Elements))
	return schema, nil
}

// Resolve fetches the schema for datasetID and flattens it into a mapping
func (s *Service) Resolve(ctx context.Context, datasetID string) (*mapping.Table, *Report, error) {
	schema, err := s.FetchSchema(ctx, datasetID)
	if err != nil {
		return nil, nil, err
	}

	table, report, err := Flatten(schema, s.opts)
	if err != nil {
		return nil, report, err
	}

	for _, el := range report.EmptyElements {
		s.logger.Warn("Data element has no addressable dimensions",
			"dataset", schema.ID,
			"element", el.ID,
			"name", el.Name)
	}
	for _, label := range report.Qualified {
		s.logger.Warn("Ambiguous label qualified by element name", "dataset", schema.ID, "label", label)
	}
	s.logger.Info("Resolved dimension mapping",
		"dataset", schema.ID,
		"entries", report.Entries,
		"excluded_combos", report.Excluded)

	return table, report, nil
}

type candidate struct {
	elementName string
	target      models.DimensionTarget
}

// Flatten maps every single-option combo's option name to its
// (data element, option combo) pair. Combos with zero or several options
// are excluded. A label reaching two distinct targets fails with
// AmbiguousLabel unless opts.QualifyAmbiguous is set.
func Flatten(schema *DatasetSchema, opts Options) (*mapping.Table, *Report, error) {
	report := &Report{
		DatasetID:     schema.ID,
		DatasetName:   schema.Name,
		EmptyElements: []EmptyElement{},
		Qualified:     []string{},
	}

	if len(schema.Elements) == 0 {
		return nil, report, failure.Newf(failure.NoDataElements, "dataset "+schema.ID, "dataset has no data elements")
	}

	var order []string
	byLabel := make(map[string][]candidate)

	for _, el := range schema.Elements {
		eligible := 0
		for _, combo := range el.CategoryCombo.OptionCombos {
			if len(combo.CategoryOptions) != 1 {
				report.Excluded++
				continue
			}
			label := combo.CategoryOptions[0].Name
			if label == "" || combo.ID == "" {
				report.Excluded++
				continue
			}
			eligible++

			c := candidate{
				elementName: el.Name,
				target:      models.DimensionTarget{DataElementID: el.ID, CategoryOptionComboID: combo.ID},
			}
			existing, seen := byLabel[label]
			if !seen {
				order = append(order, label)
			}
			if containsTarget(existing, c.target) {
				continue
			}
			byLabel[label] = append(existing, c)
		}
		if eligible == 0 {
			report.EmptyElements = append(report.EmptyElements, EmptyElement{ID: el.ID, Name: el.Name})
		}
	}

	table := mapping.NewTable()
	for _, label := range order {
		candidates := byLabel[label]
		if len(candidates) == 1 {
			if err := table.Add(label, candidates[0].target); err != nil {
				return nil, report, ambiguous(schema.ID, label, err)
			}
			continue
		}

		if !opts.QualifyAmbiguous {
			return nil, report, failure.Newf(failure.AmbiguousLabel, "dataset "+schema.ID+" label "+label,
				"label maps to %d targets (%s)", len(candidates), describe(candidates))
		}
		for _, c := range candidates {
			key := QualifiedLabel(c.elementName, label)
			if err := table.Add(key, c.target); err != nil {
				return nil, report, ambiguous(schema.ID, key, err)
			}
		}
		report.Qualified = append(report.Qualified, label)
	}

	if table.Len() == 0 {
		return nil, report, failure.Newf(failure.NoDataElements, "dataset "+schema.ID,
			"no data element has a single-option category combo")
	}

	report.Entries = table.Len()
	return table, report, nil
}

func ambiguous(datasetID, label string, err error) error {
	var dup *mapping.DuplicateLabelError
	if errors.As(err, &dup) {
		return failure.New(failure.AmbiguousLabel, "dataset "+datasetID+" label "+label, err)
	}
	return failure.New(failure.SchemaUnavailable, "dataset "+datasetID, err)
}

func containsTarget(candidates []candidate, target models.DimensionTarget) bool {
	for _, c := range candidates {
		if c.target == target {
			return true
		}
	}
	return false
}

func describe(candidates []candidate) string {
	out := ""
	for i, c := range candidates {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%s/%s", c.target.DataElementID, c.target.CategoryOptionComboID)
	}
	return out
}
