package mapping

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"dhis2submit/internal/models"
)

// fileDocument is the on-disk layout of a static mapping:
//
//	mappings:
//	  "5-9": {dataElement: rZtFk3z5o9X, categoryOptionCombo: ZY2f7vnLoiw}
type fileDocument struct {
	Mappings map[string]models.DimensionTarget `yaml:"mappings"`
}

// LoadFile reads a static mapping from a YAML file
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read mapping file: %w", err)
	}
	table, err := Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("mapping file %s: %w", path, err)
	}
	return table, nil
}

// Decode parses a static mapping document
func Decode(r io.Reader) (*Table, error) {
	var doc fileDocument
	// yaml.v3 rejects duplicate keys within a mapping node
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("empty mapping document")
		}
		return nil, fmt.Errorf("failed to parse mapping: %w", err)
	}

	if len(doc.Mappings) == 0 {
		return nil, fmt.Errorf("no mappings defined")
	}

	table := NewTable()
	for label, target := range doc.Mappings {
		if err := table.Add(label, target); err != nil {
			return nil, err
		}
	}
	return table, nil
}

// Encode writes m as a static mapping document
func Encode(w io.Writer, m Mapping) error {
	doc := fileDocument{Mappings: make(map[string]models.DimensionTarget, m.Len())}
	for _, label := range m.Labels() {
		target, _ := m.Lookup(label)
		doc.Mappings[label] = target
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode mapping: %w", err)
	}
	return enc.Close()
}

// WriteFile writes m to path as a static mapping document
func WriteFile(path string, m Mapping) error {
	var buf bytes.Buffer
	if err := Encode(&buf, m); err != nil {
		return err
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write mapping file: %w", err)
	}
	return nil
}
