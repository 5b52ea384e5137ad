package schema

// DatasetSchema is the structure of one DHIS2 dataset, fetched once per run
type DatasetSchema struct {
	ID       string                  `json:"id"`
	Name     string                  `json:"name"`
	Elements []DataElementDefinition `json:"elements"`
}

// DataElementDefinition is a data element with its disaggregation scheme
type DataElementDefinition struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	CategoryCombo CategoryCombo `json:"categoryCombo"`
}

// CategoryCombo lists the concrete option combinations of a data element
type CategoryCombo struct {
	OptionCombos []CategoryOptionCombo `json:"categoryOptionCombos"`
}

// CategoryOptionCombo is one addressable combination of category options
type CategoryOptionCombo struct {
	ID              string           `json:"id"`
	Name            string           `json:"name"`
	CategoryOptions []CategoryOption `json:"categoryOptions"`
}

// CategoryOption carries the human-readable label, e.g. "5-9 years"
type CategoryOption struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// dataSetResponse is the wire shape of GET /dataSets/{id}
type dataSetResponse struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	DataSetElements []struct {
		DataElement DataElementDefinition `json:"dataElement"`
	} `json:"dataSetElements"`
}

// toSchema unwraps the dataSetElements indirection
func (r dataSetResponse) toSchema() *DatasetSchema {
	schema := &DatasetSchema{
		ID:       r.ID,
		Name:     r.Name,
		Elements: make([]DataElementDefinition, 0, len(r.DataSetElements)),
	}
	for _, dse := range r.DataSetElements {
		if dse.DataElement.ID == "" {
			continue
		}
		schema.Elements = append(schema.Elements, dse.DataElement)
	}
	return schema
}

// EmptyElement is a data element with no single-option combos
type EmptyElement struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Report describes how a schema was flattened into a mapping
type Report struct {
	DatasetID     string         `json:"dataset_id"`
	DatasetName   string         `json:"dataset_name"`
	Entries       int            `json:"entries"`
	Excluded      int            `json:"excluded"`       // Combos with zero or multiple options
	EmptyElements []EmptyElement `json:"empty_elements"` // Elements with no addressable dimensions
	Qualified     []string       `json:"qualified"`      // Labels keyed as "<element>|<label>"
}

// Options controls schema flattening
type Options struct {
	// QualifyAmbiguous keys colliding labels by element name instead of failing
	QualifyAmbiguous bool
}

// QualifiedLabel is the key used for a label shared by several data elements
func QualifiedLabel(elementName, label string) string {
	return elementName + "|" + label
}
