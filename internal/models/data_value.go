package models

// DimensionTarget is the coded destination of one human-readable dimension label
type DimensionTarget struct {
	DataElementID         string `json:"dataElement" yaml:"dataElement"`
	CategoryOptionComboID string `json:"categoryOptionCombo" yaml:"categoryOptionCombo"`
}

// DataValue represents a single aggregate value as sent to DHIS2
// Value is always the string form of the source cell
type DataValue struct {
	DataElement         string `json:"dataElement"`
	CategoryOptionCombo string `json:"categoryOptionCombo"`
	Value               string `json:"value"`
}

// Key returns the (dataElement, categoryOptionCombo) pair addressed by the value
func (dv DataValue) Key() DimensionTarget {
	return DimensionTarget{DataElementID: dv.DataElement, CategoryOptionComboID: dv.CategoryOptionCombo}
}

// DataRecord is one logical row of the tabular source
type DataRecord struct {
	Index   int               `json:"index"`    // 0-based data row index (header excluded)
	Period  string            `json:"period"`   // Run period unless derived from a period column
	OrgUnit string            `json:"org_unit"` // Run org unit unless derived from an org unit column
	Values  map[string]string `json:"values"`   // dimension label -> raw cell value
}
