package extract

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"dhis2submit/internal/failure"
)

// Supported source extensions
const (
	ExtXLSX = ".xlsx"
	ExtXLSM = ".xlsm"
	ExtCSV  = ".csv"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Table is a loaded tabular source: one header row followed by data rows
type Table struct {
	Name   string
	Sheet  string
	Header []string
	Rows   [][]string
}

// LoadOptions controls how a source file is read
type LoadOptions struct {
	Sheet string // Worksheet name for xlsx sources; empty selects the first sheet
}

// Column returns the index of the column whose header equals name exactly
func (t *Table) Column(name string) (int, bool) {
	for i, h := range t.Header {
		if h == name {
			return i, true
		}
	}
	return -1, false
}

// Cell returns the cell at (row, col), or "" when the row is short
func (t *Table) Cell(row, col int) string {
	if row < 0 || row >= len(t.Rows) || col < 0 || col >= len(t.Rows[row]) {
		return ""
	}
	return t.Rows[row][col]
}

// SupportedFile reports whether path has an extension Load can read
func SupportedFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ExtXLSX, ExtXLSM, ExtCSV:
		return true
	}
	return false
}

type loadResult struct {
	table *Table
	err   error
}

// Load reads a tabular source file. It returns SourceUnreadable when the
// file is missing, has an unsupported format, cannot be parsed, or the
// context expires before reading completes.
func Load(ctx context.Context, path string, opts LoadOptions) (*Table, error) {
	done := make(chan loadResult, 1)
	go func() {
		table, err := load(path, opts)
		done <- loadResult{table: table, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, failure.New(failure.SourceUnreadable, path, res.err)
		}
		return res.table, nil
	case <-ctx.Done():
		return nil, failure.New(failure.SourceUnreadable, path, ctx.Err())
	}
}

func load(path string, opts LoadOptions) (*Table, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}

	var (
		table *Table
		err   error
	)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ExtXLSX, ExtXLSM:
		table, err = loadWorkbook(path, opts.Sheet)
	case ExtCSV:
		table, err = loadCSV(path)
	default:
		return nil, fmt.Errorf("unsupported file format %q (expected .xlsx or .csv)", ext)
	}
	if err != nil {
		return nil, err
	}

	table.Name = filepath.Base(path)
	return table, nil
}

func loadWorkbook(path, sheet string) (*Table, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("workbook has no sheets")
	}
	if sheet == "" {
		sheet = sheets[0]
	}

	// Raw values: number formats such as "#,##0" or "0%" must not reach
	// numeric coercion as display text
	rows, err := f.GetRows(sheet, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %q: %w", sheet, err)
	}

	table, err := fromRows(rows)
	if err != nil {
		return nil, fmt.Errorf("sheet %q: %w", sheet, err)
	}
	table.Sheet = sheet
	return table, nil
}

func loadCSV(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimPrefix(data, utf8BOM)

	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1

	var rows [][]string
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse csv: %w", err)
		}
		rows = append(rows, record)
	}

	return fromRows(rows)
}

func fromRows(rows [][]string) (*Table, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, errors.New("missing header row")
	}
	return &Table{
		Header: rows[0],
		Rows:   rows[1:],
	}, nil
}
