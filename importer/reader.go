package importer

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/xuri/excelize/v2"
)

// rowReader yields records until io.EOF
type rowReader interface {
	Next() ([]string, error)
	// Line is the 1-based file line where the last record began
	Line() int
	Close() error
}

// rowParseError is a malformed record that does not stop the import
type rowParseError struct {
	err error
}

func (e *rowParseError) Error() string { return "malformed row: " + e.err.Error() }

func openRows(ref string, r io.Reader) (rowReader, error) {
	if strings.EqualFold(path.Ext(ref), ".xlsx") {
		return newXLSXRows(r)
	}
	return newCSVRows(r), nil
}

type csvRows struct {
	r    *csv.Reader
	line int
}

func newCSVRows(r io.Reader) *csvRows {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	return &csvRows{r: cr}
}

func (c *csvRows) Next() ([]string, error) {
	record, err := c.r.Read()
	if err != nil {
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			c.line = perr.StartLine
			return nil, &rowParseError{err: perr.Err}
		}
		return nil, err
	}
	// quoted fields may span lines, so count from the reader
	c.line, _ = c.r.FieldPos(0)
	return record, nil
}

func (c *csvRows) Line() int { return c.line }

func (c *csvRows) Close() error { return nil }

// xlsxRows reads the first sheet of a workbook
type xlsxRows struct {
	file *excelize.File
	rows *excelize.Rows
	line int
}

func newXLSXRows(r io.Reader) (*xlsxRows, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("opening workbook: %w", err)
	}
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		f.Close()
		return nil, ErrNoHeader
	}
	rows, err := f.Rows(sheets[0])
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("reading sheet %q: %w", sheets[0], err)
	}
	return &xlsxRows{file: f, rows: rows}, nil
}

func (x *xlsxRows) Next() ([]string, error) {
	if !x.rows.Next() {
		if err := x.rows.Error(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	x.line++
	return x.rows.Columns()
}

func (x *xlsxRows) Line() int { return x.line }

func (x *xlsxRows) Close() error {
	x.rows.Close()
	return x.file.Close()
}
