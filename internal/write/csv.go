package write

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	"github.com/Qubut/IP-Claim/packages/tm_ingest/internal/models"
)

// Columns is the fixed header of the tabular output, and the column names of
// the trademarks table.
var Columns = []string{
	"category_code",
	"mark_identification",
	"serial_number",
	"case_file_owners",
	"status",
	"xml_filename",
}

// Row renders a record in Columns order. Absent values become "".
func Row(r models.CaseFileRecord) []string {
	return []string{
		models.Text(r.CategoryCode),
		models.Text(r.MarkIdentification),
		models.Text(r.SerialNumber),
		r.CaseFileOwners,
		models.Text(r.Status),
		r.SourceFilename,
	}
}

// FromRow is the inverse of Row.
func FromRow(row []string) (models.CaseFileRecord, error) {
	if len(row) != len(Columns) {
		return models.CaseFileRecord{}, fmt.Errorf("expected %d fields, got %d", len(Columns), len(row))
	}
	return models.CaseFileRecord{
		CategoryCode:       models.Optional(row[0]),
		MarkIdentification: models.Optional(row[1]),
		SerialNumber:       models.Optional(row[2]),
		CaseFileOwners:     row[3],
		Status:             models.Optional(row[4]),
		SourceFilename:     row[5],
	}, nil
}

// CSV writes ds to path with a header row, creating parent directories.
func CSV(ds models.Dataset, path string) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create CSV: %w", err)
	}
	defer func() {
		if cerr := file.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close CSV: %w", cerr)
		}
	}()

	buf := bufio.NewWriter(file)
	if err := EncodeCSV(buf, ds); err != nil {
		return err
	}
	return buf.Flush()
}

// EncodeCSV writes the header and one row per record to w.
func EncodeCSV(w io.Writer, ds models.Dataset) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(Columns); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for i, rec := range ds {
		if err := writer.Write(Row(rec)); err != nil {
			return fmt.Errorf("failed to write row %d: %w", i+1, err)
		}
	}
	writer.Flush()
	return writer.Error()
}

// ReadCSV loads a file produced by CSV.
func ReadCSV(path string) (models.Dataset, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open CSV: %w", err)
	}
	defer file.Close()
	return DecodeCSV(bufio.NewReader(file))
}

// DecodeCSV reads a header matching Columns followed by records.
func DecodeCSV(r io.Reader) (models.Dataset, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = len(Columns)
	reader.ReuseRecord = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("CSV is empty, expected a header row")
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if !slices.Equal(header, Columns) {
		return nil, fmt.Errorf("unexpected CSV header %v", header)
	}

	var ds models.Dataset
	for line := 2; ; line++ {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return ds, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read line %d: %w", line, err)
		}
		rec, err := FromRow(row)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		ds = append(ds, rec)
	}
}
