package write

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/IBM/fp-go/v2/option"
	"github.com/apache/arrow/go/v18/arrow"
	"github.com/apache/arrow/go/v18/arrow/array"
	"github.com/apache/arrow/go/v18/arrow/memory"
	"github.com/apache/arrow/go/v18/parquet"
	"github.com/apache/arrow/go/v18/parquet/compress"
	"github.com/apache/arrow/go/v18/parquet/pqarrow"

	"github.com/Qubut/IP-Claim/packages/tm_ingest/internal/models"
)

// parquetRowGroup bounds how many records are buffered in arrow memory
// before being flushed as one row group.
const parquetRowGroup = 64 * 1024

// Schema is the arrow schema of the parquet output. Optional record fields
// are nullable; the owners list and the source file never are.
var Schema = arrow.NewSchema([]arrow.Field{
	{Name: "category_code", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "mark_identification", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "serial_number", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "case_file_owners", Type: arrow.BinaryTypes.String},
	{Name: "status", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "xml_filename", Type: arrow.BinaryTypes.String},
}, nil)

// Parquet writes ds to path as a snappy-compressed parquet file.
func Parquet(ds models.Dataset, path string) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create parquet file: %w", err)
	}
	defer func() {
		if cerr := file.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close parquet file: %w", cerr)
		}
	}()
	return EncodeParquet(file, ds)
}

// EncodeParquet writes ds to w. w is not closed.
func EncodeParquet(w io.Writer, ds models.Dataset) error {
	props := parquet.NewWriterProperties(parquet.WithCompression(compress.Codecs.Snappy))
	fw, err := pqarrow.NewFileWriter(Schema, nopCloser{w}, props, pqarrow.DefaultWriterProps())
	if err != nil {
		return fmt.Errorf("create parquet writer: %w", err)
	}

	builder := array.NewRecordBuilder(memory.DefaultAllocator, Schema)
	defer builder.Release()

	for start := 0; start < len(ds); start += parquetRowGroup {
		end := min(start+parquetRowGroup, len(ds))
		for _, rec := range ds[start:end] {
			appendOptional(builder.Field(0).(*array.StringBuilder), rec.CategoryCode)
			appendOptional(builder.Field(1).(*array.StringBuilder), rec.MarkIdentification)
			appendOptional(builder.Field(2).(*array.StringBuilder), rec.SerialNumber)
			builder.Field(3).(*array.StringBuilder).Append(rec.CaseFileOwners)
			appendOptional(builder.Field(4).(*array.StringBuilder), rec.Status)
			builder.Field(5).(*array.StringBuilder).Append(rec.SourceFilename)
		}
		batch := builder.NewRecord()
		err := fw.Write(batch)
		batch.Release()
		if err != nil {
			_ = fw.Close()
			return fmt.Errorf("write parquet rows %d-%d: %w", start, end, err)
		}
	}
	return fw.Close()
}

func appendOptional(b *array.StringBuilder, v option.Option[string]) {
	if option.IsSome(v) {
		b.Append(models.Text(v))
		return
	}
	b.AppendNull()
}

// pqarrow closes its sink on Close; the caller owns the file.
type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
