// Package sink persists allocation outputs. Stage tables go to parquet
// files in the object store and to warehouse tables, mirroring how the
// finance side consumes them.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	writerfile "github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/rateio/rateio-core/internal/dataset"
	"github.com/rateio/rateio-core/internal/objstore"
)

// ParquetWriter writes stage outputs as SNAPPY-compressed parquet
// objects under prefix/runID/.
type ParquetWriter struct {
	store  objstore.ObjectStore
	bucket string
	prefix string
}

// NewParquetWriter creates a writer into bucket under prefix.
func NewParquetWriter(store objstore.ObjectStore, bucket, prefix string) *ParquetWriter {
	return &ParquetWriter{store: store, bucket: bucket, prefix: prefix}
}

// WriteStage persists one stage output as allocations_stage_<n>.parquet.
func (w *ParquetWriter) WriteStage(ctx context.Context, runID string, stage int, t *dataset.Table) (string, error) {
	return w.WriteTable(ctx, runID, fmt.Sprintf("allocations_stage_%d", stage), t)
}

// WriteFinal persists the last stage output under its terminal name.
func (w *ParquetWriter) WriteFinal(ctx context.Context, runID string, t *dataset.Table) (string, error) {
	return w.WriteTable(ctx, runID, "allocations_final", t)
}

// WriteTable encodes the table and uploads it as <name>.parquet,
// returning the object URL.
func (w *ParquetWriter) WriteTable(ctx context.Context, runID, name string, t *dataset.Table) (string, error) {
	if t == nil {
		return "", fmt.Errorf("table is required")
	}

	data, err := EncodeParquet(t)
	if err != nil {
		return "", err
	}

	key := objectKey(w.prefix, runID, name+".parquet")
	if err := w.store.PutObject(ctx, w.bucket, key, data); err != nil {
		return "", err
	}
	return fmt.Sprintf("minio://%s/%s", w.bucket, key), nil
}

// EncodeParquet renders a table as a parquet file in memory.
func EncodeParquet(t *dataset.Table) ([]byte, error) {
	buf := &bytes.Buffer{}
	pfw := writerfile.NewWriterFile(buf)
	pw, err := writer.NewJSONWriter(buildParquetSchema(t.Schema), pfw, 4)
	if err != nil {
		return nil, fmt.Errorf("create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for i, rec := range t.Rows {
		row, err := json.Marshal(projectParquetRow(rec, t.Schema))
		if err != nil {
			_ = pw.WriteStop()
			_ = pfw.Close()
			return nil, fmt.Errorf("encode row %d: %w", i, err)
		}
		if err := pw.Write(string(row)); err != nil {
			_ = pw.WriteStop()
			_ = pfw.Close()
			return nil, fmt.Errorf("write row %d: %w", i, err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		_ = pfw.Close()
		return nil, fmt.Errorf("finalize parquet: %w", err)
	}
	_ = pfw.Close()
	return buf.Bytes(), nil
}

func buildParquetSchema(schema *dataset.Schema) string {
	fields := make([]map[string]string, 0, len(schema.Fields))
	for _, f := range schema.Fields {
		fields = append(fields, map[string]string{
			"Tag": fmt.Sprintf("name=%s, type=%s, repetitiontype=OPTIONAL", f.Name, parquetPhysicalType(f.DataType)),
		})
	}
	out := map[string]any{
		"Tag":    "name=parquet_go_root, repetitiontype=REQUIRED",
		"Fields": fields,
	}
	b, _ := json.Marshal(out)
	return string(b)
}

func parquetPhysicalType(dataType string) string {
	switch dataType {
	case dataset.TypeBool:
		return "BOOLEAN"
	case dataset.TypeInt64:
		return "INT64"
	case dataset.TypeDouble:
		return "DOUBLE"
	default:
		return "BYTE_ARRAY"
	}
}

// projectParquetRow coerces cells to the physical type their column
// declares so mixed raw inputs encode consistently.
func projectParquetRow(rec dataset.Record, schema *dataset.Schema) map[string]any {
	row := make(map[string]any, len(schema.Fields))
	for _, f := range schema.Fields {
		val := rec[f.Name]
		if val == nil {
			row[f.Name] = nil
			continue
		}
		switch parquetPhysicalType(f.DataType) {
		case "DOUBLE":
			if n, ok := dataset.Float(rec, f.Name); ok {
				row[f.Name] = n
			} else {
				row[f.Name] = nil
			}
		case "INT64":
			if n, ok := dataset.Float(rec, f.Name); ok {
				row[f.Name] = int64(n)
			} else {
				row[f.Name] = nil
			}
		case "BOOLEAN":
			b, ok := val.(bool)
			if ok {
				row[f.Name] = b
			} else {
				row[f.Name] = nil
			}
		default:
			row[f.Name] = dataset.CanonicalString(val)
		}
	}
	return row
}

func objectKey(parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "/")
}
