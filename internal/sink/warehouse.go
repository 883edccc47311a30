package sink

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"golang.org/x/time/rate"

	"github.com/rateio/rateio-core/internal/dataset"
)

// WarehouseConfig configures the warehouse writer.
type WarehouseConfig struct {
	// DSN is the PostgreSQL connection string.
	DSN string

	// BatchSize rows per INSERT statement (default: 1000).
	BatchSize int

	// RatePerSec caps INSERT batches per second (default: 10).
	RatePerSec float64

	// RateBurst maximum burst of batches (default: 2).
	RateBurst int
}

// Warehouse replaces stage tables in the reporting database. Each write
// truncates the target and reloads it in batches, so downstream readers
// only ever see a complete run.
type Warehouse struct {
	db        *sql.DB
	limiter   *rate.Limiter
	batchSize int
}

// NewWarehouse opens a pooled connection from config.
func NewWarehouse(cfg WarehouseConfig) (*Warehouse, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("warehouse DSN is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 10
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 2
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &Warehouse{
		db:        db,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RateBurst),
		batchSize: cfg.BatchSize,
	}, nil
}

// Close releases database resources.
func (w *Warehouse) Close() error {
	if w.db != nil {
		return w.db.Close()
	}
	return nil
}

// Ping verifies the connection.
func (w *Warehouse) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return w.db.PingContext(ctx)
}

// Replace truncates the target table and loads the rows, returning the
// inserted count. Columns follow the table schema order. A missing target
// is created from the table schema; existing tables keep their DDL.
func (w *Warehouse) Replace(ctx context.Context, table string, t *dataset.Table) (int64, error) {
	if t == nil {
		return 0, fmt.Errorf("table is required")
	}
	cols := t.Schema.FieldNames()
	if len(cols) == 0 {
		return 0, fmt.Errorf("table %s has no columns", t.Name)
	}

	if err := w.ensureTable(ctx, table, t.Schema); err != nil {
		return 0, err
	}
	if _, err := w.db.ExecContext(ctx, fmt.Sprintf("TRUNCATE TABLE %s", quoteIdent(table))); err != nil {
		return 0, fmt.Errorf("truncate %s: %w", table, err)
	}

	var inserted int64
	for start := 0; start < t.Len(); start += w.batchSize {
		end := start + w.batchSize
		if end > t.Len() {
			end = t.Len()
		}
		batch := t.Rows[start:end]

		if err := w.limiter.Wait(ctx); err != nil {
			return inserted, fmt.Errorf("rate limiter: %w", err)
		}

		stmt := insertStatement(table, cols, len(batch))
		args := make([]any, 0, len(batch)*len(cols))
		for _, rec := range batch {
			for _, col := range cols {
				args = append(args, driverValue(rec[col]))
			}
		}
		res, err := w.db.ExecContext(ctx, stmt, args...)
		if err != nil {
			return inserted, fmt.Errorf("insert into %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		inserted += n
	}
	return inserted, nil
}

func (w *Warehouse) ensureTable(ctx context.Context, table string, schema *dataset.Schema) error {
	if _, err := w.db.ExecContext(ctx, createTableDDL(table, schema)); err != nil {
		return fmt.Errorf("ensure table %s: %w", table, err)
	}
	return nil
}

func createTableDDL(table string, schema *dataset.Schema) string {
	cols := make([]string, len(schema.Fields))
	for i, f := range schema.Fields {
		cols[i] = quoteIdent(f.Name) + " " + columnType(f.DataType)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quoteIdent(table), strings.Join(cols, ", "))
}

func columnType(dataType string) string {
	switch dataType {
	case dataset.TypeDouble:
		return "DOUBLE PRECISION"
	case dataset.TypeInt64:
		return "BIGINT"
	case dataset.TypeBool:
		return "BOOLEAN"
	case dataset.TypeDate:
		return "DATE"
	default:
		return "TEXT"
	}
}

// insertStatement builds a multi-row INSERT with positional placeholders.
func insertStatement(table string, cols []string, rows int) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(quoteIdent(table))
	b.WriteString(" (")
	b.WriteString(strings.Join(quoted, ", "))
	b.WriteString(") VALUES ")

	n := 1
	for r := 0; r < rows; r++ {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for c := range cols {
			if c > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", n)
			n++
		}
		b.WriteString(")")
	}
	return b.String()
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// driverValue flattens cells to types database/sql accepts directly.
func driverValue(v any) any {
	switch x := v.(type) {
	case nil, string, bool, float64, int64:
		return x
	case float32:
		return float64(x)
	case int:
		return int64(x)
	case int32:
		return int64(x)
	default:
		return dataset.CanonicalString(v)
	}
}
