package sink

import (
	"context"
	"os"
	"testing"

	"github.com/rateio/rateio-core/internal/dataset"
)

func skipIfNoWarehouse(t *testing.T) string {
	dsn := os.Getenv("RATEIO_WAREHOUSE_DSN")
	if dsn == "" {
		t.Skip("Skipping integration test: RATEIO_WAREHOUSE_DSN not set")
	}
	return dsn
}

func TestWarehouse_Unit_InsertStatementPlaceholders(t *testing.T) {
	got := insertStatement("tb_rateio_1", []string{"center_id", "value", "stage"}, 2)
	want := `INSERT INTO "tb_rateio_1" ("center_id", "value", "stage") VALUES ($1, $2, $3), ($4, $5, $6)`
	if got != want {
		t.Fatalf("statement = %s, want %s", got, want)
	}
}

func TestWarehouse_Unit_InsertStatementSingleRow(t *testing.T) {
	got := insertStatement("t", []string{"a"}, 1)
	want := `INSERT INTO "t" ("a") VALUES ($1)`
	if got != want {
		t.Fatalf("statement = %s, want %s", got, want)
	}
}

func TestWarehouse_Unit_QuoteIdentEscapesQuotes(t *testing.T) {
	if got := quoteIdent(`weird"name`); got != `"weird""name"` {
		t.Fatalf("quoted = %s", got)
	}
}

func TestWarehouse_Unit_CreateTableDDL(t *testing.T) {
	schema := &dataset.Schema{Fields: []*dataset.FieldDefinition{
		{Name: "center_id", DataType: dataset.TypeString},
		{Name: "allocated_value", DataType: dataset.TypeDouble},
		{Name: "allocation_stage", DataType: dataset.TypeInt64},
	}}
	got := createTableDDL("tb_rateio_final", schema)
	want := `CREATE TABLE IF NOT EXISTS "tb_rateio_final" ("center_id" TEXT, "allocated_value" DOUBLE PRECISION, "allocation_stage" BIGINT)`
	if got != want {
		t.Fatalf("ddl = %s, want %s", got, want)
	}
}

func TestWarehouse_Unit_DriverValueFlattensCells(t *testing.T) {
	cases := []struct {
		in   any
		want any
	}{
		{nil, nil},
		{"x", "x"},
		{true, true},
		{12.5, 12.5},
		{int64(9), int64(9)},
		{int(4), int64(4)},
		{float32(1.5), float64(1.5)},
		{[]string{"a"}, "[a]"},
	}
	for _, tc := range cases {
		if got := driverValue(tc.in); got != tc.want {
			t.Errorf("driverValue(%v) = %v (%T), want %v", tc.in, got, got, tc.want)
		}
	}
}

func TestWarehouse_Unit_ConfigRequiresDSN(t *testing.T) {
	if _, err := NewWarehouse(WarehouseConfig{}); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}

func TestWarehouse_Integration_ReplaceReloadsTable(t *testing.T) {
	dsn := skipIfNoWarehouse(t)
	ctx := context.Background()

	wh, err := NewWarehouse(WarehouseConfig{DSN: dsn, BatchSize: 2})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer wh.Close()

	if err := wh.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	// Replace provisions the target on first use.
	wh.db.ExecContext(ctx, "DROP TABLE IF EXISTS rateio_test_stage")
	defer wh.db.ExecContext(ctx, "DROP TABLE IF EXISTS rateio_test_stage")

	rows := []dataset.Record{
		{"center_id": "100", "allocated_value": 450.0, "allocation_stage": 2.0},
		{"center_id": "204", "allocated_value": 150.0, "allocation_stage": 2.0},
		{"center_id": "268", "allocated_value": 400.0, "allocation_stage": 1.0},
	}
	table := dataset.NewTable("stage", dataset.InferSchema(rows), rows)

	// Two loads in a row: Replace must leave exactly one run's rows.
	for i := 0; i < 2; i++ {
		n, err := wh.Replace(ctx, "rateio_test_stage", table)
		if err != nil {
			t.Fatalf("replace (pass %d): %v", i, err)
		}
		if n != 3 {
			t.Fatalf("inserted = %d, want 3", n)
		}
	}

	var count int
	if err := wh.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM rateio_test_stage").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 3 {
		t.Fatalf("row count after two replaces = %d, want 3", count)
	}
}
