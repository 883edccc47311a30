package source_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/rateio/rateio-core/internal/dataset"
	"github.com/rateio/rateio-core/internal/objstore"
	"github.com/rateio/rateio-core/internal/rateio"
	"github.com/rateio/rateio-core/internal/source"
)

func TestSource_Unit_DecodeRowList(t *testing.T) {
	data := []byte(`[{"center_id":"100","value":10.5},{"center_id":"204","value":2}]`)
	table, err := source.DecodeTable("postings", data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if table.Len() != 2 {
		t.Fatalf("rows = %d, want 2", table.Len())
	}
	if table.Rows[0]["center_id"] != "100" {
		t.Errorf("row 0 = %v", table.Rows[0])
	}
	if v, _ := dataset.Float(table.Rows[1], "value"); v != 2 {
		t.Errorf("row 1 value = %v", table.Rows[1]["value"])
	}
}

func TestSource_Unit_DecodeIndexedObjectSortsNumerically(t *testing.T) {
	// Keys 0..11 on purpose: lexical order would put "10" before "2".
	data := []byte(`{
		"10": {"seq": 10.0},
		"2":  {"seq": 2.0},
		"0":  {"seq": 0.0},
		"11": {"seq": 11.0},
		"1":  {"seq": 1.0}
	}`)
	table, err := source.DecodeTable("postings", data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := []float64{0, 1, 2, 10, 11}
	for i, w := range want {
		got, _ := dataset.Float(table.Rows[i], "seq")
		if got != w {
			t.Fatalf("row %d seq = %v, want %v", i, got, w)
		}
	}
}

func TestSource_Unit_DecodeRejectsScalarDocument(t *testing.T) {
	_, err := source.DecodeTable("postings", []byte(`"just a string"`))
	if err == nil {
		t.Fatal("expected decode error")
	}
	if rateio.CodeOf(err) != rateio.CodeSchema {
		t.Errorf("code = %s, want %s (%v)", rateio.CodeOf(err), rateio.CodeSchema, err)
	}
}

func TestSource_Unit_DirLoaderReadsJSONFilesOnly(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "postings.json", `[{"value":1.0}]`)
	writeFile(t, dir, "metrics.json", `[{"metric_value":3.0}]`)
	writeFile(t, dir, "notes.txt", "ignored")

	loader := source.NewDirLoader(dir, nil)
	tables, err := loader.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(tables) != 2 {
		t.Fatalf("tables = %d, want 2", len(tables))
	}
	if tables["postings"] == nil || tables["metrics"] == nil {
		t.Fatalf("missing tables: %v", tables)
	}
	if tables["postings"].Len() != 1 {
		t.Errorf("postings rows = %d", tables["postings"].Len())
	}
}

func TestSource_Unit_DirLoaderMissingDirFails(t *testing.T) {
	loader := source.NewDirLoader(filepath.Join(t.TempDir(), "absent"), nil)
	if _, err := loader.Load(context.Background()); err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func TestSource_Unit_ObjectLoaderReadsPrefix(t *testing.T) {
	store := objstore.NewLocalStore(t.TempDir())
	ctx := context.Background()
	put(t, store, "raw", "runs/2023-10/postings.json", `[{"value":7.0}]`)
	put(t, store, "raw", "runs/2023-10/metrics.json", `{"0":{"metric_value":1.0}}`)
	put(t, store, "raw", "runs/2023-10/readme.md", "not data")

	loader := source.NewObjectLoader(store, "raw", "runs/2023-10")
	tables, err := loader.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(tables) != 2 {
		t.Fatalf("tables = %d, want 2", len(tables))
	}
	if v, _ := dataset.Float(tables["postings"].Rows[0], "value"); v != 7 {
		t.Errorf("postings value = %v", v)
	}
}

func TestSource_Integration_HTTPLoaderFetchesTables(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/postings":
			w.Write([]byte(`[{"value":5.0}]`))
		case "/v1/metrics":
			w.Write([]byte(`[{"metric_value":2.0}]`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	loader := source.NewHTTPLoader(source.HTTPConfig{
		BaseURL: srv.URL,
		Tables:  map[string]string{"postings": "/v1/postings", "metrics": "/v1/metrics"},
	})
	tables, err := loader.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(tables) != 2 {
		t.Fatalf("tables = %d, want 2", len(tables))
	}
	if v, _ := dataset.Float(tables["postings"].Rows[0], "value"); v != 5 {
		t.Errorf("postings value = %v", v)
	}
}

func TestSource_Integration_HTTPLoaderRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`[{"value":1.0}]`))
	}))
	defer srv.Close()

	loader := source.NewHTTPLoader(source.HTTPConfig{
		BaseURL: srv.URL,
		Tables:  map[string]string{"postings": "/postings"},
	})
	tables, err := loader.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if tables["postings"].Len() != 1 {
		t.Fatalf("postings rows = %d", tables["postings"].Len())
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestSource_Integration_HTTPLoaderFailsFastOnClientError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	loader := source.NewHTTPLoader(source.HTTPConfig{
		BaseURL: srv.URL,
		Tables:  map[string]string{"postings": "/postings"},
	})
	if _, err := loader.Load(context.Background()); err == nil {
		t.Fatal("expected error for 404")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("calls = %d, want 1 (client errors must not be retried)", calls)
	}
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func put(t *testing.T, store objstore.ObjectStore, bucket, key, content string) {
	t.Helper()
	if err := store.PutObject(context.Background(), bucket, key, []byte(content)); err != nil {
		t.Fatalf("put %s: %v", key, err)
	}
}
