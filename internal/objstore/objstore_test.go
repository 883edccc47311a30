package objstore_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rateio/rateio-core/internal/objstore"
)

func TestLocalStore_Unit_PutGetRoundTrip(t *testing.T) {
	root := t.TempDir()
	store := objstore.NewLocalStore(root)
	ctx := context.Background()

	payload := []byte(`{"center_id":"100","value":42.5}`)
	if err := store.PutObject(ctx, "artifacts", "run-1/allocations_stage_1.parquet", payload); err != nil {
		t.Fatalf("put: %v", err)
	}

	onDisk := filepath.Join(root, "artifacts", "run-1", "allocations_stage_1.parquet")
	if _, err := os.Stat(onDisk); err != nil {
		t.Fatalf("expected object file at %s: %v", onDisk, err)
	}

	data, err := store.GetObject(ctx, "artifacts", "run-1/allocations_stage_1.parquet")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(data) != string(payload) {
		t.Fatalf("payload mismatch: %q", data)
	}
}

func TestLocalStore_Unit_ListPrefixSortsKeys(t *testing.T) {
	store := objstore.NewLocalStore(t.TempDir())
	ctx := context.Background()

	for _, key := range []string{"run-1/stage_2.parquet", "run-1/stage_1.parquet", "run-2/stage_1.parquet"} {
		if err := store.PutObject(ctx, "artifacts", key, []byte("x")); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}

	keys, err := store.ListPrefix(ctx, "artifacts", "run-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"run-1/stage_1.parquet", "run-1/stage_2.parquet"}
	if len(keys) != len(want) {
		t.Fatalf("keys = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("keys = %v, want %v", keys, want)
		}
	}
}

func TestLocalStore_Unit_MissingObjectIsCoded(t *testing.T) {
	store := objstore.NewLocalStore(t.TempDir())
	ctx := context.Background()

	if err := store.EnsureBucket(ctx, "artifacts"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	_, err := store.GetObject(ctx, "artifacts", "run-9/missing.parquet")
	if err == nil {
		t.Fatal("expected error for missing object")
	}
	var coded *objstore.Error
	if !errors.As(err, &coded) || coded.Code != objstore.CodeObjectNotFound {
		t.Fatalf("error = %v, want code %s", err, objstore.CodeObjectNotFound)
	}
	if coded.RetryableStatus() {
		t.Error("missing object must not be retryable")
	}
}

func TestLocalStore_Unit_EmptyBucketRejected(t *testing.T) {
	store := objstore.NewLocalStore(t.TempDir())
	ctx := context.Background()

	if err := store.PutObject(ctx, "", "k", []byte("x")); err == nil {
		t.Fatal("expected error for empty bucket")
	}
	if _, err := store.GetObject(ctx, "", "k"); err == nil {
		t.Fatal("expected error for empty bucket")
	}
}

func TestLocalStore_Unit_BucketExistsAfterEnsure(t *testing.T) {
	store := objstore.NewLocalStore(t.TempDir())
	ctx := context.Background()

	exists, err := store.BucketExists(ctx, "artifacts")
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if exists {
		t.Fatal("bucket should not exist yet")
	}
	if err := store.EnsureBucket(ctx, "artifacts"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	exists, err = store.BucketExists(ctx, "artifacts")
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if !exists {
		t.Fatal("bucket should exist after ensure")
	}
}

func TestS3Client_Unit_ConfigValidation(t *testing.T) {
	if _, err := objstore.NewS3Client(objstore.Config{}); err == nil {
		t.Fatal("expected error for missing endpoint")
	}
	_, err := objstore.NewS3Client(objstore.Config{Endpoint: "http://localhost:9000"})
	if err == nil {
		t.Fatal("expected error for missing credentials")
	}
	var coded *objstore.Error
	if !errors.As(err, &coded) || coded.Code != objstore.CodeAuthInvalid {
		t.Fatalf("error = %v, want code %s", err, objstore.CodeAuthInvalid)
	}
}
