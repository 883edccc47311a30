package objstore_test

import (
	"context"
	"testing"

	"github.com/rateio/rateio-core/internal/objstore"
	"github.com/rateio/rateio-core/pkg/staging"
)

func TestSnapshotProvider_Unit_RoundTrip(t *testing.T) {
	store := objstore.NewLocalStore(t.TempDir())
	ctx := context.Background()

	p, err := objstore.NewSnapshotProvider(ctx, store, "rateio-staging")
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	if p.ID() != staging.ProviderObject {
		t.Fatalf("provider ID = %s", p.ID())
	}

	snap := &staging.Snapshot{
		RunID:   "run-s3",
		Stage:   3,
		Table:   "allocations",
		Columns: []string{"center_id", "allocated_value"},
		Rows: []map[string]any{
			{"center_id": "100", "allocated_value": 725.5},
		},
	}

	ref, err := p.PutSnapshot(ctx, snap)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if ref != "object.s3:run-s3/stage-0003" {
		t.Fatalf("ref = %s", ref)
	}

	got, err := p.GetSnapshot(ctx, ref)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Table != "allocations" || got.Stage != 3 || len(got.Rows) != 1 {
		t.Fatalf("snapshot = %+v", got)
	}
	if got.Rows[0]["allocated_value"] != 725.5 {
		t.Fatalf("row = %+v", got.Rows[0])
	}

	refs, err := p.ListSnapshots(ctx, "run-s3")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(refs) != 1 || refs[0] != ref {
		t.Fatalf("refs = %v", refs)
	}
}

func TestSnapshotProvider_Unit_ProvisionsMissingBucket(t *testing.T) {
	store := objstore.NewLocalStore(t.TempDir())
	ctx := context.Background()

	if _, err := objstore.NewSnapshotProvider(ctx, store, "fresh-bucket"); err != nil {
		t.Fatalf("new provider: %v", err)
	}
	exists, err := store.BucketExists(ctx, "fresh-bucket")
	if err != nil {
		t.Fatalf("bucket exists: %v", err)
	}
	if !exists {
		t.Fatal("bucket should be provisioned on first use")
	}
}

func TestSnapshotProvider_Unit_RequiresBucket(t *testing.T) {
	store := objstore.NewLocalStore(t.TempDir())
	if _, err := objstore.NewSnapshotProvider(context.Background(), store, ""); err == nil {
		t.Fatal("expected error for empty bucket")
	}
}
