package source

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/rateio/rateio-core/internal/dataset"
	"github.com/rateio/rateio-core/internal/objstore"
)

// ObjectLoader reads raw JSON documents from an object store prefix.
// Keys under the prefix map to tables the same way directory files do.
type ObjectLoader struct {
	store  objstore.ObjectStore
	bucket string
	prefix string
}

// NewObjectLoader creates a loader over bucket/prefix in store.
func NewObjectLoader(store objstore.ObjectStore, bucket, prefix string) *ObjectLoader {
	return &ObjectLoader{store: store, bucket: bucket, prefix: prefix}
}

func (l *ObjectLoader) Load(ctx context.Context) (map[string]*dataset.Table, error) {
	keys, err := l.store.ListPrefix(ctx, l.bucket, l.prefix)
	if err != nil {
		return nil, fmt.Errorf("list raw objects under %s/%s: %w", l.bucket, l.prefix, err)
	}

	tables := make(map[string]*dataset.Table)
	for _, key := range keys {
		if !strings.HasSuffix(key, ".json") {
			continue
		}
		data, err := l.store.GetObject(ctx, l.bucket, key)
		if err != nil {
			return nil, fmt.Errorf("get raw object %s: %w", key, err)
		}
		stem := strings.TrimSuffix(path.Base(key), ".json")
		table, err := DecodeTable(stem, data)
		if err != nil {
			return nil, err
		}
		tables[stem] = table
	}
	return tables, nil
}
