// Package source loads raw allocation inputs into tables. Inputs arrive
// as JSON documents from a local directory, an object store, or an HTTP
// endpoint; every backend yields the same map of tables keyed by name.
package source

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"

	"github.com/rateio/rateio-core/internal/dataset"
	"github.com/rateio/rateio-core/internal/rateio"
)

// Loader produces the raw tables for one allocation run.
type Loader interface {
	Load(ctx context.Context) (map[string]*dataset.Table, error)
}

// DecodeTable parses one JSON document into a table. Two layouts are
// accepted: a list of row objects, and an object keyed by row index as
// produced by dataframe dumps. Indexed rows come back sorted by numeric
// key so the decoded order never depends on map iteration.
func DecodeTable(name string, data []byte) (*dataset.Table, error) {
	var asList []dataset.Record
	if err := json.Unmarshal(data, &asList); err == nil {
		return dataset.NewTable(name, dataset.InferSchema(asList), asList), nil
	}

	var asIndex map[string]dataset.Record
	if err := json.Unmarshal(data, &asIndex); err != nil {
		return nil, rateio.NewError(rateio.CodeSchema, name, "document is neither a row list nor an indexed object: %v", err)
	}

	keys := make([]string, 0, len(asIndex))
	for k := range asIndex {
		keys = append(keys, k)
	}
	sortIndexKeys(keys)

	rows := make([]dataset.Record, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, asIndex[k])
	}
	return dataset.NewTable(name, dataset.InferSchema(rows), rows), nil
}

// sortIndexKeys orders row-index keys numerically when every key parses
// as an integer, lexically otherwise.
func sortIndexKeys(keys []string) {
	numeric := make(map[string]int, len(keys))
	allNumeric := true
	for _, k := range keys {
		n, err := strconv.Atoi(k)
		if err != nil {
			allNumeric = false
			break
		}
		numeric[k] = n
	}
	if allNumeric {
		sort.Slice(keys, func(i, j int) bool { return numeric[keys[i]] < numeric[keys[j]] })
		return
	}
	sort.Strings(keys)
}
