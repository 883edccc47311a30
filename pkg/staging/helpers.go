package staging

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
)

// cloneSnapshot copies the snapshot so callers cannot mutate stored rows.
func cloneSnapshot(in *Snapshot) *Snapshot {
	out := *in
	out.Columns = append([]string(nil), in.Columns...)
	out.Rows = make([]map[string]any, len(in.Rows))
	for i, row := range in.Rows {
		rec := make(map[string]any, len(row))
		for k, v := range row {
			rec[k] = v
		}
		out.Rows[i] = rec
	}
	return &out
}

// snapshotSizeBytes approximates storage size using JSON encoding.
func snapshotSizeBytes(snap *Snapshot) (int64, error) {
	buf := &bytes.Buffer{}
	if err := encodeSnapshot(buf, snap, false); err != nil {
		return 0, err
	}
	return int64(buf.Len()), nil
}

func encodeSnapshot(w io.Writer, snap *Snapshot, compress bool) error {
	var writer io.Writer = w
	var gz *gzip.Writer
	if compress {
		gz = gzip.NewWriter(w)
		writer = gz
	}

	if err := json.NewEncoder(writer).Encode(snap); err != nil {
		if gz != nil {
			_ = gz.Close()
		}
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return fmt.Errorf("flush gzip: %w", err)
		}
	}
	return nil
}

func decodeSnapshot(r io.Reader, compressed bool) (*Snapshot, error) {
	var reader io.Reader = r
	if compressed {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		defer gz.Close()
		reader = gz
	}

	var snap Snapshot
	if err := json.NewDecoder(reader).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}
