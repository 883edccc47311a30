package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/rateio/rateio-core/internal/dataset"
)

// DirLoader reads every *.json file in a directory. The file stem names
// the table, so data/raw/postings.json becomes the "postings" table.
type DirLoader struct {
	dir    string
	logger *zap.Logger
}

// NewDirLoader creates a loader over dir. A nil logger silences the
// skipped-file warnings.
func NewDirLoader(dir string, logger *zap.Logger) *DirLoader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DirLoader{dir: dir, logger: logger}
}

func (l *DirLoader) Load(ctx context.Context) (map[string]*dataset.Table, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("read raw directory %s: %w", l.dir, err)
	}

	tables := make(map[string]*dataset.Table)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".json") {
			l.logger.Warn("skipping unsupported raw file", zap.String("file", name))
			continue
		}

		data, err := os.ReadFile(filepath.Join(l.dir, name))
		if err != nil {
			return nil, fmt.Errorf("read raw file %s: %w", name, err)
		}
		stem := strings.TrimSuffix(name, ".json")
		table, err := DecodeTable(stem, data)
		if err != nil {
			return nil, err
		}
		tables[stem] = table
	}
	return tables, nil
}
