package staging

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// DiskProvider stores snapshots as gzipped JSON files under a root
// directory, one subdirectory per run.
type DiskProvider struct {
	root     string
	compress bool
	mu       sync.Mutex
}

// NewDiskProvider creates a disk-backed snapshot provider rooted at dir.
func NewDiskProvider(root string) *DiskProvider {
	if root == "" {
		root = filepath.Join(os.TempDir(), "rateio-staging")
	}
	_ = os.MkdirAll(root, 0o755)
	return &DiskProvider{root: root, compress: true}
}

func (p *DiskProvider) ID() string { return ProviderDisk }

func (p *DiskProvider) snapshotPath(key string) string {
	name := filepath.FromSlash(key) + ".json"
	if p.compress {
		name += ".gz"
	}
	return filepath.Join(p.root, name)
}

func (p *DiskProvider) PutSnapshot(ctx context.Context, snap *Snapshot) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if snap == nil || snap.RunID == "" {
		return "", fmt.Errorf("snapshot with run ID is required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	key := SnapshotKey(snap.RunID, snap.Stage)
	path := p.snapshotPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create run dir: %w", err)
	}

	buf := &bytes.Buffer{}
	if err := encodeSnapshot(buf, snap, p.compress); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	return MakeSnapshotRef(p.ID(), snap.RunID, snap.Stage), nil
}

func (p *DiskProvider) GetSnapshot(ctx context.Context, ref string) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, key := ParseSnapshotRef(ref)

	file, err := os.Open(p.snapshotPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &Error{Code: CodeSnapshotNotFound, Retryable: false, Err: err}
		}
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer file.Close()

	return decodeSnapshot(file, p.compress)
}

func (p *DiskProvider) ListSnapshots(ctx context.Context, runID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	runDir := filepath.Join(p.root, filepath.FromSlash(runID))
	var refs []string
	err := filepath.WalkDir(runDir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(p.root, path)
		if relErr != nil {
			return relErr
		}
		key := filepath.ToSlash(rel)
		key = strings.TrimSuffix(strings.TrimSuffix(key, ".gz"), ".json")
		refs = append(refs, p.ID()+":"+key)
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	sort.Strings(refs)
	return refs, nil
}

func (p *DiskProvider) DropRun(ctx context.Context, runID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if runID == "" {
		return fmt.Errorf("run ID is required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return os.RemoveAll(filepath.Join(p.root, filepath.FromSlash(runID)))
}
