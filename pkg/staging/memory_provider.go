package staging

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type memoryRun struct {
	snapshots  map[string]*Snapshot
	totalBytes int64
}

// MemoryProvider keeps snapshots in process memory with a per-run byte
// cap. It suits tests and small single-shot runs.
type MemoryProvider struct {
	maxBytes int64

	mu   sync.Mutex
	runs map[string]*memoryRun
}

// NewMemoryProvider creates a memory-backed snapshot provider.
func NewMemoryProvider(maxBytes int64) *MemoryProvider {
	if maxBytes <= 0 {
		maxBytes = DefaultMemoryCapBytes
	}
	return &MemoryProvider{
		maxBytes: maxBytes,
		runs:     make(map[string]*memoryRun),
	}
}

func (p *MemoryProvider) ID() string { return ProviderMemory }

func (p *MemoryProvider) ensureRun(runID string) *memoryRun {
	if run, ok := p.runs[runID]; ok {
		return run
	}
	run := &memoryRun{snapshots: make(map[string]*Snapshot)}
	p.runs[runID] = run
	return run
}

func (p *MemoryProvider) PutSnapshot(ctx context.Context, snap *Snapshot) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if snap == nil || snap.RunID == "" {
		return "", fmt.Errorf("snapshot with run ID is required")
	}

	size, err := snapshotSizeBytes(snap)
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	run := p.ensureRun(snap.RunID)
	if run.totalBytes+size > p.maxBytes {
		return "", &Error{Code: CodeSnapshotTooLarge, Retryable: false, Err: fmt.Errorf("run %s exceeds memory cap (%d bytes)", snap.RunID, p.maxBytes)}
	}

	key := SnapshotKey(snap.RunID, snap.Stage)
	run.snapshots[key] = cloneSnapshot(snap)
	run.totalBytes += size
	return MakeSnapshotRef(p.ID(), snap.RunID, snap.Stage), nil
}

func (p *MemoryProvider) GetSnapshot(ctx context.Context, ref string) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, key := ParseSnapshotRef(ref)

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, run := range p.runs {
		if snap, ok := run.snapshots[key]; ok {
			return cloneSnapshot(snap), nil
		}
	}
	return nil, &Error{Code: CodeSnapshotNotFound, Retryable: false, Err: fmt.Errorf("snapshot not found: %s", key)}
}

func (p *MemoryProvider) ListSnapshots(ctx context.Context, runID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	run, ok := p.runs[runID]
	if !ok {
		return []string{}, nil
	}
	refs := make([]string, 0, len(run.snapshots))
	for key := range run.snapshots {
		refs = append(refs, p.ID()+":"+key)
	}
	sort.Strings(refs)
	return refs, nil
}

func (p *MemoryProvider) DropRun(ctx context.Context, runID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.runs, runID)
	return nil
}
