// Package staging checkpoints stage outputs between allocation stages.
// A snapshot captures one stage's full output table for a run, so an
// aborted run can be inspected and a finished run replayed without
// touching the raw inputs again.
package staging

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const (
	ProviderMemory = "memory"
	ProviderDisk   = "disk"
	ProviderObject = "object.s3"

	// DefaultLargeRunThresholdBytes determines when disk or object-store
	// staging is required.
	DefaultLargeRunThresholdBytes int64 = 8 * 1024 * 1024
	// DefaultMemoryCapBytes is the max bytes one run may hold in the
	// in-memory provider.
	DefaultMemoryCapBytes int64 = 8 * 1024 * 1024
)

// ErrorCode represents a structured staging error code.
type ErrorCode string

const (
	CodeStagingUnavailable ErrorCode = "E_STAGING_UNAVAILABLE"
	CodeSnapshotTooLarge   ErrorCode = "E_SNAPSHOT_TOO_LARGE"
	CodeSnapshotNotFound   ErrorCode = "E_SNAPSHOT_NOT_FOUND"
)

// Error carries a staging error code and retryability hint.
type Error struct {
	Code      ErrorCode
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// CodeValue returns the string error code for run log reporting.
func (e *Error) CodeValue() string { return string(e.Code) }

// RetryableStatus indicates if the operation can be retried.
func (e *Error) RetryableStatus() bool { return e.Retryable }

// CodedError exposes staging error metadata.
type CodedError interface {
	error
	CodeValue() string
	RetryableStatus() bool
}

// Snapshot is one stage's output table for one run. Columns preserve the
// schema order; rows are plain cell maps so snapshots stay serializable
// without dragging engine types along.
type Snapshot struct {
	RunID     string           `json:"runId"`
	Stage     int              `json:"stage"`
	Table     string           `json:"table"`
	Columns   []string         `json:"columns"`
	Rows      []map[string]any `json:"rows"`
	CreatedAt string           `json:"createdAt,omitempty"`
}

// Provider is a pluggable snapshot backend (memory, disk, object store).
type Provider interface {
	ID() string
	PutSnapshot(ctx context.Context, snap *Snapshot) (string, error)
	GetSnapshot(ctx context.Context, ref string) (*Snapshot, error)
	ListSnapshots(ctx context.Context, runID string) ([]string, error)
	DropRun(ctx context.Context, runID string) error
}

// Registry holds available snapshot providers for selection.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry builds a registry with optional initial providers.
func NewRegistry(providers ...Provider) *Registry {
	reg := &Registry{providers: make(map[string]Provider)}
	for _, p := range providers {
		reg.Register(p)
	}
	return reg
}

// Register adds or replaces a provider by ID.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
}

// Get returns a provider by ID.
func (r *Registry) Get(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// ProviderIDs returns registered provider IDs.
func (r *Registry) ProviderIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	return ids
}

// SelectProvider chooses a provider based on size hints and preference.
// Runs too large for memory fall through to durable backends.
func (r *Registry) SelectProvider(preferred string, estimatedBytes, threshold int64) (Provider, error) {
	if threshold <= 0 {
		threshold = DefaultLargeRunThresholdBytes
	}

	if estimatedBytes > threshold {
		if p, ok := r.Get(ProviderObject); ok {
			return p, nil
		}
		if p, ok := r.Get(ProviderDisk); ok {
			return p, nil
		}
		return nil, &Error{Code: CodeStagingUnavailable, Retryable: true, Err: fmt.Errorf("durable staging required for %d bytes", estimatedBytes)}
	}

	if preferred != "" {
		if p, ok := r.Get(preferred); ok {
			return p, nil
		}
	}

	if p, ok := r.Get(ProviderMemory); ok {
		return p, nil
	}
	if p, ok := r.Get(ProviderDisk); ok {
		return p, nil
	}
	if p, ok := r.Get(ProviderObject); ok {
		return p, nil
	}

	return nil, &Error{Code: CodeStagingUnavailable, Retryable: true, Err: fmt.Errorf("no staging providers available")}
}

// NewRunID creates a new opaque run identifier.
func NewRunID() string {
	return "run-" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// MakeSnapshotRef encodes provider + snapshot key into a compact ref.
func MakeSnapshotRef(providerID, runID string, stage int) string {
	if providerID == "" {
		providerID = ProviderMemory
	}
	return providerID + ":" + SnapshotKey(runID, stage)
}

// ParseSnapshotRef splits a ref into provider ID and snapshot key.
func ParseSnapshotRef(ref string) (providerID, key string) {
	parts := strings.SplitN(ref, ":", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return "", ref
}

// SnapshotKey builds the canonical storage key for a run stage.
func SnapshotKey(runID string, stage int) string {
	return fmt.Sprintf("%s/stage-%04d", runID, stage)
}
