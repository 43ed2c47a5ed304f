package persist

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/comalice/hsmstate"
)

// Registry manages versioned snapshots of running machines, ported from the
// statechart engine's Registry interface onto hsmstate.Snapshot.
type Registry interface {
	Register(machineID string, snap hsmstate.Snapshot) (version string, err error)
	Latest(machineID string) (VersionedSnapshot, error)
	Version(machineID, version string) (VersionedSnapshot, error)
	ListVersions(machineID string) ([]string, error)
	ListMachines() []string
}

var (
	// ErrNotFound reports a missing machine or version.
	ErrNotFound = errors.New("persist: version or machine not found")
)

// VersionedSnapshot annotates a Snapshot with its registry version and the
// time it was registered.
type VersionedSnapshot struct {
	hsmstate.Snapshot
	Version   string
	Timestamp time.Time
}

// MemoryRegistry is an in-process Registry; every Register call gets a
// monotonically increasing version string ("v1", "v2", ...) per machine ID.
type MemoryRegistry struct {
	mu       sync.Mutex
	versions map[string][]VersionedSnapshot
	nowFunc  func() time.Time
}

// NewMemoryRegistry returns an empty MemoryRegistry. now defaults to
// time.Now if nil.
func NewMemoryRegistry(now func() time.Time) *MemoryRegistry {
	if now == nil {
		now = time.Now
	}
	return &MemoryRegistry{versions: make(map[string][]VersionedSnapshot), nowFunc: now}
}

func (r *MemoryRegistry) Register(machineID string, snap hsmstate.Snapshot) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing := r.versions[machineID]
	version := fmt.Sprintf("v%d", len(existing)+1)
	r.versions[machineID] = append(existing, VersionedSnapshot{
		Snapshot:  snap,
		Version:   version,
		Timestamp: r.nowFunc(),
	})
	return version, nil
}

func (r *MemoryRegistry) Latest(machineID string) (VersionedSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	versions := r.versions[machineID]
	if len(versions) == 0 {
		return VersionedSnapshot{}, fmt.Errorf("machine %q: %w", machineID, ErrNotFound)
	}
	return versions[len(versions)-1], nil
}

func (r *MemoryRegistry) Version(machineID, version string) (VersionedSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, v := range r.versions[machineID] {
		if v.Version == version {
			return v, nil
		}
	}
	return VersionedSnapshot{}, fmt.Errorf("machine %q version %q: %w", machineID, version, ErrNotFound)
}

func (r *MemoryRegistry) ListVersions(machineID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	versions, ok := r.versions[machineID]
	if !ok {
		return nil, fmt.Errorf("machine %q: %w", machineID, ErrNotFound)
	}
	out := make([]string, len(versions))
	for i, v := range versions {
		out[len(versions)-1-i] = v.Version
	}
	return out, nil
}

func (r *MemoryRegistry) ListMachines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.versions))
	for id := range r.versions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
