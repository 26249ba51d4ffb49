// Package allocator implements the Resource Allocator: it hands out unique
// worktree directories and backend/frontend port pairs to ADW runs, persists
// the pool so allocations survive restarts, and releases resources back to
// the pool on Cleanup.
package allocator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/adw-run/adw/internal/git"
)

// ErrNoResources is returned by Allocate when no free port pair remains in
// either range.
var ErrNoResources = fmt.Errorf("allocator: no free ports available")

// Allocation is what Allocate returns for a run: its isolated worktree path
// and the backend/frontend port pair reserved for its lifetime.
type Allocation struct {
	RunID        string `json:"run_id"`
	WorktreePath string `json:"worktree_path"`
	BackendPort  int    `json:"backend_port"`
	FrontendPort int    `json:"frontend_port"`
	Branch       string `json:"branch"`
}

// poolState is the on-disk representation of the allocator's pool, persisted
// as agents/port_allocations.json.
type poolState struct {
	Allocations map[string]Allocation `json:"allocations"` // keyed by run_id
}

// Allocator assigns and releases worktrees and port pairs. A single mutex
// serializes the whole pool so double-assignment across concurrent runs is
// impossible, matching the "single serialized critical section" contract.
type Allocator struct {
	mu sync.Mutex

	statePath   string
	worktreeDir string
	git         git.Client
	baseBranch  string

	backendMin, backendMax   int
	frontendMin, frontendMax int

	state poolState
}

// New creates an Allocator. statePath is the path to the persisted pool
// file (agents/port_allocations.json); worktreeDir is the base directory
// under which per-run worktrees are created; gitClient is used to create and
// remove worktrees against the target repository; baseBranch is the branch
// new run branches fork from.
func New(statePath, worktreeDir string, gitClient git.Client, baseBranch string, backendMin, backendMax, frontendMin, frontendMax int) (*Allocator, error) {
	a := &Allocator{
		statePath:    statePath,
		worktreeDir:  worktreeDir,
		git:          gitClient,
		baseBranch:   baseBranch,
		backendMin:   backendMin,
		backendMax:   backendMax,
		frontendMin:  frontendMin,
		frontendMax:  frontendMax,
		state:        poolState{Allocations: make(map[string]Allocation)},
	}
	if err := a.load(); err != nil {
		return nil, err
	}
	return a, nil
}

// Allocate reserves a free port pair and a fresh worktree directory for
// runID, branching worktree onto a new branch named branch. It is idempotent
// per run_id: calling it twice for the same run_id while a prior
// allocation is live returns the existing allocation unchanged, matching the
// "allocations survive restarts" contract — a second Plan attempt after a
// crash must not double-allocate.
func (a *Allocator) Allocate(ctx context.Context, runID, branch string) (*Allocation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if existing, ok := a.state.Allocations[runID]; ok {
		return &existing, nil
	}

	backendPort, err := a.firstFree(a.backendMin, a.backendMax, func(p int) bool {
		return a.portInUse(p, true)
	})
	if err != nil {
		return nil, ErrNoResources
	}
	frontendPort, err := a.firstFree(a.frontendMin, a.frontendMax, func(p int) bool {
		return a.portInUse(p, false)
	})
	if err != nil {
		return nil, ErrNoResources
	}

	worktreePath := filepath.Join(a.worktreeDir, runID)
	if a.git != nil {
		if err := a.git.WorktreeAdd(ctx, worktreePath, branch, a.baseBranch); err != nil {
			return nil, fmt.Errorf("allocator: creating worktree for run %q: %w", runID, err)
		}
	} else if err := os.MkdirAll(worktreePath, 0o755); err != nil {
		return nil, fmt.Errorf("allocator: creating worktree directory for run %q: %w", runID, err)
	}

	alloc := Allocation{
		RunID:        runID,
		WorktreePath: worktreePath,
		BackendPort:  backendPort,
		FrontendPort: frontendPort,
		Branch:       branch,
	}
	a.state.Allocations[runID] = alloc

	if err := a.persist(); err != nil {
		return nil, err
	}
	return &alloc, nil
}

// Release frees runID's ports and removes its worktree. It is idempotent:
// releasing a run_id with no current allocation succeeds without side effect.
func (a *Allocator) Release(ctx context.Context, runID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	alloc, ok := a.state.Allocations[runID]
	if !ok {
		return nil
	}

	if a.git != nil {
		if err := a.git.WorktreeRemove(ctx, alloc.WorktreePath, true); err != nil {
			return fmt.Errorf("allocator: removing worktree for run %q: %w", runID, err)
		}
	} else if err := os.RemoveAll(alloc.WorktreePath); err != nil {
		return fmt.Errorf("allocator: removing worktree directory for run %q: %w", runID, err)
	}

	delete(a.state.Allocations, runID)
	return a.persist()
}

// Allocations returns a snapshot of all live allocations, sorted by run_id,
// for status reporting.
func (a *Allocator) Allocations() []Allocation {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Allocation, 0, len(a.state.Allocations))
	for _, alloc := range a.state.Allocations {
		out = append(out, alloc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunID < out[j].RunID })
	return out
}

func (a *Allocator) portInUse(port int, backend bool) bool {
	for _, alloc := range a.state.Allocations {
		if backend && alloc.BackendPort == port {
			return true
		}
		if !backend && alloc.FrontendPort == port {
			return true
		}
	}
	return false
}

func (a *Allocator) firstFree(min, max int, inUse func(int) bool) (int, error) {
	for p := min; p <= max; p++ {
		if !inUse(p) {
			return p, nil
		}
	}
	return 0, ErrNoResources
}

func (a *Allocator) load() error {
	data, err := os.ReadFile(a.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("allocator: loading pool state %q: %w", a.statePath, err)
	}
	var s poolState
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("allocator: decoding pool state %q: %w", a.statePath, err)
	}
	if s.Allocations == nil {
		s.Allocations = make(map[string]Allocation)
	}
	a.state = s
	return nil
}

// persist writes the pool state atomically via temp-file-then-rename, the
// same idiom used by the Run State Store.
func (a *Allocator) persist() error {
	dir := filepath.Dir(a.statePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("allocator: creating state directory %q: %w", dir, err)
	}

	data, err := json.MarshalIndent(a.state, "", "  ")
	if err != nil {
		return fmt.Errorf("allocator: encoding pool state: %w", err)
	}

	tmp := a.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("allocator: writing temp pool state %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, a.statePath); err != nil {
		os.Remove(tmp) //nolint:errcheck
		return fmt.Errorf("allocator: renaming temp pool state to %q: %w", a.statePath, err)
	}
	return nil
}
