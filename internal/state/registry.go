// Package state owns the shared ModuleState registry.
//
// ModuleState entries are the only cross-task shared mutable resource in
// the engine. Every mutation is attributed to exactly one in-flight
// execution id, and a second concurrent recovery targeting a module that
// is already recovering is rejected. The registry is the in-memory source
// of truth; an optional persistent store records snapshots and recovery
// audit rows without ever becoming authoritative.
package state

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/bigdegenenergy/open-cloud-ops/medic/internal/registry"
	"github.com/bigdegenenergy/open-cloud-ops/medic/pkg/models"
)

// Registry tracks the current ModuleState of every workspace module.
type Registry struct {
	mu     sync.RWMutex
	states map[models.ModuleID]models.ModuleState
	claims map[models.ModuleID]string // module -> execution id holding the recovery claim

	store Store
}

// NewRegistry seeds a state registry with an unknown entry for every
// module in the descriptor catalogue.
func NewRegistry() *Registry {
	r := &Registry{
		states: make(map[models.ModuleID]models.ModuleState),
		claims: make(map[models.ModuleID]string),
	}
	now := time.Now().UTC()
	for _, d := range registry.All() {
		r.states[d.ID] = models.ModuleState{
			ModuleID:         d.ID,
			Layer:            d.Layer,
			Status:           models.ModuleStatusUnknown,
			BuildStatus:      models.BuildStatusNotStarted,
			TestStatus:       models.TestStatusNotStarted,
			DependencyHealth: models.DependencyHealthResolved,
			LastModified:     now,
			ModifiedBy:       "bootstrap",
		}
	}
	return r
}

// SetStore attaches a persistent store. Store writes are best-effort; the
// in-memory state remains authoritative.
func (r *Registry) SetStore(s Store) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.store = s
}

// LoadFromStore rehydrates the last persisted snapshots for known modules.
// Unknown ids in the store are ignored.
func (r *Registry) LoadFromStore(ctx context.Context) error {
	r.mu.Lock()
	store := r.store
	r.mu.Unlock()
	if store == nil {
		return nil
	}

	states, err := store.ListStates(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	loaded := 0
	for _, s := range states {
		if _, known := r.states[s.ModuleID]; !known {
			continue
		}
		// A process restart invalidates any in-flight recovery claim.
		if s.Status == models.ModuleStatusRecovering {
			s.Status = models.ModuleStatusUnknown
		}
		r.states[s.ModuleID] = *s
		loaded++
	}
	log.Printf("state: loaded %d module snapshots from store", loaded)
	return nil
}

// Get returns a copy of a module's state.
func (r *Registry) Get(id models.ModuleID) (models.ModuleState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.states[id]
	if !ok {
		return models.ModuleState{}, models.ErrModuleNotFound(id)
	}
	return s, nil
}

// Snapshot returns a copy of all module states.
func (r *Registry) Snapshot() map[models.ModuleID]models.ModuleState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[models.ModuleID]models.ModuleState, len(r.states))
	for id, s := range r.states {
		out[id] = s
	}
	return out
}

// Put replaces a module's state, attributing the mutation to executionID.
func (r *Registry) Put(s models.ModuleState, executionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.states[s.ModuleID]; !ok {
		return models.ErrModuleNotFound(s.ModuleID)
	}
	s.HealthScore = models.ClampScore(s.HealthScore)
	s.LastModified = time.Now().UTC()
	s.ModifiedBy = executionID
	r.states[s.ModuleID] = s
	r.persist(&s)
	return nil
}

// Update applies an operator mutation: only status and notes are accepted.
func (r *Registry) Update(id models.ModuleID, status *models.ModuleStatus, notes *string, actor string) (models.ModuleState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.states[id]
	if !ok {
		return models.ModuleState{}, models.ErrModuleNotFound(id)
	}
	if status != nil {
		if !models.ValidModuleStatus(*status) {
			return models.ModuleState{}, models.ErrValidation("invalid module status", map[string]any{
				"module_id": string(id),
				"received":  string(*status),
			})
		}
		s.Status = *status
	}
	if notes != nil {
		s.Notes = *notes
	}
	s.LastModified = time.Now().UTC()
	s.ModifiedBy = actor
	r.states[id] = s
	r.persist(&s)
	return s, nil
}

// BeginRecovery claims a module for an execution. The claim is rejected
// when the module is already recovering under another execution id.
func (r *Registry) BeginRecovery(id models.ModuleID, executionID string) (models.ModuleState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.states[id]
	if !ok {
		return models.ModuleState{}, models.ErrModuleNotFound(id)
	}
	if holder, claimed := r.claims[id]; claimed && holder != executionID {
		return models.ModuleState{}, models.ErrModuleBusy(id, holder)
	}
	if s.Status == models.ModuleStatusRecovering {
		return models.ModuleState{}, models.ErrModuleBusy(id, s.ModifiedBy)
	}

	r.claims[id] = executionID
	prev := s
	s.Status = models.ModuleStatusRecovering
	s.LastModified = time.Now().UTC()
	s.ModifiedBy = executionID
	r.states[id] = s
	r.persist(&s)
	return prev, nil
}

// EndRecovery releases a module's recovery claim and installs the final
// state produced by the recovery.
func (r *Registry) EndRecovery(id models.ModuleID, executionID string, final models.ModuleState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if holder, claimed := r.claims[id]; !claimed || holder != executionID {
		log.Printf("state: end recovery for %s ignored: claim not held by %s", id, executionID)
		return
	}
	delete(r.claims, id)

	final.ModuleID = id
	final.HealthScore = models.ClampScore(final.HealthScore)
	final.LastModified = time.Now().UTC()
	final.ModifiedBy = executionID
	r.states[id] = final
	r.persist(&final)
}

// Claimed reports whether a module is currently claimed by any execution.
func (r *Registry) Claimed(id models.ModuleID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.claims[id]
	return ok
}

// RecordRecovery persists one recovery step result for the audit trail.
func (r *Registry) RecordRecovery(id models.ModuleID, executionID string, result models.RecoveryPhaseResult) {
	r.mu.RLock()
	store := r.store
	r.mu.RUnlock()
	if store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.SaveRecoveryResult(ctx, id, executionID, &result); err != nil {
		log.Printf("state: warning: store recovery result failed: %v", err)
	}
}

// persist writes a snapshot to the store if one is attached. Failures are
// logged and otherwise ignored. Caller holds the lock.
func (r *Registry) persist(s *models.ModuleState) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.SaveState(ctx, s); err != nil {
		log.Printf("state: warning: store save failed for %s: %v", s.ModuleID, err)
	}
}
