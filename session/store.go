// Package session caches the resume point of missions a client is following.
//
// The cache is never authoritative: the server is the source of truth and
// every cached entry is revalidated before use.
package session

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/c360studio/semmission/mission"
)

// ErrNotFound is returned when no entry exists for a mission.
var ErrNotFound = errors.New("session not found")

// Entry is the cached resume point for one mission.
type Entry struct {
	MissionID   string               `json:"missionId"`
	Mode        mission.Mode         `json:"mode"`
	LastEventID string               `json:"lastEventId,omitempty"`
	State       *mission.StreamState `json:"state,omitempty"`
	UpdatedAt   time.Time            `json:"updatedAt"`
}

// Ref returns the mission reference of the entry.
func (e *Entry) Ref() mission.Ref {
	return mission.Ref{Mode: e.Mode, ID: e.MissionID}
}

// Store persists resume entries keyed by mission ID.
type Store interface {
	Get(ctx context.Context, missionID string) (*Entry, error)
	Put(ctx context.Context, e *Entry) error
	Delete(ctx context.Context, missionID string) error
	List(ctx context.Context) ([]*Entry, error)
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

// Get returns a copy of the entry for missionID.
func (s *MemoryStore) Get(_ context.Context, missionID string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[missionID]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

// Put stores e, replacing any previous entry for the same mission.
func (s *MemoryStore) Put(_ context.Context, e *Entry) error {
	if err := validate(e); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.MissionID] = *e
	return nil
}

// Delete removes the entry for missionID. Deleting a missing entry is not an error.
func (s *MemoryStore) Delete(_ context.Context, missionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, missionID)
	return nil
}

// List returns all entries ordered by mission ID.
func (s *MemoryStore) List(_ context.Context) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Entry, 0, len(s.entries))
	for _, id := range slices.Sorted(maps.Keys(s.entries)) {
		e := s.entries[id]
		out = append(out, &e)
	}
	return out, nil
}

func validate(e *Entry) error {
	if e == nil || e.MissionID == "" {
		return &mission.ValidationError{Field: "missionId", Message: "required"}
	}
	if !e.Mode.IsValid() {
		return &mission.ValidationError{Field: "mode", Message: "must be mission or panel"}
	}
	return nil
}

// FromState builds a cache entry from a controller snapshot.
func FromState(s mission.StreamState, now time.Time) *Entry {
	return &Entry{
		MissionID:   s.MissionID,
		Mode:        s.Mode,
		LastEventID: s.LastEventID,
		State:       &s,
		UpdatedAt:   now,
	}
}
