package fhir

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// InMemoryHistory is a thread-safe HistoryStore used by the memory backend
// and in tests.
type InMemoryHistory struct {
	mu       sync.RWMutex
	versions map[string][]*HistoryEntry // key: "resourceType/resourceID"
}

func NewInMemoryHistory() *InMemoryHistory {
	return &InMemoryHistory{versions: make(map[string][]*HistoryEntry)}
}

func historyKey(resourceType, resourceID string) string {
	return resourceType + "/" + resourceID
}

func cloneEntry(h *HistoryEntry) *HistoryEntry {
	cp := *h
	cp.Resource = append([]byte(nil), h.Resource...)
	return &cp
}

func (s *InMemoryHistory) SaveVersion(_ context.Context, entry *HistoryEntry) error {
	prepareEntry(entry)

	s.mu.Lock()
	defer s.mu.Unlock()

	key := historyKey(entry.ResourceType, entry.ResourceID)
	for _, existing := range s.versions[key] {
		if existing.VersionID == entry.VersionID {
			return fmt.Errorf("save history version %s v%d: %w", key, entry.VersionID, ErrVersionConflict)
		}
	}
	s.versions[key] = append(s.versions[key], cloneEntry(entry))
	sort.Slice(s.versions[key], func(i, j int) bool {
		return s.versions[key][i].VersionID < s.versions[key][j].VersionID
	})
	return nil
}

func (s *InMemoryHistory) Latest(_ context.Context, resourceType, resourceID string) (*HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.versions[historyKey(resourceType, resourceID)]
	if len(list) == 0 {
		return nil, ErrResourceNotFound
	}
	return cloneEntry(list[len(list)-1]), nil
}

func (s *InMemoryHistory) GetVersion(_ context.Context, resourceType, resourceID string, versionID int) (*HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, h := range s.versions[historyKey(resourceType, resourceID)] {
		if h.VersionID == versionID {
			return cloneEntry(h), nil
		}
	}
	return nil, ErrResourceNotFound
}

func (s *InMemoryHistory) ListVersions(_ context.Context, resourceType, resourceID string, limit, offset int) ([]*HistoryEntry, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.versions[historyKey(resourceType, resourceID)]
	total := len(list)

	var out []*HistoryEntry
	for i := total - 1 - offset; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, cloneEntry(list[i]))
	}
	return out, total, nil
}
