package hashaudit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps records in insertion order. It backs the memory store
// backend and the package tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records []*AuditRecord
	ids     map[string]bool
	seq     int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ids: make(map[string]bool)}
}

// cloneRecord copies r so that neither side can reach the other's hashes,
// maps or error details.
func cloneRecord(r *AuditRecord) *AuditRecord {
	cp := *r
	cp.BlockchainHash = cloneString(r.BlockchainHash)
	cp.PreviousHash = cloneString(r.PreviousHash)
	cp.ContentHash = cloneString(r.ContentHash)
	cp.VerifiedHash = cloneString(r.VerifiedHash)
	if r.ErrorDetails != nil {
		ed := *r.ErrorDetails
		ed.Details = cloneMap(r.ErrorDetails.Details)
		cp.ErrorDetails = &ed
	}
	cp.AdditionalData = cloneMap(r.AdditionalData)
	return &cp
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return cloneMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

func (s *MemoryStore) Insert(_ context.Context, rec *AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ids[rec.AuditID] {
		return fmt.Errorf("insert %s: %w", rec.AuditID, ErrDuplicateID)
	}
	s.seq++
	rec.Sequence = s.seq
	s.ids[rec.AuditID] = true
	s.records = append(s.records, cloneRecord(rec))
	return nil
}

func (s *MemoryStore) match(f Filter) []*AuditRecord {
	var out []*AuditRecord
	for _, r := range s.records {
		if f.Matches(r) {
			out = append(out, r)
		}
	}
	return out
}

func (s *MemoryStore) Find(_ context.Context, f Filter, p Page) ([]*AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := s.match(f)
	field := p.sortField()
	sort.SliceStable(matched, func(i, j int) bool {
		c := compareRecords(matched[i], matched[j], field)
		if p.Desc {
			return c > 0
		}
		return c < 0
	})

	offset := max(p.Offset, 0)
	if offset >= len(matched) {
		return []*AuditRecord{}, nil
	}
	matched = matched[offset:]
	if p.Limit > 0 && len(matched) > p.Limit {
		matched = matched[:p.Limit]
	}
	out := make([]*AuditRecord, len(matched))
	for i, r := range matched {
		out[i] = cloneRecord(r)
	}
	return out, nil
}

func (s *MemoryStore) Count(_ context.Context, f Filter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.match(f))), nil
}

func (s *MemoryStore) Aggregate(_ context.Context, f Filter, groupBy GroupBy) ([]GroupStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	groups := make(map[string]*GroupStats)
	var order []string
	for _, r := range s.match(f) {
		key := groupKey(r, groupBy)
		g, ok := groups[key]
		if !ok {
			g = &GroupStats{Key: key, MinExecutionTimeMS: r.Metrics.ExecutionTimeMS}
			groups[key] = g
			order = append(order, key)
		}
		g.Count++
		switch r.Status {
		case StatusSuccess:
			g.SuccessCount++
		case StatusFailure:
			g.FailureCount++
		}
		et := r.Metrics.ExecutionTimeMS
		if et < g.MinExecutionTimeMS {
			g.MinExecutionTimeMS = et
		}
		if et > g.MaxExecutionTimeMS {
			g.MaxExecutionTimeMS = et
		}
		g.AvgExecutionTimeMS += et
		g.ResourcesProcessed += int64(r.Metrics.ResourcesProcessed)
		g.HashesGenerated += int64(r.Metrics.HashesGenerated)
		g.HashesVerified += int64(r.Metrics.HashesVerified)
	}

	out := make([]GroupStats, 0, len(order))
	for _, key := range order {
		g := groups[key]
		g.AvgExecutionTimeMS /= float64(g.Count)
		out = append(out, *g)
	}
	sortGroups(out)
	return out, nil
}

// sortGroups orders groups by count descending, then key.
func sortGroups(groups []GroupStats) {
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Count != groups[j].Count {
			return groups[i].Count > groups[j].Count
		}
		return groups[i].Key < groups[j].Key
	})
}

func (s *MemoryStore) Summarize(_ context.Context, f Filter) (Totals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var t Totals
	users := make(map[string]bool)
	resources := make(map[string]bool)
	var execSum float64
	for _, r := range s.match(f) {
		t.Total++
		switch r.Status {
		case StatusSuccess:
			t.Success++
		case StatusFailure:
			t.Failure++
		}
		if r.UserID != "" {
			users[r.UserID] = true
		}
		if key := r.ResourceKey(); key != "" {
			resources[key] = true
		}
		execSum += r.Metrics.ExecutionTimeMS
	}
	t.UniqueUsers = int64(len(users))
	t.UniqueResources = int64(len(resources))
	if t.Total > 0 {
		t.AvgExecutionTimeMS = execSum / float64(t.Total)
	}
	return t, nil
}

func (s *MemoryStore) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.records[:0]
	var deleted int64
	for _, r := range s.records {
		if r.Timestamp.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, r)
	}
	s.records = kept
	return deleted, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
