package hashaudit

import (
	"context"
	"fmt"
	"time"
)

// Integrity states of a resource trail.
const (
	IntegrityIntact      = "intact"
	IntegrityCompromised = "compromised"
	IntegrityUnverified  = "unverified"
)

// HashChange pairs the resource hash before and after one operation.
type HashChange struct {
	AuditID       string        `json:"audit_id"`
	Timestamp     time.Time     `json:"timestamp"`
	OperationType OperationType `json:"operation_type"`
	OldHash       string        `json:"old_hash"`
	NewHash       string        `json:"new_hash"`
}

// ResourceTrail is the reconstructed lifecycle of one resource.
type ResourceTrail struct {
	ResourceType    string         `json:"resource_type"`
	ResourceID      string         `json:"resource_id"`
	TotalEvents     int            `json:"total_events"`
	Truncated       bool           `json:"truncated"`
	Creation        *AuditRecord   `json:"creation"`
	Updates         []*AuditRecord `json:"updates"`
	Verifications   []*AuditRecord `json:"verifications,omitempty"`
	Deletions       []*AuditRecord `json:"deletions"`
	HashChanges     []HashChange   `json:"hash_changes"`
	HashChangeCount int            `json:"hash_change_count"`
	CurrentHash     string         `json:"current_hash,omitempty"`
	IntegrityStatus string         `json:"integrity_status"`
	LastVerifiedAt  *time.Time     `json:"last_verified_at,omitempty"`
}

// resourceHash is the hash that identifies the resource state a record
// produced: the content hash when present, else the chain hash.
func resourceHash(r *AuditRecord) string {
	if r.ContentHash != nil {
		return *r.ContentHash
	}
	return deref(r.BlockchainHash)
}

// GetResourceAuditTrail partitions a resource's records into creation,
// updates, verifications and deletions in insertion order. Integrity is
// compromised when any verification failed, intact when at least one ran
// and none failed, and unverified otherwise.
func (s *Service) GetResourceAuditTrail(ctx context.Context, resourceType, resourceID string, includeVerifications bool) (*ResourceTrail, error) {
	if resourceType == "" || resourceID == "" {
		return nil, fmt.Errorf("%w: resource type and id are required", ErrInvalidFilter)
	}
	f := Filter{ResourceType: resourceType, ResourceID: resourceID}
	recs, err := s.store.Find(ctx, f, Page{Limit: maxTrailRecords + 1, SortBy: SortSequence})
	if err != nil {
		return nil, fmt.Errorf("resource trail: %w", err)
	}

	trail := &ResourceTrail{
		ResourceType:    resourceType,
		ResourceID:      resourceID,
		Updates:         []*AuditRecord{},
		Deletions:       []*AuditRecord{},
		HashChanges:     []HashChange{},
		IntegrityStatus: IntegrityUnverified,
	}
	if len(recs) > maxTrailRecords {
		recs = recs[:maxTrailRecords]
		trail.Truncated = true
	}
	trail.TotalEvents = len(recs)

	var verifications []*AuditRecord
	failed := false
	current := ""
	for _, r := range recs {
		switch {
		case r.OperationType.IsVerification():
			verifications = append(verifications, r)
			if r.Status == StatusFailure {
				failed = true
			}
			ts := r.Timestamp
			trail.LastVerifiedAt = &ts
			continue
		case r.OperationType == OpResourceDelete:
			trail.Deletions = append(trail.Deletions, r)
		case trail.Creation == nil && (r.OperationType == OpResourceCreate || r.OperationType == OpHashGenerate):
			trail.Creation = r
		case r.OperationType == OpResourceCreate || r.OperationType == OpResourceUpdate ||
			r.OperationType == OpHashUpdate || r.OperationType == OpHashGenerate:
			trail.Updates = append(trail.Updates, r)
		}

		h := resourceHash(r)
		if h == "" {
			continue
		}
		if current != "" && h != current {
			trail.HashChanges = append(trail.HashChanges, HashChange{
				AuditID:       r.AuditID,
				Timestamp:     r.Timestamp,
				OperationType: r.OperationType,
				OldHash:       current,
				NewHash:       h,
			})
		}
		current = h
	}

	trail.HashChangeCount = len(trail.HashChanges)
	trail.CurrentHash = current
	if len(verifications) > 0 {
		trail.IntegrityStatus = IntegrityIntact
		if failed {
			trail.IntegrityStatus = IntegrityCompromised
		}
	}
	if includeVerifications {
		trail.Verifications = verifications
		if trail.Verifications == nil {
			trail.Verifications = []*AuditRecord{}
		}
	}
	return trail, nil
}
