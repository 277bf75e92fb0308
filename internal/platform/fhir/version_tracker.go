package fhir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// Actor identifies who caused a resource change.
type Actor struct {
	UserID    string
	RequestID string
}

// ResourceEvent describes a stored resource version. Resource holds the exact
// snapshot bytes that were persisted ("null" for deletions).
type ResourceEvent struct {
	ResourceType string
	ResourceID   string
	VersionID    int
	Action       string
	Resource     json.RawMessage
	Actor        Actor
}

// ResourceEventListener is notified after a version has been persisted.
// Listeners must not fail the mutation; they handle their own errors.
type ResourceEventListener interface {
	OnResourceEvent(ctx context.Context, event ResourceEvent)
}

// VersionTracker wraps a HistoryStore with the create/update/delete
// operations of the resource handler and fans stored versions out to
// listeners.
type VersionTracker struct {
	repo HistoryStore

	mu        sync.RWMutex
	listeners []ResourceEventListener
}

func NewVersionTracker(repo HistoryStore) *VersionTracker {
	return &VersionTracker{repo: repo}
}

// AddListener registers a listener for stored versions.
func (vt *VersionTracker) AddListener(l ResourceEventListener) {
	vt.mu.Lock()
	defer vt.mu.Unlock()
	vt.listeners = append(vt.listeners, l)
}

func (vt *VersionTracker) fireEvent(ctx context.Context, event ResourceEvent) {
	vt.mu.RLock()
	listeners := make([]ResourceEventListener, len(vt.listeners))
	copy(listeners, vt.listeners)
	vt.mu.RUnlock()

	for _, l := range listeners {
		l.OnResourceEvent(ctx, event)
	}
}

func (vt *VersionTracker) save(ctx context.Context, actor Actor, resourceType, resourceID string, version int, data json.RawMessage, action string) (*HistoryEntry, error) {
	entry := &HistoryEntry{
		ResourceType: resourceType,
		ResourceID:   resourceID,
		VersionID:    version,
		Resource:     data,
		Action:       action,
		UserID:       actor.UserID,
	}
	if err := vt.repo.SaveVersion(ctx, entry); err != nil {
		return nil, err
	}
	vt.fireEvent(ctx, ResourceEvent{
		ResourceType: resourceType,
		ResourceID:   resourceID,
		VersionID:    version,
		Action:       action,
		Resource:     entry.Resource,
		Actor:        actor,
	})
	return entry, nil
}

// RecordCreate saves version 1 of a resource.
func (vt *VersionTracker) RecordCreate(ctx context.Context, actor Actor, resourceType, resourceID string, resource interface{}) (*HistoryEntry, error) {
	data, err := json.Marshal(resource)
	if err != nil {
		return nil, fmt.Errorf("version tracker: marshal resource: %w", err)
	}
	return vt.save(ctx, actor, resourceType, resourceID, 1, data, ActionCreate)
}

// RecordUpdate saves the snapshot as currentVersion+1.
func (vt *VersionTracker) RecordUpdate(ctx context.Context, actor Actor, resourceType, resourceID string, currentVersion int, resource interface{}) (*HistoryEntry, error) {
	data, err := json.Marshal(resource)
	if err != nil {
		return nil, fmt.Errorf("version tracker: marshal resource: %w", err)
	}
	return vt.save(ctx, actor, resourceType, resourceID, currentVersion+1, data, ActionUpdate)
}

// RecordDelete saves a deletion marker at the next version.
func (vt *VersionTracker) RecordDelete(ctx context.Context, actor Actor, resourceType, resourceID string, currentVersion int) (*HistoryEntry, error) {
	return vt.save(ctx, actor, resourceType, resourceID, currentVersion+1, json.RawMessage("null"), ActionDelete)
}

// Put creates the resource or updates it when a live version exists. A
// resource whose latest version is a deletion marker is recreated.
func (vt *VersionTracker) Put(ctx context.Context, actor Actor, resourceType, resourceID string, resource interface{}) (*HistoryEntry, bool, error) {
	latest, err := vt.repo.Latest(ctx, resourceType, resourceID)
	switch {
	case errors.Is(err, ErrResourceNotFound):
		entry, err := vt.RecordCreate(ctx, actor, resourceType, resourceID, resource)
		return entry, true, err
	case err != nil:
		return nil, false, err
	}

	data, err := json.Marshal(resource)
	if err != nil {
		return nil, false, fmt.Errorf("version tracker: marshal resource: %w", err)
	}
	action := ActionUpdate
	if latest.Deleted() {
		action = ActionCreate
	}
	entry, err := vt.save(ctx, actor, resourceType, resourceID, latest.VersionID+1, data, action)
	return entry, action == ActionCreate, err
}

// Current returns the latest live version of a resource.
func (vt *VersionTracker) Current(ctx context.Context, resourceType, resourceID string) (*HistoryEntry, error) {
	return vt.repo.Latest(ctx, resourceType, resourceID)
}

// GetVersion retrieves a specific version of a resource from history.
func (vt *VersionTracker) GetVersion(ctx context.Context, resourceType, resourceID string, versionID int) (*HistoryEntry, error) {
	return vt.repo.GetVersion(ctx, resourceType, resourceID, versionID)
}

// ListVersions retrieves all versions of a resource.
func (vt *VersionTracker) ListVersions(ctx context.Context, resourceType, resourceID string, limit, offset int) ([]*HistoryEntry, int, error) {
	return vt.repo.ListVersions(ctx, resourceType, resourceID, limit, offset)
}
