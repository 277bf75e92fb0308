package hashaudit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ehr/hashaudit/internal/platform/fhir"
	"github.com/ehr/hashaudit/internal/platform/metrics"
)

// Chain appends linked records. Reading the head and inserting the new link
// happen under one mutex so appenders in this process cannot fork the chain.
type Chain struct {
	store  Store
	writer *Writer

	mu sync.Mutex
}

func NewChain(store Store, writer *Writer) *Chain {
	return &Chain{store: store, writer: writer}
}

// Head returns the most recent chained record, or ErrNotFound for an empty
// chain.
func (c *Chain) Head(ctx context.Context) (*AuditRecord, error) {
	recs, err := c.store.Find(ctx, Filter{ChainOnly: true}, Page{Limit: 1, SortBy: SortSequence, Desc: true})
	if err != nil {
		return nil, fmt.Errorf("read chain head: %w", err)
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return recs[0], nil
}

// Genesis returns the oldest surviving chained record.
func (c *Chain) Genesis(ctx context.Context) (*AuditRecord, error) {
	recs, err := c.store.Find(ctx, Filter{ChainOnly: true}, Page{Limit: 1, SortBy: SortSequence})
	if err != nil {
		return nil, fmt.Errorf("read chain genesis: %w", err)
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return recs[0], nil
}

// Length counts chained records.
func (c *Chain) Length(ctx context.Context) (int64, error) {
	n, err := c.store.Count(ctx, Filter{ChainOnly: true})
	if err != nil {
		return 0, fmt.Errorf("count chain: %w", err)
	}
	return n, nil
}

// Append links content to the chain head and stores the record. When the
// head cannot be read a failure record without a chain hash is written
// instead. Like the Writer, Append never fails.
func (c *Chain) Append(ctx context.Context, op HashOperation, content []byte) string {
	start := time.Now()

	contentHash, err := ContentHash(content)
	if err != nil {
		op.Status = StatusFailure
		op.Severity = SeverityHigh
		op.Error = &ErrorDetails{Code: "invalid_content", Message: err.Error()}
		return c.writer.LogHashOperation(ctx, op)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	length, err := c.Length(ctx)
	var previous *string
	if err == nil && length > 0 {
		var head *AuditRecord
		head, err = c.Head(ctx)
		if err == nil {
			previous = head.BlockchainHash
		}
	}
	if err != nil {
		op.Status = StatusFailure
		op.Severity = SeverityHigh
		op.ContentHash = strPtr(contentHash)
		op.Error = &ErrorDetails{Code: "chain_unavailable", Message: err.Error()}
		return c.writer.LogHashOperation(ctx, op)
	}

	link := LinkHash(contentHash, deref(previous))
	op.ContentHash = strPtr(contentHash)
	op.PreviousHash = previous
	op.BlockchainHash = strPtr(link)
	op.Metrics.HashesGenerated++
	op.Metrics.ChainLengthBefore = length
	op.Metrics.ChainLengthAfter = length + 1
	if op.Metrics.ResourcesProcessed == 0 {
		op.Metrics.ResourcesProcessed = 1
	}
	op.Metrics.ExecutionTimeMS = elapsedMS(start)

	id := c.writer.LogHashOperation(ctx, op)
	if !strings.HasPrefix(id, UnsavedPrefix) {
		metrics.ChainAppends.WithLabelValues(string(op.OperationType)).Inc()
		metrics.ChainLength.Set(float64(length + 1))
	}
	return id
}

var resourceOps = map[string]OperationType{
	fhir.ActionCreate: OpResourceCreate,
	fhir.ActionUpdate: OpResourceUpdate,
	fhir.ActionDelete: OpResourceDelete,
}

// OnResourceEvent appends a link for every stored resource version.
func (c *Chain) OnResourceEvent(ctx context.Context, ev fhir.ResourceEvent) {
	opType, ok := resourceOps[ev.Action]
	if !ok {
		return
	}
	rc := ResourceContext{
		FHIRResourceType:    ev.ResourceType,
		FHIRResourceID:      ev.ResourceID,
		FHIRResourceVersion: strconv.Itoa(ev.VersionID),
	}
	fillReferences(&rc, ev.Resource)

	severity := SeverityLow
	if opType == OpResourceDelete {
		severity = SeverityMedium
	}
	c.Append(ctx, HashOperation{
		OperationType: opType,
		Status:        StatusSuccess,
		Severity:      severity,
		Message:       fmt.Sprintf("%s %s/%s v%d", opType, ev.ResourceType, ev.ResourceID, ev.VersionID),
		Actor:         Actor{UserID: ev.Actor.UserID, RequestID: ev.Actor.RequestID},
		Context:       rc,
	}, ev.Resource)
}

// fillReferences copies patient, encounter, organization and device ids
// from the usual FHIR reference fields.
func fillReferences(rc *ResourceContext, raw json.RawMessage) {
	switch rc.FHIRResourceType {
	case "Patient":
		rc.PatientID = rc.FHIRResourceID
	case "Encounter":
		rc.EncounterID = rc.FHIRResourceID
	case "Organization":
		rc.OrganizationID = rc.FHIRResourceID
	case "Device":
		rc.DeviceID = rc.FHIRResourceID
	}

	var doc map[string]json.RawMessage
	if json.Unmarshal(raw, &doc) != nil {
		return
	}
	set := func(dst *string, prefix string, fields ...string) {
		if *dst != "" {
			return
		}
		for _, f := range fields {
			if id := referenceID(doc[f], prefix); id != "" {
				*dst = id
				return
			}
		}
	}
	set(&rc.PatientID, "Patient/", "subject", "patient", "beneficiary")
	set(&rc.EncounterID, "Encounter/", "encounter", "context")
	set(&rc.OrganizationID, "Organization/", "managingOrganization", "organization", "serviceProvider")
	set(&rc.DeviceID, "Device/", "device")
}

func referenceID(raw json.RawMessage, prefix string) string {
	if len(raw) == 0 {
		return ""
	}
	var ref struct {
		Reference string `json:"reference"`
	}
	if json.Unmarshal(raw, &ref) != nil {
		return ""
	}
	if id, ok := strings.CutPrefix(ref.Reference, prefix); ok {
		return id
	}
	return ""
}

func elapsedMS(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}
