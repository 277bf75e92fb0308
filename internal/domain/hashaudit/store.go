package hashaudit

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrDuplicateID is returned when an audit id is inserted twice.
var ErrDuplicateID = errors.New("duplicate audit id")

// Store persists audit records. Insert assigns Sequence; every other method
// is read-only except DeleteBefore, which only retention calls.
type Store interface {
	Insert(ctx context.Context, rec *AuditRecord) error
	Find(ctx context.Context, f Filter, p Page) ([]*AuditRecord, error)
	Count(ctx context.Context, f Filter) (int64, error)
	Aggregate(ctx context.Context, f Filter, groupBy GroupBy) ([]GroupStats, error)
	Summarize(ctx context.Context, f Filter) (Totals, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Ping(ctx context.Context) error
}

// Filter selects records; all set fields must match.
type Filter struct {
	Since *time.Time `json:"start_date,omitempty"`
	Until *time.Time `json:"end_date,omitempty"`

	OperationTypes []OperationType `json:"operation_type,omitempty"`
	Statuses       []Status        `json:"status,omitempty"`
	Severities     []Severity      `json:"severity,omitempty"`

	UserID       string `json:"user_id,omitempty"`
	ResourceType string `json:"fhir_resource_type,omitempty"`
	ResourceID   string `json:"fhir_resource_id,omitempty"`
	PatientID    string `json:"patient_id,omitempty"`

	// Hash matches either the produced or the verified hash.
	Hash          string `json:"blockchain_hash,omitempty"`
	HasErrorsOnly bool   `json:"has_errors_only,omitempty"`

	ChainOnly     bool       `json:"-"`
	AfterSequence int64      `json:"-"`
	Before        *time.Time `json:"-"`
}

// Matches evaluates the filter in memory.
func (f Filter) Matches(r *AuditRecord) bool {
	if f.Since != nil && r.Timestamp.Before(*f.Since) {
		return false
	}
	if f.Until != nil && r.Timestamp.After(*f.Until) {
		return false
	}
	if f.Before != nil && !r.Timestamp.Before(*f.Before) {
		return false
	}
	if len(f.OperationTypes) > 0 && !contains(f.OperationTypes, r.OperationType) {
		return false
	}
	if len(f.Statuses) > 0 && !contains(f.Statuses, r.Status) {
		return false
	}
	if len(f.Severities) > 0 && !contains(f.Severities, r.Severity) {
		return false
	}
	if f.UserID != "" && r.UserID != f.UserID {
		return false
	}
	if f.ResourceType != "" && r.FHIRResourceType != f.ResourceType {
		return false
	}
	if f.ResourceID != "" && r.FHIRResourceID != f.ResourceID {
		return false
	}
	if f.PatientID != "" && r.PatientID != f.PatientID {
		return false
	}
	if f.Hash != "" && deref(r.BlockchainHash) != f.Hash && deref(r.VerifiedHash) != f.Hash {
		return false
	}
	if f.HasErrorsOnly && !r.HasError {
		return false
	}
	if f.ChainOnly && r.BlockchainHash == nil {
		return false
	}
	if f.AfterSequence > 0 && r.Sequence <= f.AfterSequence {
		return false
	}
	return true
}

func contains[T comparable](list []T, v T) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// Page orders and slices a result set. Ties on SortBy are broken by Sequence
// in the same direction, so pages never overlap. Limit 0 means no limit.
type Page struct {
	Limit  int
	Offset int
	SortBy SortField
	Desc   bool
}

func (p Page) sortField() SortField {
	if p.SortBy == "" {
		return SortTimestamp
	}
	return p.SortBy
}

// GroupStats aggregates the records sharing one group key.
type GroupStats struct {
	Key                string  `json:"key"`
	Count              int64   `json:"count"`
	SuccessCount       int64   `json:"success_count"`
	FailureCount       int64   `json:"failure_count"`
	MinExecutionTimeMS float64 `json:"min_execution_time_ms"`
	AvgExecutionTimeMS float64 `json:"avg_execution_time_ms"`
	MaxExecutionTimeMS float64 `json:"max_execution_time_ms"`
	ResourcesProcessed int64   `json:"resources_processed"`
	HashesGenerated    int64   `json:"hashes_generated"`
	HashesVerified     int64   `json:"hashes_verified"`
}

// Totals summarises a filtered set.
type Totals struct {
	Total              int64   `json:"total"`
	Success            int64   `json:"success"`
	Failure            int64   `json:"failure"`
	UniqueUsers        int64   `json:"unique_users"`
	UniqueResources    int64   `json:"unique_resources"`
	AvgExecutionTimeMS float64 `json:"avg_execution_time_ms"`
}

// compareRecords orders two records by field, then by sequence.
func compareRecords(a, b *AuditRecord, field SortField) int {
	var c int
	switch field {
	case SortOperationType:
		c = strings.Compare(string(a.OperationType), string(b.OperationType))
	case SortStatus:
		c = strings.Compare(string(a.Status), string(b.Status))
	case SortSeverity:
		c = strings.Compare(string(a.Severity), string(b.Severity))
	case SortUser:
		c = strings.Compare(a.UserID, b.UserID)
	case SortExecutionTime:
		c = compareOrdered(a.Metrics.ExecutionTimeMS, b.Metrics.ExecutionTimeMS)
	case SortSequence:
	default:
		c = a.Timestamp.Compare(b.Timestamp)
	}
	if c != 0 {
		return c
	}
	return compareOrdered(a.Sequence, b.Sequence)
}

func compareOrdered[T int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// groupKey renders the group-by dimension of a record.
func groupKey(r *AuditRecord, g GroupBy) string {
	switch g {
	case GroupByStatus:
		return string(r.Status)
	case GroupBySeverity:
		return string(r.Severity)
	case GroupByUser:
		return r.UserID
	case GroupByResourceType:
		return r.FHIRResourceType
	case GroupByHourOfDay:
		return strconv.Itoa(r.HourOfDay)
	case GroupByDayOfWeek:
		return strconv.Itoa(r.DayOfWeek)
	default:
		return string(r.OperationType)
	}
}
