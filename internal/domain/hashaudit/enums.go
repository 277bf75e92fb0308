package hashaudit

import (
	"fmt"
	"strings"
)

// OperationType is the kind of hash operation an audit record describes.
type OperationType string

const (
	OpHashGenerate   OperationType = "hash_generate"
	OpHashVerify     OperationType = "hash_verify"
	OpHashUpdate     OperationType = "hash_update"
	OpBatchGenerate  OperationType = "batch_generate"
	OpBatchVerify    OperationType = "batch_verify"
	OpChainVerify    OperationType = "chain_verify"
	OpChainExport    OperationType = "chain_export"
	OpChainImport    OperationType = "chain_import"
	OpMerkleCompute  OperationType = "merkle_compute"
	OpIntegrityCheck OperationType = "integrity_check"
	OpResourceCreate OperationType = "resource_create"
	OpResourceUpdate OperationType = "resource_update"
	OpResourceDelete OperationType = "resource_delete"
	// OpChainAnchor records the last link removed by retention.
	OpChainAnchor    OperationType = "chain_anchor"
)

var operationTypes = []OperationType{
	OpHashGenerate, OpHashVerify, OpHashUpdate, OpBatchGenerate, OpBatchVerify,
	OpChainVerify, OpChainExport, OpChainImport, OpMerkleCompute, OpIntegrityCheck,
	OpResourceCreate, OpResourceUpdate, OpResourceDelete, OpChainAnchor,
}

// Status is the outcome of an operation.
type Status string

const (
	StatusSuccess    Status = "success"
	StatusFailure    Status = "failure"
	StatusWarning    Status = "warning"
	StatusInProgress Status = "in_progress"
	StatusCancelled  Status = "cancelled"
)

var statuses = []Status{StatusSuccess, StatusFailure, StatusWarning, StatusInProgress, StatusCancelled}

// Severity ranks how much attention a record deserves.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severities = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// GroupBy is a statistics dimension.
type GroupBy string

const (
	GroupByOperationType GroupBy = "operation_type"
	GroupByStatus        GroupBy = "status"
	GroupBySeverity      GroupBy = "severity"
	GroupByUser          GroupBy = "user_id"
	GroupByResourceType  GroupBy = "resource_type"
	GroupByHourOfDay     GroupBy = "hour_of_day"
	GroupByDayOfWeek     GroupBy = "day_of_week"
)

var groupBys = []GroupBy{
	GroupByOperationType, GroupByStatus, GroupBySeverity, GroupByUser,
	GroupByResourceType, GroupByHourOfDay, GroupByDayOfWeek,
}

// SortField is a sortable record attribute.
type SortField string

const (
	SortTimestamp     SortField = "timestamp"
	SortOperationType SortField = "operation_type"
	SortStatus        SortField = "status"
	SortSeverity      SortField = "severity"
	SortUser          SortField = "user_id"
	SortExecutionTime SortField = "execution_time_ms"
	SortSequence      SortField = "sequence"
)

var sortFields = []SortField{
	SortTimestamp, SortOperationType, SortStatus, SortSeverity, SortUser, SortExecutionTime, SortSequence,
}

func parseEnum[T ~string](kind, raw string, allowed []T) (T, error) {
	v := T(strings.ToLower(strings.TrimSpace(raw)))
	for _, a := range allowed {
		if a == v {
			return v, nil
		}
	}
	return "", fmt.Errorf("%w: unknown %s %q", ErrInvalidFilter, kind, raw)
}

func ParseOperationType(s string) (OperationType, error) {
	return parseEnum("operation_type", s, operationTypes)
}

func ParseStatus(s string) (Status, error) { return parseEnum("status", s, statuses) }

func ParseSeverity(s string) (Severity, error) { return parseEnum("severity", s, severities) }

func ParseGroupBy(s string) (GroupBy, error) { return parseEnum("group_by", s, groupBys) }

func ParseSortField(s string) (SortField, error) { return parseEnum("sort_by", s, sortFields) }

// IsVerification reports whether the operation checks hashes rather than
// producing them.
func (o OperationType) IsVerification() bool {
	switch o {
	case OpHashVerify, OpIntegrityCheck, OpBatchVerify, OpChainVerify:
		return true
	}
	return false
}
