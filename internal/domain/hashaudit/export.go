package hashaudit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Export formats.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// LogExport is a bulk export of filtered records in insertion order.
type LogExport struct {
	ExportID      string         `json:"export_id"`
	ExportedAt    time.Time      `json:"exported_at"`
	Filter        Filter         `json:"filter"`
	TotalMatching int64          `json:"total_matching"`
	ExportedCount int            `json:"exported_count"`
	Truncated     bool           `json:"truncated"`
	Records       []*AuditRecord `json:"records"`
}

// ExportLogs collects at most max records matching f.
func (s *Service) ExportLogs(ctx context.Context, f Filter, max int) (*LogExport, error) {
	if max < 1 {
		return nil, fmt.Errorf("%w: export limit must be positive", ErrInvalidFilter)
	}
	total, err := s.store.Count(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("export logs: %w", err)
	}
	recs, err := s.store.Find(ctx, f, Page{Limit: max, SortBy: SortSequence})
	if err != nil {
		return nil, fmt.Errorf("export logs: %w", err)
	}
	return &LogExport{
		ExportID:      uuid.New().String(),
		ExportedAt:    s.now().UTC(),
		Filter:        f,
		TotalMatching: total,
		ExportedCount: len(recs),
		Truncated:     total > int64(len(recs)),
		Records:       recs,
	}, nil
}

var csvHeader = []string{
	"audit_id", "sequence", "timestamp", "operation_type", "status", "severity", "message",
	"blockchain_hash", "previous_hash", "content_hash", "verified_hash",
	"user_id", "request_id", "session_id",
	"fhir_resource_type", "fhir_resource_id", "fhir_resource_version",
	"patient_id", "organization_id", "device_id", "encounter_id",
	"batch_id", "batch_size",
	"execution_time_ms", "hashes_generated", "hashes_verified",
	"chain_length_before", "chain_length_after", "resources_processed",
	"has_error", "error_code", "error_message", "additional_data",
}

// WriteCSV writes records with one header row. Nested additional data is
// rendered as JSON in its column.
func WriteCSV(w io.Writer, recs []*AuditRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, r := range recs {
		var errCode, errMsg, extra string
		if r.ErrorDetails != nil {
			errCode, errMsg = r.ErrorDetails.Code, r.ErrorDetails.Message
		}
		if len(r.AdditionalData) > 0 {
			b, err := json.Marshal(r.AdditionalData)
			if err != nil {
				return fmt.Errorf("encode additional_data of %s: %w", r.AuditID, err)
			}
			extra = string(b)
		}
		row := []string{
			r.AuditID, strconv.FormatInt(r.Sequence, 10), r.Timestamp.UTC().Format(time.RFC3339Nano),
			string(r.OperationType), string(r.Status), string(r.Severity), r.Message,
			deref(r.BlockchainHash), deref(r.PreviousHash), deref(r.ContentHash), deref(r.VerifiedHash),
			r.UserID, r.RequestID, r.SessionID,
			r.FHIRResourceType, r.FHIRResourceID, r.FHIRResourceVersion,
			r.PatientID, r.OrganizationID, r.DeviceID, r.EncounterID,
			r.BatchID, strconv.Itoa(r.BatchSize),
			strconv.FormatFloat(r.Metrics.ExecutionTimeMS, 'f', -1, 64),
			strconv.Itoa(r.Metrics.HashesGenerated), strconv.Itoa(r.Metrics.HashesVerified),
			strconv.FormatInt(r.Metrics.ChainLengthBefore, 10), strconv.FormatInt(r.Metrics.ChainLengthAfter, 10),
			strconv.Itoa(r.Metrics.ResourcesProcessed),
			strconv.FormatBool(r.HasError), errCode, errMsg, extra,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row %s: %w", r.AuditID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
