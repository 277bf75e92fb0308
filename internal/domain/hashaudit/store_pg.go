package hashaudit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore keeps the audit log in the hash_audit_log table.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const auditCols = `audit_id, sequence, timestamp, operation_type, status, severity, message,
	blockchain_hash, previous_hash, content_hash, verified_hash,
	user_id, request_id, session_id,
	fhir_resource_type, fhir_resource_id, fhir_resource_version,
	patient_id, organization_id, device_id, encounter_id,
	batch_id, batch_size,
	execution_time_ms, hashes_generated, hashes_verified,
	chain_length_before, chain_length_after, resources_processed,
	error_details, has_error, additional_data,
	hour_of_day, day_of_week, month, year, is_business_hours, is_weekend`

var pgSortColumns = map[SortField]string{
	SortTimestamp:     "timestamp",
	SortOperationType: "operation_type",
	SortStatus:        "status",
	SortSeverity:      "severity",
	SortUser:          "user_id",
	SortExecutionTime: "execution_time_ms",
	SortSequence:      "sequence",
}

var pgGroupColumns = map[GroupBy]string{
	GroupByOperationType: "operation_type",
	GroupByStatus:        "status",
	GroupBySeverity:      "severity",
	GroupByUser:          "user_id",
	GroupByResourceType:  "fhir_resource_type",
	GroupByHourOfDay:     "hour_of_day::text",
	GroupByDayOfWeek:     "day_of_week::text",
}

func scanRecord(row pgx.Row) (*AuditRecord, error) {
	var r AuditRecord
	var errDetails, extra []byte
	err := row.Scan(
		&r.AuditID, &r.Sequence, &r.Timestamp, &r.OperationType, &r.Status, &r.Severity, &r.Message,
		&r.BlockchainHash, &r.PreviousHash, &r.ContentHash, &r.VerifiedHash,
		&r.UserID, &r.RequestID, &r.SessionID,
		&r.FHIRResourceType, &r.FHIRResourceID, &r.FHIRResourceVersion,
		&r.PatientID, &r.OrganizationID, &r.DeviceID, &r.EncounterID,
		&r.BatchID, &r.BatchSize,
		&r.Metrics.ExecutionTimeMS, &r.Metrics.HashesGenerated, &r.Metrics.HashesVerified,
		&r.Metrics.ChainLengthBefore, &r.Metrics.ChainLengthAfter, &r.Metrics.ResourcesProcessed,
		&errDetails, &r.HasError, &extra,
		&r.HourOfDay, &r.DayOfWeek, &r.Month, &r.Year, &r.IsBusinessHours, &r.IsWeekend,
	)
	if err != nil {
		return nil, err
	}
	r.Timestamp = r.Timestamp.UTC()
	if errDetails != nil {
		r.ErrorDetails = &ErrorDetails{}
		if err := json.Unmarshal(errDetails, r.ErrorDetails); err != nil {
			return nil, fmt.Errorf("decode error_details: %w", err)
		}
	}
	if extra != nil {
		if err := json.Unmarshal(extra, &r.AdditionalData); err != nil {
			return nil, fmt.Errorf("decode additional_data: %w", err)
		}
	}
	return &r, nil
}

func jsonOrNil(v interface{}, isNil bool) ([]byte, error) {
	if isNil {
		return nil, nil
	}
	return json.Marshal(v)
}

func (s *PGStore) Insert(ctx context.Context, r *AuditRecord) error {
	errDetails, err := jsonOrNil(r.ErrorDetails, r.ErrorDetails == nil)
	if err != nil {
		return fmt.Errorf("encode error_details: %w", err)
	}
	extra, err := jsonOrNil(r.AdditionalData, len(r.AdditionalData) == 0)
	if err != nil {
		return fmt.Errorf("encode additional_data: %w", err)
	}

	err = s.pool.QueryRow(ctx, `
		INSERT INTO hash_audit_log (
			audit_id, timestamp, operation_type, status, severity, message,
			blockchain_hash, previous_hash, content_hash, verified_hash,
			user_id, request_id, session_id,
			fhir_resource_type, fhir_resource_id, fhir_resource_version,
			patient_id, organization_id, device_id, encounter_id,
			batch_id, batch_size,
			execution_time_ms, hashes_generated, hashes_verified,
			chain_length_before, chain_length_after, resources_processed,
			error_details, has_error, additional_data,
			hour_of_day, day_of_week, month, year, is_business_hours, is_weekend)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,
			$21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31,$32,$33,$34,$35,$36,$37)
		RETURNING sequence`,
		r.AuditID, r.Timestamp, string(r.OperationType), string(r.Status), string(r.Severity), r.Message,
		r.BlockchainHash, r.PreviousHash, r.ContentHash, r.VerifiedHash,
		r.UserID, r.RequestID, r.SessionID,
		r.FHIRResourceType, r.FHIRResourceID, r.FHIRResourceVersion,
		r.PatientID, r.OrganizationID, r.DeviceID, r.EncounterID,
		r.BatchID, r.BatchSize,
		r.Metrics.ExecutionTimeMS, r.Metrics.HashesGenerated, r.Metrics.HashesVerified,
		r.Metrics.ChainLengthBefore, r.Metrics.ChainLengthAfter, r.Metrics.ResourcesProcessed,
		errDetails, r.HasError, extra,
		r.HourOfDay, r.DayOfWeek, r.Month, r.Year, r.IsBusinessHours, r.IsWeekend,
	).Scan(&r.Sequence)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("insert %s: %w", r.AuditID, ErrDuplicateID)
		}
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// whereClause renders f as a SQL WHERE clause with positional arguments.
func whereClause(f Filter) (string, []interface{}) {
	var where []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if f.Since != nil {
		add("timestamp >= $%d", *f.Since)
	}
	if f.Until != nil {
		add("timestamp <= $%d", *f.Until)
	}
	if f.Before != nil {
		add("timestamp < $%d", *f.Before)
	}
	if len(f.OperationTypes) > 0 {
		add("operation_type = ANY($%d)", stringsOf(f.OperationTypes))
	}
	if len(f.Statuses) > 0 {
		add("status = ANY($%d)", stringsOf(f.Statuses))
	}
	if len(f.Severities) > 0 {
		add("severity = ANY($%d)", stringsOf(f.Severities))
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.ResourceType != "" {
		add("fhir_resource_type = $%d", f.ResourceType)
	}
	if f.ResourceID != "" {
		add("fhir_resource_id = $%d", f.ResourceID)
	}
	if f.PatientID != "" {
		add("patient_id = $%d", f.PatientID)
	}
	if f.Hash != "" {
		args = append(args, f.Hash)
		n := len(args)
		where = append(where, fmt.Sprintf("(blockchain_hash = $%d OR verified_hash = $%d)", n, n))
	}
	if f.HasErrorsOnly {
		where = append(where, "has_error")
	}
	if f.ChainOnly {
		where = append(where, "blockchain_hash IS NOT NULL")
	}
	if f.AfterSequence > 0 {
		add("sequence > $%d", f.AfterSequence)
	}

	if len(where) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(where, " AND "), args
}

func stringsOf[T ~string](in []T) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = string(v)
	}
	return out
}

// orderClause sorts by the page field with sequence as tiebreak.
func orderClause(p Page) string {
	col := pgSortColumns[p.sortField()]
	if col == "" {
		col = "timestamp"
	}
	dir := "ASC"
	if p.Desc {
		dir = "DESC"
	}
	if col == "sequence" {
		return "ORDER BY sequence " + dir
	}
	return fmt.Sprintf("ORDER BY %s %s, sequence %s", col, dir, dir)
}

func (s *PGStore) Find(ctx context.Context, f Filter, p Page) ([]*AuditRecord, error) {
	where, args := whereClause(f)
	q := fmt.Sprintf("SELECT %s FROM hash_audit_log %s %s", auditCols, where, orderClause(p))
	if p.Limit > 0 {
		args = append(args, p.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if p.Offset > 0 {
		args = append(args, p.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("find audit records: %w", err)
	}
	defer rows.Close()

	out := []*AuditRecord{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PGStore) Count(ctx context.Context, f Filter) (int64, error) {
	where, args := whereClause(f)
	var n int64
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM hash_audit_log "+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit records: %w", err)
	}
	return n, nil
}

func (s *PGStore) Aggregate(ctx context.Context, f Filter, groupBy GroupBy) ([]GroupStats, error) {
	col, ok := pgGroupColumns[groupBy]
	if !ok {
		return nil, fmt.Errorf("%w: unknown group_by %q", ErrInvalidFilter, groupBy)
	}
	where, args := whereClause(f)
	q := fmt.Sprintf(`
		SELECT %s AS key,
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'success'),
			COUNT(*) FILTER (WHERE status = 'failure'),
			COALESCE(MIN(execution_time_ms), 0),
			COALESCE(AVG(execution_time_ms), 0),
			COALESCE(MAX(execution_time_ms), 0),
			COALESCE(SUM(resources_processed), 0),
			COALESCE(SUM(hashes_generated), 0),
			COALESCE(SUM(hashes_verified), 0)
		FROM hash_audit_log %s
		GROUP BY 1
		ORDER BY 2 DESC, 1 ASC`, col, where)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("aggregate audit records: %w", err)
	}
	defer rows.Close()

	out := []GroupStats{}
	for rows.Next() {
		var g GroupStats
		if err := rows.Scan(&g.Key, &g.Count, &g.SuccessCount, &g.FailureCount,
			&g.MinExecutionTimeMS, &g.AvgExecutionTimeMS, &g.MaxExecutionTimeMS,
			&g.ResourcesProcessed, &g.HashesGenerated, &g.HashesVerified); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *PGStore) Summarize(ctx context.Context, f Filter) (Totals, error) {
	where, args := whereClause(f)
	var t Totals
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE status = 'success'),
			COUNT(*) FILTER (WHERE status = 'failure'),
			COUNT(DISTINCT NULLIF(user_id, '')),
			COUNT(DISTINCT CASE WHEN fhir_resource_id <> '' THEN fhir_resource_type || '/' || fhir_resource_id END),
			COALESCE(AVG(execution_time_ms), 0)
		FROM hash_audit_log `+where, args...).Scan(
		&t.Total, &t.Success, &t.Failure, &t.UniqueUsers, &t.UniqueResources, &t.AvgExecutionTimeMS)
	if err != nil {
		return Totals{}, fmt.Errorf("summarize audit records: %w", err)
	}
	return t, nil
}

func (s *PGStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM hash_audit_log WHERE timestamp < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete audit records: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
