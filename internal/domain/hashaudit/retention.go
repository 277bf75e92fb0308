package hashaudit

import (
	"context"
	"fmt"
	"time"

	"github.com/ehr/hashaudit/internal/platform/metrics"
)

// DefaultRetentionDays is roughly seven years.
const DefaultRetentionDays = 2555

// CleanupResult reports what a cleanup run did or would do.
type CleanupResult struct {
	CutoffDate       time.Time `json:"cutoff_date"`
	RetentionDays    int       `json:"retention_days"`
	DryRun           bool      `json:"dry_run"`
	LogsToDelete     int64     `json:"logs_to_delete"`
	DeletedCount     *int64    `json:"deleted_count,omitempty"`
	CountDiscrepancy *int64    `json:"count_discrepancy,omitempty"`
	AnchorHash       string    `json:"anchor_hash,omitempty"`
	AnchorAuditID    string    `json:"anchor_audit_id,omitempty"`
}

// CleanupOldAuditLogs removes records older than retentionDays. A dry run
// only counts. A live run counts, deletes, and reports any difference
// between the two numbers. When the run removes chained records, the hash
// of the last one is written as a chain_anchor record.
func (s *Service) CleanupOldAuditLogs(ctx context.Context, retentionDays int, dryRun bool) (*CleanupResult, error) {
	if retentionDays < 1 {
		return nil, fmt.Errorf("%w: retention_days must be at least 1", ErrInvalidFilter)
	}
	cutoff := s.now().UTC().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	res := &CleanupResult{CutoffDate: cutoff, RetentionDays: retentionDays, DryRun: dryRun}

	n, err := s.store.Count(ctx, Filter{Before: &cutoff})
	if err != nil {
		return nil, fmt.Errorf("count expired audit logs: %w", err)
	}
	res.LogsToDelete = n

	if dryRun {
		s.logger.Info().Time("cutoff", cutoff).Int64("logs_to_delete", n).Msg("audit retention dry run")
		return res, nil
	}

	anchor, err := s.retentionAnchor(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("read chain anchor: %w", err)
	}

	deleted, err := s.store.DeleteBefore(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("delete expired audit logs: %w", err)
	}
	res.DeletedCount = &deleted
	metrics.CleanupDeleted.Add(float64(deleted))

	if diff := n - deleted; diff != 0 {
		res.CountDiscrepancy = &diff
		s.logger.Warn().Int64("counted", n).Int64("deleted", deleted).Msg("audit retention count discrepancy")
	}
	if anchor != "" && deleted > 0 {
		res.AnchorHash = anchor
		res.AnchorAuditID = s.writeAnchor(ctx, anchor, res)
	}
	s.logger.Info().Time("cutoff", cutoff).Int("retention_days", retentionDays).
		Int64("deleted", deleted).Str("anchor", anchor).Msg("audit retention cleanup")
	return res, nil
}

// retentionAnchor returns the hash of the last chained record before
// cutoff, which the first surviving link points at once it is deleted.
func (s *Service) retentionAnchor(ctx context.Context, cutoff time.Time) (string, error) {
	recs, err := s.store.Find(ctx, Filter{ChainOnly: true, Before: &cutoff},
		Page{Limit: 1, SortBy: SortSequence, Desc: true})
	if err != nil || len(recs) == 0 {
		return "", err
	}
	return deref(recs[0].BlockchainHash), nil
}

func (s *Service) writeAnchor(ctx context.Context, hash string, res *CleanupResult) string {
	if s.chain == nil {
		s.logger.Warn().Str("anchor", hash).Msg("no writer for chain anchor")
		return ""
	}
	return s.chain.writer.LogHashOperation(ctx, HashOperation{
		OperationType: OpChainAnchor,
		Severity:      SeverityMedium,
		Message:       fmt.Sprintf("chain anchored after retention removed %d records", *res.DeletedCount),
		VerifiedHash:  strPtr(hash),
		Actor:         SystemActor,
		AdditionalData: map[string]interface{}{
			"cutoff_date":    res.CutoffDate.Format(time.RFC3339),
			"retention_days": res.RetentionDays,
		},
	})
}

// latestAnchor returns the newest chain_anchor record, or nil when retention
// has never removed a link.
func latestAnchor(ctx context.Context, store Store) (*AuditRecord, error) {
	recs, err := store.Find(ctx, Filter{OperationTypes: []OperationType{OpChainAnchor}},
		Page{Limit: 1, SortBy: SortSequence, Desc: true})
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return recs[0], nil
}
