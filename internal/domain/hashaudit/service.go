package hashaudit

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/hashaudit/pkg/pagination"
)

// maxTrailRecords bounds the records loaded for one resource trail.
const maxTrailRecords = 10000

// Service answers audit queries and runs retention.
type Service struct {
	store  Store
	chain  *Chain
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(store Store, chain *Chain, logger zerolog.Logger) *Service {
	return &Service{
		store:  store,
		chain:  chain,
		logger: logger.With().Str("component", "hash_audit_service").Logger(),
		now:    time.Now,
	}
}

// LogPage is one page of filtered records.
type LogPage struct {
	TotalCount    int64          `json:"total_count"`
	ReturnedCount int            `json:"returned_count"`
	Offset        int            `json:"offset"`
	Limit         int            `json:"limit"`
	HasMore       bool           `json:"has_more"`
	Logs          []*AuditRecord `json:"logs"`
}

// GetAuditLogs returns the page of records matching every filter field.
func (s *Service) GetAuditLogs(ctx context.Context, f Filter, p Page) (*LogPage, error) {
	if p.Offset < 0 {
		return nil, fmt.Errorf("%w: offset must be a non-negative integer", ErrInvalidFilter)
	}
	if p.Limit < 0 || p.Limit > pagination.Audit.Max {
		return nil, fmt.Errorf("%w: limit must be between 1 and %d", ErrInvalidFilter, pagination.Audit.Max)
	}
	total, err := s.store.Count(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("get audit logs: %w", err)
	}
	logs, err := s.store.Find(ctx, f, p)
	if err != nil {
		return nil, fmt.Errorf("get audit logs: %w", err)
	}
	return &LogPage{
		TotalCount:    total,
		ReturnedCount: len(logs),
		Offset:        p.Offset,
		Limit:         p.Limit,
		HasMore:       int64(p.Offset+len(logs)) < total,
		Logs:          logs,
	}, nil
}

// Statistics groups records by one dimension. A part the store could not
// compute stays zeroed and carries its error.
type Statistics struct {
	StartDate   *time.Time   `json:"start_date,omitempty"`
	EndDate     *time.Time   `json:"end_date,omitempty"`
	GroupBy     GroupBy      `json:"group_by"`
	Groups      []GroupStats `json:"groups"`
	GroupsError string       `json:"groups_error,omitempty"`
	Totals      StatTotals   `json:"totals"`
}

// StatTotals are the overall figures of a statistics query.
type StatTotals struct {
	Totals
	SuccessRatePercent float64 `json:"success_rate_percent"`
	Error              string  `json:"error,omitempty"`
}

func withRate(t Totals) StatTotals {
	st := StatTotals{Totals: t}
	if t.Total > 0 {
		st.SuccessRatePercent = round2(float64(t.Success) / float64(t.Total) * 100)
	}
	return st
}

// GetAuditStatistics only fails on an invalid range. Store failures are
// reported per part next to whatever did succeed.
func (s *Service) GetAuditStatistics(ctx context.Context, start, end *time.Time, groupBy GroupBy) (*Statistics, error) {
	if groupBy == "" {
		groupBy = GroupByOperationType
	}
	if start != nil && end != nil && end.Before(*start) {
		return nil, fmt.Errorf("%w: end_date precedes start_date", ErrInvalidFilter)
	}
	f := Filter{Since: start, Until: end}
	stats := &Statistics{StartDate: start, EndDate: end, GroupBy: groupBy, Groups: []GroupStats{}}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		groups, err := s.store.Aggregate(gctx, f, groupBy)
		if err != nil {
			stats.GroupsError = err.Error()
			s.logger.Warn().Err(err).Str("group_by", string(groupBy)).Msg("audit statistics groups unavailable")
			return nil
		}
		for i := range groups {
			groups[i].AvgExecutionTimeMS = round2(groups[i].AvgExecutionTimeMS)
		}
		if groups != nil {
			stats.Groups = groups
		}
		return nil
	})
	g.Go(func() error {
		totals, err := s.store.Summarize(gctx, f)
		if err != nil {
			stats.Totals.Error = err.Error()
			s.logger.Warn().Err(err).Msg("audit statistics totals unavailable")
			return nil
		}
		totals.AvgExecutionTimeMS = round2(totals.AvgExecutionTimeMS)
		stats.Totals = withRate(totals)
		return nil
	})
	_ = g.Wait()
	return stats, nil
}

// UserTrail is one user's activity.
type UserTrail struct {
	UserID  string      `json:"user_id"`
	Logs    *LogPage    `json:"logs"`
	Summary UserSummary `json:"summary"`
}

// UserSummary describes all records of the user within the filter.
type UserSummary struct {
	TotalOperations   int64            `json:"total_operations"`
	FirstActivity     *time.Time       `json:"first_activity"`
	LastActivity      *time.Time       `json:"last_activity"`
	DistinctResources int64            `json:"distinct_resources"`
	OperationCounts   map[string]int64 `json:"operation_counts"`
}

func (s *Service) GetUserAuditTrail(ctx context.Context, userID string, f Filter, p Page) (*UserTrail, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidFilter)
	}
	f.UserID = userID

	page, err := s.GetAuditLogs(ctx, f, p)
	if err != nil {
		return nil, err
	}
	summary := UserSummary{OperationCounts: map[string]int64{}}

	totals, err := s.store.Summarize(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("user trail summary: %w", err)
	}
	summary.TotalOperations = totals.Total
	summary.DistinctResources = totals.UniqueResources

	groups, err := s.store.Aggregate(ctx, f, GroupByOperationType)
	if err != nil {
		return nil, fmt.Errorf("user trail histogram: %w", err)
	}
	for _, g := range groups {
		summary.OperationCounts[g.Key] = g.Count
	}

	if first, err := s.store.Find(ctx, f, Page{Limit: 1, SortBy: SortTimestamp}); err == nil && len(first) > 0 {
		summary.FirstActivity = &first[0].Timestamp
	} else if err != nil {
		return nil, fmt.Errorf("user trail first activity: %w", err)
	}
	if last, err := s.store.Find(ctx, f, Page{Limit: 1, SortBy: SortTimestamp, Desc: true}); err == nil && len(last) > 0 {
		summary.LastActivity = &last[0].Timestamp
	} else if err != nil {
		return nil, fmt.Errorf("user trail last activity: %w", err)
	}

	return &UserTrail{UserID: userID, Logs: page, Summary: summary}, nil
}

// RecentActivity is the rolling-window alert view.
type RecentActivity struct {
	Hours             int            `json:"hours"`
	Since             time.Time      `json:"since"`
	TotalCount        int64          `json:"total_count"`
	ErrorCount        int64          `json:"error_count"`
	CriticalCount     int64          `json:"critical_count"`
	ErrorRatePercent  float64        `json:"error_rate_percent"`
	RequiresAttention bool           `json:"requires_attention"`
	Logs              []*AuditRecord `json:"logs"`
}

// GetRecentActivity summarises the last hours. Attention is required when
// more than 10% of the operations failed or any record is critical.
func (s *Service) GetRecentActivity(ctx context.Context, hours, limit int) (*RecentActivity, error) {
	if hours < 1 || hours > 24*30 {
		return nil, fmt.Errorf("%w: hours must be between 1 and 720", ErrInvalidFilter)
	}
	since := s.now().UTC().Add(-time.Duration(hours) * time.Hour)
	f := Filter{Since: &since}

	total, err := s.store.Count(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("recent activity: %w", err)
	}
	errFilter := f
	errFilter.Statuses = []Status{StatusFailure}
	errCount, err := s.store.Count(ctx, errFilter)
	if err != nil {
		return nil, fmt.Errorf("recent activity errors: %w", err)
	}
	critFilter := f
	critFilter.Severities = []Severity{SeverityCritical}
	critCount, err := s.store.Count(ctx, critFilter)
	if err != nil {
		return nil, fmt.Errorf("recent activity critical: %w", err)
	}
	logs, err := s.store.Find(ctx, f, Page{Limit: limit, SortBy: SortTimestamp, Desc: true})
	if err != nil {
		return nil, fmt.Errorf("recent activity logs: %w", err)
	}

	ra := &RecentActivity{
		Hours:         hours,
		Since:         since,
		TotalCount:    total,
		ErrorCount:    errCount,
		CriticalCount: critCount,
		Logs:          logs,
	}
	if total > 0 {
		ra.ErrorRatePercent = round2(float64(errCount) / float64(total) * 100)
	}
	ra.RequiresAttention = ra.ErrorRatePercent > 10 || critCount > 0
	return ra, nil
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
