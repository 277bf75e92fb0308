package hashaudit

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// Health states.
const (
	HealthHealthy  = "healthy"
	HealthWarning  = "warning"
	HealthDegraded = "degraded"
)

// HealthReport is the last-24h self assessment. Each sub-metric carries its
// own error so one failing query does not hide the others.
type HealthReport struct {
	Status      string        `json:"status"`
	WindowStart time.Time     `json:"window_start"`
	CheckedAt   time.Time     `json:"checked_at"`
	Operations  OperationsMet `json:"operations"`
	Performance PerfMetric    `json:"performance"`
	Chain       ChainMetric   `json:"chain"`
}

type OperationsMet struct {
	Total              int64   `json:"total"`
	Success            int64   `json:"success"`
	Failure            int64   `json:"failure"`
	SuccessRatePercent float64 `json:"success_rate_percent"`
	Error              string  `json:"error,omitempty"`
}

type PerfMetric struct {
	AvgExecutionTimeMS float64 `json:"avg_execution_time_ms"`
	Error              string  `json:"error,omitempty"`
}

type ChainMetric struct {
	Length   int64  `json:"length"`
	HeadHash string `json:"head_hash,omitempty"`
	Error    string `json:"error,omitempty"`
}

// GetHealth classifies the last 24 hours: healthy needs a success rate of at
// least 95% and an average below 1000ms, warning at least 80% and below
// 5000ms. A window without operations counts as a 100% success rate.
func (s *Service) GetHealth(ctx context.Context) *HealthReport {
	now := s.now().UTC()
	since := now.Add(-24 * time.Hour)
	f := Filter{Since: &since}
	rep := &HealthReport{WindowStart: since, CheckedAt: now}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		total, err := s.store.Count(gctx, f)
		if err != nil {
			rep.Operations.Error = err.Error()
			return nil
		}
		sf := f
		sf.Statuses = []Status{StatusSuccess}
		success, err := s.store.Count(gctx, sf)
		if err != nil {
			rep.Operations.Error = err.Error()
			return nil
		}
		ff := f
		ff.Statuses = []Status{StatusFailure}
		failure, err := s.store.Count(gctx, ff)
		if err != nil {
			rep.Operations.Error = err.Error()
			return nil
		}
		rep.Operations = OperationsMet{Total: total, Success: success, Failure: failure, SuccessRatePercent: 100}
		if total > 0 {
			rep.Operations.SuccessRatePercent = round2(float64(success) / float64(total) * 100)
		}
		return nil
	})
	g.Go(func() error {
		totals, err := s.store.Summarize(gctx, f)
		if err != nil {
			rep.Performance.Error = err.Error()
			return nil
		}
		rep.Performance.AvgExecutionTimeMS = round2(totals.AvgExecutionTimeMS)
		return nil
	})
	g.Go(func() error {
		if s.chain == nil {
			return nil
		}
		n, err := s.chain.Length(gctx)
		if err != nil {
			rep.Chain.Error = err.Error()
			return nil
		}
		rep.Chain.Length = n
		if n > 0 {
			head, err := s.chain.Head(gctx)
			if err != nil {
				rep.Chain.Error = err.Error()
				return nil
			}
			rep.Chain.HeadHash = deref(head.BlockchainHash)
		}
		return nil
	})
	_ = g.Wait()

	rep.Status = classifyHealth(rep.Operations.SuccessRatePercent, rep.Performance.AvgExecutionTimeMS)
	if rep.Operations.Error != "" || rep.Performance.Error != "" {
		rep.Status = HealthDegraded
	}
	return rep
}

func classifyHealth(successRate, avgMS float64) string {
	switch {
	case successRate >= 95 && avgMS < 1000:
		return HealthHealthy
	case successRate >= 80 && avgMS < 5000:
		return HealthWarning
	default:
		return HealthDegraded
	}
}
