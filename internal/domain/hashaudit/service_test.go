package hashaudit

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func (fx *fixture) log(op HashOperation) string {
	id := fx.writer.LogHashOperation(context.Background(), op)
	fx.clock.Advance(time.Minute)
	return id
}

func TestGetAuditLogs_Page(t *testing.T) {
	fx := newFixture()
	for i := 0; i < 7; i++ {
		fx.log(HashOperation{OperationType: OpHashGenerate, Actor: Actor{UserID: "alice"}})
	}
	page, err := fx.svc.GetAuditLogs(context.Background(), Filter{}, Page{Limit: 3, Offset: 3, Desc: true})
	if err != nil {
		t.Fatal(err)
	}
	if page.TotalCount != 7 || page.ReturnedCount != 3 || !page.HasMore || page.Limit != 3 || page.Offset != 3 {
		t.Errorf("unexpected page %+v", page)
	}
	if page.Logs[0].Sequence != 4 {
		t.Errorf("expected newest-first, got sequence %d", page.Logs[0].Sequence)
	}

	last, _ := fx.svc.GetAuditLogs(context.Background(), Filter{}, Page{Limit: 3, Offset: 6})
	if last.HasMore || last.ReturnedCount != 1 {
		t.Errorf("unexpected last page %+v", last)
	}
}

func TestGetAuditLogs_RejectsBadPage(t *testing.T) {
	fx := newFixture()
	fx.log(HashOperation{OperationType: OpHashGenerate})
	for _, p := range []Page{{Offset: -1, Limit: 10}, {Limit: -1}, {Limit: 1001}} {
		if _, err := fx.svc.GetAuditLogs(context.Background(), Filter{}, p); !errors.Is(err, ErrInvalidFilter) {
			t.Errorf("page %+v: expected ErrInvalidFilter, got %v", p, err)
		}
	}
	if _, err := fx.svc.GetUserAuditTrail(context.Background(), "alice", Filter{}, Page{Offset: -3}); !errors.Is(err, ErrInvalidFilter) {
		t.Errorf("user trail: expected ErrInvalidFilter, got %v", err)
	}
}

func TestGetAuditStatistics(t *testing.T) {
	fx := newFixture()
	fx.log(HashOperation{OperationType: OpHashVerify, Actor: Actor{UserID: "alice"}, Metrics: Metrics{ExecutionTimeMS: 1}})
	fx.log(HashOperation{OperationType: OpHashVerify, Status: StatusFailure, Actor: Actor{UserID: "bob"}, Metrics: Metrics{ExecutionTimeMS: 2}})
	fx.log(HashOperation{OperationType: OpChainVerify, Actor: Actor{UserID: "alice"}, Metrics: Metrics{ExecutionTimeMS: 3}})
	fx.log(HashOperation{OperationType: OpChainVerify, Actor: Actor{UserID: "alice"}, Metrics: Metrics{ExecutionTimeMS: 4}})

	stats, err := fx.svc.GetAuditStatistics(context.Background(), nil, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if stats.GroupBy != GroupByOperationType || len(stats.Groups) != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	tot := stats.Totals
	if tot.Total != 4 || tot.Success != 3 || tot.Failure != 1 || tot.SuccessRatePercent != 75 || tot.UniqueUsers != 2 {
		t.Errorf("unexpected totals %+v", tot)
	}
	if tot.AvgExecutionTimeMS != 2.5 {
		t.Errorf("avg %v", tot.AvgExecutionTimeMS)
	}

	byUser, _ := fx.svc.GetAuditStatistics(context.Background(), nil, nil, GroupByUser)
	if byUser.Groups[0].Key != "alice" || byUser.Groups[0].Count != 3 {
		t.Errorf("unexpected user groups %+v", byUser.Groups)
	}

	start := monday10.Add(time.Hour)
	end := monday10
	if _, err := fx.svc.GetAuditStatistics(context.Background(), &start, &end, ""); !errors.Is(err, ErrInvalidFilter) {
		t.Errorf("expected ErrInvalidFilter, got %v", err)
	}
}

func TestGetAuditStatistics_PartialOnStoreError(t *testing.T) {
	store := summarizeFailStore{NewMemoryStore()}
	_ = store.Insert(context.Background(), seedRecord("a", monday10, OpHashVerify, StatusSuccess, "alice"))
	_ = store.Insert(context.Background(), seedRecord("b", monday10, OpHashVerify, StatusFailure, "bob"))
	svc := NewService(store, nil, zerolog.Nop())

	stats, err := svc.GetAuditStatistics(context.Background(), nil, nil, GroupByUser)
	if err != nil {
		t.Fatalf("store failure must not fail the query: %v", err)
	}
	if stats.Totals.Error == "" || stats.Totals.Total != 0 || stats.Totals.SuccessRatePercent != 0 {
		t.Errorf("expected zeroed totals with an error, got %+v", stats.Totals)
	}
	if stats.GroupsError != "" || len(stats.Groups) != 2 {
		t.Errorf("groups should still be computed: %+v", stats)
	}
}

func TestGetUserAuditTrail(t *testing.T) {
	fx := newFixture()
	fx.log(HashOperation{OperationType: OpHashVerify, Actor: Actor{UserID: "alice"},
		Context: ResourceContext{FHIRResourceType: "Patient", FHIRResourceID: "p1"}})
	fx.log(HashOperation{OperationType: OpHashVerify, Actor: Actor{UserID: "bob"}})
	fx.log(HashOperation{OperationType: OpChainVerify, Actor: Actor{UserID: "alice"}})
	fx.log(HashOperation{OperationType: OpHashVerify, Actor: Actor{UserID: "alice"},
		Context: ResourceContext{FHIRResourceType: "Patient", FHIRResourceID: "p2"}})

	trail, err := fx.svc.GetUserAuditTrail(context.Background(), "alice", Filter{UserID: "mallory"}, Page{Limit: 2, Desc: true})
	if err != nil {
		t.Fatal(err)
	}
	s := trail.Summary
	if s.TotalOperations != 3 || s.DistinctResources != 2 {
		t.Errorf("unexpected summary %+v", s)
	}
	if s.OperationCounts["hash_verify"] != 2 || s.OperationCounts["chain_verify"] != 1 {
		t.Errorf("unexpected histogram %v", s.OperationCounts)
	}
	if !s.FirstActivity.Equal(monday10.Truncate(time.Millisecond)) || !s.LastActivity.Equal(monday10.Add(3*time.Minute).Truncate(time.Millisecond)) {
		t.Errorf("activity window %v - %v", s.FirstActivity, s.LastActivity)
	}
	if trail.Logs.TotalCount != 3 || trail.Logs.ReturnedCount != 2 {
		t.Errorf("unexpected logs %+v", trail.Logs)
	}
	for _, r := range trail.Logs.Logs {
		if r.UserID != "alice" {
			t.Errorf("foreign record %s", r.UserID)
		}
	}

	if _, err := fx.svc.GetUserAuditTrail(context.Background(), "", Filter{}, Page{}); !errors.Is(err, ErrInvalidFilter) {
		t.Errorf("expected ErrInvalidFilter, got %v", err)
	}
}

func TestGetResourceAuditTrail(t *testing.T) {
	fx := newFixture()
	fx.put("Patient", "p1", `{"resourceType":"Patient","active":true}`)
	fx.put("Patient", "p1", `{"resourceType":"Patient","active":true}`)
	fx.put("Patient", "p1", `{"resourceType":"Patient","active":false}`)
	if _, err := fx.verifier.VerifyResource(context.Background(), SystemActor, "Patient", "p1"); err != nil {
		t.Fatal(err)
	}
	fx.put("Patient", "p2", `{"resourceType":"Patient"}`)

	trail, err := fx.svc.GetResourceAuditTrail(context.Background(), "Patient", "p1", true)
	if err != nil {
		t.Fatal(err)
	}
	if trail.Creation == nil || trail.Creation.OperationType != OpResourceCreate {
		t.Fatalf("missing creation %+v", trail.Creation)
	}
	if len(trail.Updates) != 2 || len(trail.Verifications) != 1 || len(trail.Deletions) != 0 || trail.TotalEvents != 4 {
		t.Errorf("unexpected partition: %d updates, %d verifications, %d deletions, %d total",
			len(trail.Updates), len(trail.Verifications), len(trail.Deletions), trail.TotalEvents)
	}
	// the identical second version does not count as a change
	if trail.HashChangeCount != 1 || trail.HashChanges[0].OldHash == trail.HashChanges[0].NewHash {
		t.Errorf("unexpected hash changes %+v", trail.HashChanges)
	}
	want, _ := ContentHash([]byte(`{"resourceType":"Patient","active":false}`))
	if trail.CurrentHash != want {
		t.Error("current hash is not the latest content hash")
	}
	if trail.IntegrityStatus != IntegrityIntact || trail.LastVerifiedAt == nil {
		t.Errorf("integrity %s", trail.IntegrityStatus)
	}

	without, _ := fx.svc.GetResourceAuditTrail(context.Background(), "Patient", "p1", false)
	if without.Verifications != nil || without.IntegrityStatus != IntegrityIntact {
		t.Error("verifications should be omitted but still counted for integrity")
	}
}

func TestGetResourceAuditTrail_Integrity(t *testing.T) {
	fx := newFixture()
	fx.put("Patient", "p1", `{"resourceType":"Patient"}`)

	trail, _ := fx.svc.GetResourceAuditTrail(context.Background(), "Patient", "p1", true)
	if trail.IntegrityStatus != IntegrityUnverified {
		t.Errorf("expected unverified, got %s", trail.IntegrityStatus)
	}

	_, _ = fx.verifier.VerifyResource(context.Background(), SystemActor, "Patient", "p1")
	fx.store.records[0].BlockchainHash = strPtr("forged")
	_, _ = fx.verifier.VerifyResource(context.Background(), SystemActor, "Patient", "p1")

	trail, _ = fx.svc.GetResourceAuditTrail(context.Background(), "Patient", "p1", true)
	if trail.IntegrityStatus != IntegrityCompromised {
		t.Errorf("expected compromised, got %s", trail.IntegrityStatus)
	}

	if _, err := fx.svc.GetResourceAuditTrail(context.Background(), "", "p1", true); !errors.Is(err, ErrInvalidFilter) {
		t.Errorf("expected ErrInvalidFilter, got %v", err)
	}
}

func TestGetRecentActivity(t *testing.T) {
	fx := newFixture()
	fx.log(HashOperation{OperationType: OpHashVerify}) // falls outside the window below
	fx.clock.Advance(3 * time.Hour)
	for i := 0; i < 8; i++ {
		fx.log(HashOperation{OperationType: OpHashVerify})
	}
	fx.log(HashOperation{OperationType: OpHashVerify, Status: StatusFailure})
	fx.log(HashOperation{OperationType: OpHashVerify, Status: StatusFailure})

	ra, err := fx.svc.GetRecentActivity(context.Background(), 2, 5)
	if err != nil {
		t.Fatal(err)
	}
	if ra.TotalCount != 10 || ra.ErrorCount != 2 || ra.ErrorRatePercent != 20 || !ra.RequiresAttention || len(ra.Logs) != 5 {
		t.Errorf("unexpected activity %+v", ra)
	}

	fx2 := newFixture()
	for i := 0; i < 10; i++ {
		fx2.log(HashOperation{OperationType: OpHashVerify})
	}
	fx2.log(HashOperation{OperationType: OpHashVerify, Status: StatusFailure})
	ra, _ = fx2.svc.GetRecentActivity(context.Background(), 24, 50)
	if ra.RequiresAttention {
		t.Errorf("9%% errors should not need attention: %+v", ra)
	}
	fx2.log(HashOperation{OperationType: OpChainVerify, Severity: SeverityCritical})
	ra, _ = fx2.svc.GetRecentActivity(context.Background(), 24, 50)
	if !ra.RequiresAttention || ra.CriticalCount != 1 {
		t.Errorf("critical record should need attention: %+v", ra)
	}

	for _, h := range []int{0, 721} {
		if _, err := fx.svc.GetRecentActivity(context.Background(), h, 10); !errors.Is(err, ErrInvalidFilter) {
			t.Errorf("hours=%d: expected ErrInvalidFilter, got %v", h, err)
		}
	}
}

func TestClassifyHealth(t *testing.T) {
	tests := []struct {
		rate, avg float64
		want      string
	}{
		{100, 0, HealthHealthy},
		{95, 999, HealthHealthy},
		{95, 1000, HealthWarning},
		{94.99, 10, HealthWarning},
		{80, 4999, HealthWarning},
		{79.9, 10, HealthDegraded},
		{99, 5000, HealthDegraded},
	}
	for _, tt := range tests {
		if got := classifyHealth(tt.rate, tt.avg); got != tt.want {
			t.Errorf("classifyHealth(%v, %v) = %s, want %s", tt.rate, tt.avg, got, tt.want)
		}
	}
}

func TestGetHealth(t *testing.T) {
	fx := newFixture()
	rep := fx.svc.GetHealth(context.Background())
	if rep.Status != HealthHealthy || rep.Operations.SuccessRatePercent != 100 {
		t.Errorf("empty window should be healthy: %+v", rep)
	}

	fx.put("Patient", "p1", `{"resourceType":"Patient"}`)
	for i := 0; i < 3; i++ {
		fx.log(HashOperation{OperationType: OpHashVerify, Status: StatusFailure})
	}
	rep = fx.svc.GetHealth(context.Background())
	if rep.Operations.Total != 4 || rep.Operations.Failure != 3 || rep.Status != HealthDegraded {
		t.Errorf("unexpected report %+v", rep)
	}
	if rep.Chain.Length != 1 || rep.Chain.HeadHash == "" {
		t.Errorf("chain metric %+v", rep.Chain)
	}
}

func TestGetHealth_SubMetricError(t *testing.T) {
	store := &failingStore{MemoryStore: NewMemoryStore(), err: errStoreDown}
	svc := NewService(store, NewChain(store, NewWriter(store, zerolog.Nop())), zerolog.Nop())
	rep := svc.GetHealth(context.Background())
	if rep.Status != HealthDegraded {
		t.Errorf("expected degraded, got %s", rep.Status)
	}
	if rep.Operations.Error == "" || rep.Chain.Error == "" {
		t.Errorf("sub-metric errors not reported: %+v", rep)
	}
	if rep.Performance.Error != "" {
		t.Errorf("summarize works on this store, got %q", rep.Performance.Error)
	}
}

func TestExportLogs(t *testing.T) {
	fx := newFixture()
	for i := 0; i < 5; i++ {
		fx.log(HashOperation{OperationType: OpHashGenerate, Actor: Actor{UserID: fmt.Sprintf("u%d", i%2)}})
	}
	exp, err := fx.svc.ExportLogs(context.Background(), Filter{UserID: "u0"}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if exp.TotalMatching != 3 || exp.ExportedCount != 2 || !exp.Truncated || exp.Records[0].Sequence != 1 {
		t.Errorf("unexpected export %+v", exp)
	}
	if _, err := fx.svc.ExportLogs(context.Background(), Filter{}, 0); !errors.Is(err, ErrInvalidFilter) {
		t.Errorf("expected ErrInvalidFilter, got %v", err)
	}
}

func TestWriteCSV(t *testing.T) {
	fx := newFixture()
	fx.log(HashOperation{
		OperationType:  OpHashVerify,
		Status:         StatusFailure,
		Message:        `mismatch, "quoted"`,
		Error:          &ErrorDetails{Code: "hash_mismatch", Message: "bad"},
		AdditionalData: map[string]interface{}{"k": "v"},
	})
	fx.put("Patient", "p1", `{"resourceType":"Patient"}`)
	recs, _ := fx.store.Find(context.Background(), Filter{}, Page{SortBy: SortSequence})

	var buf bytes.Buffer
	if err := WriteCSV(&buf, recs); err != nil {
		t.Fatal(err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("output is not valid CSV: %v", err)
	}
	if len(rows) != 3 || len(rows[0]) != len(csvHeader) {
		t.Fatalf("unexpected shape %d rows", len(rows))
	}
	col := func(name string) int {
		for i, h := range rows[0] {
			if h == name {
				return i
			}
		}
		t.Fatalf("missing column %s", name)
		return -1
	}
	first := rows[1]
	if first[col("message")] != `mismatch, "quoted"` || first[col("error_code")] != "hash_mismatch" || first[col("has_error")] != "true" {
		t.Errorf("unexpected first row %v", first)
	}
	if first[col("additional_data")] != `{"k":"v"}` {
		t.Errorf("additional data %q", first[col("additional_data")])
	}
	second := rows[2]
	if second[col("blockchain_hash")] == "" || second[col("previous_hash")] != "" || second[col("fhir_resource_id")] != "p1" {
		t.Errorf("unexpected second row %v", second)
	}
}

func TestCleanupOldAuditLogs(t *testing.T) {
	fx := newFixture()
	fx.log(HashOperation{OperationType: OpHashGenerate})
	fx.log(HashOperation{OperationType: OpHashGenerate})
	fx.clock.Advance(40 * 24 * time.Hour)
	fx.log(HashOperation{OperationType: OpHashGenerate})

	dry, err := fx.svc.CleanupOldAuditLogs(context.Background(), 30, true)
	if err != nil {
		t.Fatal(err)
	}
	if !dry.DryRun || dry.LogsToDelete != 2 || dry.DeletedCount != nil {
		t.Errorf("unexpected dry run %+v", dry)
	}
	if n, _ := fx.store.Count(context.Background(), Filter{}); n != 3 {
		t.Fatalf("dry run deleted records: %d left", n)
	}

	live, err := fx.svc.CleanupOldAuditLogs(context.Background(), 30, false)
	if err != nil {
		t.Fatal(err)
	}
	if live.DryRun || live.LogsToDelete != 2 || live.DeletedCount == nil || *live.DeletedCount != 2 || live.CountDiscrepancy != nil {
		t.Errorf("unexpected cleanup %+v", live)
	}
	if n, _ := fx.store.Count(context.Background(), Filter{}); n != 1 {
		t.Errorf("expected 1 record left, got %d", n)
	}
	if !live.CutoffDate.Equal(fx.clock.Now().UTC().Add(-30 * 24 * time.Hour)) {
		t.Errorf("cutoff %v", live.CutoffDate)
	}

	if _, err := fx.svc.CleanupOldAuditLogs(context.Background(), 0, true); !errors.Is(err, ErrInvalidFilter) {
		t.Errorf("expected ErrInvalidFilter, got %v", err)
	}
}

// lossyStore deletes fewer records than it counted.
type lossyStore struct{ *MemoryStore }

func (s lossyStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := s.MemoryStore.DeleteBefore(ctx, cutoff)
	return n - 1, err
}

func TestCleanupOldAuditLogs_Discrepancy(t *testing.T) {
	store := lossyStore{NewMemoryStore()}
	_ = store.Insert(context.Background(), seedRecord("old", monday10.AddDate(-1, 0, 0), OpHashGenerate, StatusSuccess, "u"))
	_ = store.Insert(context.Background(), seedRecord("old2", monday10.AddDate(-1, 0, 0), OpHashGenerate, StatusSuccess, "u"))
	svc := NewService(store, nil, zerolog.Nop())
	svc.now = func() time.Time { return monday10 }

	res, err := svc.CleanupOldAuditLogs(context.Background(), 30, false)
	if err != nil {
		t.Fatal(err)
	}
	if res.CountDiscrepancy == nil || *res.CountDiscrepancy != 1 {
		t.Errorf("expected a discrepancy of 1, got %+v", res)
	}
}
