package hashaudit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/hashaudit/internal/platform/fhir"
)

// staticSource serves fixed resource content.
type staticSource map[string]*fhir.HistoryEntry

func (s staticSource) Latest(_ context.Context, rt, id string) (*fhir.HistoryEntry, error) {
	if e, ok := s[rt+"/"+id]; ok {
		return e, nil
	}
	return nil, fhir.ErrResourceNotFound
}

func recordsOf(t *testing.T, fx *fixture, op OperationType) []*AuditRecord {
	t.Helper()
	recs, err := fx.store.Find(context.Background(), Filter{OperationTypes: []OperationType{op}}, Page{SortBy: SortSequence})
	if err != nil {
		t.Fatal(err)
	}
	return recs
}

func TestVerifyResource_Match(t *testing.T) {
	fx := newFixture()
	fx.put("Patient", "p1", `{"resourceType":"Patient","name":[{"family":"Doe"}]}`)

	res, err := fx.verifier.VerifyResource(context.Background(), Actor{UserID: "alice"}, "Patient", "p1")
	if err != nil {
		t.Fatal(err)
	}
	link := fx.chained()[0]
	if !res.Verified || res.Reason != "" || res.ComputedHash != deref(link.BlockchainHash) {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.RecordedVersion != "1" || res.CurrentVersion != "1" || res.ChainAuditID != link.AuditID {
		t.Errorf("unexpected versions %+v", res)
	}

	logged := recordsOf(t, fx, OpHashVerify)
	if len(logged) != 1 {
		t.Fatalf("expected one hash_verify record, got %d", len(logged))
	}
	r := logged[0]
	if r.Status != StatusSuccess || deref(r.VerifiedHash) != res.RecordedHash || r.BlockchainHash != nil {
		t.Errorf("unexpected verification record %+v", r)
	}
	if r.AuditID != res.VerificationAuditID || r.UserID != "alice" || r.PatientID != "p1" {
		t.Errorf("unexpected record identity %+v", r)
	}
}

func TestVerifyResource_Mismatches(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(fx *fixture)
		reason string
	}{
		{
			name: "content changed outside the chain",
			setup: func(fx *fixture) {
				fx.verifier.source = staticSource{"Patient/p1": {
					ResourceType: "Patient", ResourceID: "p1", VersionID: 1,
					Resource: json.RawMessage(`{"resourceType":"Patient","active":false}`),
				}}
			},
			reason: ReasonContentMismatch,
		},
		{
			name: "unchained version",
			setup: func(fx *fixture) {
				_ = fx.history.SaveVersion(context.Background(), &fhir.HistoryEntry{
					ResourceType: "Patient", ResourceID: "p1", VersionID: 2, Action: fhir.ActionUpdate,
					Resource: json.RawMessage(`{"resourceType":"Patient","active":true}`),
				})
			},
			reason: ReasonVersionMismatch,
		},
		{
			name: "chain hash rewritten",
			setup: func(fx *fixture) {
				fx.store.records[0].BlockchainHash = strPtr(sha256Hex([]byte("forged")))
			},
			reason: ReasonHashMismatch,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture()
			fx.put("Patient", "p1", `{"resourceType":"Patient","active":true}`)
			tt.setup(fx)

			res, err := fx.verifier.VerifyResource(context.Background(), Actor{UserID: "alice"}, "Patient", "p1")
			if err != nil {
				t.Fatalf("mismatch must not be an error: %v", err)
			}
			if res.Verified || res.Reason != tt.reason {
				t.Fatalf("expected %s, got %+v", tt.reason, res)
			}
			logged := recordsOf(t, fx, OpHashVerify)
			if len(logged) != 1 {
				t.Fatalf("expected one record, got %d", len(logged))
			}
			r := logged[0]
			if r.Status != StatusFailure || r.Severity != SeverityHigh || !r.HasError || r.ErrorDetails.Code != tt.reason {
				t.Errorf("unexpected failure record %+v", r)
			}
		})
	}
}

func TestVerifyResource_NotFound(t *testing.T) {
	fx := newFixture()
	res, err := fx.verifier.VerifyResource(context.Background(), Actor{UserID: "alice"}, "Patient", "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if res == nil || res.Reason != ReasonNotFound {
		t.Errorf("unexpected result %+v", res)
	}
	logged := recordsOf(t, fx, OpHashVerify)
	if len(logged) != 1 || logged[0].Status != StatusWarning {
		t.Errorf("expected a warning record, got %+v", logged)
	}
}

func TestVerifyResource_DeletedResource(t *testing.T) {
	fx := newFixture()
	fx.put("Patient", "p1", `{"resourceType":"Patient"}`)
	if _, err := fx.tracker.RecordDelete(context.Background(), fhir.Actor{UserID: "admin"}, "Patient", "p1", 1); err != nil {
		t.Fatal(err)
	}
	res, err := fx.verifier.VerifyResource(context.Background(), SystemActor, "Patient", "p1")
	if err != nil || !res.Verified || res.CurrentVersion != "2" {
		t.Errorf("deletion marker should verify against the delete link: %+v %v", res, err)
	}
}

func TestVerifyBatch(t *testing.T) {
	fx := newFixture()
	fx.put("Patient", "p1", `{"resourceType":"Patient","active":true}`)
	fx.put("Patient", "p2", `{"resourceType":"Patient","active":true}`)
	fx.store.records[1].BlockchainHash = strPtr(sha256Hex([]byte("forged")))

	res, err := fx.verifier.VerifyBatch(context.Background(), Actor{UserID: "alice"}, "Patient", []string{"p1", "p2", "p1", "missing", ""})
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 3 || res.VerifiedCount != 1 || res.FailedCount != 2 {
		t.Fatalf("unexpected counts %+v", res)
	}
	reasons := []string{res.Results[0].Reason, res.Results[1].Reason, res.Results[2].Reason}
	if reasons[0] != "" || reasons[1] != ReasonHashMismatch || reasons[2] != ReasonNotFound {
		t.Errorf("unexpected reasons %v", reasons)
	}

	logged := recordsOf(t, fx, OpBatchVerify)
	if len(logged) != 3 {
		t.Fatalf("expected one batch_verify record per resource, got %d", len(logged))
	}
	for _, r := range logged {
		if r.BatchID != res.BatchID || r.BatchSize != 3 {
			t.Errorf("record not tied to the batch: %+v", r)
		}
	}
}

func TestVerifyBatch_Bounds(t *testing.T) {
	fx := newFixture()
	if _, err := fx.verifier.VerifyBatch(context.Background(), SystemActor, "Patient", nil); !errors.Is(err, ErrInvalidFilter) {
		t.Errorf("empty batch: %v", err)
	}
	ids := make([]string, MaxBatchIDs+1)
	for i := range ids {
		ids[i] = fmt.Sprintf("p%d", i)
	}
	if _, err := fx.verifier.VerifyBatch(context.Background(), SystemActor, "Patient", ids); !errors.Is(err, ErrInvalidFilter) {
		t.Errorf("oversized batch: %v", err)
	}
}

func TestVerifyChain_Intact(t *testing.T) {
	fx := newFixture()
	for i := 0; i < 5; i++ {
		fx.put("Patient", fmt.Sprintf("p%d", i), `{"resourceType":"Patient"}`)
	}
	res, err := fx.verifier.VerifyChain(context.Background(), SystemActor)
	if err != nil {
		t.Fatal(err)
	}
	recs := fx.chained()
	if !res.Verified || res.ChainLength != 5 || res.BrokenLinkCount != 0 || len(res.BrokenLinks) != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.GenesisHash != deref(recs[0].BlockchainHash) || res.HeadHash != deref(recs[4].BlockchainHash) {
		t.Error("genesis/head not reported")
	}
	logged := recordsOf(t, fx, OpChainVerify)
	if len(logged) != 1 || logged[0].Status != StatusSuccess || logged[0].Metrics.HashesVerified != 5 {
		t.Errorf("unexpected chain_verify record %+v", logged)
	}
	if n, _ := fx.chain.Length(context.Background()); n != 5 {
		t.Errorf("verification extended the chain to %d", n)
	}
}

func TestVerifyChain_Empty(t *testing.T) {
	fx := newFixture()
	res, err := fx.verifier.VerifyChain(context.Background(), SystemActor)
	if err != nil || !res.Verified || res.ChainLength != 0 {
		t.Errorf("empty chain: %+v %v", res, err)
	}
}

func TestVerifyChain_TamperScenario(t *testing.T) {
	fx := newFixture()
	fx.put("Patient", "a", `{"resourceType":"Patient","id":"a"}`)
	fx.put("Patient", "b", `{"resourceType":"Patient","id":"b"}`)
	fx.put("Patient", "c", `{"resourceType":"Patient","id":"c"}`)

	// the third link is re-pointed at the first, skipping the second
	a1 := fx.store.records[0].BlockchainHash
	b2 := deref(fx.store.records[1].BlockchainHash)
	fx.store.records[2].PreviousHash = a1

	res, err := fx.verifier.VerifyChain(context.Background(), SystemActor)
	if err != nil {
		t.Fatal(err)
	}
	if res.Verified || res.BrokenLinkCount != 1 || len(res.BrokenLinks) != 1 {
		t.Fatalf("expected exactly one broken link, got %+v", res)
	}
	b := res.FirstBrokenLink
	if b.Position != 3 || b.AuditID != fx.store.records[2].AuditID || b.Reason != ReasonPreviousHashMismatch {
		t.Errorf("unexpected broken link %+v", b)
	}
	if b.Expected != b2 || b.Actual != *a1 {
		t.Errorf("expected %s/%s, got %s/%s", b2, *a1, b.Expected, b.Actual)
	}

	logged := recordsOf(t, fx, OpChainVerify)
	if len(logged) != 1 || logged[0].Status != StatusFailure || logged[0].Severity != SeverityCritical {
		t.Errorf("unexpected chain_verify record %+v", logged)
	}
}

func TestVerifyChain_ContentTamper(t *testing.T) {
	fx := newFixture()
	fx.put("Patient", "a", `{"resourceType":"Patient"}`)
	fx.put("Patient", "b", `{"resourceType":"Patient"}`)
	fx.store.records[1].ContentHash = strPtr(sha256Hex([]byte("other")))

	res, _ := fx.verifier.VerifyChain(context.Background(), SystemActor)
	if res.BrokenLinkCount != 1 || res.FirstBrokenLink.Position != 2 || res.FirstBrokenLink.Reason != ReasonHashMismatch {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestVerifyChain_AnchoredAfterPruning(t *testing.T) {
	fx := newFixture()
	fx.put("Patient", "a", `{"resourceType":"Patient"}`)
	fx.put("Patient", "b", `{"resourceType":"Patient"}`)
	fx.put("Patient", "c", `{"resourceType":"Patient"}`)
	b2 := deref(fx.chained()[1].BlockchainHash)

	// one day of retention now removes a and b
	fx.clock.Advance(24*time.Hour - 1500*time.Millisecond)
	cleanup, err := fx.svc.CleanupOldAuditLogs(context.Background(), 1, false)
	if err != nil {
		t.Fatal(err)
	}
	if *cleanup.DeletedCount != 2 || cleanup.AnchorHash != b2 || cleanup.AnchorAuditID == "" {
		t.Fatalf("unexpected cleanup %+v", cleanup)
	}
	anchors := recordsOf(t, fx, OpChainAnchor)
	if len(anchors) != 1 || deref(anchors[0].VerifiedHash) != b2 || anchors[0].BlockchainHash != nil {
		t.Fatalf("unexpected anchor records %+v", anchors)
	}

	res, err := fx.verifier.VerifyChain(context.Background(), SystemActor)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Verified || !res.AnchoredAfterPruning || res.ChainLength != 1 {
		t.Errorf("unexpected result %+v", res)
	}

	exp, err := fx.verifier.ExportChain(context.Background(), SystemActor)
	if err != nil {
		t.Fatal(err)
	}
	back, err := fx.verifier.VerifyExport(context.Background(), SystemActor, exp)
	if err != nil || !back.Verified || exp.AnchorHash != b2 {
		t.Errorf("pruned export should verify: %+v %v", back, err)
	}

	fx.stored(fx.chained()[0].AuditID).PreviousHash = strPtr("forged")
	res, _ = fx.verifier.VerifyChain(context.Background(), SystemActor)
	if res.Verified || res.AnchoredAfterPruning || res.FirstBrokenLink.Position != 1 {
		t.Fatalf("forged anchor accepted: %+v", res)
	}
	if b := res.FirstBrokenLink; b.Reason != ReasonPreviousHashMismatch || b.Expected != b2 || b.Actual != "forged" {
		t.Errorf("unexpected broken link %+v", b)
	}
}

func TestVerifyChain_GenesisTamper(t *testing.T) {
	fx := newFixture()
	fx.put("Patient", "a", `{"resourceType":"Patient"}`)
	fx.put("Patient", "b", `{"resourceType":"Patient"}`)
	fx.stored(fx.chained()[0].AuditID).PreviousHash = strPtr("forged")

	res, err := fx.verifier.VerifyChain(context.Background(), SystemActor)
	if err != nil {
		t.Fatal(err)
	}
	if res.Verified || res.AnchoredAfterPruning || res.BrokenLinkCount != 1 {
		t.Fatalf("forged genesis verified: %+v", res)
	}
	b := res.FirstBrokenLink
	if b.Position != 1 || b.Reason != ReasonPreviousHashMismatch || b.Expected != "" || b.Actual != "forged" {
		t.Errorf("unexpected broken link %+v", b)
	}

	exp, _ := fx.verifier.ExportChain(context.Background(), SystemActor)
	back, _ := fx.verifier.VerifyExport(context.Background(), SystemActor, exp)
	if back.Verified || back.FirstBrokenLink.Position != 1 {
		t.Errorf("forged genesis export verified: %+v", back)
	}
}

func TestVerifyChain_CapsReportedLinks(t *testing.T) {
	fx := newFixture()
	for i := 0; i < maxReportedLinks+20; i++ {
		fx.chain.Append(context.Background(), HashOperation{OperationType: OpHashGenerate}, []byte(fmt.Sprintf(`{"n":%d}`, i)))
	}
	for _, r := range fx.store.records {
		r.ContentHash = strPtr("0")
	}
	res, err := fx.verifier.VerifyChain(context.Background(), SystemActor)
	if err != nil {
		t.Fatal(err)
	}
	if res.BrokenLinkCount != maxReportedLinks+20 || len(res.BrokenLinks) != maxReportedLinks {
		t.Errorf("count %d listed %d", res.BrokenLinkCount, len(res.BrokenLinks))
	}
	if res.FirstBrokenLink.Position != 1 {
		t.Errorf("first broken at %d", res.FirstBrokenLink.Position)
	}
}

// findFailStore stores records but cannot read them back.
type findFailStore struct{ *MemoryStore }

func (findFailStore) Find(context.Context, Filter, Page) ([]*AuditRecord, error) {
	return nil, errStoreDown
}

func TestVerifyChain_StoreError(t *testing.T) {
	store := findFailStore{NewMemoryStore()}
	w := NewWriter(store, zerolog.Nop())
	v := NewVerifier(store, w, fhir.NewInMemoryHistory(), 0, zerolog.Nop())

	if _, err := v.VerifyChain(context.Background(), SystemActor); !errors.Is(err, errStoreDown) {
		t.Fatalf("expected store error, got %v", err)
	}
	n, _ := store.Count(context.Background(), Filter{Statuses: []Status{StatusFailure}, OperationTypes: []OperationType{OpChainVerify}})
	if n != 1 {
		t.Errorf("expected the aborted run to be logged, got %d records", n)
	}
}

func TestExportChain_RoundTrip(t *testing.T) {
	fx := newFixture()
	for i := 0; i < 3; i++ {
		fx.put("Patient", fmt.Sprintf("p%d", i), `{"resourceType":"Patient"}`)
	}
	exp, err := fx.verifier.ExportChain(context.Background(), SystemActor)
	if err != nil {
		t.Fatal(err)
	}
	if exp.ChainLength != 3 || len(exp.Entries) != 3 || exp.HashAlgorithm != "sha256" || exp.ExportID == "" {
		t.Fatalf("unexpected export %+v", exp)
	}
	hashes := []string{exp.Entries[0].BlockchainHash, exp.Entries[1].BlockchainHash, exp.Entries[2].BlockchainHash}
	if exp.MerkleRoot != MerkleRoot(hashes) || exp.HeadHash != hashes[2] || exp.GenesisHash != hashes[0] {
		t.Error("export metadata does not match its entries")
	}
	if exp.Entries[1].Position != 2 || exp.Entries[1].ResourceID != "p1" {
		t.Errorf("unexpected entry %+v", exp.Entries[1])
	}
	if len(recordsOf(t, fx, OpChainExport)) != 1 {
		t.Error("export not logged")
	}

	// through JSON, as a file would travel
	raw, _ := json.Marshal(exp)
	var back ChainExport
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatal(err)
	}
	res, err := fx.verifier.VerifyExport(context.Background(), SystemActor, &back)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Verified || !res.MerkleRootMatches || res.ChainLength != 3 {
		t.Errorf("round trip failed %+v", res)
	}
	if logged := recordsOf(t, fx, OpChainImport); len(logged) != 1 || logged[0].Status != StatusSuccess {
		t.Errorf("unexpected chain_import records %+v", logged)
	}
}

func TestVerifyExport_Tampered(t *testing.T) {
	fx := newFixture()
	for i := 0; i < 3; i++ {
		fx.put("Patient", fmt.Sprintf("p%d", i), `{"resourceType":"Patient"}`)
	}
	exp, _ := fx.verifier.ExportChain(context.Background(), SystemActor)

	exp.Entries[1].ContentHash = strPtr(sha256Hex([]byte("edited")))
	res, err := fx.verifier.VerifyExport(context.Background(), SystemActor, exp)
	if err != nil {
		t.Fatal(err)
	}
	if res.Verified || res.FirstBrokenLink.Position != 2 || !res.MerkleRootMatches {
		t.Errorf("unexpected result %+v", res)
	}

	exp, _ = fx.verifier.ExportChain(context.Background(), SystemActor)
	exp.MerkleRoot = sha256Hex([]byte("wrong"))
	res, _ = fx.verifier.VerifyExport(context.Background(), SystemActor, exp)
	if res.Verified || res.MerkleRootMatches || res.BrokenLinkCount != 0 {
		t.Errorf("merkle mismatch not detected %+v", res)
	}
}

func TestVerifyExport_Malformed(t *testing.T) {
	fx := newFixture()
	fx.put("Patient", "p1", `{"resourceType":"Patient"}`)
	exp, _ := fx.verifier.ExportChain(context.Background(), SystemActor)

	tests := []struct {
		name string
		exp  *ChainExport
	}{
		{"nil", nil},
		{"length", &ChainExport{ChainLength: 2, Entries: exp.Entries}},
		{"position", &ChainExport{ChainLength: 1, Entries: []ChainEntry{{Position: 7, BlockchainHash: "x"}}}},
	}
	for _, tt := range tests {
		if _, err := fx.verifier.VerifyExport(context.Background(), SystemActor, tt.exp); !errors.Is(err, ErrInvalidFilter) {
			t.Errorf("%s: expected ErrInvalidFilter, got %v", tt.name, err)
		}
	}
}

func TestChainInfo(t *testing.T) {
	fx := newFixture()
	info, err := fx.verifier.ChainInfo(context.Background(), SystemActor)
	if err != nil || info.ChainLength != 0 || info.MerkleRoot != "" {
		t.Fatalf("empty chain info %+v %v", info, err)
	}

	for i := 0; i < 3; i++ {
		fx.put("Patient", fmt.Sprintf("p%d", i), `{"resourceType":"Patient"}`)
	}
	info, err = fx.verifier.ChainInfo(context.Background(), SystemActor)
	if err != nil {
		t.Fatal(err)
	}
	recs := fx.chained()
	var hashes []string
	for _, r := range recs {
		hashes = append(hashes, deref(r.BlockchainHash))
	}
	if info.ChainLength != 3 || info.MerkleRoot != MerkleRoot(hashes) || info.HeadHash != hashes[2] {
		t.Errorf("unexpected info %+v", info)
	}
	if !info.GenesisAt.Equal(recs[0].Timestamp) || !info.HeadAt.Equal(recs[2].Timestamp) {
		t.Error("genesis/head timestamps not reported")
	}
	logged := recordsOf(t, fx, OpMerkleCompute)
	if len(logged) != 2 || deref(logged[1].VerifiedHash) != info.MerkleRoot {
		t.Errorf("unexpected merkle_compute records %+v", logged)
	}
}
