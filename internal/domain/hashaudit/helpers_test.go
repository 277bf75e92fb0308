package hashaudit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/hashaudit/internal/platform/fhir"
	"github.com/ehr/hashaudit/internal/platform/websocket"
)

// monday10 is a Monday inside business hours.
var monday10 = time.Date(2024, 3, 4, 10, 15, 30, 123456789, time.UTC)

type fixture struct {
	store    *MemoryStore
	writer   *Writer
	chain    *Chain
	svc      *Service
	history  *fhir.InMemoryHistory
	tracker  *fhir.VersionTracker
	verifier *Verifier
	clock    *clock
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newFixture() *fixture {
	clk := &clock{now: monday10}
	store := NewMemoryStore()
	w := NewWriter(store, zerolog.Nop())
	w.now = clk.Now
	ch := NewChain(store, w)
	svc := NewService(store, ch, zerolog.Nop())
	svc.now = clk.Now
	hist := fhir.NewInMemoryHistory()
	tracker := fhir.NewVersionTracker(hist)
	tracker.AddListener(ch)
	v := NewVerifier(store, w, hist, 2, zerolog.Nop())
	v.now = clk.Now
	return &fixture{store: store, writer: w, chain: ch, svc: svc, history: hist, tracker: tracker, verifier: v, clock: clk}
}

// put stores a resource version through the tracker, which appends a link.
func (fx *fixture) put(rt, id, body string) {
	if _, _, err := fx.tracker.Put(context.Background(), fhir.Actor{UserID: "clinician-1"}, rt, id, json.RawMessage(body)); err != nil {
		panic(err)
	}
	fx.clock.Advance(time.Second)
}

func (fx *fixture) chained() []*AuditRecord {
	recs, _ := fx.store.Find(context.Background(), Filter{ChainOnly: true}, Page{SortBy: SortSequence})
	return recs
}

// stored returns the record held by the store itself, for tampering.
func (fx *fixture) stored(auditID string) *AuditRecord {
	for _, r := range fx.store.records {
		if r.AuditID == auditID {
			return r
		}
	}
	panic("no record " + auditID)
}

// failingStore rejects every write.
type failingStore struct {
	*MemoryStore
	err error
}

func (s *failingStore) Insert(context.Context, *AuditRecord) error { return s.err }

func (s *failingStore) Find(context.Context, Filter, Page) ([]*AuditRecord, error) {
	return nil, s.err
}

func (s *failingStore) Count(context.Context, Filter) (int64, error) { return 0, s.err }

// summarizeFailStore answers everything except the totals query.
type summarizeFailStore struct{ *MemoryStore }

func (summarizeFailStore) Summarize(context.Context, Filter) (Totals, error) {
	return Totals{}, errStoreDown
}

// panicStore panics on insert.
type panicStore struct{ *MemoryStore }

func (panicStore) Insert(context.Context, *AuditRecord) error { panic("boom") }

var errStoreDown = errors.New("store down")

type publishedEvent struct {
	event  websocket.Event
	topics []string
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev websocket.Event, topics ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{event: ev, topics: topics})
	return nil
}
