package hashaudit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/hashaudit/internal/platform/metrics"
	"github.com/ehr/hashaudit/internal/platform/websocket"
)

// Publisher receives every stored record for the realtime feed.
type Publisher interface {
	Publish(ctx context.Context, event websocket.Event, extraTopics ...string) error
}

// Writer appends audit records. It never fails from the caller's point of
// view: storage errors and panics are logged and a placeholder id is
// returned.
type Writer struct {
	store     Store
	logger    zerolog.Logger
	publisher Publisher
	now       func() time.Time
}

func NewWriter(store Store, logger zerolog.Logger) *Writer {
	return &Writer{
		store:  store,
		logger: logger.With().Str("component", "hash_audit_writer").Logger(),
		now:    time.Now,
	}
}

// SetPublisher attaches the realtime feed.
func (w *Writer) SetPublisher(p Publisher) {
	w.publisher = p
}

// UnsavedPrefix marks ids of records that could not be stored.
const UnsavedPrefix = "unsaved-"

// LogHashOperation stores one record and returns its audit id.
func (w *Writer) LogHashOperation(ctx context.Context, op HashOperation) (auditID string) {
	id := uuid.New().String()
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().Interface("panic", r).Str("operation", string(op.OperationType)).
				Msg("audit write panicked")
			metrics.AuditWriteFailures.WithLabelValues(string(op.OperationType)).Inc()
			auditID = UnsavedPrefix + id
		}
	}()

	rec := w.buildRecord(id, op)
	if err := w.store.Insert(ctx, rec); err != nil {
		w.logger.Error().Err(err).
			Str("operation", string(rec.OperationType)).
			Str("status", string(rec.Status)).
			Str("resource", rec.ResourceKey()).
			Msg("failed to store hash audit record")
		metrics.AuditWriteFailures.WithLabelValues(string(rec.OperationType)).Inc()
		return UnsavedPrefix + id
	}

	metrics.AuditWrites.WithLabelValues(string(rec.OperationType), string(rec.Status)).Inc()
	w.mirror(rec)
	w.publish(ctx, rec)
	return rec.AuditID
}

func (w *Writer) buildRecord(id string, op HashOperation) *AuditRecord {
	status := op.Status
	if status == "" {
		status = StatusSuccess
	}
	severity := op.Severity
	if severity == "" {
		severity = SeverityLow
	}
	rec := &AuditRecord{
		AuditID:         id,
		Timestamp:       w.now().UTC().Truncate(time.Millisecond),
		OperationType:   op.OperationType,
		Status:          status,
		Severity:        severity,
		Message:         op.Message,
		BlockchainHash:  op.BlockchainHash,
		PreviousHash:    op.PreviousHash,
		ContentHash:     op.ContentHash,
		VerifiedHash:    op.VerifiedHash,
		UserID:          op.Actor.UserID,
		RequestID:       op.Actor.RequestID,
		SessionID:       op.Actor.SessionID,
		ResourceContext: op.Context,
		BatchID:         op.BatchID,
		BatchSize:       op.BatchSize,
		Metrics:         op.Metrics,
		ErrorDetails:    op.Error,
		HasError:        op.Error != nil,
		AdditionalData:  op.AdditionalData,
	}
	if rec.Message == "" {
		rec.Message = defaultMessage(rec)
	}
	rec.deriveTimeFields()
	return rec
}

func defaultMessage(r *AuditRecord) string {
	msg := fmt.Sprintf("%s %s", r.OperationType, r.Status)
	if key := r.ResourceKey(); key != "" {
		msg += " for " + key
	}
	return msg
}

// mirror writes the operational log line for a stored record.
func (w *Writer) mirror(r *AuditRecord) {
	ev := w.logger.Info()
	switch {
	case r.Severity == SeverityCritical:
		ev = w.logger.Error()
	case r.Status == StatusFailure:
		ev = w.logger.Warn()
	}
	hash := r.BlockchainHash
	if hash == nil {
		hash = r.VerifiedHash
	}
	ev.Str("audit_id", r.AuditID).
		Str("operation", string(r.OperationType)).
		Str("status", string(r.Status)).
		Str("resource", r.ResourceKey()).
		Str("hash", hashPrefix(hash)).
		Str("user_id", r.UserID).
		Msg(r.Message)
}

func (w *Writer) publish(ctx context.Context, r *AuditRecord) {
	if w.publisher == nil {
		return
	}
	data, err := json.Marshal(r)
	if err != nil {
		w.logger.Debug().Err(err).Msg("marshal realtime event")
		return
	}
	topics := []string{"audit." + string(r.OperationType)}
	if r.Status == StatusFailure {
		topics = append(topics, "audit.failure")
	}
	event := websocket.Event{
		Type:         "audit.recorded",
		Topic:        "audit",
		ResourceType: r.FHIRResourceType,
		ResourceID:   r.FHIRResourceID,
		Timestamp:    r.Timestamp,
		Data:         data,
	}
	if err := w.publisher.Publish(ctx, event, topics...); err != nil {
		w.logger.Debug().Err(err).Msg("publish realtime event")
	}
}
