package hashaudit

import "time"

// AuditRecord is one immutable entry of the hash audit log. Records with a
// BlockchainHash form the chain; verification records carry VerifiedHash
// instead.
type AuditRecord struct {
	AuditID       string        `json:"audit_id" bson:"_id"`
	Sequence      int64         `json:"sequence" bson:"sequence"`
	Timestamp     time.Time     `json:"timestamp" bson:"timestamp"`
	OperationType OperationType `json:"operation_type" bson:"operation_type"`
	Status        Status        `json:"status" bson:"status"`
	Severity      Severity      `json:"severity" bson:"severity"`
	Message       string        `json:"message" bson:"message"`

	BlockchainHash *string `json:"blockchain_hash" bson:"blockchain_hash"`
	PreviousHash   *string `json:"previous_hash" bson:"previous_hash"`
	ContentHash    *string `json:"content_hash,omitempty" bson:"content_hash"`
	VerifiedHash   *string `json:"verified_hash,omitempty" bson:"verified_hash"`

	UserID    string `json:"user_id,omitempty" bson:"user_id"`
	RequestID string `json:"request_id,omitempty" bson:"request_id"`
	SessionID string `json:"session_id,omitempty" bson:"session_id"`

	ResourceContext `bson:",inline"`

	BatchID   string `json:"batch_id,omitempty" bson:"batch_id"`
	BatchSize int    `json:"batch_size,omitempty" bson:"batch_size"`

	Metrics        Metrics                `json:"metrics" bson:"metrics"`
	ErrorDetails   *ErrorDetails          `json:"error_details" bson:"error_details"`
	HasError       bool                   `json:"has_error" bson:"has_error"`
	AdditionalData map[string]interface{} `json:"additional_data,omitempty" bson:"additional_data,omitempty"`

	HourOfDay       int  `json:"hour_of_day" bson:"hour_of_day"`
	DayOfWeek       int  `json:"day_of_week" bson:"day_of_week"`
	Month           int  `json:"month" bson:"month"`
	Year            int  `json:"year" bson:"year"`
	IsBusinessHours bool `json:"is_business_hours" bson:"is_business_hours"`
	IsWeekend       bool `json:"is_weekend" bson:"is_weekend"`
}

// ResourceContext links a record to the healthcare data it concerns.
type ResourceContext struct {
	FHIRResourceType    string `json:"fhir_resource_type,omitempty" bson:"fhir_resource_type"`
	FHIRResourceID      string `json:"fhir_resource_id,omitempty" bson:"fhir_resource_id"`
	FHIRResourceVersion string `json:"fhir_resource_version,omitempty" bson:"fhir_resource_version"`
	PatientID           string `json:"patient_id,omitempty" bson:"patient_id"`
	OrganizationID      string `json:"organization_id,omitempty" bson:"organization_id"`
	DeviceID            string `json:"device_id,omitempty" bson:"device_id"`
	EncounterID         string `json:"encounter_id,omitempty" bson:"encounter_id"`
}

// Metrics records execution timing and counts.
type Metrics struct {
	ExecutionTimeMS    float64 `json:"execution_time_ms" bson:"execution_time_ms"`
	HashesGenerated    int     `json:"hashes_generated" bson:"hashes_generated"`
	HashesVerified     int     `json:"hashes_verified" bson:"hashes_verified"`
	ChainLengthBefore  int64   `json:"chain_length_before" bson:"chain_length_before"`
	ChainLengthAfter   int64   `json:"chain_length_after" bson:"chain_length_after"`
	ResourcesProcessed int     `json:"resources_processed" bson:"resources_processed"`
}

// ErrorDetails is the structured error of a failed operation.
type ErrorDetails struct {
	Code    string                 `json:"code" bson:"code"`
	Message string                 `json:"message" bson:"message"`
	Details map[string]interface{} `json:"details,omitempty" bson:"details,omitempty"`
}

// HashOperation is the input of Writer.LogHashOperation.
type HashOperation struct {
	OperationType OperationType
	Status        Status
	Severity      Severity
	Message       string

	BlockchainHash *string
	PreviousHash   *string
	ContentHash    *string
	VerifiedHash   *string

	Actor   Actor
	Context ResourceContext

	BatchID   string
	BatchSize int

	Metrics        Metrics
	Error          *ErrorDetails
	AdditionalData map[string]interface{}
}

// Actor identifies who triggered an operation.
type Actor struct {
	UserID    string
	RequestID string
	SessionID string
}

// SystemActor attributes operations started from the CLI.
var SystemActor = Actor{UserID: "system"}

// deriveTimeFields fills the analytics fields from Timestamp. Business hours
// are Monday to Friday, 08:00 to 17:59 UTC.
func (r *AuditRecord) deriveTimeFields() {
	ts := r.Timestamp.UTC()
	r.HourOfDay = ts.Hour()
	r.DayOfWeek = int(ts.Weekday())
	r.Month = int(ts.Month())
	r.Year = ts.Year()
	r.IsWeekend = ts.Weekday() == time.Saturday || ts.Weekday() == time.Sunday
	r.IsBusinessHours = !r.IsWeekend && r.HourOfDay >= 8 && r.HourOfDay < 18
}

// ResourceKey renders "Type/id", or "" when the record names no resource.
func (r *AuditRecord) ResourceKey() string {
	if r.FHIRResourceID == "" {
		return ""
	}
	return r.FHIRResourceType + "/" + r.FHIRResourceID
}

func strPtr(s string) *string { return &s }

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
