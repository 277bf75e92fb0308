package fhir

import "fmt"

// OperationOutcome severity levels.
const (
	IssueSeverityFatal       = "fatal"
	IssueSeverityError       = "error"
	IssueSeverityWarning     = "warning"
	IssueSeverityInformation = "information"
)

// OperationOutcome issue type codes used by this service.
const (
	IssueTypeInvalid      = "invalid"
	IssueTypeRequired     = "required"
	IssueTypeNotFound     = "not-found"
	IssueTypeConflict     = "conflict"
	IssueTypeProcessing   = "processing"
	IssueTypeSecurity     = "security"
	IssueTypeLogin        = "login"
	IssueTypeForbidden    = "forbidden"
	IssueTypeThrottled    = "throttled"
	IssueTypeException    = "exception"
	IssueTypeTimeout      = "timeout"
	IssueTypeDeleted      = "deleted"
	IssueTypeIntegrity    = "business-rule"
	IssueTypeNotSupported = "not-supported"
)

// OperationOutcome represents a FHIR OperationOutcome for errors.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string   `json:"severity"`
	Code        string   `json:"code"`
	Diagnostics string   `json:"diagnostics,omitempty"`
	Expression  []string `json:"expression,omitempty"`
}

func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{
				Severity:    severity,
				Code:        code,
				Diagnostics: diagnostics,
			},
		},
	}
}

func ErrorOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeProcessing, diagnostics)
}

func NotFoundOutcome(resourceType, id string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeNotFound, resourceType+"/"+id+" not found")
}

// GoneOutcome is returned for resources whose latest version is a deletion.
func GoneOutcome(resourceType, id string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeDeleted, resourceType+"/"+id+" has been deleted")
}

// ValidationOutcome creates an OperationOutcome for an invalid field.
func ValidationOutcome(field, message string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{
				Severity:    IssueSeverityError,
				Code:        IssueTypeInvalid,
				Diagnostics: fmt.Sprintf("%s: %s", field, message),
				Expression:  []string{field},
			},
		},
	}
}

// ConflictOutcome creates an OperationOutcome for a conflict error.
func ConflictOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeConflict, diagnostics)
}

// InternalErrorOutcome creates an OperationOutcome for internal server errors.
func InternalErrorOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityFatal, IssueTypeException, diagnostics)
}

// OutcomeForStatus maps an HTTP status to the matching outcome shape.
func OutcomeForStatus(status int, diagnostics string) *OperationOutcome {
	switch {
	case status == 400 || status == 422:
		return NewOperationOutcome(IssueSeverityError, IssueTypeInvalid, diagnostics)
	case status == 401:
		return NewOperationOutcome(IssueSeverityError, IssueTypeLogin, diagnostics)
	case status == 403:
		return NewOperationOutcome(IssueSeverityError, IssueTypeForbidden, diagnostics)
	case status == 404:
		return NewOperationOutcome(IssueSeverityError, IssueTypeNotFound, diagnostics)
	case status == 409 || status == 412:
		return ConflictOutcome(diagnostics)
	case status == 410:
		return NewOperationOutcome(IssueSeverityError, IssueTypeDeleted, diagnostics)
	case status == 429:
		return NewOperationOutcome(IssueSeverityError, IssueTypeThrottled, diagnostics)
	case status == 504:
		return NewOperationOutcome(IssueSeverityError, IssueTypeTimeout, diagnostics)
	case status >= 500:
		return InternalErrorOutcome(diagnostics)
	default:
		return ErrorOutcome(diagnostics)
	}
}

// HasErrors returns true if the outcome contains any error or fatal issues.
func (o *OperationOutcome) HasErrors() bool {
	for _, issue := range o.Issue {
		if issue.Severity == IssueSeverityError || issue.Severity == IssueSeverityFatal {
			return true
		}
	}
	return false
}
