package fhir

import (
	"encoding/json"
	"fmt"
	"time"
)

// Bundle represents a FHIR Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Request  *BundleRequest  `json:"request,omitempty"`
	Response *BundleResponse `json:"response,omitempty"`
}

type BundleRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

type BundleResponse struct {
	Status       string     `json:"status"`
	LastModified *time.Time `json:"lastModified,omitempty"`
}

// NewHistoryBundle builds a history Bundle, newest version first. Stored
// snapshots are decorated with their version metadata; deletion markers
// carry no resource.
func NewHistoryBundle(entries []*HistoryEntry, total int, baseURL string) *Bundle {
	now := time.Now().UTC()
	out := make([]BundleEntry, 0, len(entries))

	for _, entry := range entries {
		method, status := "PUT", "200 OK"
		switch entry.Action {
		case ActionCreate:
			status = "201 Created"
		case ActionDelete:
			method, status = "DELETE", "204 No Content"
		}

		be := BundleEntry{
			FullURL: fmt.Sprintf("%s/%s/%s/_history/%d", baseURL, entry.ResourceType, entry.ResourceID, entry.VersionID),
			Request: &BundleRequest{
				Method: method,
				URL:    entry.ResourceType + "/" + entry.ResourceID,
			},
			Response: &BundleResponse{Status: status, LastModified: &entry.Timestamp},
		}
		if !entry.Deleted() {
			if raw, err := WithMeta(entry); err == nil {
				be.Resource = raw
			}
		}
		out = append(out, be)
	}

	return &Bundle{
		ResourceType: "Bundle",
		Type:         "history",
		Total:        &total,
		Timestamp:    &now,
		Entry:        out,
	}
}

// WithMeta returns the stored snapshot with id, resourceType and
// meta.versionId/lastUpdated filled from the history entry. The stored bytes
// are not modified.
func WithMeta(entry *HistoryEntry) (json.RawMessage, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(entry.Resource, &doc); err != nil {
		return nil, fmt.Errorf("decode %s/%s v%d: %w", entry.ResourceType, entry.ResourceID, entry.VersionID, err)
	}
	if doc == nil {
		doc = map[string]interface{}{}
	}
	doc["resourceType"] = entry.ResourceType
	doc["id"] = entry.ResourceID
	doc["meta"] = map[string]interface{}{
		"versionId":   fmt.Sprintf("%d", entry.VersionID),
		"lastUpdated": InstantString(entry.Timestamp),
	}
	return json.Marshal(doc)
}
