package fhir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// History actions.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

var (
	// ErrResourceNotFound is returned when no version of a resource exists.
	ErrResourceNotFound = errors.New("resource not found")
	// ErrVersionConflict is returned when another writer saved the same version first.
	ErrVersionConflict = errors.New("resource version conflict")
)

// HistoryEntry represents a single stored version of a resource.
type HistoryEntry struct {
	ID           string          `json:"id"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	VersionID    int             `json:"version_id"`
	Resource     json.RawMessage `json:"resource"`
	Action       string          `json:"action"` // "create", "update", "delete"
	UserID       string          `json:"user_id,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Deleted reports whether the entry is a deletion marker.
func (h *HistoryEntry) Deleted() bool {
	return h.Action == ActionDelete
}

// HistoryStore persists versioned resource snapshots.
type HistoryStore interface {
	SaveVersion(ctx context.Context, entry *HistoryEntry) error
	Latest(ctx context.Context, resourceType, resourceID string) (*HistoryEntry, error)
	GetVersion(ctx context.Context, resourceType, resourceID string, versionID int) (*HistoryEntry, error)
	ListVersions(ctx context.Context, resourceType, resourceID string, limit, offset int) ([]*HistoryEntry, int, error)
}

// prepareEntry fills the id and timestamp of a new entry.
func prepareEntry(entry *HistoryEntry) {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if len(entry.Resource) == 0 {
		entry.Resource = json.RawMessage("null")
	}
}

// HistoryRepository stores resource versions in the Postgres resource_history table.
type HistoryRepository struct {
	pool *pgxpool.Pool
}

func NewHistoryRepository(pool *pgxpool.Pool) *HistoryRepository {
	return &HistoryRepository{pool: pool}
}

const historyCols = `id, resource_type, resource_id, version_id, resource, action, user_id, timestamp`

func scanHistory(row pgx.Row) (*HistoryEntry, error) {
	var h HistoryEntry
	var resource string
	if err := row.Scan(&h.ID, &h.ResourceType, &h.ResourceID, &h.VersionID, &resource, &h.Action, &h.UserID, &h.Timestamp); err != nil {
		return nil, err
	}
	h.Resource = json.RawMessage(resource)
	return &h, nil
}

// SaveVersion stores a snapshot of a resource version in the history table.
func (r *HistoryRepository) SaveVersion(ctx context.Context, entry *HistoryEntry) error {
	prepareEntry(entry)
	_, err := r.pool.Exec(ctx, `
		INSERT INTO resource_history (`+historyCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID, entry.ResourceType, entry.ResourceID, entry.VersionID,
		string(entry.Resource), entry.Action, entry.UserID, entry.Timestamp)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("save history version %s/%s v%d: %w", entry.ResourceType, entry.ResourceID, entry.VersionID, ErrVersionConflict)
		}
		return fmt.Errorf("save history version: %w", err)
	}
	return nil
}

// Latest returns the highest version of a resource, including deletion markers.
func (r *HistoryRepository) Latest(ctx context.Context, resourceType, resourceID string) (*HistoryEntry, error) {
	h, err := scanHistory(r.pool.QueryRow(ctx, `
		SELECT `+historyCols+` FROM resource_history
		WHERE resource_type = $1 AND resource_id = $2
		ORDER BY version_id DESC LIMIT 1`,
		resourceType, resourceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrResourceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get latest version: %w", err)
	}
	return h, nil
}

// GetVersion retrieves a specific version of a resource.
func (r *HistoryRepository) GetVersion(ctx context.Context, resourceType, resourceID string, versionID int) (*HistoryEntry, error) {
	h, err := scanHistory(r.pool.QueryRow(ctx, `
		SELECT `+historyCols+` FROM resource_history
		WHERE resource_type = $1 AND resource_id = $2 AND version_id = $3`,
		resourceType, resourceID, versionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrResourceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get history version: %w", err)
	}
	return h, nil
}

// ListVersions retrieves all versions of a resource, ordered by version descending.
func (r *HistoryRepository) ListVersions(ctx context.Context, resourceType, resourceID string, limit, offset int) ([]*HistoryEntry, int, error) {
	var total int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM resource_history
		WHERE resource_type = $1 AND resource_id = $2`,
		resourceType, resourceID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count history versions: %w", err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+historyCols+` FROM resource_history
		WHERE resource_type = $1 AND resource_id = $2
		ORDER BY version_id DESC
		LIMIT $3 OFFSET $4`,
		resourceType, resourceID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list history versions: %w", err)
	}
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan history entry: %w", err)
		}
		entries = append(entries, h)
	}
	return entries, total, rows.Err()
}
