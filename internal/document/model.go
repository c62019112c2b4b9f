package document

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const maxIdentifierLength = 190

// Reserved metadata field names. Everything else in a document's field map
// belongs to the caller.
const (
	FieldTenantID  = "tenantId"
	FieldUserID    = "userId"
	FieldDeleted   = "deleted"
	FieldUpdatedAt = "updatedAt"
	FieldDeletedAt = "deletedAt"

	// FieldForceUpdate is a caller-supplied marker that bypasses write
	// deduplication. It is stripped before the document is persisted.
	FieldForceUpdate = "_forceUpdate"
)

var (
	// ErrInvalidCollection indicates that a collection name is empty or exceeds storage bounds.
	ErrInvalidCollection = errors.New("document: invalid collection name")
	// ErrInvalidDocumentID indicates that a document identifier is empty or exceeds storage bounds.
	ErrInvalidDocumentID = errors.New("document: invalid document id")
)

// CollectionName represents a validated collection identifier.
type CollectionName string

// NewCollectionName validates raw input and returns a CollectionName.
func NewCollectionName(rawInput string) (CollectionName, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidCollection)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidCollection, maxIdentifierLength)
	}
	return CollectionName(trimmed), nil
}

// String returns the underlying collection name.
func (c CollectionName) String() string {
	return string(c)
}

// ID represents a validated document identifier.
type ID string

// NewID validates raw input and returns a document ID.
func NewID(rawInput string) (ID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDocumentID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocumentID, maxIdentifierLength)
	}
	return ID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ID) String() string {
	return string(id)
}

// NewRandomID generates a fresh time-ordered document identifier.
func NewRandomID() ID {
	generated, err := uuid.NewV7()
	if err != nil {
		return ID(uuid.NewString())
	}
	return ID(generated.String())
}

// Key returns the "collection/id" cache key for a document identity.
func Key(collection CollectionName, id ID) string {
	return collection.String() + "/" + id.String()
}

// Document models a stored record: reserved metadata plus an open payload map.
// Field names inside Fields belong to callers; the repository only interprets
// the reserved metadata.
type Document struct {
	ID        string
	TenantID  string
	UserID    string
	Deleted   bool
	UpdatedAt time.Time
	Fields    map[string]any
}

// Flatten merges metadata and payload into the wire representation used by
// remote stores. Payload keys never override reserved metadata.
func (d Document) Flatten() map[string]any {
	flat := make(map[string]any, len(d.Fields)+4)
	for key, value := range d.Fields {
		flat[key] = value
	}
	flat[FieldTenantID] = d.TenantID
	flat[FieldUserID] = d.UserID
	flat[FieldDeleted] = d.Deleted
	if !d.UpdatedAt.IsZero() {
		flat[FieldUpdatedAt] = d.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	return flat
}

// FromFields rebuilds a Document from the wire representation, splitting
// reserved metadata away from caller payload.
func FromFields(id string, fields map[string]any) Document {
	doc := Document{ID: id, Fields: make(map[string]any, len(fields))}
	for key, value := range fields {
		switch key {
		case FieldTenantID:
			if tenant, ok := value.(string); ok {
				doc.TenantID = tenant
			}
		case FieldUserID:
			if user, ok := value.(string); ok {
				doc.UserID = user
			}
		case FieldDeleted:
			if deleted, ok := value.(bool); ok {
				doc.Deleted = deleted
			}
		case FieldUpdatedAt:
			if raw, ok := value.(string); ok {
				if parsed, err := time.Parse(time.RFC3339Nano, raw); err == nil {
					doc.UpdatedAt = parsed
				}
			}
		case FieldForceUpdate:
			// Never persisted, never surfaced.
		default:
			doc.Fields[key] = value
		}
	}
	return doc
}
