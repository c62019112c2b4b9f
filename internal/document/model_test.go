package document

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNewCollectionNameValidation(t *testing.T) {
	if _, err := NewCollectionName("  "); !errors.Is(err, ErrInvalidCollection) {
		t.Fatalf("expected ErrInvalidCollection for blank input, got %v", err)
	}
	if _, err := NewCollectionName(strings.Repeat("c", maxIdentifierLength+1)); !errors.Is(err, ErrInvalidCollection) {
		t.Fatalf("expected ErrInvalidCollection for oversized input, got %v", err)
	}
	collection, err := NewCollectionName("  products  ")
	if err != nil {
		t.Fatalf("expected trimmed name to validate, got %v", err)
	}
	if collection.String() != "products" {
		t.Fatalf("expected trimmed collection name, got %q", collection.String())
	}
}

func TestNewIDValidation(t *testing.T) {
	if _, err := NewID(""); !errors.Is(err, ErrInvalidDocumentID) {
		t.Fatalf("expected ErrInvalidDocumentID for empty input, got %v", err)
	}
	id, err := NewID("doc_1")
	if err != nil {
		t.Fatalf("expected valid id, got %v", err)
	}
	if Key("products", id) != "products/doc_1" {
		t.Fatalf("unexpected cache key %q", Key("products", id))
	}
}

func TestFlattenAndFromFieldsRoundTrip(t *testing.T) {
	updatedAt := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	doc := Document{
		ID:        "doc_1",
		TenantID:  "tenant_a",
		UserID:    "user_a",
		UpdatedAt: updatedAt,
		Fields:    map[string]any{"name": "Widget", "price": 12.5},
	}

	flat := doc.Flatten()
	if flat[FieldTenantID] != "tenant_a" {
		t.Fatalf("expected tenant metadata in wire form, got %v", flat[FieldTenantID])
	}
	if flat[FieldDeleted] != false {
		t.Fatalf("expected deleted flag in wire form")
	}

	rebuilt := FromFields("doc_1", flat)
	if rebuilt.TenantID != doc.TenantID || rebuilt.UserID != doc.UserID {
		t.Fatalf("expected metadata to survive the round trip, got %+v", rebuilt)
	}
	if !rebuilt.UpdatedAt.Equal(updatedAt) {
		t.Fatalf("expected updatedAt %v, got %v", updatedAt, rebuilt.UpdatedAt)
	}
	if _, ok := rebuilt.Fields[FieldTenantID]; ok {
		t.Fatalf("expected metadata to be split away from payload")
	}
	if rebuilt.Fields["name"] != "Widget" {
		t.Fatalf("expected payload to survive the round trip")
	}
}

func TestFlattenPayloadNeverOverridesMetadata(t *testing.T) {
	doc := Document{
		ID:       "doc_1",
		TenantID: "tenant_a",
		Fields:   map[string]any{FieldTenantID: "tenant_spoof"},
	}
	flat := doc.Flatten()
	if flat[FieldTenantID] != "tenant_a" {
		t.Fatalf("expected reserved metadata to win over payload, got %v", flat[FieldTenantID])
	}
}

func TestNewRandomIDIsUnique(t *testing.T) {
	first := NewRandomID()
	second := NewRandomID()
	if first == "" || second == "" {
		t.Fatalf("expected non-empty generated identifiers")
	}
	if first == second {
		t.Fatalf("expected distinct identifiers, got %q twice", first)
	}
}
