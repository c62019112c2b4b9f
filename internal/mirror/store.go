// Package mirror keeps the local, always-available copy of remote documents.
// It serves fallback reads and buffers writes made while the remote store is
// unreachable.
package mirror

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/haulware/docsync/internal/document"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// StoreConfig describes the dependencies for the mirror store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store persists mirrored documents, pending-sync flags, and durable settings.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore constructs the mirror store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Get returns one mirrored document. Soft-deleted rows stay invisible.
func (s *Store) Get(collection, id string) (document.Document, bool, error) {
	var row MirroredDocument
	err := s.db.
		Where("collection = ? AND document_id = ?", collection, id).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return document.Document{}, false, nil
	}
	if err != nil {
		return document.Document{}, false, fmt.Errorf("mirror get %s/%s: %w", collection, id, err)
	}
	if row.IsDeleted {
		return document.Document{}, false, nil
	}
	doc, err := rowToDocument(row)
	if err != nil {
		return document.Document{}, false, err
	}
	return doc, true, nil
}

// GetAll returns every visible mirrored document for the tenant. Documents
// carrying a different tenant id are never returned, even if present in the
// mirror. A non-positive limit means no ceiling.
func (s *Store) GetAll(collection, tenantID string, limit int) ([]document.Document, error) {
	query := s.db.
		Where("collection = ? AND tenant_id = ? AND is_deleted = ?", collection, tenantID, false).
		Order("document_id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []MirroredDocument
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("mirror get all %s: %w", collection, err)
	}
	docs := make([]document.Document, 0, len(rows))
	for _, row := range rows {
		doc, err := rowToDocument(row)
		if err != nil {
			s.logger.Warn("mirror row skipped",
				zap.String("collection", collection),
				zap.String("document_id", row.DocumentID),
				zap.Error(err))
			continue
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// Put upserts one mirrored document.
func (s *Store) Put(collection string, doc document.Document) error {
	row, err := documentToRow(collection, doc, s.clock)
	if err != nil {
		return err
	}
	if err := s.db.Save(&row).Error; err != nil {
		return fmt.Errorf("mirror put %s/%s: %w", collection, doc.ID, err)
	}
	return nil
}

// ReplaceAll makes the provided document set the new ground truth for the
// collection: rows absent from the set are removed, including when the set is
// empty. With preservePending set, rows flagged for pending synchronization
// survive the sweep even when the remote result set no longer contains them.
func (s *Store) ReplaceAll(collection string, docs []document.Document, preservePending bool) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		keep := make(map[string]struct{}, len(docs))
		for _, doc := range docs {
			keep[doc.ID] = struct{}{}
		}
		if preservePending {
			var pending []PendingSyncRecord
			if err := tx.Where("collection = ?", collection).Find(&pending).Error; err != nil {
				return fmt.Errorf("mirror replace %s: load pending: %w", collection, err)
			}
			for _, record := range pending {
				keep[record.DocumentID] = struct{}{}
			}
		}

		var existing []MirroredDocument
		if err := tx.Select("document_id").Where("collection = ?", collection).Find(&existing).Error; err != nil {
			return fmt.Errorf("mirror replace %s: load existing: %w", collection, err)
		}
		for _, row := range existing {
			if _, ok := keep[row.DocumentID]; ok {
				continue
			}
			if err := tx.Where("collection = ? AND document_id = ?", collection, row.DocumentID).
				Delete(&MirroredDocument{}).Error; err != nil {
				return fmt.Errorf("mirror replace %s: sweep %s: %w", collection, row.DocumentID, err)
			}
		}

		for _, doc := range docs {
			row, err := documentToRow(collection, doc, s.clock)
			if err != nil {
				return err
			}
			if err := tx.Save(&row).Error; err != nil {
				return fmt.Errorf("mirror replace %s: upsert %s: %w", collection, doc.ID, err)
			}
		}
		return nil
	})
}

// Remove deletes one mirrored document outright.
func (s *Store) Remove(collection, id string) error {
	if err := s.db.Where("collection = ? AND document_id = ?", collection, id).
		Delete(&MirroredDocument{}).Error; err != nil {
		return fmt.Errorf("mirror remove %s/%s: %w", collection, id, err)
	}
	return nil
}

// SoftDelete flags a mirrored document as deleted without removing the row.
func (s *Store) SoftDelete(collection, id string) error {
	err := s.db.Model(&MirroredDocument{}).
		Where("collection = ? AND document_id = ?", collection, id).
		Updates(map[string]interface{}{
			"is_deleted":   true,
			"updated_at_s": s.clock().Unix(),
		}).Error
	if err != nil {
		return fmt.Errorf("mirror soft delete %s/%s: %w", collection, id, err)
	}
	return nil
}

// MarkPendingSync records a document id awaiting an eventual remote write.
func (s *Store) MarkPendingSync(collection, id string) error {
	record := PendingSyncRecord{
		Collection:      collection,
		DocumentID:      id,
		MarkedAtSeconds: s.clock().Unix(),
	}
	if err := s.db.Save(&record).Error; err != nil {
		return fmt.Errorf("mirror mark pending %s/%s: %w", collection, id, err)
	}
	return nil
}

// PendingSync lists document ids flagged for later synchronization.
func (s *Store) PendingSync(collection string) ([]string, error) {
	var records []PendingSyncRecord
	if err := s.db.
		Where("collection = ?", collection).
		Order("marked_at_s ASC, document_id ASC").
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("mirror pending %s: %w", collection, err)
	}
	ids := make([]string, 0, len(records))
	for _, record := range records {
		ids = append(ids, record.DocumentID)
	}
	return ids, nil
}

// ClearPendingSync drops the pending flag for one document, for use by an
// external drain process after a successful remote write.
func (s *Store) ClearPendingSync(collection, id string) error {
	if err := s.db.Where("collection = ? AND document_id = ?", collection, id).
		Delete(&PendingSyncRecord{}).Error; err != nil {
		return fmt.Errorf("mirror clear pending %s/%s: %w", collection, id, err)
	}
	return nil
}

// GetSetting reads one durable setting.
func (s *Store) GetSetting(key string) (string, bool, error) {
	var setting Setting
	err := s.db.Where("key = ?", key).Take(&setting).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("mirror setting %s: %w", key, err)
	}
	return setting.Value, true, nil
}

// PutSetting writes one durable setting.
func (s *Store) PutSetting(key, value string) error {
	setting := Setting{Key: key, Value: value}
	if err := s.db.Save(&setting).Error; err != nil {
		return fmt.Errorf("mirror setting %s: %w", key, err)
	}
	return nil
}

// DeleteSetting removes one durable setting.
func (s *Store) DeleteSetting(key string) error {
	if err := s.db.Where("key = ?", key).Delete(&Setting{}).Error; err != nil {
		return fmt.Errorf("mirror setting %s: %w", key, err)
	}
	return nil
}

func documentToRow(collection string, doc document.Document, clock func() time.Time) (MirroredDocument, error) {
	payload, err := json.Marshal(doc.Fields)
	if err != nil {
		return MirroredDocument{}, fmt.Errorf("mirror encode %s/%s: %w", collection, doc.ID, err)
	}
	updatedAt := doc.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = clock()
	}
	return MirroredDocument{
		Collection:       collection,
		DocumentID:       doc.ID,
		TenantID:         doc.TenantID,
		UserID:           doc.UserID,
		IsDeleted:        doc.Deleted,
		UpdatedAtSeconds: updatedAt.Unix(),
		PayloadJSON:      string(payload),
	}, nil
}

func rowToDocument(row MirroredDocument) (document.Document, error) {
	fields := make(map[string]any)
	if row.PayloadJSON != "" {
		if err := json.Unmarshal([]byte(row.PayloadJSON), &fields); err != nil {
			return document.Document{}, fmt.Errorf("mirror decode %s/%s: %w", row.Collection, row.DocumentID, err)
		}
	}
	return document.Document{
		ID:        row.DocumentID,
		TenantID:  row.TenantID,
		UserID:    row.UserID,
		Deleted:   row.IsDeleted,
		UpdatedAt: time.Unix(row.UpdatedAtSeconds, 0).UTC(),
		Fields:    fields,
	}, nil
}
