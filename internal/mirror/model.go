package mirror

// MirroredDocument is one locally mirrored document row. The payload carries
// only caller fields; reserved metadata lives in dedicated columns so tenant
// filtering stays queryable.
type MirroredDocument struct {
	Collection       string `gorm:"column:collection;primaryKey;size:190;not null;index:idx_mirror_tenant,priority:1"`
	DocumentID       string `gorm:"column:document_id;primaryKey;size:190;not null"`
	TenantID         string `gorm:"column:tenant_id;size:190;not null;index:idx_mirror_tenant,priority:2"`
	UserID           string `gorm:"column:user_id;size:190;not null;default:''"`
	IsDeleted        bool   `gorm:"column:is_deleted;not null;default:false"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;default:0"`
	PayloadJSON      string `gorm:"column:payload_json;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (MirroredDocument) TableName() string {
	return "mirror_documents"
}

// PendingSyncRecord flags a document awaiting an eventual remote write. The
// list is informational; draining it belongs to an external process.
type PendingSyncRecord struct {
	Collection      string `gorm:"column:collection;primaryKey;size:190;not null"`
	DocumentID      string `gorm:"column:document_id;primaryKey;size:190;not null"`
	MarkedAtSeconds int64  `gorm:"column:marked_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (PendingSyncRecord) TableName() string {
	return "mirror_pending_sync"
}

// Setting is one durable key/value pair surviving process restarts (cached
// tenant id, provisioning marker).
type Setting struct {
	Key   string `gorm:"column:key;primaryKey;size:190;not null"`
	Value string `gorm:"column:value;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Setting) TableName() string {
	return "mirror_settings"
}
