package documents

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ChangeType classifies an accepted write for the audit log.
type ChangeType string

const (
	ChangeTypeCreate        ChangeType = "create"
	ChangeTypeContent       ChangeType = "content"
	ChangeTypeTitle         ChangeType = "title"
	ChangeTypeAuthor        ChangeType = "author"
	ChangeTypeCollaborators ChangeType = "collaborators"
	ChangeTypeStatus        ChangeType = "status"
	ChangeTypeRelationships ChangeType = "relationships"
	ChangeTypeMetadata      ChangeType = "metadata"
	// ChangeTypeDelete is terminal and supersedes every other classification.
	ChangeTypeDelete ChangeType = "delete"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidDocumentID indicates that a document identifier is empty or exceeds storage bounds.
	ErrInvalidDocumentID = errors.New("documents: invalid document id")
	// ErrInvalidActorID indicates that an actor identifier is empty or exceeds storage bounds.
	ErrInvalidActorID = errors.New("documents: invalid actor id")
	// ErrInvalidVersion indicates that a document version is not positive.
	ErrInvalidVersion = errors.New("documents: invalid version")
	// ErrInvalidFields indicates that a field value is not a valid JSON document.
	ErrInvalidFields = errors.New("documents: invalid fields")
)

// DocumentID represents a validated document identifier.
type DocumentID string

// NewDocumentID validates raw input and returns a DocumentID.
func NewDocumentID(rawInput string) (DocumentID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDocumentID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocumentID, maxIdentifierLength)
	}
	return DocumentID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DocumentID) String() string {
	return string(id)
}

// ActorID represents a validated editor identifier.
type ActorID string

// NewActorID validates raw input and returns an ActorID.
func NewActorID(rawInput string) (ActorID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidActorID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidActorID, maxIdentifierLength)
	}
	return ActorID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ActorID) String() string {
	return string(id)
}

// Version is a validated document version. Versions start at 1.
type Version int64

// NewVersion validates the value and returns a Version.
func NewVersion(value int64) (Version, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidVersion, value)
	}
	return Version(value), nil
}

// Int64 exposes the raw version number.
func (v Version) Int64() int64 {
	return int64(v)
}

// Fields maps a field name to its JSON-encoded value.
type Fields map[string]json.RawMessage

// Clone returns a copy that shares no map with the receiver.
func (f Fields) Clone() Fields {
	cloned := make(Fields, len(f))
	for name, value := range f {
		cloned[name] = append(json.RawMessage(nil), value...)
	}
	return cloned
}

// Validate reports whether every field carries a well-formed JSON value.
func (f Fields) Validate() error {
	for name, value := range f {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("%w: empty field name", ErrInvalidFields)
		}
		if len(value) == 0 || !json.Valid(value) {
			return fmt.Errorf("%w: field %q is not valid json", ErrInvalidFields, name)
		}
	}
	return nil
}

func decodeFields(raw string) (Fields, error) {
	fields := Fields{}
	if strings.TrimSpace(raw) == "" {
		return fields, nil
	}
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFields, err)
	}
	return fields, nil
}

func encodeFields(fields Fields) (string, error) {
	if fields == nil {
		fields = Fields{}
	}
	encoded, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidFields, err)
	}
	return string(encoded), nil
}

// FieldChange records a single field whose value differs between two snapshots.
// A nil OldValue means the field did not exist before; a nil NewValue means it does not exist after.
type FieldChange struct {
	Field    string          `json:"field"`
	OldValue json.RawMessage `json:"old_value,omitempty"`
	NewValue json.RawMessage `json:"new_value,omitempty"`
}

// DocumentRecord is the persisted document row carrying the compare-and-swap version.
type DocumentRecord struct {
	DocumentID       string `gorm:"column:document_id;primaryKey;size:190;not null"`
	Version          int64  `gorm:"column:version;not null;default:1"`
	FieldsJSON       string `gorm:"column:fields_json;type:text;not null"`
	IsDeleted        bool   `gorm:"column:is_deleted;not null;default:false"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
	LastEditedBy     string `gorm:"column:last_edited_by;size:190;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (DocumentRecord) TableName() string {
	return "documents"
}

// AuditLogRecord is the append-only audit row written alongside every accepted write.
type AuditLogRecord struct {
	ChangeID         string     `gorm:"column:change_id;primaryKey;size:190;not null"`
	DocumentID       string     `gorm:"column:document_id;size:190;not null;index:idx_audit_document_history,priority:1;uniqueIndex:idx_audit_document_version,priority:1"`
	ChangeType       ChangeType `gorm:"column:change_type;size:64;not null"`
	FieldChangesJSON string     `gorm:"column:field_changes_json;type:text;not null"`
	EditedBy         string     `gorm:"column:edited_by;size:190;not null"`
	EditedByName     string     `gorm:"column:edited_by_name;size:320;not null;default:''"`
	EditedByEmail    string     `gorm:"column:edited_by_email;size:320;not null;default:''"`
	EditedAtSeconds  int64      `gorm:"column:edited_at_s;not null;index:idx_audit_document_history,priority:2"`
	Version          int64      `gorm:"column:version;not null;index:idx_audit_document_history,priority:3;uniqueIndex:idx_audit_document_version,priority:2"`
	Summary          string     `gorm:"column:summary;type:text;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (AuditLogRecord) TableName() string {
	return "audit_log_entries"
}

// Document is the decoded view of a stored document.
type Document struct {
	ID           string    `json:"id"`
	Version      int64     `json:"version"`
	Fields       Fields    `json:"fields"`
	IsDeleted    bool      `json:"is_deleted"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	LastEditedBy string    `json:"last_edited_by"`
}

func documentFromRecord(record DocumentRecord) (Document, error) {
	fields, err := decodeFields(record.FieldsJSON)
	if err != nil {
		return Document{}, err
	}
	return Document{
		ID:           record.DocumentID,
		Version:      record.Version,
		Fields:       fields,
		IsDeleted:    record.IsDeleted,
		CreatedAt:    time.Unix(record.CreatedAtSeconds, 0).UTC(),
		UpdatedAt:    time.Unix(record.UpdatedAtSeconds, 0).UTC(),
		LastEditedBy: record.LastEditedBy,
	}, nil
}

// AuditLogEntry is the decoded, immutable view of one accepted write.
type AuditLogEntry struct {
	ChangeID      string        `json:"change_id"`
	DocumentID    string        `json:"document_id"`
	ChangeType    ChangeType    `json:"change_type"`
	FieldChanges  []FieldChange `json:"field_changes"`
	EditedBy      string        `json:"edited_by"`
	EditedByName  string        `json:"edited_by_name,omitempty"`
	EditedByEmail string        `json:"edited_by_email,omitempty"`
	EditedAt      time.Time     `json:"edited_at"`
	Version       int64         `json:"version"`
	Summary       string        `json:"summary"`
}

func entryFromRecord(record AuditLogRecord) (AuditLogEntry, error) {
	changes := []FieldChange{}
	if err := json.Unmarshal([]byte(record.FieldChangesJSON), &changes); err != nil {
		return AuditLogEntry{}, fmt.Errorf("%w: change %s: %v", ErrMalformedAuditEntry, record.ChangeID, err)
	}
	if changes == nil {
		changes = []FieldChange{}
	}
	return AuditLogEntry{
		ChangeID:      record.ChangeID,
		DocumentID:    record.DocumentID,
		ChangeType:    record.ChangeType,
		FieldChanges:  changes,
		EditedBy:      record.EditedBy,
		EditedByName:  record.EditedByName,
		EditedByEmail: record.EditedByEmail,
		EditedAt:      time.Unix(record.EditedAtSeconds, 0).UTC(),
		Version:       record.Version,
		Summary:       record.Summary,
	}, nil
}

// WriteRequest describes a compare-and-swap write issued by an editor.
type WriteRequest struct {
	DocumentID      DocumentID
	Actor           ActorID
	ExpectedVersion Version
	// Fields is a partial update; only changed keys need be present.
	Fields Fields
	// BaseFields is the snapshot the editor started from. When nil it is rebuilt from the audit log.
	BaseFields Fields
	Delete     bool
}

// ConflictDetails explains why a write was rejected.
type ConflictDetails struct {
	CurrentVersion    int64         `json:"current_version"`
	YourVersion       int64         `json:"your_version"`
	LastEditedBy      string        `json:"last_edited_by"`
	LastEditedByName  string        `json:"last_edited_by_name,omitempty"`
	LastEditedByEmail string        `json:"last_edited_by_email,omitempty"`
	LastEditedAt      time.Time     `json:"last_edited_at"`
	FieldChanges      []FieldChange `json:"field_changes"`
}

// WriteResult is either accepted (Entry set) or conflicted (Conflict set).
// Document always carries the authoritative stored state after the call.
type WriteResult struct {
	Accepted bool
	Document Document
	Entry    *AuditLogEntry
	Conflict *ConflictDetails
}

// Version returns the document version after the call.
func (r WriteResult) Version() int64 {
	return r.Document.Version
}
