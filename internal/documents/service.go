package documents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrDocumentNotFound indicates the document id is unknown to the store.
	ErrDocumentNotFound = errors.New("documents: document not found")
	// ErrDocumentExists indicates a create request reused an existing document id.
	ErrDocumentExists = errors.New("documents: document already exists")
	// ErrDocumentDeleted indicates a write targeted a document whose deletion was already recorded.
	ErrDocumentDeleted = errors.New("documents: document deleted")
	// ErrStorageUnavailable wraps transient persistence failures; the whole write is safe to retry.
	ErrStorageUnavailable = errors.New("documents: storage unavailable")
	// ErrMalformedAuditEntry indicates a stored audit entry could not be decoded.
	ErrMalformedAuditEntry = errors.New("documents: malformed audit entry")
	// ErrInvalidCursor indicates a history cursor that does not name an entry of the document.
	ErrInvalidCursor = errors.New("documents: invalid history cursor")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew   = "documents.service.new"
	opCreate       = "documents.create"
	opGet          = "documents.get"
	opWrite        = "documents.write"
	opReadHistory  = "documents.read_history"
	columnDocument = "document_id"
	queryDocument  = columnDocument + " = ?"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

func storageError(cause error) error {
	return fmt.Errorf("%w: %w", ErrStorageUnavailable, cause)
}

// IDProvider issues unique identifiers for documents and audit entries.
type IDProvider interface {
	NewID() (string, error)
}

// IdentityResolver maps an actor id to optional display attributes.
type IdentityResolver interface {
	ResolveActor(ctx context.Context, actorID string) (name string, email string, err error)
}

type ServiceConfig struct {
	Database            *gorm.DB
	Clock               func() time.Time
	IDProvider          IDProvider
	Identities          IdentityResolver
	Logger              *zap.Logger
	DefaultHistoryLimit int
	MaxHistoryLimit     int
}

// Service is the versioned document store. Every accepted write appends exactly one audit entry
// in the same transaction as the version increment.
type Service struct {
	db                  *gorm.DB
	clock               func() time.Time
	idProvider          IDProvider
	identities          IdentityResolver
	logger              *zap.Logger
	defaultHistoryLimit int
	maxHistoryLimit     int
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	maxLimit := cfg.MaxHistoryLimit
	if maxLimit <= 0 {
		maxLimit = maxHistoryLimit
	}
	defaultLimit := cfg.DefaultHistoryLimit
	if defaultLimit <= 0 {
		defaultLimit = defaultHistoryLimit
	}
	if defaultLimit > maxLimit {
		defaultLimit = maxLimit
	}

	return &Service{
		db:                  cfg.Database,
		clock:               clock,
		idProvider:          cfg.IDProvider,
		identities:          cfg.Identities,
		logger:              logger,
		defaultHistoryLimit: defaultLimit,
		maxHistoryLimit:     maxLimit,
	}, nil
}

// CreateRequest describes a new document. An empty DocumentID asks the service to allocate one.
type CreateRequest struct {
	DocumentID DocumentID
	Actor      ActorID
	Fields     Fields
}

// Create stores a document at version 1 and records its creation in the audit log.
func (s *Service) Create(ctx context.Context, request CreateRequest) (WriteResult, error) {
	if s.db == nil {
		s.logError(opCreate, "missing_database", errMissingDatabase)
		return WriteResult{}, newServiceError(opCreate, "missing_database", errMissingDatabase)
	}
	if request.Actor == "" {
		return WriteResult{}, newServiceError(opCreate, "invalid_actor", ErrInvalidActorID)
	}
	if err := request.Fields.Validate(); err != nil {
		return WriteResult{}, newServiceError(opCreate, "invalid_fields", err)
	}

	documentID := request.DocumentID
	if documentID == "" {
		rawID, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opCreate, "id_generation_failed", err)
			return WriteResult{}, newServiceError(opCreate, "id_generation_failed", err)
		}
		documentID = DocumentID(rawID)
	}

	fields := request.Fields.Clone()
	changes, err := DiffFields(Fields{}, fields)
	if err != nil {
		return WriteResult{}, newServiceError(opCreate, "invalid_fields", err)
	}
	encodedFields, err := encodeFields(fields)
	if err != nil {
		return WriteResult{}, newServiceError(opCreate, "invalid_fields", err)
	}
	encodedChanges, err := json.Marshal(changes)
	if err != nil {
		return WriteResult{}, newServiceError(opCreate, "invalid_fields", err)
	}

	name, email := s.resolveIdentity(ctx, request.Actor)
	createdAt := s.clock().UTC().Unix()
	record := DocumentRecord{
		DocumentID:       documentID.String(),
		Version:          1,
		FieldsJSON:       encodedFields,
		CreatedAtSeconds: createdAt,
		UpdatedAtSeconds: createdAt,
		LastEditedBy:     request.Actor.String(),
	}
	audit := AuditLogRecord{
		DocumentID:       documentID.String(),
		ChangeType:       ChangeTypeCreate,
		FieldChangesJSON: string(encodedChanges),
		EditedBy:         request.Actor.String(),
		EditedByName:     name,
		EditedByEmail:    email,
		EditedAtSeconds:  createdAt,
		Version:          1,
		Summary:          Summarize(ChangeTypeCreate, changes),
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing DocumentRecord
		err := tx.Where(queryDocument, documentID.String()).Take(&existing).Error
		if err == nil {
			return newServiceError(opCreate, "document_exists", ErrDocumentExists)
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logError(opCreate, "document_select_failed", err, zap.String("document_id", documentID.String()))
			return newServiceError(opCreate, "document_select_failed", storageError(err))
		}
		if err := tx.Create(&record).Error; err != nil {
			s.logError(opCreate, "document_insert_failed", err, zap.String("document_id", documentID.String()))
			return newServiceError(opCreate, "document_insert_failed", storageError(err))
		}
		changeID, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opCreate, "id_generation_failed", err, zap.String("document_id", documentID.String()))
			return newServiceError(opCreate, "id_generation_failed", err)
		}
		audit.ChangeID = changeID
		if err := tx.Create(&audit).Error; err != nil {
			s.logError(opCreate, "audit_insert_failed", err, zap.String("document_id", documentID.String()))
			return newServiceError(opCreate, "audit_insert_failed", storageError(err))
		}
		return nil
	})
	if txErr != nil {
		return WriteResult{}, asServiceError(opCreate, txErr)
	}

	document, err := documentFromRecord(record)
	if err != nil {
		return WriteResult{}, newServiceError(opCreate, "document_decode_failed", err)
	}
	entry, err := entryFromRecord(audit)
	if err != nil {
		return WriteResult{}, newServiceError(opCreate, "audit_decode_failed", err)
	}
	return WriteResult{Accepted: true, Document: document, Entry: &entry}, nil
}

// Get returns the current state of a document.
func (s *Service) Get(ctx context.Context, documentID DocumentID) (Document, error) {
	if s.db == nil {
		s.logError(opGet, "missing_database", errMissingDatabase)
		return Document{}, newServiceError(opGet, "missing_database", errMissingDatabase)
	}
	record, err := s.loadDocument(s.db.WithContext(ctx), opGet, documentID)
	if err != nil {
		return Document{}, err
	}
	document, err := documentFromRecord(record)
	if err != nil {
		s.logError(opGet, "document_decode_failed", err, zap.String("document_id", documentID.String()))
		return Document{}, newServiceError(opGet, "document_decode_failed", err)
	}
	return document, nil
}

// Write performs the compare-and-swap write. A version mismatch is not an error: the result
// carries ConflictDetails computed against the editor's base snapshot and no state changes.
func (s *Service) Write(ctx context.Context, request WriteRequest) (WriteResult, error) {
	if s.db == nil {
		s.logError(opWrite, "missing_database", errMissingDatabase)
		return WriteResult{}, newServiceError(opWrite, "missing_database", errMissingDatabase)
	}
	if err := validateWriteRequest(request); err != nil {
		return WriteResult{}, newServiceError(opWrite, "invalid_request", err)
	}

	name, email := s.resolveIdentity(ctx, request.Actor)
	appliedAt := s.clock().UTC()
	logFields := []zap.Field{
		zap.String("document_id", request.DocumentID.String()),
		zap.String("actor_id", request.Actor.String()),
		zap.Int64("expected_version", request.ExpectedVersion.Int64()),
	}

	var result WriteResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		stored, err := s.loadDocument(tx, opWrite, request.DocumentID)
		if err != nil {
			return err
		}
		if stored.IsDeleted {
			return newServiceError(opWrite, "document_deleted", ErrDocumentDeleted)
		}

		outcome, err := resolveWrite(stored, request, appliedAt)
		if err != nil {
			s.logError(opWrite, "resolve_write_failed", err, logFields...)
			return newServiceError(opWrite, "resolve_write_failed", err)
		}
		if !outcome.Accepted {
			result, err = s.detectConflict(tx, stored, request)
			return err
		}

		update := tx.Model(&DocumentRecord{}).
			Where(queryDocument+" AND version = ?", stored.DocumentID, stored.Version).
			Updates(map[string]any{
				"fields_json":    outcome.Updated.FieldsJSON,
				"version":        outcome.Updated.Version,
				"is_deleted":     outcome.Updated.IsDeleted,
				"updated_at_s":   outcome.Updated.UpdatedAtSeconds,
				"last_edited_by": outcome.Updated.LastEditedBy,
			})
		if update.Error != nil {
			s.logError(opWrite, "document_update_failed", update.Error, logFields...)
			return newServiceError(opWrite, "document_update_failed", storageError(update.Error))
		}
		if update.RowsAffected == 0 {
			current, err := s.loadDocument(tx, opWrite, request.DocumentID)
			if err != nil {
				return err
			}
			result, err = s.detectConflict(tx, current, request)
			return err
		}

		changeID, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opWrite, "id_generation_failed", err, logFields...)
			return newServiceError(opWrite, "id_generation_failed", err)
		}
		outcome.AuditRecord.ChangeID = changeID
		outcome.AuditRecord.EditedByName = name
		outcome.AuditRecord.EditedByEmail = email
		if err := tx.Create(outcome.AuditRecord).Error; err != nil {
			s.logError(opWrite, "audit_insert_failed", err, logFields...)
			return newServiceError(opWrite, "audit_insert_failed", storageError(err))
		}

		document, err := documentFromRecord(outcome.Updated)
		if err != nil {
			return newServiceError(opWrite, "document_decode_failed", err)
		}
		entry, err := entryFromRecord(*outcome.AuditRecord)
		if err != nil {
			return newServiceError(opWrite, "audit_decode_failed", err)
		}
		result = WriteResult{Accepted: true, Document: document, Entry: &entry}
		return nil
	})
	if txErr != nil {
		return WriteResult{}, asServiceError(opWrite, txErr)
	}

	if result.Conflict != nil {
		s.enrichConflict(ctx, result.Conflict)
	}
	if result.Accepted {
		s.loggerOrDefault().Debug("document write accepted",
			append(logFields, zap.Int64("version", result.Document.Version))...)
	} else {
		s.loggerOrDefault().Info("document write conflicted",
			append(logFields, zap.Int64("current_version", result.Document.Version))...)
	}
	return result, nil
}

func validateWriteRequest(request WriteRequest) error {
	if request.DocumentID == "" {
		return ErrInvalidDocumentID
	}
	if request.Actor == "" {
		return ErrInvalidActorID
	}
	if request.ExpectedVersion <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidVersion, request.ExpectedVersion)
	}
	if err := request.Fields.Validate(); err != nil {
		return err
	}
	if request.BaseFields != nil {
		if err := request.BaseFields.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) detectConflict(tx *gorm.DB, stored DocumentRecord, request WriteRequest) (WriteResult, error) {
	current, err := documentFromRecord(stored)
	if err != nil {
		s.logError(opWrite, "document_decode_failed", err, zap.String("document_id", stored.DocumentID))
		return WriteResult{}, newServiceError(opWrite, "document_decode_failed", err)
	}

	base := request.BaseFields
	if base == nil {
		base, err = s.rewindBase(tx, current, request.ExpectedVersion)
		if err != nil {
			return WriteResult{}, err
		}
	}

	latest, err := s.latestEntry(tx, current)
	if err != nil {
		return WriteResult{}, err
	}

	details, err := buildConflictDetails(current, base, request.ExpectedVersion, latest)
	if err != nil {
		s.logError(opWrite, "conflict_diff_failed", err, zap.String("document_id", stored.DocumentID))
		return WriteResult{}, newServiceError(opWrite, "conflict_diff_failed", err)
	}
	return WriteResult{Accepted: false, Document: current, Conflict: &details}, nil
}

// rewindBase rebuilds the snapshot at version from the audit entries written after it.
// Malformed entries stop the rewind and the current fields are used instead.
func (s *Service) rewindBase(tx *gorm.DB, current Document, version Version) (Fields, error) {
	if version.Int64() >= current.Version {
		return current.Fields, nil
	}
	var records []AuditLogRecord
	if err := tx.Where(queryDocument+" AND version > ?", current.ID, version.Int64()).
		Order("version DESC").
		Find(&records).Error; err != nil {
		s.logError(opWrite, "audit_query_failed", err, zap.String("document_id", current.ID))
		return nil, newServiceError(opWrite, "audit_query_failed", storageError(err))
	}

	entries := make([]AuditLogEntry, 0, len(records))
	for _, record := range records {
		entry, err := entryFromRecord(record)
		if err != nil {
			s.loggerOrDefault().Warn("skipping base snapshot rewind",
				zap.String("document_id", current.ID),
				zap.String("change_id", record.ChangeID),
				zap.Error(err))
			return current.Fields, nil
		}
		entries = append(entries, entry)
	}
	return rewindFields(current.Fields, entries), nil
}

func (s *Service) latestEntry(tx *gorm.DB, current Document) (*AuditLogEntry, error) {
	var record AuditLogRecord
	err := tx.Where(queryDocument+" AND version = ?", current.ID, current.Version).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logError(opWrite, "audit_query_failed", err, zap.String("document_id", current.ID))
		return nil, newServiceError(opWrite, "audit_query_failed", storageError(err))
	}
	entry, err := entryFromRecord(record)
	if err != nil {
		s.loggerOrDefault().Warn("latest audit entry unreadable",
			zap.String("document_id", current.ID),
			zap.String("change_id", record.ChangeID),
			zap.Error(err))
		return nil, nil
	}
	return &entry, nil
}

// HistoryQuery pages the audit log of one document. Cursor is the change id of the last entry
// already seen; the page continues with strictly older entries.
type HistoryQuery struct {
	DocumentID DocumentID
	Limit      int
	Cursor     string
}

// HistoryPage is one newest-first page of audit entries.
type HistoryPage struct {
	Entries    []AuditLogEntry
	NextCursor string
	Skipped    int
}

// ReadHistory returns at most Limit entries newest-first by edit time.
// Entries that fail to decode are skipped and counted rather than failing the page.
func (s *Service) ReadHistory(ctx context.Context, query HistoryQuery) (HistoryPage, error) {
	if s.db == nil {
		s.logError(opReadHistory, "missing_database", errMissingDatabase)
		return HistoryPage{}, newServiceError(opReadHistory, "missing_database", errMissingDatabase)
	}
	if query.DocumentID == "" {
		return HistoryPage{}, newServiceError(opReadHistory, "invalid_document_id", ErrInvalidDocumentID)
	}

	db := s.db.WithContext(ctx)
	if _, err := s.loadDocument(db, opReadHistory, query.DocumentID); err != nil {
		return HistoryPage{}, err
	}

	limit := s.clampLimit(query.Limit)
	statement := db.Where(queryDocument, query.DocumentID.String())
	if cursor := strings.TrimSpace(query.Cursor); cursor != "" {
		var anchor AuditLogRecord
		err := db.Where(queryDocument+" AND change_id = ?", query.DocumentID.String(), cursor).Take(&anchor).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return HistoryPage{}, newServiceError(opReadHistory, "invalid_cursor", ErrInvalidCursor)
		}
		if err != nil {
			s.logError(opReadHistory, "cursor_lookup_failed", err, zap.String("document_id", query.DocumentID.String()))
			return HistoryPage{}, newServiceError(opReadHistory, "cursor_lookup_failed", storageError(err))
		}
		statement = statement.Where("(edited_at_s < ? OR (edited_at_s = ? AND version < ?))",
			anchor.EditedAtSeconds, anchor.EditedAtSeconds, anchor.Version)
	}

	var records []AuditLogRecord
	if err := statement.
		Order("edited_at_s DESC").
		Order("version DESC").
		Limit(limit).
		Find(&records).Error; err != nil {
		s.logError(opReadHistory, "query_failed", err, zap.String("document_id", query.DocumentID.String()))
		return HistoryPage{}, newServiceError(opReadHistory, "query_failed", storageError(err))
	}

	page := HistoryPage{Entries: make([]AuditLogEntry, 0, len(records))}
	for _, record := range records {
		entry, err := entryFromRecord(record)
		if err != nil {
			page.Skipped++
			s.loggerOrDefault().Warn("skipping malformed audit entry",
				zap.String("operation", opReadHistory),
				zap.String("document_id", record.DocumentID),
				zap.String("change_id", record.ChangeID),
				zap.Error(err))
			continue
		}
		page.Entries = append(page.Entries, entry)
	}
	s.enrichEntries(ctx, page.Entries)
	if len(records) == limit {
		page.NextCursor = records[len(records)-1].ChangeID
	}
	return page, nil
}

type editorProfile struct {
	name  string
	email string
}

// enrichEntries fills in editor names and emails that were unknown when an entry was written.
// Stored rows are left untouched.
func (s *Service) enrichEntries(ctx context.Context, entries []AuditLogEntry) {
	if s.identities == nil {
		return
	}
	resolved := make(map[string]editorProfile)
	for index := range entries {
		entry := &entries[index]
		if entry.EditedByName != "" && entry.EditedByEmail != "" {
			continue
		}
		profile, ok := resolved[entry.EditedBy]
		if !ok {
			profile.name, profile.email = s.resolveIdentity(ctx, ActorID(entry.EditedBy))
			resolved[entry.EditedBy] = profile
		}
		if entry.EditedByName == "" {
			entry.EditedByName = profile.name
		}
		if entry.EditedByEmail == "" {
			entry.EditedByEmail = profile.email
		}
	}
}

// enrichConflict runs after the write transaction; identity lookups share the single connection.
func (s *Service) enrichConflict(ctx context.Context, details *ConflictDetails) {
	if s.identities == nil || details.LastEditedBy == "" {
		return
	}
	if details.LastEditedByName != "" && details.LastEditedByEmail != "" {
		return
	}
	name, email := s.resolveIdentity(ctx, ActorID(details.LastEditedBy))
	if details.LastEditedByName == "" {
		details.LastEditedByName = name
	}
	if details.LastEditedByEmail == "" {
		details.LastEditedByEmail = email
	}
}

func (s *Service) clampLimit(limit int) int {
	if limit <= 0 {
		return s.defaultHistoryLimit
	}
	if limit > s.maxHistoryLimit {
		return s.maxHistoryLimit
	}
	return limit
}

func (s *Service) loadDocument(db *gorm.DB, operation string, documentID DocumentID) (DocumentRecord, error) {
	var record DocumentRecord
	err := db.Where(queryDocument, documentID.String()).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return DocumentRecord{}, newServiceError(operation, "document_not_found", ErrDocumentNotFound)
	}
	if err != nil {
		s.logError(operation, "document_select_failed", err, zap.String("document_id", documentID.String()))
		return DocumentRecord{}, newServiceError(operation, "document_select_failed", storageError(err))
	}
	return record, nil
}

func (s *Service) resolveIdentity(ctx context.Context, actor ActorID) (string, string) {
	if s.identities == nil {
		return "", ""
	}
	name, email, err := s.identities.ResolveActor(ctx, actor.String())
	if err != nil {
		s.loggerOrDefault().Warn("identity resolution failed",
			zap.String("actor_id", actor.String()),
			zap.Error(err))
		return "", ""
	}
	return name, email
}

// asServiceError keeps service errors intact and classifies anything else (commit failures) as storage.
func asServiceError(operation string, err error) error {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return err
	}
	return newServiceError(operation, "transaction_failed", storageError(err))
}

// DisplayName picks what to show for an editor: name, then email, then the raw id.
func DisplayName(name, email, actorID string) string {
	if trimmed := strings.TrimSpace(name); trimmed != "" {
		return trimmed
	}
	if trimmed := strings.TrimSpace(email); trimmed != "" {
		return trimmed
	}
	return actorID
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("documents service error", attrs...)
}
