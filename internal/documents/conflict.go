package documents

import (
	"encoding/json"
	"time"
)

// writeOutcome captures the decision from resolveWrite.
type writeOutcome struct {
	Accepted    bool
	Updated     DocumentRecord
	AuditRecord *AuditLogRecord
	Changes     []FieldChange
}

// resolveWrite applies the compare-and-swap rule to a stored document.
// It never touches storage; the caller persists the outcome conditionally on the expected version.
func resolveWrite(stored DocumentRecord, request WriteRequest, appliedAt time.Time) (writeOutcome, error) {
	if stored.Version != request.ExpectedVersion.Int64() {
		return writeOutcome{Accepted: false, Updated: stored}, nil
	}

	before, err := decodeFields(stored.FieldsJSON)
	if err != nil {
		return writeOutcome{}, err
	}
	after := before.Clone()
	for name, value := range request.Fields {
		after[name] = append(json.RawMessage(nil), value...)
	}

	changes, err := DiffFields(before, after)
	if err != nil {
		return writeOutcome{}, err
	}
	encoded, err := encodeFields(after)
	if err != nil {
		return writeOutcome{}, err
	}
	encodedChanges, err := json.Marshal(changes)
	if err != nil {
		return writeOutcome{}, err
	}

	updated := stored
	updated.FieldsJSON = encoded
	updated.Version = stored.Version + 1
	updated.LastEditedBy = request.Actor.String()
	// Edit times never move backwards; history order follows the version order.
	updated.UpdatedAtSeconds = appliedAt.Unix()
	if updated.UpdatedAtSeconds < stored.UpdatedAtSeconds {
		updated.UpdatedAtSeconds = stored.UpdatedAtSeconds
	}
	if request.Delete {
		updated.IsDeleted = true
	}

	changeType := ClassifyChange(changes, request.Delete)
	audit := &AuditLogRecord{
		DocumentID:       stored.DocumentID,
		ChangeType:       changeType,
		FieldChangesJSON: string(encodedChanges),
		EditedBy:         request.Actor.String(),
		EditedAtSeconds:  updated.UpdatedAtSeconds,
		Version:          updated.Version,
		Summary:          Summarize(changeType, changes),
	}

	return writeOutcome{
		Accepted:    true,
		Updated:     updated,
		AuditRecord: audit,
		Changes:     changes,
	}, nil
}

// rewindFields walks newer entries (newest first) backwards from current to rebuild an older snapshot.
func rewindFields(current Fields, newerEntries []AuditLogEntry) Fields {
	snapshot := current.Clone()
	for _, entry := range newerEntries {
		snapshot = revertFieldChanges(snapshot, entry.FieldChanges)
	}
	return snapshot
}

// buildConflictDetails diffs the editor's base snapshot against the current stored document.
func buildConflictDetails(current Document, base Fields, yourVersion Version, latest *AuditLogEntry) (ConflictDetails, error) {
	changes := []FieldChange{}
	if yourVersion.Int64() < current.Version {
		diffed, err := DiffFields(base, current.Fields)
		if err != nil {
			return ConflictDetails{}, err
		}
		changes = diffed
	}

	details := ConflictDetails{
		CurrentVersion: current.Version,
		YourVersion:    yourVersion.Int64(),
		LastEditedBy:   current.LastEditedBy,
		LastEditedAt:   current.UpdatedAt,
		FieldChanges:   changes,
	}
	if latest != nil && latest.Version == current.Version {
		details.LastEditedBy = latest.EditedBy
		details.LastEditedByName = latest.EditedByName
		details.LastEditedByEmail = latest.EditedByEmail
		details.LastEditedAt = latest.EditedAt
	}
	return details, nil
}
