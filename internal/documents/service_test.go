package documents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

var testEpoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func TestResolveWriteAcceptsMatchingVersion(t *testing.T) {
	stored := DocumentRecord{
		DocumentID:       "doc-1",
		Version:          2,
		FieldsJSON:       `{"content":"one two","title":"Pilot"}`,
		CreatedAtSeconds: 1700000000,
		UpdatedAtSeconds: 1700000100,
		LastEditedBy:     "user-a",
	}
	request := WriteRequest{
		DocumentID:      mustDocumentID(t, "doc-1"),
		Actor:           mustActorID(t, "user-b"),
		ExpectedVersion: mustVersion(t, 2),
		Fields:          Fields{"content": jsonValue(t, "one two three"), "title": jsonValue(t, "Pilot")},
	}

	outcome, err := resolveWrite(stored, request, time.Unix(1700000200, 0).UTC())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.Accepted {
		t.Fatalf("expected write to be accepted")
	}
	if outcome.Updated.Version != 3 {
		t.Fatalf("expected version 3, got %d", outcome.Updated.Version)
	}
	if outcome.Updated.LastEditedBy != "user-b" {
		t.Fatalf("expected last editor to update")
	}
	if outcome.AuditRecord == nil {
		t.Fatalf("expected audit record")
	}
	if outcome.AuditRecord.ChangeType != ChangeTypeContent {
		t.Fatalf("unexpected change type %s", outcome.AuditRecord.ChangeType)
	}
	if outcome.AuditRecord.Summary != "1 word added" {
		t.Fatalf("unexpected summary %q", outcome.AuditRecord.Summary)
	}
	if outcome.AuditRecord.Version != 3 {
		t.Fatalf("audit version should match new document version")
	}
	if len(outcome.Changes) != 1 || outcome.Changes[0].Field != "content" {
		t.Fatalf("expected only content to be recorded, got %#v", outcome.Changes)
	}
}

func TestResolveWriteRejectsStaleVersion(t *testing.T) {
	stored := DocumentRecord{DocumentID: "doc-1", Version: 6, FieldsJSON: `{"content":"stored"}`}
	request := WriteRequest{
		DocumentID:      mustDocumentID(t, "doc-1"),
		Actor:           mustActorID(t, "user-b"),
		ExpectedVersion: mustVersion(t, 5),
		Fields:          Fields{"content": jsonValue(t, "incoming")},
	}

	outcome, err := resolveWrite(stored, request, time.Unix(1700000200, 0).UTC())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Accepted {
		t.Fatalf("expected write to be rejected")
	}
	if outcome.Updated.Version != 6 || outcome.Updated.FieldsJSON != `{"content":"stored"}` {
		t.Fatalf("stored document should remain unchanged on rejection")
	}
	if outcome.AuditRecord != nil {
		t.Fatalf("audit record should be nil when rejecting write")
	}
}

func TestCreateRecordsVersionOne(t *testing.T) {
	clock := newSteppingClock(testEpoch, time.Minute)
	service, _ := newTestService(t, clock.Now)

	result, err := service.Create(context.Background(), CreateRequest{
		DocumentID: mustDocumentID(t, "script-1"),
		Actor:      mustActorID(t, "user-x"),
		Fields:     Fields{"title": jsonValue(t, "Pilot"), "content": jsonValue(t, "FADE IN:")},
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if result.Document.Version != 1 {
		t.Fatalf("expected version 1, got %d", result.Document.Version)
	}
	if result.Entry == nil || result.Entry.ChangeType != ChangeTypeCreate {
		t.Fatalf("expected create audit entry, got %#v", result.Entry)
	}
	if result.Entry.EditedByName != "Xavier" || result.Entry.EditedByEmail != "x@example.com" {
		t.Fatalf("expected identity enrichment, got %q %q", result.Entry.EditedByName, result.Entry.EditedByEmail)
	}
	if len(result.Entry.FieldChanges) != 2 {
		t.Fatalf("expected both fields recorded, got %d", len(result.Entry.FieldChanges))
	}

	_, err = service.Create(context.Background(), CreateRequest{
		DocumentID: mustDocumentID(t, "script-1"),
		Actor:      mustActorID(t, "user-x"),
	})
	if !errors.Is(err, ErrDocumentExists) {
		t.Fatalf("expected duplicate create to fail with ErrDocumentExists, got %v", err)
	}
}

func TestCreateAllocatesDocumentID(t *testing.T) {
	service, _ := newTestService(t, newSteppingClock(testEpoch, time.Second).Now)
	result, err := service.Create(context.Background(), CreateRequest{Actor: mustActorID(t, "user-x")})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if result.Document.ID == "" {
		t.Fatalf("expected generated document id")
	}
	if len(result.Document.Fields) != 0 {
		t.Fatalf("expected empty fields, got %v", result.Document.Fields)
	}
}

func TestWriteAcceptedIncrementsVersionAndAppendsAudit(t *testing.T) {
	clock := newSteppingClock(testEpoch, time.Minute)
	service, db := newTestService(t, clock.Now)
	mustCreate(t, service, "script-1", "user-x", Fields{"content": jsonValue(t, "A")})

	result := mustWrite(t, service, WriteRequest{
		DocumentID:      mustDocumentID(t, "script-1"),
		Actor:           mustActorID(t, "user-y"),
		ExpectedVersion: mustVersion(t, 1),
		Fields:          Fields{"title": jsonValue(t, "Pilot")},
	})
	if !result.Accepted {
		t.Fatalf("expected accepted write")
	}
	if result.Version() != 2 {
		t.Fatalf("expected version 2, got %d", result.Version())
	}
	if stringField(t, result.Document.Fields, "content") != "A" {
		t.Fatalf("partial write must keep untouched fields")
	}
	if result.Entry.ChangeType != ChangeTypeTitle || result.Entry.Summary != "Title changed" {
		t.Fatalf("unexpected entry %#v", result.Entry)
	}
	if result.Entry.EditedByName != "" || result.Entry.EditedByEmail != "y@example.com" {
		t.Fatalf("unexpected identity enrichment %#v", result.Entry)
	}

	var count int64
	if err := db.Model(&AuditLogRecord{}).Where("document_id = ?", "script-1").Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 audit entries, got %d", count)
	}

	stored, err := service.Get(context.Background(), mustDocumentID(t, "script-1"))
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.Version != 2 || stored.LastEditedBy != "user-y" {
		t.Fatalf("unexpected stored document %#v", stored)
	}
}

func TestWriteNoOpIsMetadataTouch(t *testing.T) {
	service, _ := newTestService(t, newSteppingClock(testEpoch, time.Minute).Now)
	mustCreate(t, service, "script-1", "user-x", Fields{"content": jsonValue(t, "A")})

	result := mustWrite(t, service, WriteRequest{
		DocumentID:      mustDocumentID(t, "script-1"),
		Actor:           mustActorID(t, "user-x"),
		ExpectedVersion: mustVersion(t, 1),
		Fields:          Fields{"content": jsonValue(t, "A")},
	})
	if result.Version() != 2 {
		t.Fatalf("expected touch to still bump version, got %d", result.Version())
	}
	if result.Entry.ChangeType != ChangeTypeMetadata || len(result.Entry.FieldChanges) != 0 {
		t.Fatalf("expected empty metadata entry, got %#v", result.Entry)
	}
}

func TestWriteConflictReportsChangesSinceBase(t *testing.T) {
	clock := newSteppingClock(testEpoch, time.Minute)
	service, _ := newTestService(t, clock.Now)
	documentID := mustDocumentID(t, "script-1")
	mustCreate(t, service, "script-1", "user-x", Fields{"content": jsonValue(t, "")})
	mustWrite(t, service, WriteRequest{DocumentID: documentID, Actor: mustActorID(t, "user-x"), ExpectedVersion: 1, Fields: Fields{"title": jsonValue(t, "Pilot")}})
	mustWrite(t, service, WriteRequest{DocumentID: documentID, Actor: mustActorID(t, "user-x"), ExpectedVersion: 2, Fields: Fields{"content": jsonValue(t, "A")}})

	accepted := mustWrite(t, service, WriteRequest{
		DocumentID:      documentID,
		Actor:           mustActorID(t, "user-y"),
		ExpectedVersion: 3,
		Fields:          Fields{"content": jsonValue(t, "AC")},
	})
	if !accepted.Accepted || accepted.Version() != 4 {
		t.Fatalf("expected Y to be accepted at version 4, got %#v", accepted)
	}

	conflicted := mustWrite(t, service, WriteRequest{
		DocumentID:      documentID,
		Actor:           mustActorID(t, "user-x"),
		ExpectedVersion: 3,
		Fields:          Fields{"content": jsonValue(t, "AB")},
	})
	if conflicted.Accepted {
		t.Fatalf("expected stale write to conflict")
	}
	details := conflicted.Conflict
	if details == nil {
		t.Fatalf("expected conflict details")
	}
	if details.CurrentVersion != 4 || details.YourVersion != 3 {
		t.Fatalf("unexpected versions %d/%d", details.CurrentVersion, details.YourVersion)
	}
	if details.LastEditedBy != "user-y" || details.LastEditedByEmail != "y@example.com" {
		t.Fatalf("unexpected last editor %#v", details)
	}
	if !details.LastEditedAt.Equal(accepted.Entry.EditedAt) {
		t.Fatalf("expected last edit time %v, got %v", accepted.Entry.EditedAt, details.LastEditedAt)
	}
	if len(details.FieldChanges) != 1 {
		t.Fatalf("expected single field change, got %#v", details.FieldChanges)
	}
	change := details.FieldChanges[0]
	if change.Field != "content" || string(change.OldValue) != `"A"` || string(change.NewValue) != `"AC"` {
		t.Fatalf("unexpected conflict change %s: %s -> %s", change.Field, change.OldValue, change.NewValue)
	}
	if conflicted.Version() != 4 || stringField(t, conflicted.Document.Fields, "content") != "AC" {
		t.Fatalf("conflict must not mutate the document")
	}

	resolved := mustWrite(t, service, WriteRequest{
		DocumentID:      documentID,
		Actor:           mustActorID(t, "user-x"),
		ExpectedVersion: mustVersion(t, details.CurrentVersion),
		Fields:          Fields{"content": jsonValue(t, "AB")},
	})
	if !resolved.Accepted || resolved.Version() != 5 {
		t.Fatalf("expected overwrite to be accepted at version 5, got %#v", resolved)
	}

	stale := mustWrite(t, service, WriteRequest{
		DocumentID:      documentID,
		Actor:           mustActorID(t, "user-x"),
		ExpectedVersion: 3,
		Fields:          Fields{"content": jsonValue(t, "AB")},
	})
	if stale.Accepted {
		t.Fatalf("stale expected version must be rejected")
	}
}

func TestWriteConflictUsesSuppliedBaseFields(t *testing.T) {
	service, _ := newTestService(t, newSteppingClock(testEpoch, time.Minute).Now)
	documentID := mustDocumentID(t, "script-1")
	mustCreate(t, service, "script-1", "user-x", Fields{"content": jsonValue(t, "A"), "status": jsonValue(t, "draft")})
	mustWrite(t, service, WriteRequest{DocumentID: documentID, Actor: mustActorID(t, "user-y"), ExpectedVersion: 1, Fields: Fields{"status": jsonValue(t, "final")}})

	result := mustWrite(t, service, WriteRequest{
		DocumentID:      documentID,
		Actor:           mustActorID(t, "user-x"),
		ExpectedVersion: 1,
		Fields:          Fields{"content": jsonValue(t, "AB")},
		BaseFields:      Fields{"content": jsonValue(t, "A"), "status": jsonValue(t, "review")},
	})
	if result.Accepted {
		t.Fatalf("expected conflict")
	}
	if len(result.Conflict.FieldChanges) != 1 || string(result.Conflict.FieldChanges[0].OldValue) != `"review"` {
		t.Fatalf("expected diff against supplied base, got %#v", result.Conflict.FieldChanges)
	}
}

func TestWriteConcurrentSameVersionAcceptsExactlyOne(t *testing.T) {
	service, _ := newTestService(t, newSteppingClock(testEpoch, time.Second).Now)
	documentID := mustDocumentID(t, "script-1")
	mustCreate(t, service, "script-1", "user-x", Fields{"content": jsonValue(t, "A")})

	for round := int64(1); round <= 5; round++ {
		results := make([]WriteResult, 2)
		var group errgroup.Group
		for index, actor := range []string{"user-x", "user-y"} {
			group.Go(func() error {
				result, err := service.Write(context.Background(), WriteRequest{
					DocumentID:      documentID,
					Actor:           ActorID(actor),
					ExpectedVersion: Version(round),
					Fields:          Fields{"content": json.RawMessage(`"` + actor + `"`)},
				})
				results[index] = result
				return err
			})
		}
		if err := group.Wait(); err != nil {
			t.Fatalf("round %d: unexpected error: %v", round, err)
		}

		accepted := 0
		for _, result := range results {
			if result.Accepted {
				accepted++
			} else if result.Conflict == nil || result.Conflict.CurrentVersion != round+1 {
				t.Fatalf("round %d: expected conflict against version %d, got %#v", round, round+1, result.Conflict)
			}
		}
		if accepted != 1 {
			t.Fatalf("round %d: expected exactly one accepted write, got %d", round, accepted)
		}
	}

	stored, err := service.Get(context.Background(), documentID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.Version != 6 {
		t.Fatalf("expected version 6 after five accepted writes, got %d", stored.Version)
	}
}

func TestWriteErrors(t *testing.T) {
	service, _ := newTestService(t, newSteppingClock(testEpoch, time.Minute).Now)
	documentID := mustDocumentID(t, "script-1")

	_, err := service.Write(context.Background(), WriteRequest{
		DocumentID:      documentID,
		Actor:           mustActorID(t, "user-x"),
		ExpectedVersion: 1,
	})
	if !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}

	mustCreate(t, service, "script-1", "user-x", Fields{"content": jsonValue(t, "A")})
	_, err = service.Write(context.Background(), WriteRequest{
		DocumentID:      documentID,
		Actor:           mustActorID(t, "user-x"),
		ExpectedVersion: 1,
		Fields:          Fields{"content": json.RawMessage(`{broken`)},
	})
	if !errors.Is(err, ErrInvalidFields) {
		t.Fatalf("expected ErrInvalidFields, got %v", err)
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "documents.write.invalid_request" {
		t.Fatalf("unexpected service error %v", err)
	}

	deleted := mustWrite(t, service, WriteRequest{
		DocumentID:      documentID,
		Actor:           mustActorID(t, "user-x"),
		ExpectedVersion: 1,
		Delete:          true,
	})
	if !deleted.Accepted || deleted.Entry.ChangeType != ChangeTypeDelete || !deleted.Document.IsDeleted {
		t.Fatalf("expected delete to be recorded, got %#v", deleted.Entry)
	}
	_, err = service.Write(context.Background(), WriteRequest{
		DocumentID:      documentID,
		Actor:           mustActorID(t, "user-x"),
		ExpectedVersion: 2,
		Fields:          Fields{"content": jsonValue(t, "B")},
	})
	if !errors.Is(err, ErrDocumentDeleted) {
		t.Fatalf("expected ErrDocumentDeleted, got %v", err)
	}
}

func TestReadHistoryPagesNewestFirst(t *testing.T) {
	service, _ := newTestService(t, newSteppingClock(testEpoch, time.Minute).Now)
	documentID := mustDocumentID(t, "script-1")
	mustCreate(t, service, "script-1", "user-x", Fields{"content": jsonValue(t, "")})
	for version := int64(1); version <= 4; version++ {
		mustWrite(t, service, WriteRequest{
			DocumentID:      documentID,
			Actor:           mustActorID(t, "user-x"),
			ExpectedVersion: mustVersion(t, version),
			Fields:          Fields{"content": jsonValue(t, fmt.Sprintf("draft %d", version))},
		})
	}

	first, err := service.ReadHistory(context.Background(), HistoryQuery{DocumentID: documentID, Limit: 2})
	if err != nil {
		t.Fatalf("read history failed: %v", err)
	}
	if len(first.Entries) != 2 || first.Entries[0].Version != 5 || first.Entries[1].Version != 4 {
		t.Fatalf("unexpected first page %#v", first.Entries)
	}
	if first.NextCursor != first.Entries[1].ChangeID {
		t.Fatalf("expected cursor to name the last entry")
	}

	second, err := service.ReadHistory(context.Background(), HistoryQuery{DocumentID: documentID, Limit: 2, Cursor: first.NextCursor})
	if err != nil {
		t.Fatalf("read history failed: %v", err)
	}
	if len(second.Entries) != 2 || second.Entries[0].Version != 3 || second.Entries[1].Version != 2 {
		t.Fatalf("unexpected second page %#v", second.Entries)
	}

	third, err := service.ReadHistory(context.Background(), HistoryQuery{DocumentID: documentID, Limit: 2, Cursor: second.NextCursor})
	if err != nil {
		t.Fatalf("read history failed: %v", err)
	}
	if len(third.Entries) != 1 || third.Entries[0].ChangeType != ChangeTypeCreate || third.NextCursor != "" {
		t.Fatalf("unexpected final page %#v cursor %q", third.Entries, third.NextCursor)
	}

	_, err = service.ReadHistory(context.Background(), HistoryQuery{DocumentID: documentID, Cursor: "missing"})
	if !errors.Is(err, ErrInvalidCursor) {
		t.Fatalf("expected ErrInvalidCursor, got %v", err)
	}
	_, err = service.ReadHistory(context.Background(), HistoryQuery{DocumentID: mustDocumentID(t, "nope")})
	if !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
}

func TestReadHistorySkipsMalformedEntries(t *testing.T) {
	service, db := newTestService(t, newSteppingClock(testEpoch, time.Minute).Now)
	documentID := mustDocumentID(t, "script-1")
	mustCreate(t, service, "script-1", "user-x", Fields{"content": jsonValue(t, "A")})

	broken := AuditLogRecord{
		ChangeID:         "broken-1",
		DocumentID:       "script-1",
		ChangeType:       ChangeTypeContent,
		FieldChangesJSON: "not-json",
		EditedBy:         "user-x",
		EditedAtSeconds:  testEpoch.Add(time.Hour).Unix(),
		Version:          99,
	}
	if err := db.Create(&broken).Error; err != nil {
		t.Fatalf("failed to insert malformed entry: %v", err)
	}

	page, err := service.ReadHistory(context.Background(), HistoryQuery{DocumentID: documentID})
	if err != nil {
		t.Fatalf("read history failed: %v", err)
	}
	if page.Skipped != 1 {
		t.Fatalf("expected one skipped entry, got %d", page.Skipped)
	}
	if len(page.Entries) != 1 || page.Entries[0].ChangeType != ChangeTypeCreate {
		t.Fatalf("expected the valid entry to survive, got %#v", page.Entries)
	}
}

func TestDisplayNamePriority(t *testing.T) {
	if got := DisplayName("Ana", "ana@example.com", "u1"); got != "Ana" {
		t.Fatalf("expected name first, got %s", got)
	}
	if got := DisplayName(" ", "ana@example.com", "u1"); got != "ana@example.com" {
		t.Fatalf("expected email second, got %s", got)
	}
	if got := DisplayName("", "", "u1"); got != "u1" {
		t.Fatalf("expected raw id last, got %s", got)
	}
}

func TestWriteKeepsEditTimesMonotonicWhenClockRegresses(t *testing.T) {
	clock := &scriptedClock{times: []time.Time{
		testEpoch,
		testEpoch.Add(10 * time.Minute),
		testEpoch.Add(5 * time.Minute),
	}}
	service, _ := newTestService(t, clock.Now)
	documentID := mustDocumentID(t, "script-1")
	mustCreate(t, service, "script-1", "user-x", Fields{"content": jsonValue(t, "A")})
	mustWrite(t, service, WriteRequest{
		DocumentID:      documentID,
		Actor:           mustActorID(t, "user-x"),
		ExpectedVersion: mustVersion(t, 1),
		Fields:          Fields{"content": jsonValue(t, "A B")},
	})
	third := mustWrite(t, service, WriteRequest{
		DocumentID:      documentID,
		Actor:           mustActorID(t, "user-y"),
		ExpectedVersion: mustVersion(t, 2),
		Fields:          Fields{"content": jsonValue(t, "A B C")},
	})
	if !third.Entry.EditedAt.Equal(testEpoch.Add(10 * time.Minute)) {
		t.Fatalf("expected edit time held at the previous edit, got %s", third.Entry.EditedAt)
	}
	if !third.Document.UpdatedAt.Equal(third.Entry.EditedAt) {
		t.Fatalf("document and audit times diverged: %s vs %s", third.Document.UpdatedAt, third.Entry.EditedAt)
	}

	page, err := service.ReadHistory(context.Background(), HistoryQuery{DocumentID: documentID})
	if err != nil {
		t.Fatalf("read history failed: %v", err)
	}
	if len(page.Entries) != 3 {
		t.Fatalf("expected three entries, got %d", len(page.Entries))
	}
	for index, want := range []int64{3, 2, 1} {
		if page.Entries[index].Version != want {
			t.Fatalf("entry %d: expected version %d, got %d", index, want, page.Entries[index].Version)
		}
	}
	for index := 1; index < len(page.Entries); index++ {
		if page.Entries[index].EditedAt.After(page.Entries[index-1].EditedAt) {
			t.Fatalf("edit times out of order at %d", index)
		}
	}
}

func TestReadHistoryResolvesEditorsRegisteredLater(t *testing.T) {
	identities := staticIdentities{names: map[string]string{}, emails: map[string]string{}}
	service, db := newTestServiceWithIdentities(t, newSteppingClock(testEpoch, time.Minute).Now, identities)
	documentID := mustDocumentID(t, "script-1")
	mustCreate(t, service, "script-1", "user-z", Fields{"content": jsonValue(t, "A")})
	mustWrite(t, service, WriteRequest{
		DocumentID:      documentID,
		Actor:           mustActorID(t, "user-z"),
		ExpectedVersion: mustVersion(t, 1),
		Fields:          Fields{"content": jsonValue(t, "A B")},
	})

	identities.names["user-z"] = "Zoe"
	identities.emails["user-z"] = "z@example.com"

	page, err := service.ReadHistory(context.Background(), HistoryQuery{DocumentID: documentID})
	if err != nil {
		t.Fatalf("read history failed: %v", err)
	}
	for _, entry := range page.Entries {
		if entry.EditedByName != "Zoe" || entry.EditedByEmail != "z@example.com" {
			t.Fatalf("expected entry %d resolved to Zoe, got %q %q", entry.Version, entry.EditedByName, entry.EditedByEmail)
		}
	}

	var stored []AuditLogRecord
	if err := db.Where("document_id = ?", "script-1").Find(&stored).Error; err != nil {
		t.Fatalf("failed to load audit rows: %v", err)
	}
	for _, record := range stored {
		if record.EditedByName != "" || record.EditedByEmail != "" {
			t.Fatalf("stored audit row %s was rewritten: %q %q", record.ChangeID, record.EditedByName, record.EditedByEmail)
		}
	}

	conflicted, err := service.Write(context.Background(), WriteRequest{
		DocumentID:      documentID,
		Actor:           mustActorID(t, "user-x"),
		ExpectedVersion: mustVersion(t, 1),
		Fields:          Fields{"content": jsonValue(t, "A X")},
	})
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if conflicted.Conflict == nil || conflicted.Conflict.LastEditedByName != "Zoe" {
		t.Fatalf("expected conflict to name the resolved editor, got %#v", conflicted.Conflict)
	}
}
