package documents

import (
	"encoding/json"
	"fmt"
	"strings"
)

// changeTypePriority orders field-derived change types; the first touched one wins.
var changeTypePriority = []ChangeType{
	ChangeTypeContent,
	ChangeTypeTitle,
	ChangeTypeAuthor,
	ChangeTypeCollaborators,
	ChangeTypeStatus,
	ChangeTypeRelationships,
	ChangeTypeMetadata,
}

// ClassifyChange picks the dominant change type for a set of field changes.
// Fields outside the known vocabulary count as metadata, as does a write that changed nothing.
func ClassifyChange(changes []FieldChange, deleted bool) ChangeType {
	if deleted {
		return ChangeTypeDelete
	}
	touched := make(map[ChangeType]bool, len(changes))
	for _, change := range changes {
		touched[fieldChangeType(change.Field)] = true
	}
	for _, candidate := range changeTypePriority {
		if touched[candidate] {
			return candidate
		}
	}
	return ChangeTypeMetadata
}

func fieldChangeType(field string) ChangeType {
	switch ChangeType(strings.ToLower(strings.TrimSpace(field))) {
	case ChangeTypeContent:
		return ChangeTypeContent
	case ChangeTypeTitle:
		return ChangeTypeTitle
	case ChangeTypeAuthor:
		return ChangeTypeAuthor
	case ChangeTypeCollaborators:
		return ChangeTypeCollaborators
	case ChangeTypeStatus:
		return ChangeTypeStatus
	case ChangeTypeRelationships:
		return ChangeTypeRelationships
	default:
		return ChangeTypeMetadata
	}
}

// Summarize renders the one-line description stored with an audit entry.
// Content changes carry their word delta as plain text ("12 words added").
func Summarize(changeType ChangeType, changes []FieldChange) string {
	switch changeType {
	case ChangeTypeCreate:
		return "Document created"
	case ChangeTypeDelete:
		return "Document deleted"
	case ChangeTypeContent:
		return summarizeContent(changes)
	case ChangeTypeTitle:
		return "Title changed"
	case ChangeTypeAuthor:
		return "Author changed"
	case ChangeTypeCollaborators:
		return "Collaborators updated"
	case ChangeTypeStatus:
		return "Status changed"
	case ChangeTypeRelationships:
		return "Relationships updated"
	case ChangeTypeMetadata:
		return "Metadata updated"
	default:
		return fmt.Sprintf("%s updated", changeType)
	}
}

func summarizeContent(changes []FieldChange) string {
	for _, change := range changes {
		if fieldChangeType(change.Field) != ChangeTypeContent {
			continue
		}
		delta := countWords(change.NewValue) - countWords(change.OldValue)
		switch {
		case delta > 0:
			return pluralizeWords(delta, "added")
		case delta < 0:
			return pluralizeWords(-delta, "removed")
		}
	}
	return "Content edited"
}

func pluralizeWords(count int, verb string) string {
	if count == 1 {
		return fmt.Sprintf("1 word %s", verb)
	}
	return fmt.Sprintf("%d words %s", count, verb)
}

// countWords counts whitespace separated words of a JSON string value; other values count as zero.
func countWords(value json.RawMessage) int {
	if value == nil {
		return 0
	}
	var text string
	if err := json.Unmarshal(value, &text); err != nil {
		return 0
	}
	return len(strings.Fields(text))
}
