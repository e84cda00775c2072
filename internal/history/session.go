// Package history groups raw audit entries into reviewable editing sessions.
package history

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/scriptsync/backend/internal/documents"
)

// DefaultSessionGap is the longest pause between two edits of one editor that still counts as one sitting.
const DefaultSessionGap = 15 * time.Minute

// Order selects the display order of reconstructed sessions.
type Order string

const (
	OrderNewestFirst Order = "newest"
	OrderOldestFirst Order = "oldest"
)

// ParseOrder maps a raw query value onto an Order, defaulting to newest first.
func ParseOrder(raw string) Order {
	if strings.EqualFold(strings.TrimSpace(raw), string(OrderOldestFirst)) {
		return OrderOldestFirst
	}
	return OrderNewestFirst
}

// ActivitySession is one editor's contiguous burst of edits.
type ActivitySession struct {
	EditedBy      string    `json:"edited_by"`
	EditedByName  string    `json:"edited_by_name,omitempty"`
	EditedByEmail string    `json:"edited_by_email,omitempty"`
	StartAt       time.Time `json:"start_at"`
	EndAt         time.Time `json:"end_at"`
	EditCount     int       `json:"edit_count"`
	Summaries     []string  `json:"summaries"`
	ChangedFields []string  `json:"changed_fields"`
	WordDelta     int       `json:"word_delta"`
}

// DisplayName returns the editor label shown for the session.
func (s ActivitySession) DisplayName() string {
	return documents.DisplayName(s.EditedByName, s.EditedByEmail, s.EditedBy)
}

// Options tune Reconstruct.
type Options struct {
	Gap   time.Duration
	Order Order
}

var (
	wordsAddedPattern   = regexp.MustCompile(`(?i)(\d+)\s+words?\s+added`)
	wordsRemovedPattern = regexp.MustCompile(`(?i)(\d+)\s+words?\s+removed`)
)

// ParseWordDelta reads the signed word delta from an audit summary.
// "42 words added" yields 42, "5 words removed" yields -5, anything else yields 0.
func ParseWordDelta(summary string) int {
	if match := wordsAddedPattern.FindStringSubmatch(summary); match != nil {
		if value, err := strconv.Atoi(match[1]); err == nil {
			return value
		}
	}
	if match := wordsRemovedPattern.FindStringSubmatch(summary); match != nil {
		if value, err := strconv.Atoi(match[1]); err == nil {
			return -value
		}
	}
	return 0
}

// Reconstruct groups entries into sessions. Grouping always walks newest to oldest because a
// session is anchored to its most recent edit; OrderOldestFirst only reverses the result.
// The input slice is not modified.
func Reconstruct(entries []documents.AuditLogEntry, options Options) []ActivitySession {
	gap := options.Gap
	if gap <= 0 {
		gap = DefaultSessionGap
	}

	relevant := make([]documents.AuditLogEntry, 0, len(entries))
	for _, entry := range entries {
		if len(entry.FieldChanges) > 0 || entry.ChangeType == documents.ChangeTypeDelete {
			relevant = append(relevant, entry)
		}
	}
	sort.SliceStable(relevant, func(i, j int) bool {
		if relevant[i].EditedAt.Equal(relevant[j].EditedAt) {
			return relevant[i].Version > relevant[j].Version
		}
		return relevant[i].EditedAt.After(relevant[j].EditedAt)
	})

	sessions := make([]ActivitySession, 0)
	var active *sessionBuilder
	for _, entry := range relevant {
		if active != nil && active.accepts(entry, gap) {
			active.merge(entry)
			continue
		}
		if active != nil {
			sessions = append(sessions, active.build())
		}
		active = newSessionBuilder(entry)
	}
	if active != nil {
		sessions = append(sessions, active.build())
	}

	if options.Order == OrderOldestFirst {
		for left, right := 0, len(sessions)-1; left < right; left, right = left+1, right-1 {
			sessions[left], sessions[right] = sessions[right], sessions[left]
		}
	}
	return sessions
}

type sessionBuilder struct {
	session       ActivitySession
	seenSummaries map[string]bool
	changedFields map[string]bool
}

func newSessionBuilder(entry documents.AuditLogEntry) *sessionBuilder {
	builder := &sessionBuilder{
		session: ActivitySession{
			EditedBy:      entry.EditedBy,
			EditedByName:  entry.EditedByName,
			EditedByEmail: entry.EditedByEmail,
			StartAt:       entry.EditedAt,
			EndAt:         entry.EditedAt,
			EditCount:     1,
			Summaries:     []string{},
			WordDelta:     ParseWordDelta(entry.Summary),
		},
		seenSummaries: map[string]bool{},
		changedFields: map[string]bool{},
	}
	builder.addSummary(entry.Summary)
	builder.addFields(entry)
	return builder
}

// accepts reports whether entry, older than everything merged so far, continues the session.
func (b *sessionBuilder) accepts(entry documents.AuditLogEntry, gap time.Duration) bool {
	if b.session.EditedBy != entry.EditedBy {
		return false
	}
	return b.session.StartAt.Sub(entry.EditedAt) <= gap
}

func (b *sessionBuilder) merge(entry documents.AuditLogEntry) {
	b.session.StartAt = entry.EditedAt
	b.session.EditCount++
	b.session.WordDelta += ParseWordDelta(entry.Summary)
	if b.session.EditedByName == "" {
		b.session.EditedByName = entry.EditedByName
	}
	if b.session.EditedByEmail == "" {
		b.session.EditedByEmail = entry.EditedByEmail
	}
	b.addSummary(entry.Summary)
	b.addFields(entry)
}

func (b *sessionBuilder) addSummary(summary string) {
	if summary == "" || b.seenSummaries[summary] {
		return
	}
	b.seenSummaries[summary] = true
	b.session.Summaries = append(b.session.Summaries, summary)
}

func (b *sessionBuilder) addFields(entry documents.AuditLogEntry) {
	for _, change := range entry.FieldChanges {
		b.changedFields[change.Field] = true
	}
	if entry.ChangeType != "" {
		b.changedFields[string(entry.ChangeType)] = true
	}
}

func (b *sessionBuilder) build() ActivitySession {
	fields := make([]string, 0, len(b.changedFields))
	for field := range b.changedFields {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	session := b.session
	session.ChangedFields = fields
	return session
}
