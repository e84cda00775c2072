package history

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/scriptsync/backend/internal/documents"
	"go.uber.org/zap"
)

var errMissingReader = errors.New("history: reader required")

// Reader is the paginated audit log of the document store.
type Reader interface {
	ReadHistory(ctx context.Context, query documents.HistoryQuery) (documents.HistoryPage, error)
}

type ServiceConfig struct {
	Reader     Reader
	SessionGap time.Duration
	Logger     *zap.Logger
}

// Service reconstructs sessions from one page of history at a time.
// A session straddling a page boundary shows up split across pages.
type Service struct {
	reader Reader
	gap    time.Duration
	logger *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Reader == nil {
		return nil, errMissingReader
	}
	gap := cfg.SessionGap
	if gap <= 0 {
		gap = DefaultSessionGap
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{reader: cfg.Reader, gap: gap, logger: logger}, nil
}

// SessionQuery pages sessions of one document.
type SessionQuery struct {
	DocumentID documents.DocumentID
	Limit      int
	Cursor     string
	Order      Order
}

// SessionPage carries the sessions built from one history page and the cursor for the next one.
type SessionPage struct {
	Sessions   []ActivitySession
	NextCursor string
	Skipped    int
}

// Sessions reads one page of history and reconstructs it.
func (s *Service) Sessions(ctx context.Context, query SessionQuery) (SessionPage, error) {
	page, err := s.reader.ReadHistory(ctx, documents.HistoryQuery{
		DocumentID: query.DocumentID,
		Limit:      query.Limit,
		Cursor:     query.Cursor,
	})
	if err != nil {
		return SessionPage{}, err
	}
	sessions := Reconstruct(page.Entries, Options{Gap: s.gap, Order: query.Order})
	s.logger.Debug("sessions reconstructed",
		zap.String("document_id", query.DocumentID.String()),
		zap.Int("entries", len(page.Entries)),
		zap.Int("sessions", len(sessions)),
		zap.Int("skipped", page.Skipped))
	return SessionPage{
		Sessions:   sessions,
		NextCursor: page.NextCursor,
		Skipped:    page.Skipped,
	}, nil
}
