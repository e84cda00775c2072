// Package resolution decides how an editor recovers from a rejected compare-and-swap write.
//
// The policy never merges field values. Every strategy that writes re-issues the editor's full
// local state against the server's current version, so a resolved write can only conflict again
// if yet another editor wrote in the meantime.
package resolution

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/scriptsync/backend/internal/documents"
	"go.uber.org/zap"
)

// Strategy enumerates the resolution actions offered to an editor.
type Strategy string

const (
	// StrategyKeepMine overwrites the server state with the editor's local state.
	StrategyKeepMine Strategy = "keep-mine"
	// StrategyKeepTheirs discards local changes and adopts the server document.
	StrategyKeepTheirs Strategy = "keep-theirs"
	// StrategyMergeManually writes the editor's reconciled local state after a side-by-side review.
	StrategyMergeManually Strategy = "merge-manually"
)

var (
	// ErrUnknownStrategy indicates a strategy outside the closed set.
	ErrUnknownStrategy = errors.New("resolution: unknown strategy")
	// ErrMissingLocalState indicates a writing strategy was requested without local fields.
	ErrMissingLocalState = errors.New("resolution: local state required")
	// ErrMissingConflict indicates the request carries no usable conflict details.
	ErrMissingConflict = errors.New("resolution: conflict details required")
	errMissingWriter   = errors.New("resolution: writer required")
)

// ParseStrategy validates a raw strategy name.
func ParseStrategy(raw string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(raw))) {
	case StrategyKeepMine:
		return StrategyKeepMine, nil
	case StrategyKeepTheirs:
		return StrategyKeepTheirs, nil
	case StrategyMergeManually:
		return StrategyMergeManually, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, raw)
	}
}

// Request bundles everything the editor knows at the moment of resolution.
type Request struct {
	Strategy   Strategy
	DocumentID documents.DocumentID
	Actor      documents.ActorID
	Conflict   documents.ConflictDetails
	// Local is the editor's full unsaved state.
	Local documents.Fields
	// Server is the current server document reported with the conflict.
	Server documents.Document
}

// Decision is the pure outcome of Plan.
type Decision struct {
	Strategy        Strategy
	IssueWrite      bool
	ExpectedVersion documents.Version
	Fields          documents.Fields
}

// Plan maps a request onto a write (or no write) without side effects.
func Plan(request Request) (Decision, error) {
	strategy, err := ParseStrategy(string(request.Strategy))
	if err != nil {
		return Decision{}, err
	}
	if request.Conflict.CurrentVersion <= 0 {
		return Decision{}, ErrMissingConflict
	}

	switch strategy {
	case StrategyKeepTheirs:
		return Decision{Strategy: strategy, IssueWrite: false}, nil
	case StrategyKeepMine, StrategyMergeManually:
		if request.Local == nil {
			return Decision{}, fmt.Errorf("%w: %s", ErrMissingLocalState, strategy)
		}
		return Decision{
			Strategy:        strategy,
			IssueWrite:      true,
			ExpectedVersion: documents.Version(request.Conflict.CurrentVersion),
			Fields:          request.Local.Clone(),
		}, nil
	default:
		return Decision{}, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
}

// Writer is the compare-and-swap entry point of the document store.
type Writer interface {
	Write(ctx context.Context, request documents.WriteRequest) (documents.WriteResult, error)
}

// Outcome reports what the resolution did. When WriteIssued is false, Document is the server
// document the editor adopts. When the re-issued write lost to another concurrent write,
// Result.Accepted is false and Result.Conflict describes the new conflict.
type Outcome struct {
	Strategy    Strategy
	WriteIssued bool
	Document    documents.Document
	Result      *documents.WriteResult
}

// Policy executes decisions against a Writer.
type Policy struct {
	writer Writer
	logger *zap.Logger
}

// NewPolicy constructs a Policy. A nil logger disables logging.
func NewPolicy(writer Writer, logger *zap.Logger) (*Policy, error) {
	if writer == nil {
		return nil, errMissingWriter
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Policy{writer: writer, logger: logger}, nil
}

// Resolve plans and, for writing strategies, re-issues the write with the fresh server version.
func (p *Policy) Resolve(ctx context.Context, request Request) (Outcome, error) {
	decision, err := Plan(request)
	if err != nil {
		return Outcome{}, err
	}
	if !decision.IssueWrite {
		p.logger.Debug("conflict resolved without write",
			zap.String("strategy", string(decision.Strategy)),
			zap.String("document_id", request.DocumentID.String()),
			zap.Int64("version", request.Server.Version))
		return Outcome{Strategy: decision.Strategy, Document: request.Server}, nil
	}

	result, err := p.writer.Write(ctx, documents.WriteRequest{
		DocumentID:      request.DocumentID,
		Actor:           request.Actor,
		ExpectedVersion: decision.ExpectedVersion,
		Fields:          decision.Fields,
		BaseFields:      request.Server.Fields,
	})
	if err != nil {
		return Outcome{}, err
	}
	if !result.Accepted {
		p.logger.Info("resolution write conflicted again",
			zap.String("strategy", string(decision.Strategy)),
			zap.String("document_id", request.DocumentID.String()),
			zap.Int64("expected_version", decision.ExpectedVersion.Int64()),
			zap.Int64("current_version", result.Document.Version))
	}
	return Outcome{
		Strategy:    decision.Strategy,
		WriteIssued: true,
		Document:    result.Document,
		Result:      &result,
	}, nil
}
