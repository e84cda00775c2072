package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/scriptsync/backend/internal/auth"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service manages canonical user identifiers and the editor profiles shown in history.
type Service struct {
	db       *gorm.DB
	now      func() time.Time
	logger   *zap.Logger
	subjects sync.Map
	profiles sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		now:    clock,
		logger: logger,
	}, nil
}

// ResolveCanonicalUserID returns the canonical user id for the provided session claims.
// It creates a new identity mapping when the provider+subject pair has not been seen before
// and refreshes the stored email and display name otherwise.
func (s *Service) ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (string, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return "", ErrInvalidIdentity
	}
	editor := claims.Editor()
	email := editor.Email
	displayName := editor.DisplayName

	subjectKey := provider + ":" + subject
	if cached, ok := s.subjects.Load(subjectKey); ok {
		if profile, ok := cached.(Profile); ok && !profileChanged(profile, email, displayName) {
			return profile.UserID, nil
		}
	}

	var identity Identity
	err := s.db.WithContext(ctx).
		Where("provider = ? AND subject = ?", provider, subject).
		First(&identity).
		Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		identity = Identity{
			Provider:    provider,
			Subject:     subject,
			UserID:      subject,
			Email:       email,
			DisplayName: displayName,
			LastSeenAt:  s.now().UTC(),
		}
		if err := s.db.WithContext(ctx).Create(&identity).Error; err != nil {
			return "", err
		}
	case err != nil:
		return "", err
	default:
		updates := map[string]interface{}{"last_seen_at": s.now().UTC()}
		if email != "" && email != identity.Email {
			updates["user_email"] = email
			identity.Email = email
		}
		if displayName != "" && displayName != identity.DisplayName {
			updates["user_display_name"] = displayName
			identity.DisplayName = displayName
		}
		if err := s.db.WithContext(ctx).Model(&Identity{}).
			Where("provider = ? AND subject = ?", provider, subject).
			Updates(updates).
			Error; err != nil {
			s.logger.Warn("identity refresh failed",
				zap.String("user_id", identity.UserID),
				zap.Error(err))
		}
	}

	profile := Profile{UserID: identity.UserID, Email: identity.Email, DisplayName: identity.DisplayName}
	s.subjects.Store(subjectKey, profile)
	s.profiles.Store(identity.UserID, profile)
	return identity.UserID, nil
}

// ResolveActor returns the display name and email last recorded for the editor.
// Unknown editors resolve to empty strings without an error.
func (s *Service) ResolveActor(ctx context.Context, actorID string) (string, string, error) {
	userID := normalize(actorID)
	if userID == "" {
		return "", "", ErrInvalidIdentity
	}
	if cached, ok := s.profiles.Load(userID); ok {
		if profile, ok := cached.(Profile); ok {
			return profile.DisplayName, profile.Email, nil
		}
	}

	var identity Identity
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("last_seen_at DESC").
		First(&identity).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", "", nil
	}
	if err != nil {
		return "", "", err
	}

	profile := Profile{UserID: identity.UserID, Email: identity.Email, DisplayName: identity.DisplayName}
	s.profiles.Store(userID, profile)
	return profile.DisplayName, profile.Email, nil
}

func profileChanged(profile Profile, email, displayName string) bool {
	return (email != "" && email != profile.Email) || (displayName != "" && displayName != profile.DisplayName)
}

func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := "default"
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if strings.Contains(raw, ":") {
			segments := strings.SplitN(raw, ":", 2)
			if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
				provider = normalize(segments[0])
				subject = normalize(segments[1])
			}
		} else if subject == "" {
			subject = raw
		}
	}

	if subject == "" {
		subject = normalize(claims.UserEmail)
	}

	return provider, subject
}
