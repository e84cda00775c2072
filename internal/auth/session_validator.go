package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultSessionIssuer     = "scriptsync-auth"
	defaultSessionCookieName = "app_session"
	defaultClockLeeway       = 30 * time.Second
	bearerScheme             = "bearer"
)

var (
	ErrMissingSessionSigningKey = errors.New("auth: session signing key required")
	ErrMissingSessionToken      = errors.New("auth: no session token on request")
	ErrInvalidSessionToken      = errors.New("auth: session token rejected")
	ErrExpiredSessionToken      = errors.New("auth: session token expired")
	ErrMissingSessionSubject    = errors.New("auth: session token names no editor")
)

// SessionClaims is the payload of an editor session token.
type SessionClaims struct {
	UserID          string `json:"user_id"`
	UserEmail       string `json:"user_email"`
	UserDisplayName string `json:"user_display_name"`
	jwt.RegisteredClaims
}

// Editor is who a session speaks for, as stamped on audit entries.
type Editor struct {
	ID          string
	Email       string
	DisplayName string
}

// Editor returns the trimmed editor attributes; the id falls back to the token subject.
func (c SessionClaims) Editor() Editor {
	id := strings.TrimSpace(c.UserID)
	if id == "" {
		id = strings.TrimSpace(c.Subject)
	}
	return Editor{
		ID:          id,
		Email:       strings.TrimSpace(c.UserEmail),
		DisplayName: strings.TrimSpace(c.UserDisplayName),
	}
}

// SessionValidatorConfig configures session validation. Empty Issuer and CookieName use
// scriptsync-auth and app_session; zero Leeway allows 30s of clock skew, negative allows none.
type SessionValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	CookieName    string
	Leeway        time.Duration
	Clock         func() time.Time
}

// SessionValidator checks HS256 session tokens presented as a bearer credential or a cookie.
type SessionValidator struct {
	signingSecret []byte
	cookieName    string
	parser        *jwt.Parser
}

func NewSessionValidator(cfg SessionValidatorConfig) (*SessionValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSessionSigningKey
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultSessionIssuer
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		cookieName = defaultSessionCookieName
	}
	leeway := cfg.Leeway
	switch {
	case leeway == 0:
		leeway = defaultClockLeeway
	case leeway < 0:
		leeway = 0
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &SessionValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		cookieName:    cookieName,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(issuer),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(leeway),
			jwt.WithTimeFunc(clock),
		),
	}, nil
}

// ValidateToken parses a raw session token and returns its claims.
func (v *SessionValidator) ValidateToken(tokenString string) (SessionClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return SessionClaims{}, ErrMissingSessionToken
	}

	var claims SessionClaims
	_, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return v.signingSecret, nil
	})
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return SessionClaims{}, ErrExpiredSessionToken
	case err != nil:
		return SessionClaims{}, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}
	if claims.Editor().ID == "" {
		return SessionClaims{}, ErrMissingSessionSubject
	}
	return claims, nil
}

// ValidateRequest validates the session carried by the request.
func (v *SessionValidator) ValidateRequest(r *http.Request) (SessionClaims, error) {
	if r == nil {
		return SessionClaims{}, ErrMissingSessionToken
	}
	token, err := v.sessionToken(r)
	if err != nil {
		return SessionClaims{}, err
	}
	return v.ValidateToken(token)
}

// sessionToken prefers an Authorization bearer credential over the session cookie.
// Any other authorization scheme is rejected rather than ignored.
func (v *SessionValidator) sessionToken(r *http.Request) (string, error) {
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		scheme, credential, found := strings.Cut(header, " ")
		if !found || !strings.EqualFold(scheme, bearerScheme) {
			return "", fmt.Errorf("%w: unsupported authorization scheme", ErrInvalidSessionToken)
		}
		return credential, nil
	}
	cookie, err := r.Cookie(v.cookieName)
	if err != nil {
		return "", ErrMissingSessionToken
	}
	return cookie.Value, nil
}
