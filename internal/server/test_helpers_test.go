package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/scriptsync/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/scriptsync/backend/internal/database"
	"github.com/MarcoPoloResearchLab/scriptsync/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/scriptsync/backend/internal/history"
	"github.com/MarcoPoloResearchLab/scriptsync/backend/internal/resolution"
	"github.com/MarcoPoloResearchLab/scriptsync/backend/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const testSigningSecret = "test-signing-secret"

type testEnvironment struct {
	server     *httptest.Server
	dispatcher *RealtimeDispatcher
	tokens     map[string]string
}

// minuteClock advances one minute per call so audit entries have distinct timestamps.
type minuteClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *minuteClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Minute)
	return c.now
}

func newTestEnvironment(t *testing.T) *testEnvironment {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "server.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	clock := &minuteClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build user service: %v", err)
	}
	documentService, err := documents.NewService(documents.ServiceConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: documents.NewUUIDProvider(),
		Identities: userService,
	})
	if err != nil {
		t.Fatalf("failed to build document service: %v", err)
	}
	sessionService, err := history.NewService(history.ServiceConfig{Reader: documentService})
	if err != nil {
		t.Fatalf("failed to build session service: %v", err)
	}
	policy, err := resolution.NewPolicy(documentService, nil)
	if err != nil {
		t.Fatalf("failed to build resolution policy: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{SigningSecret: []byte(testSigningSecret)})
	if err != nil {
		t.Fatalf("failed to build validator: %v", err)
	}

	dispatcher := NewRealtimeDispatcher()
	handler, err := NewHTTPHandler(Dependencies{
		SessionValidator:  validator,
		Identities:        userService,
		Documents:         documentService,
		Resolver:          policy,
		Sessions:          sessionService,
		Realtime:          dispatcher,
		HeartbeatInterval: time.Hour,
		Logger:            zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{SigningSecret: []byte(testSigningSecret)})
	if err != nil {
		t.Fatalf("failed to build issuer: %v", err)
	}
	tokens := map[string]string{}
	for _, editor := range []struct{ id, email, name string }{
		{id: "user-x", email: "x@example.com", name: "Xavier"},
		{id: "user-y", email: "y@example.com"},
	} {
		token, _, err := issuer.Issue(editor.id, editor.email, editor.name)
		if err != nil {
			t.Fatalf("failed to issue token: %v", err)
		}
		tokens[editor.id] = token
	}

	return &testEnvironment{server: server, dispatcher: dispatcher, tokens: tokens}
}

// do sends a JSON request as the editor and decodes the response into target when non-nil.
func (e *testEnvironment) do(t *testing.T, editor, method, path string, body any, target any) int {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequest(method, e.server.URL+path, reader)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if token, ok := e.tokens[editor]; ok {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer response.Body.Close()
	if target != nil {
		if err := json.NewDecoder(response.Body).Decode(target); err != nil {
			t.Fatalf("failed to decode %s %s response: %v", method, path, err)
		}
	}
	return response.StatusCode
}

type errorResponse struct {
	Error string `json:"error"`
}

type documentResponse struct {
	Document documents.Document `json:"document"`
}

type writeResponse struct {
	Status   string                     `json:"status"`
	Version  int64                      `json:"version"`
	Document documents.Document         `json:"document"`
	Entry    *documents.AuditLogEntry   `json:"entry"`
	Conflict *documents.ConflictDetails `json:"conflict"`
}

type resolveResponse struct {
	Strategy    string                     `json:"strategy"`
	WriteIssued bool                       `json:"write_issued"`
	Status      string                     `json:"status"`
	Document    documents.Document         `json:"document"`
	Conflict    *documents.ConflictDetails `json:"conflict"`
}

type historyResponse struct {
	Entries    []documents.AuditLogEntry `json:"entries"`
	NextCursor string                    `json:"next_cursor"`
	Skipped    int                       `json:"skipped"`
}

type sessionsResponse struct {
	Sessions []struct {
		EditedBy      string   `json:"edited_by"`
		Editor        string   `json:"editor_display_name"`
		EditCount     int      `json:"edit_count"`
		WordDelta     int      `json:"word_delta"`
		Summaries     []string `json:"summaries"`
		ChangedFields []string `json:"changed_fields"`
	} `json:"sessions"`
	NextCursor string `json:"next_cursor"`
}

func rawFields(values map[string]string) documents.Fields {
	fields := documents.Fields{}
	for key, value := range values {
		encoded, _ := json.Marshal(value)
		fields[key] = encoded
	}
	return fields
}

func fieldString(t *testing.T, fields documents.Fields, key string) string {
	t.Helper()
	var value string
	if err := json.Unmarshal(fields[key], &value); err != nil {
		t.Fatalf("field %s is not a string: %v", key, err)
	}
	return value
}
