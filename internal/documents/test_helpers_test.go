package documents

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type steppingClock struct {
	mu      sync.Mutex
	current time.Time
	step    time.Duration
}

func newSteppingClock(start time.Time, step time.Duration) *steppingClock {
	return &steppingClock{current: start, step: step}
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.current
	c.current = c.current.Add(c.step)
	return now
}

// scriptedClock replays fixed instants and then repeats the last one.
type scriptedClock struct {
	mu    sync.Mutex
	times []time.Time
}

func (c *scriptedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.times[0]
	if len(c.times) > 1 {
		c.times = c.times[1:]
	}
	return now
}

type staticIdentities struct {
	names  map[string]string
	emails map[string]string
}

func (r staticIdentities) ResolveActor(_ context.Context, actorID string) (string, string, error) {
	return r.names[actorID], r.emails[actorID], nil
}

func newTestService(t *testing.T, clock func() time.Time) (*Service, *gorm.DB) {
	t.Helper()
	return newTestServiceWithIdentities(t, clock, staticIdentities{
		names:  map[string]string{"user-x": "Xavier"},
		emails: map[string]string{"user-x": "x@example.com", "user-y": "y@example.com"},
	})
}

func newTestServiceWithIdentities(t *testing.T, clock func() time.Time, identities IdentityResolver) (*Service, *gorm.DB) {
	t.Helper()
	databasePath := filepath.Join(t.TempDir(), "documents.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(&DocumentRecord{}, &AuditLogRecord{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: NewUUIDProvider(),
		Identities: identities,
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service, db
}

func mustDocumentID(t *testing.T, value string) DocumentID {
	t.Helper()
	id, err := NewDocumentID(value)
	if err != nil {
		t.Fatalf("unexpected document id error: %v", err)
	}
	return id
}

func mustActorID(t *testing.T, value string) ActorID {
	t.Helper()
	id, err := NewActorID(value)
	if err != nil {
		t.Fatalf("unexpected actor id error: %v", err)
	}
	return id
}

func mustVersion(t *testing.T, value int64) Version {
	t.Helper()
	version, err := NewVersion(value)
	if err != nil {
		t.Fatalf("unexpected version error: %v", err)
	}
	return version
}

func jsonValue(t *testing.T, value any) json.RawMessage {
	t.Helper()
	encoded, err := json.Marshal(value)
	if err != nil {
		t.Fatalf("failed to encode value: %v", err)
	}
	return encoded
}

func mustCreate(t *testing.T, service *Service, documentID string, actor string, fields Fields) Document {
	t.Helper()
	result, err := service.Create(context.Background(), CreateRequest{
		DocumentID: mustDocumentID(t, documentID),
		Actor:      mustActorID(t, actor),
		Fields:     fields,
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	return result.Document
}

func mustWrite(t *testing.T, service *Service, request WriteRequest) WriteResult {
	t.Helper()
	result, err := service.Write(context.Background(), request)
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	return result
}

func stringField(t *testing.T, fields Fields, name string) string {
	t.Helper()
	raw, ok := fields[name]
	if !ok {
		t.Fatalf("field %q missing", name)
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		t.Fatalf("field %q is not a string: %v", name, err)
	}
	return value
}
