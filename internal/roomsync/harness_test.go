package roomsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/cliproom/internal/blobs"
	"github.com/MarcoPoloResearchLab/cliproom/internal/realtime"
	"github.com/MarcoPoloResearchLab/cliproom/internal/rooms"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var errInjected = errors.New("injected failure")

// smallest valid PNG: signature plus IHDR.
var pngHeader = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a,
	0x00, 0x00, 0x00, 0x0d, 0x49, 0x48, 0x44, 0x52,
	0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89,
}

type testBackend struct {
	service    *rooms.Service
	dispatcher *realtime.Dispatcher
	blobs      *blobs.FileStore
}

func newTestBackend(t *testing.T) *testBackend {
	t.Helper()

	dsn := fmt.Sprintf("file:cliproom_roomsync_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&rooms.Room{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	store, err := rooms.NewGormStore(db)
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	dispatcher := realtime.NewDispatcher()
	service, err := rooms.NewService(rooms.ServiceConfig{
		Store:      store,
		Publisher:  dispatcher,
		IDProvider: rooms.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	blobStore, err := blobs.NewFileStore(blobs.FileStoreConfig{
		Directory:     t.TempDir(),
		PublicBaseURL: "http://localhost:8080",
	})
	if err != nil {
		t.Fatalf("failed to construct blob store: %v", err)
	}
	return &testBackend{service: service, dispatcher: dispatcher, blobs: blobStore}
}

func (b *testBackend) createRoom(t *testing.T) rooms.Room {
	t.Helper()
	room, err := b.service.CreateRoom(context.Background())
	if err != nil {
		t.Fatalf("failed to create room: %v", err)
	}
	return room
}

func (b *testBackend) stored(t *testing.T, code string) rooms.Room {
	t.Helper()
	room, err := b.service.Get(context.Background(), rooms.Code(code))
	if err != nil {
		t.Fatalf("failed to read room %s: %v", code, err)
	}
	return room
}

func (b *testBackend) openSession(t *testing.T, code string, store RoomStore) *Session {
	t.Helper()
	if store == nil {
		store = b.service
	}
	session, err := OpenSession(context.Background(), SessionConfig{
		Code:     rooms.Code(code),
		Store:    store,
		Notifier: b.dispatcher,
		Timeout:  2 * time.Second,
	})
	if err != nil {
		t.Fatalf("failed to open session: %v", err)
	}
	t.Cleanup(session.Close)
	return session
}

// recordingStore wraps a RoomStore, records every update and can fail or
// hold them.
type recordingStore struct {
	RoomStore

	mu         sync.Mutex
	patches    []rooms.Patch
	failText   bool
	failImage  bool
	hold       chan struct{}
	entered    chan struct{}
	committed  chan rooms.Patch
}

func newRecordingStore(inner RoomStore) *recordingStore {
	return &recordingStore{
		RoomStore: inner,
		entered:   make(chan struct{}, 16),
		committed: make(chan rooms.Patch, 16),
	}
}

func (s *recordingStore) Update(ctx context.Context, code rooms.Code, patch rooms.Patch, at time.Time) error {
	s.mu.Lock()
	s.patches = append(s.patches, patch)
	hold := s.hold
	failText := s.failText && patch.TextContent != nil
	failImage := s.failImage && patch.ImageURL != nil
	s.mu.Unlock()

	s.entered <- struct{}{}
	if hold != nil {
		<-hold
	}
	if failText || failImage {
		return errInjected
	}
	if err := s.RoomStore.Update(ctx, code, patch, at); err != nil {
		return err
	}
	s.committed <- patch
	return nil
}

func (s *recordingStore) updates() []rooms.Patch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]rooms.Patch(nil), s.patches...)
}

func patchText(patch rooms.Patch) string {
	if patch.TextContent == nil || patch.TextContent.Value == nil {
		return ""
	}
	return *patch.TextContent.Value
}

// flakyBlobs wraps a BlobStore and can fail deletes or hold puts.
type flakyBlobs struct {
	BlobStore

	failPut    bool
	failDelete bool
	hold       chan struct{}
	entered    chan struct{}
}

func (b *flakyBlobs) Put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	if b.entered != nil {
		b.entered <- struct{}{}
	}
	if b.hold != nil {
		<-b.hold
	}
	if b.failPut {
		return "", errInjected
	}
	return b.BlobStore.Put(ctx, key, contentType, data)
}

func (b *flakyBlobs) Delete(ctx context.Context, key string) error {
	if b.failDelete {
		return errInjected
	}
	return b.BlobStore.Delete(ctx, key)
}

type silentNotifier struct{}

type silentSubscription struct{}

func (silentSubscription) Close() {}

func (silentNotifier) Subscribe(context.Context, rooms.Code, func(rooms.Room)) (Subscription, error) {
	return silentSubscription{}, nil
}

type recordedEvents struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordedEvents) Notify(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordedEvents) list() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func waitFor(t *testing.T, description string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", description)
}
