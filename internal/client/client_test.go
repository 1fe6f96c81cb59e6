package client

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/cliproom/internal/blobs"
	"github.com/MarcoPoloResearchLab/cliproom/internal/realtime"
	"github.com/MarcoPoloResearchLab/cliproom/internal/rooms"
	"github.com/MarcoPoloResearchLab/cliproom/internal/roomsync"
	"github.com/MarcoPoloResearchLab/cliproom/internal/server"
	githubsqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// smallest valid PNG: signature plus IHDR.
var pngHeader = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a,
	0x00, 0x00, 0x00, 0x0d, 0x49, 0x48, 0x44, 0x52,
	0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89,
}

type testEnvironment struct {
	client     *Client
	notifier   *WebSocketNotifier
	dispatcher *realtime.Dispatcher
}

func newTestEnvironment(t *testing.T) *testEnvironment {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:cliproom_client_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(githubsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	if err := db.AutoMigrate(&rooms.Room{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
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

	httpServer := httptest.NewUnstartedServer(nil)
	serverURL := "http://" + httpServer.Listener.Addr().String()
	blobStore, err := blobs.NewFileStore(blobs.FileStoreConfig{Directory: t.TempDir(), PublicBaseURL: serverURL})
	if err != nil {
		t.Fatalf("failed to construct blob store: %v", err)
	}
	handler, err := server.NewHTTPHandler(server.Dependencies{
		Rooms:    service,
		Blobs:    blobStore,
		Realtime: dispatcher,
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	httpServer.Config.Handler = handler
	httpServer.Start()
	t.Cleanup(httpServer.Close)

	apiClient, err := New(Config{BaseURL: serverURL + "/", Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("failed to construct client: %v", err)
	}
	notifier, err := NewWebSocketNotifier(WebSocketNotifierConfig{BaseURL: serverURL})
	if err != nil {
		t.Fatalf("failed to construct notifier: %v", err)
	}
	return &testEnvironment{client: apiClient, notifier: notifier, dispatcher: dispatcher}
}

func waitFor(t *testing.T, description string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", description)
}

func TestNewRejectsInvalidServerURL(t *testing.T) {
	for _, raw := range []string{"", "ftp://example.com"} {
		if _, err := New(Config{BaseURL: raw}); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
		if _, err := NewWebSocketNotifier(WebSocketNotifierConfig{BaseURL: raw}); err == nil {
			t.Fatalf("expected notifier error for %q", raw)
		}
	}
}

func TestClientRoomRoundTrip(t *testing.T) {
	env := newTestEnvironment(t)
	ctx := context.Background()

	created, err := env.client.CreateRoom(ctx)
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	resolved, err := env.client.ResolveRoom(ctx, "  "+strings.ToLower(created.Code)+" ")
	if err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}
	if resolved.Code != created.Code {
		t.Fatalf("expected %s, got %s", created.Code, resolved.Code)
	}

	code := rooms.Code(created.Code)
	if err := env.client.Update(ctx, code, rooms.TextPatch("shared"), time.Now()); err != nil {
		t.Fatalf("unexpected text update error: %v", err)
	}
	if err := env.client.Update(ctx, code, rooms.ImageURLPatch("http://cdn/blobs/"+created.Code+"/1-a.png"), time.Now()); err != nil {
		t.Fatalf("unexpected image update error: %v", err)
	}
	current, err := env.client.Get(ctx, code)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if current.Text() != "shared" || current.Image() == "" {
		t.Fatalf("expected both columns to be set, got %+v", current)
	}

	if err := env.client.Update(ctx, code, rooms.TextPatch(""), time.Now()); err != nil {
		t.Fatalf("unexpected clear error: %v", err)
	}
	current, _ = env.client.Get(ctx, code)
	if current.TextContent != nil || current.Image() == "" {
		t.Fatalf("expected text cleared and image kept, got %+v", current)
	}
}

func TestClientMapsErrorsToSentinels(t *testing.T) {
	env := newTestEnvironment(t)
	ctx := context.Background()

	_, err := env.client.Get(ctx, "ZZZZZZ")
	if !errors.Is(err, rooms.ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "rooms.resolve_room.not_found" {
		t.Fatalf("expected coded api error, got %v", err)
	}

	if _, err := env.client.ResolveRoom(ctx, "abc"); !errors.Is(err, rooms.ErrInvalidCode) {
		t.Fatalf("expected ErrInvalidCode, got %v", err)
	}
	if err := env.client.Update(ctx, "ZZZZZZ", rooms.TextPatch("x"), time.Now()); !errors.Is(err, rooms.ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound on update, got %v", err)
	}
}

func TestClientBlobRoundTrip(t *testing.T) {
	env := newTestEnvironment(t)
	ctx := context.Background()
	room, err := env.client.CreateRoom(ctx)
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	key := blobs.ObjectKey(rooms.Code(room.Code), "cat.png", time.UnixMilli(1700000000000))

	url, err := env.client.Put(ctx, key, "image/png", pngHeader)
	if err != nil {
		t.Fatalf("unexpected put error: %v", err)
	}
	if url != env.client.PublicURL(key) {
		t.Fatalf("expected %s, got %s", env.client.PublicURL(key), url)
	}
	if resolved, ok := env.client.KeyForURL(url); !ok || resolved != key {
		t.Fatalf("expected %s, got %s", key, resolved)
	}
	if _, err := env.client.Put(ctx, key, "image/png", pngHeader); !errors.Is(err, blobs.ErrObjectExists) {
		t.Fatalf("expected ErrObjectExists, got %v", err)
	}
	if _, err := env.client.Put(ctx, blobs.ObjectKey(rooms.Code(room.Code), "a.txt", time.Now()), "text/plain", []byte("hi")); !errors.Is(err, roomsync.ErrNotImage) {
		t.Fatalf("expected ErrNotImage, got %v", err)
	}

	object, err := env.client.Fetch(ctx, url)
	if err != nil {
		t.Fatalf("unexpected fetch error: %v", err)
	}
	if object.ContentType != "image/png" || len(object.Data) != len(pngHeader) {
		t.Fatalf("unexpected object %s (%d bytes)", object.ContentType, len(object.Data))
	}

	if err := env.client.Delete(ctx, key); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	if err := env.client.Delete(ctx, key); !errors.Is(err, blobs.ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}
	if _, err := env.client.Fetch(ctx, url); err == nil {
		t.Fatalf("expected fetch of deleted object to fail")
	}
}

func TestWebSocketNotifierDeliversUntilClosed(t *testing.T) {
	env := newTestEnvironment(t)
	ctx := context.Background()
	room, err := env.client.CreateRoom(ctx)
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	code := rooms.Code(room.Code)

	var calls atomic.Int32
	latest := atomic.Value{}
	subscription, err := env.notifier.Subscribe(ctx, code, func(updated rooms.Room) {
		latest.Store(updated.Text())
		calls.Add(1)
	})
	if err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}

	if err := env.client.Update(ctx, code, rooms.TextPatch("over the wire"), time.Now()); err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}
	waitFor(t, "websocket delivery", func() bool { return calls.Load() == 1 })
	if latest.Load() != "over the wire" {
		t.Fatalf("unexpected payload %v", latest.Load())
	}

	subscription.Close()
	waitFor(t, "server to drop the subscriber", func() bool { return env.dispatcher.SubscriberCount(code) == 0 })
	_ = env.client.Update(ctx, code, rooms.TextPatch("after close"), time.Now())
	time.Sleep(100 * time.Millisecond)
	if calls.Load() != 1 {
		t.Fatalf("expected no callbacks after close, got %d", calls.Load())
	}
}

func TestWebSocketNotifierUnknownRoom(t *testing.T) {
	env := newTestEnvironment(t)
	_, err := env.notifier.Subscribe(context.Background(), "ZZZZZZ", func(rooms.Room) {})
	if !errors.Is(err, rooms.ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
}

func TestRoomSyncOverHTTP(t *testing.T) {
	env := newTestEnvironment(t)
	ctx := context.Background()
	room, err := env.client.CreateRoom(ctx)
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	open := func() *roomsync.Session {
		session, err := roomsync.OpenSession(ctx, roomsync.SessionConfig{
			Code:     rooms.Code(room.Code),
			Store:    env.client,
			Notifier: env.notifier,
		})
		if err != nil {
			t.Fatalf("failed to open session: %v", err)
		}
		t.Cleanup(session.Close)
		return session
	}
	writer := open()
	reader := open()

	editor, err := roomsync.NewTextEditor(roomsync.TextEditorConfig{Session: writer})
	if err != nil {
		t.Fatalf("failed to construct editor: %v", err)
	}
	defer editor.Close()
	editor.Edit("from the laptop")
	if err := editor.Flush(ctx); err != nil {
		t.Fatalf("unexpected flush error: %v", err)
	}

	images, err := roomsync.NewImageController(roomsync.ImageControllerConfig{Session: writer, Blobs: env.client})
	if err != nil {
		t.Fatalf("failed to construct image controller: %v", err)
	}
	defer images.Close()
	url, err := images.Upload(ctx, "photo.png", "", pngHeader)
	if err != nil {
		t.Fatalf("unexpected upload error: %v", err)
	}

	waitFor(t, "reader to converge", func() bool {
		snapshot := reader.Snapshot()
		return snapshot.Text() == "from the laptop" && snapshot.Image() == url
	})
}
