package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/cliproom/internal/blobs"
	"github.com/MarcoPoloResearchLab/cliproom/internal/realtime"
	"github.com/MarcoPoloResearchLab/cliproom/internal/rooms"
	githubsqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// smallest valid PNG: signature plus IHDR.
var pngHeader = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a,
	0x00, 0x00, 0x00, 0x0d, 0x49, 0x48, 0x44, 0x52,
	0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89,
}

type adjustableClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *adjustableClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *adjustableClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testServer struct {
	url        string
	service    *rooms.Service
	dispatcher *realtime.Dispatcher
	clock      *adjustableClock
}

func newTestServer(t *testing.T, adjust func(*Dependencies)) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:cliproom_server_%d?mode=memory&cache=shared", time.Now().UnixNano())
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

	clock := &adjustableClock{now: time.Now().UTC()}
	dispatcher := realtime.NewDispatcher()
	service, err := rooms.NewService(rooms.ServiceConfig{
		Store:      store,
		Publisher:  dispatcher,
		Clock:      clock.Now,
		IDProvider: rooms.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}

	httpServer := httptest.NewUnstartedServer(nil)
	serverURL := "http://" + httpServer.Listener.Addr().String()

	blobStore, err := blobs.NewFileStore(blobs.FileStoreConfig{
		Directory:     t.TempDir(),
		PublicBaseURL: serverURL,
	})
	if err != nil {
		t.Fatalf("failed to construct blob store: %v", err)
	}

	deps := Dependencies{
		Rooms:             service,
		Blobs:             blobStore,
		Realtime:          dispatcher,
		HeartbeatInterval: 50 * time.Millisecond,
		Logger:            zap.NewNop(),
	}
	if adjust != nil {
		adjust(&deps)
	}
	handler, err := NewHTTPHandler(deps)
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	httpServer.Config.Handler = handler
	httpServer.Start()
	t.Cleanup(httpServer.Close)

	return &testServer{url: serverURL, service: service, dispatcher: dispatcher, clock: clock}
}

func (s *testServer) createRoom(t *testing.T) rooms.Room {
	t.Helper()
	room, err := s.service.CreateRoom(context.Background())
	if err != nil {
		t.Fatalf("failed to create room: %v", err)
	}
	return room
}

func doRequest(t *testing.T, method, url, contentType string, body io.Reader) (*http.Response, []byte) {
	t.Helper()
	request, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatalf("failed to construct request: %v", err)
	}
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}
	defer response.Body.Close()
	payload, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("failed to read response: %v", err)
	}
	return response, payload
}

func doJSON(t *testing.T, method, url, body string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != "" {
		reader = strings.NewReader(body)
	}
	return doRequest(t, method, url, "application/json", reader)
}

func decodeRoom(t *testing.T, payload []byte) rooms.Room {
	t.Helper()
	var room rooms.Room
	if err := json.Unmarshal(payload, &room); err != nil {
		t.Fatalf("failed to decode room %s: %v", payload, err)
	}
	return room
}

func decodeError(t *testing.T, payload []byte) map[string]string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(payload, &body); err != nil {
		t.Fatalf("failed to decode error %s: %v", payload, err)
	}
	return body
}
