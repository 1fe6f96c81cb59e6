package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/cliproom/internal/blobs"
	"github.com/MarcoPoloResearchLab/cliproom/internal/config"
	"github.com/MarcoPoloResearchLab/cliproom/internal/database"
	"github.com/MarcoPoloResearchLab/cliproom/internal/realtime"
	"github.com/MarcoPoloResearchLab/cliproom/internal/rooms"
	"github.com/MarcoPoloResearchLab/cliproom/internal/server"
	"go.uber.org/zap"
)

func TestRootCommandRegistersSubcommands(t *testing.T) {
	root := newRootCommand()
	expected := []string{"serve", "sweep", "create", "join", "watch", "copy-code", "text", "image"}
	for _, name := range expected {
		found := false
		for _, sub := range root.Commands() {
			if sub.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("expected subcommand %q", name)
		}
	}
}

func TestSweepDryRunAgainstEmptyDatabase(t *testing.T) {
	t.Setenv("CLIPROOM_DATABASE_PATH", filepath.Join(t.TempDir(), "sweep.db"))
	t.Setenv("CLIPROOM_LOG_LEVEL", "error")

	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"sweep", "--dry-run"})

	if err := root.Execute(); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if !strings.Contains(out.String(), "0 expired rooms") {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestCopyCodeRejectsInvalidCode(t *testing.T) {
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"copy-code", "abc"})

	if err := root.Execute(); err == nil {
		t.Fatalf("expected invalid code to be rejected")
	}
}

type fakeClipboard struct {
	text string
}

func (c *fakeClipboard) ReadText() (string, error) {
	return c.text, nil
}

func (c *fakeClipboard) WriteText(text string) error {
	c.text = text
	return nil
}

func startRoomServer(t *testing.T) (*rooms.Service, string) {
	t.Helper()
	appConfig := config.AppConfig{
		DatabaseDriver:    config.DriverSQLite,
		DatabasePath:      filepath.Join(t.TempDir(), "cli.db"),
		RoomRetention:     24 * time.Hour,
		MaxCreateAttempts: 5,
	}
	dispatcher := realtime.NewDispatcher()
	db, service, err := openRoomService(appConfig, dispatcher, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open room service: %v", err)
	}
	t.Cleanup(func() { _ = database.Close(db) })

	httpServer := httptest.NewUnstartedServer(nil)
	fileStore, err := blobs.NewFileStore(blobs.FileStoreConfig{
		Directory:     t.TempDir(),
		PublicBaseURL: "http://" + httpServer.Listener.Addr().String(),
	})
	if err != nil {
		t.Fatalf("failed to construct blob store: %v", err)
	}
	handler, err := server.NewHTTPHandler(server.Dependencies{
		Rooms:    service,
		Blobs:    fileStore,
		Realtime: dispatcher,
		Logger:   zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	httpServer.Config.Handler = handler
	httpServer.Start()
	t.Cleanup(httpServer.Close)
	return service, httpServer.URL
}

func TestTextPasteAndCopyUseClipboard(t *testing.T) {
	service, serverURL := startRoomServer(t)
	t.Setenv("CLIPROOM_CLIENT_SERVER_URL", serverURL)
	t.Setenv("CLIPROOM_LOG_LEVEL", "error")

	fake := &fakeClipboard{text: "copied on the laptop"}
	original := openClipboard
	openClipboard = func() textClipboard { return fake }
	t.Cleanup(func() { openClipboard = original })

	room, err := service.CreateRoom(context.Background())
	if err != nil {
		t.Fatalf("failed to create room: %v", err)
	}

	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"text", "paste", strings.ToLower(room.Code)})
	if err := root.Execute(); err != nil {
		t.Fatalf("text paste failed: %v (%s)", err, out.String())
	}

	stored, err := service.Get(context.Background(), rooms.Code(room.Code))
	if err != nil {
		t.Fatalf("failed to read room: %v", err)
	}
	if stored.Text() != "copied on the laptop" {
		t.Fatalf("expected clipboard text stored, got %q", stored.Text())
	}

	fake.text = ""
	root = newRootCommand()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"text", "copy", room.Code})
	if err := root.Execute(); err != nil {
		t.Fatalf("text copy failed: %v (%s)", err, out.String())
	}
	if fake.text != "copied on the laptop" {
		t.Fatalf("expected room text on the clipboard, got %q", fake.text)
	}
}
