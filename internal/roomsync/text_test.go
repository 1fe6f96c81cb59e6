package roomsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/cliproom/internal/rooms"
	"github.com/benbjohnson/clock"
)

func newTestEditor(t *testing.T, session *Session, clk clock.Clock, events Notifications) *TextEditor {
	t.Helper()
	editor, err := NewTextEditor(TextEditorConfig{
		Session:       session,
		Clock:         clk,
		Timeout:       2 * time.Second,
		Notifications: events,
	})
	if err != nil {
		t.Fatalf("failed to construct editor: %v", err)
	}
	t.Cleanup(editor.Close)
	return editor
}

func expectCommit(t *testing.T, store *recordingStore) rooms.Patch {
	t.Helper()
	select {
	case patch := <-store.committed:
		return patch
	case <-time.After(2 * time.Second):
		t.Fatal("expected a committed write")
		return rooms.Patch{}
	}
}

func expectNoCommit(t *testing.T, store *recordingStore) {
	t.Helper()
	select {
	case patch := <-store.committed:
		t.Fatalf("unexpected extra write %q", patchText(patch))
	case <-time.After(150 * time.Millisecond):
	}
}

func TestTextEditorCoalescesEditsIntoOneWrite(t *testing.T) {
	backend := newTestBackend(t)
	room := backend.createRoom(t)
	if _, err := backend.service.UpdateRoom(context.Background(), rooms.Code(room.Code), rooms.TextPatch("A")); err != nil {
		t.Fatalf("unexpected seed error: %v", err)
	}
	store := newRecordingStore(backend.service)
	session := backend.openSession(t, room.Code, store)
	mock := clock.NewMock()
	editor := newTestEditor(t, session, mock, nil)

	editor.Edit("AB")
	mock.Add(200 * time.Millisecond)
	editor.Edit("ABC")
	mock.Add(499 * time.Millisecond)
	expectNoCommit(t, store)

	mock.Add(time.Millisecond)
	if written := patchText(expectCommit(t, store)); written != "ABC" {
		t.Fatalf("expected ABC to be written, got %q", written)
	}
	expectNoCommit(t, store)

	if count := len(store.updates()); count != 1 {
		t.Fatalf("expected exactly one write, got %d", count)
	}
	if stored := backend.stored(t, room.Code).Text(); stored != "ABC" {
		t.Fatalf("expected stored ABC, got %q", stored)
	}
}

func TestTextEditorFollowsUpWriteInFlight(t *testing.T) {
	backend := newTestBackend(t)
	room := backend.createRoom(t)
	store := newRecordingStore(backend.service)
	store.hold = make(chan struct{})
	session := backend.openSession(t, room.Code, store)
	mock := clock.NewMock()
	editor := newTestEditor(t, session, mock, nil)

	editor.Edit("one")
	mock.Add(DefaultDebounce)
	<-store.entered

	editor.Edit("two")
	editor.Edit("three")
	mock.Add(DefaultDebounce)
	close(store.hold)

	if written := patchText(expectCommit(t, store)); written != "one" {
		t.Fatalf("expected first write one, got %q", written)
	}
	if written := patchText(expectCommit(t, store)); written != "three" {
		t.Fatalf("expected follow-up write three, got %q", written)
	}
	expectNoCommit(t, store)
	waitFor(t, "editor to settle", func() bool { return !editor.Pending() })
}

func TestTextEditorKeepsLocalValueOnFailure(t *testing.T) {
	backend := newTestBackend(t)
	room := backend.createRoom(t)
	store := newRecordingStore(backend.service)
	store.failText = true
	session := backend.openSession(t, room.Code, store)
	events := &recordedEvents{}
	editor := newTestEditor(t, session, clock.NewMock(), events)

	editor.Edit("unsaved")
	err := editor.Flush(context.Background())
	if !errors.Is(err, ErrNetwork) || !errors.Is(err, errInjected) {
		t.Fatalf("expected wrapped network error, got %v", err)
	}
	if editor.Text() != "unsaved" {
		t.Fatalf("expected local text to survive failure, got %q", editor.Text())
	}
	recorded := events.list()
	if len(recorded) != 1 || recorded[0].Operation != operationTextSave {
		t.Fatalf("expected one save notification, got %+v", recorded)
	}
}

func TestTextEditorDefersRemoteWhileFocused(t *testing.T) {
	backend := newTestBackend(t)
	room := backend.createRoom(t)
	session := backend.openSession(t, room.Code, nil)
	editor := newTestEditor(t, session, clock.NewMock(), nil)

	editor.Focus()
	if _, err := backend.service.UpdateRoom(context.Background(), rooms.Code(room.Code), rooms.TextPatch("remote")); err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}
	waitFor(t, "remote value", func() bool { return editor.Confirmed() == "remote" })
	if editor.Text() != "" {
		t.Fatalf("expected focused editor to keep local text, got %q", editor.Text())
	}

	editor.Blur()
	if editor.Text() != "remote" {
		t.Fatalf("expected blur to adopt remote text, got %q", editor.Text())
	}
}

func TestTextEditorDefersRemoteWhileEditPending(t *testing.T) {
	backend := newTestBackend(t)
	room := backend.createRoom(t)
	session := backend.openSession(t, room.Code, nil)
	editor := newTestEditor(t, session, clock.NewMock(), nil)

	editor.Edit("mine")
	editor.Remote(rooms.Room{Code: room.Code, TextContent: stringPointer("theirs")})
	if editor.Text() != "mine" {
		t.Fatalf("expected pending edit to win locally, got %q", editor.Text())
	}
}

func TestTextEditorClearStoresNull(t *testing.T) {
	backend := newTestBackend(t)
	room := backend.createRoom(t)
	if _, err := backend.service.UpdateRoom(context.Background(), rooms.Code(room.Code), rooms.TextPatch("old")); err != nil {
		t.Fatalf("unexpected seed error: %v", err)
	}
	session := backend.openSession(t, room.Code, nil)
	editor := newTestEditor(t, session, clock.NewMock(), nil)

	if err := editor.Clear(context.Background()); err != nil {
		t.Fatalf("unexpected clear error: %v", err)
	}
	if stored := backend.stored(t, room.Code); stored.TextContent != nil {
		t.Fatalf("expected NULL text, got %q", *stored.TextContent)
	}
}

func TestTextEditorRefreshDiscardsPendingEdit(t *testing.T) {
	backend := newTestBackend(t)
	room := backend.createRoom(t)
	store := newRecordingStore(backend.service)
	session := backend.openSession(t, room.Code, store)
	mock := clock.NewMock()
	editor := newTestEditor(t, session, mock, nil)

	if _, err := backend.service.UpdateRoom(context.Background(), rooms.Code(room.Code), rooms.TextPatch("stored")); err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}
	editor.Edit("draft")
	if err := editor.Refresh(context.Background()); err != nil {
		t.Fatalf("unexpected refresh error: %v", err)
	}
	if editor.Text() != "stored" {
		t.Fatalf("expected refresh to adopt stored text, got %q", editor.Text())
	}

	mock.Add(DefaultDebounce)
	expectNoCommit(t, store)
}

func stringPointer(value string) *string {
	return &value
}
