package roomsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/cliproom/internal/rooms"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

const (
	operationTextSave    = "text.save"
	operationTextRefresh = "text.refresh"
)

var errMissingSession = errors.New("session is required")

type TextEditorConfig struct {
	Session       *Session
	Clock         clock.Clock
	Debounce      time.Duration
	Timeout       time.Duration
	Notifications Notifications
	Logger        *zap.Logger
}

// TextEditor holds a client's local copy of the room text and writes it back
// after the debounce window. Only the newest value is ever written.
type TextEditor struct {
	session       *Session
	clock         clock.Clock
	timeout       time.Duration
	notifications Notifications
	logger        *zap.Logger
	debouncer     *Debouncer
	unsubscribe   func()

	mu        sync.Mutex
	local     string
	confirmed string
	dirty     bool
	writing   bool
	followUp  bool
	focused   bool
}

func NewTextEditor(cfg TextEditorConfig) (*TextEditor, error) {
	if cfg.Session == nil {
		return nil, errMissingSession
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	snapshot := cfg.Session.Snapshot()
	editor := &TextEditor{
		session:       cfg.Session,
		clock:         clk,
		timeout:       timeoutOrDefault(cfg.Timeout),
		notifications: notificationsOrDiscard(cfg.Notifications),
		logger:        logger.With(zap.String("room_code", cfg.Session.Code().String())),
		local:         snapshot.Text(),
		confirmed:     snapshot.Text(),
	}
	editor.debouncer = NewDebouncer(clk, cfg.Debounce, editor.onQuiet)
	editor.unsubscribe = cfg.Session.OnUpdate(editor.Remote)
	return editor, nil
}

// Text returns the local value.
func (e *TextEditor) Text() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.local
}

// Confirmed returns the last value received from the backend.
func (e *TextEditor) Confirmed() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.confirmed
}

// Pending reports whether an edit has not been written yet.
func (e *TextEditor) Pending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dirty || e.writing
}

// Edit records a local change and restarts the debounce window.
func (e *TextEditor) Edit(text string) {
	e.mu.Lock()
	e.local = text
	e.dirty = true
	e.mu.Unlock()
	e.debouncer.Trigger()
}

// Flush writes a pending edit now instead of waiting for the window.
func (e *TextEditor) Flush(ctx context.Context) error {
	e.debouncer.Cancel()
	return e.flush(ctx)
}

// Clear empties the text and writes NULL immediately.
func (e *TextEditor) Clear(ctx context.Context) error {
	e.debouncer.Cancel()
	e.mu.Lock()
	e.local = ""
	e.dirty = true
	e.mu.Unlock()
	return e.flush(ctx)
}

// Refresh discards unsent edits and adopts the stored value.
func (e *TextEditor) Refresh(ctx context.Context) error {
	e.debouncer.Cancel()
	room, err := e.session.Refresh(ctx)
	if err != nil {
		e.report(operationTextRefresh, "Failed to refresh text", err)
		return err
	}
	e.mu.Lock()
	e.confirmed = room.Text()
	e.local = e.confirmed
	e.dirty = false
	e.mu.Unlock()
	return nil
}

// Remote applies a snapshot from the room channel. The local value is left
// alone while the editor is focused or holds unsent edits.
func (e *TextEditor) Remote(room rooms.Room) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.confirmed = room.Text()
	if e.focused || e.dirty || e.writing {
		return
	}
	e.local = e.confirmed
}

func (e *TextEditor) Focus() {
	e.mu.Lock()
	e.focused = true
	e.mu.Unlock()
}

// Blur drops focus and adopts the confirmed value when nothing is pending.
func (e *TextEditor) Blur() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.focused = false
	if !e.dirty && !e.writing {
		e.local = e.confirmed
	}
}

// Close stops the timer and detaches from the session.
func (e *TextEditor) Close() {
	e.debouncer.Cancel()
	e.unsubscribe()
}

func (e *TextEditor) onQuiet() {
	_ = e.flush(context.Background())
}

// flush writes the newest local value. A call that finds a write in flight
// schedules exactly one follow-up write of whatever is newest when it lands.
func (e *TextEditor) flush(ctx context.Context) error {
	e.mu.Lock()
	if !e.dirty {
		e.mu.Unlock()
		return nil
	}
	if e.writing {
		e.followUp = true
		e.mu.Unlock()
		return nil
	}
	e.writing = true
	for {
		value := e.local
		e.dirty = false
		e.mu.Unlock()

		err := e.write(ctx, value)

		e.mu.Lock()
		if e.followUp && e.dirty {
			e.followUp = false
			if err != nil {
				e.logger.Warn("text write failed before follow-up", zap.Error(err))
			}
			continue
		}
		e.followUp = false
		e.writing = false
		e.mu.Unlock()
		if err != nil {
			e.report(operationTextSave, "Failed to save text", err)
		}
		return err
	}
}

func (e *TextEditor) write(ctx context.Context, value string) error {
	writeCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	code := e.session.Code()
	if err := e.session.store.Update(writeCtx, code, rooms.TextPatch(value), e.clock.Now()); err != nil {
		if errors.Is(err, rooms.ErrRoomNotFound) {
			return err
		}
		return fmt.Errorf("%w: update text of room %s: %w", ErrNetwork, code, err)
	}
	e.logger.Debug("text saved", zap.Int("length", len(value)))
	return nil
}

func (e *TextEditor) report(operation, title string, err error) {
	e.logger.Warn(title, zap.String("operation", operation), zap.Error(err))
	e.notifications.Notify(Event{
		Operation:   operation,
		Title:       title,
		Description: err.Error(),
		Err:         err,
	})
}
