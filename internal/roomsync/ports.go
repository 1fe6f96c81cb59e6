package roomsync

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/cliproom/internal/realtime"
	"github.com/MarcoPoloResearchLab/cliproom/internal/rooms"
)

// DefaultRequestTimeout bounds every backend call made by the client core.
const DefaultRequestTimeout = 15 * time.Second

var (
	// ErrUpload indicates the image could not be uploaded or committed.
	ErrUpload = errors.New("roomsync: image upload failed")
	// ErrStorageDelete indicates a blob delete failed. It is logged, never returned.
	ErrStorageDelete = errors.New("roomsync: storage delete failed")
	// ErrClipboardUnsupported indicates neither the image nor its URL reached the clipboard.
	ErrClipboardUnsupported = errors.New("roomsync: clipboard unsupported")
	// ErrNetwork wraps failures to reach the backend.
	ErrNetwork = errors.New("roomsync: backend unreachable")
	// ErrOperationInProgress rejects a second submission of an operation still in flight.
	ErrOperationInProgress = errors.New("roomsync: operation already in progress")
	// ErrNotImage rejects payloads whose content is not an image.
	ErrNotImage = errors.New("roomsync: payload is not an image")
	// ErrSessionClosed indicates the session was already closed.
	ErrSessionClosed = errors.New("roomsync: session closed")
)

// RoomStore is the subset of the room table the client core reads and writes.
type RoomStore interface {
	Get(ctx context.Context, code rooms.Code) (rooms.Room, error)
	Update(ctx context.Context, code rooms.Code, patch rooms.Patch, at time.Time) error
}

// BlobStore stores image objects and maps them to public URLs.
type BlobStore interface {
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)
	PublicURL(key string) string
	KeyForURL(url string) (string, bool)
	Delete(ctx context.Context, key string) error
}

// Notifier opens a per-room change channel.
type Notifier = realtime.Notifier

// Subscription is an open per-room change channel.
type Subscription = realtime.Subscription

// Notifications receives user-facing outcomes of background operations.
type Notifications interface {
	Notify(event Event)
}

// Event is a short user-visible outcome.
type Event struct {
	Operation   string
	Title       string
	Description string
	Err         error
}

// NotificationsFunc adapts a function to Notifications.
type NotificationsFunc func(Event)

func (f NotificationsFunc) Notify(event Event) {
	f(event)
}

type discardNotifications struct{}

func (discardNotifications) Notify(Event) {}

func notificationsOrDiscard(n Notifications) Notifications {
	if n == nil {
		return discardNotifications{}
	}
	return n
}

func timeoutOrDefault(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return DefaultRequestTimeout
	}
	return timeout
}
