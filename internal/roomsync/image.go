package roomsync

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/cliproom/internal/blobs"
	"github.com/MarcoPoloResearchLab/cliproom/internal/rooms"
	"github.com/benbjohnson/clock"
	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
)

const (
	operationImageUpload  = "image.upload"
	operationImageClear   = "image.clear"
	operationImageRefresh = "image.refresh"

	genericContentType = "application/octet-stream"
)

// ImageState is the per-room image slot state.
type ImageState int

const (
	ImageEmpty ImageState = iota
	ImageUploading
	ImagePresent
	ImageClearing
)

func (s ImageState) String() string {
	switch s {
	case ImageEmpty:
		return "empty"
	case ImageUploading:
		return "uploading"
	case ImagePresent:
		return "present"
	case ImageClearing:
		return "clearing"
	default:
		return fmt.Sprintf("image_state(%d)", int(s))
	}
}

type ImageControllerConfig struct {
	Session       *Session
	Blobs         BlobStore
	Clock         clock.Clock
	Timeout       time.Duration
	Notifications Notifications
	Logger        *zap.Logger
}

// ImageController drives the single image slot of a room.
type ImageController struct {
	session       *Session
	blobs         BlobStore
	clock         clock.Clock
	timeout       time.Duration
	notifications Notifications
	logger        *zap.Logger
	unsubscribe   func()

	mu    sync.Mutex
	state ImageState
	url   string
	busy  bool
	// snapshots delivered while an operation was in flight, oldest first
	deferred []rooms.Room
}

func NewImageController(cfg ImageControllerConfig) (*ImageController, error) {
	if cfg.Session == nil {
		return nil, errMissingSession
	}
	if cfg.Blobs == nil {
		return nil, errMissingBlobs
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	controller := &ImageController{
		session:       cfg.Session,
		blobs:         cfg.Blobs,
		clock:         clk,
		timeout:       timeoutOrDefault(cfg.Timeout),
		notifications: notificationsOrDiscard(cfg.Notifications),
		logger:        logger.With(zap.String("room_code", cfg.Session.Code().String())),
	}
	controller.Sync(cfg.Session.Snapshot())
	controller.unsubscribe = cfg.Session.OnUpdate(controller.Sync)
	return controller, nil
}

func (c *ImageController) State() ImageState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// URL returns the confirmed image URL, empty when the slot is empty.
func (c *ImageController) URL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.url
}

// Sync adopts a snapshot from the room channel. While an operation is in
// flight the snapshot is held back and reconciled when the operation ends.
func (c *ImageController) Sync(room rooms.Room) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy {
		c.deferred = append(c.deferred, room)
		return
	}
	c.adoptLocked(room)
}

func (c *ImageController) adoptLocked(room rooms.Room) {
	c.url = room.Image()
	if c.url == "" {
		c.state = ImageEmpty
	} else {
		c.state = ImagePresent
	}
}

// Refresh re-reads the room and adopts its image.
func (c *ImageController) Refresh(ctx context.Context) error {
	room, err := c.session.Refresh(ctx)
	if err != nil {
		c.report(operationImageRefresh, "Failed to refresh image", err)
		return err
	}
	c.Sync(room)
	return nil
}

// Close detaches the controller from the session.
func (c *ImageController) Close() {
	c.unsubscribe()
}

// Upload stores data as the room's image and commits its URL. A replaced
// object is left in the blob store.
func (c *ImageController) Upload(ctx context.Context, filename, contentType string, data []byte) (string, error) {
	contentType, err := imageContentType(contentType, data)
	if err != nil {
		c.report(operationImageUpload, "Not an image", err)
		return "", err
	}

	previous, err := c.begin(ImageUploading)
	if err != nil {
		return "", err
	}

	code := c.session.Code()
	key := blobs.ObjectKey(code, filename, c.clock.Now())

	putCtx, cancelPut := context.WithTimeout(ctx, c.timeout)
	objectURL, err := c.blobs.Put(putCtx, key, contentType, data)
	cancelPut()
	if err != nil {
		c.abort(previous)
		err = fmt.Errorf("%w: store %s: %w", ErrUpload, key, err)
		c.report(operationImageUpload, "Failed to upload image", err)
		return "", err
	}
	if objectURL == "" {
		objectURL = c.blobs.PublicURL(key)
	}

	commitCtx, cancelCommit := context.WithTimeout(ctx, c.timeout)
	err = c.session.store.Update(commitCtx, code, rooms.ImageURLPatch(objectURL), c.clock.Now())
	cancelCommit()
	if err != nil {
		c.abort(previous)
		c.logger.Warn("image stored but not committed, object orphaned",
			zap.String("key", key),
			zap.Error(err))
		err = fmt.Errorf("%w: commit image of room %s: %w", ErrUpload, code, err)
		c.report(operationImageUpload, "Failed to save image", err)
		return "", err
	}

	c.complete(imageSlot{state: ImagePresent, url: objectURL})
	c.logger.Info("image uploaded", zap.String("key", key), zap.Int("bytes", len(data)))
	return objectURL, nil
}

// Clear deletes the current object best-effort and nulls the room's image.
func (c *ImageController) Clear(ctx context.Context) error {
	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return ErrOperationInProgress
	}
	if c.state == ImageEmpty {
		c.mu.Unlock()
		return nil
	}
	previous := imageSlot{state: c.state, url: c.url}
	c.state = ImageClearing
	c.busy = true
	c.deferred = nil
	c.mu.Unlock()

	code := c.session.Code()
	key := c.objectKey(code, previous.url)
	deleteCtx, cancelDelete := context.WithTimeout(ctx, c.timeout)
	if err := c.blobs.Delete(deleteCtx, key); err != nil {
		c.logger.Warn("image object delete failed",
			zap.String("key", key),
			zap.Error(fmt.Errorf("%w: %w", ErrStorageDelete, err)))
	}
	cancelDelete()

	commitCtx, cancelCommit := context.WithTimeout(ctx, c.timeout)
	err := c.session.store.Update(commitCtx, code, rooms.ImageURLPatch(""), c.clock.Now())
	cancelCommit()
	if err != nil {
		c.abort(previous)
		if !errors.Is(err, rooms.ErrRoomNotFound) {
			err = fmt.Errorf("%w: clear image of room %s: %w", ErrNetwork, code, err)
		}
		c.report(operationImageClear, "Failed to clear image", err)
		return err
	}

	c.complete(imageSlot{state: ImageEmpty})
	c.logger.Info("image cleared", zap.String("key", key))
	return nil
}

type imageSlot struct {
	state ImageState
	url   string
}

func (c *ImageController) begin(next ImageState) (imageSlot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy {
		return imageSlot{}, ErrOperationInProgress
	}
	previous := imageSlot{state: c.state, url: c.url}
	c.state = next
	c.busy = true
	c.deferred = nil
	return previous, nil
}

// abort ends a failed operation on the newest confirmed snapshot seen while
// it ran, or on the slot it started from when none arrived.
func (c *ImageController) abort(previous imageSlot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := len(c.deferred); n > 0 {
		c.adoptLocked(c.deferred[n-1])
	} else {
		c.state = previous.state
		c.url = previous.url
	}
	c.busy = false
	c.deferred = nil
}

// complete ends a committed operation. Snapshots that arrived after the echo
// of our own commit are newer than it and win.
func (c *ImageController) complete(committed imageSlot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	echo := -1
	for i, room := range c.deferred {
		if room.Image() == committed.url {
			echo = i
		}
	}
	if echo >= 0 && echo < len(c.deferred)-1 {
		c.adoptLocked(c.deferred[len(c.deferred)-1])
	} else {
		c.state = committed.state
		c.url = committed.url
	}
	c.busy = false
	c.deferred = nil
}

// objectKey maps the image URL back to its object key, falling back to the
// room namespace plus the last path segment for URLs from elsewhere.
func (c *ImageController) objectKey(code rooms.Code, imageURL string) string {
	if key, ok := c.blobs.KeyForURL(imageURL); ok {
		return key
	}
	name := imageURL
	if parsed, err := url.Parse(imageURL); err == nil {
		name = parsed.Path
	}
	return code.String() + "/" + path.Base(name)
}

func (c *ImageController) report(operation, title string, err error) {
	c.logger.Warn(title, zap.String("operation", operation), zap.Error(err))
	c.notifications.Notify(Event{
		Operation:   operation,
		Title:       title,
		Description: err.Error(),
		Err:         err,
	})
}

// imageContentType trusts a specific declared type and sniffs the payload
// when the type is missing or generic.
func imageContentType(declared string, data []byte) (string, error) {
	contentType := strings.TrimSpace(strings.ToLower(declared))
	if index := strings.Index(contentType, ";"); index >= 0 {
		contentType = strings.TrimSpace(contentType[:index])
	}
	if contentType == "" || contentType == genericContentType {
		contentType = mimetype.Detect(data).String()
	}
	if !strings.HasPrefix(contentType, "image/") {
		return "", fmt.Errorf("%w: %s", ErrNotImage, contentType)
	}
	return contentType, nil
}
