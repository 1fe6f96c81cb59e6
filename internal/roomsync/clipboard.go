package roomsync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
)

const (
	operationImageCopy     = "image.copy"
	operationImageDownload = "image.download"

	downloadPrefix    = "cliproom-image-"
	downloadExtension = ".png"
)

// ErrNoImage indicates the room has no image to copy or download.
var ErrNoImage = errors.New("roomsync: room has no image")

// Clipboard is the system clipboard.
type Clipboard interface {
	WriteImage(contentType string, data []byte) error
	WriteText(text string) error
}

// Object is a fetched image object.
type Object struct {
	ContentType string
	Data        []byte
}

// Fetcher downloads an object by its public URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Object, error)
}

// CopyOutcome records which step of the copy fallback chain succeeded.
type CopyOutcome int

const (
	CopyFailed CopyOutcome = iota
	CopiedImage
	CopiedURL
)

func (o CopyOutcome) String() string {
	switch o {
	case CopiedImage:
		return "image"
	case CopiedURL:
		return "url"
	default:
		return "failed"
	}
}

// CopyImage copies the image itself, then its URL as text. When neither
// reaches the clipboard it returns ErrClipboardUnsupported and the caller
// should offer Download.
func (c *ImageController) CopyImage(ctx context.Context, fetcher Fetcher, clipboard Clipboard) (CopyOutcome, error) {
	imageURL := c.URL()
	if imageURL == "" {
		return CopyFailed, ErrNoImage
	}

	imageErr := c.copyImageBytes(ctx, fetcher, clipboard, imageURL)
	if imageErr == nil {
		return CopiedImage, nil
	}
	c.logger.Debug("image copy failed, copying url", zap.Error(imageErr))

	textErr := clipboard.WriteText(imageURL)
	if textErr == nil {
		return CopiedURL, nil
	}

	err := fmt.Errorf("%w: %w", ErrClipboardUnsupported, errors.Join(imageErr, textErr))
	c.notifications.Notify(Event{
		Operation:   operationImageCopy,
		Title:       "Failed to copy image",
		Description: "Clipboard unavailable. Download the image instead.",
		Err:         err,
	})
	return CopyFailed, err
}

func (c *ImageController) copyImageBytes(ctx context.Context, fetcher Fetcher, clipboard Clipboard, imageURL string) error {
	fetchCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	object, err := fetcher.Fetch(fetchCtx, imageURL)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(object.ContentType, "image/") {
		return fmt.Errorf("%w: %s", ErrNotImage, object.ContentType)
	}
	return clipboard.WriteImage(object.ContentType, object.Data)
}

// Download saves the image into dir as cliproom-image-<unix-ms><ext> and
// returns the written path.
func (c *ImageController) Download(ctx context.Context, fetcher Fetcher, dir string) (string, error) {
	imageURL := c.URL()
	if imageURL == "" {
		return "", ErrNoImage
	}

	fetchCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	object, err := fetcher.Fetch(fetchCtx, imageURL)
	if err != nil {
		err = fmt.Errorf("%w: fetch %s: %w", ErrNetwork, imageURL, err)
		c.report(operationImageDownload, "Failed to download image", err)
		return "", err
	}

	extension := mimetype.Detect(object.Data).Extension()
	if extension == "" {
		extension = downloadExtension
	}
	target := filepath.Join(dir, fmt.Sprintf("%s%d%s", downloadPrefix, c.clock.Now().UnixMilli(), extension))
	if err := os.WriteFile(target, object.Data, 0o644); err != nil {
		err = fmt.Errorf("roomsync: write %s: %w", target, err)
		c.report(operationImageDownload, "Failed to download image", err)
		return "", err
	}
	c.logger.Info("image downloaded", zap.String("path", target))
	return target, nil
}
