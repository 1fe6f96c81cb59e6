package blobs

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/cliproom/internal/rooms"
	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
)

// PublicPathPrefix is the URL path under which objects are served.
const PublicPathPrefix = "/blobs/"

const maxNameLength = 160

var (
	// ErrInvalidKey indicates a key outside the <CODE>/<name> namespace.
	ErrInvalidKey = errors.New("blobs: invalid object key")
	// ErrObjectExists indicates an upload would overwrite an existing object.
	ErrObjectExists = errors.New("blobs: object already exists")
	// ErrObjectNotFound indicates no object is stored under the key.
	ErrObjectNotFound = errors.New("blobs: object not found")

	errMissingDirectory = errors.New("blob directory is required")
)

// ObjectKey builds the storage key for an upload: the room code as namespace,
// then the upload time in unix milliseconds and the sanitized file name.
// The whole name segment stays within the length SplitKey accepts.
func ObjectKey(code rooms.Code, filename string, now time.Time) string {
	prefix := fmt.Sprintf("%d-", now.UnixMilli())
	name := SanitizeName(filename)
	if limit := maxNameLength - len(prefix); len(name) > limit {
		name = strings.TrimLeft(name[len(name)-limit:], ".-")
	}
	return code.String() + "/" + prefix + name
}

// SanitizeName keeps the base name and replaces characters unsafe in paths and URLs.
func SanitizeName(filename string) string {
	base := filepath.Base(strings.ReplaceAll(filename, "\\", "/"))
	var builder strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			builder.WriteRune(r)
		default:
			builder.WriteRune('-')
		}
	}
	name := strings.Trim(builder.String(), ".-")
	if name == "" {
		name = "image"
	}
	if len(name) > maxNameLength {
		name = name[len(name)-maxNameLength:]
	}
	return name
}

// SplitKey validates a key and returns its room namespace and object name.
func SplitKey(key string) (rooms.Code, string, error) {
	segments := strings.Split(key, "/")
	if len(segments) != 2 {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	code, err := rooms.NewCode(segments[0])
	if err != nil || code.String() != segments[0] {
		return "", "", fmt.Errorf("%w: namespace %q", ErrInvalidKey, segments[0])
	}
	name := segments[1]
	if name == "" || SanitizeName(name) != name {
		return "", "", fmt.Errorf("%w: name %q", ErrInvalidKey, name)
	}
	return code, name, nil
}

type FileStoreConfig struct {
	Directory     string
	PublicBaseURL string
	Logger        *zap.Logger
}

// FileStore keeps objects on the local filesystem, one directory per room code,
// and resolves them to URLs served by the HTTP server.
type FileStore struct {
	directory string
	baseURL   string
	logger    *zap.Logger
}

func NewFileStore(cfg FileStoreConfig) (*FileStore, error) {
	if strings.TrimSpace(cfg.Directory) == "" {
		return nil, errMissingDirectory
	}
	if err := os.MkdirAll(cfg.Directory, 0o755); err != nil {
		return nil, fmt.Errorf("blobs: create directory %s: %w", cfg.Directory, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{
		directory: cfg.Directory,
		baseURL:   strings.TrimRight(cfg.PublicBaseURL, "/"),
		logger:    logger,
	}, nil
}

func (s *FileStore) path(key string) (string, error) {
	code, name, err := SplitKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.directory, code.String(), name), nil
}

// Put stores data under key and returns its public URL. Existing objects are never overwritten.
func (s *FileStore) Put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	target, err := s.path(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("blobs: create namespace for %s: %w", key, err)
	}

	temp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("blobs: stage %s: %w", key, err)
	}
	tempName := temp.Name()
	defer os.Remove(tempName) //nolint:errcheck

	if _, err := temp.Write(data); err != nil {
		_ = temp.Close()
		return "", fmt.Errorf("blobs: write %s: %w", key, err)
	}
	if err := temp.Close(); err != nil {
		return "", fmt.Errorf("blobs: close %s: %w", key, err)
	}
	// a hard link fails if the target exists, which keeps puts non-overwriting
	if err := os.Link(tempName, target); err != nil {
		if errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("%w: %s", ErrObjectExists, key)
		}
		return "", fmt.Errorf("blobs: publish %s: %w", key, err)
	}

	s.logger.Debug("blob stored",
		zap.String("key", key),
		zap.String("content_type", contentType),
		zap.Int("bytes", len(data)))
	return s.PublicURL(key), nil
}

// PublicURL resolves a key to the URL clients fetch it from.
func (s *FileStore) PublicURL(key string) string {
	segments := strings.Split(key, "/")
	for index, segment := range segments {
		segments[index] = url.PathEscape(segment)
	}
	return s.baseURL + PublicPathPrefix + strings.Join(segments, "/")
}

// KeyForURL extracts the object key from a public URL.
func (s *FileStore) KeyForURL(rawURL string) (string, bool) {
	return KeyFromURL(rawURL)
}

// KeyFromURL extracts the <CODE>/<name> key from any URL whose path contains the public prefix.
func KeyFromURL(rawURL string) (string, bool) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	index := strings.LastIndex(parsed.Path, PublicPathPrefix)
	if index < 0 {
		return "", false
	}
	key := parsed.Path[index+len(PublicPathPrefix):]
	if _, _, err := SplitKey(key); err != nil {
		return "", false
	}
	return key, true
}

// Delete removes the object stored under key.
func (s *FileStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return fmt.Errorf("blobs: delete %s: %w", key, err)
	}
	s.logger.Debug("blob deleted", zap.String("key", key))
	return nil
}

// Object describes a stored object ready to be served.
type Object struct {
	Path        string
	ContentType string
	Size        int64
	ModTime     time.Time
}

// Stat locates the object and sniffs its content type.
func (s *FileStore) Stat(key string) (Object, error) {
	target, err := s.path(key)
	if err != nil {
		return Object{}, err
	}
	info, err := os.Stat(target)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Object{}, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return Object{}, fmt.Errorf("blobs: stat %s: %w", key, err)
	}
	detected, err := mimetype.DetectFile(target)
	if err != nil {
		return Object{}, fmt.Errorf("blobs: detect type of %s: %w", key, err)
	}
	return Object{
		Path:        target,
		ContentType: detected.String(),
		Size:        info.Size(),
		ModTime:     info.ModTime(),
	}, nil
}
