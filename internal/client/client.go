package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/cliproom/internal/blobs"
	"github.com/MarcoPoloResearchLab/cliproom/internal/rooms"
	"github.com/MarcoPoloResearchLab/cliproom/internal/roomsync"
	"go.uber.org/zap"
)

// DefaultMaxFetchBytes bounds objects read back through Fetch.
const DefaultMaxFetchBytes = 32 << 20

var (
	errMissingBaseURL = errors.New("server url is required")
	errFetchTooLarge  = errors.New("client: fetched object exceeds size limit")
)

// APIError is a non-2xx response from the server.
type APIError struct {
	Status    int
	ErrorCode string
	Code      string
	cause     error
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server responded %d %s (%s)", e.Status, e.ErrorCode, e.Code)
	}
	return fmt.Sprintf("server responded %d %s", e.Status, e.ErrorCode)
}

// Unwrap exposes the domain sentinel matching the error code, if any.
func (e *APIError) Unwrap() error {
	return e.cause
}

type Config struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client talks to a cliproom server. It implements the room store and blob
// store used by the room session, and fetches image objects.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	logger  *zap.Logger
}

func New(cfg Config) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errMissingBaseURL
	}
	baseURL, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("client: parse server url: %w", err)
	}
	if baseURL.Scheme != "http" && baseURL.Scheme != "https" {
		return nil, fmt.Errorf("client: unsupported server url scheme %q", baseURL.Scheme)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{baseURL: baseURL, http: httpClient, logger: logger}, nil
}

func (c *Client) endpoint(segments ...string) string {
	escaped := make([]string, 0, len(segments))
	for _, segment := range segments {
		escaped = append(escaped, url.PathEscape(segment))
	}
	return c.baseURL.String() + "/" + strings.Join(escaped, "/")
}

// CreateRoom asks the server for a fresh room.
func (c *Client) CreateRoom(ctx context.Context) (rooms.Room, error) {
	var room rooms.Room
	if err := c.doJSON(ctx, http.MethodPost, c.endpoint("rooms"), nil, &room); err != nil {
		return rooms.Room{}, err
	}
	return room, nil
}

// ResolveRoom normalizes user input and looks the room up.
func (c *Client) ResolveRoom(ctx context.Context, rawCode string) (rooms.Room, error) {
	code, err := rooms.NewCode(rawCode)
	if err != nil {
		return rooms.Room{}, err
	}
	return c.Get(ctx, code)
}

func (c *Client) Get(ctx context.Context, code rooms.Code) (rooms.Room, error) {
	var room rooms.Room
	if err := c.doJSON(ctx, http.MethodGet, c.endpoint("rooms", code.String()), nil, &room); err != nil {
		return rooms.Room{}, err
	}
	return room, nil
}

// Update sends the touched columns. The server stamps last_updated itself.
func (c *Client) Update(ctx context.Context, code rooms.Code, patch rooms.Patch, _ time.Time) error {
	body := make(map[string]*string, 2)
	if patch.TextContent != nil {
		body["text_content"] = patch.TextContent.Value
	}
	if patch.ImageURL != nil {
		body["image_url"] = patch.ImageURL.Value
	}
	return c.doJSON(ctx, http.MethodPatch, c.endpoint("rooms", code.String()), body, nil)
}

type putResponse struct {
	Key string `json:"key"`
	URL string `json:"url"`
}

// Put uploads an object under key and returns its public URL.
func (c *Client) Put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	code, name, err := blobs.SplitKey(key)
	if err != nil {
		return "", err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPut, c.endpoint("blobs", code.String(), name), bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("client: build upload request: %w", err)
	}
	request.Header.Set("Content-Type", contentType)

	var response putResponse
	if err := c.do(request, &response); err != nil {
		return "", err
	}
	return response.URL, nil
}

// PublicURL is where the server serves key, assuming it publishes under its own address.
func (c *Client) PublicURL(key string) string {
	code, name, err := blobs.SplitKey(key)
	if err != nil {
		return c.endpoint("blobs") + "/" + key
	}
	return c.endpoint("blobs", code.String(), name)
}

func (c *Client) KeyForURL(rawURL string) (string, bool) {
	return blobs.KeyFromURL(rawURL)
}

func (c *Client) Delete(ctx context.Context, key string) error {
	code, name, err := blobs.SplitKey(key)
	if err != nil {
		return err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.endpoint("blobs", code.String(), name), http.NoBody)
	if err != nil {
		return fmt.Errorf("client: build delete request: %w", err)
	}
	return c.do(request, nil)
}

// Fetch downloads any object URL, not only ones served by this server.
func (c *Client) Fetch(ctx context.Context, objectURL string) (roomsync.Object, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, objectURL, http.NoBody)
	if err != nil {
		return roomsync.Object{}, fmt.Errorf("client: build fetch request: %w", err)
	}
	response, err := c.http.Do(request)
	if err != nil {
		return roomsync.Object{}, fmt.Errorf("client: fetch %s: %w", objectURL, err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return roomsync.Object{}, &APIError{Status: response.StatusCode, ErrorCode: http.StatusText(response.StatusCode)}
	}
	data, err := io.ReadAll(io.LimitReader(response.Body, DefaultMaxFetchBytes+1))
	if err != nil {
		return roomsync.Object{}, fmt.Errorf("client: read %s: %w", objectURL, err)
	}
	if len(data) > DefaultMaxFetchBytes {
		return roomsync.Object{}, errFetchTooLarge
	}
	contentType := response.Header.Get("Content-Type")
	if index := strings.Index(contentType, ";"); index >= 0 {
		contentType = strings.TrimSpace(contentType[:index])
	}
	return roomsync.Object{ContentType: contentType, Data: data}, nil
}

// ExpiredCount reports how many rooms the next sweep would delete.
func (c *Client) ExpiredCount(ctx context.Context) (int64, error) {
	var response struct {
		Expired int64 `json:"expired"`
	}
	if err := c.doJSON(ctx, http.MethodGet, c.endpoint("maintenance", "expired"), nil, &response); err != nil {
		return 0, err
	}
	return response.Expired, nil
}

// SweepExpired asks the server to delete expired rooms now.
func (c *Client) SweepExpired(ctx context.Context) (int64, error) {
	var response struct {
		Deleted int64 `json:"deleted"`
	}
	if err := c.doJSON(ctx, http.MethodPost, c.endpoint("maintenance", "sweep"), nil, &response); err != nil {
		return 0, err
	}
	return response.Deleted, nil
}

func (c *Client) doJSON(ctx context.Context, method, endpoint string, body any, out any) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("client: encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	request, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("client: build request: %w", err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	return c.do(request, out)
}

func (c *Client) do(request *http.Request, out any) error {
	response, err := c.http.Do(request)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", request.Method, request.URL.Path, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		apiErr := decodeAPIError(response)
		c.logger.Debug("server rejected request",
			zap.String("method", request.Method),
			zap.String("path", request.URL.Path),
			zap.Int("status", apiErr.Status),
			zap.String("error", apiErr.ErrorCode))
		return apiErr
	}
	if out == nil || response.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode %s response: %w", request.URL.Path, err)
	}
	return nil
}

func decodeAPIError(response *http.Response) *APIError {
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	_ = json.NewDecoder(io.LimitReader(response.Body, 4096)).Decode(&body)
	if body.Error == "" {
		body.Error = strings.ToLower(strings.ReplaceAll(http.StatusText(response.StatusCode), " ", "_"))
	}
	return &APIError{
		Status:    response.StatusCode,
		ErrorCode: body.Error,
		Code:      body.Code,
		cause:     sentinelFor(body.Error),
	}
}

func sentinelFor(errorCode string) error {
	switch errorCode {
	case "room_not_found":
		return rooms.ErrRoomNotFound
	case "invalid_room_code":
		return rooms.ErrInvalidCode
	case "room_creation_failed":
		return rooms.ErrRoomCreation
	case "object_not_found":
		return blobs.ErrObjectNotFound
	case "object_exists":
		return blobs.ErrObjectExists
	case "invalid_object_key":
		return blobs.ErrInvalidKey
	case "unsupported_media_type":
		return roomsync.ErrNotImage
	default:
		return nil
	}
}
