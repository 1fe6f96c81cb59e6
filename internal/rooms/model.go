package rooms

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// CodeLength is the fixed number of characters in a room code.
const CodeLength = 6

var (
	// ErrInvalidCode indicates that a room code is not six alphanumeric characters.
	ErrInvalidCode = errors.New("rooms: invalid room code")
	// ErrRoomNotFound indicates that no live room matches the code.
	ErrRoomNotFound = errors.New("rooms: room not found")
	// ErrDuplicateCode indicates that the code is already taken by another room.
	ErrDuplicateCode = errors.New("rooms: duplicate room code")
	// ErrRoomCreation indicates that a room could not be created.
	ErrRoomCreation = errors.New("rooms: room creation failed")
)

// Code represents a validated, canonical (uppercase) room code.
type Code string

// NewCode normalizes user input and validates it as a room code.
func NewCode(rawInput string) (Code, error) {
	normalized := strings.ToUpper(strings.TrimSpace(rawInput))
	if len(normalized) != CodeLength {
		return "", fmt.Errorf("%w: must be %d characters", ErrInvalidCode, CodeLength)
	}
	for _, r := range normalized {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return "", fmt.Errorf("%w: %q is not alphanumeric", ErrInvalidCode, r)
		}
	}
	return Code(normalized), nil
}

// String returns the underlying code.
func (c Code) String() string {
	return string(c)
}

// Room models the persisted room row.
type Room struct {
	ID          string    `gorm:"column:id;primaryKey;size:64;not null" json:"id"`
	Code        string    `gorm:"column:code;size:6;not null;uniqueIndex:idx_rooms_code" json:"code"`
	TextContent *string   `gorm:"column:text_content;type:text" json:"text_content"`
	ImageURL    *string   `gorm:"column:image_url;size:2048" json:"image_url"`
	LastUpdated time.Time `gorm:"column:last_updated;not null" json:"last_updated"`
	CreatedAt   time.Time `gorm:"column:created_at;not null;index:idx_rooms_created_at" json:"created_at"`
}

// TableName provides the explicit table binding for GORM.
func (Room) TableName() string {
	return "rooms"
}

// Text returns the text content or an empty string when unset.
func (r Room) Text() string {
	if r.TextContent == nil {
		return ""
	}
	return *r.TextContent
}

// Image returns the image URL or an empty string when unset.
func (r Room) Image() string {
	if r.ImageURL == nil {
		return ""
	}
	return *r.ImageURL
}

// FieldUpdate carries the new value of a single nullable column.
// A nil Value clears the column.
type FieldUpdate struct {
	Value *string
}

// Patch lists the columns a writer intends to change. Nil fields are left untouched
// so that a text update never clears the image and vice versa.
type Patch struct {
	TextContent *FieldUpdate
	ImageURL    *FieldUpdate
}

// TextPatch builds a patch replacing the text content. Empty text is stored as NULL.
func TextPatch(text string) Patch {
	var value *string
	if text != "" {
		value = &text
	}
	return Patch{TextContent: &FieldUpdate{Value: value}}
}

// ImageURLPatch builds a patch replacing the image reference. Empty clears it.
func ImageURLPatch(url string) Patch {
	var value *string
	if url != "" {
		value = &url
	}
	return Patch{ImageURL: &FieldUpdate{Value: value}}
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.TextContent == nil && p.ImageURL == nil
}

func (p Patch) columns(at time.Time) map[string]any {
	columns := map[string]any{"last_updated": at}
	if p.TextContent != nil {
		columns["text_content"] = nullableColumn(p.TextContent.Value)
	}
	if p.ImageURL != nil {
		columns["image_url"] = nullableColumn(p.ImageURL.Value)
	}
	return columns
}

func nullableColumn(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}
