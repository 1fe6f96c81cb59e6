// Package clipboard binds the room client to the system clipboard.
package clipboard

import (
	"errors"
	"fmt"

	"github.com/atotto/clipboard"
)

// ErrImageUnsupported is returned for image writes; the system clipboard
// binding only carries text.
var ErrImageUnsupported = errors.New("clipboard: image payloads are not supported")

var errNoUtility = errors.New("clipboard: no clipboard utility available")

// System writes to the operating system clipboard.
type System struct {
	writeAll    func(string) error
	readAll     func() (string, error)
	unsupported bool
}

func NewSystem() *System {
	return &System{
		writeAll:    clipboard.WriteAll,
		readAll:     clipboard.ReadAll,
		unsupported: clipboard.Unsupported,
	}
}

// Available reports whether a clipboard utility was found on this machine.
func (s *System) Available() bool {
	return !s.unsupported
}

func (s *System) WriteImage(contentType string, _ []byte) error {
	return fmt.Errorf("%w: %s", ErrImageUnsupported, contentType)
}

func (s *System) WriteText(text string) error {
	if !s.Available() {
		return errNoUtility
	}
	if err := s.writeAll(text); err != nil {
		return fmt.Errorf("clipboard: write text: %w", err)
	}
	return nil
}

func (s *System) ReadText() (string, error) {
	if !s.Available() {
		return "", errNoUtility
	}
	text, err := s.readAll()
	if err != nil {
		return "", fmt.Errorf("clipboard: read text: %w", err)
	}
	return text, nil
}
