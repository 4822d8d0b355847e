// Package desktop binds the local desktop through robotgo: it is the input
// injection sink, the local clipboard, and the pointer position source for
// capture backends that cannot report the cursor themselves.
package desktop

import (
	"fmt"
	"sync"

	"github.com/go-vgo/robotgo"

	"rdpbridge/internal/types"
)

// Sink injects input with robotgo. It satisfies input.Sink.
type Sink struct {
	mu     sync.Mutex
	closed bool
}

func NewSink() *Sink { return &Sink{} }

func (s *Sink) check(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.Errorf(types.KindBackendUnavailable, op, "sink closed")
	}
	return nil
}

func (s *Sink) Pointer(x, y int, relative bool) error {
	if err := s.check("desktop.pointer"); err != nil {
		return err
	}
	if relative {
		robotgo.MoveRelative(x, y)
		return nil
	}
	robotgo.Move(x, y)
	return nil
}

func (s *Sink) Button(button string, pressed bool) error {
	if err := s.check("desktop.button"); err != nil {
		return err
	}
	if err := robotgo.Toggle(button, direction(pressed)); err != nil {
		return types.NewError(types.KindBackendUnavailable, "desktop.button", fmt.Errorf("%s: %w", button, err))
	}
	return nil
}

func (s *Sink) Wheel(dx, dy int) error {
	if err := s.check("desktop.wheel"); err != nil {
		return err
	}
	robotgo.Scroll(dx, dy)
	return nil
}

func (s *Sink) Key(key string, pressed bool) error {
	if err := s.check("desktop.key"); err != nil {
		return err
	}
	if err := robotgo.KeyToggle(key, direction(pressed)); err != nil {
		return types.NewError(types.KindBackendUnavailable, "desktop.key", fmt.Errorf("%s: %w", key, err))
	}
	return nil
}

func (s *Sink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func direction(pressed bool) string {
	if pressed {
		return "down"
	}
	return "up"
}

// Clipboard reads and writes the desktop clipboard as UTF-8 text.
type Clipboard struct{}

func (Clipboard) ReadText() (string, error) {
	text, err := robotgo.ReadAll()
	if err != nil {
		return "", types.NewError(types.KindBackendUnavailable, "desktop.clipboard.read", err)
	}
	return text, nil
}

func (Clipboard) WriteText(text string) error {
	if err := robotgo.WriteAll(text); err != nil {
		return types.NewError(types.KindBackendUnavailable, "desktop.clipboard.write", err)
	}
	return nil
}

// PointerPosition returns the pointer in desktop coordinates.
func PointerPosition() (x, y int) {
	return robotgo.GetMousePos()
}
