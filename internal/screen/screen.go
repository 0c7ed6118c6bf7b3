// Package screen keeps an in-memory model of a pane's visible screen so it
// can be inspected without replaying output.
package screen

import (
	"bytes"
	"strings"
	"sync"

	"github.com/hinshun/vt10x"
	"github.com/klauspost/compress/gzip"
)

// Screen is a virtual terminal fed with a pane's output.
type Screen struct {
	mu sync.Mutex
	vt vt10x.Terminal
}

// New returns a blank screen of the given size.
func New(cols, rows int) *Screen {
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}
	return &Screen{vt: vt10x.New(vt10x.WithSize(cols, rows))}
}

// Write feeds terminal output into the model. It never fails.
func (s *Screen) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.vt.Write(p)
	return len(p), nil
}

// Resize changes the model geometry.
func (s *Screen) Resize(cols, rows int) {
	if cols <= 0 || rows <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vt.Resize(cols, rows)
}

// Size returns the current geometry.
func (s *Screen) Size() (cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vt.Size()
}

// Text renders the visible screen as plain text, one line per row with
// trailing blanks removed. Trailing empty rows are dropped.
func (s *Screen) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	cols, rows := s.vt.Size()
	lines := make([]string, rows)
	var row strings.Builder
	for y := 0; y < rows; y++ {
		row.Reset()
		for x := 0; x < cols; x++ {
			ch := s.vt.Cell(x, y).Char
			if ch == 0 {
				ch = ' '
			}
			row.WriteRune(ch)
		}
		lines[y] = strings.TrimRight(row.String(), " ")
	}

	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}

// Compressed returns Text gzip-compressed.
func (s *Screen) Compressed() ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write([]byte(s.Text())); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
