package term

import "testing"

func TestConsoleRendersPlainText(t *testing.T) {
	c := NewConsole(10, 2)
	c.Write([]byte("hi"))

	out := c.Render()
	if got, want := firstLine(out), "hi"; got != want {
		t.Errorf("first line: got %q, want %q", got, want)
	}
}

func TestConsoleTracksCursorAfterNewline(t *testing.T) {
	c := NewConsole(10, 3)
	c.Write([]byte("a\r\nb"))
	c.Sync()

	x, y := c.grid.CursorPosition()
	if y != 1 {
		t.Errorf("cursor row: got %d, want 1", y)
	}
	if x != 1 {
		t.Errorf("cursor col: got %d, want 1", x)
	}
}

func TestConsoleResize(t *testing.T) {
	c := NewConsole(10, 2)
	c.Resize(20, 5)

	cols, rows := c.grid.Size()
	if cols != 20 || rows != 5 {
		t.Errorf("grid size after resize: got %dx%d, want 20x5", cols, rows)
	}
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
