package term

import (
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/x/ansi"
	"github.com/charmbracelet/x/vt"
)

// Console is a headless VT100 terminal: it feeds guest UART bytes through a
// github.com/charmbracelet/x/vt emulator and keeps a Grid in sync with the
// resulting screen state, the same emulator-to-grid pipeline the teacher's
// windowed Terminal uses, minus the GPU rendering step. It has no window of
// its own; callers read back Render()'d screen text.
type Console struct {
	mu   sync.Mutex
	emu  *vt.SafeEmulator
	grid *Grid
}

// NewConsole creates a headless console of the given size and wires up the
// same query-suppression rules the windowed terminal applies, so a guest
// probing for DSR/DA replies doesn't get any (there is no human typing replies
// back here either).
func NewConsole(cols, rows int) *Console {
	emu := vt.NewSafeEmulator(cols, rows)
	disableVTQueriesThatBreakGuests(emu)

	return &Console{
		emu:  emu,
		grid: NewGrid(cols, rows),
	}
}

// Write feeds raw UART TX bytes (including ANSI escape sequences) into the
// emulator. It implements io.Writer.
func (c *Console) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.emu.Write(p)
}

var _ io.Writer = (*Console)(nil)

// Resize changes the console's column/row count.
func (c *Console) Resize(cols, rows int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emu.Resize(cols, rows)
	c.grid.Resize(cols, rows)
}

// Sync copies cell state from the VT emulator into the Grid, marking changed
// cells dirty, mirroring the windowed terminal's syncGridFromEmulator.
func (c *Console) Sync() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncLocked()
}

func (c *Console) syncLocked() {
	cols, rows := c.grid.Size()
	bgDefault := c.emu.BackgroundColor()
	fgDefault := c.emu.ForegroundColor()

	for y := 0; y < rows; y++ {
		for x := 0; x < cols; {
			cell := c.emu.CellAt(x, y)
			w := 1
			content := " "
			fg := fgDefault
			bg := bgDefault
			var attrs uint8

			if cell != nil {
				content = cell.Content
				if cell.Width > 1 {
					w = cell.Width
				}
				if cell.Style.Fg != nil {
					fg = cell.Style.Fg
				}
				if cell.Style.Bg != nil {
					bg = cell.Style.Bg
				}
				attrs = uint8(cell.Style.Attrs)
			}

			if attrs&uint8(1<<5) != 0 { // reverse video
				fg, bg = bg, fg
			}

			c.grid.SetCell(x, y, content, w, fg, bg, attrs)
			x += w
		}
	}

	cur := c.emu.CursorPosition()
	c.grid.UpdateCursor(cur.X, cur.Y)
}

// Render synchronizes against the emulator and returns the current screen as
// plain text, one line per row, trailing spaces trimmed.
func (c *Console) Render() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncLocked()

	cols, rows := c.grid.Size()
	var b strings.Builder
	for y := 0; y < rows; y++ {
		var line strings.Builder
		for x := 0; x < cols; x++ {
			cell := c.grid.CellAt(x, y)
			if cell == nil || cell.Content == "" {
				line.WriteByte(' ')
				continue
			}
			line.WriteString(cell.Content)
		}
		b.WriteString(strings.TrimRight(line.String(), " "))
		b.WriteByte('\n')
		c.grid.ClearDirty()
	}
	return b.String()
}

// disableVTQueriesThatBreakGuests prevents the VT emulator from writing
// "terminal reply" bytes (cursor position reports, device attributes) back
// into its input stream: with no human at a keyboard to have solicited them,
// a guest shell that echoes them back would otherwise see a steady trickle of
// unsolicited escape sequences as if they were typed input.
func disableVTQueriesThatBreakGuests(emu *vt.SafeEmulator) {
	if emu == nil {
		return
	}

	emu.RegisterCsiHandler('n', func(params ansi.Params) bool {
		n, _, ok := params.Param(0, 1)
		if !ok || n == 0 {
			return false
		}
		switch n {
		case 5, 6:
			return true
		default:
			return false
		}
	})

	emu.RegisterCsiHandler(ansi.Command('?', 0, 'n'), func(params ansi.Params) bool {
		n, _, ok := params.Param(0, 1)
		if !ok || n == 0 {
			return false
		}
		return n == 6
	})

	emu.RegisterCsiHandler('c', func(params ansi.Params) bool {
		n, _, _ := params.Param(0, 0)
		return n == 0
	})
	emu.RegisterCsiHandler(ansi.Command('>', 0, 'c'), func(params ansi.Params) bool {
		n, _, _ := params.Param(0, 0)
		return n == 0
	})
}
