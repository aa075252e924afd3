package notify

import (
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"
)

// Console prints notifications to a terminal, one line per event.
type Console struct {
	mu sync.Mutex
	w  io.Writer

	// ShowState also prints recording state transitions.
	ShowState bool
}

// NewConsole writes to w. Colour is disabled automatically when w is not a TTY
// (fatih/color checks NO_COLOR and the terminal on stdout).
func NewConsole(w io.Writer) *Console {
	return &Console{w: w, ShowState: true}
}

var levelColors = map[Level]*color.Color{
	LevelSuccess: color.New(color.FgGreen, color.Bold),
	LevelError:   color.New(color.FgRed, color.Bold),
	LevelInfo:    color.New(color.FgBlue),
	LevelWarning: color.New(color.FgYellow),
}

var levelMarks = map[Level]string{
	LevelSuccess: "✔",
	LevelError:   "✖",
	LevelInfo:    "•",
	LevelWarning: "!",
}

func (c *Console) Publish(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev.Type {
	case TypeNotification, TypeInbox:
		col, ok := levelColors[ev.Level]
		if !ok {
			col = levelColors[LevelInfo]
		}
		mark := levelMarks[ev.Level]
		if mark == "" {
			mark = "•"
		}
		msg := ev.Message
		if ev.File != "" {
			msg = fmt.Sprintf("%s (%s)", msg, ev.File)
		}
		col.Fprintf(c.w, "%s %s\n", mark, msg)
	case TypeState:
		if c.ShowState {
			color.New(color.Faint).Fprintf(c.w, "  [%s]\n", ev.State)
		}
	}
}
