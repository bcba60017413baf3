// Package multiplexer wraps an external terminal multiplexer (tmux) process.
// It is the lowest leaf component in the system: the Session Supervisor
// (internal/session) wraps it and turns its polled state into bus events,
// but this package itself knows nothing about sessions, tickets, or the
// bus — only panes, windows, and multiplexer sessions.
//
// Grounded on _examples/loppo-llc-kojo/internal/session/tmux.go: shell
// quoting and the new-session/kill-session/has-session/capture-pane/pipe-pane
// command shapes are adapted here from the teacher's package-level functions into methods on an Adapter so the
// tmux session-name prefix and command timeout are configurable instead of
// hardcoded.
package multiplexer

import (
	"strings"
	"time"

	"github.com/sessiond/sessiond/internal/errs"
)

// PaneID is an opaque multiplexer pane identifier. Per SPEC_FULL.md §4.1 the
// implementation convention is a token beginning with "%"; anything else is
// rejected at the boundary so sentinel placeholders (e.g. a literal
// "claude-code") can never be mistaken for a real pane.
type PaneID string

// Valid reports whether id has the shape of a real multiplexer pane id.
func (id PaneID) Valid() bool {
	return strings.HasPrefix(string(id), "%") && len(id) > 1
}

func validatePane(id PaneID) error {
	if !id.Valid() {
		return errs.Validationf("invalid pane id %q: must begin with %%", string(id))
	}
	return nil
}

// SplitAxis selects how create_pane splits an existing window.
type SplitAxis string

const (
	SplitNone       SplitAxis = ""
	SplitHorizontal SplitAxis = "horizontal"
	SplitVertical   SplitAxis = "vertical"
)

// CreatePaneOpts are the optional parameters to Adapter.CreatePane.
type CreatePaneOpts struct {
	Window         string
	SplitAxis      SplitAxis
	Cwd            string
	InitialCommand string
}

// PaneInfo is the result of Adapter.GetPane.
type PaneInfo struct {
	Session string
	Window  string
	Index   int
	PID     int
	Active  bool
	Title   string
}

// Dimensions is the result of Adapter.GetPaneDimensions.
type Dimensions struct {
	Cols uint16
	Rows uint16
}

// CapturePaneOpts are the optional parameters to Adapter.CapturePane.
type CapturePaneOpts struct {
	Lines                int // 0 means "default history depth"
	StripControlSequences bool
	StartLine            *int
	EndLine              *int
}

// DefaultCommandTimeout is the hard timeout SPEC_FULL.md §5 imposes on every
// multiplexer command.
const DefaultCommandTimeout = 30 * time.Second
