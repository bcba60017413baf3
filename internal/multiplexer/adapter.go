package multiplexer

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sessiond/sessiond/internal/errs"
)

// Adapter drives a tmux server. Every method is safe for concurrent use:
// tmux itself serializes access to a given session, and the Adapter holds
// no mutable state beyond its configuration, so no internal locking is
// needed.
type Adapter struct {
	// SessionPrefix namespaces every multiplexer session this adapter
	// creates/lists, generalizing the teacher's hardcoded "kojo_" prefix.
	SessionPrefix string
	// Timeout bounds every external tmux invocation.
	Timeout time.Duration
	// FifoDir is the directory pipe-pane FIFOs are created under.
	FifoDir string
	Log     *slog.Logger
}

// New returns an Adapter with SPEC_FULL.md §5 defaults.
func New(sessionPrefix string, log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		SessionPrefix: sessionPrefix,
		Timeout:       DefaultCommandTimeout,
		FifoDir:       filepath.Join(os.TempDir(), strings.TrimSuffix(sessionPrefix, "_")),
		Log:           log,
	}
}

func (a *Adapter) run(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, a.Timeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "tmux", args...).CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return out, errs.Timeoutf("tmux %s timed out", strings.Join(args, " "))
		}
		if isNoServerErr(err, out) {
			return out, errs.Externalf(err, "multiplexer unavailable: no tmux server")
		}
		return out, errs.Externalf(err, "tmux %s: %s", strings.Join(args, " "), strings.TrimSpace(string(out)))
	}
	return out, nil
}

func isNoServerErr(err error, out []byte) bool {
	msg := strings.ToLower(string(out))
	return strings.Contains(msg, "no server running") || strings.Contains(msg, "no current session")
}

// shellQuote wraps s in single quotes, escaping embedded single quotes, so
// it round-trips through a shell even when it contains apostrophes or
// spaces. Adapted verbatim from the teacher's shellQuote.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func (a *Adapter) sessionName(id string) string {
	return a.SessionPrefix + id
}

// ListSessions returns the bare multiplexer session ids (prefix stripped)
// for every session this adapter owns.
func (a *Adapter) ListSessions(ctx context.Context) ([]string, error) {
	out, err := a.run(ctx, "list-sessions", "-F", "#{session_name}")
	if err != nil {
		if errs.KindOf(err) == errs.External && strings.Contains(err.Error(), "no tmux server") {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if name, ok := strings.CutPrefix(line, a.SessionPrefix); ok {
			ids = append(ids, name)
		}
	}
	return ids, nil
}

// SessionExists reports whether the multiplexer session for id exists.
func (a *Adapter) SessionExists(ctx context.Context, id string) bool {
	_, err := a.run(ctx, "has-session", "-t", a.sessionName(id))
	return err == nil
}

// ListWindows lists window indices for a multiplexer session.
func (a *Adapter) ListWindows(ctx context.Context, id string) ([]string, error) {
	out, err := a.run(ctx, "list-windows", "-t", a.sessionName(id), "-F", "#{window_index}")
	if err != nil {
		return nil, errs.NotFoundf("multiplexer_session", id)
	}
	return splitLines(out), nil
}

// ListPanes lists pane ids for a window target ("<id>" or "<id>:<window>").
func (a *Adapter) ListPanes(ctx context.Context, target string) ([]PaneID, error) {
	out, err := a.run(ctx, "list-panes", "-t", a.sessionName(target), "-F", "#{pane_id}")
	if err != nil {
		return nil, errs.NotFoundf("window", target)
	}
	var panes []PaneID
	for _, l := range splitLines(out) {
		panes = append(panes, PaneID(l))
	}
	return panes, nil
}

func splitLines(out []byte) []string {
	var lines []string
	for _, l := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		l = strings.TrimSpace(l)
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

// CreateSession creates a detached multiplexer session named id, running
// initialCommand in cwd, and returns its initial pane id.
//
// Adapted from the teacher's tmuxNewSession: wraps the command in the
// user's login shell with PATH unset so it rebuilds exactly as it would in
// an interactive terminal, sets remain-on-exit so the pane survives process
// exit for post-mortem capture, and disables the status bar/mouse/prefix so
// the multiplexer stays transparent to attached clients.
func (a *Adapter) CreateSession(ctx context.Context, id, cwd, initialCommand string) (PaneID, error) {
	name := a.sessionName(id)
	shell := loginShellPath()
	wrapped := "unset PATH; " + shellQuote(shell) + " -lc " + shellQuote(initialCommand)

	if _, err := a.run(ctx, "new-session", "-d", "-s", name, "-c", cwd, "-x", "120", "-y", "36", wrapped); err != nil {
		return "", err
	}
	_, _ = a.run(ctx, "set-option", "-t", name, "remain-on-exit", "on")
	_, _ = a.run(ctx, "set-option", "-t", name, "default-terminal", "xterm-256color")
	_, _ = a.run(ctx, "set-option", "-t", name, "prefix", "None")
	_, _ = a.run(ctx, "set-option", "-t", name, "status", "off")
	_, _ = a.run(ctx, "set-option", "-t", name, "mouse", "off")

	panes, err := a.ListPanes(ctx, id)
	if err != nil || len(panes) == 0 {
		return "", errs.Externalf(err, "no pane after session create")
	}
	if !panes[0].Valid() {
		return "", errs.Invariantf("tmux returned malformed pane id %q", panes[0])
	}
	return panes[0], nil
}

// CreatePane creates an additional pane within an existing session,
// honoring the optional window/split/cwd/initial-command parameters of
// SPEC_FULL.md §4.1's create_pane.
func (a *Adapter) CreatePane(ctx context.Context, sessionID string, opts CreatePaneOpts) (PaneID, error) {
	target := a.sessionName(sessionID)
	if opts.Window != "" {
		target = target + ":" + opts.Window
	}
	args := []string{"split-window", "-P", "-F", "#{pane_id}", "-t", target}
	switch opts.SplitAxis {
	case SplitHorizontal:
		args = append(args, "-v")
	case SplitVertical:
		args = append(args, "-h")
	}
	if opts.Cwd != "" {
		args = append(args, "-c", opts.Cwd)
	}
	if opts.InitialCommand != "" {
		shell := loginShellPath()
		args = append(args, "unset PATH; "+shellQuote(shell)+" -lc "+shellQuote(opts.InitialCommand))
	}
	out, err := a.run(ctx, args...)
	if err != nil {
		return "", err
	}
	id := PaneID(strings.TrimSpace(string(out)))
	if !id.Valid() {
		return "", errs.Invariantf("tmux returned malformed pane id %q", id)
	}
	return id, nil
}

// KillPane kills the given pane.
func (a *Adapter) KillPane(ctx context.Context, pane PaneID) error {
	if err := validatePane(pane); err != nil {
		return err
	}
	if _, err := a.run(ctx, "kill-pane", "-t", string(pane)); err != nil {
		return errs.NotFoundf("pane", string(pane))
	}
	return nil
}

// IsPaneAlive reports whether pane's underlying process is still running.
// Adapted from the teacher's tmuxPaneDead, inverted to an alive check and
// generalized from session-targets to arbitrary pane ids.
func (a *Adapter) IsPaneAlive(ctx context.Context, pane PaneID) (bool, error) {
	dead, _, err := a.PaneDeathStatus(ctx, pane)
	if err != nil {
		return false, err
	}
	return !dead, nil
}

// PaneDeathStatus reports whether the pane's process has exited, and its
// exit code if so.
func (a *Adapter) PaneDeathStatus(ctx context.Context, pane PaneID) (dead bool, exitCode int, err error) {
	if err := validatePane(pane); err != nil {
		return false, 0, err
	}
	out, err := a.run(ctx, "display-message", "-t", string(pane), "-p", "#{pane_dead}:#{pane_dead_status}")
	if err != nil {
		return false, 0, errs.NotFoundf("pane", string(pane))
	}
	parts := strings.SplitN(strings.TrimSpace(string(out)), ":", 2)
	if len(parts) != 2 {
		return false, 0, errs.Externalf(nil, "unexpected tmux output: %s", out)
	}
	if parts[0] != "1" {
		return false, 0, nil
	}
	code, convErr := strconv.Atoi(parts[1])
	if convErr != nil {
		return true, 1, nil
	}
	return true, code, nil
}

// GetPane returns descriptive metadata about pane.
func (a *Adapter) GetPane(ctx context.Context, pane PaneID) (PaneInfo, error) {
	if err := validatePane(pane); err != nil {
		return PaneInfo{}, err
	}
	format := "#{session_name}\t#{window_index}\t#{pane_index}\t#{pane_pid}\t#{pane_active}\t#{pane_title}"
	out, err := a.run(ctx, "display-message", "-t", string(pane), "-p", format)
	if err != nil {
		return PaneInfo{}, errs.NotFoundf("pane", string(pane))
	}
	fields := strings.Split(strings.TrimRight(string(out), "\n"), "\t")
	if len(fields) != 6 {
		return PaneInfo{}, errs.Externalf(nil, "unexpected tmux display-message output: %q", out)
	}
	idx, _ := strconv.Atoi(fields[2])
	pid, _ := strconv.Atoi(fields[3])
	return PaneInfo{
		Session: strings.TrimPrefix(fields[0], a.SessionPrefix),
		Window:  fields[1],
		Index:   idx,
		PID:     pid,
		Active:  fields[4] == "1",
		Title:   fields[5],
	}, nil
}

// GetPaneDimensions returns the pane's current column/row size.
func (a *Adapter) GetPaneDimensions(ctx context.Context, pane PaneID) (Dimensions, error) {
	if err := validatePane(pane); err != nil {
		return Dimensions{}, err
	}
	out, err := a.run(ctx, "display-message", "-t", string(pane), "-p", "#{pane_width}x#{pane_height}")
	if err != nil {
		return Dimensions{}, errs.NotFoundf("pane", string(pane))
	}
	var cols, rows uint16
	if _, scanErr := fmt.Sscanf(strings.TrimSpace(string(out)), "%dx%d", &cols, &rows); scanErr != nil {
		return Dimensions{}, errs.Externalf(scanErr, "unparseable pane dimensions %q", out)
	}
	return Dimensions{Cols: cols, Rows: rows}, nil
}

// SetPaneTitle sets pane's displayed title.
func (a *Adapter) SetPaneTitle(ctx context.Context, pane PaneID, title string) error {
	if err := validatePane(pane); err != nil {
		return err
	}
	_, err := a.run(ctx, "select-pane", "-t", string(pane), "-T", title)
	return err
}

// CapturePane returns the pane's scrollback, honoring opts.
//
// Adapted from the teacher's tmuxCapturePaneContent: "-e" keeps escape
// sequences (the raw mode for clients that render them); without it tmux
// itself strips control sequences. "-e" is passed unless
// opts.StripControlSequences is set, so zero-value opts return raw output
// and stripped output needs StripControlSequences: true.
func (a *Adapter) CapturePane(ctx context.Context, pane PaneID, opts CapturePaneOpts) (string, error) {
	if err := validatePane(pane); err != nil {
		return "", err
	}
	args := capturePaneArgs(pane, opts)
	out, err := a.run(ctx, args...)
	if err != nil {
		return "", errs.NotFoundf("pane", string(pane))
	}
	return string(out), nil
}

// capturePaneArgs builds the tmux capture-pane argument list for opts. Kept
// as a pure function, separate from CapturePane, so the option-to-flag
// mapping is testable without shelling out to tmux.
func capturePaneArgs(pane PaneID, opts CapturePaneOpts) []string {
	args := []string{"capture-pane", "-t", string(pane), "-p"}
	if !opts.StripControlSequences {
		args = append(args, "-e")
	}
	if opts.StartLine != nil {
		args = append(args, "-S", strconv.Itoa(*opts.StartLine))
	} else if opts.Lines > 0 {
		args = append(args, "-S", strconv.Itoa(-opts.Lines))
	}
	if opts.EndLine != nil {
		args = append(args, "-E", strconv.Itoa(*opts.EndLine))
	}
	return args
}

// SendKeys sends a named-key or literal key sequence to pane (e.g. "Enter",
// "C-c", or literal text when literal is true).
func (a *Adapter) SendKeys(ctx context.Context, pane PaneID, keys string, literal bool) error {
	if err := validatePane(pane); err != nil {
		return err
	}
	args := []string{"send-keys", "-t", string(pane)}
	if literal {
		args = append(args, "-l")
	}
	args = append(args, keys)
	_, err := a.run(ctx, args...)
	return err
}

// SendRawKeys forwards raw bytes to pane unmolested, using tmux's hex
// literal escapes so control bytes and multi-byte UTF-8 sequences cannot be
// reinterpreted by send-keys' own escape parsing. Required by SPEC_FULL.md
// §4.1: "the safe default is hex-encoded forwarding, chunked into
// two-character units."
func (a *Adapter) SendRawKeys(ctx context.Context, pane PaneID, b []byte) error {
	if err := validatePane(pane); err != nil {
		return err
	}
	if len(b) == 0 {
		return nil
	}
	args := make([]string, 0, len(b)+3)
	args = append(args, "send-keys", "-t", string(pane), "-H")
	for _, c := range b {
		args = append(args, hex.EncodeToString([]byte{c}))
	}
	_, err := a.run(ctx, args...)
	return err
}

// SendText types text as the user would, followed by Enter.
func (a *Adapter) SendText(ctx context.Context, pane PaneID, text string) error {
	if err := a.SendKeys(ctx, pane, text, true); err != nil {
		return err
	}
	return a.SendKeys(ctx, pane, "Enter", false)
}

// SendInterrupt sends Ctrl-C to pane.
func (a *Adapter) SendInterrupt(ctx context.Context, pane PaneID) error {
	return a.SendKeys(ctx, pane, "C-c", false)
}

// SendEOF sends Ctrl-D to pane.
func (a *Adapter) SendEOF(ctx context.Context, pane PaneID) error {
	return a.SendKeys(ctx, pane, "C-d", false)
}

// SendSuspend sends Ctrl-Z to pane.
func (a *Adapter) SendSuspend(ctx context.Context, pane PaneID) error {
	return a.SendKeys(ctx, pane, "C-z", false)
}

// KillSession destroys the whole multiplexer session for id.
func (a *Adapter) KillSession(ctx context.Context, id string) error {
	if _, err := a.run(ctx, "kill-session", "-t", a.sessionName(id)); err != nil {
		return errs.NotFoundf("multiplexer_session", id)
	}
	return nil
}

// loginShellPath returns $SHELL, falling back to /bin/bash. Matches the
// teacher's loginShellPath but defaults to bash rather than zsh, since this
// adapter targets generic Linux hosts rather than macOS.
func loginShellPath() string {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/bash"
	}
	return shell
}

// StartPipePane wires up raw pane-output capture via a named FIFO, for
// callers (the Session Supervisor) that need byte-exact output independent
// of capture_pane's periodic snapshots. Returns the opened FIFO file and its
// path; the caller must call StopPipePane to release resources.
//
// Adapted from the teacher's tmuxStartPipePane/tmuxCleanupPipePane: the FIFO
// is opened O_RDWR before pipe-pane starts so the writer (cat) never races
// a reader that hasn't attached yet, and O_NONBLOCK is cleared immediately
// after open so subsequent reads block normally.
func (a *Adapter) StartPipePane(ctx context.Context, id string) (*os.File, string, error) {
	if err := os.MkdirAll(a.FifoDir, 0o700); err != nil {
		return nil, "", errs.Externalf(err, "mkdir fifo dir")
	}
	name := a.sessionName(id)
	fifoPath := filepath.Join(a.FifoDir, name+".pipe")
	_ = os.Remove(fifoPath)

	if err := syscall.Mkfifo(fifoPath, 0o600); err != nil {
		return nil, "", errs.Externalf(err, "mkfifo")
	}
	fd, err := syscall.Open(fifoPath, syscall.O_RDWR|syscall.O_NONBLOCK, 0)
	if err != nil {
		_ = os.Remove(fifoPath)
		return nil, "", errs.Externalf(err, "open fifo")
	}
	if err := syscall.SetNonblock(fd, false); err != nil {
		_ = syscall.Close(fd)
		_ = os.Remove(fifoPath)
		return nil, "", errs.Externalf(err, "set blocking")
	}
	f := os.NewFile(uintptr(fd), fifoPath)

	if _, err := a.run(ctx, "pipe-pane", "-t", name, "-o",
		fmt.Sprintf("exec cat > %s", shellQuote(fifoPath))); err != nil {
		f.Close()
		_ = os.Remove(fifoPath)
		return nil, "", err
	}
	return f, fifoPath, nil
}

// StopPipePane stops the pipe-pane relay and removes the FIFO.
func (a *Adapter) StopPipePane(ctx context.Context, id string, f *os.File, fifoPath string) {
	name := a.sessionName(id)
	if a.SessionExists(ctx, id) {
		_, _ = a.run(ctx, "pipe-pane", "-t", name)
	}
	if f != nil {
		f.Close()
	}
	if fifoPath != "" {
		_ = os.Remove(fifoPath)
	}
}
